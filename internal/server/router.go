package server

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/kiosk/backend/internal/auth"
	"github.com/MarcoPoloResearchLab/kiosk/backend/internal/measurements"
	"github.com/MarcoPoloResearchLab/kiosk/backend/internal/pairing"
	"github.com/MarcoPoloResearchLab/kiosk/backend/internal/presence"
	"github.com/MarcoPoloResearchLab/kiosk/backend/internal/session"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const (
	visitorIDContextKey      = "kiosk_visitor_id"
	defaultHeartbeatInterval = 15 * time.Second
)

var (
	errMissingSessions      = errors.New("session orchestrator dependency required")
	errMissingPresence      = errors.New("presence registry dependency required")
	errMissingOTP           = errors.New("otp service dependency required")
	errMissingVisitors      = errors.New("visitor resolver dependency required")
	errMissingTokenManager  = errors.New("token manager dependency required")
	errInvalidAuthorization = errors.New("authorization header missing or invalid")
)

// SessionOrchestrator runs the pairing flow behind the HTTP handlers.
type SessionOrchestrator interface {
	Capture(ctx context.Context, capture measurements.Capture) (session.CaptureResult, error)
	Claim(ctx context.Context, token, deviceID string) (pairing.Snapshot, error)
	CompletePayment(ctx context.Context, request session.PaymentRequest) (session.PaymentResult, error)
	StartProgress(ctx context.Context, measurementID string, stage pairing.State) (pairing.Snapshot, error)
	Reveal(ctx context.Context, measurementID string) (session.RevealResult, error)
	Status(token string) (session.Status, error)
	Record(ctx context.Context, measurementID string) (measurements.Record, error)
	PairingURL(token string) string
}

// PresenceJoiner admits a screen connection into its presence group.
type PresenceJoiner interface {
	Join(ctx context.Context, screenID string) (*presence.Subscription, error)
}

// OTPService issues and checks one-time login codes.
type OTPService interface {
	RequestCode(ctx context.Context, mobile string) (string, time.Time, error)
	VerifyCode(mobile, code string) (string, error)
}

// VisitorResolver maps a verified mobile number to a stable visitor id.
type VisitorResolver interface {
	ResolveVisitorID(mobile string) (string, error)
}

// VisitorTokenManager issues and validates visitor access tokens.
type VisitorTokenManager interface {
	IssueVisitorToken(ctx context.Context, visitorID string) (string, int64, error)
	ValidateToken(token string) (string, error)
}

type Dependencies struct {
	Sessions          SessionOrchestrator
	Presence          PresenceJoiner
	OTP               OTPService
	Visitors          VisitorResolver
	TokenManager      VisitorTokenManager
	AllowedOrigins    []string
	HeartbeatInterval time.Duration
	Logger            *zap.Logger
}

func NewHTTPHandler(deps Dependencies) (http.Handler, error) {
	if deps.Sessions == nil {
		return nil, errMissingSessions
	}
	if deps.Presence == nil {
		return nil, errMissingPresence
	}
	if deps.OTP == nil {
		return nil, errMissingOTP
	}
	if deps.Visitors == nil {
		return nil, errMissingVisitors
	}
	if deps.TokenManager == nil {
		return nil, errMissingTokenManager
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	heartbeat := deps.HeartbeatInterval
	if heartbeat <= 0 {
		heartbeat = defaultHeartbeatInterval
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(corsMiddleware(deps.AllowedOrigins))

	handler := &httpHandler{
		sessions:  deps.Sessions,
		presence:  deps.Presence,
		otp:       deps.OTP,
		visitors:  deps.Visitors,
		tokens:    deps.TokenManager,
		heartbeat: heartbeat,
		logger:    logger,
	}

	router.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	router.POST("/auth/otp/request", handler.handleOTPRequest)
	router.POST("/auth/otp/verify", handler.handleOTPVerify)

	router.POST("/screens/:screen_id/captures", handler.handleCapture)
	router.GET("/screens/:screen_id/events", handler.handlePresenceStream)

	visitor := router.Group("/")
	visitor.Use(handler.identifyVisitor)
	visitor.POST("/sessions/:token/claim", handler.handleClaim)
	visitor.GET("/sessions/:token", handler.handleStatus)
	visitor.GET("/sessions/:token/qr.png", handler.handleQRCode)
	visitor.GET("/measurements/:measurement_id", handler.handleRecord)
	visitor.POST("/measurements/:measurement_id/payment", handler.handlePayment)
	visitor.POST("/measurements/:measurement_id/progress", handler.handleProgress)
	visitor.POST("/measurements/:measurement_id/reveal", handler.handleReveal)

	return router, nil
}

func corsMiddleware(allowedOrigins []string) gin.HandlerFunc {
	config := cors.Config{
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowHeaders: []string{"Authorization", "Content-Type"},
		MaxAge:       12 * time.Hour,
	}
	origins := make([]string, 0, len(allowedOrigins))
	for _, origin := range allowedOrigins {
		trimmed := strings.TrimSpace(origin)
		if trimmed == "*" {
			config.AllowAllOrigins = true
			origins = nil
			break
		}
		if trimmed != "" {
			origins = append(origins, trimmed)
		}
	}
	if len(origins) == 0 {
		config.AllowAllOrigins = true
	} else {
		config.AllowOrigins = origins
	}
	return cors.New(config)
}

type httpHandler struct {
	sessions  SessionOrchestrator
	presence  PresenceJoiner
	otp       OTPService
	visitors  VisitorResolver
	tokens    VisitorTokenManager
	heartbeat time.Duration
	logger    *zap.Logger
}

// identifyVisitor attaches the bearer token's visitor id when one is sent.
// Anonymous requests pass through; a bad token is rejected outright.
func (h *httpHandler) identifyVisitor(c *gin.Context) {
	header := c.GetHeader("Authorization")
	if header == "" {
		c.Next()
		return
	}
	if !strings.HasPrefix(header, "Bearer ") {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": errInvalidAuthorization.Error()})
		return
	}
	token := strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
	if token == "" {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": errInvalidAuthorization.Error()})
		return
	}
	visitorID, err := h.tokens.ValidateToken(token)
	if err != nil {
		if errors.Is(err, auth.ErrExpiredVisitorToken) {
			h.logger.Info("token validation failed", zap.Error(err))
		} else {
			h.logger.Warn("token validation failed", zap.Error(err))
		}
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	c.Set(visitorIDContextKey, visitorID)
	c.Next()
}

func statusForKind(kind session.Kind) int {
	switch kind {
	case session.KindNotFound:
		return http.StatusNotFound
	case session.KindExpired, session.KindUnusedTimeout:
		return http.StatusGone
	case session.KindConflict, session.KindNotClaimed:
		return http.StatusConflict
	case session.KindValidation:
		return http.StatusBadRequest
	case session.KindPaymentNotVerified, session.KindPaymentRequired:
		return http.StatusPaymentRequired
	default:
		return http.StatusInternalServerError
	}
}

func writeSessionError(c *gin.Context, err error) {
	kind := session.KindOf(err)
	body := gin.H{"error": string(kind)}
	var coded interface{ Code() string }
	if errors.As(err, &coded) && coded.Code() != "" {
		body["code"] = coded.Code()
	}
	c.JSON(statusForKind(kind), body)
}
