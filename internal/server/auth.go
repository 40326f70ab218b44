package server

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/kiosk/backend/internal/auth"
	"github.com/MarcoPoloResearchLab/kiosk/backend/internal/visitors"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

type otpRequestPayload struct {
	Mobile string `json:"mobile"`
}

type otpRequestResponsePayload struct {
	Mobile    string    `json:"mobile"`
	ExpiresAt time.Time `json:"expires_at"`
}

type otpVerifyPayload struct {
	Mobile string `json:"mobile"`
	Code   string `json:"code"`
}

type authResponsePayload struct {
	AccessToken string `json:"access_token"`
	ExpiresIn   int64  `json:"expires_in"`
	TokenType   string `json:"token_type"`
	VisitorID   string `json:"visitor_id"`
}

func (h *httpHandler) handleOTPRequest(c *gin.Context) {
	var request otpRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil || strings.TrimSpace(request.Mobile) == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	mobile, expiresAt, err := h.otp.RequestCode(c.Request.Context(), request.Mobile)
	switch {
	case err == nil:
		c.JSON(http.StatusAccepted, otpRequestResponsePayload{Mobile: mobile, ExpiresAt: expiresAt})
	case errors.Is(err, visitors.ErrInvalidMobile):
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_mobile"})
	case errors.Is(err, auth.ErrResendTooSoon):
		c.JSON(http.StatusTooManyRequests, gin.H{"error": "resend_too_soon"})
	default:
		h.logger.Error("failed to send otp code", zap.Error(err))
		c.JSON(http.StatusBadGateway, gin.H{"error": "otp_delivery_failed"})
	}
}

func (h *httpHandler) handleOTPVerify(c *gin.Context) {
	var request otpVerifyPayload
	if err := c.ShouldBindJSON(&request); err != nil || strings.TrimSpace(request.Mobile) == "" || strings.TrimSpace(request.Code) == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	mobile, err := h.otp.VerifyCode(request.Mobile, request.Code)
	if err != nil {
		switch {
		case errors.Is(err, visitors.ErrInvalidMobile):
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_mobile"})
		case errors.Is(err, auth.ErrTooManyAttempts):
			c.JSON(http.StatusTooManyRequests, gin.H{"error": "too_many_attempts"})
		case errors.Is(err, auth.ErrCodeExpired), errors.Is(err, auth.ErrNoChallenge), errors.Is(err, auth.ErrInvalidCode):
			h.logger.Info("otp verification failed", zap.Error(err))
			c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		default:
			h.logger.Error("otp verification errored", zap.Error(err))
			c.JSON(http.StatusInternalServerError, gin.H{"error": "otp_verification_failed"})
		}
		return
	}

	visitorID, err := h.visitors.ResolveVisitorID(mobile)
	if err != nil {
		h.logger.Error("failed to resolve visitor", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "visitor_resolution_failed"})
		return
	}
	token, expiresIn, err := h.tokens.IssueVisitorToken(c.Request.Context(), visitorID)
	if err != nil {
		h.logger.Error("failed to issue visitor token", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "token_issue_failed"})
		return
	}
	c.JSON(http.StatusOK, authResponsePayload{
		AccessToken: token,
		ExpiresIn:   expiresIn,
		TokenType:   "Bearer",
		VisitorID:   visitorID,
	})
}
