package server

import (
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/kiosk/backend/internal/measurements"
	"github.com/MarcoPoloResearchLab/kiosk/backend/internal/pairing"
	"github.com/MarcoPoloResearchLab/kiosk/backend/internal/session"
	"github.com/gin-gonic/gin"
	"github.com/skip2/go-qrcode"
	"go.uber.org/zap"
)

const qrCodeSize = 320

type captureRequestPayload struct {
	HeightCm float64 `json:"height_cm"`
	WeightKg float64 `json:"weight_kg"`
}

type captureResponsePayload struct {
	MeasurementID  string    `json:"measurement_id"`
	Token          string    `json:"token"`
	PairingURL     string    `json:"pairing_url"`
	State          string    `json:"state"`
	ExpiresAt      time.Time `json:"expires_at"`
	UnusedDeadline time.Time `json:"unused_deadline"`
}

type tokenPayload struct {
	Token          string    `json:"token"`
	ScreenID       string    `json:"screen_id"`
	MeasurementID  string    `json:"measurement_id"`
	State          string    `json:"state"`
	Claimed        bool      `json:"claimed"`
	ExpiresAt      time.Time `json:"expires_at"`
	UnusedDeadline time.Time `json:"unused_deadline"`
	LastActivity   time.Time `json:"last_activity"`
}

type statusResponsePayload struct {
	tokenPayload
	Expired       bool `json:"expired"`
	UnusedTimeout bool `json:"unused_timeout"`
}

type claimRequestPayload struct {
	DeviceID string `json:"device_id"`
}

type paymentRequestPayload struct {
	Verified  bool   `json:"verified"`
	VisitorID string `json:"visitor_id"`
	DeviceID  string `json:"device_id"`
}

type progressRequestPayload struct {
	Stage string `json:"stage"`
}

type recordPayload struct {
	MeasurementID string    `json:"measurement_id"`
	ScreenID      string    `json:"screen_id"`
	HeightCm      float64   `json:"height_cm"`
	WeightKg      float64   `json:"weight_kg"`
	BMI           float64   `json:"bmi"`
	Category      string    `json:"category"`
	CapturedAt    time.Time `json:"captured_at"`
}

type revealResponsePayload struct {
	recordPayload
	State   string `json:"state"`
	Message string `json:"message"`
}

func newTokenPayload(snapshot pairing.Snapshot) tokenPayload {
	return tokenPayload{
		Token:          snapshot.Token,
		ScreenID:       snapshot.ScreenID,
		MeasurementID:  snapshot.MeasurementID,
		State:          snapshot.State.String(),
		Claimed:        snapshot.Claimed(),
		ExpiresAt:      snapshot.ExpiresAt,
		UnusedDeadline: snapshot.UnusedDeadline,
		LastActivity:   snapshot.LastActivity,
	}
}

func newRecordPayload(record measurements.Record) recordPayload {
	return recordPayload{
		MeasurementID: record.MeasurementID,
		ScreenID:      record.ScreenID,
		HeightCm:      record.HeightCm,
		WeightKg:      record.WeightKg,
		BMI:           record.BMI,
		Category:      string(record.Category),
		CapturedAt:    record.CapturedAt,
	}
}

func (h *httpHandler) handleCapture(c *gin.Context) {
	var request captureRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": string(session.KindValidation)})
		return
	}
	result, err := h.sessions.Capture(c.Request.Context(), measurements.Capture{
		ScreenID: c.Param("screen_id"),
		HeightCm: request.HeightCm,
		WeightKg: request.WeightKg,
	})
	if err != nil {
		writeSessionError(c, err)
		return
	}
	c.JSON(http.StatusCreated, captureResponsePayload{
		MeasurementID:  result.Record.MeasurementID,
		Token:          result.Token.Token,
		PairingURL:     result.PairingURL,
		State:          result.Token.State.String(),
		ExpiresAt:      result.Token.ExpiresAt,
		UnusedDeadline: result.Token.UnusedDeadline,
	})
}

func (h *httpHandler) handleClaim(c *gin.Context) {
	var request claimRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil && !errors.Is(err, io.EOF) {
		c.JSON(http.StatusBadRequest, gin.H{"error": string(session.KindValidation)})
		return
	}
	identity := c.GetString(visitorIDContextKey)
	if identity == "" {
		identity = strings.TrimSpace(request.DeviceID)
	}
	if identity == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": string(session.KindValidation)})
		return
	}
	snapshot, err := h.sessions.Claim(c.Request.Context(), c.Param("token"), identity)
	if err != nil {
		writeSessionError(c, err)
		return
	}
	c.JSON(http.StatusOK, newTokenPayload(snapshot))
}

func (h *httpHandler) handleStatus(c *gin.Context) {
	status, err := h.sessions.Status(c.Param("token"))
	if err != nil {
		writeSessionError(c, err)
		return
	}
	c.JSON(http.StatusOK, statusResponsePayload{
		tokenPayload:  newTokenPayload(status.Token),
		Expired:       status.Expired,
		UnusedTimeout: status.UnusedTimeout,
	})
}

func (h *httpHandler) handleQRCode(c *gin.Context) {
	status, err := h.sessions.Status(c.Param("token"))
	if err != nil {
		writeSessionError(c, err)
		return
	}
	if status.Expired || status.UnusedTimeout {
		kind := session.KindExpired
		if !status.Expired {
			kind = session.KindUnusedTimeout
		}
		c.JSON(statusForKind(kind), gin.H{"error": string(kind)})
		return
	}
	png, err := qrcode.Encode(h.sessions.PairingURL(status.Token.Token), qrcode.Medium, qrCodeSize)
	if err != nil {
		h.logger.Error("failed to render pairing qr code", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": string(session.KindInternal)})
		return
	}
	c.Header("Cache-Control", "no-store")
	c.Data(http.StatusOK, "image/png", png)
}

func (h *httpHandler) handleRecord(c *gin.Context) {
	record, err := h.sessions.Record(c.Request.Context(), c.Param("measurement_id"))
	if err != nil {
		writeSessionError(c, err)
		return
	}
	c.JSON(http.StatusOK, newRecordPayload(record))
}

func (h *httpHandler) handlePayment(c *gin.Context) {
	var request paymentRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": string(session.KindValidation)})
		return
	}
	// A bearer identity always names the paying visitor.
	claimant := c.GetString(visitorIDContextKey)
	visitorID := claimant
	if visitorID == "" {
		visitorID = strings.TrimSpace(request.VisitorID)
	}
	result, err := h.sessions.CompletePayment(c.Request.Context(), session.PaymentRequest{
		MeasurementID: c.Param("measurement_id"),
		VisitorID:     visitorID,
		Verified:      request.Verified,
		Claimant:      claimant,
		DeviceID:      strings.TrimSpace(request.DeviceID),
	})
	if err != nil {
		writeSessionError(c, err)
		return
	}
	c.JSON(http.StatusOK, newTokenPayload(result.Token))
}

func (h *httpHandler) handleProgress(c *gin.Context) {
	var request progressRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil && !errors.Is(err, io.EOF) {
		c.JSON(http.StatusBadRequest, gin.H{"error": string(session.KindValidation)})
		return
	}
	stage, err := session.ParseStage(request.Stage)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": string(session.KindValidation)})
		return
	}
	snapshot, err := h.sessions.StartProgress(c.Request.Context(), c.Param("measurement_id"), stage)
	if err != nil {
		writeSessionError(c, err)
		return
	}
	c.JSON(http.StatusOK, newTokenPayload(snapshot))
}

func (h *httpHandler) handleReveal(c *gin.Context) {
	result, err := h.sessions.Reveal(c.Request.Context(), c.Param("measurement_id"))
	if err != nil {
		writeSessionError(c, err)
		return
	}
	c.JSON(http.StatusOK, revealResponsePayload{
		recordPayload: newRecordPayload(result.Record),
		State:         result.Token.State.String(),
		Message:       result.Record.Message,
	})
}
