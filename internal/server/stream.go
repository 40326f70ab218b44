package server

import (
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/MarcoPoloResearchLab/kiosk/backend/internal/presence"
	"github.com/MarcoPoloResearchLab/kiosk/backend/internal/session"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// handlePresenceStream joins the screen's presence group for the life of the
// request and relays every broadcast as a server-sent event.
func (h *httpHandler) handlePresenceStream(c *gin.Context) {
	ctx := c.Request.Context()
	subscription, err := h.presence.Join(ctx, c.Param("screen_id"))
	if err != nil {
		if errors.Is(err, presence.ErrInvalidScreenID) {
			c.JSON(http.StatusBadRequest, gin.H{"error": string(session.KindValidation)})
			return
		}
		h.logger.Error("failed to join presence group", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": string(session.KindInternal)})
		return
	}
	defer subscription.Leave()

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no")
	c.Status(http.StatusOK)
	if _, err := fmt.Fprint(c.Writer, ": connected\n\n"); err != nil {
		return
	}
	c.Writer.Flush()

	heartbeat := time.NewTicker(h.heartbeat)
	defer heartbeat.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case tick := <-heartbeat.C:
			if _, err := fmt.Fprintf(c.Writer, ": heartbeat %d\n\n", tick.Unix()); err != nil {
				return
			}
			c.Writer.Flush()
		case message := <-subscription.Messages():
			c.SSEvent(message.Event.Name(), message.Event)
			c.Writer.Flush()
		}
	}
}
