package httpapi

import (
	"context"
	"errors"
	"net/http"

	"callbridge/internal/bridge"
	"callbridge/internal/calls"
	"callbridge/internal/telephony"
	"callbridge/pkg/logger"

	"github.com/gin-gonic/gin"
)

// CallbackService is the provider-facing side of bridge.Service.
type CallbackService interface {
	HandleCallback(ctx context.Context, kind calls.EventKind, hintCallID string, fields map[string]string) (bridge.Result, error)
	NextInstruction(ctx context.Context, hintCallID string, fields map[string]string) (string, error)
}

// WebhookHandlers converts provider webhooks to internal types, delegates to
// the bridge and writes JSON or TwiML.
//
// No business logic here. The :call_id path segment is only a hint; the
// provider leg id decides which call an event belongs to.
type WebhookHandlers struct {
	Calls CallbackService
}

// Callback handles status and answering machine callbacks of either leg.
//
// Responses:
// - 400 when the payload cannot be parsed or classified.
// - 200 once the event is recorded, including anomalies and illegal
//   transitions, so the provider does not redeliver.
// - 500 on storage failures, so the provider retries.
func (h WebhookHandlers) Callback(kind calls.EventKind) gin.HandlerFunc {
	return func(c *gin.Context) {
		log := logger.FromGin(c)
		if h.Calls == nil {
			c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "bridge not configured"})
			return
		}

		fields, err := telephony.ParseCallback(c.Request)
		if err != nil {
			log.Warn("provider callback parse failed", "kind", kind, "err", err)
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid form"})
			return
		}

		res, err := h.Calls.HandleCallback(c.Request.Context(), kind, c.Param("call_id"), fields)
		switch {
		case err == nil,
			errors.Is(err, calls.ErrReconciliationAnomaly),
			errors.Is(err, calls.ErrIllegalTransition):
			c.JSON(http.StatusOK, res)
		case errors.Is(err, calls.ErrClassification):
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": err.Error(), "outcome": res.Outcome})
		default:
			_ = c.Error(err)
			c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "callback processing failed"})
		}
	}
}

// Dial answers the origin leg's gather action with TwiML.
func (h WebhookHandlers) Dial(c *gin.Context) {
	log := logger.FromGin(c)
	if h.Calls == nil {
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "bridge not configured"})
		return
	}

	fields, err := telephony.ParseCallback(c.Request)
	if err != nil {
		log.Warn("dial request parse failed", "err", err)
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid form"})
		return
	}

	twiml, err := h.Calls.NextInstruction(c.Request.Context(), c.Param("call_id"), fields)
	switch {
	case err == nil:
	case errors.Is(err, bridge.ErrUnknownLeg):
		c.AbortWithStatusJSON(http.StatusNotFound, gin.H{"error": "unknown call leg"})
		return
	case errors.Is(err, calls.ErrClassification):
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	default:
		log.Error("dial instruction failed", "err", err)
		_ = c.Error(err)
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "instruction failed"})
		return
	}

	c.Header("Content-Type", "application/xml")
	c.String(http.StatusOK, twiml)
}

// Register mounts the provider webhooks under /v1/phone.
func (h WebhookHandlers) Register(g *gin.RouterGroup) {
	g.POST("/"+bridge.RouteStatusCallback+"/:call_id", h.Callback(calls.KindStatusCallback))
	g.POST("/"+bridge.RouteAMDStatusCallback+"/:call_id", h.Callback(calls.KindAnsweredByCallback))
	g.POST("/"+bridge.RouteDial+"/:call_id", h.Dial)
	g.POST("/"+bridge.RouteDialStatusCallback+"/:call_id", h.Callback(calls.KindStatusCallback))
	g.POST("/"+bridge.RouteDialAMDStatusCallback+"/:call_id", h.Callback(calls.KindAnsweredByCallback))
}
