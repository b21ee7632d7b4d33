package httpapi

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"callbridge/internal/audit"
	"callbridge/internal/auth"
	"callbridge/internal/bridge"
	"callbridge/internal/calls"
	"callbridge/internal/rbac"
	"callbridge/internal/reporting"
	"callbridge/pkg/logger"

	"github.com/gin-gonic/gin"
)

// CallService is the operator-facing side of bridge.Service.
type CallService interface {
	StartCall(ctx context.Context, req bridge.StartCallRequest) (calls.Call, error)
	Status(ctx context.Context, callID string) (bridge.CallStatus, error)
	Events(ctx context.Context, callID string) ([]calls.Event, error)
}

// Handlers groups HTTP handlers for dependency injection.
// Keep these thin: parse/validate input, call internal services, return JSON.
type Handlers struct {
	Auth    *auth.Manager
	Calls   CallService
	Reports *reporting.Service
	Audit   *audit.Service
}

// --- Auth ---

type loginRequest struct {
	APIKey string `json:"api_key" binding:"required"`
	UserID string `json:"user_id" binding:"required"`
	Role   string `json:"role" binding:"required,oneof=admin operator analyst"`
}

// Login exchanges the operator API key for a JWT token pair.
func (h Handlers) Login(c *gin.Context) {
	if h.Auth == nil {
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "auth not configured"})
		return
	}
	var req loginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": validationMessage(err)})
		return
	}
	if !h.Auth.CheckAPIKey(req.APIKey) {
		logger.FromGin(c).Warn("operator login rejected", "user_id", req.UserID, "ip", c.ClientIP())
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid credentials"})
		return
	}
	pair, err := h.Auth.IssuePair(time.Now(), req.UserID, req.Role)
	if err != nil {
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "token issuance failed"})
		return
	}
	c.JSON(http.StatusOK, pair)
}

type refreshRequest struct {
	RefreshToken string `json:"refresh_token" binding:"required"`
}

// Refresh exchanges a refresh token for a new token pair.
func (h Handlers) Refresh(c *gin.Context) {
	if h.Auth == nil {
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "auth not configured"})
		return
	}
	var req refreshRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": validationMessage(err)})
		return
	}
	pair, err := h.Auth.Refresh(time.Now(), req.RefreshToken)
	if err != nil {
		logger.FromGin(c).Info("token refresh rejected", "err", err)
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid refresh token"})
		return
	}
	c.JSON(http.StatusOK, pair)
}

// --- Calls ---

type startCallRequest struct {
	ActivistNumber string `json:"activist_number" binding:"required,phone"`
	TargetNumber   string `json:"target_number" binding:"required,phone,nefield=ActivistNumber"`

	WidgetID      int64  `json:"widget_id" binding:"gte=0"`
	ActivistName  string `json:"activist_name" binding:"max=200"`
	ActivistEmail string `json:"activist_email" binding:"omitempty,email"`
	TargetName    string `json:"target_name" binding:"max=200"`
}

type startCallResponse struct {
	CallID string               `json:"call_id"`
	Status calls.ExternalStatus `json:"status"`
}

// StartCall dials the activist and, once they confirm, the target.
// RBAC: operator or admin.
func (h Handlers) StartCall(c *gin.Context) {
	if h.Calls == nil {
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "calls not configured"})
		return
	}
	log := logger.FromGin(c)

	var req startCallRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": validationMessage(err)})
		return
	}
	userID, _ := auth.UserID(c.Request.Context())
	role, _ := auth.Role(c.Request.Context())

	call, err := h.Calls.StartCall(c.Request.Context(), bridge.StartCallRequest{
		OriginNumber:      req.ActivistNumber,
		DestinationNumber: req.TargetNumber,
		WidgetID:          req.WidgetID,
		ActivistName:      req.ActivistName,
		ActivistEmail:     req.ActivistEmail,
		TargetName:        req.TargetName,
		ActorUserID:       userID,
		ActorRole:         role,
		IPAddress:         c.ClientIP(),
	})
	switch {
	case err == nil:
	case errors.Is(err, bridge.ErrInvalidRequest):
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid call request"})
		return
	case errors.Is(err, bridge.ErrCapacity):
		c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{"error": "too many active calls"})
		return
	default:
		log.Error("start call failed", "err", err)
		_ = c.Error(err)
		c.AbortWithStatusJSON(http.StatusBadGateway, gin.H{"error": "call could not be placed"})
		return
	}

	c.JSON(http.StatusCreated, startCallResponse{CallID: call.ID, Status: calls.Project(call.State)})
}

func (h Handlers) CallStatus(c *gin.Context) {
	if h.Calls == nil {
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "calls not configured"})
		return
	}
	st, err := h.Calls.Status(c.Request.Context(), c.Param("call_id"))
	if errors.Is(err, bridge.ErrCallNotFound) {
		c.AbortWithStatusJSON(http.StatusNotFound, gin.H{"error": "call not found"})
		return
	}
	if err != nil {
		logger.FromGin(c).Error("call status lookup failed", "err", err)
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "status lookup failed"})
		return
	}
	c.JSON(http.StatusOK, st)
}

func (h Handlers) CallEvents(c *gin.Context) {
	if h.Calls == nil {
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "calls not configured"})
		return
	}
	evs, err := h.Calls.Events(c.Request.Context(), c.Param("call_id"))
	if errors.Is(err, bridge.ErrCallNotFound) {
		c.AbortWithStatusJSON(http.StatusNotFound, gin.H{"error": "call not found"})
		return
	}
	if err != nil {
		logger.FromGin(c).Error("call events lookup failed", "err", err)
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "events lookup failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"events": evs})
}

// CallAudit lists anomalies and operator actions recorded for a call.
// RBAC: admin.
func (h Handlers) CallAudit(c *gin.Context) {
	if h.Audit == nil {
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "audit not configured"})
		return
	}
	evs, err := h.Audit.ForCall(c.Request.Context(), c.Param("call_id"))
	if err != nil {
		logger.FromGin(c).Error("audit lookup failed", "err", err)
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "audit lookup failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"events": evs})
}

// --- Reports ---

// CallsReport summarizes outcomes for [from, to). Both bounds are RFC 3339;
// to defaults to now and from to 24h before to.
// RBAC: analyst or admin.
func (h Handlers) CallsReport(c *gin.Context) {
	if h.Reports == nil {
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "reports not configured"})
		return
	}

	to := time.Now().UTC()
	if v := c.Query("to"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "to must be RFC 3339"})
			return
		}
		to = t
	}
	from := to.Add(-24 * time.Hour)
	if v := c.Query("from"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "from must be RFC 3339"})
			return
		}
		from = t
	}
	var widgetID int64
	if v := c.Query("widget_id"); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil || n < 0 {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "widget_id must be a positive integer"})
			return
		}
		widgetID = n
	}

	out, err := h.Reports.CallsSummary(c.Request.Context(), reporting.CallsSummaryRequest{
		Range:    reporting.TimeRange{From: from, To: to},
		WidgetID: widgetID,
	})
	if errors.Is(err, reporting.ErrInvalidRequest) {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid range"})
		return
	}
	if err != nil {
		logger.FromGin(c).Error("calls report failed", "err", err)
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "report failed"})
		return
	}
	c.JSON(http.StatusOK, out)
}

// Convenience middleware bundles.

func RequireOperator() gin.HandlerFunc { return rbac.Require(rbac.PermStartCall) }

func RequireViewer() gin.HandlerFunc { return rbac.Require(rbac.PermViewCalls) }

func RequireAnalyst() gin.HandlerFunc { return rbac.Require(rbac.PermViewReports) }

func RequireAdmin() gin.HandlerFunc { return rbac.Require(rbac.PermViewAudit) }
