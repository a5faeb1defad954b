// Package server is the HTTP front door of tierrouterd.
package server

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/ineyio/tierrouter"
)

// Router is the routing core served over HTTP.
type Router interface {
	Route(ctx context.Context, rc tierrouter.RequestContext, p tierrouter.Payload) (tierrouter.Result, tierrouter.UsageRecord, error)
	Breakers() []tierrouter.BreakerSnapshot
	Usage(ctx context.Context, accountID string) (tierrouter.Totals, error)
}

// Config configures the HTTP surface.
type Config struct {
	ServiceName string
	Region      string
	APIKey      string
	// Metrics, when set, is served at GET /metrics without authentication.
	Metrics http.Handler
	Logger  *slog.Logger
}

// New builds the gin engine.
func New(r Router, cfg Config) *gin.Engine {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	h := &handler{router: r, cfg: cfg}

	e := gin.New()
	e.Use(gin.Recovery(), RequestID(), Logging(cfg.Logger))

	e.GET("/healthz", h.health)
	if cfg.Metrics != nil {
		e.GET("/metrics", gin.WrapH(cfg.Metrics))
	}

	v1 := e.Group("/v1", APIKey(cfg.APIKey))
	v1.POST("/route", h.route)
	v1.GET("/breakers", h.breakers)
	v1.GET("/accounts/:id/usage", h.usage)
	return e
}

type handler struct {
	router Router
	cfg    Config
}

// RouteRequest is the body of POST /v1/route.
type RouteRequest struct {
	AccountID   string               `json:"account_id" binding:"required"`
	Plan        string               `json:"plan" binding:"required"`
	Tier        string               `json:"tier,omitempty"`
	ContentHint string               `json:"content_hint,omitempty"`
	TimeoutMS   int64                `json:"timeout_ms,omitempty"`
	Messages    []tierrouter.Message `json:"messages" binding:"required,min=1"`
	Attributes  map[string]string    `json:"attributes,omitempty"`
}

// RouteResponse is the success body of POST /v1/route.
type RouteResponse struct {
	RequestID string                 `json:"request_id"`
	Result    tierrouter.Result      `json:"result"`
	Usage     tierrouter.UsageRecord `json:"usage"`
}

// ErrorBody is the error body of every endpoint.
type ErrorBody struct {
	RequestID string      `json:"request_id,omitempty"`
	Error     ErrorDetail `json:"error"`
}

type ErrorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (h *handler) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":  "ok",
		"service": h.cfg.ServiceName,
		"region":  h.cfg.Region,
	})
}

func (h *handler) route(c *gin.Context) {
	var req RouteRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		abort(c, http.StatusBadRequest, "bad_request", err.Error())
		return
	}

	rc := tierrouter.RequestContext{
		AccountID:     req.AccountID,
		Plan:          tierrouter.Plan(req.Plan),
		TierOverride:  tierrouter.Tier(req.Tier),
		ContentHint:   req.ContentHint,
		CorrelationID: c.GetString(requestIDKey),
	}
	if req.TimeoutMS > 0 {
		rc.Deadline = time.Now().Add(time.Duration(req.TimeoutMS) * time.Millisecond)
	}

	res, usage, err := h.router.Route(c.Request.Context(), rc, tierrouter.Payload{
		Messages:   req.Messages,
		Attributes: req.Attributes,
	})
	if err != nil {
		status, code := StatusOf(err)
		abort(c, status, code, err.Error())
		return
	}

	c.JSON(http.StatusOK, RouteResponse{
		RequestID: rc.CorrelationID,
		Result:    res,
		Usage:     usage,
	})
}

func (h *handler) breakers(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"breakers": h.router.Breakers()})
}

func (h *handler) usage(c *gin.Context) {
	t, err := h.router.Usage(c.Request.Context(), c.Param("id"))
	if err != nil {
		abort(c, http.StatusServiceUnavailable, "ledger_unavailable", err.Error())
		return
	}
	c.JSON(http.StatusOK, t)
}

// StatusOf maps a Route error to an HTTP status and error code.
func StatusOf(err error) (int, string) {
	var (
		quota *tierrouter.QuotaExceededError
		nr    *tierrouter.NonRetryableCallError
	)
	switch {
	case errors.As(err, &quota):
		if quota.Cause != nil {
			return http.StatusServiceUnavailable, "ledger_unavailable"
		}
		return http.StatusTooManyRequests, "quota_exceeded"
	case errors.Is(err, tierrouter.ErrInvalidPlan):
		return http.StatusUnprocessableEntity, "invalid_plan"
	case errors.As(err, &nr):
		switch {
		case errors.Is(err, tierrouter.ErrContentPolicy):
			return http.StatusBadRequest, "content_policy"
		case errors.Is(err, tierrouter.ErrAuthFailed):
			return http.StatusBadGateway, "deployment_auth_failed"
		default:
			return http.StatusBadRequest, "invalid_request"
		}
	case errors.Is(err, tierrouter.ErrChainExhausted):
		if errors.Is(err, context.DeadlineExceeded) {
			return http.StatusGatewayTimeout, "deadline_exceeded"
		}
		return http.StatusServiceUnavailable, "all_deployments_failed"
	default:
		return http.StatusInternalServerError, "internal"
	}
}

func abort(c *gin.Context, status int, code, msg string) {
	c.AbortWithStatusJSON(status, ErrorBody{
		RequestID: c.GetString(requestIDKey),
		Error:     ErrorDetail{Code: code, Message: msg},
	})
}
