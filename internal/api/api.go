package api

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"

	"github.com/skyeye-ops/skyeye/internal/manager"
	"github.com/skyeye-ops/skyeye/internal/storage"
)

// API exposes the operator surface: alert queries, ack/close, quick shield,
// health and metrics.
type API struct {
	Manager *manager.Manager
	Docs    *storage.DocStore
	Store   *storage.Store
}

func New(m *manager.Manager, docs *storage.DocStore, store *storage.Store) *API {
	return &API{Manager: m, Docs: docs, Store: store}
}

// Register mounts all routes on the engine.
func (api *API) Register(router *gin.Engine) {
	router.GET("/healthz", api.Healthz)
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	v1 := router.Group("/v1")
	v1.GET("/alerts/:alertID", api.GetAlert)
	v1.GET("/alerts/:alertID/logs", api.ListAlertLogs)
	v1.POST("/alerts/:alertID/ack", api.AckAlert)
	v1.POST("/alerts/:alertID/close", api.CloseAlert)
	v1.POST("/alerts/:alertID/shield", api.QuickShield)
}

func errBody(code, msg string) map[string]any {
	return map[string]any{"error": map[string]any{"code": code, "message": msg}}
}

func (api *API) Healthz(c *gin.Context) {
	if err := api.Store.Ping(c.Request.Context()); err != nil {
		c.JSON(http.StatusServiceUnavailable, errBody("STORE_DOWN", err.Error()))
		return
	}
	c.JSON(http.StatusOK, map[string]any{"status": "ok"})
}

func (api *API) GetAlert(c *gin.Context) {
	id := c.Param("alertID")
	a, err := api.Docs.GetAlert(c.Request.Context(), id)
	if err != nil {
		c.JSON(http.StatusInternalServerError, errBody("INTERNAL_ERROR", err.Error()))
		return
	}
	if a == nil {
		c.JSON(http.StatusNotFound, errBody("NOT_FOUND", "alert not found"))
		return
	}
	c.JSON(http.StatusOK, a)
}

func (api *API) ListAlertLogs(c *gin.Context) {
	id := c.Param("alertID")
	limit := 100
	if v := c.Query("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 && n <= 1000 {
			limit = n
		}
	}
	logs, err := api.Docs.ListLogs(c.Request.Context(), id, limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, errBody("INTERNAL_ERROR", err.Error()))
		return
	}
	c.JSON(http.StatusOK, map[string]any{"alert_id": id, "logs": logs})
}

type operatorRequest struct {
	Operator string `json:"operator"`
	Reason   string `json:"reason"`
}

func (api *API) AckAlert(c *gin.Context) {
	id := c.Param("alertID")
	var req operatorRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.Operator == "" {
		c.JSON(http.StatusBadRequest, errBody("INVALID_PARAMETER", "operator required"))
		return
	}
	if err := api.Manager.AckAlert(c.Request.Context(), id, req.Operator); err != nil {
		c.JSON(http.StatusConflict, errBody("ACK_FAILED", err.Error()))
		return
	}
	log.Info().Str("alert_id", id).Str("operator", req.Operator).Msg("alert acknowledged")
	c.JSON(http.StatusOK, map[string]any{"alert_id": id, "is_ack": true})
}

func (api *API) CloseAlert(c *gin.Context) {
	id := c.Param("alertID")
	var req operatorRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.Operator == "" {
		c.JSON(http.StatusBadRequest, errBody("INVALID_PARAMETER", "operator required"))
		return
	}
	if err := api.Manager.CloseAlert(c.Request.Context(), id, req.Operator, req.Reason); err != nil {
		c.JSON(http.StatusConflict, errBody("CLOSE_FAILED", err.Error()))
		return
	}
	log.Info().Str("alert_id", id).Str("operator", req.Operator).Msg("alert closed")
	c.JSON(http.StatusOK, map[string]any{"alert_id": id, "status": "CLOSED"})
}

type shieldRequest struct {
	Operator string `json:"operator"`
	Duration string `json:"duration"` // e.g. "2h"; default 1h
}

func (api *API) QuickShield(c *gin.Context) {
	id := c.Param("alertID")
	var req shieldRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.Operator == "" {
		c.JSON(http.StatusBadRequest, errBody("INVALID_PARAMETER", "operator required"))
		return
	}
	duration := time.Hour
	if req.Duration != "" {
		d, err := time.ParseDuration(req.Duration)
		if err != nil || d <= 0 {
			c.JSON(http.StatusBadRequest, errBody("INVALID_PARAMETER", "bad duration"))
			return
		}
		duration = d
	}
	sh, err := api.Manager.QuickShield(c.Request.Context(), id, req.Operator, duration)
	if err != nil {
		c.JSON(http.StatusConflict, errBody("SHIELD_FAILED", err.Error()))
		return
	}
	log.Info().Str("alert_id", id).Str("operator", req.Operator).Msg("quick shield applied")
	c.JSON(http.StatusOK, sh)
}
