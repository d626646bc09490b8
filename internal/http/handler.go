package http

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"parking-gate-service/internal/billing"
	"parking-gate-service/internal/config"
	"parking-gate-service/internal/domain/anpr"
	"parking-gate-service/internal/domain/parking"
	"parking-gate-service/internal/ledger"
	"parking-gate-service/internal/notify"
	"parking-gate-service/internal/service"
	"parking-gate-service/internal/session"
	"parking-gate-service/internal/transport/push"
	"parking-gate-service/internal/utils"
)

type DetectionService interface {
	ProcessIncomingEvent(ctx context.Context, payload anpr.EventPayload, defaultCameraModel string) (*anpr.ProcessResult, error)
	FindPlates(ctx context.Context, plateQuery string) ([]service.PlateInfo, error)
	FindEvents(ctx context.Context, q service.EventQuery) ([]service.EventInfo, error)
	PendingDetections(ctx context.Context, gateID string, dir anpr.Direction) ([]anpr.DetectionPayload, error)
	MarkProcessed(ctx context.Context, gateID string, m service.ProcessedMark) (int64, error)
}

type PassageHistory interface {
	FindByPlate(ctx context.Context, plate string, limit int) ([]parking.Passage, error)
}

type Deps struct {
	Detections  DetectionService
	Sessions    *session.Manager
	Hub         *push.Hub
	Broadcaster *notify.Broadcaster
	History     PassageHistory
}

type Handler struct {
	detections  DetectionService
	sessions    *session.Manager
	hub         *push.Hub
	broadcaster *notify.Broadcaster
	history     PassageHistory
	config      *config.Config
	log         zerolog.Logger
}

func NewHandler(deps Deps, cfg *config.Config, log zerolog.Logger) *Handler {
	return &Handler{
		detections:  deps.Detections,
		sessions:    deps.Sessions,
		hub:         deps.Hub,
		broadcaster: deps.Broadcaster,
		history:     deps.History,
		config:      cfg,
		log:         log.With().Str("component", "http").Logger(),
	}
}

func (h *Handler) Register(r *gin.Engine, authMiddleware gin.HandlerFunc) {
	r.GET("/healthz", h.health)

	// Camera webhooks
	public := r.Group("/api/v1")
	{
		public.POST("/anpr/events", h.createANPREvent)
	}

	protected := r.Group("/api/v1")
	protected.Use(authMiddleware)
	{
		protected.GET("/plates", h.listPlates)
		protected.GET("/events", h.listEvents)
		protected.GET("/passages", h.listPassages)

		detections := protected.Group("/gates/:gateID/detections")
		detections.GET("/pending-entry", h.pendingDetections(anpr.DirectionEntry))
		detections.GET("/pending-exit", h.pendingDetections(anpr.DirectionExit))
		detections.POST("/processed", h.markDetectionProcessed)
		detections.GET("/stream", h.detectionStream)

		protected.GET("/gates", h.listSessions)
		gates := protected.Group("/gates/:gateID")
		gates.POST("/session", h.openSession)
		gates.GET("/session", h.sessionStatus)
		gates.DELETE("/session", h.closeSession)
		gates.GET("/ws", h.notifications)
		gates.POST("/visibility", h.setVisibility)
		gates.POST("/refresh", h.refresh)
		gates.GET("/fee", h.previewFee)
		gates.PUT("/vehicles/:plate/body-type", h.setBodyType)
		gates.POST("/prompts/:promptID/confirm-entry", h.confirmEntry)
		gates.POST("/prompts/:promptID/confirm-exit", h.confirmExit)
		gates.POST("/prompts/:promptID/dismiss", h.dismissPrompt)
		gates.POST("/prompts/:promptID/processed", h.promptProcessed)

		stations := protected.Group("/stations/:stationID")
		stations.GET("/passages/active", h.activePassages)
		stations.POST("/reload", h.reloadStation)
	}
}

func (h *Handler) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (h *Handler) createANPREvent(c *gin.Context) {
	var payload anpr.EventPayload
	if err := c.ShouldBindJSON(&payload); err != nil {
		c.JSON(http.StatusBadRequest, errorResponse(err.Error()))
		return
	}

	if payload.EventTime.IsZero() {
		payload.EventTime = time.Now()
	}

	result, err := h.detections.ProcessIncomingEvent(c.Request.Context(), payload, h.config.Camera.Model)
	if err != nil {
		h.handleError(c, err)
		return
	}

	c.JSON(http.StatusCreated, gin.H{
		"status":    "ok",
		"event_id":  result.EventID,
		"plate_id":  result.PlateID,
		"plate":     result.Plate,
		"hits":      result.Hits,
		"delivered": result.Delivered,
	})
}

func (h *Handler) listPlates(c *gin.Context) {
	plateQuery := strings.TrimSpace(c.Query("plate"))
	if plateQuery == "" {
		c.JSON(http.StatusBadRequest, errorResponse("plate parameter is required"))
		return
	}

	plates, err := h.detections.FindPlates(c.Request.Context(), plateQuery)
	if err != nil {
		h.handleError(c, err)
		return
	}

	c.JSON(http.StatusOK, successResponse(plates))
}

func (h *Handler) listEvents(c *gin.Context) {
	q := service.EventQuery{
		Plate:  strings.TrimSpace(c.Query("plate")),
		GateID: strings.TrimSpace(c.Query("gate_id")),
		From:   strings.TrimSpace(c.Query("from")),
		To:     strings.TrimSpace(c.Query("to")),
		Limit:  50,
	}
	if l := c.Query("limit"); l != "" {
		if parsed, err := parseInt(l); err == nil && parsed > 0 {
			q.Limit = parsed
		}
	}
	if o := c.Query("offset"); o != "" {
		if parsed, err := parseInt(o); err == nil && parsed >= 0 {
			q.Offset = parsed
		}
	}

	events, err := h.detections.FindEvents(c.Request.Context(), q)
	if err != nil {
		h.handleError(c, err)
		return
	}

	c.JSON(http.StatusOK, successResponse(events))
}

func (h *Handler) listPassages(c *gin.Context) {
	plate := utils.NormalizePlate(c.Query("plate"))
	if plate == "" {
		c.JSON(http.StatusBadRequest, errorResponse("plate parameter is required"))
		return
	}
	if h.history == nil {
		c.JSON(http.StatusOK, successResponse([]parking.Passage{}))
		return
	}

	passages, err := h.history.FindByPlate(c.Request.Context(), plate, 20)
	if err != nil {
		h.handleError(c, err)
		return
	}
	c.JSON(http.StatusOK, successResponse(passages))
}

func (h *Handler) pendingDetections(dir anpr.Direction) gin.HandlerFunc {
	return func(c *gin.Context) {
		payloads, err := h.detections.PendingDetections(c.Request.Context(), c.Param("gateID"), dir)
		if err != nil {
			h.handleError(c, err)
			return
		}
		c.JSON(http.StatusOK, successResponse(payloads))
	}
}

func (h *Handler) markDetectionProcessed(c *gin.Context) {
	var mark service.ProcessedMark
	if err := c.ShouldBindJSON(&mark); err != nil {
		c.JSON(http.StatusBadRequest, errorResponse(err.Error()))
		return
	}

	updated, err := h.detections.MarkProcessed(c.Request.Context(), c.Param("gateID"), mark)
	if err != nil {
		h.handleError(c, err)
		return
	}
	c.JSON(http.StatusOK, successResponse(gin.H{"updated": updated}))
}

func (h *Handler) detectionStream(c *gin.Context) {
	if err := h.hub.ServeStream(c.Writer, c.Request, c.Param("gateID")); err != nil {
		h.log.Warn().Err(err).Str("gate_id", c.Param("gateID")).Msg("detection stream upgrade failed")
	}
}

func (h *Handler) handleError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, service.ErrInvalidInput), errors.Is(err, anpr.ErrMalformedDetection):
		c.JSON(http.StatusBadRequest, errorResponse(err.Error()))
	case errors.Is(err, session.ErrWrongPrompt):
		c.JSON(http.StatusConflict, errorResponse(err.Error()))
	case errors.Is(err, ledger.ErrConflict):
		c.JSON(http.StatusConflict, errorResponse("vehicle is already parked"))
	case errors.Is(err, session.ErrGateInUse):
		c.JSON(http.StatusConflict, errorResponse(err.Error()))
	case errors.Is(err, billing.ErrRateUnavailable):
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": err.Error(), "rate_required": true})
	case errors.Is(err, session.ErrBodyTypeRequired):
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": err.Error(), "body_type_required": true})
	case errors.Is(err, service.ErrNotFound),
		errors.Is(err, ledger.ErrNotFound),
		errors.Is(err, session.ErrPromptNotFound),
		errors.Is(err, session.ErrSessionNotFound):
		c.JSON(http.StatusNotFound, errorResponse(err.Error()))
	default:
		h.log.Error().Err(err).Str("path", c.FullPath()).Msg("handler error")
		c.JSON(http.StatusInternalServerError, errorResponse("internal error"))
	}
}

func successResponse(data interface{}) gin.H {
	return gin.H{
		"data": data,
	}
}

func errorResponse(message string) gin.H {
	return gin.H{
		"error": message,
	}
}

func parseInt(s string) (int, error) {
	return strconv.Atoi(s)
}
