package http

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"parking-gate-service/internal/domain/parking"
	"parking-gate-service/internal/session"
	"parking-gate-service/internal/utils"
)

type openSessionRequest struct {
	StationID string `json:"station_id" binding:"required"`
}

type bodyTypeRequest struct {
	BodyTypeID *int64 `json:"body_type_id"`
}

type visibilityRequest struct {
	Visible *bool `json:"visible" binding:"required"`
}

type processedRequest struct {
	Notice string `json:"notice"`
}

type exitResponse struct {
	Passage parking.Passage  `json:"passage"`
	Fee     parking.FeeQuote `json:"fee"`
}

func (h *Handler) gateSession(c *gin.Context) (*session.Orchestrator, bool) {
	o, err := h.sessions.Get(c.Param("gateID"))
	if err != nil {
		h.handleError(c, err)
		return nil, false
	}
	return o, true
}

func (h *Handler) listSessions(c *gin.Context) {
	c.JSON(http.StatusOK, successResponse(h.sessions.Statuses()))
}

func (h *Handler) openSession(c *gin.Context) {
	var req openSessionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, errorResponse(err.Error()))
		return
	}

	o, err := h.sessions.Open(c.Request.Context(), c.Param("gateID"), req.StationID)
	if err != nil {
		h.handleError(c, err)
		return
	}

	h.log.Info().Str("gate_id", o.GateID()).Str("operator", operator(c)).Msg("gate session opened by operator")
	c.JSON(http.StatusOK, successResponse(o.Status()))
}

func (h *Handler) sessionStatus(c *gin.Context) {
	o, ok := h.gateSession(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, successResponse(o.Status()))
}

func (h *Handler) closeSession(c *gin.Context) {
	if err := h.sessions.Close(c.Param("gateID")); err != nil {
		h.handleError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// notifications attaches an operator console. A console may attach before
// the session is opened; it then starts with an empty slot.
func (h *Handler) notifications(c *gin.Context) {
	gateID := c.Param("gateID")

	var initial []parking.Notification
	if o, err := h.sessions.Get(gateID); err == nil {
		initial = o.Snapshot()
	}

	if err := h.broadcaster.Serve(c.Writer, c.Request, gateID, initial); err != nil {
		h.log.Warn().Err(err).Str("gate_id", gateID).Msg("console websocket upgrade failed")
	}
}

func (h *Handler) setVisibility(c *gin.Context) {
	var req visibilityRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, errorResponse(err.Error()))
		return
	}
	o, ok := h.gateSession(c)
	if !ok {
		return
	}

	o.SetVisible(*req.Visible)
	c.JSON(http.StatusOK, successResponse(o.Status()))
}

func (h *Handler) refresh(c *gin.Context) {
	o, ok := h.gateSession(c)
	if !ok {
		return
	}
	o.Refresh()
	c.Status(http.StatusAccepted)
}

func (h *Handler) previewFee(c *gin.Context) {
	plate := utils.NormalizePlate(c.Query("plate"))
	if plate == "" {
		c.JSON(http.StatusBadRequest, errorResponse("plate parameter is required"))
		return
	}
	o, ok := h.gateSession(c)
	if !ok {
		return
	}

	quote, err := o.PreviewFee(c.Request.Context(), plate)
	if err != nil {
		h.handleError(c, err)
		return
	}
	c.JSON(http.StatusOK, successResponse(quote))
}

func (h *Handler) setBodyType(c *gin.Context) {
	var req bodyTypeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, errorResponse(err.Error()))
		return
	}
	if req.BodyTypeID == nil || *req.BodyTypeID <= 0 {
		c.JSON(http.StatusBadRequest, errorResponse("body_type_id is required"))
		return
	}
	o, ok := h.gateSession(c)
	if !ok {
		return
	}

	p, err := o.SetBodyType(c.Request.Context(), utils.NormalizePlate(c.Param("plate")), *req.BodyTypeID)
	if err != nil {
		h.handleError(c, err)
		return
	}
	c.JSON(http.StatusOK, successResponse(p))
}

func (h *Handler) confirmEntry(c *gin.Context) {
	var req bodyTypeRequest
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, errorResponse(err.Error()))
			return
		}
	}
	o, ok := h.gateSession(c)
	if !ok {
		return
	}

	p, err := o.ConfirmEntry(c.Request.Context(), c.Param("promptID"), req.BodyTypeID)
	if err != nil {
		h.handleError(c, err)
		return
	}

	h.log.Info().Str("gate_id", o.GateID()).Str("plate", p.PlateNumber).Str("operator", operator(c)).Msg("entry confirmed by operator")
	c.JSON(http.StatusCreated, successResponse(p))
}

func (h *Handler) confirmExit(c *gin.Context) {
	o, ok := h.gateSession(c)
	if !ok {
		return
	}

	p, quote, err := o.ConfirmExit(c.Request.Context(), c.Param("promptID"))
	if err != nil {
		h.handleError(c, err)
		return
	}

	h.log.Info().Str("gate_id", o.GateID()).Str("plate", p.PlateNumber).Float64("amount", quote.Amount).Str("operator", operator(c)).Msg("exit confirmed by operator")
	c.JSON(http.StatusOK, successResponse(exitResponse{Passage: p, Fee: quote}))
}

func (h *Handler) dismissPrompt(c *gin.Context) {
	o, ok := h.gateSession(c)
	if !ok {
		return
	}
	if err := o.Dismiss(c.Request.Context(), c.Param("promptID")); err != nil {
		h.handleError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *Handler) promptProcessed(c *gin.Context) {
	var req processedRequest
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, errorResponse(err.Error()))
			return
		}
	}
	o, ok := h.gateSession(c)
	if !ok {
		return
	}
	if err := o.MarkProcessed(c.Request.Context(), c.Param("promptID"), req.Notice); err != nil {
		h.handleError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *Handler) activePassages(c *gin.Context) {
	passages, err := h.sessions.ActivePassages(c.Param("stationID"))
	if err != nil {
		h.handleError(c, err)
		return
	}
	c.JSON(http.StatusOK, successResponse(passages))
}

func (h *Handler) reloadStation(c *gin.Context) {
	changed, err := h.sessions.Reload(c.Request.Context(), c.Param("stationID"))
	if err != nil {
		h.handleError(c, err)
		return
	}
	c.JSON(http.StatusOK, successResponse(gin.H{"changed": changed}))
}
