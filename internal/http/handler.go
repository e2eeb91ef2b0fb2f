package http

import (
	"bytes"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"occupancy-service/internal/config"
	"occupancy-service/internal/domain/occupancy"
	"occupancy-service/internal/export"
	"occupancy-service/internal/http/middleware"
	"occupancy-service/internal/scheduler"
	"occupancy-service/internal/service"
	"occupancy-service/internal/utils"
)

// CycleRunner is the part of the scheduler the API exposes.
type CycleRunner interface {
	Latest() *occupancy.AnalysisCycle
	Slots() []occupancy.Slot
	State() scheduler.State
	Trigger() bool
}

type Handler struct {
	runner       CycleRunner
	cycleService *service.CycleService
	config       *config.Config
	log          zerolog.Logger
}

// NewHandler builds the API handler. cycleService may be nil when no
// database is configured; history endpoints then answer 503.
func NewHandler(
	runner CycleRunner,
	cycleService *service.CycleService,
	cfg *config.Config,
	log zerolog.Logger,
) *Handler {
	return &Handler{
		runner:       runner,
		cycleService: cycleService,
		config:       cfg,
		log:          log,
	}
}

func (h *Handler) Register(r *gin.Engine, authMiddleware gin.HandlerFunc) {
	// Public endpoints
	public := r.Group("/api/v1")
	{
		public.GET("/status", h.status)
		public.GET("/occupancy/latest", h.latestOccupancy)
		public.GET("/slots", h.listSlots)
		public.GET("/slots/:slot_id", h.getSlot)
		public.GET("/cycles", h.listCycles)
	}

	// Protected endpoints
	protected := r.Group("/api/v1")
	protected.Use(authMiddleware)
	{
		protected.POST("/cycles/run", h.triggerCycle)
		protected.GET("/cycles/export", h.exportCycles)
	}
}

func (h *Handler) status(c *gin.Context) {
	resp := gin.H{
		"view_id": h.config.Occupancy.ViewID,
		"lot_id":  h.config.Occupancy.LotID,
		"state":   h.runner.State().String(),
		"slots":   len(h.runner.Slots()),
	}
	if latest := h.runner.Latest(); latest != nil {
		resp["last_cycle_at"] = latest.Timestamp
		resp["last_cycle_state"] = latest.State
	}
	c.JSON(http.StatusOK, successResponse(resp))
}

func (h *Handler) latestOccupancy(c *gin.Context) {
	if latest := h.runner.Latest(); latest != nil {
		c.JSON(http.StatusOK, successResponse(latest))
		return
	}
	if h.cycleService == nil {
		c.JSON(http.StatusNotFound, errorResponse("no analysis cycle yet"))
		return
	}

	cycle, err := h.cycleService.Latest(c.Request.Context(), h.config.Occupancy.ViewID)
	if err != nil {
		h.handleError(c, err, "failed to load latest cycle")
		return
	}
	c.JSON(http.StatusOK, successResponse(cycle))
}

type slotView struct {
	SlotID       string               `json:"slot_id"`
	Polygon      any                  `json:"polygon"`
	Occupied     *bool                `json:"occupied,omitempty"`
	MaxIoU       *float64             `json:"max_iou,omitempty"`
	VehicleCount *int                 `json:"vehicle_count,omitempty"`
	Matched      *occupancy.Detection `json:"matched_detection,omitempty"`
}

func (h *Handler) slotViews() []slotView {
	verdicts := map[string]occupancy.SlotVerdict{}
	if latest := h.runner.Latest(); latest != nil {
		for _, v := range latest.Verdicts {
			verdicts[v.SlotID] = v
		}
	}

	slots := h.runner.Slots()
	views := make([]slotView, 0, len(slots))
	for _, s := range slots {
		view := slotView{SlotID: s.ID, Polygon: s.Polygon}
		if v, ok := verdicts[s.ID]; ok {
			view.Occupied = &v.Occupied
			view.MaxIoU = &v.MaxOverlap
			view.VehicleCount = &v.VehicleCount
			view.Matched = v.MatchedDetection
		}
		views = append(views, view)
	}
	return views
}

func (h *Handler) listSlots(c *gin.Context) {
	c.JSON(http.StatusOK, successResponse(h.slotViews()))
}

func (h *Handler) getSlot(c *gin.Context) {
	wanted := utils.NormalizeSlotID(c.Param("slot_id"))
	if wanted == "" {
		c.JSON(http.StatusBadRequest, errorResponse("slot_id is required"))
		return
	}
	for _, view := range h.slotViews() {
		if utils.NormalizeSlotID(view.SlotID) == wanted {
			c.JSON(http.StatusOK, successResponse(view))
			return
		}
	}
	c.JSON(http.StatusNotFound, errorResponse("slot not found"))
}

func (h *Handler) cycleQuery(c *gin.Context) (viewID, from, to *string, limit, offset int) {
	if v := strings.TrimSpace(c.Query("view_id")); v != "" {
		viewID = &v
	}
	if f := strings.TrimSpace(c.Query("from")); f != "" {
		from = &f
	}
	if t := strings.TrimSpace(c.Query("to")); t != "" {
		to = &t
	}

	limit = 50
	if l := c.Query("limit"); l != "" {
		if parsed, err := parseInt(l); err == nil && parsed > 0 {
			limit = parsed
		}
	}
	if o := c.Query("offset"); o != "" {
		if parsed, err := parseInt(o); err == nil && parsed >= 0 {
			offset = parsed
		}
	}
	return viewID, from, to, limit, offset
}

func (h *Handler) listCycles(c *gin.Context) {
	if h.cycleService == nil {
		c.JSON(http.StatusServiceUnavailable, errorResponse("cycle history is not configured"))
		return
	}

	viewID, from, to, limit, offset := h.cycleQuery(c)
	cycles, err := h.cycleService.FindCycles(c.Request.Context(), viewID, from, to, limit, offset)
	if err != nil {
		h.handleError(c, err, "failed to find cycles")
		return
	}
	c.JSON(http.StatusOK, successResponse(cycles))
}

func (h *Handler) exportCycles(c *gin.Context) {
	principal, ok := middleware.GetPrincipal(c)
	if !ok || !principal.CanExport() {
		c.JSON(http.StatusForbidden, errorResponse("export not allowed"))
		return
	}
	if h.cycleService == nil {
		c.JSON(http.StatusServiceUnavailable, errorResponse("cycle history is not configured"))
		return
	}

	viewID, from, to, limit, offset := h.cycleQuery(c)
	cycles, err := h.cycleService.FindCycles(c.Request.Context(), viewID, from, to, limit, offset)
	if err != nil {
		h.handleError(c, err, "failed to find cycles")
		return
	}

	var buf bytes.Buffer
	if err := export.WriteCycles(&buf, cycles); err != nil {
		h.log.Error().Err(err).Msg("failed to build cycles workbook")
		c.JSON(http.StatusInternalServerError, errorResponse("internal error"))
		return
	}

	filename := fmt.Sprintf("occupancy_%s.xlsx", time.Now().UTC().Format("20060102_150405"))
	c.Header("Content-Disposition", `attachment; filename="`+filename+`"`)
	c.Data(http.StatusOK, "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet", buf.Bytes())
}

func (h *Handler) triggerCycle(c *gin.Context) {
	principal, ok := middleware.GetPrincipal(c)
	if !ok || !principal.CanTriggerCycle() {
		c.JSON(http.StatusForbidden, errorResponse("not allowed to trigger analysis"))
		return
	}

	if !h.runner.Trigger() {
		c.JSON(http.StatusConflict, errorResponse("analysis cycle already queued"))
		return
	}

	h.log.Info().
		Str("user_id", principal.UserID.String()).
		Str("role", string(principal.Role)).
		Msg("manual analysis cycle queued")

	c.JSON(http.StatusAccepted, successResponse(gin.H{"queued": true}))
}

func (h *Handler) handleError(c *gin.Context, err error, msg string) {
	switch {
	case errors.Is(err, service.ErrInvalidInput):
		c.JSON(http.StatusBadRequest, errorResponse(err.Error()))
	case errors.Is(err, service.ErrNotFound):
		c.JSON(http.StatusNotFound, errorResponse(err.Error()))
	default:
		h.log.Error().Err(err).Msg(msg)
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
