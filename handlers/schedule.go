package handlers

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/opspulse/oncall/db"
	"github.com/opspulse/oncall/services"
)

type ScheduleHandler struct {
	ScheduleService *services.ScheduleService
	OnCallService   *services.OnCallService
}

func NewScheduleHandler(scheduleService *services.ScheduleService, onCallService *services.OnCallService) *ScheduleHandler {
	return &ScheduleHandler{
		ScheduleService: scheduleService,
		OnCallService:   onCallService,
	}
}

// CreateSchedule creates a schedule with its layers. Layer configuration
// is validated here so later on-call lookups can never fail on bad data.
func (h *ScheduleHandler) CreateSchedule(c *gin.Context) {
	var req db.CreateScheduleRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	userID, exists := c.Get("user_id")
	if !exists {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "User not authenticated"})
		return
	}
	projectID := c.GetString("project_id")

	schedule, err := h.ScheduleService.CreateSchedule(projectID, req, userID.(string))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusCreated, schedule)
}

func (h *ScheduleHandler) GetSchedule(c *gin.Context) {
	schedule, err := h.ScheduleService.GetSchedule(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, schedule)
}

func (h *ScheduleHandler) ListSchedules(c *gin.Context) {
	schedules, err := h.ScheduleService.ListSchedules(c.GetString("project_id"))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"schedules": schedules})
}

// ReplaceLayers swaps a schedule's full layer set atomically.
func (h *ScheduleHandler) ReplaceLayers(c *gin.Context) {
	var req struct {
		Layers []db.CreateLayerRequest `json:"layers" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	layers, err := h.ScheduleService.ReplaceLayers(c.Param("id"), req.Layers)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"layers": layers})
}

func (h *ScheduleHandler) DeleteSchedule(c *gin.Context) {
	if err := h.ScheduleService.DeleteSchedule(c.Param("id")); err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "Schedule deleted"})
}

// GetOnCall answers who is on call for the schedule, at the requested
// instant (?at=RFC3339) or now. No one on call returns 200 with
// on_call: null, not an error.
func (h *ScheduleHandler) GetOnCall(c *gin.Context) {
	at := time.Now()
	if atParam := c.Query("at"); atParam != "" {
		parsed, err := time.Parse(time.RFC3339, atParam)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid 'at' timestamp, must be RFC3339"})
			return
		}
		at = parsed
	}

	result, err := h.OnCallService.ResolveOnCallUser(c.Param("id"), at)
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"on_call": result, "at": at})
}

// Preview returns the upcoming hand-off windows for the schedule.
// ?weeks=N controls the horizon, default 2, max 12.
func (h *ScheduleHandler) Preview(c *gin.Context) {
	weeks := 2
	if weeksParam := c.Query("weeks"); weeksParam != "" {
		parsed, err := strconv.Atoi(weeksParam)
		if err != nil || parsed < 1 || parsed > 12 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid 'weeks', must be 1-12"})
			return
		}
		weeks = parsed
	}

	from := time.Now()
	if fromParam := c.Query("from"); fromParam != "" {
		parsed, err := time.Parse(time.RFC3339, fromParam)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid 'from' timestamp, must be RFC3339"})
			return
		}
		from = parsed
	}

	entries, err := h.OnCallService.Preview(c.Param("id"), from, weeks)
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"entries": entries})
}
