package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/opspulse/oncall/db"
	"github.com/opspulse/oncall/services"
)

type ExecutionHandler struct {
	ExecutionService *services.ExecutionService
	Engine           *services.EscalationEngine
}

func NewExecutionHandler(executionService *services.ExecutionService, engine *services.EscalationEngine) *ExecutionHandler {
	return &ExecutionHandler{
		ExecutionService: executionService,
		Engine:           engine,
	}
}

// Acknowledge stops an in-flight escalation. The acknowledging user is
// the authenticated caller unless the request body names someone else
// (e.g. an integration acknowledging on a user's behalf).
func (h *ExecutionHandler) Acknowledge(c *gin.Context) {
	executionID := c.Param("id")

	var req db.AcknowledgeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		// Body is optional for user-initiated acks.
		req.UserID = ""
	}
	if req.UserID == "" {
		userID, exists := c.Get("user_id")
		if !exists {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "User not authenticated"})
			return
		}
		req.UserID = userID.(string)
	}

	if _, err := h.ExecutionService.GetExecution(executionID); err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}

	if err := h.Engine.Acknowledge(c.Request.Context(), executionID, req.UserID); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "Acknowledged", "execution_id": executionID})
}

// Cancel flags an execution for abort at the next rule boundary.
func (h *ExecutionHandler) Cancel(c *gin.Context) {
	if err := h.ExecutionService.RequestCancel(c.Param("id")); err != nil {
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "Cancellation requested"})
}

// Timeline returns the execution with its ordered timeline events.
func (h *ExecutionHandler) Timeline(c *gin.Context) {
	executionID := c.Param("id")

	execution, err := h.ExecutionService.GetExecution(executionID)
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}
	if execution.DeletedAt != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "execution not found: " + executionID})
		return
	}

	events, err := h.ExecutionService.ListTimeline(executionID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	acknowledged, err := h.ExecutionService.IsAcknowledged(executionID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, db.ExecutionTimelineResponse{
		Execution:    execution,
		Events:       events,
		Acknowledged: acknowledged,
	})
}

// Delete soft-deletes an execution and its timeline.
func (h *ExecutionHandler) Delete(c *gin.Context) {
	if err := h.ExecutionService.SoftDeleteExecution(c.Param("id")); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "Execution deleted"})
}
