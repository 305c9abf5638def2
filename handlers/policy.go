package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/opspulse/oncall/db"
	"github.com/opspulse/oncall/services"
)

type PolicyHandler struct {
	PolicyService *services.PolicyService
	Engine        *services.EscalationEngine
}

func NewPolicyHandler(policyService *services.PolicyService, engine *services.EscalationEngine) *PolicyHandler {
	return &PolicyHandler{
		PolicyService: policyService,
		Engine:        engine,
	}
}

func (h *PolicyHandler) CreatePolicy(c *gin.Context) {
	var req db.CreatePolicyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	userID, exists := c.Get("user_id")
	if !exists {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "User not authenticated"})
		return
	}

	policy, err := h.PolicyService.CreatePolicy(c.GetString("project_id"), req, userID.(string))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusCreated, policy)
}

func (h *PolicyHandler) GetPolicy(c *gin.Context) {
	policy, err := h.PolicyService.GetPolicyWithRules(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, policy)
}

func (h *PolicyHandler) ListPolicies(c *gin.Context) {
	policies, err := h.PolicyService.ListPolicies(c.GetString("project_id"))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"policies": policies})
}

func (h *PolicyHandler) UpdatePolicy(c *gin.Context) {
	var req db.CreatePolicyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	policy, err := h.PolicyService.UpdatePolicy(c.Param("id"), req)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, policy)
}

func (h *PolicyHandler) DeletePolicy(c *gin.Context) {
	if err := h.PolicyService.DeletePolicy(c.Param("id")); err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "Policy deleted"})
}

// Trigger starts an escalation execution for the policy. Used by both
// users and integrations (via API key).
func (h *PolicyHandler) Trigger(c *gin.Context) {
	var req db.TriggerEscalationRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	resp, err := h.Engine.TriggerEscalation(c.Request.Context(), c.Param("id"), req)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusAccepted, resp)
}
