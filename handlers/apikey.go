package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/opspulse/oncall/services"
)

type APIKeyHandler struct {
	APIKeyService *services.APIKeyService
}

func NewAPIKeyHandler(apiKeyService *services.APIKeyService) *APIKeyHandler {
	return &APIKeyHandler{APIKeyService: apiKeyService}
}

// CreateKey mints an integration key. The clear-text key appears in this
// response only.
func (h *APIKeyHandler) CreateKey(c *gin.Context) {
	var req struct {
		Name string `json:"name" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	key, clearText, err := h.APIKeyService.CreateKey(c.GetString("project_id"), req.Name)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusCreated, gin.H{"api_key": key, "key": clearText})
}

func (h *APIKeyHandler) RevokeKey(c *gin.Context) {
	if err := h.APIKeyService.RevokeKey(c.Param("id")); err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "API key revoked"})
}
