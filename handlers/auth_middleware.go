package handlers

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/opspulse/oncall/internal/config"
	"github.com/opspulse/oncall/services"
)

// AuthMiddleware authenticates requests with either a user JWT or an
// integration API key. Both arrive as a bearer token; API keys carry a
// "<uuid>." prefix so the two never collide.
type AuthMiddleware struct {
	TeamService   *services.TeamService
	APIKeyService *services.APIKeyService
}

func NewAuthMiddleware(teamService *services.TeamService, apiKeyService *services.APIKeyService) *AuthMiddleware {
	return &AuthMiddleware{
		TeamService:   teamService,
		APIKeyService: apiKeyService,
	}
}

// RequireAuth validates the bearer token and sets user_id / user_role on
// the context.
func (m *AuthMiddleware) RequireAuth() gin.HandlerFunc {
	return func(c *gin.Context) {
		authHeader := c.GetHeader("Authorization")
		if authHeader == "" {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "Authorization header is required"})
			c.Abort()
			return
		}

		token, err := extractBearerToken(authHeader)
		if err != nil {
			c.JSON(http.StatusUnauthorized, gin.H{"error": err.Error()})
			c.Abort()
			return
		}

		// API key path: integration callers of the trigger webhook
		if m.APIKeyService != nil && strings.Contains(token, ".") && !strings.HasPrefix(token, "ey") {
			apiKey, err := m.APIKeyService.Verify(token)
			if err == nil {
				c.Set("user_id", "api-key:"+apiKey.ID)
				c.Set("user_role", "member")
				c.Set("is_api_key", true)
				c.Set("project_id", apiKey.ProjectID)
				c.Next()
				return
			}
			// Fall through to JWT validation
		}

		claims, err := m.validateToken(token)
		if err != nil {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "Invalid token: " + err.Error()})
			c.Abort()
			return
		}

		userID, _ := claims["sub"].(string)
		if userID == "" {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "Token missing subject"})
			c.Abort()
			return
		}

		role, err := m.TeamService.RoleOf(userID)
		if err != nil {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "Unknown or inactive user"})
			c.Abort()
			return
		}

		c.Set("user_id", userID)
		c.Set("user_role", role)
		c.Next()
	}
}

func (m *AuthMiddleware) validateToken(tokenString string) (jwt.MapClaims, error) {
	secret := config.App.JWTSecret
	if secret == "" {
		return nil, fmt.Errorf("JWT secret not configured")
	}

	token, err := jwt.Parse(tokenString, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return []byte(secret), nil
	})
	if err != nil {
		return nil, err
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok || !token.Valid {
		return nil, fmt.Errorf("invalid token claims")
	}
	return claims, nil
}

func extractBearerToken(authHeader string) (string, error) {
	parts := strings.SplitN(authHeader, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return "", fmt.Errorf("authorization header must be 'Bearer <token>'")
	}
	return strings.TrimSpace(parts[1]), nil
}
