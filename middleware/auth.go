package middleware

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"case-triage-pipeline/config"

	"github.com/apex/log"
	"github.com/gin-gonic/gin"
)

var authServiceHTTPClient = &http.Client{
	Timeout: 6 * time.Second,
}

// AuthMiddleware validates JWT tokens for protected routes by calling auth-service
func AuthMiddleware(cfg *config.Config) gin.HandlerFunc {
	return func(c *gin.Context) {
		authHeader := c.GetHeader("Authorization")
		if authHeader == "" {
			log.Warnf("Missing authorization header from %s", c.ClientIP())
			c.JSON(http.StatusUnauthorized, gin.H{"error": "missing authorization header"})
			c.Abort()
			return
		}

		tokenString := extractToken(authHeader)
		if tokenString == "" {
			log.Warnf("Invalid authorization format from %s", c.ClientIP())
			c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid authorization format"})
			c.Abort()
			return
		}

		log.Debugf("Validating token from %s", c.ClientIP())

		result, err := validateTokenWithAuthService(c.Request.Context(), tokenString, cfg.AuthServiceURL)
		if err != nil {
			log.Errorf("Failed to validate token with auth-service from %s: %v", c.ClientIP(), err)
			c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid or expired token"})
			c.Abort()
			return
		}

		if !result.Valid {
			log.Warnf("Invalid token from %s", c.ClientIP())
			c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid or expired token"})
			c.Abort()
			return
		}

		log.Debugf("Token validated successfully for user %s from %s", result.UserID, c.ClientIP())
		c.Set("user_id", result.UserID)
		c.Set("role", result.Role)
		c.Set("token", tokenString)
		c.Next()
	}
}

// AdminRequired gates a route on the admin role resolved by AuthMiddleware.
// A non-admin caller gets 403 and no state changes.
func AdminRequired() gin.HandlerFunc {
	return func(c *gin.Context) {
		role := c.GetString("role")
		if role != "admin" {
			log.Warnf("Forbidden admin route access by user %s (role %q) from %s",
				c.GetString("user_id"), role, c.ClientIP())
			c.JSON(http.StatusForbidden, gin.H{"error": "admin access required"})
			c.Abort()
			return
		}
		c.Next()
	}
}

func extractToken(authHeader string) string {
	parts := strings.SplitN(authHeader, " ", 2)
	if len(parts) != 2 || parts[0] != "Bearer" {
		return ""
	}
	return parts[1]
}

type tokenValidation struct {
	Valid  bool   `json:"valid"`
	UserID string `json:"user_id"`
	Role   string `json:"role"`
	Error  string `json:"error"`
}

func validateTokenWithAuthService(ctx context.Context, token string, authServiceURL string) (*tokenValidation, error) {
	url := authServiceURL + "/api/v3/validate-token"
	payload := map[string]string{"token": token}
	body, _ := json.Marshal(payload)

	log.Debugf("Calling auth-service to validate token: %s", url)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewBuffer(body))
	if err != nil {
		log.Errorf("Failed to create auth-service request for token validation: %v", err)
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := authServiceHTTPClient.Do(req)
	if err != nil {
		log.Errorf("Failed to call auth-service for token validation: %v", err)
		return nil, err
	}
	defer resp.Body.Close()

	log.Debugf("Auth-service token validation response: %d", resp.StatusCode)

	var result tokenValidation
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		log.Errorf("Failed to decode auth-service response: %v", err)
		return nil, err
	}

	log.Debugf("Token validation result - Valid: %t, ID: %s, Role: %s", result.Valid, result.UserID, result.Role)
	return &result, nil
}
