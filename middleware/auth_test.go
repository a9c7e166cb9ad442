package middleware

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"case-triage-pipeline/config"

	"github.com/gin-gonic/gin"
)

func authStub(valid bool, userID, role string) *httptest.Server {
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/v3/validate-token" {
			http.NotFound(w, r)
			return
		}
		json.NewEncoder(w).Encode(map[string]any{
			"valid":   valid,
			"user_id": userID,
			"role":    role,
		})
	}))
}

func protectedRouter(cfg *config.Config, adminOnly bool) *gin.Engine {
	gin.SetMode(gin.TestMode)
	router := gin.New()
	group := router.Group("/")
	group.Use(AuthMiddleware(cfg))
	if adminOnly {
		group.Use(AdminRequired())
	}
	group.GET("/ping", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"user_id": c.GetString("user_id")})
	})
	return router
}

func request(router *gin.Engine, authHeader string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, "/ping", nil)
	if authHeader != "" {
		req.Header.Set("Authorization", authHeader)
	}
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func TestAuthMiddlewareRejectsMissingOrMalformedHeader(t *testing.T) {
	router := protectedRouter(&config.Config{AuthServiceURL: "http://unused"}, false)

	testCases := []struct {
		name   string
		header string
	}{
		{name: "missing header", header: ""},
		{name: "not a bearer token", header: "Basic abc123"},
		{name: "bearer without token", header: "Bearer"},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			if w := request(router, tc.header); w.Code != http.StatusUnauthorized {
				t.Errorf("got %d, want 401", w.Code)
			}
		})
	}
}

func TestAuthMiddlewareAcceptsValidToken(t *testing.T) {
	srv := authStub(true, "user-1", "user")
	defer srv.Close()

	router := protectedRouter(&config.Config{AuthServiceURL: srv.URL}, false)
	w := request(router, "Bearer sometoken")
	if w.Code != http.StatusOK {
		t.Fatalf("got %d, want 200: %s", w.Code, w.Body.String())
	}
}

func TestAuthMiddlewareRejectsInvalidToken(t *testing.T) {
	srv := authStub(false, "", "")
	defer srv.Close()

	router := protectedRouter(&config.Config{AuthServiceURL: srv.URL}, false)
	if w := request(router, "Bearer expired"); w.Code != http.StatusUnauthorized {
		t.Errorf("got %d, want 401", w.Code)
	}
}

func TestAdminRequired(t *testing.T) {
	adminSrv := authStub(true, "admin-1", "admin")
	defer adminSrv.Close()
	userSrv := authStub(true, "user-1", "user")
	defer userSrv.Close()

	adminRouter := protectedRouter(&config.Config{AuthServiceURL: adminSrv.URL}, true)
	if w := request(adminRouter, "Bearer admintoken"); w.Code != http.StatusOK {
		t.Errorf("admin: got %d, want 200", w.Code)
	}

	userRouter := protectedRouter(&config.Config{AuthServiceURL: userSrv.URL}, true)
	if w := request(userRouter, "Bearer usertoken"); w.Code != http.StatusForbidden {
		t.Errorf("non-admin: got %d, want 403", w.Code)
	}
}
