package auth

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func protectedRouter(mgr *Manager) *gin.Engine {
	r := gin.New()
	r.Use(Middleware(mgr))
	r.GET("/open", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"caller": CallerName(c)})
	})
	r.GET("/protected", RequireAuth(), func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"caller": CallerName(c)})
	})
	return r
}

func TestMiddleware_Headers(t *testing.T) {
	mgr := NewManager(NewMemoryStore())
	raw, _, err := mgr.GenerateKey(context.Background(), "bot", 0)
	require.NoError(t, err)
	r := protectedRouter(mgr)

	tests := []struct {
		name   string
		header string
		value  string
		status int
		caller string
	}{
		{"bearer", "Authorization", "Bearer " + raw, http.StatusOK, "bot"},
		{"bare authorization", "Authorization", raw, http.StatusOK, "bot"},
		{"x-api-key", "X-API-Key", raw, http.StatusOK, "bot"},
		{"missing", "", "", http.StatusUnauthorized, ""},
		{"wrong key", "Authorization", "sk_nope", http.StatusUnauthorized, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/protected", nil)
			if tt.header != "" {
				req.Header.Set(tt.header, tt.value)
			}
			w := httptest.NewRecorder()
			r.ServeHTTP(w, req)
			require.Equal(t, tt.status, w.Code)

			var body map[string]string
			require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
			if tt.status == http.StatusOK {
				assert.Equal(t, tt.caller, body["caller"])
			} else {
				assert.Equal(t, "unauthorized", body["error"])
			}
		})
	}
}

func TestMiddleware_InvalidKeyStillPassesOpenRoutes(t *testing.T) {
	r := protectedRouter(NewManager(NewMemoryStore()))

	req := httptest.NewRequest(http.MethodGet, "/open", nil)
	req.Header.Set("Authorization", "sk_garbage")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"caller":""}`, w.Body.String())
}

func TestRequireAdmin(t *testing.T) {
	tests := []struct {
		name   string
		secret string
		sent   string
		status int
	}{
		{"correct secret", "s3cret", "s3cret", http.StatusOK},
		{"wrong secret", "s3cret", "guess", http.StatusForbidden},
		{"missing header", "s3cret", "", http.StatusForbidden},
		{"prefix of secret", "s3cret", "s3c", http.StatusForbidden},
		{"no secret configured", "", "", http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := gin.New()
			r.POST("/admin", RequireAdmin(tt.secret), func(c *gin.Context) {
				c.Status(http.StatusOK)
			})
			req := httptest.NewRequest(http.MethodPost, "/admin", nil)
			if tt.sent != "" {
				req.Header.Set(AdminSecretHeader, tt.sent)
			}
			w := httptest.NewRecorder()
			r.ServeHTTP(w, req)

			assert.Equal(t, tt.status, w.Code)
			if tt.status == http.StatusForbidden {
				assert.True(t, strings.Contains(w.Body.String(), `"forbidden"`))
			}
		})
	}
}
