package api

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
)

func keyedRouter(apiKey string) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(APIKeyMiddleware(apiKey))
	r.GET("/ping", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"pong": true})
	})
	return r
}

func get(r *gin.Engine, key string) int {
	req := httptest.NewRequest(http.MethodGet, "/ping", nil)
	if key != "" {
		req.Header.Set(apiKeyHeader, key)
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w.Code
}

func TestAPIKeyMiddleware(t *testing.T) {
	r := keyedRouter("s3cret")

	if code := get(r, ""); code != http.StatusUnauthorized {
		t.Errorf("missing key: status = %d, want 401", code)
	}
	if code := get(r, "wrong"); code != http.StatusForbidden {
		t.Errorf("wrong key: status = %d, want 403", code)
	}
	if code := get(r, "s3cret"); code != http.StatusOK {
		t.Errorf("correct key: status = %d, want 200", code)
	}
}

func TestAPIKeyMiddlewareDisabled(t *testing.T) {
	r := keyedRouter("")
	if code := get(r, ""); code != http.StatusOK {
		t.Errorf("auth disabled: status = %d, want 200", code)
	}
}
