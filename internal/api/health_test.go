package api

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
)

type fakePinger struct{ err error }

func (f fakePinger) PingContext(ctx context.Context) error { return f.err }

func healthResponse(t *testing.T, p Pinger) *httptest.ResponseRecorder {
	t.Helper()
	r := gin.New()
	r.GET("/healthz", HealthHandler(p))
	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	return w
}

func TestHealthHandler_OK(t *testing.T) {
	w := healthResponse(t, fakePinger{})
	if w.Code != http.StatusOK {
		t.Errorf("status = %d, want 200", w.Code)
	}
}

func TestHealthHandler_StoreDown(t *testing.T) {
	w := healthResponse(t, fakePinger{err: errors.New("connection refused")})
	if w.Code != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want 503", w.Code)
	}
}
