package main

import (
	"bytes"
	"io"
	"log"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/friendsbets/ledger/internal/api"
	"github.com/friendsbets/ledger/internal/config"
	"github.com/friendsbets/ledger/internal/feed"
	"github.com/friendsbets/ledger/internal/ledger"
	"github.com/friendsbets/ledger/internal/store"
)

func testRouter(t *testing.T) http.Handler {
	t.Helper()
	ms := store.NewMemoryStore()
	eng := ledger.New(ms, ledger.WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))))
	svc := api.NewService(eng, ms, feed.Multi{})
	cfg := config.Config{CORSAllowedOrigin: "*", RequestTimeout: time.Second}
	return newRouter(cfg, svc, func(w http.ResponseWriter, r *http.Request) {})
}

func TestRouter_AccessLogCarriesRequestID(t *testing.T) {
	var buf bytes.Buffer
	prev := middleware.DefaultLogger
	middleware.DefaultLogger = middleware.RequestLogger(&middleware.DefaultLogFormatter{
		Logger:  log.New(&buf, "", 0),
		NoColor: true,
	})
	t.Cleanup(func() { middleware.DefaultLogger = prev })

	r := testRouter(t)

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	req.Header.Set(middleware.RequestIDHeader, "req-42")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, buf.String(), "[req-42]")
}

func TestRouter_APIAndCORS(t *testing.T) {
	r := testRouter(t)

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/users", nil))
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "*", w.Header().Get("Access-Control-Allow-Origin"))
	assert.JSONEq(t, `[]`, w.Body.String())

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodOptions, "/api/trades", nil))
	assert.Equal(t, http.StatusNoContent, w.Code)
}
