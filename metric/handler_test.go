package metric

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chhtz/tools-orocosrb/errors"
)

func TestServer_Handler(t *testing.T) {
	registry := NewMetricsRegistry()
	registry.CoreMetrics().RecordRuntimeStatus(RuntimeLoaded)

	srv := NewServer("", "", registry)
	srv.Handle("/ping", http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = io.WriteString(w, "pong")
	}))

	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "orocos_runtime_status 1")

	rec = httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/ping", nil))
	assert.Equal(t, "pong", rec.Body.String())
}

func TestServer_StartStop(t *testing.T) {
	srv := NewServer("127.0.0.1:0", "/custom", NewMetricsRegistry())
	require.NoError(t, srv.Start())

	err := srv.Start()
	require.Error(t, err)
	assert.True(t, errors.IsInvalid(err))

	resp, err := http.Get("http://" + srv.Address() + "/custom")
	require.NoError(t, err)
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), "orocos_nats_connected")

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, srv.Stop(ctx))
	require.NoError(t, srv.Stop(ctx))
}

func TestServer_NoRegistry(t *testing.T) {
	err := NewServer("127.0.0.1:0", "", nil).Start()
	require.Error(t, err)
	assert.True(t, errors.IsFatal(err))
}
