package handler

import (
	"context"
	"errors"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMetricsHandlerReady(t *testing.T) {
	handler := NewMetricsHandler(nil, ReadinessCheck{Name: "postgres", Check: func(context.Context) error { return nil }})
	c, w := newGinContext(http.MethodGet, "/ready", nil)

	handler.Ready(c)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"ready"`)
}

func TestMetricsHandlerNotReady(t *testing.T) {
	handler := NewMetricsHandler(nil,
		ReadinessCheck{Name: "postgres", Check: func(context.Context) error { return nil }},
		ReadinessCheck{Name: "redis", Check: func(context.Context) error { return errors.New("connection refused") }},
	)
	c, w := newGinContext(http.MethodGet, "/ready", nil)

	handler.Ready(c)
	require.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Contains(t, w.Body.String(), "redis")
	assert.NotContains(t, w.Body.String(), "postgres")
}

func TestMetricsHandlerPrometheusWithoutService(t *testing.T) {
	c, w := newGinContext(http.MethodGet, "/metrics", nil)
	NewMetricsHandler(nil).Prometheus(c)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}
