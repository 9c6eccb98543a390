package health

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stackd/stackd/pkg/errors"
	"github.com/stackd/stackd/pkg/spec"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewProber(t *testing.T) {
	command, err := NewProber(&spec.HealthCheckConfig{Type: spec.HealthCheckTypeCommand, Target: "true"})
	require.NoError(t, err)
	assert.IsType(t, &commandProbe{}, command)

	httpProber, err := NewProber(&spec.HealthCheckConfig{Type: spec.HealthCheckTypeHTTP, Target: "http://127.0.0.1:1/x"})
	require.NoError(t, err)
	assert.IsType(t, &httpProbe{}, httpProber)

	_, err = NewProber(&spec.HealthCheckConfig{Type: "icmp", Target: "127.0.0.1"})
	require.Error(t, err)
	assert.True(t, errors.IsValidationError(err))
}

func TestCommandProbe(t *testing.T) {
	t.Run("zero exit is healthy", func(t *testing.T) {
		probe := &commandProbe{target: "true"}
		assert.NoError(t, probe.Probe(context.Background()))
	})

	t.Run("non-zero exit is unhealthy", func(t *testing.T) {
		probe := &commandProbe{target: "false"}
		err := probe.Probe(context.Background())
		require.Error(t, err)
		assert.True(t, errors.IsHealthCheckError(err))
	})

	t.Run("deadline reports a timeout", func(t *testing.T) {
		probe := &commandProbe{target: "sleep 5"}
		ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
		defer cancel()

		err := probe.Probe(ctx)
		require.Error(t, err)
		assert.True(t, errors.IsTimeoutError(err))
	})
}

func TestHTTPProbe(t *testing.T) {
	t.Run("2xx is healthy", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusNoContent)
		}))
		defer server.Close()

		probe := &httpProbe{url: server.URL}
		assert.NoError(t, probe.Probe(context.Background()))
	})

	t.Run("5xx is unhealthy", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusServiceUnavailable)
		}))
		defer server.Close()

		probe := &httpProbe{url: server.URL}
		err := probe.Probe(context.Background())
		require.Error(t, err)
		assert.True(t, errors.IsHealthCheckError(err))
		assert.Contains(t, err.Error(), "503")
	})

	t.Run("connection refused is unhealthy", func(t *testing.T) {
		probe := &httpProbe{url: "http://127.0.0.1:1/healthz"}
		err := probe.Probe(context.Background())
		require.Error(t, err)
		assert.True(t, errors.IsHealthCheckError(err))
	})
}
