package monitor

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/stackd/stackd/pkg/errors"
	"github.com/stackd/stackd/pkg/logging"
	"github.com/stackd/stackd/pkg/supervisor"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type staticSource struct {
	statuses []supervisor.ServiceStatus
}

func (s *staticSource) Status(ctx context.Context) ([]supervisor.ServiceStatus, error) {
	return s.statuses, nil
}

// fakeController records the commands it receives
type fakeController struct {
	calls []string
	err   error
}

func (c *fakeController) record(call string) error {
	c.calls = append(c.calls, call)
	return c.err
}

func (c *fakeController) StartAll(ctx context.Context) error { return c.record("start-all") }
func (c *fakeController) StartService(ctx context.Context, name string) error {
	return c.record("start " + name)
}
func (c *fakeController) StopAll(ctx context.Context) error { return c.record("stop-all") }
func (c *fakeController) StopService(ctx context.Context, name string, force bool) error {
	if force {
		return c.record("stop-force " + name)
	}
	return c.record("stop " + name)
}
func (c *fakeController) RestartService(ctx context.Context, name string) error {
	return c.record("restart " + name)
}
func (c *fakeController) Logs(ctx context.Context, name string) (io.ReadCloser, error) {
	if err := c.record("logs " + name); err != nil {
		return nil, err
	}
	return io.NopCloser(strings.NewReader("line one\nline two\n")), nil
}

func startTestServer(t *testing.T, source StatusSource, controller Controller, metrics *Metrics) string {
	t.Helper()

	server := NewServer("127.0.0.1:0", source, controller, metrics, logging.NewLogger("", logging.LogFuncs{}))
	require.NoError(t, server.Start())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		server.Stop(ctx)
	})

	return fmt.Sprintf("http://%s", server.Addr())
}

func TestStatusEndpoint(t *testing.T) {
	source := &staticSource{statuses: []supervisor.ServiceStatus{
		{Name: "api", Phase: supervisor.PhaseHealthy, PID: 4242, RestartCount: 1},
		{Name: "db", Phase: supervisor.PhaseFailed, FailureReason: "max restarts exceeded"},
	}}
	base := startTestServer(t, source, nil, NewMetrics())

	resp, err := http.Get(base + "/status")
	require.NoError(t, err)
	defer resp.Body.Close()

	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "application/json", resp.Header.Get("Content-Type"))

	var statuses []supervisor.ServiceStatus
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&statuses))
	require.Len(t, statuses, 2)
	assert.Equal(t, "api", statuses[0].Name)
	assert.Equal(t, supervisor.PhaseHealthy, statuses[0].Phase)
	assert.Equal(t, 4242, statuses[0].PID)
	assert.Equal(t, "max restarts exceeded", statuses[1].FailureReason)
}

func TestStatusEndpointRejectsNonGet(t *testing.T) {
	base := startTestServer(t, &staticSource{}, nil, NewMetrics())

	resp, err := http.Post(base+"/status", "application/json", nil)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)
}

func TestHealthzEndpoint(t *testing.T) {
	base := startTestServer(t, &staticSource{}, nil, NewMetrics())

	resp, err := http.Get(base + "/healthz")
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, "ok\n", string(body))
}

func TestMetricsEndpoint(t *testing.T) {
	metrics := NewMetrics()
	metrics.ServiceUp("api", true)
	metrics.RestartRecorded("api", "process exited with code 1")
	metrics.RestartRecorded("api", "unhealthy")
	metrics.HealthFailureRecorded("db")

	base := startTestServer(t, &staticSource{}, nil, metrics)

	resp, err := http.Get(base + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()

	require.Equal(t, http.StatusOK, resp.StatusCode)
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	text := string(body)
	assert.Contains(t, text, `stackd_service_up{service="api"} 1`)
	assert.Contains(t, text, `stackd_restarts_total{service="api"} 2`)
	assert.Contains(t, text, `stackd_health_check_failures_total{service="db"} 1`)
}

func TestControlRoutes(t *testing.T) {
	controller := &fakeController{}
	base := startTestServer(t, &staticSource{}, controller, NewMetrics())

	post := func(path string) *http.Response {
		resp, err := http.Post(base+path, "", nil)
		require.NoError(t, err)
		resp.Body.Close()
		return resp
	}

	assert.Equal(t, http.StatusOK, post("/v1/start").StatusCode)
	assert.Equal(t, http.StatusOK, post("/v1/start?service=api").StatusCode)
	assert.Equal(t, http.StatusOK, post("/v1/stop?service=api").StatusCode)
	assert.Equal(t, http.StatusOK, post("/v1/stop?service=api&force=1").StatusCode)
	assert.Equal(t, http.StatusOK, post("/v1/stop").StatusCode)
	assert.Equal(t, http.StatusOK, post("/v1/restart?service=api").StatusCode)
	assert.Equal(t, http.StatusBadRequest, post("/v1/restart").StatusCode)

	assert.Equal(t, []string{
		"start-all",
		"start api",
		"stop api",
		"stop-force api",
		"stop-all",
		"restart api",
	}, controller.calls)
}

func TestControlRoutesMapDomainErrors(t *testing.T) {
	controller := &fakeController{err: errors.NewNotFoundError("service not found", nil)}
	base := startTestServer(t, &staticSource{}, controller, NewMetrics())

	resp, err := http.Post(base+"/v1/start?service=ghost", "", nil)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestLogsRoute(t *testing.T) {
	controller := &fakeController{}
	base := startTestServer(t, &staticSource{}, controller, NewMetrics())

	resp, err := http.Get(base + "/v1/logs?service=api")
	require.NoError(t, err)
	defer resp.Body.Close()

	require.Equal(t, http.StatusOK, resp.StatusCode)
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, "line one\nline two\n", string(body))
}

func TestShutdownRoute(t *testing.T) {
	controller := &fakeController{}
	source := &staticSource{}
	server := NewServer("127.0.0.1:0", source, controller, NewMetrics(), logging.NewLogger("", logging.LogFuncs{}))
	require.NoError(t, server.Start())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		server.Stop(ctx)
	})

	resp, err := http.Post(fmt.Sprintf("http://%s/v1/shutdown", server.Addr()), "", nil)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)

	select {
	case <-server.ShutdownRequests():
	case <-time.After(5 * time.Second):
		t.Fatal("shutdown request was not signaled")
	}
}
