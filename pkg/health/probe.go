package health

import (
	"context"
	"fmt"
	"net/http"
	"os/exec"
	"runtime"

	"github.com/stackd/stackd/pkg/errors"
	"github.com/stackd/stackd/pkg/spec"
)

// Prober performs one liveness/readiness check. A nil return means
// healthy; failures are health check errors, or timeout errors when
// the context deadline was hit. Implementations must honor the context
// deadline.
type Prober interface {
	Probe(ctx context.Context) error
}

// NewProber builds a prober from a health check definition
func NewProber(config *spec.HealthCheckConfig) (Prober, error) {
	switch config.Type {
	case spec.HealthCheckTypeCommand:
		return &commandProbe{target: config.Target}, nil
	case spec.HealthCheckTypeHTTP:
		return &httpProbe{url: config.Target}, nil
	default:
		return nil, errors.NewValidationError(
			fmt.Sprintf("unsupported health check type: %s", config.Type),
			nil,
		)
	}
}

// commandProbe runs a shell command; exit code zero means healthy
type commandProbe struct {
	target string
}

func (p *commandProbe) Probe(ctx context.Context) error {
	var cmd *exec.Cmd
	if runtime.GOOS == "windows" {
		cmd = exec.CommandContext(ctx, "cmd", "/c", p.target)
	} else {
		cmd = exec.CommandContext(ctx, "/bin/sh", "-c", p.target)
	}

	output, err := cmd.CombinedOutput()

	if ctx.Err() == context.DeadlineExceeded {
		return errors.NewTimeoutError("command health check timed out", ctx.Err())
	}
	if err != nil {
		return errors.NewHealthCheckError(
			fmt.Sprintf("command health check failed, output: %s", string(output)), err)
	}
	return nil
}

// httpProbe issues a GET request; any 2xx status means healthy
type httpProbe struct {
	url string
}

func (p *httpProbe) Probe(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.url, nil)
	if err != nil {
		return errors.NewHealthCheckError("failed to create HTTP request", err)
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		if ctx.Err() == context.DeadlineExceeded {
			return errors.NewTimeoutError("HTTP health check timed out", ctx.Err())
		}
		return errors.NewHealthCheckError("HTTP request failed", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	return errors.NewHealthCheckError(
		fmt.Sprintf("HTTP health check failed: %d %s", resp.StatusCode, resp.Status), nil)
}

// Pool bounds the number of concurrently executing probes across all
// monitors
type Pool chan struct{}

// NewPool creates a probe pool with the given concurrency limit
func NewPool(limit int) Pool {
	if limit <= 0 {
		limit = 4
	}
	return make(Pool, limit)
}

func (p Pool) acquire() {
	p <- struct{}{}
}

func (p Pool) release() {
	<-p
}
