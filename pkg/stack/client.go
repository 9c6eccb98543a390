package stack

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/stackd/stackd/pkg/errors"
	"github.com/stackd/stackd/pkg/supervisor"
)

// Client reaches the control endpoint of an already-running stack. It is
// what the CLI subcommands use when they are not the supervising
// process themselves.
type Client struct {
	base string
	http *http.Client
}

// NewClient creates a client for the endpoint at address (host:port)
func NewClient(address string) *Client {
	return &Client{
		base: "http://" + address,
		http: &http.Client{Timeout: 60 * time.Second},
	}
}

// Status fetches run-state snapshots of every service
func (c *Client) Status(ctx context.Context) ([]supervisor.ServiceStatus, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.base+"/status", nil)
	if err != nil {
		return nil, errors.NewInternalError("failed to build status request", err)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, errors.NewIOError("failed to reach the stack endpoint", err).WithContext("endpoint", c.base)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, c.responseError(resp)
	}

	var statuses []supervisor.ServiceStatus
	if err := json.NewDecoder(resp.Body).Decode(&statuses); err != nil {
		return nil, errors.NewParseError("failed to decode status response", err)
	}
	return statuses, nil
}

// Start requests a start of one service, or the whole stack when
// service is empty
func (c *Client) Start(ctx context.Context, service string) error {
	return c.post(ctx, "/v1/start", url.Values{"service": {service}})
}

// Stop requests a stop of one service (empty means all). With force,
// dependents of the target are left running.
func (c *Client) Stop(ctx context.Context, service string, force bool) error {
	values := url.Values{"service": {service}}
	if force {
		values.Set("force", "1")
	}
	return c.post(ctx, "/v1/stop", values)
}

// Restart stops and re-spawns one service
func (c *Client) Restart(ctx context.Context, service string) error {
	return c.post(ctx, "/v1/restart", url.Values{"service": {service}})
}

// Shutdown asks the supervising process to stop everything and exit
func (c *Client) Shutdown(ctx context.Context) error {
	return c.post(ctx, "/v1/shutdown", nil)
}

// Logs streams the merged output of one service into w until the stream
// ends or ctx is cancelled
func (c *Client) Logs(ctx context.Context, service string, w io.Writer) error {
	endpoint := c.base + "/v1/logs?" + url.Values{"service": {service}}.Encode()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return errors.NewInternalError("failed to build logs request", err)
	}

	// streaming: the overall client timeout must not apply
	streamClient := &http.Client{}
	resp, err := streamClient.Do(req)
	if err != nil {
		return errors.NewIOError("failed to reach the stack endpoint", err).WithContext("endpoint", c.base)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return c.responseError(resp)
	}

	_, err = io.Copy(w, resp.Body)
	if err != nil && ctx.Err() == nil {
		return errors.NewIOError("log stream interrupted", err).WithContext("service", service)
	}
	return nil
}

func (c *Client) post(ctx context.Context, path string, values url.Values) error {
	endpoint := c.base + path
	if len(values) > 0 {
		endpoint += "?" + values.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, nil)
	if err != nil {
		return errors.NewInternalError("failed to build command request", err)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return errors.NewIOError("failed to reach the stack endpoint", err).WithContext("endpoint", c.base)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusAccepted {
		return c.responseError(resp)
	}
	return nil
}

func (c *Client) responseError(resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	message := strings.TrimSpace(string(body))
	if message == "" {
		message = resp.Status
	}

	switch resp.StatusCode {
	case http.StatusNotFound:
		return errors.NewNotFoundError(message, nil)
	case http.StatusBadRequest:
		return errors.NewValidationError(message, nil)
	default:
		return errors.NewInternalError(fmt.Sprintf("command failed: %s", message), nil)
	}
}
