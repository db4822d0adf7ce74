package rpc

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/agentplane/agentplane/internal/common/logger"
)

// ErrUnimplemented is returned when the runtime answers 501 for an
// operation. Callers use it to drive the refresh-to-ensure fallback.
var ErrUnimplemented = errors.New("runtime rpc: unimplemented")

// Client speaks the unary runtime RPC over HTTP JSON.
type Client struct {
	baseURL    string
	httpClient *http.Client
	logger     *logger.Logger
}

// NewClient creates a client for the given runtime endpoint, e.g.
// "http://10.0.0.5:8700".
func NewClient(endpoint string, log *logger.Logger) *Client {
	return &Client{
		baseURL: endpoint,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
		logger: log.WithFields(zap.String("component", "runtime-rpc-client")),
	}
}

// BaseURL returns the endpoint this client talks to.
func (c *Client) BaseURL() string {
	return c.baseURL
}

// CheckHealth probes the runtime. A network error or non-2xx status is
// reported as an unhealthy result, not a Go error.
func (c *Client) CheckHealth(ctx context.Context) *HealthResult {
	req, err := http.NewRequestWithContext(ctx, "GET", c.baseURL+"/health", nil)
	if err != nil {
		return &HealthResult{Success: false, ErrorMessage: err.Error()}
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return &HealthResult{Success: false, ErrorMessage: err.Error()}
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return &HealthResult{Success: false, ErrorMessage: fmt.Sprintf("health check failed: %d", resp.StatusCode)}
	}
	return &HealthResult{Success: true}
}

// StartCommand submits a run to the runtime.
func (c *Client) StartCommand(ctx context.Context, req *StartRuntimeCommandRequest) (*StartRuntimeCommandResult, error) {
	result := &StartRuntimeCommandResult{}
	if err := c.post(ctx, "/api/v1/commands/start", req, result); err != nil {
		return nil, err
	}
	return result, nil
}

// CancelCommand asks the runtime to cancel a run.
func (c *Client) CancelCommand(ctx context.Context, req *CancelRuntimeCommandRequest) (*CancelRuntimeCommandResult, error) {
	result := &CancelRuntimeCommandResult{}
	if err := c.post(ctx, "/api/v1/commands/cancel", req, result); err != nil {
		return nil, err
	}
	return result, nil
}

// GetCommandStatus queries the runtime for the current state of a run.
func (c *Client) GetCommandStatus(ctx context.Context, req *GetRuntimeCommandStatusRequest) (*RuntimeCommandStatusResult, error) {
	result := &RuntimeCommandStatusResult{}
	if err := c.post(ctx, "/api/v1/commands/status", req, result); err != nil {
		return nil, err
	}
	return result, nil
}

// ReadEventBacklog pages durable events recorded after the given delivery
// id.
func (c *Client) ReadEventBacklog(ctx context.Context, req *ReadEventBacklogRequest) (*ReadEventBacklogResult, error) {
	result := &ReadEventBacklogResult{}
	if err := c.post(ctx, "/api/v1/events/backlog", req, result); err != nil {
		return nil, err
	}
	return result, nil
}

// EnsureRepositoryWorkspace prepares a repository checkout in the runtime.
func (c *Client) EnsureRepositoryWorkspace(ctx context.Context, req *EnsureRepositoryWorkspaceRequest) (*EnsureRepositoryWorkspaceResult, error) {
	result := &EnsureRepositoryWorkspaceResult{}
	if err := c.post(ctx, "/api/v1/workspace/ensure", req, result); err != nil {
		return nil, err
	}
	return result, nil
}

// RefreshRepositoryWorkspace refreshes an existing checkout. Runtimes that
// predate the refresh operation answer 501, surfaced as ErrUnimplemented.
func (c *Client) RefreshRepositoryWorkspace(ctx context.Context, req *RefreshRepositoryWorkspaceRequest) (*RefreshRepositoryWorkspaceResult, error) {
	result := &RefreshRepositoryWorkspaceResult{}
	if err := c.post(ctx, "/api/v1/workspace/refresh", req, result); err != nil {
		return nil, err
	}
	return result, nil
}

// SyncRepositoryWorkspace refreshes the checkout, falling back to Ensure
// with the prior local path as the repository key hint when the runtime
// does not implement refresh.
func (c *Client) SyncRepositoryWorkspace(ctx context.Context, repositoryID, gitURL, defaultBranch, localPath string) (string, error) {
	refreshed, err := c.RefreshRepositoryWorkspace(ctx, &RefreshRepositoryWorkspaceRequest{
		RepositoryID: repositoryID,
		LocalPath:    localPath,
	})
	if err == nil {
		if !refreshed.Success {
			return "", fmt.Errorf("workspace refresh failed: %s", refreshed.ErrorMessage)
		}
		return refreshed.LocalPath, nil
	}
	if !errors.Is(err, ErrUnimplemented) {
		return "", err
	}

	ensured, err := c.EnsureRepositoryWorkspace(ctx, &EnsureRepositoryWorkspaceRequest{
		RepositoryID:      repositoryID,
		GitURL:            gitURL,
		DefaultBranch:     defaultBranch,
		RepositoryKeyHint: localPath,
	})
	if err != nil {
		return "", err
	}
	if !ensured.Success {
		return "", fmt.Errorf("workspace ensure failed: %s", ensured.ErrorMessage)
	}
	return ensured.LocalPath, nil
}

func (c *Client) post(ctx context.Context, path string, payload, out any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, "POST", c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()

	respBody, err := readResponseBody(resp)
	if err != nil {
		return fmt.Errorf("failed to read response body: %w", err)
	}

	if resp.StatusCode == http.StatusNotImplemented {
		return ErrUnimplemented
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("%s failed with status %d: %s", path, resp.StatusCode, truncateBody(respBody))
	}

	if err := json.Unmarshal(respBody, out); err != nil {
		return fmt.Errorf("failed to parse %s response (status %d, body: %s): %w", path, resp.StatusCode, truncateBody(respBody), err)
	}
	return nil
}

func readResponseBody(resp *http.Response) ([]byte, error) {
	var buf bytes.Buffer
	if _, err := buf.ReadFrom(resp.Body); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func truncateBody(body []byte) string {
	const maxLen = 200
	if len(body) > maxLen {
		return string(body[:maxLen]) + "..."
	}
	return string(body)
}
