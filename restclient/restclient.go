// Package restclient implements the REST surface of §6: kernelspecs,
// kernels CRUD plus lifecycle, and sessions CRUD/PATCH. It is the
// WebSocket-free collaborator that kernel.Engine, session.Coordinator, and
// the manager package all depend on for everything that isn't a framed
// kernel message.
package restclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/jupyter-go/kernel-client/protocol"
)

// ErrTimeout is returned when a request exceeds its configured timeout
// (§5 "REST requests carry an optional per-call timeout"; §7 Timeout).
var ErrTimeout = errors.New("restclient: request exceeded configured timeout")

// StatusError carries a REST response outside the documented success code
// (§7 InvalidResponse): the actual failure code travels with the error
// instead of collapsing to a generic error string.
type StatusError struct {
	Status     int
	StatusText string
	Body       []byte
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("restclient: unexpected status %d %s: %s", e.Status, e.StatusText, e.Body)
}

// ErrSessionDeletedButKernelNot is the specific error for a 410 on session
// DELETE (§4.H failure semantics).
type ErrSessionDeletedButKernelNot struct{}

func (ErrSessionDeletedButKernelNot) Error() string {
	return "restclient: kernel was deleted but session was not"
}

// Option configures a Client.
type Option func(*Client)

func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		if hc != nil {
			c.hc = hc
		}
	}
}

func WithToken(token string) Option { return func(c *Client) { c.token = token } }

func WithXSRFToken(token string) Option { return func(c *Client) { c.xsrf = token } }

// WithTimeout bounds every request this Client issues; 0 (the default)
// means no timeout, deferring entirely to the caller's context.
func WithTimeout(d time.Duration) Option { return func(c *Client) { c.timeout = d } }

func WithLogger(l *slog.Logger) Option {
	return func(c *Client) {
		if l != nil {
			c.log = l
		}
	}
}

// Client is a REST client bound to one Jupyter server's baseURL.
type Client struct {
	baseURL string
	hc      *http.Client
	token   string
	xsrf    string
	timeout time.Duration
	log     *slog.Logger
}

// New constructs a Client. baseURL should not have a trailing slash.
func New(baseURL string, opts ...Option) *Client {
	c := &Client{baseURL: baseURL, hc: http.DefaultClient, log: slog.Default()}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Client) authHeader(req *http.Request) {
	if c.token != "" {
		req.Header.Set("Authorization", "token "+c.token)
		return
	}
	if c.xsrf != "" {
		req.Header.Set("X-XSRFToken", c.xsrf)
	}
}

func (c *Client) do(ctx context.Context, method, path string, body any, wantStatus int) ([]byte, int, error) {
	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return nil, 0, fmt.Errorf("restclient: marshal request body: %w", err)
		}
		reader = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+"/"+path, reader)
	if err != nil {
		return nil, 0, fmt.Errorf("restclient: build request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	c.authHeader(req)

	resp, err := c.hc.Do(req)
	if err != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			c.log.Warn("restclient: request timed out", slog.String("method", method), slog.String("path", path), slog.Duration("timeout", c.timeout))
			return nil, 0, fmt.Errorf("restclient: %s %s: %w", method, path, ErrTimeout)
		}
		c.log.Error("restclient: request failed", slog.String("method", method), slog.String("path", path), slog.Any("err", err))
		return nil, 0, fmt.Errorf("restclient: %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, resp.StatusCode, fmt.Errorf("restclient: read response body: %w", err)
	}

	if resp.StatusCode != wantStatus {
		c.log.Warn("restclient: unexpected response status", slog.String("method", method), slog.String("path", path),
			slog.Int("status", resp.StatusCode), slog.Int("want_status", wantStatus))
		return respBody, resp.StatusCode, &StatusError{Status: resp.StatusCode, StatusText: resp.Status, Body: respBody}
	}
	return respBody, resp.StatusCode, nil
}

// GetKernelSpecs implements GET api/kernelspecs.
func (c *Client) GetKernelSpecs(ctx context.Context) (protocol.SpecsBundle, error) {
	body, _, err := c.do(ctx, http.MethodGet, "api/kernelspecs", nil, http.StatusOK)
	if err != nil {
		return protocol.SpecsBundle{}, err
	}
	var bundle protocol.SpecsBundle
	if err := json.Unmarshal(body, &bundle); err != nil {
		return protocol.SpecsBundle{}, fmt.Errorf("restclient: malformed kernelspecs response: %w", err)
	}
	if err := bundle.Validate(); err != nil {
		return protocol.SpecsBundle{}, err
	}
	return bundle, nil
}

// ListKernels implements GET api/kernels.
func (c *Client) ListKernels(ctx context.Context) ([]protocol.KernelModel, error) {
	body, _, err := c.do(ctx, http.MethodGet, "api/kernels", nil, http.StatusOK)
	if err != nil {
		return nil, err
	}
	var models []protocol.KernelModel
	if err := json.Unmarshal(body, &models); err != nil {
		return nil, fmt.Errorf("restclient: malformed kernels response: %w", err)
	}
	return models, nil
}

// CreateKernel implements POST api/kernels.
func (c *Client) CreateKernel(ctx context.Context, name string) (protocol.KernelModel, error) {
	body, _, err := c.do(ctx, http.MethodPost, "api/kernels", struct {
		Name string `json:"name"`
	}{Name: name}, http.StatusCreated)
	if err != nil {
		return protocol.KernelModel{}, err
	}
	var model protocol.KernelModel
	if err := json.Unmarshal(body, &model); err != nil {
		return protocol.KernelModel{}, fmt.Errorf("restclient: malformed kernel response: %w", err)
	}
	return model, nil
}

// GetKernel implements GET api/kernels/{id}.
func (c *Client) GetKernel(ctx context.Context, id string) (protocol.KernelModel, error) {
	body, _, err := c.do(ctx, http.MethodGet, "api/kernels/"+id, nil, http.StatusOK)
	if err != nil {
		return protocol.KernelModel{}, err
	}
	var model protocol.KernelModel
	if err := json.Unmarshal(body, &model); err != nil {
		return protocol.KernelModel{}, fmt.Errorf("restclient: malformed kernel response: %w", err)
	}
	return model, nil
}

// InterruptKernel implements POST api/kernels/{id}/interrupt.
func (c *Client) InterruptKernel(ctx context.Context, id string) error {
	_, _, err := c.do(ctx, http.MethodPost, "api/kernels/"+id+"/interrupt", struct{}{}, http.StatusNoContent)
	return err
}

// RestartKernel implements POST api/kernels/{id}/restart.
func (c *Client) RestartKernel(ctx context.Context, id string) (protocol.KernelModel, error) {
	body, _, err := c.do(ctx, http.MethodPost, "api/kernels/"+id+"/restart", struct{}{}, http.StatusOK)
	if err != nil {
		return protocol.KernelModel{}, err
	}
	var model protocol.KernelModel
	if err := json.Unmarshal(body, &model); err != nil {
		return protocol.KernelModel{}, fmt.Errorf("restclient: malformed kernel response: %w", err)
	}
	return model, nil
}

// DeleteKernel implements DELETE api/kernels/{id}.
func (c *Client) DeleteKernel(ctx context.Context, id string) error {
	_, _, err := c.do(ctx, http.MethodDelete, "api/kernels/"+id, nil, http.StatusNoContent)
	return err
}

// ListSessions implements GET api/sessions.
func (c *Client) ListSessions(ctx context.Context) ([]protocol.SessionModel, error) {
	body, _, err := c.do(ctx, http.MethodGet, "api/sessions", nil, http.StatusOK)
	if err != nil {
		return nil, err
	}
	var models []protocol.SessionModel
	if err := json.Unmarshal(body, &models); err != nil {
		return nil, fmt.Errorf("restclient: malformed sessions response: %w", err)
	}
	return models, nil
}

// CreateSession implements POST api/sessions.
func (c *Client) CreateSession(ctx context.Context, path, name, sessType string, kernel protocol.KernelModel) (protocol.SessionModel, error) {
	req := struct {
		Path   string               `json:"path"`
		Name   string               `json:"name"`
		Type   string               `json:"type"`
		Kernel protocol.KernelModel `json:"kernel"`
	}{Path: path, Name: name, Type: sessType, Kernel: kernel}

	body, _, err := c.do(ctx, http.MethodPost, "api/sessions", req, http.StatusCreated)
	if err != nil {
		return protocol.SessionModel{}, err
	}
	var model protocol.SessionModel
	if err := json.Unmarshal(body, &model); err != nil {
		return protocol.SessionModel{}, fmt.Errorf("restclient: malformed session response: %w", err)
	}
	return model, nil
}

// GetSession implements GET api/sessions/{id}.
func (c *Client) GetSession(ctx context.Context, id string) (protocol.SessionModel, error) {
	body, _, err := c.do(ctx, http.MethodGet, "api/sessions/"+id, nil, http.StatusOK)
	if err != nil {
		return protocol.SessionModel{}, err
	}
	var model protocol.SessionModel
	if err := json.Unmarshal(body, &model); err != nil {
		return protocol.SessionModel{}, fmt.Errorf("restclient: malformed session response: %w", err)
	}
	return model, nil
}

// PatchSession implements PATCH api/sessions/{id} with a partial body.
func (c *Client) PatchSession(ctx context.Context, id string, partial map[string]any) (protocol.SessionModel, error) {
	body, _, err := c.do(ctx, http.MethodPatch, "api/sessions/"+id, partial, http.StatusOK)
	if err != nil {
		return protocol.SessionModel{}, err
	}
	var model protocol.SessionModel
	if err := json.Unmarshal(body, &model); err != nil {
		return protocol.SessionModel{}, fmt.Errorf("restclient: malformed session response: %w", err)
	}
	return model, nil
}

// DeleteSession implements DELETE api/sessions/{id}. A 404 is treated as
// success (idempotent delete, with a warning log); a 410 surfaces as
// ErrSessionDeletedButKernelNot (§4.H failure semantics).
func (c *Client) DeleteSession(ctx context.Context, id string) error {
	_, status, err := c.do(ctx, http.MethodDelete, "api/sessions/"+id, nil, http.StatusNoContent)
	if err == nil {
		return nil
	}
	switch status {
	case http.StatusNotFound:
		c.log.Warn("restclient: session already gone, treating delete as success", slog.String("session_id", id))
		return nil
	case http.StatusGone:
		return ErrSessionDeletedButKernelNot{}
	default:
		return err
	}
}
