package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"

	"teamsync/pkg/types"
)

// APIClient is the client-side storage collaborator: it fetches snapshots
// and submits mutations over the HTTP API.
type APIClient struct {
	baseURL    string
	token      string
	httpClient *http.Client
	logger     *zap.Logger

	// SessionID, when set, names the live session so the server can exclude
	// it from the echo of its own mutations.
	SessionID func() string
}

// NewAPIClient creates a client for the API rooted at baseURL (http:// or https://).
func NewAPIClient(baseURL, token string, logger *zap.Logger) *APIClient {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &APIClient{
		baseURL:    strings.TrimRight(baseURL, "/"),
		token:      token,
		httpClient: &http.Client{Timeout: 15 * time.Second},
		logger:     logger.With(zap.String("component", "api_client")),
	}
}

type apiError struct {
	Error   string `json:"error"`
	Code    int    `json:"code"`
	Message string `json:"message"`
}

type mutationResponse struct {
	Entity *types.Entity `json:"entity"`
}

// FetchSnapshot loads every live entity of scope.
func (c *APIClient) FetchSnapshot(ctx context.Context, scope string) (*types.Snapshot, error) {
	if !types.IsValidScope(scope) {
		return nil, types.ErrInvalidScope
	}
	var snap types.Snapshot
	path := "/api/scopes/" + url.PathEscape(scope) + "/snapshot"
	if err := c.do(ctx, http.MethodGet, path, nil, &snap); err != nil {
		return nil, err
	}
	return &snap, nil
}

// Mutate submits change and returns the canonical entity.
func (c *APIClient) Mutate(ctx context.Context, entityID string, change types.Change) (*types.Entity, error) {
	if err := change.Validate(); err != nil {
		return nil, err
	}

	var method, path string
	var body interface{}
	switch change.Op {
	case types.ChangeCreate:
		method, path, body = http.MethodPost, "/api/scopes/"+url.PathEscape(change.Scope)+"/entities", change
	case types.ChangeUpdate:
		method, path, body = http.MethodPatch, "/api/entities/"+url.PathEscape(entityID), change
	case types.ChangeDelete:
		method, path = http.MethodDelete, "/api/entities/"+url.PathEscape(entityID)
	}

	var resp mutationResponse
	if err := c.do(ctx, method, path, body, &resp); err != nil {
		return nil, err
	}
	if resp.Entity == nil {
		return nil, fmt.Errorf("%w: empty mutation response", types.ErrTransportFailure)
	}
	return resp.Entity, nil
}

func (c *APIClient) do(ctx context.Context, method, path string, body, out interface{}) error {
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("%w: encode request: %v", types.ErrValidationFailure, err)
		}
		reader = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("%w: build request: %v", types.ErrTransportFailure, err)
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.SessionID != nil {
		if id := c.SessionID(); id != "" {
			req.Header.Set("X-Session-ID", id)
		}
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %s %s: %v", types.ErrTransportFailure, method, path, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode >= 300 {
		return c.errorFor(resp)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("%w: decode response: %v", types.ErrTransportFailure, err)
	}
	return nil
}

// errorFor maps an error response back onto the error taxonomy.
func (c *APIClient) errorFor(resp *http.Response) error {
	var body apiError
	_ = json.NewDecoder(io.LimitReader(resp.Body, 64*1024)).Decode(&body)
	msg := body.Message
	if msg == "" {
		msg = http.StatusText(resp.StatusCode)
	}

	switch {
	case resp.StatusCode == http.StatusUnauthorized:
		return fmt.Errorf("%w: %s", types.ErrAuthRejected, msg)
	case resp.StatusCode >= 400 && resp.StatusCode < 500:
		return &types.RejectionError{Reason: msg}
	default:
		c.logger.Warn("api request failed", zap.Int("status", resp.StatusCode), zap.String("message", msg))
		return fmt.Errorf("%w: server returned %d: %s", types.ErrTransportFailure, resp.StatusCode, msg)
	}
}
