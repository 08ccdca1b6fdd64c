package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/lamvh/ads-provisioner/internal/provision/domain"
)

// HTTPConfig holds the platform transport settings.
type HTTPConfig struct {
	BaseURL string
	Timeout time.Duration
	Logger  *slog.Logger
}

// HTTPClient is the net/http implementation of Client against the ads
// platform's REST API.
type HTTPClient struct {
	baseURL string
	http    *http.Client
	logger  *slog.Logger
}

// NewHTTPClient creates a platform client.
func NewHTTPClient(cfg HTTPConfig) *HTTPClient {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &HTTPClient{
		baseURL: cfg.BaseURL,
		http:    &http.Client{Timeout: timeout},
		logger:  logger,
	}
}

type resourcePayload struct {
	RemoteID  string `json:"id"`
	ParentRef string `json:"parent_id"`
	Kind      string `json:"kind"`
	Name      string `json:"name"`
}

type errorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Create provisions one resource under parentRef.
func (c *HTTPClient) Create(ctx context.Context, credential, parentRef string, spec ResourceSpec) (*CreateResult, error) {
	body, err := json.Marshal(map[string]string{
		"parent_id": parentRef,
		"kind":      spec.Kind,
		"name":      spec.Name,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to encode create request: %w", err)
	}

	resp, usage, err := c.do(ctx, credential, http.MethodPost, "/v2/resources", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}

	var payload resourcePayload
	if err := json.Unmarshal(resp, &payload); err != nil {
		return nil, fmt.Errorf("failed to decode create response: %w", err)
	}
	return &CreateResult{RemoteID: payload.RemoteID, Usage: usage}, nil
}

// Get fetches a resource by its remote id.
func (c *HTTPClient) Get(ctx context.Context, credential, remoteID string) (*Resource, error) {
	resp, _, err := c.do(ctx, credential, http.MethodGet, "/v2/resources/"+url.PathEscape(remoteID), nil)
	if err != nil {
		return nil, err
	}

	var payload resourcePayload
	if err := json.Unmarshal(resp, &payload); err != nil {
		return nil, fmt.Errorf("failed to decode resource: %w", err)
	}
	return &Resource{
		RemoteID:  payload.RemoteID,
		ParentRef: payload.ParentRef,
		Kind:      payload.Kind,
		Name:      payload.Name,
	}, nil
}

// List returns the direct children of parentRef.
func (c *HTTPClient) List(ctx context.Context, credential, parentRef string) (*ListResult, error) {
	path := "/v2/resources?parent_id=" + url.QueryEscape(parentRef)
	resp, usage, err := c.do(ctx, credential, http.MethodGet, path, nil)
	if err != nil {
		return nil, err
	}

	var payload struct {
		Resources []resourcePayload `json:"resources"`
	}
	if err := json.Unmarshal(resp, &payload); err != nil {
		return nil, fmt.Errorf("failed to decode resource list: %w", err)
	}

	out := &ListResult{Usage: usage}
	for _, p := range payload.Resources {
		out.Resources = append(out.Resources, Resource{
			RemoteID:  p.RemoteID,
			ParentRef: p.ParentRef,
			Kind:      p.Kind,
			Name:      p.Name,
		})
	}
	return out, nil
}

// Delete removes a resource. An already-deleted resource surfaces as
// domain.ErrRemoteNotFound.
func (c *HTTPClient) Delete(ctx context.Context, credential, remoteID string) (*domain.Usage, error) {
	_, usage, err := c.do(ctx, credential, http.MethodDelete, "/v2/resources/"+url.PathEscape(remoteID), nil)
	if err != nil {
		return usage, err
	}
	return usage, nil
}

// do performs one request and maps the response to the domain error taxonomy.
// Quota metadata is read from the rate-limit headers whenever present, on
// failures included.
func (c *HTTPClient) do(ctx context.Context, credential, method, path string, body io.Reader) ([]byte, *domain.Usage, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+credential)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		// Transport faults are transient by classification.
		return nil, nil, fmt.Errorf("platform request failed: %w", err)
	}
	defer resp.Body.Close()

	usage := usageFromHeaders(resp.Header)

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, usage, fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return data, usage, nil
	}

	if resp.StatusCode == http.StatusNotFound {
		return nil, usage, domain.ErrRemoteNotFound
	}

	var payload errorPayload
	_ = json.Unmarshal(data, &payload)

	rerr := &domain.RemoteError{
		Code:    payload.Code,
		Message: payload.Message,
		Usage:   usage,
	}
	if rerr.Code == "" {
		rerr.Code = codeForStatus(resp.StatusCode)
	}
	if resp.StatusCode == http.StatusTooManyRequests {
		rerr.Code = domain.CodeRateLimited
		if ra := retryAfter(resp.Header); ra > 0 {
			rerr.RetryAfter = ra
		}
	}

	c.logger.Debug("Platform call failed",
		slog.String("method", method),
		slog.String("path", path),
		slog.Int("status", resp.StatusCode),
		slog.String("code", rerr.Code),
	)
	return nil, usage, rerr
}

func codeForStatus(status int) string {
	switch status {
	case http.StatusUnauthorized:
		return domain.CodeInvalidCredential
	case http.StatusForbidden:
		return domain.CodeAccountSuspended
	case http.StatusUnprocessableEntity, http.StatusBadRequest:
		return domain.CodeRejected
	default:
		return domain.CodeUnavailable
	}
}

func usageFromHeaders(h http.Header) *domain.Usage {
	limitStr := h.Get("X-RateLimit-Limit")
	usedStr := h.Get("X-RateLimit-Used")
	if limitStr == "" || usedStr == "" {
		return nil
	}
	limit, err := strconv.Atoi(limitStr)
	if err != nil {
		return nil
	}
	used, err := strconv.Atoi(usedStr)
	if err != nil {
		return nil
	}
	usage := &domain.Usage{Used: used, Limit: limit}
	if resetStr := h.Get("X-RateLimit-Reset"); resetStr != "" {
		if unix, err := strconv.ParseInt(resetStr, 10, 64); err == nil {
			usage.ResetAt = time.Unix(unix, 0)
		}
	}
	return usage
}

func retryAfter(h http.Header) time.Duration {
	if v := h.Get("Retry-After"); v != "" {
		if secs, err := strconv.Atoi(v); err == nil {
			return time.Duration(secs) * time.Second
		}
	}
	return 0
}
