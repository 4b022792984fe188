// Package httputil holds the JSON response helpers of the HTTP API and the
// authenticated client used to reach collaborator services.
package httputil

import (
	"bytes"
	"context"
	"crypto/rsa"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/R3E-Network/request_router/internal/logging"
)

// ServiceClient calls a collaborator service. It attaches a service token
// when a signing key is configured and forwards the caller's account id.
type ServiceClient struct {
	httpClient     *http.Client
	tokenGenerator *ServiceTokenGenerator
	baseURL        string
	maxRetries     int
}

// ServiceClientConfig configures a ServiceClient.
type ServiceClientConfig struct {
	PrivateKey *rsa.PrivateKey
	ServiceID  string
	BaseURL    string
	Timeout    time.Duration
	MaxRetries int
}

func NewServiceClient(cfg ServiceClientConfig) *ServiceClient {
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 10 * time.Second
	}
	maxRetries := cfg.MaxRetries
	if maxRetries == 0 {
		maxRetries = 2
	}
	var tokenGen *ServiceTokenGenerator
	if cfg.PrivateKey != nil && cfg.ServiceID != "" {
		tokenGen = NewServiceTokenGenerator(cfg.PrivateKey, cfg.ServiceID, time.Hour)
	}
	return &ServiceClient{
		httpClient:     &http.Client{Timeout: timeout},
		tokenGenerator: tokenGen,
		baseURL:        strings.TrimRight(cfg.BaseURL, "/"),
		maxRetries:     maxRetries,
	}
}

// Do sends a request. A 401 or 403 is retried with a fresh token up to
// MaxRetries times.
func (c *ServiceClient) Do(ctx context.Context, method, path string, body interface{}) (*http.Response, error) {
	var payload []byte
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("marshal request body: %w", err)
		}
		payload = b
	}

	for attempt := 0; ; attempt++ {
		var rd io.Reader
		if payload != nil {
			rd = bytes.NewReader(payload)
		}
		req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, rd)
		if err != nil {
			return nil, fmt.Errorf("create request: %w", err)
		}
		if payload != nil {
			req.Header.Set("Content-Type", "application/json")
		}
		if c.tokenGenerator != nil {
			token, err := c.tokenGenerator.GenerateToken()
			if err != nil {
				return nil, fmt.Errorf("generate service token: %w", err)
			}
			req.Header.Set(ServiceTokenHeader, token)
		}
		if accountID := logging.GetUserID(ctx); accountID != "" {
			req.Header.Set(AccountIDHeader, accountID)
		}
		if traceID := logging.GetTraceID(ctx); traceID != "" {
			req.Header.Set("X-Trace-ID", traceID)
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			return nil, fmt.Errorf("request failed: %w", err)
		}
		if (resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden) && attempt < c.maxRetries {
			resp.Body.Close()
			continue
		}
		return resp, nil
	}
}

func (c *ServiceClient) Get(ctx context.Context, path string) (*http.Response, error) {
	return c.Do(ctx, http.MethodGet, path, nil)
}

func (c *ServiceClient) Post(ctx context.Context, path string, body interface{}) (*http.Response, error) {
	return c.Do(ctx, http.MethodPost, path, body)
}

// StatusError is returned by DecodeResponse for non-2xx responses.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("request failed with status %d: %s", e.StatusCode, e.Body)
}

// DecodeResponse closes resp and decodes a 2xx body into target. Other
// statuses return a *StatusError.
func DecodeResponse(resp *http.Response, target interface{}) error {
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		body, truncated, err := ReadAllWithLimit(resp.Body, 64<<10)
		if err != nil {
			return fmt.Errorf("read error response body: %w", err)
		}
		msg := strings.TrimSpace(string(body))
		if truncated {
			msg += "...(truncated)"
		}
		return &StatusError{StatusCode: resp.StatusCode, Body: msg}
	}

	if target == nil {
		_, err := io.Copy(io.Discard, io.LimitReader(resp.Body, 8<<20))
		return err
	}
	body, err := ReadAllStrict(resp.Body, 8<<20)
	if err != nil {
		return fmt.Errorf("read response body: %w", err)
	}
	if err := json.Unmarshal(body, target); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

// ReadAllWithLimit reads up to limit bytes and reports whether more followed.
func ReadAllWithLimit(r io.Reader, limit int64) ([]byte, bool, error) {
	b, err := io.ReadAll(io.LimitReader(r, limit+1))
	if err != nil {
		return nil, false, err
	}
	if int64(len(b)) > limit {
		return b[:limit], true, nil
	}
	return b, false, nil
}

// ReadAllStrict reads r and fails when it is longer than limit.
func ReadAllStrict(r io.Reader, limit int64) ([]byte, error) {
	b, truncated, err := ReadAllWithLimit(r, limit)
	if err != nil {
		return nil, err
	}
	if truncated {
		return nil, fmt.Errorf("body exceeds %d bytes", limit)
	}
	return b, nil
}
