package authz

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/BrandonDHaskell/Silenus/server/internal/silenus/ledger"
	"github.com/BrandonDHaskell/Silenus/server/internal/silenus/types"
)

// HTTPError is a non-2xx response from the server.
type HTTPError struct {
	StatusCode int
	Message    string
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("HTTP %d: %s", e.StatusCode, e.Message)
}

// IsStatus reports whether err wraps an HTTPError with the given code.
func IsStatus(err error, code int) bool {
	var he *HTTPError
	return errors.As(err, &he) && he.StatusCode == code
}

// HTTPClient talks to a silenus server on behalf of a remote dispenser. It
// authorizes tags and submits session debits.
type HTTPClient struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
}

func NewHTTPClient(baseURL, apiKey string, timeout time.Duration) *HTTPClient {
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	return &HTTPClient{
		baseURL:    strings.TrimRight(baseURL, "/"),
		apiKey:     apiKey,
		httpClient: &http.Client{Timeout: timeout},
	}
}

func (c *HTTPClient) Authorize(ctx context.Context, uid, dispenserID string) (Decision, error) {
	params := url.Values{}
	params.Set("uid", uid)
	params.Set("dispenser", dispenserID)

	var resp types.AuthorizeResponse
	if err := c.doRequest(ctx, http.MethodGet, "/v1/authorize?"+params.Encode(), nil, &resp); err != nil {
		return Decision{}, fmt.Errorf("authz.Authorize: %w", err)
	}
	return FromResponse(resp), nil
}

// Debit submits a session debit to the server ledger. The server applies
// it at most once per session ID, so a retried call is safe.
func (c *HTTPClient) Debit(ctx context.Context, req ledger.DebitRequest) (ledger.Result, error) {
	var res ledger.Result
	if err := c.doRequest(ctx, http.MethodPost, "/v1/debit", req, &res); err != nil {
		return ledger.Result{}, fmt.Errorf("authz.Debit: %w", err)
	}
	return res, nil
}

func (c *HTTPClient) doRequest(ctx context.Context, method, path string, body any, out any) error {
	var reqBody io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal body: %w", err)
		}
		reqBody = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reqBody)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.apiKey != "" {
		req.Header.Set("X-API-Key", c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("do request: %w", err)
	}
	defer resp.Body.Close() //nolint:errcheck

	if resp.StatusCode >= 400 {
		respBody, readErr := io.ReadAll(io.LimitReader(resp.Body, 1<<16))
		if readErr != nil {
			return &HTTPError{StatusCode: resp.StatusCode, Message: fmt.Sprintf("failed to read body: %v", readErr)}
		}
		var apiErr struct {
			Error string `json:"error"`
		}
		if json.Unmarshal(respBody, &apiErr) == nil && apiErr.Error != "" {
			return &HTTPError{StatusCode: resp.StatusCode, Message: apiErr.Error}
		}
		return &HTTPError{StatusCode: resp.StatusCode, Message: strings.TrimSpace(string(respBody))}
	}

	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("decode response: %w", err)
		}
	}
	return nil
}

var (
	_ Client         = (*HTTPClient)(nil)
	_ ledger.Debiter = (*HTTPClient)(nil)
)
