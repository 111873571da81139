// Package remote implements the transport boundary over HTTP: mutations are
// POSTed with an idempotency key, pushed updates are long-polled from a
// cursor. All transport failures are classified into fault kinds so the
// engine can tell retryable conditions from terminal ones.
package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/matheus3301/fieldsync/internal/fault"
	"github.com/matheus3301/fieldsync/internal/transport"
)

// Client talks to the field-service backend. It implements
// transport.Authority.
type Client struct {
	baseURL string
	tokens  transport.TokenSource
	http    *http.Client
}

// NewClient creates a client for the given base URL, e.g.
// "https://api.example.com". The http.Client's timeout should exceed the
// engine's pull timeout; per-call deadlines come from the context.
func NewClient(baseURL string, tokens transport.TokenSource, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &Client{baseURL: baseURL, tokens: tokens, http: httpClient}
}

// Submit sends one mutation to POST /v1/mutations. The mutation id travels as
// the Idempotency-Key header, so a retried submission lands at most once.
func (c *Client) Submit(ctx context.Context, m transport.Mutation) (*transport.SubmitResult, error) {
	body, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("encode mutation: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/mutations", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Idempotency-Key", m.ID)
	if err := c.authorize(req); err != nil {
		return nil, err
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fault.Wrap(fault.Transient, fmt.Errorf("submit: %w", err))
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusOK:
		var res transport.SubmitResult
		if err := json.NewDecoder(resp.Body).Decode(&res); err != nil {
			return nil, fault.Wrap(fault.Transient, fmt.Errorf("decode submit result: %w", err))
		}
		return &res, nil
	case resp.StatusCode == http.StatusConflict || resp.StatusCode == http.StatusUnprocessableEntity:
		// Business rejection. The body carries the reason and, on version
		// conflicts, the current authoritative state.
		res := &transport.SubmitResult{Reason: resp.Status}
		_ = json.NewDecoder(resp.Body).Decode(res)
		res.Accepted = false
		return res, nil
	default:
		return nil, c.classify(resp)
	}
}

// Pull long-polls GET /v1/updates from the given cursor. An empty cursor
// starts from the beginning of the feed.
func (c *Client) Pull(ctx context.Context, cursor string) ([]transport.PushEvent, string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/v1/updates", nil)
	if err != nil {
		return nil, "", fmt.Errorf("build request: %w", err)
	}
	if cursor != "" {
		q := req.URL.Query()
		q.Set("cursor", cursor)
		req.URL.RawQuery = q.Encode()
	}
	if err := c.authorize(req); err != nil {
		return nil, "", err
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, "", fault.Wrap(fault.Transient, fmt.Errorf("pull: %w", err))
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, "", c.classify(resp)
	}

	var feed struct {
		Events []transport.PushEvent `json:"events"`
		Cursor string                `json:"cursor"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&feed); err != nil {
		return nil, "", fault.Wrap(fault.Transient, fmt.Errorf("decode updates: %w", err))
	}
	return feed.Events, feed.Cursor, nil
}

func (c *Client) authorize(req *http.Request) error {
	token, ok := c.tokens.CurrentToken()
	if !ok {
		return fault.New(fault.Unauthenticated, "no credential available")
	}
	req.Header.Set("Authorization", "Bearer "+token)
	return nil
}

// classify maps a non-success HTTP status to a fault kind. 401 means the
// credential is gone; timeouts, throttling and server errors are transient;
// anything else is treated transient too, since retrying a durable mutation
// is safe under the idempotency key.
func (c *Client) classify(resp *http.Response) error {
	snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
	switch resp.StatusCode {
	case http.StatusUnauthorized, http.StatusForbidden:
		return fault.Newf(fault.Unauthenticated, "%s: %s", resp.Status, snippet)
	default:
		return fault.Newf(fault.Transient, "%s: %s", resp.Status, snippet)
	}
}
