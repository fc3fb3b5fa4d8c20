// Package gatewayclient speaks the agent gateway HTTP contract exposed by
// every instance: GET /status, POST /conversation, POST /join. Every call
// carries the per-call timeout passed to NewClient (the 5s default of
// POOL_GATEWAY_PROBE_TIMEOUT, spec §5); retries, if any, are the
// caller's responsibility (the reconciler tolerates a single probe
// failure per tick, it does not retry within a tick).
package gatewayclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// StatusResult is the decoded response of GET /status.
type StatusResult struct {
	Ready        bool
	ConversationID string // empty when Conversation is null
	Streaming    bool
}

// ConversationResult is the decoded response of POST /conversation.
type ConversationResult struct {
	ConversationID string
	InviteURL      string
}

// JoinResult is the decoded response of POST /join.
type JoinResult struct {
	ConversationID string // may be empty when Status is "waiting_for_acceptance"
	InviteURL      string
	Status         string // "joined" or "waiting_for_acceptance"
}

// ErrConflict is returned when the gateway reports the instance is
// already bound to a conversation (HTTP 409).
var ErrConflict = fmt.Errorf("gateway: instance already bound")

// ErrUnavailable is returned for any non-2xx, non-409 response or
// transport failure; it feeds the status deriver as an unreachable probe.
type ErrUnavailable struct {
	Err error
}

func (e *ErrUnavailable) Error() string  { return fmt.Sprintf("gateway unavailable: %v", e.Err) }
func (e *ErrUnavailable) Unwrap() error  { return e.Err }

// API is the gateway surface the pool manager consumes. Implemented by
// Client for production and by hand-written fakes in _test.go files.
type API interface {
	Status(ctx context.Context, baseURL string) (StatusResult, error)
	CreateConversation(ctx context.Context, baseURL, name, profileName, env string) (ConversationResult, error)
	Join(ctx context.Context, baseURL, inviteURL, profileName, env string) (JoinResult, error)
}

// Client is the default gatewayclient.API implementation.
type Client struct {
	http    *http.Client
	timeout time.Duration
}

// NewClient creates a gateway Client with the given per-call timeout.
func NewClient(timeout time.Duration) *Client {
	return &Client{
		http:    &http.Client{Timeout: timeout},
		timeout: timeout,
	}
}

var _ API = (*Client)(nil)

func (c *Client) do(ctx context.Context, method, url string, body any, out any) error {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	var r io.Reader
	if body != nil {
		buf, err := json.Marshal(body)
		if err != nil {
			return &ErrUnavailable{Err: err}
		}
		r = bytes.NewReader(buf)
	}

	req, err := http.NewRequestWithContext(ctx, method, url, r)
	if err != nil {
		return &ErrUnavailable{Err: err}
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return &ErrUnavailable{Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusConflict {
		return ErrConflict
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		respBody, _ := io.ReadAll(resp.Body)
		return &ErrUnavailable{Err: fmt.Errorf("status %d: %s", resp.StatusCode, respBody)}
	}

	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return &ErrUnavailable{Err: fmt.Errorf("decode response: %w", err)}
		}
	}
	return nil
}

// Status calls GET /status on the instance's public base URL.
func (c *Client) Status(ctx context.Context, baseURL string) (StatusResult, error) {
	var raw struct {
		Ready        bool `json:"ready"`
		Conversation *struct {
			ID string `json:"id"`
		} `json:"conversation"`
		Streaming bool `json:"streaming"`
	}
	if err := c.do(ctx, http.MethodGet, baseURL+"/status", nil, &raw); err != nil {
		return StatusResult{}, err
	}
	result := StatusResult{Ready: raw.Ready, Streaming: raw.Streaming}
	if raw.Conversation != nil {
		result.ConversationID = raw.Conversation.ID
	}
	return result, nil
}

// CreateConversation calls POST /conversation. ErrConflict is returned if
// the instance is already bound.
func (c *Client) CreateConversation(ctx context.Context, baseURL, name, profileName, env string) (ConversationResult, error) {
	var raw struct {
		ConversationID string `json:"conversationId"`
		InviteURL      string `json:"inviteUrl"`
	}
	body := map[string]string{"name": name, "profileName": profileName, "env": env}
	if err := c.do(ctx, http.MethodPost, baseURL+"/conversation", body, &raw); err != nil {
		return ConversationResult{}, err
	}
	return ConversationResult{ConversationID: raw.ConversationID, InviteURL: raw.InviteURL}, nil
}

// Join calls POST /join. ErrConflict is returned if the instance is
// already bound. A "waiting_for_acceptance" status with no conversation
// id is a valid, non-error outcome (§9 open question): the claim
// completes and downstream consumers display a pending UI.
func (c *Client) Join(ctx context.Context, baseURL, inviteURL, profileName, env string) (JoinResult, error) {
	var raw struct {
		ConversationID string `json:"conversationId"`
		InviteURL      string `json:"inviteUrl"`
		Status         string `json:"status"`
	}
	body := map[string]string{"inviteUrl": inviteURL, "profileName": profileName, "env": env}
	if err := c.do(ctx, http.MethodPost, baseURL+"/join", body, &raw); err != nil {
		return JoinResult{}, err
	}
	return JoinResult{ConversationID: raw.ConversationID, InviteURL: raw.InviteURL, Status: raw.Status}, nil
}
