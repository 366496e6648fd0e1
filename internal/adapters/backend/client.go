// Package backend talks to the session data service: RPC-style
// mutations over HTTP and the live change feed over websocket. All
// persisted session state lives on the other side of this package.
package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/stagelink/stagelink/internal/core"
	"github.com/stagelink/stagelink/internal/domain"
)

var (
	ErrRequestFailed = errors.New("backend request failed")
	ErrNotFound      = errors.New("session not found")
)

const requestTimeout = 10 * time.Second

// Client implements core.SessionService over the backend's HTTP API.
type Client struct {
	baseURL string
	token   string
	http    *http.Client
}

func NewClient(baseURL, token string) *Client {
	return &Client{
		baseURL: baseURL,
		token:   token,
		http:    &http.Client{Timeout: requestTimeout},
	}
}

var _ core.SessionService = (*Client)(nil)

func (c *Client) FetchSession(ctx context.Context, id domain.SessionID) (*domain.Session, error) {
	var sess domain.Session
	if err := c.do(ctx, http.MethodGet, fmt.Sprintf("/v1/sessions/%s", id), nil, &sess); err != nil {
		return nil, err
	}
	return &sess, nil
}

func (c *Client) CreateInvite(ctx context.Context, id domain.SessionID, from domain.ProfileID) (domain.Invite, error) {
	req := struct {
		From domain.ProfileID `json:"from"`
	}{From: from}
	var inv domain.Invite
	if err := c.do(ctx, http.MethodPost, fmt.Sprintf("/v1/sessions/%s/invites", id), req, &inv); err != nil {
		return domain.Invite{}, err
	}
	return inv, nil
}

func (c *Client) RespondInvite(ctx context.Context, inviteID string, accept bool) error {
	req := struct {
		Accept bool `json:"accept"`
	}{Accept: accept}
	return c.do(ctx, http.MethodPost, fmt.Sprintf("/v1/invites/%s/respond", inviteID), req, nil)
}

func (c *Client) MarkReady(ctx context.Context, id domain.SessionID, profile domain.ProfileID) error {
	req := struct {
		Profile domain.ProfileID `json:"profile"`
	}{Profile: profile}
	return c.do(ctx, http.MethodPost, fmt.Sprintf("/v1/sessions/%s/ready", id), req, nil)
}

func (c *Client) StayPaired(ctx context.Context, id domain.SessionID) error {
	return c.do(ctx, http.MethodPost, fmt.Sprintf("/v1/sessions/%s/stay", id), nil, nil)
}

func (c *Client) Leave(ctx context.Context, id domain.SessionID, profile domain.ProfileID) error {
	req := struct {
		Profile domain.ProfileID `json:"profile"`
	}{Profile: profile}
	return c.do(ctx, http.MethodPost, fmt.Sprintf("/v1/sessions/%s/leave", id), req, nil)
}

func (c *Client) do(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		body = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrRequestFailed, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return ErrNotFound
	case resp.StatusCode < 200 || resp.StatusCode > 299:
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("%w: %s %s: %d %s", ErrRequestFailed, method, path, resp.StatusCode, bytes.TrimSpace(msg))
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
