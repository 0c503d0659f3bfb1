// SPDX-License-Identifier: MPL-2.0
// SPDX-FileCopyrightText: Copyright (c) 2024, Emir Aganovic

// Package meetapi talks to the meeting provisioning service: meeting records,
// media-session resources and attendee registration. The Client implements
// ringline.Provisioner; Server is the reference service implementation.
package meetapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/emiago/ringline"
)

// Client calls the provisioning endpoints over HTTP.
type Client struct {
	baseURL string
	hc      *http.Client
	log     zerolog.Logger
}

type ClientOption func(c *Client)

func WithHTTPClient(hc *http.Client) ClientOption {
	return func(c *Client) { c.hc = hc }
}

func WithClientLogger(l zerolog.Logger) ClientOption {
	return func(c *Client) { c.log = l }
}

func NewClient(baseURL string, opts ...ClientOption) *Client {
	c := &Client{
		baseURL: baseURL,
		hc:      &http.Client{Timeout: 15 * time.Second},
		log:     log.With().Str("component", "meetapi").Logger(),
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

func (c *Client) CreateMeeting(ctx context.Context, userID string, role ringline.Role) (string, error) {
	var out struct {
		MeetingID string `json:"meetingId"`
	}
	err := c.post(ctx, "/v1/meetings", map[string]any{
		"userId": userID,
		"role":   role,
	}, &out)
	if err != nil {
		return "", err
	}
	if out.MeetingID == "" {
		return "", fmt.Errorf("meetapi: create meeting returned no id")
	}
	return out.MeetingID, nil
}

func (c *Client) CreateMediaSession(ctx context.Context, meetingID string) (ringline.MediaSessionInfo, error) {
	var out struct {
		SessionID  string          `json:"sessionId"`
		Descriptor json.RawMessage `json:"descriptor"`
	}
	err := c.post(ctx, "/v1/meetings/"+meetingID+"/sessions", map[string]any{}, &out)
	if err != nil {
		return ringline.MediaSessionInfo{}, err
	}
	if out.SessionID == "" {
		return ringline.MediaSessionInfo{}, fmt.Errorf("meetapi: create session returned no id")
	}
	return ringline.MediaSessionInfo{MediaSessionID: out.SessionID, Descriptor: out.Descriptor}, nil
}

// RegisterAttendee returns the raw response body. The shape varies between
// deployments, so resolving it is left to the caller's extractor chain.
func (c *Client) RegisterAttendee(ctx context.Context, mediaSessionID, userID string) (json.RawMessage, error) {
	var out json.RawMessage
	err := c.post(ctx, "/v1/sessions/"+mediaSessionID+"/attendees", map[string]any{
		"userId": userID,
	}, &out)
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) post(ctx context.Context, path string, body any, out any) error {
	data, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("meetapi: marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("meetapi: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	start := time.Now()
	res, err := c.hc.Do(req)
	if err != nil {
		return fmt.Errorf("meetapi: POST %s: %w", path, err)
	}
	defer res.Body.Close()

	c.log.Debug().Str("path", path).Int("status", res.StatusCode).
		Dur("dur", time.Since(start)).Msg("Provisioning call")

	resBody, err := io.ReadAll(io.LimitReader(res.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("meetapi: read response: %w", err)
	}
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		return fmt.Errorf("meetapi: POST %s: status %d: %s", path, res.StatusCode, bytes.TrimSpace(resBody))
	}
	if err := json.Unmarshal(resBody, out); err != nil {
		return fmt.Errorf("meetapi: decode response: %w", err)
	}
	return nil
}
