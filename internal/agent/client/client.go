// Package client talks to the presence store API on behalf of one user.
// Every call carries the agent's bearer token and a bounded timeout; a
// timeout is indistinguishable from any other transport failure to
// callers, which retry on their own schedule.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/phuslu/log"

	"nuha.dev/presence/internal/presence"
)

var (
	ErrUnauthorized = errors.New("store rejected credentials")
	ErrRejected     = errors.New("store rejected write")
	ErrNotFound     = errors.New("record not found")
)

type Config struct {
	BaseURL string
	Token   string
	UserID  string
	Timeout time.Duration
}

type Client struct {
	conf Config
	hc   *http.Client
	log  log.Logger
}

func New(conf Config, logger log.Logger) *Client {
	if conf.Timeout == 0 {
		conf.Timeout = 15 * time.Second
	}
	c := &Client{conf: conf, log: logger}
	c.log.Context = log.NewContext(nil).Str("module", "storeclient").Value()
	c.hc = &http.Client{Timeout: conf.Timeout}
	return c
}

func (c *Client) UserID() string { return c.conf.UserID }

type updateBody struct {
	UserID    string  `json:"user_id"`
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
	Accuracy  float32 `json:"accuracy"`
	Active    bool    `json:"active"`
}

type activeBody struct {
	UserID string `json:"user_id"`
	Active bool   `json:"active"`
}

func (c *Client) Upsert(ctx context.Context, lat, lng float64, accuracy float32, active bool) (*presence.Record, error) {
	body := updateBody{UserID: c.conf.UserID, Latitude: lat, Longitude: lng, Accuracy: accuracy, Active: active}
	rec := &presence.Record{}
	if err := c.do(ctx, http.MethodPost, "/v1/presence", body, rec); err != nil {
		return nil, err
	}
	return rec, nil
}

func (c *Client) SetActive(ctx context.Context, active bool) (*presence.Record, error) {
	body := activeBody{UserID: c.conf.UserID, Active: active}
	rec := &presence.Record{}
	if err := c.do(ctx, http.MethodPost, "/v1/presence/active", body, rec); err != nil {
		return nil, err
	}
	return rec, nil
}

// Self fetches this user's own record, nil error and record when present.
func (c *Client) Self(ctx context.Context) (*presence.Record, error) {
	rec := &presence.Record{}
	if err := c.do(ctx, http.MethodGet, "/v1/presence/"+c.conf.UserID, nil, rec); err != nil {
		return nil, err
	}
	return rec, nil
}

func (c *Client) Unregister(ctx context.Context) error {
	return c.do(ctx, http.MethodDelete, "/v1/presence/"+c.conf.UserID, nil, nil)
}

func (c *Client) do(ctx context.Context, method, path string, body interface{}, out interface{}) error {
	ctx, cancel := context.WithTimeout(ctx, c.conf.Timeout)
	defer cancel()
	var rd io.Reader
	if body != nil {
		buf, err := json.Marshal(body)
		if err != nil {
			return err
		}
		rd = bytes.NewReader(buf)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.conf.BaseURL+path, rd)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+c.conf.Token)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := c.hc.Do(req)
	if err != nil {
		return fmt.Errorf("store request failed: %w", err)
	}
	defer resp.Body.Close()
	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return ErrUnauthorized
	case resp.StatusCode == http.StatusNotFound:
		return ErrNotFound
	case resp.StatusCode == http.StatusBadRequest:
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("%w: %s", ErrRejected, bytes.TrimSpace(msg))
	case resp.StatusCode >= 300:
		return fmt.Errorf("store returned %s", resp.Status)
	}
	if out == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("bad store response: %w", err)
	}
	return nil
}
