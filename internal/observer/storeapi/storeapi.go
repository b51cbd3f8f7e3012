// Package storeapi is the observer-side HTTP client for the presence
// store: full record listing for polls and profile lookups for event
// enrichment.
package storeapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"nuha.dev/presence/internal/presence"
	"nuha.dev/presence/internal/storesrv"
)

var ErrNotFound = errors.New("not found")

type Config struct {
	BaseURL string
	Token   string
	Timeout time.Duration
}

type Client struct {
	conf   Config
	hc     *http.Client
	logger zerolog.Logger
}

func New(conf Config) *Client {
	if conf.Timeout == 0 {
		conf.Timeout = 15 * time.Second
	}
	c := &Client{conf: conf}
	c.hc = &http.Client{Timeout: conf.Timeout}
	c.logger = log.With().Str("module", "storeapi").Logger()
	return c
}

// List fetches the full record set plus the server clock, so staleness
// is judged against the store's notion of now rather than ours.
func (c *Client) List(ctx context.Context) ([]presence.Record, time.Time, error) {
	var out storesrv.ListResponse
	if err := c.get(ctx, "/v1/presence", &out); err != nil {
		return nil, time.Time{}, err
	}
	return out.Records, out.Now, nil
}

func (c *Client) Profile(ctx context.Context, userID string) (*storesrv.Profile, error) {
	p := &storesrv.Profile{}
	if err := c.get(ctx, "/v1/profile/"+userID, p); err != nil {
		return nil, err
	}
	return p, nil
}

func (c *Client) get(ctx context.Context, path string, out interface{}) error {
	ctx, cancel := context.WithTimeout(ctx, c.conf.Timeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.conf.BaseURL+path, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+c.conf.Token)
	resp, err := c.hc.Do(req)
	if err != nil {
		return fmt.Errorf("store request failed: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusNotFound {
		return ErrNotFound
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("store returned %s", resp.Status)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("bad store response: %w", err)
	}
	return nil
}
