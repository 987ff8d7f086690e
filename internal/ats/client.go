package ats

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"
)

// DefaultTimeout bounds one vendor call. The ATS endpoints assemble the
// whole dataset server-side before responding, so this is deliberately long.
const DefaultTimeout = 120 * time.Second

// Client fetches raw XML payloads from the ATS endpoints with basic auth.
// It does no parsing; see ParseLocations/ParseTransmissions.
type Client struct {
	http *http.Client
	log  *slog.Logger
}

func NewClient(timeout time.Duration, log *slog.Logger) *Client {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Client{
		http: &http.Client{Timeout: timeout},
		log:  log,
	}
}

// FetchDataPoints fetches the raw data-points payload for an integration.
func (c *Client) FetchDataPoints(ctx context.Context, integrationID, endpoint, username, password string) ([]byte, error) {
	c.log.Info("fetching data points",
		slog.String("integration_id", integrationID), slog.String("endpoint", endpoint))
	return c.fetch(ctx, endpoint, username, password)
}

// FetchTransmissions fetches the raw transmissions payload for an integration.
func (c *Client) FetchTransmissions(ctx context.Context, integrationID, endpoint, username, password string) ([]byte, error) {
	c.log.Info("fetching transmissions",
		slog.String("integration_id", integrationID), slog.String("endpoint", endpoint))
	return c.fetch(ctx, endpoint, username, password)
}

func (c *Client) fetch(ctx context.Context, endpoint, username, password string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("building request for %s: %w", endpoint, err)
	}
	req.SetBasicAuth(username, password)

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetching %s: %w", endpoint, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, &StatusError{URL: endpoint, StatusCode: resp.StatusCode}
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("reading response from %s: %w", endpoint, err)
	}
	return body, nil
}
