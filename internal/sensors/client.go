// Package sensors is the client for the downstream observation-ingestion
// API. Batches are posted as JSON; transport failures are classified so
// the pipeline's retry policy can tell transient errors from bad requests.
package sensors

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/PADAS/gundi-integration-ats-v2/internal/ats"
)

const requestTimeout = 30 * time.Second

type Client struct {
	http    *http.Client
	baseURL string
	apiKey  string
}

func NewClient(baseURL, apiKey string) *Client {
	return &Client{
		http:    &http.Client{Timeout: requestTimeout},
		baseURL: baseURL,
		apiKey:  apiKey,
	}
}

// PostObservations sends one batch of observations for an integration.
func (c *Client) PostObservations(ctx context.Context, integrationID string, observations any) error {
	payload, err := json.Marshal(observations)
	if err != nil {
		return fmt.Errorf("encoding observations: %w", err)
	}

	url := c.baseURL + "/v2/observations"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("building request for %s: %w", url, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("X-Integration-ID", integrationID)

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("posting observations: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return &ats.StatusError{URL: url, StatusCode: resp.StatusCode}
	}
	return nil
}
