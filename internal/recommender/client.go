// Package recommender asks the pool analytics service for the optimal
// fallback pool given a user location. The recommendation is advisory:
// every failure mode degrades to "no recommendation".
package recommender

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/sazuyakun/Project-Aegis/internal/queue"
	"github.com/sazuyakun/Project-Aegis/internal/retry"
)

// DefaultTimeout for recommendation requests.
const DefaultTimeout = 10 * time.Second

// Transport errors are retried this many times before the caller falls
// back to the request's preferred pool.
const maxAttempts = 3

// Client calls the recommender's findOptimalPool endpoint.
type Client struct {
	baseURL string
	client  *http.Client
}

// New creates a recommender client. A zero timeout uses DefaultTimeout.
func New(baseURL string, timeout time.Duration) *Client {
	if timeout == 0 {
		timeout = DefaultTimeout
	}
	return &Client{
		baseURL: baseURL,
		client: &http.Client{
			Timeout: timeout,
		},
	}
}

type optimalPoolRequest struct {
	UserGeoLocation queue.GeoLocation `json:"userGeoLocation"`
}

type optimalPoolResponse struct {
	OptimalPoolID string `json:"optimalPoolId"`
	Error         string `json:"error,omitempty"`
	Message       string `json:"message,omitempty"`
}

// OptimalPool returns the recommended pool id for a location, or "" if
// the service has no recommendation. Transport failures and 5xx
// responses are retried; a 4xx is not.
func (c *Client) OptimalPool(ctx context.Context, geo queue.GeoLocation) (string, error) {
	body, err := json.Marshal(optimalPoolRequest{UserGeoLocation: geo})
	if err != nil {
		return "", fmt.Errorf("failed to marshal request: %w", err)
	}

	var poolID string
	retryErr := retry.Do(ctx, maxAttempts, 200*time.Millisecond, func() error {
		id, err := c.findOptimalPool(ctx, body)
		if err != nil {
			return err
		}
		poolID = id
		return nil
	})
	return poolID, retryErr
}

func (c *Client) findOptimalPool(ctx context.Context, body []byte) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.baseURL+"/findOptimalPool", bytes.NewReader(body))
	if err != nil {
		return "", retry.Permanent(fmt.Errorf("failed to create request: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("failed to query recommender: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		err = fmt.Errorf("recommender returned status %d", resp.StatusCode)
		if resp.StatusCode >= 400 && resp.StatusCode < 500 {
			return "", retry.Permanent(err)
		}
		return "", err
	}

	var result optimalPoolResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return "", fmt.Errorf("failed to decode recommender response: %w", err)
	}
	return result.OptimalPoolID, nil
}
