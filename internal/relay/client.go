package relay

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"tipstream/internal/models"

	"github.com/sirupsen/logrus"
)

// Client talks to relay endpoints over HTTP. One client serves every
// relay: the primary URL is the default target, and any other relay is
// addressed per call via QueryOptions.RelayURL.
type Client struct {
	mu         sync.RWMutex
	primaryURL string
	httpClient *http.Client
	logger     *logrus.Logger
}

// QueryOptions carries per-call overrides for Query.
type QueryOptions struct {
	RelayURL string // empty means the primary relay
}

// queryRequest is the wire form of a relay query.
type queryRequest struct {
	Filter models.RecordFilter `json:"filter"`
}

// queryResponse is the wire form of a relay query result.
type queryResponse struct {
	Records []models.Record `json:"records"`
}

// NewClient creates a relay client targeting the given primary relay.
// The HTTP timeout is a backstop only; callers bound individual
// requests with their own context deadlines.
func NewClient(primaryURL string) *Client {
	logger := logrus.New()
	logger.SetFormatter(&logrus.JSONFormatter{})

	c := &Client{
		primaryURL: strings.TrimRight(primaryURL, "/"),
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
		logger: logger,
	}

	c.logger.WithField("primaryURL", c.primaryURL).Info("Relay client initialized")
	return c
}

// PrimaryURL returns the current primary relay URL.
func (c *Client) PrimaryURL() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.primaryURL
}

// SetPrimaryURL swaps the primary relay. Called on configuration
// reload; in-flight requests keep the URL they resolved at start.
func (c *Client) SetPrimaryURL(url string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.primaryURL = strings.TrimRight(url, "/")
}

func (c *Client) resolveURL(opts QueryOptions) string {
	if opts.RelayURL != "" {
		return strings.TrimRight(opts.RelayURL, "/")
	}
	return c.PrimaryURL()
}

// Query executes one filter against one relay and returns the decoded
// records. Records missing an id are dropped at the boundary; the
// caller never sees them.
func (c *Client) Query(ctx context.Context, filter models.RecordFilter, opts QueryOptions) ([]models.Record, error) {
	relayURL := c.resolveURL(opts)
	if relayURL == "" {
		return nil, fmt.Errorf("no relay URL configured")
	}
	url := fmt.Sprintf("%s/query", relayURL)

	jsonData, err := json.Marshal(queryRequest{Filter: filter})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal query: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, "POST", url, bytes.NewBuffer(jsonData))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("query request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("query failed: status=%d, body=%s", resp.StatusCode, string(body))
	}

	var result queryResponse
	if err := json.Unmarshal(body, &result); err != nil {
		return nil, fmt.Errorf("failed to parse response: %w", err)
	}

	records := make([]models.Record, 0, len(result.Records))
	dropped := 0
	for _, r := range result.Records {
		if r.ID == "" {
			dropped++
			continue
		}
		records = append(records, r)
	}

	c.logger.WithFields(logrus.Fields{
		"relay":       relayURL,
		"returned":    len(records),
		"dropped":     dropped,
		"limit":       filter.Limit,
		"duration_ms": time.Since(start).Milliseconds(),
	}).Info("Relay query completed")

	return records, nil
}

// Publish transmits a pre-signed record payload to one relay. The
// payload is opaque here: it was validated and signed before it was
// handed to the delivery worker.
func (c *Client) Publish(ctx context.Context, relayURL, payload string) error {
	relayURL = strings.TrimRight(relayURL, "/")
	if relayURL == "" {
		return fmt.Errorf("no relay URL given")
	}
	url := fmt.Sprintf("%s/publish", relayURL)

	req, err := http.NewRequestWithContext(ctx, "POST", url, bytes.NewBufferString(payload))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("publish request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("publish rejected: status=%d, body=%s", resp.StatusCode, string(body))
	}

	c.logger.WithFields(logrus.Fields{
		"relay":        relayURL,
		"payload_size": len(payload),
	}).Info("Publish accepted")

	return nil
}
