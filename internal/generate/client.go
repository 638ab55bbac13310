// Package generate is the HTTP client for the external text-generation
// service. One endpoint, one operation.
package generate

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"github.com/normanking/conductor/internal/logging"
)

// maxErrorBodySize limits how much error response body we read.
const maxErrorBodySize = 1 * 1024 * 1024

// Client calls the generation service. Safe for concurrent use.
type Client struct {
	endpoint string
	client   *http.Client
	log      zerolog.Logger
}

// New creates a generation client. The timeout is the transport ceiling;
// callers pass tighter deadlines via context.
func New(endpoint string, timeout time.Duration) *Client {
	return &Client{
		endpoint: endpoint,
		client:   &http.Client{Timeout: timeout},
		log:      logging.ForComponent("generate"),
	}
}

type generateRequest struct {
	Prompt    string   `json:"prompt"`
	Context   []string `json:"context,omitempty"`
	MaxTokens int      `json:"maxTokens,omitempty"`
}

type generateResponse struct {
	Text string `json:"text"`
}

// Generate produces text for a prompt grounded on the given context blocks.
func (c *Client) Generate(ctx context.Context, prompt string, contextBlocks []string, maxTokens int) (string, error) {
	body, err := json.Marshal(generateRequest{
		Prompt:    prompt,
		Context:   contextBlocks,
		MaxTokens: maxTokens,
	})
	if err != nil {
		return "", fmt.Errorf("failed to encode generate request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint+"/generate", bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("failed to build generate request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	start := time.Now()
	resp, err := c.client.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBodySize))
		return "", fmt.Errorf("generate returned %d: %s", resp.StatusCode, string(b))
	}

	var gr generateResponse
	if err := json.NewDecoder(resp.Body).Decode(&gr); err != nil {
		return "", fmt.Errorf("failed to decode generate response: %w", err)
	}

	c.log.Debug().Dur("took", time.Since(start)).Int("max_tokens", maxTokens).Msg("generation complete")
	return gr.Text, nil
}
