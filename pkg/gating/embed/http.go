package embed

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// HTTPClient calls an out-of-process embedding service over HTTP. It
// implements Client against a service exposing POST {base}/embed_batch,
// accepting {"texts": [...]} and returning {"vectors": [[...]]}; Embed
// sends a one-text batch to the same endpoint.
type HTTPClient struct {
	baseURL string
	dim     int
	hc      *http.Client
}

// NewHTTPClient returns an HTTPClient for the embedding service at baseURL.
// dim is the vector dimension the service is known to produce; it is not
// validated against the service's response: only the number of vectors
// returned is checked, not their length.
func NewHTTPClient(baseURL string, dim int) *HTTPClient {
	return &HTTPClient{
		baseURL: baseURL,
		dim:     dim,
		hc:      &http.Client{Timeout: 10 * time.Second},
	}
}

// Dimension implements Client.
func (c *HTTPClient) Dimension() int { return c.dim }

// Embed implements Client.
func (c *HTTPClient) Embed(ctx context.Context, text string) ([]float32, error) {
	vecs, err := c.EmbedBatch(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return vecs[0], nil
}

type embedRequest struct {
	Texts []string `json:"texts"`
}

type embedResponse struct {
	Vectors [][]float32 `json:"vectors"`
}

// EmbedBatch implements Client.
func (c *HTTPClient) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	body, err := json.Marshal(embedRequest{Texts: texts})
	if err != nil {
		return nil, fmt.Errorf("embed: marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/embed_batch", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("embed: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.hc.Do(req)
	if err != nil {
		return nil, fmt.Errorf("embed: request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("embed: service returned status %d", resp.StatusCode)
	}

	var out embedResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("embed: decode response: %w", err)
	}
	if len(out.Vectors) != len(texts) {
		return nil, fmt.Errorf("embed: expected %d vectors, got %d", len(texts), len(out.Vectors))
	}
	return out.Vectors, nil
}
