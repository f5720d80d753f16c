// Package story talks to the external story-generation service and applies
// its results to a room.
package story

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

const serviceTokenHeader = "X-Service-Token"

type GenerateRequest struct {
	StationId   int              `json:"station_id"`
	StationName string           `json:"station_name"`
	StationLine string           `json:"station_line"`
	Phase       int              `json:"phase"`
	Summary     string           `json:"summary"`
	Messages    []MessageExcerpt `json:"messages"`
	Characters  []CharacterState `json:"characters"`
}

type MessageExcerpt struct {
	Speaker string `json:"speaker"`
	Text    string `json:"text"`
}

type CharacterState struct {
	Name   string `json:"name"`
	Hp     int    `json:"hp"`
	Sanity int    `json:"sanity"`
}

type GenerateResponse struct {
	Narrative string      `json:"narrative"`
	Summary   string      `json:"summary"`
	Deltas    []StatDelta `json:"deltas"`
}

type StatDelta struct {
	CharacterName string `json:"character_name"`
	HpChange      int    `json:"hp_change"`
	SanityChange  int    `json:"sanity_change"`
}

// HTTPClient calls the story service over HTTP with a static shared-secret
// header. Generation is slow, so the transport timeout is minutes-scale and
// the per-call deadline comes from the caller's context.
type HTTPClient struct {
	httpClient *http.Client
	baseURL    string
	token      string
}

func NewHTTPClient(baseURL, token string, timeout time.Duration) *HTTPClient {
	return &HTTPClient{
		httpClient: &http.Client{Timeout: timeout},
		baseURL:    baseURL,
		token:      token,
	}
}

func (c *HTTPClient) Generate(ctx context.Context, genReq GenerateRequest) (*GenerateResponse, error) {
	body, err := json.Marshal(genReq)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/generate", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(serviceTokenHeader, c.token)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("story service request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		// Drain a little of the body for the log line without trusting it.
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("story service returned %d: %s", resp.StatusCode, msg)
	}

	var genResp GenerateResponse
	if err := json.NewDecoder(resp.Body).Decode(&genResp); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}

	return &genResp, nil
}
