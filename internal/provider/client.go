// Package provider calls the external image-generation API. Failures are
// split into transient (retry via queue redelivery) and permanent (fail the
// job) so the worker never has to inspect raw HTTP details.
package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/rs/zerolog"
)

// Request asks for a batch of images matching a filter set.
type Request struct {
	Filters   map[string]string
	BatchSize int
	ModelKey  string
}

// Artifact is one generated image, addressable by URL until fetched.
type Artifact struct {
	URL      string
	Seed     int64
	Prompt   string
	ModelKey string
}

// Generator produces image batches. Implementations must return exactly
// BatchSize artifacts or an error; partial batches are not a success.
type Generator interface {
	GenerateBatch(ctx context.Context, req Request) ([]Artifact, error)
	Fetch(ctx context.Context, url string) ([]byte, error)
}

// ClientOptions configures the HTTP generation client.
type ClientOptions struct {
	BaseURL      string
	APIKey       string
	Timeout      time.Duration
	PollInterval time.Duration
}

// Client is the HTTP Generator implementation.
type Client struct {
	baseURL      string
	apiKey       string
	http         *http.Client
	pollInterval time.Duration
	log          zerolog.Logger
}

// NewClient creates a generation client.
func NewClient(opts ClientOptions, log zerolog.Logger) *Client {
	if opts.Timeout <= 0 {
		opts.Timeout = 60 * time.Second
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = 2 * time.Second
	}
	return &Client{
		baseURL:      opts.BaseURL,
		apiKey:       opts.APIKey,
		http:         &http.Client{Timeout: opts.Timeout},
		pollInterval: opts.PollInterval,
		log:          log.With().Str("component", "provider").Logger(),
	}
}

// GenerateBatch produces req.BatchSize images one call at a time. Any
// per-image failure fails the whole batch; the job contract requires the
// full batch or nothing.
func (c *Client) GenerateBatch(ctx context.Context, req Request) ([]Artifact, error) {
	model := LookupModel(req.ModelKey)
	prompt := BuildPrompt(req.Filters)
	size := ImageSize(req.Filters["aspect_ratio"])

	artifacts := make([]Artifact, 0, req.BatchSize)
	for i := 0; i < req.BatchSize; i++ {
		art, err := c.generateOne(ctx, model, prompt, size)
		if err != nil {
			return nil, err
		}
		artifacts = append(artifacts, art)
	}
	return artifacts, nil
}

type generateResponse struct {
	Images []struct {
		URL  string `json:"url"`
		Seed int64  `json:"seed"`
	} `json:"images"`
	Seed      int64  `json:"seed"`
	RequestID string `json:"request_id"`
	Status    string `json:"status"`
	Error     string `json:"error"`
	Result    *struct {
		Images []struct {
			URL  string `json:"url"`
			Seed int64  `json:"seed"`
		} `json:"images"`
		Seed int64 `json:"seed"`
	} `json:"result"`
}

func (c *Client) generateOne(ctx context.Context, model Model, prompt, size string) (Artifact, error) {
	body := map[string]any{
		"prompt":                prompt,
		"image_size":            size,
		"num_images":            1,
		"enable_safety_checker": true,
		"output_format":         "png",
	}
	for k, v := range model.Params {
		body[k] = v
	}

	var resp generateResponse
	endpoint := fmt.Sprintf("/models/%s/generate", model.ID)
	if err := c.post(ctx, endpoint, body, &resp); err != nil {
		return Artifact{}, err
	}

	// Results come back inline or behind a request id to poll.
	if resp.RequestID != "" && len(resp.Images) == 0 {
		polled, err := c.poll(ctx, resp.RequestID)
		if err != nil {
			return Artifact{}, err
		}
		resp = *polled
	}
	if len(resp.Images) == 0 {
		return Artifact{}, &PermanentError{Reason: "malformed_provider_response"}
	}

	img := resp.Images[0]
	seed := img.Seed
	if seed == 0 {
		seed = resp.Seed
	}
	return Artifact{URL: img.URL, Seed: seed, Prompt: prompt, ModelKey: model.Key}, nil
}

func (c *Client) poll(ctx context.Context, requestID string) (*generateResponse, error) {
	ticker := time.NewTicker(c.pollInterval)
	defer ticker.Stop()

	for {
		var resp generateResponse
		if err := c.get(ctx, "/requests/"+requestID, &resp); err != nil {
			return nil, err
		}
		switch resp.Status {
		case "completed":
			if resp.Result != nil {
				out := generateResponse{Seed: resp.Result.Seed}
				out.Images = resp.Result.Images
				return &out, nil
			}
			return &resp, nil
		case "failed":
			return nil, &PermanentError{Reason: "generation_failed", Err: fmt.Errorf("%s", resp.Error)}
		}

		select {
		case <-ctx.Done():
			return nil, &TransientError{Err: ctx.Err()}
		case <-ticker.C:
		}
	}
}

// Fetch downloads artifact bytes from the provider's result URL.
func (c *Client) Fetch(ctx context.Context, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, &PermanentError{Reason: "invalid_artifact_url", Err: err}
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, &TransientError{Err: err}
	}
	defer resp.Body.Close()
	if err := classifyStatus(resp.StatusCode); err != nil {
		return nil, err
	}
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &TransientError{Err: err}
	}
	return data, nil
}

func (c *Client) post(ctx context.Context, endpoint string, body any, out *generateResponse) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return &PermanentError{Reason: "invalid_request", Err: err}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+endpoint, bytes.NewReader(payload))
	if err != nil {
		return &PermanentError{Reason: "invalid_request", Err: err}
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(req, out)
}

func (c *Client) get(ctx context.Context, endpoint string, out *generateResponse) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+endpoint, nil)
	if err != nil {
		return &PermanentError{Reason: "invalid_request", Err: err}
	}
	return c.do(req, out)
}

func (c *Client) do(req *http.Request, out *generateResponse) error {
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	resp, err := c.http.Do(req)
	if err != nil {
		return &TransientError{Err: err}
	}
	defer resp.Body.Close()
	if err := classifyStatus(resp.StatusCode); err != nil {
		c.log.Warn().Int("status", resp.StatusCode).Str("url", req.URL.Path).Msg("provider request failed")
		return err
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return &PermanentError{Reason: "malformed_provider_response", Err: err}
	}
	return nil
}

func classifyStatus(code int) error {
	switch {
	case code >= 200 && code < 300:
		return nil
	case code == http.StatusTooManyRequests || code == http.StatusRequestTimeout || code >= 500:
		return &TransientError{Err: fmt.Errorf("status %d", code)}
	case code == http.StatusForbidden:
		return &PermanentError{Reason: "content_policy_violation", Err: fmt.Errorf("status %d", code)}
	default:
		return &PermanentError{Reason: "provider_rejected_request", Err: fmt.Errorf("status %d", code)}
	}
}
