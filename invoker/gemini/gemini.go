// Package gemini invokes deployments speaking the Gemini generateContent API.
package gemini

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/ineyio/tierrouter"
)

const defaultBaseURL = "https://generativelanguage.googleapis.com/v1beta"

// APIKeyHeader carries the key; it keeps the key out of URLs and logs.
const APIKeyHeader = "x-goog-api-key"

// Client is the Gemini API adapter.
type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
}

// Option configures the client.
type Option func(*Client)

// WithBaseURL sets the endpoint used by candidates without their own.
func WithBaseURL(url string) Option {
	return func(c *Client) { c.baseURL = strings.TrimRight(url, "/") }
}

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// WithAPIKey sets the key used by candidates without their own.
func WithAPIKey(k string) Option {
	return func(c *Client) { c.apiKey = k }
}

// New creates a Gemini client.
func New(opts ...Option) *Client {
	c := &Client{
		baseURL:    defaultBaseURL,
		httpClient: http.DefaultClient,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

var _ tierrouter.Invoker = (*Client)(nil).Invoke

type generateRequest struct {
	Contents          []content         `json:"contents"`
	SystemInstruction *content          `json:"systemInstruction,omitempty"`
	GenerationConfig  *generationConfig `json:"generationConfig,omitempty"`
}

type content struct {
	Role  string `json:"role,omitempty"`
	Parts []part `json:"parts"`
}

type part struct {
	Text string `json:"text"`
}

type generationConfig struct {
	Temperature     *float64 `json:"temperature,omitempty"`
	MaxOutputTokens *int     `json:"maxOutputTokens,omitempty"`
}

type generateResponse struct {
	ResponseID string `json:"responseId"`
	Candidates []struct {
		Content      content `json:"content"`
		FinishReason string  `json:"finishReason"`
	} `json:"candidates"`
	PromptFeedback struct {
		BlockReason string `json:"blockReason"`
	} `json:"promptFeedback"`
	UsageMetadata struct {
		PromptTokenCount     int64 `json:"promptTokenCount"`
		CandidatesTokenCount int64 `json:"candidatesTokenCount"`
		TotalTokenCount      int64 `json:"totalTokenCount"`
	} `json:"usageMetadata"`
}

// Invoke performs one generateContent call against c. It implements
// tierrouter.Invoker.
func (cl *Client) Invoke(ctx context.Context, c tierrouter.DeploymentCandidate, p tierrouter.Payload) (tierrouter.Result, error) {
	model := c.Model
	if model == "" {
		model = c.ID
	}
	base := strings.TrimRight(c.Endpoint, "/")
	if base == "" {
		base = cl.baseURL
	}
	url := fmt.Sprintf("%s/models/%s:generateContent", base, model)

	httpResp, err := cl.doRequest(ctx, c, url, buildRequest(c, p))
	if err != nil {
		return tierrouter.Result{}, err
	}
	defer httpResp.Body.Close()

	if err := mapHTTPError(httpResp); err != nil {
		return tierrouter.Result{}, err
	}

	var resp generateResponse
	if err := json.NewDecoder(httpResp.Body).Decode(&resp); err != nil {
		return tierrouter.Result{}, fmt.Errorf("%w: decode gemini response: %v", tierrouter.ErrDeploymentUnavailable, err)
	}

	res := tierrouter.Result{
		ID: resp.ResponseID,
		Usage: tierrouter.Usage{
			InputUnits:  resp.UsageMetadata.PromptTokenCount,
			OutputUnits: resp.UsageMetadata.CandidatesTokenCount,
		},
	}
	if r := resp.PromptFeedback.BlockReason; r != "" {
		return res, fmt.Errorf("%w: prompt blocked: %s", tierrouter.ErrContentPolicy, r)
	}
	if len(resp.Candidates) == 0 {
		return res, fmt.Errorf("%w: empty candidates in gemini response", tierrouter.ErrDeploymentUnavailable)
	}

	cand := resp.Candidates[0]
	var text strings.Builder
	for _, pt := range cand.Content.Parts {
		text.WriteString(pt.Text)
	}
	res.Content = text.String()
	res.FinishReason = strings.ToLower(cand.FinishReason)

	switch cand.FinishReason {
	case "SAFETY", "PROHIBITED_CONTENT", "BLOCKLIST", "SPII":
		return res, fmt.Errorf("%w: output blocked: %s", tierrouter.ErrContentPolicy, cand.FinishReason)
	}
	return res, nil
}

func buildRequest(c tierrouter.DeploymentCandidate, p tierrouter.Payload) generateRequest {
	var req generateRequest
	for _, m := range p.Messages {
		switch m.Role {
		case "system":
			if req.SystemInstruction == nil {
				req.SystemInstruction = &content{}
			}
			req.SystemInstruction.Parts = append(req.SystemInstruction.Parts, part{Text: m.Content})
			continue
		case "assistant":
			m.Role = "model"
		}
		req.Contents = append(req.Contents, content{Role: m.Role, Parts: []part{{Text: m.Content}}})
	}

	if c.MaxOutputTokens > 0 || c.Temperature > 0 {
		req.GenerationConfig = &generationConfig{}
		if c.MaxOutputTokens > 0 {
			req.GenerationConfig.MaxOutputTokens = &c.MaxOutputTokens
		}
		if c.Temperature > 0 {
			req.GenerationConfig.Temperature = tierrouter.Float64Ptr(c.Temperature)
		}
	}
	return req
}

func (cl *Client) doRequest(ctx context.Context, c tierrouter.DeploymentCandidate, url string, body generateRequest) (*http.Response, error) {
	jsonBody, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("%w: marshal gemini request: %v", tierrouter.ErrInvalidRequest, err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(jsonBody))
	if err != nil {
		return nil, fmt.Errorf("%w: create gemini request: %v", tierrouter.ErrInvalidRequest, err)
	}

	key := c.Auth.APIKey
	if key == "" {
		key = cl.apiKey
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if key != "" {
		httpReq.Header.Set(APIKeyHeader, key)
	}

	resp, err := cl.httpClient.Do(httpReq)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		return nil, fmt.Errorf("%w: %v", tierrouter.ErrDeploymentUnavailable, err)
	}
	return resp, nil
}

func mapHTTPError(resp *http.Response) error {
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}

	body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
	msg := strings.TrimSpace(string(body))

	switch resp.StatusCode {
	case http.StatusTooManyRequests:
		return tierrouter.ErrRateLimited
	case http.StatusUnauthorized, http.StatusForbidden:
		return tierrouter.ErrAuthFailed
	case http.StatusGatewayTimeout:
		return tierrouter.ErrTimeout
	case http.StatusBadRequest, http.StatusNotFound:
		return fmt.Errorf("%w: %s", tierrouter.ErrInvalidRequest, msg)
	default:
		return fmt.Errorf("%w: status %d", tierrouter.ErrDeploymentUnavailable, resp.StatusCode)
	}
}
