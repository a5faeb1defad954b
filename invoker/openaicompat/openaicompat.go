// Package openaicompat invokes deployments speaking the OpenAI chat
// completions protocol: OpenAI, Azure AI model inference, Together, Ollama
// and others.
package openaicompat

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

// DeploymentHeader selects the deployment on an Azure AI model inference
// endpoint.
const DeploymentHeader = "azureml-model-deployment"

// ProviderAzure is the DeploymentCandidate.Provider value that turns on the
// deployment header.
const ProviderAzure = "azure"

// Client is a universal OpenAI-compatible API adapter.
type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
}

// Option configures the client.
type Option func(*Client)

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(c *http.Client) Option {
	return func(cl *Client) { cl.httpClient = c }
}

// WithBaseURL sets the endpoint used by candidates without their own.
func WithBaseURL(u string) Option {
	return func(cl *Client) { cl.baseURL = strings.TrimRight(u, "/") }
}

// WithAPIKey sets the key used by candidates without their own.
func WithAPIKey(k string) Option {
	return func(cl *Client) { cl.apiKey = k }
}

// New creates a new OpenAI-compatible client.
func New(opts ...Option) *Client {
	c := &Client{httpClient: http.DefaultClient}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

var _ tierrouter.Invoker = (*Client)(nil).Invoke

// apiRequest is the OpenAI chat completion request format.
type apiRequest struct {
	Model       string       `json:"model,omitempty"`
	Messages    []apiMessage `json:"messages"`
	Temperature *float64     `json:"temperature,omitempty"`
	MaxTokens   *int         `json:"max_tokens,omitempty"`
}

type apiMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// apiResponse is the OpenAI chat completion response format.
type apiResponse struct {
	ID      string `json:"id"`
	Model   string `json:"model"`
	Choices []struct {
		Index        int        `json:"index"`
		Message      apiMessage `json:"message"`
		FinishReason string     `json:"finish_reason"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int64 `json:"prompt_tokens"`
		CompletionTokens int64 `json:"completion_tokens"`
		TotalTokens      int64 `json:"total_tokens"`
	} `json:"usage"`
}

// Invoke performs one chat completion against c. It implements
// tierrouter.Invoker.
func (cl *Client) Invoke(ctx context.Context, c tierrouter.DeploymentCandidate, p tierrouter.Payload) (tierrouter.Result, error) {
	httpResp, err := cl.doRequest(ctx, c, buildRequest(c, p))
	if err != nil {
		return tierrouter.Result{}, err
	}
	defer httpResp.Body.Close()

	if err := mapHTTPError(httpResp); err != nil {
		return tierrouter.Result{}, err
	}

	var resp apiResponse
	if err := json.NewDecoder(httpResp.Body).Decode(&resp); err != nil {
		return tierrouter.Result{}, fmt.Errorf("%w: decode response: %v", tierrouter.ErrDeploymentUnavailable, err)
	}

	res := tierrouter.Result{
		ID: resp.ID,
		Usage: tierrouter.Usage{
			InputUnits:  resp.Usage.PromptTokens,
			OutputUnits: resp.Usage.CompletionTokens,
		},
	}
	if len(resp.Choices) == 0 {
		return res, fmt.Errorf("%w: empty choices in response", tierrouter.ErrDeploymentUnavailable)
	}
	res.Content = resp.Choices[0].Message.Content
	res.FinishReason = resp.Choices[0].FinishReason

	// Output filtering still consumes the units reported.
	if res.FinishReason == "content_filter" {
		return res, fmt.Errorf("%w: output filtered", tierrouter.ErrContentPolicy)
	}
	return res, nil
}

func buildRequest(c tierrouter.DeploymentCandidate, p tierrouter.Payload) apiRequest {
	msgs := make([]apiMessage, len(p.Messages))
	for i, m := range p.Messages {
		msgs[i] = apiMessage{Role: m.Role, Content: m.Content}
	}
	req := apiRequest{Model: c.Model, Messages: msgs}
	if c.MaxOutputTokens > 0 {
		req.MaxTokens = &c.MaxOutputTokens
	}
	if c.Temperature > 0 {
		req.Temperature = tierrouter.Float64Ptr(c.Temperature)
	}
	return req
}

func (cl *Client) doRequest(ctx context.Context, c tierrouter.DeploymentCandidate, body apiRequest) (*http.Response, error) {
	jsonBody, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("%w: marshal request: %v", tierrouter.ErrInvalidRequest, err)
	}

	base := strings.TrimRight(c.Endpoint, "/")
	if base == "" {
		base = cl.baseURL
	}
	if base == "" {
		return nil, fmt.Errorf("%w: deployment %s has no endpoint", tierrouter.ErrInvalidRequest, c.Key())
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, base+"/chat/completions", bytes.NewReader(jsonBody))
	if err != nil {
		return nil, fmt.Errorf("%w: create request: %v", tierrouter.ErrInvalidRequest, err)
	}

	key := c.Auth.APIKey
	if key == "" {
		key = cl.apiKey
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if key != "" {
		httpReq.Header.Set("Authorization", "Bearer "+key)
	}
	if c.Provider == ProviderAzure {
		httpReq.Header.Set(DeploymentHeader, c.ID)
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

	// Read body for error context, but don't fail if we can't.
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
	msg := strings.TrimSpace(string(body))

	switch resp.StatusCode {
	case http.StatusTooManyRequests:
		return tierrouter.ErrRateLimited
	case http.StatusUnauthorized, http.StatusForbidden:
		return tierrouter.ErrAuthFailed
	case http.StatusRequestTimeout, http.StatusGatewayTimeout:
		return tierrouter.ErrTimeout
	case http.StatusBadRequest, http.StatusUnprocessableEntity:
		if strings.Contains(msg, "content_filter") || strings.Contains(msg, "content_policy") {
			return fmt.Errorf("%w: %s", tierrouter.ErrContentPolicy, msg)
		}
		return fmt.Errorf("%w: %s", tierrouter.ErrInvalidRequest, msg)
	default:
		return fmt.Errorf("%w: status %d", tierrouter.ErrDeploymentUnavailable, resp.StatusCode)
	}
}
