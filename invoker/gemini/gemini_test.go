package gemini_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ineyio/tierrouter"
	"github.com/ineyio/tierrouter/invoker/gemini"
)

func TestInvoke_Success(t *testing.T) {
	var got map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/models/gemini-2.0-flash:generateContent", r.URL.Path)
		assert.Empty(t, r.URL.RawQuery)
		assert.Equal(t, "g-key", r.Header.Get(gemini.APIKeyHeader))
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&got))

		_, _ = w.Write([]byte(`{
			"responseId": "resp-1",
			"candidates": [{"content": {"role": "model", "parts": [{"text": "Hel"}, {"text": "lo"}]}, "finishReason": "STOP"}],
			"usageMetadata": {"promptTokenCount": 6, "candidatesTokenCount": 2, "totalTokenCount": 8}
		}`))
	}))
	defer srv.Close()

	c := tierrouter.DeploymentCandidate{
		ID:              "flash",
		Region:          "us-central1",
		Provider:        "gemini",
		Model:           "gemini-2.0-flash",
		Auth:            tierrouter.Auth{APIKey: "g-key"},
		MaxOutputTokens: 64,
	}
	p := tierrouter.Payload{Messages: []tierrouter.Message{
		{Role: "system", Content: "be brief"},
		{Role: "user", Content: "hi"},
		{Role: "assistant", Content: "hello"},
		{Role: "user", Content: "again"},
	}}

	res, err := gemini.New(gemini.WithBaseURL(srv.URL)).Invoke(context.Background(), c, p)
	require.NoError(t, err)
	assert.Equal(t, "resp-1", res.ID)
	assert.Equal(t, "Hello", res.Content)
	assert.Equal(t, "stop", res.FinishReason)
	assert.Equal(t, tierrouter.Usage{InputUnits: 6, OutputUnits: 2}, res.Usage)

	contents := got["contents"].([]any)
	require.Len(t, contents, 3)
	assert.Equal(t, "model", contents[1].(map[string]any)["role"])
	assert.NotNil(t, got["systemInstruction"])
	assert.Equal(t, 64.0, got["generationConfig"].(map[string]any)["maxOutputTokens"])
}

func TestInvoke_SafetyBlock(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"candidates":[{"content":{"parts":[]},"finishReason":"SAFETY"}],"usageMetadata":{"promptTokenCount":4}}`))
	}))
	defer srv.Close()

	res, err := gemini.New(gemini.WithBaseURL(srv.URL)).Invoke(context.Background(), tierrouter.DeploymentCandidate{ID: "m"}, tierrouter.Payload{})
	require.Error(t, err)
	assert.True(t, errors.Is(err, tierrouter.ErrContentPolicy))
	assert.Equal(t, int64(4), res.Usage.InputUnits)
}

func TestInvoke_PromptBlocked(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"promptFeedback":{"blockReason":"OTHER"}}`))
	}))
	defer srv.Close()

	_, err := gemini.New(gemini.WithBaseURL(srv.URL)).Invoke(context.Background(), tierrouter.DeploymentCandidate{ID: "m"}, tierrouter.Payload{})
	assert.True(t, errors.Is(err, tierrouter.ErrContentPolicy))
}

func TestInvoke_StatusMapping(t *testing.T) {
	tests := map[int]error{
		http.StatusTooManyRequests:     tierrouter.ErrRateLimited,
		http.StatusForbidden:           tierrouter.ErrAuthFailed,
		http.StatusGatewayTimeout:      tierrouter.ErrTimeout,
		http.StatusBadRequest:          tierrouter.ErrInvalidRequest,
		http.StatusNotFound:            tierrouter.ErrInvalidRequest,
		http.StatusInternalServerError: tierrouter.ErrDeploymentUnavailable,
	}
	for status, want := range tests {
		t.Run(http.StatusText(status), func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(status)
			}))
			defer srv.Close()

			_, err := gemini.New(gemini.WithBaseURL(srv.URL), gemini.WithAPIKey("k")).
				Invoke(context.Background(), tierrouter.DeploymentCandidate{ID: "m"}, tierrouter.Payload{})
			assert.True(t, errors.Is(err, want), "got %v", err)
		})
	}
}
