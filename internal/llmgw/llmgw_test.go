package llmgw

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/skeinframe/graphrag/internal/ratelimit"
)

func TestCompleteReturnsResponseText(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewEncoder(w).Encode(completionResponse{Response: "hello"}))
	}))
	defer srv.Close()

	c := New(srv.URL, "test-model", ratelimit.NewRegistry(1000, 10))
	out, err := c.Complete(context.Background(), "", "hi", 0.0)
	require.NoError(t, err)
	require.Equal(t, "hello", out)
}

func TestCompleteJSONExtractsEmbeddedObject(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewEncoder(w).Encode(completionResponse{
			Response: "Sure, here is the result:\n```json\n{\"entities\":[\"Fabrikam\"]}\n```\nLet me know if needed.",
		}))
	}))
	defer srv.Close()

	c := New(srv.URL, "test-model", ratelimit.NewRegistry(1000, 10))
	var out struct {
		Entities []string `json:"entities"`
	}
	require.NoError(t, c.CompleteJSON(context.Background(), "", "extract", &out))
	require.Equal(t, []string{"Fabrikam"}, out.Entities)
}

func TestCompleteJSONMalformedIsProviderError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewEncoder(w).Encode(completionResponse{Response: "not json at all"}))
	}))
	defer srv.Close()

	c := New(srv.URL, "test-model", ratelimit.NewRegistry(1000, 10))
	var out map[string]any
	err := c.CompleteJSON(context.Background(), "", "extract", &out)
	require.Error(t, err)
}
