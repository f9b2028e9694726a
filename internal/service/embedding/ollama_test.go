package embedding

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newOllamaServer(t *testing.T, dims int) (*httptest.Server, *atomic.Int64) {
	t.Helper()
	var calls atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		require.Equal(t, "/api/embeddings", r.URL.Path)

		var req ollamaEmbedRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		require.NotEmpty(t, req.Prompt)

		vec := make([]float32, dims)
		vec[0] = float32(len(req.Prompt))
		_ = json.NewEncoder(w).Encode(ollamaEmbedResponse{Embedding: vec})
	}))
	t.Cleanup(srv.Close)
	return srv, &calls
}

func TestOllamaEmbed(t *testing.T) {
	srv, _ := newOllamaServer(t, 4)
	p := NewOllamaProvider(srv.URL, "mxbai-embed-large", 4)

	vec, err := p.Embed(context.Background(), "find a database agent")
	require.NoError(t, err)
	assert.Len(t, vec.Slice(), 4)
	assert.Equal(t, 4, p.Dimensions())
}

func TestOllamaEmbedBatch(t *testing.T) {
	srv, calls := newOllamaServer(t, 4)
	p := NewOllamaProvider(srv.URL, "mxbai-embed-large", 4)

	texts := []string{"one", "two longer", "three even longer"}
	vecs, err := p.EmbedBatch(context.Background(), texts)
	require.NoError(t, err)
	require.Len(t, vecs, 3)
	assert.Equal(t, int64(3), calls.Load())

	// Results come back in input order.
	for i, text := range texts {
		assert.InDelta(t, float32(len(text)), vecs[i].Slice()[0], 1e-6)
	}
}

func TestOllamaServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "model not loaded", http.StatusInternalServerError)
	}))
	t.Cleanup(srv.Close)

	p := NewOllamaProvider(srv.URL, "mxbai-embed-large", 4)
	_, err := p.Embed(context.Background(), "query")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "status 500")
}

func TestOllamaEmptyEmbedding(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_ = json.NewEncoder(w).Encode(ollamaEmbedResponse{})
	}))
	t.Cleanup(srv.Close)

	p := NewOllamaProvider(srv.URL, "mxbai-embed-large", 4)
	_, err := p.Embed(context.Background(), "query")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "empty embedding")
}

func TestNewFromSettings(t *testing.T) {
	p, err := NewFromSettings("noop", "", "", "", "", 8)
	require.NoError(t, err)
	assert.IsType(t, &NoopProvider{}, p)

	p, err = NewFromSettings("auto", "sk-test", "text-embedding-3-small", "", "", 8)
	require.NoError(t, err)
	assert.IsType(t, &OpenAIProvider{}, p)

	p, err = NewFromSettings("auto", "", "", "http://localhost:11434", "mxbai-embed-large", 8)
	require.NoError(t, err)
	assert.IsType(t, &OllamaProvider{}, p)

	_, err = NewFromSettings("openai", "", "", "", "", 8)
	require.Error(t, err)

	_, err = NewFromSettings("bogus", "", "", "", "", 8)
	require.Error(t, err)
}
