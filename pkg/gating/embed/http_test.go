package embed

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestHTTPClient_EmbedBatch(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/embed_batch", r.URL.Path)

		var req embedRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))

		vecs := make([][]float32, len(req.Texts))
		for i := range req.Texts {
			vecs[i] = []float32{1, 0, 0}
		}
		w.Header().Set("Content-Type", "application/json")
		require.NoError(t, json.NewEncoder(w).Encode(embedResponse{Vectors: vecs}))
	}))
	defer srv.Close()

	client := NewHTTPClient(srv.URL, 3)
	vecs, err := client.EmbedBatch(context.Background(), []string{"a", "b"})
	require.NoError(t, err)
	require.Len(t, vecs, 2)
	require.Equal(t, []float32{1, 0, 0}, vecs[0])
}

func TestHTTPClient_Embed_SingleText(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		require.NoError(t, json.NewEncoder(w).Encode(embedResponse{Vectors: [][]float32{{0.1, 0.2}}}))
	}))
	defer srv.Close()

	client := NewHTTPClient(srv.URL, 2)
	vec, err := client.Embed(context.Background(), "hello")
	require.NoError(t, err)
	require.Equal(t, []float32{0.1, 0.2}, vec)
}

func TestHTTPClient_NonOKStatus(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	client := NewHTTPClient(srv.URL, 2)
	_, err := client.Embed(context.Background(), "hello")
	require.Error(t, err)
}

func TestHTTPClient_MismatchedVectorCount(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		require.NoError(t, json.NewEncoder(w).Encode(embedResponse{Vectors: [][]float32{{0.1, 0.2}}}))
	}))
	defer srv.Close()

	client := NewHTTPClient(srv.URL, 2)
	_, err := client.EmbedBatch(context.Background(), []string{"a", "b"})
	require.Error(t, err)
}

var _ Client = (*FakeEmbeddingClient)(nil)
var _ Client = (*HTTPClient)(nil)
