package audit

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHTTPBackend_SubmitBatch(t *testing.T) {
	var got submitBatchRequest
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/v1/audit/batches", r.URL.Path)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		json.NewEncoder(w).Encode(submitBatchResponse{EntryHashes: []string{"h1", "h2"}})
	}))
	defer server.Close()

	backend := NewHTTPBackend(HTTPBackendConfig{URL: server.URL})
	entries := []*Entry{{EntryID: "e1"}, {EntryID: "e2"}}
	hashes, err := backend.SubmitBatch(context.Background(), "b1", entries, "sha256:const")
	require.NoError(t, err)
	assert.Equal(t, []string{"h1", "h2"}, hashes)
	assert.Equal(t, "b1", got.BatchID)
	assert.Equal(t, "sha256:const", got.ConstitutionalHash)
	assert.Len(t, got.Entries, 2)
}

func TestHTTPBackend_SubmitBatchTooManyHashes(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(submitBatchResponse{EntryHashes: []string{"h1", "h2", "h3"}})
	}))
	defer server.Close()

	backend := NewHTTPBackend(HTTPBackendConfig{URL: server.URL})
	_, err := backend.SubmitBatch(context.Background(), "b1", []*Entry{{EntryID: "e1"}}, "")
	assert.Error(t, err)
}

func TestHTTPBackend_SubmitEntry(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/v1/audit/entries", r.URL.Path)
		json.NewEncoder(w).Encode(submitEntryResponse{EntryHash: "h-single"})
	}))
	defer server.Close()

	backend := NewHTTPBackend(HTTPBackendConfig{URL: server.URL})
	hash, err := backend.SubmitEntry(context.Background(), &Entry{EntryID: "e1"})
	require.NoError(t, err)
	assert.Equal(t, "h-single", hash)
}

func TestHTTPBackend_ServerError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "unavailable", http.StatusServiceUnavailable)
	}))
	defer server.Close()

	backend := NewHTTPBackend(HTTPBackendConfig{URL: server.URL})
	_, err := backend.SubmitBatch(context.Background(), "b1", []*Entry{{EntryID: "e1"}}, "")
	assert.Error(t, err)

	assert.Error(t, backend.Health(context.Background()))
}

func TestHTTPBackend_Health(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/v1/audit/health", r.URL.Path)
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	backend := NewHTTPBackend(HTTPBackendConfig{URL: server.URL})
	assert.NoError(t, backend.Health(context.Background()))
}
