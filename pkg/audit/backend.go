package audit

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// Backend is the boundary to the remote audit store. SubmitBatch reports
// partial success by returning fewer hashes than entries submitted; the
// accepted prefix is identified by the returned hashes, not by per-entry
// error codes.
type Backend interface {
	SubmitEntry(ctx context.Context, entry *Entry) (entryHash string, err error)
	SubmitBatch(ctx context.Context, batchID string, entries []*Entry, constitutionalHash string) (entryHashes []string, err error)
	Health(ctx context.Context) error
}

const defaultBackendTimeout = 10 * time.Second

// HTTPBackendConfig configures the HTTP audit backend adapter.
type HTTPBackendConfig struct {
	URL     string        `yaml:"url" json:"url"`
	Timeout time.Duration `yaml:"timeout" json:"timeout,omitempty"`
}

// HTTPBackend submits entries to a remote audit service over HTTP.
type HTTPBackend struct {
	config HTTPBackendConfig
	client *http.Client
}

// NewHTTPBackend creates the adapter.
func NewHTTPBackend(cfg HTTPBackendConfig) *HTTPBackend {
	if cfg.Timeout == 0 {
		cfg.Timeout = defaultBackendTimeout
	}
	return &HTTPBackend{
		config: cfg,
		client: &http.Client{Timeout: cfg.Timeout},
	}
}

type submitEntryResponse struct {
	EntryHash string `json:"entry_hash"`
}

type submitBatchRequest struct {
	BatchID            string   `json:"batch_id"`
	Entries            []*Entry `json:"entries"`
	ConstitutionalHash string   `json:"constitutional_hash"`
}

type submitBatchResponse struct {
	EntryHashes []string `json:"entry_hashes"`
}

func (b *HTTPBackend) SubmitEntry(ctx context.Context, entry *Entry) (string, error) {
	var out submitEntryResponse
	if err := b.post(ctx, "/v1/audit/entries", entry, &out); err != nil {
		return "", err
	}
	return out.EntryHash, nil
}

func (b *HTTPBackend) SubmitBatch(ctx context.Context, batchID string, entries []*Entry, constitutionalHash string) ([]string, error) {
	req := submitBatchRequest{
		BatchID:            batchID,
		Entries:            entries,
		ConstitutionalHash: constitutionalHash,
	}
	var out submitBatchResponse
	if err := b.post(ctx, "/v1/audit/batches", req, &out); err != nil {
		return nil, err
	}
	if len(out.EntryHashes) > len(entries) {
		return nil, fmt.Errorf("audit: backend returned %d hashes for %d entries", len(out.EntryHashes), len(entries))
	}
	return out.EntryHashes, nil
}

func (b *HTTPBackend) Health(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, b.config.URL+"/v1/audit/health", nil)
	if err != nil {
		return err
	}
	resp, err := b.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("audit: health returned HTTP %d", resp.StatusCode)
	}
	return nil
}

func (b *HTTPBackend) post(ctx context.Context, path string, in, out any) error {
	payload, err := json.Marshal(in)
	if err != nil {
		return fmt.Errorf("audit: marshal request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, b.config.URL+path, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := b.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("audit: backend returned HTTP %d", resp.StatusCode)
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	return json.Unmarshal(body, out)
}
