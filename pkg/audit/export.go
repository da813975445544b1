package audit

import (
	"archive/zip"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/Veridian-Labs/aegis/core/pkg/canonicalize"
)

var (
	// ErrInvalidTimeRange is returned when start time is after end time.
	ErrInvalidTimeRange = errors.New("audit: start_time must be before end_time")
	// ErrArchiveNotConfigured is returned when export is invoked without a
	// backing archive.
	ErrArchiveNotConfigured = errors.New("audit: archive not configured (fail-closed)")
)

// ObjectSink stores a generated evidence pack in durable object storage.
type ObjectSink interface {
	Put(ctx context.Context, key string, data []byte) (url string, err error)
}

// ExportRequest bounds what an evidence pack contains.
type ExportRequest struct {
	StartTime time.Time `json:"start_time"`
	EndTime   time.Time `json:"end_time"`
	Limit     int       `json:"limit"`
}

// EvidencePack describes one generated export.
type EvidencePack struct {
	GeneratedAt time.Time `json:"generated_at"`
	Checksum    string    `json:"checksum"`
	BatchCount  int       `json:"batch_count"`
	DownloadURL string    `json:"download_url,omitempty"`
}

// Exporter builds evidence packs from the batch archive and optionally
// uploads them to object storage.
type Exporter struct {
	archive *ArchiveStore
	sink    ObjectSink
}

// NewExporter creates an exporter. sink may be nil for local-only export.
func NewExporter(archive *ArchiveStore, sink ObjectSink) *Exporter {
	return &Exporter{archive: archive, sink: sink}
}

// GeneratePack builds a zip containing the archived batch results and a
// manifest with their checksum, uploading it when a sink is configured.
func (e *Exporter) GeneratePack(ctx context.Context, req ExportRequest) (*EvidencePack, []byte, error) {
	if e.archive == nil {
		return nil, nil, ErrArchiveNotConfigured
	}
	if !req.StartTime.IsZero() && !req.EndTime.IsZero() && req.StartTime.After(req.EndTime) {
		return nil, nil, ErrInvalidTimeRange
	}

	batches, err := e.archive.ListRecent(ctx, req.Limit)
	if err != nil {
		return nil, nil, fmt.Errorf("audit: query archive: %w", err)
	}
	filtered := make([]*BatchResult, 0, len(batches))
	for _, b := range batches {
		if !req.StartTime.IsZero() && b.Timestamp.Before(req.StartTime) {
			continue
		}
		if !req.EndTime.IsZero() && b.Timestamp.After(req.EndTime) {
			continue
		}
		filtered = append(filtered, b)
	}

	batchesJSON, err := json.MarshalIndent(filtered, "", "  ")
	if err != nil {
		return nil, nil, err
	}
	manifest := map[string]interface{}{
		"generated_at": time.Now().UTC(),
		"batch_count":  len(filtered),
		"period": map[string]interface{}{
			"start": req.StartTime,
			"end":   req.EndTime,
		},
	}
	manifestJSON, err := json.MarshalIndent(manifest, "", "  ")
	if err != nil {
		return nil, nil, fmt.Errorf("audit: marshal manifest: %w", err)
	}

	buf := new(bytes.Buffer)
	w := zip.NewWriter(buf)
	for name, content := range map[string][]byte{
		"batches.json":  batchesJSON,
		"manifest.json": manifestJSON,
	} {
		f, err := w.Create(name)
		if err != nil {
			return nil, nil, err
		}
		_, _ = f.Write(content)
	}
	if err := w.Close(); err != nil {
		return nil, nil, err
	}

	zipBytes := buf.Bytes()
	pack := &EvidencePack{
		GeneratedAt: time.Now().UTC(),
		Checksum:    canonicalize.HashBytes(zipBytes),
		BatchCount:  len(filtered),
	}

	if e.sink != nil {
		key := fmt.Sprintf("evidence/%s.zip", pack.Checksum)
		url, err := e.sink.Put(ctx, key, zipBytes)
		if err != nil {
			return nil, nil, fmt.Errorf("audit: upload evidence pack: %w", err)
		}
		pack.DownloadURL = url
	}
	return pack, zipBytes, nil
}
