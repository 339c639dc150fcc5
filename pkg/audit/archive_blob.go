package audit

import (
	"context"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"github.com/trustplane/kernel/pkg/artifacts"
)

// BlobSink archives events as JSON objects in a content-addressed
// artifacts.Store (FileStore, S3Store, or GCSStore), one object per
// event, keyed by the SHA-256 of the record's JSON encoding (the store's
// content address). It satisfies ArchivalSink.
type BlobSink struct {
	name  string
	store artifacts.Store
}

// NewBlobSink constructs a sink named name (e.g. "s3", "gcs", "local")
// over the given content-addressed store.
func NewBlobSink(name string, store artifacts.Store) *BlobSink {
	return &BlobSink{name: name, store: store}
}

func (s *BlobSink) Name() string { return s.name }

func (s *BlobSink) Archive(ctx context.Context, e *Event) error {
	record := archivalRecord{
		Seq:       e.Seq,
		EventType: e.EventType,
		Payload:   e.Payload,
		PrevHash:  hex.EncodeToString(e.PrevHash),
		Hash:      hex.EncodeToString(e.Hash),
		Signature: base64.StdEncoding.EncodeToString(e.Signature),
		SignerKID: e.SignerKID,
		CreatedAt: e.CreatedAt.Format("2006-01-02T15:04:05.000000000Z07:00"),
	}

	data, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("audit: marshal archival record: %w", err)
	}

	if _, err := s.store.Store(ctx, data); err != nil {
		return fmt.Errorf("audit: store archival record: %w", err)
	}
	return nil
}
