package audit

import (
	"context"
	"encoding/json"
	"log/slog"

	"golang.org/x/sync/errgroup"
)

// ArchivalSink is a durable, append-only destination for signed audit
// events, independent of the chain's own storage. A chain may fan an
// event out to several sinks (S3 object store, a SIEM forwarder, a
// compliance export bucket); none of them may block or roll back the
// Append itself, per SPEC_FULL.md §4.4 and §5 (archival is best-effort
// and out of band relative to the append that produced the event).
type ArchivalSink interface {
	Archive(ctx context.Context, e *Event) error
	Name() string
}

// Archiver fans an appended event out to every registered sink
// concurrently via errgroup, logging (not propagating) any sink failure.
// It is wired as a Chain.OnAppend hook; Dispatch detaches from the
// caller's context with context.WithoutCancel so that archival a sink
// begins is not aborted just because the HTTP request that triggered the
// Append has already returned.
type Archiver struct {
	sinks []ArchivalSink
}

// NewArchiver constructs an Archiver over the given sinks. A nil or empty
// slice is valid; Dispatch becomes a no-op.
func NewArchiver(sinks ...ArchivalSink) *Archiver {
	return &Archiver{sinks: sinks}
}

// Dispatch runs Archive on every sink concurrently and waits for them
// all to finish or fail; it never returns an error to the caller, since
// archival failures must never roll back or delay the chain append that
// produced the event. Each failure is logged with the sink name and
// event seq for operator follow-up.
func (a *Archiver) Dispatch(ctx context.Context, e *Event) {
	if len(a.sinks) == 0 {
		return
	}

	detached := context.WithoutCancel(ctx)
	g, gctx := errgroup.WithContext(detached)
	for _, sink := range a.sinks {
		sink := sink
		g.Go(func() error {
			if err := sink.Archive(gctx, e); err != nil {
				slog.Error("audit: archival sink failed", "sink", sink.Name(), "seq", e.Seq, "error", err)
			}
			return nil
		})
	}
	_ = g.Wait()
}

// archivalRecord is the JSON envelope written to blob-oriented sinks
// (S3/GCS); it carries the same fields as Event, with the hashes
// hex-encoded and the signature base64-encoded, so an offline verifier can reconstruct and re-check the chain from
// archived objects alone.
type archivalRecord struct {
	Seq       uint64          `json:"seq"`
	EventType string          `json:"event_type"`
	Payload   json.RawMessage `json:"payload"`
	PrevHash  string          `json:"prev_hash_hex"`
	Hash      string          `json:"hash_hex"`
	Signature string          `json:"signature_b64"`
	SignerKID string          `json:"signer_kid"`
	CreatedAt string          `json:"created_at"`
}
