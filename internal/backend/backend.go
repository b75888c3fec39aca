// Package backend implements the opaque byte-and-metadata storage layer
// for streams. It surfaces no protocol semantics (content-type matching,
// producer validation, JSON framing, Stream-Seq) — that belongs to
// package protocol, one layer up. Two interchangeable variants are
// provided: Memory (volatile) and File (durable, crash-recoverable).
package backend

import (
	"context"
	"errors"
	"time"

	"github.com/durablestreams/streamd/internal/offset"
)

// ErrNotFound is returned when a stream is missing, expired, or deleted.
// It is one of only two client-visible error kinds this layer defines;
// everything else bubbles up as an opaque server error.
var ErrNotFound = errors.New("backend: stream not found")

// ErrClosed is returned by Append when the stream has already been
// terminally closed. The protocol layer is responsible for detecting
// idempotent duplicate-close retries before calling Append; this is the
// backend's own enforcement of invariant I2 (no mutation after close).
var ErrClosed = errors.New("backend: stream is closed")

// ProducerState is the per-producer exactly-once bookkeeping persisted
// alongside a stream's metadata.
type ProducerState struct {
	Epoch       int64
	LastSeq     int64
	LastUpdated time.Time
}

// ClosedBy identifies the producer triple that closed a stream, enabling
// idempotent replay of a duplicate close request.
type ClosedBy struct {
	ProducerID string
	Epoch      int64
	Seq        int64
}

// StreamInfo is the metadata the backend tracks for a stream. It carries
// no interpretation of content-type, producer epoch rules, or JSON
// framing — those fields are opaque payloads the protocol layer reads
// and writes.
type StreamInfo struct {
	Path          string
	ContentType   string
	CurrentOffset offset.Offset
	CreatedAt     time.Time
	TTLSeconds    *int64
	ExpiresAt     *time.Time
	LastSeq       string
	Producers     map[string]ProducerState
	Closed        bool
	ClosedBy      *ClosedBy
}

// IsExpired reports whether the stream should be treated as absent,
// per spec: now >= expiresAt OR now >= createdAt + ttlSeconds.
func (s *StreamInfo) IsExpired(now time.Time) bool {
	if s.ExpiresAt != nil && !now.Before(*s.ExpiresAt) {
		return true
	}
	if s.TTLSeconds != nil {
		expiry := s.CreatedAt.Add(time.Duration(*s.TTLSeconds) * time.Second)
		if !now.Before(expiry) {
			return true
		}
	}
	return false
}

// CreateConfig is the caller-supplied configuration for a new stream.
type CreateConfig struct {
	ContentType string
	TTLSeconds  *int64
	ExpiresAt   *time.Time
	InitialData []byte
	Closed      bool
}

// AppendMutation describes the metadata side effects of an append,
// computed by the protocol layer and applied atomically with the byte
// write. Nil fields are left unchanged.
type AppendMutation struct {
	LastSeq        *string
	Closed         *bool
	ClosedBy       *ClosedBy
	ProducerID     string // non-empty to upsert ProducerUpdate
	ProducerUpdate *ProducerState
}

// ProducerUpdate is a convenience constructor-free alias kept for
// readability at call sites; ProducerID + ProducerUpdate together form
// the upsert.
type ProducerUpdate = ProducerState

// Message is a single framed record read back from a stream.
type Message struct {
	Data   []byte
	Offset offset.Offset
}

// ReadResult is the outcome of a Read call.
type ReadResult struct {
	Messages      []Message
	CurrentOffset offset.Offset
}

// WaitResult is the outcome of a WaitForData call.
type WaitResult struct {
	Messages []Message
	TimedOut bool
	Closed   bool
}

// Store is the Backend Store interface (spec §4.2): it persists opaque
// bytes per stream path and exposes a minimal read-from-offset API.
type Store interface {
	// Create creates a stream if absent. Returns created=false without
	// error if the path already names a non-expired stream (the caller
	// is responsible for config-equality / conflict decisions).
	Create(path string, cfg CreateConfig) (created bool, err error)

	// Head returns metadata for a stream, or ErrNotFound.
	Head(path string) (*StreamInfo, error)

	// Delete removes a stream and wakes all its waiters. Returns
	// existed=false without error if absent.
	Delete(path string) (existed bool, err error)

	// Append durably writes data to path and atomically applies mut.
	// Returns the offset immediately after the new bytes.
	Append(path string, data []byte, mut AppendMutation) (offset.Offset, error)

	// Read returns the contiguous messages strictly after from, plus
	// the stream's current offset.
	Read(path string, from offset.Offset) (ReadResult, error)

	// WaitForData blocks until bytes exist strictly after from, the
	// stream closes, the deadline implied by timeout elapses, or ctx is
	// cancelled.
	WaitForData(ctx context.Context, path string, from offset.Offset, timeout time.Duration) (WaitResult, error)

	// Update applies a metadata-only mutation, without appending bytes.
	// The protocol layer's close-without-data path does not use it; it
	// calls Append with an empty payload instead.
	Update(path string, mut AppendMutation) error

	// Close releases any resources (file handles, KV stores, goroutines)
	// held by the store.
	Close() error
}
