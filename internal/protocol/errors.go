// Package protocol implements the Stream Manager: the protocol layer
// sitting above a backend.Store that applies idempotent-producer
// validation, content-type matching, JSON framing, Stream-Seq
// coordination, and closure semantics (spec §4.3). It is the only layer
// that understands these rules; backend.Store remains opaque.
package protocol

import (
	"fmt"

	"github.com/durablestreams/streamd/internal/offset"
)

// ErrorKind classifies a protocol-level failure so the HTTP layer can
// map it to a status code and header set without string matching.
type ErrorKind int

const (
	KindInternal ErrorKind = iota
	KindNotFound
	KindConfigConflict
	KindContentTypeMismatch
	KindStreamClosed
	KindStaleEpoch
	KindInvalidEpochSeq
	KindSequenceGap
	KindSequenceConflict
	KindInvalidJSON
	KindEmptyJSONArray
	KindEmptyBody
	KindPayloadTooLarge
)

// Error is the single typed failure the Stream Manager raises. Kind
// drives the HTTP status; the remaining fields carry whatever the
// response headers for that kind need (spec §6.1.3, §7).
type Error struct {
	Kind          ErrorKind
	Message       string
	CurrentEpoch  int64
	ExpectedSeq   int64
	ReceivedSeq   int64
	CurrentOffset offset.Offset
}

func (e *Error) Error() string {
	if e.Message != "" {
		return e.Message
	}
	return fmt.Sprintf("protocol error (kind %d)", e.Kind)
}

func newError(kind ErrorKind, msg string) *Error {
	return &Error{Kind: kind, Message: msg}
}
