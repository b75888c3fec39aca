package protocol

import (
	"context"
	"errors"
	"strconv"
	"time"

	"github.com/durablestreams/streamd/internal/backend"
	"github.com/durablestreams/streamd/internal/offset"
)

// DefaultLongPollTimeout is the deadline applied to a long-poll or SSE
// wait when the caller does not override it (spec §4.3.5).
const DefaultLongPollTimeout = 30 * time.Second

// Manager is the Stream Manager (spec §4.3): it sits above a
// backend.Store and applies every protocol-level rule — content-type
// matching, idempotent-producer validation, Stream-Seq coordination,
// JSON framing, and closure — none of which the backend understands.
// Grounded on the teacher's memory_store.go / file_store.go, which fold
// this same logic directly into the storage layer; here it is hoisted
// out so either backend variant can be driven by one implementation.
type Manager struct {
	store    backend.Store
	locks    *producerLocks
	longPoll time.Duration
}

// NewManager wraps store with protocol semantics.
func NewManager(store backend.Store) *Manager {
	return &Manager{store: store, locks: newProducerLocks(), longPoll: DefaultLongPollTimeout}
}

// SetLongPollTimeout overrides the deadline applied to long-poll/SSE
// waits. Callers configuring a non-default timeout (e.g. from a CLI
// flag) must call this before serving traffic.
func (m *Manager) SetLongPollTimeout(d time.Duration) {
	if d > 0 {
		m.longPoll = d
	}
}

// CreateRequest is the input to Create.
type CreateRequest struct {
	Path        string
	ContentType string
	TTLSeconds  *int64
	ExpiresAt   *time.Time
	InitialData []byte
	Closed      bool
}

// CreateResult reports whether Create made a new stream or replayed an
// idempotent match against one that already existed.
type CreateResult struct {
	Created bool
	Info    *backend.StreamInfo
}

// Create implements spec §4.3.1.
func (m *Manager) Create(req CreateRequest) (CreateResult, *Error) {
	req.ContentType = NormalizeContentType(req.ContentType)

	existing, err := m.store.Head(req.Path)
	if err == nil {
		if configMatches(existing, req) {
			return CreateResult{Created: false, Info: existing}, nil
		}
		return CreateResult{}, newError(KindConfigConflict, "stream exists with a different configuration")
	}
	if !errors.Is(err, backend.ErrNotFound) {
		return CreateResult{}, newError(KindInternal, err.Error())
	}

	data := req.InitialData
	if IsJSONContentType(req.ContentType) && len(data) > 0 {
		processed, perr := processJSONAppend(orEmpty(data), true)
		if perr != nil {
			return CreateResult{}, perr.(*Error)
		}
		data = processed
	}

	created, cerr := m.store.Create(req.Path, backend.CreateConfig{
		ContentType: req.ContentType,
		TTLSeconds:  req.TTLSeconds,
		ExpiresAt:   req.ExpiresAt,
		InitialData: data,
		Closed:      req.Closed,
	})
	if cerr != nil {
		return CreateResult{}, newError(KindInternal, cerr.Error())
	}
	if !created {
		// Lost a race with a concurrent creator; treat like the
		// pre-existing-match path by re-reading.
		info, herr := m.store.Head(req.Path)
		if herr != nil {
			return CreateResult{}, newError(KindInternal, "create race could not be resolved")
		}
		if configMatches(info, req) {
			return CreateResult{Created: false, Info: info}, nil
		}
		return CreateResult{}, newError(KindConfigConflict, "stream exists with a different configuration")
	}

	info, herr := m.store.Head(req.Path)
	if herr != nil {
		return CreateResult{}, newError(KindInternal, herr.Error())
	}
	return CreateResult{Created: true, Info: info}, nil
}

func configMatches(info *backend.StreamInfo, req CreateRequest) bool {
	if !ContentTypeMatches(info.ContentType, req.ContentType) {
		return false
	}
	if !int64PtrEqual(info.TTLSeconds, req.TTLSeconds) {
		return false
	}
	if !timePtrEqual(info.ExpiresAt, req.ExpiresAt) {
		return false
	}
	return info.Closed == req.Closed
}

func int64PtrEqual(a, b *int64) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}

func timePtrEqual(a, b *time.Time) bool {
	if a == nil || b == nil {
		return a == b
	}
	return a.Equal(*b)
}

func orEmpty(b []byte) []byte {
	if b == nil {
		return []byte{}
	}
	return b
}

// AppendRequest is the input to Append; it covers both data-bearing
// appends and close-only requests (Data empty, Close true).
type AppendRequest struct {
	Path        string
	ContentType string
	Data        []byte
	StreamSeq   *string
	Producer    ProducerHeaders
	Close       bool
}

// AppendResult reports the outcome of a successful append.
type AppendResult struct {
	Offset       offset.Offset
	Duplicate    bool
	ProducerSeq  int64
}

// Append implements spec §4.3.2 and, for Close-with-no-data requests,
// §4.3.3 — the two share one precondition chain.
func (m *Manager) Append(req AppendRequest) (AppendResult, *Error) {
	var unlock func()
	if req.Producer.HasAll() {
		unlock = m.locks.lock(req.Path, req.Producer.ID)
		defer unlock()
	}

	info, err := m.store.Head(req.Path)
	if err != nil {
		if errors.Is(err, backend.ErrNotFound) {
			return AppendResult{}, newError(KindNotFound, "stream not found")
		}
		return AppendResult{}, newError(KindInternal, err.Error())
	}

	// Step 2: closed-stream handling.
	if info.Closed {
		if req.Producer.matchesClosedBy(info.ClosedBy) {
			return AppendResult{Offset: info.CurrentOffset, Duplicate: true}, nil
		}
		return AppendResult{}, &Error{Kind: KindStreamClosed, Message: "stream is closed", CurrentOffset: info.CurrentOffset}
	}

	// Step 3: content-type match (skipped for zero-byte close-only
	// requests that carry no content-type of their own).
	if len(req.Data) > 0 || req.ContentType != "" {
		if !ContentTypeMatches(info.ContentType, req.ContentType) {
			return AppendResult{}, newError(KindContentTypeMismatch, "content-type mismatch")
		}
	}

	// Step 4: producer validation. No mutation yet — decision only.
	var decision producerDecision
	haveProducer := req.Producer.HasAll()
	if haveProducer {
		d, perr := validateProducer(info.Producers, req.Producer, time.Now())
		if perr != nil {
			return AppendResult{}, perr
		}
		decision = d
		if decision.duplicate {
			return AppendResult{Offset: info.CurrentOffset, Duplicate: true, ProducerSeq: decision.lastSeq}, nil
		}
	}

	// Step 5: Stream-Seq coordination lane, independent of producer
	// validation, checked after it so a producer-retry still
	// short-circuits above even if it also carries a stale Stream-Seq.
	if req.StreamSeq != nil && info.LastSeq != "" {
		if compareSeq(*req.StreamSeq, info.LastSeq) <= 0 {
			return AppendResult{}, newError(KindSequenceConflict, "stream-seq conflict")
		}
	}

	// Step 6: JSON framing.
	payload := req.Data
	if IsJSONContentType(info.ContentType) && len(payload) > 0 {
		processed, perr := processJSONAppend(payload, false)
		if perr != nil {
			return AppendResult{}, perr.(*Error)
		}
		payload = processed
	}

	if len(payload) == 0 && !req.Close {
		return AppendResult{}, newError(KindEmptyBody, "empty body on non-close append")
	}

	mut := backend.AppendMutation{}
	if req.StreamSeq != nil {
		mut.LastSeq = req.StreamSeq
	}
	if req.Close {
		closed := true
		mut.Closed = &closed
		if haveProducer {
			mut.ClosedBy = &backend.ClosedBy{ProducerID: req.Producer.ID, Epoch: *req.Producer.Epoch, Seq: *req.Producer.Seq}
		}
	}
	if haveProducer {
		mut.ProducerID = req.Producer.ID
		ps := decision.newState
		mut.ProducerUpdate = &ps
	}

	newOffset, aerr := m.store.Append(req.Path, payload, mut)
	if aerr != nil {
		if errors.Is(aerr, backend.ErrClosed) {
			return AppendResult{}, &Error{Kind: KindStreamClosed, Message: "stream is closed", CurrentOffset: info.CurrentOffset}
		}
		if errors.Is(aerr, backend.ErrNotFound) {
			return AppendResult{}, newError(KindNotFound, "stream not found")
		}
		return AppendResult{}, newError(KindInternal, aerr.Error())
	}

	result := AppendResult{Offset: newOffset}
	if haveProducer {
		result.ProducerSeq = decision.newState.LastSeq
	}
	return result, nil
}

// compareSeq orders two Stream-Seq watermarks: numerically when both
// parse as integers, lexicographically otherwise.
func compareSeq(a, b string) int {
	an, aerr := strconv.ParseInt(a, 10, 64)
	bn, berr := strconv.ParseInt(b, 10, 64)
	if aerr == nil && berr == nil {
		switch {
		case an < bn:
			return -1
		case an > bn:
			return 1
		default:
			return 0
		}
	}
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	default:
		return 0
	}
}

// ReadRequest is the input to Read.
type ReadRequest struct {
	Path string
	From offset.Offset
}

// ReadOutcome is the result of a catch-up read.
type ReadOutcome struct {
	Messages      []backend.Message
	CurrentOffset offset.Offset
	Closed        bool
	ClosedAtTail  bool
}

// Read implements spec §4.3.4.
func (m *Manager) Read(req ReadRequest) (ReadOutcome, *Error) {
	res, err := m.store.Read(req.Path, req.From)
	if err != nil {
		if errors.Is(err, backend.ErrNotFound) {
			return ReadOutcome{}, newError(KindNotFound, "stream not found")
		}
		return ReadOutcome{}, newError(KindInternal, err.Error())
	}
	info, err := m.store.Head(req.Path)
	if err != nil {
		return ReadOutcome{}, newError(KindInternal, err.Error())
	}
	atTail := len(res.Messages) == 0
	return ReadOutcome{
		Messages:      res.Messages,
		CurrentOffset: res.CurrentOffset,
		Closed:        info.Closed,
		ClosedAtTail:  info.Closed && atTail,
	}, nil
}

// ResolveTail resolves the "now" sentinel to the stream's current
// offset at the moment of the call (spec §4.3.4 / §6.1.2).
func (m *Manager) ResolveTail(path string) (offset.Offset, *Error) {
	info, err := m.store.Head(path)
	if err != nil {
		if errors.Is(err, backend.ErrNotFound) {
			return offset.Offset{}, newError(KindNotFound, "stream not found")
		}
		return offset.Offset{}, newError(KindInternal, err.Error())
	}
	return info.CurrentOffset, nil
}

// Wait implements the long-poll / SSE wait (spec §4.3.5). Callers must
// only invoke it once the client is already caught up to from.
func (m *Manager) Wait(ctx context.Context, path string, from offset.Offset) (ReadOutcome, *Error) {
	info, err := m.store.Head(path)
	if err != nil {
		if errors.Is(err, backend.ErrNotFound) {
			return ReadOutcome{}, newError(KindNotFound, "stream not found")
		}
		return ReadOutcome{}, newError(KindInternal, err.Error())
	}
	if info.Closed {
		return ReadOutcome{CurrentOffset: info.CurrentOffset, Closed: true, ClosedAtTail: true}, nil
	}

	res, werr := m.store.WaitForData(ctx, path, from, m.longPoll)
	if werr != nil {
		return ReadOutcome{}, newError(KindInternal, werr.Error())
	}

	info, err = m.store.Head(path)
	if err != nil {
		return ReadOutcome{}, newError(KindInternal, err.Error())
	}
	atTail := len(res.Messages) == 0 || res.Messages[len(res.Messages)-1].Offset.Equal(info.CurrentOffset)
	return ReadOutcome{
		Messages:      res.Messages,
		CurrentOffset: info.CurrentOffset,
		Closed:        info.Closed,
		ClosedAtTail:  info.Closed && atTail,
	}, nil
}

// Head exposes the backend's metadata directly for the HTTP layer's
// HEAD handler.
func (m *Manager) Head(path string) (*backend.StreamInfo, *Error) {
	info, err := m.store.Head(path)
	if err != nil {
		if errors.Is(err, backend.ErrNotFound) {
			return nil, newError(KindNotFound, "stream not found")
		}
		return nil, newError(KindInternal, err.Error())
	}
	return info, nil
}

// Delete removes a stream.
func (m *Manager) Delete(path string) (existed bool, perr *Error) {
	existed, err := m.store.Delete(path)
	if err != nil {
		return false, newError(KindInternal, err.Error())
	}
	return existed, nil
}
