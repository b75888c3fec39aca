package protocol

import (
	"sync"
	"time"

	"github.com/durablestreams/streamd/internal/backend"
)

// ProducerHeaders carries the (Producer-Id, Producer-Epoch, Producer-Seq)
// triple parsed off a request. A zero value means "no producer headers
// supplied".
type ProducerHeaders struct {
	ID    string
	Epoch *int64
	Seq   *int64
}

// HasAny reports whether at least one producer header was supplied.
func (p ProducerHeaders) HasAny() bool {
	return p.ID != "" || p.Epoch != nil || p.Seq != nil
}

// HasAll reports whether every producer header was supplied together,
// as the protocol requires (spec §4.3.2 step 4).
func (p ProducerHeaders) HasAll() bool {
	return p.ID != "" && p.Epoch != nil && p.Seq != nil
}

// matchesClosedBy reports whether p is exactly the producer triple that
// closed a stream, for idempotent duplicate-close detection.
func (p ProducerHeaders) matchesClosedBy(closedBy *backend.ClosedBy) bool {
	if closedBy == nil || !p.HasAll() {
		return false
	}
	return p.ID == closedBy.ProducerID && *p.Epoch == closedBy.Epoch && *p.Seq == closedBy.Seq
}

// producerDecision is the outcome of validating a producer triple
// against a stream's recorded state: either an idempotent duplicate (no
// new bytes, echo lastSeq) or a fresh state to commit once the append
// succeeds. No state mutation happens at validation time (spec §4.3.2
// step 4: "Result is a validation decision; no state mutation yet").
type producerDecision struct {
	duplicate bool
	lastSeq   int64
	newState  backend.ProducerState
}

// validateProducer implements the producer epoch/sequence state
// machine (spec §4.3.2 step 4), grounded on the teacher's
// memory_store.go validateProducer but hoisted out of the backend so
// both Memory and File variants share one implementation.
func validateProducer(existing map[string]backend.ProducerState, p ProducerHeaders, now time.Time) (producerDecision, *Error) {
	epoch, seq := *p.Epoch, *p.Seq
	state, known := existing[p.ID]

	if !known {
		if seq != 0 {
			return producerDecision{}, &Error{Kind: KindSequenceGap, ExpectedSeq: 0, ReceivedSeq: seq}
		}
		return producerDecision{newState: backend.ProducerState{Epoch: epoch, LastSeq: 0, LastUpdated: now}}, nil
	}

	switch {
	case epoch < state.Epoch:
		return producerDecision{}, &Error{Kind: KindStaleEpoch, CurrentEpoch: state.Epoch}
	case epoch > state.Epoch:
		if seq != 0 {
			return producerDecision{}, &Error{Kind: KindInvalidEpochSeq}
		}
		return producerDecision{newState: backend.ProducerState{Epoch: epoch, LastSeq: 0, LastUpdated: now}}, nil
	case seq <= state.LastSeq:
		return producerDecision{duplicate: true, lastSeq: state.LastSeq}, nil
	case seq == state.LastSeq+1:
		return producerDecision{newState: backend.ProducerState{Epoch: epoch, LastSeq: seq, LastUpdated: now}}, nil
	default:
		return producerDecision{}, &Error{Kind: KindSequenceGap, ExpectedSeq: state.LastSeq + 1, ReceivedSeq: seq}
	}
}

// producerLocks is the sharded (path, producerId) mutual-exclusion key
// set required by spec §5: producer validation + append + commit must
// be atomic with respect to other requests for the same producer.
type producerLocks struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func newProducerLocks() *producerLocks {
	return &producerLocks{locks: make(map[string]*sync.Mutex)}
}

func (p *producerLocks) lock(path, producerID string) func() {
	key := path + "\x00" + producerID
	p.mu.Lock()
	lk, ok := p.locks[key]
	if !ok {
		lk = &sync.Mutex{}
		p.locks[key] = lk
	}
	p.mu.Unlock()

	lk.Lock()
	return lk.Unlock
}
