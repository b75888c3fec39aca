package backend

import (
	"context"
	"sync"
	"time"

	"github.com/durablestreams/streamd/internal/offset"
)

// memoryStream holds one stream's state plus its own mutex, so that only
// one append at a time mutates a given stream's bytes and metadata while
// other streams proceed concurrently. Reads of the same stream take the
// same mutex, so they do not run concurrently with its appends or with
// each other.
type memoryStream struct {
	mu       sync.Mutex
	info     StreamInfo
	messages []Message
}

// Memory is the in-memory Backend Store variant (spec §4.2.a): a mapping
// from path to record plus a waiter list, synchronous under a per-stream
// mutual-exclusion boundary. No durability.
type Memory struct {
	mu      sync.RWMutex
	streams map[string]*memoryStream
	waiters *waiterRegistry
	now     func() time.Time
}

// NewMemory constructs an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		streams: make(map[string]*memoryStream),
		waiters: newWaiterRegistry(),
		now:     time.Now,
	}
}

func (m *Memory) Create(path string, cfg CreateConfig) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if existing, ok := m.streams[path]; ok && !existing.info.IsExpired(m.now()) {
		return false, nil
	}

	s := &memoryStream{
		info: StreamInfo{
			Path:        path,
			ContentType: cfg.ContentType,
			CreatedAt:   m.now(),
			TTLSeconds:  cfg.TTLSeconds,
			ExpiresAt:   cfg.ExpiresAt,
			Producers:   make(map[string]ProducerState),
			Closed:      cfg.Closed,
		},
	}
	m.streams[path] = s

	if len(cfg.InitialData) > 0 {
		s.messages = append(s.messages, Message{Data: cfg.InitialData, Offset: s.info.CurrentOffset.Advance(uint64(len(cfg.InitialData)))})
		s.info.CurrentOffset = s.info.CurrentOffset.Advance(uint64(len(cfg.InitialData)))
	}
	return true, nil
}

func (m *Memory) Head(path string) (*StreamInfo, error) {
	m.mu.RLock()
	s, ok := m.streams[path]
	m.mu.RUnlock()
	if !ok || s.info.IsExpired(m.now()) {
		return nil, ErrNotFound
	}
	s.mu.Lock()
	info := s.info
	s.mu.Unlock()
	return &info, nil
}

func (m *Memory) Delete(path string) (bool, error) {
	m.mu.Lock()
	_, ok := m.streams[path]
	delete(m.streams, path)
	m.mu.Unlock()
	if ok {
		m.waiters.drop(path)
	}
	return ok, nil
}

func (m *Memory) Append(path string, data []byte, mut AppendMutation) (offset.Offset, error) {
	m.mu.RLock()
	s, ok := m.streams[path]
	m.mu.RUnlock()
	if !ok {
		return offset.Offset{}, ErrNotFound
	}

	s.mu.Lock()
	if s.info.IsExpired(m.now()) {
		s.mu.Unlock()
		return offset.Offset{}, ErrNotFound
	}
	if s.info.Closed {
		s.mu.Unlock()
		return offset.Offset{}, ErrClosed
	}

	newOffset := s.info.CurrentOffset
	if len(data) > 0 {
		newOffset = s.info.CurrentOffset.Advance(uint64(len(data)))
		s.messages = append(s.messages, Message{Data: data, Offset: newOffset})
		s.info.CurrentOffset = newOffset
	}
	applyMutation(&s.info, mut)
	closedNow := s.info.Closed
	s.mu.Unlock()

	m.waiters.notify(path)
	if closedNow {
		m.waiters.notify(path)
	}
	return newOffset, nil
}

func (m *Memory) Update(path string, mut AppendMutation) error {
	m.mu.RLock()
	s, ok := m.streams[path]
	m.mu.RUnlock()
	if !ok {
		return ErrNotFound
	}

	s.mu.Lock()
	wasClosed := s.info.Closed
	applyMutation(&s.info, mut)
	nowClosed := s.info.Closed
	s.mu.Unlock()

	if nowClosed && !wasClosed {
		m.waiters.notify(path)
	}
	return nil
}

func (m *Memory) Read(path string, from offset.Offset) (ReadResult, error) {
	m.mu.RLock()
	s, ok := m.streams[path]
	m.mu.RUnlock()
	if !ok || s.info.IsExpired(m.now()) {
		return ReadResult{}, ErrNotFound
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Message
	for _, msg := range s.messages {
		if from.LessThan(msg.Offset) {
			out = append(out, msg)
		}
	}
	return ReadResult{Messages: out, CurrentOffset: s.info.CurrentOffset}, nil
}

func (m *Memory) WaitForData(ctx context.Context, path string, from offset.Offset, timeout time.Duration) (WaitResult, error) {
	// Register before checking current state so an append racing the
	// registration is never missed (spec §4.3.5 ordering guarantee).
	ch, unregister := m.waiters.register(path)
	defer unregister()

	res, err := m.Read(path, from)
	if err != nil {
		return WaitResult{}, err
	}
	if len(res.Messages) > 0 {
		return WaitResult{Messages: res.Messages}, nil
	}
	if info, err := m.Head(path); err == nil && info.Closed {
		return WaitResult{Closed: true}, nil
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-ch:
		res, err := m.Read(path, from)
		if err != nil {
			return WaitResult{}, nil
		}
		if len(res.Messages) > 0 {
			return WaitResult{Messages: res.Messages}, nil
		}
		if info, err := m.Head(path); err == nil && info.Closed {
			return WaitResult{Closed: true}, nil
		}
		return WaitResult{}, nil
	case <-timer.C:
		return WaitResult{TimedOut: true}, nil
	case <-ctx.Done():
		return WaitResult{TimedOut: true}, nil
	}
}

func (m *Memory) Close() error { return nil }

// applyMutation applies a protocol-computed AppendMutation to info,
// in-place. Closed never flips back to false (invariant I2).
func applyMutation(info *StreamInfo, mut AppendMutation) {
	if mut.LastSeq != nil {
		info.LastSeq = *mut.LastSeq
	}
	if mut.Closed != nil && *mut.Closed {
		info.Closed = true
	}
	if mut.ClosedBy != nil {
		info.ClosedBy = mut.ClosedBy
	}
	if mut.ProducerID != "" && mut.ProducerUpdate != nil {
		if info.Producers == nil {
			info.Producers = make(map[string]ProducerState)
		}
		info.Producers[mut.ProducerID] = *mut.ProducerUpdate
	}
}
