package protocol

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/durablestreams/streamd/internal/backend"
	"github.com/durablestreams/streamd/internal/offset"
)

func newTestManager() *Manager {
	return NewManager(backend.NewMemory())
}

func ptr(i int64) *int64 { return &i }

func TestManagerCreateIdempotent(t *testing.T) {
	m := newTestManager()
	req := CreateRequest{Path: "/s", ContentType: "application/octet-stream"}

	r1, perr := m.Create(req)
	require.Nil(t, perr)
	require.True(t, r1.Created)

	r2, perr := m.Create(req)
	require.Nil(t, perr)
	require.False(t, r2.Created)
}

func TestManagerCreateConflict(t *testing.T) {
	m := newTestManager()
	_, perr := m.Create(CreateRequest{Path: "/s", ContentType: "application/octet-stream"})
	require.Nil(t, perr)

	_, perr = m.Create(CreateRequest{Path: "/s", ContentType: "text/plain"})
	require.NotNil(t, perr)
	require.Equal(t, KindConfigConflict, perr.Kind)
}

func TestManagerAppendContentTypeMismatch(t *testing.T) {
	m := newTestManager()
	_, perr := m.Create(CreateRequest{Path: "/s", ContentType: "application/octet-stream"})
	require.Nil(t, perr)

	_, perr = m.Append(AppendRequest{Path: "/s", ContentType: "text/plain", Data: []byte("x")})
	require.NotNil(t, perr)
	require.Equal(t, KindContentTypeMismatch, perr.Kind)
}

func TestManagerProducerSequenceLifecycle(t *testing.T) {
	m := newTestManager()
	_, perr := m.Create(CreateRequest{Path: "/s", ContentType: "application/octet-stream"})
	require.Nil(t, perr)

	e0 := int64(1)
	s0 := int64(0)
	res, perr := m.Append(AppendRequest{Path: "/s", ContentType: "application/octet-stream", Data: []byte("a"),
		Producer: ProducerHeaders{ID: "p1", Epoch: &e0, Seq: &s0}})
	require.Nil(t, perr)
	require.False(t, res.Duplicate)

	// Retry of the same seq is an idempotent duplicate.
	res2, perr := m.Append(AppendRequest{Path: "/s", ContentType: "application/octet-stream", Data: []byte("a"),
		Producer: ProducerHeaders{ID: "p1", Epoch: &e0, Seq: &s0}})
	require.Nil(t, perr)
	require.True(t, res2.Duplicate)

	// A gap is rejected.
	s2 := int64(2)
	_, perr = m.Append(AppendRequest{Path: "/s", ContentType: "application/octet-stream", Data: []byte("c"),
		Producer: ProducerHeaders{ID: "p1", Epoch: &e0, Seq: &s2}})
	require.NotNil(t, perr)
	require.Equal(t, KindSequenceGap, perr.Kind)

	// A stale epoch is rejected with the current epoch attached.
	eStale := int64(0)
	_, perr = m.Append(AppendRequest{Path: "/s", ContentType: "application/octet-stream", Data: []byte("z"),
		Producer: ProducerHeaders{ID: "p1", Epoch: &eStale, Seq: &s0}})
	require.NotNil(t, perr)
	require.Equal(t, KindStaleEpoch, perr.Kind)
	require.Equal(t, int64(1), perr.CurrentEpoch)

	// A higher epoch resets the sequence lane.
	e1 := int64(2)
	res3, perr := m.Append(AppendRequest{Path: "/s", ContentType: "application/octet-stream", Data: []byte("b"),
		Producer: ProducerHeaders{ID: "p1", Epoch: &e1, Seq: &s0}})
	require.Nil(t, perr)
	require.False(t, res3.Duplicate)
}

func TestManagerStreamSeqConflictAfterProducerDuplicate(t *testing.T) {
	m := newTestManager()
	_, perr := m.Create(CreateRequest{Path: "/s", ContentType: "application/octet-stream"})
	require.Nil(t, perr)

	e0, s0 := int64(1), int64(0)
	seq1 := "1"
	_, perr = m.Append(AppendRequest{Path: "/s", ContentType: "application/octet-stream", Data: []byte("a"),
		StreamSeq: &seq1, Producer: ProducerHeaders{ID: "p1", Epoch: &e0, Seq: &s0}})
	require.Nil(t, perr)

	// Same producer retry (duplicate) short-circuits even though it
	// also carries a stale Stream-Seq value.
	res, perr := m.Append(AppendRequest{Path: "/s", ContentType: "application/octet-stream", Data: []byte("a"),
		StreamSeq: &seq1, Producer: ProducerHeaders{ID: "p1", Epoch: &e0, Seq: &s0}})
	require.Nil(t, perr)
	require.True(t, res.Duplicate)

	// A fresh producer with a stale Stream-Seq is rejected.
	e2, s2 := int64(1), int64(0)
	_, perr = m.Append(AppendRequest{Path: "/s", ContentType: "application/octet-stream", Data: []byte("b"),
		StreamSeq: &seq1, Producer: ProducerHeaders{ID: "p2", Epoch: &e2, Seq: &s2}})
	require.NotNil(t, perr)
	require.Equal(t, KindSequenceConflict, perr.Kind)
}

func TestManagerCloseThenIdempotentDuplicateClose(t *testing.T) {
	m := newTestManager()
	_, perr := m.Create(CreateRequest{Path: "/s", ContentType: "application/octet-stream"})
	require.Nil(t, perr)

	e0, s0 := int64(1), int64(0)
	_, perr = m.Append(AppendRequest{Path: "/s", ContentType: "application/octet-stream",
		Producer: ProducerHeaders{ID: "p1", Epoch: &e0, Seq: &s0}, Close: true})
	require.Nil(t, perr)

	// The same producer triple retrying the close is an idempotent
	// success even though the stream is now closed.
	res, perr := m.Append(AppendRequest{Path: "/s", ContentType: "application/octet-stream",
		Producer: ProducerHeaders{ID: "p1", Epoch: &e0, Seq: &s0}, Close: true})
	require.Nil(t, perr)
	require.True(t, res.Duplicate)

	// A different producer is rejected with stream-closed.
	e1, s1 := int64(1), int64(0)
	_, perr = m.Append(AppendRequest{Path: "/s", ContentType: "application/octet-stream", Data: []byte("x"),
		Producer: ProducerHeaders{ID: "p2", Epoch: &e1, Seq: &s1}})
	require.NotNil(t, perr)
	require.Equal(t, KindStreamClosed, perr.Kind)
}

func TestManagerJSONAppendFraming(t *testing.T) {
	m := newTestManager()
	_, perr := m.Create(CreateRequest{Path: "/s", ContentType: "application/json", InitialData: []byte(`["a","b"]`)})
	require.Nil(t, perr)

	_, perr = m.Append(AppendRequest{Path: "/s", ContentType: "application/json", Data: []byte(`"c"`)})
	require.Nil(t, perr)

	out, perr := m.Read(ReadRequest{Path: "/s", From: offset.Zero})
	require.Nil(t, perr)

	var concatenated []byte
	for _, msg := range out.Messages {
		concatenated = append(concatenated, msg.Data...)
	}
	require.Equal(t, []byte(`["a","b","c"]`), FormatJSONResponse(concatenated))
}

func TestManagerEmptyJSONArrayOnAppendRejected(t *testing.T) {
	m := newTestManager()
	_, perr := m.Create(CreateRequest{Path: "/s", ContentType: "application/json"})
	require.Nil(t, perr)

	_, perr = m.Append(AppendRequest{Path: "/s", ContentType: "application/json", Data: []byte(`[]`)})
	require.NotNil(t, perr)
	require.Equal(t, KindEmptyJSONArray, perr.Kind)
}

func TestManagerWaitWakesOnAppendAndReportsClosure(t *testing.T) {
	m := newTestManager()
	_, perr := m.Create(CreateRequest{Path: "/s", ContentType: "application/octet-stream"})
	require.Nil(t, perr)

	go func() {
		time.Sleep(20 * time.Millisecond)
		_, _ = m.Append(AppendRequest{Path: "/s", ContentType: "application/octet-stream", Data: []byte("x"), Close: true})
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	out, perr := m.Wait(ctx, "/s", offset.Zero)
	require.Nil(t, perr)
	require.Len(t, out.Messages, 1)
	require.True(t, out.Closed)
	require.True(t, out.ClosedAtTail)
}
