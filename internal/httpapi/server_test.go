package httpapi

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/durablestreams/streamd/internal/backend"
	"github.com/durablestreams/streamd/internal/hooks"
	"github.com/durablestreams/streamd/internal/metrics"
	"github.com/durablestreams/streamd/internal/offset"
	"github.com/durablestreams/streamd/internal/protocol"
)

func newTestServer(cfg Config) *Server {
	manager := protocol.NewManager(backend.NewMemory())
	m := metrics.New(prometheus.NewRegistry())
	return NewServer(manager, hooks.New(), m, zap.NewNop(), cfg)
}

func doReq(s *Server, method, target string, body string, headers map[string]string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, target, strings.NewReader(body))
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	s.Routes().ServeHTTP(rec, req)
	return rec
}

func TestCreateThenIdempotentCreate(t *testing.T) {
	s := newTestServer(DefaultConfig())

	rec := doReq(s, http.MethodPut, "/s", "", map[string]string{"Content-Type": "application/octet-stream"})
	require.Equal(t, http.StatusCreated, rec.Code)
	require.NotEmpty(t, rec.Header().Get("Location"))
	require.Equal(t, offset.Zero.String(), rec.Header().Get(HeaderStreamNextOffset))

	rec2 := doReq(s, http.MethodPut, "/s", "", map[string]string{"Content-Type": "application/octet-stream"})
	require.Equal(t, http.StatusOK, rec2.Code)
}

func TestCreateConfigConflict(t *testing.T) {
	s := newTestServer(DefaultConfig())

	rec := doReq(s, http.MethodPut, "/s", "", map[string]string{"Content-Type": "application/octet-stream"})
	require.Equal(t, http.StatusCreated, rec.Code)

	rec2 := doReq(s, http.MethodPut, "/s", "", map[string]string{"Content-Type": "text/plain"})
	require.Equal(t, http.StatusConflict, rec2.Code)
}

func TestHeadNotFound(t *testing.T) {
	s := newTestServer(DefaultConfig())
	rec := doReq(s, http.MethodHead, "/missing", "", nil)
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestAppendAndCatchupRead(t *testing.T) {
	s := newTestServer(DefaultConfig())
	require.Equal(t, http.StatusCreated, doReq(s, http.MethodPut, "/s", "", map[string]string{"Content-Type": "text/plain"}).Code)

	rec := doReq(s, http.MethodPost, "/s", "hello", map[string]string{"Content-Type": "text/plain"})
	require.Equal(t, http.StatusNoContent, rec.Code)
	nextOffset := rec.Header().Get(HeaderStreamNextOffset)
	require.NotEmpty(t, nextOffset)

	readRec := doReq(s, http.MethodGet, "/s?offset=-1", "", nil)
	require.Equal(t, http.StatusOK, readRec.Code)
	require.Equal(t, "hello", readRec.Body.String())
	require.Equal(t, "true", readRec.Header().Get(HeaderStreamUpToDate))
}

func TestAppendContentTypeMismatch(t *testing.T) {
	s := newTestServer(DefaultConfig())
	doReq(s, http.MethodPut, "/s", "", map[string]string{"Content-Type": "application/octet-stream"})

	rec := doReq(s, http.MethodPost, "/s", "x", map[string]string{"Content-Type": "text/plain"})
	require.Equal(t, http.StatusConflict, rec.Code)
}

func TestProducerIdempotentDuplicateAppend(t *testing.T) {
	s := newTestServer(DefaultConfig())
	doReq(s, http.MethodPut, "/s", "", map[string]string{"Content-Type": "text/plain"})

	headers := map[string]string{
		"Content-Type":      "text/plain",
		HeaderProducerID:    "p1",
		HeaderProducerEpoch: "1",
		HeaderProducerSeq:   "0",
	}
	rec1 := doReq(s, http.MethodPost, "/s", "a", headers)
	require.Equal(t, http.StatusOK, rec1.Code)
	require.Equal(t, "0", rec1.Header().Get(HeaderProducerSeq))

	// Same producer/epoch/seq retried: idempotent duplicate, 204, no new bytes.
	rec2 := doReq(s, http.MethodPost, "/s", "a", headers)
	require.Equal(t, http.StatusNoContent, rec2.Code)
	require.Equal(t, "0", rec2.Header().Get(HeaderProducerSeq))

	readRec := doReq(s, http.MethodGet, "/s?offset=-1", "", nil)
	require.Equal(t, "a", readRec.Body.String())
}

func TestProducerSequenceGapRejected(t *testing.T) {
	s := newTestServer(DefaultConfig())
	doReq(s, http.MethodPut, "/s", "", map[string]string{"Content-Type": "text/plain"})

	doReq(s, http.MethodPost, "/s", "a", map[string]string{
		"Content-Type": "text/plain", HeaderProducerID: "p1", HeaderProducerEpoch: "1", HeaderProducerSeq: "0",
	})
	rec := doReq(s, http.MethodPost, "/s", "b", map[string]string{
		"Content-Type": "text/plain", HeaderProducerID: "p1", HeaderProducerEpoch: "1", HeaderProducerSeq: "5",
	})
	require.Equal(t, http.StatusConflict, rec.Code)
	require.Equal(t, "1", rec.Header().Get(HeaderProducerExpSeq))
	require.Equal(t, "5", rec.Header().Get(HeaderProducerRecvSeq))
}

func TestCloseThenAppendFromOtherProducerRejected(t *testing.T) {
	s := newTestServer(DefaultConfig())
	doReq(s, http.MethodPut, "/s", "", map[string]string{"Content-Type": "text/plain"})

	closeHeaders := map[string]string{
		"Content-Type": "text/plain", HeaderStreamClosed: "true",
		HeaderProducerID: "p1", HeaderProducerEpoch: "1", HeaderProducerSeq: "0",
	}
	rec := doReq(s, http.MethodPost, "/s", "", closeHeaders)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "true", rec.Header().Get(HeaderStreamClosed))

	// The same producer retrying the close is an idempotent duplicate.
	rec2 := doReq(s, http.MethodPost, "/s", "", closeHeaders)
	require.Equal(t, http.StatusNoContent, rec2.Code)

	// A different producer is rejected with stream-closed.
	rec3 := doReq(s, http.MethodPost, "/s", "x", map[string]string{
		"Content-Type": "text/plain", HeaderProducerID: "p2", HeaderProducerEpoch: "1", HeaderProducerSeq: "0",
	})
	require.Equal(t, http.StatusConflict, rec3.Code)
	require.Equal(t, "true", rec3.Header().Get(HeaderStreamClosed))
}

func TestJSONStreamFramingRoundTrip(t *testing.T) {
	s := newTestServer(DefaultConfig())
	rec := doReq(s, http.MethodPut, "/s", `["a","b"]`, map[string]string{"Content-Type": "application/json"})
	require.Equal(t, http.StatusCreated, rec.Code)

	appendRec := doReq(s, http.MethodPost, "/s", `"c"`, map[string]string{"Content-Type": "application/json"})
	require.Equal(t, http.StatusNoContent, appendRec.Code)

	readRec := doReq(s, http.MethodGet, "/s?offset=-1", "", nil)
	require.Equal(t, http.StatusOK, readRec.Code)
	require.JSONEq(t, `["a","b","c"]`, readRec.Body.String())
}

func TestDeleteStream(t *testing.T) {
	s := newTestServer(DefaultConfig())
	doReq(s, http.MethodPut, "/s", "", map[string]string{"Content-Type": "text/plain"})

	rec := doReq(s, http.MethodDelete, "/s", "", nil)
	require.Equal(t, http.StatusNoContent, rec.Code)

	rec2 := doReq(s, http.MethodDelete, "/s", "", nil)
	require.Equal(t, http.StatusNotFound, rec2.Code)

	rec3 := doReq(s, http.MethodHead, "/s", "", nil)
	require.Equal(t, http.StatusNotFound, rec3.Code)
}

func TestOptionsNoContent(t *testing.T) {
	s := newTestServer(DefaultConfig())
	rec := doReq(s, http.MethodOptions, "/s", "", nil)
	require.Equal(t, http.StatusNoContent, rec.Code)
}

func TestETagNotModified(t *testing.T) {
	s := newTestServer(DefaultConfig())
	doReq(s, http.MethodPut, "/s", "hello", map[string]string{"Content-Type": "text/plain"})

	rec := doReq(s, http.MethodGet, "/s?offset=-1", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	etag := rec.Header().Get("ETag")
	require.NotEmpty(t, etag)

	rec2 := doReq(s, http.MethodGet, "/s?offset=-1", "", map[string]string{"If-None-Match": etag})
	require.Equal(t, http.StatusNotModified, rec2.Code)
}

func TestLongPollTimesOutWithUpToDate(t *testing.T) {
	s := newTestServer(Config{LongPollTimeout: 30 * time.Millisecond, SSEReconnectInterval: time.Second, MaxBodyBytes: 1 << 20})
	doReq(s, http.MethodPut, "/s", "", map[string]string{"Content-Type": "text/plain"})

	rec := doReq(s, http.MethodGet, "/s?offset=-1&live=long-poll", "", nil)
	require.Equal(t, http.StatusNoContent, rec.Code)
	require.Equal(t, "true", rec.Header().Get(HeaderStreamUpToDate))
}

func TestLongPollWakesOnAppend(t *testing.T) {
	s := newTestServer(Config{LongPollTimeout: 2 * time.Second, SSEReconnectInterval: time.Second, MaxBodyBytes: 1 << 20})
	doReq(s, http.MethodPut, "/s", "", map[string]string{"Content-Type": "text/plain"})

	done := make(chan *httptest.ResponseRecorder, 1)
	go func() {
		done <- doReq(s, http.MethodGet, "/s?offset=-1&live=long-poll", "", nil)
	}()

	time.Sleep(20 * time.Millisecond)
	appendRec := doReq(s, http.MethodPost, "/s", "x", map[string]string{"Content-Type": "text/plain"})
	require.Equal(t, http.StatusNoContent, appendRec.Code)

	select {
	case rec := <-done:
		require.Equal(t, http.StatusOK, rec.Code)
		require.Equal(t, "x", rec.Body.String())
	case <-time.After(3 * time.Second):
		t.Fatal("long-poll request never returned")
	}
}

func TestSSEEmitsInitialControlThenStops(t *testing.T) {
	s := newTestServer(Config{LongPollTimeout: time.Second, SSEReconnectInterval: time.Hour, MaxBodyBytes: 1 << 20})
	doReq(s, http.MethodPut, "/s", "hello", map[string]string{"Content-Type": "text/plain"})

	ctx, cancel := context.WithTimeout(context.Background(), 150*time.Millisecond)
	defer cancel()
	req := httptest.NewRequest(http.MethodGet, "/s?offset=-1&live=sse", nil).WithContext(ctx)
	rec := httptest.NewRecorder()
	s.Routes().ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "text/event-stream", rec.Header().Get("Content-Type"))
	require.Contains(t, rec.Body.String(), "event: data")
	require.Contains(t, rec.Body.String(), "event: control")
	require.Contains(t, rec.Body.String(), "data: hello")
}

func TestMultipleOffsetParamsRejected(t *testing.T) {
	s := newTestServer(DefaultConfig())
	doReq(s, http.MethodPut, "/s", "", map[string]string{"Content-Type": "text/plain"})

	rec := doReq(s, http.MethodGet, "/s?offset=-1&offset=0", "", nil)
	require.Equal(t, http.StatusBadRequest, rec.Code)
}
