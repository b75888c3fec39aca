package httpapi

import (
	"net/http"

	"github.com/durablestreams/streamd/internal/backend"
	"github.com/durablestreams/streamd/internal/offset"
	"github.com/durablestreams/streamd/internal/protocol"
)

// handleRead implements GET /{path}?offset=&live=&cursor= (spec §4.3.4,
// §4.3.5, §6.1).
func (s *Server) handleRead(w http.ResponseWriter, r *http.Request, path string) {
	query := r.URL.Query()

	offsetValues, offsetProvided := query["offset"]
	offsetStr := ""
	if offsetProvided {
		if len(offsetValues) > 1 {
			writeHTTPError(w, http.StatusBadRequest, "multiple offset parameters not allowed")
			return
		}
		offsetStr = offsetValues[0]
		if offsetStr == "" {
			writeHTTPError(w, http.StatusBadRequest, "offset parameter cannot be empty")
			return
		}
	}
	if offsetStr != "" && !offset.IsValid(offsetStr) {
		writeHTTPError(w, http.StatusBadRequest, "invalid offset")
		return
	}

	liveMode := query.Get("live")
	cursor := query.Get("cursor")
	if liveMode != "" && liveMode != "long-poll" && liveMode != "sse" {
		writeHTTPError(w, http.StatusBadRequest, "invalid live mode")
		return
	}
	if (liveMode == "long-poll" || liveMode == "sse") && !offsetProvided {
		writeHTTPError(w, http.StatusBadRequest, "offset required for live mode")
		return
	}

	from, _, perr := s.resolveRequestOffset(path, offsetStr)
	if perr != nil {
		s.writeProtocolError(w, perr)
		return
	}

	if liveMode == "sse" {
		s.handleSSE(w, r, path, from, cursor)
		return
	}

	if s.metrics != nil {
		mode := "catchup"
		if liveMode == "long-poll" {
			mode = "long-poll"
		}
		s.metrics.Read(mode)
	}

	outcome, perr := s.manager.Read(protocol.ReadRequest{Path: path, From: from})
	if perr != nil {
		s.writeProtocolError(w, perr)
		return
	}

	if liveMode == "long-poll" && len(outcome.Messages) == 0 && !outcome.ClosedAtTail {
		s.waitAndRespond(w, r, path, from, cursor)
		return
	}

	nextOffset := from
	if len(outcome.Messages) > 0 {
		nextOffset = outcome.Messages[len(outcome.Messages)-1].Offset
	} else {
		nextOffset = outcome.CurrentOffset
	}
	atTail := nextOffset.Equal(outcome.CurrentOffset)
	s.writeReadResponse(w, r, path, from, nextOffset, outcome, liveMode, cursor, atTail)
}

// resolveRequestOffset parses the offset query value, resolving the
// "now" sentinel against the stream's live tail at request time (spec
// §4.3.4, §6.1.2).
func (s *Server) resolveRequestOffset(path, offsetStr string) (from offset.Offset, resolvedNow bool, perr *protocol.Error) {
	if offset.IsNow(offsetStr) {
		tail, perr := s.manager.ResolveTail(path)
		if perr != nil {
			return offset.Offset{}, false, perr
		}
		return tail, true, nil
	}
	parsed, err := offset.Parse(offsetStr)
	if err != nil {
		// "now" is handled above and offset.IsValid has already rejected
		// malformed forms; IsValid checks characters, not magnitude, so
		// the one failure left is a numeric field that overflows uint64.
		return offset.Offset{}, false, &protocol.Error{Kind: protocol.KindInternal, Message: err.Error()}
	}
	return parsed, false, nil
}

// waitAndRespond performs the long-poll wait (spec §4.3.5) and writes
// the resulting response: 200 with new data, or 204 timed-out/closed.
func (s *Server) waitAndRespond(w http.ResponseWriter, r *http.Request, path string, from offset.Offset, cursor string) {
	if s.metrics != nil {
		s.metrics.WaiterStarted()
	}
	outcome, perr := s.manager.Wait(r.Context(), path, from)
	if s.metrics != nil {
		timedOut := perr == nil && len(outcome.Messages) == 0 && !outcome.ClosedAtTail
		s.metrics.WaiterEnded(timedOut)
	}
	if perr != nil {
		s.writeProtocolError(w, perr)
		return
	}

	if len(outcome.Messages) == 0 {
		// Either the deadline fired or the request was cancelled; both
		// report as a timed-out-equivalent 204 (spec §4.3.5).
		w.Header().Set(HeaderStreamNextOffset, outcome.CurrentOffset.String())
		w.Header().Set(HeaderStreamUpToDate, "true")
		w.Header().Set(HeaderStreamCursor, nextCursor(cursor))
		if outcome.ClosedAtTail {
			w.Header().Set(HeaderStreamClosed, "true")
		}
		w.WriteHeader(http.StatusNoContent)
		return
	}

	nextOffset := outcome.Messages[len(outcome.Messages)-1].Offset
	s.writeReadResponse(w, r, path, from, nextOffset, outcome, "long-poll", cursor, nextOffset.Equal(outcome.CurrentOffset))
}

// writeReadResponse encodes and writes a 200/204/304 response body for
// a (possibly empty) set of messages.
func (s *Server) writeReadResponse(w http.ResponseWriter, r *http.Request, path string, from, nextOffset offset.Offset, outcome protocol.ReadOutcome, liveMode, cursor string, atTail bool) {
	info, perr := s.manager.Head(path)
	if perr != nil {
		s.writeProtocolError(w, perr)
		return
	}

	etag := buildETag(path, from.String(), nextOffset.String(), outcome.ClosedAtTail)
	if inm := r.Header.Get("If-None-Match"); inm != "" && inm == etag {
		w.WriteHeader(http.StatusNotModified)
		return
	}

	body := formatMessages(info.ContentType, outcome.Messages)

	w.Header().Set("Content-Type", info.ContentType)
	w.Header().Set(HeaderStreamNextOffset, nextOffset.String())
	w.Header().Set("ETag", etag)
	if atTail {
		w.Header().Set(HeaderStreamUpToDate, "true")
	}
	if outcome.ClosedAtTail {
		w.Header().Set(HeaderStreamClosed, "true")
	}
	if liveMode == "long-poll" {
		w.Header().Set(HeaderStreamCursor, nextCursor(cursor))
	}
	if !atTail && len(outcome.Messages) > 0 {
		w.Header().Set("Cache-Control", "public, max-age=60, stale-while-revalidate=300")
	}

	if len(outcome.Messages) == 0 && liveMode != "" {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	w.WriteHeader(http.StatusOK)
	w.Write(body)
}

// formatMessages implements spec §4.4's response formatting rules: a
// JSON stream concatenates the stored (already comma-terminated)
// records and wraps them in a single array; any other content-type is
// raw concatenation with no framing.
func formatMessages(contentType string, messages []backend.Message) []byte {
	if protocol.IsJSONContentType(contentType) {
		var total int
		for _, m := range messages {
			total += len(m.Data)
		}
		concatenated := make([]byte, 0, total)
		for _, m := range messages {
			concatenated = append(concatenated, m.Data...)
		}
		return protocol.FormatJSONResponse(concatenated)
	}

	var total int
	for _, m := range messages {
		total += len(m.Data)
	}
	out := make([]byte, 0, total)
	for _, m := range messages {
		out = append(out, m.Data...)
	}
	return out
}
