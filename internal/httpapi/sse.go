package httpapi

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"regexp"
	"strings"
	"time"

	"github.com/durablestreams/streamd/internal/backend"
	"github.com/durablestreams/streamd/internal/offset"
	"github.com/durablestreams/streamd/internal/protocol"
)

// crlfSplit finds any line terminator variant so SSE payload lines can
// never smuggle an extra "data:" frame or blank-line event boundary
// (spec §4.4: "payload split on \r\n|\r|\n to prevent CRLF-injection").
var crlfSplit = regexp.MustCompile(`\r\n|\r|\n`)

// sseControl is the JSON body of a "control" event (spec §4.4, §6.1.4).
type sseControl struct {
	StreamNextOffset string `json:"streamNextOffset"`
	StreamCursor     string `json:"streamCursor,omitempty"`
	UpToDate         *bool  `json:"upToDate,omitempty"`
	StreamClosed     *bool  `json:"streamClosed,omitempty"`
}

// isTextCompatible reports whether ct should be emitted as decoded UTF-8
// in SSE frames rather than base64 (spec §4.4).
func isTextCompatible(ct string) bool {
	media := strings.ToLower(protocol.ExtractMediaType(ct))
	return strings.HasPrefix(media, "text/") || media == "application/json"
}

// handleSSE implements the live=sse delivery mode (spec §4.4, §6.1.4).
func (s *Server) handleSSE(w http.ResponseWriter, r *http.Request, path string, from offset.Offset, cursor string) {
	info, perr := s.manager.Head(path)
	if perr != nil {
		s.writeProtocolError(w, perr)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	textPayload := isTextCompatible(info.ContentType)
	if !textPayload {
		w.Header().Set(HeaderSSEDataEncoding, "base64")
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeHTTPError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	ctx := r.Context()
	reconnect := time.NewTimer(s.cfg.SSEReconnectInterval)
	defer reconnect.Stop()

	current := from
	sentInitialControl := false

	if s.metrics != nil {
		s.metrics.Read("sse")
		s.metrics.WaiterStarted()
		defer s.metrics.WaiterEnded(false)
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-reconnect.C:
			// Close the connection so a CDN can collapse the next
			// reconnect into a single origin request (spec §4.4).
			return
		default:
		}

		outcome, perr := s.manager.Read(protocol.ReadRequest{Path: path, From: current})
		if perr != nil {
			return
		}

		if len(outcome.Messages) > 0 {
			s.writeSSEData(w, info.ContentType, outcome.Messages, textPayload)
			current = outcome.Messages[len(outcome.Messages)-1].Offset
			sentInitialControl = true

			closed := outcome.Closed && current.Equal(outcome.CurrentOffset)
			s.writeSSEControl(w, current, cursor, nil, boolPtrIf(closed))
			flusher.Flush()

			if closed {
				return
			}
		} else if !sentInitialControl {
			upToDate := true
			s.writeSSEControl(w, outcome.CurrentOffset, cursor, &upToDate, nil)
			flusher.Flush()
			sentInitialControl = true

			if outcome.ClosedAtTail {
				return
			}
		} else if outcome.ClosedAtTail {
			closed := true
			s.writeSSEControl(w, outcome.CurrentOffset, cursor, nil, &closed)
			flusher.Flush()
			return
		}

		waitCtx, cancel := context.WithTimeout(ctx, 100*time.Millisecond)
		s.manager.Wait(waitCtx, path, current)
		cancel()
	}
}

func boolPtrIf(b bool) *bool {
	if !b {
		return nil
	}
	return &b
}

// writeSSEData emits one "data" event for a batch of messages.
func (s *Server) writeSSEData(w http.ResponseWriter, contentType string, messages []backend.Message, textPayload bool) {
	body := formatMessages(contentType, messages)
	fmt.Fprint(w, "event: data\n")
	if textPayload {
		for _, line := range crlfSplit.Split(string(body), -1) {
			fmt.Fprintf(w, "data: %s\n", line)
		}
	} else {
		fmt.Fprintf(w, "data: %s\n", base64.StdEncoding.EncodeToString(body))
	}
	fmt.Fprint(w, "\n")
}

// writeSSEControl emits one "control" event (spec §4.4, §6.1.4).
func (s *Server) writeSSEControl(w http.ResponseWriter, next offset.Offset, cursor string, upToDate, streamClosed *bool) {
	ctrl := sseControl{
		StreamNextOffset: next.String(),
		StreamCursor:     nextCursor(cursor),
		UpToDate:         upToDate,
		StreamClosed:     streamClosed,
	}
	payload, _ := json.Marshal(ctrl)
	fmt.Fprint(w, "event: control\n")
	fmt.Fprintf(w, "data: %s\n\n", payload)
}
