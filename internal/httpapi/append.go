package httpapi

import (
	"io"
	"net/http"
	"strconv"

	"github.com/durablestreams/streamd/internal/protocol"
)

// handleAppend implements POST /{path} — append and/or close (spec
// §4.3.2, §4.3.3, §6.1).
func (s *Server) handleAppend(w http.ResponseWriter, r *http.Request, path string) {
	contentType := r.Header.Get("Content-Type")
	closeRequested := r.Header.Get(HeaderStreamClosed) == "true"

	producer, perr := parseProducerHeaders(r)
	if perr != nil {
		writeHTTPError(w, http.StatusBadRequest, perr.Error())
		return
	}

	var streamSeq *string
	if v := r.Header.Get(HeaderStreamSeq); v != "" {
		streamSeq = &v
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, s.cfg.MaxBodyBytes+1))
	if err != nil {
		writeHTTPError(w, http.StatusBadRequest, "failed to read body")
		return
	}
	if int64(len(body)) > s.cfg.MaxBodyBytes {
		writeHTTPError(w, http.StatusRequestEntityTooLarge, "payload too large")
		return
	}
	if len(body) == 0 && !closeRequested {
		writeHTTPError(w, http.StatusBadRequest, "empty body not allowed unless Stream-Closed is set")
		return
	}
	if len(body) > 0 && contentType == "" {
		writeHTTPError(w, http.StatusBadRequest, "Content-Type header is required")
		return
	}

	req := protocol.AppendRequest{
		Path:        path,
		ContentType: contentType,
		Data:        body,
		StreamSeq:   streamSeq,
		Producer:    producer,
		Close:       closeRequested,
	}

	result, aerr := s.manager.Append(req)
	if aerr != nil {
		if s.metrics != nil {
			s.metrics.AppendOutcome(outcomeLabel(aerr.Kind), 0)
		}
		s.writeProtocolError(w, aerr)
		return
	}
	if s.metrics != nil {
		outcome := "ok"
		if result.Duplicate {
			outcome = "duplicate"
		}
		s.metrics.AppendOutcome(outcome, len(body))
	}

	w.Header().Set(HeaderStreamNextOffset, result.Offset.String())
	if closeRequested {
		w.Header().Set(HeaderStreamClosed, "true")
	}

	if producer.HasAll() {
		w.Header().Set(HeaderProducerID, producer.ID)
		w.Header().Set(HeaderProducerSeq, strconv.FormatInt(result.ProducerSeq, 10))
		// A fresh accept is 200 (the table's "producer headers present"
		// case); an idempotent duplicate replay is 204, matching the
		// retry no-new-bytes contract spec.md §8 requires.
		if result.Duplicate {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		w.WriteHeader(http.StatusOK)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// parseProducerHeaders extracts the (Producer-Id, Producer-Epoch,
// Producer-Seq) triple, returning a zero value if none are present and
// an error if the headers are partially supplied with unparseable
// numeric fields.
func parseProducerHeaders(r *http.Request) (protocol.ProducerHeaders, error) {
	id := r.Header.Get(HeaderProducerID)
	epochStr := r.Header.Get(HeaderProducerEpoch)
	seqStr := r.Header.Get(HeaderProducerSeq)

	var p protocol.ProducerHeaders
	p.ID = id

	if epochStr != "" {
		epoch, err := strconv.ParseInt(epochStr, 10, 64)
		if err != nil {
			return protocol.ProducerHeaders{}, errInvalidHeader(HeaderProducerEpoch)
		}
		p.Epoch = &epoch
	}
	if seqStr != "" {
		seq, err := strconv.ParseInt(seqStr, 10, 64)
		if err != nil {
			return protocol.ProducerHeaders{}, errInvalidHeader(HeaderProducerSeq)
		}
		p.Seq = &seq
	}
	return p, nil
}

type headerError string

func (e headerError) Error() string { return "invalid " + string(e) + " header" }

func errInvalidHeader(name string) error { return headerError(name) }

// outcomeLabel maps a protocol error kind to the short metrics label
// used by Metrics.AppendOutcome.
func outcomeLabel(kind protocol.ErrorKind) string {
	switch kind {
	case protocol.KindStreamClosed:
		return "closed"
	case protocol.KindSequenceConflict, protocol.KindSequenceGap:
		return "conflict"
	case protocol.KindStaleEpoch, protocol.KindInvalidEpochSeq:
		return "invalid-producer"
	case protocol.KindContentTypeMismatch:
		return "content-type-mismatch"
	case protocol.KindInvalidJSON, protocol.KindEmptyJSONArray, protocol.KindEmptyBody:
		return "invalid-body"
	case protocol.KindNotFound:
		return "not-found"
	default:
		return "error"
	}
}
