package httpapi

import (
	"net/http"
	"strconv"

	"go.uber.org/zap"

	"github.com/durablestreams/streamd/internal/protocol"
)

// writeHTTPError writes a plain-text error body per spec §7's
// "user-visible failure behavior".
func writeHTTPError(w http.ResponseWriter, status int, message string) {
	http.Error(w, message, status)
}

// writeProtocolError maps a *protocol.Error to its status code and
// state-conveying headers (spec §6.1.3, §7) and writes the response.
func (s *Server) writeProtocolError(w http.ResponseWriter, perr *protocol.Error) {
	switch perr.Kind {
	case protocol.KindNotFound:
		writeHTTPError(w, http.StatusNotFound, "stream not found")
	case protocol.KindConfigConflict:
		writeHTTPError(w, http.StatusConflict, "stream exists with a different configuration")
	case protocol.KindContentTypeMismatch:
		writeHTTPError(w, http.StatusConflict, "content-type mismatch")
	case protocol.KindStreamClosed:
		w.Header().Set(HeaderStreamNextOffset, perr.CurrentOffset.String())
		w.Header().Set(HeaderStreamClosed, "true")
		writeHTTPError(w, http.StatusConflict, "stream is closed")
	case protocol.KindSequenceConflict:
		writeHTTPError(w, http.StatusConflict, "stream-seq conflict")
	case protocol.KindStaleEpoch:
		w.Header().Set(HeaderProducerEpoch, strconv.FormatInt(perr.CurrentEpoch, 10))
		writeHTTPError(w, http.StatusForbidden, "stale producer epoch")
	case protocol.KindInvalidEpochSeq:
		writeHTTPError(w, http.StatusBadRequest, "invalid epoch/seq combination")
	case protocol.KindSequenceGap:
		w.Header().Set(HeaderProducerExpSeq, strconv.FormatInt(perr.ExpectedSeq, 10))
		w.Header().Set(HeaderProducerRecvSeq, strconv.FormatInt(perr.ReceivedSeq, 10))
		writeHTTPError(w, http.StatusConflict, "producer sequence gap")
	case protocol.KindInvalidJSON:
		writeHTTPError(w, http.StatusBadRequest, "invalid JSON body")
	case protocol.KindEmptyJSONArray:
		writeHTTPError(w, http.StatusBadRequest, "empty JSON array not allowed on append")
	case protocol.KindEmptyBody:
		writeHTTPError(w, http.StatusBadRequest, "empty body not allowed")
	case protocol.KindPayloadTooLarge:
		writeHTTPError(w, http.StatusRequestEntityTooLarge, "payload too large")
	default:
		s.logger.Error("internal protocol error", zap.String("message", perr.Message))
		writeHTTPError(w, http.StatusInternalServerError, "internal server error")
	}
}
