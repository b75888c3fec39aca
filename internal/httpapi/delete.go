package httpapi

import (
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/durablestreams/streamd/internal/hooks"
)

// handleDelete implements DELETE /{path} (spec §6.1).
func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request, path string) {
	existed, perr := s.manager.Delete(path)
	if perr != nil {
		s.writeProtocolError(w, perr)
		return
	}
	if !existed {
		writeHTTPError(w, http.StatusNotFound, "stream not found")
		return
	}

	if err := s.hooks.FireDeleted(hooks.DeletedEvent{Path: path, Timestamp: time.Now()}); err != nil {
		s.logger.Error("stream-deleted hook failed", zap.Error(err))
		writeHTTPError(w, http.StatusInternalServerError, "lifecycle hook failed")
		return
	}
	s.metrics.StreamDeleted()

	w.WriteHeader(http.StatusNoContent)
}
