package httpapi

import "net/http"

// handleHead implements HEAD /{path} (spec §6.1).
func (s *Server) handleHead(w http.ResponseWriter, r *http.Request, path string) {
	info, perr := s.manager.Head(path)
	if perr != nil {
		s.writeProtocolError(w, perr)
		return
	}

	w.Header().Set("Content-Type", info.ContentType)
	w.Header().Set(HeaderStreamNextOffset, info.CurrentOffset.String())
	w.Header().Set("Cache-Control", "no-store")
	w.Header().Set("ETag", buildETag(path, info.CurrentOffset.String(), info.CurrentOffset.String(), info.Closed))
	if info.Closed {
		w.Header().Set(HeaderStreamClosed, "true")
	}
	w.WriteHeader(http.StatusOK)
}
