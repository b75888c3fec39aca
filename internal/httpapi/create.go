package httpapi

import (
	"fmt"
	"io"
	"net/http"

	"go.uber.org/zap"

	"github.com/durablestreams/streamd/internal/hooks"
	"github.com/durablestreams/streamd/internal/protocol"
)

// handleCreate implements PUT /{path} (spec §4.3.1, §6.1).
func (s *Server) handleCreate(w http.ResponseWriter, r *http.Request, path string) {
	contentType := r.Header.Get("Content-Type")
	ttlStr := r.Header.Get(HeaderStreamTTL)
	expiresAtStr := r.Header.Get(HeaderStreamExpiresAt)

	if ttlStr != "" && expiresAtStr != "" {
		writeHTTPError(w, http.StatusBadRequest, "cannot specify both Stream-TTL and Stream-Expires-At")
		return
	}

	var ttlSeconds *int64
	if ttlStr != "" {
		ttl, err := parseTTL(ttlStr)
		if err != nil {
			writeHTTPError(w, http.StatusBadRequest, err.Error())
			return
		}
		ttlSeconds = &ttl
	}

	req := protocol.CreateRequest{
		Path:        path,
		ContentType: contentType,
		TTLSeconds:  ttlSeconds,
		Closed:      r.Header.Get(HeaderStreamClosed) == "true",
	}
	if expiresAtStr != "" {
		t, err := parseExpiresAt(expiresAtStr)
		if err != nil {
			writeHTTPError(w, http.StatusBadRequest, "invalid Stream-Expires-At format")
			return
		}
		req.ExpiresAt = &t
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
	req.InitialData = body

	result, perr := s.manager.Create(req)
	if perr != nil {
		s.writeProtocolError(w, perr)
		return
	}

	if result.Created {
		if err := s.hooks.FireCreated(hooks.CreatedEvent{
			Path:        path,
			ContentType: result.Info.ContentType,
			Timestamp:   result.Info.CreatedAt,
		}); err != nil {
			s.logger.Error("stream-created hook failed", zap.Error(err))
			writeHTTPError(w, http.StatusInternalServerError, "lifecycle hook failed")
			return
		}
		s.metrics.StreamCreated()
	}

	w.Header().Set("Content-Type", result.Info.ContentType)
	w.Header().Set(HeaderStreamNextOffset, result.Info.CurrentOffset.String())
	if result.Info.Closed {
		w.Header().Set(HeaderStreamClosed, "true")
	}

	if result.Created {
		scheme := "http"
		if r.TLS != nil {
			scheme = "https"
		}
		if proto := r.Header.Get("X-Forwarded-Proto"); proto != "" {
			scheme = proto
		}
		w.Header().Set("Location", fmt.Sprintf("%s://%s%s", scheme, r.Host, r.URL.Path))
		w.WriteHeader(http.StatusCreated)
		return
	}
	w.WriteHeader(http.StatusOK)
}
