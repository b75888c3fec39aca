// Package httpapi is the HTTP Handler (spec §4.4, §6): a thin surface
// that parses requests, dispatches to the Stream Manager, and encodes
// responses with the protocol's precise header/status semantics. It
// owns no protocol rules of its own; every decision beyond HTTP framing
// belongs to package protocol. Grounded on the teacher's handler.go,
// rehosted from a caddyhttp.MiddlewareHandler onto a standalone
// chi.Router (see DESIGN.md for why the Caddy host is dropped).
package httpapi

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/durablestreams/streamd/internal/hooks"
	"github.com/durablestreams/streamd/internal/metrics"
	"github.com/durablestreams/streamd/internal/protocol"
)

// CompressionThresholdBytes is a 1024-byte compression threshold. The
// compression middleware installed by Routes does not consult it: chi's
// Compress compresses eligible responses regardless of body size.
const CompressionThresholdBytes = 1024

// Config collects the defaulted options the teacher's module.go filled
// in Provision; here they are filled in NewServer instead of a Caddyfile
// directive.
type Config struct {
	LongPollTimeout      time.Duration
	SSEReconnectInterval time.Duration
	MaxBodyBytes         int64
}

// DefaultConfig returns Config with every field at its spec-mandated or
// teacher-mirrored default.
func DefaultConfig() Config {
	return Config{
		LongPollTimeout:      protocol.DefaultLongPollTimeout,
		SSEReconnectInterval: 60 * time.Second,
		MaxBodyBytes:         64 * 1024 * 1024,
	}
}

func (c *Config) setDefaults() {
	if c.LongPollTimeout == 0 {
		c.LongPollTimeout = protocol.DefaultLongPollTimeout
	}
	if c.SSEReconnectInterval == 0 {
		c.SSEReconnectInterval = 60 * time.Second
	}
	if c.MaxBodyBytes == 0 {
		c.MaxBodyBytes = 64 * 1024 * 1024
	}
}

// Server is the HTTP Handler. It is not itself an http.Handler; call
// Routes to obtain a chi.Router mountable at any prefix.
type Server struct {
	manager *protocol.Manager
	hooks   *hooks.Hooks
	metrics *metrics.Metrics
	logger  *zap.Logger
	cfg     Config
}

// NewServer builds a Server around an already-constructed Stream
// Manager. hooks and m may be nil: a nil h is replaced with an empty
// hooks.Hooks, and every *metrics.Metrics method is a no-op on a nil
// receiver.
func NewServer(manager *protocol.Manager, h *hooks.Hooks, m *metrics.Metrics, logger *zap.Logger, cfg Config) *Server {
	cfg.setDefaults()
	if logger == nil {
		logger = zap.NewNop()
	}
	if h == nil {
		h = hooks.New()
	}
	if manager != nil {
		manager.SetLongPollTimeout(cfg.LongPollTimeout)
	}
	return &Server{manager: manager, hooks: h, metrics: m, logger: logger, cfg: cfg}
}

// Routes builds the full router: one catch-all route per spec §6.1's
// method table, fronted by request logging and response compression
// (applied at any body size).
func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Compress(5))
	r.Use(s.logRequest)

	r.HandleFunc("/*", s.dispatch)
	return r
}

func (s *Server) dispatch(w http.ResponseWriter, r *http.Request) {
	path := r.URL.Path

	w.Header().Set("Access-Control-Expose-Headers",
		"Stream-Next-Offset, Stream-Cursor, Stream-Up-To-Date, Stream-Closed, ETag, Location")

	switch r.Method {
	case http.MethodPut:
		s.handleCreate(w, r, path)
	case http.MethodHead:
		s.handleHead(w, r, path)
	case http.MethodGet:
		s.handleRead(w, r, path)
	case http.MethodPost:
		s.handleAppend(w, r, path)
	case http.MethodDelete:
		s.handleDelete(w, r, path)
	case http.MethodOptions:
		s.handleOptions(w, r)
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

// handleOptions answers CORS preflight with a bare 204. Preflight
// Access-Control-Allow-* headers belong to a fronting layer (spec §1);
// the only CORS header this server sets is the Access-Control-Expose-Headers
// that dispatch adds to every response.
func (s *Server) handleOptions(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) logRequest(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		s.logger.Debug("handling request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.String("query", r.URL.RawQuery))
		next.ServeHTTP(sw, r)
		if s.metrics != nil {
			s.metrics.RequestDuration(r.Method, statusClass(sw.status), time.Since(start).Seconds())
		}
	})
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(status int) {
	w.status = status
	w.ResponseWriter.WriteHeader(status)
}

// Flush forwards to the embedded writer's Flusher so SSE responses
// written through the logging wrapper still stream incrementally.
func (w *statusWriter) Flush() {
	if f, ok := w.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// Unwrap exposes the embedded writer to http.ResponseController.
func (w *statusWriter) Unwrap() http.ResponseWriter {
	return w.ResponseWriter
}

func statusClass(status int) string {
	switch {
	case status >= 500:
		return "5xx"
	case status >= 400:
		return "4xx"
	case status >= 300:
		return "3xx"
	default:
		return "2xx"
	}
}
