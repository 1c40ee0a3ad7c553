// Package server implements the HTTP/2 h2c backup server: session
// lifecycle, chunk upload, index writer, listing, and GC endpoints,
// one handler per backup session operation.
package server

import (
	"context"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"dedupvault/internal/chunk"
	"dedupvault/internal/chunkstore"
	"dedupvault/internal/logging"
	"dedupvault/internal/session"

	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"
)

// Config holds server configuration.
type Config struct {
	// Logger for structured logging.
	Logger *slog.Logger

	// Root is the datastore root directory: snapshot directories live
	// under <Root>/<type>/<id>/<timestamp>/, chunks under the Store's own
	// root (typically <Root>/.chunks, wired by the caller).
	Root string

	// KeepGrace is the GC cutoff grace period, forwarded to on-demand
	// sweep requests.
	KeepGrace time.Duration
}

// Server is the backup protocol's HTTP/2 (h2c) server. HTTP is always on;
// this module carries no TLS termination of its own — a reverse proxy or
// the caller's own listener handles HTTPS, matching the spec's "HTTPS
// connection, then an in-band upgrade" note (TLS lives outside the backup
// core's scope).
type Server struct {
	store     *chunkstore.Store
	root      string
	keepGrace time.Duration
	logger    *slog.Logger

	startTime time.Time

	mu       sync.Mutex
	sessions map[string]*session.Session
	listener net.Listener
	server   *http.Server
	shutdown chan struct{}
	inFlight sync.WaitGroup
	draining atomic.Bool
}

// New creates a new Server backed by store, rooted at cfg.Root.
func New(store *chunkstore.Store, cfg Config) *Server {
	return &Server{
		store:     store,
		root:      cfg.Root,
		keepGrace: cfg.KeepGrace,
		logger:    logging.Default(cfg.Logger).With("component", "server"),
		startTime: time.Now(),
		sessions:  make(map[string]*session.Session),
		shutdown:  make(chan struct{}),
	}
}

// registerProbes adds liveness and readiness probe endpoints.
func (s *Server) registerProbes(mux *http.ServeMux) {
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc("/readyz", func(w http.ResponseWriter, r *http.Request) {
		if s.draining.Load() {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	})
}

// trackingMiddleware wraps an http.Handler to track in-flight requests and
// reject new ones once the server is draining.
func (s *Server) trackingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.draining.Load() {
			http.Error(w, "server is draining", http.StatusServiceUnavailable)
			return
		}
		s.inFlight.Add(1)
		defer s.inFlight.Done()
		next.ServeHTTP(w, r)
	})
}

// buildMux registers every backup operation handler and the probe
// endpoints.
func (s *Server) buildMux() *http.ServeMux {
	mux := http.NewServeMux()

	mux.HandleFunc("POST /backup/open_session", s.handleOpenSession)
	mux.HandleFunc("POST /backup/create_dynamic_index", s.handleCreateDynamicIndex)
	mux.HandleFunc("POST /backup/create_fixed_index", s.handleCreateFixedIndex)
	mux.HandleFunc("POST /backup/dynamic_append", s.handleDynamicAppend)
	mux.HandleFunc("POST /backup/fixed_append", s.handleFixedAppend)
	mux.HandleFunc("POST /backup/close_dynamic_index", s.handleCloseWriter)
	mux.HandleFunc("POST /backup/close_fixed_index", s.handleCloseWriter)
	mux.HandleFunc("POST /backup/upload_chunk", s.handleUploadChunk)
	mux.HandleFunc("POST /backup/upload_blob", s.handleUploadBlob)
	mux.HandleFunc("GET /backup/download_previous_index", s.handleDownloadPreviousIndex)
	mux.HandleFunc("POST /backup/finish", s.handleFinish)
	mux.HandleFunc("POST /backup/abort", s.handleAbort)
	mux.HandleFunc("GET /backup/list_groups", s.handleListGroups)
	mux.HandleFunc("GET /backup/list_snapshots", s.handleListSnapshots)
	mux.HandleFunc("POST /backup/gc", s.handleGC)

	s.registerProbes(mux)
	return mux
}

// Serve starts the server on the given listener. It blocks until the
// server is stopped or an error occurs.
func (s *Server) Serve(listener net.Listener) error {
	s.mu.Lock()
	s.listener = listener
	s.mu.Unlock()

	mux := s.buildMux()
	handler := s.trackingMiddleware(mux)

	s.server = &http.Server{
		Handler:           h2c.NewHandler(handler, &http2.Server{MaxUploadBufferPerStream: 32 << 20}),
		ReadHeaderTimeout: 10 * time.Second,
	}

	s.logger.Info("server starting", "addr", listener.Addr().String())
	err := s.server.Serve(listener)
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// ServeTCP starts the server on a TCP address.
func (s *Server) ServeTCP(addr string) error {
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	return s.Serve(listener)
}

// Handler returns an http.Handler for the server, for embedding in tests
// or another process's mux.
func (s *Server) Handler() http.Handler {
	mux := s.buildMux()
	handler := h2c.NewHandler(mux, &http2.Server{MaxUploadBufferPerStream: 32 << 20})
	return s.trackingMiddleware(handler)
}

// Stop gracefully stops the server, aborting any still-open sessions.
func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	srv := s.server
	s.draining.Store(true)
	select {
	case <-s.shutdown:
	default:
		close(s.shutdown)
	}
	sessions := make([]*session.Session, 0, len(s.sessions))
	for _, sess := range s.sessions {
		sessions = append(sessions, sess)
	}
	s.sessions = make(map[string]*session.Session)
	s.mu.Unlock()

	for _, sess := range sessions {
		if sess.Status() == session.Running || sess.Status() == session.Opened {
			_ = sess.Abort()
		}
	}

	if srv == nil {
		return nil
	}
	s.logger.Info("server stopping")
	return srv.Shutdown(ctx)
}

// ShutdownChan returns a channel that is closed when graceful shutdown
// begins.
func (s *Server) ShutdownChan() <-chan struct{} {
	return s.shutdown
}

func (s *Server) registerSession(id string, sess *session.Session) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions[id] = sess
}

func (s *Server) lookupSession(id string) (*session.Session, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[id]
	return sess, ok
}

func (s *Server) dropSession(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sessions, id)
}

// digestsFrom parses a list of hex-encoded digest strings, failing on the
// first malformed entry.
func digestsFrom(hexes []string) ([]chunk.Digest, error) {
	out := make([]chunk.Digest, len(hexes))
	for i, h := range hexes {
		d, err := chunk.ParseDigest(h)
		if err != nil {
			return nil, err
		}
		out[i] = d
	}
	return out, nil
}
