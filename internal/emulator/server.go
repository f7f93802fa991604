package emulator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/sync/errgroup"

	"github.com/kilupskalvis/docsync/internal/metrics"
	"github.com/kilupskalvis/docsync/internal/models"
	"github.com/kilupskalvis/docsync/internal/remote"
	"github.com/kilupskalvis/docsync/internal/status"
)

// Config holds configurable limits for the emulator.
type Config struct {
	// Token, when set, must be presented as a bearer token.
	Token             string
	MaxRequestBody    int64 // bytes, for JSON endpoints
	RequestsPerMinute int   // per client address; 0 disables the limit
}

// DefaultConfig returns reasonable defaults.
func DefaultConfig() *Config {
	return &Config{
		MaxRequestBody: 16 * 1024 * 1024, // 16MB
	}
}

// Server serves the documents in a Store over HTTP and websockets.
type Server struct {
	store    *Store
	hub      *hub
	cfg      *Config
	logger   *slog.Logger
	upgrader websocket.Upgrader

	// ctx is cancelled by Close to end open streams.
	ctx    context.Context
	cancel context.CancelFunc
}

// New creates a server for store.
func New(store *Store, cfg *Config, logger *slog.Logger) *Server {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Server{
		store:  store,
		hub:    newHub(),
		cfg:    cfg,
		logger: logger,
		upgrader: websocket.Upgrader{
			EnableCompression: true,
			CheckOrigin:       func(*http.Request) bool { return true },
		},
		ctx:    ctx,
		cancel: cancel,
	}
}

// Close ends every open stream. The store stays open.
func (s *Server) Close() {
	s.cancel()
}

// Handler creates the HTTP handler with all routes and middleware.
// The returned cleanup function stops background goroutines and should be
// called on server shutdown.
func (s *Server) Handler() (http.Handler, func()) {
	rl := newRateLimiter(s.cfg.RequestsPerMinute)
	auth := authMiddleware(s.cfg.Token)

	// Execution order: auth -> rl -> handler
	withAuth := func(h http.HandlerFunc) http.Handler {
		return applyMiddleware(h, auth, rl.middleware)
	}

	const base = "/v1/projects/{project}/databases/{database}"
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", handleHealthz)
	mux.Handle("POST "+base+"/documents:commit", withAuth(s.handleCommit))
	mux.Handle("POST "+base+"/documents:batchGet", withAuth(s.handleBatchGet))
	mux.Handle("POST "+base+"/documents:runQuery", withAuth(s.handleRunQuery))
	mux.Handle("GET "+base+"/listen", withAuth(s.handleListen))
	mux.Handle("GET "+base+"/write", withAuth(s.handleWrite))

	handler := applyMiddleware(mux,
		recoveryMiddleware(s.logger),
		loggingMiddleware(s.logger),
		requestIDMiddleware,
	)
	return handler, rl.Stop
}

// Serve listens on addr until ctx is cancelled, then shuts down.
func (s *Server) Serve(ctx context.Context, addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", addr, err)
	}
	return s.ServeListener(ctx, ln)
}

// ServeListener serves on ln until ctx is cancelled.
func (s *Server) ServeListener(ctx context.Context, ln net.Listener) error {
	handler, cleanup := s.Handler()
	defer cleanup()

	srv := &http.Server{
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		s.logger.Info("emulator listening", "addr", ln.Addr().String())
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		s.logger.Info("shutting down emulator")
		s.Close()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	return g.Wait()
}

// databaseName returns the resource name addressed by the request path.
func databaseName(r *http.Request) string {
	return fmt.Sprintf("projects/%s/databases/%s", r.PathValue("project"), r.PathValue("database"))
}

// checkDatabase rejects requests whose body names another database.
func checkDatabase(r *http.Request, requested string) error {
	if requested != "" && requested != databaseName(r) {
		return status.New(status.InvalidArgument, "request for %s sent to %s", requested, databaseName(r))
	}
	return nil
}

// --- Unary Handlers ---

func (s *Server) handleCommit(w http.ResponseWriter, r *http.Request) {
	var req remote.CommitRequest
	if err := readJSON(r, s.cfg.MaxRequestBody, &req); err != nil {
		writeError(w, err)
		return
	}
	if err := checkDatabase(r, req.Database); err != nil {
		writeError(w, err)
		return
	}

	database := databaseName(r)
	result, err := s.store.Commit(database, req.Writes)
	if err != nil {
		writeError(w, err)
		return
	}
	metrics.IncEmulatorCommit(database, "unary")
	s.hub.publish(database)
	writeJSON(w, http.StatusOK, remote.CommitResponse{CommitTime: result.CommitTime, WriteResults: result.Results})
}

func (s *Server) handleBatchGet(w http.ResponseWriter, r *http.Request) {
	var req remote.BatchGetRequest
	if err := readJSON(r, s.cfg.MaxRequestBody, &req); err != nil {
		writeError(w, err)
		return
	}
	if err := checkDatabase(r, req.Database); err != nil {
		writeError(w, err)
		return
	}

	var resp remote.BatchGetResponse
	err := s.store.View(databaseName(r), func(snap *Snapshot) error {
		resp.ReadTime = snap.ReadTime()
		for _, key := range req.Documents {
			doc, err := snap.Get(key)
			if err != nil {
				return err
			}
			if doc == nil {
				resp.Missing = append(resp.Missing, key)
				continue
			}
			resp.Found = append(resp.Found, remote.WireDocumentFrom(doc))
		}
		return nil
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleRunQuery(w http.ResponseWriter, r *http.Request) {
	var req remote.RunQueryRequest
	if err := readJSON(r, s.cfg.MaxRequestBody, &req); err != nil {
		writeError(w, err)
		return
	}
	if err := checkDatabase(r, req.Database); err != nil {
		writeError(w, err)
		return
	}

	var resp remote.RunQueryResponse
	err := s.store.View(databaseName(r), func(snap *Snapshot) error {
		docs, err := snap.RunQuery(req.Target)
		if err != nil {
			return err
		}
		resp.ReadTime = snap.ReadTime()
		resp.Documents = wireDocuments(docs)
		return nil
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func handleHealthz(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}

// --- Helpers ---

func wireDocuments(docs []*models.Document) []remote.WireDocument {
	out := make([]remote.WireDocument, len(docs))
	for i, doc := range docs {
		out[i] = remote.WireDocumentFrom(doc)
	}
	return out
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

// writeError sends the standard error body with the HTTP status of err's
// code.
func writeError(w http.ResponseWriter, err error) {
	writeJSON(w, status.HTTPStatus(status.CodeOf(err)), remote.ErrorResponseFrom(err))
}

func readJSON(r *http.Request, maxSize int64, v any) error {
	limited := io.LimitReader(r.Body, maxSize)
	if err := json.NewDecoder(limited).Decode(v); err != nil {
		return status.Wrap(status.InvalidArgument, err, "invalid JSON")
	}
	return nil
}
