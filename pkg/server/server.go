package server

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/nstogner/sectoragent/pkg/agent"
	"github.com/nstogner/sectoragent/pkg/auth"
	"github.com/nstogner/sectoragent/pkg/memory"
	"github.com/nstogner/sectoragent/pkg/retrieval"
	"github.com/nstogner/sectoragent/pkg/store"
)

const apiPrefix = "/api/v1"

// Options configures a Server.
type Options struct {
	// CORSOrigins lists the allowed origins. "*" allows any.
	CORSOrigins []string
	// RequestsPerMinute is the per-caller rate limit. Zero disables it.
	RequestsPerMinute int
	Version           string
	Logger            *slog.Logger
}

// Server serves the REST API and the chat websocket.
type Server struct {
	store   store.Store
	agent   *agent.Agent
	memory  *memory.Store
	index   retrieval.Index
	auth    auth.Authenticator
	opts    Options
	logger  *slog.Logger
	limiter *rateLimiter

	// hydration dedupes concurrent memory loads per conversation.
	hydration singleflight.Group

	mu  sync.Mutex
	srv *http.Server
}

// New creates a new Server. index may be nil, in which case the document
// routes answer 503.
func New(
	st store.Store,
	ag *agent.Agent,
	mem *memory.Store,
	index retrieval.Index,
	authn auth.Authenticator,
	opts Options,
) *Server {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Version == "" {
		opts.Version = "dev"
	}
	if len(opts.CORSOrigins) == 0 {
		opts.CORSOrigins = []string{"*"}
	}
	s := &Server{
		store:  st,
		agent:  ag,
		memory: mem,
		index:  index,
		auth:   authn,
		opts:   opts,
		logger: opts.Logger,
	}
	if opts.RequestsPerMinute > 0 {
		s.limiter = newRateLimiter(opts.RequestsPerMinute)
	}
	return s
}

// Handler returns the fully wrapped HTTP handler.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	// Health (open)
	mux.HandleFunc("GET "+apiPrefix+"/health", s.handleHealth)
	mux.HandleFunc("GET "+apiPrefix+"/health/db", s.handleHealthDB)
	mux.HandleFunc("GET "+apiPrefix+"/health/system", s.handleHealthSystem)

	// Conversations
	s.route(mux, "POST /agent/conversations", s.handleCreateConversation)
	s.route(mux, "GET /agent/conversations", s.handleListConversations)
	s.route(mux, "GET /agent/conversations/{id}", s.handleGetConversation)
	s.route(mux, "POST /agent/conversations/{id}/status", s.handleUpdateConversationStatus)

	// Turns
	s.route(mux, "POST /agent/execute", s.handleExecute)
	s.route(mux, "GET /agent/status", s.handleAgentStatus)

	// Metrics
	s.route(mux, "GET /agent/metrics/conversation/{id}", s.handleConversationMetrics)
	s.route(mux, "GET /agent/metrics/user", s.handleUserMetrics)

	// Memory
	s.route(mux, "GET /agent/conversations/{id}/memory/history", s.handleMemoryHistory)
	s.route(mux, "GET /agent/conversations/{id}/memory/context", s.handleMemoryContext)
	s.route(mux, "GET /agent/conversations/{id}/memory/stats", s.handleMemoryStatistics)
	s.route(mux, "GET /agent/conversations/{id}/memory/search", s.handleMemorySearch)
	s.route(mux, "GET /agent/conversations/{id}/memory/export", s.handleMemoryExport)
	s.route(mux, "GET /agent/conversations/{id}/memory/oldest", s.handleMemoryOldest)
	s.route(mux, "POST /agent/conversations/{id}/memory/cleanup", s.handleMemoryCleanup)
	s.route(mux, "DELETE /agent/conversations/{id}/memory", s.handleMemoryClear)
	s.route(mux, "GET /agent/memory/stats", s.handleMemoryStats)

	// Tools
	s.route(mux, "GET /agent/tools", s.handleListTools)
	s.route(mux, "POST /agent/tools/{name}", s.handleCallTool)

	// Documents
	s.route(mux, "POST /agent/documents", s.handleAddDocuments)
	s.route(mux, "DELETE /agent/documents/{id}", s.handleDeleteDocument)
	s.route(mux, "GET /agent/documents/search", s.handleSearchDocuments)
	s.route(mux, "GET /agent/documents/stats", s.handleDocumentStats)

	// WebSocket
	s.route(mux, "GET /agent/conversations/{id}/chat", s.handleChatWebSocket)

	var h http.Handler = mux
	h = s.corsMiddleware(h)
	h = s.loggingMiddleware(h)
	h = s.recoveryMiddleware(h)
	h = requestIDMiddleware(h)
	return h
}

// route registers an authenticated, rate limited route under apiPrefix.
// pattern is "METHOD /path".
func (s *Server) route(mux *http.ServeMux, pattern string, h http.HandlerFunc) {
	method, path, _ := strings.Cut(pattern, " ")
	var handler http.Handler = h
	handler = auth.Middleware(s.auth, func(w http.ResponseWriter, r *http.Request, err error) {
		s.errorResponse(w, http.StatusUnauthorized, err)
	})(handler)
	handler = s.rateLimitMiddleware(handler)
	mux.Handle(method+" "+apiPrefix+path, handler)
}

// Start starts the HTTP server.
func (s *Server) Start(addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.mu.Lock()
	s.srv = srv
	s.mu.Unlock()

	s.logger.Info("Starting web server", "addr", addr)
	err := srv.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	srv := s.srv
	s.mu.Unlock()
	if srv == nil {
		return nil
	}
	return srv.Shutdown(ctx)
}

func (s *Server) jsonResponse(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func (s *Server) errorResponse(w http.ResponseWriter, status int, err error) {
	if status >= http.StatusInternalServerError {
		s.logger.Error("API Error", "status", status, "error", err)
	} else {
		s.logger.Debug("API Error", "status", status, "error", err)
	}
	s.jsonResponse(w, status, map[string]string{"error": err.Error()})
}

// storeError maps a store error to a response.
func (s *Server) storeError(w http.ResponseWriter, err error) {
	if errors.Is(err, store.ErrNotFound) {
		s.errorResponse(w, http.StatusNotFound, err)
		return
	}
	s.errorResponse(w, http.StatusInternalServerError, err)
}

// intQuery parses an integer query parameter, returning def when absent.
func intQuery(r *http.Request, key string, def int) (int, error) {
	v := r.URL.Query().Get(key)
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, errors.New("invalid " + key + " parameter")
	}
	return n, nil
}

func floatQuery(r *http.Request, key string, def float64) (float64, error) {
	v := r.URL.Query().Get(key)
	if v == "" {
		return def, nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, errors.New("invalid " + key + " parameter")
	}
	return f, nil
}

func boolQuery(r *http.Request, key string, def bool) (bool, error) {
	v := r.URL.Query().Get(key)
	if v == "" {
		return def, nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return false, errors.New("invalid " + key + " parameter")
	}
	return b, nil
}

func pathID(r *http.Request) (int64, error) {
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil || id <= 0 {
		return 0, errors.New("invalid conversation id")
	}
	return id, nil
}
