package server

import (
	"context"
	"fmt"
	"html"
	"io/fs"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/jpalmerr/pulsequery/internal/livesync"
	"github.com/jpalmerr/pulsequery/internal/metrics"
	"github.com/jpalmerr/pulsequery/internal/store"
)

const (
	// sseWriteTimeout is the maximum time allowed for a single SSE write operation.
	// This prevents goroutine leaks when clients are slow or disconnected.
	// Must be <= shutdown timeout to ensure clean shutdown.
	sseWriteTimeout = 5 * time.Second

	// sseKeepAlive is the interval between comment frames on idle streams.
	sseKeepAlive = 15 * time.Second

	// maxBodyBytes caps request bodies.
	maxBodyBytes = 1 << 20

	// defaultTitle is used when no custom title is configured.
	defaultTitle = "pulsequery"

	// titlePlaceholder is the marker in HTML that gets replaced with the actual title.
	titlePlaceholder = "{{.Title}}"
)

// CommandRunner submits shell commands for background execution.
type CommandRunner interface {
	Submit(command string) (uint64, error)
}

// Config holds the HTTP surface settings.
type Config struct {
	// Port is the TCP port to listen on. Zero picks a free port.
	Port int

	// Title is the dashboard title (defaults to "pulsequery" if empty).
	Title string

	// Assets is the embedded filesystem containing dashboard assets (may be nil).
	Assets fs.FS

	// RequestsPerMinute and Burst rate limit mutating requests per client
	// IP. Zero RequestsPerMinute disables limiting.
	RequestsPerMinute int
	Burst             int
}

// Server handles HTTP requests for the dashboard, the REST API and the
// live subscription streams.
//
// The server is designed for graceful shutdown via context cancellation.
type Server struct {
	store      store.Store
	hub        *livesync.Hub
	commands   CommandRunner
	limiter    *RateLimiter
	cfg        Config
	httpServer *http.Server
	addr       net.Addr
	logger     *slog.Logger
}

// NewServer creates a new HTTP [Server].
//
// Parameters:
//   - st: Store for queries, results and replies
//   - hub: Live subscription hub backed by st
//   - commands: Command runner used by POST /api/commands
//   - cfg: Port, title, assets and rate limit settings
//   - logger: Logger for server events
//
// The server is not started until [Server.Start] is called.
func NewServer(st store.Store, hub *livesync.Hub, commands CommandRunner, cfg Config, logger *slog.Logger) *Server {
	s := &Server{
		store:    st,
		hub:      hub,
		commands: commands,
		cfg:      cfg,
		logger:   logger,
	}
	if cfg.RequestsPerMinute > 0 {
		s.limiter = NewRateLimiter(cfg.RequestsPerMinute, cfg.Burst, 15*time.Minute)
	}
	return s
}

// Handler returns the routed handler, wrapped with request metrics.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	// API routes
	mux.HandleFunc("GET /api/queries", s.handleListQueries)
	mux.Handle("POST /api/queries", s.limit(s.handleCreateQuery))
	mux.Handle("POST /api/queries/reset", s.limit(s.handleResetQueries))
	mux.Handle("DELETE /api/queries/{id}", s.limit(s.handleRemoveQuery))
	mux.HandleFunc("GET /api/queries/{id}/results", s.handleListResults)
	mux.Handle("POST /api/results", s.limit(s.handleInsertResult))
	mux.Handle("POST /api/results/reset", s.limit(s.handleResetResults))
	mux.Handle("POST /api/commands", s.limit(s.handleRunCommand))
	mux.HandleFunc("GET /api/commands/last", s.handleLastReply)
	mux.HandleFunc("GET /api/sse/{publication}", s.handleSSE)

	mux.Handle("GET /metrics", promhttp.Handler())
	mux.HandleFunc("GET /healthz", s.handleHealth)

	// serve dashboard assets
	if s.cfg.Assets != nil {
		mux.HandleFunc("GET /{$}", s.handleDashboard)
	}

	return metrics.Middleware(mux)
}

// Start begins serving HTTP requests in a background goroutine.
//
// Start is non-blocking and returns immediately after confirming the server
// is listening. The server will continue running until the context is
// cancelled, at which point it initiates a graceful shutdown with a 5-second
// timeout.
//
// Returns an error if the server fails to bind to the configured port.
func (s *Server) Start(ctx context.Context) error {
	// create listener first to verify port availability synchronously
	addr := fmt.Sprintf(":%d", s.cfg.Port)
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to bind to port %d: %w", s.cfg.Port, err)
	}
	s.addr = ln.Addr()

	s.httpServer = &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		// BaseContext derives all request contexts from the server context.
		// When ctx is cancelled, all request contexts are also cancelled,
		// enabling graceful shutdown of long-running handlers like SSE.
		BaseContext: func(_ net.Listener) context.Context {
			return ctx
		},
	}

	go func() {
		if err := s.httpServer.Serve(ln); err != nil && err != http.ErrServerClosed {
			s.logger.Error("http server error", "error", err)
		}
	}()

	// shutdown on context cancellation
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
			s.logger.Error("http server shutdown error", "error", err)
		}
	}()

	return nil
}

// Addr returns the address the server is listening on, or nil before Start.
func (s *Server) Addr() net.Addr {
	return s.addr
}

// handleDashboard serves the main dashboard page.
func (s *Server) handleDashboard(w http.ResponseWriter, r *http.Request) {
	// read index.html from embedded assets
	content, err := fs.ReadFile(s.cfg.Assets, "assets/index.html")
	if err != nil {
		http.Error(w, "Dashboard not found", http.StatusInternalServerError)
		return
	}

	// apply title substitution with HTML escaping to prevent XSS
	title := s.cfg.Title
	if title == "" {
		title = defaultTitle
	}
	safeTitle := html.EscapeString(title)
	rendered := strings.ReplaceAll(string(content), titlePlaceholder, safeTitle)

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if _, err = w.Write([]byte(rendered)); err != nil {
		s.logger.Error("failed to write dashboard response", "error", err)
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"}, s.logger)
}
