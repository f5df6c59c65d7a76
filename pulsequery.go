package pulsequery

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/jpalmerr/pulsequery/dashboard"
	"github.com/jpalmerr/pulsequery/internal/command"
	"github.com/jpalmerr/pulsequery/internal/evaluator"
	"github.com/jpalmerr/pulsequery/internal/livesync"
	"github.com/jpalmerr/pulsequery/internal/server"
	"github.com/jpalmerr/pulsequery/internal/store"
	"github.com/jpalmerr/pulsequery/query"
)

const (
	defaultEvalInterval   = 15 * time.Second
	defaultPort           = 8080
	defaultMaxConcurrency = 10
)

// App is the main orchestrator for query storage, evaluation and the
// live dashboard.
//
// App wires the query and result stores, the records evaluator, the
// command runner and the HTTP server. It is created using [New] with
// functional options and started with [App.Start].
//
// The typical lifecycle is:
//
//	app, err := pulsequery.New(pulsequery.WithRecordsDir("./records"))
//	if err != nil {
//	    slog.Error("failed to create pulsequery", "error", err)
//	    os.Exit(1)
//	}
//
//	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
//	defer cancel()
//
//	app.Start(ctx) // blocks until context cancelled
//
// The caller controls the lifecycle via the context. Cancel the context to
// trigger graceful shutdown.
type App struct {
	title             string
	port              int
	logger            *slog.Logger
	sqlitePath        string
	subscriberBuffer  int
	recordsDir        string
	evalInterval      time.Duration
	maxConcurrency    int
	commands          CommandConfig
	requestsPerMinute int
	burst             int
	queries           []query.Definition
	resultCallbacks   []func(Evaluation)

	mu   sync.Mutex
	addr net.Addr
}

// New creates a new [App] instance with the given options.
//
// Every option has a sensible default:
//   - Storage: in memory
//   - Port: 8080
//   - Evaluator: disabled until [WithRecordsDir] is given
//   - Rescan interval: 15 seconds
//   - Max concurrency: 10
//   - Commands: disabled
//
// Returns an error if any option is invalid.
func New(opts ...Option) (*App, error) {
	cfg := &appConfig{
		port:           defaultPort,
		evalInterval:   defaultEvalInterval,
		maxConcurrency: defaultMaxConcurrency,
	}

	for _, opt := range opts {
		if err := opt(cfg); err != nil {
			return nil, err
		}
	}

	// default to slog.Default() if no logger provided
	logger := cfg.logger
	if logger == nil {
		logger = slog.Default()
	}

	return &App{
		title:             cfg.title,
		port:              cfg.port,
		logger:            logger,
		sqlitePath:        cfg.sqlitePath,
		subscriberBuffer:  cfg.subscriberBuffer,
		recordsDir:        cfg.recordsDir,
		evalInterval:      cfg.evalInterval,
		maxConcurrency:    cfg.maxConcurrency,
		commands:          cfg.commands,
		requestsPerMinute: cfg.requestsPerMinute,
		burst:             cfg.burst,
		queries:           append([]query.Definition(nil), cfg.queries...),
		resultCallbacks:   cfg.resultCallbacks,
	}, nil
}

// Start opens the store, seeds standing queries, and serves the dashboard
// and API while evaluating record files.
//
// Start is a blocking call that runs until the provided context is cancelled.
// During execution:
//
//   - Standing queries from [WithQueries] are created if missing
//   - Record files in the records directory are evaluated as they appear
//   - The HTTP server starts on the configured port
//   - The dashboard is available at http://localhost:<port>
//
// Returns nil on graceful shutdown. Returns an error if the store cannot be
// opened or the evaluator or HTTP server fail to start.
func (a *App) Start(ctx context.Context) error {
	a.logger.Info("pulsequery starting", "standing_queries", len(a.queries))

	// check if context already cancelled
	if ctx.Err() != nil {
		return nil
	}

	st, err := a.openStore()
	if err != nil {
		return err
	}
	defer func() {
		if err := st.Close(); err != nil {
			a.logger.Error("failed to close store", "error", err)
		}
	}()

	if err := a.seedQueries(ctx, st); err != nil {
		return err
	}

	runner, err := command.NewRunner(ctx, command.Config{
		Enabled:        a.commands.Enabled,
		Timeout:        a.commands.Timeout,
		MaxOutput:      a.commands.MaxOutput,
		MaxConcurrency: a.commands.MaxConcurrency,
	}, st, a.logger)
	if err != nil {
		return fmt.Errorf("failed to create command runner: %w", err)
	}
	defer runner.Close()

	hub := livesync.NewHub(st, a.logger)
	defer hub.Close()

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	g, gctx := errgroup.WithContext(runCtx)

	var eval *evaluator.Evaluator
	if a.recordsDir != "" {
		eval, err = evaluator.New(st, a.recordsDir, a.evalInterval, a.maxConcurrency, a.logger)
		if err != nil {
			return fmt.Errorf("failed to create evaluator: %w", err)
		}
		if err := eval.Start(gctx); err != nil {
			eval.Stop()
			return fmt.Errorf("failed to start evaluator: %w", err)
		}
		a.logger.Info("evaluator configured", "dir", a.recordsDir, "interval", a.evalInterval.String())

		// track the outcomes consumer so every outcome is handled before return
		g.Go(func() error {
			a.consumeOutcomes(eval.Outcomes())
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			eval.Stop() // closes outcomes channel
			return nil
		})
	}

	httpServer := server.NewServer(st, hub, runner, server.Config{
		Port:              a.port,
		Title:             a.title,
		Assets:            dashboard.Assets,
		RequestsPerMinute: a.requestsPerMinute,
		Burst:             a.burst,
	}, a.logger)
	if err := httpServer.Start(gctx); err != nil {
		// stop the evaluator goroutines before reporting
		cancel()
		_ = g.Wait()
		return fmt.Errorf("failed to start HTTP server: %w", err)
	}
	a.setAddr(httpServer.Addr())
	a.logger.Info("dashboard available", "url", fmt.Sprintf("http://localhost:%d", tcpPort(httpServer.Addr())))

	<-gctx.Done()
	if err := g.Wait(); err != nil {
		return err
	}
	a.logger.Info("pulsequery stopped")
	return nil
}

// openStore opens the configured backing store.
func (a *App) openStore() (store.Store, error) {
	if a.sqlitePath == "" {
		return store.NewMemoryStore(a.subscriberBuffer), nil
	}
	st, err := store.OpenSQLite(a.sqlitePath, a.subscriberBuffer)
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite store: %w", err)
	}
	a.logger.Info("sqlite store opened", "path", a.sqlitePath)
	return st, nil
}

// seedQueries creates standing queries, skipping names already stored.
func (a *App) seedQueries(ctx context.Context, st store.Store) error {
	if len(a.queries) == 0 {
		return nil
	}

	existing, err := st.ListQueries(ctx)
	if err != nil {
		return fmt.Errorf("failed to list queries: %w", err)
	}
	names := make(map[string]bool, len(existing))
	for _, q := range existing {
		if q.Name != "" {
			names[q.Name] = true
		}
	}

	for _, def := range a.queries {
		if def.Name != "" && names[def.Name] {
			a.logger.Debug("standing query already stored", "name", def.Name)
			continue
		}
		q, err := st.CreateQuery(ctx, def)
		if err != nil {
			return fmt.Errorf("failed to create standing query %q: %w", def.Name, err)
		}
		if def.Name != "" {
			names[def.Name] = true
		}
		if err := def.Validate(); err != nil {
			a.logger.Warn("standing query will not evaluate", "query", q.ID, "name", def.Name, "error", err)
		}
	}
	return nil
}

// consumeOutcomes invokes result callbacks for every evaluator outcome.
func (a *App) consumeOutcomes(outcomes <-chan evaluator.Outcome) {
	for out := range outcomes {
		if len(a.resultCallbacks) == 0 {
			continue
		}
		ev := outcomeToEvaluation(out)
		for _, cb := range a.resultCallbacks {
			invokeCallbackSafe(cb, ev, a.logger)
		}
	}
}

// Addr returns the address the HTTP server is listening on, or nil before
// the server has started.
func (a *App) Addr() net.Addr {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.addr
}

func (a *App) setAddr(addr net.Addr) {
	a.mu.Lock()
	a.addr = addr
	a.mu.Unlock()
}

// Port returns the configured HTTP port for the dashboard server.
func (a *App) Port() int {
	return a.port
}

// EvalInterval returns the configured interval between directory rescans.
func (a *App) EvalInterval() time.Duration {
	return a.evalInterval
}

// Queries returns a copy of the configured standing queries.
func (a *App) Queries() []query.Definition {
	return append([]query.Definition(nil), a.queries...)
}

func tcpPort(addr net.Addr) int {
	if tcp, ok := addr.(*net.TCPAddr); ok {
		return tcp.Port
	}
	return 0
}

// outcomeToEvaluation converts an evaluator outcome to the public type.
// Values are copied so callbacks cannot alias stored results.
func outcomeToEvaluation(out evaluator.Outcome) Evaluation {
	ev := Evaluation{
		QueryID:   out.Query.ID,
		QueryName: out.Query.Name,
		File:      out.File,
		Records:   out.Records,
		Result:    out.Result,
		Latency:   out.Latency,
		Err:       out.Err,
	}
	ev.Result.Values = append([]float64(nil), out.Result.Values...)
	if out.Err == nil && len(out.Result.Values) > 0 {
		ev.Value = out.Result.Values[0]
	}
	return ev
}

// invokeCallbackSafe calls a result callback with panic recovery.
// Panics are logged but do not propagate.
func invokeCallbackSafe(cb func(Evaluation), ev Evaluation, logger *slog.Logger) {
	defer func() {
		if r := recover(); r != nil {
			logger.Error("result callback panicked",
				"panic", r,
				"query", ev.QueryID,
			)
		}
	}()
	cb(ev)
}
