package evaluator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"runtime/debug"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/jpalmerr/pulsequery/internal/metrics"
	"github.com/jpalmerr/pulsequery/query"
)

// Store is the subset of the result store the evaluator needs.
type Store interface {
	ListQueries(ctx context.Context) ([]query.Query, error)
	InsertResult(ctx context.Context, r query.Result) (query.Result, error)
}

// Outcome holds the result of evaluating one query over one file.
type Outcome struct {
	// Query is the evaluated query.
	Query query.Query

	// File is the records file the query was evaluated over.
	File string

	// Records is the number of decoded records in the file.
	Records int

	// Result is the stored result. Zero when Err is set.
	Result query.Result

	// Latency is the time taken to evaluate the query.
	Latency time.Duration

	// Err is set when the query could not be evaluated or stored.
	Err error
}

// Evaluator evaluates active queries over record files.
//
// Evaluator implements a worker pool pattern: each file reported by the
// [Watcher] is decoded once and every active query is evaluated over it
// with at most maxConcurrency evaluations in flight. Outcomes are emitted
// to a channel that must be consumed by the caller.
//
// All lifecycle methods (Start, Stop) are safe for concurrent use.
type Evaluator struct {
	store          Store
	watcher        *Watcher
	maxConcurrency int
	outcomes       chan Outcome
	logger         *slog.Logger
	now            func() time.Time
	aggregate      func(query.Select, query.Expr, []query.Record) (float64, error)
	cancel         context.CancelFunc
	wg             sync.WaitGroup

	mu        sync.Mutex
	started   bool
	stopped   bool
	closeOnce sync.Once
}

// New creates an [Evaluator] over the records in dir.
//
// Parameters:
//   - st: Store queries are read from and results written to
//   - dir: Records directory, created if missing
//   - interval: Time between directory rescans
//   - maxConcurrency: Maximum number of concurrent query evaluations
//   - logger: Logger for evaluator events (panic recovery, etc.)
//
// The evaluator must be started with [Evaluator.Start] and stopped with
// [Evaluator.Stop]. Outcomes are available via [Evaluator.Outcomes].
func New(st Store, dir string, interval time.Duration, maxConcurrency int, logger *slog.Logger) (*Evaluator, error) {
	if maxConcurrency < 1 {
		return nil, fmt.Errorf("max concurrency must be at least 1, got %d", maxConcurrency)
	}
	w, err := NewWatcher(dir, interval, logger)
	if err != nil {
		return nil, err
	}
	return &Evaluator{
		store:          st,
		watcher:        w,
		maxConcurrency: maxConcurrency,
		outcomes:       make(chan Outcome, 64),
		logger:         logger,
		now:            time.Now,
		aggregate:      query.Aggregate,
	}, nil
}

// Outcomes returns a receive-only channel that emits [Outcome] values.
//
// The channel is closed when the evaluator stops. Consumers should read from
// it until it is closed.
func (e *Evaluator) Outcomes() <-chan Outcome {
	return e.outcomes
}

// Start begins watching and evaluating in a background goroutine.
//
// Start is non-blocking. Files already in the directory are evaluated
// first. Start is idempotent; if Stop was called before Start, Start is a
// no-op. An error is returned when the directory cannot be watched.
func (e *Evaluator) Start(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.started || e.stopped {
		return nil
	}

	if ctx == nil {
		ctx = context.Background()
	}
	runCtx, cancel := context.WithCancel(ctx)

	if err := e.watcher.Start(runCtx); err != nil {
		cancel()
		return err
	}
	e.started = true
	e.cancel = cancel

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		defer e.closeOnce.Do(func() { close(e.outcomes) })

		for path := range e.watcher.Files() {
			if runCtx.Err() != nil {
				return
			}
			e.ProcessFile(runCtx, path)
		}
	}()
	return nil
}

// Stop halts the evaluator and waits for in-flight evaluations.
//
// Stop is idempotent and safe to call before Start. The outcomes channel is
// closed once Stop returns.
func (e *Evaluator) Stop() {
	e.mu.Lock()
	if !e.stopped {
		e.stopped = true
		if e.cancel != nil {
			e.cancel()
		}
	}
	e.mu.Unlock()

	e.watcher.Stop()
	e.wg.Wait()

	// ensure channel is closed even if Start() was never called
	e.closeOnce.Do(func() { close(e.outcomes) })
}

// ProcessFile evaluates every active query over the records in path and
// emits one outcome per query.
func (e *Evaluator) ProcessFile(ctx context.Context, path string) {
	records, skipped, err := ReadFile(path)
	if err != nil {
		metrics.FilesProcessed.WithLabelValues("error").Inc()
		e.logger.Warn("reading records file failed", "file", path, "error", err)
		return
	}
	if skipped > 0 {
		metrics.RecordsSkipped.Add(float64(skipped))
		e.logger.Warn("skipped invalid record lines", "file", path, "skipped", skipped)
	}

	queries, err := e.store.ListQueries(ctx)
	if err != nil {
		metrics.FilesProcessed.WithLabelValues("error").Inc()
		e.logger.Error("listing queries failed", "file", path, "error", err)
		return
	}
	metrics.FilesProcessed.WithLabelValues("ok").Inc()

	e.logger.Info("evaluating records file",
		"file", filepath.Base(path),
		"records", len(records),
		"queries", len(queries),
	)

	for _, out := range e.evaluateAll(ctx, path, records, queries) {
		e.logOutcome(out)
		select {
		case e.outcomes <- out:
		case <-ctx.Done():
			return
		}
	}
}

// evaluateAll evaluates queries concurrently, respecting maxConcurrency.
// Outcomes are returned in query order.
func (e *Evaluator) evaluateAll(ctx context.Context, path string, records []query.Record, queries []query.Query) []Outcome {
	outcomes := make([]Outcome, len(queries))
	jobs := make(chan int, len(queries))

	var wg sync.WaitGroup
	for i := 0; i < min(e.maxConcurrency, len(queries)); i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for idx := range jobs {
				outcomes[idx] = e.evaluate(ctx, path, records, queries[idx])
			}
		}()
	}

	for i := range queries {
		jobs <- i
	}
	close(jobs)
	wg.Wait()

	return outcomes
}

// evaluate evaluates one query and stores its result.
func (e *Evaluator) evaluate(ctx context.Context, path string, records []query.Record, q query.Query) Outcome {
	out := Outcome{Query: q, File: path, Records: len(records)}
	if err := ctx.Err(); err != nil {
		out.Err = err
		return out
	}

	start := time.Now()
	value, err := e.safeEval(q, records)
	out.Latency = time.Since(start)
	metrics.EvaluationDuration.Observe(out.Latency.Seconds())
	if err != nil {
		out.Err = err
		return out
	}

	r, err := e.store.InsertResult(ctx, query.Result{
		QueryID: q.ID,
		Time:    e.now().UTC(),
		Values:  []float64{value},
	})
	if err != nil {
		metrics.Evaluations.WithLabelValues("error").Inc()
		out.Err = fmt.Errorf("store result: %w", err)
		return out
	}
	metrics.Evaluations.WithLabelValues("ok").Inc()
	out.Result = r
	return out
}

// safeEval runs the query with panic recovery.
// If evaluation panics, it logs the full stack trace with a correlation ID
// and returns a user-friendly error containing the ID.
func (e *Evaluator) safeEval(q query.Query, records []query.Record) (value float64, err error) {
	defer func() {
		if r := recover(); r != nil {
			correlationID := uuid.NewString()
			stack := debug.Stack()

			// log full context server-side for debugging
			e.logger.Error("evaluation panic",
				"correlation_id", correlationID,
				"query", q.ID,
				"panic", fmt.Sprintf("%v", r),
				"stack", string(stack),
			)
			metrics.Evaluations.WithLabelValues("panic").Inc()

			value = 0
			err = fmt.Errorf("evaluation panic (correlation_id: %s)", correlationID)
		}
	}()

	where, err := q.Filter()
	if err != nil {
		metrics.Evaluations.WithLabelValues("error").Inc()
		return 0, err
	}
	value, err = e.aggregate(q.Select, where, records)
	if err != nil && !errors.Is(err, query.ErrNoValues) {
		metrics.Evaluations.WithLabelValues("error").Inc()
	}
	return value, err
}

func (e *Evaluator) logOutcome(out Outcome) {
	attrs := []any{
		"query", out.Query.ID,
		"file", filepath.Base(out.File),
		"latency_ms", out.Latency.Milliseconds(),
	}
	switch {
	case out.Err == nil:
		e.logger.Debug("evaluation completed", append(attrs, "values", out.Result.Values)...)
	case errors.Is(out.Err, query.ErrNoValues):
		e.logger.Debug("evaluation produced no value", attrs...)
	default:
		e.logger.Warn("evaluation failed", append(attrs, "error", out.Err.Error())...)
	}
}
