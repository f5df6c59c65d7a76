package pulsequery

import (
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/jpalmerr/pulsequery/query"
)

// appConfig holds mutable state during App construction.
type appConfig struct {
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
}

// CommandConfig controls remote command execution.
//
// Commands run with `sh -c` on the server host. They are disabled unless
// Enabled is set. Zero values of the other fields select the defaults
// (10s timeout, 64 KiB of output, 2 concurrent commands).
type CommandConfig struct {
	Enabled        bool
	Timeout        time.Duration
	MaxOutput      int
	MaxConcurrency int
}

// Option is a function that configures an [App] instance during construction.
//
// Option implements the functional options pattern, allowing optional
// configuration to be passed to [New] in a type-safe, extensible way.
// Options return an error if validation fails.
type Option func(*appConfig) error

// WithPort sets the HTTP port for the dashboard and API.
//
// Defaults to 8080 if not specified. Port 0 picks a free port; the bound
// address is available from [App.Addr] once the app is running.
//
// Returns an error if the port is outside the valid range (0-65535).
func WithPort(port int) Option {
	return func(cfg *appConfig) error {
		if port < 0 || port > 65535 {
			return errors.New("port must be between 0 and 65535")
		}
		cfg.port = port
		return nil
	}
}

// WithLogger sets a custom [slog.Logger] for the App instance.
//
// If not specified, [slog.Default] is used.
//
// Returns an error if the logger is nil.
func WithLogger(logger *slog.Logger) Option {
	return func(cfg *appConfig) error {
		if logger == nil {
			return errors.New("logger cannot be nil")
		}
		cfg.logger = logger
		return nil
	}
}

// WithTitle sets the dashboard title displayed in the browser tab and header.
//
// If not specified, defaults to "pulsequery".
func WithTitle(title string) Option {
	return func(cfg *appConfig) error {
		cfg.title = title
		return nil
	}
}

// WithSQLite stores queries, results and the last command reply in the
// SQLite database at path instead of in memory. ":memory:" is accepted.
//
// Returns an error if the path is empty.
func WithSQLite(path string) Option {
	return func(cfg *appConfig) error {
		if strings.TrimSpace(path) == "" {
			return errors.New("sqlite path cannot be empty")
		}
		cfg.sqlitePath = path
		return nil
	}
}

// WithSubscriberBuffer sets how many unread changes a live subscription may
// hold before it is cut off and asked to resubscribe.
//
// Returns an error if n is zero or negative.
func WithSubscriberBuffer(n int) Option {
	return func(cfg *appConfig) error {
		if n <= 0 {
			return errors.New("subscriber buffer must be positive")
		}
		cfg.subscriberBuffer = n
		return nil
	}
}

// WithRecordsDir enables the evaluator over JSON-lines record files
// dropped into dir. The directory is created if missing.
//
// Without a records directory, results only arrive through the API.
func WithRecordsDir(dir string) Option {
	return func(cfg *appConfig) error {
		if strings.TrimSpace(dir) == "" {
			return errors.New("records directory cannot be empty")
		}
		cfg.recordsDir = dir
		return nil
	}
}

// WithEvalInterval sets how often the records directory is rescanned for
// files the watcher missed. Defaults to 15 seconds.
//
// Returns an error if the duration is zero or negative.
func WithEvalInterval(d time.Duration) Option {
	return func(cfg *appConfig) error {
		if d <= 0 {
			return errors.New("evaluation interval must be positive")
		}
		cfg.evalInterval = d
		return nil
	}
}

// WithMaxConcurrency sets the maximum number of queries evaluated at once
// over a single records file. Defaults to 10.
//
// Returns an error if the value is zero or negative.
func WithMaxConcurrency(n int) Option {
	return func(cfg *appConfig) error {
		if n <= 0 {
			return errors.New("max concurrency must be positive")
		}
		cfg.maxConcurrency = n
		return nil
	}
}

// WithCommands configures remote command execution.
//
// Example:
//
//	app, err := pulsequery.New(
//	    pulsequery.WithCommands(pulsequery.CommandConfig{
//	        Enabled: true,
//	        Timeout: 5 * time.Second,
//	    }),
//	)
//
// Returns an error if any limit is negative.
func WithCommands(c CommandConfig) Option {
	return func(cfg *appConfig) error {
		if c.Timeout < 0 || c.MaxOutput < 0 || c.MaxConcurrency < 0 {
			return errors.New("command limits cannot be negative")
		}
		cfg.commands = c
		return nil
	}
}

// WithRateLimit limits mutating API requests per client IP.
// Zero requestsPerMinute disables limiting, which is the default.
//
// Returns an error if either value is negative.
func WithRateLimit(requestsPerMinute, burst int) Option {
	return func(cfg *appConfig) error {
		if requestsPerMinute < 0 || burst < 0 {
			return errors.New("rate limit values cannot be negative")
		}
		cfg.requestsPerMinute = requestsPerMinute
		cfg.burst = burst
		return nil
	}
}

// WithQueries adds standing queries created when the app starts.
//
// A named query is skipped if the store already holds a query with the
// same name, so restarting over a SQLite database does not duplicate it.
// Definitions are not validated, in line with queries created over the API.
//
// Example:
//
//	happy := query.Definition{
//	    Name:   "HAPPY-1",
//	    Select: query.Select{Aggregator: query.AggregatorCount, Field: query.AllFields},
//	    Where:  json.RawMessage(`{"text":{"contains":":)"}}`),
//	}
//	app, err := pulsequery.New(pulsequery.WithQueries(happy))
func WithQueries(defs ...query.Definition) Option {
	return func(cfg *appConfig) error {
		cfg.queries = append(cfg.queries, defs...)
		return nil
	}
}

// WithResultCallback registers a function called after every evaluation.
//
// Multiple callbacks may be registered; they execute in registration order.
//
// IMPORTANT: Callbacks must be non-blocking. They are invoked synchronously
// from a single goroutine, and a slow callback delays the evaluator.
// Panics within callbacks are recovered and logged.
//
// Nil callbacks are silently ignored.
func WithResultCallback(cb func(Evaluation)) Option {
	return func(cfg *appConfig) error {
		if cb == nil {
			return nil
		}
		cfg.resultCallbacks = append(cfg.resultCallbacks, cb)
		return nil
	}
}
