// Package pulsequery provides an embeddable reactive query dashboard.
//
// Clients submit structured queries (one scalar aggregate over records
// matching a boolean filter tree). The server stores them, evaluates them
// over JSON-lines record files dropped into a watched directory, and streams
// every new result to subscribed browsers, which redraw a live chart.
//
// # Quick Start
//
// Start the dashboard with graceful shutdown:
//
//	app, _ := pulsequery.New(pulsequery.WithRecordsDir("./records"))
//
//	// Set up graceful shutdown on SIGINT/SIGTERM
//	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
//	defer stop()
//
//	app.Start(ctx) // blocks until context is cancelled
//
// # Configuration
//
// pulsequery uses the functional options pattern for configuration:
//
//	app, err := pulsequery.New(
//	    pulsequery.WithPort(9090),
//	    pulsequery.WithSQLite("pulsequery.db"),
//	    pulsequery.WithRecordsDir("./records"),
//	    pulsequery.WithEvalInterval(30 * time.Second),
//	    pulsequery.WithQueries(standing...),
//	)
//
// Families of standing queries can be generated with [NewQueryGrid].
//
// # Queries
//
// A query is a [query.Definition]: a select clause naming an aggregator
// (count, max, min, sum, avg) and a field, and a where tree of "contains" and
// "eq" predicates combined with "and"/"or". Definitions are stored without
// validation; a malformed definition fails when it is evaluated and no
// result is stored for it.
//
// # Architecture
//
// pulsequery consists of several internal packages (under internal/):
//
//   - internal/store: Query, result and reply stores with change feeds (memory and SQLite)
//   - internal/livesync: Named publications turning change feeds into client sessions
//   - internal/evaluator: Records directory watcher and query evaluation worker pool
//   - internal/command: Bounded remote shell command runner
//   - internal/server: HTTP server with REST API and Server-Sent Events
//   - internal/metrics: Prometheus collectors
//   - dashboard: Embedded web UI assets
//
// The config package loads the same options from a YAML file, and
// cmd/pulsequery wraps it in a CLI that serves the dashboard and talks to a
// running server.
//
// The internal packages are not part of the public API and may change
// without notice. The library is designed for single-binary deployment
// using Go's embed directive for static assets.
package pulsequery
