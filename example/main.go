package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jpalmerr/pulsequery"
	"github.com/jpalmerr/pulsequery/query"
)

func main() {
	dir, err := os.MkdirTemp("", "pulsequery-records-")
	if err != nil {
		slog.Error("failed to create records dir", "error", err)
		os.Exit(1)
	}
	defer os.RemoveAll(dir)

	// set up context with signal handling for graceful shutdown
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// feed fake tweets (see record_feeder.go)
	go StartRecordFeeder(ctx, dir, 5*time.Second)

	// grid API: 3 moods × 2 languages = 6 queries from one declaration
	moodQueries, err := pulsequery.NewQueryGrid("Mood",
		pulsequery.WithSelect(query.AggregatorCount, query.AllFields),
		pulsequery.WithWhereTemplate(`{"and":[{"text":{"contains":"{{.mood}}"}},{"lang":{"eq":"{{.lang}}"}}]}`),
		pulsequery.WithDimensions(map[string][]string{
			"mood": {":)", ":(", ":|"},
			"lang": {"en", "fr"},
		}),
	)
	if err != nil {
		slog.Error("failed to create query grid", "error", err)
		os.Exit(1)
	}

	// a standalone query built with the expression helpers
	where, _ := query.MarshalWhere(query.Contains("text", "deploy"))
	reach := query.Definition{
		Name:   "Deploy reach",
		Select: query.Select{Aggregator: query.AggregatorAvg, Field: "user.followers"},
		Where:  where,
	}

	app, err := pulsequery.New(
		pulsequery.WithPort(8080),
		pulsequery.WithTitle("Tweet moods"),
		pulsequery.WithRecordsDir(dir),
		pulsequery.WithEvalInterval(2*time.Second),
		pulsequery.WithQueries(append(moodQueries, reach)...),
		pulsequery.WithResultCallback(func(ev pulsequery.Evaluation) {
			if ev.OK() {
				slog.Info("evaluated", "query", ev.QueryName, "value", ev.Value, "records", ev.Records)
			}
		}),
	)
	if err != nil {
		slog.Error("failed to create pulsequery", "error", err)
		os.Exit(1)
	}

	fmt.Println()
	fmt.Println("  pulsequery demo")
	fmt.Println()
	fmt.Println("  Open http://localhost:8080 in your browser")
	fmt.Println()
	fmt.Println("  Queries:")
	fmt.Println("  • 6 mood counts (3 moods × 2 languages via grid)")
	fmt.Println("  • 1 average follower count for tweets about deploys")
	fmt.Println()
	fmt.Println("  A new batch of tweets lands every 5s. Press Ctrl+C to stop.")
	fmt.Println()

	if err := app.Start(ctx); err != nil {
		slog.Error("pulsequery error", "error", err)
		os.Exit(1)
	}
}
