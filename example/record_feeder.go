package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math/rand"
	"os"
	"path/filepath"
	"time"
)

var (
	moods = []string{":)", ":(", ":|"}
	langs = []string{"en", "fr", "de"}
	words = []string{"deploy", "coffee", "release", "weekend", "outage", "standup", "lunch"}
)

// StartRecordFeeder drops a batch of fake tweets into dir every interval
// until ctx is cancelled. Batches are written to a dotfile and renamed so the
// watcher never reads a partial file.
func StartRecordFeeder(ctx context.Context, dir string, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for batch := 1; ; batch++ {
		if err := writeBatch(dir, batch, 20+rand.Intn(30)); err != nil {
			slog.Error("failed to write batch", "error", err)
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func writeBatch(dir string, batch, n int) error {
	name := fmt.Sprintf("batch-%04d.jsonl", batch)
	tmp := filepath.Join(dir, "."+name)

	f, err := os.Create(tmp)
	if err != nil {
		return err
	}
	enc := json.NewEncoder(f)
	for i := 0; i < n; i++ {
		mood := moods[rand.Intn(len(moods))]
		rec := map[string]any{
			"text":     fmt.Sprintf("%s %s", words[rand.Intn(len(words))], mood),
			"lang":     langs[rand.Intn(len(langs))],
			"retweets": rand.Intn(100),
			"user":     map[string]any{"followers": rand.Intn(5000)},
		}
		if err := enc.Encode(rec); err != nil {
			f.Close()
			return err
		}
	}
	if err := f.Close(); err != nil {
		return err
	}

	slog.Info("batch written", "file", name, "records", n)
	return os.Rename(tmp, filepath.Join(dir, name))
}
