// Standalone record feeder for testing the CLI.
//
// Usage:
//
//	go run ./example/cmd/feeder ./records
//
// Then in another terminal:
//
//	go run ./cmd/pulsequery serve -c example/config.yaml
package main

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"math/rand"
	"os"
	"path/filepath"
	"time"
)

func main() {
	dir := "records"
	if len(os.Args) > 1 {
		dir = os.Args[1]
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		slog.Error("failed to create records dir", "error", err)
		os.Exit(1)
	}

	fmt.Printf("Writing a batch of fake tweets to %s every 5s\n", dir)
	fmt.Println("Press Ctrl+C to stop")
	fmt.Println()

	moods := []string{":)", ":(", ":|"}
	langs := []string{"en", "fr", "de"}

	for batch := 1; ; batch++ {
		name := fmt.Sprintf("batch-%d-%04d.jsonl", time.Now().Unix(), batch)
		tmp := filepath.Join(dir, "."+name)

		f, err := os.Create(tmp)
		if err != nil {
			slog.Error("failed to create batch", "error", err)
			os.Exit(1)
		}
		enc := json.NewEncoder(f)
		n := 20 + rand.Intn(30)
		for i := 0; i < n; i++ {
			_ = enc.Encode(map[string]any{
				"text":     "feeling " + moods[rand.Intn(len(moods))],
				"lang":     langs[rand.Intn(len(langs))],
				"retweets": rand.Intn(100),
			})
		}
		_ = f.Close()

		// rename so the watcher never sees a partial file
		if err := os.Rename(tmp, filepath.Join(dir, name)); err != nil {
			slog.Error("failed to publish batch", "error", err)
			os.Exit(1)
		}
		slog.Info("batch written", "file", name, "records", n)

		time.Sleep(5 * time.Second)
	}
}
