package pulsequery

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/jpalmerr/pulsequery/query"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func countContains(name, word string) query.Definition {
	return query.Definition{
		Name:   name,
		Select: query.Select{Aggregator: query.AggregatorCount, Field: query.AllFields},
		Where:  json.RawMessage(`{"text":{"contains":"` + word + `"}}`),
	}
}

// runApp starts app on a free port and returns its base URL and a stop
// function that cancels the context and waits for Start to return.
func runApp(t *testing.T, opts ...Option) (string, func() error) {
	t.Helper()
	opts = append([]Option{WithPort(0), WithLogger(testLogger())}, opts...)
	app, err := New(opts...)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- app.Start(ctx)
	}()

	deadline := time.Now().Add(3 * time.Second)
	for app.Addr() == nil {
		select {
		case err := <-done:
			cancel()
			t.Fatalf("Start() returned early: %v", err)
		default:
		}
		if time.Now().After(deadline) {
			cancel()
			t.Fatal("app did not start listening")
		}
		time.Sleep(10 * time.Millisecond)
	}

	stopped := false
	var stopErr error
	stop := func() error {
		if stopped {
			return stopErr
		}
		stopped = true
		cancel()
		select {
		case stopErr = <-done:
		case <-time.After(5 * time.Second):
			stopErr = fmt.Errorf("Start() did not return after context cancellation")
		}
		return stopErr
	}
	t.Cleanup(func() { _ = stop() })

	base := fmt.Sprintf("http://127.0.0.1:%d", app.Addr().(*net.TCPAddr).Port)
	return base, stop
}

func getJSON(t *testing.T, url string, v any) {
	t.Helper()
	resp, err := http.Get(url)
	if err != nil {
		t.Fatalf("GET %s: %v", url, err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("GET %s: status %d", url, resp.StatusCode)
	}
	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		t.Fatalf("GET %s: decode: %v", url, err)
	}
}

func writeRecords(t *testing.T, dir, name string, lines ...string) {
	t.Helper()
	// write then rename so the watcher never sees a partial file
	tmp := filepath.Join(dir, "."+name+".tmp")
	if err := os.WriteFile(tmp, []byte(strings.Join(lines, "\n")+"\n"), 0o644); err != nil {
		t.Fatalf("write records: %v", err)
	}
	if err := os.Rename(tmp, filepath.Join(dir, name)); err != nil {
		t.Fatalf("rename records: %v", err)
	}
}

// TestStart_BlocksUntilContextCancelled verifies that Start blocks until the
// provided context is cancelled.
func TestStart_BlocksUntilContextCancelled(t *testing.T) {
	app, err := New(WithPort(0), WithLogger(testLogger()))
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- app.Start(ctx)
	}()

	time.Sleep(100 * time.Millisecond)

	// verify Start is still blocking (channel should be empty)
	select {
	case err := <-done:
		t.Fatalf("Start() returned early with error: %v", err)
	default:
	}

	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Start() returned error: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Start() did not return after context cancellation")
	}
	if app.Addr() == nil {
		t.Error("Addr() should be recorded once listening")
	}
}

// TestStart_ReturnsImmediatelyIfContextAlreadyCancelled verifies that Start
// returns immediately if the context is already cancelled.
func TestStart_ReturnsImmediatelyIfContextAlreadyCancelled(t *testing.T) {
	app, err := New(WithPort(0), WithLogger(testLogger()))
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	done := make(chan error, 1)
	go func() {
		done <- app.Start(ctx)
	}()

	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Start() error = %v, want nil", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Start() did not return with already-cancelled context")
	}
}

func TestStart_PortInUse(t *testing.T) {
	ln, err := net.Listen("tcp", ":0")
	if err != nil {
		t.Fatalf("failed to create listener: %v", err)
	}
	defer func() { _ = ln.Close() }()

	app, err := New(WithPort(ln.Addr().(*net.TCPAddr).Port), WithLogger(testLogger()))
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	err = app.Start(ctx)
	if err == nil || !strings.Contains(err.Error(), "failed to start HTTP server") {
		t.Errorf("Start() error = %v, want HTTP server error", err)
	}
}

// TestStart_PortInUseWithEvaluator verifies a bind failure after the
// evaluator has started still returns instead of waiting on it.
func TestStart_PortInUseWithEvaluator(t *testing.T) {
	ln, err := net.Listen("tcp", ":0")
	if err != nil {
		t.Fatalf("failed to create listener: %v", err)
	}
	defer func() { _ = ln.Close() }()

	app, err := New(
		WithPort(ln.Addr().(*net.TCPAddr).Port),
		WithRecordsDir(t.TempDir()),
		WithLogger(testLogger()),
	)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	done := make(chan error, 1)
	go func() {
		done <- app.Start(context.Background())
	}()

	select {
	case err := <-done:
		if err == nil || !strings.Contains(err.Error(), "failed to start HTTP server") {
			t.Errorf("Start() error = %v, want HTTP server error", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Start() did not return after bind failure")
	}
}

func TestStart_SQLiteOpenFailure(t *testing.T) {
	path := filepath.Join(t.TempDir(), "missing", "dir", "pulsequery.db")
	app, err := New(WithPort(0), WithSQLite(path), WithLogger(testLogger()))
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	err = app.Start(context.Background())
	if err == nil || !strings.Contains(err.Error(), "sqlite") {
		t.Errorf("Start() error = %v, want sqlite error", err)
	}
}

func TestStart_SeedsStandingQueries(t *testing.T) {
	base, _ := runApp(t, WithQueries(
		countContains("HAPPY-1", ":)"),
		countContains("SAD-1", ":("),
	))

	var qs []query.Query
	getJSON(t, base+"/api/queries", &qs)

	if len(qs) != 2 {
		t.Fatalf("expected 2 seeded queries, got %d", len(qs))
	}
	if qs[0].Name != "HAPPY-1" || qs[1].Name != "SAD-1" {
		t.Errorf("seeded queries = %s, %s; want HAPPY-1, SAD-1", qs[0].Name, qs[1].Name)
	}
}

// TestStart_SeedingSurvivesRestart verifies standing queries are not
// duplicated when a durable store is reopened.
func TestStart_SeedingSurvivesRestart(t *testing.T) {
	path := filepath.Join(t.TempDir(), "pulsequery.db")
	opts := []Option{WithSQLite(path), WithQueries(countContains("HAPPY-1", ":)"))}

	for run := 0; run < 2; run++ {
		base, stop := runApp(t, opts...)

		var qs []query.Query
		getJSON(t, base+"/api/queries", &qs)
		if len(qs) != 1 {
			t.Fatalf("run %d: expected 1 query, got %d", run, len(qs))
		}

		if err := stop(); err != nil {
			t.Fatalf("run %d: stop: %v", run, err)
		}
	}
}

// TestStart_EvaluatesRecordFiles follows a query created over the API to a
// result computed from a dropped records file.
func TestStart_EvaluatesRecordFiles(t *testing.T) {
	dir := t.TempDir()
	base, _ := runApp(t, WithRecordsDir(dir), WithEvalInterval(100*time.Millisecond))

	body := `{"select":{"aggregator":"count","field":"*"},"where":{"text":{"contains":"abc"}}}`
	resp, err := http.Post(base+"/api/queries", "application/json", strings.NewReader(body))
	if err != nil {
		t.Fatalf("create query: %v", err)
	}
	var created struct {
		ID string `json:"id"`
	}
	_ = json.NewDecoder(resp.Body).Decode(&created)
	_ = resp.Body.Close()

	writeRecords(t, dir, "batch-1.jsonl",
		`{"text":"abc def"}`,
		`{"text":"xyz"}`,
		`{"text":"abcabc"}`,
	)

	deadline := time.Now().Add(5 * time.Second)
	for {
		var rs []query.Result
		getJSON(t, base+"/api/queries/"+created.ID+"/results", &rs)
		if len(rs) == 1 {
			if len(rs[0].Values) != 1 || rs[0].Values[0] != 2 {
				t.Errorf("values = %v, want [2]", rs[0].Values)
			}
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("no result after records file was dropped (got %d)", len(rs))
		}
		time.Sleep(50 * time.Millisecond)
	}
}

func TestStart_ServesDashboardAndHealth(t *testing.T) {
	base, _ := runApp(t, WithTitle("Tweet Moods"))

	resp, err := http.Get(base + "/")
	if err != nil {
		t.Fatalf("GET /: %v", err)
	}
	page, _ := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	if !strings.Contains(string(page), "Tweet Moods") {
		t.Error("dashboard should render the configured title")
	}

	var health map[string]string
	getJSON(t, base+"/healthz", &health)
	if health["status"] != "ok" {
		t.Errorf("healthz = %v", health)
	}
}

func TestStart_MultipleSequentialRuns(t *testing.T) {
	for i := 0; i < 3; i++ {
		_, stop := runApp(t)
		if err := stop(); err != nil {
			t.Fatalf("run %d: %v", i, err)
		}
	}
}
