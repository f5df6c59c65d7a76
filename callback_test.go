package pulsequery

import (
	"bytes"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/jpalmerr/pulsequery/internal/evaluator"
	"github.com/jpalmerr/pulsequery/query"
)

// collectEvaluations returns a callback and a function waiting for n
// evaluations.
func collectEvaluations(t *testing.T) (func(Evaluation), func(n int) []Evaluation) {
	t.Helper()
	var mu sync.Mutex
	var got []Evaluation
	cb := func(ev Evaluation) {
		mu.Lock()
		defer mu.Unlock()
		got = append(got, ev)
	}
	wait := func(n int) []Evaluation {
		t.Helper()
		deadline := time.Now().Add(5 * time.Second)
		for {
			mu.Lock()
			if len(got) >= n {
				out := append([]Evaluation(nil), got...)
				mu.Unlock()
				return out
			}
			mu.Unlock()
			if time.Now().After(deadline) {
				t.Fatalf("timed out waiting for %d evaluations", n)
			}
			time.Sleep(10 * time.Millisecond)
		}
	}
	return cb, wait
}

func TestWithResultCallback_ReceivesEvaluation(t *testing.T) {
	dir := t.TempDir()
	writeRecords(t, dir, "batch.jsonl",
		`{"text":"abc"}`,
		`{"text":"abc again"}`,
		`not json`,
	)

	cb, wait := collectEvaluations(t)
	runApp(t,
		WithRecordsDir(dir),
		WithQueries(countContains("ABC", "abc")),
		WithResultCallback(cb),
	)

	ev := wait(1)[0]
	if !ev.OK() {
		t.Fatalf("evaluation failed: %v", ev.Err)
	}
	if ev.QueryName != "ABC" || ev.QueryID == "" {
		t.Errorf("query = %q/%q, want named ABC with id", ev.QueryName, ev.QueryID)
	}
	if ev.Value != 2 {
		t.Errorf("Value = %v, want 2", ev.Value)
	}
	if ev.Records != 2 {
		t.Errorf("Records = %d, want 2 (invalid line skipped)", ev.Records)
	}
	if !strings.HasSuffix(ev.File, "batch.jsonl") {
		t.Errorf("File = %q", ev.File)
	}
	if ev.Result.QueryID != ev.QueryID {
		t.Errorf("Result.QueryID = %q, want %q", ev.Result.QueryID, ev.QueryID)
	}
}

func TestWithResultCallback_MalformedQuery(t *testing.T) {
	dir := t.TempDir()
	writeRecords(t, dir, "batch.jsonl", `{"text":"abc"}`)

	cb, wait := collectEvaluations(t)
	runApp(t,
		WithRecordsDir(dir),
		WithQueries(query.Definition{Name: "broken", Select: query.Select{Aggregator: "median", Field: "x"}}),
		WithResultCallback(cb),
	)

	ev := wait(1)[0]
	if ev.OK() {
		t.Fatal("malformed query should not evaluate")
	}
	if !errors.Is(ev.Err, query.ErrInvalidSelect) {
		t.Errorf("Err = %v, want ErrInvalidSelect", ev.Err)
	}
	if ev.Result.ID != "" {
		t.Error("no result should be stored for a malformed query")
	}
}

func TestWithResultCallback_ExecutionOrder(t *testing.T) {
	dir := t.TempDir()
	writeRecords(t, dir, "batch.jsonl", `{"text":"abc"}`)

	var mu sync.Mutex
	var order []int
	record := func(i int) func(Evaluation) {
		return func(Evaluation) {
			mu.Lock()
			defer mu.Unlock()
			order = append(order, i)
		}
	}
	last, wait := collectEvaluations(t)

	runApp(t,
		WithRecordsDir(dir),
		WithQueries(countContains("ABC", "abc")),
		WithResultCallback(record(1)),
		WithResultCallback(record(2)),
		WithResultCallback(last),
	)
	wait(1)

	mu.Lock()
	defer mu.Unlock()
	if len(order) != 2 || order[0] != 1 || order[1] != 2 {
		t.Errorf("callback order = %v, want [1 2]", order)
	}
}

func TestWithResultCallback_PanicRecovery(t *testing.T) {
	dir := t.TempDir()
	writeRecords(t, dir, "batch.jsonl", `{"text":"abc"}`)

	after, wait := collectEvaluations(t)
	runApp(t,
		WithRecordsDir(dir),
		WithQueries(countContains("ABC", "abc")),
		WithResultCallback(func(Evaluation) { panic("boom") }),
		WithResultCallback(after),
	)

	// the second callback still runs after the first panics
	if ev := wait(1)[0]; !ev.OK() {
		t.Errorf("evaluation error = %v", ev.Err)
	}
}

func TestInvokeCallbackSafe_LogsPanic(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, nil))

	invokeCallbackSafe(func(Evaluation) { panic("boom") }, Evaluation{QueryID: "q1"}, logger)

	out := buf.String()
	if !strings.Contains(out, "result callback panicked") || !strings.Contains(out, "q1") {
		t.Errorf("panic not logged with query id: %s", out)
	}
}

func TestOutcomeToEvaluation_NoSharedReferences(t *testing.T) {
	out := evaluator.Outcome{
		Query:  query.Query{ID: "q1", Definition: query.Definition{Name: "ABC"}},
		File:   "batch.jsonl",
		Result: query.Result{ID: "r1", QueryID: "q1", Values: []float64{5}},
	}

	ev := outcomeToEvaluation(out)
	if ev.Value != 5 || ev.QueryName != "ABC" {
		t.Fatalf("evaluation = %+v", ev)
	}

	ev.Result.Values[0] = 99
	if out.Result.Values[0] != 5 {
		t.Error("mutating evaluation values changed the outcome")
	}
}

func TestOutcomeToEvaluation_Error(t *testing.T) {
	ev := outcomeToEvaluation(evaluator.Outcome{
		Query: query.Query{ID: "q1"},
		Err:   query.ErrNoValues,
	})
	if ev.OK() || ev.Value != 0 {
		t.Errorf("evaluation = %+v, want failed with zero value", ev)
	}
}
