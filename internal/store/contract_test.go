package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/jpalmerr/pulsequery/query"
)

// storeFactory opens a fresh, empty store for one test.
type storeFactory func(t *testing.T) Store

func countDef(contains string) query.Definition {
	return query.Definition{
		Select: query.Select{Aggregator: query.AggregatorCount, Field: query.AllFields},
		Where:  json.RawMessage(fmt.Sprintf(`{"text":{"contains":%q}}`, contains)),
	}
}

func receive[T any](t *testing.T, sub *Subscription[T]) Change[T] {
	t.Helper()
	select {
	case c, ok := <-sub.Changes():
		if !ok {
			t.Fatalf("subscription ended early: %v", sub.Err())
		}
		return c
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for change")
	}
	return Change[T]{}
}

func expectNoChange[T any](t *testing.T, sub *Subscription[T]) {
	t.Helper()
	select {
	case c := <-sub.Changes():
		t.Fatalf("unexpected change: %+v", c)
	case <-time.After(20 * time.Millisecond):
	}
}

func runStoreContract(t *testing.T, open storeFactory) {
	t.Run("CreateAndGet", func(t *testing.T) {
		s := open(t)
		ctx := context.Background()

		q, err := s.CreateQuery(ctx, countDef("happy"))
		if err != nil {
			t.Fatalf("CreateQuery() error = %v", err)
		}
		if q.ID == "" {
			t.Fatal("CreateQuery() returned empty id")
		}
		if q.CreatedAt.IsZero() {
			t.Error("CreateQuery() did not set CreatedAt")
		}

		got, err := s.GetQuery(ctx, q.ID)
		if err != nil {
			t.Fatalf("GetQuery() error = %v", err)
		}
		if got.ID != q.ID || got.Select.Aggregator != q.Select.Aggregator || got.Select.Field != q.Select.Field {
			t.Errorf("GetQuery() = %+v, want %+v", got, q)
		}
		if string(got.Where) != string(q.Where) {
			t.Errorf("GetQuery().Where = %s, want %s", got.Where, q.Where)
		}
		if !got.CreatedAt.Equal(q.CreatedAt) {
			t.Errorf("GetQuery().CreatedAt = %v, want %v", got.CreatedAt, q.CreatedAt)
		}
	})

	t.Run("GetUnknown", func(t *testing.T) {
		s := open(t)
		if _, err := s.GetQuery(context.Background(), "missing"); !errors.Is(err, ErrNotFound) {
			t.Errorf("GetQuery() error = %v, want ErrNotFound", err)
		}
	})

	t.Run("ListKeepsCreationOrder", func(t *testing.T) {
		s := open(t)
		ctx := context.Background()

		var want []string
		for _, word := range []string{"a", "b", "c", "d"} {
			q, err := s.CreateQuery(ctx, countDef(word))
			if err != nil {
				t.Fatalf("CreateQuery() error = %v", err)
			}
			want = append(want, q.ID)
		}

		got, err := s.ListQueries(ctx)
		if err != nil {
			t.Fatalf("ListQueries() error = %v", err)
		}
		if len(got) != len(want) {
			t.Fatalf("ListQueries() returned %d queries, want %d", len(got), len(want))
		}
		for i := range want {
			if got[i].ID != want[i] {
				t.Errorf("ListQueries()[%d].ID = %s, want %s", i, got[i].ID, want[i])
			}
		}
	})

	t.Run("RemoveLeavesOthers", func(t *testing.T) {
		s := open(t)
		ctx := context.Background()

		a, _ := s.CreateQuery(ctx, countDef("a"))
		b, _ := s.CreateQuery(ctx, countDef("b"))
		c, _ := s.CreateQuery(ctx, countDef("c"))

		if err := s.RemoveQuery(ctx, b.ID); err != nil {
			t.Fatalf("RemoveQuery() error = %v", err)
		}

		got, _ := s.ListQueries(ctx)
		if len(got) != 2 || got[0].ID != a.ID || got[1].ID != c.ID {
			t.Errorf("ListQueries() after remove = %v, want [%s %s]", ids(got), a.ID, c.ID)
		}

		if err := s.RemoveQuery(ctx, b.ID); !errors.Is(err, ErrNotFound) {
			t.Errorf("second RemoveQuery() error = %v, want ErrNotFound", err)
		}
	})

	t.Run("RemoveAllIsIdempotent", func(t *testing.T) {
		s := open(t)
		ctx := context.Background()

		for i := 0; i < 3; i++ {
			s.CreateQuery(ctx, countDef("x"))
		}

		n, err := s.RemoveAllQueries(ctx)
		if err != nil {
			t.Fatalf("RemoveAllQueries() error = %v", err)
		}
		if n != 3 {
			t.Errorf("RemoveAllQueries() = %d, want 3", n)
		}

		n, err = s.RemoveAllQueries(ctx)
		if err != nil {
			t.Fatalf("second RemoveAllQueries() error = %v", err)
		}
		if n != 0 {
			t.Errorf("second RemoveAllQueries() = %d, want 0", n)
		}

		got, _ := s.ListQueries(ctx)
		if len(got) != 0 {
			t.Errorf("ListQueries() after reset returned %d queries", len(got))
		}
	})

	t.Run("RemoveAllQueriesKeepsResults", func(t *testing.T) {
		s := open(t)
		ctx := context.Background()

		q1, _ := s.CreateQuery(ctx, countDef("a"))
		q2, _ := s.CreateQuery(ctx, countDef("b"))
		s.InsertResult(ctx, query.Result{QueryID: q1.ID, Values: []float64{1}})
		s.InsertResult(ctx, query.Result{QueryID: q2.ID, Values: []float64{2}})

		if _, err := s.RemoveAllQueries(ctx); err != nil {
			t.Fatalf("RemoveAllQueries() error = %v", err)
		}

		for _, id := range []string{q1.ID, q2.ID} {
			got, err := s.ListResults(ctx, id)
			if err != nil {
				t.Fatalf("ListResults(%s) error = %v", id, err)
			}
			if len(got) != 1 {
				t.Errorf("ListResults(%s) returned %d results after query reset, want 1", id, len(got))
			}
		}
	})

	t.Run("ResultsIsolatedPerQuery", func(t *testing.T) {
		s := open(t)
		ctx := context.Background()
		base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

		for i := 0; i < 3; i++ {
			if _, err := s.InsertResult(ctx, query.Result{QueryID: "q1", Time: base.Add(time.Duration(i) * time.Second), Values: []float64{float64(i)}}); err != nil {
				t.Fatalf("InsertResult() error = %v", err)
			}
		}
		s.InsertResult(ctx, query.Result{QueryID: "q2", Time: base, Values: []float64{42}})

		got, err := s.ListResults(ctx, "q1")
		if err != nil {
			t.Fatalf("ListResults() error = %v", err)
		}
		if len(got) != 3 {
			t.Fatalf("ListResults(q1) returned %d results, want 3", len(got))
		}
		for i, r := range got {
			if r.QueryID != "q1" {
				t.Errorf("result %d has QueryID %q", i, r.QueryID)
			}
			if r.Values[0] != float64(i) {
				t.Errorf("result %d value = %v, want %d", i, r.Values[0], i)
			}
		}

		other, _ := s.ListResults(ctx, "q2")
		if len(other) != 1 || other[0].Values[0] != 42 {
			t.Errorf("ListResults(q2) = %+v", other)
		}

		none, _ := s.ListResults(ctx, "unknown")
		if len(none) != 0 {
			t.Errorf("ListResults(unknown) = %+v, want empty", none)
		}
	})

	t.Run("ResultsOrderedByTime", func(t *testing.T) {
		s := open(t)
		ctx := context.Background()
		base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

		s.InsertResult(ctx, query.Result{QueryID: "q", Time: base.Add(2 * time.Second), Values: []float64{2}})
		s.InsertResult(ctx, query.Result{QueryID: "q", Time: base, Values: []float64{0}})
		s.InsertResult(ctx, query.Result{QueryID: "q", Time: base.Add(time.Second), Values: []float64{1}})

		got, _ := s.ListResults(ctx, "q")
		for i, r := range got {
			if r.Values[0] != float64(i) {
				t.Errorf("ListResults()[%d] = %v, want value %d", i, r.Values, i)
			}
		}
	})

	t.Run("InsertResultDefaults", func(t *testing.T) {
		s := open(t)

		r, err := s.InsertResult(context.Background(), query.Result{QueryID: "q"})
		if err != nil {
			t.Fatalf("InsertResult() error = %v", err)
		}
		if r.ID == "" {
			t.Error("InsertResult() did not assign an id")
		}
		if r.Time.IsZero() {
			t.Error("InsertResult() did not assign a time")
		}
		if r.Values == nil {
			t.Error("InsertResult() left Values nil")
		}

		if _, err := s.InsertResult(context.Background(), query.Result{}); !errors.Is(err, ErrInvalidResult) {
			t.Errorf("InsertResult() without query id error = %v, want ErrInvalidResult", err)
		}
	})

	t.Run("RemoveAllResults", func(t *testing.T) {
		s := open(t)
		ctx := context.Background()

		s.InsertResult(ctx, query.Result{QueryID: "a"})
		s.InsertResult(ctx, query.Result{QueryID: "b"})

		n, err := s.RemoveAllResults(ctx)
		if err != nil || n != 2 {
			t.Errorf("RemoveAllResults() = %d, %v; want 2, nil", n, err)
		}
		n, err = s.RemoveAllResults(ctx)
		if err != nil || n != 0 {
			t.Errorf("second RemoveAllResults() = %d, %v; want 0, nil", n, err)
		}
	})

	t.Run("ReplyOnlyAcceptsNewer", func(t *testing.T) {
		s := open(t)
		ctx := context.Background()

		if _, err := s.LastReply(ctx); !errors.Is(err, ErrNotFound) {
			t.Errorf("LastReply() on empty store error = %v, want ErrNotFound", err)
		}

		ok, err := s.PutReply(ctx, query.Reply{Seq: 2, Command: "ls", Output: "b"})
		if err != nil || !ok {
			t.Fatalf("PutReply(seq 2) = %v, %v; want true, nil", ok, err)
		}

		// a slower, older command finishing later must not win
		ok, err = s.PutReply(ctx, query.Reply{Seq: 1, Command: "sleep 1", Output: "a"})
		if err != nil || ok {
			t.Fatalf("PutReply(seq 1) = %v, %v; want false, nil", ok, err)
		}

		got, err := s.LastReply(ctx)
		if err != nil {
			t.Fatalf("LastReply() error = %v", err)
		}
		if got.Seq != 2 || got.Output != "b" {
			t.Errorf("LastReply() = %+v, want seq 2", got)
		}
		if got.ID == "" {
			t.Error("PutReply() did not assign an id")
		}
	})

	t.Run("WatchQueriesSnapshotThenChanges", func(t *testing.T) {
		s := open(t)
		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		first, _ := s.CreateQuery(ctx, countDef("first"))

		snapshot, sub, err := s.WatchQueries(ctx)
		if err != nil {
			t.Fatalf("WatchQueries() error = %v", err)
		}
		defer sub.Close()

		if len(snapshot) != 1 || snapshot[0].ID != first.ID {
			t.Fatalf("snapshot = %v, want [%s]", ids(snapshot), first.ID)
		}

		second, _ := s.CreateQuery(ctx, countDef("second"))
		c := receive(t, sub)
		if c.Kind != ChangeAdded || c.ID != second.ID {
			t.Errorf("change = %s %s, want added %s", c.Kind, c.ID, second.ID)
		}

		s.RemoveQuery(ctx, first.ID)
		c = receive(t, sub)
		if c.Kind != ChangeRemoved || c.ID != first.ID {
			t.Errorf("change = %s %s, want removed %s", c.Kind, c.ID, first.ID)
		}

		expectNoChange(t, sub)
	})

	t.Run("WatchResultsFiltersByQuery", func(t *testing.T) {
		s := open(t)
		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		_, sub, err := s.WatchResults(ctx, "mine")
		if err != nil {
			t.Fatalf("WatchResults() error = %v", err)
		}
		defer sub.Close()

		s.InsertResult(ctx, query.Result{QueryID: "other", Values: []float64{1}})
		want, _ := s.InsertResult(ctx, query.Result{QueryID: "mine", Values: []float64{2}})

		c := receive(t, sub)
		if c.ID != want.ID || c.Doc.QueryID != "mine" {
			t.Errorf("change = %+v, want result %s", c, want.ID)
		}
		expectNoChange(t, sub)
	})

	t.Run("WatchRepliesReplacement", func(t *testing.T) {
		s := open(t)
		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		s.PutReply(ctx, query.Reply{Seq: 1, Output: "one"})

		snapshot, sub, err := s.WatchReplies(ctx)
		if err != nil {
			t.Fatalf("WatchReplies() error = %v", err)
		}
		defer sub.Close()
		if len(snapshot) != 1 || snapshot[0].Seq != 1 {
			t.Fatalf("snapshot = %+v, want seq 1", snapshot)
		}

		s.PutReply(ctx, query.Reply{Seq: 2, Output: "two"})

		removed := receive(t, sub)
		if removed.Kind != ChangeRemoved || removed.Doc.Seq != 1 {
			t.Errorf("first change = %s seq %d, want removed seq 1", removed.Kind, removed.Doc.Seq)
		}
		added := receive(t, sub)
		if added.Kind != ChangeAdded || added.Doc.Seq != 2 {
			t.Errorf("second change = %s seq %d, want added seq 2", added.Kind, added.Doc.Seq)
		}
	})

	t.Run("SnapshotPlusChangesIsExact", func(t *testing.T) {
		s := open(t)
		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		const writers, perWriter = 4, 25
		var wg sync.WaitGroup
		start := make(chan struct{})
		for w := 0; w < writers; w++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				<-start
				for i := 0; i < perWriter; i++ {
					s.InsertResult(ctx, query.Result{QueryID: "q"})
				}
			}()
		}

		close(start)
		snapshot, sub, err := s.WatchResults(ctx, "q")
		if err != nil {
			t.Fatalf("WatchResults() error = %v", err)
		}
		defer sub.Close()
		wg.Wait()

		seen := make(map[string]int)
		for _, r := range snapshot {
			seen[r.ID]++
		}
		for len(seen) < writers*perWriter {
			c := receive(t, sub)
			seen[c.ID]++
		}
		expectNoChange(t, sub)

		for id, n := range seen {
			if n != 1 {
				t.Errorf("result %s seen %d times, want exactly once", id, n)
			}
		}
	})

	t.Run("WatchEndsOnContextCancel", func(t *testing.T) {
		s := open(t)
		ctx, cancel := context.WithCancel(context.Background())

		_, sub, err := s.WatchQueries(ctx)
		if err != nil {
			t.Fatalf("WatchQueries() error = %v", err)
		}
		cancel()

		select {
		case _, ok := <-sub.Changes():
			if ok {
				t.Fatal("expected closed channel")
			}
		case <-time.After(time.Second):
			t.Fatal("subscription not closed after cancel")
		}
		if sub.Err() != nil {
			t.Errorf("Err() = %v, want nil after cancel", sub.Err())
		}
	})

	t.Run("CloseEndsSubscriptions", func(t *testing.T) {
		s := open(t)
		ctx := context.Background()

		_, sub, err := s.WatchQueries(ctx)
		if err != nil {
			t.Fatalf("WatchQueries() error = %v", err)
		}

		if err := s.Close(); err != nil {
			t.Fatalf("Close() error = %v", err)
		}
		if err := s.Close(); err != nil {
			t.Errorf("second Close() error = %v", err)
		}

		if _, ok := <-sub.Changes(); ok {
			t.Error("expected subscription channel to be closed")
		}
		if !errors.Is(sub.Err(), ErrClosed) {
			t.Errorf("Err() = %v, want ErrClosed", sub.Err())
		}

		if _, err := s.CreateQuery(ctx, countDef("late")); !errors.Is(err, ErrClosed) {
			t.Errorf("CreateQuery() after Close error = %v, want ErrClosed", err)
		}
	})
}

func ids(qs []query.Query) []string {
	out := make([]string, len(qs))
	for i, q := range qs {
		out[i] = q.ID
	}
	return out
}
