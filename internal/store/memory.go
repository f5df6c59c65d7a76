package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/jpalmerr/pulsequery/query"
)

// MemoryStore is an in-memory implementation of [Store].
//
// MemoryStore provides thread-safe storage with a change feed per
// collection. Writers hold the store lock while publishing, and Watch
// methods hold it while snapshotting and subscribing, which is what makes
// snapshot plus changes exact. Publishing never blocks (see [Feed]).
//
// Data does not survive a restart; use [SQLiteStore] for that.
type MemoryStore struct {
	mu      sync.RWMutex
	queries map[string]query.Query
	order   []string
	results map[string][]query.Result
	reply   *query.Reply
	closed  bool

	queryFeed  *Feed[query.Query]
	resultFeed *Feed[query.Result]
	replyFeed  *Feed[query.Reply]

	now   func() time.Time
	newID func() string
}

// NewMemoryStore creates a new in-memory [Store] implementation.
//
// bufSize is the per-subscriber change buffer; non-positive values use
// [DefaultBufferSize].
func NewMemoryStore(bufSize int) *MemoryStore {
	return &MemoryStore{
		queries:    make(map[string]query.Query),
		results:    make(map[string][]query.Result),
		queryFeed:  NewFeed[query.Query](bufSize),
		resultFeed: NewFeed[query.Result](bufSize),
		replyFeed:  NewFeed[query.Reply](bufSize),
		now:        time.Now,
		newID:      uuid.NewString,
	}
}

// CreateQuery stores def under a new uuid and publishes an added change.
func (m *MemoryStore) CreateQuery(_ context.Context, def query.Definition) (query.Query, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return query.Query{}, ErrClosed
	}

	q := query.Query{
		ID:         m.newID(),
		Definition: def,
		CreatedAt:  m.now().UTC(),
	}
	m.queries[q.ID] = q
	m.order = append(m.order, q.ID)

	m.queryFeed.Publish(Change[query.Query]{Kind: ChangeAdded, ID: q.ID, Doc: q})
	return q, nil
}

// GetQuery returns the query with the given id.
func (m *MemoryStore) GetQuery(_ context.Context, id string) (query.Query, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	q, ok := m.queries[id]
	if !ok {
		return query.Query{}, fmt.Errorf("query %q: %w", id, ErrNotFound)
	}
	return q, nil
}

// RemoveQuery deletes one query and publishes a removed change.
func (m *MemoryStore) RemoveQuery(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return ErrClosed
	}

	q, ok := m.queries[id]
	if !ok {
		return fmt.Errorf("query %q: %w", id, ErrNotFound)
	}
	delete(m.queries, id)
	for i, qid := range m.order {
		if qid == id {
			m.order = append(m.order[:i], m.order[i+1:]...)
			break
		}
	}

	m.queryFeed.Publish(Change[query.Query]{Kind: ChangeRemoved, ID: id, Doc: q})
	return nil
}

// RemoveAllQueries deletes every query, publishing one removed change each.
func (m *MemoryStore) RemoveAllQueries(_ context.Context) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return 0, ErrClosed
	}

	removed := len(m.order)
	for _, id := range m.order {
		m.queryFeed.Publish(Change[query.Query]{Kind: ChangeRemoved, ID: id, Doc: m.queries[id]})
	}
	m.queries = make(map[string]query.Query)
	m.order = nil

	return removed, nil
}

// ListQueries returns a snapshot of all queries in creation order.
func (m *MemoryStore) ListQueries(_ context.Context) ([]query.Query, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.listQueriesLocked(), nil
}

func (m *MemoryStore) listQueriesLocked() []query.Query {
	out := make([]query.Query, 0, len(m.order))
	for _, id := range m.order {
		out = append(out, m.queries[id])
	}
	return out
}

// WatchQueries returns the current queries and a subscription to changes.
func (m *MemoryStore) WatchQueries(ctx context.Context) ([]query.Query, *Subscription[query.Query], error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed {
		return nil, nil, ErrClosed
	}
	return m.listQueriesLocked(), m.queryFeed.Subscribe(ctx, nil), nil
}

// InsertResult appends a result and publishes an added change.
func (m *MemoryStore) InsertResult(_ context.Context, r query.Result) (query.Result, error) {
	if r.QueryID == "" {
		return query.Result{}, fmt.Errorf("%w: query id is required", ErrInvalidResult)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return query.Result{}, ErrClosed
	}

	if r.ID == "" {
		r.ID = m.newID()
	}
	if r.Time.IsZero() {
		r.Time = m.now().UTC()
	}
	r.Values = append([]float64{}, r.Values...)
	m.results[r.QueryID] = append(m.results[r.QueryID], r)

	m.resultFeed.Publish(Change[query.Result]{Kind: ChangeAdded, ID: r.ID, Doc: cloneResult(r)})
	return cloneResult(r), nil
}

// ListResults returns the results of one query ordered by time.
// Results with equal times keep insertion order.
func (m *MemoryStore) ListResults(_ context.Context, queryID string) ([]query.Result, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.listResultsLocked(queryID), nil
}

func (m *MemoryStore) listResultsLocked(queryID string) []query.Result {
	stored := m.results[queryID]
	out := make([]query.Result, len(stored))
	for i, r := range stored {
		out[i] = cloneResult(r)
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Time.Before(out[j].Time)
	})
	return out
}

// RemoveAllResults clears the result store, publishing one removed change each.
func (m *MemoryStore) RemoveAllResults(_ context.Context) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return 0, ErrClosed
	}

	removed := 0
	for _, rs := range m.results {
		for _, r := range rs {
			m.resultFeed.Publish(Change[query.Result]{Kind: ChangeRemoved, ID: r.ID, Doc: cloneResult(r)})
			removed++
		}
	}
	m.results = make(map[string][]query.Result)

	return removed, nil
}

// WatchResults returns the results of one query and a subscription limited to it.
func (m *MemoryStore) WatchResults(ctx context.Context, queryID string) ([]query.Result, *Subscription[query.Result], error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed {
		return nil, nil, ErrClosed
	}
	sub := m.resultFeed.Subscribe(ctx, resultsFor(queryID))
	return m.listResultsLocked(queryID), sub, nil
}

// PutReply replaces the stored reply if r is newer.
func (m *MemoryStore) PutReply(_ context.Context, r query.Reply) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return false, ErrClosed
	}
	if m.reply != nil && r.Seq <= m.reply.Seq {
		return false, nil
	}

	if m.reply != nil {
		m.replyFeed.Publish(Change[query.Reply]{Kind: ChangeRemoved, ID: m.reply.ID, Doc: *m.reply})
	}
	if r.ID == "" {
		r.ID = m.newID()
	}
	m.reply = &r

	m.replyFeed.Publish(Change[query.Reply]{Kind: ChangeAdded, ID: r.ID, Doc: r})
	return true, nil
}

// LastReply returns the stored reply.
func (m *MemoryStore) LastReply(_ context.Context) (query.Reply, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.reply == nil {
		return query.Reply{}, fmt.Errorf("reply: %w", ErrNotFound)
	}
	return *m.reply, nil
}

// WatchReplies returns the stored reply, if any, and a subscription to replacements.
func (m *MemoryStore) WatchReplies(ctx context.Context) ([]query.Reply, *Subscription[query.Reply], error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed {
		return nil, nil, ErrClosed
	}

	var snapshot []query.Reply
	if m.reply != nil {
		snapshot = append(snapshot, *m.reply)
	}
	return snapshot, m.replyFeed.Subscribe(ctx, nil), nil
}

// Close ends every subscription. Subsequent writes return [ErrClosed].
func (m *MemoryStore) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return nil
	}
	m.closed = true
	m.queryFeed.Close()
	m.resultFeed.Close()
	m.replyFeed.Close()
	return nil
}

// resultsFor filters result changes down to one query.
func resultsFor(queryID string) func(Change[query.Result]) bool {
	return func(c Change[query.Result]) bool {
		return c.Doc.QueryID == queryID
	}
}

// cloneResult copies r so callers never share its Values with the store.
func cloneResult(r query.Result) query.Result {
	r.Values = append([]float64{}, r.Values...)
	return r
}
