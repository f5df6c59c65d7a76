package store

import (
	"context"
	"database/sql"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/jpalmerr/pulsequery/query"
)

//go:embed schema.sql
var schemaSQL string

// Schema version tracking:
// 1 - Initial schema
const currentSchemaVersion = 1

// SQLiteStore is a durable [Store] backed by SQLite.
//
// The database is opened with a single connection (SQLite has one writer).
// Writes and Watch snapshots are serialised by a store-level mutex so the
// change feeds give the same exact-snapshot guarantee as [MemoryStore].
// Change feeds are process-local: writes made by another process sharing
// the file are not observed until the next snapshot.
type SQLiteStore struct {
	db     *sql.DB
	mu     sync.Mutex
	closed bool

	queryFeed  *Feed[query.Query]
	resultFeed *Feed[query.Result]
	replyFeed  *Feed[query.Reply]

	now   func() time.Time
	newID func() string
}

// OpenSQLite creates or opens a SQLite database at path.
// Applies required pragmas and the schema automatically.
//
// The database is configured with:
//   - WAL mode for concurrent reads during writes
//   - NORMAL synchronous mode
//   - 5-second busy timeout for lock contention
//
// path may be ":memory:" for a private in-memory database.
func OpenSQLite(path string, bufSize int) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	// single writer avoids SQLITE_BUSY and keeps :memory: databases on one connection
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := applyPragmas(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply pragmas: %w", err)
	}

	if err := applySchema(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply schema: %w", err)
	}

	return &SQLiteStore{
		db:         db,
		queryFeed:  NewFeed[query.Query](bufSize),
		resultFeed: NewFeed[query.Result](bufSize),
		replyFeed:  NewFeed[query.Reply](bufSize),
		now:        time.Now,
		newID:      uuid.NewString,
	}, nil
}

func applyPragmas(db *sql.DB) error {
	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA busy_timeout = 5000",
	}

	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			return fmt.Errorf("failed to execute %q: %w", pragma, err)
		}
	}
	return nil
}

func applySchema(db *sql.DB) error {
	var version int
	if err := db.QueryRow("PRAGMA user_version").Scan(&version); err != nil {
		return fmt.Errorf("get user_version: %w", err)
	}
	if version > currentSchemaVersion {
		return fmt.Errorf("database schema version %d is newer than supported version %d", version, currentSchemaVersion)
	}

	if _, err := db.Exec(schemaSQL); err != nil {
		return fmt.Errorf("failed to execute schema: %w", err)
	}

	if _, err := db.Exec(fmt.Sprintf("PRAGMA user_version = %d", currentSchemaVersion)); err != nil {
		return fmt.Errorf("set user_version: %w", err)
	}
	return nil
}

// CreateQuery stores def under a new uuid and publishes an added change.
func (s *SQLiteStore) CreateQuery(ctx context.Context, def query.Definition) (query.Query, error) {
	doc, err := json.Marshal(def)
	if err != nil {
		return query.Query{}, fmt.Errorf("encode definition: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return query.Query{}, ErrClosed
	}

	q := query.Query{
		ID:         s.newID(),
		Definition: def,
		CreatedAt:  s.now().UTC(),
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO queries (id, definition, created_at) VALUES (?, ?, ?)`,
		q.ID, string(doc), q.CreatedAt.UnixNano(),
	)
	if err != nil {
		return query.Query{}, fmt.Errorf("insert query: %w", err)
	}

	s.queryFeed.Publish(Change[query.Query]{Kind: ChangeAdded, ID: q.ID, Doc: q})
	return q, nil
}

// GetQuery returns the query with the given id.
func (s *SQLiteStore) GetQuery(ctx context.Context, id string) (query.Query, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, definition, created_at FROM queries WHERE id = ?`, id)

	q, err := scanQuery(row)
	if errors.Is(err, sql.ErrNoRows) {
		return query.Query{}, fmt.Errorf("query %q: %w", id, ErrNotFound)
	}
	if err != nil {
		return query.Query{}, fmt.Errorf("get query: %w", err)
	}
	return q, nil
}

// RemoveQuery deletes one query and publishes a removed change.
func (s *SQLiteStore) RemoveQuery(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrClosed
	}

	q, err := s.GetQuery(ctx, id)
	if err != nil {
		return err
	}

	if _, err := s.db.ExecContext(ctx, `DELETE FROM queries WHERE id = ?`, id); err != nil {
		return fmt.Errorf("delete query: %w", err)
	}

	s.queryFeed.Publish(Change[query.Query]{Kind: ChangeRemoved, ID: id, Doc: q})
	return nil
}

// RemoveAllQueries deletes every query, publishing one removed change each.
func (s *SQLiteStore) RemoveAllQueries(ctx context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return 0, ErrClosed
	}

	existing, err := s.ListQueries(ctx)
	if err != nil {
		return 0, err
	}

	if _, err := s.db.ExecContext(ctx, `DELETE FROM queries`); err != nil {
		return 0, fmt.Errorf("delete queries: %w", err)
	}

	for _, q := range existing {
		s.queryFeed.Publish(Change[query.Query]{Kind: ChangeRemoved, ID: q.ID, Doc: q})
	}
	return len(existing), nil
}

// ListQueries returns all queries in creation order.
func (s *SQLiteStore) ListQueries(ctx context.Context) ([]query.Query, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, definition, created_at FROM queries ORDER BY seq`)
	if err != nil {
		return nil, fmt.Errorf("list queries: %w", err)
	}
	defer rows.Close()

	out := []query.Query{}
	for rows.Next() {
		q, err := scanQuery(rows)
		if err != nil {
			return nil, fmt.Errorf("scan query: %w", err)
		}
		out = append(out, q)
	}
	return out, rows.Err()
}

// WatchQueries returns the current queries and a subscription to changes.
func (s *SQLiteStore) WatchQueries(ctx context.Context) ([]query.Query, *Subscription[query.Query], error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, nil, ErrClosed
	}

	snapshot, err := s.ListQueries(ctx)
	if err != nil {
		return nil, nil, err
	}
	return snapshot, s.queryFeed.Subscribe(ctx, nil), nil
}

// InsertResult appends a result and publishes an added change.
func (s *SQLiteStore) InsertResult(ctx context.Context, r query.Result) (query.Result, error) {
	if r.QueryID == "" {
		return query.Result{}, fmt.Errorf("%w: query id is required", ErrInvalidResult)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return query.Result{}, ErrClosed
	}

	if r.ID == "" {
		r.ID = s.newID()
	}
	if r.Time.IsZero() {
		r.Time = s.now().UTC()
	}
	if r.Values == nil {
		r.Values = []float64{}
	}

	vals, err := json.Marshal(r.Values)
	if err != nil {
		return query.Result{}, fmt.Errorf("encode values: %w", err)
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO results (id, query_id, time, vals) VALUES (?, ?, ?, ?)`,
		r.ID, r.QueryID, r.Time.UnixNano(), string(vals),
	)
	if err != nil {
		return query.Result{}, fmt.Errorf("insert result: %w", err)
	}

	r.Time = r.Time.UTC()
	s.resultFeed.Publish(Change[query.Result]{Kind: ChangeAdded, ID: r.ID, Doc: r})
	return r, nil
}

// ListResults returns the results of one query ordered by time, then insertion.
func (s *SQLiteStore) ListResults(ctx context.Context, queryID string) ([]query.Result, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, query_id, time, vals FROM results WHERE query_id = ? ORDER BY time, seq`, queryID)
	if err != nil {
		return nil, fmt.Errorf("list results: %w", err)
	}
	defer rows.Close()
	return scanResults(rows)
}

// RemoveAllResults clears the result store, publishing one removed change each.
func (s *SQLiteStore) RemoveAllResults(ctx context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return 0, ErrClosed
	}

	rows, err := s.db.QueryContext(ctx, `SELECT id, query_id, time, vals FROM results ORDER BY seq`)
	if err != nil {
		return 0, fmt.Errorf("list results: %w", err)
	}
	existing, err := scanResults(rows)
	rows.Close()
	if err != nil {
		return 0, err
	}

	if _, err := s.db.ExecContext(ctx, `DELETE FROM results`); err != nil {
		return 0, fmt.Errorf("delete results: %w", err)
	}

	for _, r := range existing {
		s.resultFeed.Publish(Change[query.Result]{Kind: ChangeRemoved, ID: r.ID, Doc: r})
	}
	return len(existing), nil
}

// WatchResults returns the results of one query and a subscription limited to it.
func (s *SQLiteStore) WatchResults(ctx context.Context, queryID string) ([]query.Result, *Subscription[query.Result], error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, nil, ErrClosed
	}

	snapshot, err := s.ListResults(ctx, queryID)
	if err != nil {
		return nil, nil, err
	}
	return snapshot, s.resultFeed.Subscribe(ctx, resultsFor(queryID)), nil
}

// PutReply replaces the stored reply if r is newer.
func (s *SQLiteStore) PutReply(ctx context.Context, r query.Reply) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return false, ErrClosed
	}

	prev, err := s.LastReply(ctx)
	hasPrev := err == nil
	if err != nil && !errors.Is(err, ErrNotFound) {
		return false, err
	}
	if hasPrev && r.Seq <= prev.Seq {
		return false, nil
	}

	if r.ID == "" {
		r.ID = s.newID()
	}
	doc, err := json.Marshal(r)
	if err != nil {
		return false, fmt.Errorf("encode reply: %w", err)
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO replies (slot, seq, doc) VALUES (1, ?, ?)
		 ON CONFLICT(slot) DO UPDATE SET seq = excluded.seq, doc = excluded.doc`,
		int64(r.Seq), string(doc),
	)
	if err != nil {
		return false, fmt.Errorf("put reply: %w", err)
	}

	if hasPrev {
		s.replyFeed.Publish(Change[query.Reply]{Kind: ChangeRemoved, ID: prev.ID, Doc: prev})
	}
	s.replyFeed.Publish(Change[query.Reply]{Kind: ChangeAdded, ID: r.ID, Doc: r})
	return true, nil
}

// LastReply returns the stored reply.
func (s *SQLiteStore) LastReply(ctx context.Context) (query.Reply, error) {
	var doc string
	err := s.db.QueryRowContext(ctx, `SELECT doc FROM replies WHERE slot = 1`).Scan(&doc)
	if errors.Is(err, sql.ErrNoRows) {
		return query.Reply{}, fmt.Errorf("reply: %w", ErrNotFound)
	}
	if err != nil {
		return query.Reply{}, fmt.Errorf("get reply: %w", err)
	}

	var r query.Reply
	if err := json.Unmarshal([]byte(doc), &r); err != nil {
		return query.Reply{}, fmt.Errorf("decode reply: %w", err)
	}
	return r, nil
}

// WatchReplies returns the stored reply, if any, and a subscription to replacements.
func (s *SQLiteStore) WatchReplies(ctx context.Context) ([]query.Reply, *Subscription[query.Reply], error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, nil, ErrClosed
	}

	var snapshot []query.Reply
	r, err := s.LastReply(ctx)
	switch {
	case err == nil:
		snapshot = append(snapshot, r)
	case !errors.Is(err, ErrNotFound):
		return nil, nil, err
	}
	return snapshot, s.replyFeed.Subscribe(ctx, nil), nil
}

// Close ends every subscription and closes the database.
func (s *SQLiteStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true

	s.queryFeed.Close()
	s.resultFeed.Close()
	s.replyFeed.Close()
	return s.db.Close()
}

// rowScanner is satisfied by *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanQuery(row rowScanner) (query.Query, error) {
	var (
		q         query.Query
		doc       string
		createdAt int64
	)
	if err := row.Scan(&q.ID, &doc, &createdAt); err != nil {
		return query.Query{}, err
	}
	if err := json.Unmarshal([]byte(doc), &q.Definition); err != nil {
		return query.Query{}, fmt.Errorf("decode definition of %q: %w", q.ID, err)
	}
	q.CreatedAt = time.Unix(0, createdAt).UTC()
	return q, nil
}

func scanResults(rows *sql.Rows) ([]query.Result, error) {
	out := []query.Result{}
	for rows.Next() {
		var (
			r    query.Result
			ts   int64
			vals string
		)
		if err := rows.Scan(&r.ID, &r.QueryID, &ts, &vals); err != nil {
			return nil, fmt.Errorf("scan result: %w", err)
		}
		if err := json.Unmarshal([]byte(vals), &r.Values); err != nil {
			return nil, fmt.Errorf("decode values of %q: %w", r.ID, err)
		}
		r.Time = time.Unix(0, ts).UTC()
		out = append(out, r)
	}
	return out, rows.Err()
}
