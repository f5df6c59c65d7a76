package store

import (
	"context"
	"errors"

	"github.com/jpalmerr/pulsequery/query"
)

var (
	// ErrNotFound is returned when a document id does not exist.
	ErrNotFound = errors.New("not found")

	// ErrInvalidResult is returned when a result has no query id.
	ErrInvalidResult = errors.New("invalid result")

	// ErrClosed is returned by operations on a closed store.
	ErrClosed = errors.New("store closed")
)

// QueryStore holds user-submitted query definitions.
//
// No validation of the select or where shape is performed; malformed
// definitions are stored as-is and only fail when evaluated.
type QueryStore interface {
	// CreateQuery stores a definition under a newly assigned id.
	CreateQuery(ctx context.Context, def query.Definition) (query.Query, error)

	// GetQuery returns one query or ErrNotFound.
	GetQuery(ctx context.Context, id string) (query.Query, error)

	// RemoveQuery deletes one query. Unknown ids return ErrNotFound.
	// Results of the query are kept.
	RemoveQuery(ctx context.Context, id string) error

	// RemoveAllQueries deletes every query and returns how many were removed.
	// Calling it on an empty store is a no-op.
	RemoveAllQueries(ctx context.Context) (int, error)

	// ListQueries returns all queries in creation order.
	ListQueries(ctx context.Context) ([]query.Query, error)

	// WatchQueries returns the current queries and a subscription to later
	// additions and removals. The subscription is closed when ctx is done.
	WatchQueries(ctx context.Context) ([]query.Query, *Subscription[query.Query], error)
}

// ResultStore holds computed results. Results are append-only.
type ResultStore interface {
	// InsertResult stores a result. A missing ID or Time is filled in.
	// The query id is required but not checked against the query store.
	InsertResult(ctx context.Context, r query.Result) (query.Result, error)

	// ListResults returns the results of one query ordered by time.
	ListResults(ctx context.Context, queryID string) ([]query.Result, error)

	// RemoveAllResults clears the result store and returns how many were removed.
	RemoveAllResults(ctx context.Context) (int, error)

	// WatchResults returns the results of one query and a subscription to
	// changes affecting only that query. The subscription is closed when ctx is done.
	WatchResults(ctx context.Context, queryID string) ([]query.Result, *Subscription[query.Result], error)
}

// ReplyStore holds the single "last command reply" slot.
type ReplyStore interface {
	// PutReply replaces the stored reply if r.Seq is newer than the stored
	// reply's Seq, and reports whether it did. Older replies finishing late
	// are discarded.
	PutReply(ctx context.Context, r query.Reply) (bool, error)

	// LastReply returns the stored reply or ErrNotFound.
	LastReply(ctx context.Context) (query.Reply, error)

	// WatchReplies returns the stored reply (if any) and a subscription to
	// replacements. The subscription is closed when ctx is done.
	WatchReplies(ctx context.Context) ([]query.Reply, *Subscription[query.Reply], error)
}

// Store is the full storage surface used by the application.
type Store interface {
	QueryStore
	ResultStore
	ReplyStore

	// Close releases resources and ends every open subscription.
	Close() error
}
