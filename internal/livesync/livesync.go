// Package livesync turns store change feeds into client sessions.
//
// A client subscribes to a named publication. The session first replays the
// current contents of the publication as added messages, then sends one
// ready message, then relays live changes until the client goes away. A
// session whose feed fell behind ends with a final error message; the
// client resubscribes to get a fresh snapshot.
package livesync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/google/uuid"

	"github.com/jpalmerr/pulsequery/internal/metrics"
	"github.com/jpalmerr/pulsequery/internal/store"
)

var (
	ErrUnknownPublication = errors.New("unknown publication")
	ErrMissingParam       = errors.New("missing parameter")
	ErrHubClosed          = errors.New("hub closed")
)

// Publication names.
const (
	PubQueries = "queries"
	PubResults = "results"
	PubReplies = "replies"
)

// ParamQueryID selects the query of the results publication.
const ParamQueryID = "queryId"

// MessageType is the kind of a session [Message].
type MessageType string

const (
	MessageAdded   MessageType = "added"
	MessageChanged MessageType = "changed"
	MessageRemoved MessageType = "removed"
	MessageReady   MessageType = "ready"
	MessageError   MessageType = "error"
)

// Message is one event of a session.
type Message struct {
	Type       MessageType `json:"type"`
	Collection string      `json:"collection,omitempty"`
	ID         string      `json:"id,omitempty"`
	Doc        any         `json:"doc,omitempty"`
	Error      string      `json:"error,omitempty"`
}

// Params are the arguments of a subscription.
type Params map[string]string

type publication func(ctx context.Context, s *Session, p Params) error

// Hub serves publications backed by a [store.Store].
type Hub struct {
	store  store.Store
	logger *slog.Logger
	pubs   map[string]publication

	// mu orders session starts against Close so wg.Add never races wg.Wait
	mu     sync.Mutex
	closed bool
	wg     sync.WaitGroup
}

// NewHub creates a hub serving the queries, results and replies publications.
func NewHub(st store.Store, logger *slog.Logger) *Hub {
	h := &Hub{store: st, logger: logger}
	h.pubs = map[string]publication{
		PubQueries: h.publishQueries,
		PubResults: h.publishResults,
		PubReplies: h.publishReplies,
	}
	return h
}

// Publications returns the registered publication names, sorted.
func (h *Hub) Publications() []string {
	names := make([]string, 0, len(h.pubs))
	for name := range h.pubs {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Subscribe opens a session on the named publication.
//
// The snapshot is taken before Subscribe returns, so every change made after
// it returns is delivered. The session ends when ctx is done or Close is
// called; its Messages channel is then closed.
func (h *Hub) Subscribe(ctx context.Context, name string, params Params) (*Session, error) {
	pub, ok := h.pubs[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownPublication, name)
	}

	ctx, cancel := context.WithCancel(ctx)
	s := &Session{
		ID:          uuid.NewString(),
		Publication: name,
		msgs:        make(chan Message, 16),
		cancel:      cancel,
		done:        make(chan struct{}),
	}

	if err := pub(ctx, s, params); err != nil {
		cancel()
		return nil, err
	}

	h.logger.Debug("session opened", "session", s.ID, "publication", name)
	return s, nil
}

// Wait blocks until every session started by the hub has ended.
// It must not run concurrently with Subscribe; use Close during shutdown.
func (h *Hub) Wait() {
	h.wg.Wait()
}

// Close stops accepting sessions, then waits for the open ones to end.
// Subscribe returns [ErrHubClosed] afterwards. Safe to call multiple times.
func (h *Hub) Close() {
	h.mu.Lock()
	h.closed = true
	h.mu.Unlock()

	h.wg.Wait()
}

func (h *Hub) publishQueries(ctx context.Context, s *Session, _ Params) error {
	snapshot, sub, err := h.store.WatchQueries(ctx)
	if err != nil {
		return fmt.Errorf("watch queries: %w", err)
	}
	return h.start(ctx, s, func() { relay(ctx, s, PubQueries, snapshot, sub, queryID) })
}

func (h *Hub) publishResults(ctx context.Context, s *Session, p Params) error {
	id := p[ParamQueryID]
	if id == "" {
		return fmt.Errorf("%w: %s", ErrMissingParam, ParamQueryID)
	}
	snapshot, sub, err := h.store.WatchResults(ctx, id)
	if err != nil {
		return fmt.Errorf("watch results: %w", err)
	}
	return h.start(ctx, s, func() { relay(ctx, s, PubResults, snapshot, sub, resultID) })
}

func (h *Hub) publishReplies(ctx context.Context, s *Session, _ Params) error {
	snapshot, sub, err := h.store.WatchReplies(ctx)
	if err != nil {
		return fmt.Errorf("watch replies: %w", err)
	}
	return h.start(ctx, s, func() { relay(ctx, s, PubReplies, snapshot, sub, replyID) })
}

// start runs the session goroutine unless the hub is closed. On error the
// caller cancels ctx, which also ends the store subscription.
func (h *Hub) start(ctx context.Context, s *Session, run func()) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return ErrHubClosed
	}

	metrics.Sessions.WithLabelValues(s.Publication).Inc()
	h.wg.Add(1)
	go func() {
		defer h.wg.Done()
		defer close(s.done)
		defer close(s.msgs)
		defer s.cancel()
		defer metrics.Sessions.WithLabelValues(s.Publication).Dec()

		run()
		h.logger.Debug("session closed", "session", s.ID, "publication", s.Publication, "reason", context.Cause(ctx))
	}()
	return nil
}
