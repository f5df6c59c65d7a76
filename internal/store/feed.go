package store

import (
	"context"
	"errors"
	"sync"
)

// DefaultBufferSize is the per-subscriber change buffer.
const DefaultBufferSize = 256

// ErrLagged ends a subscription whose buffer filled up.
var ErrLagged = errors.New("subscriber fell behind")

// ChangeKind is the kind of mutation a [Change] describes.
type ChangeKind string

const (
	ChangeAdded   ChangeKind = "added"
	ChangeChanged ChangeKind = "changed"
	ChangeRemoved ChangeKind = "removed"
)

// Change is a single mutation of a collection.
//
// Doc holds the document after the change; for removals it holds the
// document as it was before removal.
type Change[T any] struct {
	Kind ChangeKind
	ID   string
	Doc  T
}

// Subscription receives the changes of a [Feed] accepted by its filter.
//
// The channel returned by [Subscription.Changes] is closed when the
// subscription ends; [Subscription.Err] then reports why (nil after an
// explicit Close).
type Subscription[T any] struct {
	feed   *Feed[T]
	ch     chan Change[T]
	filter func(Change[T]) bool
	stop   func() bool
	err    error
}

// Changes returns the channel of accepted changes.
func (s *Subscription[T]) Changes() <-chan Change[T] {
	return s.ch
}

// Err reports why the subscription ended: [ErrLagged], [ErrClosed], or nil.
func (s *Subscription[T]) Err() error {
	s.feed.mu.Lock()
	defer s.feed.mu.Unlock()
	return s.err
}

// Close ends the subscription. Safe to call multiple times.
func (s *Subscription[T]) Close() {
	s.feed.remove(s, nil)
}

// Feed fans out changes to filtered subscribers.
//
// Publish never blocks. When a subscriber's buffer is full the subscription
// is ended with [ErrLagged] instead of dropping the change, so a live
// subscription never has gaps.
type Feed[T any] struct {
	mu      sync.Mutex
	subs    map[*Subscription[T]]struct{}
	bufSize int
	closed  bool
}

// NewFeed creates a feed with the given per-subscriber buffer size.
// Non-positive sizes use [DefaultBufferSize].
func NewFeed[T any](bufSize int) *Feed[T] {
	if bufSize <= 0 {
		bufSize = DefaultBufferSize
	}
	return &Feed[T]{
		subs:    make(map[*Subscription[T]]struct{}),
		bufSize: bufSize,
	}
}

// Subscribe registers a subscriber. A nil filter accepts every change.
//
// The subscription is closed when ctx is done. Subscribing to a closed feed
// returns an already-ended subscription whose Err is [ErrClosed].
func (f *Feed[T]) Subscribe(ctx context.Context, filter func(Change[T]) bool) *Subscription[T] {
	sub := &Subscription[T]{
		feed:   f,
		ch:     make(chan Change[T], f.bufSize),
		filter: filter,
	}

	f.mu.Lock()
	if f.closed {
		sub.err = ErrClosed
		close(sub.ch)
		f.mu.Unlock()
		return sub
	}
	f.subs[sub] = struct{}{}
	// AfterFunc runs Close in its own goroutine, so holding mu here is safe
	sub.stop = context.AfterFunc(ctx, sub.Close)
	f.mu.Unlock()

	return sub
}

// Publish delivers c to every subscriber whose filter accepts it.
func (f *Feed[T]) Publish(c Change[T]) {
	f.mu.Lock()
	defer f.mu.Unlock()

	for sub := range f.subs {
		if sub.filter != nil && !sub.filter(c) {
			continue
		}
		select {
		case sub.ch <- c:
		default:
			f.removeLocked(sub, ErrLagged)
		}
	}
}

// Len returns the number of live subscriptions.
func (f *Feed[T]) Len() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.subs)
}

// Close ends every subscription with [ErrClosed] and rejects new ones.
func (f *Feed[T]) Close() {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.closed = true
	for sub := range f.subs {
		f.removeLocked(sub, ErrClosed)
	}
}

func (f *Feed[T]) remove(sub *Subscription[T], err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.removeLocked(sub, err)
}

func (f *Feed[T]) removeLocked(sub *Subscription[T], err error) {
	if _, ok := f.subs[sub]; !ok {
		return
	}
	delete(f.subs, sub)
	sub.err = err
	close(sub.ch)
	if sub.stop != nil {
		sub.stop()
	}
}
