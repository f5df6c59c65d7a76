package livesync

import (
	"context"

	"github.com/jpalmerr/pulsequery/internal/store"
	"github.com/jpalmerr/pulsequery/query"
)

// Session is one client's subscription to a publication.
type Session struct {
	ID          string
	Publication string

	msgs   chan Message
	cancel context.CancelFunc
	done   chan struct{}
}

// Messages returns the session's event stream. It is closed when the
// session ends.
func (s *Session) Messages() <-chan Message {
	return s.msgs
}

// Close ends the session and waits for its goroutine to exit.
// Safe to call multiple times.
func (s *Session) Close() {
	s.cancel()
	<-s.done
}

// Done is closed once the session has fully ended.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

func queryID(q query.Query) string   { return q.ID }
func resultID(r query.Result) string { return r.ID }
func replyID(r query.Reply) string   { return r.ID }

// relay sends the snapshot, a ready marker, then live changes.
func relay[T any](ctx context.Context, s *Session, collection string, snapshot []T, sub *store.Subscription[T], id func(T) string) {
	defer sub.Close()

	for _, doc := range snapshot {
		if !s.send(ctx, Message{Type: MessageAdded, Collection: collection, ID: id(doc), Doc: doc}) {
			return
		}
	}
	if !s.send(ctx, Message{Type: MessageReady, Collection: collection}) {
		return
	}

	for {
		select {
		case <-ctx.Done():
			return
		case c, ok := <-sub.Changes():
			if !ok {
				if err := sub.Err(); err != nil && ctx.Err() == nil {
					s.send(ctx, Message{Type: MessageError, Collection: collection, Error: err.Error()})
				}
				return
			}
			if !s.send(ctx, Message{Type: messageType(c.Kind), Collection: collection, ID: c.ID, Doc: c.Doc}) {
				return
			}
		}
	}
}

func (s *Session) send(ctx context.Context, m Message) bool {
	select {
	case s.msgs <- m:
		return true
	case <-ctx.Done():
		return false
	}
}

func messageType(k store.ChangeKind) MessageType {
	switch k {
	case store.ChangeAdded:
		return MessageAdded
	case store.ChangeRemoved:
		return MessageRemoved
	default:
		return MessageChanged
	}
}
