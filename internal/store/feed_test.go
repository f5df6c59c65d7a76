package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"go.uber.org/goleak"
)

func TestFeed_FilterAndFanout(t *testing.T) {
	defer goleak.VerifyNone(t)

	feed := NewFeed[int](0)
	ctx := context.Background()

	all := feed.Subscribe(ctx, nil)
	even := feed.Subscribe(ctx, func(c Change[int]) bool { return c.Doc%2 == 0 })
	defer all.Close()
	defer even.Close()

	for i := 1; i <= 4; i++ {
		feed.Publish(Change[int]{Kind: ChangeAdded, Doc: i})
	}

	for want := 1; want <= 4; want++ {
		if got := receive(t, all).Doc; got != want {
			t.Errorf("all received %d, want %d", got, want)
		}
	}
	for _, want := range []int{2, 4} {
		if got := receive(t, even).Doc; got != want {
			t.Errorf("even received %d, want %d", got, want)
		}
	}
	expectNoChange(t, even)
}

func TestFeed_CloseIsIdempotent(t *testing.T) {
	feed := NewFeed[int](0)
	sub := feed.Subscribe(context.Background(), nil)

	sub.Close()
	sub.Close()

	if _, ok := <-sub.Changes(); ok {
		t.Error("Changes() should be closed")
	}
	if sub.Err() != nil {
		t.Errorf("Err() = %v, want nil after Close", sub.Err())
	}
	if feed.Len() != 0 {
		t.Errorf("Len() = %d, want 0", feed.Len())
	}
}

func TestFeed_LaggingSubscriberIsCutOff(t *testing.T) {
	feed := NewFeed[int](2)
	sub := feed.Subscribe(context.Background(), nil)

	for i := 0; i < 3; i++ {
		feed.Publish(Change[int]{Doc: i})
	}

	var got []int
	for c := range sub.Changes() {
		got = append(got, c.Doc)
	}
	if len(got) != 2 || got[0] != 0 || got[1] != 1 {
		t.Errorf("received %v, want [0 1]", got)
	}
	if !errors.Is(sub.Err(), ErrLagged) {
		t.Errorf("Err() = %v, want ErrLagged", sub.Err())
	}
	if feed.Len() != 0 {
		t.Errorf("Len() = %d, want 0 after lag", feed.Len())
	}
}

func TestFeed_ContextCancelEndsSubscription(t *testing.T) {
	defer goleak.VerifyNone(t)

	feed := NewFeed[int](0)
	ctx, cancel := context.WithCancel(context.Background())
	sub := feed.Subscribe(ctx, nil)

	cancel()

	select {
	case _, ok := <-sub.Changes():
		if ok {
			t.Fatal("unexpected change")
		}
	case <-time.After(time.Second):
		t.Fatal("subscription not ended by context")
	}
	if feed.Len() != 0 {
		t.Errorf("Len() = %d, want 0", feed.Len())
	}
}

func TestFeed_SubscribeAfterClose(t *testing.T) {
	feed := NewFeed[int](0)
	feed.Close()

	sub := feed.Subscribe(context.Background(), nil)
	if _, ok := <-sub.Changes(); ok {
		t.Error("subscription to closed feed should be ended")
	}
	if !errors.Is(sub.Err(), ErrClosed) {
		t.Errorf("Err() = %v, want ErrClosed", sub.Err())
	}

	// publishing to a closed feed is a no-op
	feed.Publish(Change[int]{Doc: 1})
}
