package pubsub

import (
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/synaplabs/synap/internal/errs"
)

func mustSubscribe(t *testing.T, r *Router, id, pattern string) *Subscription {
	t.Helper()
	sub, err := r.Subscribe(id, pattern)
	require.NoError(t, err)
	return sub
}

func TestLiteralSubscribeReceivesMatchingPublish(t *testing.T) {
	r := NewRouter(8, 0, nil, zerolog.Nop())
	sub := mustSubscribe(t, r, "s1", "orders.created")

	matched := r.Publish("orders.created", []byte("hi"))
	require.Equal(t, 1, matched)

	select {
	case msg := <-sub.Messages:
		require.Equal(t, "orders.created", msg.Topic)
		require.Equal(t, []byte("hi"), msg.Payload)
	case <-time.After(time.Second):
		t.Fatal("expected delivery")
	}
}

func TestLiteralSubscribeIgnoresOtherTopics(t *testing.T) {
	r := NewRouter(8, 0, nil, zerolog.Nop())
	sub := mustSubscribe(t, r, "s1", "orders.created")

	matched := r.Publish("orders.deleted", []byte("hi"))
	require.Zero(t, matched)

	select {
	case <-sub.Messages:
		t.Fatal("unexpected delivery")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestSingleSegmentWildcardMatches(t *testing.T) {
	r := NewRouter(8, 0, nil, zerolog.Nop())
	sub := mustSubscribe(t, r, "s1", "orders.*")

	r.Publish("orders.created", []byte("hi"))

	select {
	case msg := <-sub.Messages:
		require.Equal(t, "orders.created", msg.Topic)
	case <-time.After(time.Second):
		t.Fatal("expected delivery")
	}
}

func TestSingleSegmentWildcardDoesNotCrossSegments(t *testing.T) {
	r := NewRouter(8, 0, nil, zerolog.Nop())
	sub := mustSubscribe(t, r, "s1", "orders.*")

	r.Publish("orders.created.extra", []byte("hi"))

	select {
	case <-sub.Messages:
		t.Fatal("unexpected delivery across extra segment")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestMiddleWildcardMatchesExactlyOneSegment(t *testing.T) {
	r := NewRouter(8, 0, nil, zerolog.Nop())
	mustSubscribe(t, r, "s1", "a.*.c")

	require.Equal(t, 1, r.Publish("a.b.c", nil))
	require.Equal(t, 0, r.Publish("a.b.d", nil))
	require.Equal(t, 0, r.Publish("a.c", nil))
}

func TestTerminalMultiSegmentWildcardMatches(t *testing.T) {
	r := NewRouter(8, 0, nil, zerolog.Nop())
	sub := mustSubscribe(t, r, "s1", "orders.#")

	r.Publish("orders.created.extra.more", []byte("hi"))

	select {
	case msg := <-sub.Messages:
		require.Equal(t, "orders.created.extra.more", msg.Topic)
	case <-time.After(time.Second):
		t.Fatal("expected delivery")
	}
}

func TestTerminalMultiSegmentWildcardMatchesZeroSegments(t *testing.T) {
	r := NewRouter(8, 0, nil, zerolog.Nop())
	mustSubscribe(t, r, "s1", "logs.#")

	require.Equal(t, 1, r.Publish("logs", nil))
	require.Equal(t, 1, r.Publish("logs.error", nil))
	require.Equal(t, 1, r.Publish("logs.error.db", nil))
	require.Equal(t, 0, r.Publish("metrics", nil))
}

func TestSubscribeRejectsMalformedPatterns(t *testing.T) {
	r := NewRouter(8, 0, nil, zerolog.Nop())

	_, err := r.Subscribe("s1", "a.#.b")
	require.ErrorIs(t, err, errs.ErrInvalidArg)

	_, err = r.Subscribe("s1", "a.#.#")
	require.ErrorIs(t, err, errs.ErrInvalidArg)

	_, err = r.Subscribe("s1", "a.x#y")
	require.ErrorIs(t, err, errs.ErrInvalidArg)

	_, err = r.Subscribe("s1", "")
	require.ErrorIs(t, err, errs.ErrInvalidArg)
}

func TestUnsubscribeClosesChannelAndStopsDelivery(t *testing.T) {
	r := NewRouter(8, 0, nil, zerolog.Nop())
	sub := mustSubscribe(t, r, "s1", "a.b")
	r.Unsubscribe("s1", "a.b")

	_, ok := <-sub.Messages
	require.False(t, ok)

	r.Publish("a.b", []byte("hi"))
	info := r.TopicInfo("a.b")
	require.Equal(t, 0, info.SubscriberCount)
}

func TestUnsubscribeAllRemovesEverySubscription(t *testing.T) {
	r := NewRouter(8, 0, nil, zerolog.Nop())
	litSub := mustSubscribe(t, r, "s1", "a.b")
	wildSub := mustSubscribe(t, r, "s1", "a.*")
	otherSub := mustSubscribe(t, r, "s2", "a.b")

	r.UnsubscribeAll("s1")

	_, ok := <-litSub.Messages
	require.False(t, ok)
	_, ok = <-wildSub.Messages
	require.False(t, ok)

	require.Equal(t, 1, r.Publish("a.b", []byte("x")))
	msg := <-otherSub.Messages
	require.Equal(t, []byte("x"), msg.Payload)
}

func TestFullSubscriberChannelDropsInsteadOfBlocking(t *testing.T) {
	r := NewRouter(1, 0, nil, zerolog.Nop())
	sub := mustSubscribe(t, r, "s1", "a.b")

	r.Publish("a.b", []byte("1"))
	r.Publish("a.b", []byte("2")) // buffer full, dropped

	msg := <-sub.Messages
	require.Equal(t, []byte("1"), msg.Payload)

	select {
	case <-sub.Messages:
		t.Fatal("second publish should have been dropped")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestPublishRateLimiterDropsExcess(t *testing.T) {
	r := NewRouter(8, 1, nil, zerolog.Nop())
	sub := mustSubscribe(t, r, "s1", "a.b")

	r.Publish("a.b", []byte("1"))
	r.Publish("a.b", []byte("2"))

	received := 0
	for {
		select {
		case <-sub.Messages:
			received++
		case <-time.After(50 * time.Millisecond):
			require.Equal(t, 1, received)
			return
		}
	}
}

func TestStatsCountsLiteralAndWildcardSubs(t *testing.T) {
	r := NewRouter(8, 0, nil, zerolog.Nop())
	mustSubscribe(t, r, "s1", "a.b")
	mustSubscribe(t, r, "s2", "a.*")

	stats := r.Stats()
	require.Equal(t, 1, stats.LiteralTopics)
	require.Equal(t, 1, stats.LiteralSubs)
	require.Equal(t, 1, stats.WildcardSubs)
}
