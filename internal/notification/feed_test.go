package notification

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

const waitFor = 2 * time.Second

// recorder collects delivered notifications.
type recorder struct {
	mu  sync.Mutex
	got []Notification
	ch  chan Notification
}

func newRecorder() *recorder {
	return &recorder{ch: make(chan Notification, 16)}
}

func (r *recorder) handle(n Notification) {
	r.mu.Lock()
	r.got = append(r.got, n)
	r.mu.Unlock()
	r.ch <- n
}

func (r *recorder) next(t *testing.T) Notification {
	t.Helper()
	select {
	case n := <-r.ch:
		return n
	case <-time.After(waitFor):
		t.Fatal("timed out waiting for notification")
		return Notification{}
	}
}

func (r *recorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.got)
}

type feedFixture struct {
	svc      *Service
	store    *memStore
	listener *fakeListener
	feed     *Feed
}

func newFeedFixture(t *testing.T) *feedFixture {
	t.Helper()
	log := zaptest.NewLogger(t)
	store := newMemStore()
	listener := newFakeListener()
	store.listener = listener

	feed := NewFeed(listener, store, log)
	t.Cleanup(func() { feed.Close() })

	return &feedFixture{
		svc:      NewService(store, log, 0),
		store:    store,
		listener: listener,
		feed:     feed,
	}
}

func (fx *feedFixture) requireNotListening(t *testing.T, channel string) {
	t.Helper()
	require.Eventually(t, func() bool { return !fx.listener.isListening(channel) }, waitFor, 5*time.Millisecond)
}

// flush waits until every payload published so far has been dispatched.
func (fx *feedFixture) flush(t *testing.T) {
	t.Helper()
	require.Eventually(t, func() bool { return len(fx.listener.ch) == 0 }, waitFor, 5*time.Millisecond)
	// one more round trip through an unrelated channel guarantees the
	// dispatcher finished the last payload it took
	sentinel := uuid.New()
	rec := newRecorder()
	sub, err := fx.feed.Subscribe(context.Background(), sentinel, rec.handle)
	require.NoError(t, err)
	defer sub.Close()
	create(t, fx.svc, sentinel, TypeSystem, "sentinel")
	rec.next(t)
}

func TestFeed_SubscriptionScenario(t *testing.T) {
	fx := newFeedFixture(t)
	u1 := uuid.New()
	rec := newRecorder()

	sub, err := fx.feed.Subscribe(context.Background(), u1, rec.handle)
	require.NoError(t, err)

	created, err := fx.svc.CreateNotification(context.Background(), CreateParams{
		UserID:   u1,
		Type:     TypeMessage,
		Title:    "New message",
		Body:     "Is the load still available?",
		Metadata: Metadata{"thread": "t-1"},
	})
	require.NoError(t, err)

	got := rec.next(t)
	assert.Equal(t, created.ID, got.ID)
	assert.Equal(t, u1, got.UserID)
	assert.Equal(t, TypeMessage, got.Type)
	assert.Equal(t, "Is the load still available?", got.Body)
	assert.False(t, got.Read)
	assert.Equal(t, "t-1", got.Metadata["thread"])
	assert.True(t, created.CreatedAt.Equal(got.CreatedAt))

	sub.Close()
	fx.requireNotListening(t, ChannelName(u1))

	create(t, fx.svc, u1, TypeMessage, "after unsubscribe")
	fx.flush(t)
	assert.Equal(t, 1, rec.count())
}

func TestFeed_OnlyOwnUserAndInOrder(t *testing.T) {
	fx := newFeedFixture(t)
	u1, u2 := uuid.New(), uuid.New()
	rec := newRecorder()

	sub, err := fx.feed.Subscribe(context.Background(), u1, rec.handle)
	require.NoError(t, err)
	defer sub.Close()

	first := create(t, fx.svc, u1, TypeLoad, "first")
	create(t, fx.svc, u2, TypeLoad, "someone else")
	second := create(t, fx.svc, u1, TypeBid, "second")

	assert.Equal(t, first.ID, rec.next(t).ID)
	assert.Equal(t, second.ID, rec.next(t).ID)

	fx.flush(t)
	assert.Equal(t, 2, rec.count())
}

func TestFeed_SharedChannelLifecycle(t *testing.T) {
	fx := newFeedFixture(t)
	u1 := uuid.New()
	channel := ChannelName(u1)
	a, b := newRecorder(), newRecorder()

	subA, err := fx.feed.Subscribe(context.Background(), u1, a.handle)
	require.NoError(t, err)
	subB, err := fx.feed.Subscribe(context.Background(), u1, b.handle)
	require.NoError(t, err)
	assert.Equal(t, []string{channel}, fx.listener.listens)

	n := create(t, fx.svc, u1, TypeJob, "job")
	assert.Equal(t, n.ID, a.next(t).ID)
	assert.Equal(t, n.ID, b.next(t).ID)

	subA.Close()
	subA.Close()
	fx.flush(t)
	assert.True(t, fx.listener.isListening(channel))

	subB.Close()
	fx.requireNotListening(t, channel)
	fx.listener.mu.Lock()
	assert.Equal(t, []string{channel}, fx.listener.unlistens)
	fx.listener.mu.Unlock()
}

func TestFeed_ContextCancelReleases(t *testing.T) {
	fx := newFeedFixture(t)
	u1 := uuid.New()

	ctx, cancel := context.WithCancel(context.Background())
	sub, err := fx.feed.Subscribe(ctx, u1, func(Notification) {})
	require.NoError(t, err)
	assert.True(t, fx.listener.isListening(ChannelName(u1)))

	cancel()

	select {
	case <-sub.Done():
	case <-time.After(waitFor):
		t.Fatal("subscription not released after cancel")
	}
	require.Eventually(t, func() bool { return !fx.listener.isListening(ChannelName(u1)) }, waitFor, 5*time.Millisecond)
}

func TestFeed_SubscribeErrors(t *testing.T) {
	fx := newFeedFixture(t)

	_, err := fx.feed.Subscribe(context.Background(), uuid.New(), nil)
	assert.Error(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = fx.feed.Subscribe(ctx, uuid.New(), func(Notification) {})
	assert.ErrorIs(t, err, context.Canceled)

	fx.listener.failListen(errors.New("connection lost"))
	_, err = fx.feed.Subscribe(context.Background(), uuid.New(), func(Notification) {})
	assert.ErrorContains(t, err, "connection lost")
	fx.listener.failListen(nil)

	require.NoError(t, fx.feed.Close())
	_, err = fx.feed.Subscribe(context.Background(), uuid.New(), func(Notification) {})
	assert.ErrorIs(t, err, ErrFeedClosed)
}

func TestFeed_CloseReleasesAll(t *testing.T) {
	fx := newFeedFixture(t)
	sub1, err := fx.feed.Subscribe(context.Background(), uuid.New(), func(Notification) {})
	require.NoError(t, err)
	sub2, err := fx.feed.Subscribe(context.Background(), uuid.New(), func(Notification) {})
	require.NoError(t, err)

	require.NoError(t, fx.feed.Close())
	require.NoError(t, fx.feed.Close())

	for _, sub := range []*Subscription{sub1, sub2} {
		select {
		case <-sub.Done():
		default:
			t.Fatal("subscription still open after feed close")
		}
	}
	assert.True(t, fx.listener.closed)
}

func TestFeed_SkipsMalformedPayloads(t *testing.T) {
	fx := newFeedFixture(t)
	u1 := uuid.New()
	channel := ChannelName(u1)
	rec := newRecorder()

	sub, err := fx.feed.Subscribe(context.Background(), u1, rec.handle)
	require.NoError(t, err)
	defer sub.Close()

	fx.listener.publish(channel, "not json")
	fx.listener.publish(channel, `{"id":"`+uuid.NewString()+`"}`)
	fx.listener.publish(channel, `{"id":"`+uuid.NewString()+`","user_id":"`+u1.String()+`"}`)
	fx.listener.reconnect()

	good := create(t, fx.svc, u1, TypePayment, "paid")
	assert.Equal(t, good.ID, rec.next(t).ID)
	fx.flush(t)
	assert.Equal(t, 1, rec.count())
}

func TestFeed_RowForAnotherUserIsDropped(t *testing.T) {
	fx := newFeedFixture(t)
	u1 := uuid.New()
	rec := newRecorder()

	sub, err := fx.feed.Subscribe(context.Background(), u1, rec.handle)
	require.NoError(t, err)
	defer sub.Close()

	stray, _ := json.Marshal(Notification{ID: uuid.New(), UserID: uuid.New(), Type: TypeLoad, Title: "x"})
	fx.listener.publish(ChannelName(u1), string(stray))

	fx.flush(t)
	assert.Equal(t, 0, rec.count())
}

func TestFeed_TruncatedPayloadIsReRead(t *testing.T) {
	fx := newFeedFixture(t)
	u1 := uuid.New()
	channel := ChannelName(u1)
	rec := newRecorder()

	// stored without a listener attached so only the truncated form is published
	fx.store.listener = nil
	big := create(t, fx.svc, u1, TypeLoad, "big load")
	fx.store.listener = fx.listener

	sub, err := fx.feed.Subscribe(context.Background(), u1, rec.handle)
	require.NoError(t, err)
	defer sub.Close()

	fx.listener.publish(channel, `{"id":"`+big.ID.String()+`","user_id":"`+u1.String()+`","truncated":true}`)
	got := rec.next(t)
	assert.Equal(t, big.ID, got.ID)
	assert.Equal(t, "big load", got.Title)

	// a row deleted before it could be re-read is skipped
	fx.listener.publish(channel, `{"id":"`+uuid.NewString()+`","user_id":"`+u1.String()+`","truncated":true}`)
	fx.flush(t)
	assert.Equal(t, 1, rec.count())
}

func TestFeed_CloseFromCallback(t *testing.T) {
	fx := newFeedFixture(t)
	u1 := uuid.New()
	delivered := make(chan struct{}, 4)

	var sub *Subscription
	var mu sync.Mutex
	s, err := fx.feed.Subscribe(context.Background(), u1, func(Notification) {
		mu.Lock()
		defer mu.Unlock()
		sub.Close()
		delivered <- struct{}{}
	})
	require.NoError(t, err)
	mu.Lock()
	sub = s
	mu.Unlock()

	create(t, fx.svc, u1, TypeJob, "one")
	create(t, fx.svc, u1, TypeJob, "two")

	select {
	case <-delivered:
	case <-time.After(waitFor):
		t.Fatal("callback not invoked")
	}
	fx.flush(t)
	assert.Len(t, delivered, 0)
}

func TestFeed_BlockedListenDoesNotStallOthers(t *testing.T) {
	fx := newFeedFixture(t)
	u1, u2 := uuid.New(), uuid.New()
	rec := newRecorder()

	sub1, err := fx.feed.Subscribe(context.Background(), u1, rec.handle)
	require.NoError(t, err)

	release := fx.listener.hold(ChannelName(u2))
	defer release()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	subscribed := make(chan error, 1)
	go func() {
		_, err := fx.feed.Subscribe(ctx, u2, func(Notification) {})
		subscribed <- err
	}()

	select {
	case <-fx.listener.gateHit:
	case <-time.After(waitFor):
		t.Fatal("listen for second user never started")
	}

	// delivery to an existing subscriber keeps flowing
	n := create(t, fx.svc, u1, TypeLoad, "still delivered")
	assert.Equal(t, n.ID, rec.next(t).ID)

	closed := make(chan struct{})
	go func() {
		sub1.Close()
		close(closed)
	}()
	select {
	case <-closed:
	case <-time.After(waitFor):
		t.Fatal("closing a subscription stalled behind another user's listen")
	}

	// the blocked subscriber gives up with its context
	cancel()
	select {
	case err := <-subscribed:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(waitFor):
		t.Fatal("subscribe ignored its context while listen was blocked")
	}

	// closing the feed unblocks the pending listen
	feedClosed := make(chan struct{})
	go func() {
		fx.feed.Close()
		close(feedClosed)
	}()
	select {
	case <-feedClosed:
	case <-time.After(waitFor):
		t.Fatal("feed close hung on a blocked listen")
	}
}

func TestFeed_CloseFeedFromCallback(t *testing.T) {
	fx := newFeedFixture(t)
	u1 := uuid.New()
	returned := make(chan struct{})

	_, err := fx.feed.Subscribe(context.Background(), u1, func(Notification) {
		fx.feed.Close()
		close(returned)
	})
	require.NoError(t, err)

	create(t, fx.svc, u1, TypeSystem, "shutting down")

	select {
	case <-returned:
	case <-time.After(waitFor):
		t.Fatal("feed close from inside a callback did not return")
	}
	_, err = fx.feed.Subscribe(context.Background(), uuid.New(), func(Notification) {})
	assert.ErrorIs(t, err, ErrFeedClosed)
}

func TestDecodePayload(t *testing.T) {
	id, userID := uuid.New(), uuid.New()

	n, truncated, err := decodePayload(`{"id":"` + id.String() + `","user_id":"` + userID.String() +
		`","type":"bid","title":"New Bid","body":"b","link":null,"read":false,"metadata":null,"created_at":"2025-03-01T08:00:00.123456+00:00"}`)
	require.NoError(t, err)
	assert.False(t, truncated)
	assert.Equal(t, id, n.ID)
	assert.Equal(t, TypeBid, n.Type)
	assert.Nil(t, n.Link)
	assert.Equal(t, 123456000, n.CreatedAt.Nanosecond())

	_, truncated, err = decodePayload(`{"id":"` + id.String() + `","user_id":"` + userID.String() + `","truncated":true}`)
	require.NoError(t, err)
	assert.True(t, truncated)

	_, _, err = decodePayload(`{"id":"nope"}`)
	assert.Error(t, err)
}

func TestChannelName(t *testing.T) {
	id := uuid.MustParse("6f1c2d3e-4a5b-4c6d-8e9f-a0b1c2d3e4f5")
	assert.Equal(t, "notifications_6f1c2d3e_4a5b_4c6d_8e9f_a0b1c2d3e4f5", ChannelName(id))
	assert.Less(t, len(ChannelName(id)), 64, "postgres identifiers are limited to 63 bytes")
}

var _ Listener = (*pq.Listener)(nil)
