package notification

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"
	"go.uber.org/zap"

	"github.com/takurabid/takurabid/internal/metrics"
)

// ErrFeedClosed is returned by Subscribe after Close.
var ErrFeedClosed = errors.New("notification feed closed")

// fetchTimeout bounds the re-read of a row announced without its body.
const fetchTimeout = 5 * time.Second

// Listener is the part of *pq.Listener the feed uses.
type Listener interface {
	Listen(channel string) error
	Unlisten(channel string) error
	NotificationChannel() <-chan *pq.Notification
	Close() error
}

// rowFetcher re-reads rows whose NOTIFY payload was truncated.
type rowFetcher interface {
	GetByID(ctx context.Context, id uuid.UUID) (*Notification, error)
}

// Callback receives each notification inserted for the subscribed user.
// Callbacks run on the feed's dispatcher goroutine and must not block.
type Callback func(Notification)

// ChannelName is the LISTEN channel the insert trigger publishes a user's rows on.
func ChannelName(userID uuid.UUID) string {
	return "notifications_" + strings.ReplaceAll(userID.String(), "-", "_")
}

// Feed delivers newly inserted notifications to per-user subscribers over a
// single shared LISTEN connection. Delivery order is the order the change
// feed produces; nothing is buffered, deduplicated or retried here.
type Feed struct {
	listener Listener
	fetcher  rowFetcher
	log      *zap.Logger

	// mu guards subs and closed and is never held across listener calls.
	mu     sync.Mutex
	subs   map[string]map[*Subscription]struct{}
	closed bool

	// listenMu serializes Listen and Unlisten. The dispatcher never takes it.
	listenMu  sync.Mutex
	listening map[string]bool

	dispatching atomic.Bool
	done        chan struct{}
	runDone     chan struct{}
	closeOnce   sync.Once
	syncs       sync.WaitGroup
}

// NewFeed starts the dispatcher. fetcher may be nil, in which case truncated
// payloads are skipped.
func NewFeed(listener Listener, fetcher rowFetcher, log *zap.Logger) *Feed {
	f := &Feed{
		listener:  listener,
		fetcher:   fetcher,
		log:       log,
		subs:      make(map[string]map[*Subscription]struct{}),
		listening: make(map[string]bool),
		done:      make(chan struct{}),
		runDone:   make(chan struct{}),
	}

	go f.run()

	return f
}

// Subscription is a live registration on the feed. Close releases it; it is
// also released when the context passed to Subscribe is done.
type Subscription struct {
	feed    *Feed
	userID  uuid.UUID
	channel string
	handler Callback

	closed atomic.Bool
	once   sync.Once
	done   chan struct{}
}

// Subscribe registers handler for inserts addressed to userID and returns
// once the user's channel is being listened on. The first subscriber for a
// user opens the channel, the last one to leave closes it. If ctx is done
// while the channel is still being opened, Subscribe gives up with ctx.Err().
func (f *Feed) Subscribe(ctx context.Context, userID uuid.UUID, handler Callback) (*Subscription, error) {
	if handler == nil {
		return nil, errors.New("nil notification handler")
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	channel := ChannelName(userID)
	sub := &Subscription{
		feed:    f,
		userID:  userID,
		channel: channel,
		handler: handler,
		done:    make(chan struct{}),
	}

	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return nil, ErrFeedClosed
	}
	set, ok := f.subs[channel]
	if !ok {
		set = make(map[*Subscription]struct{})
		f.subs[channel] = set
	}
	set[sub] = struct{}{}
	f.syncs.Add(1)
	f.mu.Unlock()

	metrics.FeedSubscriptions.Inc()

	result := make(chan error, 1)
	go func() {
		defer f.syncs.Done()
		result <- f.syncChannel(channel)
	}()

	select {
	case err := <-result:
		if err != nil {
			sub.Close()
			return nil, err
		}
	case <-ctx.Done():
		sub.Close()
		return nil, ctx.Err()
	case <-f.done:
		sub.Close()
		return nil, ErrFeedClosed
	}

	f.log.Debug("feed subscription opened", zap.Stringer("user_id", userID))

	if ctx.Done() != nil {
		go func() {
			select {
			case <-ctx.Done():
				sub.Close()
			case <-sub.done:
			}
		}()
	}

	return sub, nil
}

// syncChannel brings the LISTEN state of channel in line with its
// subscribers, repeating until nothing changed while a call was in flight.
func (f *Feed) syncChannel(channel string) error {
	f.listenMu.Lock()
	defer f.listenMu.Unlock()

	for {
		f.mu.Lock()
		closed := f.closed
		want := len(f.subs[channel]) > 0
		f.mu.Unlock()

		if closed {
			return ErrFeedClosed
		}

		have := f.listening[channel]
		switch {
		case want && !have:
			if err := f.listener.Listen(channel); err != nil && !errors.Is(err, pq.ErrChannelAlreadyOpen) {
				return fmt.Errorf("failed to listen on %s: %w", channel, err)
			}
			f.listening[channel] = true
		case !want && have:
			if err := f.listener.Unlisten(channel); err != nil && !errors.Is(err, pq.ErrChannelNotOpen) {
				return fmt.Errorf("failed to unlisten on %s: %w", channel, err)
			}
			delete(f.listening, channel)
		default:
			return nil
		}
	}
}

// Done is closed once the subscription has been released.
func (s *Subscription) Done() <-chan struct{} {
	return s.done
}

// Close releases the subscription without waiting for the channel to be
// unlistened. It is safe to call more than once and from inside the handler.
// An event already being dispatched may still reach the handler; no later
// event will.
func (s *Subscription) Close() {
	s.once.Do(func() {
		s.closed.Store(true)
		close(s.done)
		s.feed.remove(s)
		metrics.FeedSubscriptions.Dec()
	})
}

func (s *Subscription) deliver(n Notification) {
	if s.closed.Load() {
		return
	}
	s.handler(n)
	metrics.FeedDeliveries.Inc()
}

func (f *Feed) remove(sub *Subscription) {
	f.mu.Lock()
	defer f.mu.Unlock()

	set, ok := f.subs[sub.channel]
	if !ok {
		return
	}
	delete(set, sub)
	if len(set) > 0 {
		return
	}
	delete(f.subs, sub.channel)
	if f.closed {
		return
	}

	f.syncs.Add(1)
	go func() {
		defer f.syncs.Done()
		if err := f.syncChannel(sub.channel); err != nil && !errors.Is(err, ErrFeedClosed) {
			f.log.Warn("failed to release channel", zap.String("channel", sub.channel), zap.Error(err))
		}
	}()
}

// Close releases every subscription and the listener connection. It may be
// called from inside a Callback, in which case it returns without waiting for
// the dispatcher to exit.
func (f *Feed) Close() error {
	var err error
	f.closeOnce.Do(func() {
		// Closing the listener first unblocks a Listen stuck on a lost connection.
		err = f.listener.Close()

		f.mu.Lock()
		f.closed = true
		var subs []*Subscription
		for _, set := range f.subs {
			for sub := range set {
				subs = append(subs, sub)
			}
		}
		f.mu.Unlock()
		close(f.done)

		for _, sub := range subs {
			sub.Close()
		}

		f.syncs.Wait()
		if !f.dispatching.Load() {
			<-f.runDone
		}
	})
	return err
}

func (f *Feed) run() {
	defer close(f.runDone)

	notifications := f.listener.NotificationChannel()
	for {
		select {
		case <-f.done:
			return
		case n, ok := <-notifications:
			if !ok {
				return
			}
			if n == nil {
				// pq sends nil after re-establishing the connection; inserts
				// made while it was down were not delivered.
				f.log.Warn("change feed reconnected, notifications may have been missed")
				continue
			}
			f.dispatch(n)
		}
	}
}

func (f *Feed) dispatch(pn *pq.Notification) {
	f.mu.Lock()
	set := f.subs[pn.Channel]
	targets := make([]*Subscription, 0, len(set))
	for sub := range set {
		targets = append(targets, sub)
	}
	f.mu.Unlock()

	if len(targets) == 0 {
		return
	}

	n, err := f.decode(pn.Extra)
	if err != nil {
		metrics.FeedDecodeFailures.Inc()
		f.log.Warn("skipping undecodable change-feed payload",
			zap.String("channel", pn.Channel),
			zap.String("payload", pn.Extra),
			zap.Error(err),
		)
		return
	}
	if n == nil {
		return
	}

	f.dispatching.Store(true)
	defer f.dispatching.Store(false)
	for _, sub := range targets {
		if sub.userID != n.UserID {
			f.log.Warn("change-feed row addressed to another user",
				zap.String("channel", pn.Channel),
				zap.Stringer("row_user_id", n.UserID),
			)
			continue
		}
		sub.deliver(*n)
	}
}

type feedPayload struct {
	Notification
	Truncated bool `json:"truncated"`
}

// decode turns a NOTIFY payload into a Notification. A nil result without an
// error means the row no longer exists.
func (f *Feed) decode(payload string) (*Notification, error) {
	n, truncated, err := decodePayload(payload)
	if err != nil {
		return nil, err
	}
	if !truncated {
		return n, nil
	}

	if f.fetcher == nil {
		return nil, errors.New("truncated payload and no fetcher configured")
	}
	ctx, cancel := context.WithTimeout(context.Background(), fetchTimeout)
	defer cancel()

	row, err := f.fetcher.GetByID(ctx, n.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to re-read truncated row: %w", err)
	}
	return row, nil
}

func decodePayload(payload string) (*Notification, bool, error) {
	var p feedPayload
	if err := json.Unmarshal([]byte(payload), &p); err != nil {
		return nil, false, fmt.Errorf("invalid payload: %w", err)
	}
	if p.ID == uuid.Nil || p.UserID == uuid.Nil {
		return nil, false, errors.New("payload is missing id or user_id")
	}
	if !p.Truncated && p.Type == "" {
		return nil, false, errors.New("payload is missing type")
	}

	n := p.Notification
	return &n, p.Truncated, nil
}
