package notification

import (
	"context"
	"encoding/json"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"
)

// memStore is an in-memory Store. When listener is set, every insert is
// published on it the way the database trigger does.
type memStore struct {
	mu       sync.Mutex
	rows     map[uuid.UUID]*Notification
	clock    time.Time
	listener *fakeListener
	err      error
}

func newMemStore() *memStore {
	return &memStore{
		rows:  make(map[uuid.UUID]*Notification),
		clock: time.Date(2025, 3, 1, 8, 0, 0, 0, time.UTC),
	}
}

func (s *memStore) failWith(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.err = err
}

func clone(n *Notification) *Notification {
	c := *n
	return &c
}

func (s *memStore) Create(_ context.Context, p CreateParams) (*Notification, error) {
	s.mu.Lock()
	if s.err != nil {
		defer s.mu.Unlock()
		return nil, s.err
	}
	s.clock = s.clock.Add(time.Millisecond)
	n := &Notification{
		ID:        uuid.New(),
		UserID:    p.UserID,
		Type:      p.Type,
		Title:     p.Title,
		Body:      p.Body,
		Link:      p.Link,
		Metadata:  p.Metadata,
		CreatedAt: s.clock,
	}
	s.rows[n.ID] = n
	out := clone(n)
	listener := s.listener
	s.mu.Unlock()

	if listener != nil {
		payload, _ := json.Marshal(out)
		listener.publish(ChannelName(out.UserID), string(payload))
	}
	return out, nil
}

func (s *memStore) GetByID(_ context.Context, id uuid.UUID) (*Notification, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return nil, s.err
	}
	n, ok := s.rows[id]
	if !ok {
		return nil, nil
	}
	return clone(n), nil
}

func (s *memStore) ListByUserID(_ context.Context, userID uuid.UUID, opts ListOptions) ([]*Notification, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return nil, s.err
	}
	out := make([]*Notification, 0)
	for _, n := range s.rows {
		if n.UserID != userID || (opts.UnreadOnly && n.Read) {
			continue
		}
		out = append(out, clone(n))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if len(out) > opts.Limit {
		out = out[:opts.Limit]
	}
	return out, nil
}

func (s *memStore) CountUnread(_ context.Context, userID uuid.UUID) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return 0, s.err
	}
	count := 0
	for _, n := range s.rows {
		if n.UserID == userID && !n.Read {
			count++
		}
	}
	return count, nil
}

func (s *memStore) MarkAsRead(_ context.Context, id uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	if n, ok := s.rows[id]; ok {
		n.Read = true
	}
	return nil
}

func (s *memStore) MarkAllAsRead(_ context.Context, userID uuid.UUID) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return 0, s.err
	}
	var changed int64
	for _, n := range s.rows {
		if n.UserID == userID && !n.Read {
			n.Read = true
			changed++
		}
	}
	return changed, nil
}

func (s *memStore) Delete(_ context.Context, id uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	delete(s.rows, id)
	return nil
}

func (s *memStore) DeleteAllByUserID(_ context.Context, userID uuid.UUID) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return 0, s.err
	}
	var removed int64
	for id, n := range s.rows {
		if n.UserID == userID {
			delete(s.rows, id)
			removed++
		}
	}
	return removed, nil
}

// fakeListener stands in for *pq.Listener. Only channels that are being
// listened on receive published payloads, as with LISTEN/NOTIFY.
type fakeListener struct {
	mu        sync.Mutex
	listening map[string]bool
	listens   []string
	unlistens []string
	ch        chan *pq.Notification
	closed    bool
	listenErr error

	// gates holds Listen calls for a channel until released or closed,
	// the way pq blocks while it reconnects.
	gates    map[string]chan struct{}
	gateHit  chan string
	closedCh chan struct{}
}

func newFakeListener() *fakeListener {
	return &fakeListener{
		listening: make(map[string]bool),
		ch:        make(chan *pq.Notification, 64),
		gates:     make(map[string]chan struct{}),
		gateHit:   make(chan string, 8),
		closedCh:  make(chan struct{}),
	}
}

func (l *fakeListener) failListen(err error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.listenErr = err
}

// hold makes Listen on channel block until the returned func is called.
func (l *fakeListener) hold(channel string) func() {
	gate := make(chan struct{})
	l.mu.Lock()
	l.gates[channel] = gate
	l.mu.Unlock()
	return func() { close(gate) }
}

func (l *fakeListener) Listen(channel string) error {
	l.mu.Lock()
	gate, held := l.gates[channel]
	l.mu.Unlock()
	if held {
		l.gateHit <- channel
		select {
		case <-gate:
		case <-l.closedCh:
			return errors.New("pq: Listener has been closed")
		}
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return errors.New("pq: Listener has been closed")
	}
	if l.listenErr != nil {
		return l.listenErr
	}
	if l.listening[channel] {
		return pq.ErrChannelAlreadyOpen
	}
	l.listening[channel] = true
	l.listens = append(l.listens, channel)
	return nil
}

func (l *fakeListener) Unlisten(channel string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.listening[channel] {
		return pq.ErrChannelNotOpen
	}
	delete(l.listening, channel)
	l.unlistens = append(l.unlistens, channel)
	return nil
}

func (l *fakeListener) NotificationChannel() <-chan *pq.Notification {
	return l.ch
}

func (l *fakeListener) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.closed {
		l.closed = true
		close(l.ch)
		close(l.closedCh)
	}
	return nil
}

func (l *fakeListener) isListening(channel string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.listening[channel]
}

// publish delivers a payload if channel is being listened on.
func (l *fakeListener) publish(channel, payload string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed || !l.listening[channel] {
		return
	}
	l.ch <- &pq.Notification{BePid: 1, Channel: channel, Extra: payload}
}

// reconnect mimics pq signalling a re-established connection.
func (l *fakeListener) reconnect() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.closed {
		l.ch <- nil
	}
}
