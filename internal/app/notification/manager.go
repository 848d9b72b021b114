// Package notification provides the notification manager for broadcasting events.
package notification

import (
	"context"
	"io"
	"sync"
	"time"

	"github.com/google/uuid"
	zlog "github.com/rs/zerolog/log"
)

// Event types broadcast to subscribers.
const (
	EventMapAdded             = "mapAdded"
	EventMapRemoved           = "mapRemoved"
	EventQueueMoved           = "queueMoved"
	EventQueueShuffled        = "queueShuffled"
	EventQueueCleared         = "queueCleared"
	EventQueueOpen            = "queueOpen"
	EventPlay                 = "play"
	EventSkip                 = "skip"
	EventBan                  = "ban"
	EventLink                 = "link"
	EventPoke                 = "poke"
	EventReAdd                = "reAdd"
	EventBlacklistAdded       = "blacklistAdded"
	EventBlacklistRemoved     = "blacklistRemoved"
	EventWipDownloaded        = "wipDownloaded"
	EventWipFailed            = "wipFailed"
	EventSelectionDescription = "selectionDescription"
	EventSelectionStars       = "selectionStars"
)

// Event is one broadcast message. The wire shape is
// {"Timestamp": ms, "EventType": name, "Data": payload}.
type Event struct {
	Timestamp  int64  `json:"Timestamp"` // unix milliseconds
	SequenceNo uint64 `json:"-"`
	EventType  string `json:"EventType"`
	Data       any    `json:"Data"`
}

// Stream represents a notification stream for a subscriber.
// Streams that also implement io.Closer are closed when dropped.
type Stream interface {
	Send(*Event) error
}

// Broadcaster is implemented by Manager; producers depend on this.
type Broadcaster interface {
	Broadcast(eventType string, data any)
}

// subscription represents a subscriber's subscription.
type subscription struct {
	id     string
	stream Stream
}

// Config represents notification manager configuration.
type Config struct {
	SendTimeout time.Duration
	// WebhookBacklog bounds the events waiting for webhook delivery;
	// events beyond it are dropped with a warning.
	WebhookBacklog int
}

// Manager manages notification subscriptions and broadcasting.
// Broadcast only enqueues; a single dispatcher delivers events in the order
// they were enqueued.
type Manager struct {
	mu            sync.RWMutex
	subscriptions map[string]*subscription

	queueMu    sync.Mutex
	pending    []*Event
	sequenceNo uint64
	closed     bool

	sendTimeout time.Duration
	webhook     *Webhook
	hooks       chan *Event
	hooksDone   chan struct{}
	now         func() time.Time

	wake    chan struct{}
	done    chan struct{}
	stopped chan struct{}
}

// NewManager creates a new notification manager and starts its dispatcher.
// webhook may be nil.
func NewManager(cfg Config, webhook *Webhook) *Manager {
	timeout := cfg.SendTimeout
	if timeout <= 0 {
		timeout = 500 * time.Millisecond
	}
	m := &Manager{
		subscriptions: make(map[string]*subscription),
		sendTimeout:   timeout,
		webhook:       webhook,
		now:           time.Now,
		wake:          make(chan struct{}, 1),
		done:          make(chan struct{}),
		stopped:       make(chan struct{}),
	}
	if webhook != nil {
		backlog := cfg.WebhookBacklog
		if backlog <= 0 {
			backlog = 256
		}
		m.hooks = make(chan *Event, backlog)
		m.hooksDone = make(chan struct{})
		go m.deliverHooks()
	}
	go m.dispatch()
	return m
}

// Subscribe adds a new subscription and returns the subscription ID.
func (m *Manager) Subscribe(stream Stream) string {
	m.mu.Lock()
	defer m.mu.Unlock()

	id := uuid.New().String()
	m.subscriptions[id] = &subscription{
		id:     id,
		stream: stream,
	}
	zlog.Debug().Msgf("subscriber added: id=%s total=%d", id, len(m.subscriptions))
	return id
}

// Unsubscribe removes a subscription.
func (m *Manager) Unsubscribe(subscriptionID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.subscriptions, subscriptionID)
}

// Broadcast enqueues an event for every subscriber and the webhook. It never
// blocks on delivery, so callers may hold their own locks.
func (m *Manager) Broadcast(eventType string, data any) {
	m.queueMu.Lock()
	if m.closed {
		m.queueMu.Unlock()
		return
	}
	m.sequenceNo++
	m.pending = append(m.pending, &Event{
		Timestamp:  m.now().UnixMilli(),
		SequenceNo: m.sequenceNo,
		EventType:  eventType,
		Data:       data,
	})
	m.queueMu.Unlock()

	select {
	case m.wake <- struct{}{}:
	default:
	}
}

func (m *Manager) dispatch() {
	defer close(m.stopped)
	if m.hooks != nil {
		defer close(m.hooks)
	}
	for {
		select {
		case <-m.wake:
		case <-m.done:
			m.drain()
			return
		}
		m.drain()
	}
}

func (m *Manager) drain() {
	for {
		m.queueMu.Lock()
		batch := m.pending
		m.pending = nil
		m.queueMu.Unlock()

		if len(batch) == 0 {
			return
		}
		for _, ev := range batch {
			m.deliver(ev)
			m.enqueueHook(ev)
		}
	}
}

func (m *Manager) enqueueHook(ev *Event) {
	if m.hooks == nil {
		return
	}
	select {
	case m.hooks <- ev:
	default:
		zlog.Warn().Msgf("webhook backlog full, dropping event: event=%s", ev.EventType)
	}
}

// deliverHooks posts events to the webhook one at a time, in dispatch order.
func (m *Manager) deliverHooks() {
	defer close(m.hooksDone)
	for ev := range m.hooks {
		m.webhook.Send(ev)
	}
}

// deliver sends to each subscriber in parallel with a timeout and drops
// subscribers whose send fails or times out.
func (m *Manager) deliver(ev *Event) {
	m.mu.RLock()
	// Copy subscriptions to avoid holding lock during sends
	subs := make([]*subscription, 0, len(m.subscriptions))
	for _, sub := range m.subscriptions {
		subs = append(subs, sub)
	}
	m.mu.RUnlock()

	var wg sync.WaitGroup
	for _, sub := range subs {
		wg.Add(1)
		go func(s *subscription) {
			defer wg.Done()
			ctx, cancel := context.WithTimeout(context.Background(), m.sendTimeout)
			defer cancel()

			done := make(chan error, 1)
			go func() {
				done <- s.stream.Send(ev)
			}()

			select {
			case err := <-done:
				if err != nil {
					zlog.Debug().Msgf("dropping subscriber after send error: id=%s error=%v", s.id, err)
					m.drop(s)
				}
			case <-ctx.Done():
				zlog.Debug().Msgf("dropping subscriber after send timeout: id=%s", s.id)
				m.drop(s)
			}
		}(sub)
	}

	// Wait for all sends to complete or timeout
	wg.Wait()
}

func (m *Manager) drop(s *subscription) {
	m.Unsubscribe(s.id)
	if c, ok := s.stream.(io.Closer); ok {
		c.Close()
	}
}

// Send sends an event to a specific subscriber, bypassing the queue.
func (m *Manager) Send(subscriptionID string, ev *Event) error {
	m.mu.RLock()
	sub, ok := m.subscriptions[subscriptionID]
	m.mu.RUnlock()
	if !ok {
		return nil
	}
	return sub.stream.Send(ev)
}

// SubscriberCount returns the number of active subscribers.
func (m *Manager) SubscriberCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.subscriptions)
}

// Close delivers already queued events, waits for pending webhook posts,
// stops the dispatcher and removes all subscriptions.
func (m *Manager) Close() {
	m.queueMu.Lock()
	if m.closed {
		m.queueMu.Unlock()
		return
	}
	m.closed = true
	m.queueMu.Unlock()

	close(m.done)
	<-m.stopped
	if m.hooksDone != nil {
		<-m.hooksDone
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.subscriptions = make(map[string]*subscription)
}
