package events

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// EventType names what happened during a pass
type EventType string

const (
	EventIdentityChanged    EventType = "identity.changed"
	EventCertificateIssued  EventType = "certificate.issued"
	EventProxyConfigWritten EventType = "proxyconfig.written"
	EventProxyReloaded      EventType = "proxy.reloaded"
	EventProxyReloadFailed  EventType = "proxy.reload_failed"
	EventPassFailed         EventType = "pass.failed"
)

const (
	queueSize      = 100
	subscriberSize = 50
)

// Event is something a reconciliation pass did
type Event struct {
	ID        string
	Type      EventType
	PassID    string
	Timestamp time.Time
	Message   string
	Metadata  map[string]string
}

// Publisher accepts events
type Publisher interface {
	Publish(event *Event)
}

// Discard drops every event
type Discard struct{}

func (Discard) Publish(*Event) {}

// Subscriber is a channel that receives events
type Subscriber chan *Event

type subscription struct {
	ch    Subscriber
	kinds map[EventType]bool // nil matches every type
}

func (s *subscription) wants(t EventType) bool {
	return s.kinds == nil || s.kinds[t]
}

// Broker fans pass events out to subscribers on its own goroutine, so a
// pass never waits on a reader. A subscriber whose buffer is full misses
// the event.
type Broker struct {
	mu     sync.RWMutex
	subs   map[Subscriber]*subscription
	queue  chan *Event
	stopCh chan struct{}
	once   sync.Once
}

// NewBroker creates a broker. Call Start before publishing.
func NewBroker() *Broker {
	return &Broker{
		subs:   make(map[Subscriber]*subscription),
		queue:  make(chan *Event, queueSize),
		stopCh: make(chan struct{}),
	}
}

// Start runs the distribution loop
func (b *Broker) Start() {
	go func() {
		for {
			select {
			case ev := <-b.queue:
				b.deliver(ev)
			case <-b.stopCh:
				return
			}
		}
	}()
}

// Stop ends distribution and closes every subscriber channel. Events still
// queued are dropped.
func (b *Broker) Stop() {
	b.once.Do(func() {
		close(b.stopCh)

		b.mu.Lock()
		defer b.mu.Unlock()
		for ch := range b.subs {
			delete(b.subs, ch)
			close(ch)
		}
	})
}

// Subscribe returns a channel receiving events of the given types, or of
// every type when none are given.
func (b *Broker) Subscribe(kinds ...EventType) Subscriber {
	s := &subscription{ch: make(Subscriber, subscriberSize)}
	if len(kinds) > 0 {
		s.kinds = make(map[EventType]bool, len(kinds))
		for _, k := range kinds {
			s.kinds[k] = true
		}
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs[s.ch] = s
	return s.ch
}

// Unsubscribe removes and closes sub. Unknown or already removed
// subscribers are ignored.
func (b *Broker) Unsubscribe(sub Subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, ok := b.subs[sub]; ok {
		delete(b.subs, sub)
		close(sub)
	}
}

// Publish stamps the event with an ID and time and queues it. After Stop
// it returns immediately.
func (b *Broker) Publish(event *Event) {
	if event.ID == "" {
		event.ID = uuid.NewString()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	select {
	case b.queue <- event:
	case <-b.stopCh:
	}
}

func (b *Broker) deliver(event *Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for _, s := range b.subs {
		if !s.wants(event.Type) {
			continue
		}
		select {
		case s.ch <- event:
		default:
		}
	}
}

// SubscriberCount returns the number of active subscribers
func (b *Broker) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}
