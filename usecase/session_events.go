package usecase

import (
	"sync"
	"time"

	"github.com/satriahrh/pitchline/domain"
	"github.com/satriahrh/pitchline/domain/entities"
)

// EventType tags what a SessionEvent carries.
type EventType string

const (
	EventStatus     EventType = "status"
	EventTranscript EventType = "transcript"
	EventError      EventType = "error"
	EventReconnect  EventType = "reconnect"
	EventEnded      EventType = "ended"
)

// SessionEvent is delivered to subscribers in the order the controller
// produced it.
type SessionEvent struct {
	Type      EventType                  `json:"type"`
	Status    *entities.Status           `json:"status,omitempty"`
	Turn      *entities.TranscriptTurn   `json:"turn,omitempty"`
	Error     *domain.Error              `json:"error,omitempty"`
	Guidance  string                     `json:"guidance,omitempty"`
	Terminal  bool                       `json:"terminal,omitempty"`
	Reconnect *entities.ReconnectAttempt `json:"reconnect,omitempty"`
	Summary   *entities.SessionRecord    `json:"summary,omitempty"`
	At        time.Time                  `json:"at"`
}

// Subscription is an ordered, unbounded event feed.
type Subscription struct {
	events chan SessionEvent
	signal chan struct{}
	done   chan struct{}
	once   sync.Once
	broker *eventBroker

	mu    sync.Mutex
	queue []SessionEvent
}

// Events is closed after Close or when the controller shuts down.
func (s *Subscription) Events() <-chan SessionEvent {
	return s.events
}

func (s *Subscription) Close() {
	s.once.Do(func() {
		s.broker.remove(s)
		close(s.done)
	})
}

func (s *Subscription) push(ev SessionEvent) {
	s.mu.Lock()
	s.queue = append(s.queue, ev)
	s.mu.Unlock()

	select {
	case s.signal <- struct{}{}:
	default:
	}
}

func (s *Subscription) run() {
	defer close(s.events)
	for {
		s.mu.Lock()
		if len(s.queue) == 0 {
			s.mu.Unlock()
			select {
			case <-s.signal:
				continue
			case <-s.done:
				return
			}
		}
		ev := s.queue[0]
		s.queue = s.queue[1:]
		s.mu.Unlock()

		select {
		case s.events <- ev:
		case <-s.done:
			return
		}
	}
}

type eventBroker struct {
	mu     sync.Mutex
	subs   map[*Subscription]struct{}
	closed bool
}

func newEventBroker() *eventBroker {
	return &eventBroker{subs: make(map[*Subscription]struct{})}
}

func (b *eventBroker) subscribe() *Subscription {
	s := &Subscription{
		events: make(chan SessionEvent),
		signal: make(chan struct{}, 1),
		done:   make(chan struct{}),
		broker: b,
	}
	go s.run()

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		s.once.Do(func() { close(s.done) })
		return s
	}
	b.subs[s] = struct{}{}
	return s
}

func (b *eventBroker) remove(s *Subscription) {
	b.mu.Lock()
	delete(b.subs, s)
	b.mu.Unlock()
}

func (b *eventBroker) publish(ev SessionEvent) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for s := range b.subs {
		s.push(ev)
	}
}

func (b *eventBroker) close() {
	b.mu.Lock()
	subs := make([]*Subscription, 0, len(b.subs))
	for s := range b.subs {
		subs = append(subs, s)
	}
	b.closed = true
	b.mu.Unlock()

	for _, s := range subs {
		s.Close()
	}
}
