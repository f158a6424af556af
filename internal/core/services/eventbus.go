package services

import (
	"log/slog"
	"sync"
	"time"

	"github.com/manthysbr/ocrkernel/internal/core/domain"
)

type EventType string

const (
	EventTypeProgressLine EventType = "progress_line"
	EventTypeStateChanged EventType = "state_changed"
	EventTypeCompleted    EventType = "completed"
	EventTypeOverflow     EventType = "overflow"
)

type Event struct {
	JobID     domain.JobID      `json:"job_id"`
	Type      EventType         `json:"type"`
	Seq       uint64            `json:"seq"` // per job, assigned by Publish
	State     domain.JobState   `json:"state,omitempty"`
	Data      string            `json:"data,omitempty"` // output line or failure text
	Record    *domain.JobRecord `json:"record,omitempty"`
	Dropped   int               `json:"dropped,omitempty"`
	Timestamp int64             `json:"timestamp"`
}

const DefaultSubscriberBuffer = 256

// subscription is a bounded ring drained into out by its own pump goroutine,
// so a slow reader never blocks Publish.
type subscription struct {
	key domain.JobID

	mu      sync.Mutex
	ring    []Event
	head    int
	size    int
	dropped int

	wake      chan struct{}
	done      chan struct{}
	out       chan Event
	closeOnce sync.Once
}

func newSubscription(key domain.JobID, capacity int) *subscription {
	sub := &subscription{
		key:  key,
		ring: make([]Event, capacity),
		wake: make(chan struct{}, 1),
		done: make(chan struct{}),
		out:  make(chan Event),
	}
	go sub.pump()
	return sub
}

// push appends e, evicting the oldest buffered event when full.
// It reports whether this push started a new overflow episode.
func (s *subscription) push(e Event) bool {
	s.mu.Lock()
	firstDrop := false
	if s.size == len(s.ring) {
		s.ring[s.head] = Event{}
		s.head = (s.head + 1) % len(s.ring)
		s.size--
		s.dropped++
		firstDrop = s.dropped == 1
	}
	s.ring[(s.head+s.size)%len(s.ring)] = e
	s.size++
	s.mu.Unlock()

	select {
	case s.wake <- struct{}{}:
	default:
	}
	return firstDrop
}

// next pops the next deliverable event; a pending overflow marker goes first
// because it stands in for events older than anything still buffered.
func (s *subscription) next() (Event, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.dropped > 0 {
		marker := Event{
			JobID:     s.key,
			Type:      EventTypeOverflow,
			Dropped:   s.dropped,
			Timestamp: time.Now().UnixMilli(),
		}
		s.dropped = 0
		return marker, true
	}
	if s.size == 0 {
		return Event{}, false
	}
	e := s.ring[s.head]
	s.ring[s.head] = Event{}
	s.head = (s.head + 1) % len(s.ring)
	s.size--
	return e, true
}

func (s *subscription) pump() {
	defer close(s.out)
	for {
		e, ok := s.next()
		if !ok {
			select {
			case <-s.wake:
				continue
			case <-s.done:
				return
			}
		}
		select {
		case s.out <- e:
		case <-s.done:
			return
		}
	}
}

func (s *subscription) close() {
	s.closeOnce.Do(func() { close(s.done) })
}

type EventBus struct {
	logger     *slog.Logger
	bufferSize int

	mu     sync.Mutex
	subs   map[domain.JobID][]*subscription // Key: JobID
	global []*subscription
	seq    map[domain.JobID]uint64
}

func NewEventBus(logger *slog.Logger, bufferSize int) *EventBus {
	if bufferSize <= 0 {
		bufferSize = DefaultSubscriberBuffer
	}
	return &EventBus{
		logger:     logger,
		bufferSize: bufferSize,
		subs:       make(map[domain.JobID][]*subscription),
		seq:        make(map[domain.JobID]uint64),
	}
}

// Subscribe returns a channel that receives events for a specific job
func (b *EventBus) Subscribe(jobID domain.JobID) (<-chan Event, func()) {
	sub := newSubscription(jobID, b.bufferSize)

	b.mu.Lock()
	b.subs[jobID] = append(b.subs[jobID], sub)
	b.mu.Unlock()

	unsub := func() {
		b.mu.Lock()
		subscribers := b.subs[jobID]
		for i, s := range subscribers {
			if s == sub {
				b.subs[jobID] = append(subscribers[:i:i], subscribers[i+1:]...)
				break
			}
		}
		if len(b.subs[jobID]) == 0 {
			delete(b.subs, jobID)
		}
		b.mu.Unlock()
		sub.close()
	}
	return sub.out, unsub
}

// SubscribeGlobal returns a channel that receives events of every job.
func (b *EventBus) SubscribeGlobal() (<-chan Event, func()) {
	sub := newSubscription("", b.bufferSize)

	b.mu.Lock()
	b.global = append(b.global, sub)
	b.mu.Unlock()

	unsub := func() {
		b.mu.Lock()
		for i, s := range b.global {
			if s == sub {
				b.global = append(b.global[:i:i], b.global[i+1:]...)
				break
			}
		}
		b.mu.Unlock()
		sub.close()
	}
	return sub.out, unsub
}

// LastSeq returns the sequence number of the job's latest event, or 0 when
// none was published or the job has completed.
func (b *EventBus) LastSeq(jobID domain.JobID) uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.seq[jobID]
}

// Publish stamps e with the job's next sequence number and hands it to every
// matching subscriber without blocking. The stamped event is returned.
func (b *EventBus) Publish(e Event) Event {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.seq[e.JobID]++
	e.Seq = b.seq[e.JobID]
	if e.Timestamp == 0 {
		e.Timestamp = time.Now().UnixMilli()
	}
	if e.Type == EventTypeCompleted {
		delete(b.seq, e.JobID)
	}

	for _, sub := range b.subs[e.JobID] {
		if sub.push(e) {
			b.logger.Warn("event subscriber buffer full, dropping oldest events", "job_id", e.JobID)
		}
	}
	for _, sub := range b.global {
		if sub.push(e) {
			b.logger.Warn("global event subscriber buffer full, dropping oldest events", "job_id", e.JobID)
		}
	}
	return e
}

// Close detaches every subscriber; their channels are closed by their pumps.
func (b *EventBus) Close() {
	b.mu.Lock()
	var all []*subscription
	for _, subs := range b.subs {
		all = append(all, subs...)
	}
	all = append(all, b.global...)
	b.subs = make(map[domain.JobID][]*subscription)
	b.global = nil
	b.mu.Unlock()

	for _, sub := range all {
		sub.close()
	}
}
