package bus

import (
	"strings"
	"sync"
	"time"
)

const defaultBufferSize = 100

// Event is a message published on the bus.
type Event struct {
	Topic   string
	At      time.Time
	Payload interface{}
}

// Governance topics.
const (
	TopicTaskCreated       = "gov.task.created"
	TopicTaskTransitioned  = "gov.task.transitioned"
	TopicTaskApproved      = "gov.task.approved"
	TopicTaskDispatched    = "gov.task.dispatched"
	TopicExtCallDecided    = "ext.call.decided"
	TopicCapabilityChanged = "ext.capability.changed"
	TopicConfigReloaded    = "config.reloaded"
)

// TaskTransitionedEvent is published after a task state change commits.
type TaskTransitionedEvent struct {
	TaskID   string
	From     string
	To       string
	Version  int64
	Actor    string
	Override bool
}

// TaskApprovedEvent is published when a new approval row is recorded.
type TaskApprovedEvent struct {
	TaskID     string
	GateType   string
	ApprovedBy string
	Version    int64
}

// ExtCallDecidedEvent is published once the broker reaches a terminal decision.
type ExtCallDecidedEvent struct {
	RequestID string
	Group     string
	Provider  string
	Action    string
	Status    string
	Reason    string
}

// CapabilityChangedEvent is published on grant, revoke and expiry.
type CapabilityChangedEvent struct {
	Group    string
	Provider string
	Level    int
	Active   bool
	Change   string // grant, revoke, expire
}

// Subscription represents an active subscription.
type Subscription struct {
	id       int
	prefixes []string
	ch       chan Event
}

// Ch returns the channel to receive events on.
func (s *Subscription) Ch() <-chan Event {
	return s.ch
}

func (s *Subscription) matches(topic string) bool {
	if len(s.prefixes) == 0 {
		return true
	}
	for _, p := range s.prefixes {
		if p == "" || strings.HasPrefix(topic, p) {
			return true
		}
	}
	return false
}

// Bus is an in-process pub/sub bus with topic prefix matching.
type Bus struct {
	mu      sync.RWMutex
	subs    map[int]*Subscription
	nextID  int
	dropped int64
	now     func() time.Time
}

// New creates a new Bus.
func New() *Bus {
	return &Bus{
		subs: make(map[int]*Subscription),
		now:  time.Now,
	}
}

// Subscribe registers interest in any of the given topic prefixes. No prefixes
// (or an empty one) matches everything. Delivery is non-blocking; a subscriber
// whose buffer is full misses events.
func (b *Bus) Subscribe(prefixes ...string) *Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextID++
	sub := &Subscription{
		id:       b.nextID,
		prefixes: append([]string(nil), prefixes...),
		ch:       make(chan Event, defaultBufferSize),
	}
	b.subs[sub.id] = sub
	return sub
}

// Unsubscribe removes a subscription and closes its channel.
func (b *Bus) Unsubscribe(sub *Subscription) {
	if sub == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, ok := b.subs[sub.id]; ok {
		delete(b.subs, sub.id)
		close(sub.ch)
	}
}

// Publish fans the event out to all matching subscribers. Safe on a nil Bus.
func (b *Bus) Publish(topic string, payload interface{}) {
	if b == nil {
		return
	}
	event := Event{Topic: topic, At: b.now().UTC(), Payload: payload}

	b.mu.RLock()
	var missed int64
	for _, sub := range b.subs {
		if !sub.matches(topic) {
			continue
		}
		select {
		case sub.ch <- event:
		default:
			missed++
		}
	}
	b.mu.RUnlock()

	if missed > 0 {
		b.mu.Lock()
		b.dropped += missed
		b.mu.Unlock()
	}
}

// SubscriberCount returns the number of active subscriptions.
func (b *Bus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// Dropped reports how many deliveries were skipped because a buffer was full.
func (b *Bus) Dropped() int64 {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.dropped
}
