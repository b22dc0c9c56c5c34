package bus

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// next waits briefly for one event on sub.
func next(t *testing.T, sub *Subscription) Event {
	t.Helper()
	select {
	case ev := <-sub.Ch():
		return ev
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for event")
		return Event{}
	}
}

// drain returns everything already buffered on sub.
func drain(sub *Subscription) []Event {
	var out []Event
	for {
		select {
		case ev, ok := <-sub.Ch():
			if !ok {
				return out
			}
			out = append(out, ev)
		default:
			return out
		}
	}
}

func topics(events []Event) []string {
	out := make([]string, 0, len(events))
	for _, ev := range events {
		out = append(out, ev.Topic)
	}
	return out
}

func TestPublish_DeliversTypedPayload(t *testing.T) {
	b := New()
	sub := b.Subscribe("gov.")
	defer b.Unsubscribe(sub)

	b.Publish(TopicTaskTransitioned, TaskTransitionedEvent{TaskID: "T-1", From: "INBOX", To: "READY", Version: 1})

	ev := next(t, sub)
	assert.Equal(t, TopicTaskTransitioned, ev.Topic)
	assert.False(t, ev.At.IsZero())
	payload, ok := ev.Payload.(TaskTransitionedEvent)
	require.True(t, ok, "payload type %T", ev.Payload)
	assert.Equal(t, "T-1", payload.TaskID)
	assert.EqualValues(t, 1, payload.Version)
}

func TestSubscribe_PrefixRouting(t *testing.T) {
	cases := []struct {
		name     string
		prefixes []string
		want     []string
	}{
		{"exact and family", []string{"gov.task.transitioned", "ext.capability."}, []string{TopicCapabilityChanged, TopicTaskTransitioned}},
		{"no prefix is everything", nil, []string{TopicTaskApproved, TopicCapabilityChanged, TopicTaskTransitioned, TopicConfigReloaded}},
		{"empty prefix is everything", []string{""}, []string{TopicTaskApproved, TopicCapabilityChanged, TopicTaskTransitioned, TopicConfigReloaded}},
		{"unrelated", []string{"provider."}, []string{}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			b := New()
			sub := b.Subscribe(tc.prefixes...)
			defer b.Unsubscribe(sub)

			b.Publish(TopicTaskApproved, nil)
			b.Publish(TopicCapabilityChanged, CapabilityChangedEvent{Group: "dev", Change: "grant"})
			b.Publish(TopicTaskTransitioned, nil)
			b.Publish(TopicConfigReloaded, nil)

			assert.Equal(t, tc.want, topics(drain(sub)))
		})
	}
}

func TestPublish_FullBufferDropsAndCounts(t *testing.T) {
	b := New()
	sub := b.Subscribe("ext.")
	defer b.Unsubscribe(sub)

	for i := 0; i < defaultBufferSize+10; i++ {
		b.Publish(TopicExtCallDecided, i)
	}

	got := drain(sub)
	assert.Len(t, got, defaultBufferSize)
	assert.Equal(t, 0, got[0].Payload, "oldest events are kept")
	assert.EqualValues(t, 10, b.Dropped())
}

func TestUnsubscribe_ClosesOnceAndForgets(t *testing.T) {
	b := New()
	sub := b.Subscribe("gov.")
	require.Equal(t, 1, b.SubscriberCount())

	b.Unsubscribe(sub)
	b.Unsubscribe(sub)
	assert.Equal(t, 0, b.SubscriberCount())

	_, open := <-sub.Ch()
	assert.False(t, open)
	b.Publish(TopicTaskCreated, nil)
}

func TestPublish_NilBus(t *testing.T) {
	var b *Bus
	assert.NotPanics(t, func() { b.Publish(TopicTaskCreated, nil) })
}

func TestPublish_ConcurrentWriters(t *testing.T) {
	b := New()
	sub := b.Subscribe()
	defer b.Unsubscribe(sub)

	const writers, each = 10, 5
	var wg sync.WaitGroup
	for w := 0; w < writers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < each; i++ {
				b.Publish(TopicTaskDispatched, w*100+i)
			}
		}(w)
	}
	wg.Wait()

	seen := map[any]bool{}
	for _, ev := range drain(sub) {
		seen[ev.Payload] = true
	}
	assert.Len(t, seen, writers*each)
}
