// Package events implements the Event Bus: an in-process topic-keyed
// publish/subscribe registry used to fan job-lifecycle notifications
// out to the HTTP API, logging, and metrics without coupling the Queue
// Orchestrator to any of them directly.
package events

import (
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Topic names a class of event. Subscribers register against one
// topic; TopicAll receives every event regardless of its own topic.
type Topic string

const (
	TopicJobAdded     Topic = "job.added"
	TopicJobProgress  Topic = "job.progress"
	TopicJobState     Topic = "job.state"
	TopicJobCompleted Topic = "job.completed"
	TopicJobFailed    Topic = "job.failed"
	TopicAll          Topic = "*"
)

// Event is a single published notification.
type Event struct {
	Topic   Topic
	JobID   int64
	Payload any
}

// Handler receives delivered events. Handlers run synchronously on the
// bus's delivery goroutine for their subscription, one topic's
// subscribers never blocking another topic's.
type Handler func(Event)

type subscription struct {
	id      string
	topic   Topic
	handler Handler
	queue   chan Event
}

// Bus is the Event Bus: subscribe, publish, unsubscribeAll. Delivery to
// each subscriber is in order and isolated — a slow or panicking
// handler never blocks or crashes another subscriber or the publisher.
type Bus struct {
	log *zap.Logger

	mu   sync.RWMutex
	subs map[string]*subscription
}

// New builds an empty Bus.
func New(log *zap.Logger) *Bus {
	return &Bus{log: log, subs: make(map[string]*subscription)}
}

// Subscribe registers handler against topic and returns a subscription
// ID for Unsubscribe. Each subscriber gets its own buffered delivery
// queue and goroutine so publishers never block on a slow consumer.
func (b *Bus) Subscribe(topic Topic, handler Handler) string {
	sub := &subscription{
		id:      uuid.NewString(),
		topic:   topic,
		handler: handler,
		queue:   make(chan Event, 256),
	}

	b.mu.Lock()
	b.subs[sub.id] = sub
	b.mu.Unlock()

	go b.deliverLoop(sub)
	return sub.id
}

func (b *Bus) deliverLoop(sub *subscription) {
	for ev := range sub.queue {
		b.dispatch(sub, ev)
	}
}

func (b *Bus) dispatch(sub *subscription, ev Event) {
	defer func() {
		if r := recover(); r != nil {
			b.log.Error("event handler panicked", zap.String("subscription", sub.id), zap.Any("recovered", r))
		}
	}()
	sub.handler(ev)
}

// Unsubscribe removes a single subscription.
func (b *Bus) Unsubscribe(id string) {
	b.mu.Lock()
	sub, ok := b.subs[id]
	if ok {
		delete(b.subs, id)
	}
	b.mu.Unlock()
	if ok {
		close(sub.queue)
	}
}

// UnsubscribeAll removes every subscription, stopping all delivery
// goroutines. Used on shutdown and in tests.
func (b *Bus) UnsubscribeAll() {
	b.mu.Lock()
	subs := b.subs
	b.subs = make(map[string]*subscription)
	b.mu.Unlock()
	for _, sub := range subs {
		close(sub.queue)
	}
}

// Publish delivers ev to every subscriber of ev.Topic and every
// subscriber of TopicAll. Publish never blocks on a slow subscriber
// beyond that subscriber's queue capacity; a full queue drops the
// event for that subscriber rather than stalling the publisher, since
// job-lifecycle events are advisory, not a durable log.
func (b *Bus) Publish(ev Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, sub := range b.subs {
		if sub.topic != ev.Topic && sub.topic != TopicAll {
			continue
		}
		select {
		case sub.queue <- ev:
		default:
			b.log.Warn("event subscriber queue full, dropping event", zap.String("subscription", sub.id), zap.String("topic", string(ev.Topic)))
		}
	}
}
