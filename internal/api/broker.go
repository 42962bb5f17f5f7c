package api

import (
	"sync"
)

// TopicAutoplan carries every run and trip event.
const TopicAutoplan = "autoplan"

// TripTopic is the per-trip topic.
func TripTopic(id string) string { return "trip:" + id }

type Event struct {
	Type string         `json:"type"`
	Data map[string]any `json:"data"`
}

type EventBroker interface {
	Subscribe(topic string) chan Event
	Unsubscribe(topic string, ch chan Event)
	Publish(topic string, evt Event)
}

// Broker fans events out to in-process subscribers. Slow subscribers drop events.
type Broker struct {
	mu   sync.Mutex
	subs map[string]map[chan Event]struct{} // topic -> set of channels
}

func NewBroker() *Broker {
	return &Broker{subs: map[string]map[chan Event]struct{}{}}
}

func (b *Broker) Subscribe(topic string) chan Event {
	ch := make(chan Event, 16)
	b.mu.Lock()
	if b.subs[topic] == nil {
		b.subs[topic] = map[chan Event]struct{}{}
	}
	b.subs[topic][ch] = struct{}{}
	b.mu.Unlock()
	return ch
}

func (b *Broker) Unsubscribe(topic string, ch chan Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	m := b.subs[topic]
	if _, ok := m[ch]; !ok {
		return
	}
	delete(m, ch)
	if len(m) == 0 {
		delete(b.subs, topic)
	}
	close(ch)
}

func (b *Broker) Publish(topic string, evt Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for ch := range b.subs[topic] {
		select {
		case ch <- evt:
		default:
		}
	}
}

// Notifier publishes chain events to the broker.
type Notifier struct {
	Broker EventBroker
}

func (n Notifier) Notify(kind string, data map[string]any) {
	evt := Event{Type: kind, Data: data}
	n.Broker.Publish(TopicAutoplan, evt)
	if id, ok := data["tripId"].(string); ok && id != "" {
		n.Broker.Publish(TripTopic(id), evt)
	}
}
