package client

import (
	"encoding/json"
	"fmt"
	"reflect"
	"sync"
)

// Message is one inbound envelope as seen by a subscription handler. Payload
// holds the still-encoded inner document; Decode unmarshals it.
type Message struct {
	Topic   string
	Payload json.RawMessage
}

// Decode unmarshals the message payload into v (must be a pointer).
func (m Message) Decode(v any) error {
	return json.Unmarshal(m.Payload, v)
}

// MessageHandler consumes one dispatched message. A returned error is logged;
// it never affects other handlers or the dispatch loop.
type MessageHandler func(msg Message) error

// UnsubscribeFunc removes exactly the registrations its Subscribe call added.
type UnsubscribeFunc func()

// topicRegistry maps topic names to ordered handler registrations. The same
// handler may be registered more than once; removal by handler matches every
// occurrence by function identity. An emptied topic entry is deleted, never
// kept empty.
type topicRegistry struct {
	mu       sync.Mutex
	nextID   int
	handlers map[string][]registration
}

type registration struct {
	id int
	fn MessageHandler
}

func newTopicRegistry() *topicRegistry {
	return &topicRegistry{handlers: make(map[string][]registration)}
}

// add appends fn under each topic and returns the registration ids, one per
// topic, for later removal via removeIDs.
func (r *topicRegistry) add(topics []string, fn MessageHandler) []int {
	r.mu.Lock()
	defer r.mu.Unlock()
	ids := make([]int, 0, len(topics))
	for _, topic := range topics {
		id := r.nextID
		r.nextID++
		r.handlers[topic] = append(r.handlers[topic], registration{id: id, fn: fn})
		ids = append(ids, id)
	}
	return ids
}

// removeIDs detaches the registrations created by one Subscribe call.
func (r *topicRegistry) removeIDs(topics []string, ids []int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i, topic := range topics {
		if i >= len(ids) {
			break
		}
		regs := r.handlers[topic]
		for j, reg := range regs {
			if reg.id == ids[i] {
				regs = append(regs[:j], regs[j+1:]...)
				break
			}
		}
		if len(regs) == 0 {
			delete(r.handlers, topic)
		} else {
			r.handlers[topic] = regs
		}
	}
}

// removeHandler detaches every occurrence of fn under topic, matching by
// function identity. Unknown topics and unregistered handlers are no-ops.
func (r *topicRegistry) removeHandler(topic string, fn MessageHandler) {
	ptr := reflect.ValueOf(fn).Pointer()
	r.mu.Lock()
	defer r.mu.Unlock()
	regs, ok := r.handlers[topic]
	if !ok {
		return
	}
	kept := regs[:0]
	for _, reg := range regs {
		if reflect.ValueOf(reg.fn).Pointer() != ptr {
			kept = append(kept, reg)
		}
	}
	if len(kept) == 0 {
		delete(r.handlers, topic)
	} else {
		r.handlers[topic] = kept
	}
}

// removeTopic deletes the entire topic entry.
func (r *topicRegistry) removeTopic(topic string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.handlers, topic)
}

// snapshot returns the handlers a dispatch for topic must invoke:
// specific-topic registrations in insertion order, then wildcard registrations
// in insertion order. The returned slice is private to the caller, so
// unsubscribing during dispatch cannot disturb the in-progress iteration.
func (r *topicRegistry) snapshot(topic string) []MessageHandler {
	r.mu.Lock()
	defer r.mu.Unlock()
	specific := r.handlers[topic]
	wildcard := r.handlers[WildcardTopic]
	if len(specific) == 0 && len(wildcard) == 0 {
		return nil
	}
	out := make([]MessageHandler, 0, len(specific)+len(wildcard))
	for _, reg := range specific {
		out = append(out, reg.fn)
	}
	if topic != WildcardTopic {
		for _, reg := range wildcard {
			out = append(out, reg.fn)
		}
	}
	return out
}

// normalizeTopics reduces a Subscribe topic list to its effective set: no
// topics means the wildcard, a wildcard anywhere collapses the whole call to
// wildcard-only, and duplicates are dropped preserving first occurrence order.
func normalizeTopics(topics []string) ([]string, error) {
	if len(topics) == 0 {
		return []string{WildcardTopic}, nil
	}
	seen := make(map[string]struct{}, len(topics))
	out := make([]string, 0, len(topics))
	for _, topic := range topics {
		if topic == "" {
			return nil, fmt.Errorf("channelmq: topic cannot be empty")
		}
		if topic == WildcardTopic {
			return []string{WildcardTopic}, nil
		}
		if _, dup := seen[topic]; dup {
			continue
		}
		seen[topic] = struct{}{}
		out = append(out, topic)
	}
	return out, nil
}
