package mqtt

import (
	"sort"
	"sync"
)

// MessageHandler is the callback signature for received messages.
//
// Handlers run on the client's receive goroutine, one message at a time,
// and should not block for long.
//
// Parameters:
//   - topic: The topic the message was received on (wildcards expanded)
//   - payload: A private copy of the message payload
//
// Returns:
//   - error: Logged but does not affect message acknowledgment
type MessageHandler func(topic string, payload []byte) error

// Subscription describes a registered filter.
type Subscription struct {
	Filter string `json:"filter"`
	QoS    byte   `json:"qos"`
}

type subscription struct {
	Subscription
	handler MessageHandler
}

// registry holds the subscriptions that are restored on every reconnect
// and used to dispatch incoming messages.
type registry struct {
	mu   sync.RWMutex
	subs map[string]subscription
}

func newRegistry() *registry {
	return &registry{subs: make(map[string]subscription)}
}

// add registers a filter, replacing any existing handler for it.
// It returns the replaced subscription so a failed SUBSCRIBE can be undone.
func (r *registry) add(filter string, qos byte, handler MessageHandler) (prev subscription, existed bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	prev, existed = r.subs[filter]
	r.subs[filter] = subscription{
		Subscription: Subscription{Filter: filter, QoS: qos},
		handler:      handler,
	}
	return prev, existed
}

// restore undoes an add.
func (r *registry) restore(filter string, prev subscription, existed bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if existed {
		r.subs[filter] = prev
		return
	}
	delete(r.subs, filter)
}

func (r *registry) remove(filter string) (subscription, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	sub, ok := r.subs[filter]
	delete(r.subs, filter)
	return sub, ok
}

func (r *registry) has(filter string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.subs[filter]
	return ok
}

func (r *registry) len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.subs)
}

// all returns every subscription sorted by filter.
func (r *registry) all() []subscription {
	r.mu.RLock()
	out := make([]subscription, 0, len(r.subs))
	for _, sub := range r.subs {
		out = append(out, sub)
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].Filter < out[j].Filter })
	return out
}

// match returns the subscriptions whose filter matches topic, sorted by filter.
func (r *registry) match(topic string) []subscription {
	r.mu.RLock()
	var out []subscription
	for _, sub := range r.subs {
		if MatchTopic(sub.Filter, topic) {
			out = append(out, sub)
		}
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].Filter < out[j].Filter })
	return out
}
