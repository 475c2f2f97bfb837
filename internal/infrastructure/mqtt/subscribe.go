package mqtt

import (
	"fmt"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"
)

// subackFailure is the SUBACK return code for a refused subscription.
const subackFailure = 0x80

// Subscribe registers a handler for messages matching a topic filter.
//
// Filters can include MQTT wildcards:
//   - + (single-level): "hello/+/temperature"
//   - # (multi-level): "hello/#"
//
// The subscription is recorded before SUBSCRIBE is sent and rolled back
// if the broker refuses it or does not answer in time. Subscribing again
// to the same filter replaces its handler. Registered subscriptions are
// restored on every reconnect.
//
// Parameters:
//   - filter: The topic filter to subscribe to
//   - qos: Maximum QoS level for received messages (0, 1, or 2)
//   - handler: Callback function invoked for each message
//
// Returns:
//   - error: nil on success, or wrapped error describing the failure
//
// Example:
//
//	err := client.Subscribe("hello/#", 1, func(topic string, payload []byte) error {
//	    log.Printf("Rx: %s = %s", topic, payload)
//	    return nil
//	})
func (c *Client) Subscribe(filter string, qos byte, handler MessageHandler) error {
	if err := ValidateFilter(filter); err != nil {
		return err
	}
	if qos > maxQoS {
		return ErrInvalidQoS
	}
	if handler == nil {
		return fmt.Errorf("%w: handler cannot be nil", ErrSubscribeFailed)
	}

	if !c.IsConnected() {
		return ErrNotConnected
	}

	prev, existed := c.registry.add(filter, qos, handler)

	// No paho route: every message reaches handleMessage.
	token := c.client.Subscribe(filter, qos, nil)
	if err := waitToken(c.ctx, token, c.publishTimeout); err != nil {
		c.registry.restore(filter, prev, existed)
		return fmt.Errorf("%w: %w", ErrSubscribeFailed, err)
	}
	if st, ok := token.(*pahomqtt.SubscribeToken); ok {
		if code, found := st.Result()[filter]; found && code == subackFailure {
			c.registry.restore(filter, prev, existed)
			return fmt.Errorf("%w: broker refused %q", ErrSubscribeFailed, filter)
		}
	}

	c.getLogger().Debug("subscribed", "filter", filter, "qos", qos)
	return nil
}

// Unsubscribe removes a subscription and stops receiving messages for a filter.
//
// Messages already in flight may still be delivered to other matching
// handlers.
//
// Parameters:
//   - filter: The exact filter that was subscribed to
//
// Returns:
//   - error: nil on success, or wrapped error describing the failure
func (c *Client) Unsubscribe(filter string) error {
	if err := ValidateFilter(filter); err != nil {
		return err
	}

	if !c.IsConnected() {
		return ErrNotConnected
	}

	prev, existed := c.registry.remove(filter)

	token := c.client.Unsubscribe(filter)
	if err := waitToken(c.ctx, token, c.publishTimeout); err != nil {
		// The broker may still route to us; keep the handler.
		c.registry.restore(filter, prev, existed)
		return fmt.Errorf("%w: %w", ErrUnsubscribeFailed, err)
	}
	return nil
}

// SubscriptionCount returns the number of registered subscriptions.
func (c *Client) SubscriptionCount() int {
	return c.registry.len()
}

// HasSubscription checks if a subscription exists for the given filter.
//
// Note: This checks only the exact filter string, not pattern matching.
func (c *Client) HasSubscription(filter string) bool {
	return c.registry.has(filter)
}

// Subscriptions returns the registered subscriptions sorted by filter.
func (c *Client) Subscriptions() []Subscription {
	subs := c.registry.all()
	out := make([]Subscription, len(subs))
	for i, sub := range subs {
		out[i] = sub.Subscription
	}
	return out
}

// handleMessage dispatches an incoming message to every matching handler.
func (c *Client) handleMessage(msg pahomqtt.Message) {
	topic := msg.Topic()
	payload := append([]byte(nil), msg.Payload()...)

	c.stats.messagesReceived.Add(1)
	c.stats.bytesReceived.Add(int64(len(payload)))
	c.getLogger().Debug("Rx", "topic", topic, "bytes", len(payload), "qos", msg.Qos())

	c.notifyMessage(Message{
		Direction: DirectionRx,
		Topic:     topic,
		Payload:   payload,
		QoS:       msg.Qos(),
		Retained:  msg.Retained(),
		Time:      c.now(),
	})

	matches := c.registry.match(topic)
	if len(matches) == 0 {
		c.getLogger().Debug("no handler for message", "topic", topic)
		return
	}
	for _, sub := range matches {
		// Each handler gets its own copy.
		c.invoke(sub, topic, append([]byte(nil), payload...))
	}
}

// invoke calls a handler with panic recovery and logs its error.
func (c *Client) invoke(sub subscription, topic string, payload []byte) {
	defer func() {
		if r := recover(); r != nil {
			c.stats.handlerErrors.Add(1)
			c.getLogger().Error("MQTT handler panic recovered",
				"filter", sub.Filter,
				"topic", topic,
				"panic", r,
			)
		}
	}()

	if err := sub.handler(topic, payload); err != nil {
		c.stats.handlerErrors.Add(1)
		c.getLogger().Warn("MQTT handler returned error",
			"filter", sub.Filter,
			"topic", topic,
			"error", err,
		)
	}
}
