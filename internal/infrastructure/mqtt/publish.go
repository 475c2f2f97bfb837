package mqtt

import (
	"context"
	"fmt"

	"github.com/elex-project/mosquitto-examples/internal/delivery"
)

// Maximum payload size for MQTT messages (1MB).
const maxPayloadSize = 1 << 20

// Publish sends a message to the specified MQTT topic and waits for the
// broker to accept it.
//
// Parameters:
//   - ctx: Bounds the wait for the acknowledgment
//   - topic: The topic to publish to (no wildcards)
//   - payload: The message payload (max 1MB)
//   - qos: Quality of Service level (0, 1, or 2)
//   - retained: Whether the broker should retain the message for new subscribers
//
// With a delivery tracker configured, QoS 1 and 2 messages are recorded
// before they are sent. If the acknowledgment does not arrive the error is
// returned and the message stays pending; it is resent after the next
// reconnect or retry tick until acknowledged.
//
// Returns:
//   - error: ErrNotConnected, ErrInvalidTopic, ErrInvalidQoS or ErrPublishFailed
//
// Example:
//
//	err := client.Publish(ctx, "hello/mosquitto", []byte("Hahaha, ..."), 1, false)
func (c *Client) Publish(ctx context.Context, topic string, payload []byte, qos byte, retained bool) error {
	if err := ValidateTopic(topic); err != nil {
		return err
	}
	if qos > maxQoS {
		return ErrInvalidQoS
	}
	if len(payload) > maxPayloadSize {
		return fmt.Errorf("%w: payload size %d exceeds maximum %d bytes", ErrPublishFailed, len(payload), maxPayloadSize)
	}

	if !c.IsConnected() {
		return ErrNotConnected
	}

	if qos == 0 || c.tracker == nil {
		return c.publishRaw(ctx, topic, payload, qos, retained)
	}

	rec, err := c.tracker.Track(ctx, delivery.Message{
		Topic:    topic,
		Payload:  payload,
		QoS:      qos,
		Retained: retained,
	})
	if err != nil {
		return fmt.Errorf("%w: tracking delivery: %w", ErrPublishFailed, err)
	}
	return c.sendTracked(ctx, rec)
}

// PublishString is a convenience method that publishes a string payload.
func (c *Client) PublishString(ctx context.Context, topic string, payload string, qos byte, retained bool) error {
	return c.Publish(ctx, topic, []byte(payload), qos, retained)
}

// PublishRetained publishes a retained message with the configured default QoS.
func (c *Client) PublishRetained(ctx context.Context, topic string, payload []byte) error {
	return c.Publish(ctx, topic, payload, byte(c.cfg.QoS), true) //nolint:gosec // QoS validated by config
}

// sendTracked publishes a claimed delivery record and settles it.
func (c *Client) sendTracked(ctx context.Context, rec delivery.Record) error {
	sendErr := c.publishRaw(ctx, rec.Topic, rec.Payload, rec.QoS, rec.Retained)

	// Settle with a fresh context: the caller's may already be done.
	settleCtx, cancel := context.WithTimeout(context.Background(), c.publishTimeout)
	defer cancel()

	if sendErr != nil {
		updated, err := c.tracker.Fail(settleCtx, rec.ID, sendErr)
		switch {
		case err != nil:
			c.tracker.Release(rec.ID)
			c.getLogger().Warn("failed to record delivery failure", "id", rec.ID, "error", err)
		case updated.Status == delivery.StatusFailed:
			c.getLogger().Error("delivery failed permanently", "id", rec.ID, "topic", rec.Topic, "attempts", updated.Attempts)
		}
		return sendErr
	}

	if err := c.tracker.Ack(settleCtx, rec.ID); err != nil {
		c.tracker.Release(rec.ID)
		c.getLogger().Warn("failed to record delivery ack", "id", rec.ID, "error", err)
	}
	return nil
}

// publishRaw sends one PUBLISH and waits for its completion.
func (c *Client) publishRaw(ctx context.Context, topic string, payload []byte, qos byte, retained bool) error {
	token := c.client.Publish(topic, qos, retained, payload)
	if err := waitToken(ctx, token, c.publishTimeout); err != nil {
		c.stats.publishErrors.Add(1)
		c.stats.setError(err)
		return fmt.Errorf("%w: %w", ErrPublishFailed, err)
	}

	c.stats.messagesSent.Add(1)
	c.stats.bytesSent.Add(int64(len(payload)))
	c.getLogger().Debug("Tx", "topic", topic, "bytes", len(payload), "qos", qos)

	c.notifyMessage(Message{
		Direction: DirectionTx,
		Topic:     topic,
		Payload:   payload,
		QoS:       qos,
		Retained:  retained,
		Time:      c.now(),
	})
	return nil
}
