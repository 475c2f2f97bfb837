// Package delivery tracks outbound MQTT publishes until the broker acknowledges them.
//
// QoS 1 and QoS 2 publishes are recorded as pending before they are sent.
// The record is marked acknowledged when the PUBACK/PUBCOMP arrives, or kept
// pending with the failure recorded when the publish times out or the
// connection drops. Pending records are handed back to the MQTT client for
// redelivery after a reconnect and on a periodic retry, which gives
// at-least-once delivery for everything published while connected.
//
// Records live in a Store: MemoryStore for a single process lifetime,
// SQLiteStore to survive restarts.
//
// Usage:
//
//	tracker := delivery.NewTracker(delivery.NewMemoryStore(), delivery.Options{MaxAttempts: 10})
//	rec, err := tracker.Track(ctx, delivery.Message{Topic: "hello/mosquitto", Payload: p, QoS: 1})
//	// ... publish ...
//	err = tracker.Ack(ctx, rec.ID)
package delivery
