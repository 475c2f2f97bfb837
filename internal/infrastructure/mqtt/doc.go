// Package mqtt provides the MQTT client at the centre of mqttc.
//
// This package manages:
//   - A session state machine: disconnected, connecting, connected, reconnecting
//   - Its own reconnect loop with exponential backoff and jitter
//   - Publishing with optional at-least-once delivery tracking
//   - A subscription registry restored on every reconnect and used for dispatch
//   - Last Will and retained online/offline status
//   - TLS from PEM or PKCS#12 material, and JWT broker credentials
//
// # State machine
//
//	disconnected -> connecting -> connected -> reconnecting -> connected
//	      ^             |             |              |
//	      +-------------+-------------+--------------+
//
// Any other transition is rejected with ErrInvalidTransition.
//
// # Delivery
//
// With a delivery.Tracker configured, QoS 1 and 2 publishes are recorded
// before they are sent and stay pending until the broker acknowledges
// them. Pending records are resent after every reconnect and on each retry
// tick while connected. Publishing while disconnected returns
// ErrNotConnected; nothing is queued.
//
// # Usage
//
//	client, err := mqtt.Connect(ctx, cfg.MQTT, mqtt.WithLogger(log))
//	if err != nil {
//	    return err
//	}
//	defer client.Close()
//
//	err = client.Subscribe("hello/#", 1, func(topic string, payload []byte) error {
//	    log.Info("Rx", "topic", topic, "payload", string(payload))
//	    return nil
//	})
//
//	err = client.PublishString(ctx, "hello/mosquitto", "Hahaha, ...", 1, false)
package mqtt
