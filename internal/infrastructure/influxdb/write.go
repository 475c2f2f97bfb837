package influxdb

import (
	"context"
	"strconv"
	"time"

	"github.com/influxdata/influxdb-client-go/v2/api/write"

	"github.com/elex-project/mosquitto-examples/internal/delivery"
)

// Measurement names.
const (
	measurementMessages   = "mqtt_messages"
	measurementConnection = "mqtt_connection"
	measurementReconnect  = "mqtt_reconnect"
	measurementDeliveries = "mqtt_deliveries"
)

// MessageSent records an outbound message.
//
// The write is non-blocking; data is batched and sent asynchronously.
func (c *Client) MessageSent(topic string, qos byte, size int) {
	c.writeMessage("tx", topic, qos, size)
}

// MessageReceived records an inbound message.
func (c *Client) MessageReceived(topic string, qos byte, size int) {
	c.writeMessage("rx", topic, qos, size)
}

func (c *Client) writeMessage(direction, topic string, qos byte, size int) {
	c.WritePoint(measurementMessages,
		map[string]string{
			"direction": direction,
			"topic":     topic,
			"qos":       strconv.Itoa(int(qos)),
		},
		map[string]interface{}{
			"bytes": size,
		})
}

// StateChanged records a session state transition.
//
// Example point: mqtt_connection,from=connected,to=reconnecting count=1i
func (c *Client) StateChanged(from, to string) {
	c.WritePoint(measurementConnection,
		map[string]string{
			"from": from,
			"to":   to,
		},
		map[string]interface{}{
			"count": 1,
		})
}

// ReconnectAttempt records one attempt of the reconnect loop and the
// delay that preceded it.
func (c *Client) ReconnectAttempt(attempt int, delay time.Duration) {
	c.WritePoint(measurementReconnect, nil, map[string]interface{}{
		"attempt":  attempt,
		"delay_ms": delay.Milliseconds(),
	})
}

// WriteDeliveryStats records the delivery tracker's record counts.
func (c *Client) WriteDeliveryStats(stats delivery.Stats) {
	c.WritePoint(measurementDeliveries, nil, map[string]interface{}{
		"pending":      stats.Pending,
		"acknowledged": stats.Acknowledged,
		"failed":       stats.Failed,
	})
}

// DeliveryStatsSource is satisfied by *delivery.Tracker.
type DeliveryStatsSource interface {
	Stats(ctx context.Context) (delivery.Stats, error)
}

// ReportDeliveries writes the tracker's counts every interval until ctx
// is done. Failed reads are skipped.
func (c *Client) ReportDeliveries(ctx context.Context, src DeliveryStatsSource, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			stats, err := src.Stats(ctx)
			if err != nil {
				continue
			}
			c.WriteDeliveryStats(stats)
		}
	}
}

// WritePoint writes a custom point with full control over tags and fields.
//
// Parameters:
//   - measurement: The measurement name (table)
//   - tags: Key-value pairs for indexing (low cardinality)
//   - fields: Key-value pairs for the actual data
//
// Example:
//
//	client.WritePoint("broker_stats",
//	    map[string]string{"broker": "mosquitto"},
//	    map[string]interface{}{"clients": 12})
func (c *Client) WritePoint(measurement string, tags map[string]string, fields map[string]interface{}) {
	c.WritePointWithTime(measurement, tags, fields, time.Now())
}

// WritePointWithTime writes a custom point with a specific timestamp.
func (c *Client) WritePointWithTime(measurement string, tags map[string]string, fields map[string]interface{}, timestamp time.Time) {
	if !c.IsConnected() {
		return
	}

	point := write.NewPoint(measurement, tags, fields, timestamp)
	c.writeAPI.WritePoint(point)
}
