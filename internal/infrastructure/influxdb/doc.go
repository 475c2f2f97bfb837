// Package influxdb records MQTT client telemetry in InfluxDB v2.
//
// It wraps the official influxdb-client-go v2 library. The Client
// implements mqtt.Observer and writes these points:
//
//	mqtt_messages    direction, topic, qos tags; bytes field
//	mqtt_connection  from, to tags; count field
//	mqtt_reconnect   attempt, delay_ms fields
//	mqtt_deliveries  pending, acknowledged, failed fields
//
// Every point carries a client_id tag.
//
// # Usage
//
//	telemetry, err := influxdb.Connect(cfg.InfluxDB, cfg.MQTT.Broker.ClientID)
//	if err != nil {
//	    return err
//	}
//	defer telemetry.Close()
//
//	client, err := mqtt.New(cfg.MQTT, mqtt.WithObserver(telemetry))
//
// # Error Handling
//
// Writes are non-blocking and batched according to batch_size and
// flush_interval. Write errors are delivered to the SetOnError callback.
// Connection and health check errors are returned directly.
package influxdb
