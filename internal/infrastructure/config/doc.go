// Package config loads mqttc settings.
//
// Values are layered: built-in defaults, then configs/config.yaml (or
// the file named by --config / MQTTC_CONFIG), then MQTTC_* environment
// variables. Validate reports every problem at once.
//
// Secrets have environment variables so they never need to be in the
// file:
//
//	MQTTC_MQTT_PASSWORD            broker password
//	MQTTC_MQTT_JWT_SECRET          HS256 key for broker JWT auth
//	MQTTC_MQTT_KEY_STORE_PASSWORD  PKCS#12 key store password
//	MQTTC_INFLUXDB_TOKEN           InfluxDB API token
//	MQTTC_JWT_SECRET               HTTP API token key
//
// Broker location can be overridden with MQTTC_MQTT_URL, or with
// MQTTC_MQTT_HOST and MQTTC_MQTT_PORT when no URL is set.
package config
