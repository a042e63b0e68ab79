// Package mqtt publishes Thermod status data to an MQTT broker with
// Home Assistant discovery, so the thermostat appears as a native HA
// device with availability tracking.
//
// The publisher uses Eclipse Paho v2's [autopaho] package for
// connection management with automatic reconnection. On every
// (re-)connect it publishes retained discovery config payloads for
// each entity, a birth message ("online") to the availability topic,
// and re-publishes the last known status so subscribers converge
// immediately. A will message ensures the availability topic
// transitions to "offline" on unexpected disconnects.
package mqtt
