// Package mqtt forwards watcher events to an MQTT broker and announces
// nmwatch as a Home Assistant device.
//
// The publisher uses Eclipse Paho v2's [autopaho] package for
// connection management with automatic reconnection. On every
// (re-)connect it publishes retained discovery config payloads for the
// network sensors (active connection, connection state, last reason,
// active SSID, bus status) and a birth message ("online") to the
// availability topic. A will message flips the availability topic to
// "offline" on unexpected disconnects.
//
// Each event is published as JSON to <base>/events with QoS 1 and no
// retain flag. Sensor states are retained and refreshed after every
// event and on a fixed interval.
package mqtt
