package mqtt

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/url"
	"sync"
	"time"

	"github.com/eclipse/paho.golang/autopaho"
	"github.com/eclipse/paho.golang/paho"

	"github.com/bigsaltyfishes/nmwatch/internal/buildinfo"
	"github.com/bigsaltyfishes/nmwatch/internal/config"
	"github.com/bigsaltyfishes/nmwatch/internal/events"
	"github.com/bigsaltyfishes/nmwatch/internal/watcher"
)

// publishTimeout bounds a single publish so a stalled broker cannot
// hold up the event loop.
const publishTimeout = 5 * time.Second

// NetworkSource provides the network view sensor states are derived
// from. [*watcher.Watcher] implements it.
type NetworkSource interface {
	Snapshot() watcher.Snapshot
}

// client is the part of [autopaho.ConnectionManager] the publisher
// uses, split out so tests can record publishes.
type client interface {
	Publish(ctx context.Context, p *paho.Publish) (*paho.PublishResponse, error)
}

// Publisher manages the MQTT connection, publishes HA discovery config
// messages on (re-)connect, forwards watcher events and keeps the
// sensor states current.
type Publisher struct {
	cfg        config.MQTTConfig
	instanceID string
	device     DeviceInfo
	source     NetworkSource
	bus        *events.Bus
	logger     *slog.Logger

	mu         sync.Mutex
	cm         *autopaho.ConnectionManager
	client     client
	lastReason string
}

// New creates a Publisher but does not connect. Call [Publisher.Start]
// to begin the connection and publish loop.
func New(cfg config.MQTTConfig, instanceID string, source NetworkSource, bus *events.Bus, logger *slog.Logger) *Publisher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Publisher{
		cfg:        cfg,
		instanceID: instanceID,
		device:     NewDeviceInfo(instanceID, cfg.DeviceName),
		source:     source,
		bus:        bus,
		logger:     logger,
		lastReason: "none",
	}
}

// Device returns the HA device block shared by every sensor.
func (p *Publisher) Device() DeviceInfo {
	return p.device
}

// Start connects to the MQTT broker and forwards events until ctx is
// cancelled. On every (re-)connect it publishes discovery configs and a
// birth message.
func (p *Publisher) Start(ctx context.Context) error {
	brokerURL, err := url.Parse(p.cfg.Broker)
	if err != nil {
		return fmt.Errorf("parse mqtt broker URL: %w", err)
	}

	// Subscribe before connecting so events raised during the broker
	// handshake are still forwarded.
	sub := p.bus.Subscribe(128)
	defer p.bus.Unsubscribe(sub)

	availTopic := p.availabilityTopic()

	pahoCfg := autopaho.ClientConfig{
		ServerUrls:      []*url.URL{brokerURL},
		KeepAlive:       30,
		ConnectUsername: p.cfg.Username,
		ConnectPassword: []byte(p.cfg.Password),
		WillMessage: &paho.WillMessage{
			Topic:   availTopic,
			Payload: []byte("offline"),
			QoS:     1,
			Retain:  true,
		},
		OnConnectionUp: func(cm *autopaho.ConnectionManager, _ *paho.Connack) {
			p.logger.Info("mqtt connected to broker", "broker", p.cfg.Broker)
			p.publishDiscovery(ctx, cm)
			p.publishAvailability(ctx, cm, "online")
			p.publishStates(ctx)
		},
		OnConnectError: func(err error) {
			p.logger.Warn("mqtt connection error", "error", err)
		},
		ClientConfig: paho.ClientConfig{
			ClientID: "nmwatch-" + p.cfg.DeviceName,
		},
	}

	// Enable TLS for mqtts:// or ssl:// schemes.
	if brokerURL.Scheme == "mqtts" || brokerURL.Scheme == "ssl" {
		pahoCfg.TlsCfg = &tls.Config{
			MinVersion: tls.VersionTLS12,
		}
	}

	cm, err := autopaho.NewConnection(ctx, pahoCfg)
	if err != nil {
		return fmt.Errorf("mqtt connect: %w", err)
	}
	p.mu.Lock()
	p.cm = cm
	p.client = cm
	p.mu.Unlock()

	// Wait for the initial connection before starting the publish loop.
	connCtx, connCancel := context.WithTimeout(ctx, 30*time.Second)
	defer connCancel()
	if err := cm.AwaitConnection(connCtx); err != nil {
		// Log but don't fail; autopaho keeps retrying in the background.
		p.logger.Warn("mqtt initial connection timed out, will retry in background", "error", err)
	}

	p.runLoop(ctx, sub)
	return nil
}

// Stop gracefully disconnects by publishing an "offline" availability
// message before closing the MQTT connection. The provided context
// controls how long to wait for the publish and disconnect to complete.
func (p *Publisher) Stop(ctx context.Context) error {
	p.mu.Lock()
	cm := p.cm
	p.mu.Unlock()
	if cm == nil {
		return nil
	}
	p.publishAvailability(ctx, cm, "offline")
	return cm.Disconnect(ctx)
}

// AwaitConnection blocks until the MQTT broker connection is
// established or ctx expires. Useful for connwatch health probes.
func (p *Publisher) AwaitConnection(ctx context.Context) error {
	p.mu.Lock()
	cm := p.cm
	p.mu.Unlock()
	if cm == nil {
		return fmt.Errorf("mqtt publisher not started")
	}
	return cm.AwaitConnection(ctx)
}

// Refresh republishes the availability message and every sensor state
// over the current broker connection. It does nothing before Start.
func (p *Publisher) Refresh(ctx context.Context) {
	c := p.currentClient()
	if c == nil {
		return
	}
	p.publishAvailability(ctx, c, "online")
	p.publishStates(ctx)
}

// --- Topic helpers ---

func (p *Publisher) baseTopic() string {
	return p.cfg.Topic()
}

func (p *Publisher) availabilityTopic() string {
	return p.baseTopic() + "/availability"
}

func (p *Publisher) eventsTopic() string {
	return p.baseTopic() + "/events"
}

func (p *Publisher) stateTopic(entity string) string {
	return p.baseTopic() + "/" + entity + "/state"
}

func (p *Publisher) attributesTopic(entity string) string {
	return p.baseTopic() + "/" + entity + "/attributes"
}

func (p *Publisher) discoveryTopic(component, entity string) string {
	return p.cfg.DiscoveryPrefix + "/" + component + "/" + p.cfg.DeviceName + "/" + entity + "/config"
}

// --- Discovery ---

type sensorDef struct {
	entitySuffix string
	config       SensorConfig
}

func (p *Publisher) sensor(entity, name, icon, category string) sensorDef {
	return sensorDef{
		entitySuffix: entity,
		config: SensorConfig{
			Name:              name,
			ObjectID:          entity,
			HasEntityName:     true,
			UniqueID:          p.instanceID + "_" + entity,
			StateTopic:        p.stateTopic(entity),
			AvailabilityTopic: p.availabilityTopic(),
			Device:            p.device,
			Icon:              icon,
			EntityCategory:    category,
		},
	}
}

func (p *Publisher) sensorDefinitions() []sensorDef {
	active := p.sensor("active_connection", "Active Connection", "mdi:lan-connect", "")
	active.config.JsonAttributesTopic = p.attributesTopic("active_connection")

	return []sensorDef{
		active,
		p.sensor("connection_state", "Connection State", "mdi:transit-connection-variant", ""),
		p.sensor("last_reason", "Last Reason", "mdi:message-alert-outline", "diagnostic"),
		p.sensor("active_ssid", "Active SSID", "mdi:wifi", ""),
		p.sensor("wifi_radio", "Wi-Fi Radio", "mdi:wifi-cog", ""),
		p.sensor("bus_status", "Bus Status", "mdi:bus-alert", "diagnostic"),
		p.sensor("uptime", "Uptime", "mdi:clock-outline", "diagnostic"),
		p.sensor("version", "Version", "mdi:tag", "diagnostic"),
	}
}

func (p *Publisher) publishDiscovery(ctx context.Context, c client) {
	for _, s := range p.sensorDefinitions() {
		topic := p.discoveryTopic("sensor", s.entitySuffix)
		payload, err := json.Marshal(s.config)
		if err != nil {
			p.logger.Error("mqtt marshal discovery payload",
				"entity", s.entitySuffix, "error", err)
			continue
		}

		if err := p.publish(ctx, c, topic, payload, 1, true); err != nil {
			p.logger.Warn("mqtt discovery publish failed",
				"entity", s.entitySuffix, "topic", topic, "error", err)
		} else {
			p.logger.Debug("mqtt discovery published",
				"entity", s.entitySuffix, "topic", topic)
		}
	}
}

func (p *Publisher) publishAvailability(ctx context.Context, c client, status string) {
	if err := p.publish(ctx, c, p.availabilityTopic(), []byte(status), 1, true); err != nil {
		p.logger.Warn("mqtt availability publish failed",
			"status", status, "error", err)
	} else {
		p.logger.Info("mqtt availability published", "status", status)
	}
}

// --- Event and state loop ---

func (p *Publisher) runLoop(ctx context.Context, sub <-chan events.Event) {
	interval := time.Duration(p.cfg.PublishIntervalSec) * time.Second
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-sub:
			if !ok {
				return
			}
			p.handleEvent(ctx, e)
		case <-ticker.C:
			p.publishStates(ctx)
		}
	}
}

// handleEvent forwards one event to the events topic and refreshes the
// sensor states it may have changed.
func (p *Publisher) handleEvent(ctx context.Context, e events.Event) {
	if e.State != nil {
		p.mu.Lock()
		p.lastReason = e.State.Reason.String()
		p.mu.Unlock()
	}

	c := p.currentClient()
	if c == nil {
		return
	}
	payload, err := json.Marshal(e)
	if err != nil {
		p.logger.Error("mqtt marshal event", "id", e.ID, "error", err)
		return
	}
	if err := p.publish(ctx, c, p.eventsTopic(), payload, 1, false); err != nil {
		p.logger.Debug("mqtt event publish failed",
			"id", e.ID, "kind", string(e.Kind), "error", err)
	}
	p.publishStates(ctx)
}

// states derives the sensor values from the current snapshot.
func (p *Publisher) states() map[string]string {
	p.mu.Lock()
	reason := p.lastReason
	p.mu.Unlock()

	states := map[string]string{
		"active_connection": "none",
		"connection_state":  "none",
		"last_reason":       reason,
		"active_ssid":       "none",
		"wifi_radio":        "unknown",
		"bus_status":        "disconnected",
		"uptime":            buildinfo.Uptime().String(),
		"version":           buildinfo.Version,
	}
	if p.source == nil {
		return states
	}

	snap := p.source.Snapshot()
	if snap.Connected {
		states["bus_status"] = "connected"
		states["wifi_radio"] = "off"
		if snap.WirelessEnabled {
			states["wifi_radio"] = "on"
		}
	}
	primary, ok := snap.Primary()
	if !ok {
		return states
	}
	states["active_connection"] = primary.ID
	states["connection_state"] = primary.State.String()
	for _, d := range snap.Devices {
		for _, dp := range primary.Devices {
			if d.Path == dp && d.AccessPoint != nil && d.AccessPoint.SSID != "" {
				states["active_ssid"] = d.AccessPoint.SSID
			}
		}
	}
	return states
}

func (p *Publisher) publishStates(ctx context.Context) {
	c := p.currentClient()
	if c == nil {
		return
	}

	states := p.states()
	for entity, value := range states {
		if err := p.publish(ctx, c, p.stateTopic(entity), []byte(value), 0, true); err != nil {
			p.logger.Debug("mqtt state publish failed",
				"entity", entity, "error", err)
		}
	}

	if attrs, ok := p.primaryAttributes(); ok {
		if err := p.publish(ctx, c, p.attributesTopic("active_connection"), attrs, 0, true); err != nil {
			p.logger.Debug("mqtt attributes publish failed", "error", err)
		}
	}

	p.logger.Debug("mqtt sensor states published",
		"entities", len(states))
}

// primaryAttributes encodes the primary connection as the attributes of
// the active_connection sensor.
func (p *Publisher) primaryAttributes() ([]byte, bool) {
	if p.source == nil {
		return nil, false
	}
	primary, ok := p.source.Snapshot().Primary()
	if !ok {
		return []byte("{}"), true
	}
	data, err := json.Marshal(primary)
	if err != nil {
		p.logger.Error("mqtt marshal attributes", "error", err)
		return nil, false
	}
	return data, true
}

func (p *Publisher) currentClient() client {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.client
}

func (p *Publisher) publish(ctx context.Context, c client, topic string, payload []byte, qos byte, retain bool) error {
	ctx, cancel := context.WithTimeout(ctx, publishTimeout)
	defer cancel()
	_, err := c.Publish(ctx, &paho.Publish{
		Topic:   topic,
		Payload: payload,
		QoS:     qos,
		Retain:  retain,
	})
	return err
}
