package mqtt

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/eclipse/paho.golang/autopaho"
	"github.com/eclipse/paho.golang/paho"

	"github.com/droscy/thermod-monitor-mqtt/internal/buildinfo"
	"github.com/droscy/thermod-monitor-mqtt/internal/config"
	"github.com/droscy/thermod-monitor-mqtt/internal/thermod"
)

// Publisher manages the MQTT connection and pushes Thermod status
// updates to the broker. On every (re-)connect it publishes HA
// discovery config messages, a birth message, and the last known
// status.
type Publisher struct {
	cfg        config.MQTTConfig
	instanceID string
	device     DeviceInfo
	logger     *slog.Logger
	cm         *autopaho.ConnectionManager
	connCancel context.CancelFunc

	mu         sync.Mutex
	lastStatus *thermod.Status
}

// New creates a Publisher but does not connect. Call [Publisher.Start]
// to begin the connection.
func New(cfg config.MQTTConfig, instanceID string, logger *slog.Logger) *Publisher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Publisher{
		cfg:        cfg,
		instanceID: instanceID,
		device:     NewDeviceInfo(instanceID, cfg.DeviceName),
		logger:     logger,
	}
}

// Start connects to the MQTT broker. It returns once the connection
// manager is running; autopaho keeps retrying in the background if the
// broker is not reachable yet. ctx bounds only the initial connection
// wait; the connection itself lives until [Publisher.Stop], so the
// retained "offline" farewell goes out before the clean DISCONNECT
// (which suppresses the will message).
func (p *Publisher) Start(ctx context.Context) error {
	brokerURL, err := url.Parse(p.cfg.Broker)
	if err != nil {
		return fmt.Errorf("parse mqtt broker URL: %w", err)
	}

	connCtx, connCancel := context.WithCancel(context.Background())
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
			p.publishDiscovery(connCtx, cm)
			p.publishAvailability(connCtx, cm, "online")

			// Re-publish the last known status so a broker restart
			// does not leave subscribers with stale retained state.
			p.mu.Lock()
			last := p.lastStatus
			p.mu.Unlock()
			if last != nil {
				p.publishStatusTo(connCtx, cm, last)
			}
		},
		OnConnectError: func(err error) {
			p.logger.Warn("mqtt connection error", "error", err)
		},
		ClientConfig: paho.ClientConfig{
			ClientID: "thermod-monitor-" + p.cfg.DeviceName,
		},
	}

	// Enable TLS for mqtts:// or ssl:// schemes.
	if brokerURL.Scheme == "mqtts" || brokerURL.Scheme == "ssl" {
		pahoCfg.TlsCfg = &tls.Config{
			MinVersion:         tls.VersionTLS12,
			InsecureSkipVerify: p.cfg.TLSInsecureSkipVerify, //nolint:gosec // explicit opt-in
		}
	}

	cm, err := autopaho.NewConnection(connCtx, pahoCfg)
	if err != nil {
		connCancel()
		return fmt.Errorf("mqtt connect: %w", err)
	}
	p.cm = cm
	p.connCancel = connCancel

	// Wait briefly for the initial connection so startup logs reflect
	// reality, but don't fail — autopaho keeps retrying in the background.
	awaitCtx, awaitCancel := context.WithTimeout(ctx, 30*time.Second)
	defer awaitCancel()
	if err := cm.AwaitConnection(awaitCtx); err != nil {
		p.logger.Warn("mqtt initial connection timed out, will retry in background", "error", err)
	}

	return nil
}

// Stop gracefully disconnects by publishing an "offline" availability
// message before closing the MQTT connection. The provided context
// controls how long to wait for the publish and disconnect to complete.
func (p *Publisher) Stop(ctx context.Context) error {
	if p.cm == nil {
		return nil
	}
	defer p.connCancel()
	p.publishAvailability(ctx, p.cm, "offline")
	return p.cm.Disconnect(ctx)
}

// AwaitConnection blocks until the MQTT broker connection is
// established or ctx expires. Useful for connwatch health probes.
func (p *Publisher) AwaitConnection(ctx context.Context) error {
	if p.cm == nil {
		return fmt.Errorf("mqtt publisher not started")
	}
	return p.cm.AwaitConnection(ctx)
}

// Device returns the HA device block shared by all entities.
func (p *Publisher) Device() DeviceInfo {
	return p.device
}

// --- Topic helpers ---

func (p *Publisher) baseTopic() string {
	return "thermod/" + p.cfg.DeviceName
}

func (p *Publisher) availabilityTopic() string {
	return p.baseTopic() + "/availability"
}

func (p *Publisher) stateTopic(entity string) string {
	return p.baseTopic() + "/" + entity + "/state"
}

func (p *Publisher) attributesTopic() string {
	return p.baseTopic() + "/attributes"
}

func (p *Publisher) discoveryTopic(component, entity string) string {
	return p.cfg.DiscoveryPrefix + "/" + component + "/" + p.cfg.DeviceName + "/" + entity + "/config"
}

// --- Discovery ---

type entityDef struct {
	component    string // "sensor" or "binary_sensor"
	entitySuffix string
	config       SensorConfig
}

func (p *Publisher) entityDefinitions() []entityDef {
	avail := p.availabilityTopic()
	attrs := p.attributesTopic()
	return []entityDef{
		{
			component:    "sensor",
			entitySuffix: "temperature",
			config: SensorConfig{
				Name:                "Temperature",
				ObjectID:            "temperature",
				HasEntityName:       true,
				UniqueID:            p.instanceID + "_temperature",
				StateTopic:          p.stateTopic("temperature"),
				AvailabilityTopic:   avail,
				JsonAttributesTopic: attrs,
				Device:              p.device,
				DeviceClass:         "temperature",
				UnitOfMeasurement:   "°C",
				StateClass:          "measurement",
			},
		},
		{
			component:    "sensor",
			entitySuffix: "target_temperature",
			config: SensorConfig{
				Name:              "Target Temperature",
				ObjectID:          "target_temperature",
				HasEntityName:     true,
				UniqueID:          p.instanceID + "_target_temperature",
				StateTopic:        p.stateTopic("target_temperature"),
				AvailabilityTopic: avail,
				Device:            p.device,
				DeviceClass:       "temperature",
				UnitOfMeasurement: "°C",
			},
		},
		{
			component:    "sensor",
			entitySuffix: "status",
			config: SensorConfig{
				Name:              "Status",
				ObjectID:          "status",
				HasEntityName:     true,
				UniqueID:          p.instanceID + "_status",
				StateTopic:        p.stateTopic("status"),
				AvailabilityTopic: avail,
				Device:            p.device,
				Icon:              "mdi:thermostat",
			},
		},
		{
			component:    "binary_sensor",
			entitySuffix: "heating",
			config: SensorConfig{
				Name:              "Heating",
				ObjectID:          "heating",
				HasEntityName:     true,
				UniqueID:          p.instanceID + "_heating",
				StateTopic:        p.stateTopic("heating"),
				AvailabilityTopic: avail,
				Device:            p.device,
				DeviceClass:       "heat",
				PayloadOn:         "on",
				PayloadOff:        "off",
			},
		},
		{
			component:    "sensor",
			entitySuffix: "monitor_version",
			config: SensorConfig{
				Name:              "Monitor Version",
				ObjectID:          "monitor_version",
				HasEntityName:     true,
				UniqueID:          p.instanceID + "_monitor_version",
				StateTopic:        p.stateTopic("monitor_version"),
				AvailabilityTopic: avail,
				Device:            p.device,
				Icon:              "mdi:tag",
				EntityCategory:    "diagnostic",
			},
		},
	}
}

func (p *Publisher) publishDiscovery(ctx context.Context, cm *autopaho.ConnectionManager) {
	for _, e := range p.entityDefinitions() {
		topic := p.discoveryTopic(e.component, e.entitySuffix)
		payload, err := json.Marshal(e.config)
		if err != nil {
			p.logger.Error("mqtt marshal discovery payload",
				"entity", e.entitySuffix, "error", err)
			continue
		}

		if _, err := cm.Publish(ctx, &paho.Publish{
			Topic:   topic,
			Payload: payload,
			QoS:     1,
			Retain:  true,
		}); err != nil {
			p.logger.Warn("mqtt discovery publish failed",
				"entity", e.entitySuffix, "topic", topic, "error", err)
		} else {
			p.logger.Debug("mqtt discovery published",
				"entity", e.entitySuffix, "topic", topic)
		}
	}

	// Version never changes at runtime; publish it once per connect.
	if _, err := cm.Publish(ctx, &paho.Publish{
		Topic:   p.stateTopic("monitor_version"),
		Payload: []byte(buildinfo.Version),
		QoS:     1,
		Retain:  true,
	}); err != nil {
		p.logger.Warn("mqtt version publish failed", "error", err)
	}
}

func (p *Publisher) publishAvailability(ctx context.Context, cm *autopaho.ConnectionManager, status string) {
	if _, err := cm.Publish(ctx, &paho.Publish{
		Topic:   p.availabilityTopic(),
		Payload: []byte(status),
		QoS:     1,
		Retain:  true,
	}); err != nil {
		p.logger.Warn("mqtt availability publish failed",
			"status", status, "error", err)
	} else {
		p.logger.Info("mqtt availability published", "status", status)
	}
}

// --- Status publishing ---

// PublishStatus pushes one Thermod status document to all state topics
// plus the JSON attributes topic. The status is remembered so it can be
// re-published on reconnect.
func (p *Publisher) PublishStatus(ctx context.Context, st *thermod.Status) error {
	if p.cm == nil {
		return fmt.Errorf("mqtt publisher not started")
	}

	p.mu.Lock()
	p.lastStatus = st
	p.mu.Unlock()

	return p.publishStatusTo(ctx, p.cm, st)
}

func (p *Publisher) publishStatusTo(ctx context.Context, cm *autopaho.ConnectionManager, st *thermod.Status) error {
	heating := "off"
	if st.Heating() {
		heating = "on"
	}

	states := map[string]string{
		"temperature":        strconv.FormatFloat(st.CurrentTemperature, 'f', -1, 64),
		"target_temperature": strconv.FormatFloat(st.TargetTemperature, 'f', -1, 64),
		"status":             st.Status,
		"heating":            heating,
	}

	var firstErr error
	for entity, value := range states {
		if _, err := cm.Publish(ctx, &paho.Publish{
			Topic:   p.stateTopic(entity),
			Payload: []byte(value),
			QoS:     byte(p.cfg.QoS),
			Retain:  true,
		}); err != nil {
			if firstErr == nil {
				firstErr = fmt.Errorf("publish %s: %w", entity, err)
			}
			p.logger.Debug("mqtt state publish failed",
				"entity", entity, "error", err)
		}
	}

	// Full status document as JSON attributes for the temperature entity.
	attrs, err := json.Marshal(st)
	if err == nil {
		if _, err := cm.Publish(ctx, &paho.Publish{
			Topic:   p.attributesTopic(),
			Payload: attrs,
			QoS:     byte(p.cfg.QoS),
			Retain:  true,
		}); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("publish attributes: %w", err)
		}
	}

	if firstErr == nil {
		p.logger.Debug("mqtt status published",
			"status", st.Status,
			"temperature", st.CurrentTemperature,
			"heating", heating,
		)
	}
	return firstErr
}
