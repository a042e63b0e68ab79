package mqtt

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/droscy/thermod-monitor-mqtt/internal/config"
)

func TestLoadOrCreateInstanceID_CreatesFile(t *testing.T) {
	dir := t.TempDir()

	id, err := LoadOrCreateInstanceID(dir)
	if err != nil {
		t.Fatalf("LoadOrCreateInstanceID() error = %v", err)
	}
	if id == "" {
		t.Fatal("LoadOrCreateInstanceID() returned empty string")
	}

	// Verify the file was written.
	data, err := os.ReadFile(filepath.Join(dir, "monitor_id"))
	if err != nil {
		t.Fatalf("ReadFile() error = %v", err)
	}
	if got := strings.TrimSpace(string(data)); got != id {
		t.Errorf("file content = %q, want %q", got, id)
	}
}

func TestLoadOrCreateInstanceID_BlankFileRegenerates(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "monitor_id"), []byte("  \n"), 0600); err != nil {
		t.Fatal(err)
	}

	id, err := LoadOrCreateInstanceID(dir)
	if err != nil {
		t.Fatalf("LoadOrCreateInstanceID() error = %v", err)
	}
	if id == "" {
		t.Fatal("blank identity file should yield a fresh instance ID")
	}

	data, err := os.ReadFile(filepath.Join(dir, "monitor_id"))
	if err != nil {
		t.Fatalf("ReadFile() error = %v", err)
	}
	if got := strings.TrimSpace(string(data)); got != id {
		t.Errorf("file content = %q, want %q", got, id)
	}
}

func TestLoadOrCreateInstanceID_ReturnsExisting(t *testing.T) {
	dir := t.TempDir()

	first, err := LoadOrCreateInstanceID(dir)
	if err != nil {
		t.Fatalf("first call error = %v", err)
	}

	second, err := LoadOrCreateInstanceID(dir)
	if err != nil {
		t.Fatalf("second call error = %v", err)
	}
	if second != first {
		t.Errorf("second = %q, want %q (should be stable)", second, first)
	}
}

func TestPublisher_TopicPaths(t *testing.T) {
	cfg := config.MQTTConfig{
		Broker:          "mqtt://localhost:1883",
		DeviceName:      "cellar",
		DiscoveryPrefix: "homeassistant",
	}
	p := New(cfg, "test-id", nil)

	tests := []struct {
		name string
		got  string
		want string
	}{
		{"baseTopic", p.baseTopic(), "thermod/cellar"},
		{"availabilityTopic", p.availabilityTopic(), "thermod/cellar/availability"},
		{"stateTopic temperature", p.stateTopic("temperature"), "thermod/cellar/temperature/state"},
		{"attributesTopic", p.attributesTopic(), "thermod/cellar/attributes"},
		{"discoveryTopic sensor", p.discoveryTopic("sensor", "temperature"), "homeassistant/sensor/cellar/temperature/config"},
		{"discoveryTopic binary_sensor", p.discoveryTopic("binary_sensor", "heating"), "homeassistant/binary_sensor/cellar/heating/config"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.got != tt.want {
				t.Errorf("got %q, want %q", tt.got, tt.want)
			}
		})
	}
}

func TestPublisher_EntityDefinitions(t *testing.T) {
	cfg := config.MQTTConfig{
		Broker:          "mqtt://localhost:1883",
		DeviceName:      "cellar",
		DiscoveryPrefix: "homeassistant",
	}
	p := New(cfg, "instance-123", nil)

	defs := p.entityDefinitions()

	expected := map[string]string{
		"temperature":        "sensor",
		"target_temperature": "sensor",
		"status":             "sensor",
		"heating":            "binary_sensor",
		"monitor_version":    "sensor",
	}

	if len(defs) != len(expected) {
		t.Fatalf("got %d entity definitions, want %d", len(defs), len(expected))
	}

	seen := make(map[string]bool)
	for _, d := range defs {
		seen[d.entitySuffix] = true

		if want, ok := expected[d.entitySuffix]; !ok {
			t.Errorf("unexpected entity %q", d.entitySuffix)
		} else if d.component != want {
			t.Errorf("entity %s: component = %q, want %q", d.entitySuffix, d.component, want)
		}

		// Sensor Name must NOT contain the device name: HA would derive
		// double-prefixed entity IDs like sensor.cellar_cellar_temperature.
		if strings.Contains(d.config.Name, cfg.DeviceName) {
			t.Errorf("entity %s: Name %q contains device name %q",
				d.entitySuffix, d.config.Name, cfg.DeviceName)
		}

		if !d.config.HasEntityName {
			t.Errorf("entity %s: HasEntityName = false, want true", d.entitySuffix)
		}
		if d.config.ObjectID != d.entitySuffix {
			t.Errorf("entity %s: ObjectID = %q, want %q",
				d.entitySuffix, d.config.ObjectID, d.entitySuffix)
		}
		if !strings.HasPrefix(d.config.UniqueID, "instance-123_") {
			t.Errorf("entity %s: UniqueID = %q, should start with %q",
				d.entitySuffix, d.config.UniqueID, "instance-123_")
		}
		if want := "thermod/cellar/availability"; d.config.AvailabilityTopic != want {
			t.Errorf("entity %s: AvailabilityTopic = %q, want %q",
				d.entitySuffix, d.config.AvailabilityTopic, want)
		}
		if len(d.config.Device.Identifiers) == 0 {
			t.Errorf("entity %s: Device.Identifiers is empty", d.entitySuffix)
		}
	}

	for name := range expected {
		if !seen[name] {
			t.Errorf("missing entity definition for %q", name)
		}
	}
}

func TestPublisher_HeatingBinarySensorPayloads(t *testing.T) {
	cfg := config.MQTTConfig{
		Broker:          "mqtt://localhost:1883",
		DeviceName:      "cellar",
		DiscoveryPrefix: "homeassistant",
	}
	p := New(cfg, "instance-123", nil)

	for _, d := range p.entityDefinitions() {
		if d.entitySuffix != "heating" {
			continue
		}
		if d.config.PayloadOn != "on" || d.config.PayloadOff != "off" {
			t.Errorf("heating payloads = %q/%q, want on/off",
				d.config.PayloadOn, d.config.PayloadOff)
		}
		if d.config.DeviceClass != "heat" {
			t.Errorf("heating device_class = %q, want heat", d.config.DeviceClass)
		}
		return
	}
	t.Fatal("heating entity not found")
}

func TestSensorConfig_OmitsEmptyPayloads(t *testing.T) {
	cfg := SensorConfig{
		Name:              "Temperature",
		UniqueID:          "id_temperature",
		StateTopic:        "thermod/x/temperature/state",
		AvailabilityTopic: "thermod/x/availability",
		Device:            DeviceInfo{Identifiers: []string{"id"}, Name: "x"},
	}
	data, err := json.Marshal(cfg)
	if err != nil {
		t.Fatalf("Marshal error: %v", err)
	}
	for _, key := range []string{"payload_on", "payload_off", "device_class", "json_attributes_topic"} {
		if strings.Contains(string(data), `"`+key+`"`) {
			t.Errorf("%s should be omitted when empty:\n%s", key, data)
		}
	}
}

func TestNewDeviceInfo(t *testing.T) {
	info := NewDeviceInfo("test-instance-id", "cellar")
	if info.Name != "cellar" {
		t.Errorf("Name = %q, want %q", info.Name, "cellar")
	}
	if len(info.Identifiers) != 1 || info.Identifiers[0] != "test-instance-id" {
		t.Errorf("Identifiers = %v, want [test-instance-id]", info.Identifiers)
	}
	if info.Manufacturer != "Thermod" {
		t.Errorf("Manufacturer = %q, want %q", info.Manufacturer, "Thermod")
	}
}

func TestPublishStatus_NotStarted(t *testing.T) {
	p := New(config.MQTTConfig{Broker: "mqtt://localhost", DeviceName: "x"}, "id", nil)
	if err := p.PublishStatus(context.Background(), nil); err == nil {
		t.Error("PublishStatus before Start should error")
	}
}

func TestPublisher_ConnectionOutlivesStartContext(t *testing.T) {
	// Port 1 refuses connections, so the manager just retries in the
	// background; the test only cares about its lifetime.
	p := New(config.MQTTConfig{Broker: "mqtt://127.0.0.1:1", DeviceName: "x"}, "id", nil)

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	if err := p.Start(ctx); err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	// The caller's ctx ending must not tear the connection down: if it
	// did, the clean teardown would race Stop's "offline" farewell and
	// could suppress the will message while retained state says online.
	<-ctx.Done()
	select {
	case <-p.cm.Done():
		t.Fatal("connection ended with the caller's context; shutdown must be driven by Stop")
	case <-time.After(50 * time.Millisecond):
	}

	stopCtx, stopCancel := context.WithTimeout(context.Background(), 250*time.Millisecond)
	defer stopCancel()
	p.Stop(stopCtx) // offline publish fails against the dead broker; lifetime is the point

	select {
	case <-p.cm.Done():
	case <-time.After(2 * time.Second):
		t.Error("Stop() did not end the connection")
	}
}
