package events

import (
	"encoding/json"
	"strings"
	"testing"

	"github.com/bigsaltyfishes/nmwatch/internal/nm"
)

func TestNewEvent(t *testing.T) {
	t.Parallel()

	a := NewEvent(KindDeviceAdded)
	b := NewEvent(KindDeviceAdded)
	if a.ID == "" || a.ID == b.ID {
		t.Errorf("IDs %q and %q should be distinct and non-empty", a.ID, b.ID)
	}
	if a.Timestamp.IsZero() {
		t.Error("Timestamp not set")
	}
	// UUIDv7 IDs sort by creation time.
	if strings.Compare(a.ID, b.ID) > 0 {
		t.Errorf("IDs out of order: %s > %s", a.ID, b.ID)
	}
}

func TestEventPaths(t *testing.T) {
	t.Parallel()

	e := NewEvent(KindConnectionStateChanged)
	e.State = &StateChangeEvent{Connection: "/ac/1", Device: "/dev/1"}
	if e.ConnectionPath() != "/ac/1" || e.DevicePath() != "/dev/1" {
		t.Errorf("paths = %q, %q", e.ConnectionPath(), e.DevicePath())
	}

	e = NewEvent(KindDeviceRemoved)
	e.Device = &DeviceEvent{Device: "/dev/2"}
	if e.ConnectionPath() != "" || e.DevicePath() != "/dev/2" {
		t.Errorf("paths = %q, %q", e.ConnectionPath(), e.DevicePath())
	}
}

func TestEventJSON(t *testing.T) {
	t.Parallel()

	e := NewEvent(KindConnectionStateChanged)
	e.State = &StateChangeEvent{
		Connection: "/ac/1",
		ID:         "Home",
		Previous:   nm.ActiveStateActivated,
		Current:    nm.ActiveStateDeactivating,
		Reason:     nm.ReasonUserDisconnected,
		RawReason:  2,
	}

	b, err := json.Marshal(e)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	for _, want := range []string{
		`"kind":"connection_state_changed"`,
		`"previous":"activated"`,
		`"current":"deactivating"`,
		`"reason":"user-disconnected"`,
	} {
		if !strings.Contains(string(b), want) {
			t.Errorf("JSON %s missing %s", b, want)
		}
	}
	if strings.Contains(string(b), `"device":{`) {
		t.Errorf("JSON %s should omit unset payloads", b)
	}

	var back Event
	if err := json.Unmarshal(b, &back); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if back.State == nil || back.State.Reason != nm.ReasonUserDisconnected {
		t.Errorf("round trip state = %+v", back.State)
	}
}

func TestLogAttrs(t *testing.T) {
	t.Parallel()

	e := NewEvent(KindActiveAccessPointChanged)
	e.AccessPoint = &AccessPointEvent{
		Device:      "/dev/1",
		Interface:   "wlan0",
		AccessPoint: &nm.AccessPoint{SSID: "home", Strength: 70},
	}
	attrs := e.LogAttrs()
	if len(attrs)%2 != 0 {
		t.Fatalf("LogAttrs has odd length %d", len(attrs))
	}
	got := map[string]any{}
	for i := 0; i < len(attrs); i += 2 {
		got[attrs[i].(string)] = attrs[i+1]
	}
	if got["ssid"] != "home" || got["interface"] != "wlan0" {
		t.Errorf("LogAttrs = %v", got)
	}
}

func TestScanAndRadioEvents(t *testing.T) {
	t.Parallel()

	scan := NewEvent(KindAccessPointScan)
	scan.Scan = &ScanEvent{
		Device:    "/dev/3",
		Interface: "wlan0",
		Networks:  []nm.NetworkGroup{{SSID: "home", Security: nm.SecurityWPA, Strength: 70, AccessPoints: 2}},
	}
	if scan.DevicePath() != "/dev/3" || scan.ConnectionPath() != "" {
		t.Errorf("paths = %q, %q", scan.DevicePath(), scan.ConnectionPath())
	}
	b, err := json.Marshal(scan)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	for _, want := range []string{`"kind":"access_point_scan"`, `"security":"wpa-psk"`, `"access_points":2`} {
		if !strings.Contains(string(b), want) {
			t.Errorf("JSON %s missing %s", b, want)
		}
	}

	radio := NewEvent(KindWirelessEnabledChanged)
	radio.Radio = &RadioEvent{Enabled: false}
	attrs := radio.LogAttrs()
	if len(attrs) != 4 || attrs[2] != "enabled" || attrs[3] != false {
		t.Errorf("LogAttrs = %v", attrs)
	}
	if radio.DevicePath() != "" {
		t.Errorf("radio DevicePath = %q, want empty", radio.DevicePath())
	}
}
