package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/godbus/dbus/v5"
	"github.com/gorilla/websocket"

	"github.com/bigsaltyfishes/nmwatch/internal/connwatch"
	"github.com/bigsaltyfishes/nmwatch/internal/events"
	"github.com/bigsaltyfishes/nmwatch/internal/nm"
	"github.com/bigsaltyfishes/nmwatch/internal/nm/nmtest"
	"github.com/bigsaltyfishes/nmwatch/internal/resolver"
	"github.com/bigsaltyfishes/nmwatch/internal/watcher"
)

const (
	wlan0 dbus.ObjectPath = "/org/freedesktop/NetworkManager/Devices/3"
	ap1   dbus.ObjectPath = "/org/freedesktop/NetworkManager/AccessPoint/1"
	ac1   dbus.ObjectPath = "/org/freedesktop/NetworkManager/ActiveConnection/1"
)

type staticState struct{ snap watcher.Snapshot }

func (s staticState) Snapshot() watcher.Snapshot { return s.snap }

type staticHealth map[string]connwatch.ServiceStatus

func (h staticHealth) Status() map[string]connwatch.ServiceStatus { return h }

// memHistory is an in-memory History, newest event last.
type memHistory struct {
	events []events.Event
	err    error
}

func (m *memHistory) Recent(_ context.Context, limit int) ([]events.Event, error) {
	if m.err != nil {
		return nil, m.err
	}
	var out []events.Event
	for i := len(m.events) - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, m.events[i])
	}
	return out, nil
}

func (m *memHistory) ForConnection(_ context.Context, path string, limit int) ([]events.Event, error) {
	var out []events.Event
	for i := len(m.events) - 1; i >= 0 && len(out) < limit; i-- {
		if m.events[i].ConnectionPath() == path {
			out = append(out, m.events[i])
		}
	}
	return out, nil
}

func testSnapshot() watcher.Snapshot {
	return watcher.Snapshot{
		Connected: true,
		Connections: []watcher.Connection{{
			ActiveConnection: nm.ActiveConnection{
				Path:    ac1,
				ID:      "home",
				Devices: []dbus.ObjectPath{wlan0},
				State:   nm.ActiveStateActivated,
			},
			Interface: "wlan0",
		}},
		Devices: []watcher.DeviceStatus{{
			Device: nm.Device{Path: wlan0, Interface: "wlan0", Type: nm.DeviceTypeWiFi, State: nm.DeviceStateActivated},
		}},
	}
}

func testInventory() *nmtest.Bus {
	b := nmtest.New()
	b.PutDevice(nm.Device{Path: wlan0, Interface: "wlan0", Type: nm.DeviceTypeWiFi, ActiveAccessPoint: ap1})
	b.PutAccessPoint(wlan0, nm.AccessPoint{Path: ap1, SSID: "home", BSSID: "aa:bb:cc:dd:ee:01", Strength: 66, RSNFlags: nm.SecKeyMgmtPSK})
	b.PutActiveConnection(nm.ActiveConnection{Path: ac1, ID: "home", Devices: []dbus.ObjectPath{wlan0}, SpecificObject: ap1, State: nm.ActiveStateActivated})
	return b
}

func newTestServer(t *testing.T) (*Server, *httptest.Server) {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	s := NewServer("127.0.0.1", 0, staticState{testSnapshot()}, resolver.New(testInventory(), logger), logger)
	ts := httptest.NewServer(s.Handler())
	t.Cleanup(func() {
		s.Shutdown(context.Background())
		ts.Close()
	})
	return s, ts
}

func getJSON(t *testing.T, url string, wantStatus int, v any) {
	t.Helper()
	resp, err := http.Get(url)
	if err != nil {
		t.Fatalf("GET %s: %v", url, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != wantStatus {
		body, _ := io.ReadAll(resp.Body)
		t.Fatalf("GET %s status = %d, want %d (body %s)", url, resp.StatusCode, wantStatus, body)
	}
	if ct := resp.Header.Get("Content-Type"); !strings.HasPrefix(ct, "application/json") {
		t.Errorf("Content-Type = %q", ct)
	}
	if v != nil {
		if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
			t.Fatalf("decode %s: %v", url, err)
		}
	}
}

func TestHealth(t *testing.T) {
	s, ts := newTestServer(t)
	s.SetHealth(staticHealth{
		"networkmanager": {Name: "networkmanager", Ready: true},
	})

	var got HealthResponse
	getJSON(t, ts.URL+"/health", http.StatusOK, &got)
	if got.Status != "healthy" || !got.Watching {
		t.Errorf("health = %+v", got)
	}
}

func TestHealth_Degraded(t *testing.T) {
	s, ts := newTestServer(t)
	s.SetHealth(staticHealth{
		"networkmanager": {Name: "networkmanager", Ready: true},
		"mqtt":           {Name: "mqtt", Ready: false, LastError: "connection refused"},
	})

	var got HealthResponse
	getJSON(t, ts.URL+"/health", http.StatusServiceUnavailable, &got)
	if got.Status != "degraded" {
		t.Errorf("status = %q, want degraded", got.Status)
	}
	if got.Services["mqtt"].LastError != "connection refused" {
		t.Errorf("services = %+v", got.Services)
	}
}

func TestVersion(t *testing.T) {
	_, ts := newTestServer(t)

	var got map[string]string
	getJSON(t, ts.URL+"/v1/version", http.StatusOK, &got)
	if got["version"] == "" || got["go_version"] == "" {
		t.Errorf("version = %v", got)
	}
}

func TestConnectionsAndDevices(t *testing.T) {
	_, ts := newTestServer(t)

	var conns struct {
		Connected   bool                 `json:"connected"`
		Connections []watcher.Connection `json:"connections"`
	}
	getJSON(t, ts.URL+"/v1/connections", http.StatusOK, &conns)
	if !conns.Connected || len(conns.Connections) != 1 || conns.Connections[0].ID != "home" {
		t.Errorf("connections = %+v", conns)
	}
	if conns.Connections[0].State != nm.ActiveStateActivated {
		t.Errorf("state = %v, want activated", conns.Connections[0].State)
	}

	var devs struct {
		Devices []watcher.DeviceStatus `json:"devices"`
	}
	getJSON(t, ts.URL+"/v1/devices", http.StatusOK, &devs)
	if len(devs.Devices) != 1 || devs.Devices[0].Interface != "wlan0" {
		t.Errorf("devices = %+v", devs)
	}
}

func TestResolve(t *testing.T) {
	_, ts := newTestServer(t)

	var got resolver.Result
	getJSON(t, ts.URL+"/v1/resolve?ssid=home", http.StatusOK, &got)
	if len(got.AccessPoints) != 1 || !got.AccessPoints[0].Active {
		t.Errorf("access points = %+v", got.AccessPoints)
	}
	if len(got.Selected) != 1 || got.Selected[0].Path != ac1 {
		t.Errorf("selected = %+v", got.Selected)
	}
}

func TestResolve_NoMatch(t *testing.T) {
	_, ts := newTestServer(t)

	var raw map[string]json.RawMessage
	getJSON(t, ts.URL+"/v1/resolve?ssid=elsewhere", http.StatusOK, &raw)
	for _, field := range []string{"access_points", "selected", "profiles"} {
		if got := string(raw[field]); got != "[]" {
			t.Errorf("%s = %s, want []", field, got)
		}
	}

	var got resolver.Result
	getJSON(t, ts.URL+"/v1/resolve?ssid=elsewhere", http.StatusOK, &got)
	if !got.Empty() {
		t.Errorf("result = %+v, want empty", got)
	}
}

func TestResolve_MissingSSID(t *testing.T) {
	_, ts := newTestServer(t)
	getJSON(t, ts.URL+"/v1/resolve", http.StatusBadRequest, nil)
}

func TestNetworks(t *testing.T) {
	_, ts := newTestServer(t)

	var got struct {
		Networks []resolver.Network `json:"networks"`
	}
	getJSON(t, ts.URL+"/v1/networks", http.StatusOK, &got)
	if len(got.Networks) != 1 || got.Networks[0].SSID != "home" || got.Networks[0].Security != nm.SecurityWPA {
		t.Errorf("networks = %+v", got.Networks)
	}
}

func TestEvents(t *testing.T) {
	s, ts := newTestServer(t)

	// Disabled until a history is attached.
	getJSON(t, ts.URL+"/v1/events", http.StatusServiceUnavailable, nil)

	mine := events.NewEvent(events.KindConnectionStateChanged)
	mine.State = &events.StateChangeEvent{Connection: string(ac1), Current: nm.ActiveStateActivated}
	other := events.NewEvent(events.KindConnectionRemoved)
	other.Connection = &events.ConnectionEvent{Connection: "/org/freedesktop/NetworkManager/ActiveConnection/9"}
	s.SetHistory(&memHistory{events: []events.Event{mine, other}})

	var got struct {
		Events []events.Event `json:"events"`
	}
	getJSON(t, ts.URL+"/v1/events?limit=1", http.StatusOK, &got)
	if len(got.Events) != 1 || got.Events[0].ID != other.ID {
		t.Errorf("limited events = %+v", got.Events)
	}

	getJSON(t, ts.URL+"/v1/events?connection="+string(ac1), http.StatusOK, &got)
	if len(got.Events) != 1 || got.Events[0].ID != mine.ID {
		t.Errorf("connection events = %+v", got.Events)
	}

	getJSON(t, ts.URL+"/v1/events?limit=zero", http.StatusBadRequest, nil)
}

func TestEvents_StoreError(t *testing.T) {
	s, ts := newTestServer(t)
	s.SetHistory(&memHistory{err: errors.New("disk on fire")})
	getJSON(t, ts.URL+"/v1/events", http.StatusInternalServerError, nil)
}

func TestEventStream(t *testing.T) {
	s, ts := newTestServer(t)
	bus := events.New()
	s.SetEventBus(bus)

	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/v1/events/stream"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	deadline := time.Now().Add(2 * time.Second)
	for bus.SubscriberCount() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("stream never subscribed")
		}
		time.Sleep(5 * time.Millisecond)
	}

	e := events.NewEvent(events.KindBusReconnected)
	e.Bus = &events.BusEvent{Attempts: 3}
	bus.Publish(e)

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var got events.Event
	if err := conn.ReadJSON(&got); err != nil {
		t.Fatalf("read: %v", err)
	}
	if got.ID != e.ID || got.Bus == nil || got.Bus.Attempts != 3 {
		t.Errorf("streamed event = %+v", got)
	}

	// Shutdown sends a close frame to open streams.
	s.Shutdown(context.Background())
	if _, _, err := conn.ReadMessage(); !websocket.IsCloseError(err, websocket.CloseGoingAway) {
		t.Errorf("after shutdown read err = %v, want going-away close", err)
	}
}

func TestEventStream_Disabled(t *testing.T) {
	_, ts := newTestServer(t)
	getJSON(t, ts.URL+"/v1/events/stream", http.StatusServiceUnavailable, nil)
}
