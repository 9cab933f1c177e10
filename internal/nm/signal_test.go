package nm

import (
	"errors"
	"fmt"
	"testing"

	"github.com/godbus/dbus/v5"
	"github.com/google/go-cmp/cmp"
)

func TestDecodeSignals(t *testing.T) {
	t.Parallel()

	acPath := dbus.ObjectPath("/org/freedesktop/NetworkManager/ActiveConnection/7")
	devPath := dbus.ObjectPath("/org/freedesktop/NetworkManager/Devices/3")
	apPath := dbus.ObjectPath("/org/freedesktop/NetworkManager/AccessPoint/12")

	tests := []struct {
		name   string
		raw    *dbus.Signal
		ok     bool
		check  func(t *testing.T, s Signal)
		wantTy SignalKind
	}{
		{
			name:   "active connection state",
			raw:    &dbus.Signal{Path: acPath, Name: ifaceActive + ".StateChanged", Body: []any{uint32(2), uint32(1)}},
			ok:     true,
			wantTy: SignalConnectionStateChanged,
			check: func(t *testing.T, s Signal) {
				if s.Path != acPath || s.State != 2 || s.Reason != 1 {
					t.Errorf("decoded %+v", s)
				}
			},
		},
		{
			name:   "device state",
			raw:    &dbus.Signal{Path: devPath, Name: ifaceDevice + ".StateChanged", Body: []any{uint32(100), uint32(90), uint32(0)}},
			ok:     true,
			wantTy: SignalDeviceStateChanged,
			check: func(t *testing.T, s Signal) {
				if s.State != 100 || s.OldState != 90 {
					t.Errorf("decoded %+v", s)
				}
			},
		},
		{
			name:   "device added",
			raw:    &dbus.Signal{Path: rootPath, Name: ifaceNM + ".DeviceAdded", Body: []any{devPath}},
			ok:     true,
			wantTy: SignalDeviceAdded,
			check: func(t *testing.T, s Signal) {
				if s.Object != devPath {
					t.Errorf("Object = %v", s.Object)
				}
			},
		},
		{
			name:   "device removed",
			raw:    &dbus.Signal{Path: rootPath, Name: ifaceNM + ".DeviceRemoved", Body: []any{devPath}},
			ok:     true,
			wantTy: SignalDeviceRemoved,
		},
		{
			name: "active connections property",
			raw: &dbus.Signal{Path: rootPath, Name: ifaceProps + ".PropertiesChanged", Body: []any{
				ifaceNM,
				map[string]dbus.Variant{"ActiveConnections": dbus.MakeVariant([]dbus.ObjectPath{acPath})},
				[]string{},
			}},
			ok:     true,
			wantTy: SignalActiveConnectionsChanged,
			check: func(t *testing.T, s Signal) {
				if len(s.Objects) != 1 || s.Objects[0] != acPath {
					t.Errorf("Objects = %v", s.Objects)
				}
			},
		},
		{
			name: "active access point property",
			raw: &dbus.Signal{Path: devPath, Name: ifaceProps + ".PropertiesChanged", Body: []any{
				ifaceWireless,
				map[string]dbus.Variant{"ActiveAccessPoint": dbus.MakeVariant(apPath)},
				[]string{},
			}},
			ok:     true,
			wantTy: SignalActiveAccessPointChanged,
			check: func(t *testing.T, s Signal) {
				if s.Path != devPath || s.Object != apPath {
					t.Errorf("decoded %+v", s)
				}
			},
		},
		{
			name: "wireless radio switch",
			raw: &dbus.Signal{Path: rootPath, Name: ifaceProps + ".PropertiesChanged", Body: []any{
				ifaceNM,
				map[string]dbus.Variant{"WirelessEnabled": dbus.MakeVariant(false)},
				[]string{},
			}},
			ok:     true,
			wantTy: SignalWirelessEnabledChanged,
			check: func(t *testing.T, s Signal) {
				if s.Enabled {
					t.Errorf("Enabled = true, want false")
				}
			},
		},
		{
			name: "access point list",
			raw: &dbus.Signal{Path: devPath, Name: ifaceProps + ".PropertiesChanged", Body: []any{
				ifaceWireless,
				map[string]dbus.Variant{"AccessPoints": dbus.MakeVariant([]dbus.ObjectPath{apPath})},
				[]string{},
			}},
			ok:     true,
			wantTy: SignalAccessPointsChanged,
			check: func(t *testing.T, s Signal) {
				if s.Path != devPath || len(s.Objects) != 1 || s.Objects[0] != apPath {
					t.Errorf("decoded %+v", s)
				}
			},
		},
		{
			name: "wireless radio wrong type",
			raw: &dbus.Signal{Path: rootPath, Name: ifaceProps + ".PropertiesChanged", Body: []any{
				ifaceNM,
				map[string]dbus.Variant{"WirelessEnabled": dbus.MakeVariant("yes")},
				[]string{},
			}},
			ok: false,
		},
		{
			name: "irrelevant property",
			raw: &dbus.Signal{Path: apPath, Name: ifaceProps + ".PropertiesChanged", Body: []any{
				ifaceAccessPoint,
				map[string]dbus.Variant{"Strength": dbus.MakeVariant(byte(40))},
				[]string{},
			}},
			ok: false,
		},
		{
			name:   "interfaces removed",
			raw:    &dbus.Signal{Path: "/org/freedesktop", Name: ifaceObjectManager + ".InterfacesRemoved", Body: []any{acPath, []string{ifaceActive}}},
			ok:     true,
			wantTy: SignalObjectRemoved,
			check: func(t *testing.T, s Signal) {
				if !s.RemovesActiveConnection() || s.Object != acPath {
					t.Errorf("decoded %+v", s)
				}
			},
		},
		{
			name:   "service vanished",
			raw:    &dbus.Signal{Path: "/org/freedesktop/DBus", Name: dbusIface + ".NameOwnerChanged", Body: []any{busName, ":1.5", ""}},
			ok:     true,
			wantTy: SignalServiceOwnerChanged,
			check: func(t *testing.T, s Signal) {
				if s.Owner != "" {
					t.Errorf("Owner = %q, want empty", s.Owner)
				}
			},
		},
		{
			name: "other name owner",
			raw:  &dbus.Signal{Path: "/org/freedesktop/DBus", Name: dbusIface + ".NameOwnerChanged", Body: []any{"org.bluez", "", ":1.9"}},
			ok:   false,
		},
		{
			name: "malformed body",
			raw:  &dbus.Signal{Path: acPath, Name: ifaceActive + ".StateChanged", Body: []any{"activated"}},
			ok:   false,
		},
		{
			name: "short body",
			raw:  &dbus.Signal{Path: acPath, Name: ifaceActive + ".StateChanged", Body: []any{uint32(2)}},
			ok:   false,
		},
		{
			name: "unrelated",
			raw:  &dbus.Signal{Path: "/", Name: "org.freedesktop.DBus.NameAcquired", Body: []any{":1.42"}},
			ok:   false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := DecodeSignals(tt.raw)
			if ok := len(got) > 0; ok != tt.ok {
				t.Fatalf("DecodeSignals = %+v, want ok %v", got, tt.ok)
			}
			if !tt.ok {
				return
			}
			if len(got) != 1 {
				t.Fatalf("DecodeSignals returned %d signals, want 1", len(got))
			}
			s := got[0]
			if s.Kind != tt.wantTy {
				t.Errorf("Kind = %v, want %v", s.Kind, tt.wantTy)
			}
			if tt.check != nil {
				tt.check(t, s)
			}
		})
	}
}

func TestDecodeSignals_Nil(t *testing.T) {
	t.Parallel()
	if got := DecodeSignals(nil); len(got) != 0 {
		t.Errorf("DecodeSignals(nil) = %+v, want none", got)
	}
}

func TestDecodeSignals_SeveralProperties(t *testing.T) {
	t.Parallel()

	acPath := dbus.ObjectPath("/org/freedesktop/NetworkManager/ActiveConnection/7")
	raw := &dbus.Signal{Path: rootPath, Name: ifaceProps + ".PropertiesChanged", Body: []any{
		ifaceNM,
		map[string]dbus.Variant{
			"WirelessEnabled":   dbus.MakeVariant(true),
			"ActiveConnections": dbus.MakeVariant([]dbus.ObjectPath{acPath}),
			"Version":           dbus.MakeVariant("1.46.0"),
		},
		[]string{},
	}}

	got := DecodeSignals(raw)
	want := []Signal{
		{Kind: SignalActiveConnectionsChanged, Path: rootPath, Objects: []dbus.ObjectPath{acPath}},
		{Kind: SignalWirelessEnabledChanged, Path: rootPath, Enabled: true},
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("DecodeSignals mismatch (-want +got):\n%s", diff)
	}
}

func TestIsObjectGone(t *testing.T) {
	t.Parallel()

	gone := dbus.Error{Name: "org.freedesktop.DBus.Error.UnknownObject"}
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"sentinel", ErrObjectGone, true},
		{"wrapped sentinel", fmt.Errorf("lookup: %w", ErrObjectGone), true},
		{"dbus value", gone, true},
		{"wrapped dbus", fmt.Errorf("get all: %w", gone), true},
		{"dbus pointer", &dbus.Error{Name: "org.freedesktop.DBus.Error.UnknownMethod"}, true},
		{"access denied", dbus.Error{Name: "org.freedesktop.DBus.Error.AccessDenied"}, false},
		{"plain", errors.New("boom"), false},
	}
	for _, tt := range tests {
		if got := IsObjectGone(tt.err); got != tt.want {
			t.Errorf("%s: IsObjectGone = %v, want %v", tt.name, got, tt.want)
		}
	}
}
