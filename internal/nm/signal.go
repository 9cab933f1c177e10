package nm

import (
	"errors"
	"slices"

	"github.com/godbus/dbus/v5"
)

// SignalKind identifies a decoded NetworkManager signal.
type SignalKind int

// Signal kinds understood by the watcher.
const (
	SignalUnknown SignalKind = iota
	// SignalDeviceAdded carries the new device in Object.
	SignalDeviceAdded
	// SignalDeviceRemoved carries the removed device in Object.
	SignalDeviceRemoved
	// SignalDeviceStateChanged is emitted by the device at Path with
	// State, OldState and Reason.
	SignalDeviceStateChanged
	// SignalConnectionStateChanged is emitted by the active connection
	// at Path with State and Reason.
	SignalConnectionStateChanged
	// SignalActiveConnectionsChanged carries the full ActiveConnections
	// list of the manager in Objects.
	SignalActiveConnectionsChanged
	// SignalActiveAccessPointChanged is emitted for the wireless device
	// at Path. Object is the new AP, or NoObject.
	SignalActiveAccessPointChanged
	// SignalObjectRemoved reports interfaces dropped from Object.
	SignalObjectRemoved
	// SignalServiceOwnerChanged reports NetworkManager acquiring or
	// losing its bus name. Owner is empty when the service went away.
	SignalServiceOwnerChanged
	// SignalWirelessEnabledChanged carries the manager's global Wi-Fi
	// radio switch in Enabled.
	SignalWirelessEnabledChanged
	// SignalAccessPointsChanged carries the full AP list of the
	// wireless device at Path in Objects.
	SignalAccessPointsChanged
)

var signalKindNames = map[SignalKind]string{
	SignalUnknown:                  "unknown",
	SignalDeviceAdded:              "device-added",
	SignalDeviceRemoved:            "device-removed",
	SignalDeviceStateChanged:       "device-state-changed",
	SignalConnectionStateChanged:   "connection-state-changed",
	SignalActiveConnectionsChanged: "active-connections-changed",
	SignalActiveAccessPointChanged: "active-access-point-changed",
	SignalObjectRemoved:            "object-removed",
	SignalServiceOwnerChanged:      "service-owner-changed",
	SignalWirelessEnabledChanged:   "wireless-enabled-changed",
	SignalAccessPointsChanged:      "access-points-changed",
}

func (k SignalKind) String() string {
	if name, ok := signalKindNames[k]; ok {
		return name
	}
	return "unknown"
}

// Signal is a NetworkManager D-Bus signal decoded into plain fields.
// Which fields are set depends on Kind.
type Signal struct {
	Kind SignalKind
	// Path is the object that emitted the signal.
	Path       dbus.ObjectPath
	Object     dbus.ObjectPath
	Objects    []dbus.ObjectPath
	Interfaces []string
	State      uint32
	OldState   uint32
	Reason     uint32
	Owner      string
	Enabled    bool
}

// DecodeSignals translates a raw godbus signal. One PropertiesChanged
// signal can carry several watched properties and yields one Signal per
// property, in a fixed order. Signals that are not relevant or whose
// body does not have the expected shape yield nothing; malformed bodies
// are never an error.
func DecodeSignals(raw *dbus.Signal) []Signal {
	if raw == nil {
		return nil
	}
	if raw.Name == ifaceProps+".PropertiesChanged" {
		return decodePropertiesChanged(Signal{Path: raw.Path}, raw.Body)
	}
	if sig, ok := decodeSignal(raw); ok {
		return []Signal{sig}
	}
	return nil
}

func decodeSignal(raw *dbus.Signal) (Signal, bool) {
	sig := Signal{Path: raw.Path}
	body := raw.Body

	switch raw.Name {
	case ifaceNM + ".DeviceAdded":
		sig.Kind = SignalDeviceAdded
		return sig, bodyPath(body, 0, &sig.Object)

	case ifaceNM + ".DeviceRemoved":
		sig.Kind = SignalDeviceRemoved
		return sig, bodyPath(body, 0, &sig.Object)

	case ifaceDevice + ".StateChanged":
		sig.Kind = SignalDeviceStateChanged
		ok := bodyUint32(body, 0, &sig.State) &&
			bodyUint32(body, 1, &sig.OldState) &&
			bodyUint32(body, 2, &sig.Reason)
		return sig, ok

	case ifaceActive + ".StateChanged":
		sig.Kind = SignalConnectionStateChanged
		ok := bodyUint32(body, 0, &sig.State) &&
			bodyUint32(body, 1, &sig.Reason)
		return sig, ok

	case ifaceObjectManager + ".InterfacesRemoved":
		sig.Kind = SignalObjectRemoved
		if !bodyPath(body, 0, &sig.Object) || len(body) < 2 {
			return sig, false
		}
		ifaces, ok := body[1].([]string)
		if !ok {
			return sig, false
		}
		sig.Interfaces = ifaces
		return sig, true

	case dbusIface + ".NameOwnerChanged":
		sig.Kind = SignalServiceOwnerChanged
		if len(body) < 3 {
			return sig, false
		}
		name, _ := body[0].(string)
		if name != busName {
			return sig, false
		}
		owner, ok := body[2].(string)
		sig.Owner = owner
		return sig, ok
	}
	return sig, false
}

func decodePropertiesChanged(base Signal, body []any) []Signal {
	if len(body) < 2 {
		return nil
	}
	iface, _ := body[0].(string)
	changed, ok := body[1].(map[string]dbus.Variant)
	if !ok {
		return nil
	}

	var out []Signal
	switch iface {
	case ifaceNM:
		if paths, ok := variantValue[[]dbus.ObjectPath](changed, "ActiveConnections"); ok {
			sig := base
			sig.Kind = SignalActiveConnectionsChanged
			sig.Objects = paths
			out = append(out, sig)
		}
		if enabled, ok := variantValue[bool](changed, "WirelessEnabled"); ok {
			sig := base
			sig.Kind = SignalWirelessEnabledChanged
			sig.Enabled = enabled
			out = append(out, sig)
		}

	case ifaceWireless:
		if path, ok := variantValue[dbus.ObjectPath](changed, "ActiveAccessPoint"); ok {
			sig := base
			sig.Kind = SignalActiveAccessPointChanged
			sig.Object = path
			out = append(out, sig)
		}
		if paths, ok := variantValue[[]dbus.ObjectPath](changed, "AccessPoints"); ok {
			sig := base
			sig.Kind = SignalAccessPointsChanged
			sig.Objects = paths
			out = append(out, sig)
		}
	}
	return out
}

// variantValue returns the value of a changed property when it is
// present and has type T.
func variantValue[T any](changed map[string]dbus.Variant, name string) (T, bool) {
	var zero T
	v, ok := changed[name]
	if !ok {
		return zero, false
	}
	t, ok := v.Value().(T)
	return t, ok
}

// HasInterface reports whether an ObjectRemoved signal dropped iface.
func (s Signal) HasInterface(iface string) bool {
	return slices.Contains(s.Interfaces, iface)
}

// RemovesActiveConnection reports whether s announces that an
// ActiveConnection object went away.
func (s Signal) RemovesActiveConnection() bool {
	return s.Kind == SignalObjectRemoved && s.HasInterface(ifaceActive)
}

func bodyPath(body []any, i int, out *dbus.ObjectPath) bool {
	if i >= len(body) {
		return false
	}
	p, ok := body[i].(dbus.ObjectPath)
	if ok {
		*out = p
	}
	return ok
}

func bodyUint32(body []any, i int, out *uint32) bool {
	if i >= len(body) {
		return false
	}
	v, ok := body[i].(uint32)
	if ok {
		*out = v
	}
	return ok
}

// D-Bus error names that mean the object path no longer exists.
var goneErrorNames = []string{
	"org.freedesktop.DBus.Error.UnknownObject",
	"org.freedesktop.DBus.Error.UnknownMethod",
	"org.freedesktop.DBus.Error.UnknownInterface",
}

// IsObjectGone reports whether err came from calling an object that has
// disappeared from the bus. NetworkManager removes ActiveConnection and
// AccessPoint objects at any time, so callers treat this as removal
// rather than failure.
func IsObjectGone(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrObjectGone) {
		return true
	}
	var de dbus.Error
	if errors.As(err, &de) {
		return slices.Contains(goneErrorNames, de.Name)
	}
	var pde *dbus.Error
	if errors.As(err, &pde) && pde != nil {
		return slices.Contains(goneErrorNames, pde.Name)
	}
	return false
}
