// Package nm is a read-only adapter for NetworkManager's D-Bus API.
//
// It models the objects nmwatch observes (devices, active connections,
// access points, saved profiles) as plain snapshot structs, decodes
// NetworkManager signals into typed [Signal] values, and hides godbus
// behind the [Bus] interface so the watcher and resolver can be tested
// against an in-memory fake.
//
// Nothing in this package changes NetworkManager state: only property
// reads, the listing methods and signal subscription are used.
package nm

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/godbus/dbus/v5"
)

const (
	busName      = "org.freedesktop.NetworkManager"
	rootPath     = dbus.ObjectPath("/org/freedesktop/NetworkManager")
	settingsPath = dbus.ObjectPath("/org/freedesktop/NetworkManager/Settings")

	ifaceNM              = "org.freedesktop.NetworkManager"
	ifaceDevice          = ifaceNM + ".Device"
	ifaceWireless        = ifaceNM + ".Device.Wireless"
	ifaceActive          = ifaceNM + ".Connection.Active"
	ifaceAccessPoint     = ifaceNM + ".AccessPoint"
	ifaceSettings        = ifaceNM + ".Settings"
	ifaceSettingsProfile = ifaceNM + ".Settings.Connection"

	ifaceProps         = "org.freedesktop.DBus.Properties"
	ifaceObjectManager = "org.freedesktop.DBus.ObjectManager"
	dbusIface          = "org.freedesktop.DBus"
)

// Interface names exported for callers that inspect [Signal.Interfaces].
const (
	InterfaceActiveConnection = ifaceActive
	InterfaceDevice           = ifaceDevice
	InterfaceAccessPoint      = ifaceAccessPoint
)

var (
	// ErrServiceUnavailable is returned by Dial when the system bus is
	// reachable but NetworkManager does not own its bus name.
	ErrServiceUnavailable = errors.New("NetworkManager is not running on the system bus")

	// ErrObjectGone marks a lookup of an object that no longer exists.
	// [IsObjectGone] also recognizes the equivalent D-Bus errors.
	ErrObjectGone = errors.New("object no longer exists")
)

// Bus is the subset of NetworkManager that nmwatch consumes.
type Bus interface {
	Devices(ctx context.Context) ([]dbus.ObjectPath, error)
	Device(ctx context.Context, path dbus.ObjectPath) (Device, error)
	ActiveConnections(ctx context.Context) ([]dbus.ObjectPath, error)
	ActiveConnection(ctx context.Context, path dbus.ObjectPath) (ActiveConnection, error)
	AccessPoints(ctx context.Context, device dbus.ObjectPath) ([]dbus.ObjectPath, error)
	AccessPoint(ctx context.Context, path dbus.ObjectPath) (AccessPoint, error)
	Profiles(ctx context.Context) ([]Profile, error)
	WirelessEnabled(ctx context.Context) (bool, error)

	// Subscribe delivers decoded signals until ctx is cancelled or the
	// bus connection drops, then closes the channel.
	Subscribe(ctx context.Context) (<-chan Signal, error)

	// Ping checks that NetworkManager still answers on the bus.
	Ping(ctx context.Context) error
	Close() error
}

// Client talks to NetworkManager over a private system bus connection.
type Client struct {
	conn *dbus.Conn
}

var _ Bus = (*Client)(nil)

// Dial opens a private connection to the system bus and verifies that
// NetworkManager is present.
func Dial(ctx context.Context) (*Client, error) {
	conn, err := dbus.ConnectSystemBus(dbus.WithContext(ctx))
	if err != nil {
		return nil, fmt.Errorf("connect system bus: %w", err)
	}

	var owned bool
	err = conn.BusObject().CallWithContext(ctx, dbusIface+".NameHasOwner", 0, busName).Store(&owned)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("query %s owner: %w", busName, err)
	}
	if !owned {
		conn.Close()
		return nil, ErrServiceUnavailable
	}
	return &Client{conn: conn}, nil
}

// Close closes the bus connection. Channels returned by Subscribe are
// closed as a consequence.
func (c *Client) Close() error {
	return c.conn.Close()
}

// Version returns the NetworkManager daemon version.
func (c *Client) Version(ctx context.Context) (string, error) {
	v, err := c.property(ctx, rootPath, ifaceNM, "Version")
	if err != nil {
		return "", err
	}
	s, _ := v.Value().(string)
	return s, nil
}

// Ping reads the daemon version as a liveness check.
func (c *Client) Ping(ctx context.Context) error {
	_, err := c.Version(ctx)
	return err
}

// Devices lists every device NetworkManager knows, including ones it
// does not manage.
func (c *Client) Devices(ctx context.Context) ([]dbus.ObjectPath, error) {
	var paths []dbus.ObjectPath
	err := c.conn.Object(busName, rootPath).CallWithContext(ctx, ifaceNM+".GetAllDevices", 0).Store(&paths)
	if err != nil {
		return nil, fmt.Errorf("GetAllDevices: %w", err)
	}
	return paths, nil
}

// Device reads a device snapshot. For Wi-Fi devices the active access
// point is filled in as well.
func (c *Client) Device(ctx context.Context, path dbus.ObjectPath) (Device, error) {
	props, err := c.allProperties(ctx, path, ifaceDevice)
	if err != nil {
		return Device{}, err
	}

	dev := Device{
		Path:             path,
		Interface:        variantString(props, "Interface"),
		Type:             ParseDeviceType(variantUint32(props, "DeviceType")),
		State:            ParseDeviceState(variantUint32(props, "State")),
		ActiveConnection: variantPath(props, "ActiveConnection"),
	}
	if v, ok := props["StateReason"]; ok {
		if pair, ok := v.Value().([]any); ok && len(pair) == 2 {
			if code, ok := pair[1].(uint32); ok {
				dev.StateReason = ParseDeviceStateReason(code)
			}
		}
	}

	if dev.Type == DeviceTypeWiFi {
		v, err := c.property(ctx, path, ifaceWireless, "ActiveAccessPoint")
		if err != nil {
			return Device{}, err
		}
		if ap, _ := v.Value().(dbus.ObjectPath); ap != NoObject {
			dev.ActiveAccessPoint = ap
		}
	}
	return dev, nil
}

// ActiveConnections lists the manager's current ActiveConnection paths.
func (c *Client) ActiveConnections(ctx context.Context) ([]dbus.ObjectPath, error) {
	v, err := c.property(ctx, rootPath, ifaceNM, "ActiveConnections")
	if err != nil {
		return nil, err
	}
	paths, _ := v.Value().([]dbus.ObjectPath)
	return paths, nil
}

// WirelessEnabled reads the manager's global Wi-Fi radio switch.
func (c *Client) WirelessEnabled(ctx context.Context) (bool, error) {
	v, err := c.property(ctx, rootPath, ifaceNM, "WirelessEnabled")
	if err != nil {
		return false, err
	}
	enabled, _ := v.Value().(bool)
	return enabled, nil
}

// ActiveConnection reads an ActiveConnection snapshot.
func (c *Client) ActiveConnection(ctx context.Context, path dbus.ObjectPath) (ActiveConnection, error) {
	props, err := c.allProperties(ctx, path, ifaceActive)
	if err != nil {
		return ActiveConnection{}, err
	}

	ac := ActiveConnection{
		Path:           path,
		ID:             variantString(props, "Id"),
		UUID:           variantString(props, "Uuid"),
		Type:           variantString(props, "Type"),
		SpecificObject: variantPath(props, "SpecificObject"),
		Profile:        variantPath(props, "Connection"),
		State:          ParseActiveConnectionState(variantUint32(props, "State")),
	}
	if v, ok := props["Devices"]; ok {
		ac.Devices, _ = v.Value().([]dbus.ObjectPath)
	}
	if v, ok := props["Default"]; ok {
		ac.Default, _ = v.Value().(bool)
	}
	return ac, nil
}

// AccessPoints lists every AP the wireless device currently sees,
// including hidden ones.
func (c *Client) AccessPoints(ctx context.Context, device dbus.ObjectPath) ([]dbus.ObjectPath, error) {
	var paths []dbus.ObjectPath
	err := c.conn.Object(busName, device).CallWithContext(ctx, ifaceWireless+".GetAllAccessPoints", 0).Store(&paths)
	if err != nil {
		return nil, fmt.Errorf("GetAllAccessPoints %s: %w", device, err)
	}
	return paths, nil
}

// AccessPoint reads an AccessPoint snapshot.
func (c *Client) AccessPoint(ctx context.Context, path dbus.ObjectPath) (AccessPoint, error) {
	if path == "" || path == NoObject {
		return AccessPoint{}, ErrObjectGone
	}
	props, err := c.allProperties(ctx, path, ifaceAccessPoint)
	if err != nil {
		return AccessPoint{}, err
	}

	ap := AccessPoint{
		Path:      path,
		BSSID:     variantString(props, "HwAddress"),
		Frequency: variantUint32(props, "Frequency"),
		Flags:     variantUint32(props, "Flags"),
		WPAFlags:  variantUint32(props, "WpaFlags"),
		RSNFlags:  variantUint32(props, "RsnFlags"),
		Mode:      variantUint32(props, "Mode"),
		LastSeen:  -1,
	}
	if v, ok := props["Ssid"]; ok {
		if b, ok := v.Value().([]byte); ok {
			ap.SSID = string(b)
		}
	}
	if v, ok := props["Strength"]; ok {
		ap.Strength, _ = v.Value().(byte)
	}
	if v, ok := props["LastSeen"]; ok {
		if n, ok := v.Value().(int32); ok {
			ap.LastSeen = n
		}
	}
	return ap, nil
}

// Profiles lists saved connections. Profiles removed while the listing
// is in progress are skipped.
func (c *Client) Profiles(ctx context.Context) ([]Profile, error) {
	var paths []dbus.ObjectPath
	err := c.conn.Object(busName, settingsPath).CallWithContext(ctx, ifaceSettings+".ListConnections", 0).Store(&paths)
	if err != nil {
		return nil, fmt.Errorf("ListConnections: %w", err)
	}

	profiles := make([]Profile, 0, len(paths))
	for _, p := range paths {
		var settings map[string]map[string]dbus.Variant
		err := c.conn.Object(busName, p).CallWithContext(ctx, ifaceSettingsProfile+".GetSettings", 0).Store(&settings)
		if IsObjectGone(err) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("GetSettings %s: %w", p, err)
		}
		profiles = append(profiles, ProfileFromSettings(p, settings))
	}
	return profiles, nil
}

// ProfileFromSettings builds a Profile from the a{sa{sv}} settings map
// returned by Settings.Connection.GetSettings.
func ProfileFromSettings(path dbus.ObjectPath, settings map[string]map[string]dbus.Variant) Profile {
	conn := settings["connection"]
	p := Profile{
		Path:        path,
		ID:          variantString(conn, "id"),
		UUID:        variantString(conn, "uuid"),
		Type:        variantString(conn, "type"),
		AutoConnect: true,
	}
	if v, ok := conn["autoconnect"]; ok {
		if b, ok := v.Value().(bool); ok {
			p.AutoConnect = b
		}
	}
	if v, ok := conn["timestamp"]; ok {
		if ts, ok := v.Value().(uint64); ok && ts > 0 {
			p.Timestamp = time.Unix(int64(ts), 0).UTC()
		}
	}

	if p.Type != ConnectionTypeWireless {
		return p
	}
	if v, ok := settings["802-11-wireless"]["ssid"]; ok {
		if b, ok := v.Value().([]byte); ok {
			p.SSID = string(b)
		}
	}
	if sec, ok := settings["802-11-wireless-security"]; ok {
		p.Security = SecurityFromKeyMgmt(variantString(sec, "key-mgmt"))
	} else {
		p.Security = SecurityNone
	}
	return p
}

// Subscribe registers match rules for every signal NetworkManager emits
// and for ownership changes of its bus name. Signals are decoded and
// forwarded in delivery order; undecodable ones are dropped.
func (c *Client) Subscribe(ctx context.Context) (<-chan Signal, error) {
	if err := c.conn.AddMatchSignalContext(ctx, dbus.WithMatchSender(busName)); err != nil {
		return nil, fmt.Errorf("add match for %s: %w", busName, err)
	}
	err := c.conn.AddMatchSignalContext(ctx,
		dbus.WithMatchSender(dbusIface),
		dbus.WithMatchInterface(dbusIface),
		dbus.WithMatchMember("NameOwnerChanged"),
		dbus.WithMatchArg(0, busName),
	)
	if err != nil {
		return nil, fmt.Errorf("add match for NameOwnerChanged: %w", err)
	}

	raw := make(chan *dbus.Signal, 64)
	c.conn.Signal(raw)

	out := make(chan Signal, 64)
	go func() {
		defer close(out)
		defer c.conn.RemoveSignal(raw)
		for {
			select {
			case <-ctx.Done():
				return
			case s, ok := <-raw:
				if !ok {
					return
				}
				for _, sig := range DecodeSignals(s) {
					select {
					case out <- sig:
					case <-ctx.Done():
						return
					}
				}
			}
		}
	}()
	return out, nil
}

func (c *Client) property(ctx context.Context, path dbus.ObjectPath, iface, name string) (dbus.Variant, error) {
	var v dbus.Variant
	err := c.conn.Object(busName, path).CallWithContext(ctx, ifaceProps+".Get", 0, iface, name).Store(&v)
	if err != nil {
		return dbus.Variant{}, fmt.Errorf("get %s.%s on %s: %w", iface, name, path, err)
	}
	return v, nil
}

func (c *Client) allProperties(ctx context.Context, path dbus.ObjectPath, iface string) (map[string]dbus.Variant, error) {
	var props map[string]dbus.Variant
	err := c.conn.Object(busName, path).CallWithContext(ctx, ifaceProps+".GetAll", 0, iface).Store(&props)
	if err != nil {
		return nil, fmt.Errorf("get all %s on %s: %w", iface, path, err)
	}
	return props, nil
}

func variantString(m map[string]dbus.Variant, key string) string {
	if v, ok := m[key]; ok {
		s, _ := v.Value().(string)
		return s
	}
	return ""
}

func variantUint32(m map[string]dbus.Variant, key string) uint32 {
	if v, ok := m[key]; ok {
		n, _ := v.Value().(uint32)
		return n
	}
	return 0
}

func variantPath(m map[string]dbus.Variant, key string) dbus.ObjectPath {
	if v, ok := m[key]; ok {
		p, _ := v.Value().(dbus.ObjectPath)
		if p == NoObject {
			return ""
		}
		return p
	}
	return ""
}
