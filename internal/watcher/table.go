package watcher

import (
	"slices"
	"time"

	"github.com/godbus/dbus/v5"

	"github.com/bigsaltyfishes/nmwatch/internal/nm"
)

// Connection is the watcher's view of one ActiveConnection.
type Connection struct {
	nm.ActiveConnection
	// Interface is the network interface of the connection's device,
	// when the device is known.
	Interface string                         `json:"interface,omitempty"`
	Reason    nm.ActiveConnectionStateReason `json:"reason"`
	// Since is when State last changed.
	Since time.Time `json:"since"`

	// signalled is set once a StateChanged signal has been applied;
	// after that, property reads no longer overwrite State.
	signalled bool
}

// DeviceStatus is the watcher's view of one device.
type DeviceStatus struct {
	nm.Device
	// AccessPoint is the last known active AP of a Wi-Fi device.
	AccessPoint *nm.AccessPoint `json:"access_point,omitempty"`

	// placeholder marks an entry created by a state signal for a device
	// that has not been read yet. It is not announced or listed until
	// the read succeeds; held keeps its state signals until then.
	placeholder bool
	held        []nm.Signal
}

// Snapshot is an immutable copy of the watcher's tables.
type Snapshot struct {
	Connected bool `json:"connected"`
	// WirelessEnabled is the global Wi-Fi radio switch.
	WirelessEnabled bool           `json:"wireless_enabled"`
	Connections     []Connection   `json:"connections"`
	Devices         []DeviceStatus `json:"devices"`
	Updated         time.Time      `json:"updated"`
}

// Connection returns the snapshot entry for path.
func (s Snapshot) Connection(path dbus.ObjectPath) (Connection, bool) {
	for _, c := range s.Connections {
		if c.Path == path {
			return c, true
		}
	}
	return Connection{}, false
}

// Primary returns the connection holding the default route, falling
// back to the first activated connection.
func (s Snapshot) Primary() (Connection, bool) {
	for _, c := range s.Connections {
		if c.Default {
			return c, true
		}
	}
	for _, c := range s.Connections {
		if c.State == nm.ActiveStateActivated {
			return c, true
		}
	}
	return Connection{}, false
}

// table holds the connection and device state. Only the goroutine
// running Watcher.Run touches it.
type table struct {
	conns    map[dbus.ObjectPath]*Connection
	byDevice map[dbus.ObjectPath]dbus.ObjectPath
	devices  map[dbus.ObjectPath]*DeviceStatus
	tombs    tombstones

	// wireless is the radio switch; wirelessKnown is false until the
	// first read.
	wireless      bool
	wirelessKnown bool
}

func newTable(maxTombstones int) *table {
	return &table{
		conns:    make(map[dbus.ObjectPath]*Connection),
		byDevice: make(map[dbus.ObjectPath]dbus.ObjectPath),
		devices:  make(map[dbus.ObjectPath]*DeviceStatus),
		tombs:    newTombstones(maxTombstones),
	}
}

// interfaceOf returns the interface name of the first known device.
func (t *table) interfaceOf(devs []dbus.ObjectPath) string {
	for _, d := range devs {
		if dev, ok := t.devices[d]; ok && dev.Interface != "" {
			return dev.Interface
		}
	}
	return ""
}

func (t *table) snapshot(connected bool) *Snapshot {
	s := &Snapshot{
		Connected:       connected,
		WirelessEnabled: t.wireless,
		Connections:     make([]Connection, 0, len(t.conns)),
		Devices:         make([]DeviceStatus, 0, len(t.devices)),
		Updated:         time.Now(),
	}
	for _, c := range t.conns {
		cp := *c
		cp.Devices = slices.Clone(c.Devices)
		s.Connections = append(s.Connections, cp)
	}
	for _, d := range t.devices {
		if d.placeholder {
			continue
		}
		cp := *d
		cp.held = nil
		if d.AccessPoint != nil {
			ap := *d.AccessPoint
			cp.AccessPoint = &ap
		}
		s.Devices = append(s.Devices, cp)
	}
	slices.SortFunc(s.Connections, func(a, b Connection) int { return comparePaths(a.Path, b.Path) })
	slices.SortFunc(s.Devices, func(a, b DeviceStatus) int { return comparePaths(a.Path, b.Path) })
	return s
}

// outranks reports whether a keeps a device that b also claims. A
// connection on its way down yields to one that is not; otherwise the
// newer one wins. NetworkManager numbers ActiveConnection paths in
// increasing order, so the higher path is the newer object.
func outranks(a, b nm.ActiveConnection) bool {
	if ea, eb := leaving(a.State), leaving(b.State); ea != eb {
		return eb
	}
	return comparePaths(a.Path, b.Path) > 0
}

func leaving(s nm.ActiveConnectionState) bool {
	return s == nm.ActiveStateDeactivating || s == nm.ActiveStateDeactivated
}

func (t *table) sortedConnPaths() []dbus.ObjectPath {
	paths := make([]dbus.ObjectPath, 0, len(t.conns))
	for p := range t.conns {
		paths = append(paths, p)
	}
	slices.SortFunc(paths, comparePaths)
	return paths
}

func (t *table) sortedDevicePaths() []dbus.ObjectPath {
	paths := make([]dbus.ObjectPath, 0, len(t.devices))
	for p := range t.devices {
		paths = append(paths, p)
	}
	slices.SortFunc(paths, comparePaths)
	return paths
}

// comparePaths orders NetworkManager paths numerically by their last
// element, so ActiveConnection/10 sorts after ActiveConnection/9.
func comparePaths(a, b dbus.ObjectPath) int {
	if len(a) != len(b) {
		return len(a) - len(b)
	}
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	}
	return 0
}

// tombstones remembers removed connection paths so late signals for
// them are ignored. NetworkManager never reuses an ActiveConnection
// path within one daemon lifetime; the set is bounded by evicting the
// oldest entries.
type tombstones struct {
	set   map[dbus.ObjectPath]struct{}
	order []dbus.ObjectPath
	max   int
}

func newTombstones(max int) tombstones {
	return tombstones{set: make(map[dbus.ObjectPath]struct{}), max: max}
}

func (t *tombstones) add(p dbus.ObjectPath) {
	if _, ok := t.set[p]; ok {
		return
	}
	t.set[p] = struct{}{}
	t.order = append(t.order, p)
	for len(t.order) > t.max {
		delete(t.set, t.order[0])
		t.order = t.order[1:]
	}
}

func (t *tombstones) has(p dbus.ObjectPath) bool {
	_, ok := t.set[p]
	return ok
}

func (t *tombstones) forget(p dbus.ObjectPath) {
	if _, ok := t.set[p]; !ok {
		return
	}
	delete(t.set, p)
	t.order = slices.DeleteFunc(t.order, func(q dbus.ObjectPath) bool { return q == p })
}

// reset forgets every tombstone. Used when NetworkManager restarts,
// since a new daemon numbers its objects from scratch.
func (t *tombstones) reset() {
	clear(t.set)
	t.order = t.order[:0]
}
