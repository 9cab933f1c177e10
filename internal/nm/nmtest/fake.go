// Package nmtest provides an in-memory NetworkManager for tests.
package nmtest

import (
	"context"
	"errors"
	"sync"

	"github.com/godbus/dbus/v5"

	"github.com/bigsaltyfishes/nmwatch/internal/nm"
)

// ErrGone is the D-Bus error returned for objects that do not exist,
// matching what NetworkManager sends for a stale path.
var ErrGone = dbus.Error{Name: "org.freedesktop.DBus.Error.UnknownObject", Body: []any{"No such object path"}}

// Bus is a fake [nm.Bus]. Populate it with the Put methods, then drive
// the subscriber with Emit. Disconnect simulates the bus dropping.
// All methods are safe for concurrent use.
type Bus struct {
	mu        sync.Mutex
	devices   map[dbus.ObjectPath]nm.Device
	active    map[dbus.ObjectPath]nm.ActiveConnection
	activeOrd []dbus.ObjectPath
	aps       map[dbus.ObjectPath]nm.AccessPoint
	deviceAPs map[dbus.ObjectPath][]dbus.ObjectPath
	profiles  []nm.Profile
	wireless  bool
	subs      []chan nm.Signal
	closed    bool

	// Hooks run before the matching lookup returns, letting tests
	// block or mutate the fake mid-query. Optional.
	BeforeActiveConnection func(path dbus.ObjectPath)
	BeforeAccessPoint      func(path dbus.ObjectPath)

	// Fail, when non-nil, is returned from every query.
	Fail error
}

var _ nm.Bus = (*Bus)(nil)

// New returns an empty fake with the Wi-Fi radio enabled.
func New() *Bus {
	return &Bus{
		devices:   make(map[dbus.ObjectPath]nm.Device),
		active:    make(map[dbus.ObjectPath]nm.ActiveConnection),
		aps:       make(map[dbus.ObjectPath]nm.AccessPoint),
		deviceAPs: make(map[dbus.ObjectPath][]dbus.ObjectPath),
		wireless:  true,
	}
}

// PutDevice adds or replaces a device.
func (b *Bus) PutDevice(d nm.Device) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.devices[d.Path] = d
}

// RemoveDevice deletes a device and its AP list.
func (b *Bus) RemoveDevice(path dbus.ObjectPath) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.devices, path)
	delete(b.deviceAPs, path)
}

// PutActiveConnection adds or replaces an active connection. New paths
// are appended to the manager's ActiveConnections list.
func (b *Bus) PutActiveConnection(ac nm.ActiveConnection) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.active[ac.Path]; !ok {
		b.activeOrd = append(b.activeOrd, ac.Path)
	}
	b.active[ac.Path] = ac
}

// RemoveActiveConnection deletes an active connection so later lookups
// fail with [ErrGone].
func (b *Bus) RemoveActiveConnection(path dbus.ObjectPath) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.active, path)
	for i, p := range b.activeOrd {
		if p == path {
			b.activeOrd = append(b.activeOrd[:i], b.activeOrd[i+1:]...)
			break
		}
	}
}

// PutAccessPoint adds an AP and lists it under device.
func (b *Bus) PutAccessPoint(device dbus.ObjectPath, ap nm.AccessPoint) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.aps[ap.Path]; !ok {
		b.deviceAPs[device] = append(b.deviceAPs[device], ap.Path)
	}
	b.aps[ap.Path] = ap
}

// RemoveAccessPoint deletes the AP object but leaves it in device
// listings, like an AP that vanishes between listing and lookup.
func (b *Bus) RemoveAccessPoint(path dbus.ObjectPath) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.aps, path)
}

// SetWirelessEnabled flips the global Wi-Fi radio switch. It does not
// emit a signal.
func (b *Bus) SetWirelessEnabled(enabled bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.wireless = enabled
}

// PutProfile appends a saved profile.
func (b *Bus) PutProfile(p nm.Profile) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.profiles = append(b.profiles, p)
}

// Emit delivers sig to every live subscriber, blocking until each has
// room in its buffer.
func (b *Bus) Emit(sig nm.Signal) {
	b.mu.Lock()
	subs := append([]chan nm.Signal(nil), b.subs...)
	b.mu.Unlock()
	for _, ch := range subs {
		ch <- sig
	}
}

// Disconnect closes every subscription channel, as a dropped bus
// connection would.
func (b *Bus) Disconnect() {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, ch := range b.subs {
		close(ch)
	}
	b.subs = nil
}

// Subscribers returns the number of open subscriptions.
func (b *Bus) Subscribers() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}

// Closed reports whether Close was called.
func (b *Bus) Closed() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.closed
}

// Devices implements [nm.Bus].
func (b *Bus) Devices(ctx context.Context) ([]dbus.ObjectPath, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.Fail != nil {
		return nil, b.Fail
	}
	paths := make([]dbus.ObjectPath, 0, len(b.devices))
	for p := range b.devices {
		paths = append(paths, p)
	}
	return paths, nil
}

// Device implements [nm.Bus].
func (b *Bus) Device(ctx context.Context, path dbus.ObjectPath) (nm.Device, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.Fail != nil {
		return nm.Device{}, b.Fail
	}
	d, ok := b.devices[path]
	if !ok {
		return nm.Device{}, ErrGone
	}
	return d, nil
}

// ActiveConnections implements [nm.Bus].
func (b *Bus) ActiveConnections(ctx context.Context) ([]dbus.ObjectPath, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.Fail != nil {
		return nil, b.Fail
	}
	return append([]dbus.ObjectPath(nil), b.activeOrd...), nil
}

// ActiveConnection implements [nm.Bus].
func (b *Bus) ActiveConnection(ctx context.Context, path dbus.ObjectPath) (nm.ActiveConnection, error) {
	if hook := b.hookActive(); hook != nil {
		hook(path)
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.Fail != nil {
		return nm.ActiveConnection{}, b.Fail
	}
	ac, ok := b.active[path]
	if !ok {
		return nm.ActiveConnection{}, ErrGone
	}
	return ac, nil
}

// AccessPoints implements [nm.Bus].
func (b *Bus) AccessPoints(ctx context.Context, device dbus.ObjectPath) ([]dbus.ObjectPath, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.Fail != nil {
		return nil, b.Fail
	}
	if _, ok := b.devices[device]; !ok {
		return nil, ErrGone
	}
	return append([]dbus.ObjectPath(nil), b.deviceAPs[device]...), nil
}

// AccessPoint implements [nm.Bus].
func (b *Bus) AccessPoint(ctx context.Context, path dbus.ObjectPath) (nm.AccessPoint, error) {
	if hook := b.hookAP(); hook != nil {
		hook(path)
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.Fail != nil {
		return nm.AccessPoint{}, b.Fail
	}
	ap, ok := b.aps[path]
	if !ok {
		return nm.AccessPoint{}, ErrGone
	}
	return ap, nil
}

// Profiles implements [nm.Bus].
func (b *Bus) Profiles(ctx context.Context) ([]nm.Profile, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.Fail != nil {
		return nil, b.Fail
	}
	return append([]nm.Profile(nil), b.profiles...), nil
}

// WirelessEnabled implements [nm.Bus].
func (b *Bus) WirelessEnabled(ctx context.Context) (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.Fail != nil {
		return false, b.Fail
	}
	return b.wireless, nil
}

// Subscribe implements [nm.Bus]. The returned channel is closed by
// Disconnect, by Close, or when ctx is cancelled.
func (b *Bus) Subscribe(ctx context.Context) (<-chan nm.Signal, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, errors.New("nmtest: bus closed")
	}
	in := make(chan nm.Signal, 64)
	b.subs = append(b.subs, in)

	out := make(chan nm.Signal)
	go func() {
		defer close(out)
		for {
			select {
			case <-ctx.Done():
				b.drop(in)
				return
			case sig, ok := <-in:
				if !ok {
					return
				}
				select {
				case out <- sig:
				case <-ctx.Done():
					b.drop(in)
					return
				}
			}
		}
	}()
	return out, nil
}

// Ping implements [nm.Bus].
func (b *Bus) Ping(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return errors.New("nmtest: bus closed")
	}
	return b.Fail
}

// Close implements [nm.Bus].
func (b *Bus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	for _, ch := range b.subs {
		close(ch)
	}
	b.subs = nil
	return nil
}

func (b *Bus) drop(ch chan nm.Signal) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i, c := range b.subs {
		if c == ch {
			b.subs = append(b.subs[:i], b.subs[i+1:]...)
			return
		}
	}
}

func (b *Bus) hookActive() func(dbus.ObjectPath) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.BeforeActiveConnection
}

func (b *Bus) hookAP() func(dbus.ObjectPath) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.BeforeAccessPoint
}
