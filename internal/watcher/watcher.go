// Package watcher tracks NetworkManager ActiveConnection objects and
// publishes every state change as an [events.Event].
//
// A single dispatch loop owns the connection and device tables. Signal
// handlers never call the bus themselves: property reads run in
// short-lived goroutines and hand their result back to the loop, so a
// slow or vanished object cannot stall signal delivery. Readers see the
// tables through [Watcher.Snapshot], which returns an immutable copy.
package watcher

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/godbus/dbus/v5"

	"github.com/bigsaltyfishes/nmwatch/internal/config"
	"github.com/bigsaltyfishes/nmwatch/internal/connwatch"
	"github.com/bigsaltyfishes/nmwatch/internal/events"
	"github.com/bigsaltyfishes/nmwatch/internal/nm"
)

// ErrDisconnected reports that the signal stream ended because the bus
// connection dropped or NetworkManager left the bus.
var ErrDisconnected = errors.New("NetworkManager bus disconnected")

// Removal causes reported in [events.ConnectionEvent.Cause].
const (
	CauseInterfacesRemoved = "interfaces-removed"
	CauseInactive          = "inactive"
	CauseObjectGone        = "object-gone"
	CauseDeviceRemoved     = "device-removed"
	CauseSuperseded        = "superseded"
	CauseResync            = "resync"
	CauseSignal            = "signal"
)

// Config configures a Watcher.
type Config struct {
	// Dial opens a NetworkManager bus. It is called once by Run and
	// again after every disconnect. Required.
	Dial func(ctx context.Context) (nm.Bus, error)

	// Events receives every observation. A nil bus discards them.
	Events *events.Bus

	// Backoff paces reconnect attempts. Zero fields use
	// connwatch defaults.
	Backoff connwatch.BackoffConfig

	// LookupTimeout bounds each property read (default 5s).
	LookupTimeout time.Duration

	// MaxTombstones bounds how many removed paths are remembered
	// (default 1024).
	MaxTombstones int

	// Logger for structured logging. Uses slog.Default() if nil.
	Logger *slog.Logger
}

// Watcher observes NetworkManager connection state.
type Watcher struct {
	cfg    Config
	logger *slog.Logger
	table  *table

	connected atomic.Bool
	snap      atomic.Pointer[Snapshot]
}

// New creates a Watcher. Call Run to start it.
func New(cfg Config) *Watcher {
	if cfg.Dial == nil {
		panic("watcher: Config.Dial must not be nil")
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.LookupTimeout <= 0 {
		cfg.LookupTimeout = 5 * time.Second
	}
	if cfg.MaxTombstones <= 0 {
		cfg.MaxTombstones = 1024
	}
	w := &Watcher{
		cfg:    cfg,
		logger: cfg.Logger,
		table:  newTable(cfg.MaxTombstones),
	}
	w.snap.Store(w.table.snapshot(false))
	return w
}

// Snapshot returns the current tables. Safe for concurrent use.
func (w *Watcher) Snapshot() Snapshot {
	return *w.snap.Load()
}

// Connected reports whether the watcher currently holds a live
// subscription.
func (w *Watcher) Connected() bool {
	return w.connected.Load()
}

// Run connects, synchronizes and dispatches signals until ctx is
// cancelled. A failure to connect the first time is returned as an
// error; later disconnects are retried with backoff indefinitely.
// Run returns nil when ctx is cancelled.
func (w *Watcher) Run(ctx context.Context) error {
	bus, err := w.cfg.Dial(ctx)
	if err != nil {
		return fmt.Errorf("connect to NetworkManager: %w", err)
	}

	for first := true; ; first = false {
		synced, err := w.session(ctx, bus)
		if cerr := bus.Close(); cerr != nil {
			w.logger.Debug("closing bus", "error", cerr)
		}
		w.connected.Store(false)
		w.publishSnapshot()

		if ctx.Err() != nil {
			return nil
		}
		if first && !synced {
			return fmt.Errorf("initial NetworkManager sync: %w", err)
		}

		w.logger.Warn("lost NetworkManager bus, reconnecting", "error", err)
		ev := events.NewEvent(events.KindBusDisconnected)
		ev.Bus = &events.BusEvent{Error: err.Error()}
		w.emit(ev)

		var attempts int
		bus, attempts, err = w.redial(ctx)
		if err != nil {
			return nil
		}
		w.table.tombs.reset()

		ev = events.NewEvent(events.KindBusReconnected)
		ev.Bus = &events.BusEvent{Attempts: attempts}
		w.emit(ev)
	}
}

// redial retries Dial with exponential backoff until it succeeds or ctx
// is cancelled.
func (w *Watcher) redial(ctx context.Context) (nm.Bus, int, error) {
	backoff := connwatch.NewBackoff(w.cfg.Backoff)
	for attempt := 1; ; attempt++ {
		delay := backoff.Next()
		if !connwatch.Sleep(ctx, delay) {
			return nil, attempt, ctx.Err()
		}
		bus, err := w.cfg.Dial(ctx)
		if err == nil {
			w.logger.Info("reconnected to NetworkManager", "attempts", attempt)
			return bus, attempt, nil
		}
		w.logger.Debug("reconnect failed",
			"attempt", attempt,
			"next_delay", delay.String(),
			"error", err,
		)
	}
}

// session runs one subscription: subscribe, resync, then dispatch
// until the signal stream ends. It always returns a non-nil error;
// synced reports whether the initial resync completed.
func (w *Watcher) session(ctx context.Context, bus nm.Bus) (synced bool, err error) {
	sctx, cancel := context.WithCancel(ctx)
	s := &session{
		w:       w,
		bus:     bus,
		ctx:     sctx,
		results: make(chan func(), 16),
		scans:   make(map[dbus.ObjectPath]uint64),
	}
	defer func() {
		cancel()
		s.wg.Wait()
	}()

	// Subscribe before listing so nothing between the two is lost.
	sigs, err := bus.Subscribe(sctx)
	if err != nil {
		return false, fmt.Errorf("subscribe: %w", err)
	}
	if err := s.resync(); err != nil {
		return false, fmt.Errorf("sync: %w", err)
	}
	w.connected.Store(true)
	w.publishSnapshot()

	for {
		select {
		case <-ctx.Done():
			return true, ctx.Err()
		case sig, ok := <-sigs:
			if !ok {
				return true, ErrDisconnected
			}
			w.logger.Log(sctx, config.LevelTrace, "signal", "kind", sig.Kind.String(), "path", string(sig.Path))
			if err := s.handle(sig); err != nil {
				return true, err
			}
			w.publishSnapshot()
		case apply := <-s.results:
			apply()
			w.publishSnapshot()
		}
	}
}

func (w *Watcher) publishSnapshot() {
	w.snap.Store(w.table.snapshot(w.connected.Load()))
}

func (w *Watcher) emit(e events.Event) {
	level := slog.LevelInfo
	if e.Kind == events.KindBusDisconnected {
		level = slog.LevelWarn
	}
	w.logger.Log(context.Background(), level, "network event", e.LogAttrs()...)
	w.cfg.Events.Publish(e)
}

// session is the state of one subscription.
type session struct {
	w       *Watcher
	bus     nm.Bus
	ctx     context.Context
	wg      sync.WaitGroup
	results chan func()

	// scans counts AccessPoints signals per device so that only the
	// newest listing is reported.
	scans map[dbus.ObjectPath]uint64
}

// lookup runs fn off the dispatch loop and queues the closure it
// returns for the loop to apply.
func (s *session) lookup(fn func(ctx context.Context) func()) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ctx, cancel := context.WithTimeout(s.ctx, s.w.cfg.LookupTimeout)
		apply := fn(ctx)
		cancel()
		select {
		case s.results <- apply:
		case <-s.ctx.Done():
		}
	}()
}

// handle applies one signal to the tables.
func (s *session) handle(sig nm.Signal) error {
	switch sig.Kind {
	case nm.SignalConnectionStateChanged:
		s.connectionState(sig)
	case nm.SignalActiveConnectionsChanged:
		s.activeConnections(sig.Objects)
	case nm.SignalObjectRemoved:
		if sig.RemovesActiveConnection() {
			s.removeConnection(sig.Object, CauseInterfacesRemoved)
		}
	case nm.SignalDeviceAdded:
		s.fetchDevice(sig.Object)
	case nm.SignalDeviceRemoved:
		s.removeDevice(sig.Object)
	case nm.SignalDeviceStateChanged:
		s.deviceState(sig)
	case nm.SignalActiveAccessPointChanged:
		s.activeAccessPoint(sig.Path, sig.Object)
	case nm.SignalAccessPointsChanged:
		s.accessPoints(sig.Path, sig.Objects)
	case nm.SignalWirelessEnabledChanged:
		s.wirelessEnabled(sig.Enabled)
	case nm.SignalServiceOwnerChanged:
		if sig.Owner == "" {
			return fmt.Errorf("%w: service released its bus name", ErrDisconnected)
		}
	}
	return nil
}

// resync reconciles the tables against a full listing. It runs on the
// dispatch goroutine before signals are consumed, so it may block.
func (s *session) resync() error {
	t := s.w.table

	enabled, err := s.bus.WirelessEnabled(s.ctx)
	if err != nil {
		return err
	}
	// Report the switch once per sync, even if it did not change while
	// the bus was away.
	t.wirelessKnown = false
	s.wirelessEnabled(enabled)

	devPaths, err := s.bus.Devices(s.ctx)
	if err != nil {
		return err
	}
	seenDev := make(map[dbus.ObjectPath]bool, len(devPaths))
	for _, p := range devPaths {
		dev, err := s.bus.Device(s.ctx, p)
		if nm.IsObjectGone(err) {
			continue
		}
		if err != nil {
			return err
		}
		seenDev[p] = true
		status := &DeviceStatus{Device: dev}
		if dev.ActiveAccessPoint != "" {
			if ap, err := s.bus.AccessPoint(s.ctx, dev.ActiveAccessPoint); err == nil {
				status.AccessPoint = &ap
			}
		}
		prev, known := t.devices[p]
		t.devices[p] = status
		if !known || prev.placeholder {
			s.emitDevice(events.KindDeviceAdded, status, dev.State, dev.State, uint32(dev.StateReason))
		}
	}
	for _, p := range t.sortedDevicePaths() {
		if !seenDev[p] {
			s.removeDevice(p)
		}
	}

	acPaths, err := s.bus.ActiveConnections(s.ctx)
	if err != nil {
		return err
	}
	seenAC := make(map[dbus.ObjectPath]bool, len(acPaths))
	listed := make([]nm.ActiveConnection, 0, len(acPaths))
	for _, p := range acPaths {
		if t.tombs.has(p) {
			continue
		}
		ac, err := s.bus.ActiveConnection(s.ctx, p)
		if nm.IsObjectGone(err) {
			continue
		}
		if err != nil {
			return err
		}
		seenAC[p] = true
		listed = append(listed, ac)
	}

	// Visit the connection that keeps a shared device first, so the one
	// it displaces is never announced. The listing order says nothing
	// about age.
	slices.SortStableFunc(listed, func(a, b nm.ActiveConnection) int {
		switch {
		case outranks(a, b):
			return -1
		case outranks(b, a):
			return 1
		}
		return 0
	})
	for _, ac := range listed {
		p := ac.Path
		if c, ok := t.conns[p]; ok && c.UUID != "" && c.UUID != ac.UUID {
			// A restarted daemon reused the path for another profile.
			s.removeConnection(p, CauseResync)
			t.tombs.forget(p)
		}
		c, ok := t.conns[p]
		if !ok {
			c = &Connection{ActiveConnection: ac, Since: time.Now()}
			if by, ok := s.displacedBy(c); ok {
				s.w.logger.Debug("skipping displaced connection", "connection", p, "kept", by)
				t.tombs.add(p)
				continue
			}
			t.conns[p] = c
			s.bind(c)
			s.emitConnection(events.KindConnectionAdded, c, CauseResync)
			continue
		}
		c.ActiveConnection = ac
		c.signalled = false
		s.bind(c)
	}
	for _, p := range t.sortedConnPaths() {
		if !seenAC[p] {
			s.removeConnection(p, CauseResync)
		}
	}
	return nil
}

// connectionState handles Connection.Active StateChanged. Exactly one
// state event is emitted per signal unless the path is tombstoned.
func (s *session) connectionState(sig nm.Signal) {
	t := s.w.table
	if t.tombs.has(sig.Path) {
		s.w.logger.Debug("ignoring state change for removed connection", "connection", sig.Path)
		return
	}

	c, ok := t.conns[sig.Path]
	if !ok {
		c = s.track(sig.Path, CauseSignal)
	}

	prev := c.State
	c.State = nm.ParseActiveConnectionState(sig.State)
	c.Reason = nm.ParseActiveConnectionStateReason(sig.Reason)
	c.Since = time.Now()
	c.signalled = true

	ev := events.NewEvent(events.KindConnectionStateChanged)
	ev.State = &events.StateChangeEvent{
		Connection: string(c.Path),
		ID:         c.ID,
		UUID:       c.UUID,
		Type:       c.Type,
		Device:     firstDevice(c.Devices),
		Interface:  c.Interface,
		Previous:   prev,
		Current:    c.State,
		Reason:     c.Reason,
		RawReason:  sig.Reason,
	}
	s.w.emit(ev)
}

// activeConnections reconciles against the manager's ActiveConnections
// property.
func (s *session) activeConnections(paths []dbus.ObjectPath) {
	t := s.w.table
	present := make(map[dbus.ObjectPath]bool, len(paths))
	for _, p := range paths {
		present[p] = true
		if _, ok := t.conns[p]; ok || t.tombs.has(p) {
			continue
		}
		s.track(p, CauseSignal)
	}
	for _, p := range t.sortedConnPaths() {
		if !present[p] {
			s.removeConnection(p, CauseInactive)
		}
	}
}

// track adds a placeholder entry for a newly seen path, announces it,
// and schedules a property read to fill it in.
func (s *session) track(path dbus.ObjectPath, cause string) *Connection {
	c := &Connection{
		ActiveConnection: nm.ActiveConnection{Path: path},
		Since:            time.Now(),
	}
	s.w.table.conns[path] = c
	s.emitConnection(events.KindConnectionAdded, c, cause)

	s.lookup(func(ctx context.Context) func() {
		ac, err := s.bus.ActiveConnection(ctx, path)
		return func() { s.applyConnection(path, ac, err) }
	})
	return c
}

func (s *session) applyConnection(path dbus.ObjectPath, ac nm.ActiveConnection, err error) {
	c, ok := s.w.table.conns[path]
	if !ok {
		return
	}
	if err != nil {
		if nm.IsObjectGone(err) {
			s.removeConnection(path, CauseObjectGone)
			return
		}
		s.w.logger.Warn("reading active connection", "connection", path, "error", err)
		return
	}

	state := c.State
	c.ActiveConnection = ac
	if c.signalled {
		c.State = state
	}
	s.bind(c)
}

// bind records c as the connection of each of its devices. Of two
// connections claiming a device the one that outranks the other stays
// and the other is removed as superseded, whichever arrived first.
func (s *session) bind(c *Connection) {
	t := s.w.table
	if _, ok := s.displacedBy(c); ok {
		s.removeConnection(c.Path, CauseSuperseded)
		return
	}
	for _, d := range c.Devices {
		if other, ok := t.byDevice[d]; ok && other != c.Path {
			s.removeConnection(other, CauseSuperseded)
		}
		t.byDevice[d] = c.Path
	}
	c.Interface = t.interfaceOf(c.Devices)
}

// displacedBy returns the tracked connection that keeps one of c's
// devices over c, if any.
func (s *session) displacedBy(c *Connection) (dbus.ObjectPath, bool) {
	t := s.w.table
	for _, d := range c.Devices {
		other, ok := t.byDevice[d]
		if !ok || other == c.Path {
			continue
		}
		if oc, ok := t.conns[other]; ok && !outranks(c.ActiveConnection, oc.ActiveConnection) {
			return other, true
		}
	}
	return "", false
}

// removeConnection drops path from the table and emits its removal. It
// is a no-op for paths that are not tracked, which makes the removal
// event unique per path.
func (s *session) removeConnection(path dbus.ObjectPath, cause string) {
	t := s.w.table
	c, ok := t.conns[path]
	if !ok {
		return
	}
	delete(t.conns, path)
	for _, d := range c.Devices {
		if t.byDevice[d] == path {
			delete(t.byDevice, d)
		}
	}
	t.tombs.add(path)
	s.emitConnection(events.KindConnectionRemoved, c, cause)
}

func (s *session) fetchDevice(path dbus.ObjectPath) {
	s.lookup(func(ctx context.Context) func() {
		dev, err := s.bus.Device(ctx, path)
		return func() { s.applyDevice(path, dev, err) }
	})
}

func (s *session) applyDevice(path dbus.ObjectPath, dev nm.Device, err error) {
	t := s.w.table
	if err != nil {
		status, ok := t.devices[path]
		if ok && status.placeholder {
			// Never announced, so it leaves without a removal event.
			delete(t.devices, path)
		}
		if nm.IsObjectGone(err) {
			return
		}
		s.w.logger.Warn("reading device", "device", path, "error", err)
		return
	}

	status, known := t.devices[path]
	switch {
	case !known:
		status = &DeviceStatus{Device: dev}
		t.devices[path] = status
		s.emitDevice(events.KindDeviceAdded, status, dev.State, dev.State, uint32(dev.StateReason))
	case status.placeholder:
		held := status.held
		state, reason := status.State, status.StateReason
		status.Device = dev
		status.State, status.StateReason = state, reason
		status.placeholder, status.held = false, nil

		// Announce the device as it was before the first held signal,
		// then replay the held transitions in order.
		initial := nm.ParseDeviceState(held[0].OldState)
		s.emitDevice(events.KindDeviceAdded, status, initial, initial, uint32(dev.StateReason))
		for _, sig := range held {
			s.emitDevice(events.KindDeviceStateChanged, status,
				nm.ParseDeviceState(sig.OldState), nm.ParseDeviceState(sig.State), sig.Reason)
		}
	default:
		// Keep the signalled state; fill in everything else.
		state, reason := status.State, status.StateReason
		status.Device = dev
		status.State, status.StateReason = state, reason
	}

	for _, c := range t.conns {
		if c.Interface == "" {
			c.Interface = t.interfaceOf(c.Devices)
		}
	}
}

// removeDevice forgets a device and evicts the connection bound to it.
func (s *session) removeDevice(path dbus.ObjectPath) {
	t := s.w.table
	if ac, ok := t.byDevice[path]; ok {
		s.removeConnection(ac, CauseDeviceRemoved)
	}
	status, ok := t.devices[path]
	if !ok {
		return
	}
	delete(t.devices, path)
	if status.placeholder {
		return
	}
	s.emitDevice(events.KindDeviceRemoved, status, status.State, status.State, uint32(status.StateReason))
}

func (s *session) deviceState(sig nm.Signal) {
	t := s.w.table
	status, ok := t.devices[sig.Path]
	if !ok {
		status = &DeviceStatus{Device: nm.Device{Path: sig.Path}, placeholder: true}
		t.devices[sig.Path] = status
		s.fetchDevice(sig.Path)
	}

	prev := nm.ParseDeviceState(sig.OldState)
	status.State = nm.ParseDeviceState(sig.State)
	status.StateReason = nm.ParseDeviceStateReason(sig.Reason)
	if status.placeholder {
		status.held = append(status.held, sig)
		return
	}
	s.emitDevice(events.KindDeviceStateChanged, status, prev, status.State, sig.Reason)
}

func (s *session) activeAccessPoint(device, ap dbus.ObjectPath) {
	t := s.w.table
	if ap == nm.NoObject {
		ap = ""
	}
	if status, ok := t.devices[device]; ok {
		status.ActiveAccessPoint = ap
		if ap == "" {
			status.AccessPoint = nil
		}
	}
	if ap == "" {
		s.emitAccessPoint(device, nil)
		return
	}

	s.lookup(func(ctx context.Context) func() {
		snap, err := s.bus.AccessPoint(ctx, ap)
		return func() {
			if err != nil {
				s.w.logger.Debug("reading access point", "access_point", ap, "error", err)
				return
			}
			status, ok := t.devices[device]
			if ok && status.ActiveAccessPoint != ap {
				// Superseded by a later roam.
				return
			}
			if ok {
				status.AccessPoint = &snap
			}
			s.emitAccessPoint(device, &snap)
		}
	})
}

// accessPoints reports the APs a wireless device lists after a scan.
// The APs are read off the loop; a result is dropped when a newer
// listing for the same device arrived meanwhile.
func (s *session) accessPoints(device dbus.ObjectPath, paths []dbus.ObjectPath) {
	s.scans[device]++
	gen := s.scans[device]

	s.lookup(func(ctx context.Context) func() {
		aps := make([]nm.AccessPoint, 0, len(paths))
		for _, p := range paths {
			ap, err := s.bus.AccessPoint(ctx, p)
			if nm.IsObjectGone(err) {
				continue
			}
			if err != nil {
				return func() {
					s.w.logger.Warn("reading scan results", "device", device, "error", err)
				}
			}
			aps = append(aps, ap)
		}
		return func() {
			if s.scans[device] != gen {
				return
			}
			s.emitScan(device, nm.GroupAccessPoints(aps))
		}
	})
}

// wirelessEnabled records the radio switch and reports the first
// reading and every change.
func (s *session) wirelessEnabled(enabled bool) {
	t := s.w.table
	if t.wirelessKnown && t.wireless == enabled {
		return
	}
	t.wireless, t.wirelessKnown = enabled, true

	ev := events.NewEvent(events.KindWirelessEnabledChanged)
	ev.Radio = &events.RadioEvent{Enabled: enabled}
	s.w.emit(ev)
}

func (s *session) emitConnection(kind events.Kind, c *Connection, cause string) {
	ev := events.NewEvent(kind)
	ev.Connection = &events.ConnectionEvent{
		Connection: string(c.Path),
		ID:         c.ID,
		UUID:       c.UUID,
		Type:       c.Type,
		Device:     firstDevice(c.Devices),
		Interface:  c.Interface,
		State:      c.State,
		Cause:      cause,
	}
	s.w.emit(ev)
}

func (s *session) emitDevice(kind events.Kind, d *DeviceStatus, prev, cur nm.DeviceState, rawReason uint32) {
	ev := events.NewEvent(kind)
	ev.Device = &events.DeviceEvent{
		Device:    string(d.Path),
		Interface: d.Interface,
		Type:      d.Type,
		Previous:  prev,
		Current:   cur,
		Reason:    nm.ParseDeviceStateReason(rawReason),
		RawReason: rawReason,
	}
	s.w.emit(ev)
}

func (s *session) emitAccessPoint(device dbus.ObjectPath, ap *nm.AccessPoint) {
	ev := events.NewEvent(events.KindActiveAccessPointChanged)
	ev.AccessPoint = &events.AccessPointEvent{
		Device:      string(device),
		AccessPoint: ap,
	}
	if status, ok := s.w.table.devices[device]; ok {
		ev.AccessPoint.Interface = status.Interface
	}
	s.w.emit(ev)
}

func (s *session) emitScan(device dbus.ObjectPath, networks []nm.NetworkGroup) {
	if networks == nil {
		networks = []nm.NetworkGroup{}
	}
	ev := events.NewEvent(events.KindAccessPointScan)
	ev.Scan = &events.ScanEvent{
		Device:   string(device),
		Networks: networks,
	}
	if status, ok := s.w.table.devices[device]; ok {
		ev.Scan.Interface = status.Interface
	}
	s.w.emit(ev)
}

func firstDevice(devs []dbus.ObjectPath) string {
	if len(devs) == 0 {
		return ""
	}
	return string(devs[0])
}
