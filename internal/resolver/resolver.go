// Package resolver answers "which access points serve this SSID, and
// which connection did NetworkManager pick for it?" It only reads
// NetworkManager state. Choosing, scanning and roaming stay with
// NetworkManager.
package resolver

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"

	"github.com/godbus/dbus/v5"

	"github.com/bigsaltyfishes/nmwatch/internal/nm"
)

// ErrEmptySSID is returned when Resolve is called without an SSID.
var ErrEmptySSID = errors.New("ssid must not be empty")

// Inventory is the read-only NetworkManager surface the resolver uses.
// [nm.Client] implements it.
type Inventory interface {
	Devices(ctx context.Context) ([]dbus.ObjectPath, error)
	Device(ctx context.Context, path dbus.ObjectPath) (nm.Device, error)
	ActiveConnections(ctx context.Context) ([]dbus.ObjectPath, error)
	ActiveConnection(ctx context.Context, path dbus.ObjectPath) (nm.ActiveConnection, error)
	AccessPoints(ctx context.Context, device dbus.ObjectPath) ([]dbus.ObjectPath, error)
	AccessPoint(ctx context.Context, path dbus.ObjectPath) (nm.AccessPoint, error)
	Profiles(ctx context.Context) ([]nm.Profile, error)
}

// Match is one visible access point broadcasting the requested SSID.
type Match struct {
	AccessPoint nm.AccessPoint  `json:"access_point"`
	Security    nm.Security     `json:"security"`
	Device      dbus.ObjectPath `json:"device"`
	Interface   string          `json:"interface"`
	// Known is true when a saved profile has the same SSID and security.
	Known bool `json:"known"`
	// Active is true when the device is currently associated with this AP.
	Active bool `json:"active"`
}

// Result is the answer to one Resolve call. A result with no access
// points and no selected connection means nothing matched.
type Result struct {
	SSID         string  `json:"ssid"`
	AccessPoints []Match `json:"access_points"`
	// Selected lists every active connection serving the SSID. When
	// several devices see the same network, each appears here; no
	// single one is preferred.
	Selected []nm.ActiveConnection `json:"selected"`
	// Profiles are the saved profiles for the SSID.
	Profiles []nm.Profile `json:"profiles"`
}

// Empty reports whether nothing matched.
func (r Result) Empty() bool {
	return len(r.AccessPoints) == 0 && len(r.Selected) == 0
}

// Best returns the strongest matching AP, preferring one a device is
// associated with.
func (r Result) Best() (Match, bool) {
	for _, m := range r.AccessPoints {
		if m.Active {
			return m, true
		}
	}
	if len(r.AccessPoints) == 0 {
		return Match{}, false
	}
	return r.AccessPoints[0], true
}

// Network summarizes the visible APs sharing an SSID and security class.
type Network struct {
	SSID         string      `json:"ssid"`
	Security     nm.Security `json:"security"`
	Strength     uint8       `json:"strength"`
	AccessPoints int         `json:"access_points"`
	Known        bool        `json:"known"`
	Active       bool        `json:"active"`
}

// Resolver queries NetworkManager on demand.
type Resolver struct {
	inv    Inventory
	logger *slog.Logger
}

// New creates a Resolver. A nil logger uses slog.Default().
func New(inv Inventory, logger *slog.Logger) *Resolver {
	if logger == nil {
		logger = slog.Default()
	}
	return &Resolver{inv: inv, logger: logger}
}

type profileKey struct {
	ssid string
	sec  nm.Security
}

// visibleAP is an AP together with the Wi-Fi device that sees it.
type visibleAP struct {
	ap     nm.AccessPoint
	device nm.Device
}

// Resolve returns the visible APs broadcasting ssid and the active
// connections serving it. Objects that disappear while the query runs
// are skipped. If nothing matches, the result is empty and err is nil.
func (r *Resolver) Resolve(ctx context.Context, ssid string) (Result, error) {
	if ssid == "" {
		return Result{}, ErrEmptySSID
	}
	res := Result{
		SSID:         ssid,
		AccessPoints: []Match{},
		Selected:     []nm.ActiveConnection{},
		Profiles:     []nm.Profile{},
	}

	profiles, err := r.inv.Profiles(ctx)
	if err != nil {
		return Result{}, fmt.Errorf("list profiles: %w", err)
	}
	known := make(map[profileKey]bool)
	profileByPath := make(map[dbus.ObjectPath]nm.Profile, len(profiles))
	for _, p := range profiles {
		profileByPath[p.Path] = p
		if p.SSID == ssid {
			known[profileKey{p.SSID, p.Security}] = true
			res.Profiles = append(res.Profiles, p)
		}
	}

	visible, err := r.visible(ctx)
	if err != nil {
		return Result{}, err
	}
	matched := make(map[dbus.ObjectPath]bool)
	for _, v := range visible {
		if v.ap.SSID != ssid {
			continue
		}
		matched[v.ap.Path] = true
		res.AccessPoints = append(res.AccessPoints, newMatch(v, known))
	}

	acPaths, err := r.inv.ActiveConnections(ctx)
	if err != nil {
		return Result{}, fmt.Errorf("list active connections: %w", err)
	}
	for _, p := range acPaths {
		ac, err := r.inv.ActiveConnection(ctx, p)
		if nm.IsObjectGone(err) {
			continue
		}
		if err != nil {
			return Result{}, fmt.Errorf("read active connection %s: %w", p, err)
		}

		viaAP := matched[ac.SpecificObject]
		viaProfile := profileByPath[ac.Profile].SSID == ssid
		if !viaAP && !viaProfile {
			continue
		}
		res.Selected = append(res.Selected, ac)

		if !viaAP && ac.SpecificObject != "" {
			// A hidden network: the AP does not broadcast the SSID, but
			// the profile says this is the one.
			if m, ok := hiddenMatch(ac, visible, known); ok {
				matched[m.AccessPoint.Path] = true
				res.AccessPoints = append(res.AccessPoints, m)
			}
		}
	}

	slices.SortFunc(res.AccessPoints, func(a, b Match) int {
		if c := cmp.Compare(b.AccessPoint.Strength, a.AccessPoint.Strength); c != 0 {
			return c
		}
		return cmp.Compare(a.AccessPoint.BSSID, b.AccessPoint.BSSID)
	})

	r.logger.Debug("resolved ssid",
		"ssid", ssid,
		"access_points", len(res.AccessPoints),
		"selected", len(res.Selected),
	)
	return res, nil
}

// Networks groups every visible AP by SSID and security class, strongest
// network first. Hidden APs are omitted.
func (r *Resolver) Networks(ctx context.Context) ([]Network, error) {
	profiles, err := r.inv.Profiles(ctx)
	if err != nil {
		return nil, fmt.Errorf("list profiles: %w", err)
	}
	known := make(map[profileKey]bool)
	for _, p := range profiles {
		if p.SSID != "" {
			known[profileKey{p.SSID, p.Security}] = true
		}
	}

	visible, err := r.visible(ctx)
	if err != nil {
		return nil, err
	}

	aps := make([]nm.AccessPoint, 0, len(visible))
	active := make(map[profileKey]bool)
	for _, v := range visible {
		aps = append(aps, v.ap)
		if v.device.ActiveAccessPoint == v.ap.Path {
			active[profileKey{v.ap.SSID, v.ap.Security()}] = true
		}
	}

	groups := nm.GroupAccessPoints(aps)
	networks := make([]Network, 0, len(groups))
	for _, g := range groups {
		key := profileKey{g.SSID, g.Security}
		networks = append(networks, Network{
			SSID:         g.SSID,
			Security:     g.Security,
			Strength:     g.Strength,
			AccessPoints: g.AccessPoints,
			Known:        known[key],
			Active:       active[key],
		})
	}
	return networks, nil
}

// visible lists the APs of every Wi-Fi device.
func (r *Resolver) visible(ctx context.Context) ([]visibleAP, error) {
	devPaths, err := r.inv.Devices(ctx)
	if err != nil {
		return nil, fmt.Errorf("list devices: %w", err)
	}

	var out []visibleAP
	for _, dp := range devPaths {
		dev, err := r.inv.Device(ctx, dp)
		if nm.IsObjectGone(err) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("read device %s: %w", dp, err)
		}
		if dev.Type != nm.DeviceTypeWiFi {
			continue
		}

		apPaths, err := r.inv.AccessPoints(ctx, dp)
		if nm.IsObjectGone(err) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("list access points of %s: %w", dev.Interface, err)
		}
		for _, ap := range apPaths {
			snap, err := r.inv.AccessPoint(ctx, ap)
			if nm.IsObjectGone(err) {
				r.logger.Debug("access point vanished during query", "access_point", ap)
				continue
			}
			if err != nil {
				return nil, fmt.Errorf("read access point %s: %w", ap, err)
			}
			out = append(out, visibleAP{ap: snap, device: dev})
		}
	}
	return out, nil
}

func hiddenMatch(ac nm.ActiveConnection, visible []visibleAP, known map[profileKey]bool) (Match, bool) {
	for _, v := range visible {
		if v.ap.Path == ac.SpecificObject {
			m := newMatch(v, known)
			m.Known = true
			return m, true
		}
	}
	return Match{}, false
}

func newMatch(v visibleAP, known map[profileKey]bool) Match {
	sec := v.ap.Security()
	return Match{
		AccessPoint: v.ap,
		Security:    sec,
		Device:      v.device.Path,
		Interface:   v.device.Interface,
		Known:       known[profileKey{v.ap.SSID, sec}],
		Active:      v.device.ActiveAccessPoint == v.ap.Path,
	}
}
