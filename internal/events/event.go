package events

import (
	"time"

	"github.com/google/uuid"

	"github.com/bigsaltyfishes/nmwatch/internal/nm"
)

// Kind identifies the payload an [Event] carries.
type Kind string

// Event kinds. Each kind sets exactly one payload field of [Event].
const (
	// KindConnectionAdded: an ActiveConnection appeared. Payload: Connection.
	KindConnectionAdded Kind = "connection_added"
	// KindConnectionStateChanged: one Connection.Active StateChanged
	// signal. Payload: State.
	KindConnectionStateChanged Kind = "connection_state_changed"
	// KindConnectionRemoved: an ActiveConnection went away. Emitted at
	// most once per object path. Payload: Connection.
	KindConnectionRemoved Kind = "connection_removed"

	// KindDeviceAdded and KindDeviceRemoved carry Device.
	KindDeviceAdded   Kind = "device_added"
	KindDeviceRemoved Kind = "device_removed"
	// KindDeviceStateChanged carries Device with previous state and reason.
	KindDeviceStateChanged Kind = "device_state_changed"

	// KindActiveAccessPointChanged: a wireless device associated with a
	// different AP or lost association. Payload: AccessPoint.
	KindActiveAccessPointChanged Kind = "active_access_point_changed"
	// KindAccessPointScan: a wireless device's list of visible APs
	// changed. Payload: Scan.
	KindAccessPointScan Kind = "access_point_scan"
	// KindWirelessEnabledChanged: the global Wi-Fi radio switch was
	// first read or flipped. Payload: Radio.
	KindWirelessEnabledChanged Kind = "wireless_enabled_changed"

	// KindBusDisconnected and KindBusReconnected carry Bus.
	KindBusDisconnected Kind = "bus_disconnected"
	KindBusReconnected  Kind = "bus_reconnected"
)

// Event is a single observation published by the watcher.
type Event struct {
	ID        string    `json:"id"`
	Timestamp time.Time `json:"ts"`
	Kind      Kind      `json:"kind"`

	State       *StateChangeEvent `json:"state,omitempty"`
	Connection  *ConnectionEvent  `json:"connection,omitempty"`
	Device      *DeviceEvent      `json:"device,omitempty"`
	AccessPoint *AccessPointEvent `json:"access_point,omitempty"`
	Scan        *ScanEvent        `json:"scan,omitempty"`
	Radio       *RadioEvent       `json:"radio,omitempty"`
	Bus         *BusEvent         `json:"bus,omitempty"`
}

// StateChangeEvent records one ActiveConnection state transition.
type StateChangeEvent struct {
	Connection string `json:"connection"`
	// ID is the profile name, empty until the connection's properties
	// have been read.
	ID        string                         `json:"id,omitempty"`
	UUID      string                         `json:"uuid,omitempty"`
	Type      string                         `json:"type,omitempty"`
	Device    string                         `json:"device,omitempty"`
	Interface string                         `json:"interface,omitempty"`
	Previous  nm.ActiveConnectionState       `json:"previous"`
	Current   nm.ActiveConnectionState       `json:"current"`
	Reason    nm.ActiveConnectionStateReason `json:"reason"`
	RawReason uint32                         `json:"raw_reason"`
}

// ConnectionEvent describes an ActiveConnection entering or leaving the
// watcher's table.
type ConnectionEvent struct {
	Connection string                   `json:"connection"`
	ID         string                   `json:"id,omitempty"`
	UUID       string                   `json:"uuid,omitempty"`
	Type       string                   `json:"type,omitempty"`
	Device     string                   `json:"device,omitempty"`
	Interface  string                   `json:"interface,omitempty"`
	State      nm.ActiveConnectionState `json:"state"`
	// Cause says why the connection was added or removed, for example
	// "interfaces-removed", "inactive", "object-gone", "device-removed",
	// "superseded" or "resync".
	Cause string `json:"cause,omitempty"`
}

// DeviceEvent describes a device appearing, disappearing or changing
// state.
type DeviceEvent struct {
	Device    string               `json:"device"`
	Interface string               `json:"interface,omitempty"`
	Type      nm.DeviceType        `json:"type"`
	Previous  nm.DeviceState       `json:"previous"`
	Current   nm.DeviceState       `json:"current"`
	Reason    nm.DeviceStateReason `json:"reason"`
	RawReason uint32               `json:"raw_reason"`
}

// AccessPointEvent describes a change of a wireless device's active AP.
type AccessPointEvent struct {
	Device    string `json:"device"`
	Interface string `json:"interface,omitempty"`
	// AccessPoint is nil when the device is no longer associated.
	AccessPoint *nm.AccessPoint `json:"access_point,omitempty"`
}

// ScanEvent reports the networks a wireless device currently sees,
// grouped by SSID and security class, strongest first.
type ScanEvent struct {
	Device    string            `json:"device"`
	Interface string            `json:"interface,omitempty"`
	Networks  []nm.NetworkGroup `json:"networks"`
}

// RadioEvent carries the global Wi-Fi radio switch.
type RadioEvent struct {
	Enabled bool `json:"enabled"`
}

// BusEvent describes a change in the watcher's bus connection.
type BusEvent struct {
	Error    string `json:"error,omitempty"`
	Attempts int    `json:"attempts,omitempty"`
}

// NewEvent stamps a new event with a time-ordered ID and the current
// time. The caller sets the payload.
func NewEvent(kind Kind) Event {
	id, err := uuid.NewV7()
	if err != nil {
		id = uuid.New()
	}
	return Event{
		ID:        id.String(),
		Timestamp: time.Now(),
		Kind:      kind,
	}
}

// ConnectionPath returns the ActiveConnection path the event refers to,
// or "" if it is not about a connection.
func (e Event) ConnectionPath() string {
	switch {
	case e.State != nil:
		return e.State.Connection
	case e.Connection != nil:
		return e.Connection.Connection
	}
	return ""
}

// DevicePath returns the device path the event refers to, if any.
func (e Event) DevicePath() string {
	switch {
	case e.State != nil:
		return e.State.Device
	case e.Connection != nil:
		return e.Connection.Device
	case e.Device != nil:
		return e.Device.Device
	case e.AccessPoint != nil:
		return e.AccessPoint.Device
	case e.Scan != nil:
		return e.Scan.Device
	}
	return ""
}

// LogAttrs flattens the event into slog key/value pairs.
func (e Event) LogAttrs() []any {
	attrs := []any{"kind", string(e.Kind)}
	switch {
	case e.State != nil:
		s := e.State
		attrs = append(attrs,
			"connection", s.Connection,
			"id", s.ID,
			"interface", s.Interface,
			"previous", s.Previous.String(),
			"current", s.Current.String(),
			"reason", s.Reason.String(),
			"raw_reason", s.RawReason,
		)
	case e.Connection != nil:
		c := e.Connection
		attrs = append(attrs,
			"connection", c.Connection,
			"id", c.ID,
			"interface", c.Interface,
			"state", c.State.String(),
			"cause", c.Cause,
		)
	case e.Device != nil:
		d := e.Device
		attrs = append(attrs,
			"device", d.Device,
			"interface", d.Interface,
			"type", d.Type.String(),
			"previous", d.Previous.String(),
			"current", d.Current.String(),
			"reason", d.Reason.String(),
		)
	case e.AccessPoint != nil:
		a := e.AccessPoint
		attrs = append(attrs, "device", a.Device, "interface", a.Interface)
		if a.AccessPoint != nil {
			attrs = append(attrs,
				"ssid", a.AccessPoint.SSID,
				"bssid", a.AccessPoint.BSSID,
				"strength", a.AccessPoint.Strength,
			)
		}
	case e.Scan != nil:
		attrs = append(attrs,
			"device", e.Scan.Device,
			"interface", e.Scan.Interface,
			"networks", len(e.Scan.Networks),
		)
	case e.Radio != nil:
		attrs = append(attrs, "enabled", e.Radio.Enabled)
	case e.Bus != nil:
		if e.Bus.Error != "" {
			attrs = append(attrs, "error", e.Bus.Error)
		}
		if e.Bus.Attempts > 0 {
			attrs = append(attrs, "attempts", e.Bus.Attempts)
		}
	}
	return attrs
}
