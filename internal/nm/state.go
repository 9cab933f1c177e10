package nm

import "fmt"

// ActiveConnectionState is the lifecycle state of an ActiveConnection
// object (NMActiveConnectionState).
type ActiveConnectionState uint32

// Active connection states as published on the wire.
const (
	ActiveStateUnknown      ActiveConnectionState = 0
	ActiveStateActivating   ActiveConnectionState = 1
	ActiveStateActivated    ActiveConnectionState = 2
	ActiveStateDeactivating ActiveConnectionState = 3
	ActiveStateDeactivated  ActiveConnectionState = 4
)

// ParseActiveConnectionState maps a wire value to a state. Values outside
// the known range map to [ActiveStateUnknown].
func ParseActiveConnectionState(v uint32) ActiveConnectionState {
	if v > uint32(ActiveStateDeactivated) {
		return ActiveStateUnknown
	}
	return ActiveConnectionState(v)
}

func (s ActiveConnectionState) String() string {
	switch s {
	case ActiveStateActivating:
		return "activating"
	case ActiveStateActivated:
		return "activated"
	case ActiveStateDeactivating:
		return "deactivating"
	case ActiveStateDeactivated:
		return "deactivated"
	default:
		return "unknown"
	}
}

// MarshalText renders the state by name so JSON and log output stay
// readable.
func (s ActiveConnectionState) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText is the inverse of MarshalText. Unknown names decode to
// [ActiveStateUnknown].
func (s *ActiveConnectionState) UnmarshalText(b []byte) error {
	for v := ActiveStateUnknown; v <= ActiveStateDeactivated; v++ {
		if v.String() == string(b) {
			*s = v
			return nil
		}
	}
	*s = ActiveStateUnknown
	return nil
}

// ActiveConnectionStateReason explains an ActiveConnection state
// transition (NMActiveConnectionStateReason).
type ActiveConnectionStateReason uint32

// Reasons published with the Connection.Active StateChanged signal.
const (
	ReasonUnknown             ActiveConnectionStateReason = 0
	ReasonNone                ActiveConnectionStateReason = 1
	ReasonUserDisconnected    ActiveConnectionStateReason = 2
	ReasonDeviceDisconnected  ActiveConnectionStateReason = 3
	ReasonServiceStopped      ActiveConnectionStateReason = 4
	ReasonIPConfigInvalid     ActiveConnectionStateReason = 5
	ReasonConnectTimeout      ActiveConnectionStateReason = 6
	ReasonServiceStartTimeout ActiveConnectionStateReason = 7
	ReasonServiceStartFailed  ActiveConnectionStateReason = 8
	ReasonNoSecrets           ActiveConnectionStateReason = 9
	ReasonLoginFailed         ActiveConnectionStateReason = 10
	ReasonConnectionRemoved   ActiveConnectionStateReason = 11
	ReasonDependencyFailed    ActiveConnectionStateReason = 12
	ReasonDeviceRealizeFailed ActiveConnectionStateReason = 13
	ReasonDeviceRemoved       ActiveConnectionStateReason = 14
)

var activeReasonNames = [...]string{
	ReasonUnknown:             "unknown",
	ReasonNone:                "none",
	ReasonUserDisconnected:    "user-disconnected",
	ReasonDeviceDisconnected:  "device-disconnected",
	ReasonServiceStopped:      "service-stopped",
	ReasonIPConfigInvalid:     "ip-config-invalid",
	ReasonConnectTimeout:      "connect-timeout",
	ReasonServiceStartTimeout: "service-start-timeout",
	ReasonServiceStartFailed:  "service-start-failed",
	ReasonNoSecrets:           "no-secrets",
	ReasonLoginFailed:         "login-failed",
	ReasonConnectionRemoved:   "connection-removed",
	ReasonDependencyFailed:    "dependency-failed",
	ReasonDeviceRealizeFailed: "device-realize-failed",
	ReasonDeviceRemoved:       "device-removed",
}

// ParseActiveConnectionStateReason maps a reason code to the closed set.
// Codes this package does not know (newer NetworkManager releases add
// them) collapse to [ReasonUnknown].
func ParseActiveConnectionStateReason(code uint32) ActiveConnectionStateReason {
	if code >= uint32(len(activeReasonNames)) {
		return ReasonUnknown
	}
	return ActiveConnectionStateReason(code)
}

func (r ActiveConnectionStateReason) String() string {
	if int(r) < len(activeReasonNames) {
		return activeReasonNames[r]
	}
	return "unknown"
}

// MarshalText renders the reason by name.
func (r ActiveConnectionStateReason) MarshalText() ([]byte, error) {
	return []byte(r.String()), nil
}

// UnmarshalText decodes a reason name. Unrecognized names decode to
// [ReasonUnknown].
func (r *ActiveConnectionStateReason) UnmarshalText(b []byte) error {
	*r = ReasonUnknown
	for i, name := range activeReasonNames {
		if name == string(b) {
			*r = ActiveConnectionStateReason(i)
			break
		}
	}
	return nil
}

// DeviceState is NMDeviceState.
type DeviceState uint32

// Device states. The wire values step by ten.
const (
	DeviceStateUnknown      DeviceState = 0
	DeviceStateUnmanaged    DeviceState = 10
	DeviceStateUnavailable  DeviceState = 20
	DeviceStateDisconnected DeviceState = 30
	DeviceStatePrepare      DeviceState = 40
	DeviceStateConfig       DeviceState = 50
	DeviceStateNeedAuth     DeviceState = 60
	DeviceStateIPConfig     DeviceState = 70
	DeviceStateIPCheck      DeviceState = 80
	DeviceStateSecondaries  DeviceState = 90
	DeviceStateActivated    DeviceState = 100
	DeviceStateDeactivating DeviceState = 110
	DeviceStateFailed       DeviceState = 120
)

var deviceStateNames = map[DeviceState]string{
	DeviceStateUnknown:      "unknown",
	DeviceStateUnmanaged:    "unmanaged",
	DeviceStateUnavailable:  "unavailable",
	DeviceStateDisconnected: "disconnected",
	DeviceStatePrepare:      "prepare",
	DeviceStateConfig:       "config",
	DeviceStateNeedAuth:     "need-auth",
	DeviceStateIPConfig:     "ip-config",
	DeviceStateIPCheck:      "ip-check",
	DeviceStateSecondaries:  "secondaries",
	DeviceStateActivated:    "activated",
	DeviceStateDeactivating: "deactivating",
	DeviceStateFailed:       "failed",
}

// ParseDeviceState maps a wire value to a DeviceState, collapsing
// unrecognized values to [DeviceStateUnknown].
func ParseDeviceState(v uint32) DeviceState {
	if _, ok := deviceStateNames[DeviceState(v)]; !ok {
		return DeviceStateUnknown
	}
	return DeviceState(v)
}

func (s DeviceState) String() string {
	if name, ok := deviceStateNames[s]; ok {
		return name
	}
	return "unknown"
}

// MarshalText renders the device state by name.
func (s DeviceState) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText decodes a device state name.
func (s *DeviceState) UnmarshalText(b []byte) error {
	*s = DeviceStateUnknown
	for v, name := range deviceStateNames {
		if name == string(b) {
			*s = v
			break
		}
	}
	return nil
}

// Connected reports whether the device carries a usable connection.
func (s DeviceState) Connected() bool {
	return s == DeviceStateActivated
}

// Connecting reports whether the device is somewhere in activation.
func (s DeviceState) Connecting() bool {
	return s >= DeviceStatePrepare && s <= DeviceStateSecondaries
}

// DeviceStateReason is NMDeviceStateReason.
type DeviceStateReason uint32

// A subset of device reasons is named for callers that branch on them.
// The full set is rendered by String.
const (
	DeviceReasonNone              DeviceStateReason = 0
	DeviceReasonUnknown           DeviceStateReason = 1
	DeviceReasonNoSecrets         DeviceStateReason = 7
	DeviceReasonSupplicantTimeout DeviceStateReason = 11
	DeviceReasonRemoved           DeviceStateReason = 36
	DeviceReasonSleeping          DeviceStateReason = 37
	DeviceReasonConnectionRemoved DeviceStateReason = 38
	DeviceReasonUserRequested     DeviceStateReason = 39
	DeviceReasonCarrier           DeviceStateReason = 40
	DeviceReasonSSIDNotFound      DeviceStateReason = 53
	DeviceReasonNewActivation     DeviceStateReason = 60
)

var deviceReasonNames = [...]string{
	"none", "unknown", "now-managed", "now-unmanaged", "config-failed",
	"ip-config-unavailable", "ip-config-expired", "no-secrets",
	"supplicant-disconnect", "supplicant-config-failed", "supplicant-failed",
	"supplicant-timeout", "ppp-start-failed", "ppp-disconnect", "ppp-failed",
	"dhcp-start-failed", "dhcp-error", "dhcp-failed", "shared-start-failed",
	"shared-failed", "autoip-start-failed", "autoip-error", "autoip-failed",
	"modem-busy", "modem-no-dial-tone", "modem-no-carrier", "modem-dial-timeout",
	"modem-dial-failed", "modem-init-failed", "gsm-apn-failed",
	"gsm-registration-not-searching", "gsm-registration-denied",
	"gsm-registration-timeout", "gsm-registration-failed",
	"gsm-pin-check-failed", "firmware-missing", "removed", "sleeping",
	"connection-removed", "user-requested", "carrier", "connection-assumed",
	"supplicant-available", "modem-not-found", "bt-failed",
	"gsm-sim-not-inserted", "gsm-sim-pin-required", "gsm-sim-puk-required",
	"gsm-sim-wrong", "infiniband-mode", "dependency-failed", "br2684-failed",
	"modem-manager-unavailable", "ssid-not-found",
	"secondary-connection-failed", "dcb-fcoe-failed", "teamd-control-failed",
	"modem-failed", "modem-available", "sim-pin-incorrect", "new-activation",
	"parent-changed", "parent-managed-changed", "ovsdb-failed",
	"ip-address-duplicate", "ip-method-unsupported",
	"sriov-configuration-failed", "peer-not-found",
}

// ParseDeviceStateReason maps a reason code to the closed set, with
// unrecognized codes collapsing to [DeviceReasonUnknown].
func ParseDeviceStateReason(code uint32) DeviceStateReason {
	if code >= uint32(len(deviceReasonNames)) {
		return DeviceReasonUnknown
	}
	return DeviceStateReason(code)
}

func (r DeviceStateReason) String() string {
	if int(r) < len(deviceReasonNames) {
		return deviceReasonNames[r]
	}
	return "unknown"
}

// MarshalText renders the reason by name.
func (r DeviceStateReason) MarshalText() ([]byte, error) {
	return []byte(r.String()), nil
}

// UnmarshalText decodes a reason name.
func (r *DeviceStateReason) UnmarshalText(b []byte) error {
	*r = DeviceReasonUnknown
	for i, name := range deviceReasonNames {
		if name == string(b) {
			*r = DeviceStateReason(i)
			break
		}
	}
	return nil
}

// DeviceType is NMDeviceType.
type DeviceType uint32

// Device types. Values not listed here parse to DeviceTypeUnknown.
const (
	DeviceTypeUnknown    DeviceType = 0
	DeviceTypeEthernet   DeviceType = 1
	DeviceTypeWiFi       DeviceType = 2
	DeviceTypeBluetooth  DeviceType = 5
	DeviceTypeOLPCMesh   DeviceType = 6
	DeviceTypeWiMax      DeviceType = 7
	DeviceTypeModem      DeviceType = 8
	DeviceTypeInfiniband DeviceType = 9
	DeviceTypeBond       DeviceType = 10
	DeviceTypeVLAN       DeviceType = 11
	DeviceTypeADSL       DeviceType = 12
	DeviceTypeBridge     DeviceType = 13
	DeviceTypeGeneric    DeviceType = 14
	DeviceTypeTeam       DeviceType = 15
	DeviceTypeTun        DeviceType = 16
	DeviceTypeIPTunnel   DeviceType = 17
	DeviceTypeMACVLAN    DeviceType = 18
	DeviceTypeVxLAN      DeviceType = 19
	DeviceTypeVeth       DeviceType = 20
)

var deviceTypeNames = map[DeviceType]string{
	DeviceTypeUnknown:    "unknown",
	DeviceTypeEthernet:   "ethernet",
	DeviceTypeWiFi:       "wifi",
	DeviceTypeBluetooth:  "bluetooth",
	DeviceTypeOLPCMesh:   "olpc-mesh",
	DeviceTypeWiMax:      "wimax",
	DeviceTypeModem:      "modem",
	DeviceTypeInfiniband: "infiniband",
	DeviceTypeBond:       "bond",
	DeviceTypeVLAN:       "vlan",
	DeviceTypeADSL:       "adsl",
	DeviceTypeBridge:     "bridge",
	DeviceTypeGeneric:    "generic",
	DeviceTypeTeam:       "team",
	DeviceTypeTun:        "tun",
	DeviceTypeIPTunnel:   "ip-tunnel",
	DeviceTypeMACVLAN:    "macvlan",
	DeviceTypeVxLAN:      "vxlan",
	DeviceTypeVeth:       "veth",
}

// ParseDeviceType maps a wire value to a DeviceType.
func ParseDeviceType(v uint32) DeviceType {
	if _, ok := deviceTypeNames[DeviceType(v)]; !ok {
		return DeviceTypeUnknown
	}
	return DeviceType(v)
}

func (t DeviceType) String() string {
	if name, ok := deviceTypeNames[t]; ok {
		return name
	}
	return fmt.Sprintf("unknown(%d)", uint32(t))
}

// MarshalText renders the device type by name.
func (t DeviceType) MarshalText() ([]byte, error) {
	return []byte(t.String()), nil
}

// UnmarshalText decodes a device type name.
func (t *DeviceType) UnmarshalText(b []byte) error {
	*t = DeviceTypeUnknown
	for v, name := range deviceTypeNames {
		if name == string(b) {
			*t = v
			break
		}
	}
	return nil
}
