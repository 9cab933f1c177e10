package nm

import (
	"cmp"
	"slices"
	"strings"
	"time"

	"github.com/godbus/dbus/v5"
)

// NoObject is the path NetworkManager reports for an unset object
// reference, such as the ActiveAccessPoint of a disconnected radio.
const NoObject dbus.ObjectPath = "/"

// AP flag bits (NM80211ApFlags).
const (
	APFlagPrivacy uint32 = 0x1
	APFlagWPS     uint32 = 0x2
)

// AP security flag bits (NM80211ApSecurityFlags) used for classification.
const (
	SecKeyMgmtPSK   uint32 = 0x100
	SecKeyMgmt8021X uint32 = 0x200
	SecKeyMgmtSAE   uint32 = 0x400
	SecKeyMgmtOWE   uint32 = 0x800
	SecKeyMgmtOWETM uint32 = 0x1000
	SecKeyMgmtEAP   uint32 = 0x2000
)

// Security classifies how a network authenticates.
type Security int

// Security classes. Unsupported covers schemes this tool reports but
// does not break down further.
const (
	SecurityNone Security = iota
	SecurityWEP
	SecurityWPA
	SecurityWPA3
	SecurityEnterprise
	SecurityUnsupported
)

func (s Security) String() string {
	switch s {
	case SecurityNone:
		return "none"
	case SecurityWEP:
		return "wep"
	case SecurityWPA:
		return "wpa-psk"
	case SecurityWPA3:
		return "sae"
	case SecurityEnterprise:
		return "wpa-eap"
	default:
		return "unsupported"
	}
}

// MarshalText renders the security class by its key-mgmt style name.
func (s Security) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText decodes a name produced by MarshalText.
func (s *Security) UnmarshalText(b []byte) error {
	*s = SecurityUnsupported
	for v := SecurityNone; v <= SecurityUnsupported; v++ {
		if v.String() == string(b) {
			*s = v
			break
		}
	}
	return nil
}

// securityFromFlags classifies one set of WPA or RSN flags. The second
// return is false when the flags carry no key management at all.
func securityFromFlags(flags uint32) (Security, bool) {
	switch {
	case flags == 0:
		return SecurityNone, false
	case flags&SecKeyMgmtSAE != 0:
		return SecurityWPA3, true
	case flags&SecKeyMgmtPSK != 0:
		return SecurityWPA, true
	case flags&(SecKeyMgmt8021X|SecKeyMgmtEAP) != 0:
		return SecurityEnterprise, true
	default:
		return SecurityUnsupported, true
	}
}

// SecurityFromKeyMgmt maps a profile's 802-11-wireless-security.key-mgmt
// value. An empty value means the profile has no security section.
func SecurityFromKeyMgmt(keyMgmt string) Security {
	switch strings.ToLower(keyMgmt) {
	case "":
		return SecurityNone
	case "none", "ieee8021x":
		return SecurityWEP
	case "wpa-psk":
		return SecurityWPA
	case "sae":
		return SecurityWPA3
	case "wpa-eap", "wpa-eap-suite-b-192":
		return SecurityEnterprise
	default:
		return SecurityUnsupported
	}
}

// AccessPoint is a snapshot of an org.freedesktop.NetworkManager.AccessPoint
// object.
type AccessPoint struct {
	Path      dbus.ObjectPath `json:"path"`
	SSID      string          `json:"ssid"`
	BSSID     string          `json:"bssid"`
	Strength  uint8           `json:"strength"`
	Frequency uint32          `json:"frequency"`
	Flags     uint32          `json:"flags"`
	WPAFlags  uint32          `json:"wpa_flags"`
	RSNFlags  uint32          `json:"rsn_flags"`
	Mode      uint32          `json:"mode"`
	// LastSeen is CLOCK_BOOTTIME seconds of the last scan sighting, or
	// -1 if the AP was never found in a scan.
	LastSeen int32 `json:"last_seen"`
}

// Security classifies the AP. RSN flags take precedence over WPA flags;
// an AP with neither but the privacy bit set is WEP.
func (ap AccessPoint) Security() Security {
	if sec, ok := securityFromFlags(ap.RSNFlags); ok {
		return sec
	}
	if sec, ok := securityFromFlags(ap.WPAFlags); ok {
		return sec
	}
	if ap.Flags&APFlagPrivacy != 0 {
		return SecurityWEP
	}
	return SecurityNone
}

// Hidden reports whether the AP does not broadcast its SSID.
func (ap AccessPoint) Hidden() bool {
	return ap.SSID == ""
}

// NetworkGroup summarizes the visible APs that share an SSID and
// security class.
type NetworkGroup struct {
	SSID         string   `json:"ssid"`
	Security     Security `json:"security"`
	Strength     uint8    `json:"strength"`
	AccessPoints int      `json:"access_points"`
}

// GroupAccessPoints groups aps by SSID and security class, strongest
// group first. Hidden APs are omitted.
func GroupAccessPoints(aps []AccessPoint) []NetworkGroup {
	type key struct {
		ssid string
		sec  Security
	}
	index := make(map[key]int)
	var groups []NetworkGroup
	for _, ap := range aps {
		if ap.Hidden() {
			continue
		}
		k := key{ap.SSID, ap.Security()}
		i, ok := index[k]
		if !ok {
			i = len(groups)
			index[k] = i
			groups = append(groups, NetworkGroup{SSID: k.ssid, Security: k.sec})
		}
		groups[i].AccessPoints++
		groups[i].Strength = max(groups[i].Strength, ap.Strength)
	}
	slices.SortStableFunc(groups, func(a, b NetworkGroup) int {
		if c := cmp.Compare(b.Strength, a.Strength); c != 0 {
			return c
		}
		if c := cmp.Compare(a.SSID, b.SSID); c != 0 {
			return c
		}
		return cmp.Compare(a.Security, b.Security)
	})
	return groups
}

// Band returns "2.4GHz", "5GHz" or "6GHz" for the AP frequency, or "" if
// the frequency is outside those bands.
func (ap AccessPoint) Band() string {
	switch {
	case ap.Frequency >= 2400 && ap.Frequency < 2500:
		return "2.4GHz"
	case ap.Frequency >= 5150 && ap.Frequency < 5925:
		return "5GHz"
	case ap.Frequency >= 5925 && ap.Frequency <= 7125:
		return "6GHz"
	default:
		return ""
	}
}

// ActiveConnection is a snapshot of an
// org.freedesktop.NetworkManager.Connection.Active object.
type ActiveConnection struct {
	Path dbus.ObjectPath `json:"path"`
	// ID is the profile name, e.g. "Home WiFi".
	ID   string `json:"id"`
	UUID string `json:"uuid"`
	// Type is the profile type, e.g. "802-11-wireless".
	Type    string            `json:"type"`
	Devices []dbus.ObjectPath `json:"devices"`
	// SpecificObject is the access point for Wi-Fi connections.
	SpecificObject dbus.ObjectPath       `json:"specific_object,omitempty"`
	Profile        dbus.ObjectPath       `json:"profile,omitempty"`
	State          ActiveConnectionState `json:"state"`
	// Default is true when this connection owns the IPv4 default route.
	Default bool `json:"default"`
}

// Wireless reports whether the connection uses an 802.11 profile.
func (ac ActiveConnection) Wireless() bool {
	return ac.Type == ConnectionTypeWireless
}

// Device is a snapshot of an org.freedesktop.NetworkManager.Device object.
type Device struct {
	Path             dbus.ObjectPath   `json:"path"`
	Interface        string            `json:"interface"`
	Type             DeviceType        `json:"type"`
	State            DeviceState       `json:"state"`
	StateReason      DeviceStateReason `json:"state_reason"`
	ActiveConnection dbus.ObjectPath   `json:"active_connection,omitempty"`
	// ActiveAccessPoint is only populated for Wi-Fi devices.
	ActiveAccessPoint dbus.ObjectPath `json:"active_access_point,omitempty"`
}

// ConnectionTypeWireless is the connection.type of Wi-Fi profiles.
const ConnectionTypeWireless = "802-11-wireless"

// Profile is a saved settings connection.
type Profile struct {
	Path        dbus.ObjectPath `json:"path"`
	ID          string          `json:"id"`
	UUID        string          `json:"uuid"`
	Type        string          `json:"type"`
	SSID        string          `json:"ssid,omitempty"`
	Security    Security        `json:"security"`
	AutoConnect bool            `json:"autoconnect"`
	// Timestamp is the last time NetworkManager activated the profile.
	Timestamp time.Time `json:"timestamp,omitzero"`
}
