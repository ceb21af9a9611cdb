// Package fleet resolves a freshly provisioned device to a fleet record.
package fleet

import (
	"strings"
	"time"
)

// DeviceClass is the hardware family of a player. The set is closed: every
// class must appear in Classes and in the provisioning template table.
type DeviceClass string

const (
	ClassPi4     DeviceClass = "pi4"
	ClassPi5     DeviceClass = "pi5"
	ClassUnknown DeviceClass = "unknown"
)

// Classes lists the classes a device can be provisioned as.
var Classes = []DeviceClass{ClassPi4, ClassPi5}

// ParseClass maps a stored value back to a class.
func ParseClass(s string) DeviceClass {
	switch DeviceClass(strings.TrimSpace(s)) {
	case ClassPi4:
		return ClassPi4
	case ClassPi5:
		return ClassPi5
	default:
		return ClassUnknown
	}
}

// DetectClass classifies the device-tree model string. Unrecognised boards
// are treated as pi4, the older and more permissive image set.
func DetectClass(model string) DeviceClass {
	model = strings.TrimRight(strings.TrimSpace(model), "\x00")
	switch {
	case strings.Contains(model, "Raspberry Pi 5"), strings.Contains(model, "Compute Module 5"):
		return ClassPi5
	default:
		return ClassPi4
	}
}

// Device is the fleet record of a managed player.
type Device struct {
	ID         string
	Name       string
	URL        string
	MAC        string
	Class      DeviceClass
	Online     bool
	LastSeen   time.Time
	VPNAddress string
	VPNEnabled bool
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// AddressURL is the URL a device is reached at for a network address.
func AddressURL(addr string) string {
	return "http://" + strings.TrimSpace(addr)
}

// NormalizeMAC lowercases and trims a hardware address. Empty and all-zero
// addresses are not identities.
func NormalizeMAC(mac string) string {
	mac = strings.ToLower(strings.TrimSpace(mac))
	if mac == "" || mac == "00:00:00:00:00:00" {
		return ""
	}
	return mac
}
