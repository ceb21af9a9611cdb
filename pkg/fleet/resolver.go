package fleet

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

// ErrAddressConflict is returned when the URL a device should move to is
// already held by a different device record.
var ErrAddressConflict = errors.New("fleet: address already registered to another device")

// Store is the slice of the fleet store the resolver needs. Finders return
// (nil, nil) when nothing matches.
type Store interface {
	FindDeviceByMAC(ctx context.Context, mac string) (*Device, error)
	FindDeviceByURL(ctx context.Context, url string) (*Device, error)
	CreateDevice(ctx context.Context, d *Device) error
	UpdateDevice(ctx context.Context, d *Device) error
}

// Identity is what a provisioning run learned about the device.
type Identity struct {
	Name       string
	Address    string
	MAC        string
	VPNAddress string
	Class      DeviceClass
}

// PreferredURL is the mesh URL when the device joined the mesh, else the
// network address URL.
func (id Identity) PreferredURL() string {
	if vpn := strings.TrimSpace(id.VPNAddress); vpn != "" {
		return AddressURL(vpn)
	}
	return AddressURL(id.Address)
}

// Resolver performs MAC-first create-or-update of device records.
type Resolver struct {
	store Store
	now   func() time.Time
}

// NewResolver returns a resolver over store.
func NewResolver(store Store) *Resolver {
	return &Resolver{store: store, now: func() time.Time { return time.Now().UTC() }}
}

// Resolve matches by MAC, then by the network address URL, then by the mesh
// URL, and creates a record when nothing matches. A MAC match never falls
// through to the address lookups.
func (r *Resolver) Resolve(ctx context.Context, id Identity) (*Device, bool, error) {
	mac := NormalizeMAC(id.MAC)
	addrURL := AddressURL(id.Address)
	targetURL := id.PreferredURL()

	var (
		existing *Device
		matched  string
		err      error
	)
	if mac != "" {
		existing, err = r.store.FindDeviceByMAC(ctx, mac)
		if err != nil {
			return nil, false, errors.Wrap(err, "fleet: lookup by mac failed")
		}
		matched = "mac"
	}
	if existing == nil {
		existing, err = r.store.FindDeviceByURL(ctx, addrURL)
		if err != nil {
			return nil, false, errors.Wrap(err, "fleet: lookup by address failed")
		}
		matched = "address"
	}
	if existing == nil && targetURL != addrURL {
		existing, err = r.store.FindDeviceByURL(ctx, targetURL)
		if err != nil {
			return nil, false, errors.Wrap(err, "fleet: lookup by mesh address failed")
		}
		matched = "mesh"
	}

	if err := r.ensureURLFree(ctx, targetURL, existing); err != nil {
		return nil, false, err
	}

	now := r.now()
	name := strings.TrimSpace(id.Name)
	if name == "" {
		name = "Player " + strings.TrimSpace(id.Address)
	}
	class := id.Class
	if class == "" {
		class = ClassUnknown
	}

	if existing != nil {
		previous := existing.URL
		existing.Name = name
		existing.URL = targetURL
		existing.Online = true
		existing.LastSeen = now
		existing.Class = class
		existing.MAC = mac
		if vpn := strings.TrimSpace(id.VPNAddress); vpn != "" {
			existing.VPNAddress = vpn
			existing.VPNEnabled = true
		}
		existing.UpdatedAt = now
		if err := r.store.UpdateDevice(ctx, existing); err != nil {
			return nil, false, errors.Wrapf(err, "fleet: update device %s failed", existing.ID)
		}
		log.Info().Str("device_id", existing.ID).Str("matched_by", matched).
			Str("previous_url", previous).Str("url", existing.URL).Msg("fleet: device updated")
		return existing, false, nil
	}

	d := &Device{
		ID:        uuid.NewString(),
		Name:      name,
		URL:       targetURL,
		MAC:       mac,
		Class:     class,
		Online:    true,
		LastSeen:  now,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if vpn := strings.TrimSpace(id.VPNAddress); vpn != "" {
		d.VPNAddress = vpn
		d.VPNEnabled = true
	}
	if err := r.store.CreateDevice(ctx, d); err != nil {
		return nil, false, errors.Wrap(err, "fleet: create device failed")
	}
	log.Info().Str("device_id", d.ID).Str("url", d.URL).Str("mac", d.MAC).Msg("fleet: device created")
	return d, true, nil
}

func (r *Resolver) ensureURLFree(ctx context.Context, url string, owner *Device) error {
	holder, err := r.store.FindDeviceByURL(ctx, url)
	if err != nil {
		return errors.Wrap(err, "fleet: lookup url holder failed")
	}
	if holder == nil {
		return nil
	}
	if owner != nil && holder.ID == owner.ID {
		return nil
	}
	return errors.Wrapf(ErrAddressConflict, "%s is held by device %s", url, holder.ID)
}
