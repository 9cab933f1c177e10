package nm

import (
	"context"
	"sync"

	"github.com/godbus/dbus/v5"
)

// Shared is a lazily dialed [Client] for request-driven readers such as
// the resolver and the health check. Its query methods mirror [Client]
// and satisfy the resolver's Inventory. The connection is opened on first use and reopened on
// the next call after it drops.
type Shared struct {
	mu sync.Mutex
	c  *Client
}

func (s *Shared) client(ctx context.Context) (*Client, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.c != nil && s.c.conn.Connected() {
		return s.c, nil
	}
	if s.c != nil {
		s.c.Close()
		s.c = nil
	}
	c, err := Dial(ctx)
	if err != nil {
		return nil, err
	}
	s.c = c
	return c, nil
}

// Close closes the current connection, if any.
func (s *Shared) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.c == nil {
		return nil
	}
	err := s.c.Close()
	s.c = nil
	return err
}

// Ping dials if needed and checks that NetworkManager answers.
func (s *Shared) Ping(ctx context.Context) error {
	c, err := s.client(ctx)
	if err != nil {
		return err
	}
	return c.Ping(ctx)
}

// Devices lists every device path.
func (s *Shared) Devices(ctx context.Context) ([]dbus.ObjectPath, error) {
	c, err := s.client(ctx)
	if err != nil {
		return nil, err
	}
	return c.Devices(ctx)
}

// Device reads one device snapshot.
func (s *Shared) Device(ctx context.Context, path dbus.ObjectPath) (Device, error) {
	c, err := s.client(ctx)
	if err != nil {
		return Device{}, err
	}
	return c.Device(ctx, path)
}

// ActiveConnections lists the manager's ActiveConnection paths.
func (s *Shared) ActiveConnections(ctx context.Context) ([]dbus.ObjectPath, error) {
	c, err := s.client(ctx)
	if err != nil {
		return nil, err
	}
	return c.ActiveConnections(ctx)
}

// ActiveConnection reads one ActiveConnection snapshot.
func (s *Shared) ActiveConnection(ctx context.Context, path dbus.ObjectPath) (ActiveConnection, error) {
	c, err := s.client(ctx)
	if err != nil {
		return ActiveConnection{}, err
	}
	return c.ActiveConnection(ctx, path)
}

// AccessPoints lists the APs visible to a wireless device.
func (s *Shared) AccessPoints(ctx context.Context, device dbus.ObjectPath) ([]dbus.ObjectPath, error) {
	c, err := s.client(ctx)
	if err != nil {
		return nil, err
	}
	return c.AccessPoints(ctx, device)
}

// AccessPoint reads one access point snapshot.
func (s *Shared) AccessPoint(ctx context.Context, path dbus.ObjectPath) (AccessPoint, error) {
	c, err := s.client(ctx)
	if err != nil {
		return AccessPoint{}, err
	}
	return c.AccessPoint(ctx, path)
}

// Profiles reads every saved connection profile.
func (s *Shared) Profiles(ctx context.Context) ([]Profile, error) {
	c, err := s.client(ctx)
	if err != nil {
		return nil, err
	}
	return c.Profiles(ctx)
}

// WirelessEnabled reads the global Wi-Fi radio switch.
func (s *Shared) WirelessEnabled(ctx context.Context) (bool, error) {
	c, err := s.client(ctx)
	if err != nil {
		return false, err
	}
	return c.WirelessEnabled(ctx)
}
