package history

import (
	"context"
	"database/sql"
	"fmt"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	_ "modernc.org/sqlite"

	"github.com/bigsaltyfishes/nmwatch/internal/events"
	"github.com/bigsaltyfishes/nmwatch/internal/nm"
)

const (
	acHome = "/org/freedesktop/NetworkManager/ActiveConnection/1"
	acWork = "/org/freedesktop/NetworkManager/ActiveConnection/2"
	wlan0  = "/org/freedesktop/NetworkManager/Devices/3"
)

func setupTestStore(t *testing.T) *Store {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	// Every pooled connection would get its own in-memory database.
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })

	store, err := NewStore(db)
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	return store
}

func stateEvent(conn string, prev, cur nm.ActiveConnectionState, reason nm.ActiveConnectionStateReason) events.Event {
	e := events.NewEvent(events.KindConnectionStateChanged)
	e.State = &events.StateChangeEvent{
		Connection: conn,
		ID:         "home",
		Device:     wlan0,
		Interface:  "wlan0",
		Previous:   prev,
		Current:    cur,
		Reason:     reason,
		RawReason:  uint32(reason),
	}
	return e
}

func ids(es []events.Event) []string {
	out := make([]string, len(es))
	for i, e := range es {
		out[i] = e.ID
	}
	return out
}

func TestStore_RecordAndRecent(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	first := stateEvent(acHome, nm.ActiveStateUnknown, nm.ActiveStateActivating, nm.ReasonNone)
	second := stateEvent(acHome, nm.ActiveStateActivating, nm.ActiveStateActivated, nm.ReasonNone)
	for _, e := range []events.Event{first, second} {
		if err := s.Record(ctx, e); err != nil {
			t.Fatalf("Record: %v", err)
		}
	}

	got, err := s.Recent(ctx, 10)
	if err != nil {
		t.Fatalf("Recent: %v", err)
	}
	if diff := cmp.Diff([]string{second.ID, first.ID}, ids(got)); diff != "" {
		t.Errorf("Recent order (-want +got):\n%s", diff)
	}

	// The payload survives the round trip through JSON.
	if diff := cmp.Diff(second.State, got[0].State); diff != "" {
		t.Errorf("state payload (-want +got):\n%s", diff)
	}
	if !got[0].Timestamp.Equal(second.Timestamp) {
		t.Errorf("Timestamp = %v, want %v", got[0].Timestamp, second.Timestamp)
	}
}

func TestStore_RecordDuplicateIgnored(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	e := stateEvent(acHome, nm.ActiveStateActivated, nm.ActiveStateDeactivating, nm.ReasonUserDisconnected)
	for i := 0; i < 2; i++ {
		if err := s.Record(ctx, e); err != nil {
			t.Fatalf("Record: %v", err)
		}
	}

	n, err := s.Count(ctx)
	if err != nil {
		t.Fatalf("Count: %v", err)
	}
	if n != 1 {
		t.Errorf("Count = %d, want 1", n)
	}
}

func TestStore_RecentLimit(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		if err := s.Record(ctx, stateEvent(acHome, nm.ActiveStateActivating, nm.ActiveStateActivated, nm.ReasonNone)); err != nil {
			t.Fatalf("Record: %v", err)
		}
	}

	got, err := s.Recent(ctx, 3)
	if err != nil {
		t.Fatalf("Recent: %v", err)
	}
	if len(got) != 3 {
		t.Errorf("Recent(3) returned %d events", len(got))
	}

	got, err = s.Recent(ctx, 0)
	if err != nil || len(got) != 0 {
		t.Errorf("Recent(0) = %d events, %v; want none", len(got), err)
	}
}

func TestStore_ForConnection(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	home := stateEvent(acHome, nm.ActiveStateActivating, nm.ActiveStateActivated, nm.ReasonNone)
	work := stateEvent(acWork, nm.ActiveStateActivating, nm.ActiveStateActivated, nm.ReasonNone)
	removed := events.NewEvent(events.KindConnectionRemoved)
	removed.Connection = &events.ConnectionEvent{Connection: acHome, Cause: "inactive"}
	device := events.NewEvent(events.KindDeviceStateChanged)
	device.Device = &events.DeviceEvent{Device: wlan0, Current: nm.DeviceStateActivated}

	for _, e := range []events.Event{home, work, removed, device} {
		if err := s.Record(ctx, e); err != nil {
			t.Fatalf("Record: %v", err)
		}
	}

	got, err := s.ForConnection(ctx, acHome, 10)
	if err != nil {
		t.Fatalf("ForConnection: %v", err)
	}
	if diff := cmp.Diff([]string{removed.ID, home.ID}, ids(got)); diff != "" {
		t.Errorf("ForConnection (-want +got):\n%s", diff)
	}
	if got[0].Connection == nil || got[0].Connection.Cause != "inactive" {
		t.Errorf("removal payload = %+v", got[0].Connection)
	}
}

func TestStore_Prune(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	var all []events.Event
	for i := 0; i < 10; i++ {
		e := stateEvent(acHome, nm.ActiveStateActivating, nm.ActiveStateActivated, nm.ReasonNone)
		all = append(all, e)
		if err := s.Record(ctx, e); err != nil {
			t.Fatalf("Record: %v", err)
		}
	}

	removed, err := s.Prune(ctx, 4)
	if err != nil {
		t.Fatalf("Prune: %v", err)
	}
	if removed != 6 {
		t.Errorf("Prune removed %d, want 6", removed)
	}

	got, err := s.Recent(ctx, 100)
	if err != nil {
		t.Fatalf("Recent: %v", err)
	}
	want := []string{all[9].ID, all[8].ID, all[7].ID, all[6].ID}
	if diff := cmp.Diff(want, ids(got)); diff != "" {
		t.Errorf("kept events (-want +got):\n%s", diff)
	}
}

func TestStore_Run(t *testing.T) {
	s := setupTestStore(t)
	bus := events.New()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx, bus, 0, nil) }()

	waitFor(t, func() bool { return bus.SubscriberCount() == 1 })

	for i := 0; i < 3; i++ {
		e := events.NewEvent(events.KindBusReconnected)
		e.Bus = &events.BusEvent{Attempts: i + 1}
		bus.Publish(e)
	}

	waitFor(t, func() bool {
		n, err := s.Count(context.Background())
		return err == nil && n == 3
	})

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Run returned %v, want nil", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not stop after cancel")
	}
	if bus.SubscriberCount() != 0 {
		t.Error("Run left its subscription behind")
	}
}

func TestStore_OpenFile(t *testing.T) {
	path := fmt.Sprintf("%s/history.db", t.TempDir())
	s, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer s.Close()

	if err := s.Record(context.Background(), stateEvent(acHome, nm.ActiveStateActivated, nm.ActiveStateDeactivated, nm.ReasonDeviceDisconnected)); err != nil {
		t.Fatalf("Record: %v", err)
	}
	n, err := s.Count(context.Background())
	if err != nil || n != 1 {
		t.Errorf("Count = %d, %v; want 1", n, err)
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition not met before deadline")
		}
		time.Sleep(5 * time.Millisecond)
	}
}
