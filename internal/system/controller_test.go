package system

import (
	"os"
	"testing"
	"time"

	"github.com/ledgerworks/dexjournal/internal/storage"
)

func newTestController(t *testing.T) (*Controller, *storage.Storage) {
	t.Helper()
	tmpDir, err := os.MkdirTemp("", "dexjournal-system-test-*")
	if err != nil {
		t.Fatalf("failed to create temp dir: %v", err)
	}
	t.Cleanup(func() { os.RemoveAll(tmpDir) })

	store, err := storage.New(&storage.Config{DataDir: tmpDir})
	if err != nil {
		t.Fatalf("storage.New() error = %v", err)
	}
	t.Cleanup(func() { store.Close() })

	return New(store, nil), store
}

func TestSetStatusComputesUptimeAndEmitsEvent(t *testing.T) {
	c, store := newTestController(t)

	base := time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC)
	now := base
	c.SetClock(func() time.Time { return now })

	if err := c.SetStatus(ComponentTriggerMonitor, storage.StatusStarting, "", "", ""); err != nil {
		t.Fatalf("SetStatus() error = %v", err)
	}

	now = base.Add(90 * time.Second)
	if err := c.SetStatus(ComponentTriggerMonitor, storage.StatusRunning, "", "", ""); err != nil {
		t.Fatalf("SetStatus() error = %v", err)
	}

	st, err := store.GetSystemState(ComponentTriggerMonitor)
	if err != nil {
		t.Fatalf("GetSystemState() error = %v", err)
	}
	if st.Status != storage.StatusRunning {
		t.Errorf("Status = %s, want running", st.Status)
	}
	if st.UptimeSeconds != 90 {
		t.Errorf("UptimeSeconds = %d, want 90", st.UptimeSeconds)
	}
	if st.RestartCount != 1 {
		t.Errorf("RestartCount = %d, want 1", st.RestartCount)
	}

	events, err := store.ListSystemEvents("status_change", 10)
	if err != nil {
		t.Fatalf("ListSystemEvents() error = %v", err)
	}
	if len(events) != 2 {
		t.Fatalf("got %d status_change events, want 2", len(events))
	}
}

func TestEmergencyTripAndClear(t *testing.T) {
	c, store := newTestController(t)

	for _, id := range []string{ComponentLedgerWriter, ComponentTriggerMonitor} {
		if err := c.SetStatus(id, storage.StatusRunning, "", "", ""); err != nil {
			t.Fatalf("SetStatus(%s) error = %v", id, err)
		}
	}

	active, err := c.EmergencyActive()
	if err != nil {
		t.Fatalf("EmergencyActive() error = %v", err)
	}
	if active {
		t.Fatal("emergency should not be active before trip")
	}

	if err := c.TripEmergency("", "incident", "operator"); err != nil {
		t.Fatalf("TripEmergency() error = %v", err)
	}

	active, _ = c.EmergencyActive()
	if !active {
		t.Fatal("emergency should be active after trip")
	}

	st, _ := store.GetSystemState(ComponentTriggerMonitor)
	if st.Status != storage.StatusStopped || !st.IsEmergencyStopped {
		t.Errorf("component after trip = %+v", st)
	}

	actions, err := store.ListEmergencyActions(10)
	if err != nil {
		t.Fatalf("ListEmergencyActions() error = %v", err)
	}
	if len(actions) != 1 || actions[0].Action != "trip" || actions[0].InitiatedBy != "operator" {
		t.Errorf("emergency actions = %+v", actions)
	}

	if err := c.ClearEmergency("", "operator"); err != nil {
		t.Fatalf("ClearEmergency() error = %v", err)
	}
	active, _ = c.EmergencyActive()
	if active {
		t.Fatal("emergency should be cleared")
	}
	st, _ = store.GetSystemState(ComponentTriggerMonitor)
	if st.Status != storage.StatusRunning {
		t.Errorf("Status after clear = %s, want running", st.Status)
	}
}

func TestTripEmergencyWithFilter(t *testing.T) {
	c, store := newTestController(t)

	for _, id := range []string{ComponentLedgerWriter, ComponentTriggerMonitor} {
		if err := c.SetStatus(id, storage.StatusRunning, "", "", ""); err != nil {
			t.Fatalf("SetStatus(%s) error = %v", id, err)
		}
	}

	if err := c.TripEmergency("trigger", "partial incident", "operator"); err != nil {
		t.Fatalf("TripEmergency() error = %v", err)
	}

	trig, _ := store.GetSystemState(ComponentTriggerMonitor)
	if !trig.IsEmergencyStopped {
		t.Error("trigger monitor should be emergency-stopped")
	}
	writer, _ := store.GetSystemState(ComponentLedgerWriter)
	if writer.IsEmergencyStopped {
		t.Error("ledger writer should not match the filter")
	}
}

func TestCheckStaleComponents(t *testing.T) {
	c, _ := newTestController(t)

	base := time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC)
	now := base
	c.SetClock(func() time.Time { return now })

	if err := c.SetStatus(ComponentStore, storage.StatusRunning, "", "", ""); err != nil {
		t.Fatalf("SetStatus() error = %v", err)
	}
	if err := c.Heartbeat(ComponentStore, ""); err != nil {
		t.Fatalf("Heartbeat() error = %v", err)
	}

	// Fresh heartbeat: nothing stale.
	stale, err := c.CheckStaleComponents()
	if err != nil {
		t.Fatalf("CheckStaleComponents() error = %v", err)
	}
	if len(stale) != 0 {
		t.Errorf("stale = %v, want none", stale)
	}

	// The store times out after 30s.
	now = base.Add(45 * time.Second)
	stale, _ = c.CheckStaleComponents()
	if len(stale) != 1 || stale[0].StateID != ComponentStore {
		t.Fatalf("stale = %+v, want [store]", stale)
	}
	if stale[0].Timeout != 30*time.Second {
		t.Errorf("timeout = %v, want 30s", stale[0].Timeout)
	}
}
