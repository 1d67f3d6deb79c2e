// Package system tracks component health and gates mutating operations
// behind the emergency stop.
package system

import (
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/ledgerworks/dexjournal/internal/storage"
	"github.com/ledgerworks/dexjournal/pkg/logging"
)

// ErrEmergencyActive is returned when a guarded component refuses a write
// because an emergency stop is in force.
var ErrEmergencyActive = errors.New("emergency stop active")

// Well-known component identifiers.
const (
	ComponentStore          = "store"
	ComponentLedgerWriter   = "ledger_writer"
	ComponentTriggerMonitor = "trigger_monitor"
	ComponentApprovals      = "approval_manager"
	ComponentKeystore       = "keystore"
	ComponentPnLEngine      = "pnl_engine"
	ComponentArchiver       = "archiver"
)

// staleTimeouts is the per-component heartbeat timeout table.
var staleTimeouts = map[string]time.Duration{
	ComponentStore:          30 * time.Second,
	ComponentLedgerWriter:   60 * time.Second,
	ComponentKeystore:       60 * time.Second,
	ComponentTriggerMonitor: 60 * time.Second,
	ComponentApprovals:      120 * time.Second,
	ComponentPnLEngine:      300 * time.Second,
	ComponentArchiver:       300 * time.Second,
}

// defaultStaleTimeout applies to components not in the table.
const defaultStaleTimeout = 120 * time.Second

// Controller owns component status rows and the emergency-stop flag.
type Controller struct {
	store *storage.Storage
	log   *logging.Logger
	now   func() time.Time
}

// New creates a system-state controller.
func New(store *storage.Storage, log *logging.Logger) *Controller {
	if log == nil {
		log = logging.GetDefault()
	}
	return &Controller{
		store: store,
		log:   log.Component("system"),
		now:   time.Now,
	}
}

// SetClock overrides the controller's clock. Tests only.
func (c *Controller) SetClock(now func() time.Time) {
	c.now = now
}

// SetStatus atomically transitions a component's status, recomputing uptime
// from the previous state change and emitting a SystemEvent with old and new.
func (c *Controller) SetStatus(stateID string, status storage.ComponentStatus, configuration, data, traceID string) error {
	now := c.now()

	return c.store.WithTx(func(tx *sql.Tx) error {
		old, err := storage.GetSystemStateTx(tx, stateID)
		if err != nil && !errors.Is(err, storage.ErrStateNotFound) {
			return err
		}

		st := &storage.SystemState{
			StateID:        stateID,
			Status:         status,
			StateChangedAt: now,
		}
		oldStatus := "none"
		if old != nil {
			oldStatus = string(old.Status)
			st.IsEmergencyStopped = old.IsEmergencyStopped
			st.ErrorCount = old.ErrorCount
			st.RestartCount = old.RestartCount
			st.LastError = old.LastError
			st.LastHeartbeatAt = old.LastHeartbeatAt
			st.Configuration = old.Configuration
			st.Data = old.Data
			st.UptimeSeconds = old.UptimeSeconds + int64(now.Sub(old.StateChangedAt).Seconds())
			if old.Status != storage.StatusRunning && status == storage.StatusRunning {
				st.RestartCount++
			}
			if status == storage.StatusError {
				st.ErrorCount++
			}
		}
		if configuration != "" {
			st.Configuration = configuration
		}
		if data != "" {
			st.Data = data
		}

		if err := storage.UpsertSystemStateTx(tx, st); err != nil {
			return err
		}

		return storage.AppendSystemEventTx(tx, &storage.SystemEvent{
			EventType: "status_change",
			Component: stateID,
			Severity:  "info",
			Message:   fmt.Sprintf("%s -> %s", oldStatus, status),
			TraceID:   traceID,
			CreatedAt: now,
		})
	})
}

// RecordError bumps a component's error count and stores the message.
func (c *Controller) RecordError(stateID string, errMsg string) error {
	now := c.now()
	return c.store.WithTx(func(tx *sql.Tx) error {
		old, err := storage.GetSystemStateTx(tx, stateID)
		if err != nil {
			return err
		}
		old.ErrorCount++
		old.LastError = errMsg
		old.Status = storage.StatusDegraded
		old.StateChangedAt = now
		return storage.UpsertSystemStateTx(tx, old)
	})
}

// Heartbeat records a component heartbeat.
func (c *Controller) Heartbeat(stateID string, healthData string) error {
	return c.store.Heartbeat(stateID, c.now(), healthData)
}

// StaleComponent describes a component whose heartbeat is overdue.
type StaleComponent struct {
	StateID  string
	LastBeat *time.Time
	Age      time.Duration
	Timeout  time.Duration
}

// CheckStaleComponents returns components whose heartbeat age exceeds their
// per-component timeout.
func (c *Controller) CheckStaleComponents() ([]StaleComponent, error) {
	states, err := c.store.ListSystemStates()
	if err != nil {
		return nil, err
	}

	now := c.now()
	var stale []StaleComponent
	for _, st := range states {
		if st.Status == storage.StatusStopped {
			continue
		}
		timeout, ok := staleTimeouts[st.StateID]
		if !ok {
			timeout = defaultStaleTimeout
		}
		var age time.Duration
		if st.LastHeartbeatAt == nil {
			age = now.Sub(st.StateChangedAt)
		} else {
			age = now.Sub(*st.LastHeartbeatAt)
		}
		if age > timeout {
			stale = append(stale, StaleComponent{
				StateID:  st.StateID,
				LastBeat: st.LastHeartbeatAt,
				Age:      age,
				Timeout:  timeout,
			})
		}
	}
	return stale, nil
}

// EmergencyActive reports whether any component is emergency-stopped. The
// Ledger Writer, Trigger Monitor, Approval Manager, and Keystore signing all
// consult this before mutating.
func (c *Controller) EmergencyActive() (bool, error) {
	return c.store.AnyEmergencyStopped()
}

// TripEmergency flips the emergency flag on matching components (all when the
// filter is empty) and transitions them to stopped, atomically.
func (c *Controller) TripEmergency(filter, reason, initiatedBy string) error {
	now := c.now()

	err := c.store.WithTx(func(tx *sql.Tx) error {
		states, err := storage.ListSystemStatesTx(tx)
		if err != nil {
			return err
		}
		for _, st := range states {
			if filter != "" && !strings.Contains(st.StateID, filter) {
				continue
			}
			st.IsEmergencyStopped = true
			st.UptimeSeconds += int64(now.Sub(st.StateChangedAt).Seconds())
			st.Status = storage.StatusStopped
			st.StateChangedAt = now
			if err := storage.UpsertSystemStateTx(tx, st); err != nil {
				return err
			}
		}

		if err := storage.AppendEmergencyActionTx(tx, &storage.EmergencyAction{
			Action:          "trip",
			ComponentFilter: filter,
			Reason:          reason,
			InitiatedBy:     initiatedBy,
			CreatedAt:       now,
		}); err != nil {
			return err
		}

		return storage.AppendSystemEventTx(tx, &storage.SystemEvent{
			EventType: "emergency_stop",
			Component: filter,
			Severity:  "critical",
			Message:   reason,
			CreatedAt: now,
		})
	})
	if err != nil {
		return err
	}

	c.log.Warn("Emergency stop tripped", "filter", filter, "reason", reason, "by", initiatedBy)
	return nil
}

// ClearEmergency clears the emergency flag on matching components. This is
// the sole path back to normal operation.
func (c *Controller) ClearEmergency(filter, clearedBy string) error {
	now := c.now()

	err := c.store.WithTx(func(tx *sql.Tx) error {
		states, err := storage.ListSystemStatesTx(tx)
		if err != nil {
			return err
		}
		for _, st := range states {
			if filter != "" && !strings.Contains(st.StateID, filter) {
				continue
			}
			if !st.IsEmergencyStopped {
				continue
			}
			st.IsEmergencyStopped = false
			st.Status = storage.StatusRunning
			st.RestartCount++
			st.StateChangedAt = now
			if err := storage.UpsertSystemStateTx(tx, st); err != nil {
				return err
			}
		}

		if err := storage.AppendEmergencyActionTx(tx, &storage.EmergencyAction{
			Action:          "clear",
			ComponentFilter: filter,
			InitiatedBy:     clearedBy,
			CreatedAt:       now,
		}); err != nil {
			return err
		}

		return storage.AppendSystemEventTx(tx, &storage.SystemEvent{
			EventType: "emergency_clear",
			Component: filter,
			Severity:  "warning",
			Message:   "emergency stop cleared",
			CreatedAt: now,
		})
	})
	if err != nil {
		return err
	}

	c.log.Info("Emergency stop cleared", "filter", filter, "by", clearedBy)
	return nil
}

// Overview is a summary of all component states.
type Overview struct {
	Components       []*storage.SystemState
	EmergencyStopped bool
	Stale            []StaleComponent
}

// StatusOverview returns the current status of every component.
func (c *Controller) StatusOverview() (*Overview, error) {
	states, err := c.store.ListSystemStates()
	if err != nil {
		return nil, err
	}
	emergency := false
	for _, st := range states {
		if st.IsEmergencyStopped {
			emergency = true
			break
		}
	}
	stale, err := c.CheckStaleComponents()
	if err != nil {
		return nil, err
	}
	return &Overview{Components: states, EmergencyStopped: emergency, Stale: stale}, nil
}
