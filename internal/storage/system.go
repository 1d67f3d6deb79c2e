// Package storage - System state, event, and emergency action storage.
package storage

import (
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// System state errors
var (
	ErrStateNotFound = errors.New("system state not found")
)

// ComponentStatus is the lifecycle status of a component.
type ComponentStatus string

const (
	StatusStarting ComponentStatus = "starting"
	StatusRunning  ComponentStatus = "running"
	StatusDegraded ComponentStatus = "degraded"
	StatusStopped  ComponentStatus = "stopped"
	StatusError    ComponentStatus = "error"
)

// SystemState is one component's status row.
type SystemState struct {
	StateID            string
	Status             ComponentStatus
	IsEmergencyStopped bool
	Configuration      string
	Data               string
	LastError          string
	ErrorCount         int
	RestartCount       int
	UptimeSeconds      int64
	StateChangedAt     time.Time
	LastHeartbeatAt    *time.Time
}

// SystemEvent is one append-only audit record.
type SystemEvent struct {
	ID        int64
	EventType string
	Component string
	Severity  string
	Message   string
	Data      string
	TraceID   string
	CreatedAt time.Time
}

// EmergencyAction is one append-only emergency trip or clear record.
type EmergencyAction struct {
	ID              int64
	Action          string // "trip" or "clear"
	ComponentFilter string
	Reason          string
	InitiatedBy     string
	CreatedAt       time.Time
}

const stateColumns = `state_id, status, is_emergency_stopped, configuration, data,
	last_error, error_count, restart_count, uptime_seconds, state_changed_at, last_heartbeat_at`

// GetSystemState retrieves a component's state row.
func (s *Storage) GetSystemState(stateID string) (*SystemState, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query("SELECT "+stateColumns+" FROM system_states WHERE state_id = ?", stateID)
	if err != nil {
		return nil, fmt.Errorf("failed to get system state: %w", err)
	}
	defer rows.Close()

	states, err := scanStates(rows)
	if err != nil {
		return nil, err
	}
	if len(states) == 0 {
		return nil, ErrStateNotFound
	}
	return states[0], nil
}

// ListSystemStates returns every component row.
func (s *Storage) ListSystemStates() ([]*SystemState, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query("SELECT " + stateColumns + " FROM system_states ORDER BY state_id")
	if err != nil {
		return nil, fmt.Errorf("failed to list system states: %w", err)
	}
	defer rows.Close()

	return scanStates(rows)
}

// GetSystemStateTx reads a component's state row inside a transaction.
func GetSystemStateTx(tx *sql.Tx, stateID string) (*SystemState, error) {
	rows, err := tx.Query("SELECT "+stateColumns+" FROM system_states WHERE state_id = ?", stateID)
	if err != nil {
		return nil, fmt.Errorf("failed to get system state: %w", err)
	}
	defer rows.Close()

	states, err := scanStates(rows)
	if err != nil {
		return nil, err
	}
	if len(states) == 0 {
		return nil, ErrStateNotFound
	}
	return states[0], nil
}

// ListSystemStatesTx reads every component row inside a transaction.
func ListSystemStatesTx(tx *sql.Tx) ([]*SystemState, error) {
	rows, err := tx.Query("SELECT " + stateColumns + " FROM system_states ORDER BY state_id")
	if err != nil {
		return nil, fmt.Errorf("failed to list system states: %w", err)
	}
	defer rows.Close()

	return scanStates(rows)
}

// UpsertSystemStateTx writes a component's state row inside a transaction.
func UpsertSystemStateTx(tx *sql.Tx, st *SystemState) error {
	var heartbeat *int64
	if st.LastHeartbeatAt != nil {
		h := st.LastHeartbeatAt.UnixMilli()
		heartbeat = &h
	}

	_, err := tx.Exec(`
		INSERT INTO system_states (
			state_id, status, is_emergency_stopped, configuration, data,
			last_error, error_count, restart_count, uptime_seconds, state_changed_at, last_heartbeat_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(state_id) DO UPDATE SET
			status = excluded.status,
			is_emergency_stopped = excluded.is_emergency_stopped,
			configuration = excluded.configuration,
			data = excluded.data,
			last_error = excluded.last_error,
			error_count = excluded.error_count,
			restart_count = excluded.restart_count,
			uptime_seconds = excluded.uptime_seconds,
			state_changed_at = excluded.state_changed_at,
			last_heartbeat_at = excluded.last_heartbeat_at
	`,
		st.StateID, st.Status, boolToInt(st.IsEmergencyStopped),
		nullStr(st.Configuration), nullStr(st.Data), nullStr(st.LastError),
		st.ErrorCount, st.RestartCount, st.UptimeSeconds,
		st.StateChangedAt.UnixMilli(), heartbeat,
	)
	if err != nil {
		return fmt.Errorf("failed to upsert system state: %w", err)
	}
	return nil
}

// Heartbeat updates a component's last heartbeat time.
func (s *Storage) Heartbeat(stateID string, at time.Time, healthData string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.Exec(`
		UPDATE system_states SET last_heartbeat_at = ?, data = COALESCE(NULLIF(?, ''), data)
		WHERE state_id = ?
	`, at.UnixMilli(), healthData, stateID)
	if err != nil {
		return fmt.Errorf("failed to record heartbeat: %w", err)
	}
	rows, _ := res.RowsAffected()
	if rows == 0 {
		return ErrStateNotFound
	}
	return nil
}

// AnyEmergencyStopped reports whether any component is emergency-stopped.
func (s *Storage) AnyEmergencyStopped() (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var one int
	err := s.db.QueryRow("SELECT 1 FROM system_states WHERE is_emergency_stopped = 1 LIMIT 1").Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to check emergency state: %w", err)
	}
	return true, nil
}

// AppendSystemEventTx appends an audit event inside a transaction.
func AppendSystemEventTx(tx *sql.Tx, ev *SystemEvent) error {
	res, err := tx.Exec(`
		INSERT INTO system_events (event_type, component, severity, message, data, trace_id, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, ev.EventType, nullStr(ev.Component), ev.Severity, nullStr(ev.Message),
		nullStr(ev.Data), nullStr(ev.TraceID), ev.CreatedAt.UnixMilli())
	if err != nil {
		return fmt.Errorf("failed to append system event: %w", err)
	}
	ev.ID, _ = res.LastInsertId()
	return nil
}

// AppendSystemEvent appends an audit event.
func (s *Storage) AppendSystemEvent(ev *SystemEvent) error {
	return s.WithTx(func(tx *sql.Tx) error {
		return AppendSystemEventTx(tx, ev)
	})
}

// ListSystemEvents returns recent events of a type, newest first.
func (s *Storage) ListSystemEvents(eventType string, limit int) ([]*SystemEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	query := `
		SELECT id, event_type, component, severity, message, data, trace_id, created_at
		FROM system_events WHERE 1=1`
	args := []interface{}{}
	if eventType != "" {
		query += " AND event_type = ?"
		args = append(args, eventType)
	}
	query += " ORDER BY created_at DESC, id DESC"
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list system events: %w", err)
	}
	defer rows.Close()

	var events []*SystemEvent
	for rows.Next() {
		var ev SystemEvent
		var component, message, data, traceID sql.NullString
		var createdAt int64
		if err := rows.Scan(&ev.ID, &ev.EventType, &component, &ev.Severity,
			&message, &data, &traceID, &createdAt); err != nil {
			return nil, fmt.Errorf("failed to scan system event: %w", err)
		}
		ev.Component = component.String
		ev.Message = message.String
		ev.Data = data.String
		ev.TraceID = traceID.String
		ev.CreatedAt = time.UnixMilli(createdAt)
		events = append(events, &ev)
	}
	return events, rows.Err()
}

// AppendEmergencyActionTx records an emergency trip or clear inside a transaction.
func AppendEmergencyActionTx(tx *sql.Tx, a *EmergencyAction) error {
	res, err := tx.Exec(`
		INSERT INTO emergency_actions (action, component_filter, reason, initiated_by, created_at)
		VALUES (?, ?, ?, ?, ?)
	`, a.Action, nullStr(a.ComponentFilter), nullStr(a.Reason), a.InitiatedBy, a.CreatedAt.UnixMilli())
	if err != nil {
		return fmt.Errorf("failed to append emergency action: %w", err)
	}
	a.ID, _ = res.LastInsertId()
	return nil
}

// ListEmergencyActions returns emergency actions, newest first.
func (s *Storage) ListEmergencyActions(limit int) ([]*EmergencyAction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	query := `
		SELECT id, action, component_filter, reason, initiated_by, created_at
		FROM emergency_actions ORDER BY created_at DESC, id DESC`
	args := []interface{}{}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list emergency actions: %w", err)
	}
	defer rows.Close()

	var actions []*EmergencyAction
	for rows.Next() {
		var a EmergencyAction
		var filter, reason sql.NullString
		var createdAt int64
		if err := rows.Scan(&a.ID, &a.Action, &filter, &reason, &a.InitiatedBy, &createdAt); err != nil {
			return nil, fmt.Errorf("failed to scan emergency action: %w", err)
		}
		a.ComponentFilter = filter.String
		a.Reason = reason.String
		a.CreatedAt = time.UnixMilli(createdAt)
		actions = append(actions, &a)
	}
	return actions, rows.Err()
}

func scanStates(rows *sql.Rows) ([]*SystemState, error) {
	var states []*SystemState
	for rows.Next() {
		var st SystemState
		var configuration, data, lastError sql.NullString
		var isEmergency int
		var stateChangedAt int64
		var heartbeat sql.NullInt64

		err := rows.Scan(
			&st.StateID, &st.Status, &isEmergency, &configuration, &data,
			&lastError, &st.ErrorCount, &st.RestartCount, &st.UptimeSeconds,
			&stateChangedAt, &heartbeat,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan system state: %w", err)
		}

		st.IsEmergencyStopped = isEmergency != 0
		st.Configuration = configuration.String
		st.Data = data.String
		st.LastError = lastError.String
		st.StateChangedAt = time.UnixMilli(stateChangedAt)
		if heartbeat.Valid {
			h := time.UnixMilli(heartbeat.Int64)
			st.LastHeartbeatAt = &h
		}

		states = append(states, &st)
	}
	return states, rows.Err()
}
