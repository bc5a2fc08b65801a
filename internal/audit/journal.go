// Package audit keeps an append-only journal of appointment transitions.
package audit

import (
	"context"
	"database/sql"
	"fmt"
	"sync"

	"github.com/wolfman30/hcoin-appointments/internal/appointments"
)

// SQLJournal writes transitions to the appointment_transitions table.
type SQLJournal struct {
	db *sql.DB
}

func NewSQLJournal(db *sql.DB) *SQLJournal {
	if db == nil {
		panic("audit: db required")
	}
	return &SQLJournal{db: db}
}

func (j *SQLJournal) RecordTransition(ctx context.Context, t appointments.Transition) error {
	_, err := j.db.ExecContext(ctx, `
		INSERT INTO appointment_transitions (appointment_id, op, from_status, to_status, actor, tx_ref, occurred_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, t.AppointmentID, t.Op, string(t.From), string(t.To), t.Actor, t.TxRef, t.At)
	if err != nil {
		return fmt.Errorf("audit: record transition: %w", err)
	}
	return nil
}

// History returns the transitions of id in the order they were recorded.
func (j *SQLJournal) History(ctx context.Context, id string) ([]appointments.Transition, error) {
	rows, err := j.db.QueryContext(ctx, `
		SELECT appointment_id, op, from_status, to_status, actor, tx_ref, occurred_at
		FROM appointment_transitions
		WHERE appointment_id = $1
		ORDER BY id ASC
	`, id)
	if err != nil {
		return nil, fmt.Errorf("audit: query history: %w", err)
	}
	defer rows.Close()

	out := []appointments.Transition{}
	for rows.Next() {
		var (
			t        appointments.Transition
			from, to string
		)
		if err := rows.Scan(&t.AppointmentID, &t.Op, &from, &to, &t.Actor, &t.TxRef, &t.At); err != nil {
			return nil, fmt.Errorf("audit: scan history: %w", err)
		}
		t.From = appointments.Status(from)
		t.To = appointments.Status(to)
		t.At = t.At.UTC()
		out = append(out, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("audit: history rows: %w", err)
	}
	return out, nil
}

// MemoryJournal is a process-local journal for development and tests.
type MemoryJournal struct {
	mu   sync.RWMutex
	byID map[string][]appointments.Transition
}

func NewMemoryJournal() *MemoryJournal {
	return &MemoryJournal{byID: make(map[string][]appointments.Transition)}
}

func (j *MemoryJournal) RecordTransition(_ context.Context, t appointments.Transition) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.byID[t.AppointmentID] = append(j.byID[t.AppointmentID], t)
	return nil
}

func (j *MemoryJournal) History(_ context.Context, id string) ([]appointments.Transition, error) {
	j.mu.RLock()
	defer j.mu.RUnlock()
	return append([]appointments.Transition{}, j.byID[id]...), nil
}

var (
	_ appointments.TransitionRecorder = (*SQLJournal)(nil)
	_ appointments.HistoryReader      = (*SQLJournal)(nil)
	_ appointments.TransitionRecorder = (*MemoryJournal)(nil)
	_ appointments.HistoryReader      = (*MemoryJournal)(nil)
)
