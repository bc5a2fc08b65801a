package audit

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wolfman30/hcoin-appointments/internal/appointments"
)

var at = time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)

func TestSQLJournalRecordTransition(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectExec("INSERT INTO appointment_transitions").
		WithArgs("a1", "approve", "pending", "approved", "0xdoctor", "", at).
		WillReturnResult(sqlmock.NewResult(1, 1))

	err = NewSQLJournal(db).RecordTransition(context.Background(), appointments.Transition{
		AppointmentID: "a1",
		Op:            "approve",
		From:          appointments.StatusPending,
		To:            appointments.StatusApproved,
		Actor:         "0xdoctor",
		At:            at,
	})
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSQLJournalRecordError(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectExec("INSERT INTO appointment_transitions").WillReturnError(errors.New("connection reset"))
	err = NewSQLJournal(db).RecordTransition(context.Background(), appointments.Transition{AppointmentID: "a1", Op: "create", To: appointments.StatusPending, At: at})
	assert.ErrorContains(t, err, "connection reset")
}

func TestSQLJournalHistory(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	rows := sqlmock.NewRows([]string{"appointment_id", "op", "from_status", "to_status", "actor", "tx_ref", "occurred_at"}).
		AddRow("a1", "create", "", "pending", "0xpatient", "", at).
		AddRow("a1", "record_payment", "approved", "approved", "system", "0xabc", at.Add(time.Hour))
	mock.ExpectQuery("FROM appointment_transitions").
		WithArgs("a1").
		WillReturnRows(rows)

	history, err := NewSQLJournal(db).History(context.Background(), "a1")
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, "create", history[0].Op)
	assert.Equal(t, appointments.Status(""), history[0].From)
	assert.Equal(t, appointments.StatusApproved, history[1].To)
	assert.Equal(t, "0xabc", history[1].TxRef)
	assert.Equal(t, at.Add(time.Hour), history[1].At)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestMemoryJournal(t *testing.T) {
	j := NewMemoryJournal()
	ctx := context.Background()
	require.NoError(t, j.RecordTransition(ctx, appointments.Transition{AppointmentID: "a1", Op: "create", At: at}))
	require.NoError(t, j.RecordTransition(ctx, appointments.Transition{AppointmentID: "a2", Op: "create", At: at}))
	require.NoError(t, j.RecordTransition(ctx, appointments.Transition{AppointmentID: "a1", Op: "approve", At: at}))

	history, err := j.History(ctx, "a1")
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, "approve", history[1].Op)

	history[0].Op = "mutated"
	again, _ := j.History(ctx, "a1")
	assert.Equal(t, "create", again[0].Op)

	empty, err := j.History(ctx, "missing")
	require.NoError(t, err)
	assert.Empty(t, empty)
}
