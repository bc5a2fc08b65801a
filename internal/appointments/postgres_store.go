package appointments

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/wolfman30/hcoin-appointments/internal/coin"
	"github.com/wolfman30/hcoin-appointments/internal/feepolicy"
)

type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Begin(ctx context.Context) (pgx.Tx, error)
}

type execer interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// PostgresStore keeps one row per appointment.
type PostgresStore struct {
	db querier
}

func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	if pool == nil {
		panic("appointments: pgx pool required")
	}
	return &PostgresStore{db: pool}
}

func newPostgresStoreWithQuerier(q querier) *PostgresStore {
	if q == nil {
		panic("appointments: querier required")
	}
	return &PostgresStore{db: q}
}

const selectColumns = `id, patient_address, patient_name, doctor_address, specialization, fee_micros,
	description, requested_at, scheduled_for, status, payment_status, payment_tx_ref,
	settlement, refund, decided_by, decided_at, paid_at, completed_at, cancelled_at,
	cancelled_by, updated_at, version`

func (s *PostgresStore) Insert(ctx context.Context, a *Appointment) error {
	return insertAppointment(ctx, s.db, a)
}

// InsertCapped inserts a unless the patient already holds maxActive pending
// or approved appointments. A transaction-scoped advisory lock on the patient
// address serializes the count and the insert across processes.
func (s *PostgresStore) InsertCapped(ctx context.Context, a *Appointment, maxActive int) error {
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("appointments: begin insert: %w", err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, a.PatientAddress); err != nil {
		return fmt.Errorf("appointments: lock patient: %w", err)
	}
	var active int
	err = tx.QueryRow(ctx,
		`SELECT count(*) FROM appointments WHERE patient_address = $1 AND status IN ('pending', 'approved')`,
		a.PatientAddress,
	).Scan(&active)
	if err != nil {
		return fmt.Errorf("appointments: count active: %w", err)
	}
	if active >= maxActive {
		return &ActiveLimitError{Active: active, Limit: maxActive}
	}
	if err := insertAppointment(ctx, tx, a); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("appointments: commit insert: %w", err)
	}
	return nil
}

func insertAppointment(ctx context.Context, db execer, a *Appointment) error {
	settlement, refund, err := encodeJSONColumns(a)
	if err != nil {
		return err
	}
	query := `
		INSERT INTO appointments (` + selectColumns + `, refund_pending)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20, $21, $22, $23)
	`
	_, err = db.Exec(ctx, query,
		a.ID,
		a.PatientAddress,
		a.PatientName,
		a.DoctorAddress,
		string(a.Specialization),
		int64(a.Fee),
		a.Description,
		a.RequestedAt,
		a.ScheduledFor,
		string(a.Status),
		string(a.PaymentStatus),
		a.PaymentTxRef,
		settlement,
		refund,
		a.DecidedBy,
		a.DecidedAt,
		a.PaidAt,
		a.CompletedAt,
		a.CancelledAt,
		a.CancelledBy,
		a.UpdatedAt,
		a.Version,
		refundPending(a),
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return fmt.Errorf("%w: %s", ErrDuplicateID, a.ID)
		}
		return fmt.Errorf("appointments: insert failed: %w", err)
	}
	return nil
}

func (s *PostgresStore) Get(ctx context.Context, id string) (*Appointment, error) {
	query := `SELECT ` + selectColumns + ` FROM appointments WHERE id = $1`
	a, err := scanAppointment(s.db.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
		}
		return nil, fmt.Errorf("appointments: select failed: %w", err)
	}
	return a, nil
}

// Update writes only the mutable columns; fee, specialization and request
// time never change after insert.
func (s *PostgresStore) Update(ctx context.Context, a *Appointment, expected int64) error {
	settlement, refund, err := encodeJSONColumns(a)
	if err != nil {
		return err
	}
	query := `
		UPDATE appointments SET
			doctor_address = $2,
			status = $3,
			payment_status = $4,
			payment_tx_ref = $5,
			settlement = $6,
			refund = $7,
			refund_pending = $8,
			decided_by = $9,
			decided_at = $10,
			paid_at = $11,
			completed_at = $12,
			cancelled_at = $13,
			cancelled_by = $14,
			updated_at = $15,
			version = version + 1
		WHERE id = $1 AND version = $16
	`
	ct, err := s.db.Exec(ctx, query,
		a.ID,
		a.DoctorAddress,
		string(a.Status),
		string(a.PaymentStatus),
		a.PaymentTxRef,
		settlement,
		refund,
		refundPending(a),
		a.DecidedBy,
		a.DecidedAt,
		a.PaidAt,
		a.CompletedAt,
		a.CancelledAt,
		a.CancelledBy,
		a.UpdatedAt,
		expected,
	)
	if err != nil {
		return fmt.Errorf("appointments: update failed: %w", err)
	}
	if ct.RowsAffected() == 0 {
		var version int64
		err := s.db.QueryRow(ctx, `SELECT version FROM appointments WHERE id = $1`, a.ID).Scan(&version)
		if errors.Is(err, pgx.ErrNoRows) {
			return fmt.Errorf("%w: %s", ErrNotFound, a.ID)
		}
		if err != nil {
			return fmt.Errorf("appointments: update check failed: %w", err)
		}
		return fmt.Errorf("%w: %s at %d, expected %d", ErrVersionConflict, a.ID, version, expected)
	}
	a.Version = expected + 1
	return nil
}

func (s *PostgresStore) List(ctx context.Context, f Filter) ([]*Appointment, error) {
	var (
		where []string
		args  []any
	)
	arg := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}
	if len(f.Statuses) > 0 {
		statuses := make([]string, len(f.Statuses))
		for i, st := range f.Statuses {
			statuses[i] = string(st)
		}
		where = append(where, "status = ANY("+arg(statuses)+")")
	}
	if f.Patient != "" {
		where = append(where, "patient_address = "+arg(f.Patient))
	}
	if f.Party != "" {
		p := arg(f.Party)
		where = append(where, "(patient_address = "+p+" OR doctor_address = "+p+")")
	}
	if f.Specialization != "" {
		where = append(where, "specialization = "+arg(string(f.Specialization)))
	}
	if !f.RequestedBefore.IsZero() {
		where = append(where, "requested_at < "+arg(f.RequestedBefore))
	}
	if f.UndispatchedRefunds {
		where = append(where, "refund_pending")
	}
	if f.UnresolvedSettlements {
		where = append(where, "status = 'cancelled' AND payment_status = 'unpaid' AND settlement IS NOT NULL")
	}

	query := `SELECT ` + selectColumns + ` FROM appointments`
	if len(where) > 0 {
		query += ` WHERE ` + strings.Join(where, " AND ")
	}
	query += ` ORDER BY requested_at ASC, id ASC`
	if f.Limit > 0 {
		query += ` LIMIT ` + arg(f.Limit)
	}

	rows, err := s.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("appointments: list failed: %w", err)
	}
	defer rows.Close()

	out := make([]*Appointment, 0)
	for rows.Next() {
		a, err := scanAppointment(rows)
		if err != nil {
			return nil, fmt.Errorf("appointments: scan failed: %w", err)
		}
		out = append(out, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("appointments: list rows: %w", err)
	}
	return out, nil
}

func scanAppointment(row pgx.Row) (*Appointment, error) {
	var (
		a              Appointment
		specialization string
		fee            int64
		status         string
		paymentStatus  string
		settlement     []byte
		refund         []byte
	)
	if err := row.Scan(
		&a.ID,
		&a.PatientAddress,
		&a.PatientName,
		&a.DoctorAddress,
		&specialization,
		&fee,
		&a.Description,
		&a.RequestedAt,
		&a.ScheduledFor,
		&status,
		&paymentStatus,
		&a.PaymentTxRef,
		&settlement,
		&refund,
		&a.DecidedBy,
		&a.DecidedAt,
		&a.PaidAt,
		&a.CompletedAt,
		&a.CancelledAt,
		&a.CancelledBy,
		&a.UpdatedAt,
		&a.Version,
	); err != nil {
		return nil, err
	}
	a.Specialization = feepolicy.Specialization(specialization)
	a.Fee = coin.Amount(fee)
	a.Status = Status(status)
	a.PaymentStatus = PaymentStatus(paymentStatus)
	if len(settlement) > 0 {
		a.Settlement = &Settlement{}
		if err := json.Unmarshal(settlement, a.Settlement); err != nil {
			return nil, fmt.Errorf("decode settlement: %w", err)
		}
	}
	if len(refund) > 0 {
		a.Refund = &RefundInstruction{}
		if err := json.Unmarshal(refund, a.Refund); err != nil {
			return nil, fmt.Errorf("decode refund: %w", err)
		}
	}
	a.RequestedAt = a.RequestedAt.UTC()
	a.UpdatedAt = a.UpdatedAt.UTC()
	return &a, nil
}

func encodeJSONColumns(a *Appointment) (settlement, refund []byte, err error) {
	if a.Settlement != nil {
		if settlement, err = json.Marshal(a.Settlement); err != nil {
			return nil, nil, fmt.Errorf("appointments: encode settlement: %w", err)
		}
	}
	if a.Refund != nil {
		if refund, err = json.Marshal(a.Refund); err != nil {
			return nil, nil, fmt.Errorf("appointments: encode refund: %w", err)
		}
	}
	return settlement, refund, nil
}

func refundPending(a *Appointment) bool {
	return a.Refund != nil && a.Refund.DispatchedAt == nil
}
