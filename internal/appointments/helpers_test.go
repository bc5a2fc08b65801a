package appointments

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/wolfman30/hcoin-appointments/internal/coin"
	"github.com/wolfman30/hcoin-appointments/internal/feepolicy"
)

const (
	patientY = "0xpatienty"
	doctorX  = "0xdoctorx"
	escrow   = "0xescrow"
)

var baseTime = time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func newTestClock() *testClock { return &testClock{now: baseTime} }

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type recorder struct {
	mu          sync.Mutex
	transitions []Transition
}

func (r *recorder) RecordTransition(_ context.Context, t Transition) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.transitions = append(r.transitions, t)
	return nil
}

func (r *recorder) History(_ context.Context, id string) ([]Transition, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := []Transition{}
	for _, t := range r.transitions {
		if t.AppointmentID == id {
			out = append(out, t)
		}
	}
	return out, nil
}

func (r *recorder) ops(id string) []string {
	h, _ := r.History(context.Background(), id)
	ops := make([]string, len(h))
	for i, t := range h {
		ops[i] = t.Op
	}
	return ops
}

func newTestRegistry(t *testing.T, opts ...RegistryOption) (*Registry, *testClock, *recorder) {
	t.Helper()
	clock := newTestClock()
	rec := &recorder{}
	base := []RegistryOption{WithClock(clock.Now), WithRecorder(rec)}
	return NewRegistry(NewMemoryStore(), feepolicy.MustDefault(), append(base, opts...)...), clock, rec
}

func cardiologyRequest(fee string) CreateRequest {
	return CreateRequest{
		PatientAddress: patientY,
		PatientName:    "Jane Doe",
		Specialization: feepolicy.Cardiology,
		Description:    "chest pain follow-up",
		Fee:            coin.MustParse(fee),
	}
}

func mustCreate(t *testing.T, r *Registry, req CreateRequest) *Appointment {
	t.Helper()
	a, err := r.Create(context.Background(), req)
	require.NoError(t, err)
	return a
}

// paidAppointment returns an approved appointment paid through a settlement to escrow.
func paidAppointment(t *testing.T, r *Registry) *Appointment {
	t.Helper()
	ctx := context.Background()
	a := mustCreate(t, r, cardiologyRequest("15"))
	_, err := r.Approve(ctx, a.ID, doctorX)
	require.NoError(t, err)
	a, err = r.BeginSettlement(ctx, a.ID, patientY)
	require.NoError(t, err)
	_, err = r.AttachSettlementRef(ctx, a.ID, a.Settlement.Key, "0xtx1", a.Fee)
	require.NoError(t, err)
	a, err = r.RecordPayment(ctx, a.ID, "0xtx1", a.Fee)
	require.NoError(t, err)
	return a
}
