package appointments

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/wolfman30/hcoin-appointments/internal/feepolicy"
)

// Filter selects appointments. Zero fields match everything.
type Filter struct {
	Statuses            []Status
	Patient             string
	Party               string
	Specialization      feepolicy.Specialization
	RequestedBefore     time.Time
	UndispatchedRefunds bool
	Limit               int

	// UnresolvedSettlements matches cancelled, unpaid records with a payment attempt.
	UnresolvedSettlements bool
}

func (f Filter) matches(a *Appointment) bool {
	if len(f.Statuses) > 0 {
		ok := false
		for _, s := range f.Statuses {
			if a.Status == s {
				ok = true
				break
			}
		}
		if !ok {
			return false
		}
	}
	if f.Patient != "" && a.PatientAddress != f.Patient {
		return false
	}
	if f.Party != "" && a.PatientAddress != f.Party && a.DoctorAddress != f.Party {
		return false
	}
	if f.Specialization != "" && a.Specialization != f.Specialization {
		return false
	}
	if !f.RequestedBefore.IsZero() && !a.RequestedAt.Before(f.RequestedBefore) {
		return false
	}
	if f.UndispatchedRefunds && (a.Refund == nil || a.Refund.DispatchedAt != nil) {
		return false
	}
	if f.UnresolvedSettlements && (a.Status != StatusCancelled || !a.SettlementInFlight()) {
		return false
	}
	return true
}

// Store persists appointments keyed by id. Implementations return copies and
// enforce optimistic concurrency on Version.
type Store interface {
	Insert(ctx context.Context, a *Appointment) error
	Get(ctx context.Context, id string) (*Appointment, error)
	// Update writes a when the stored version equals expected, and bumps a.Version.
	Update(ctx context.Context, a *Appointment, expected int64) error
	// List returns matches ordered by RequestedAt ascending, then ID.
	List(ctx context.Context, f Filter) ([]*Appointment, error)
}

// CappedInserter is implemented by stores that check the per-patient active
// limit atomically with the insert.
type CappedInserter interface {
	InsertCapped(ctx context.Context, a *Appointment, maxActive int) error
}

// ActiveLimitError reports a patient already at the active-appointment limit.
type ActiveLimitError struct {
	Active int
	Limit  int
}

func (e *ActiveLimitError) Error() string {
	return fmt.Sprintf("patient already has %d active appointments (limit %d)", e.Active, e.Limit)
}

// MemoryStore keeps appointments in a map guarded by an RWMutex that is held
// only for map access.
type MemoryStore struct {
	mu    sync.RWMutex
	items map[string]*Appointment
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{items: make(map[string]*Appointment)}
}

func (s *MemoryStore) Insert(ctx context.Context, a *Appointment) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.items[a.ID]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicateID, a.ID)
	}
	s.items[a.ID] = a.Clone()
	return nil
}

func (s *MemoryStore) Get(ctx context.Context, id string) (*Appointment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	a, ok := s.items[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return a.Clone(), nil
}

func (s *MemoryStore) Update(ctx context.Context, a *Appointment, expected int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.items[a.ID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, a.ID)
	}
	if cur.Version != expected {
		return fmt.Errorf("%w: %s at %d, expected %d", ErrVersionConflict, a.ID, cur.Version, expected)
	}
	a.Version = expected + 1
	s.items[a.ID] = a.Clone()
	return nil
}

func (s *MemoryStore) List(ctx context.Context, f Filter) ([]*Appointment, error) {
	s.mu.RLock()
	out := make([]*Appointment, 0)
	for _, a := range s.items {
		if f.matches(a) {
			out = append(out, a.Clone())
		}
	}
	s.mu.RUnlock()

	sortByRequestedAt(out)
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

func sortByRequestedAt(items []*Appointment) {
	sort.Slice(items, func(i, j int) bool {
		if !items[i].RequestedAt.Equal(items[j].RequestedAt) {
			return items[i].RequestedAt.Before(items[j].RequestedAt)
		}
		return items[i].ID < items[j].ID
	})
}

func normalizeAddress(address string) string {
	return strings.ToLower(strings.TrimSpace(address))
}
