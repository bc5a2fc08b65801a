// Package feepolicy computes minimum appointment fees and cancellation refunds.
// A Policy is immutable once built and safe for concurrent use.
package feepolicy

import (
	"errors"
	"fmt"
	"math"
	"sort"
	"strings"
	"time"

	"github.com/wolfman30/hcoin-appointments/internal/coin"
)

// ErrUnknownSpecialization is returned for a specialization outside the enumerated set.
var ErrUnknownSpecialization = errors.New("feepolicy: unknown specialization")

// ErrInvalidConfig wraps every configuration problem found by New.
var ErrInvalidConfig = errors.New("feepolicy: invalid config")

// Config holds the tunable inputs of a Policy.
type Config struct {
	BaseFee               coin.Amount
	Multipliers           map[Specialization]float64
	EarlyRefundPct        int
	LateRefundPct         int
	CancellationThreshold time.Duration
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		BaseFee: coin.Coins(10),
		Multipliers: map[Specialization]float64{
			GeneralPractice: 1.0,
			Cardiology:      1.5,
			Neurology:       1.7,
			Pediatrics:      1.3,
			Orthopedics:     1.4,
			Oncology:        2.0,
		},
		EarlyRefundPct:        80,
		LateRefundPct:         50,
		CancellationThreshold: 24 * time.Hour,
	}
}

// Policy is the fee and refund rule set.
type Policy struct {
	baseFee     coin.Amount
	basisPoints map[Specialization]int64
	earlyPct    int
	latePct     int
	threshold   time.Duration
}

// New validates cfg and builds a Policy. Specializations missing from
// cfg.Multipliers fall back to the default table.
func New(cfg Config) (*Policy, error) {
	defaults := DefaultConfig()
	var problems []string

	if cfg.BaseFee <= 0 {
		problems = append(problems, "base fee must be positive")
	}
	if cfg.EarlyRefundPct < 0 || cfg.EarlyRefundPct > 100 {
		problems = append(problems, fmt.Sprintf("early refund pct %d outside 0..100", cfg.EarlyRefundPct))
	}
	if cfg.LateRefundPct < 0 || cfg.LateRefundPct > 100 {
		problems = append(problems, fmt.Sprintf("late refund pct %d outside 0..100", cfg.LateRefundPct))
	}
	if cfg.CancellationThreshold < 0 {
		problems = append(problems, "cancellation threshold must not be negative")
	}

	bps := make(map[Specialization]int64, len(Specializations))
	for _, s := range Specializations {
		bps[s] = toBasisPoints(defaults.Multipliers[s])
	}
	keys := make([]string, 0, len(cfg.Multipliers))
	for s := range cfg.Multipliers {
		keys = append(keys, string(s))
	}
	sort.Strings(keys)
	for _, k := range keys {
		s := Specialization(k)
		m := cfg.Multipliers[s]
		if !s.Valid() {
			problems = append(problems, fmt.Sprintf("%s: %q", ErrUnknownSpecialization, k))
			continue
		}
		if m <= 0 || math.IsNaN(m) || math.IsInf(m, 0) {
			problems = append(problems, fmt.Sprintf("multiplier for %s must be positive", s))
			continue
		}
		bps[s] = toBasisPoints(m)
	}

	if len(problems) > 0 {
		return nil, fmt.Errorf("%w: %s", ErrInvalidConfig, strings.Join(problems, "; "))
	}
	return &Policy{
		baseFee:     cfg.BaseFee,
		basisPoints: bps,
		earlyPct:    cfg.EarlyRefundPct,
		latePct:     cfg.LateRefundPct,
		threshold:   cfg.CancellationThreshold,
	}, nil
}

// MustDefault returns the default policy.
func MustDefault() *Policy {
	p, err := New(DefaultConfig())
	if err != nil {
		panic(err)
	}
	return p
}

func toBasisPoints(m float64) int64 {
	return int64(math.Round(m * 10_000))
}

// MinimumFee is base fee × specialization multiplier.
func (p *Policy) MinimumFee(s Specialization) (coin.Amount, error) {
	bps, ok := p.basisPoints[s]
	if !ok {
		return 0, fmt.Errorf("%w: %q", ErrUnknownSpecialization, string(s))
	}
	fee, err := p.baseFee.MulBasisPoints(bps)
	if err != nil {
		return 0, fmt.Errorf("feepolicy: minimum fee for %s: %w", s, err)
	}
	return fee, nil
}

// RefundPercentage returns the early rate when the cancellation happens at
// least the threshold before referenceAt (exactly at the threshold counts as
// early), otherwise the late rate.
func (p *Policy) RefundPercentage(cancelledAt, referenceAt time.Time) int {
	if referenceAt.Sub(cancelledAt) >= p.threshold {
		return p.earlyPct
	}
	return p.latePct
}

// RefundAmount is fee × pct / 100.
func (p *Policy) RefundAmount(fee coin.Amount, pct int) coin.Amount {
	return fee.Percent(pct)
}

// Threshold exposes the configured cancellation threshold.
func (p *Policy) Threshold() time.Duration {
	return p.threshold
}
