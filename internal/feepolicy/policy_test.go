package feepolicy

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wolfman30/hcoin-appointments/internal/coin"
)

func TestMinimumFeeTable(t *testing.T) {
	p := MustDefault()
	cases := map[Specialization]string{
		GeneralPractice: "10",
		Cardiology:      "15",
		Neurology:       "17",
		Pediatrics:      "13",
		Orthopedics:     "14",
		Oncology:        "20",
	}
	for s, want := range cases {
		t.Run(string(s), func(t *testing.T) {
			got, err := p.MinimumFee(s)
			require.NoError(t, err)
			assert.Equal(t, coin.MustParse(want), got)
		})
	}
}

func TestMinimumFeeUnknownSpecialization(t *testing.T) {
	_, err := MustDefault().MinimumFee("dermatology")
	assert.ErrorIs(t, err, ErrUnknownSpecialization)
}

func TestMinimumFeeFractionalBase(t *testing.T) {
	cfg := DefaultConfig()
	cfg.BaseFee = coin.MustParse("7.5")
	p, err := New(cfg)
	require.NoError(t, err)

	got, err := p.MinimumFee(Neurology)
	require.NoError(t, err)
	assert.Equal(t, coin.MustParse("12.75"), got)
}

func TestNewRejectsBadConfig(t *testing.T) {
	cfg := Config{
		BaseFee:               0,
		Multipliers:           map[Specialization]float64{"dermatology": 1.1, Cardiology: -1},
		EarlyRefundPct:        120,
		LateRefundPct:         -5,
		CancellationThreshold: -time.Hour,
	}
	_, err := New(cfg)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrInvalidConfig))
	for _, fragment := range []string{"base fee", "early refund", "late refund", "threshold", "dermatology", "cardiology"} {
		assert.Contains(t, err.Error(), fragment)
	}
}

func TestPartialMultiplierOverrideKeepsDefaults(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Multipliers = map[Specialization]float64{Cardiology: 3}
	p, err := New(cfg)
	require.NoError(t, err)

	fee, err := p.MinimumFee(Cardiology)
	require.NoError(t, err)
	assert.Equal(t, coin.Coins(30), fee)

	fee, err = p.MinimumFee(Oncology)
	require.NoError(t, err)
	assert.Equal(t, coin.Coins(20), fee)
}

func TestRefundPercentageAroundThreshold(t *testing.T) {
	p := MustDefault()
	deadline := time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC)

	assert.Equal(t, 80, p.RefundPercentage(deadline.Add(-25*time.Hour), deadline))
	assert.Equal(t, 50, p.RefundPercentage(deadline.Add(-1*time.Hour), deadline))
	// exactly at the threshold counts as early
	assert.Equal(t, 80, p.RefundPercentage(deadline.Add(-24*time.Hour), deadline))
	assert.Equal(t, 50, p.RefundPercentage(deadline.Add(-24*time.Hour+time.Nanosecond), deadline))
	// after the reference time
	assert.Equal(t, 50, p.RefundPercentage(deadline.Add(time.Hour), deadline))
}

func TestRefundPercentageIsMonotonic(t *testing.T) {
	p := MustDefault()
	deadline := time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC)
	prev := 101
	for h := 72; h >= -2; h-- {
		pct := p.RefundPercentage(deadline.Add(-time.Duration(h)*time.Hour), deadline)
		assert.LessOrEqual(t, pct, prev, "refund grew as cancellation moved later (h=%d)", h)
		prev = pct
	}
}

func TestRefundAmount(t *testing.T) {
	p := MustDefault()
	assert.Equal(t, coin.Coins(12), p.RefundAmount(coin.Coins(15), 80))
	assert.Equal(t, coin.MustParse("7.5"), p.RefundAmount(coin.Coins(15), 50))
	assert.Equal(t, coin.Amount(0), p.RefundAmount(coin.Coins(15), 0))
}

func TestParseSpecialization(t *testing.T) {
	cases := map[string]Specialization{
		"General Practice": GeneralPractice,
		"general_practice": GeneralPractice,
		"general-practice": GeneralPractice,
		"  CARDIOLOGY ":    Cardiology,
		"Oncology":         Oncology,
	}
	for in, want := range cases {
		got, err := ParseSpecialization(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got)
	}
	_, err := ParseSpecialization("Astrology")
	assert.ErrorIs(t, err, ErrUnknownSpecialization)
	assert.Equal(t, "General Practice", GeneralPractice.DisplayName())
}

func TestPolicyConcurrentReads(t *testing.T) {
	p := MustDefault()
	var wg sync.WaitGroup
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for _, s := range Specializations {
				if _, err := p.MinimumFee(s); err != nil {
					t.Errorf("MinimumFee(%s): %v", s, err)
				}
			}
		}()
	}
	wg.Wait()
}
