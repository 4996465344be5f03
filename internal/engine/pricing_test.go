package engine

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"outcome-exchange/internal/apperr"
	"outcome-exchange/internal/fixed"
	"outcome-exchange/internal/model"
)

func genesis(units uint64) model.Outcome {
	s := fixed.FromUnits(units)
	return model.Outcome{Liquidity: s, TotalShares: s, Seed: s}
}

func twoOutcomePool(a, b uint64) model.Pool {
	oa, ob := genesis(a), genesis(b)
	ob.Index = 1
	total, _ := oa.Liquidity.Add(ob.Liquidity)
	return model.Pool{Outcomes: []model.Outcome{oa, ob}, TotalLiquidity: total, Status: model.PoolOpen}
}

func TestSharesOutZeroAmount(t *testing.T) {
	got, err := SharesOut(genesis(100), fixed.Zero())
	require.NoError(t, err)
	assert.True(t, got.IsZero())
}

func TestSharesOutNeedsSeed(t *testing.T) {
	_, err := SharesOut(model.Outcome{}, fixed.FromUnits(1))
	assert.ErrorIs(t, err, apperr.ErrInsufficientLiquidity)
}

func TestSharesOutAtGenesisPriceIsNearOne(t *testing.T) {
	// A tiny buy at genesis gets close to one share per unit.
	got, err := SharesOut(genesis(1000), fixed.FromUnits(1))
	require.NoError(t, err)
	assert.InDelta(t, 1.0, fixed.Ratio(got, fixed.FromUnits(1)), 0.001)
	assert.True(t, got.Lt(fixed.FromUnits(1)))
}

func TestSharesOutIncreasingAndConcave(t *testing.T) {
	o := genesis(100)
	prev := fixed.Zero()
	prevStep := fixed.Zero()
	for i := uint64(1); i <= 20; i++ {
		got, err := SharesOut(o, fixed.FromUnits(10*i))
		require.NoError(t, err)
		require.True(t, got.Gt(prev), "shares must grow with amount (step %d)", i)

		step, err := got.Sub(prev)
		require.NoError(t, err)
		if i > 1 {
			require.True(t, step.Lt(prevStep), "marginal shares must shrink (step %d)", i)
		}
		prev, prevStep = got, step
	}
}

func TestRoundTripNeverProfits(t *testing.T) {
	amounts := []uint64{1, 7, 50, 100, 1000, 25000}
	for _, seed := range []uint64{10, 100, 5000} {
		for _, x := range amounts {
			p := twoOutcomePool(seed, seed)
			in := fixed.FromUnits(x)
			shares, err := applyBuy(&p, 0, in)
			require.NoError(t, err)

			proceeds, err := ProceedsOut(p.Outcomes[0], shares)
			require.NoError(t, err)
			assert.False(t, proceeds.Gt(in), "seed=%d amount=%d proceeds=%s", seed, x, proceeds)
		}
	}
}

func TestProceedsCappedAtProRataShare(t *testing.T) {
	// S=300, s0=100 and L=(S²+s0²)/(2·s0)=500: a one-share sell is worth
	// 2.995 on the curve but only 500/300 pro rata.
	o := model.Outcome{
		Seed:        fixed.FromUnits(100),
		TotalShares: fixed.FromUnits(300),
		Liquidity:   fixed.FromUnits(500),
	}
	got, err := ProceedsOut(o, fixed.FromUnits(1))
	require.NoError(t, err)
	want, err := fixed.MulDiv(fixed.FromUnits(1), fixed.FromUnits(500), fixed.FromUnits(300))
	require.NoError(t, err)
	assert.True(t, got.Eq(want), "got %s want %s", got, want)
}

func TestProceedsIncreasingWithDiminishingMarginal(t *testing.T) {
	p := twoOutcomePool(100, 100)
	_, err := applyBuy(&p, 0, fixed.FromUnits(500))
	require.NoError(t, err)
	o := p.Outcomes[0]

	// Sweeps through the pro-rata regime into the curve regime. Pro-rata is
	// linear, so steps may repeat up to one unit of rounding.
	prev, prevStep := fixed.Zero(), fixed.Zero()
	for i := uint64(1); i <= 11; i++ {
		got, err := ProceedsOut(o, fixed.FromUnits(30*i))
		require.NoError(t, err)
		require.True(t, got.Gt(prev))
		step, err := got.Sub(prev)
		require.NoError(t, err)
		if i > 1 {
			limit, err := prevStep.Add(fixed.FromUint64(1))
			require.NoError(t, err)
			require.False(t, step.Gt(limit), "step %d", i)
		}
		prev, prevStep = got, step
	}
}

func TestProceedsEdgeCases(t *testing.T) {
	o := genesis(100)
	got, err := ProceedsOut(o, fixed.Zero())
	require.NoError(t, err)
	assert.True(t, got.IsZero())

	_, err = ProceedsOut(o, fixed.FromUnits(101))
	assert.ErrorIs(t, err, apperr.ErrInsufficientLiquidity)
}

func TestOddsFollowWeights(t *testing.T) {
	p := twoOutcomePool(100, 300)
	odds := Odds(&p)
	require.Len(t, odds, 2)
	assert.InDelta(t, 4.0, odds[0], 1e-9)
	assert.InDelta(t, 4.0/3.0, odds[1], 1e-9)
}

func TestBuyingAnOutcomeShortensItsOdds(t *testing.T) {
	p := twoOutcomePool(100, 100)
	_, err := applyBuy(&p, 0, fixed.FromUnits(1000))
	require.NoError(t, err)
	odds := Odds(&p)
	assert.Less(t, odds[0], odds[1])
	require.NoError(t, checkConservation(&p))
}

func TestCheckImpact(t *testing.T) {
	before := twoOutcomePool(100, 100)
	after := before.Clone()
	_, err := applyBuy(&after, 0, fixed.FromUnits(100))
	require.NoError(t, err)

	// odds(A) 2.0 -> 1.5, a 2500 bps move.
	assert.NoError(t, checkImpact(&before, &after, 0, 0))
	assert.NoError(t, checkImpact(&before, &after, 0, 2500))
	assert.ErrorIs(t, checkImpact(&before, &after, 0, 2499), apperr.ErrPriceImpact)
}

func TestCheckConservationDetectsDrift(t *testing.T) {
	p := twoOutcomePool(100, 100)
	p.TotalLiquidity = fixed.FromUnits(201)
	assert.Error(t, checkConservation(&p))
}

func TestSplitSeed(t *testing.T) {
	seeds, err := SplitSeed(fixed.FromUnits(400), []model.OutcomeSpec{{Label: "A", Weight: 1}, {Label: "B", Weight: 3}})
	require.NoError(t, err)
	assert.True(t, seeds[0].Eq(fixed.FromUnits(100)))
	assert.True(t, seeds[1].Eq(fixed.FromUnits(300)))

	_, err = SplitSeed(fixed.FromUint64(1), []model.OutcomeSpec{{Label: "A", Weight: 1}, {Label: "B", Weight: 1}})
	assert.ErrorIs(t, err, apperr.ErrInvalidAmount)

	_, err = SplitSeed(fixed.FromUnits(1), []model.OutcomeSpec{{Label: "A"}, {Label: "B"}})
	assert.ErrorIs(t, err, apperr.ErrInvalidOutcomeSet)
}

func TestValuePositionOnOpenPool(t *testing.T) {
	p := twoOutcomePool(100, 100)
	p.PlatformFeeBps = 100

	// Creator seed: nothing to sell, claims the whole pot less fees if A wins.
	seed := model.Position{OutcomeIndex: 0, SeedShares: fixed.FromUnits(100)}
	v, err := ValuePosition(&p, seed)
	require.NoError(t, err)
	assert.True(t, v.Value.IsZero())
	assert.True(t, v.PotentialPayout.Eq(fixed.FromUnits(198)))
	assert.True(t, v.UnrealizedPL.IsZero())

	shares := fixed.FromUnits(10)
	want, err := ProceedsOut(p.Outcomes[1], shares)
	require.NoError(t, err)
	v, err = ValuePosition(&p, model.Position{OutcomeIndex: 1, Shares: shares, CostBasis: fixed.FromUnits(20)})
	require.NoError(t, err)
	assert.True(t, v.Value.Eq(want))
	assert.True(t, v.UnrealizedPL.IsNegative())

	_, err = ValuePosition(&p, model.Position{OutcomeIndex: 2})
	assert.ErrorIs(t, err, apperr.ErrInvalidOutcome)
}

func TestValuePositionOnResolvedPool(t *testing.T) {
	p := twoOutcomePool(100, 100)
	winner := uint32(0)
	p.Status = model.PoolResolved
	p.WinningOutcome = &winner
	p.Settlement = &model.Settlement{Distributable: fixed.FromUnits(150), WinningShares: fixed.FromUnits(100)}

	win := model.Position{OutcomeIndex: 0, Shares: fixed.FromUnits(50), CostBasis: fixed.FromUnits(60)}
	v, err := ValuePosition(&p, win)
	require.NoError(t, err)
	assert.True(t, v.Value.Eq(fixed.FromUnits(75)))
	assert.True(t, v.PotentialPayout.Eq(fixed.FromUnits(75)))
	assert.Equal(t, "15000000000000000000", v.UnrealizedPL.String())

	lose := model.Position{OutcomeIndex: 1, Shares: fixed.FromUnits(50), CostBasis: fixed.FromUnits(60)}
	v, err = ValuePosition(&p, lose)
	require.NoError(t, err)
	assert.True(t, v.Value.IsZero())
	assert.Equal(t, "-60000000000000000000", v.UnrealizedPL.String())

	win.Claimed = true
	v, err = ValuePosition(&p, win)
	require.NoError(t, err)
	assert.True(t, v.Value.IsZero())
}
