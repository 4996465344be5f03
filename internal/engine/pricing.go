package engine

import (
	"fmt"

	"outcome-exchange/internal/apperr"
	"outcome-exchange/internal/fixed"
	"outcome-exchange/internal/model"
)

// Each outcome prices along L(S) = (S² + s0²) / (2·s0), where S is the
// outstanding share count, L the outcome liquidity and s0 the genesis seed.
// The marginal price dL/dS = S/s0 starts at 1 and rises as shares are issued.
// Buys move L by exactly the net amount paid while S moves along the curve,
// so L never falls below L(S) and sells priced on the curve cannot drain an
// outcome.

// Odds returns total_liquidity / liquidity for each outcome. An outcome with
// no liquidity reports 0.
func Odds(p *model.Pool) []float64 {
	out := make([]float64, len(p.Outcomes))
	for i, o := range p.Outcomes {
		out[i] = fixed.Ratio(p.TotalLiquidity, o.Liquidity)
	}
	return out
}

// SplitSeed divides total across outcomes pro rata to weight, rounding each
// share down. Every outcome must get a non-zero share.
func SplitSeed(total fixed.Amount, outcomes []model.OutcomeSpec) ([]fixed.Amount, error) {
	var weightSum uint64
	for _, o := range outcomes {
		weightSum += uint64(o.Weight)
	}
	if weightSum == 0 {
		return nil, apperr.ErrInvalidOutcomeSet
	}
	out := make([]fixed.Amount, len(outcomes))
	for i, o := range outcomes {
		seed, err := fixed.MulDiv(total, fixed.FromUint64(uint64(o.Weight)), fixed.FromUint64(weightSum))
		if err != nil {
			return nil, err
		}
		if seed.IsZero() {
			return nil, fmt.Errorf("seed too small for outcome %q: %w", o.Label, apperr.ErrInvalidAmount)
		}
		out[i] = seed
	}
	return out, nil
}

// SharesOut returns floor(sqrt(S² + 2·s0·amountIn)) − S.
func SharesOut(o model.Outcome, amountIn fixed.Amount) (fixed.Amount, error) {
	if amountIn.IsZero() {
		return fixed.Zero(), nil
	}
	if o.Seed.IsZero() {
		return fixed.Zero(), apperr.ErrInsufficientLiquidity
	}
	sq, err := o.TotalShares.Mul(o.TotalShares)
	if err != nil {
		return fixed.Zero(), err
	}
	twoSeed, err := o.Seed.Add(o.Seed)
	if err != nil {
		return fixed.Zero(), err
	}
	grow, err := twoSeed.Mul(amountIn)
	if err != nil {
		return fixed.Zero(), err
	}
	sum, err := sq.Add(grow)
	if err != nil {
		return fixed.Zero(), err
	}
	return sum.Sqrt().Sub(o.TotalShares)
}

// ProceedsOut returns the collateral paid for selling shares back:
// min(s·(2S − s) / (2·s0), s·L/S). The first leg is the area under the curve
// and bounds any buy-then-sell round trip by the amount paid. The second caps
// a seller at their pro-rata share of the outcome's liquidity.
func ProceedsOut(o model.Outcome, shares fixed.Amount) (fixed.Amount, error) {
	if shares.IsZero() {
		return fixed.Zero(), nil
	}
	if o.Seed.IsZero() || shares.Gt(o.TotalShares) {
		return fixed.Zero(), apperr.ErrInsufficientLiquidity
	}
	twoS, err := o.TotalShares.Add(o.TotalShares)
	if err != nil {
		return fixed.Zero(), err
	}
	span, err := twoS.Sub(shares)
	if err != nil {
		return fixed.Zero(), err
	}
	twoSeed, err := o.Seed.Add(o.Seed)
	if err != nil {
		return fixed.Zero(), err
	}
	curve, err := fixed.MulDiv(shares, span, twoSeed)
	if err != nil {
		return fixed.Zero(), err
	}
	prorata, err := fixed.MulDiv(shares, o.Liquidity, o.TotalShares)
	if err != nil {
		return fixed.Zero(), err
	}
	proceeds := fixed.Min(curve, prorata)
	if proceeds.Gt(o.Liquidity) {
		return fixed.Zero(), apperr.ErrInsufficientLiquidity
	}
	return proceeds, nil
}

// applyBuy prices net into outcome idx of p and mutates p. p must be a clone.
func applyBuy(p *model.Pool, idx uint32, net fixed.Amount) (fixed.Amount, error) {
	o := &p.Outcomes[idx]
	shares, err := SharesOut(*o, net)
	if err != nil {
		return fixed.Zero(), err
	}
	if o.Liquidity, err = o.Liquidity.Add(net); err != nil {
		return fixed.Zero(), err
	}
	if o.TotalShares, err = o.TotalShares.Add(shares); err != nil {
		return fixed.Zero(), err
	}
	if p.TotalLiquidity, err = p.TotalLiquidity.Add(net); err != nil {
		return fixed.Zero(), err
	}
	return shares, nil
}

// applySell removes shares from outcome idx of p and mutates p. p must be a
// clone.
func applySell(p *model.Pool, idx uint32, shares fixed.Amount) (fixed.Amount, error) {
	o := &p.Outcomes[idx]
	proceeds, err := ProceedsOut(*o, shares)
	if err != nil {
		return fixed.Zero(), err
	}
	if o.Liquidity, err = o.Liquidity.Sub(proceeds); err != nil {
		return fixed.Zero(), apperr.ErrInsufficientLiquidity
	}
	if o.TotalShares, err = o.TotalShares.Sub(shares); err != nil {
		return fixed.Zero(), apperr.ErrInsufficientLiquidity
	}
	if p.TotalLiquidity, err = p.TotalLiquidity.Sub(proceeds); err != nil {
		return fixed.Zero(), apperr.ErrInsufficientLiquidity
	}
	return proceeds, nil
}

// scaledOdds is total/liquidity in 18-decimal fixed point.
func scaledOdds(p *model.Pool, idx uint32) (fixed.Amount, error) {
	return fixed.MulDiv(p.TotalLiquidity, fixed.One, p.Outcomes[idx].Liquidity)
}

// priceImpactBps returns how far the odds of outcome idx moved between
// before and after, in basis points of the starting odds.
func priceImpactBps(before, after *model.Pool, idx uint32) (fixed.Amount, error) {
	o0, err := scaledOdds(before, idx)
	if err != nil {
		return fixed.Zero(), err
	}
	o1, err := scaledOdds(after, idx)
	if err != nil {
		return fixed.Zero(), err
	}
	diff, err := o0.Sub(o1)
	if err != nil {
		diff, _ = o1.Sub(o0)
	}
	return fixed.MulDivUp(diff, fixed.FromUint64(fixed.BpsDenominator), o0)
}

// checkImpact enforces the configured odds tolerance. maxBps == 0 disables it.
func checkImpact(before, after *model.Pool, idx uint32, maxBps uint32) error {
	if maxBps == 0 {
		return nil
	}
	impact, err := priceImpactBps(before, after, idx)
	if err != nil {
		return err
	}
	if impact.Gt(fixed.FromUint64(uint64(maxBps))) {
		return apperr.ErrPriceImpact
	}
	return nil
}

// checkConservation verifies total_liquidity == Σ liquidity.
func checkConservation(p *model.Pool) error {
	sum := fixed.Zero()
	for _, o := range p.Outcomes {
		var err error
		if sum, err = sum.Add(o.Liquidity); err != nil {
			return err
		}
	}
	if !sum.Eq(p.TotalLiquidity) {
		return apperr.New(apperr.KindInternal, "Conservation", "pool liquidity out of balance")
	}
	return nil
}

// settlementSplit takes the platform and creator cuts off total and returns
// what is left for winners.
func settlementSplit(total fixed.Amount, platformBps, creatorBps uint32) (platform, creator, distributable fixed.Amount, err error) {
	if platform, err = fixed.Bps(total, platformBps); err != nil {
		return
	}
	if creator, err = fixed.Bps(total, creatorBps); err != nil {
		return
	}
	if distributable, err = total.Sub(platform); err != nil {
		return
	}
	distributable, err = distributable.Sub(creator)
	return
}

// ValuePosition marks pos to pool p. On an open pool Value is the sell
// price of the tradable shares and PotentialPayout is the claim the whole
// position would have if its outcome won now. On a resolved pool both are the
// unclaimed payout, zero for losing outcomes.
func ValuePosition(p *model.Pool, pos model.Position) (model.PositionValue, error) {
	v := model.PositionValue{Position: pos, Value: fixed.Zero(), PotentialPayout: fixed.Zero()}
	if int(pos.OutcomeIndex) >= len(p.Outcomes) {
		return v, apperr.ErrInvalidOutcome
	}
	claimable, err := pos.Claimable()
	if err != nil {
		return v, err
	}

	if st := p.Settlement; p.Status == model.PoolResolved && st != nil && p.WinningOutcome != nil {
		if !pos.Claimed && *p.WinningOutcome == pos.OutcomeIndex && !claimable.IsZero() && !st.WinningShares.IsZero() {
			payout, err := fixed.MulDiv(claimable, st.Distributable, st.WinningShares)
			if err != nil {
				return v, err
			}
			v.Value, v.PotentialPayout = payout, payout
		}
	} else {
		o := p.Outcomes[pos.OutcomeIndex]
		if v.Value, err = ProceedsOut(o, pos.Shares); err != nil {
			return v, err
		}
		if !claimable.IsZero() && !o.TotalShares.IsZero() {
			_, _, dist, err := settlementSplit(p.TotalLiquidity, p.PlatformFeeBps, p.CreatorFeeBps)
			if err != nil {
				return v, err
			}
			if v.PotentialPayout, err = fixed.MulDiv(claimable, dist, o.TotalShares); err != nil {
				return v, err
			}
		}
	}
	v.UnrealizedPL = v.Value.Decimal().Sub(pos.CostBasis.Decimal()).Shift(fixed.Decimals)
	return v, nil
}
