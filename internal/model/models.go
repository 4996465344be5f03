package model

import (
	"time"

	"github.com/shopspring/decimal"

	"outcome-exchange/internal/fixed"
)

// ── Enums ────────────────────────────────────────────

type Role string

const (
	RoleUser   Role = "USER"
	RoleAdmin  Role = "ADMIN"
	RoleOracle Role = "ORACLE"
)

type Asset string

const (
	AssetUSDT Asset = "USDT" // collateral
	AssetBET  Asset = "BET"  // governance stake
)

type PoolStatus string

const (
	PoolOpen     PoolStatus = "OPEN"
	PoolResolved PoolStatus = "RESOLVED"
)

type ProposalStatus string

const (
	ProposalActive   ProposalStatus = "ACTIVE"
	ProposalApproved ProposalStatus = "APPROVED"
	ProposalRejected ProposalStatus = "REJECTED"
)

// FeeCollectorID is the account that receives protocol and platform fees.
const FeeCollectorID = "fee-collector"

// ── Domain Objects ───────────────────────────────────

type User struct {
	ID           string    `json:"id"`
	Email        string    `json:"email"`
	PasswordHash string    `json:"-"`
	Role         Role      `json:"role"`
	CreatedAt    time.Time `json:"created_at"`
}

// Caller identifies who is invoking a privileged operation.
type Caller struct {
	ID   string `json:"id"`
	Role Role   `json:"role"`
}

type Wallet struct {
	UserID  string       `json:"user_id"`
	Asset   Asset        `json:"asset"`
	Balance fixed.Amount `json:"balance"`
	Locked  fixed.Amount `json:"locked"`
}

func (w Wallet) Available() fixed.Amount {
	a, err := w.Balance.Sub(w.Locked)
	if err != nil {
		return fixed.Zero()
	}
	return a
}

// Outcome is one side of a pool. Seed is the genesis liquidity (equal to the
// genesis share count) and parameterises the pricing curve.
type Outcome struct {
	Index       uint32       `json:"index"`
	Label       string       `json:"label"`
	Liquidity   fixed.Amount `json:"liquidity"`
	TotalShares fixed.Amount `json:"total_shares"`
	Seed        fixed.Amount `json:"seed"`
}

type Resolution struct {
	Oracle     string     `json:"oracle,omitempty"`
	ResolvesAt *time.Time `json:"resolves_at,omitempty"`
	Source     string     `json:"source,omitempty"`
}

// Settlement is fixed at resolution. Claims draw from Distributable.
type Settlement struct {
	PlatformCut   fixed.Amount `json:"platform_cut"`
	CreatorCut    fixed.Amount `json:"creator_cut"`
	Distributable fixed.Amount `json:"distributable"`
	PaidOut       fixed.Amount `json:"paid_out"`
	WinningShares fixed.Amount `json:"winning_shares"`
}

type Pool struct {
	ID             string       `json:"id"`
	Title          string       `json:"title"`
	Description    string       `json:"description"`
	Creator        string       `json:"creator"`
	Outcomes       []Outcome    `json:"outcomes"`
	TotalLiquidity fixed.Amount `json:"total_liquidity"`
	Status         PoolStatus   `json:"status"`
	WinningOutcome *uint32      `json:"winning_outcome"`
	CreatorFeeBps  uint32       `json:"creator_fee_bps"`
	PlatformFeeBps uint32       `json:"platform_fee_bps"`
	Resolution     Resolution   `json:"resolution"`
	Settlement     *Settlement  `json:"settlement,omitempty"`
	Seq            int64        `json:"seq"`
	ProposalID     *string      `json:"proposal_id,omitempty"`
	CreatedAt      time.Time    `json:"created_at"`
	ResolvedAt     *time.Time   `json:"resolved_at,omitempty"`
}

// Clone returns a deep copy so callers can stage changes without touching
// the live record.
func (p Pool) Clone() Pool {
	c := p
	c.Outcomes = append([]Outcome(nil), p.Outcomes...)
	if p.WinningOutcome != nil {
		w := *p.WinningOutcome
		c.WinningOutcome = &w
	}
	if p.Settlement != nil {
		s := *p.Settlement
		c.Settlement = &s
	}
	if p.ProposalID != nil {
		id := *p.ProposalID
		c.ProposalID = &id
	}
	return c
}

// PositionKey is the storage key of a position.
type PositionKey struct {
	PoolID       string
	UserID       string
	OutcomeIndex uint32
}

// Position holds a user's shares on one outcome. SeedShares are the creator's
// genesis shares: they cannot be sold but count toward claims.
type Position struct {
	PoolID       string       `json:"pool_id"`
	UserID       string       `json:"user_id"`
	OutcomeIndex uint32       `json:"outcome_index"`
	Shares       fixed.Amount `json:"shares"`
	SeedShares   fixed.Amount `json:"seed_shares"`
	// CostBasis is the collateral paid for Shares, reduced pro rata on sells.
	CostBasis fixed.Amount `json:"cost_basis"`
	Claimed   bool         `json:"claimed"`
}

func (p Position) Key() PositionKey {
	return PositionKey{PoolID: p.PoolID, UserID: p.UserID, OutcomeIndex: p.OutcomeIndex}
}

// Claimable is the share count that participates in payout.
func (p Position) Claimable() (fixed.Amount, error) {
	return p.Shares.Add(p.SeedShares)
}

type OutcomeSpec struct {
	Label  string `json:"label"`
	Weight uint32 `json:"initial_weight"`
}

type Vote struct {
	Voter   string       `json:"voter"`
	Support bool         `json:"support"`
	Stake   fixed.Amount `json:"stake"`
}

type Proposal struct {
	ID             string          `json:"id"`
	Creator        string          `json:"creator"`
	Title          string          `json:"title"`
	Description    string          `json:"description"`
	Outcomes       []OutcomeSpec   `json:"outcomes"`
	CreatorFeeBps  uint32          `json:"creator_fee_bps"`
	PlatformFeeBps uint32          `json:"platform_fee_bps"`
	SeedLiquidity  fixed.Amount    `json:"seed_liquidity"`
	CreatorStake   fixed.Amount    `json:"creator_stake"`
	Resolution     Resolution      `json:"resolution"`
	YesVotes       fixed.Amount    `json:"yes_votes"`
	NoVotes        fixed.Amount    `json:"no_votes"`
	Status         ProposalStatus  `json:"status"`
	Deadline       time.Time       `json:"deadline"`
	LinkedPool     *string         `json:"linked_pool"`
	Votes          map[string]Vote `json:"votes"`
	CreatedAt      time.Time       `json:"created_at"`
	FinalizedAt    *time.Time      `json:"finalized_at,omitempty"`
}

func (p Proposal) Clone() Proposal {
	c := p
	c.Outcomes = append([]OutcomeSpec(nil), p.Outcomes...)
	c.Votes = make(map[string]Vote, len(p.Votes))
	for k, v := range p.Votes {
		c.Votes[k] = v
	}
	if p.LinkedPool != nil {
		id := *p.LinkedPool
		c.LinkedPool = &id
	}
	if p.FinalizedAt != nil {
		t := *p.FinalizedAt
		c.FinalizedAt = &t
	}
	return c
}

// TotalVotes returns yes + no.
func (p Proposal) TotalVotes() (fixed.Amount, error) {
	return p.YesVotes.Add(p.NoVotes)
}

type Event struct {
	ID         int64     `json:"id"`
	PoolID     *string   `json:"pool_id,omitempty"`
	ProposalID *string   `json:"proposal_id,omitempty"`
	UserID     *string   `json:"user_id,omitempty"`
	Seq        *int64    `json:"seq,omitempty"`
	Type       string    `json:"type"`
	Payload    any       `json:"payload"`
	CreatedAt  time.Time `json:"created_at"`
}

// ── API Types ────────────────────────────────────────

// PoolSpec is the input to pool creation. SeedLiquidity is split across
// outcomes by weight. When FundedByLock is set the creator's locked USDT is
// consumed instead of their available balance. Attach is committed in the
// same transaction as the pool.
type PoolSpec struct {
	ID             string        `json:"-"`
	Title          string        `json:"title"`
	Description    string        `json:"description"`
	Creator        string        `json:"-"`
	Outcomes       []OutcomeSpec `json:"outcomes"`
	CreatorFeeBps  uint32        `json:"creator_fee_bps"`
	PlatformFeeBps uint32        `json:"platform_fee_bps"`
	SeedLiquidity  fixed.Amount  `json:"seed_liquidity"`
	Resolution     Resolution    `json:"resolution"`
	ProposalID     *string       `json:"-"`
	FundedByLock   bool          `json:"-"`
	Attach         *Batch        `json:"-"`
}

type BuyReq struct {
	OutcomeIndex uint32        `json:"outcome_index"`
	AmountIn     fixed.Amount  `json:"amount_in"`
	MinSharesOut *fixed.Amount `json:"min_shares_out,omitempty"`
}

type BuyResult struct {
	SharesOut fixed.Amount `json:"shares_out"`
	Fee       fixed.Amount `json:"fee"`
	NewOdds   []float64    `json:"new_odds"`
	Seq       int64        `json:"seq"`
}

type SellReq struct {
	OutcomeIndex   uint32        `json:"outcome_index"`
	Shares         fixed.Amount  `json:"shares"`
	MinProceedsOut *fixed.Amount `json:"min_proceeds_out,omitempty"`
}

type SellResult struct {
	ProceedsOut fixed.Amount `json:"proceeds_out"`
	NewOdds     []float64    `json:"new_odds"`
	Seq         int64        `json:"seq"`
}

type QuoteReq struct {
	OutcomeIndex uint32        `json:"outcome_index"`
	AmountIn     *fixed.Amount `json:"amount_in,omitempty"`
	Shares       *fixed.Amount `json:"shares,omitempty"`
}

type Quote struct {
	SharesOut   fixed.Amount `json:"shares_out"`
	ProceedsOut fixed.Amount `json:"proceeds_out"`
	Fee         fixed.Amount `json:"fee"`
	NewOdds     []float64    `json:"new_odds"`
}

type ClaimResult struct {
	AmountPaid fixed.Amount `json:"amount_paid"`
}

type ResolveReq struct {
	WinningOutcome uint32 `json:"winning_outcome"`
}

type CreateProposalReq struct {
	Title          string        `json:"title"`
	Description    string        `json:"description"`
	Outcomes       []OutcomeSpec `json:"outcomes"`
	CreatorFeeBps  uint32        `json:"creator_fee_bps"`
	PlatformFeeBps uint32        `json:"platform_fee_bps"`
	SeedLiquidity  fixed.Amount  `json:"seed_liquidity"`
	Stake          fixed.Amount  `json:"stake"`
	Resolution     Resolution    `json:"resolution"`
}

type VoteReq struct {
	Support bool         `json:"support"`
	Stake   fixed.Amount `json:"stake"`
}

// PoolView is a pool with its current odds attached.
type PoolView struct {
	Pool
	Odds []float64 `json:"odds"`
}

// PositionValue marks a position to the current pool state. Value is what
// the tradable shares would sell for now, or the claimable payout once the
// pool is resolved. PotentialPayout is what the whole position would collect
// if its outcome won at the current settlement ratio. UnrealizedPL is Value
// minus CostBasis as a signed scaled integer.
type PositionValue struct {
	Position
	Value           fixed.Amount    `json:"value"`
	PotentialPayout fixed.Amount    `json:"potential_payout"`
	UnrealizedPL    decimal.Decimal `json:"unrealized_pl"`
}

// SettlementReport is the archived record of a resolution.
type SettlementReport struct {
	Pool       Pool       `json:"pool"`
	Positions  []Position `json:"positions"`
	ResolvedBy Caller     `json:"resolved_by"`
	ResolvedAt time.Time  `json:"resolved_at"`
}
