// Package governance implements the proposal ledger that gates pool creation.
// A proposal collects BET-staked votes; once quorum is reached or the voting
// period ends it is finalized, and an approved proposal creates its pool
// through the engine in the same transaction that closes the proposal.
package governance

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"outcome-exchange/internal/apperr"
	"outcome-exchange/internal/engine"
	"outcome-exchange/internal/fixed"
	"outcome-exchange/internal/model"
)

const maxOutcomes = 32

type Store interface {
	Apply(ctx context.Context, b *model.Batch) error
	ListProposals(ctx context.Context) ([]model.Proposal, error)
	GetWallets(ctx context.Context, userID string) ([]model.Wallet, error)
}

// PoolCreator creates the pool of an approved proposal. It must be
// idempotent on spec.ID.
type PoolCreator interface {
	CreatePool(ctx context.Context, spec model.PoolSpec) (model.Pool, error)
}

type Config struct {
	MinCreationStake fixed.Amount
	MinVoteStake     fixed.Amount
	Quorum           fixed.Amount
	VotingPeriod     time.Duration
	DefaultSeed      fixed.Amount
	OpTimeout        time.Duration
}

func DefaultConfig() Config {
	return Config{
		MinCreationStake: fixed.FromUnits(100),
		MinVoteStake:     fixed.FromUnits(1),
		Quorum:           fixed.FromUnits(1000),
		VotingPeriod:     72 * time.Hour,
		DefaultSeed:      fixed.FromUnits(100),
		OpTimeout:        5 * time.Second,
	}
}

type Deps struct {
	Publish func(room, msgType string, data any)
	Logger  *slog.Logger
	Now     func() time.Time
}

// Room is the websocket room proposal updates are published to.
const Room = "proposals"

type entry struct {
	mu sync.Mutex
	p  model.Proposal
}

type Ledger struct {
	store   Store
	pools   PoolCreator
	cfg     Config
	publish func(room, msgType string, data any)
	log     *slog.Logger
	now     func() time.Time

	mu      sync.RWMutex
	entries map[string]*entry
}

func NewLedger(store Store, pools PoolCreator, cfg Config, deps Deps) *Ledger {
	if cfg.OpTimeout <= 0 {
		cfg.OpTimeout = 5 * time.Second
	}
	if cfg.DefaultSeed.IsZero() {
		cfg.DefaultSeed = fixed.FromUnits(100)
	}
	l := &Ledger{
		store:   store,
		pools:   pools,
		cfg:     cfg,
		publish: deps.Publish,
		log:     deps.Logger,
		now:     deps.Now,
		entries: make(map[string]*entry),
	}
	if l.publish == nil {
		l.publish = func(string, string, any) {}
	}
	if l.log == nil {
		l.log = slog.Default()
	}
	l.log = l.log.With("component", "governance")
	if l.now == nil {
		l.now = time.Now
	}
	return l
}

// Boot loads every stored proposal.
func (l *Ledger) Boot(ctx context.Context) error {
	ps, err := l.store.ListProposals(ctx)
	if err != nil {
		return err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, p := range ps {
		l.entries[p.ID] = &entry{p: p.Clone()}
	}
	l.log.Info("loaded proposals", "count", len(ps))
	return nil
}

func (l *Ledger) entry(id string) (*entry, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	e, ok := l.entries[id]
	if !ok {
		return nil, apperr.ErrProposalNotFound
	}
	return e, nil
}

func (l *Ledger) Get(_ context.Context, id string) (model.Proposal, error) {
	e, err := l.entry(id)
	if err != nil {
		return model.Proposal{}, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.p.Clone(), nil
}

// List returns every proposal, newest first.
func (l *Ledger) List(_ context.Context) []model.Proposal {
	l.mu.RLock()
	entries := make([]*entry, 0, len(l.entries))
	for _, e := range l.entries {
		entries = append(entries, e)
	}
	l.mu.RUnlock()

	out := make([]model.Proposal, 0, len(entries))
	for _, e := range entries {
		e.mu.Lock()
		out = append(out, e.p.Clone())
		e.mu.Unlock()
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out
}

func (l *Ledger) available(ctx context.Context, user string, asset model.Asset) (fixed.Amount, error) {
	ws, err := l.store.GetWallets(ctx, user)
	if err != nil {
		return fixed.Zero(), err
	}
	for _, w := range ws {
		if w.Asset == asset {
			return w.Available(), nil
		}
	}
	return fixed.Zero(), nil
}

func (l *Ledger) commit(ctx context.Context, b *model.Batch) error {
	cctx, cancel := context.WithTimeout(ctx, l.cfg.OpTimeout)
	defer cancel()
	return l.store.Apply(cctx, b)
}

func proposalEvent(p *model.Proposal, typ string, at time.Time, payload any) model.Event {
	id := p.ID
	return model.Event{ProposalID: &id, Type: typ, Payload: payload, CreatedAt: at}
}

func userEvent(p *model.Proposal, typ, user string, at time.Time, payload any) model.Event {
	ev := proposalEvent(p, typ, at, payload)
	ev.UserID = &user
	return ev
}

// ── Create ───────────────────────────────────────────

func validateRequest(req model.CreateProposalReq) error {
	if strings.TrimSpace(req.Title) == "" {
		return fmt.Errorf("title required: %w", apperr.ErrInvalidInput)
	}
	if len(req.Outcomes) < 2 || len(req.Outcomes) > maxOutcomes {
		return apperr.ErrInvalidOutcomeSet
	}
	for _, o := range req.Outcomes {
		if o.Weight == 0 || strings.TrimSpace(o.Label) == "" {
			return apperr.ErrInvalidOutcomeSet
		}
	}
	if uint64(req.CreatorFeeBps)+uint64(req.PlatformFeeBps) > fixed.BpsDenominator {
		return apperr.ErrInvalidFeeRate
	}
	return nil
}

// CreateProposal opens a proposal. The creator's BET stake and the USDT that
// will seed the pool are locked until the proposal is finalized.
func (l *Ledger) CreateProposal(ctx context.Context, creator string, req model.CreateProposalReq) (model.Proposal, error) {
	if err := validateRequest(req); err != nil {
		return model.Proposal{}, err
	}
	if req.Stake.Lt(l.cfg.MinCreationStake) {
		return model.Proposal{}, fmt.Errorf("stake below %s: %w", l.cfg.MinCreationStake, apperr.ErrInsufficientStake)
	}
	bet, err := l.available(ctx, creator, model.AssetBET)
	if err != nil {
		return model.Proposal{}, err
	}
	if bet.Lt(req.Stake) {
		return model.Proposal{}, apperr.ErrInsufficientStake
	}
	seed := req.SeedLiquidity
	if seed.IsZero() {
		seed = l.cfg.DefaultSeed
	}
	if _, err := engine.SplitSeed(seed, req.Outcomes); err != nil {
		return model.Proposal{}, err
	}

	now := l.now().UTC()
	p := model.Proposal{
		ID:             uuid.NewString(),
		Creator:        creator,
		Title:          req.Title,
		Description:    req.Description,
		Outcomes:       append([]model.OutcomeSpec(nil), req.Outcomes...),
		CreatorFeeBps:  req.CreatorFeeBps,
		PlatformFeeBps: req.PlatformFeeBps,
		SeedLiquidity:  seed,
		CreatorStake:   req.Stake,
		Resolution:     req.Resolution,
		Status:         model.ProposalActive,
		Deadline:       now.Add(l.cfg.VotingPeriod),
		Votes:          map[string]model.Vote{},
		CreatedAt:      now,
	}

	var b model.Batch
	b.Proposals = []model.Proposal{p}
	b.Lock(creator, model.AssetBET, req.Stake)
	b.Lock(creator, model.AssetUSDT, seed)
	b.Emit(userEvent(&p, "ProposalCreated", creator, now, map[string]any{
		"creator": creator, "stake": req.Stake, "seed_liquidity": seed, "deadline": p.Deadline,
	}))
	if err := l.commit(ctx, &b); err != nil {
		return model.Proposal{}, fmt.Errorf("create proposal: %w", err)
	}

	l.mu.Lock()
	l.entries[p.ID] = &entry{p: p}
	l.mu.Unlock()
	l.log.Info("proposal created", "proposal", p.ID, "creator", creator, "deadline", p.Deadline)
	l.publish(Room, "proposal", p.Clone())
	return p.Clone(), nil
}

// ── Vote ─────────────────────────────────────────────

// Vote records voter's vote. A repeat vote replaces the earlier one: tallies
// and the voter's BET lock move by the difference. A vote that brings the
// total to quorum finalizes the proposal.
func (l *Ledger) Vote(ctx context.Context, id, voter string, req model.VoteReq) (model.Proposal, error) {
	e, err := l.entry(id)
	if err != nil {
		return model.Proposal{}, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	now := l.now().UTC()
	if e.p.Status != model.ProposalActive || !now.Before(e.p.Deadline) {
		return model.Proposal{}, apperr.ErrProposalNotActive
	}
	if req.Stake.IsZero() || req.Stake.Lt(l.cfg.MinVoteStake) {
		return model.Proposal{}, fmt.Errorf("stake below %s: %w", l.cfg.MinVoteStake, apperr.ErrInsufficientStake)
	}

	next := e.p.Clone()
	prev, replaced := next.Votes[voter]
	if replaced {
		if prev.Support {
			next.YesVotes, err = next.YesVotes.Sub(prev.Stake)
		} else {
			next.NoVotes, err = next.NoVotes.Sub(prev.Stake)
		}
		if err != nil {
			return model.Proposal{}, err
		}
	}
	if req.Support {
		next.YesVotes, err = next.YesVotes.Add(req.Stake)
	} else {
		next.NoVotes, err = next.NoVotes.Add(req.Stake)
	}
	if err != nil {
		return model.Proposal{}, err
	}
	next.Votes[voter] = model.Vote{Voter: voter, Support: req.Support, Stake: req.Stake}

	var b model.Batch
	b.Proposals = []model.Proposal{next}
	switch req.Stake.Cmp(prev.Stake) {
	case 1:
		more, err := req.Stake.Sub(prev.Stake)
		if err != nil {
			return model.Proposal{}, err
		}
		bet, err := l.available(ctx, voter, model.AssetBET)
		if err != nil {
			return model.Proposal{}, err
		}
		if bet.Lt(more) {
			return model.Proposal{}, apperr.ErrInsufficientStake
		}
		b.Lock(voter, model.AssetBET, more)
	case -1:
		less, err := prev.Stake.Sub(req.Stake)
		if err != nil {
			return model.Proposal{}, err
		}
		b.Unlock(voter, model.AssetBET, less)
	}
	b.Emit(userEvent(&next, "VoteCast", voter, now, map[string]any{
		"voter": voter, "support": req.Support, "stake": req.Stake, "replaced": replaced,
		"yes_votes": next.YesVotes, "no_votes": next.NoVotes,
	}))
	if err := l.commit(ctx, &b); err != nil {
		return model.Proposal{}, fmt.Errorf("vote on %s: %w", id, err)
	}
	e.p = next
	l.publish(Room, "vote", map[string]any{
		"proposal_id": id, "yes_votes": next.YesVotes, "no_votes": next.NoVotes,
	})

	if l.quorumReached(&e.p) {
		if _, err := l.finalizeLocked(ctx, e); err != nil {
			// The vote stands; the sweeper or an explicit finalize retries.
			l.log.Warn("finalize on quorum failed", "proposal", id, "error", err)
		}
	}
	return e.p.Clone(), nil
}

func (l *Ledger) quorumReached(p *model.Proposal) bool {
	total, err := p.TotalVotes()
	if err != nil {
		return true
	}
	return !total.Lt(l.cfg.Quorum)
}

// ── Finalize ─────────────────────────────────────────

// Finalize closes a proposal once quorum is reached or the deadline passed.
// Approval creates exactly one pool; any later call returns
// ErrAlreadyResolved.
func (l *Ledger) Finalize(ctx context.Context, id string) (model.Proposal, error) {
	e, err := l.entry(id)
	if err != nil {
		return model.Proposal{}, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return l.finalizeLocked(ctx, e)
}

// PoolID is the deterministic pool ID of an approved proposal.
func PoolID(proposalID string) string {
	return uuid.NewSHA1(uuid.NameSpaceOID, []byte("proposal:"+proposalID)).String()
}

func (l *Ledger) finalizeLocked(ctx context.Context, e *entry) (model.Proposal, error) {
	if e.p.Status != model.ProposalActive {
		return model.Proposal{}, apperr.ErrAlreadyResolved
	}
	now := l.now().UTC()
	quorum := l.quorumReached(&e.p)
	if !quorum && now.Before(e.p.Deadline) {
		return model.Proposal{}, apperr.ErrVotingOpen
	}
	approved := quorum && e.p.YesVotes.Gt(e.p.NoVotes)

	next := e.p.Clone()
	next.FinalizedAt = &now

	// Stakes are released either way.
	var b model.Batch
	b.Unlock(next.Creator, model.AssetBET, next.CreatorStake)
	voters := make([]string, 0, len(next.Votes))
	for v := range next.Votes {
		voters = append(voters, v)
	}
	sort.Strings(voters)
	for _, v := range voters {
		b.Unlock(v, model.AssetBET, next.Votes[v].Stake)
	}

	if !approved {
		return l.reject(ctx, e, next, b, map[string]any{
			"yes_votes": next.YesVotes, "no_votes": next.NoVotes, "quorum": quorum,
		})
	}

	poolID := PoolID(next.ID)
	next.Status = model.ProposalApproved
	next.LinkedPool = &poolID
	released := b
	b.Proposals = []model.Proposal{next}
	b.Emit(proposalEvent(&next, "ProposalApproved", now, map[string]any{
		"yes_votes": next.YesVotes, "no_votes": next.NoVotes, "pool_id": poolID,
	}))
	proposalID := next.ID
	if _, err := l.pools.CreatePool(ctx, model.PoolSpec{
		ID:             poolID,
		Title:          next.Title,
		Description:    next.Description,
		Creator:        next.Creator,
		Outcomes:       next.Outcomes,
		CreatorFeeBps:  next.CreatorFeeBps,
		PlatformFeeBps: next.PlatformFeeBps,
		SeedLiquidity:  next.SeedLiquidity,
		Resolution:     next.Resolution,
		ProposalID:     &proposalID,
		FundedByLock:   true,
		Attach:         &b,
	}); err != nil {
		if apperr.KindOf(err) != apperr.KindValidation {
			return model.Proposal{}, fmt.Errorf("approve %s: %w", next.ID, err)
		}
		// The pool can never be created from these terms.
		l.log.Warn("approved proposal has an invalid pool", "proposal", next.ID, "error", err)
		next.LinkedPool = nil
		return l.reject(ctx, e, next, released, map[string]any{
			"yes_votes": next.YesVotes, "no_votes": next.NoVotes, "quorum": quorum, "reason": err.Error(),
		})
	}
	e.p = next
	l.log.Info("proposal approved", "proposal", next.ID, "pool", poolID)
	l.publish(Room, "proposal", next.Clone())
	return next.Clone(), nil
}

// reject closes the proposal as rejected on top of b, which already
// releases the BET stakes, and unlocks the seed.
func (l *Ledger) reject(ctx context.Context, e *entry, next model.Proposal, b model.Batch, payload map[string]any) (model.Proposal, error) {
	next.Status = model.ProposalRejected
	b.Proposals = []model.Proposal{next}
	b.Unlock(next.Creator, model.AssetUSDT, next.SeedLiquidity)
	b.Emit(proposalEvent(&next, "ProposalRejected", *next.FinalizedAt, payload))
	if err := l.commit(ctx, &b); err != nil {
		return model.Proposal{}, fmt.Errorf("reject %s: %w", next.ID, err)
	}
	e.p = next
	l.log.Info("proposal rejected", "proposal", next.ID, "quorum", payload["quorum"])
	l.publish(Room, "proposal", next.Clone())
	return next.Clone(), nil
}

// FinalizeExpired finalizes every active proposal whose deadline has
// passed. It returns how many were finalized.
func (l *Ledger) FinalizeExpired(ctx context.Context) (int, error) {
	now := l.now()
	var due []string
	for _, p := range l.List(ctx) {
		if p.Status == model.ProposalActive && !now.Before(p.Deadline) {
			due = append(due, p.ID)
		}
	}
	var (
		n    int
		errs []error
	)
	for _, id := range due {
		if err := ctx.Err(); err != nil {
			return n, err
		}
		_, err := l.Finalize(ctx, id)
		switch {
		case err == nil:
			n++
		case errors.Is(err, apperr.ErrAlreadyResolved):
		default:
			errs = append(errs, err)
		}
	}
	return n, errors.Join(errs...)
}
