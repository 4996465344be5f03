package governance

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"outcome-exchange/internal/apperr"
	"outcome-exchange/internal/db/memdb"
	"outcome-exchange/internal/engine"
	"outcome-exchange/internal/fixed"
	"outcome-exchange/internal/model"
)

type clock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

type fixture struct {
	store  *memdb.Store
	pools  *engine.Manager
	ledger *Ledger
	clock  *clock
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	s := memdb.New()
	c := &clock{t: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	m := engine.NewManager(s, engine.DefaultConfig(), engine.Deps{Now: c.Now})
	t.Cleanup(m.Close)

	cfg := DefaultConfig()
	cfg.MinCreationStake = fixed.FromUnits(10)
	cfg.Quorum = fixed.FromUnits(100)
	cfg.VotingPeriod = time.Hour
	l := NewLedger(s, m, cfg, Deps{Now: c.Now})
	return &fixture{store: s, pools: m, ledger: l, clock: c}
}

func (f *fixture) fund(t *testing.T, user string, asset model.Asset, units uint64) {
	t.Helper()
	_, err := f.store.Deposit(context.Background(), user, asset, fixed.FromUnits(units))
	require.NoError(t, err)
}

func (f *fixture) wallet(t *testing.T, user string, asset model.Asset) model.Wallet {
	t.Helper()
	ws, err := f.store.GetWallets(context.Background(), user)
	require.NoError(t, err)
	for _, w := range ws {
		if w.Asset == asset {
			return w
		}
	}
	return model.Wallet{}
}

func (f *fixture) propose(t *testing.T) model.Proposal {
	t.Helper()
	f.fund(t, "creator", model.AssetBET, 50)
	f.fund(t, "creator", model.AssetUSDT, 500)
	p, err := f.ledger.CreateProposal(context.Background(), "creator", model.CreateProposalReq{
		Title:          "Who wins the final?",
		Outcomes:       []model.OutcomeSpec{{Label: "Home", Weight: 1}, {Label: "Away", Weight: 1}},
		CreatorFeeBps:  100,
		PlatformFeeBps: 100,
		SeedLiquidity:  fixed.FromUnits(200),
		Stake:          fixed.FromUnits(10),
	})
	require.NoError(t, err)
	return p
}

func vote(support bool, units uint64) model.VoteReq {
	return model.VoteReq{Support: support, Stake: fixed.FromUnits(units)}
}

func TestCreateProposalLocksStakeAndSeed(t *testing.T) {
	f := newFixture(t)
	p := f.propose(t)

	assert.Equal(t, model.ProposalActive, p.Status)
	assert.Equal(t, f.clock.Now().Add(time.Hour), p.Deadline)
	assert.True(t, f.wallet(t, "creator", model.AssetBET).Locked.Eq(fixed.FromUnits(10)))
	assert.True(t, f.wallet(t, "creator", model.AssetUSDT).Locked.Eq(fixed.FromUnits(200)))

	got, err := f.ledger.Get(context.Background(), p.ID)
	require.NoError(t, err)
	assert.Equal(t, p.ID, got.ID)
}

func TestCreateProposalValidation(t *testing.T) {
	f := newFixture(t)
	f.fund(t, "creator", model.AssetBET, 5)
	f.fund(t, "creator", model.AssetUSDT, 500)
	ctx := context.Background()
	two := []model.OutcomeSpec{{Label: "Yes", Weight: 1}, {Label: "No", Weight: 1}}

	_, err := f.ledger.CreateProposal(ctx, "creator", model.CreateProposalReq{
		Title: "x", Outcomes: two[:1], Stake: fixed.FromUnits(10),
	})
	assert.ErrorIs(t, err, apperr.ErrInvalidOutcomeSet)

	_, err = f.ledger.CreateProposal(ctx, "creator", model.CreateProposalReq{
		Title: "x", Outcomes: two, Stake: fixed.FromUnits(1),
	})
	assert.ErrorIs(t, err, apperr.ErrInsufficientStake)

	// Meets the minimum but the creator only holds 5 BET.
	_, err = f.ledger.CreateProposal(ctx, "creator", model.CreateProposalReq{
		Title: "x", Outcomes: two, Stake: fixed.FromUnits(10),
	})
	assert.ErrorIs(t, err, apperr.ErrInsufficientStake)
	assert.Equal(t, apperr.KindInsufficientFunds, apperr.KindOf(err))
	assert.Empty(t, f.ledger.List(ctx))
}

func TestRepeatVoteReplacesPrevious(t *testing.T) {
	f := newFixture(t)
	p := f.propose(t)
	f.fund(t, "voter", model.AssetBET, 20)
	ctx := context.Background()

	got, err := f.ledger.Vote(ctx, p.ID, "voter", vote(true, 5))
	require.NoError(t, err)
	assert.True(t, got.YesVotes.Eq(fixed.FromUnits(5)))
	assert.True(t, got.NoVotes.IsZero())

	got, err = f.ledger.Vote(ctx, p.ID, "voter", vote(false, 3))
	require.NoError(t, err)
	assert.True(t, got.YesVotes.IsZero())
	assert.True(t, got.NoVotes.Eq(fixed.FromUnits(3)))
	require.Len(t, got.Votes, 1)
	assert.False(t, got.Votes["voter"].Support)

	// The BET lock follows the latest stake.
	assert.True(t, f.wallet(t, "voter", model.AssetBET).Locked.Eq(fixed.FromUnits(3)))
}

func TestVoteStakeChecks(t *testing.T) {
	f := newFixture(t)
	p := f.propose(t)
	f.fund(t, "voter", model.AssetBET, 4)
	ctx := context.Background()

	_, err := f.ledger.Vote(ctx, p.ID, "voter", model.VoteReq{Support: true})
	assert.ErrorIs(t, err, apperr.ErrInsufficientStake)

	_, err = f.ledger.Vote(ctx, p.ID, "voter", vote(true, 5))
	assert.ErrorIs(t, err, apperr.ErrInsufficientStake)

	_, err = f.ledger.Vote(ctx, "nope", "voter", vote(true, 1))
	assert.ErrorIs(t, err, apperr.ErrProposalNotFound)

	got, err := f.ledger.Get(ctx, p.ID)
	require.NoError(t, err)
	assert.Empty(t, got.Votes)
}

func TestCreateProposalRejectsSeedThatCannotSplit(t *testing.T) {
	f := newFixture(t)
	f.fund(t, "creator", model.AssetBET, 50)
	f.fund(t, "creator", model.AssetUSDT, 500)
	ctx := context.Background()

	_, err := f.ledger.CreateProposal(ctx, "creator", model.CreateProposalReq{
		Title:         "Dust",
		Outcomes:      []model.OutcomeSpec{{Label: "A", Weight: 1}, {Label: "B", Weight: 1}},
		SeedLiquidity: fixed.FromUint64(1),
		Stake:         fixed.FromUnits(10),
	})
	assert.ErrorIs(t, err, apperr.ErrInvalidAmount)
	assert.Empty(t, f.ledger.List(ctx))
	assert.True(t, f.wallet(t, "creator", model.AssetBET).Locked.IsZero())
	assert.True(t, f.wallet(t, "creator", model.AssetUSDT).Locked.IsZero())
}

func TestQuorumApprovesAndCreatesPool(t *testing.T) {
	f := newFixture(t)
	p := f.propose(t)
	f.fund(t, "whale", model.AssetBET, 500)
	ctx := context.Background()

	got, err := f.ledger.Vote(ctx, p.ID, "whale", vote(true, 100))
	require.NoError(t, err)
	assert.Equal(t, model.ProposalApproved, got.Status)
	require.NotNil(t, got.LinkedPool)
	assert.Equal(t, PoolID(p.ID), *got.LinkedPool)

	pool, err := f.pools.Pool(ctx, *got.LinkedPool)
	require.NoError(t, err)
	assert.Equal(t, "Who wins the final?", pool.Title)
	require.NotNil(t, pool.ProposalID)
	assert.Equal(t, p.ID, *pool.ProposalID)
	assert.True(t, pool.TotalLiquidity.Eq(fixed.FromUnits(200)))

	// Seed consumed, every stake released.
	usdt := f.wallet(t, "creator", model.AssetUSDT)
	assert.True(t, usdt.Balance.Eq(fixed.FromUnits(300)))
	assert.True(t, usdt.Locked.IsZero())
	assert.True(t, f.wallet(t, "creator", model.AssetBET).Locked.IsZero())
	assert.True(t, f.wallet(t, "whale", model.AssetBET).Locked.IsZero())

	_, err = f.ledger.Vote(ctx, p.ID, "whale", vote(false, 1))
	assert.ErrorIs(t, err, apperr.ErrProposalNotActive)
	_, err = f.ledger.Finalize(ctx, p.ID)
	assert.ErrorIs(t, err, apperr.ErrAlreadyResolved)
}

func TestQuorumWithMajorityAgainstRejects(t *testing.T) {
	f := newFixture(t)
	p := f.propose(t)
	f.fund(t, "a", model.AssetBET, 100)
	f.fund(t, "b", model.AssetBET, 100)
	ctx := context.Background()

	_, err := f.ledger.Vote(ctx, p.ID, "a", vote(true, 40))
	require.NoError(t, err)
	got, err := f.ledger.Vote(ctx, p.ID, "b", vote(false, 60))
	require.NoError(t, err)

	assert.Equal(t, model.ProposalRejected, got.Status)
	assert.Nil(t, got.LinkedPool)
	usdt := f.wallet(t, "creator", model.AssetUSDT)
	assert.True(t, usdt.Balance.Eq(fixed.FromUnits(500)))
	assert.True(t, usdt.Locked.IsZero())
	pools, err := f.pools.Pools(ctx)
	require.NoError(t, err)
	assert.Empty(t, pools)
}

// A stored proposal whose pool can never be created is rejected on
// finalize and every lock is released.
func TestApprovalWithUncreatablePoolRejects(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	now := f.clock.Now()
	stored := model.Proposal{
		ID:            "dust",
		Creator:       "creator",
		Title:         "Dust",
		Outcomes:      []model.OutcomeSpec{{Label: "A", Weight: 1}, {Label: "B", Weight: 1}},
		SeedLiquidity: fixed.FromUint64(1),
		CreatorStake:  fixed.FromUnits(10),
		Status:        model.ProposalActive,
		Deadline:      now.Add(time.Hour),
		Votes:         map[string]model.Vote{},
		CreatedAt:     now,
	}
	var b model.Batch
	b.Proposals = []model.Proposal{stored}
	b.Credit("creator", model.AssetBET, fixed.FromUnits(10))
	b.Lock("creator", model.AssetBET, fixed.FromUnits(10))
	b.Credit("creator", model.AssetUSDT, fixed.FromUint64(1))
	b.Lock("creator", model.AssetUSDT, fixed.FromUint64(1))
	require.NoError(t, f.store.Apply(ctx, &b))
	require.NoError(t, f.ledger.Boot(ctx))
	f.fund(t, "voter", model.AssetBET, 150)

	got, err := f.ledger.Vote(ctx, "dust", "voter", vote(true, 150))
	require.NoError(t, err)
	assert.Equal(t, model.ProposalRejected, got.Status)
	assert.Nil(t, got.LinkedPool)

	_, err = f.pools.Pool(ctx, PoolID("dust"))
	assert.ErrorIs(t, err, apperr.ErrPoolNotFound)
	assert.True(t, f.wallet(t, "creator", model.AssetBET).Locked.IsZero())
	assert.True(t, f.wallet(t, "creator", model.AssetUSDT).Locked.IsZero())
	assert.True(t, f.wallet(t, "creator", model.AssetUSDT).Balance.Eq(fixed.FromUint64(1)))
	assert.True(t, f.wallet(t, "voter", model.AssetBET).Locked.IsZero())

	f.clock.Advance(2 * time.Hour)
	n, err := f.ledger.FinalizeExpired(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
	_, err = f.ledger.Finalize(ctx, "dust")
	assert.ErrorIs(t, err, apperr.ErrAlreadyResolved)
}

func TestFinalizeWaitsForDeadline(t *testing.T) {
	f := newFixture(t)
	p := f.propose(t)
	f.fund(t, "voter", model.AssetBET, 10)
	ctx := context.Background()

	_, err := f.ledger.Vote(ctx, p.ID, "voter", vote(true, 10))
	require.NoError(t, err)
	_, err = f.ledger.Finalize(ctx, p.ID)
	assert.ErrorIs(t, err, apperr.ErrVotingOpen)

	f.clock.Advance(time.Hour)
	_, err = f.ledger.Vote(ctx, p.ID, "voter", vote(true, 5))
	assert.ErrorIs(t, err, apperr.ErrProposalNotActive)

	// Deadline passed without quorum.
	n, err := f.ledger.FinalizeExpired(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	got, err := f.ledger.Get(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, model.ProposalRejected, got.Status)
	assert.True(t, f.wallet(t, "voter", model.AssetBET).Locked.IsZero())

	n, err = f.ledger.FinalizeExpired(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestConcurrentFinalizeCreatesOnePool(t *testing.T) {
	f := newFixture(t)
	p := f.propose(t)
	f.fund(t, "voter", model.AssetBET, 10)
	ctx := context.Background()

	// Vote below quorum, then lower the quorum so that every Finalize call
	// is eligible to approve.
	_, err := f.ledger.Vote(ctx, p.ID, "voter", vote(true, 9))
	require.NoError(t, err)
	f.ledger.cfg.Quorum = fixed.FromUnits(9)

	const n = 16
	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		ok, dup  int
		otherErr []error
	)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.ledger.Finalize(ctx, p.ID)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				ok++
			case errors.Is(err, apperr.ErrAlreadyResolved):
				dup++
			default:
				otherErr = append(otherErr, err)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, ok)
	assert.Equal(t, n-1, dup)
	assert.Empty(t, otherErr)
	pools, err := f.pools.Pools(ctx)
	require.NoError(t, err)
	require.Len(t, pools, 1)
	assert.Equal(t, PoolID(p.ID), pools[0].ID)
}

func TestBootRestoresProposals(t *testing.T) {
	f := newFixture(t)
	p := f.propose(t)

	l2 := NewLedger(f.store, f.pools, f.ledger.cfg, Deps{Now: f.clock.Now})
	require.NoError(t, l2.Boot(context.Background()))
	got, err := l2.Get(context.Background(), p.ID)
	require.NoError(t, err)
	assert.Equal(t, p, got)
}
