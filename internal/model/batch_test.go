package model

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"outcome-exchange/internal/fixed"
)

func TestBatchSkipsZeroTransfers(t *testing.T) {
	var b Batch
	b.Debit("u1", AssetUSDT, fixed.Zero())
	b.Credit("u1", AssetUSDT, fixed.FromUnits(1))
	require.Len(t, b.Transfers, 1)
	assert.Equal(t, TransferCredit, b.Transfers[0].Kind)
}

func TestBatchMerge(t *testing.T) {
	var a, o Batch
	a.Lock("u1", AssetBET, fixed.FromUnits(5))
	o.Unlock("u1", AssetBET, fixed.FromUnits(5))
	o.Emit(Event{Type: "ProposalApproved"})
	a.Merge(&o)
	a.Merge(nil)

	require.Len(t, a.Transfers, 2)
	assert.Equal(t, TransferLock, a.Transfers[0].Kind)
	assert.Equal(t, TransferUnlock, a.Transfers[1].Kind)
	assert.Len(t, a.Events, 1)
}

func TestPoolCloneIsDeep(t *testing.T) {
	w := uint32(1)
	p := Pool{
		Outcomes:       []Outcome{{Index: 0, Liquidity: fixed.FromUnits(1)}},
		WinningOutcome: &w,
		Settlement:     &Settlement{Distributable: fixed.FromUnits(2)},
	}
	c := p.Clone()
	c.Outcomes[0].Liquidity = fixed.FromUnits(9)
	*c.WinningOutcome = 0
	c.Settlement.PaidOut = fixed.FromUnits(1)

	assert.True(t, p.Outcomes[0].Liquidity.Eq(fixed.FromUnits(1)))
	assert.Equal(t, uint32(1), *p.WinningOutcome)
	assert.True(t, p.Settlement.PaidOut.IsZero())
}

func TestProposalCloneCopiesVotes(t *testing.T) {
	p := Proposal{Votes: map[string]Vote{"v": {Voter: "v", Support: true}}}
	c := p.Clone()
	c.Votes["w"] = Vote{Voter: "w"}
	assert.Len(t, p.Votes, 1)
}

func TestWalletAvailable(t *testing.T) {
	w := Wallet{Balance: fixed.FromUnits(10), Locked: fixed.FromUnits(4)}
	assert.True(t, w.Available().Eq(fixed.FromUnits(6)))

	broken := Wallet{Balance: fixed.FromUnits(1), Locked: fixed.FromUnits(4)}
	assert.True(t, broken.Available().IsZero())
}
