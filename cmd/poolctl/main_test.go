package main

import (
	"bytes"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"outcome-exchange/internal/fixed"
	"outcome-exchange/internal/model"
)

func samplePool() model.Pool {
	winner := uint32(0)
	return model.Pool{
		ID:    "0f6c2a4e-1111-2222-3333-444455556666",
		Title: "Will it rain?",
		Outcomes: []model.Outcome{
			{Index: 0, Label: "Yes", Liquidity: fixed.FromUnits(150), TotalShares: fixed.FromUnits(140), Seed: fixed.FromUnits(100)},
			{Index: 1, Label: "No", Liquidity: fixed.FromUnits(50), TotalShares: fixed.FromUnits(60), Seed: fixed.FromUnits(100)},
		},
		TotalLiquidity: fixed.FromUnits(200),
		Status:         model.PoolResolved,
		WinningOutcome: &winner,
		Settlement: &model.Settlement{
			Distributable: fixed.FromUnits(194),
			PaidOut:       fixed.FromUnits(10),
		},
		Seq: 9,
	}
}

func TestRenderPools(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, renderPools(&buf, []model.Pool{samplePool()}))
	out := buf.String()
	assert.Contains(t, out, "0f6c2a4e")
	assert.NotContains(t, out, "444455556666")
	assert.Contains(t, out, "RESOLVED (Yes)")
	assert.Contains(t, out, "200.00")
	assert.Contains(t, out, "Yes 1.333")
	assert.Contains(t, out, "No 4.000")
}

func TestRenderPoolWithPositions(t *testing.T) {
	var buf bytes.Buffer
	positions := []model.Position{
		{PoolID: "p", UserID: "creator-user", OutcomeIndex: 0, SeedShares: fixed.FromUnits(100)},
		{PoolID: "p", UserID: "trader", OutcomeIndex: 1, Shares: fixed.MustParse("12.345"), CostBasis: fixed.MustParse("7.5"), Claimed: true},
	}
	require.NoError(t, renderPool(&buf, samplePool(), positions))
	out := buf.String()
	assert.Contains(t, out, "distributable 194.00")
	assert.Contains(t, out, "140.00")
	assert.Contains(t, out, "12.35")
	assert.Contains(t, out, "7.50")
	assert.Contains(t, out, "creator-")
}

func TestRenderProposals(t *testing.T) {
	pool := "9d0e0000-aaaa-bbbb-cccc-dddddddddddd"
	var buf bytes.Buffer
	require.NoError(t, renderProposals(&buf, []model.Proposal{
		{
			ID: "abc", Title: "Final", Status: model.ProposalApproved,
			YesVotes: fixed.FromUnits(150), NoVotes: fixed.Zero(),
			Deadline: time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC), LinkedPool: &pool,
		},
		{ID: "def", Title: "Open one", Status: model.ProposalActive},
	}))
	out := buf.String()
	assert.Contains(t, out, "APPROVED")
	assert.Contains(t, out, "150.00")
	assert.Contains(t, out, "2026-05-01T00:00:00Z")
	assert.Contains(t, out, "9d0e0000")
	assert.Contains(t, out, "ACTIVE")
}
