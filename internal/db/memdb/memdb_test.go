package memdb

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"outcome-exchange/internal/apperr"
	"outcome-exchange/internal/fixed"
	"outcome-exchange/internal/model"
)

func wallet(t *testing.T, s *Store, user string, asset model.Asset) model.Wallet {
	t.Helper()
	ws, err := s.GetWallets(context.Background(), user)
	require.NoError(t, err)
	for _, w := range ws {
		if w.Asset == asset {
			return w
		}
	}
	t.Fatalf("no %s wallet for %s", asset, user)
	return model.Wallet{}
}

func TestApplyIsAllOrNothing(t *testing.T) {
	ctx := context.Background()
	s := New()
	_, err := s.Deposit(ctx, "alice", model.AssetUSDT, fixed.FromUnits(10))
	require.NoError(t, err)

	var b model.Batch
	b.Pools = []model.Pool{{ID: "p1", Status: model.PoolOpen}}
	b.Credit("bob", model.AssetUSDT, fixed.FromUnits(5))
	b.Debit("alice", model.AssetUSDT, fixed.FromUnits(11))

	err = s.Apply(ctx, &b)
	assert.ErrorIs(t, err, apperr.ErrInsufficientBalance)

	p, err := s.GetPool(ctx, "p1")
	require.NoError(t, err)
	assert.Nil(t, p)
	assert.True(t, wallet(t, s, "bob", model.AssetUSDT).Balance.IsZero())
	assert.True(t, wallet(t, s, "alice", model.AssetUSDT).Balance.Eq(fixed.FromUnits(10)))
}

func TestTransfersApplyInOrder(t *testing.T) {
	ctx := context.Background()
	s := New()

	var b model.Batch
	b.Credit("alice", model.AssetBET, fixed.FromUnits(3))
	b.Lock("alice", model.AssetBET, fixed.FromUnits(2))
	require.NoError(t, s.Apply(ctx, &b))

	w := wallet(t, s, "alice", model.AssetBET)
	assert.True(t, w.Balance.Eq(fixed.FromUnits(3)))
	assert.True(t, w.Locked.Eq(fixed.FromUnits(2)))
	assert.True(t, w.Available().Eq(fixed.FromUnits(1)))

	var over model.Batch
	over.Lock("alice", model.AssetBET, fixed.FromUnits(2))
	assert.ErrorIs(t, s.Apply(ctx, &over), apperr.ErrInsufficientBalance)

	var consume model.Batch
	consume.Consume("alice", model.AssetBET, fixed.FromUnits(2))
	require.NoError(t, s.Apply(ctx, &consume))
	w = wallet(t, s, "alice", model.AssetBET)
	assert.True(t, w.Balance.Eq(fixed.FromUnits(1)))
	assert.True(t, w.Locked.IsZero())
}

func TestFailNext(t *testing.T) {
	ctx := context.Background()
	s := New()
	boom := errors.New("disk full")
	s.FailNext(boom)

	var b model.Batch
	b.Credit("alice", model.AssetUSDT, fixed.FromUnits(1))
	assert.ErrorIs(t, s.Apply(ctx, &b), boom)
	assert.True(t, wallet(t, s, "alice", model.AssetUSDT).Balance.IsZero())

	require.NoError(t, s.Apply(ctx, &b))
	assert.True(t, wallet(t, s, "alice", model.AssetUSDT).Balance.Eq(fixed.FromUnits(1)))
}

func TestUsersAreUniqueByEmail(t *testing.T) {
	ctx := context.Background()
	s := New()
	u, err := s.CreateUser(ctx, "a@example.com", "hash", model.RoleUser)
	require.NoError(t, err)

	_, err = s.CreateUser(ctx, "A@example.com", "hash", model.RoleUser)
	assert.ErrorIs(t, err, apperr.ErrAlreadyExists)

	got, err := s.GetUserByEmail(ctx, "a@example.com")
	require.NoError(t, err)
	assert.Equal(t, u.ID, got.ID)
}

func TestListEventsFiltersByPool(t *testing.T) {
	ctx := context.Background()
	s := New()
	p1, p2 := "p1", "p2"
	var b model.Batch
	b.Emit(model.Event{PoolID: &p1, Type: "A"})
	b.Emit(model.Event{PoolID: &p2, Type: "B"})
	b.Emit(model.Event{PoolID: &p1, Type: "C"})
	require.NoError(t, s.Apply(ctx, &b))

	evs, err := s.ListEvents(ctx, &p1, 10)
	require.NoError(t, err)
	require.Len(t, evs, 2)
	assert.Equal(t, "C", evs[0].Type)
	assert.Equal(t, "A", evs[1].Type)

	all, err := s.ListEvents(ctx, nil, 2)
	require.NoError(t, err)
	assert.Len(t, all, 2)
}

func TestListUserEvents(t *testing.T) {
	ctx := context.Background()
	s := New()
	alice, bob := "alice", "bob"
	var b model.Batch
	b.Emit(model.Event{UserID: &alice, Type: "SharesBought"})
	b.Emit(model.Event{Type: "PoolResolved"})
	b.Emit(model.Event{UserID: &bob, Type: "VoteCast"})
	require.NoError(t, s.Apply(ctx, &b))
	_, err := s.Deposit(ctx, alice, model.AssetUSDT, fixed.FromUnits(1))
	require.NoError(t, err)

	evs, err := s.ListUserEvents(ctx, alice, 10)
	require.NoError(t, err)
	require.Len(t, evs, 2)
	assert.Equal(t, "Deposit", evs[0].Type)
	assert.Equal(t, "SharesBought", evs[1].Type)

	evs, err = s.ListUserEvents(ctx, "nobody", 10)
	require.NoError(t, err)
	assert.Empty(t, evs)
}
