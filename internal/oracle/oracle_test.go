package oracle

import (
	"context"
	"strings"
	"testing"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"outcome-exchange/internal/apperr"
	"outcome-exchange/internal/model"
)

func TestSignAndRecover(t *testing.T) {
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	want := crypto.PubkeyToAddress(key.PublicKey)

	sig, err := Sign(key, "pool-1", 2)
	require.NoError(t, err)

	got, err := Recover("pool-1", 2, sig)
	require.NoError(t, err)
	assert.Equal(t, want, got)

	// A signature for another outcome recovers a different address.
	other, err := Recover("pool-1", 1, sig)
	require.NoError(t, err)
	assert.NotEqual(t, want, other)
}

func TestRecoverRejectsMalformed(t *testing.T) {
	_, err := Recover("pool-1", 0, "0x1234")
	assert.ErrorIs(t, err, apperr.ErrUnauthorized)

	_, err = Recover("pool-1", 0, "not hex")
	assert.ErrorIs(t, err, apperr.ErrUnauthorized)
}

func TestRegistryCanResolve(t *testing.T) {
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	addr := crypto.PubkeyToAddress(key.PublicKey)
	stranger, err := crypto.GenerateKey()
	require.NoError(t, err)
	strangerAddr := crypto.PubkeyToAddress(stranger.PublicKey)

	r, err := NewRegistry([]string{addr.Hex()})
	require.NoError(t, err)
	assert.True(t, r.Trusted(addr))
	ctx := context.Background()

	open := &model.Pool{}
	named := &model.Pool{Resolution: model.Resolution{Oracle: strangerAddr.Hex()}}
	namedTrusted := &model.Pool{Resolution: model.Resolution{Oracle: addr.Hex()}}
	proposalID := "prop-1"
	voted := &model.Pool{ProposalID: &proposalID, Resolution: model.Resolution{Oracle: strangerAddr.Hex()}}

	tests := []struct {
		name   string
		pool   *model.Pool
		caller model.Caller
		ok     bool
	}{
		{"admin resolves anything", named, model.Caller{ID: "root", Role: model.RoleAdmin}, true},
		{"trusted oracle on open pool", open, model.Caller{ID: addr.Hex(), Role: model.RoleOracle}, true},
		{"lowercase address matches", open, model.Caller{ID: strings.ToLower(addr.Hex()), Role: model.RoleOracle}, true},
		{"untrusted oracle on open pool", open, model.Caller{ID: strangerAddr.Hex(), Role: model.RoleOracle}, false},
		{"self-named unregistered oracle", named, model.Caller{ID: strangerAddr.Hex(), Role: model.RoleOracle}, false},
		{"named trusted oracle", namedTrusted, model.Caller{ID: addr.Hex(), Role: model.RoleOracle}, true},
		{"named oracle on voted pool", voted, model.Caller{ID: strangerAddr.Hex(), Role: model.RoleOracle}, true},
		{"other oracle on voted pool", voted, model.Caller{ID: addr.Hex(), Role: model.RoleOracle}, false},
		{"trusted but not named", named, model.Caller{ID: addr.Hex(), Role: model.RoleOracle}, false},
		{"plain user", open, model.Caller{ID: addr.Hex(), Role: model.RoleUser}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := r.CanResolve(ctx, tt.pool, tt.caller)
			if tt.ok {
				assert.NoError(t, err)
			} else {
				assert.ErrorIs(t, err, apperr.ErrUnauthorized)
			}
		})
	}
}

func TestNewRegistryRejectsBadAddress(t *testing.T) {
	_, err := NewRegistry([]string{"0xnothex"})
	assert.ErrorIs(t, err, apperr.ErrInvalidInput)
}
