// Package oracle decides who may resolve a pool and verifies signed
// resolution messages from oracle keys.
package oracle

import (
	"context"
	"crypto/ecdsa"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"

	"outcome-exchange/internal/apperr"
	"outcome-exchange/internal/model"
)

// Registry authorizes resolutions. Admins may resolve any pool. Pools that
// name no oracle accept any trusted oracle address. A pool that names an
// oracle in Resolution.Oracle accepts only that address, and only if it is
// trusted or the pool came out of an approved proposal.
type Registry struct {
	trusted map[string]bool
}

// NewRegistry builds a registry from hex oracle addresses. Invalid entries
// are rejected.
func NewRegistry(addresses []string) (*Registry, error) {
	r := &Registry{trusted: make(map[string]bool, len(addresses))}
	for _, a := range addresses {
		a = strings.TrimSpace(a)
		if a == "" {
			continue
		}
		if !common.IsHexAddress(a) {
			return nil, fmt.Errorf("oracle address %q: %w", a, apperr.ErrInvalidInput)
		}
		r.trusted[normalize(a)] = true
	}
	return r, nil
}

func normalize(id string) string {
	if common.IsHexAddress(id) {
		return common.HexToAddress(id).Hex()
	}
	return id
}

// Trusted reports whether addr is a registered oracle.
func (r *Registry) Trusted(addr common.Address) bool {
	return r.trusted[addr.Hex()]
}

func (r *Registry) CanResolve(_ context.Context, pool *model.Pool, caller model.Caller) error {
	switch caller.Role {
	case model.RoleAdmin:
		return nil
	case model.RoleOracle:
		if named := pool.Resolution.Oracle; named != "" {
			if normalize(named) != normalize(caller.ID) {
				return apperr.ErrUnauthorized
			}
			if r.trusted[normalize(caller.ID)] || pool.ProposalID != nil {
				return nil
			}
			return fmt.Errorf("oracle %s is not registered: %w", caller.ID, apperr.ErrUnauthorized)
		}
		if r.trusted[normalize(caller.ID)] {
			return nil
		}
	}
	return apperr.ErrUnauthorized
}

// ResolutionMessage is the text an oracle signs to resolve a pool.
func ResolutionMessage(poolID string, winning uint32) string {
	return fmt.Sprintf("resolve:%s:%d", poolID, winning)
}

// Sign produces an EIP-191 personal_sign signature over the resolution
// message, with V in {27, 28}.
func Sign(key *ecdsa.PrivateKey, poolID string, winning uint32) (string, error) {
	hash := accounts.TextHash([]byte(ResolutionMessage(poolID, winning)))
	sig, err := crypto.Sign(hash, key)
	if err != nil {
		return "", fmt.Errorf("sign resolution: %w", err)
	}
	if sig[64] < 27 {
		sig[64] += 27
	}
	return hexutil.Encode(sig), nil
}

// Recover returns the address that signed the resolution message.
func Recover(poolID string, winning uint32, sigHex string) (common.Address, error) {
	sig, err := hexutil.Decode(sigHex)
	if err != nil || len(sig) != crypto.SignatureLength {
		return common.Address{}, fmt.Errorf("malformed signature: %w", apperr.ErrUnauthorized)
	}
	if sig[64] >= 27 {
		sig[64] -= 27
	}
	hash := accounts.TextHash([]byte(ResolutionMessage(poolID, winning)))
	pub, err := crypto.SigToPub(hash, sig)
	if err != nil {
		return common.Address{}, fmt.Errorf("recover signer: %w", apperr.ErrUnauthorized)
	}
	return crypto.PubkeyToAddress(*pub), nil
}

// Caller turns a verified signature into an oracle caller.
func Caller(poolID string, winning uint32, sigHex string) (model.Caller, error) {
	addr, err := Recover(poolID, winning, sigHex)
	if err != nil {
		return model.Caller{}, err
	}
	return model.Caller{ID: addr.Hex(), Role: model.RoleOracle}, nil
}
