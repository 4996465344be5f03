// Package memdb is an in-memory store with the same batch semantics as the
// Postgres store. It backs tests and the server's local mode.
package memdb

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"outcome-exchange/internal/apperr"
	"outcome-exchange/internal/fixed"
	"outcome-exchange/internal/model"
)

type walletKey struct {
	user  string
	asset model.Asset
}

type Store struct {
	mu        sync.RWMutex
	users     map[string]model.User
	emails    map[string]string
	wallets   map[walletKey]model.Wallet
	pools     map[string]model.Pool
	positions map[model.PositionKey]model.Position
	proposals map[string]model.Proposal
	events    []model.Event
	nextEvent int64
	failNext  error
}

func New() *Store {
	return &Store{
		users:     make(map[string]model.User),
		emails:    make(map[string]string),
		wallets:   make(map[walletKey]model.Wallet),
		pools:     make(map[string]model.Pool),
		positions: make(map[model.PositionKey]model.Position),
		proposals: make(map[string]model.Proposal),
	}
}

// FailNext makes the next Apply return err without applying anything.
func (s *Store) FailNext(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failNext = err
}

// ── Batches ──────────────────────────────────────────

// Apply stages every transfer against copies of the touched wallets and only
// publishes the batch when all of them succeed.
func (s *Store) Apply(ctx context.Context, b *model.Batch) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failNext != nil {
		err := s.failNext
		s.failNext = nil
		return err
	}

	staged := make(map[walletKey]model.Wallet)
	for _, t := range b.Transfers {
		k := walletKey{t.UserID, t.Asset}
		w, ok := staged[k]
		if !ok {
			w, ok = s.wallets[k]
			if !ok {
				w = model.Wallet{UserID: t.UserID, Asset: t.Asset}
			}
		}
		next, err := applyTransfer(w, t)
		if err != nil {
			return err
		}
		staged[k] = next
	}

	for k, w := range staged {
		s.wallets[k] = w
	}
	for _, p := range b.Pools {
		s.pools[p.ID] = p.Clone()
	}
	for _, p := range b.Positions {
		s.positions[p.Key()] = p
	}
	for _, p := range b.Proposals {
		s.proposals[p.ID] = p.Clone()
	}
	for _, e := range b.Events {
		s.nextEvent++
		e.ID = s.nextEvent
		if e.CreatedAt.IsZero() {
			e.CreatedAt = time.Now().UTC()
		}
		s.events = append(s.events, e)
	}
	return nil
}

func applyTransfer(w model.Wallet, t model.Transfer) (model.Wallet, error) {
	var err error
	switch t.Kind {
	case model.TransferCredit:
		w.Balance, err = w.Balance.Add(t.Amount)
	case model.TransferDebit:
		if w.Available().Lt(t.Amount) {
			return w, apperr.ErrInsufficientBalance
		}
		w.Balance, err = w.Balance.Sub(t.Amount)
	case model.TransferLock:
		if w.Available().Lt(t.Amount) {
			return w, apperr.ErrInsufficientBalance
		}
		w.Locked, err = w.Locked.Add(t.Amount)
	case model.TransferUnlock:
		if w.Locked.Lt(t.Amount) {
			return w, apperr.ErrInsufficientBalance
		}
		w.Locked, err = w.Locked.Sub(t.Amount)
	case model.TransferConsume:
		if w.Locked.Lt(t.Amount) || w.Balance.Lt(t.Amount) {
			return w, apperr.ErrInsufficientBalance
		}
		if w.Locked, err = w.Locked.Sub(t.Amount); err != nil {
			return w, err
		}
		w.Balance, err = w.Balance.Sub(t.Amount)
	default:
		return w, apperr.ErrInvalidInput
	}
	return w, err
}

// ── Users ────────────────────────────────────────────

func (s *Store) CreateUser(_ context.Context, email, hash string, role model.Role) (*model.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := strings.ToLower(email)
	if _, ok := s.emails[key]; ok {
		return nil, apperr.ErrAlreadyExists
	}
	u := model.User{ID: uuid.NewString(), Email: email, PasswordHash: hash, Role: role, CreatedAt: time.Now().UTC()}
	s.users[u.ID] = u
	s.emails[key] = u.ID
	return &u, nil
}

func (s *Store) GetUserByEmail(_ context.Context, email string) (*model.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.emails[strings.ToLower(email)]
	if !ok {
		return nil, nil
	}
	u := s.users[id]
	return &u, nil
}

func (s *Store) GetUser(_ context.Context, id string) (*model.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	u, ok := s.users[id]
	if !ok {
		return nil, nil
	}
	return &u, nil
}

func (s *Store) ListUsers(_ context.Context) ([]model.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]model.User, 0, len(s.users))
	for _, u := range s.users {
		out = append(out, u)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

// ── Wallets ──────────────────────────────────────────

// GetWallets returns the user's USDT and BET wallets. Missing wallets read
// as zero.
func (s *Store) GetWallets(_ context.Context, userID string) ([]model.Wallet, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]model.Wallet, 0, 2)
	for _, a := range []model.Asset{model.AssetUSDT, model.AssetBET} {
		w, ok := s.wallets[walletKey{userID, a}]
		if !ok {
			w = model.Wallet{UserID: userID, Asset: a}
		}
		out = append(out, w)
	}
	return out, nil
}

func (s *Store) Deposit(ctx context.Context, userID string, asset model.Asset, amount fixed.Amount) (*model.Wallet, error) {
	var b model.Batch
	b.Credit(userID, asset, amount)
	b.Emit(model.Event{UserID: &userID, Type: "Deposit", Payload: map[string]any{"user_id": userID, "asset": asset, "amount": amount}})
	if err := s.Apply(ctx, &b); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	w := s.wallets[walletKey{userID, asset}]
	w.UserID, w.Asset = userID, asset
	return &w, nil
}

// ── Pools / Positions ────────────────────────────────

func (s *Store) ListPools(_ context.Context) ([]model.Pool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]model.Pool, 0, len(s.pools))
	for _, p := range s.pools {
		out = append(out, p.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

func (s *Store) GetPool(_ context.Context, id string) (*model.Pool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.pools[id]
	if !ok {
		return nil, nil
	}
	c := p.Clone()
	return &c, nil
}

func (s *Store) ListPoolPositions(_ context.Context, poolID string) ([]model.Position, error) {
	return s.filterPositions(func(p model.Position) bool { return p.PoolID == poolID }), nil
}

func (s *Store) ListUserPositions(_ context.Context, userID string) ([]model.Position, error) {
	return s.filterPositions(func(p model.Position) bool { return p.UserID == userID }), nil
}

func (s *Store) filterPositions(keep func(model.Position) bool) []model.Position {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := []model.Position{}
	for _, p := range s.positions {
		if keep(p) {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if a.PoolID != b.PoolID {
			return a.PoolID < b.PoolID
		}
		if a.UserID != b.UserID {
			return a.UserID < b.UserID
		}
		return a.OutcomeIndex < b.OutcomeIndex
	})
	return out
}

// ── Proposals ────────────────────────────────────────

func (s *Store) ListProposals(_ context.Context) ([]model.Proposal, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]model.Proposal, 0, len(s.proposals))
	for _, p := range s.proposals {
		out = append(out, p.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

func (s *Store) GetProposal(_ context.Context, id string) (*model.Proposal, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.proposals[id]
	if !ok {
		return nil, nil
	}
	c := p.Clone()
	return &c, nil
}

// ── Event Log ────────────────────────────────────────

// ListEvents returns the newest events first.
func (s *Store) ListEvents(_ context.Context, poolID *string, limit int) ([]model.Event, error) {
	return s.filterEvents(limit, func(e model.Event) bool {
		return poolID == nil || (e.PoolID != nil && *e.PoolID == *poolID)
	}), nil
}

// ListUserEvents returns the newest events recorded for userID.
func (s *Store) ListUserEvents(_ context.Context, userID string, limit int) ([]model.Event, error) {
	return s.filterEvents(limit, func(e model.Event) bool {
		return e.UserID != nil && *e.UserID == userID
	}), nil
}

func (s *Store) filterEvents(limit int, keep func(model.Event) bool) []model.Event {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := []model.Event{}
	for i := len(s.events) - 1; i >= 0 && len(out) < limit; i-- {
		if keep(s.events[i]) {
			out = append(out, s.events[i])
		}
	}
	return out
}
