package db

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/google/uuid"
	"github.com/lib/pq"

	"outcome-exchange/internal/apperr"
	"outcome-exchange/internal/fixed"
	"outcome-exchange/internal/model"
)

//go:embed migrations/*.sql
var migrations embed.FS

type Store struct{ DB *sql.DB }

func Open(dsn string) (*Store, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(20)
	db.SetConnMaxLifetime(5 * time.Minute)
	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("ping: %w", err)
	}
	return &Store{DB: db}, nil
}

func (s *Store) Close() error { return s.DB.Close() }

// Migrate applies the embedded migrations.
func (s *Store) Migrate() error {
	src, err := iofs.New(migrations, "migrations")
	if err != nil {
		return err
	}
	driver, err := postgres.WithInstance(s.DB, &postgres.Config{})
	if err != nil {
		return err
	}
	m, err := migrate.NewWithInstance("iofs", src, "postgres", driver)
	if err != nil {
		return err
	}
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return err
	}
	return nil
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == "23505"
}

// ── Batches ──────────────────────────────────────────

// Apply writes the whole batch in one transaction. Transfers run in order as
// guarded UPDATEs; a guard that matches no row aborts the batch with
// ErrInsufficientBalance.
func (s *Store) Apply(ctx context.Context, b *model.Batch) error {
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	for i := range b.Pools {
		if err := upsertPool(ctx, tx, &b.Pools[i]); err != nil {
			return fmt.Errorf("pool %s: %w", b.Pools[i].ID, err)
		}
	}
	for _, p := range b.Positions {
		if err := upsertPosition(ctx, tx, p); err != nil {
			return fmt.Errorf("position: %w", err)
		}
	}
	for i := range b.Proposals {
		if err := upsertProposal(ctx, tx, &b.Proposals[i]); err != nil {
			return fmt.Errorf("proposal %s: %w", b.Proposals[i].ID, err)
		}
	}
	for _, t := range b.Transfers {
		if err := applyTransfer(ctx, tx, t); err != nil {
			return err
		}
	}
	for _, e := range b.Events {
		if err := appendEvent(ctx, tx, e); err != nil {
			return fmt.Errorf("event %s: %w", e.Type, err)
		}
	}
	return tx.Commit()
}

var transferSQL = map[model.TransferKind]string{
	model.TransferCredit:  `UPDATE wallets SET balance = balance + $3 WHERE user_id=$1 AND asset=$2`,
	model.TransferDebit:   `UPDATE wallets SET balance = balance - $3 WHERE user_id=$1 AND asset=$2 AND balance - locked >= $3`,
	model.TransferLock:    `UPDATE wallets SET locked = locked + $3 WHERE user_id=$1 AND asset=$2 AND balance - locked >= $3`,
	model.TransferUnlock:  `UPDATE wallets SET locked = locked - $3 WHERE user_id=$1 AND asset=$2 AND locked >= $3`,
	model.TransferConsume: `UPDATE wallets SET balance = balance - $3, locked = locked - $3 WHERE user_id=$1 AND asset=$2 AND locked >= $3`,
}

func applyTransfer(ctx context.Context, tx *sql.Tx, t model.Transfer) error {
	q, ok := transferSQL[t.Kind]
	if !ok {
		return fmt.Errorf("transfer kind %q: %w", t.Kind, apperr.ErrInvalidInput)
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO wallets (user_id, asset) VALUES ($1,$2) ON CONFLICT DO NOTHING`, t.UserID, t.Asset,
	); err != nil {
		return err
	}
	res, err := tx.ExecContext(ctx, q, t.UserID, t.Asset, t.Amount)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%s %s %s for %s: %w", t.Kind, t.Amount, t.Asset, t.UserID, apperr.ErrInsufficientBalance)
	}
	return nil
}

func upsertPool(ctx context.Context, tx *sql.Tx, p *model.Pool) error {
	outcomes, err := json.Marshal(p.Outcomes)
	if err != nil {
		return err
	}
	resolution, err := json.Marshal(p.Resolution)
	if err != nil {
		return err
	}
	var settlement []byte
	if p.Settlement != nil {
		if settlement, err = json.Marshal(p.Settlement); err != nil {
			return err
		}
	}
	var winning sql.NullInt64
	if p.WinningOutcome != nil {
		winning = sql.NullInt64{Int64: int64(*p.WinningOutcome), Valid: true}
	}
	_, err = tx.ExecContext(ctx,
		`INSERT INTO pools (id,title,description,creator,outcomes,total_liquidity,status,winning_outcome,
		                    creator_fee_bps,platform_fee_bps,resolution,settlement,seq,proposal_id,created_at,resolved_at)
		 VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16)
		 ON CONFLICT (id) DO UPDATE SET
		   outcomes=EXCLUDED.outcomes, total_liquidity=EXCLUDED.total_liquidity, status=EXCLUDED.status,
		   winning_outcome=EXCLUDED.winning_outcome, settlement=EXCLUDED.settlement, seq=EXCLUDED.seq,
		   resolved_at=EXCLUDED.resolved_at`,
		p.ID, p.Title, p.Description, p.Creator, outcomes, p.TotalLiquidity, p.Status, winning,
		p.CreatorFeeBps, p.PlatformFeeBps, resolution, settlement, p.Seq, p.ProposalID, p.CreatedAt, p.ResolvedAt,
	)
	return err
}

func upsertPosition(ctx context.Context, tx *sql.Tx, p model.Position) error {
	_, err := tx.ExecContext(ctx,
		`INSERT INTO positions (pool_id,user_id,outcome_index,shares,seed_shares,cost_basis,claimed)
		 VALUES ($1,$2,$3,$4,$5,$6,$7)
		 ON CONFLICT (pool_id,user_id,outcome_index) DO UPDATE SET
		   shares=EXCLUDED.shares, seed_shares=EXCLUDED.seed_shares, cost_basis=EXCLUDED.cost_basis,
		   claimed=EXCLUDED.claimed`,
		p.PoolID, p.UserID, p.OutcomeIndex, p.Shares, p.SeedShares, p.CostBasis, p.Claimed,
	)
	return err
}

func upsertProposal(ctx context.Context, tx *sql.Tx, p *model.Proposal) error {
	outcomes, err := json.Marshal(p.Outcomes)
	if err != nil {
		return err
	}
	resolution, err := json.Marshal(p.Resolution)
	if err != nil {
		return err
	}
	votes, err := json.Marshal(p.Votes)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx,
		`INSERT INTO proposals (id,creator,title,description,outcomes,creator_fee_bps,platform_fee_bps,seed_liquidity,
		                        creator_stake,resolution,yes_votes,no_votes,status,deadline,linked_pool,votes,created_at,finalized_at)
		 VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18)
		 ON CONFLICT (id) DO UPDATE SET
		   yes_votes=EXCLUDED.yes_votes, no_votes=EXCLUDED.no_votes, status=EXCLUDED.status,
		   linked_pool=EXCLUDED.linked_pool, votes=EXCLUDED.votes, finalized_at=EXCLUDED.finalized_at`,
		p.ID, p.Creator, p.Title, p.Description, outcomes, p.CreatorFeeBps, p.PlatformFeeBps, p.SeedLiquidity,
		p.CreatorStake, resolution, p.YesVotes, p.NoVotes, p.Status, p.Deadline, p.LinkedPool, votes, p.CreatedAt, p.FinalizedAt,
	)
	return err
}

func appendEvent(ctx context.Context, tx *sql.Tx, e model.Event) error {
	b, err := json.Marshal(e.Payload)
	if err != nil {
		return err
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}
	_, err = tx.ExecContext(ctx,
		`INSERT INTO event_log (pool_id, proposal_id, user_id, seq, type, payload_json, created_at)
		 VALUES ($1,$2,$3,$4,$5,$6,$7)`,
		e.PoolID, e.ProposalID, e.UserID, e.Seq, e.Type, b, e.CreatedAt,
	)
	return err
}

// ── Users ────────────────────────────────────────────

func (s *Store) CreateUser(ctx context.Context, email, hash string, role model.Role) (*model.User, error) {
	u := &model.User{}
	err := s.DB.QueryRowContext(ctx,
		`INSERT INTO users (id, email, password_hash, role) VALUES ($1,$2,$3,$4)
		 RETURNING id, email, password_hash, role, created_at`, uuid.NewString(), email, hash, role,
	).Scan(&u.ID, &u.Email, &u.PasswordHash, &u.Role, &u.CreatedAt)
	if isUniqueViolation(err) {
		return nil, apperr.ErrAlreadyExists
	}
	if err != nil {
		return nil, err
	}
	return u, nil
}

func (s *Store) GetUserByEmail(ctx context.Context, email string) (*model.User, error) {
	return s.getUser(ctx, `lower(email)=$1`, strings.ToLower(email))
}

func (s *Store) GetUser(ctx context.Context, id string) (*model.User, error) {
	return s.getUser(ctx, `id=$1`, id)
}

func (s *Store) getUser(ctx context.Context, where string, arg any) (*model.User, error) {
	u := &model.User{}
	err := s.DB.QueryRowContext(ctx,
		`SELECT id, email, password_hash, role, created_at FROM users WHERE `+where, arg,
	).Scan(&u.ID, &u.Email, &u.PasswordHash, &u.Role, &u.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return u, err
}

func (s *Store) ListUsers(ctx context.Context) ([]model.User, error) {
	rows, err := s.DB.QueryContext(ctx, `SELECT id, email, role, created_at FROM users ORDER BY created_at`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := []model.User{}
	for rows.Next() {
		var u model.User
		if err := rows.Scan(&u.ID, &u.Email, &u.Role, &u.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, u)
	}
	return out, rows.Err()
}

// ── Wallets ──────────────────────────────────────────

// GetWallets returns the user's USDT and BET wallets. Missing wallets read
// as zero.
func (s *Store) GetWallets(ctx context.Context, userID string) ([]model.Wallet, error) {
	rows, err := s.DB.QueryContext(ctx,
		`SELECT asset, balance, locked FROM wallets WHERE user_id=$1`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	found := map[model.Asset]model.Wallet{}
	for rows.Next() {
		w := model.Wallet{UserID: userID}
		if err := rows.Scan(&w.Asset, &w.Balance, &w.Locked); err != nil {
			return nil, err
		}
		found[w.Asset] = w
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	out := make([]model.Wallet, 0, 2)
	for _, a := range []model.Asset{model.AssetUSDT, model.AssetBET} {
		w, ok := found[a]
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
	w := &model.Wallet{UserID: userID, Asset: asset}
	err := s.DB.QueryRowContext(ctx,
		`SELECT balance, locked FROM wallets WHERE user_id=$1 AND asset=$2`, userID, asset,
	).Scan(&w.Balance, &w.Locked)
	return w, err
}

// ── Pools / Positions ────────────────────────────────

const poolCols = `id,title,description,creator,outcomes,total_liquidity,status,winning_outcome,
	creator_fee_bps,platform_fee_bps,resolution,settlement,seq,proposal_id,created_at,resolved_at`

type scanner interface{ Scan(dest ...any) error }

func scanPool(r scanner) (model.Pool, error) {
	var p model.Pool
	var outcomes, resolution, settlement []byte
	var winning sql.NullInt64
	if err := r.Scan(&p.ID, &p.Title, &p.Description, &p.Creator, &outcomes, &p.TotalLiquidity, &p.Status, &winning,
		&p.CreatorFeeBps, &p.PlatformFeeBps, &resolution, &settlement, &p.Seq, &p.ProposalID, &p.CreatedAt, &p.ResolvedAt,
	); err != nil {
		return p, err
	}
	if err := json.Unmarshal(outcomes, &p.Outcomes); err != nil {
		return p, fmt.Errorf("pool %s outcomes: %w", p.ID, err)
	}
	if err := json.Unmarshal(resolution, &p.Resolution); err != nil {
		return p, fmt.Errorf("pool %s resolution: %w", p.ID, err)
	}
	if len(settlement) > 0 {
		p.Settlement = &model.Settlement{}
		if err := json.Unmarshal(settlement, p.Settlement); err != nil {
			return p, fmt.Errorf("pool %s settlement: %w", p.ID, err)
		}
	}
	if winning.Valid {
		w := uint32(winning.Int64)
		p.WinningOutcome = &w
	}
	return p, nil
}

func (s *Store) ListPools(ctx context.Context) ([]model.Pool, error) {
	rows, err := s.DB.QueryContext(ctx, `SELECT `+poolCols+` FROM pools ORDER BY created_at DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := []model.Pool{}
	for rows.Next() {
		p, err := scanPool(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func (s *Store) GetPool(ctx context.Context, id string) (*model.Pool, error) {
	p, err := scanPool(s.DB.QueryRowContext(ctx, `SELECT `+poolCols+` FROM pools WHERE id=$1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &p, nil
}

func (s *Store) ListPoolPositions(ctx context.Context, poolID string) ([]model.Position, error) {
	return s.listPositions(ctx, `pool_id=$1`, poolID)
}

func (s *Store) ListUserPositions(ctx context.Context, userID string) ([]model.Position, error) {
	return s.listPositions(ctx, `user_id=$1`, userID)
}

func (s *Store) listPositions(ctx context.Context, where string, arg any) ([]model.Position, error) {
	rows, err := s.DB.QueryContext(ctx,
		`SELECT pool_id,user_id,outcome_index,shares,seed_shares,cost_basis,claimed FROM positions
		 WHERE `+where+` ORDER BY pool_id, user_id, outcome_index`, arg)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := []model.Position{}
	for rows.Next() {
		var p model.Position
		if err := rows.Scan(&p.PoolID, &p.UserID, &p.OutcomeIndex, &p.Shares, &p.SeedShares, &p.CostBasis, &p.Claimed); err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// ── Proposals ────────────────────────────────────────

const proposalCols = `id,creator,title,description,outcomes,creator_fee_bps,platform_fee_bps,seed_liquidity,
	creator_stake,resolution,yes_votes,no_votes,status,deadline,linked_pool,votes,created_at,finalized_at`

func scanProposal(r scanner) (model.Proposal, error) {
	var p model.Proposal
	var outcomes, resolution, votes []byte
	if err := r.Scan(&p.ID, &p.Creator, &p.Title, &p.Description, &outcomes, &p.CreatorFeeBps, &p.PlatformFeeBps,
		&p.SeedLiquidity, &p.CreatorStake, &resolution, &p.YesVotes, &p.NoVotes, &p.Status, &p.Deadline,
		&p.LinkedPool, &votes, &p.CreatedAt, &p.FinalizedAt,
	); err != nil {
		return p, err
	}
	if err := json.Unmarshal(outcomes, &p.Outcomes); err != nil {
		return p, fmt.Errorf("proposal %s outcomes: %w", p.ID, err)
	}
	if err := json.Unmarshal(resolution, &p.Resolution); err != nil {
		return p, fmt.Errorf("proposal %s resolution: %w", p.ID, err)
	}
	if err := json.Unmarshal(votes, &p.Votes); err != nil {
		return p, fmt.Errorf("proposal %s votes: %w", p.ID, err)
	}
	if p.Votes == nil {
		p.Votes = map[string]model.Vote{}
	}
	return p, nil
}

func (s *Store) ListProposals(ctx context.Context) ([]model.Proposal, error) {
	rows, err := s.DB.QueryContext(ctx, `SELECT `+proposalCols+` FROM proposals ORDER BY created_at DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := []model.Proposal{}
	for rows.Next() {
		p, err := scanProposal(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func (s *Store) GetProposal(ctx context.Context, id string) (*model.Proposal, error) {
	p, err := scanProposal(s.DB.QueryRowContext(ctx, `SELECT `+proposalCols+` FROM proposals WHERE id=$1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &p, nil
}

// ── Event Log ────────────────────────────────────────

const eventCols = `id, pool_id, proposal_id, user_id, seq, type, payload_json, created_at`

// ListEvents returns the newest events first.
func (s *Store) ListEvents(ctx context.Context, poolID *string, limit int) ([]model.Event, error) {
	q := `SELECT ` + eventCols + ` FROM event_log`
	args := []any{limit}
	if poolID != nil {
		q += ` WHERE pool_id=$2`
		args = append(args, *poolID)
	}
	q += ` ORDER BY id DESC LIMIT $1`
	return s.queryEvents(ctx, q, args...)
}

// ListUserEvents returns the newest events recorded for userID.
func (s *Store) ListUserEvents(ctx context.Context, userID string, limit int) ([]model.Event, error) {
	return s.queryEvents(ctx,
		`SELECT `+eventCols+` FROM event_log WHERE user_id=$2 ORDER BY id DESC LIMIT $1`, limit, userID)
}

func (s *Store) queryEvents(ctx context.Context, q string, args ...any) ([]model.Event, error) {
	rows, err := s.DB.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := []model.Event{}
	for rows.Next() {
		var e model.Event
		var raw []byte
		if err := rows.Scan(&e.ID, &e.PoolID, &e.ProposalID, &e.UserID, &e.Seq, &e.Type, &raw, &e.CreatedAt); err != nil {
			return nil, err
		}
		var payload any
		_ = json.Unmarshal(raw, &payload)
		e.Payload = payload
		out = append(out, e)
	}
	return out, rows.Err()
}
