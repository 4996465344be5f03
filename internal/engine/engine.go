package engine

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"outcome-exchange/internal/apperr"
	"outcome-exchange/internal/fixed"
	"outcome-exchange/internal/model"
)

// MaxOutcomes bounds the outcome count of a single pool.
const MaxOutcomes = 32

// ErrEngineStopped is returned when a command is sent to an engine whose
// goroutine has exited.
var ErrEngineStopped = apperr.New(apperr.KindInternal, "EngineStopped", "pool engine stopped")

// PublishFunc broadcasts a WS message for a pool.
type PublishFunc func(poolID, msgType string, data any)

// Store persists engine batches. Apply must be all-or-nothing.
type Store interface {
	Apply(ctx context.Context, b *model.Batch) error
	ListPools(ctx context.Context) ([]model.Pool, error)
	ListPoolPositions(ctx context.Context, poolID string) ([]model.Position, error)
}

// Authorizer decides who may resolve a pool.
type Authorizer interface {
	CanResolve(ctx context.Context, pool *model.Pool, caller model.Caller) error
}

// Archiver stores settlement reports after a pool resolves.
type Archiver interface {
	ArchiveSettlement(ctx context.Context, report model.SettlementReport) error
}

type Metrics interface {
	ObserveOp(op string, err error, d time.Duration)
	ObserveTrade(side string, amount fixed.Amount)
	SetPools(status model.PoolStatus, n int)
}

type Config struct {
	ProtocolFeeBps    uint32
	MaxPriceImpactBps uint32 // 0 disables the check
	DefaultSeed       fixed.Amount
	OpTimeout         time.Duration
	QueueSize         int
}

func DefaultConfig() Config {
	return Config{
		ProtocolFeeBps:    100,
		MaxPriceImpactBps: 5000,
		DefaultSeed:       fixed.FromUnits(100),
		OpTimeout:         5 * time.Second,
		QueueSize:         64,
	}
}

// Deps are the optional collaborators of a Manager. Nil fields get no-op or
// admin-only defaults.
type Deps struct {
	Publish PublishFunc
	Auth    Authorizer
	Archive Archiver
	Metrics Metrics
	Logger  *slog.Logger
	Now     func() time.Time
}

type adminOnly struct{}

func (adminOnly) CanResolve(_ context.Context, _ *model.Pool, c model.Caller) error {
	if c.Role == model.RoleAdmin {
		return nil
	}
	return apperr.ErrUnauthorized
}

type noMetrics struct{}

func (noMetrics) ObserveOp(string, error, time.Duration) {}
func (noMetrics) ObserveTrade(string, fixed.Amount) {}
func (noMetrics) SetPools(model.PoolStatus, int) {}

// ── Manager ──────────────────────────────────────────

type Manager struct {
	engines  map[string]*MarketEngine
	mu       sync.RWMutex
	createMu sync.Mutex
	store    Store
	cfg      Config
	publish  PublishFunc
	auth     Authorizer
	archive  Archiver
	metrics  Metrics
	log      *slog.Logger
	now      func() time.Time

	open, resolved atomic.Int64

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewManager(store Store, cfg Config, deps Deps) *Manager {
	if cfg.OpTimeout <= 0 {
		cfg.OpTimeout = 5 * time.Second
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 64
	}
	if cfg.DefaultSeed.IsZero() {
		cfg.DefaultSeed = fixed.FromUnits(100)
	}
	m := &Manager{
		engines: make(map[string]*MarketEngine),
		store:   store,
		cfg:     cfg,
		publish: deps.Publish,
		auth:    deps.Auth,
		archive: deps.Archive,
		metrics: deps.Metrics,
		log:     deps.Logger,
		now:     deps.Now,
	}
	if m.publish == nil {
		m.publish = func(string, string, any) {}
	}
	if m.auth == nil {
		m.auth = adminOnly{}
	}
	if m.metrics == nil {
		m.metrics = noMetrics{}
	}
	if m.log == nil {
		m.log = slog.Default()
	}
	m.log = m.log.With("component", "engine")
	if m.now == nil {
		m.now = time.Now
	}
	// Engines outlive the request that created them.
	m.ctx, m.cancel = context.WithCancel(context.Background())
	return m
}

func (m *Manager) Boot(ctx context.Context) error {
	pools, err := m.store.ListPools(ctx)
	if err != nil {
		return err
	}
	for _, p := range pools {
		positions, err := m.store.ListPoolPositions(ctx, p.ID)
		if err != nil {
			return fmt.Errorf("boot %s: %w", p.ID, err)
		}
		m.start(p, positions)
	}
	m.log.Info("booted pool engines", "pools", len(pools))
	return nil
}

// Close stops every engine goroutine and waits for in-flight archive uploads.
func (m *Manager) Close() {
	m.cancel()
	m.wg.Wait()
}

func (m *Manager) start(p model.Pool, positions []model.Position) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.engines[p.ID]; ok {
		return
	}
	eng := &MarketEngine{
		pool:      p,
		positions: make(map[model.PositionKey]model.Position, len(positions)),
		cmdCh:     make(chan command, m.cfg.QueueSize),
		done:      make(chan struct{}),
		m:         m,
		log:       m.log.With("pool", p.ID),
	}
	for _, pos := range positions {
		eng.positions[pos.Key()] = pos
	}
	m.engines[p.ID] = eng
	m.countPool(p.Status, 1)
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		eng.run(m.ctx)
	}()
}

func (m *Manager) countPool(status model.PoolStatus, delta int64) {
	switch status {
	case model.PoolOpen:
		m.metrics.SetPools(model.PoolOpen, int(m.open.Add(delta)))
	case model.PoolResolved:
		m.metrics.SetPools(model.PoolResolved, int(m.resolved.Add(delta)))
	}
}

func (m *Manager) GetEngine(poolID string) *MarketEngine {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.engines[poolID]
}

func (m *Manager) engine(poolID string) (*MarketEngine, error) {
	if e := m.GetEngine(poolID); e != nil {
		return e, nil
	}
	return nil, apperr.ErrPoolNotFound
}

func (m *Manager) observe(op string, start time.Time, err *error) {
	m.metrics.ObserveOp(op, *err, time.Since(start))
}

// ── Create ───────────────────────────────────────────

func validateSpec(spec model.PoolSpec) error {
	if strings.TrimSpace(spec.Title) == "" || spec.Creator == "" {
		return fmt.Errorf("title and creator required: %w", apperr.ErrInvalidInput)
	}
	if len(spec.Outcomes) < 2 || len(spec.Outcomes) > MaxOutcomes {
		return apperr.ErrInvalidOutcomeSet
	}
	for _, o := range spec.Outcomes {
		if o.Weight == 0 || strings.TrimSpace(o.Label) == "" {
			return apperr.ErrInvalidOutcomeSet
		}
	}
	if uint64(spec.CreatorFeeBps)+uint64(spec.PlatformFeeBps) > fixed.BpsDenominator {
		return apperr.ErrInvalidFeeRate
	}
	if spec.FundedByLock && spec.SeedLiquidity.IsZero() {
		return fmt.Errorf("locked funding needs seed liquidity: %w", apperr.ErrInvalidAmount)
	}
	return nil
}

// CreatePool seeds a new pool and starts its engine. It is idempotent on
// spec.ID: a second call with the same ID returns the existing pool.
func (m *Manager) CreatePool(ctx context.Context, spec model.PoolSpec) (pool model.Pool, err error) {
	defer m.observe("create_pool", time.Now(), &err)
	if err := validateSpec(spec); err != nil {
		return model.Pool{}, err
	}
	id := spec.ID
	if id == "" {
		id = uuid.NewString()
	}

	m.createMu.Lock()
	defer m.createMu.Unlock()
	if e := m.GetEngine(id); e != nil {
		v, err := e.Snapshot(ctx)
		return v.Pool, err
	}

	seedTotal := spec.SeedLiquidity
	if seedTotal.IsZero() {
		seedTotal = m.cfg.DefaultSeed
	}
	seeds, err := SplitSeed(seedTotal, spec.Outcomes)
	if err != nil {
		return model.Pool{}, err
	}

	now := m.now().UTC()
	pool = model.Pool{
		ID:             id,
		Title:          spec.Title,
		Description:    spec.Description,
		Creator:        spec.Creator,
		Status:         model.PoolOpen,
		CreatorFeeBps:  spec.CreatorFeeBps,
		PlatformFeeBps: spec.PlatformFeeBps,
		Resolution:     spec.Resolution,
		ProposalID:     spec.ProposalID,
		Seq:            1,
		CreatedAt:      now,
	}
	funded := fixed.Zero()
	positions := make([]model.Position, 0, len(spec.Outcomes))
	for i, o := range spec.Outcomes {
		seed := seeds[i]
		if funded, err = funded.Add(seed); err != nil {
			return model.Pool{}, err
		}
		pool.Outcomes = append(pool.Outcomes, model.Outcome{
			Index:       uint32(i),
			Label:       o.Label,
			Liquidity:   seed,
			TotalShares: seed,
			Seed:        seed,
		})
		positions = append(positions, model.Position{
			PoolID:       id,
			UserID:       spec.Creator,
			OutcomeIndex: uint32(i),
			SeedShares:   seed,
		})
	}
	pool.TotalLiquidity = funded

	var b model.Batch
	b.Pools = []model.Pool{pool}
	b.Positions = positions
	if spec.FundedByLock {
		rest, err := seedTotal.Sub(funded)
		if err != nil {
			return model.Pool{}, err
		}
		b.Consume(spec.Creator, model.AssetUSDT, funded)
		b.Unlock(spec.Creator, model.AssetUSDT, rest)
	} else {
		b.Debit(spec.Creator, model.AssetUSDT, funded)
	}
	seq := pool.Seq
	creator := spec.Creator
	b.Emit(model.Event{
		PoolID: &id, UserID: &creator, Seq: &seq, Type: "PoolCreated", CreatedAt: now,
		Payload: map[string]any{"creator": spec.Creator, "outcomes": len(pool.Outcomes), "seed": funded},
	})
	b.Merge(spec.Attach)

	cctx, cancel := context.WithTimeout(ctx, m.cfg.OpTimeout)
	defer cancel()
	if err := m.store.Apply(cctx, &b); err != nil {
		return model.Pool{}, fmt.Errorf("create pool %s: %w", id, err)
	}

	m.start(pool, positions)
	m.log.Info("pool created", "pool", id, "creator", spec.Creator, "outcomes", len(pool.Outcomes), "seed", funded.String())
	m.publish(id, "odds", map[string]any{"odds": Odds(&pool), "seq": pool.Seq})
	return pool.Clone(), nil
}

// ── Routed operations ────────────────────────────────

func (m *Manager) Buy(ctx context.Context, poolID, user string, req model.BuyReq) (res model.BuyResult, err error) {
	defer m.observe("buy", time.Now(), &err)
	e, err := m.engine(poolID)
	if err != nil {
		return model.BuyResult{}, err
	}
	return e.Buy(ctx, user, req)
}

func (m *Manager) Sell(ctx context.Context, poolID, user string, req model.SellReq) (res model.SellResult, err error) {
	defer m.observe("sell", time.Now(), &err)
	e, err := m.engine(poolID)
	if err != nil {
		return model.SellResult{}, err
	}
	return e.Sell(ctx, user, req)
}

func (m *Manager) Resolve(ctx context.Context, poolID string, winning uint32, caller model.Caller) (pool model.Pool, err error) {
	defer m.observe("resolve", time.Now(), &err)
	e, err := m.engine(poolID)
	if err != nil {
		return model.Pool{}, err
	}
	return e.Resolve(ctx, winning, caller)
}

func (m *Manager) Claim(ctx context.Context, poolID, user string) (res model.ClaimResult, err error) {
	defer m.observe("claim", time.Now(), &err)
	e, err := m.engine(poolID)
	if err != nil {
		return model.ClaimResult{}, err
	}
	return e.Claim(ctx, user)
}

func (m *Manager) Quote(ctx context.Context, poolID string, req model.QuoteReq) (model.Quote, error) {
	e, err := m.engine(poolID)
	if err != nil {
		return model.Quote{}, err
	}
	return e.Quote(ctx, req)
}

func (m *Manager) Pool(ctx context.Context, poolID string) (model.PoolView, error) {
	e, err := m.engine(poolID)
	if err != nil {
		return model.PoolView{}, err
	}
	return e.Snapshot(ctx)
}

func (m *Manager) Odds(ctx context.Context, poolID string) ([]float64, error) {
	v, err := m.Pool(ctx, poolID)
	if err != nil {
		return nil, err
	}
	return v.Odds, nil
}

// Pools returns every pool, newest first.
func (m *Manager) Pools(ctx context.Context) ([]model.PoolView, error) {
	m.mu.RLock()
	engines := make([]*MarketEngine, 0, len(m.engines))
	for _, e := range m.engines {
		engines = append(engines, e)
	}
	m.mu.RUnlock()

	out := make([]model.PoolView, 0, len(engines))
	for _, e := range engines {
		v, err := e.Snapshot(ctx)
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out, nil
}

// Valuations marks positions to the current state of their pools. Each pool
// is read once.
func (m *Manager) Valuations(ctx context.Context, positions []model.Position) ([]model.PositionValue, error) {
	pools := make(map[string]model.Pool)
	out := make([]model.PositionValue, 0, len(positions))
	for _, pos := range positions {
		p, ok := pools[pos.PoolID]
		if !ok {
			v, err := m.Pool(ctx, pos.PoolID)
			if err != nil {
				return nil, err
			}
			p = v.Pool
			pools[pos.PoolID] = p
		}
		val, err := ValuePosition(&p, pos)
		if err != nil {
			return nil, err
		}
		out = append(out, val)
	}
	return out, nil
}

// Positions returns user's positions in one pool.
func (m *Manager) Positions(ctx context.Context, poolID, user string) ([]model.Position, error) {
	e, err := m.engine(poolID)
	if err != nil {
		return nil, err
	}
	return e.Positions(ctx, user)
}

// ── MarketEngine ─────────────────────────────────────

// MarketEngine owns one pool. All state is touched only by the run goroutine.
type MarketEngine struct {
	pool      model.Pool
	positions map[model.PositionKey]model.Position
	cmdCh     chan command
	done      chan struct{}
	m         *Manager
	log       *slog.Logger
}

func (e *MarketEngine) run(ctx context.Context) {
	defer close(e.done)
	for {
		select {
		case <-ctx.Done():
			return
		case cmd := <-e.cmdCh:
			cmd.exec(e)
		}
	}
}

// ── Commands ─────────────────────────────────────────

type command interface{ exec(e *MarketEngine) }

type result[T any] struct {
	val T
	err error
}

// reply runs fn unless the caller has already gone away.
func reply[T any](ctx context.Context, fn func() (T, error)) result[T] {
	if err := ctx.Err(); err != nil {
		return result[T]{err: err}
	}
	v, err := fn()
	return result[T]{val: v, err: err}
}

// submit queues cmd and waits for its reply on ch.
func submit[T any](ctx context.Context, e *MarketEngine, cmd command, ch <-chan result[T]) (T, error) {
	var zero T
	select {
	case e.cmdCh <- cmd:
	case <-ctx.Done():
		return zero, ctx.Err()
	case <-e.done:
		return zero, ErrEngineStopped
	}
	select {
	case r := <-ch:
		return r.val, r.err
	case <-ctx.Done():
		return zero, ctx.Err()
	case <-e.done:
		return zero, ErrEngineStopped
	}
}

type buyCmd struct {
	ctx  context.Context
	user string
	req  model.BuyReq
	ch   chan<- result[model.BuyResult]
}

type sellCmd struct {
	ctx  context.Context
	user string
	req  model.SellReq
	ch   chan<- result[model.SellResult]
}

type resolveCmd struct {
	ctx     context.Context
	winning uint32
	caller  model.Caller
	ch      chan<- result[model.Pool]
}

type claimCmd struct {
	ctx  context.Context
	user string
	ch   chan<- result[model.ClaimResult]
}

type quoteCmd struct {
	ctx context.Context
	req model.QuoteReq
	ch  chan<- result[model.Quote]
}

type snapshotCmd struct {
	ctx context.Context
	ch  chan<- result[model.PoolView]
}

type positionsCmd struct {
	ctx  context.Context
	user string
	ch   chan<- result[[]model.Position]
}

func (c buyCmd) exec(e *MarketEngine) {
	c.ch <- reply(c.ctx, func() (model.BuyResult, error) { return e.buy(c.ctx, c.user, c.req) })
}

func (c sellCmd) exec(e *MarketEngine) {
	c.ch <- reply(c.ctx, func() (model.SellResult, error) { return e.sell(c.ctx, c.user, c.req) })
}

func (c resolveCmd) exec(e *MarketEngine) {
	c.ch <- reply(c.ctx, func() (model.Pool, error) { return e.resolve(c.ctx, c.winning, c.caller) })
}

func (c claimCmd) exec(e *MarketEngine) {
	c.ch <- reply(c.ctx, func() (model.ClaimResult, error) { return e.claim(c.ctx, c.user) })
}

func (c quoteCmd) exec(e *MarketEngine) {
	c.ch <- reply(c.ctx, func() (model.Quote, error) { return e.quote(c.req) })
}

func (c snapshotCmd) exec(e *MarketEngine) {
	c.ch <- reply(c.ctx, func() (model.PoolView, error) {
		p := e.pool.Clone()
		return model.PoolView{Pool: p, Odds: Odds(&p)}, nil
	})
}

func (c positionsCmd) exec(e *MarketEngine) {
	c.ch <- reply(c.ctx, func() ([]model.Position, error) { return e.userPositions(c.user), nil })
}

// Buy sends a buy command to the pool goroutine and waits.
func (e *MarketEngine) Buy(ctx context.Context, user string, req model.BuyReq) (model.BuyResult, error) {
	ch := make(chan result[model.BuyResult], 1)
	return submit(ctx, e, buyCmd{ctx: ctx, user: user, req: req, ch: ch}, ch)
}

func (e *MarketEngine) Sell(ctx context.Context, user string, req model.SellReq) (model.SellResult, error) {
	ch := make(chan result[model.SellResult], 1)
	return submit(ctx, e, sellCmd{ctx: ctx, user: user, req: req, ch: ch}, ch)
}

func (e *MarketEngine) Resolve(ctx context.Context, winning uint32, caller model.Caller) (model.Pool, error) {
	ch := make(chan result[model.Pool], 1)
	return submit(ctx, e, resolveCmd{ctx: ctx, winning: winning, caller: caller, ch: ch}, ch)
}

func (e *MarketEngine) Claim(ctx context.Context, user string) (model.ClaimResult, error) {
	ch := make(chan result[model.ClaimResult], 1)
	return submit(ctx, e, claimCmd{ctx: ctx, user: user, ch: ch}, ch)
}

func (e *MarketEngine) Quote(ctx context.Context, req model.QuoteReq) (model.Quote, error) {
	ch := make(chan result[model.Quote], 1)
	return submit(ctx, e, quoteCmd{ctx: ctx, req: req, ch: ch}, ch)
}

func (e *MarketEngine) Snapshot(ctx context.Context) (model.PoolView, error) {
	ch := make(chan result[model.PoolView], 1)
	return submit(ctx, e, snapshotCmd{ctx: ctx, ch: ch}, ch)
}

func (e *MarketEngine) Positions(ctx context.Context, user string) ([]model.Position, error) {
	ch := make(chan result[[]model.Position], 1)
	return submit(ctx, e, positionsCmd{ctx: ctx, user: user, ch: ch}, ch)
}

// ── Helpers ──────────────────────────────────────────

func (e *MarketEngine) outcome(idx uint32) error {
	if int(idx) >= len(e.pool.Outcomes) {
		return apperr.ErrInvalidOutcome
	}
	return nil
}

func (e *MarketEngine) position(user string, idx uint32) model.Position {
	key := model.PositionKey{PoolID: e.pool.ID, UserID: user, OutcomeIndex: idx}
	if p, ok := e.positions[key]; ok {
		return p
	}
	return model.Position{PoolID: e.pool.ID, UserID: user, OutcomeIndex: idx}
}

func (e *MarketEngine) userPositions(user string) []model.Position {
	out := []model.Position{}
	for i := range e.pool.Outcomes {
		key := model.PositionKey{PoolID: e.pool.ID, UserID: user, OutcomeIndex: uint32(i)}
		if p, ok := e.positions[key]; ok {
			out = append(out, p)
		}
	}
	return out
}

func (e *MarketEngine) allPositions() []model.Position {
	out := make([]model.Position, 0, len(e.positions))
	for _, p := range e.positions {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].UserID == out[j].UserID {
			return out[i].OutcomeIndex < out[j].OutcomeIndex
		}
		return out[i].UserID < out[j].UserID
	})
	return out
}

func (e *MarketEngine) event(seq int64, typ string, payload any) model.Event {
	id := e.pool.ID
	return model.Event{PoolID: &id, Seq: &seq, Type: typ, Payload: payload, CreatedAt: e.m.now().UTC()}
}

// userEvent is an event that also shows up in user's activity feed.
func (e *MarketEngine) userEvent(seq int64, typ, user string, payload any) model.Event {
	ev := e.event(seq, typ, payload)
	ev.UserID = &user
	return ev
}

// commit persists b under the configured operation timeout.
func (e *MarketEngine) commit(ctx context.Context, b *model.Batch) error {
	cctx, cancel := context.WithTimeout(ctx, e.m.cfg.OpTimeout)
	defer cancel()
	if err := e.m.store.Apply(cctx, b); err != nil {
		return fmt.Errorf("commit pool %s: %w", e.pool.ID, err)
	}
	return nil
}

// ── Buy / Sell ───────────────────────────────────────

func (e *MarketEngine) buy(ctx context.Context, user string, req model.BuyReq) (model.BuyResult, error) {
	if e.pool.Status != model.PoolOpen {
		return model.BuyResult{}, apperr.ErrPoolResolved
	}
	if err := e.outcome(req.OutcomeIndex); err != nil {
		return model.BuyResult{}, err
	}
	if req.AmountIn.IsZero() {
		return model.BuyResult{NewOdds: Odds(&e.pool), Seq: e.pool.Seq}, nil
	}

	// Fee comes off the top, before pricing.
	fee, err := fixed.Bps(req.AmountIn, e.m.cfg.ProtocolFeeBps)
	if err != nil {
		return model.BuyResult{}, err
	}
	net, err := req.AmountIn.Sub(fee)
	if err != nil {
		return model.BuyResult{}, err
	}

	next := e.pool.Clone()
	shares, err := applyBuy(&next, req.OutcomeIndex, net)
	if err != nil {
		return model.BuyResult{}, err
	}
	if shares.IsZero() {
		return model.BuyResult{}, fmt.Errorf("amount buys no shares: %w", apperr.ErrInvalidAmount)
	}
	if err := checkImpact(&e.pool, &next, req.OutcomeIndex, e.m.cfg.MaxPriceImpactBps); err != nil {
		return model.BuyResult{}, err
	}
	if req.MinSharesOut != nil && shares.Lt(*req.MinSharesOut) {
		return model.BuyResult{}, apperr.ErrSlippage
	}
	if err := checkConservation(&next); err != nil {
		return model.BuyResult{}, err
	}

	pos := e.position(user, req.OutcomeIndex)
	if pos.Shares, err = pos.Shares.Add(shares); err != nil {
		return model.BuyResult{}, err
	}
	if pos.CostBasis, err = pos.CostBasis.Add(req.AmountIn); err != nil {
		return model.BuyResult{}, err
	}
	next.Seq++

	var b model.Batch
	b.Pools = []model.Pool{next}
	b.Positions = []model.Position{pos}
	b.Debit(user, model.AssetUSDT, req.AmountIn)
	b.Credit(model.FeeCollectorID, model.AssetUSDT, fee)
	b.Emit(e.userEvent(next.Seq, "SharesBought", user, map[string]any{
		"user_id": user, "outcome": req.OutcomeIndex,
		"amount_in": req.AmountIn, "fee": fee, "shares_out": shares,
	}))
	if err := e.commit(ctx, &b); err != nil {
		return model.BuyResult{}, err
	}

	e.pool = next
	e.positions[pos.Key()] = pos
	odds := Odds(&e.pool)
	e.m.metrics.ObserveTrade("BUY", req.AmountIn)
	e.m.publish(e.pool.ID, "trade", map[string]any{
		"side": "BUY", "outcome": req.OutcomeIndex, "amount": req.AmountIn, "shares": shares, "seq": next.Seq,
	})
	e.m.publish(e.pool.ID, "odds", map[string]any{"odds": odds, "seq": next.Seq})
	e.log.Debug("buy", "user", user, "outcome", req.OutcomeIndex, "amount_in", req.AmountIn.String(), "shares_out", shares.String())
	return model.BuyResult{SharesOut: shares, Fee: fee, NewOdds: odds, Seq: next.Seq}, nil
}

func (e *MarketEngine) sell(ctx context.Context, user string, req model.SellReq) (model.SellResult, error) {
	if e.pool.Status != model.PoolOpen {
		return model.SellResult{}, apperr.ErrPoolResolved
	}
	if err := e.outcome(req.OutcomeIndex); err != nil {
		return model.SellResult{}, err
	}
	if req.Shares.IsZero() {
		return model.SellResult{NewOdds: Odds(&e.pool), Seq: e.pool.Seq}, nil
	}

	pos := e.position(user, req.OutcomeIndex)
	if req.Shares.Gt(pos.Shares) {
		return model.SellResult{}, apperr.ErrInsufficientShares
	}

	next := e.pool.Clone()
	proceeds, err := applySell(&next, req.OutcomeIndex, req.Shares)
	if err != nil {
		return model.SellResult{}, err
	}
	if err := checkImpact(&e.pool, &next, req.OutcomeIndex, e.m.cfg.MaxPriceImpactBps); err != nil {
		return model.SellResult{}, err
	}
	if req.MinProceedsOut != nil && proceeds.Lt(*req.MinProceedsOut) {
		return model.SellResult{}, apperr.ErrSlippage
	}
	if err := checkConservation(&next); err != nil {
		return model.SellResult{}, err
	}

	sold, err := fixed.MulDiv(pos.CostBasis, req.Shares, pos.Shares)
	if err != nil {
		return model.SellResult{}, err
	}
	if pos.CostBasis, err = pos.CostBasis.Sub(sold); err != nil {
		return model.SellResult{}, err
	}
	if pos.Shares, err = pos.Shares.Sub(req.Shares); err != nil {
		return model.SellResult{}, apperr.ErrInsufficientShares
	}
	next.Seq++

	var b model.Batch
	b.Pools = []model.Pool{next}
	b.Positions = []model.Position{pos}
	b.Credit(user, model.AssetUSDT, proceeds)
	b.Emit(e.userEvent(next.Seq, "SharesSold", user, map[string]any{
		"user_id": user, "outcome": req.OutcomeIndex, "shares": req.Shares, "proceeds_out": proceeds,
	}))
	if err := e.commit(ctx, &b); err != nil {
		return model.SellResult{}, err
	}

	e.pool = next
	e.positions[pos.Key()] = pos
	odds := Odds(&e.pool)
	e.m.metrics.ObserveTrade("SELL", proceeds)
	e.m.publish(e.pool.ID, "trade", map[string]any{
		"side": "SELL", "outcome": req.OutcomeIndex, "amount": proceeds, "shares": req.Shares, "seq": next.Seq,
	})
	e.m.publish(e.pool.ID, "odds", map[string]any{"odds": odds, "seq": next.Seq})
	return model.SellResult{ProceedsOut: proceeds, NewOdds: odds, Seq: next.Seq}, nil
}

// quote prices a trade without touching state.
func (e *MarketEngine) quote(req model.QuoteReq) (model.Quote, error) {
	if e.pool.Status != model.PoolOpen {
		return model.Quote{}, apperr.ErrPoolResolved
	}
	if err := e.outcome(req.OutcomeIndex); err != nil {
		return model.Quote{}, err
	}
	next := e.pool.Clone()
	var q model.Quote
	switch {
	case req.AmountIn != nil:
		fee, err := fixed.Bps(*req.AmountIn, e.m.cfg.ProtocolFeeBps)
		if err != nil {
			return model.Quote{}, err
		}
		net, err := req.AmountIn.Sub(fee)
		if err != nil {
			return model.Quote{}, err
		}
		if q.SharesOut, err = applyBuy(&next, req.OutcomeIndex, net); err != nil {
			return model.Quote{}, err
		}
		q.Fee = fee
	case req.Shares != nil:
		var err error
		if q.ProceedsOut, err = applySell(&next, req.OutcomeIndex, *req.Shares); err != nil {
			return model.Quote{}, err
		}
	default:
		return model.Quote{}, fmt.Errorf("amount_in or shares required: %w", apperr.ErrInvalidInput)
	}
	q.NewOdds = Odds(&next)
	return q, nil
}

// ── Settlement ───────────────────────────────────────

func (e *MarketEngine) resolve(ctx context.Context, winning uint32, caller model.Caller) (model.Pool, error) {
	if err := e.m.auth.CanResolve(ctx, &e.pool, caller); err != nil {
		return model.Pool{}, err
	}
	if e.pool.Status == model.PoolResolved {
		return model.Pool{}, apperr.ErrAlreadyResolved
	}
	if err := e.outcome(winning); err != nil {
		return model.Pool{}, err
	}

	platformCut, creatorCut, distributable, err := settlementSplit(
		e.pool.TotalLiquidity, e.pool.PlatformFeeBps, e.pool.CreatorFeeBps)
	if err != nil {
		return model.Pool{}, err
	}

	now := e.m.now().UTC()
	next := e.pool.Clone()
	next.Status = model.PoolResolved
	next.WinningOutcome = &winning
	next.ResolvedAt = &now
	next.Settlement = &model.Settlement{
		PlatformCut:   platformCut,
		CreatorCut:    creatorCut,
		Distributable: distributable,
		WinningShares: next.Outcomes[winning].TotalShares,
	}
	next.Seq++

	var b model.Batch
	b.Pools = []model.Pool{next}
	b.Credit(model.FeeCollectorID, model.AssetUSDT, platformCut)
	b.Credit(next.Creator, model.AssetUSDT, creatorCut)
	if next.Settlement.WinningShares.IsZero() {
		// No one can claim; the pot goes to the fee collector.
		b.Credit(model.FeeCollectorID, model.AssetUSDT, distributable)
		next.Settlement.PaidOut = distributable
	}
	b.Emit(e.event(next.Seq, "PoolResolved", map[string]any{
		"winning_outcome": winning, "resolved_by": caller.ID, "role": caller.Role,
		"platform_cut": platformCut, "creator_cut": creatorCut, "distributable": distributable,
	}))
	b.Pools[0] = next
	if err := e.commit(ctx, &b); err != nil {
		return model.Pool{}, err
	}

	e.pool = next
	e.m.countPool(model.PoolOpen, -1)
	e.m.countPool(model.PoolResolved, 1)
	e.log.Info("pool resolved", "winning", winning, "by", caller.ID,
		"distributable", distributable.String(), "winning_shares", next.Settlement.WinningShares.String())
	e.m.publish(e.pool.ID, "resolved", map[string]any{"winning_outcome": winning, "seq": next.Seq})
	e.archiveSettlement(model.SettlementReport{
		Pool: e.pool.Clone(), Positions: e.allPositions(), ResolvedBy: caller, ResolvedAt: now,
	})
	return e.pool.Clone(), nil
}

// archiveSettlement uploads the report in the background. Failures are
// logged; the resolution itself is already committed.
func (e *MarketEngine) archiveSettlement(report model.SettlementReport) {
	if e.m.archive == nil {
		return
	}
	e.m.wg.Add(1)
	go func() {
		defer e.m.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), e.m.cfg.OpTimeout)
		defer cancel()
		if err := e.m.archive.ArchiveSettlement(ctx, report); err != nil {
			e.log.Warn("archive settlement failed", "error", err)
		}
	}()
}

func (e *MarketEngine) claim(ctx context.Context, user string) (model.ClaimResult, error) {
	if e.pool.Status != model.PoolResolved || e.pool.WinningOutcome == nil || e.pool.Settlement == nil {
		return model.ClaimResult{}, apperr.ErrPoolNotResolved
	}
	st := e.pool.Settlement
	pos := e.position(user, *e.pool.WinningOutcome)
	if pos.Claimed {
		return model.ClaimResult{}, apperr.ErrNothingToClaim
	}
	claimable, err := pos.Claimable()
	if err != nil {
		return model.ClaimResult{}, err
	}
	if claimable.IsZero() || st.WinningShares.IsZero() {
		return model.ClaimResult{}, apperr.ErrNothingToClaim
	}
	payout, err := fixed.MulDiv(claimable, st.Distributable, st.WinningShares)
	if err != nil {
		return model.ClaimResult{}, err
	}
	paid, err := st.PaidOut.Add(payout)
	if err != nil {
		return model.ClaimResult{}, err
	}
	if paid.Gt(st.Distributable) {
		return model.ClaimResult{}, apperr.ErrInsufficientLiquidity
	}

	next := e.pool.Clone()
	next.Settlement.PaidOut = paid
	next.Seq++
	pos.Shares = fixed.Zero()
	pos.SeedShares = fixed.Zero()
	pos.CostBasis = fixed.Zero()
	pos.Claimed = true

	var b model.Batch
	b.Pools = []model.Pool{next}
	b.Positions = []model.Position{pos}
	b.Credit(user, model.AssetUSDT, payout)
	b.Emit(e.userEvent(next.Seq, "WinningsClaimed", user, map[string]any{
		"user_id": user, "shares": claimable, "amount_paid": payout,
	}))
	if err := e.commit(ctx, &b); err != nil {
		return model.ClaimResult{}, err
	}

	e.pool = next
	e.positions[pos.Key()] = pos
	e.m.publish(e.pool.ID, "claim", map[string]any{"user_id": user, "amount_paid": payout, "seq": next.Seq})
	return model.ClaimResult{AmountPaid: payout}, nil
}
