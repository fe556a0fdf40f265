package engine

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"TunaEngine/internal/event"
	"TunaEngine/internal/fixedmath"
	"TunaEngine/internal/market"
	"TunaEngine/internal/observability"
	"TunaEngine/internal/position"
	"TunaEngine/internal/tokenledger"
	"TunaEngine/internal/vault"
)

// EventSink receives every event the engine emits. A nil sink drops events.
type EventSink func(*event.Envelope)

type lendingKey struct {
	authority uuid.UUID
	vaultID   string
}

type spotKey struct {
	authority uuid.UUID
	pool      string
}

// Engine is the accounting and lifecycle core. Every exported operation is
// an atomic unit of work: it validates against current stored state, then
// mutates the touched records under a single writer. The mutex realizes the
// exclusive-write-access model the surrounding ledger grants each operation;
// there are no suspension points inside an operation.
type Engine struct {
	mu sync.Mutex

	cfg *market.Config

	markets  map[string]*market.Market
	vaults   map[string]*vault.Vault
	lending  map[lendingKey]*vault.LendingPosition
	lps      map[uuid.UUID]*position.LpPosition
	spots    map[spotKey]*position.SpotPosition
	adapters map[market.MarketMaker]AmmAdapter

	oracle PriceOracle
	router SwapRouter
	book   *tokenledger.Book

	log     zerolog.Logger
	metrics *observability.Metrics
	sink    EventSink
	clock   func() time.Time
	seq     int64
}

func New(cfg *market.Config, book *tokenledger.Book, oracle PriceOracle, log zerolog.Logger) (*Engine, error) {
	if err := market.ValidateConfig(cfg); err != nil {
		return nil, err
	}
	return &Engine{
		cfg:      cfg,
		markets:  make(map[string]*market.Market),
		vaults:   make(map[string]*vault.Vault),
		lending:  make(map[lendingKey]*vault.LendingPosition),
		lps:      make(map[uuid.UUID]*position.LpPosition),
		spots:    make(map[spotKey]*position.SpotPosition),
		adapters: make(map[market.MarketMaker]AmmAdapter),
		oracle:   oracle,
		book:     book,
		log:      log,
		clock:    time.Now,
	}, nil
}

// RegisterAdapter wires an AMM backend.
func (e *Engine) RegisterAdapter(mm market.MarketMaker, adapter AmmAdapter) {
	e.adapters[mm] = adapter
}

// SetRouter wires the optional external swap router.
func (e *Engine) SetRouter(r SwapRouter) { e.router = r }

// SetMetrics attaches Prometheus metrics; nil is fine.
func (e *Engine) SetMetrics(m *observability.Metrics) { e.metrics = m }

// SetEventSink attaches the outbound event sink; nil drops events.
func (e *Engine) SetEventSink(s EventSink) { e.sink = s }

// SetClock overrides the engine clock. Interest accrual and event
// timestamps are pure functions of this clock, keeping tests deterministic.
func (e *Engine) SetClock(clock func() time.Time) { e.clock = clock }

// Book exposes the settlement surface (queries and tests).
func (e *Engine) Book() *tokenledger.Book { return e.book }

func (e *Engine) now() int64 { return e.clock().Unix() }

func (e *Engine) emit(typ event.Type, pool string, payload interface{}) {
	e.seq++
	if e.metrics != nil {
		e.metrics.EventsEmitted.WithLabelValues(typ.String()).Inc()
	}
	if e.sink == nil {
		return
	}
	e.sink(&event.Envelope{
		Sequence:  e.seq,
		EventID:   uuid.New(),
		Type:      typ,
		TypeName:  typ.String(),
		Pool:      pool,
		Timestamp: e.clock(),
		Payload:   payload,
	})
}

// ============================================================================
// Admin operations
// ============================================================================

// UpdateConfig replaces the protocol configuration.
func (e *Engine) UpdateConfig(authority uuid.UUID, cfg *market.Config) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if authority != e.cfg.AdminAuthority {
		return ErrUnauthorized
	}
	if err := market.ValidateConfig(cfg); err != nil {
		return err
	}
	e.cfg = cfg
	return nil
}

// Config returns a copy of the current protocol configuration.
func (e *Engine) Config() market.Config {
	e.mu.Lock()
	defer e.mu.Unlock()
	return *e.cfg
}

// CreateVault registers a lending vault for an asset.
func (e *Engine) CreateVault(authority uuid.UUID, id, poolMint string, interestRate, supplyLimit uint64) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if authority != e.cfg.AdminAuthority {
		return ErrUnauthorized
	}
	if id == "" || poolMint == "" {
		return fmt.Errorf("%w: empty vault id or mint", ErrInvalidParams)
	}
	if _, ok := e.vaults[id]; ok {
		return fmt.Errorf("%w: vault %s", ErrPositionExists, id)
	}
	e.vaults[id] = vault.New(id, poolMint, interestRate, supplyLimit, e.now())
	e.log.Info().Str("vault", id).Str("mint", poolMint).Msg("vault created")
	return nil
}

// UpdateVault changes the interest rate and supply limit of a vault.
// Interest is accrued at the old rate first.
func (e *Engine) UpdateVault(authority uuid.UUID, id string, interestRate, supplyLimit uint64) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if authority != e.cfg.AdminAuthority {
		return ErrUnauthorized
	}
	v, ok := e.vaults[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownVault, id)
	}
	if err := v.AccrueInterest(e.now()); err != nil {
		return err
	}
	v.InterestRate = interestRate
	v.SupplyLimit = supplyLimit
	return nil
}

// CreateMarket registers a market for a pool.
func (e *Engine) CreateMarket(authority uuid.UUID, m *market.Market) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if authority != e.cfg.AdminAuthority {
		return ErrUnauthorized
	}
	if err := m.Validate(); err != nil {
		return err
	}
	if _, ok := e.markets[m.Pool]; ok {
		return fmt.Errorf("%w: market %s", ErrPositionExists, m.Pool)
	}
	if _, ok := e.adapters[m.MarketMaker]; !ok {
		return fmt.Errorf("%w: %s", ErrUnknownAdapter, m.MarketMaker)
	}
	cp := *m
	e.markets[m.Pool] = &cp
	e.log.Info().Str("pool", m.Pool).Str("market_maker", m.MarketMaker.String()).Msg("market created")
	return nil
}

// UpdateMarket replaces a market's parameters, preserving the aggregate
// borrow counters.
func (e *Engine) UpdateMarket(authority uuid.UUID, m *market.Market) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if authority != e.cfg.AdminAuthority {
		return ErrUnauthorized
	}
	cur, ok := e.markets[m.Pool]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownMarket, m.Pool)
	}
	if err := m.Validate(); err != nil {
		return err
	}
	cp := *m
	cp.BorrowedSharesA = cur.BorrowedSharesA
	cp.BorrowedSharesB = cur.BorrowedSharesB
	e.markets[m.Pool] = &cp
	return nil
}

// Market returns a copy of a market record.
func (e *Engine) Market(pool string) (market.Market, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	m, ok := e.markets[pool]
	if !ok {
		return market.Market{}, fmt.Errorf("%w: %s", ErrUnknownMarket, pool)
	}
	return *m, nil
}

// Vault returns a copy of a vault record with interest accrued to now.
func (e *Engine) Vault(id string) (vault.Vault, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	v, ok := e.vaults[id]
	if !ok {
		return vault.Vault{}, fmt.Errorf("%w: %s", ErrUnknownVault, id)
	}
	if err := v.AccrueInterest(e.now()); err != nil {
		return vault.Vault{}, err
	}
	return *v, nil
}

// ============================================================================
// Lending flows
// ============================================================================

// LendingDeposit moves funds from the user into the vault and mints deposit
// shares on the caller's lending position (created on first deposit).
func (e *Engine) LendingDeposit(authority uuid.UUID, vaultID string, funds uint64) (uint64, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	v, ok := e.vaults[vaultID]
	if !ok {
		return 0, fmt.Errorf("%w: %s", ErrUnknownVault, vaultID)
	}
	user := tokenledger.UserAccount(authority)
	if e.book.Balance(user, v.PoolMint) < funds {
		return 0, fmt.Errorf("%w: deposit %d", tokenledger.ErrInsufficientBalance, funds)
	}

	key := lendingKey{authority, vaultID}
	pos, ok := e.lending[key]
	if !ok {
		pos = &vault.LendingPosition{Authority: authority, PoolMint: v.PoolMint, VaultID: vaultID}
	}

	shares, err := v.Deposit(pos, funds, e.now())
	if err != nil {
		return 0, err
	}
	e.lending[key] = pos
	if err := e.book.Transfer(user, tokenledger.VaultAccount(vaultID), v.PoolMint, funds); err != nil {
		return 0, err
	}

	if e.metrics != nil {
		e.metrics.VaultDeposits.WithLabelValues(vaultID).Inc()
	}
	e.emit(event.TypeVaultDeposited, "", &event.VaultDeposited{
		Authority: authority, VaultID: vaultID, Funds: funds, Shares: shares,
	})
	return shares, nil
}

// LendingWithdraw burns shares (or a funds-denominated equivalent) and pays
// the user out of the vault.
func (e *Engine) LendingWithdraw(authority uuid.UUID, vaultID string, funds, shares uint64) (uint64, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	v, ok := e.vaults[vaultID]
	if !ok {
		return 0, fmt.Errorf("%w: %s", ErrUnknownVault, vaultID)
	}
	pos, ok := e.lending[lendingKey{authority, vaultID}]
	if !ok {
		return 0, ErrPositionNotFound
	}

	paid, burnt, err := v.Withdraw(pos, funds, shares, e.now())
	if err != nil {
		return 0, err
	}
	if err := e.book.Transfer(tokenledger.VaultAccount(vaultID), tokenledger.UserAccount(authority), v.PoolMint, paid); err != nil {
		return 0, err
	}

	if e.metrics != nil {
		e.metrics.VaultWithdrawals.WithLabelValues(vaultID).Inc()
	}
	e.emit(event.TypeVaultWithdrawn, "", &event.VaultWithdrawn{
		Authority: authority, VaultID: vaultID, Funds: paid, Shares: burnt,
	})
	return paid, nil
}

// CloseLendingPosition destroys an emptied lending position record.
func (e *Engine) CloseLendingPosition(authority uuid.UUID, vaultID string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	key := lendingKey{authority, vaultID}
	pos, ok := e.lending[key]
	if !ok {
		return ErrPositionNotFound
	}
	if err := vault.CloseLendingPosition(pos); err != nil {
		return err
	}
	delete(e.lending, key)
	return nil
}

// LendingPosition returns a copy of the caller's lending position.
func (e *Engine) LendingPosition(authority uuid.UUID, vaultID string) (vault.LendingPosition, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	pos, ok := e.lending[lendingKey{authority, vaultID}]
	if !ok {
		return vault.LendingPosition{}, ErrPositionNotFound
	}
	return *pos, nil
}

// RepayBadDebt lets anyone inject funds to cancel a vault's unpaid debt.
func (e *Engine) RepayBadDebt(authority uuid.UUID, vaultID string, funds, shares uint64) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	v, ok := e.vaults[vaultID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownVault, vaultID)
	}
	user := tokenledger.UserAccount(authority)
	if e.book.Balance(user, v.PoolMint) < funds {
		return fmt.Errorf("%w: repay %d", tokenledger.ErrInsufficientBalance, funds)
	}
	if err := v.RepayBadDebt(funds, shares, e.now()); err != nil {
		return err
	}
	if err := e.book.Transfer(user, tokenledger.VaultAccount(vaultID), v.PoolMint, funds); err != nil {
		return err
	}

	e.emit(event.TypeBadDebtRepaid, "", &event.BadDebtRepaid{
		Authority: authority, VaultID: vaultID, Funds: funds, Shares: shares,
	})
	return nil
}

// ============================================================================
// Shared lookups and price helpers
// ============================================================================

func (e *Engine) marketFor(pool string) (*market.Market, AmmAdapter, error) {
	m, ok := e.markets[pool]
	if !ok {
		return nil, nil, fmt.Errorf("%w: %s", ErrUnknownMarket, pool)
	}
	adapter, ok := e.adapters[m.MarketMaker]
	if !ok {
		return nil, nil, fmt.Errorf("%w: %s", ErrUnknownAdapter, m.MarketMaker)
	}
	return m, adapter, nil
}

func (e *Engine) vaultFor(m *market.Market, side market.Side) (*vault.Vault, error) {
	v, ok := e.vaults[m.Mint(side)]
	if !ok {
		return nil, fmt.Errorf("%w: side %s of %s", ErrUnknownVault, side, m.Pool)
	}
	return v, nil
}

// checkedPoolPrice reads the pool price and rejects it if it deviates from
// the oracle reference past the market's threshold. All health and slippage
// math downstream uses this price.
func (e *Engine) checkedPoolPrice(m *market.Market, adapter AmmAdapter) (price uint64, tick int32, err error) {
	price, tick, err = adapter.PoolPrice(m.Pool)
	if err != nil {
		return 0, 0, err
	}

	oraclePrice, err := e.oraclePairPrice(m)
	if err != nil {
		return 0, 0, err
	}

	threshold := m.OraclePriceDeviationThreshold
	if threshold == 0 {
		threshold = e.cfg.DefaultOracleDeviationThreshold
	}

	var diff uint64
	if price > oraclePrice {
		diff = price - oraclePrice
	} else {
		diff = oraclePrice - price
	}
	dev, err := fixedmath.MulDiv(diff, uint64(fixedmath.HundredPercent), oraclePrice, true)
	if err != nil {
		return 0, 0, err
	}
	if dev > uint64(threshold) {
		return 0, 0, fmt.Errorf("%w: pool=%d oracle=%d deviation=%d", ErrOracleDeviation, price, oraclePrice, dev)
	}
	return price, tick, nil
}

// oraclePairPrice derives the reference pool price (B per A) from the
// per-mint oracle feeds.
func (e *Engine) oraclePairPrice(m *market.Market) (uint64, error) {
	priceA, err := e.oracle.Price(m.MintA)
	if err != nil {
		return 0, err
	}
	priceB, err := e.oracle.Price(m.MintB)
	if err != nil {
		return 0, err
	}
	return fixedmath.MulDiv(priceA, fixedmath.PriceScale, priceB, false)
}

// valueB expresses an amount of one side in token-B units at the pool price.
func valueB(side market.Side, amount, price uint64) (uint64, error) {
	if side == market.SideB {
		return amount, nil
	}
	return fixedmath.MulDiv(amount, price, fixedmath.PriceScale, false)
}

// amountFromValueB converts a token-B value back into side units.
func amountFromValueB(side market.Side, value, price uint64) (uint64, error) {
	if side == market.SideB {
		return value, nil
	}
	return fixedmath.MulDiv(value, fixedmath.PriceScale, price, false)
}

// maxSwapSlippage resolves the effective swap slippage bound for a market.
func (e *Engine) maxSwapSlippage(m *market.Market) uint32 {
	if m.MaxSwapSlippage != 0 {
		return m.MaxSwapSlippage
	}
	return e.cfg.DefaultMaxSwapSlippage
}

// poolSwap executes a pool swap for a position account and enforces the
// slippage bound against the oracle-implied output.
func (e *Engine) poolSwap(m *market.Market, adapter AmmAdapter, account tokenledger.Account, from market.Side, amountIn uint64) (uint64, error) {
	if amountIn == 0 {
		return 0, nil
	}
	out, err := adapter.Swap(m.Pool, from == market.SideA, amountIn)
	if err != nil {
		return 0, err
	}

	oraclePrice, err := e.oraclePairPrice(m)
	if err != nil {
		return 0, err
	}
	inValue, err := valueB(from, amountIn, oraclePrice)
	if err != nil {
		return 0, err
	}
	expected, err := amountFromValueB(from.Opposite(), inValue, oraclePrice)
	if err != nil {
		return 0, err
	}
	minOut, err := fixedmath.PercentOf(expected, fixedmath.HundredPercent-e.maxSwapSlippage(m), false)
	if err != nil {
		return 0, err
	}
	if out < minOut {
		return 0, fmt.Errorf("%w: out=%d min=%d", ErrSlippageExceeded, out, minOut)
	}

	if err := e.book.Transfer(account, tokenledger.AmmAccount(m.Pool), m.Mint(from), amountIn); err != nil {
		return 0, err
	}
	if err := e.book.Transfer(tokenledger.AmmAccount(m.Pool), account, m.Mint(from.Opposite()), out); err != nil {
		return 0, err
	}
	return out, nil
}

// swapQuote prices a pool swap at the current pool price without executing
// it. Unwind pre-flight checks run on these quotes so a violated bound
// rejects the operation before anything moves.
func (e *Engine) swapQuote(m *market.Market, adapter AmmAdapter, from market.Side, amountIn uint64) (uint64, error) {
	if amountIn == 0 {
		return 0, nil
	}
	price, _, err := adapter.PoolPrice(m.Pool)
	if err != nil {
		return 0, err
	}
	inValue, err := valueB(from, amountIn, price)
	if err != nil {
		return 0, err
	}
	return amountFromValueB(from.Opposite(), inValue, price)
}
