package testutil

import (
	"fmt"
	"sync"

	"github.com/google/uuid"

	"TunaEngine/internal/fixedmath"
	"TunaEngine/internal/market"
)

type fakePosition struct {
	tickLower int32
	tickUpper int32
	liquidity uint64
	heldA     uint64
	heldB     uint64
	feesA     uint64
	feesB     uint64
}

type fakePool struct {
	price     uint64
	tick      int32
	positions map[uuid.UUID]*fakePosition
}

// FakeAmm is a deterministic AMM backend for engine tests. Each pool has a
// flat price: deposits are consumed balanced in value, swaps execute at the
// pool price with no slippage, and withdrawals return each position's exact
// held amounts, so token conservation holds to the unit.
type FakeAmm struct {
	mu    sync.Mutex
	pools map[string]*fakePool
}

func NewFakeAmm() *FakeAmm {
	return &FakeAmm{pools: make(map[string]*fakePool)}
}

// AddPool registers a pool at a price (B per A, PriceScale) and tick.
func (f *FakeAmm) AddPool(pool string, price uint64, tick int32) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pools[pool] = &fakePool{price: price, tick: tick, positions: make(map[uuid.UUID]*fakePosition)}
}

// SetPrice moves a pool's price and tick.
func (f *FakeAmm) SetPrice(pool string, price uint64, tick int32) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if p, ok := f.pools[pool]; ok {
		p.price = price
		p.tick = tick
	}
}

// SetFees queues pending fee income on a position for the next collect.
func (f *FakeAmm) SetFees(pool string, positionMint uuid.UUID, feeA, feeB uint64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if p, ok := f.pools[pool]; ok {
		if pos, ok := p.positions[positionMint]; ok {
			pos.feesA += feeA
			pos.feesB += feeB
		}
	}
}

func (f *FakeAmm) pool(pool string) (*fakePool, error) {
	p, ok := f.pools[pool]
	if !ok {
		return nil, fmt.Errorf("fakeamm: unknown pool %s", pool)
	}
	return p, nil
}

func (f *FakeAmm) position(pool string, mint uuid.UUID) (*fakePool, *fakePosition, error) {
	p, err := f.pool(pool)
	if err != nil {
		return nil, nil, err
	}
	pos, ok := p.positions[mint]
	if !ok {
		return nil, nil, fmt.Errorf("fakeamm: unknown position %s in %s", mint, pool)
	}
	return p, pos, nil
}

func (f *FakeAmm) OpenPosition(pool string, positionMint uuid.UUID, tickLower, tickUpper int32) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	p, err := f.pool(pool)
	if err != nil {
		return err
	}
	if _, ok := p.positions[positionMint]; ok {
		return fmt.Errorf("fakeamm: position %s already open", positionMint)
	}
	p.positions[positionMint] = &fakePosition{tickLower: tickLower, tickUpper: tickUpper}
	return nil
}

func (f *FakeAmm) IncreaseLiquidity(pool string, positionMint uuid.UUID, amountA, amountB uint64) (usedA, usedB, liquidityDelta uint64, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	p, pos, err := f.position(pool, positionMint)
	if err != nil {
		return 0, 0, 0, err
	}

	valA, err := fixedmath.MulDiv(amountA, p.price, fixedmath.PriceScale, false)
	if err != nil {
		return 0, 0, 0, err
	}
	if valA <= amountB {
		usedA, usedB = amountA, valA
	} else {
		usedB = amountB
		usedA, err = fixedmath.MulDiv(amountB, fixedmath.PriceScale, p.price, false)
		if err != nil {
			return 0, 0, 0, err
		}
	}
	liquidityDelta = usedB * 2

	pos.heldA += usedA
	pos.heldB += usedB
	pos.liquidity += liquidityDelta
	return usedA, usedB, liquidityDelta, nil
}

func (f *FakeAmm) DecreaseLiquidity(pool string, positionMint uuid.UUID, liquidity uint64) (outA, outB uint64, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, pos, err := f.position(pool, positionMint)
	if err != nil {
		return 0, 0, err
	}
	if liquidity > pos.liquidity {
		return 0, 0, fmt.Errorf("fakeamm: decrease %d > liquidity %d", liquidity, pos.liquidity)
	}
	if liquidity == pos.liquidity {
		outA, outB = pos.heldA, pos.heldB
	} else {
		outA, err = fixedmath.MulDiv(pos.heldA, liquidity, pos.liquidity, false)
		if err != nil {
			return 0, 0, err
		}
		outB, err = fixedmath.MulDiv(pos.heldB, liquidity, pos.liquidity, false)
		if err != nil {
			return 0, 0, err
		}
	}
	pos.heldA -= outA
	pos.heldB -= outB
	pos.liquidity -= liquidity
	return outA, outB, nil
}

func (f *FakeAmm) ClosePosition(pool string, positionMint uuid.UUID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	p, pos, err := f.position(pool, positionMint)
	if err != nil {
		return err
	}
	if pos.liquidity != 0 {
		return fmt.Errorf("fakeamm: close with liquidity %d", pos.liquidity)
	}
	delete(p.positions, positionMint)
	return nil
}

func (f *FakeAmm) CollectFees(pool string, positionMint uuid.UUID) (feeA, feeB uint64, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, pos, err := f.position(pool, positionMint)
	if err != nil {
		return 0, 0, err
	}
	feeA, feeB = pos.feesA, pos.feesB
	pos.feesA, pos.feesB = 0, 0
	return feeA, feeB, nil
}

func (f *FakeAmm) Swap(pool string, aToB bool, amountIn uint64) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	p, err := f.pool(pool)
	if err != nil {
		return 0, err
	}
	if aToB {
		return fixedmath.MulDiv(amountIn, p.price, fixedmath.PriceScale, false)
	}
	return fixedmath.MulDiv(amountIn, fixedmath.PriceScale, p.price, false)
}

func (f *FakeAmm) PoolPrice(pool string) (uint64, int32, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	p, err := f.pool(pool)
	if err != nil {
		return 0, 0, err
	}
	return p.price, p.tick, nil
}

func (f *FakeAmm) PositionBalances(pool string, positionMint uuid.UUID) (uint64, uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, pos, err := f.position(pool, positionMint)
	if err != nil {
		return 0, 0, err
	}
	return pos.heldA, pos.heldB, nil
}

func (f *FakeAmm) CounterAmount(pool string, tickLower, tickUpper int32, side market.Side, amount uint64) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	p, err := f.pool(pool)
	if err != nil {
		return 0, err
	}
	if side == market.SideA {
		return fixedmath.MulDiv(amount, p.price, fixedmath.PriceScale, false)
	}
	return fixedmath.MulDiv(amount, fixedmath.PriceScale, p.price, false)
}

// FakeOracle serves fixed per-mint prices (USD per base unit, PriceScale).
type FakeOracle struct {
	mu     sync.Mutex
	prices map[string]uint64
}

func NewFakeOracle() *FakeOracle {
	return &FakeOracle{prices: make(map[string]uint64)}
}

// Set stores the price for a mint.
func (o *FakeOracle) Set(mint string, price uint64) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.prices[mint] = price
}

func (o *FakeOracle) Price(mint string) (uint64, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	p, ok := o.prices[mint]
	if !ok {
		return 0, fmt.Errorf("fakeoracle: no price for %s", mint)
	}
	return p, nil
}

// FakeRouter converts at the oracle's exact cross rate minus a settable
// haircut, and hands back a marker payload.
type FakeRouter struct {
	Oracle *FakeOracle

	// HaircutPercent shaves the output (HundredPercent scale).
	HaircutPercent uint32
}

func (r *FakeRouter) RouteSwap(fromMint, toMint string, amountIn uint64) (uint64, []byte, error) {
	fromPrice, err := r.Oracle.Price(fromMint)
	if err != nil {
		return 0, nil, err
	}
	toPrice, err := r.Oracle.Price(toMint)
	if err != nil {
		return 0, nil, err
	}
	value, err := fixedmath.MulDiv(amountIn, fromPrice, fixedmath.PriceScale, false)
	if err != nil {
		return 0, nil, err
	}
	out, err := fixedmath.MulDiv(value, fixedmath.PriceScale, toPrice, false)
	if err != nil {
		return 0, nil, err
	}
	if r.HaircutPercent != 0 {
		cut, err := fixedmath.PercentOf(out, r.HaircutPercent, true)
		if err != nil {
			return 0, nil, err
		}
		out -= cut
	}
	return out, []byte("route:" + fromMint + ">" + toMint), nil
}
