package persistence

import (
	"context"
	"database/sql"
	"fmt"

	"TunaEngine/internal/engine"
	"TunaEngine/internal/market"
	"TunaEngine/internal/position"
	"TunaEngine/internal/vault"
)

// StateStore mirrors engine state to Postgres so a restart can reload it
// instead of replaying the whole event log. The mirror is written whole, in
// one transaction, from an engine snapshot; individual rows are never
// updated out of band.
type StateStore struct {
	db *sql.DB
}

func NewStateStore(db *sql.DB) *StateStore {
	return &StateStore{db: db}
}

// Save upserts every record of a snapshot and deletes rows for records the
// engine no longer holds (closed positions).
func (s *StateStore) Save(ctx context.Context, snap *engine.Snapshot) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if err := s.saveVaults(ctx, tx, snap.Vaults); err != nil {
		return fmt.Errorf("save vaults: %w", err)
	}
	if err := s.saveMarkets(ctx, tx, snap.Markets); err != nil {
		return fmt.Errorf("save markets: %w", err)
	}
	if err := s.saveLending(ctx, tx, snap.Lending); err != nil {
		return fmt.Errorf("save lending positions: %w", err)
	}
	if err := s.saveLps(ctx, tx, snap.Lps); err != nil {
		return fmt.Errorf("save lp positions: %w", err)
	}
	if err := s.saveSpots(ctx, tx, snap.Spots); err != nil {
		return fmt.Errorf("save spot positions: %w", err)
	}

	return tx.Commit()
}

// Load reads the full state mirror. The sequence comes from the event log,
// not the mirror, so it is set by the caller.
func (s *StateStore) Load(ctx context.Context) (*engine.Snapshot, error) {
	snap := &engine.Snapshot{}

	var err error
	if snap.Vaults, err = s.loadVaults(ctx); err != nil {
		return nil, fmt.Errorf("load vaults: %w", err)
	}
	if snap.Markets, err = s.loadMarkets(ctx); err != nil {
		return nil, fmt.Errorf("load markets: %w", err)
	}
	if snap.Lending, err = s.loadLending(ctx); err != nil {
		return nil, fmt.Errorf("load lending positions: %w", err)
	}
	if snap.Lps, err = s.loadLps(ctx); err != nil {
		return nil, fmt.Errorf("load lp positions: %w", err)
	}
	if snap.Spots, err = s.loadSpots(ctx); err != nil {
		return nil, fmt.Errorf("load spot positions: %w", err)
	}
	return snap, nil
}

func (s *StateStore) saveVaults(ctx context.Context, tx *sql.Tx, vaults []vault.Vault) error {
	if _, err := tx.ExecContext(ctx, `DELETE FROM state.vaults`); err != nil {
		return err
	}
	for _, v := range vaults {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO state.vaults
				(id, pool_mint, deposited_funds, deposited_shares, borrowed_funds,
				 borrowed_shares, unpaid_debt_shares, interest_rate, supply_limit,
				 last_update_timestamp)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		`, v.ID, v.PoolMint, int64(v.DepositedFunds), int64(v.DepositedShares),
			int64(v.BorrowedFunds), int64(v.BorrowedShares), int64(v.UnpaidDebtShares),
			int64(v.InterestRate), int64(v.SupplyLimit), v.LastUpdateTimestamp)
		if err != nil {
			return err
		}
	}
	return nil
}

func (s *StateStore) loadVaults(ctx context.Context) ([]vault.Vault, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, pool_mint, deposited_funds, deposited_shares, borrowed_funds,
		       borrowed_shares, unpaid_debt_shares, interest_rate, supply_limit,
		       last_update_timestamp
		FROM state.vaults
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var vaults []vault.Vault
	for rows.Next() {
		var v vault.Vault
		var depF, depS, borF, borS, unpaid, rate, limit int64
		if err := rows.Scan(&v.ID, &v.PoolMint, &depF, &depS, &borF, &borS, &unpaid, &rate, &limit, &v.LastUpdateTimestamp); err != nil {
			return nil, err
		}
		v.DepositedFunds = uint64(depF)
		v.DepositedShares = uint64(depS)
		v.BorrowedFunds = uint64(borF)
		v.BorrowedShares = uint64(borS)
		v.UnpaidDebtShares = uint64(unpaid)
		v.InterestRate = uint64(rate)
		v.SupplyLimit = uint64(limit)
		vaults = append(vaults, v)
	}
	return vaults, rows.Err()
}

func (s *StateStore) saveMarkets(ctx context.Context, tx *sql.Tx, markets []market.Market) error {
	if _, err := tx.ExecContext(ctx, `DELETE FROM state.markets`); err != nil {
		return err
	}
	for _, m := range markets {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO state.markets
				(pool, mint_a, mint_b, market_maker, disabled, max_leverage,
				 protocol_fee, protocol_fee_on_collateral, liquidation_fee,
				 liquidation_threshold, limit_order_execution_fee, rebalance_protocol_fee,
				 borrow_limit_a, borrow_limit_b, spot_size_limit_a, spot_size_limit_b,
				 oracle_deviation_threshold, max_swap_slippage,
				 borrowed_shares_a, borrowed_shares_b, address_lookup_table)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20, $21)
		`, m.Pool, m.MintA, m.MintB, int16(m.MarketMaker), m.Disabled, int64(m.MaxLeverage),
			int64(m.ProtocolFee), int64(m.ProtocolFeeOnCollateral), int64(m.LiquidationFee),
			int64(m.LiquidationThreshold), int64(m.LimitOrderExecutionFee), int64(m.RebalanceProtocolFee),
			int64(m.BorrowLimitA), int64(m.BorrowLimitB), int64(m.SpotPositionSizeLimitA), int64(m.SpotPositionSizeLimitB),
			int64(m.OraclePriceDeviationThreshold), int64(m.MaxSwapSlippage),
			int64(m.BorrowedSharesA), int64(m.BorrowedSharesB), m.AddressLookupTable)
		if err != nil {
			return err
		}
	}
	return nil
}

func (s *StateStore) loadMarkets(ctx context.Context) ([]market.Market, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT pool, mint_a, mint_b, market_maker, disabled, max_leverage,
		       protocol_fee, protocol_fee_on_collateral, liquidation_fee,
		       liquidation_threshold, limit_order_execution_fee, rebalance_protocol_fee,
		       borrow_limit_a, borrow_limit_b, spot_size_limit_a, spot_size_limit_b,
		       oracle_deviation_threshold, max_swap_slippage,
		       borrowed_shares_a, borrowed_shares_b, address_lookup_table
		FROM state.markets
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var markets []market.Market
	for rows.Next() {
		var m market.Market
		var mm int16
		var maxLev, pf, pfc, lf, lt, loef, rpf, bla, blb, sla, slb, odt, mss, bsa, bsb int64
		if err := rows.Scan(&m.Pool, &m.MintA, &m.MintB, &mm, &m.Disabled, &maxLev,
			&pf, &pfc, &lf, &lt, &loef, &rpf, &bla, &blb, &sla, &slb, &odt, &mss,
			&bsa, &bsb, &m.AddressLookupTable); err != nil {
			return nil, err
		}
		m.MarketMaker = market.MarketMaker(mm)
		m.MaxLeverage = uint64(maxLev)
		m.ProtocolFee = uint32(pf)
		m.ProtocolFeeOnCollateral = uint32(pfc)
		m.LiquidationFee = uint32(lf)
		m.LiquidationThreshold = uint32(lt)
		m.LimitOrderExecutionFee = uint32(loef)
		m.RebalanceProtocolFee = uint32(rpf)
		m.BorrowLimitA = uint64(bla)
		m.BorrowLimitB = uint64(blb)
		m.SpotPositionSizeLimitA = uint64(sla)
		m.SpotPositionSizeLimitB = uint64(slb)
		m.OraclePriceDeviationThreshold = uint32(odt)
		m.MaxSwapSlippage = uint32(mss)
		m.BorrowedSharesA = uint64(bsa)
		m.BorrowedSharesB = uint64(bsb)
		markets = append(markets, m)
	}
	return markets, rows.Err()
}

func (s *StateStore) saveLending(ctx context.Context, tx *sql.Tx, lending []vault.LendingPosition) error {
	if _, err := tx.ExecContext(ctx, `DELETE FROM state.lending_positions`); err != nil {
		return err
	}
	for _, l := range lending {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO state.lending_positions (authority, vault_id, pool_mint, deposited_shares)
			VALUES ($1, $2, $3, $4)
		`, l.Authority, l.VaultID, l.PoolMint, int64(l.DepositedShares))
		if err != nil {
			return err
		}
	}
	return nil
}

func (s *StateStore) loadLending(ctx context.Context) ([]vault.LendingPosition, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT authority, vault_id, pool_mint, deposited_shares FROM state.lending_positions
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var lending []vault.LendingPosition
	for rows.Next() {
		var l vault.LendingPosition
		var shares int64
		if err := rows.Scan(&l.Authority, &l.VaultID, &l.PoolMint, &shares); err != nil {
			return nil, err
		}
		l.DepositedShares = uint64(shares)
		lending = append(lending, l)
	}
	return lending, rows.Err()
}

func (s *StateStore) saveLps(ctx context.Context, tx *sql.Tx, lps []position.LpPosition) error {
	if _, err := tx.ExecContext(ctx, `DELETE FROM state.lp_positions`); err != nil {
		return err
	}
	for _, p := range lps {
		var stopLoss, takeProfit sql.NullInt32
		if p.TickStopLossIndex != nil {
			stopLoss = sql.NullInt32{Int32: *p.TickStopLossIndex, Valid: true}
		}
		if p.TickTakeProfitIndex != nil {
			takeProfit = sql.NullInt32{Int32: *p.TickTakeProfitIndex, Valid: true}
		}
		_, err := tx.ExecContext(ctx, `
			INSERT INTO state.lp_positions
				(position_mint, authority, pool, mint_a, mint_b,
				 tick_lower, tick_upper, liquidity, leftovers_a, leftovers_b,
				 loan_shares_a, loan_shares_b, flags, tick_stop_loss, tick_take_profit,
				 amm_closed, state)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17)
		`, p.PositionMint, p.Authority, p.Pool, p.MintA, p.MintB,
			p.TickLowerIndex, p.TickUpperIndex, int64(p.Liquidity), int64(p.LeftoversA), int64(p.LeftoversB),
			int64(p.LoanSharesA), int64(p.LoanSharesB), int16(p.Flags.Pack()), stopLoss, takeProfit,
			p.AmmClosed, int32(p.State))
		if err != nil {
			return err
		}
	}
	return nil
}

func (s *StateStore) loadLps(ctx context.Context) ([]position.LpPosition, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT position_mint, authority, pool, mint_a, mint_b,
		       tick_lower, tick_upper, liquidity, leftovers_a, leftovers_b,
		       loan_shares_a, loan_shares_b, flags, tick_stop_loss, tick_take_profit,
		       amm_closed, state
		FROM state.lp_positions
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var lps []position.LpPosition
	for rows.Next() {
		var p position.LpPosition
		var liq, lftA, lftB, lsA, lsB int64
		var flags int16
		var state int32
		var stopLoss, takeProfit sql.NullInt32
		if err := rows.Scan(&p.PositionMint, &p.Authority, &p.Pool, &p.MintA, &p.MintB,
			&p.TickLowerIndex, &p.TickUpperIndex, &liq, &lftA, &lftB,
			&lsA, &lsB, &flags, &stopLoss, &takeProfit, &p.AmmClosed, &state); err != nil {
			return nil, err
		}
		p.Liquidity = uint64(liq)
		p.LeftoversA = uint64(lftA)
		p.LeftoversB = uint64(lftB)
		p.LoanSharesA = uint64(lsA)
		p.LoanSharesB = uint64(lsB)
		if p.Flags, err = position.UnpackFlags(uint8(flags)); err != nil {
			return nil, err
		}
		if stopLoss.Valid {
			v := stopLoss.Int32
			p.TickStopLossIndex = &v
		}
		if takeProfit.Valid {
			v := takeProfit.Int32
			p.TickTakeProfitIndex = &v
		}
		p.State = position.State(state)
		lps = append(lps, p)
	}
	return lps, rows.Err()
}

func (s *StateStore) saveSpots(ctx context.Context, tx *sql.Tx, spots []position.SpotPosition) error {
	if _, err := tx.ExecContext(ctx, `DELETE FROM state.spot_positions`); err != nil {
		return err
	}
	for _, p := range spots {
		var lower, upper sql.NullInt64
		if p.LowerLimitPrice != nil {
			lower = sql.NullInt64{Int64: int64(*p.LowerLimitPrice), Valid: true}
		}
		if p.UpperLimitPrice != nil {
			upper = sql.NullInt64{Int64: int64(*p.UpperLimitPrice), Valid: true}
		}
		_, err := tx.ExecContext(ctx, `
			INSERT INTO state.spot_positions
				(authority, pool, position_token, collateral_token, amount,
				 loan_shares, entry_price, lower_limit_price, upper_limit_price,
				 flags, state)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		`, p.Authority, p.Pool, int16(p.PositionToken), int16(p.CollateralToken), int64(p.Amount),
			int64(p.LoanShares), int64(p.EntryPrice), lower, upper,
			int16(p.Flags.Pack()), int32(p.State))
		if err != nil {
			return err
		}
	}
	return nil
}

func (s *StateStore) loadSpots(ctx context.Context) ([]position.SpotPosition, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT authority, pool, position_token, collateral_token, amount,
		       loan_shares, entry_price, lower_limit_price, upper_limit_price,
		       flags, state
		FROM state.spot_positions
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var spots []position.SpotPosition
	for rows.Next() {
		var p position.SpotPosition
		var posTok, colTok, flags int16
		var amount, loanShares, entry int64
		var lower, upper sql.NullInt64
		var state int32
		if err := rows.Scan(&p.Authority, &p.Pool, &posTok, &colTok, &amount,
			&loanShares, &entry, &lower, &upper, &flags, &state); err != nil {
			return nil, err
		}
		p.PositionToken = market.Side(posTok)
		p.CollateralToken = market.Side(colTok)
		p.Amount = uint64(amount)
		p.LoanShares = uint64(loanShares)
		p.EntryPrice = uint64(entry)
		if lower.Valid {
			v := uint64(lower.Int64)
			p.LowerLimitPrice = &v
		}
		if upper.Valid {
			v := uint64(upper.Int64)
			p.UpperLimitPrice = &v
		}
		if p.Flags, err = position.UnpackFlags(uint8(flags)); err != nil {
			return nil, err
		}
		p.State = position.State(state)
		spots = append(spots, p)
	}
	return spots, rows.Err()
}
