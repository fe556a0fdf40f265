package server

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"TunaEngine/internal/engine"
	"TunaEngine/internal/market"
	"TunaEngine/internal/position"
)

// ============================================================================
// Admin
// ============================================================================

type configJSON struct {
	AdminAuthority      uuid.UUID `json:"admin_authority"`
	LiquidatorAuthority uuid.UUID `json:"liquidator_authority"`
	FeeRecipient        uuid.UUID `json:"fee_recipient"`

	DefaultProtocolFee              uint32 `json:"default_protocol_fee"`
	DefaultProtocolFeeOnCollateral  uint32 `json:"default_protocol_fee_on_collateral"`
	DefaultMaxSwapSlippage          uint32 `json:"default_max_swap_slippage"`
	DefaultOracleDeviationThreshold uint32 `json:"default_oracle_deviation_threshold"`
}

func (s *Server) updateConfig(w http.ResponseWriter, r *http.Request) {
	auth, err := authority(r)
	if err != nil {
		s.writeJSON(w, http.StatusUnauthorized, map[string]string{"error": err.Error()})
		return
	}
	var req configJSON
	if err := decode(r, &req); err != nil {
		s.writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	cfg := market.Config{
		AdminAuthority:                  req.AdminAuthority,
		LiquidatorAuthority:             req.LiquidatorAuthority,
		FeeRecipient:                    req.FeeRecipient,
		DefaultProtocolFee:              req.DefaultProtocolFee,
		DefaultProtocolFeeOnCollateral:  req.DefaultProtocolFeeOnCollateral,
		DefaultMaxSwapSlippage:          req.DefaultMaxSwapSlippage,
		DefaultOracleDeviationThreshold: req.DefaultOracleDeviationThreshold,
	}
	if err := s.eng.UpdateConfig(auth, &cfg); err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type createVaultJSON struct {
	ID           string `json:"id"`
	PoolMint     string `json:"pool_mint"`
	InterestRate uint64 `json:"interest_rate"`
	SupplyLimit  uint64 `json:"supply_limit"`
}

func (s *Server) createVault(w http.ResponseWriter, r *http.Request) {
	auth, err := authority(r)
	if err != nil {
		s.writeJSON(w, http.StatusUnauthorized, map[string]string{"error": err.Error()})
		return
	}
	var req createVaultJSON
	if err := decode(r, &req); err != nil {
		s.writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	if err := s.eng.CreateVault(auth, req.ID, req.PoolMint, req.InterestRate, req.SupplyLimit); err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, map[string]string{"id": req.ID})
}

type updateVaultJSON struct {
	InterestRate uint64 `json:"interest_rate"`
	SupplyLimit  uint64 `json:"supply_limit"`
}

func (s *Server) updateVault(w http.ResponseWriter, r *http.Request) {
	auth, err := authority(r)
	if err != nil {
		s.writeJSON(w, http.StatusUnauthorized, map[string]string{"error": err.Error()})
		return
	}
	var req updateVaultJSON
	if err := decode(r, &req); err != nil {
		s.writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	if err := s.eng.UpdateVault(auth, chi.URLParam(r, "id"), req.InterestRate, req.SupplyLimit); err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type marketJSON struct {
	Pool        string `json:"pool"`
	MintA       string `json:"mint_a"`
	MintB       string `json:"mint_b"`
	MarketMaker uint8  `json:"market_maker"`
	Disabled    bool   `json:"disabled"`

	MaxLeverage uint64 `json:"max_leverage"`

	ProtocolFee             uint32 `json:"protocol_fee"`
	ProtocolFeeOnCollateral uint32 `json:"protocol_fee_on_collateral"`
	LiquidationFee          uint32 `json:"liquidation_fee"`
	LiquidationThreshold    uint32 `json:"liquidation_threshold"`
	LimitOrderExecutionFee  uint32 `json:"limit_order_execution_fee"`
	RebalanceProtocolFee    uint32 `json:"rebalance_protocol_fee"`

	BorrowLimitA uint64 `json:"borrow_limit_a"`
	BorrowLimitB uint64 `json:"borrow_limit_b"`

	SpotPositionSizeLimitA uint64 `json:"spot_position_size_limit_a"`
	SpotPositionSizeLimitB uint64 `json:"spot_position_size_limit_b"`

	OraclePriceDeviationThreshold uint32 `json:"oracle_price_deviation_threshold"`
	MaxSwapSlippage               uint32 `json:"max_swap_slippage"`

	BorrowedSharesA uint64 `json:"borrowed_shares_a,omitempty"`
	BorrowedSharesB uint64 `json:"borrowed_shares_b,omitempty"`

	AddressLookupTable string `json:"address_lookup_table,omitempty"`
}

func (j *marketJSON) toMarket() *market.Market {
	return &market.Market{
		Pool:                          j.Pool,
		MintA:                         j.MintA,
		MintB:                         j.MintB,
		MarketMaker:                   market.MarketMaker(j.MarketMaker),
		Disabled:                      j.Disabled,
		MaxLeverage:                   j.MaxLeverage,
		ProtocolFee:                   j.ProtocolFee,
		ProtocolFeeOnCollateral:       j.ProtocolFeeOnCollateral,
		LiquidationFee:                j.LiquidationFee,
		LiquidationThreshold:          j.LiquidationThreshold,
		LimitOrderExecutionFee:        j.LimitOrderExecutionFee,
		RebalanceProtocolFee:          j.RebalanceProtocolFee,
		BorrowLimitA:                  j.BorrowLimitA,
		BorrowLimitB:                  j.BorrowLimitB,
		SpotPositionSizeLimitA:        j.SpotPositionSizeLimitA,
		SpotPositionSizeLimitB:        j.SpotPositionSizeLimitB,
		OraclePriceDeviationThreshold: j.OraclePriceDeviationThreshold,
		MaxSwapSlippage:               j.MaxSwapSlippage,
		AddressLookupTable:            j.AddressLookupTable,
	}
}

func marketToJSON(m market.Market) marketJSON {
	return marketJSON{
		Pool:                          m.Pool,
		MintA:                         m.MintA,
		MintB:                         m.MintB,
		MarketMaker:                   uint8(m.MarketMaker),
		Disabled:                      m.Disabled,
		MaxLeverage:                   m.MaxLeverage,
		ProtocolFee:                   m.ProtocolFee,
		ProtocolFeeOnCollateral:       m.ProtocolFeeOnCollateral,
		LiquidationFee:                m.LiquidationFee,
		LiquidationThreshold:          m.LiquidationThreshold,
		LimitOrderExecutionFee:        m.LimitOrderExecutionFee,
		RebalanceProtocolFee:          m.RebalanceProtocolFee,
		BorrowLimitA:                  m.BorrowLimitA,
		BorrowLimitB:                  m.BorrowLimitB,
		SpotPositionSizeLimitA:        m.SpotPositionSizeLimitA,
		SpotPositionSizeLimitB:        m.SpotPositionSizeLimitB,
		OraclePriceDeviationThreshold: m.OraclePriceDeviationThreshold,
		MaxSwapSlippage:               m.MaxSwapSlippage,
		BorrowedSharesA:               m.BorrowedSharesA,
		BorrowedSharesB:               m.BorrowedSharesB,
		AddressLookupTable:            m.AddressLookupTable,
	}
}

func (s *Server) createMarket(w http.ResponseWriter, r *http.Request) {
	auth, err := authority(r)
	if err != nil {
		s.writeJSON(w, http.StatusUnauthorized, map[string]string{"error": err.Error()})
		return
	}
	var req marketJSON
	if err := decode(r, &req); err != nil {
		s.writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	if err := s.eng.CreateMarket(auth, req.toMarket()); err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, map[string]string{"pool": req.Pool})
}

func (s *Server) updateMarket(w http.ResponseWriter, r *http.Request) {
	auth, err := authority(r)
	if err != nil {
		s.writeJSON(w, http.StatusUnauthorized, map[string]string{"error": err.Error()})
		return
	}
	var req marketJSON
	if err := decode(r, &req); err != nil {
		s.writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	req.Pool = chi.URLParam(r, "pool")
	if err := s.eng.UpdateMarket(auth, req.toMarket()); err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// ============================================================================
// Queries
// ============================================================================

func (s *Server) getMarket(w http.ResponseWriter, r *http.Request) {
	m, err := s.eng.Market(chi.URLParam(r, "pool"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, marketToJSON(m))
}

type vaultJSON struct {
	ID               string `json:"id"`
	PoolMint         string `json:"pool_mint"`
	DepositedFunds   uint64 `json:"deposited_funds"`
	DepositedShares  uint64 `json:"deposited_shares"`
	BorrowedFunds    uint64 `json:"borrowed_funds"`
	BorrowedShares   uint64 `json:"borrowed_shares"`
	UnpaidDebtShares uint64 `json:"unpaid_debt_shares"`
	InterestRate     uint64 `json:"interest_rate"`
	SupplyLimit      uint64 `json:"supply_limit"`
}

func (s *Server) getVault(w http.ResponseWriter, r *http.Request) {
	v, err := s.eng.Vault(chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, vaultJSON{
		ID:               v.ID,
		PoolMint:         v.PoolMint,
		DepositedFunds:   v.DepositedFunds,
		DepositedShares:  v.DepositedShares,
		BorrowedFunds:    v.BorrowedFunds,
		BorrowedShares:   v.BorrowedShares,
		UnpaidDebtShares: v.UnpaidDebtShares,
		InterestRate:     v.InterestRate,
		SupplyLimit:      v.SupplyLimit,
	})
}

// ============================================================================
// Lending
// ============================================================================

type lendingAmountJSON struct {
	Funds  uint64 `json:"funds"`
	Shares uint64 `json:"shares,omitempty"`
}

func (s *Server) lendingDeposit(w http.ResponseWriter, r *http.Request) {
	auth, err := authority(r)
	if err != nil {
		s.writeJSON(w, http.StatusUnauthorized, map[string]string{"error": err.Error()})
		return
	}
	var req lendingAmountJSON
	if err := decode(r, &req); err != nil {
		s.writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	shares, err := s.eng.LendingDeposit(auth, chi.URLParam(r, "id"), req.Funds)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]uint64{"shares": shares})
}

func (s *Server) lendingWithdraw(w http.ResponseWriter, r *http.Request) {
	auth, err := authority(r)
	if err != nil {
		s.writeJSON(w, http.StatusUnauthorized, map[string]string{"error": err.Error()})
		return
	}
	var req lendingAmountJSON
	if err := decode(r, &req); err != nil {
		s.writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	paid, err := s.eng.LendingWithdraw(auth, chi.URLParam(r, "id"), req.Funds, req.Shares)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]uint64{"funds": paid})
}

func (s *Server) repayBadDebt(w http.ResponseWriter, r *http.Request) {
	auth, err := authority(r)
	if err != nil {
		s.writeJSON(w, http.StatusUnauthorized, map[string]string{"error": err.Error()})
		return
	}
	var req lendingAmountJSON
	if err := decode(r, &req); err != nil {
		s.writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	if err := s.eng.RepayBadDebt(auth, chi.URLParam(r, "id"), req.Funds, req.Shares); err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) getLendingPosition(w http.ResponseWriter, r *http.Request) {
	auth, err := authority(r)
	if err != nil {
		s.writeJSON(w, http.StatusUnauthorized, map[string]string{"error": err.Error()})
		return
	}
	pos, err := s.eng.LendingPosition(auth, chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"authority":        pos.Authority,
		"vault_id":         pos.VaultID,
		"pool_mint":        pos.PoolMint,
		"deposited_shares": pos.DepositedShares,
	})
}

func (s *Server) closeLendingPosition(w http.ResponseWriter, r *http.Request) {
	auth, err := authority(r)
	if err != nil {
		s.writeJSON(w, http.StatusUnauthorized, map[string]string{"error": err.Error()})
		return
	}
	if err := s.eng.CloseLendingPosition(auth, chi.URLParam(r, "id")); err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "closed"})
}

// ============================================================================
// Leveraged LP positions
// ============================================================================

type openLpJSON struct {
	Pool           string `json:"pool"`
	TickLowerIndex int32  `json:"tick_lower_index"`
	TickUpperIndex int32  `json:"tick_upper_index"`

	StopLossSwap   uint8 `json:"stop_loss_swap,omitempty"`
	TakeProfitSwap uint8 `json:"take_profit_swap,omitempty"`
	AutoCompound   uint8 `json:"auto_compound,omitempty"`
	AllowRebalance bool  `json:"allow_rebalance,omitempty"`

	TickStopLossIndex   *int32 `json:"tick_stop_loss_index,omitempty"`
	TickTakeProfitIndex *int32 `json:"tick_take_profit_index,omitempty"`
}

func (s *Server) openLp(w http.ResponseWriter, r *http.Request) {
	auth, err := authority(r)
	if err != nil {
		s.writeJSON(w, http.StatusUnauthorized, map[string]string{"error": err.Error()})
		return
	}
	var req openLpJSON
	if err := decode(r, &req); err != nil {
		s.writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	flags, err := flagsFromJSON(req.StopLossSwap, req.TakeProfitSwap, req.AutoCompound, req.AllowRebalance)
	if err != nil {
		s.writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	mint, err := s.eng.OpenLp(auth, engine.OpenLpParams{
		Pool:                req.Pool,
		TickLowerIndex:      req.TickLowerIndex,
		TickUpperIndex:      req.TickUpperIndex,
		Flags:               flags,
		TickStopLossIndex:   req.TickStopLossIndex,
		TickTakeProfitIndex: req.TickTakeProfitIndex,
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, map[string]string{"position_mint": mint.String()})
}

func (s *Server) lpMint(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	mint, err := uuid.Parse(chi.URLParam(r, "mint"))
	if err != nil {
		s.writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid position mint"})
		return uuid.UUID{}, false
	}
	return mint, true
}

type lpPositionJSON struct {
	Authority    uuid.UUID `json:"authority"`
	Pool         string    `json:"pool"`
	PositionMint uuid.UUID `json:"position_mint"`

	TickLowerIndex int32 `json:"tick_lower_index"`
	TickUpperIndex int32 `json:"tick_upper_index"`

	Liquidity   uint64 `json:"liquidity"`
	LeftoversA  uint64 `json:"leftovers_a"`
	LeftoversB  uint64 `json:"leftovers_b"`
	LoanSharesA uint64 `json:"loan_shares_a"`
	LoanSharesB uint64 `json:"loan_shares_b"`

	TickStopLossIndex   *int32 `json:"tick_stop_loss_index,omitempty"`
	TickTakeProfitIndex *int32 `json:"tick_take_profit_index,omitempty"`

	State string `json:"state"`
}

func (s *Server) getLp(w http.ResponseWriter, r *http.Request) {
	mint, ok := s.lpMint(w, r)
	if !ok {
		return
	}
	pos, err := s.eng.LpPosition(mint)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, lpPositionJSON{
		Authority:           pos.Authority,
		Pool:                pos.Pool,
		PositionMint:        pos.PositionMint,
		TickLowerIndex:      pos.TickLowerIndex,
		TickUpperIndex:      pos.TickUpperIndex,
		Liquidity:           pos.Liquidity,
		LeftoversA:          pos.LeftoversA,
		LeftoversB:          pos.LeftoversB,
		LoanSharesA:         pos.LoanSharesA,
		LoanSharesB:         pos.LoanSharesB,
		TickStopLossIndex:   pos.TickStopLossIndex,
		TickTakeProfitIndex: pos.TickTakeProfitIndex,
		State:               pos.State.String(),
	})
}

type healthJSON struct {
	AssetValue uint64 `json:"asset_value"`
	DebtValue  uint64 `json:"debt_value"`
	Healthy    bool   `json:"healthy"`
}

func (s *Server) lpHealth(w http.ResponseWriter, r *http.Request) {
	mint, ok := s.lpMint(w, r)
	if !ok {
		return
	}
	asset, debt, healthy, err := s.eng.LpHealth(mint)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, healthJSON{AssetValue: asset, DebtValue: debt, Healthy: healthy})
}

type increaseLpJSON struct {
	CollateralA uint64     `json:"collateral_a"`
	CollateralB uint64     `json:"collateral_b"`
	BorrowA     amountJSON `json:"borrow_a"`
	BorrowB     amountJSON `json:"borrow_b"`
}

func (s *Server) increaseLp(w http.ResponseWriter, r *http.Request) {
	auth, err := authority(r)
	if err != nil {
		s.writeJSON(w, http.StatusUnauthorized, map[string]string{"error": err.Error()})
		return
	}
	mint, ok := s.lpMint(w, r)
	if !ok {
		return
	}
	var req increaseLpJSON
	if err := decode(r, &req); err != nil {
		s.writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	res, err := s.eng.IncreaseLp(auth, mint, engine.IncreaseLpParams{
		CollateralA: req.CollateralA,
		CollateralB: req.CollateralB,
		BorrowA:     req.BorrowA.toAmount(),
		BorrowB:     req.BorrowB.toAmount(),
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]uint64{
		"borrowed_a":      res.BorrowedA,
		"borrowed_b":      res.BorrowedB,
		"fee_a":           res.FeeA,
		"fee_b":           res.FeeB,
		"liquidity_added": res.LiquidityAdded,
	})
}

type decreaseLpJSON struct {
	Percent uint32 `json:"percent"`
	SwapTo  uint8  `json:"swap_to,omitempty"`
	MinA    uint64 `json:"min_a,omitempty"`
	MinB    uint64 `json:"min_b,omitempty"`
}

func lpOutcomeJSON(out engine.LpDecreaseOutcome) map[string]uint64 {
	return map[string]uint64{
		"repaid_a":          out.RepaidA(),
		"repaid_b":          out.RepaidB(),
		"returned_a":        out.ReturnedA(),
		"returned_b":        out.ReturnedB(),
		"fee_a":             out.FeeA(),
		"fee_b":             out.FeeB(),
		"bad_debt_shares_a": out.BadDebtSharesA(),
		"bad_debt_shares_b": out.BadDebtSharesB(),
	}
}

func (s *Server) decreaseLp(w http.ResponseWriter, r *http.Request) {
	auth, err := authority(r)
	if err != nil {
		s.writeJSON(w, http.StatusUnauthorized, map[string]string{"error": err.Error()})
		return
	}
	mint, ok := s.lpMint(w, r)
	if !ok {
		return
	}
	var req decreaseLpJSON
	if err := decode(r, &req); err != nil {
		s.writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	if req.SwapTo > uint8(position.SwapTargetTokenB) {
		s.writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid swap target"})
		return
	}
	out, err := s.eng.DecreaseLp(auth, mint, engine.DecreaseLpParams{
		Percent: req.Percent,
		SwapTo:  position.SwapTarget(req.SwapTo),
		MinA:    req.MinA,
		MinB:    req.MinB,
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, lpOutcomeJSON(out))
}

type collectFeesJSON struct {
	Compound bool `json:"compound"`
}

func (s *Server) collectLpFees(w http.ResponseWriter, r *http.Request) {
	auth, err := authority(r)
	if err != nil {
		s.writeJSON(w, http.StatusUnauthorized, map[string]string{"error": err.Error()})
		return
	}
	mint, ok := s.lpMint(w, r)
	if !ok {
		return
	}
	var req collectFeesJSON
	if err := decode(r, &req); err != nil {
		s.writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	feeA, feeB, err := s.eng.CollectLpFees(auth, mint, req.Compound)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]uint64{"fee_a": feeA, "fee_b": feeB})
}

func (s *Server) rebalanceLp(w http.ResponseWriter, r *http.Request) {
	auth, err := authority(r)
	if err != nil {
		s.writeJSON(w, http.StatusUnauthorized, map[string]string{"error": err.Error()})
		return
	}
	mint, ok := s.lpMint(w, r)
	if !ok {
		return
	}
	if err := s.eng.RebalanceLp(auth, mint); err != nil {
		s.writeError(w, r, err)
		return
	}
	pos, err := s.eng.LpPosition(mint)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]int32{
		"tick_lower_index": pos.TickLowerIndex,
		"tick_upper_index": pos.TickUpperIndex,
	})
}

type lpLimitOrdersJSON struct {
	TickStopLossIndex   *int32 `json:"tick_stop_loss_index,omitempty"`
	TickTakeProfitIndex *int32 `json:"tick_take_profit_index,omitempty"`
	StopLossSwap        uint8  `json:"stop_loss_swap,omitempty"`
	TakeProfitSwap      uint8  `json:"take_profit_swap,omitempty"`
	AutoCompound        uint8  `json:"auto_compound,omitempty"`
	AllowRebalance      bool   `json:"allow_rebalance,omitempty"`
}

func (s *Server) setLpLimitOrders(w http.ResponseWriter, r *http.Request) {
	auth, err := authority(r)
	if err != nil {
		s.writeJSON(w, http.StatusUnauthorized, map[string]string{"error": err.Error()})
		return
	}
	mint, ok := s.lpMint(w, r)
	if !ok {
		return
	}
	var req lpLimitOrdersJSON
	if err := decode(r, &req); err != nil {
		s.writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	flags, err := flagsFromJSON(req.StopLossSwap, req.TakeProfitSwap, req.AutoCompound, req.AllowRebalance)
	if err != nil {
		s.writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	if err := s.eng.SetLpLimitOrders(auth, mint, req.TickStopLossIndex, req.TickTakeProfitIndex, flags); err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) executeLpLimitOrder(w http.ResponseWriter, r *http.Request) {
	auth, err := authority(r)
	if err != nil {
		s.writeJSON(w, http.StatusUnauthorized, map[string]string{"error": err.Error()})
		return
	}
	mint, ok := s.lpMint(w, r)
	if !ok {
		return
	}
	if err := s.eng.ExecuteLpLimitOrder(auth, mint); err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "executed"})
}

type liquidateLpJSON struct {
	Percent   uint32 `json:"percent"`
	UseRouter bool   `json:"use_router,omitempty"`
}

func (s *Server) liquidateLp(w http.ResponseWriter, r *http.Request) {
	auth, err := authority(r)
	if err != nil {
		s.writeJSON(w, http.StatusUnauthorized, map[string]string{"error": err.Error()})
		return
	}
	mint, ok := s.lpMint(w, r)
	if !ok {
		return
	}
	var req liquidateLpJSON
	if err := decode(r, &req); err != nil {
		s.writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	out, err := s.eng.LiquidateLp(auth, mint, engine.LiquidateLpParams{
		Percent:   req.Percent,
		UseRouter: req.UseRouter,
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, lpOutcomeJSON(out))
}

func (s *Server) closeLp(w http.ResponseWriter, r *http.Request) {
	auth, err := authority(r)
	if err != nil {
		s.writeJSON(w, http.StatusUnauthorized, map[string]string{"error": err.Error()})
		return
	}
	mint, ok := s.lpMint(w, r)
	if !ok {
		return
	}
	if err := s.eng.CloseLpPosition(auth, mint); err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "closed"})
}

// ============================================================================
// Leveraged spot positions
// ============================================================================

type openSpotJSON struct {
	Pool            string `json:"pool"`
	PositionToken   uint8  `json:"position_token"`
	CollateralToken uint8  `json:"collateral_token"`

	StopLossSwap   uint8 `json:"stop_loss_swap,omitempty"`
	TakeProfitSwap uint8 `json:"take_profit_swap,omitempty"`
	AutoCompound   uint8 `json:"auto_compound,omitempty"`

	LowerLimitPrice *uint64 `json:"lower_limit_price,omitempty"`
	UpperLimitPrice *uint64 `json:"upper_limit_price,omitempty"`
}

func (s *Server) openSpot(w http.ResponseWriter, r *http.Request) {
	auth, err := authority(r)
	if err != nil {
		s.writeJSON(w, http.StatusUnauthorized, map[string]string{"error": err.Error()})
		return
	}
	var req openSpotJSON
	if err := decode(r, &req); err != nil {
		s.writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	if req.PositionToken > uint8(market.SideB) || req.CollateralToken > uint8(market.SideB) {
		s.writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid side"})
		return
	}
	flags, err := flagsFromJSON(req.StopLossSwap, req.TakeProfitSwap, req.AutoCompound, false)
	if err != nil {
		s.writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	if err := s.eng.OpenSpot(auth, engine.OpenSpotParams{
		Pool:            req.Pool,
		PositionToken:   market.Side(req.PositionToken),
		CollateralToken: market.Side(req.CollateralToken),
		Flags:           flags,
		LowerLimitPrice: req.LowerLimitPrice,
		UpperLimitPrice: req.UpperLimitPrice,
	}); err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, map[string]string{"pool": req.Pool})
}

type spotPositionJSON struct {
	Authority uuid.UUID `json:"authority"`
	Pool      string    `json:"pool"`

	PositionToken   string `json:"position_token"`
	CollateralToken string `json:"collateral_token"`

	Amount     uint64 `json:"amount"`
	LoanShares uint64 `json:"loan_shares"`
	EntryPrice uint64 `json:"entry_price"`

	LowerLimitPrice *uint64 `json:"lower_limit_price,omitempty"`
	UpperLimitPrice *uint64 `json:"upper_limit_price,omitempty"`

	State string `json:"state"`
}

func (s *Server) getSpot(w http.ResponseWriter, r *http.Request) {
	auth, err := authority(r)
	if err != nil {
		s.writeJSON(w, http.StatusUnauthorized, map[string]string{"error": err.Error()})
		return
	}
	pos, err := s.eng.SpotPosition(auth, chi.URLParam(r, "pool"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, spotPositionJSON{
		Authority:       pos.Authority,
		Pool:            pos.Pool,
		PositionToken:   pos.PositionToken.String(),
		CollateralToken: pos.CollateralToken.String(),
		Amount:          pos.Amount,
		LoanShares:      pos.LoanShares,
		EntryPrice:      pos.EntryPrice,
		LowerLimitPrice: pos.LowerLimitPrice,
		UpperLimitPrice: pos.UpperLimitPrice,
		State:           pos.State.String(),
	})
}

// spotOwner resolves the position owner: the "owner" query parameter when
// present (health checks and keeper flows), the caller otherwise.
func (s *Server) spotOwner(r *http.Request) (uuid.UUID, error) {
	if raw := r.URL.Query().Get("owner"); raw != "" {
		return uuid.Parse(raw)
	}
	return authority(r)
}

func (s *Server) spotHealth(w http.ResponseWriter, r *http.Request) {
	owner, err := s.spotOwner(r)
	if err != nil {
		s.writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	asset, debt, healthy, err := s.eng.SpotHealth(owner, chi.URLParam(r, "pool"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, healthJSON{AssetValue: asset, DebtValue: debt, Healthy: healthy})
}

type increaseSpotJSON struct {
	Collateral uint64     `json:"collateral"`
	Borrow     amountJSON `json:"borrow"`
}

func (s *Server) increaseSpot(w http.ResponseWriter, r *http.Request) {
	auth, err := authority(r)
	if err != nil {
		s.writeJSON(w, http.StatusUnauthorized, map[string]string{"error": err.Error()})
		return
	}
	var req increaseSpotJSON
	if err := decode(r, &req); err != nil {
		s.writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	res, err := s.eng.IncreaseSpot(auth, chi.URLParam(r, "pool"), engine.IncreaseSpotParams{
		Collateral: req.Collateral,
		Borrow:     req.Borrow.toAmount(),
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]uint64{
		"borrowed":       res.Borrowed,
		"collateral_fee": res.CollateralFee,
		"borrow_fee":     res.BorrowFee,
		"size_added":     res.SizeAdded,
	})
}

type decreaseSpotJSON struct {
	Percent     uint32 `json:"percent"`
	MinReceived uint64 `json:"min_received,omitempty"`
}

func spotOutcomeJSON(out engine.SpotUnwindOutcome) map[string]uint64 {
	return map[string]uint64{
		"sold":            out.Sold(),
		"repaid":          out.Repaid(),
		"fee":             out.Fee(),
		"returned":        out.Returned(),
		"bad_debt_shares": out.BadDebtShares(),
	}
}

func (s *Server) decreaseSpot(w http.ResponseWriter, r *http.Request) {
	auth, err := authority(r)
	if err != nil {
		s.writeJSON(w, http.StatusUnauthorized, map[string]string{"error": err.Error()})
		return
	}
	var req decreaseSpotJSON
	if err := decode(r, &req); err != nil {
		s.writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	out, err := s.eng.DecreaseSpot(auth, chi.URLParam(r, "pool"), engine.DecreaseSpotParams{
		Percent:     req.Percent,
		MinReceived: req.MinReceived,
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, spotOutcomeJSON(out))
}

type spotLimitOrdersJSON struct {
	LowerLimitPrice *uint64 `json:"lower_limit_price,omitempty"`
	UpperLimitPrice *uint64 `json:"upper_limit_price,omitempty"`
	StopLossSwap    uint8   `json:"stop_loss_swap,omitempty"`
	TakeProfitSwap  uint8   `json:"take_profit_swap,omitempty"`
	AutoCompound    uint8   `json:"auto_compound,omitempty"`
}

func (s *Server) setSpotLimitOrders(w http.ResponseWriter, r *http.Request) {
	auth, err := authority(r)
	if err != nil {
		s.writeJSON(w, http.StatusUnauthorized, map[string]string{"error": err.Error()})
		return
	}
	var req spotLimitOrdersJSON
	if err := decode(r, &req); err != nil {
		s.writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	flags, err := flagsFromJSON(req.StopLossSwap, req.TakeProfitSwap, req.AutoCompound, false)
	if err != nil {
		s.writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	if err := s.eng.SetSpotLimitOrders(auth, chi.URLParam(r, "pool"), req.LowerLimitPrice, req.UpperLimitPrice, flags); err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type spotOwnerJSON struct {
	Owner uuid.UUID `json:"owner"`
}

func (s *Server) executeSpotLimitOrder(w http.ResponseWriter, r *http.Request) {
	auth, err := authority(r)
	if err != nil {
		s.writeJSON(w, http.StatusUnauthorized, map[string]string{"error": err.Error()})
		return
	}
	var req spotOwnerJSON
	if err := decode(r, &req); err != nil {
		s.writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	if err := s.eng.ExecuteSpotLimitOrder(auth, req.Owner, chi.URLParam(r, "pool")); err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "executed"})
}

type liquidateSpotJSON struct {
	Owner   uuid.UUID `json:"owner"`
	Percent uint32    `json:"percent"`
}

func (s *Server) liquidateSpot(w http.ResponseWriter, r *http.Request) {
	auth, err := authority(r)
	if err != nil {
		s.writeJSON(w, http.StatusUnauthorized, map[string]string{"error": err.Error()})
		return
	}
	var req liquidateSpotJSON
	if err := decode(r, &req); err != nil {
		s.writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	out, err := s.eng.LiquidateSpot(auth, req.Owner, chi.URLParam(r, "pool"), req.Percent)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, spotOutcomeJSON(out))
}

func (s *Server) closeSpot(w http.ResponseWriter, r *http.Request) {
	auth, err := authority(r)
	if err != nil {
		s.writeJSON(w, http.StatusUnauthorized, map[string]string{"error": err.Error()})
		return
	}
	if err := s.eng.CloseSpotPosition(auth, chi.URLParam(r, "pool")); err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "closed"})
}
