// Package amm delegates pool-side execution to the AMM gateway service over
// NATS request/reply. The engine stays a pure accounting core: tick math,
// swap routing against the chain, and position NFT handling all live in the
// gateway, one deployment per market maker.
package amm

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"

	"TunaEngine/internal/market"
)

// Client implements the engine's AmmAdapter against a gateway listening on
// tuna.amm.{backend}.{op}. One Client per market maker backend.
type Client struct {
	nc      *nats.Conn
	backend string
	timeout time.Duration
	log     zerolog.Logger
}

func NewClient(nc *nats.Conn, backend string, timeout time.Duration, log zerolog.Logger) *Client {
	return &Client{nc: nc, backend: backend, timeout: timeout, log: log}
}

// wireResponse is the gateway's reply envelope. A non-empty error means the
// pool-side operation was rejected; result carries the op-specific payload.
type wireResponse struct {
	Error  string          `json:"error,omitempty"`
	Result json.RawMessage `json:"result,omitempty"`
}

func (c *Client) call(op string, req, result interface{}) error {
	data, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("amm %s: marshal request: %w", op, err)
	}

	subject := fmt.Sprintf("tuna.amm.%s.%s", c.backend, op)
	msg, err := c.nc.Request(subject, data, c.timeout)
	if err != nil {
		return fmt.Errorf("amm %s: %w", op, err)
	}

	var resp wireResponse
	if err := json.Unmarshal(msg.Data, &resp); err != nil {
		return fmt.Errorf("amm %s: bad reply: %w", op, err)
	}
	if resp.Error != "" {
		return fmt.Errorf("amm %s: %s", op, resp.Error)
	}
	if result != nil {
		if err := json.Unmarshal(resp.Result, result); err != nil {
			return fmt.Errorf("amm %s: bad result: %w", op, err)
		}
	}
	return nil
}

type positionRequest struct {
	Pool         string `json:"pool"`
	PositionMint string `json:"position_mint"`
	TickLower    int32  `json:"tick_lower,omitempty"`
	TickUpper    int32  `json:"tick_upper,omitempty"`
}

func (c *Client) OpenPosition(pool string, positionMint uuid.UUID, tickLower, tickUpper int32) error {
	return c.call("open_position", positionRequest{
		Pool:         pool,
		PositionMint: positionMint.String(),
		TickLower:    tickLower,
		TickUpper:    tickUpper,
	}, nil)
}

func (c *Client) IncreaseLiquidity(pool string, positionMint uuid.UUID, amountA, amountB uint64) (usedA, usedB, liquidityDelta uint64, err error) {
	req := struct {
		Pool         string `json:"pool"`
		PositionMint string `json:"position_mint"`
		AmountA      uint64 `json:"amount_a"`
		AmountB      uint64 `json:"amount_b"`
	}{pool, positionMint.String(), amountA, amountB}

	var res struct {
		UsedA          uint64 `json:"used_a"`
		UsedB          uint64 `json:"used_b"`
		LiquidityDelta uint64 `json:"liquidity_delta"`
	}
	if err := c.call("increase_liquidity", req, &res); err != nil {
		return 0, 0, 0, err
	}
	return res.UsedA, res.UsedB, res.LiquidityDelta, nil
}

func (c *Client) DecreaseLiquidity(pool string, positionMint uuid.UUID, liquidity uint64) (outA, outB uint64, err error) {
	req := struct {
		Pool         string `json:"pool"`
		PositionMint string `json:"position_mint"`
		Liquidity    uint64 `json:"liquidity"`
	}{pool, positionMint.String(), liquidity}

	var res struct {
		AmountA uint64 `json:"amount_a"`
		AmountB uint64 `json:"amount_b"`
	}
	if err := c.call("decrease_liquidity", req, &res); err != nil {
		return 0, 0, err
	}
	return res.AmountA, res.AmountB, nil
}

func (c *Client) ClosePosition(pool string, positionMint uuid.UUID) error {
	return c.call("close_position", positionRequest{Pool: pool, PositionMint: positionMint.String()}, nil)
}

func (c *Client) CollectFees(pool string, positionMint uuid.UUID) (feeA, feeB uint64, err error) {
	var res struct {
		FeeA uint64 `json:"fee_a"`
		FeeB uint64 `json:"fee_b"`
	}
	if err := c.call("collect_fees", positionRequest{Pool: pool, PositionMint: positionMint.String()}, &res); err != nil {
		return 0, 0, err
	}
	return res.FeeA, res.FeeB, nil
}

func (c *Client) Swap(pool string, aToB bool, amountIn uint64) (uint64, error) {
	req := struct {
		Pool     string `json:"pool"`
		AToB     bool   `json:"a_to_b"`
		AmountIn uint64 `json:"amount_in"`
	}{pool, aToB, amountIn}

	var res struct {
		AmountOut uint64 `json:"amount_out"`
	}
	if err := c.call("swap", req, &res); err != nil {
		return 0, err
	}
	return res.AmountOut, nil
}

func (c *Client) PoolPrice(pool string) (price uint64, tick int32, err error) {
	req := struct {
		Pool string `json:"pool"`
	}{pool}

	var res struct {
		Price uint64 `json:"price"`
		Tick  int32  `json:"tick"`
	}
	if err := c.call("pool_price", req, &res); err != nil {
		return 0, 0, err
	}
	return res.Price, res.Tick, nil
}

func (c *Client) PositionBalances(pool string, positionMint uuid.UUID) (amountA, amountB uint64, err error) {
	var res struct {
		AmountA uint64 `json:"amount_a"`
		AmountB uint64 `json:"amount_b"`
	}
	if err := c.call("position_balances", positionRequest{Pool: pool, PositionMint: positionMint.String()}, &res); err != nil {
		return 0, 0, err
	}
	return res.AmountA, res.AmountB, nil
}

func (c *Client) CounterAmount(pool string, tickLower, tickUpper int32, side market.Side, amount uint64) (uint64, error) {
	req := struct {
		Pool      string `json:"pool"`
		TickLower int32  `json:"tick_lower"`
		TickUpper int32  `json:"tick_upper"`
		Side      string `json:"side"`
		Amount    uint64 `json:"amount"`
	}{pool, tickLower, tickUpper, side.String(), amount}

	var res struct {
		Amount uint64 `json:"amount"`
	}
	if err := c.call("counter_amount", req, &res); err != nil {
		return 0, err
	}
	return res.Amount, nil
}
