package amm

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"
)

// Router implements the engine's SwapRouter against the external route
// aggregator on tuna.router.swap. The payload comes back opaque and is
// forwarded unmodified with the liquidation event.
type Router struct {
	nc      *nats.Conn
	timeout time.Duration
	log     zerolog.Logger
}

func NewRouter(nc *nats.Conn, timeout time.Duration, log zerolog.Logger) *Router {
	return &Router{nc: nc, timeout: timeout, log: log}
}

func (r *Router) RouteSwap(fromMint, toMint string, amountIn uint64) (uint64, []byte, error) {
	req := struct {
		FromMint string `json:"from_mint"`
		ToMint   string `json:"to_mint"`
		AmountIn uint64 `json:"amount_in"`
	}{fromMint, toMint, amountIn}

	data, err := json.Marshal(req)
	if err != nil {
		return 0, nil, fmt.Errorf("router: marshal request: %w", err)
	}

	msg, err := r.nc.Request("tuna.router.swap", data, r.timeout)
	if err != nil {
		return 0, nil, fmt.Errorf("router: %w", err)
	}

	var resp struct {
		Error  string `json:"error,omitempty"`
		Result struct {
			AmountOut uint64 `json:"amount_out"`
			Payload   []byte `json:"payload"`
		} `json:"result"`
	}
	if err := json.Unmarshal(msg.Data, &resp); err != nil {
		return 0, nil, fmt.Errorf("router: bad reply: %w", err)
	}
	if resp.Error != "" {
		return 0, nil, fmt.Errorf("router: %s", resp.Error)
	}
	return resp.Result.AmountOut, resp.Result.Payload, nil
}
