package amm

import (
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"

	"TunaEngine/internal/market"
	"TunaEngine/internal/testutil"
)

// ============================================================================
// Integration tests (need docker-compose.test.yml NATS)
// ============================================================================

// stubGateway answers tuna.amm.test.> with canned results so the client's
// request/reply framing can be exercised against a real NATS server.
func stubGateway(t *testing.T, nc *nats.Conn) {
	t.Helper()

	reply := func(msg *nats.Msg, result interface{}, errStr string) {
		env := map[string]interface{}{}
		if errStr != "" {
			env["error"] = errStr
		} else if result != nil {
			env["result"] = result
		}
		data, _ := json.Marshal(env)
		msg.Respond(data)
	}

	sub, err := nc.Subscribe("tuna.amm.test.>", func(msg *nats.Msg) {
		op := msg.Subject[strings.LastIndex(msg.Subject, ".")+1:]
		switch op {
		case "open_position", "close_position":
			reply(msg, nil, "")
		case "increase_liquidity":
			var req struct {
				AmountA uint64 `json:"amount_a"`
				AmountB uint64 `json:"amount_b"`
			}
			json.Unmarshal(msg.Data, &req)
			reply(msg, map[string]uint64{
				"used_a":          req.AmountA,
				"used_b":          req.AmountB,
				"liquidity_delta": req.AmountB * 2,
			}, "")
		case "pool_price":
			reply(msg, map[string]interface{}{"price": uint64(2_000_000_000), "tick": int32(64)}, "")
		case "counter_amount":
			var req struct {
				Amount uint64 `json:"amount"`
			}
			json.Unmarshal(msg.Data, &req)
			reply(msg, map[string]uint64{"amount": req.Amount * 2}, "")
		case "swap":
			reply(msg, nil, "pool is paused")
		default:
			reply(msg, nil, "unknown op")
		}
	})
	if err != nil {
		t.Fatalf("subscribe gateway stub: %v", err)
	}
	t.Cleanup(func() { sub.Unsubscribe() })
}

func setupClient(t *testing.T) *Client {
	t.Helper()
	testutil.RequireIntegration(t)

	nc, err := nats.Connect(testutil.TestNATSURL())
	if err != nil {
		t.Skipf("test nats not available: %v (start with: docker compose -f docker-compose.test.yml up -d)", err)
	}
	t.Cleanup(nc.Close)

	stubGateway(t, nc)
	return NewClient(nc, "test", 2*time.Second, zerolog.Nop())
}

func TestClientRoundTrip(t *testing.T) {
	c := setupClient(t)
	mint := uuid.New()

	if err := c.OpenPosition("pool-ab", mint, -1000, 1000); err != nil {
		t.Fatalf("OpenPosition: %v", err)
	}

	usedA, usedB, delta, err := c.IncreaseLiquidity("pool-ab", mint, 500, 1000)
	if err != nil {
		t.Fatalf("IncreaseLiquidity: %v", err)
	}
	if usedA != 500 || usedB != 1000 || delta != 2000 {
		t.Fatalf("IncreaseLiquidity = (%d, %d, %d), want (500, 1000, 2000)", usedA, usedB, delta)
	}

	price, tick, err := c.PoolPrice("pool-ab")
	if err != nil {
		t.Fatalf("PoolPrice: %v", err)
	}
	if price != 2_000_000_000 || tick != 64 {
		t.Fatalf("PoolPrice = (%d, %d), want (2000000000, 64)", price, tick)
	}

	counter, err := c.CounterAmount("pool-ab", -1000, 1000, market.SideA, 300)
	if err != nil {
		t.Fatalf("CounterAmount: %v", err)
	}
	if counter != 600 {
		t.Fatalf("CounterAmount = %d, want 600", counter)
	}
}

func TestClientGatewayError(t *testing.T) {
	c := setupClient(t)

	_, err := c.Swap("pool-ab", true, 100)
	if err == nil {
		t.Fatal("Swap should surface the gateway error")
	}
	if !strings.Contains(err.Error(), "pool is paused") {
		t.Fatalf("Swap error = %q, want gateway message", err)
	}
}

func TestClientTimeout(t *testing.T) {
	testutil.RequireIntegration(t)

	nc, err := nats.Connect(testutil.TestNATSURL())
	if err != nil {
		t.Skipf("test nats not available: %v", err)
	}
	defer nc.Close()

	// No responder on this backend: the request must fail, not hang.
	c := NewClient(nc, "nobody-home", 200*time.Millisecond, zerolog.Nop())
	if err := c.OpenPosition("pool-ab", uuid.New(), 0, 10); err == nil {
		t.Fatal("OpenPosition should fail with no gateway listening")
	}
}
