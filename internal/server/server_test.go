package server_test

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"TunaEngine/internal/engine"
	"TunaEngine/internal/fixedmath"
	"TunaEngine/internal/market"
	"TunaEngine/internal/observability"
	"TunaEngine/internal/server"
	"TunaEngine/internal/testutil"
	"TunaEngine/internal/tokenledger"
)

const (
	apiPool  = "pool-ab"
	apiMintA = "mint-a"
	apiMintB = "mint-b"
)

type apiRig struct {
	srv   *httptest.Server
	eng   *engine.Engine
	admin uuid.UUID
	user  uuid.UUID
}

func newAPIRig(t *testing.T) *apiRig {
	t.Helper()

	admin := uuid.New()
	user := uuid.New()

	cfg := &market.Config{
		AdminAuthority:                  admin,
		LiquidatorAuthority:             uuid.New(),
		FeeRecipient:                    uuid.New(),
		DefaultMaxSwapSlippage:          20_000,
		DefaultOracleDeviationThreshold: 50_000,
	}

	book := tokenledger.NewBook()
	oracle := testutil.NewFakeOracle()
	oracle.Set(apiMintA, 2*fixedmath.PriceScale)
	oracle.Set(apiMintB, 1*fixedmath.PriceScale)

	eng, err := engine.New(cfg, book, oracle, zerolog.Nop())
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}
	now := time.Unix(1_700_000_000, 0)
	eng.SetClock(func() time.Time { return now })

	amm := testutil.NewFakeAmm()
	amm.AddPool(apiPool, 2*fixedmath.PriceScale, 0)
	eng.RegisterAdapter(market.MarketMakerOrca, amm)

	book.Credit(tokenledger.UserAccount(user), apiMintA, 100_000_000_000)
	book.Credit(tokenledger.UserAccount(user), apiMintB, 100_000_000_000)
	book.Credit(tokenledger.AmmAccount(apiPool), apiMintA, 100_000_000_000)
	book.Credit(tokenledger.AmmAccount(apiPool), apiMintB, 100_000_000_000)

	health := observability.NewHealthChecker()
	health.SetReady(true)

	s := server.New(eng, health, zerolog.Nop(), nil)
	srv := httptest.NewServer(s.Handler())
	t.Cleanup(srv.Close)

	return &apiRig{srv: srv, eng: eng, admin: admin, user: user}
}

func (r *apiRig) do(t *testing.T, method, path string, auth uuid.UUID, body interface{}) (*http.Response, map[string]interface{}) {
	t.Helper()

	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req, err := http.NewRequest(method, r.srv.URL+path, &buf)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	if auth != (uuid.UUID{}) {
		req.Header.Set("X-Authority", auth.String())
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	defer resp.Body.Close()

	var decoded map[string]interface{}
	json.NewDecoder(resp.Body).Decode(&decoded)
	return resp, decoded
}

func (r *apiRig) setup(t *testing.T) {
	t.Helper()

	for _, mint := range []string{apiMintA, apiMintB} {
		resp, body := r.do(t, http.MethodPost, "/v1/admin/vaults", r.admin, map[string]interface{}{
			"id": mint, "pool_mint": mint,
		})
		if resp.StatusCode != http.StatusCreated {
			t.Fatalf("create vault %s: %d %v", mint, resp.StatusCode, body)
		}
	}

	resp, body := r.do(t, http.MethodPost, "/v1/admin/markets", r.admin, map[string]interface{}{
		"pool": apiPool, "mint_a": apiMintA, "mint_b": apiMintB,
		"max_leverage":          uint64(5_000_000),
		"protocol_fee":          uint32(10_000),
		"liquidation_fee":       uint32(20_000),
		"liquidation_threshold": uint32(800_000),
	})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("create market: %d %v", resp.StatusCode, body)
	}
}

// ============================================================================
// Tests
// ============================================================================

func TestHealthEndpoints(t *testing.T) {
	rig := newAPIRig(t)

	resp, _ := rig.do(t, http.MethodGet, "/healthz", uuid.UUID{}, nil)
	if resp.StatusCode != http.StatusOK {
		t.Errorf("healthz: got %d", resp.StatusCode)
	}
	resp, _ = rig.do(t, http.MethodGet, "/readyz", uuid.UUID{}, nil)
	if resp.StatusCode != http.StatusOK {
		t.Errorf("readyz: got %d", resp.StatusCode)
	}
}

func TestAdminEndpointsRejectNonAdmin(t *testing.T) {
	rig := newAPIRig(t)

	resp, _ := rig.do(t, http.MethodPost, "/v1/admin/vaults", rig.user, map[string]interface{}{
		"id": apiMintA, "pool_mint": apiMintA,
	})
	if resp.StatusCode != http.StatusForbidden {
		t.Errorf("non-admin create vault: got %d, want 403", resp.StatusCode)
	}

	resp, _ = rig.do(t, http.MethodPost, "/v1/admin/vaults", uuid.UUID{}, map[string]interface{}{
		"id": apiMintA, "pool_mint": apiMintA,
	})
	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("missing authority: got %d, want 401", resp.StatusCode)
	}
}

func TestLendingFlow(t *testing.T) {
	rig := newAPIRig(t)
	rig.setup(t)

	resp, body := rig.do(t, http.MethodPost, "/v1/vaults/"+apiMintA+"/deposit", rig.user, map[string]interface{}{
		"funds": uint64(1_000_000_000),
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("deposit: %d %v", resp.StatusCode, body)
	}
	if body["shares"] != float64(1_000_000_000) {
		t.Errorf("shares: got %v, want 1e9", body["shares"])
	}

	resp, body = rig.do(t, http.MethodGet, "/v1/vaults/"+apiMintA, uuid.UUID{}, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("get vault: %d", resp.StatusCode)
	}
	if body["deposited_funds"] != float64(1_000_000_000) {
		t.Errorf("deposited_funds: got %v", body["deposited_funds"])
	}

	resp, body = rig.do(t, http.MethodPost, "/v1/vaults/"+apiMintA+"/withdraw", rig.user, map[string]interface{}{
		"shares": uint64(400_000_000),
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("withdraw: %d %v", resp.StatusCode, body)
	}
	if body["funds"] != float64(400_000_000) {
		t.Errorf("withdrawn funds: got %v", body["funds"])
	}

	// Withdrawing more shares than held is a domain rejection, not a 500.
	resp, _ = rig.do(t, http.MethodPost, "/v1/vaults/"+apiMintA+"/withdraw", rig.user, map[string]interface{}{
		"shares": uint64(10_000_000_000),
	})
	if resp.StatusCode != http.StatusUnprocessableEntity {
		t.Errorf("over-withdraw: got %d, want 422", resp.StatusCode)
	}
}

func TestLpLifecycleOverHTTP(t *testing.T) {
	rig := newAPIRig(t)
	rig.setup(t)

	for _, mint := range []string{apiMintA, apiMintB} {
		resp, body := rig.do(t, http.MethodPost, "/v1/vaults/"+mint+"/deposit", rig.user, map[string]interface{}{
			"funds": uint64(10_000_000_000),
		})
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("deposit %s: %d %v", mint, resp.StatusCode, body)
		}
	}

	resp, body := rig.do(t, http.MethodPost, "/v1/lp/", rig.user, map[string]interface{}{
		"pool": apiPool, "tick_lower_index": int32(-1000), "tick_upper_index": int32(1000),
	})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("open lp: %d %v", resp.StatusCode, body)
	}
	mint, _ := body["position_mint"].(string)
	if _, err := uuid.Parse(mint); err != nil {
		t.Fatalf("position_mint: %v", err)
	}

	resp, body = rig.do(t, http.MethodPost, "/v1/lp/"+mint+"/increase", rig.user, map[string]interface{}{
		"collateral_a": uint64(1_000_000_000),
		"borrow_a":     map[string]interface{}{"value": uint64(1_000_000_000)},
		"borrow_b":     map[string]interface{}{"auto": true},
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("increase lp: %d %v", resp.StatusCode, body)
	}
	if body["liquidity_added"] == float64(0) {
		t.Errorf("liquidity_added is zero")
	}

	resp, body = rig.do(t, http.MethodGet, "/v1/lp/"+mint+"/health", uuid.UUID{}, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("lp health: %d %v", resp.StatusCode, body)
	}
	if body["healthy"] != true {
		t.Errorf("fresh position not healthy: %v", body)
	}

	resp, body = rig.do(t, http.MethodPost, "/v1/lp/"+mint+"/decrease", rig.user, map[string]interface{}{
		"percent": uint32(fixedmath.HundredPercent),
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("decrease lp: %d %v", resp.StatusCode, body)
	}

	resp, body = rig.do(t, http.MethodDelete, "/v1/lp/"+mint+"/", rig.user, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("close lp: %d %v", resp.StatusCode, body)
	}

	resp, _ = rig.do(t, http.MethodGet, "/v1/lp/"+mint+"/", uuid.UUID{}, nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("closed position lookup: got %d, want 404", resp.StatusCode)
	}
}

func TestSpotFlowOverHTTP(t *testing.T) {
	rig := newAPIRig(t)
	rig.setup(t)

	resp, body := rig.do(t, http.MethodPost, "/v1/vaults/"+apiMintB+"/deposit", rig.user, map[string]interface{}{
		"funds": uint64(10_000_000_000),
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("deposit: %d %v", resp.StatusCode, body)
	}

	resp, body = rig.do(t, http.MethodPost, "/v1/spot/", rig.user, map[string]interface{}{
		"pool": apiPool, "position_token": uint8(0), "collateral_token": uint8(1),
	})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("open spot: %d %v", resp.StatusCode, body)
	}

	resp, body = rig.do(t, http.MethodPost, "/v1/spot/"+apiPool+"/increase", rig.user, map[string]interface{}{
		"collateral": uint64(1_000_000_000),
		"borrow":     map[string]interface{}{"value": uint64(1_000_000_000)},
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("increase spot: %d %v", resp.StatusCode, body)
	}
	if body["size_added"] == float64(0) {
		t.Errorf("size_added is zero")
	}

	resp, body = rig.do(t, http.MethodGet, "/v1/spot/"+apiPool+"/", rig.user, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("get spot: %d %v", resp.StatusCode, body)
	}
	if body["position_token"] != "A" {
		t.Errorf("position_token: got %v", body["position_token"])
	}

	resp, body = rig.do(t, http.MethodPost, "/v1/spot/"+apiPool+"/decrease", rig.user, map[string]interface{}{
		"percent": uint32(fixedmath.HundredPercent),
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("decrease spot: %d %v", resp.StatusCode, body)
	}

	resp, body = rig.do(t, http.MethodDelete, "/v1/spot/"+apiPool+"/", rig.user, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("close spot: %d %v", resp.StatusCode, body)
	}
}

func TestUnknownRoutesAndIDs(t *testing.T) {
	rig := newAPIRig(t)
	rig.setup(t)

	resp, _ := rig.do(t, http.MethodGet, "/v1/markets/nope", uuid.UUID{}, nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("unknown market: got %d, want 404", resp.StatusCode)
	}

	resp, _ = rig.do(t, http.MethodGet, fmt.Sprintf("/v1/lp/%s/", uuid.New()), uuid.UUID{}, nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("unknown lp position: got %d, want 404", resp.StatusCode)
	}

	resp, _ = rig.do(t, http.MethodGet, "/v1/lp/not-a-uuid/", uuid.UUID{}, nil)
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("bad lp mint: got %d, want 400", resp.StatusCode)
	}
}

func TestEventsEndpointWithoutLog(t *testing.T) {
	rig := newAPIRig(t)

	resp, _ := rig.do(t, http.MethodGet, "/v1/events", uuid.UUID{}, nil)
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Errorf("events without log: got %d, want 503", resp.StatusCode)
	}

	resp, _ = rig.do(t, http.MethodGet, "/v1/events?from=0", uuid.UUID{}, nil)
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Errorf("events without log: got %d, want 503", resp.StatusCode)
	}
}
