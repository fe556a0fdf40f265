package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"TunaEngine/internal/engine"
	"TunaEngine/internal/market"
	"TunaEngine/internal/observability"
	"TunaEngine/internal/persistence"
	"TunaEngine/internal/position"
	"TunaEngine/internal/tokenledger"
	"TunaEngine/internal/vault"
)

// Server is the HTTP/JSON API in front of the engine. Authentication is the
// X-Authority header: the transaction layer upstream has already verified
// the signature, so the header carries the verified identity.
type Server struct {
	eng     *engine.Engine
	health  *observability.HealthChecker
	log     zerolog.Logger
	metrics *observability.Metrics
	events  *persistence.EventLogWriter
}

func New(eng *engine.Engine, health *observability.HealthChecker, log zerolog.Logger, metrics *observability.Metrics) *Server {
	return &Server{eng: eng, health: health, log: log, metrics: metrics}
}

// SetEventLog exposes the persisted event log on /v1/events so indexers can
// replay over HTTP instead of going to Postgres directly.
func (s *Server) SetEventLog(w *persistence.EventLogWriter) { s.events = w }

// Handler builds the chi router with all routes mounted.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(s.instrument)

	r.Get("/healthz", s.health.LivenessHandler)
	r.Get("/readyz", s.health.ReadinessHandler)
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())

	r.Route("/v1", func(r chi.Router) {
		r.Route("/admin", func(r chi.Router) {
			r.Post("/config", s.updateConfig)
			r.Post("/vaults", s.createVault)
			r.Put("/vaults/{id}", s.updateVault)
			r.Post("/markets", s.createMarket)
			r.Put("/markets/{pool}", s.updateMarket)
		})

		r.Get("/markets/{pool}", s.getMarket)
		r.Get("/events", s.listEvents)

		r.Route("/vaults/{id}", func(r chi.Router) {
			r.Get("/", s.getVault)
			r.Post("/deposit", s.lendingDeposit)
			r.Post("/withdraw", s.lendingWithdraw)
			r.Post("/repay-bad-debt", s.repayBadDebt)
			r.Get("/position", s.getLendingPosition)
			r.Delete("/position", s.closeLendingPosition)
		})

		r.Route("/lp", func(r chi.Router) {
			r.Post("/", s.openLp)
			r.Route("/{mint}", func(r chi.Router) {
				r.Get("/", s.getLp)
				r.Get("/health", s.lpHealth)
				r.Post("/increase", s.increaseLp)
				r.Post("/decrease", s.decreaseLp)
				r.Post("/collect-fees", s.collectLpFees)
				r.Post("/rebalance", s.rebalanceLp)
				r.Post("/limit-orders", s.setLpLimitOrders)
				r.Post("/execute-limit-order", s.executeLpLimitOrder)
				r.Post("/liquidate", s.liquidateLp)
				r.Delete("/", s.closeLp)
			})
		})

		r.Route("/spot", func(r chi.Router) {
			r.Post("/", s.openSpot)
			r.Route("/{pool}", func(r chi.Router) {
				r.Get("/", s.getSpot)
				r.Get("/health", s.spotHealth)
				r.Post("/increase", s.increaseSpot)
				r.Post("/decrease", s.decreaseSpot)
				r.Post("/limit-orders", s.setSpotLimitOrders)
				r.Post("/execute-limit-order", s.executeSpotLimitOrder)
				r.Post("/liquidate", s.liquidateSpot)
				r.Delete("/", s.closeSpot)
			})
		})
	})

	return r
}

// instrument records per-route request counts and latency.
func (s *Server) instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		if s.metrics == nil {
			return
		}
		endpoint := chi.RouteContext(r.Context()).RoutePattern()
		if endpoint == "" {
			endpoint = "unmatched"
		}
		s.metrics.APIRequests.WithLabelValues(endpoint, http.StatusText(ww.Status())).Inc()
		s.metrics.APIDuration.WithLabelValues(endpoint).Observe(time.Since(start).Seconds())
	})
}

// authority reads the verified caller identity from X-Authority.
func authority(r *http.Request) (uuid.UUID, error) {
	raw := r.Header.Get("X-Authority")
	if raw == "" {
		return uuid.UUID{}, errors.New("missing X-Authority header")
	}
	return uuid.Parse(raw)
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.log.Error().Err(err).Msg("encode response")
	}
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		s.log.Error().Err(err).Str("path", r.URL.Path).Msg("request failed")
	}
	s.writeJSON(w, status, map[string]string{"error": err.Error()})
}

// statusFor maps engine error categories to HTTP statuses. Unrecognized
// errors are 500s; the engine's sentinel errors cover every expected
// rejection.
func statusFor(err error) int {
	switch {
	case errors.Is(err, engine.ErrUnauthorized) || errors.Is(err, market.ErrUnauthorized):
		return http.StatusForbidden

	case errors.Is(err, engine.ErrPositionNotFound) ||
		errors.Is(err, engine.ErrUnknownMarket) ||
		errors.Is(err, engine.ErrUnknownVault):
		return http.StatusNotFound

	case errors.Is(err, engine.ErrPositionExists):
		return http.StatusConflict

	case errors.Is(err, engine.ErrInvalidParams) ||
		errors.Is(err, engine.ErrInvalidPercent) ||
		errors.Is(err, engine.ErrInvalidTickRange) ||
		errors.Is(err, engine.ErrZeroAmount) ||
		errors.Is(err, engine.ErrAutoBothSides) ||
		errors.Is(err, market.ErrInvalidParams) ||
		errors.Is(err, vault.ErrZeroAmount):
		return http.StatusBadRequest

	case errors.Is(err, engine.ErrLeverageExceeded) ||
		errors.Is(err, engine.ErrPositionSizeLimitExceeded) ||
		errors.Is(err, engine.ErrPositionIsHealthy) ||
		errors.Is(err, engine.ErrPositionIsUnhealthy) ||
		errors.Is(err, engine.ErrPositionNotEmpty) ||
		errors.Is(err, engine.ErrPositionClosed) ||
		errors.Is(err, engine.ErrRebalanceConditionsNotMet) ||
		errors.Is(err, engine.ErrInsufficientProceeds) ||
		errors.Is(err, engine.ErrSlippageExceeded) ||
		errors.Is(err, engine.ErrAmountSlippageExceeded) ||
		errors.Is(err, engine.ErrOracleDeviation) ||
		errors.Is(err, engine.ErrLimitOrderNotTriggered) ||
		errors.Is(err, market.ErrMarketDisabled) ||
		errors.Is(err, market.ErrBorrowLimitExceeded) ||
		errors.Is(err, vault.ErrSupplyLimitExceeded) ||
		errors.Is(err, vault.ErrInsufficientLiquidity) ||
		errors.Is(err, vault.ErrInsufficientShares) ||
		errors.Is(err, vault.ErrBadDebtExceeded) ||
		errors.Is(err, vault.ErrPositionNotEmpty) ||
		errors.Is(err, tokenledger.ErrInsufficientBalance):
		return http.StatusUnprocessableEntity

	default:
		return http.StatusInternalServerError
	}
}

func decode(r *http.Request, v interface{}) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}

// Wire form of the engine's exact-or-auto amounts.
type amountJSON struct {
	Auto  bool   `json:"auto,omitempty"`
	Value uint64 `json:"value,omitempty"`
}

func (a amountJSON) toAmount() engine.Amount {
	if a.Auto {
		return engine.Auto()
	}
	return engine.Exact(a.Value)
}

type eventJSON struct {
	Sequence  int64           `json:"sequence"`
	EventID   uuid.UUID       `json:"event_id"`
	EventType string          `json:"event_type"`
	Pool      string          `json:"pool,omitempty"`
	Payload   json.RawMessage `json:"payload"`
	Timestamp time.Time       `json:"timestamp"`
}

// listEvents pages through the persisted event log, oldest first.
func (s *Server) listEvents(w http.ResponseWriter, r *http.Request) {
	if s.events == nil {
		s.writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "event log not available"})
		return
	}

	from := int64(1)
	if raw := r.URL.Query().Get("from"); raw != "" {
		v, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || v < 1 {
			s.writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid from sequence"})
			return
		}
		from = v
	}

	limit := 100
	if raw := r.URL.Query().Get("limit"); raw != "" {
		v, err := strconv.Atoi(raw)
		if err != nil || v < 1 || v > 1000 {
			s.writeJSON(w, http.StatusBadRequest, map[string]string{"error": "limit must be 1..1000"})
			return
		}
		limit = v
	}

	rows, err := s.events.EventsFrom(r.Context(), from, limit)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	out := make([]eventJSON, 0, len(rows))
	for _, row := range rows {
		out = append(out, eventJSON{
			Sequence:  row.Sequence,
			EventID:   row.EventID,
			EventType: row.EventType,
			Pool:      row.Pool,
			Payload:   json.RawMessage(row.Payload),
			Timestamp: row.Timestamp,
		})
	}
	s.writeJSON(w, http.StatusOK, out)
}

func flagsFromJSON(stopLossSwap, takeProfitSwap, autoCompound uint8, allowRebalance bool) (position.Flags, error) {
	f := position.Flags{
		StopLossSwap:   position.SwapTarget(stopLossSwap),
		TakeProfitSwap: position.SwapTarget(takeProfitSwap),
		AutoCompound:   position.CompoundMode(autoCompound),
		AllowRebalance: allowRebalance,
	}
	if f.StopLossSwap > position.SwapTargetTokenB ||
		f.TakeProfitSwap > position.SwapTargetTokenB ||
		f.AutoCompound > position.CompoundModeLeveraged {
		return position.Flags{}, errors.New("reserved flag value")
	}
	return f, nil
}
