package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for the engine and its surrounding
// services.
type Metrics struct {
	// --- Engine operations ---
	EventsEmitted     *prometheus.CounterVec
	OperationErrors   *prometheus.CounterVec
	OperationDuration *prometheus.HistogramVec

	// --- Lending ---
	VaultDeposits    *prometheus.CounterVec
	VaultWithdrawals *prometheus.CounterVec
	VaultBorrowed    *prometheus.GaugeVec
	VaultDeposited   *prometheus.GaugeVec
	VaultBadDebt     *prometheus.GaugeVec

	// --- Positions ---
	PositionsOpened *prometheus.CounterVec
	PositionsClosed *prometheus.CounterVec
	Liquidations    *prometheus.CounterVec
	LimitExecutions *prometheus.CounterVec

	// --- Ingestion ---
	PricesReceived  *prometheus.CounterVec
	PublishDrops    prometheus.Counter
	PublishedEvents *prometheus.CounterVec

	// --- Persistence ---
	PersistEventsWritten prometheus.Counter
	PersistBatchDuration prometheus.Histogram
	PersistErrors        *prometheus.CounterVec
	PersistLastSequence  prometheus.Gauge

	// --- HTTP API ---
	APIRequests *prometheus.CounterVec
	APIDuration *prometheus.HistogramVec
}

// NewMetrics creates and registers all Prometheus metrics.
func NewMetrics() *Metrics {
	opBuckets := []float64{
		0.00001, 0.000025, 0.00005, 0.0001, 0.00025,
		0.0005, 0.001, 0.002, 0.005, 0.01,
	}

	return &Metrics{
		EventsEmitted: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "tuna_events_emitted_total",
			Help: "Events emitted by the engine",
		}, []string{"event_type"}),

		OperationErrors: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "tuna_operation_errors_total",
			Help: "Operations rejected by validation or capacity checks",
		}, []string{"operation"}),

		OperationDuration: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "tuna_operation_duration_seconds",
			Help:    "Time to execute one engine operation",
			Buckets: opBuckets,
		}, []string{"operation"}),

		VaultDeposits: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "tuna_vault_deposits_total",
			Help: "Lending deposits per vault",
		}, []string{"vault"}),

		VaultWithdrawals: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "tuna_vault_withdrawals_total",
			Help: "Lending withdrawals per vault",
		}, []string{"vault"}),

		VaultBorrowed: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Name: "tuna_vault_borrowed_funds",
			Help: "Outstanding borrowed funds per vault",
		}, []string{"vault"}),

		VaultDeposited: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Name: "tuna_vault_deposited_funds",
			Help: "Deposited funds per vault",
		}, []string{"vault"}),

		VaultBadDebt: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Name: "tuna_vault_unpaid_debt_shares",
			Help: "Unpaid debt shares per vault",
		}, []string{"vault"}),

		PositionsOpened: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "tuna_positions_opened_total",
			Help: "Positions opened",
		}, []string{"pool", "variant"}),

		PositionsClosed: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "tuna_positions_closed_total",
			Help: "Position records destroyed",
		}, []string{"pool", "variant"}),

		Liquidations: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "tuna_liquidations_total",
			Help: "Liquidations executed",
		}, []string{"pool", "variant"}),

		LimitExecutions: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "tuna_limit_order_executions_total",
			Help: "Limit orders executed",
		}, []string{"pool", "variant"}),

		PricesReceived: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "tuna_prices_received_total",
			Help: "Oracle price updates consumed from NATS",
		}, []string{"mint"}),

		PublishDrops: promauto.NewCounter(prometheus.CounterOpts{
			Name: "tuna_publish_drops_total",
			Help: "Events dropped due to a full publish channel",
		}),

		PublishedEvents: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "tuna_published_events_total",
			Help: "Events published to JetStream",
		}, []string{"event_type"}),

		PersistEventsWritten: promauto.NewCounter(prometheus.CounterOpts{
			Name: "tuna_persist_events_written_total",
			Help: "Events written to Postgres",
		}),

		PersistBatchDuration: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "tuna_persist_batch_duration_seconds",
			Help:    "Postgres batch write duration",
			Buckets: []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25},
		}),

		PersistErrors: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "tuna_persist_errors_total",
			Help: "Persistence errors",
		}, []string{"error_type"}),

		PersistLastSequence: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "tuna_persist_last_sequence",
			Help: "Last persisted event sequence",
		}),

		APIRequests: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "tuna_api_requests_total",
			Help: "HTTP API requests",
		}, []string{"endpoint", "status"}),

		APIDuration: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "tuna_api_duration_seconds",
			Help:    "HTTP API latency",
			Buckets: []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5},
		}, []string{"endpoint"}),
	}
}

// SetVaultGauges mirrors a vault's balance sheet into the gauges.
func (m *Metrics) SetVaultGauges(vault string, deposited, borrowed, unpaidDebtShares uint64) {
	m.VaultDeposited.WithLabelValues(vault).Set(float64(deposited))
	m.VaultBorrowed.WithLabelValues(vault).Set(float64(borrowed))
	m.VaultBadDebt.WithLabelValues(vault).Set(float64(unpaidDebtShares))
}
