// Package metrics provides Prometheus instrumentation for the transaction firewall.
package metrics

import (
	"context"
	"database/sql"
	"math/big"
	"runtime"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/holiman/uint256"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "txfirewall"

var (
	// HTTPRequestsTotal counts HTTP requests by method, path, and status.
	HTTPRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "Total HTTP requests by method, path pattern, and status code.",
		},
		[]string{"method", "path", "status"},
	)

	// HTTPRequestDuration observes request latency by method and path.
	HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	// DecisionsTotal counts firewall decisions by result code.
	DecisionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "decisions_total",
			Help:      "Total firewall decisions by result code.",
		},
		[]string{"code"},
	)

	// StageDuration observes how long each pipeline stage takes.
	StageDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "stage_duration_seconds",
			Help:      "Firewall pipeline stage duration in seconds.",
			Buckets:   []float64{.0005, .001, .005, .01, .05, .1, .25, .5, 1, 2.5, 5, 10},
		},
		[]string{"stage"},
	)

	// SimulationAttemptsTotal counts dry-run RPC attempts by result
	// ("ok", "transient", "terminal").
	SimulationAttemptsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "simulation_attempts_total",
			Help:      "Dry-run call attempts by result.",
		},
		[]string{"result"},
	)

	// CalldataWarningsTotal counts calldata risk findings by kind.
	CalldataWarningsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "calldata_warnings_total",
			Help:      "Calldata risk findings by kind.",
		},
		[]string{"kind"},
	)

	// LedgerPeriodSpend tracks confirmed spend in the current period, in ether.
	LedgerPeriodSpend = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "ledger_period_spend_eth",
			Help:      "Confirmed spend in the current accounting period, in ether.",
		},
		[]string{"principal"},
	)

	// LedgerPeriodPending tracks reserved but unconfirmed spend, in ether.
	LedgerPeriodPending = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "ledger_period_pending_eth",
			Help:      "Reserved but unconfirmed spend, in ether.",
		},
		[]string{"principal"},
	)

	// LedgerReservationsExpiredTotal counts holds dropped after their TTL.
	LedgerReservationsExpiredTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ledger_reservations_expired_total",
			Help:      "Reservations dropped because they were neither confirmed nor released in time.",
		},
		[]string{"principal"},
	)

	// PolicyReloadsTotal counts policy file reloads by result.
	PolicyReloadsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "policy_reloads_total",
			Help:      "Policy file reloads by result.",
		},
		[]string{"result"},
	)

	// RateLimitedTotal counts requests refused by the rate limiter.
	RateLimitedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rate_limited_total",
			Help:      "Requests refused by the per-caller rate limiter.",
		},
	)

	// WebhookDeliveriesTotal counts decision webhook deliveries by result
	// ("ok", "failed", "dropped").
	WebhookDeliveriesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "webhook_deliveries_total",
			Help:      "Decision webhook deliveries by result.",
		},
		[]string{"result"},
	)

	// ActiveStreamClients tracks connected decision-stream WebSocket clients.
	ActiveStreamClients = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_stream_clients",
			Help:      "Number of currently connected decision stream clients.",
		},
	)

	// DBOpenConnections tracks open database connections.
	DBOpenConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace, Name: "db_open_connections",
		Help: "Number of open database connections.",
	})
	// DBInUseConnections tracks in-use database connections.
	DBInUseConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace, Name: "db_in_use_connections",
		Help: "Number of in-use database connections.",
	})
	// GoroutineCount tracks the current number of goroutines.
	GoroutineCount = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace, Name: "goroutines",
		Help: "Current number of goroutines.",
	})
)

func init() {
	prometheus.MustRegister(
		HTTPRequestsTotal,
		HTTPRequestDuration,
		DecisionsTotal,
		StageDuration,
		SimulationAttemptsTotal,
		CalldataWarningsTotal,
		LedgerPeriodSpend,
		LedgerPeriodPending,
		LedgerReservationsExpiredTotal,
		PolicyReloadsTotal,
		RateLimitedTotal,
		WebhookDeliveriesTotal,
		ActiveStreamClients,
		DBOpenConnections,
		DBInUseConnections,
		GoroutineCount,
	)
}

var weiPerEther = new(big.Float).SetInt(new(big.Int).Exp(big.NewInt(10), big.NewInt(18), nil))

// SetWeiGauge sets g to amount expressed in ether. Precision loss is
// acceptable here; the ledger itself never uses floats.
func SetWeiGauge(g prometheus.Gauge, amount *uint256.Int) {
	if amount == nil {
		g.Set(0)
		return
	}
	f := new(big.Float).SetInt(amount.ToBig())
	f.Quo(f, weiPerEther)
	v, _ := f.Float64()
	g.Set(v)
}

// ObserveStage records the time elapsed since start for a pipeline stage.
func ObserveStage(stage string, start time.Time) {
	StageDuration.WithLabelValues(stage).Observe(time.Since(start).Seconds())
}

// StartDBStatsCollector periodically samples sql.DBStats and runtime goroutine
// count into Prometheus gauges. Call in a goroutine; exits when ctx is done.
func StartDBStatsCollector(ctx context.Context, db *sql.DB, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			stats := db.Stats()
			DBOpenConnections.Set(float64(stats.OpenConnections))
			DBInUseConnections.Set(float64(stats.InUse))
			GoroutineCount.Set(float64(runtime.NumGoroutine()))
		}
	}
}

// Middleware returns a gin middleware that records request metrics.
func Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		timer := prometheus.NewTimer(HTTPRequestDuration.WithLabelValues(
			c.Request.Method,
			c.FullPath(), // route pattern keeps cardinality bounded
		))

		c.Next()

		timer.ObserveDuration()
		HTTPRequestsTotal.WithLabelValues(
			c.Request.Method,
			c.FullPath(),
			statusBucket(c.Writer.Status()),
		).Inc()
	}
}

// Handler returns the Prometheus metrics HTTP handler for /metrics endpoint.
func Handler() gin.HandlerFunc {
	h := promhttp.Handler()
	return func(c *gin.Context) {
		h.ServeHTTP(c.Writer, c.Request)
	}
}

// statusBucket groups HTTP status codes into buckets (2xx, 3xx, 4xx, 5xx).
func statusBucket(code int) string {
	switch {
	case code < 200:
		return "1xx"
	case code < 300:
		return "2xx"
	case code < 400:
		return "3xx"
	case code < 500:
		return "4xx"
	default:
		return "5xx"
	}
}
