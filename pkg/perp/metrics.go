package perp

import (
	"github.com/ethereum/go-ethereum/common"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/openperp/openperp/pkg/fixed"
)

// Metrics exposes the engine's operational counters on a dedicated
// Prometheus registry.
type Metrics struct {
	registry *prometheus.Registry

	tradesOpened     *prometheus.CounterVec
	tradesClosed     *prometheus.CounterVec
	tradesLiquidated prometheus.Counter
	tradesRejected   *prometheus.CounterVec
	settlementPayout prometheus.Histogram
	openInterest     *prometheus.GaugeVec
}

func NewMetrics(namespace string) *Metrics {
	registry := prometheus.NewRegistry()
	m := &Metrics{
		registry: registry,
		tradesOpened: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "trades_opened_total",
			Help:      "Trades opened, by direction",
		}, []string{"side"}),
		tradesClosed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "trades_closed_total",
			Help:      "Trades closed, by outcome",
		}, []string{"outcome"}),
		tradesLiquidated: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "trades_liquidated_total",
			Help:      "Trades closed by liquidation",
		}),
		tradesRejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "trades_rejected_total",
			Help:      "Operations rejected, by error code",
		}, []string{"code"}),
		settlementPayout: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "settlement_payout",
			Help:      "Net settlement paid to traders, in whole base units",
			Buckets:   prometheus.ExponentialBuckets(1, 10, 8),
		}),
		openInterest: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "open_interest",
			Help:      "Aggregate leverage*margin per market side",
		}, []string{"market", "side"}),
	}
	registry.MustRegister(
		m.tradesOpened, m.tradesClosed, m.tradesLiquidated,
		m.tradesRejected, m.settlementPayout, m.openInterest,
	)
	return m
}

// Registry returns the Prometheus registry for the /metrics handler.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

func (m *Metrics) recordRejection(code Code) {
	if m == nil {
		return
	}
	m.tradesRejected.WithLabelValues(code.String()).Inc()
}

func (m *Metrics) recordOpen(isBuy bool) {
	if m == nil {
		return
	}
	if isBuy {
		m.tradesOpened.WithLabelValues("long").Inc()
	} else {
		m.tradesOpened.WithLabelValues("short").Inc()
	}
}

func (m *Metrics) recordExposure(market common.Hash, long, short fixed.Dec) {
	if m == nil {
		return
	}
	m.openInterest.WithLabelValues(market.Hex(), "long").Set(payoutUnits(long))
	m.openInterest.WithLabelValues(market.Hex(), "short").Set(payoutUnits(short))
}

func (m *Metrics) recordClose(outcome string, payoutWholeUnits float64) {
	if m == nil {
		return
	}
	m.tradesClosed.WithLabelValues(outcome).Inc()
	m.settlementPayout.Observe(payoutWholeUnits)
	if outcome == "liquidated" {
		m.tradesLiquidated.Inc()
	}
}
