package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const promNamespace = "hl_funding_arb"

type promCounter struct {
	counter prometheus.Counter
}

func (p promCounter) Inc() {
	p.counter.Inc()
}

type promGauge struct {
	gauge prometheus.Gauge
}

func (p promGauge) Set(v float64) {
	p.gauge.Set(v)
}

type Prometheus struct {
	Metrics *Metrics

	registry *prometheus.Registry
	counters map[string]prometheus.Counter
	gauges   map[string]prometheus.Gauge
}

func newCounter(name, help string) prometheus.Counter {
	return prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: promNamespace,
		Name:      name,
		Help:      help,
	})
}

func newGauge(name, help string) prometheus.Gauge {
	return prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: promNamespace,
		Name:      name,
		Help:      help,
	})
}

func NewPrometheus() *Prometheus {
	registry := prometheus.NewRegistry()
	counters := map[string]prometheus.Counter{
		"orders_placed":       newCounter("orders_placed_total", "Total number of orders accepted by the exchange."),
		"orders_failed":       newCounter("orders_failed_total", "Total number of order placement failures."),
		"hedges_opened":       newCounter("hedges_opened_total", "Total number of hedges opened."),
		"hedges_closed":       newCounter("hedges_closed_total", "Total number of hedges closed."),
		"transfers":           newCounter("ledger_transfers_total", "Total number of spot/perp USDC transfers."),
		"transfer_mismatches": newCounter("ledger_transfer_mismatches_total", "Total number of reconciles that missed the target split."),
		"fill_timeouts":       newCounter("fill_timeouts_total", "Total number of resting orders that did not fill in time."),
		"risk_warnings":       newCounter("risk_warnings_total", "Total number of margin or liquidation warnings."),
		"tick_failures":       newCounter("tick_failures_total", "Total number of failed scheduler ticks."),
		"inconsistent_state":  newCounter("inconsistent_state_total", "Total number of ticks that observed a one-legged position."),
	}
	gauges := map[string]prometheus.Gauge{
		"hedged":          newGauge("hedged", "1 when both legs are open, else 0."),
		"funding_rate":    newGauge("funding_rate", "Last observed hourly funding rate."),
		"margin_headroom": newGauge("margin_headroom", "Account value divided by the maintenance margin warning threshold."),
	}
	for _, c := range counters {
		registry.MustRegister(c)
	}
	for _, g := range gauges {
		registry.MustRegister(g)
	}

	m := &Metrics{
		OrdersPlaced:       promCounter{counters["orders_placed"]},
		OrdersFailed:       promCounter{counters["orders_failed"]},
		HedgesOpened:       promCounter{counters["hedges_opened"]},
		HedgesClosed:       promCounter{counters["hedges_closed"]},
		Transfers:          promCounter{counters["transfers"]},
		TransferMismatches: promCounter{counters["transfer_mismatches"]},
		FillTimeouts:       promCounter{counters["fill_timeouts"]},
		RiskWarnings:       promCounter{counters["risk_warnings"]},
		TickFailures:       promCounter{counters["tick_failures"]},
		InconsistentState:  promCounter{counters["inconsistent_state"]},
		Hedged:             promGauge{gauges["hedged"]},
		FundingRate:        promGauge{gauges["funding_rate"]},
		MarginHeadroom:     promGauge{gauges["margin_headroom"]},
	}

	return &Prometheus{
		Metrics:  m,
		registry: registry,
		counters: counters,
		gauges:   gauges,
	}
}

func (p *Prometheus) Handler() http.Handler {
	return promhttp.HandlerFor(p.registry, promhttp.HandlerOpts{})
}
