package metrics

import (
	"io"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestPrometheusCounters(t *testing.T) {
	prom := NewPrometheus()
	prom.Metrics.OrdersPlaced.Inc()
	prom.Metrics.OrdersFailed.Inc()
	prom.Metrics.HedgesOpened.Inc()
	prom.Metrics.HedgesClosed.Inc()
	prom.Metrics.Transfers.Inc()
	prom.Metrics.Transfers.Inc()
	prom.Metrics.TransferMismatches.Inc()
	prom.Metrics.FillTimeouts.Inc()
	prom.Metrics.RiskWarnings.Inc()
	prom.Metrics.TickFailures.Inc()
	prom.Metrics.InconsistentState.Inc()

	assertCounter(t, prom.counters["orders_placed"], 1)
	assertCounter(t, prom.counters["orders_failed"], 1)
	assertCounter(t, prom.counters["hedges_opened"], 1)
	assertCounter(t, prom.counters["hedges_closed"], 1)
	assertCounter(t, prom.counters["transfers"], 2)
	assertCounter(t, prom.counters["transfer_mismatches"], 1)
	assertCounter(t, prom.counters["fill_timeouts"], 1)
	assertCounter(t, prom.counters["risk_warnings"], 1)
	assertCounter(t, prom.counters["tick_failures"], 1)
	assertCounter(t, prom.counters["inconsistent_state"], 1)
}

func TestPrometheusGauges(t *testing.T) {
	prom := NewPrometheus()
	prom.Metrics.Hedged.Set(1)
	prom.Metrics.FundingRate.Set(0.0000125)
	prom.Metrics.MarginHeadroom.Set(2.5)
	if got := testutil.ToFloat64(prom.gauges["hedged"]); got != 1 {
		t.Fatalf("expected hedged 1, got %v", got)
	}
	if got := testutil.ToFloat64(prom.gauges["funding_rate"]); got != 0.0000125 {
		t.Fatalf("expected funding 0.0000125, got %v", got)
	}
	if got := testutil.ToFloat64(prom.gauges["margin_headroom"]); got != 2.5 {
		t.Fatalf("expected headroom 2.5, got %v", got)
	}
}

func TestHandlerServesNamespace(t *testing.T) {
	prom := NewPrometheus()
	prom.Metrics.OrdersPlaced.Inc()
	srv := httptest.NewServer(prom.Handler())
	defer srv.Close()
	resp, err := srv.Client().Get(srv.URL)
	if err != nil {
		t.Fatalf("get metrics: %v", err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	if !strings.Contains(string(body), "hl_funding_arb_orders_placed_total 1") {
		t.Fatalf("expected orders counter in output")
	}
}

func TestNoopIsSafe(t *testing.T) {
	m := NewNoop()
	m.OrdersPlaced.Inc()
	m.Hedged.Set(1)
}

func assertCounter(t *testing.T, counter prometheus.Counter, expected float64) {
	t.Helper()
	if got := testutil.ToFloat64(counter); got != expected {
		t.Fatalf("expected %v, got %v", expected, got)
	}
}
