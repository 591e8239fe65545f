package journal

import (
	"context"
	"strings"
	"testing"
	"time"

	"hl-funding-arb/internal/config"

	"github.com/shopspring/decimal"
)

func TestNewDisabledReturnsNil(t *testing.T) {
	w, err := New(config.JournalConfig{Enabled: false}, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if w != nil {
		t.Fatalf("expected nil writer when disabled")
	}
	// nil writer is safe to use
	w.EnqueueFunding(FundingObservation{Asset: "HYPE"})
	w.EnqueueHedgeEvent(HedgeEvent{Asset: "HYPE"})
	w.EnqueueRisk(RiskObservation{Asset: "HYPE"})
	w.Start(context.Background())
	if err := w.Close(); err != nil {
		t.Fatalf("close nil writer: %v", err)
	}
	if w.Dropped() != 0 {
		t.Fatalf("expected zero drops")
	}
}

func TestNewRequiresDSN(t *testing.T) {
	if _, err := New(config.JournalConfig{Enabled: true, DSN: "  "}, nil); err == nil {
		t.Fatalf("expected error for empty dsn")
	}
}

func TestEnqueueDropsWhenFull(t *testing.T) {
	w := newWriter(nil, "", 1, nil)
	w.EnqueueFunding(FundingObservation{Time: time.Now(), Asset: "HYPE", Rate: decimal.RequireFromString("0.0000125")})
	w.EnqueueFunding(FundingObservation{Time: time.Now(), Asset: "HYPE"})
	w.EnqueueHedgeEvent(HedgeEvent{Step: "opening"})
	w.EnqueueHedgeEvent(HedgeEvent{Step: "reconciled"})
	if got := w.Dropped(); got != 2 {
		t.Fatalf("expected 2 drops, got %d", got)
	}
	obs := <-w.funding
	if !obs.Rate.Equal(decimal.RequireFromString("0.0000125")) {
		t.Fatalf("unexpected queued rate %s", obs.Rate)
	}
}

func TestStatementsUseSchema(t *testing.T) {
	w := newWriter(nil, "arb", 0, nil)
	for _, q := range []string{w.fundingInsert(), w.hedgeInsert(), w.riskInsert()} {
		if !strings.Contains(q, "arb.") {
			t.Fatalf("expected schema-qualified table in %q", q)
		}
	}
	if cap(w.risk) != 256 {
		t.Fatalf("expected default queue size, got %d", cap(w.risk))
	}
}
