package metrics

type Counter interface {
	Inc()
}

type Gauge interface {
	Set(float64)
}

type Metrics struct {
	OrdersPlaced       Counter
	OrdersFailed       Counter
	HedgesOpened       Counter
	HedgesClosed       Counter
	Transfers          Counter
	TransferMismatches Counter
	FillTimeouts       Counter
	RiskWarnings       Counter
	TickFailures       Counter
	InconsistentState  Counter

	Hedged         Gauge
	FundingRate    Gauge
	MarginHeadroom Gauge
}

type noopCounter struct{}

func (noopCounter) Inc() {}

type noopGauge struct{}

func (noopGauge) Set(float64) {}

func NewNoop() *Metrics {
	n := noopCounter{}
	g := noopGauge{}
	return &Metrics{
		OrdersPlaced:       n,
		OrdersFailed:       n,
		HedgesOpened:       n,
		HedgesClosed:       n,
		Transfers:          n,
		TransferMismatches: n,
		FillTimeouts:       n,
		RiskWarnings:       n,
		TickFailures:       n,
		InconsistentState:  n,
		Hedged:             g,
		FundingRate:        g,
		MarginHeadroom:     g,
	}
}
