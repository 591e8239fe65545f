package strategy

import "github.com/shopspring/decimal"

// Hyperliquid settles funding hourly.
const fundingPeriodsPerYear = 24 * 365

// ExpectedFunding is the payment the short perp leg collects over one
// funding period at rate. Negative means the short pays.
func ExpectedFunding(positionValue, rate decimal.Decimal) decimal.Decimal {
	return positionValue.Abs().Mul(rate)
}

func AnnualizedRate(rate decimal.Decimal) decimal.Decimal {
	return rate.Mul(decimal.NewFromInt(fundingPeriodsPerYear))
}
