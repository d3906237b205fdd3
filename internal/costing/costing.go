// Package costing converts token usage into vendor cost and platform
// credits. Everything here is pure arithmetic over decimals: no I/O, no
// clock, no rounding surprises between callers.
package costing

import (
	"github.com/rephlo/metering/internal/config"
	pricingdomain "github.com/rephlo/metering/internal/pricing/domain"
	"github.com/shopspring/decimal"
)

var per1K = decimal.NewFromInt(1000)

// Usage is the token consumption of a single request. Cache creation and
// cache read tokens are priced separately when the model publishes cache
// rates, otherwise they fall back to the input rate.
type Usage struct {
	InputTokens         int64
	OutputTokens        int64
	CacheCreationTokens int64
	CacheReadTokens     int64
}

// TotalTokens is the sum across all token classes.
func (u Usage) TotalTokens() int64 {
	return u.InputTokens + u.OutputTokens + u.CacheCreationTokens + u.CacheReadTokens
}

// Breakdown is the result of a cost calculation, kept at full precision
// except for Credits, which carries the rounding the user is charged.
// GrossMarginUSD is the USD value of the charged credits minus the vendor
// cost, so it includes whatever the rounding step added.
type Breakdown struct {
	VendorCostUSD    decimal.Decimal
	MarginMultiplier decimal.Decimal
	MarginalCostUSD  decimal.Decimal
	Credits          decimal.Decimal
	GrossMarginUSD   decimal.Decimal
}

// Calculate prices usage against a quote. Credits are rounded up at the
// configured precision: rounding up guarantees the sum of charges never
// undercuts the marginal cost.
func Calculate(usage Usage, quote *pricingdomain.PriceQuote, margin decimal.Decimal, cfg config.BillingConfig) Breakdown {
	vendor := tokenCost(usage.InputTokens, quote.InputPricePer1K).
		Add(tokenCost(usage.OutputTokens, quote.OutputPricePer1K)).
		Add(tokenCost(usage.CacheCreationTokens, orDefault(quote.CacheInputPricePer1K, quote.InputPricePer1K))).
		Add(tokenCost(usage.CacheReadTokens, orDefault(quote.CacheHitPricePer1K, quote.InputPricePer1K)))

	marginal := vendor.Mul(margin)
	rate := decimal.NewFromFloat(cfg.CreditsPerUSD)
	credits := marginal.Mul(rate).RoundCeil(cfg.CreditPrecision)

	return Breakdown{
		VendorCostUSD:    vendor,
		MarginMultiplier: margin,
		MarginalCostUSD:  marginal,
		Credits:          credits,
		GrossMarginUSD:   credits.Div(rate).Sub(vendor),
	}
}

func tokenCost(tokens int64, pricePer1K decimal.Decimal) decimal.Decimal {
	if tokens == 0 {
		return decimal.Zero
	}
	return decimal.NewFromInt(tokens).Div(per1K).Mul(pricePer1K)
}

func orDefault(price *decimal.Decimal, fallback decimal.Decimal) decimal.Decimal {
	if price == nil {
		return fallback
	}
	return *price
}
