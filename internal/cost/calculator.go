package cost

// ProviderRate is the expected price of one provider call. Fields overrides
// PerCall for fields that are priced differently.
type ProviderRate struct {
	PerCall float64            `yaml:"per_call" mapstructure:"per_call"`
	Fields  map[string]float64 `yaml:"fields" mapstructure:"fields"`
}

// Rates maps provider id to its rate card.
type Rates map[string]ProviderRate

// Calculator estimates call costs ahead of the call so the budget can be
// reserved before a provider is invoked.
type Calculator struct {
	rates Rates
}

// NewCalculator creates a Calculator with the given rates.
func NewCalculator(rates Rates) *Calculator {
	if rates == nil {
		rates = Rates{}
	}
	return &Calculator{rates: rates}
}

// Estimate returns the expected cost of asking provider for field. Unknown
// providers estimate to zero; the actual cost is still checked on commit.
func (c *Calculator) Estimate(provider, field string) float64 {
	if c == nil {
		return 0
	}
	rate, ok := c.rates[provider]
	if !ok {
		return 0
	}
	if v, ok := rate.Fields[field]; ok {
		return v
	}
	return rate.PerCall
}
