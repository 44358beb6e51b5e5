// Package cost prices provider usage in exact decimal USD.
package cost

import "github.com/shopspring/decimal"

// Rates holds per-provider pricing configuration.
type Rates struct {
	Google GoogleRate `yaml:"google" mapstructure:"google"`
}

// GoogleRate holds Places Text Search pricing.
type GoogleRate struct {
	PerRequest decimal.Decimal `yaml:"per_request" mapstructure:"per_request"`
}

// Calculator computes costs for API usage.
type Calculator struct {
	rates Rates
}

// NewCalculator creates a Calculator with the given rates.
func NewCalculator(rates Rates) *Calculator {
	return &Calculator{rates: rates}
}

// RatesFromConfig converts a float price from configuration. The value is
// parsed through its shortest decimal representation, so 0.032 stays 0.032.
func RatesFromConfig(googlePerRequest float64) Rates {
	return Rates{Google: GoogleRate{PerRequest: decimal.NewFromFloat(googlePerRequest)}}
}

// DefaultRates returns the default pricing rates.
func DefaultRates() Rates {
	return Rates{Google: GoogleRate{PerRequest: decimal.RequireFromString("0.032")}}
}

// GoogleRequests returns the cost of n Places requests, retries included.
func (c *Calculator) GoogleRequests(n int) decimal.Decimal {
	if n <= 0 {
		return decimal.Zero
	}
	return c.rates.Google.PerRequest.Mul(decimal.NewFromInt(int64(n)))
}

// EstimateScan returns the cost range of a scan over points grid points
// when each point may take up to maxAttempts calls.
func (c *Calculator) EstimateScan(points, maxAttempts int) (low, high decimal.Decimal) {
	if maxAttempts < 1 {
		maxAttempts = 1
	}
	return c.GoogleRequests(points), c.GoogleRequests(points * maxAttempts)
}
