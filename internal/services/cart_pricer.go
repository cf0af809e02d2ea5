package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrCartPricingInvalidInput signals bad cart data such as non-positive quantities or negative prices.
	ErrCartPricingInvalidInput = errors.New("cart pricing: invalid input")
	// ErrCartPricingCurrencyMismatch is returned when items use multiple currencies.
	ErrCartPricingCurrencyMismatch = errors.New("cart pricing: currency mismatch")
)

// CartPricer derives the money view of a cart. Estimates are recomputed on
// every read; only the running subtotal is stored with the cart document.
type CartPricer interface {
	Calculate(ctx context.Context, cmd PriceCartCommand) (PriceCartResult, error)
}

type PriceCartCommand struct {
	Cart Cart
}

type PriceCartResult struct {
	Estimate CartEstimate
}

// ShippingRate is the flat shipping charge for one currency, in minor units.
// Subtotals at or above FreeAbove ship free; zero disables the threshold.
type ShippingRate struct {
	FlatAmount int64
	FreeAbove  int64
}

var defaultShippingRates = map[string]ShippingRate{
	"JPY": {FlatAmount: 500, FreeAbove: 10000},
	"USD": {FlatAmount: 590, FreeAbove: 7500},
	"EUR": {FlatAmount: 550, FreeAbove: 7000},
}

// StaticCartPricerDeps configures the flat-rate pricer.
type StaticCartPricerDeps struct {
	Rates  map[string]ShippingRate
	Logger func(context.Context, string, map[string]any)
}

type staticCartPricer struct {
	rates  map[string]ShippingRate
	logger func(context.Context, string, map[string]any)
}

// NewStaticCartPricer builds the storefront pricer: line subtotal plus a
// per-currency flat shipping charge. Tax and discounts are settled by the
// payment provider at checkout and stay zero here.
func NewStaticCartPricer(deps StaticCartPricerDeps) (CartPricer, error) {
	rates := deps.Rates
	if len(rates) == 0 {
		rates = defaultShippingRates
	}
	normalized := make(map[string]ShippingRate, len(rates))
	for currency, rate := range rates {
		code := strings.ToUpper(strings.TrimSpace(currency))
		if code == "" {
			continue
		}
		if rate.FlatAmount < 0 || rate.FreeAbove < 0 {
			return nil, fmt.Errorf("cart pricing: negative shipping rate for %s", code)
		}
		normalized[code] = rate
	}

	logger := deps.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}

	return &staticCartPricer{rates: normalized, logger: logger}, nil
}

func (p *staticCartPricer) Calculate(ctx context.Context, cmd PriceCartCommand) (PriceCartResult, error) {
	cart := cmd.Cart
	currency := strings.ToUpper(strings.TrimSpace(cart.Currency))
	if currency == "" {
		return PriceCartResult{}, fmt.Errorf("%w: cart currency is required", ErrCartPricingInvalidInput)
	}

	var subtotal int64
	for _, item := range cart.Items {
		if item.Quantity <= 0 {
			return PriceCartResult{}, fmt.Errorf("%w: item %s has a non-positive quantity", ErrCartPricingInvalidInput, item.ID)
		}
		if item.UnitPrice < 0 {
			return PriceCartResult{}, fmt.Errorf("%w: item %s has a negative unit price", ErrCartPricingInvalidInput, item.ID)
		}
		itemCurrency := strings.ToUpper(strings.TrimSpace(item.Currency))
		if itemCurrency != "" && itemCurrency != currency {
			return PriceCartResult{}, ErrCartPricingCurrencyMismatch
		}
		subtotal += item.UnitPrice * int64(item.Quantity)
	}

	var shipping int64
	if len(cart.Items) > 0 {
		rate, ok := p.rates[currency]
		if !ok {
			p.logger(ctx, "cart.pricing.unknown_currency", map[string]any{
				"currency": currency,
			})
		} else {
			shipping = rate.FlatAmount
			if rate.FreeAbove > 0 && subtotal >= rate.FreeAbove {
				shipping = 0
			}
		}
	}

	return PriceCartResult{Estimate: CartEstimate{
		Currency: currency,
		Subtotal: subtotal,
		Discount: 0,
		Tax:      0,
		Shipping: shipping,
		Total:    subtotal + shipping,
	}}, nil
}
