package services

import (
	"context"
	"errors"
	"testing"

	domain "github.com/genai-merch/api/internal/domain"
)

func TestStaticCartPricerFlatShipping(t *testing.T) {
	pricer, err := NewStaticCartPricer(StaticCartPricerDeps{})
	if err != nil {
		t.Fatalf("NewStaticCartPricer: %v", err)
	}

	cart := domain.Cart{
		Currency: "JPY",
		Items: []domain.CartItem{
			{ID: "itm_1", Quantity: 2, UnitPrice: 1800, Currency: "JPY"},
			{ID: "itm_2", Quantity: 1, UnitPrice: 1800, Currency: "JPY"},
		},
	}

	result, err := pricer.Calculate(context.Background(), PriceCartCommand{Cart: cart})
	if err != nil {
		t.Fatalf("Calculate: %v", err)
	}
	estimate := result.Estimate
	if estimate.Subtotal != 5400 {
		t.Fatalf("expected subtotal 5400, got %d", estimate.Subtotal)
	}
	if estimate.Shipping != 500 {
		t.Fatalf("expected flat shipping 500, got %d", estimate.Shipping)
	}
	if estimate.Total != 5900 {
		t.Fatalf("expected total 5900, got %d", estimate.Total)
	}
	if estimate.Currency != "JPY" {
		t.Fatalf("expected currency JPY, got %q", estimate.Currency)
	}
}

func TestStaticCartPricerFreeShippingThreshold(t *testing.T) {
	pricer, err := NewStaticCartPricer(StaticCartPricerDeps{})
	if err != nil {
		t.Fatalf("NewStaticCartPricer: %v", err)
	}

	cart := domain.Cart{
		Currency: "JPY",
		Items: []domain.CartItem{
			{ID: "itm_1", Quantity: 5, UnitPrice: 2000, Currency: "JPY"},
		},
	}

	result, err := pricer.Calculate(context.Background(), PriceCartCommand{Cart: cart})
	if err != nil {
		t.Fatalf("Calculate: %v", err)
	}
	if result.Estimate.Shipping != 0 {
		t.Fatalf("expected free shipping at threshold, got %d", result.Estimate.Shipping)
	}
	if result.Estimate.Total != 10000 {
		t.Fatalf("expected total 10000, got %d", result.Estimate.Total)
	}
}

func TestStaticCartPricerEmptyCart(t *testing.T) {
	pricer, err := NewStaticCartPricer(StaticCartPricerDeps{})
	if err != nil {
		t.Fatalf("NewStaticCartPricer: %v", err)
	}

	result, err := pricer.Calculate(context.Background(), PriceCartCommand{Cart: domain.Cart{Currency: "JPY"}})
	if err != nil {
		t.Fatalf("Calculate: %v", err)
	}
	if result.Estimate.Subtotal != 0 || result.Estimate.Shipping != 0 || result.Estimate.Total != 0 {
		t.Fatalf("expected zero estimate for empty cart, got %#v", result.Estimate)
	}
}

func TestStaticCartPricerCurrencyMismatch(t *testing.T) {
	pricer, err := NewStaticCartPricer(StaticCartPricerDeps{})
	if err != nil {
		t.Fatalf("NewStaticCartPricer: %v", err)
	}

	cart := domain.Cart{
		Currency: "JPY",
		Items: []domain.CartItem{
			{ID: "itm_1", Quantity: 1, UnitPrice: 1800, Currency: "JPY"},
			{ID: "itm_2", Quantity: 1, UnitPrice: 12, Currency: "USD"},
		},
	}

	if _, err := pricer.Calculate(context.Background(), PriceCartCommand{Cart: cart}); !errors.Is(err, ErrCartPricingCurrencyMismatch) {
		t.Fatalf("expected ErrCartPricingCurrencyMismatch, got %v", err)
	}
}

func TestStaticCartPricerRejectsNonPositiveQuantity(t *testing.T) {
	pricer, err := NewStaticCartPricer(StaticCartPricerDeps{})
	if err != nil {
		t.Fatalf("NewStaticCartPricer: %v", err)
	}

	cart := domain.Cart{
		Currency: "JPY",
		Items:    []domain.CartItem{{ID: "itm_1", Quantity: 0, UnitPrice: 1800, Currency: "JPY"}},
	}

	if _, err := pricer.Calculate(context.Background(), PriceCartCommand{Cart: cart}); !errors.Is(err, ErrCartPricingInvalidInput) {
		t.Fatalf("expected ErrCartPricingInvalidInput, got %v", err)
	}
}

func TestStaticCartPricerUnknownCurrencyShipsFree(t *testing.T) {
	pricer, err := NewStaticCartPricer(StaticCartPricerDeps{
		Rates: map[string]ShippingRate{"JPY": {FlatAmount: 500}},
	})
	if err != nil {
		t.Fatalf("NewStaticCartPricer: %v", err)
	}

	cart := domain.Cart{
		Currency: "GBP",
		Items:    []domain.CartItem{{ID: "itm_1", Quantity: 1, UnitPrice: 900, Currency: "GBP"}},
	}

	result, err := pricer.Calculate(context.Background(), PriceCartCommand{Cart: cart})
	if err != nil {
		t.Fatalf("Calculate: %v", err)
	}
	if result.Estimate.Shipping != 0 {
		t.Fatalf("expected zero shipping without a configured rate, got %d", result.Estimate.Shipping)
	}
}

func TestStaticCartPricerRejectsNegativeRate(t *testing.T) {
	_, err := NewStaticCartPricer(StaticCartPricerDeps{
		Rates: map[string]ShippingRate{"JPY": {FlatAmount: -1}},
	})
	if err == nil {
		t.Fatalf("expected constructor error for negative rate")
	}
}
