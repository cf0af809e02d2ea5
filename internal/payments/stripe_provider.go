package payments

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/stripe/stripe-go/v78"
	"github.com/stripe/stripe-go/v78/client"
)

const stripeSessionExpiry = 30 * time.Minute

// StripeLogger defines the logging contract for Stripe provider operations.
type StripeLogger func(ctx context.Context, event string, fields map[string]any)

// stripeSessionAPI is the slice of the Stripe SDK the provider uses. Tests
// inject a stub; production wires client.API.CheckoutSessions.
type stripeSessionAPI interface {
	New(params *stripe.CheckoutSessionParams) (*stripe.CheckoutSession, error)
}

// StripeProviderConfig configures the StripeProvider.
type StripeProviderConfig struct {
	APIKey    string
	AccountID string
	Backends  *stripe.Backends
	Logger    StripeLogger
	Clock     func() time.Time
	Sessions  stripeSessionAPI
}

// StripeProvider implements the Provider interface using Stripe Checkout.
type StripeProvider struct {
	sessions stripeSessionAPI
	account  string
	clock    func() time.Time
	logger   StripeLogger
}

// NewStripeProvider builds a provider from the supplied configuration.
func NewStripeProvider(cfg StripeProviderConfig) (*StripeProvider, error) {
	sessions := cfg.Sessions
	if sessions == nil {
		key := strings.TrimSpace(cfg.APIKey)
		if key == "" {
			return nil, errors.New("payments: stripe api key is required")
		}
		api := client.New(key, cfg.Backends)
		sessions = api.CheckoutSessions
	}
	logger := cfg.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	return &StripeProvider{
		sessions: sessions,
		account:  strings.TrimSpace(cfg.AccountID),
		clock:    clock,
		logger:   logger,
	}, nil
}

// CreateCheckoutSession creates a Stripe Checkout session in payment mode.
func (p *StripeProvider) CreateCheckoutSession(ctx context.Context, req CheckoutSessionRequest) (CheckoutSession, error) {
	if p == nil || p.sessions == nil {
		return CheckoutSession{}, errors.New("payments: stripe provider is not initialised")
	}
	if strings.TrimSpace(req.SuccessURL) == "" || strings.TrimSpace(req.CancelURL) == "" {
		return CheckoutSession{}, errors.New("payments: success and cancel urls are required")
	}
	if req.Amount <= 0 {
		return CheckoutSession{}, errors.New("payments: amount must be positive")
	}
	currency := strings.ToLower(strings.TrimSpace(req.Currency))
	if currency == "" {
		return CheckoutSession{}, errors.New("payments: currency is required")
	}

	params := &stripe.CheckoutSessionParams{
		Mode:       stripe.String(string(stripe.CheckoutSessionModePayment)),
		SuccessURL: stripe.String(req.SuccessURL),
		CancelURL:  stripe.String(req.CancelURL),
		LineItems:  buildStripeLineItems(req, currency),
	}
	params.Context = ctx
	if key := strings.TrimSpace(req.IdempotencyKey); key != "" {
		params.SetIdempotencyKey(key)
	}
	if p.account != "" {
		params.SetStripeAccount(p.account)
	}
	if customer := strings.TrimSpace(req.CustomerID); customer != "" {
		params.ClientReferenceID = stripe.String(customer)
	}
	if locale := strings.TrimSpace(req.Locale); locale != "" {
		params.Locale = stripe.String(locale)
	}
	for k, v := range req.Metadata {
		params.AddMetadata(k, v)
	}
	if len(req.Metadata) > 0 {
		params.PaymentIntentData = &stripe.CheckoutSessionPaymentIntentDataParams{
			Metadata: copyMetadata(req.Metadata),
		}
	}

	sess, err := p.sessions.New(params)
	if err != nil {
		return CheckoutSession{}, fmt.Errorf("payments: stripe session create: %w", err)
	}

	expiresAt := p.clock().UTC().Add(stripeSessionExpiry)
	if sess.ExpiresAt > 0 {
		expiresAt = time.Unix(sess.ExpiresAt, 0).UTC()
	}
	intentID := ""
	if sess.PaymentIntent != nil {
		intentID = sess.PaymentIntent.ID
	}
	result := CheckoutSession{
		ID:           sess.ID,
		Provider:     "stripe",
		ClientSecret: sess.ClientSecret,
		RedirectURL:  sess.URL,
		IntentID:     intentID,
		ExpiresAt:    expiresAt,
		Raw:          rawStripeSession(sess),
	}
	p.logger(ctx, "payments.stripe.session_created", map[string]any{
		"sessionId": sess.ID,
		"amount":    req.Amount,
		"currency":  currency,
		"items":     len(req.Items),
	})
	return result, nil
}

// buildStripeLineItems maps request line items into Stripe price data. When no
// items are supplied a single aggregate line covers the full amount.
func buildStripeLineItems(req CheckoutSessionRequest, currency string) []*stripe.CheckoutSessionLineItemParams {
	if len(req.Items) == 0 {
		return []*stripe.CheckoutSessionLineItemParams{
			{
				Quantity: stripe.Int64(1),
				PriceData: &stripe.CheckoutSessionLineItemPriceDataParams{
					Currency:   stripe.String(currency),
					UnitAmount: stripe.Int64(req.Amount),
					ProductData: &stripe.CheckoutSessionLineItemPriceDataProductDataParams{
						Name: stripe.String("Order"),
					},
				},
			},
		}
	}
	items := make([]*stripe.CheckoutSessionLineItemParams, 0, len(req.Items))
	for _, item := range req.Items {
		qty := item.Quantity
		if qty <= 0 {
			qty = 1
		}
		itemCurrency := strings.ToLower(strings.TrimSpace(item.Currency))
		if itemCurrency == "" {
			itemCurrency = currency
		}
		product := &stripe.CheckoutSessionLineItemPriceDataProductDataParams{
			Name: stripe.String(item.Name),
		}
		if desc := strings.TrimSpace(item.Description); desc != "" {
			product.Description = stripe.String(desc)
		}
		if url := strings.TrimSpace(item.ArtworkURL); url != "" {
			product.Images = stripe.StringSlice([]string{url})
		}
		if ref := strings.TrimSpace(item.DesignRef); ref != "" {
			product.Metadata = map[string]string{"design_ref": ref}
		}
		items = append(items, &stripe.CheckoutSessionLineItemParams{
			Quantity: stripe.Int64(qty),
			PriceData: &stripe.CheckoutSessionLineItemPriceDataParams{
				Currency:    stripe.String(itemCurrency),
				UnitAmount:  stripe.Int64(item.Amount),
				ProductData: product,
			},
		})
	}
	return items
}

func copyMetadata(src map[string]string) map[string]string {
	if len(src) == 0 {
		return nil
	}
	out := make(map[string]string, len(src))
	for k, v := range src {
		out[k] = v
	}
	return out
}

// rawStripeSession keeps a loosely typed copy of the PSP response for audit trails.
func rawStripeSession(sess *stripe.CheckoutSession) map[string]any {
	if sess == nil {
		return nil
	}
	encoded, err := json.Marshal(sess)
	if err != nil {
		return nil
	}
	var raw map[string]any
	if err := json.Unmarshal(encoded, &raw); err != nil {
		return nil
	}
	return raw
}
