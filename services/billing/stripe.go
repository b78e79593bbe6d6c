package billing

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/stripe/stripe-go/v76"
	"github.com/stripe/stripe-go/v76/client"
	"github.com/stripe/stripe-go/v76/webhook"

	"vpsd/pkg/config"
	"vpsd/pkg/fault"
)

// Stripe verifies webhook signatures and reads subscription metadata.
type Stripe struct {
	api           *client.API
	webhookSecret string
}

// NewStripe builds the adapter. backends may be nil to use the live API.
func NewStripe(cfg config.StripeConfig, backends *stripe.Backends) (*Stripe, error) {
	if cfg.SecretKey == "" {
		return nil, errors.New("stripe secret key is required")
	}
	if cfg.WebhookSecret == "" {
		return nil, errors.New("stripe webhook secret is required")
	}
	return &Stripe{api: client.New(cfg.SecretKey, backends), webhookSecret: cfg.WebhookSecret}, nil
}

// Verify checks the Stripe-Signature header and extracts the subscription
// referenced by invoice events. An authentic invoice event whose body cannot
// be decoded is returned with ErrMalformedEvent.
func (s *Stripe) Verify(payload []byte, signature string) (Event, error) {
	evt, err := webhook.ConstructEventWithOptions(payload, signature, s.webhookSecret, webhook.ConstructEventOptions{
		IgnoreAPIVersionMismatch: true,
	})
	if err != nil {
		return Event{}, fmt.Errorf("%w: %v", fault.ErrUnauthorized, err)
	}

	out := Event{ID: evt.ID, Type: string(evt.Type)}
	if out.Type != EventInvoicePaymentSucceeded || evt.Data == nil {
		return out, nil
	}

	var inv stripe.Invoice
	if err := json.Unmarshal(evt.Data.Raw, &inv); err != nil {
		return out, fmt.Errorf("%w: decode invoice %s: %v", ErrMalformedEvent, evt.ID, err)
	}
	if inv.Subscription != nil {
		out.SubscriptionID = inv.Subscription.ID
	}
	return out, nil
}

// SubscriptionMetadata fetches the subscription. Invoices do not carry the
// checkout metadata themselves.
func (s *Stripe) SubscriptionMetadata(ctx context.Context, subscriptionID string) (map[string]string, error) {
	params := &stripe.SubscriptionParams{}
	params.Context = ctx
	sub, err := s.api.Subscriptions.Get(subscriptionID, params)
	if err != nil {
		return nil, err
	}
	return sub.Metadata, nil
}
