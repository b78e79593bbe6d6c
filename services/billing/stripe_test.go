package billing

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stripe/stripe-go/v76"
	"github.com/stripe/stripe-go/v76/webhook"

	"vpsd/pkg/config"
	"vpsd/pkg/fault"
)

const testWebhookSecret = "whsec_test"

func signed(t *testing.T, body string) (payload []byte, header string) {
	t.Helper()
	sp := webhook.GenerateTestSignedPayload(&webhook.UnsignedPayload{
		Payload:   []byte(body),
		Secret:    testWebhookSecret,
		Timestamp: time.Now(),
	})
	return sp.Payload, sp.Header
}

func newTestStripe(t *testing.T, backends *stripe.Backends) *Stripe {
	t.Helper()
	s, err := NewStripe(config.StripeConfig{SecretKey: "sk_test_123", WebhookSecret: testWebhookSecret}, backends)
	require.NoError(t, err)
	return s
}

func TestStripeVerifyInvoiceEvent(t *testing.T) {
	t.Parallel()

	body := `{"id":"evt_1","object":"event","type":"invoice.payment_succeeded",` +
		`"data":{"object":{"id":"in_1","object":"invoice","subscription":"sub_42"}}}`
	payload, header := signed(t, body)

	evt, err := newTestStripe(t, nil).Verify(payload, header)
	require.NoError(t, err)
	assert.Equal(t, Event{ID: "evt_1", Type: EventInvoicePaymentSucceeded, SubscriptionID: "sub_42"}, evt)
}

func TestStripeVerifyOtherEvent(t *testing.T) {
	t.Parallel()

	body := `{"id":"evt_2","object":"event","type":"customer.created","data":{"object":{"id":"cus_1","object":"customer"}}}`
	payload, header := signed(t, body)

	evt, err := newTestStripe(t, nil).Verify(payload, header)
	require.NoError(t, err)
	assert.Equal(t, "customer.created", evt.Type)
	assert.Empty(t, evt.SubscriptionID)
}

func TestStripeVerifyRejectsBadSignature(t *testing.T) {
	t.Parallel()

	payload, _ := signed(t, `{"id":"evt_1","object":"event","type":"invoice.payment_succeeded"}`)
	_, err := newTestStripe(t, nil).Verify(payload, "t=1,v1=deadbeef")

	require.Error(t, err)
	assert.ErrorIs(t, err, fault.ErrUnauthorized)
}

func TestStripeVerifyUnreadableInvoiceIsMalformed(t *testing.T) {
	t.Parallel()

	body := `{"id":"evt_3","object":"event","type":"invoice.payment_succeeded",` +
		`"data":{"object":{"id":"in_3","object":"invoice","subscription":42}}}`
	payload, header := signed(t, body)

	evt, err := newTestStripe(t, nil).Verify(payload, header)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrMalformedEvent)
	assert.NotErrorIs(t, err, fault.ErrUnauthorized)
	assert.Equal(t, "evt_3", evt.ID)
}

func TestStripeSubscriptionMetadata(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/subscriptions/sub_42" {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"id":"sub_42","object":"subscription","metadata":{"hostname":"web-1","billingCycle":"ANNUALLY"}}`))
	}))
	t.Cleanup(srv.Close)

	backend := stripe.GetBackendWithConfig(stripe.APIBackend, &stripe.BackendConfig{
		URL:               stripe.String(srv.URL),
		HTTPClient:        srv.Client(),
		MaxNetworkRetries: stripe.Int64(0),
		LeveledLogger:     &stripe.LeveledLogger{Level: stripe.LevelNull},
	})
	s := newTestStripe(t, &stripe.Backends{API: backend, Connect: backend, Uploads: backend})

	meta, err := s.SubscriptionMetadata(context.Background(), "sub_42")
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"hostname": "web-1", "billingCycle": "ANNUALLY"}, meta)
}

func TestNewStripeRequiresSecrets(t *testing.T) {
	t.Parallel()

	_, err := NewStripe(config.StripeConfig{WebhookSecret: "whsec"}, nil)
	assert.Error(t, err)
	_, err = NewStripe(config.StripeConfig{SecretKey: "sk"}, nil)
	assert.Error(t, err)
}
