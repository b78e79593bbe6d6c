package billing

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"vpsd/pkg/fault"
	"vpsd/pkg/model"
)

const goodSignature = "t=1,v1=ok"

// fakeVerifier treats the payload as "<event-id>|<type>|<subscription-id>".
// The type "malformed" stands for an authentic event with an unreadable body.
type fakeVerifier struct{}

func (fakeVerifier) Verify(payload []byte, signature string) (Event, error) {
	if signature != goodSignature {
		return Event{}, fmt.Errorf("%w: bad signature", fault.ErrUnauthorized)
	}
	var evt Event
	parts := splitN(string(payload), 3)
	evt.ID, evt.Type, evt.SubscriptionID = parts[0], parts[1], parts[2]
	if evt.Type == "malformed" {
		return Event{ID: evt.ID}, fmt.Errorf("%w: decode invoice %s", ErrMalformedEvent, evt.ID)
	}
	return evt, nil
}

func splitN(s string, n int) []string {
	out := make([]string, 0, n)
	start := 0
	for i := 0; i < len(s) && len(out) < n-1; i++ {
		if s[i] == '|' {
			out = append(out, s[start:i])
			start = i + 1
		}
	}
	out = append(out, s[start:])
	for len(out) < n {
		out = append(out, "")
	}
	return out
}

func payload(eventID, subscriptionID string) []byte {
	return []byte(eventID + "|" + EventInvoicePaymentSucceeded + "|" + subscriptionID)
}

type fakeSubs struct {
	mu    sync.Mutex
	meta  map[string]map[string]string
	err   error
	calls int
}

func (f *fakeSubs) SubscriptionMetadata(_ context.Context, id string) (map[string]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	return f.meta[id], nil
}

type fakeLedger struct {
	mu       sync.Mutex
	orders   map[string]*model.Order
	events   map[string]bool
	services map[uuid.UUID]model.ServiceRecord
	products map[uuid.UUID]bool
}

func newLedger(products ...uuid.UUID) *fakeLedger {
	l := &fakeLedger{
		orders:   map[string]*model.Order{},
		events:   map[string]bool{},
		services: map[uuid.UUID]model.ServiceRecord{},
		products: map[uuid.UUID]bool{},
	}
	for _, p := range products {
		l.products[p] = true
	}
	return l
}

func (l *fakeLedger) ApplyRenewal(_ context.Context, subscriptionID, eventID string, now time.Time) (model.Order, bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	ord, ok := l.orders[subscriptionID]
	if !ok {
		return model.Order{}, false, fmt.Errorf("%w: subscription %s", fault.ErrNotFound, subscriptionID)
	}
	if l.events[eventID] {
		return *ord, false, nil
	}
	l.events[eventID] = true
	ord.PaidUntil = ord.BillingCycle.RenewedUntil(ord.PaidUntil, now)
	return *ord, true, nil
}

func (l *fakeLedger) CreatePendingService(_ context.Context, p model.PendingService) (model.ServiceRecord, bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.products[p.Params.ProductID] {
		return model.ServiceRecord{}, false, fmt.Errorf("%w: product", fault.ErrNotFound)
	}
	if _, ok := l.orders[p.SubscriptionID]; ok {
		return model.ServiceRecord{}, false, nil
	}
	ord := &model.Order{
		ID:             uuid.New(),
		Status:         model.OrderActive,
		Amount:         p.Params.Amount,
		BillingCycle:   p.Params.BillingCycle,
		PaidUntil:      p.PaidUntil,
		SubscriptionID: p.SubscriptionID,
	}
	l.orders[p.SubscriptionID] = ord
	l.events[p.EventID] = true
	svc := model.ServiceRecord{ID: uuid.New(), Hostname: p.Params.Hostname, Status: model.ServiceBuilding, OrderID: ord.ID}
	l.services[svc.ID] = svc
	return svc, true, nil
}

func (l *fakeLedger) order(sub string) model.Order {
	l.mu.Lock()
	defer l.mu.Unlock()
	return *l.orders[sub]
}

type dispatched struct {
	serviceID uuid.UUID
	creds     model.Credentials
}

type fakeDispatcher struct {
	mu    sync.Mutex
	calls []dispatched
	err   error
}

func (d *fakeDispatcher) Dispatch(_ context.Context, id uuid.UUID, creds model.Credentials) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.calls = append(d.calls, dispatched{serviceID: id, creds: creds})
	return d.err
}

func (d *fakeDispatcher) count() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.calls)
}

var now = time.Date(2026, 1, 15, 12, 0, 0, 0, time.UTC)

type fixture struct {
	h       *Handler
	subs    *fakeSubs
	ledger  *fakeLedger
	disp    *fakeDispatcher
	product uuid.UUID
}

func newFixture(t *testing.T) fixture {
	t.Helper()

	product := uuid.New()
	f := fixture{
		subs:    &fakeSubs{meta: map[string]map[string]string{}},
		ledger:  newLedger(product),
		disp:    &fakeDispatcher{},
		product: product,
	}
	h, err := NewHandler(fakeVerifier{}, f.subs, f.ledger, f.disp, zerolog.Nop())
	require.NoError(t, err)
	h.now = func() time.Time { return now }
	f.h = h
	return f
}

func (f fixture) checkoutMeta(cycle string) map[string]string {
	return map[string]string{
		"userId":       uuid.NewString(),
		"productId":    f.product.String(),
		"hostname":     "web-1",
		"osVersionId":  uuid.NewString(),
		"sshKey":       "ssh-ed25519 AAAA user@host",
		"userPassword": "hunter2",
		"productPrice": "9.99",
		"billingCycle": cycle,
	}
}

func TestUnauthorizedEventTouchesNothing(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	_, err := f.h.HandleEvent(context.Background(), payload("evt_1", "sub_1"), "t=1,v1=forged")

	require.Error(t, err)
	assert.ErrorIs(t, err, fault.ErrUnauthorized)
	assert.Zero(t, f.subs.calls)
	assert.Zero(t, f.disp.count())
}

func TestUnreadableEventIsAcknowledged(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	res, err := f.h.HandleEvent(context.Background(), []byte("evt_9|malformed|sub_1"), goodSignature)

	require.NoError(t, err)
	assert.Equal(t, OutcomeNoop, res.Outcome)
	assert.Equal(t, "evt_9", res.EventID)
	assert.Zero(t, f.subs.calls)
	assert.Zero(t, f.disp.count())
}

func TestOtherEventTypesAreIgnored(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	res, err := f.h.HandleEvent(context.Background(), []byte("evt_1|customer.created|sub_1"), goodSignature)

	require.NoError(t, err)
	assert.Equal(t, OutcomeIgnored, res.Outcome)
	assert.Zero(t, f.subs.calls)
}

func TestFirstPaymentCreatesAndDispatches(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.subs.meta["sub_1"] = f.checkoutMeta("QUARTERLY")

	res, err := f.h.HandleEvent(context.Background(), payload("evt_1", "sub_1"), goodSignature)
	require.NoError(t, err)
	assert.Equal(t, OutcomeCreated, res.Outcome)
	assert.NotEqual(t, uuid.Nil, res.ServiceID)

	ord := f.ledger.order("sub_1")
	assert.Equal(t, model.CycleQuarterly, ord.BillingCycle)
	assert.InDelta(t, 9.99, ord.Amount, 0.0001)
	assert.Equal(t, time.Date(2026, 4, 15, 12, 0, 0, 0, time.UTC), ord.PaidUntil)
	assert.Equal(t, model.ServiceBuilding, f.ledger.services[res.ServiceID].Status)

	require.Equal(t, 1, f.disp.count())
	assert.Equal(t, res.ServiceID, f.disp.calls[0].serviceID)
	assert.Equal(t, "hunter2", f.disp.calls[0].creds.Password)
	assert.Equal(t, "ssh-ed25519 AAAA user@host", f.disp.calls[0].creds.SSHPublicKey)
}

func TestRedeliveredFirstPaymentIsANoop(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.subs.meta["sub_1"] = f.checkoutMeta("MONTHLY")

	_, err := f.h.HandleEvent(context.Background(), payload("evt_1", "sub_1"), goodSignature)
	require.NoError(t, err)
	before := f.ledger.order("sub_1")

	res, err := f.h.HandleEvent(context.Background(), payload("evt_1", "sub_1"), goodSignature)
	require.NoError(t, err)
	assert.Equal(t, OutcomeDuplicate, res.Outcome)
	assert.Equal(t, before, f.ledger.order("sub_1"))
	assert.Len(t, f.ledger.services, 1)
	assert.Equal(t, 1, f.disp.count())
}

func TestConcurrentFirstDeliveriesCreateOneService(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.subs.meta["sub_1"] = f.checkoutMeta("MONTHLY")

	var wg sync.WaitGroup
	for range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.h.HandleEvent(context.Background(), payload("evt_1", "sub_1"), goodSignature)
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	assert.Len(t, f.ledger.services, 1)
	assert.Equal(t, 1, f.disp.count())
}

func TestRenewalExtendsByCycle(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.subs.meta["sub_1"] = f.checkoutMeta("MONTHLY")
	_, err := f.h.HandleEvent(context.Background(), payload("evt_1", "sub_1"), goodSignature)
	require.NoError(t, err)
	subsCalls := f.subs.calls

	res, err := f.h.HandleEvent(context.Background(), payload("evt_2", "sub_1"), goodSignature)
	require.NoError(t, err)
	assert.Equal(t, OutcomeRenewed, res.Outcome)
	assert.Equal(t, time.Date(2026, 3, 15, 12, 0, 0, 0, time.UTC), f.ledger.order("sub_1").PaidUntil)
	assert.Equal(t, subsCalls, f.subs.calls, "renewal needs no subscription lookup")
	assert.Equal(t, 1, f.disp.count(), "renewal never provisions")

	// A redelivered renewal changes nothing.
	res, err = f.h.HandleEvent(context.Background(), payload("evt_2", "sub_1"), goodSignature)
	require.NoError(t, err)
	assert.Equal(t, OutcomeDuplicate, res.Outcome)
	assert.Equal(t, time.Date(2026, 3, 15, 12, 0, 0, 0, time.UTC), f.ledger.order("sub_1").PaidUntil)
}

func TestUnactionablePaymentsAreAcknowledged(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		meta func(f fixture) map[string]string
	}{
		{name: "no metadata", meta: func(fixture) map[string]string { return nil }},
		{name: "missing hostname", meta: func(f fixture) map[string]string {
			m := f.checkoutMeta("MONTHLY")
			delete(m, "hostname")
			return m
		}},
		{name: "unknown product", meta: func(f fixture) map[string]string {
			m := f.checkoutMeta("MONTHLY")
			m["productId"] = uuid.NewString()
			return m
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			f := newFixture(t)
			f.subs.meta["sub_1"] = tt.meta(f)

			res, err := f.h.HandleEvent(context.Background(), payload("evt_1", "sub_1"), goodSignature)
			require.NoError(t, err)
			assert.Equal(t, OutcomeNoop, res.Outcome)
			assert.Empty(t, f.ledger.orders)
			assert.Zero(t, f.disp.count())
		})
	}
}

func TestSubscriptionFetchFailureIsTransient(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.subs.err = errors.New("connection reset")

	_, err := f.h.HandleEvent(context.Background(), payload("evt_1", "sub_1"), goodSignature)
	require.Error(t, err)
	assert.NotErrorIs(t, err, fault.ErrUnauthorized)
	assert.ErrorIs(t, err, f.subs.err)
}

func TestDispatchFailureStillAcknowledges(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.subs.meta["sub_1"] = f.checkoutMeta("MONTHLY")
	f.disp.err = errors.New("nats: timeout")

	res, err := f.h.HandleEvent(context.Background(), payload("evt_1", "sub_1"), goodSignature)
	require.NoError(t, err)
	assert.Equal(t, OutcomeCreated, res.Outcome)
}

func TestParseProvisioningParams(t *testing.T) {
	t.Parallel()

	product, osv, user := uuid.New(), uuid.New(), uuid.New()
	full := map[string]string{
		"userId":       user.String(),
		"productId":    product.String(),
		"hostname":     " web-1 ",
		"osVersionId":  osv.String(),
		"productPrice": "not-a-number",
	}

	p, err := ParseProvisioningParams(full)
	require.NoError(t, err)
	assert.Equal(t, product, p.ProductID)
	assert.Equal(t, osv, p.OSVersionID)
	assert.Equal(t, user, p.UserID)
	assert.Equal(t, "web-1", p.Hostname)
	assert.Zero(t, p.Amount)
	assert.Equal(t, model.CycleMonthly, p.BillingCycle)

	bad := map[string]string{"productId": "xyz", "hostname": "h"}
	_, err = ParseProvisioningParams(bad)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "productId")
	assert.Contains(t, err.Error(), "osVersionId missing")
}
