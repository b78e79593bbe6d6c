// Package billing turns payment processor events into renewals or new
// services. Every event is idempotent on its subscription id and event id.
package billing

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"vpsd/pkg/fault"
	"vpsd/pkg/metrics"
	"vpsd/pkg/model"
)

// EventInvoicePaymentSucceeded is the only event type that acts.
const EventInvoicePaymentSucceeded = "invoice.payment_succeeded"

// Subscription metadata keys written at checkout.
const (
	metaUserID       = "userId"
	metaProductID    = "productId"
	metaHostname     = "hostname"
	metaOSVersionID  = "osVersionId"
	metaSSHKey       = "sshKey"
	metaUserPassword = "userPassword"
	metaProductPrice = "productPrice"
	metaBillingCycle = "billingCycle"
)

// ErrMalformedEvent marks an authentic event whose body cannot be read. It
// can never be acted on, so it is acknowledged rather than retried.
var ErrMalformedEvent = errors.New("malformed payment event")

// Event is a verified payment event.
type Event struct {
	ID             string
	Type           string
	SubscriptionID string
}

// Verifier authenticates a raw payload. It returns an error matching
// fault.ErrUnauthorized when the signature does not verify and
// ErrMalformedEvent, with the event id set, when the body is unreadable.
type Verifier interface {
	Verify(payload []byte, signature string) (Event, error)
}

// SubscriptionSource reads the provisioning metadata of a subscription.
type SubscriptionSource interface {
	SubscriptionMetadata(ctx context.Context, subscriptionID string) (map[string]string, error)
}

// Ledger is the slice of the record store the handler writes through.
type Ledger interface {
	ApplyRenewal(ctx context.Context, subscriptionID, eventID string, now time.Time) (model.Order, bool, error)
	CreatePendingService(ctx context.Context, p model.PendingService) (model.ServiceRecord, bool, error)
}

// Dispatcher starts provisioning of a pending service without waiting for it.
type Dispatcher interface {
	Dispatch(ctx context.Context, serviceID uuid.UUID, creds model.Credentials) error
}

// Outcome names how an event was handled.
type Outcome string

const (
	OutcomeIgnored   Outcome = "ignored"
	OutcomeRenewed   Outcome = "renewed"
	OutcomeDuplicate Outcome = "duplicate"
	OutcomeCreated   Outcome = "created"
	OutcomeNoop      Outcome = "noop"
)

// Result reports what HandleEvent did.
type Result struct {
	Outcome   Outcome
	EventID   string
	ServiceID uuid.UUID
	PaidUntil time.Time
}

// Handler applies verified payment events to the ledger and starts
// provisioning for first payments.
type Handler struct {
	verifier Verifier
	subs     SubscriptionSource
	ledger   Ledger
	dispatch Dispatcher
	now      func() time.Time
	logger   zerolog.Logger
}

// NewHandler wires a Handler. Every dependency is required.
func NewHandler(v Verifier, subs SubscriptionSource, ledger Ledger, d Dispatcher, logger zerolog.Logger) (*Handler, error) {
	switch {
	case v == nil:
		return nil, errors.New("verifier is required")
	case subs == nil:
		return nil, errors.New("subscription source is required")
	case ledger == nil:
		return nil, errors.New("ledger is required")
	case d == nil:
		return nil, errors.New("dispatcher is required")
	}
	return &Handler{
		verifier: v,
		subs:     subs,
		ledger:   ledger,
		dispatch: d,
		now:      time.Now,
		logger:   logger.With().Str("component", "billing").Logger(),
	}, nil
}

// HandleEvent verifies and applies one payment event. A returned error other
// than fault.ErrUnauthorized is transient and the processor should retry.
// Un-actionable or unreadable events and provisioning failures never produce
// an error.
func (h *Handler) HandleEvent(ctx context.Context, payload []byte, signature string) (Result, error) {
	evt, err := h.verifier.Verify(payload, signature)
	if errors.Is(err, ErrMalformedEvent) {
		metrics.WebhookEventsTotal.WithLabelValues(string(OutcomeNoop)).Inc()
		h.logger.Warn().Err(err).Str("event_id", evt.ID).Msg("acknowledging unreadable payment event")
		return Result{Outcome: OutcomeNoop, EventID: evt.ID}, nil
	}
	if err != nil {
		metrics.WebhookEventsTotal.WithLabelValues("unauthorized").Inc()
		h.logger.Warn().Err(err).Msg("payment event rejected")
		if !errors.Is(err, fault.ErrUnauthorized) {
			err = fmt.Errorf("%w: %v", fault.ErrUnauthorized, err)
		}
		return Result{}, err
	}

	res, err := h.apply(ctx, evt)
	kind := string(res.Outcome)
	if err != nil {
		kind = "error"
	}
	metrics.WebhookEventsTotal.WithLabelValues(kind).Inc()
	return res, err
}

func (h *Handler) apply(ctx context.Context, evt Event) (Result, error) {
	res := Result{EventID: evt.ID}
	logger := h.logger.With().Str("event_id", evt.ID).Str("subscription_id", evt.SubscriptionID).Logger()

	if evt.Type != EventInvoicePaymentSucceeded || evt.SubscriptionID == "" {
		logger.Debug().Str("type", evt.Type).Msg("ignoring payment event")
		res.Outcome = OutcomeIgnored
		return res, nil
	}

	now := h.now().UTC()
	order, applied, err := h.ledger.ApplyRenewal(ctx, evt.SubscriptionID, evt.ID, now)
	switch {
	case err == nil && applied:
		logger.Info().Time("paid_until", order.PaidUntil).Msg("subscription renewed")
		res.Outcome, res.PaidUntil = OutcomeRenewed, order.PaidUntil
		return res, nil
	case err == nil:
		logger.Info().Msg("payment event already applied")
		res.Outcome, res.PaidUntil = OutcomeDuplicate, order.PaidUntil
		return res, nil
	case !errors.Is(err, fault.ErrNotFound):
		return res, fmt.Errorf("apply renewal: %w", err)
	}

	meta, err := h.subs.SubscriptionMetadata(ctx, evt.SubscriptionID)
	if err != nil {
		return res, fmt.Errorf("fetch subscription %s: %w", evt.SubscriptionID, err)
	}
	params, err := ParseProvisioningParams(meta)
	if err != nil {
		logger.Warn().Err(err).Msg("payment without usable provisioning metadata and no existing order")
		res.Outcome = OutcomeNoop
		return res, nil
	}

	svc, created, err := h.ledger.CreatePendingService(ctx, model.PendingService{
		SubscriptionID: evt.SubscriptionID,
		EventID:        evt.ID,
		Params:         params,
		PaidUntil:      params.BillingCycle.Advance(now),
	})
	switch {
	case errors.Is(err, fault.ErrNotFound):
		logger.Warn().Err(err).Msg("provisioning metadata references unknown catalog entries")
		res.Outcome = OutcomeNoop
		return res, nil
	case err != nil:
		return res, fmt.Errorf("create pending service: %w", err)
	case !created:
		logger.Info().Msg("order already created by a concurrent delivery")
		res.Outcome = OutcomeDuplicate
		return res, nil
	}

	res.Outcome, res.ServiceID, res.PaidUntil = OutcomeCreated, svc.ID, params.BillingCycle.Advance(now)
	logger = logger.With().Stringer("service_id", svc.ID).Logger()
	logger.Info().Str("hostname", svc.Hostname).Msg("service created; dispatching provisioning")

	// The service row is committed, so a redelivery would be treated as a
	// duplicate. Dispatch errors are therefore logged, not returned.
	if err := h.dispatch.Dispatch(ctx, svc.ID, params.Credentials); err != nil {
		logger.Error().Err(err).Msg("failed to dispatch provisioning")
	}
	return res, nil
}

// ParseProvisioningParams extracts provisioning parameters from subscription
// metadata. It fails when an identifier or the hostname is missing.
func ParseProvisioningParams(meta map[string]string) (model.ProvisioningParams, error) {
	if len(meta) == 0 {
		return model.ProvisioningParams{}, errors.New("no metadata")
	}

	var (
		p    model.ProvisioningParams
		errs []error
	)
	parseID := func(key string, dst *uuid.UUID) {
		raw := strings.TrimSpace(meta[key])
		if raw == "" {
			errs = append(errs, fmt.Errorf("%s missing", key))
			return
		}
		id, err := uuid.Parse(raw)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", key, err))
			return
		}
		*dst = id
	}
	parseID(metaProductID, &p.ProductID)
	parseID(metaOSVersionID, &p.OSVersionID)
	parseID(metaUserID, &p.UserID)

	p.Hostname = strings.TrimSpace(meta[metaHostname])
	if p.Hostname == "" {
		errs = append(errs, fmt.Errorf("%s missing", metaHostname))
	}
	if len(errs) > 0 {
		return model.ProvisioningParams{}, errors.Join(errs...)
	}

	if raw := strings.TrimSpace(meta[metaProductPrice]); raw != "" {
		if amount, err := strconv.ParseFloat(raw, 64); err == nil {
			p.Amount = amount
		}
	}
	p.BillingCycle = model.ParseBillingCycle(meta[metaBillingCycle])
	p.Credentials = model.Credentials{
		SSHPublicKey: strings.TrimSpace(meta[metaSSHKey]),
		Password:     meta[metaUserPassword],
	}
	return p, nil
}
