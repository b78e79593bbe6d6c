package model

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

// BillingCycle is the renewal period of a subscription.
type BillingCycle string

const (
	CycleMonthly   BillingCycle = "MONTHLY"
	CycleQuarterly BillingCycle = "QUARTERLY"
	CycleAnnually  BillingCycle = "ANNUALLY"
)

// ParseBillingCycle normalises a cycle name, defaulting to monthly for empty or
// unknown values.
func ParseBillingCycle(s string) BillingCycle {
	switch BillingCycle(strings.ToUpper(strings.TrimSpace(s))) {
	case CycleQuarterly:
		return CycleQuarterly
	case CycleAnnually:
		return CycleAnnually
	default:
		return CycleMonthly
	}
}

// Advance returns t moved forward by one billing period in calendar months.
func (c BillingCycle) Advance(t time.Time) time.Time {
	switch c {
	case CycleQuarterly:
		return t.AddDate(0, 3, 0)
	case CycleAnnually:
		return t.AddDate(1, 0, 0)
	default:
		return t.AddDate(0, 1, 0)
	}
}

// RenewedUntil computes the paid-until timestamp after one more paid period.
// Renewals stack on top of time already paid for.
func (c BillingCycle) RenewedUntil(current, now time.Time) time.Time {
	base := now
	if current.After(now) {
		base = current
	}
	return c.Advance(base)
}

// ProvisioningParams is the metadata a first payment carries so the service
// can be built.
type ProvisioningParams struct {
	UserID       uuid.UUID
	ProductID    uuid.UUID
	OSVersionID  uuid.UUID
	Hostname     string
	Amount       float64
	BillingCycle BillingCycle
	Credentials  Credentials
}

// PendingService is the order/service pair created synchronously when a first
// payment succeeds. EventID is recorded with it so a redelivery of the same
// event is never mistaken for a renewal.
type PendingService struct {
	SubscriptionID string
	EventID        string
	Params         ProvisioningParams
	PaidUntil      time.Time
}
