// Package records is the gorm-backed store for services, orders, catalog
// lookups, payment events and provisioning run history.
package records

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"vpsd/pkg/db"
	"vpsd/pkg/fault"
	"vpsd/pkg/model"
)

const (
	eventKindCreation = "creation"
	eventKindRenewal  = "renewal"
)

// Store implements the record contracts consumed by provisioning, billing
// and control.
type Store struct {
	orm    *gorm.DB
	logger zerolog.Logger
}

// New returns a Store over orm.
func New(orm *gorm.DB, logger zerolog.Logger) (*Store, error) {
	if orm == nil {
		return nil, errors.New("orm is required")
	}
	return &Store{orm: orm, logger: logger.With().Str("component", "records").Logger()}, nil
}

func notFound(kind string, key any, err error) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return fmt.Errorf("%w: %s %v", fault.ErrNotFound, kind, key)
	}
	return fmt.Errorf("load %s %v: %w", kind, key, err)
}

// LoadProvisioningInput reads the service and everything needed to size and
// build it. Any missing or unusable record is reported as ErrNotFound.
func (s *Store) LoadProvisioningInput(ctx context.Context, serviceID uuid.UUID) (model.ProvisioningInput, error) {
	orm := s.orm.WithContext(ctx)

	var svc serviceRow
	if err := orm.First(&svc, "id = ?", serviceID).Error; err != nil {
		return model.ProvisioningInput{}, notFound("service", serviceID, err)
	}
	var ord orderRow
	if err := orm.First(&ord, "id = ?", svc.OrderID).Error; err != nil {
		return model.ProvisioningInput{}, notFound("order", svc.OrderID, err)
	}
	var prod productRow
	if err := orm.First(&prod, "id = ?", ord.ProductID).Error; err != nil {
		return model.ProvisioningInput{}, notFound("product", ord.ProductID, err)
	}
	var osv osVersionRow
	if err := orm.First(&osv, "id = ?", svc.OSVersionID).Error; err != nil {
		return model.ProvisioningInput{}, notFound("os version", svc.OSVersionID, err)
	}

	product, err := prod.toModel()
	if err != nil {
		return model.ProvisioningInput{}, fmt.Errorf("%w: product %s has unreadable specs: %v", fault.ErrNotFound, prod.ID, err)
	}
	if osv.TemplateID <= 0 {
		return model.ProvisioningInput{}, fmt.Errorf("%w: os version %s has no template", fault.ErrNotFound, osv.ID)
	}

	return model.ProvisioningInput{
		Service:   svc.toModel(),
		Order:     ord.toModel(),
		Product:   product,
		OSVersion: osv.toModel(),
	}, nil
}

func (s *Store) updateService(ctx context.Context, serviceID uuid.UUID, updates map[string]any) error {
	updates["updated_at"] = time.Now().UTC()
	res := s.orm.WithContext(ctx).Model(&serviceRow{}).Where("id = ?", serviceID).Updates(updates)
	if res.Error != nil {
		return fmt.Errorf("update service %s: %w", serviceID, res.Error)
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("%w: service %s", fault.ErrNotFound, serviceID)
	}
	return nil
}

// ClaimProvisioning binds a BUILDING service to a single provisioning run.
// It returns ErrNotFound for an unknown service and ErrInvalidState when the
// service is no longer BUILDING or another run already holds it.
func (s *Store) ClaimProvisioning(ctx context.Context, serviceID, runID uuid.UUID) error {
	orm := s.orm.WithContext(ctx)
	res := orm.Model(&serviceRow{}).
		Where("id = ? AND status = ? AND claimed_by IS NULL", serviceID, string(model.ServiceBuilding)).
		Updates(map[string]any{"claimed_by": runID, "updated_at": time.Now().UTC()})
	if res.Error != nil {
		return fmt.Errorf("claim service %s: %w", serviceID, res.Error)
	}
	if res.RowsAffected == 1 {
		return nil
	}

	var svc serviceRow
	if err := orm.First(&svc, "id = ?", serviceID).Error; err != nil {
		return notFound("service", serviceID, err)
	}
	if svc.ClaimedBy != nil {
		return fmt.Errorf("%w: service %s is %s and claimed by run %s", fault.ErrInvalidState, serviceID, svc.Status, *svc.ClaimedBy)
	}
	return fmt.Errorf("%w: service %s is %s", fault.ErrInvalidState, serviceID, svc.Status)
}

// MarkRunning records a successful build.
func (s *Store) MarkRunning(ctx context.Context, serviceID uuid.UUID, vmid int, node string, addressID uuid.UUID) error {
	return s.updateService(ctx, serviceID, map[string]any{
		"status":     string(model.ServiceRunning),
		"vmid":       vmid,
		"node":       node,
		"address_id": addressID,
	})
}

// MarkStopped records a failed build.
func (s *Store) MarkStopped(ctx context.Context, serviceID uuid.UUID) error {
	return s.SetServiceStatus(ctx, serviceID, model.ServiceStopped)
}

// SetServiceStatus overwrites the status of a service.
func (s *Store) SetServiceStatus(ctx context.Context, serviceID uuid.UUID, status model.ServiceStatus) error {
	return s.updateService(ctx, serviceID, map[string]any{"status": string(status)})
}

// FindServiceByVMID returns the service built on instance vmid.
func (s *Store) FindServiceByVMID(ctx context.Context, vmid int) (model.ServiceRecord, error) {
	var svc serviceRow
	if err := s.orm.WithContext(ctx).First(&svc, "vmid = ?", vmid).Error; err != nil {
		return model.ServiceRecord{}, notFound("instance", vmid, err)
	}
	return svc.toModel(), nil
}

// FindOrderBySubscription returns the order for a payment subscription.
func (s *Store) FindOrderBySubscription(ctx context.Context, subscriptionID string) (model.Order, error) {
	var ord orderRow
	if err := s.orm.WithContext(ctx).First(&ord, "subscription_id = ?", subscriptionID).Error; err != nil {
		return model.Order{}, notFound("subscription", subscriptionID, err)
	}
	return ord.toModel(), nil
}

// ApplyRenewal extends the order of subscriptionID by one billing cycle and
// records eventID. It returns applied=false when eventID was already
// processed, and ErrNotFound when no order exists for the subscription.
func (s *Store) ApplyRenewal(ctx context.Context, subscriptionID, eventID string, now time.Time) (model.Order, bool, error) {
	var (
		out     model.Order
		applied bool
	)
	err := s.orm.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var ord orderRow
		err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).First(&ord, "subscription_id = ?", subscriptionID).Error
		if err != nil {
			return notFound("subscription", subscriptionID, err)
		}

		res := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&paymentEventRow{
			ID:             eventID,
			SubscriptionID: subscriptionID,
			Kind:           eventKindRenewal,
		})
		if res.Error != nil {
			return fmt.Errorf("record payment event %s: %w", eventID, res.Error)
		}
		if res.RowsAffected == 0 {
			out = ord.toModel()
			return nil
		}

		cycle := model.ParseBillingCycle(ord.BillingCycle)
		ord.PaidUntil = cycle.RenewedUntil(ord.PaidUntil, now)
		if err := tx.Model(&ord).Updates(map[string]any{
			"paid_until": ord.PaidUntil,
			"updated_at": now,
		}).Error; err != nil {
			return fmt.Errorf("extend order %s: %w", ord.ID, err)
		}

		out = ord.toModel()
		applied = true
		return nil
	})
	if err != nil {
		return model.Order{}, false, err
	}
	return out, applied, nil
}

// CreatePendingService creates an ACTIVE order and a BUILDING service for a
// first payment. When the subscription already has an order nothing is
// written and created is false.
func (s *Store) CreatePendingService(ctx context.Context, p model.PendingService) (model.ServiceRecord, bool, error) {
	var (
		out     model.ServiceRecord
		created bool
	)
	err := s.orm.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		ord := orderRow{
			ID:             uuid.New(),
			UserID:         p.Params.UserID,
			ProductID:      p.Params.ProductID,
			Amount:         p.Params.Amount,
			Status:         string(model.OrderActive),
			BillingCycle:   string(p.Params.BillingCycle),
			PaidUntil:      p.PaidUntil,
			SubscriptionID: p.SubscriptionID,
		}
		res := tx.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "subscription_id"}},
			DoNothing: true,
		}).Create(&ord)
		if res.Error != nil {
			return classifyInsert("order", res.Error)
		}
		if res.RowsAffected == 0 {
			// Lost the race to a concurrent delivery of the same subscription.
			return nil
		}

		svc := serviceRow{
			ID:          uuid.New(),
			Hostname:    p.Params.Hostname,
			Status:      string(model.ServiceBuilding),
			OSVersionID: p.Params.OSVersionID,
			UserID:      p.Params.UserID,
			OrderID:     ord.ID,
		}
		if err := tx.Create(&svc).Error; err != nil {
			return classifyInsert("service", err)
		}

		if p.EventID != "" {
			if err := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&paymentEventRow{
				ID:             p.EventID,
				SubscriptionID: p.SubscriptionID,
				Kind:           eventKindCreation,
			}).Error; err != nil {
				return fmt.Errorf("record payment event %s: %w", p.EventID, err)
			}
		}

		out = svc.toModel()
		created = true
		return nil
	})
	if err != nil {
		return model.ServiceRecord{}, false, err
	}
	return out, created, nil
}

func classifyInsert(kind string, err error) error {
	if db.IsForeignKeyViolation(err) {
		return fmt.Errorf("%w: %s references an unknown record: %v", fault.ErrNotFound, kind, err)
	}
	return fmt.Errorf("create %s: %w", kind, err)
}

// RecordRun persists a provisioning run summary.
func (s *Store) RecordRun(ctx context.Context, report model.RunReport) error {
	row, err := runRowFromReport(report)
	if err != nil {
		return fmt.Errorf("encode run %s: %w", report.RunID, err)
	}
	if err := s.orm.WithContext(ctx).Create(&row).Error; err != nil {
		return fmt.Errorf("record run %s: %w", report.RunID, err)
	}
	return nil
}

// ListRuns returns the runs of a service, newest first.
func (s *Store) ListRuns(ctx context.Context, serviceID uuid.UUID) ([]model.RunReport, error) {
	var rows []runRow
	if err := s.orm.WithContext(ctx).Where("service_id = ?", serviceID).Order("started_at DESC").Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("list runs of %s: %w", serviceID, err)
	}

	out := make([]model.RunReport, 0, len(rows))
	for _, row := range rows {
		r, err := row.toModel()
		if err != nil {
			return nil, fmt.Errorf("decode run %s: %w", row.ID, err)
		}
		out = append(out, r)
	}
	return out, nil
}

// Audit appends an entry to the audit log.
func (s *Store) Audit(ctx context.Context, actor, action, obj string, details map[string]any) error {
	row := auditRow{Actor: actor, Action: action, Obj: obj, Details: datatypes.JSONMap(details)}
	if err := s.orm.WithContext(ctx).Create(&row).Error; err != nil {
		return fmt.Errorf("audit %s %s: %w", action, obj, err)
	}
	return nil
}
