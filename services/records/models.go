package records

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"

	"vpsd/pkg/model"
)

type serviceRow struct {
	ID          uuid.UUID  `gorm:"type:uuid;primaryKey"`
	Hostname    string     `gorm:"type:text;not null"`
	Status      string     `gorm:"type:text;not null"`
	VMID        *int       `gorm:"column:vmid"`
	Node        *string    `gorm:"type:text"`
	AddressID   *uuid.UUID `gorm:"type:uuid"`
	ClaimedBy   *uuid.UUID `gorm:"column:claimed_by;type:uuid"`
	OSVersionID uuid.UUID  `gorm:"column:os_version_id;type:uuid"`
	UserID      uuid.UUID  `gorm:"type:uuid"`
	OrderID     uuid.UUID  `gorm:"type:uuid"`
	CreatedAt   time.Time  `gorm:"type:timestamptz;autoCreateTime"`
	UpdatedAt   time.Time  `gorm:"type:timestamptz;autoUpdateTime"`
}

func (serviceRow) TableName() string { return "services" }

func (r serviceRow) toModel() model.ServiceRecord {
	return model.ServiceRecord{
		ID:          r.ID,
		Hostname:    r.Hostname,
		Status:      model.ServiceStatus(r.Status),
		VMID:        r.VMID,
		Node:        r.Node,
		AddressID:   r.AddressID,
		OSVersionID: r.OSVersionID,
		UserID:      r.UserID,
		OrderID:     r.OrderID,
		CreatedAt:   r.CreatedAt,
		UpdatedAt:   r.UpdatedAt,
	}
}

type orderRow struct {
	ID             uuid.UUID `gorm:"type:uuid;primaryKey"`
	UserID         uuid.UUID `gorm:"type:uuid"`
	ProductID      uuid.UUID `gorm:"type:uuid"`
	Amount         float64   `gorm:"type:numeric(10,2)"`
	Status         string    `gorm:"type:text"`
	BillingCycle   string    `gorm:"type:text"`
	PaidUntil      time.Time `gorm:"type:timestamptz"`
	SubscriptionID string    `gorm:"type:text"`
	CreatedAt      time.Time `gorm:"type:timestamptz;autoCreateTime"`
	UpdatedAt      time.Time `gorm:"type:timestamptz;autoUpdateTime"`
}

func (orderRow) TableName() string { return "orders" }

func (r orderRow) toModel() model.Order {
	return model.Order{
		ID:             r.ID,
		Amount:         r.Amount,
		Status:         model.OrderStatus(r.Status),
		BillingCycle:   model.ParseBillingCycle(r.BillingCycle),
		PaidUntil:      r.PaidUntil,
		SubscriptionID: r.SubscriptionID,
		ProductID:      r.ProductID,
		UserID:         r.UserID,
	}
}

type productRow struct {
	ID    uuid.UUID      `gorm:"type:uuid;primaryKey"`
	Name  string         `gorm:"type:text"`
	Specs datatypes.JSON `gorm:"type:jsonb"`
}

func (productRow) TableName() string { return "products" }

func (r productRow) toModel() (model.Product, error) {
	var specs model.ProductSpecs
	if len(r.Specs) > 0 {
		if err := json.Unmarshal(r.Specs, &specs); err != nil {
			return model.Product{}, err
		}
	}
	return model.Product{ID: r.ID, Name: r.Name, Specs: specs}, nil
}

type osVersionRow struct {
	ID            uuid.UUID `gorm:"type:uuid;primaryKey"`
	Name          string    `gorm:"type:text"`
	TemplateID    int       `gorm:"type:integer"`
	CloudInitUser string    `gorm:"type:text"`
}

func (osVersionRow) TableName() string { return "os_versions" }

func (r osVersionRow) toModel() model.OSVersion {
	return model.OSVersion{ID: r.ID, Name: r.Name, TemplateID: r.TemplateID, CloudInitUser: r.CloudInitUser}
}

type paymentEventRow struct {
	ID             string    `gorm:"type:text;primaryKey"`
	SubscriptionID string    `gorm:"type:text"`
	Kind           string    `gorm:"type:text"`
	ReceivedAt     time.Time `gorm:"type:timestamptz;autoCreateTime"`
}

func (paymentEventRow) TableName() string { return "payment_events" }

type runRow struct {
	ID            uuid.UUID      `gorm:"type:uuid;primaryKey"`
	ServiceID     uuid.UUID      `gorm:"type:uuid"`
	Outcome       string         `gorm:"type:text"`
	FailedStep    string         `gorm:"type:text"`
	Error         string         `gorm:"type:text"`
	Steps         datatypes.JSON `gorm:"type:jsonb"`
	Compensations datatypes.JSON `gorm:"type:jsonb"`
	StartedAt     time.Time      `gorm:"type:timestamptz"`
	FinishedAt    time.Time      `gorm:"type:timestamptz"`
}

func (runRow) TableName() string { return "provisioning_runs" }

func runRowFromReport(r model.RunReport) (runRow, error) {
	steps, err := json.Marshal(r.Steps)
	if err != nil {
		return runRow{}, err
	}
	comps, err := json.Marshal(r.Compensations)
	if err != nil {
		return runRow{}, err
	}
	return runRow{
		ID:            r.RunID,
		ServiceID:     r.ServiceID,
		Outcome:       string(r.Outcome),
		FailedStep:    r.FailedStep,
		Error:         r.Error,
		Steps:         datatypes.JSON(steps),
		Compensations: datatypes.JSON(comps),
		StartedAt:     r.StartedAt,
		FinishedAt:    r.FinishedAt,
	}, nil
}

func (r runRow) toModel() (model.RunReport, error) {
	out := model.RunReport{
		RunID:      r.ID,
		ServiceID:  r.ServiceID,
		Outcome:    model.RunOutcome(r.Outcome),
		FailedStep: r.FailedStep,
		Error:      r.Error,
		StartedAt:  r.StartedAt,
		FinishedAt: r.FinishedAt,
	}
	if len(r.Steps) > 0 {
		if err := json.Unmarshal(r.Steps, &out.Steps); err != nil {
			return model.RunReport{}, err
		}
	}
	if len(r.Compensations) > 0 {
		if err := json.Unmarshal(r.Compensations, &out.Compensations); err != nil {
			return model.RunReport{}, err
		}
	}
	return out, nil
}

type auditRow struct {
	ID      int64             `gorm:"primaryKey"`
	Actor   string            `gorm:"type:text"`
	Action  string            `gorm:"type:text"`
	Obj     string            `gorm:"type:text"`
	Details datatypes.JSONMap `gorm:"type:jsonb"`
	At      time.Time         `gorm:"type:timestamptz;autoCreateTime"`
}

func (auditRow) TableName() string { return "audit" }
