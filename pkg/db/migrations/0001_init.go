package migrations

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"
	"github.com/pressly/goose/v3"
	"gorm.io/datatypes"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
	"gorm.io/gorm/schema"
)

func init() {
	goose.AddMigrationContext(upInit, downInit)
}

type Product struct {
	ID        uuid.UUID      `gorm:"type:uuid;primaryKey"`
	Name      string         `gorm:"type:text;not null"`
	Specs     datatypes.JSON `gorm:"type:jsonb;not null"`
	CreatedAt time.Time      `gorm:"type:timestamptz;not null;default:now();autoCreateTime"`
}

type OSVersion struct {
	ID            uuid.UUID `gorm:"type:uuid;primaryKey"`
	Name          string    `gorm:"type:text;not null"`
	TemplateID    int       `gorm:"type:integer;not null"`
	CloudInitUser string    `gorm:"type:text"`
}

func (OSVersion) TableName() string { return "os_versions" }

type IPAddress struct {
	ID         uuid.UUID `gorm:"type:uuid;primaryKey"`
	Address    string    `gorm:"type:text;uniqueIndex;not null"`
	IPBlock    string    `gorm:"column:ip_block;type:text;not null"`
	Gateway    string    `gorm:"type:text;not null"`
	Location   string    `gorm:"type:text;not null;index:idx_ip_addresses_location_status,priority:1"`
	Status     string    `gorm:"type:text;not null;default:'AVAILABLE';index:idx_ip_addresses_location_status,priority:2;check:chk_ip_addresses_binding,(status = 'IN_USE' AND virtual_mac IS NOT NULL AND vmid IS NOT NULL) OR (status <> 'IN_USE' AND virtual_mac IS NULL AND vmid IS NULL)"`
	VirtualMAC *string   `gorm:"column:virtual_mac;type:text"`
	VMID       *int      `gorm:"column:vmid;type:integer"`
	UpdatedAt  time.Time `gorm:"type:timestamptz;not null;default:now();autoUpdateTime"`
}

type Order struct {
	ID             uuid.UUID `gorm:"type:uuid;primaryKey"`
	UserID         uuid.UUID `gorm:"type:uuid;not null;index"`
	ProductID      uuid.UUID `gorm:"type:uuid;not null"`
	Amount         float64   `gorm:"type:numeric(10,2);not null"`
	Status         string    `gorm:"type:text;not null;default:'ACTIVE'"`
	BillingCycle   string    `gorm:"type:text;not null;default:'MONTHLY'"`
	PaidUntil      time.Time `gorm:"type:timestamptz;not null"`
	SubscriptionID string    `gorm:"type:text;uniqueIndex;not null"`
	CreatedAt      time.Time `gorm:"type:timestamptz;not null;default:now();autoCreateTime"`
	UpdatedAt      time.Time `gorm:"type:timestamptz;not null;default:now();autoUpdateTime"`
	Product        Product   `gorm:"foreignKey:ProductID;references:ID;constraint:OnUpdate:CASCADE,OnDelete:RESTRICT"`
}

type Service struct {
	ID          uuid.UUID  `gorm:"type:uuid;primaryKey"`
	Hostname    string     `gorm:"type:text;not null"`
	Status      string     `gorm:"type:text;not null;default:'BUILDING';check:chk_services_running,status <> 'RUNNING' OR (vmid IS NOT NULL AND node IS NOT NULL)"`
	VMID        *int       `gorm:"column:vmid;type:integer;index"`
	Node        *string    `gorm:"type:text"`
	AddressID   *uuid.UUID `gorm:"type:uuid"`
	ClaimedBy   *uuid.UUID `gorm:"column:claimed_by;type:uuid"`
	OSVersionID uuid.UUID  `gorm:"column:os_version_id;type:uuid;not null"`
	UserID      uuid.UUID  `gorm:"type:uuid;not null;index"`
	OrderID     uuid.UUID  `gorm:"type:uuid;uniqueIndex;not null"`
	CreatedAt   time.Time  `gorm:"type:timestamptz;not null;default:now();autoCreateTime"`
	UpdatedAt   time.Time  `gorm:"type:timestamptz;not null;default:now();autoUpdateTime"`
	Order       Order      `gorm:"foreignKey:OrderID;references:ID;constraint:OnUpdate:CASCADE,OnDelete:CASCADE"`
	OSVersion   OSVersion  `gorm:"foreignKey:OSVersionID;references:ID;constraint:OnUpdate:CASCADE,OnDelete:RESTRICT"`
	Address     *IPAddress `gorm:"foreignKey:AddressID;references:ID;constraint:OnUpdate:CASCADE,OnDelete:SET NULL"`
}

type PaymentEvent struct {
	ID             string    `gorm:"type:text;primaryKey"`
	SubscriptionID string    `gorm:"type:text;not null;index"`
	Kind           string    `gorm:"type:text;not null"`
	ReceivedAt     time.Time `gorm:"type:timestamptz;not null;default:now();autoCreateTime"`
}

type ProvisioningRun struct {
	ID            uuid.UUID      `gorm:"type:uuid;primaryKey"`
	ServiceID     uuid.UUID      `gorm:"type:uuid;not null;index"`
	Outcome       string         `gorm:"type:text;not null"`
	FailedStep    string         `gorm:"type:text"`
	Error         string         `gorm:"type:text"`
	Steps         datatypes.JSON `gorm:"type:jsonb"`
	Compensations datatypes.JSON `gorm:"type:jsonb"`
	StartedAt     time.Time      `gorm:"type:timestamptz;not null"`
	FinishedAt    time.Time      `gorm:"type:timestamptz;not null"`
	Service       Service        `gorm:"foreignKey:ServiceID;references:ID;constraint:OnUpdate:CASCADE,OnDelete:CASCADE"`
}

type Audit struct {
	ID      int64             `gorm:"type:bigserial;primaryKey"`
	Actor   string            `gorm:"type:text;not null"`
	Action  string            `gorm:"type:text;not null"`
	Obj     string            `gorm:"type:text"`
	Details datatypes.JSONMap `gorm:"type:jsonb"`
	At      time.Time         `gorm:"type:timestamptz;not null;default:now();autoCreateTime"`
}

func (Audit) TableName() string { return "audit" }

func open(tx *sql.Tx) (*gorm.DB, error) {
	return gorm.Open(postgres.New(postgres.Config{Conn: tx, PreferSimpleProtocol: true}), &gorm.Config{
		NamingStrategy: schema.NamingStrategy{SingularTable: false},
		Logger:         logger.Default.LogMode(logger.Silent),
		// Relations are created explicitly below so the order is deterministic.
		DisableForeignKeyConstraintWhenMigrating: true,
	})
}

func upInit(ctx context.Context, tx *sql.Tx) error {
	gormDB, err := open(tx)
	if err != nil {
		return err
	}

	if err := gormDB.WithContext(ctx).AutoMigrate(
		&Product{},
		&OSVersion{},
		&IPAddress{},
		&Order{},
		&Service{},
		&PaymentEvent{},
		&ProvisioningRun{},
		&Audit{},
	); err != nil {
		return err
	}

	m := gormDB.WithContext(ctx).Migrator()
	constraints := []struct {
		model any
		name  string
	}{
		{&Order{}, "Product"},
		{&Service{}, "Order"},
		{&Service{}, "OSVersion"},
		{&Service{}, "Address"},
		{&ProvisioningRun{}, "Service"},
	}
	for _, c := range constraints {
		if err := m.CreateConstraint(c.model, c.name); err != nil {
			return err
		}
	}

	return nil
}

func downInit(ctx context.Context, tx *sql.Tx) error {
	gormDB, err := open(tx)
	if err != nil {
		return err
	}

	return gormDB.WithContext(ctx).Migrator().DropTable(
		&Audit{},
		&ProvisioningRun{},
		&PaymentEvent{},
		&Service{},
		&Order{},
		&IPAddress{},
		&OSVersion{},
		&Product{},
	)
}
