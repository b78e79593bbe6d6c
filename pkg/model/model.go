// Package model holds the records shared by the provisioning core: services,
// addresses, orders and the read-only catalog entries used to size instances.
package model

import (
	"time"

	"github.com/google/uuid"
)

// ServiceStatus is the lifecycle state of a provisioned VPS.
type ServiceStatus string

const (
	ServiceBuilding ServiceStatus = "BUILDING"
	ServiceRunning  ServiceStatus = "RUNNING"
	ServiceStopped  ServiceStatus = "STOPPED"
)

// AddressStatus is the reservation state of a pooled address.
type AddressStatus string

const (
	AddressAvailable AddressStatus = "AVAILABLE"
	AddressReserved  AddressStatus = "RESERVED"
	AddressInUse     AddressStatus = "IN_USE"
)

// OrderStatus tracks the billing state of an order.
type OrderStatus string

const (
	OrderActive    OrderStatus = "ACTIVE"
	OrderCancelled OrderStatus = "CANCELLED"
)

// ServiceRecord is a customer VPS. VMID and Node are set whenever Status is RUNNING.
type ServiceRecord struct {
	ID          uuid.UUID     `json:"id"`
	Hostname    string        `json:"hostname"`
	Status      ServiceStatus `json:"status"`
	VMID        *int          `json:"vmid,omitempty"`
	Node        *string       `json:"node,omitempty"`
	AddressID   *uuid.UUID    `json:"address_id,omitempty"`
	OSVersionID uuid.UUID     `json:"os_version_id"`
	UserID      uuid.UUID     `json:"user_id"`
	OrderID     uuid.UUID     `json:"order_id"`
	CreatedAt   time.Time     `json:"created_at"`
	UpdatedAt   time.Time     `json:"updated_at"`
}

// AddressRecord is one routable address from an allocator block.
// VirtualMAC and VMID are set exactly when Status is IN_USE.
type AddressRecord struct {
	ID         uuid.UUID     `json:"id" db:"id"`
	Address    string        `json:"address" db:"address"`
	Block      string        `json:"block" db:"ip_block"`
	Gateway    string        `json:"gateway" db:"gateway"`
	Location   string        `json:"location" db:"location"`
	Status     AddressStatus `json:"status" db:"status"`
	VirtualMAC *string       `json:"virtual_mac,omitempty" db:"virtual_mac"`
	VMID       *int          `json:"vmid,omitempty" db:"vmid"`
}

// Order is the billing side of a service. SubscriptionID is unique and is the
// idempotency key for payment events.
type Order struct {
	ID             uuid.UUID    `json:"id"`
	Amount         float64      `json:"amount"`
	Status         OrderStatus  `json:"status"`
	BillingCycle   BillingCycle `json:"billing_cycle"`
	PaidUntil      time.Time    `json:"paid_until"`
	SubscriptionID string       `json:"subscription_id"`
	ProductID      uuid.UUID    `json:"product_id"`
	UserID         uuid.UUID    `json:"user_id"`
}

// Product is a catalog plan; only its specs matter to provisioning.
type Product struct {
	ID    uuid.UUID    `json:"id"`
	Name  string       `json:"name"`
	Specs ProductSpecs `json:"specs"`
}

// ProductSpecs sizes the compute request. Older catalog rows carry RAM in
// whole gigabytes (ramGB); newer ones carry ramMiB.
type ProductSpecs struct {
	VCPUs      int    `json:"vcpus"`
	RAMMiB     int    `json:"ramMiB,omitempty"`
	RAMGB      int    `json:"ramGB,omitempty"`
	StorageGiB int    `json:"storageGB"`
	Location   string `json:"location"`
}

// MemoryMiB returns the memory size in MiB, the unit the hypervisor expects.
func (s ProductSpecs) MemoryMiB() int {
	if s.RAMMiB > 0 {
		return s.RAMMiB
	}
	return s.RAMGB * 1024
}

// OSVersion maps a catalog OS selection to a hypervisor template.
type OSVersion struct {
	ID            uuid.UUID `json:"id"`
	Name          string    `json:"name"`
	TemplateID    int       `json:"template_id"`
	CloudInitUser string    `json:"cloud_init_user"`
}

// DefaultCloudInitUser is used when an OS version does not name a login user.
const DefaultCloudInitUser = "ubuntu"

// LoginUser returns the cloud-init user for the version.
func (v OSVersion) LoginUser() string {
	if v.CloudInitUser == "" {
		return DefaultCloudInitUser
	}
	return v.CloudInitUser
}

// ProvisioningInput is everything the orchestrator loads before touching any
// external system.
type ProvisioningInput struct {
	Service   ServiceRecord
	Order     Order
	Product   Product
	OSVersion OSVersion
}

// Credentials are the first-boot secrets supplied by the customer. They are
// never persisted by the record store.
type Credentials struct {
	SSHPublicKey string `json:"ssh_key"`
	Password     string `json:"password"`
}
