package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// OrderStatus is the simplified local view of a deal's pipeline stage
type OrderStatus string

const (
	StatusPending    OrderStatus = "pending"
	StatusProcessing OrderStatus = "processing"
	StatusCompleted  OrderStatus = "completed"
	StatusCancelled  OrderStatus = "cancelled"
)

// Statuses lists the local statuses in pipeline order
var Statuses = []OrderStatus{StatusPending, StatusProcessing, StatusCompleted, StatusCancelled}

func (s OrderStatus) Valid() bool {
	switch s {
	case StatusPending, StatusProcessing, StatusCompleted, StatusCancelled:
		return true
	}
	return false
}

// Rank orders statuses along the pipeline, terminal statuses share the last rank
func (s OrderStatus) Rank() int {
	switch s {
	case StatusPending:
		return 0
	case StatusProcessing:
		return 1
	case StatusCompleted, StatusCancelled:
		return 2
	}
	return -1
}

// Order is the local manufacturing order mirrored as a CRM deal
type Order struct {
	ID           int64
	UserID       int64
	ServiceID    string
	Quantity     int
	TotalPrice   decimal.Decimal
	Status       OrderStatus
	RemoteDealID *int64 // Sync Link
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// User is the local account mirrored as a CRM contact
type User struct {
	ID              int64
	Username        string
	Email           string
	FullName        string
	Phone           string
	Company         string
	City            string
	UserType        string
	RemoteContactID *int64 // Sync Link
	UpdatedAt       time.Time
}
