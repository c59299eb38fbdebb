package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// Subscription is the protected business record: a paid recurring charge created from
// an external payment notification. The core reads, filters and compares these rows;
// their lifecycle beyond creation belongs to the caller.
type Subscription struct {
	ID                int                `gorm:"primary_key" json:"id"`
	UserID            int                `gorm:"not null;index" json:"user_id"`
	ExternalReference string             `gorm:"size:255;index" json:"external_reference"`
	OrderID           string             `gorm:"size:255;index" json:"order_id"`
	PaymentID         string             `gorm:"size:255;index" json:"payment_id"`
	Email             string             `gorm:"size:255;index" json:"email"`
	Phone             string             `gorm:"size:50" json:"phone"`
	Amount            decimal.Decimal    `gorm:"type:decimal(20,9)" json:"amount"`
	Status            SubscriptionStatus `gorm:"size:20;not null;index" json:"status"`
	CreatedAt         time.Time          `gorm:"autoCreateTime;index" json:"created_at"`
	UpdatedAt         time.Time          `gorm:"autoUpdateTime" json:"updated_at"`
}
