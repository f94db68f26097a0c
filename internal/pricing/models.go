// Package pricing resolves which pricing model a ledger-affecting record
// belongs to.
package pricing

import (
	"time"

	"github.com/bwmarrin/snowflake"
)

type ModelStatus string

const (
	ModelStatusActive   ModelStatus = "active"
	ModelStatusArchived ModelStatus = "archived"
)

// PricingModel is the pricing context every ledger transaction and entry
// resolves to.
type PricingModel struct {
	ID        snowflake.ID `gorm:"primaryKey"`
	OrgID     snowflake.ID `gorm:"not null;index;uniqueIndex:ux_pricing_models_org_code,priority:1"`
	Livemode  bool         `gorm:"not null;uniqueIndex:ux_pricing_models_org_code,priority:2"`
	Code      string       `gorm:"type:text;not null;uniqueIndex:ux_pricing_models_org_code,priority:3"`
	Name      string       `gorm:"type:text;not null"`
	Currency  string       `gorm:"type:text;not null"`
	Status    ModelStatus  `gorm:"type:text;not null;default:active"`
	CreatedAt time.Time    `gorm:"not null;default:CURRENT_TIMESTAMP"`
	UpdatedAt time.Time    `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

// TableName sets the database table name.
func (PricingModel) TableName() string { return "pricing_models" }
