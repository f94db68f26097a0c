package events

import (
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/datatypes"
)

// LedgerEvent is one row in the append-only event stream.
type LedgerEvent struct {
	ID        snowflake.ID      `gorm:"primaryKey"`
	OrgID     snowflake.ID      `gorm:"not null;index;uniqueIndex:ux_ledger_events_dedupe,priority:1;uniqueIndex:ux_ledger_events_sequence,priority:1"`
	Livemode  bool              `gorm:"not null;uniqueIndex:ux_ledger_events_dedupe,priority:2;uniqueIndex:ux_ledger_events_sequence,priority:2"`
	Sequence  int64             `gorm:"not null;uniqueIndex:ux_ledger_events_sequence,priority:3"`
	EventType string            `gorm:"type:text;not null"`
	Payload   datatypes.JSONMap `gorm:"type:jsonb"`
	DedupeKey *string           `gorm:"type:text;uniqueIndex:ux_ledger_events_dedupe,priority:3"`
	Published bool              `gorm:"not null;default:false"`
	CreatedAt time.Time         `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

// TableName sets the database table name.
func (LedgerEvent) TableName() string { return "ledger_events" }

// LedgerEventSequence is the per-scope counter behind event ordering. Writers
// bump it with an upsert so the row lock serializes concurrent publishes in
// the same scope.
type LedgerEventSequence struct {
	OrgID        snowflake.ID `gorm:"primaryKey;autoIncrement:false"`
	Livemode     bool         `gorm:"primaryKey"`
	NextSequence int64        `gorm:"not null"`
}

// TableName sets the database table name.
func (LedgerEventSequence) TableName() string { return "ledger_event_sequences" }
