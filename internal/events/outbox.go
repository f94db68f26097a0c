package events

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// Event describes a ledger event to store in the outbox.
type Event struct {
	OrgID     snowflake.ID
	Livemode  bool
	Type      string
	Payload   map[string]any
	DedupeKey string
}

// Outbox appends events to the ledger_events table. Each (org, livemode)
// scope carries its own monotonically increasing sequence so subscribers can
// catch up after missed notifications.
type Outbox struct {
	db    *gorm.DB
	genID *snowflake.Node
}

func NewOutbox(db *gorm.DB, genID *snowflake.Node) *Outbox {
	return &Outbox{db: db, genID: genID}
}

// Publish stores an event in its own transaction so the sequence counter and
// the event row commit together.
func (o *Outbox) Publish(ctx context.Context, event Event) error {
	if o == nil || o.db == nil {
		return errors.New("outbox_unavailable")
	}
	return o.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return o.publish(ctx, tx, event)
	})
}

// PublishTx stores an event using an existing transaction. Ledger writers
// call this inside their storage transaction so the committed fact and its
// notification are atomic.
func (o *Outbox) PublishTx(ctx context.Context, tx *gorm.DB, event Event) error {
	if tx == nil {
		return errors.New("missing_transaction")
	}
	return o.publish(ctx, tx, event)
}

func (o *Outbox) publish(ctx context.Context, db *gorm.DB, event Event) error {
	if o == nil || db == nil || o.genID == nil {
		return errors.New("outbox_unavailable")
	}
	if event.OrgID == 0 {
		return errors.New("invalid_org_id")
	}
	name := strings.TrimSpace(event.Type)
	if name == "" {
		return errors.New("missing_event_type")
	}

	payload := datatypes.JSONMap{}
	for key, value := range event.Payload {
		if strings.TrimSpace(key) == "" {
			continue
		}
		payload[key] = value
	}

	dedupe := strings.TrimSpace(event.DedupeKey)
	var dedupeValue any
	if dedupe != "" {
		dedupeValue = dedupe
	}

	// Dedupe before allocating so replays do not consume sequence numbers.
	if dedupe != "" {
		var matched int64
		if err := db.WithContext(ctx).Model(&LedgerEvent{}).
			Where("org_id = ? AND livemode = ? AND dedupe_key = ?", event.OrgID, event.Livemode, dedupe).
			Count(&matched).Error; err != nil {
			return err
		}
		if matched > 0 {
			return nil
		}
	}

	seq, err := o.nextSequence(ctx, db, event.OrgID, event.Livemode)
	if err != nil {
		return err
	}

	now := time.Now().UTC()
	return db.WithContext(ctx).Exec(
		`INSERT INTO ledger_events (id, org_id, livemode, sequence, event_type, payload, dedupe_key, published, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, false, ?)
		 ON CONFLICT (org_id, livemode, dedupe_key) DO NOTHING`,
		o.genID.Generate(),
		event.OrgID,
		event.Livemode,
		seq,
		name,
		payload,
		dedupeValue,
		now,
	).Error
}

// nextSequence bumps the scope's counter row and returns the allocated value.
// The upsert's row lock makes concurrent same-scope writers queue, where a
// MAX(sequence) read under snapshot isolation would hand two writers the same
// number and abort one of them on the unique index.
func (o *Outbox) nextSequence(ctx context.Context, db *gorm.DB, orgID snowflake.ID, livemode bool) (int64, error) {
	if err := db.WithContext(ctx).Exec(
		`INSERT INTO ledger_event_sequences (org_id, livemode, next_sequence)
		 VALUES (?, ?, 1)
		 ON CONFLICT (org_id, livemode) DO UPDATE
		 SET next_sequence = ledger_event_sequences.next_sequence + 1`,
		orgID,
		livemode,
	).Error; err != nil {
		return 0, err
	}

	var seq int64
	err := db.WithContext(ctx).
		Raw(`SELECT next_sequence FROM ledger_event_sequences WHERE org_id = ? AND livemode = ?`, orgID, livemode).
		Scan(&seq).Error
	return seq, err
}
