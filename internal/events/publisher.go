package events

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/bwmarrin/snowflake"
	"github.com/carebridge/carebridge/internal/clock"
	obsmetrics "github.com/carebridge/carebridge/internal/observability/metrics"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type Params struct {
	fx.In

	DB    *gorm.DB
	Log   *zap.Logger
	GenID *snowflake.Node
	Clock clock.Clock
}

type publisher struct {
	db    *gorm.DB
	log   *zap.Logger
	genID *snowflake.Node
	clock clock.Clock
}

func NewPublisher(p Params) Publisher {
	return &publisher{
		db:    p.DB,
		log:   p.Log.Named("events.outbox"),
		genID: p.GenID,
		clock: p.Clock,
	}
}

func (p *publisher) PublishTx(ctx context.Context, tx *gorm.DB, req PublishRequest) (bool, error) {
	eventType := strings.TrimSpace(req.Type)
	if eventType == "" {
		return false, ErrInvalidType
	}
	aggregateID := strings.TrimSpace(req.AggregateID)
	if aggregateID == "" {
		return false, ErrInvalidAggregate
	}
	if tx == nil {
		tx = p.db
	}

	payload := req.Payload
	if payload == nil {
		payload = map[string]any{}
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return false, err
	}

	var dedupeKey *string
	if key := strings.TrimSpace(req.DedupeKey); key != "" {
		dedupeKey = &key
	}

	// ON CONFLICT DO NOTHING keeps a replayed publication from aborting the
	// caller's transaction.
	result := tx.WithContext(ctx).Exec(
		`INSERT INTO outbox_events (id, type, aggregate_id, payload, dedupe_key, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT (dedupe_key) DO NOTHING`,
		p.genID.Generate(),
		eventType,
		aggregateID,
		raw,
		dedupeKey,
		p.clock.Now(),
	)
	if result.Error != nil {
		return false, result.Error
	}
	if result.RowsAffected == 0 {
		p.log.Info("outbox event deduplicated",
			zap.String("type", eventType),
			zap.Stringp("dedupe_key", dedupeKey),
		)
		return false, nil
	}

	obsmetrics.Billing().IncOutboxEvent(eventType)
	return true, nil
}

func (p *publisher) Pending(ctx context.Context, limit int) ([]Event, error) {
	if limit <= 0 {
		limit = 100
	}
	var pending []Event
	err := p.db.WithContext(ctx).
		Where("published_at IS NULL").
		Order("id ASC").
		Limit(limit).
		Find(&pending).Error
	if err != nil {
		return nil, err
	}
	return pending, nil
}

func (p *publisher) MarkPublished(ctx context.Context, ids []snowflake.ID) error {
	if len(ids) == 0 {
		return nil
	}
	return p.db.WithContext(ctx).Exec(
		`UPDATE outbox_events SET published_at = ? WHERE id IN ? AND published_at IS NULL`,
		p.clock.Now(),
		ids,
	).Error
}

var Module = fx.Module("events.outbox",
	fx.Provide(NewPublisher),
)
