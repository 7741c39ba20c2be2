package repository

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	paymentdomain "github.com/carebridge/carebridge/internal/payment/domain"
	"gorm.io/gorm"
)

type Repository struct{}

func Provide() paymentdomain.Repository {
	return &Repository{}
}

func (r *Repository) InsertEvent(ctx context.Context, db *gorm.DB, event *paymentdomain.GatewayEvent) (bool, error) {
	result := db.WithContext(ctx).Exec(
		`INSERT INTO gateway_events (id, provider, provider_event_id, event_type, order_id, payload, received_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (provider, provider_event_id) DO NOTHING`,
		event.ID,
		event.Provider,
		event.ProviderEventID,
		event.EventType,
		event.OrderID,
		event.Payload,
		event.ReceivedAt,
	)
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected > 0, nil
}

func (r *Repository) FindEvent(ctx context.Context, db *gorm.DB, provider string, providerEventID string) (*paymentdomain.GatewayEvent, error) {
	var event paymentdomain.GatewayEvent
	err := db.WithContext(ctx).
		Where("provider = ? AND provider_event_id = ?", provider, providerEventID).
		First(&event).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &event, nil
}

func (r *Repository) MarkProcessed(ctx context.Context, db *gorm.DB, id snowflake.ID, processedAt time.Time) error {
	return db.WithContext(ctx).Exec(
		`UPDATE gateway_events SET processed_at = ? WHERE id = ? AND processed_at IS NULL`,
		processedAt,
		id,
	).Error
}

func (r *Repository) ListByOrder(ctx context.Context, db *gorm.DB, orderID string) ([]paymentdomain.GatewayEvent, error) {
	var events []paymentdomain.GatewayEvent
	err := db.WithContext(ctx).
		Where("order_id = ?", orderID).
		Order("received_at ASC").
		Find(&events).Error
	if err != nil {
		return nil, err
	}
	return events, nil
}
