package repository

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	billingrecorddomain "github.com/carebridge/carebridge/internal/billingrecord/domain"
	"gorm.io/gorm"
)

type Repository struct{}

func Provide() billingrecorddomain.Repository {
	return &Repository{}
}

func (r *Repository) Insert(ctx context.Context, db *gorm.DB, record *billingrecorddomain.BillingRecord) error {
	return db.WithContext(ctx).Create(record).Error
}

func (r *Repository) FindByOrderID(ctx context.Context, db *gorm.DB, orderID string) (*billingrecorddomain.BillingRecord, error) {
	var record billingrecorddomain.BillingRecord
	err := db.WithContext(ctx).
		Where("order_id = ?", orderID).
		First(&record).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &record, nil
}

func (r *Repository) FindByCycle(ctx context.Context, db *gorm.DB, subscriptionID snowflake.ID, cycleNumber int) (*billingrecorddomain.BillingRecord, error) {
	var record billingrecorddomain.BillingRecord
	err := db.WithContext(ctx).
		Where("subscription_id = ? AND billing_cycle_number = ?", subscriptionID, cycleNumber).
		First(&record).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &record, nil
}

func (r *Repository) ListBySubscription(ctx context.Context, db *gorm.DB, subscriptionID snowflake.ID) ([]billingrecorddomain.BillingRecord, error) {
	var records []billingrecorddomain.BillingRecord
	err := db.WithContext(ctx).
		Where("subscription_id = ?", subscriptionID).
		Order("billing_cycle_number ASC").
		Find(&records).Error
	if err != nil {
		return nil, err
	}
	return records, nil
}

func (r *Repository) MarkRefunded(ctx context.Context, db *gorm.DB, orderID string, at time.Time) (bool, error) {
	result := db.WithContext(ctx).Exec(
		`UPDATE billing_records
		 SET refunded = ?, refunded_at = ?
		 WHERE order_id = ? AND refunded = ?`,
		true, at, orderID, false,
	)
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected > 0, nil
}

func (r *Repository) MarkDisputed(ctx context.Context, db *gorm.DB, orderID string, at time.Time) (bool, error) {
	result := db.WithContext(ctx).Exec(
		`UPDATE billing_records
		 SET disputed = ?, disputed_at = ?
		 WHERE order_id = ? AND disputed = ?`,
		true, at, orderID, false,
	)
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected > 0, nil
}
