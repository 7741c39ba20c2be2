package repository

import (
	"context"
	"errors"

	"github.com/bwmarrin/snowflake"
	subscriptiondomain "github.com/carebridge/carebridge/internal/subscription/domain"
	"gorm.io/gorm"
)

type Repository struct{}

func Provide() subscriptiondomain.Repository {
	return &Repository{}
}

func (r *Repository) Insert(ctx context.Context, db *gorm.DB, subscription *subscriptiondomain.Subscription) error {
	return db.WithContext(ctx).Create(subscription).Error
}

func (r *Repository) FindByID(ctx context.Context, db *gorm.DB, id snowflake.ID) (*subscriptiondomain.Subscription, error) {
	var subscription subscriptiondomain.Subscription
	err := db.WithContext(ctx).
		Where("id = ?", id).
		First(&subscription).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &subscription, nil
}

func (r *Repository) FindByIDForUpdate(ctx context.Context, tx *gorm.DB, id snowflake.ID) (*subscriptiondomain.Subscription, error) {
	var subscription subscriptiondomain.Subscription
	err := tx.WithContext(ctx).Raw(
		`SELECT * FROM subscriptions WHERE id = ? FOR UPDATE`,
		id,
	).Scan(&subscription).Error
	if err != nil {
		return nil, err
	}
	if subscription.ID == 0 {
		return nil, nil
	}
	return &subscription, nil
}

func (r *Repository) Update(ctx context.Context, tx *gorm.DB, subscription *subscriptiondomain.Subscription) error {
	return tx.WithContext(ctx).Save(subscription).Error
}

func (r *Repository) InsertPlanChange(ctx context.Context, tx *gorm.DB, record *subscriptiondomain.PlanChangeRecord) error {
	return tx.WithContext(ctx).Create(record).Error
}

func (r *Repository) ListPlanChanges(ctx context.Context, db *gorm.DB, subscriptionID snowflake.ID) ([]subscriptiondomain.PlanChangeRecord, error) {
	var records []subscriptiondomain.PlanChangeRecord
	err := db.WithContext(ctx).
		Where("subscription_id = ?", subscriptionID).
		Order("created_at ASC").
		Find(&records).Error
	if err != nil {
		return nil, err
	}
	return records, nil
}
