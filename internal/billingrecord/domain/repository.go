package domain

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/gorm"
)

type Repository interface {
	Insert(ctx context.Context, db *gorm.DB, record *BillingRecord) error
	FindByOrderID(ctx context.Context, db *gorm.DB, orderID string) (*BillingRecord, error)
	FindByCycle(ctx context.Context, db *gorm.DB, subscriptionID snowflake.ID, cycleNumber int) (*BillingRecord, error)
	ListBySubscription(ctx context.Context, db *gorm.DB, subscriptionID snowflake.ID) ([]BillingRecord, error)
	MarkRefunded(ctx context.Context, db *gorm.DB, orderID string, at time.Time) (bool, error)
	MarkDisputed(ctx context.Context, db *gorm.DB, orderID string, at time.Time) (bool, error)
}
