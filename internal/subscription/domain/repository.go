package domain

import (
	"context"

	"github.com/bwmarrin/snowflake"
	"gorm.io/gorm"
)

type Repository interface {
	Insert(ctx context.Context, db *gorm.DB, subscription *Subscription) error
	FindByID(ctx context.Context, db *gorm.DB, id snowflake.ID) (*Subscription, error)
	FindByIDForUpdate(ctx context.Context, tx *gorm.DB, id snowflake.ID) (*Subscription, error)
	Update(ctx context.Context, tx *gorm.DB, subscription *Subscription) error
	InsertPlanChange(ctx context.Context, tx *gorm.DB, record *PlanChangeRecord) error
	ListPlanChanges(ctx context.Context, db *gorm.DB, subscriptionID snowflake.ID) ([]PlanChangeRecord, error)
}
