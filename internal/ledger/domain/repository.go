package domain

import (
	"context"

	"github.com/bwmarrin/snowflake"
	"gorm.io/gorm"
)

type Repository interface {
	Insert(ctx context.Context, db *gorm.DB, entry *Entry) error
	ExistsForOrder(ctx context.Context, db *gorm.DB, orderID string, kind EntryKind) (bool, error)
	FindByCaregiver(ctx context.Context, db *gorm.DB, caregiverID snowflake.ID, limit int) ([]Entry, error)
	SumForOrder(ctx context.Context, db *gorm.DB, orderID string) (amount string, currency string, err error)
	SumOrderCredits(ctx context.Context, db *gorm.DB, orderID string) (amount string, currency string, err error)
	SumsForCaregiver(ctx context.Context, db *gorm.DB, caregiverID snowflake.ID) (Sums, error)
}
