package domain

import (
	"context"

	"github.com/bwmarrin/snowflake"
	"gorm.io/gorm"
)

type Repository interface {
	Insert(ctx context.Context, db *gorm.DB, wallet *Wallet) error
	FindByCaregiver(ctx context.Context, db *gorm.DB, caregiverID snowflake.ID) (*Wallet, error)
	FindByCaregiverForUpdate(ctx context.Context, tx *gorm.DB, caregiverID snowflake.ID) (*Wallet, error)
	UpdateBalances(ctx context.Context, tx *gorm.DB, wallet *Wallet) error
}
