package repository

import (
	"context"

	"github.com/bwmarrin/snowflake"
	walletdomain "github.com/carebridge/carebridge/internal/wallet/domain"
	"gorm.io/gorm"
)

type Repository struct{}

func Provide() walletdomain.Repository {
	return &Repository{}
}

func (r *Repository) Insert(ctx context.Context, db *gorm.DB, wallet *walletdomain.Wallet) error {
	return db.WithContext(ctx).Create(wallet).Error
}

func (r *Repository) FindByCaregiver(ctx context.Context, db *gorm.DB, caregiverID snowflake.ID) (*walletdomain.Wallet, error) {
	var wallet walletdomain.Wallet
	err := db.WithContext(ctx).Raw(
		`SELECT id, caregiver_id, currency, pending_balance, withdrawable_balance,
		        total_earned, total_withdrawn, created_at, updated_at
		 FROM wallets
		 WHERE caregiver_id = ?`,
		caregiverID,
	).Scan(&wallet).Error
	if err != nil {
		return nil, err
	}
	if wallet.ID == 0 {
		return nil, nil
	}
	return &wallet, nil
}

func (r *Repository) FindByCaregiverForUpdate(ctx context.Context, tx *gorm.DB, caregiverID snowflake.ID) (*walletdomain.Wallet, error) {
	var wallet walletdomain.Wallet
	err := tx.WithContext(ctx).Raw(
		`SELECT id, caregiver_id, currency, pending_balance, withdrawable_balance,
		        total_earned, total_withdrawn, created_at, updated_at
		 FROM wallets
		 WHERE caregiver_id = ?
		 FOR UPDATE`,
		caregiverID,
	).Scan(&wallet).Error
	if err != nil {
		return nil, err
	}
	if wallet.ID == 0 {
		return nil, nil
	}
	return &wallet, nil
}

func (r *Repository) UpdateBalances(ctx context.Context, tx *gorm.DB, wallet *walletdomain.Wallet) error {
	return tx.WithContext(ctx).Exec(
		`UPDATE wallets
		 SET pending_balance = ?, withdrawable_balance = ?,
		     total_earned = ?, total_withdrawn = ?, updated_at = ?
		 WHERE id = ?`,
		wallet.PendingBalance,
		wallet.WithdrawableBalance,
		wallet.TotalEarned,
		wallet.TotalWithdrawn,
		wallet.UpdatedAt,
		wallet.ID,
	).Error
}
