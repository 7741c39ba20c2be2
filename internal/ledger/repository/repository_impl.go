package repository

import (
	"context"

	"github.com/bwmarrin/snowflake"
	ledgerdomain "github.com/carebridge/carebridge/internal/ledger/domain"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

type Repository struct{}

func Provide() ledgerdomain.Repository {
	return &Repository{}
}

func (r *Repository) Insert(ctx context.Context, db *gorm.DB, entry *ledgerdomain.Entry) error {
	return db.WithContext(ctx).Create(entry).Error
}

func (r *Repository) ExistsForOrder(ctx context.Context, db *gorm.DB, orderID string, kind ledgerdomain.EntryKind) (bool, error) {
	var count int64
	if err := db.WithContext(ctx).Raw(
		`SELECT COUNT(1) FROM ledger_entries WHERE order_id = ? AND kind = ?`,
		orderID,
		kind,
	).Scan(&count).Error; err != nil {
		return false, err
	}
	return count > 0, nil
}

func (r *Repository) FindByCaregiver(ctx context.Context, db *gorm.DB, caregiverID snowflake.ID, limit int) ([]ledgerdomain.Entry, error) {
	query := db.WithContext(ctx).
		Where("caregiver_id = ?", caregiverID).
		Order("created_at DESC, id DESC")
	if limit > 0 {
		query = query.Limit(limit)
	}

	var entries []ledgerdomain.Entry
	if err := query.Find(&entries).Error; err != nil {
		return nil, err
	}
	return entries, nil
}

func (r *Repository) SumForOrder(ctx context.Context, db *gorm.DB, orderID string) (string, string, error) {
	var row struct {
		Total    decimal.Decimal `gorm:"column:total"`
		Currency *string         `gorm:"column:currency"`
	}
	if err := db.WithContext(ctx).Raw(
		`SELECT COALESCE(SUM(amount), 0) AS total, MAX(currency) AS currency
		 FROM ledger_entries
		 WHERE order_id = ?`,
		orderID,
	).Scan(&row).Error; err != nil {
		return "", "", err
	}
	currency := ""
	if row.Currency != nil {
		currency = *row.Currency
	}
	return row.Total.String(), currency, nil
}

// SumOrderCredits totals the one-time ORDER_RECEIVED entries for an order.
// Recurring entries are excluded; their funds never pass through pending.
func (r *Repository) SumOrderCredits(ctx context.Context, db *gorm.DB, orderID string) (string, string, error) {
	var row struct {
		Total    decimal.Decimal `gorm:"column:total"`
		Currency *string         `gorm:"column:currency"`
	}
	if err := db.WithContext(ctx).Raw(
		`SELECT COALESCE(SUM(amount), 0) AS total, MAX(currency) AS currency
		 FROM ledger_entries
		 WHERE order_id = ? AND kind = ? AND recurring = ?`,
		orderID,
		ledgerdomain.EntryKindOrderReceived,
		false,
	).Scan(&row).Error; err != nil {
		return "", "", err
	}
	currency := ""
	if row.Currency != nil {
		currency = *row.Currency
	}
	return row.Total.String(), currency, nil
}

func (r *Repository) SumsForCaregiver(ctx context.Context, db *gorm.DB, caregiverID snowflake.ID) (ledgerdomain.Sums, error) {
	var rows []struct {
		Kind      ledgerdomain.EntryKind `gorm:"column:kind"`
		Recurring bool                   `gorm:"column:recurring"`
		HasOrder  bool                   `gorm:"column:has_order"`
		Total     decimal.Decimal        `gorm:"column:total"`
	}
	if err := db.WithContext(ctx).Raw(
		`SELECT kind, recurring,
		        CASE WHEN order_id IS NULL THEN FALSE ELSE TRUE END AS has_order,
		        COALESCE(SUM(amount), 0) AS total
		 FROM ledger_entries
		 WHERE caregiver_id = ?
		 GROUP BY kind, recurring, CASE WHEN order_id IS NULL THEN FALSE ELSE TRUE END`,
		caregiverID,
	).Scan(&rows).Error; err != nil {
		return ledgerdomain.Sums{}, err
	}

	sums := ledgerdomain.Sums{
		OneTimeOrderReceived: decimal.Zero,
		TotalOrderReceived:   decimal.Zero,
		ReleasedFromPending:  decimal.Zero,
		TotalFundsReleased:   decimal.Zero,
		TotalWithdrawn:       decimal.Zero,
		TotalRefunded:        decimal.Zero,
		TotalDisputeHeld:     decimal.Zero,
	}
	for _, row := range rows {
		switch row.Kind {
		case ledgerdomain.EntryKindOrderReceived:
			sums.TotalOrderReceived = sums.TotalOrderReceived.Add(row.Total)
			if !row.Recurring {
				sums.OneTimeOrderReceived = sums.OneTimeOrderReceived.Add(row.Total)
			}
		case ledgerdomain.EntryKindFundsReleased:
			sums.TotalFundsReleased = sums.TotalFundsReleased.Add(row.Total)
			if row.HasOrder {
				sums.ReleasedFromPending = sums.ReleasedFromPending.Add(row.Total)
			}
		case ledgerdomain.EntryKindWithdrawalCompleted:
			sums.TotalWithdrawn = sums.TotalWithdrawn.Add(row.Total)
		case ledgerdomain.EntryKindRefund:
			sums.TotalRefunded = sums.TotalRefunded.Add(row.Total)
		case ledgerdomain.EntryKindDisputeHold:
			sums.TotalDisputeHeld = sums.TotalDisputeHeld.Add(row.Total)
		}
	}
	return sums, nil
}
