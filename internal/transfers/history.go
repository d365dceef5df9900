package transfers

import (
	"context"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/sardorbek/cardpay/pkg/errors"
	"github.com/sardorbek/cardpay/pkg/models"
)

// History returns the card's ledger entries newest first, scoped to the
// card owner.
func (s *Service) History(ctx context.Context, cardID, userID uuid.UUID, limit, offset int) ([]*models.Transaction, int64, error) {
	if limit <= 0 || limit > 100 {
		limit = 20
	}
	if offset < 0 {
		offset = 0
	}

	scoped := func() *gorm.DB {
		return s.db.WithContext(ctx).Model(&models.Transaction{}).
			Joins("JOIN cards ON cards.id = transactions.card_id").
			Joins("JOIN accounts ON accounts.id = cards.account_id").
			Where("transactions.card_id = ? AND accounts.user_id = ?", cardID, userID)
	}

	var total int64
	if err := scoped().Count(&total).Error; err != nil {
		return nil, 0, errors.Wrap(errors.KindInternal, "failed to count transactions", err)
	}

	var txs []*models.Transaction
	err := scoped().
		Order("transactions.created_at DESC").
		Limit(limit).Offset(offset).
		Find(&txs).Error
	if err != nil {
		return nil, 0, errors.Wrap(errors.KindInternal, "failed to load transaction history", err)
	}

	return txs, total, nil
}
