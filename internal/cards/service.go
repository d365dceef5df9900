// Package cards manages card lifecycle: issuance, listing, and guarded
// block/unblock state changes.
package cards

import (
	"context"
	"fmt"
	"math/rand"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/sardorbek/cardpay/internal/accounts"
	"github.com/sardorbek/cardpay/pkg/errors"
	"github.com/sardorbek/cardpay/pkg/models"
)

const (
	binUzcard = "8600"
	binVisa   = "4263"

	cardValidityYears = 5
)

// Service implements card operations.
type Service struct {
	db       *gorm.DB
	accounts *accounts.Repository
	logger   *zap.Logger
}

// NewService creates a card service.
func NewService(db *gorm.DB, accountRepo *accounts.Repository, logger *zap.Logger) *Service {
	return &Service{db: db, accounts: accountRepo, logger: logger}
}

// Create issues a card in the given currency, creating (or reusing) the
// user's per-currency account.
func (s *Service) Create(ctx context.Context, userID uuid.UUID, currency models.Currency) (*models.Card, error) {
	if !currency.Valid() {
		return nil, errors.Newf(errors.KindValidation, "unsupported currency: %s", currency)
	}

	account, err := s.accounts.GetOrCreate(ctx, userID, currency)
	if err != nil {
		return nil, err
	}

	cardType := models.CardTypeVisa
	if currency == models.UZS {
		cardType = models.CardTypeUzcard
	}

	number, err := s.generateCardNumber(ctx, cardType)
	if err != nil {
		return nil, err
	}

	now := time.Now()
	card := &models.Card{
		ID:         uuid.New(),
		CardNumber: number,
		AccountID:  account.ID,
		Currency:   currency,
		CardType:   cardType,
		Status:     models.CardActive,
		ExpiryDate: now.AddDate(cardValidityYears, 0, 0).Format("01/06"),
		CVV:        fmt.Sprintf("%03d", rand.Intn(1000)),
		Version:    1,
		CreatedAt:  now,
		UpdatedAt:  now,
	}

	if err := s.db.WithContext(ctx).Create(card).Error; err != nil {
		return nil, errors.Wrap(errors.KindInternal, "failed to create card", err)
	}

	s.logger.Info("card created",
		zap.String("card_id", card.ID.String()),
		zap.String("card_type", string(cardType)))
	return card, nil
}

// ListByUser returns all cards across the user's accounts.
func (s *Service) ListByUser(ctx context.Context, userID uuid.UUID) ([]*models.Card, error) {
	var cards []*models.Card
	err := s.db.WithContext(ctx).
		Joins("JOIN accounts ON accounts.id = cards.account_id").
		Where("accounts.user_id = ?", userID).
		Preload("Account").
		Find(&cards).Error
	if err != nil {
		return nil, errors.Wrap(errors.KindInternal, "failed to list cards", err)
	}
	return cards, nil
}

// Get loads a card with its owning account.
func (s *Service) Get(ctx context.Context, cardID uuid.UUID) (*models.Card, error) {
	var card models.Card
	err := s.db.WithContext(ctx).Preload("Account").First(&card, "id = ?", cardID).Error
	if err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, errors.New(errors.KindNotFound, "card not found")
		}
		return nil, errors.Wrap(errors.KindInternal, "failed to find card", err)
	}
	return &card, nil
}

// Block transitions the card to BLOCKED. expectedVersion must equal the
// card's current version; blocking an already blocked card is a no-op and
// does not bump the version.
func (s *Service) Block(ctx context.Context, cardID, userID uuid.UUID, expectedVersion int64) error {
	return s.setStatus(ctx, cardID, userID, expectedVersion, models.CardBlocked)
}

// Unblock transitions the card back to ACTIVE under the same version rules.
func (s *Service) Unblock(ctx context.Context, cardID, userID uuid.UUID, expectedVersion int64) error {
	return s.setStatus(ctx, cardID, userID, expectedVersion, models.CardActive)
}

func (s *Service) setStatus(ctx context.Context, cardID, userID uuid.UUID, expectedVersion int64, target models.CardStatus) error {
	card, err := s.Get(ctx, cardID)
	if err != nil {
		return err
	}
	if err := s.assertOwnership(card, userID); err != nil {
		return err
	}
	if err := assertVersion(card, expectedVersion); err != nil {
		return err
	}

	if card.Status == target {
		s.logger.Info("card already in requested state",
			zap.String("card_id", cardID.String()),
			zap.String("status", string(target)))
		return nil
	}

	// The version check repeats inside the write: a concurrent mutation
	// between read and update leaves zero affected rows.
	res := s.db.WithContext(ctx).Model(&models.Card{}).
		Where("id = ? AND version = ?", cardID, expectedVersion).
		Updates(map[string]any{
			"status":     target,
			"version":    gorm.Expr("version + 1"),
			"updated_at": time.Now(),
		})
	if res.Error != nil {
		return errors.Wrap(errors.KindInternal, "failed to update card status", res.Error)
	}
	if res.RowsAffected == 0 {
		return errors.New(errors.KindConflict, "card state changed concurrently, please retry")
	}

	s.logger.Info("card status changed",
		zap.String("card_id", cardID.String()),
		zap.String("status", string(target)),
		zap.Int64("version", expectedVersion+1))
	return nil
}

func (s *Service) assertOwnership(card *models.Card, userID uuid.UUID) error {
	if card.Account == nil || card.Account.UserID != userID {
		return errors.New(errors.KindAccessDenied, "you can only access your own cards")
	}
	return nil
}
