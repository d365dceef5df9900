// Package transfers executes peer-to-peer card transfers: paired ledger
// entries, canonical account locking, balance movement, and monthly ledger
// partition maintenance.
package transfers

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/sardorbek/cardpay/internal/accounts"
	"github.com/sardorbek/cardpay/internal/cards"
	"github.com/sardorbek/cardpay/internal/exchange"
	"github.com/sardorbek/cardpay/pkg/errors"
	"github.com/sardorbek/cardpay/pkg/metrics"
	"github.com/sardorbek/cardpay/pkg/models"
)

// creditKeySuffix distinguishes the credit leg's idempotency key from the
// caller's key while keeping the provenance link.
const creditKeySuffix = "-CR"

// Request describes one P2P transfer. Amount is in the sender card's
// currency.
type Request struct {
	SenderCardID   uuid.UUID
	ReceiverCardID uuid.UUID
	Amount         decimal.Decimal
	ExternalID     string
	Description    string
}

// Service orchestrates transfers.
type Service struct {
	db       *gorm.DB
	accounts *accounts.Repository
	cards    *cards.Service
	rates    exchange.RateProvider
	logger   *zap.Logger
}

// NewService creates the transfer service.
func NewService(db *gorm.DB, accountRepo *accounts.Repository, cardSvc *cards.Service, rates exchange.RateProvider, logger *zap.Logger) *Service {
	return &Service{
		db:       db,
		accounts: accountRepo,
		cards:    cardSvc,
		rates:    rates,
		logger:   logger,
	}
}

// ExecuteP2P moves money between two cards.
//
// The pending ledger pair is committed before the balance-moving
// transaction starts, and terminal status is committed after it ends, so a
// FAILED marker survives the rollback of the transfer itself.
func (s *Service) ExecuteP2P(ctx context.Context, userID uuid.UUID, req Request, idempotencyKey string) error {
	start := time.Now()

	if req.Amount.Sign() <= 0 {
		return errors.New(errors.KindValidation, "amount must be positive")
	}
	if req.SenderCardID == req.ReceiverCardID {
		return errors.New(errors.KindValidation, "sender and receiver cards must be different")
	}

	senderCard, err := s.cards.Get(ctx, req.SenderCardID)
	if err != nil {
		return errors.New(errors.KindNotFound, "sender card not found")
	}
	receiverCard, err := s.cards.Get(ctx, req.ReceiverCardID)
	if err != nil {
		return errors.New(errors.KindNotFound, "receiver card not found")
	}
	if senderCard.Account == nil || senderCard.Account.UserID != userID {
		return errors.New(errors.KindAccessDenied, "sender card does not belong to the caller")
	}

	pair, err := s.createPendingPair(ctx, senderCard, receiverCard, req, idempotencyKey)
	if err != nil {
		return err
	}

	if err := s.execute(ctx, senderCard, receiverCard, req, pair); err != nil {
		s.finalizeStatus(ctx, pair, models.TxFailed, err.Error())
		metrics.TransfersTotal.WithLabelValues(string(models.TxFailed)).Inc()
		s.logger.Warn("p2p transfer failed",
			zap.String("reference_id", pair.referenceID.String()),
			zap.Error(err))
		return err
	}

	metrics.TransfersTotal.WithLabelValues(string(models.TxCompleted)).Inc()
	metrics.TransferDuration.Observe(time.Since(start).Seconds())
	s.logger.Info("p2p transfer completed",
		zap.String("reference_id", pair.referenceID.String()),
		zap.String("sender_card", req.SenderCardID.String()),
		zap.String("receiver_card", req.ReceiverCardID.String()),
		zap.String("amount", req.Amount.String()))
	return nil
}

// ledgerPair tracks the two legs of one transfer through their lifecycle.
type ledgerPair struct {
	referenceID uuid.UUID
	debit       *models.Transaction
	credit      *models.Transaction
}

func (p *ledgerPair) ids() []uuid.UUID {
	return []uuid.UUID{p.debit.ID, p.credit.ID}
}

// createPendingPair writes both legs atomically in their own transaction:
// the pair exists together or not at all.
func (s *Service) createPendingPair(ctx context.Context, sender, receiver *models.Card, req Request, idempotencyKey string) (*ledgerPair, error) {
	now := time.Now()
	pair := &ledgerPair{
		referenceID: uuid.New(),
	}
	pair.debit = &models.Transaction{
		ID:             uuid.New(),
		CreatedAt:      now,
		CardID:         sender.ID,
		TargetCardID:   receiver.ID,
		ReferenceID:    pair.referenceID,
		Direction:      models.Debit,
		Amount:         req.Amount,
		Currency:       sender.Currency,
		Status:         models.TxPending,
		IdempotencyKey: idempotencyKey,
		ExternalID:     req.ExternalID,
		Description:    req.Description,
	}
	pair.credit = &models.Transaction{
		ID:             uuid.New(),
		CreatedAt:      now,
		CardID:         receiver.ID,
		TargetCardID:   sender.ID,
		ReferenceID:    pair.referenceID,
		Direction:      models.Credit,
		Amount:         req.Amount,
		Currency:       receiver.Currency,
		Status:         models.TxPending,
		IdempotencyKey: idempotencyKey + creditKeySuffix,
		ExternalID:     req.ExternalID,
		Description:    req.Description,
	}

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(pair.debit).Error; err != nil {
			return err
		}
		return tx.Create(pair.credit).Error
	})
	if err != nil {
		return nil, errors.Wrap(errors.KindInternal, "failed to create ledger entries", err)
	}
	return pair, nil
}

// execute runs the balance-moving unit of work: rate capture, locks in
// canonical order, sufficiency check, balance writes, and leg finalization,
// all inside one database transaction.
func (s *Service) execute(ctx context.Context, senderCard, receiverCard *models.Card, req Request, pair *ledgerPair) error {
	rate, err := s.rates.Rate(ctx, senderCard.Currency, receiverCard.Currency)
	if err != nil {
		return err
	}

	senderAmount := req.Amount
	receiverAmount := req.Amount.Mul(rate).Round(receiverCard.Currency.Scale())

	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if senderCard.AccountID == receiverCard.AccountID {
			return s.moveWithinAccount(tx, senderCard.AccountID, senderAmount, receiverAmount, pair)
		}
		return s.moveAcrossAccounts(tx, senderCard.AccountID, receiverCard.AccountID, senderAmount, receiverAmount, pair)
	})
}

// moveWithinAccount handles a transfer between two cards of one account:
// a single lock, both legs applied to the same row in one step.
func (s *Service) moveWithinAccount(tx *gorm.DB, accountID uuid.UUID, senderAmount, receiverAmount decimal.Decimal, pair *ledgerPair) error {
	account, err := s.accounts.LockOne(tx, accountID)
	if err != nil {
		return err
	}
	if account.Balance.LessThan(senderAmount) {
		return errors.New(errors.KindInsufficientFunds, "insufficient funds")
	}

	before := account.Balance
	after := before.Sub(senderAmount).Add(receiverAmount)
	if err := updateBalance(tx, accountID, after); err != nil {
		return err
	}

	return s.finalizeBalances(tx, pair, before, before.Sub(senderAmount), senderAmount, receiverAmount)
}

// moveAcrossAccounts locks both accounts in canonical order, debits the
// sender, and credits the receiver.
func (s *Service) moveAcrossAccounts(tx *gorm.DB, senderAccID, receiverAccID uuid.UUID, senderAmount, receiverAmount decimal.Decimal, pair *ledgerPair) error {
	senderAcc, receiverAcc, err := s.accounts.LockPair(tx, senderAccID, receiverAccID)
	if err != nil {
		return err
	}
	if senderAcc.Balance.LessThan(senderAmount) {
		return errors.New(errors.KindInsufficientFunds, "insufficient funds on sender account")
	}

	senderBefore := senderAcc.Balance
	receiverBefore := receiverAcc.Balance

	if err := updateBalance(tx, senderAcc.ID, senderBefore.Sub(senderAmount)); err != nil {
		return err
	}
	if err := updateBalance(tx, receiverAcc.ID, receiverBefore.Add(receiverAmount)); err != nil {
		return err
	}

	return s.finalizeBalances(tx, pair, senderBefore, receiverBefore, senderAmount, receiverAmount)
}

func updateBalance(tx *gorm.DB, accountID uuid.UUID, balance decimal.Decimal) error {
	res := tx.Model(&models.Account{}).Where("id = ?", accountID).Updates(map[string]any{
		"balance":    balance,
		"updated_at": time.Now(),
	})
	if res.Error != nil {
		return errors.Wrap(errors.KindInternal, "failed to update balance", res.Error)
	}
	return nil
}

// finalizeBalances stamps each leg's before/after snapshot and amount, and
// marks both COMPLETED within the enclosing transaction.
func (s *Service) finalizeBalances(tx *gorm.DB, pair *ledgerPair, senderBefore, receiverBefore, senderAmount, receiverAmount decimal.Decimal) error {
	err := tx.Model(&models.Transaction{}).Where("id = ?", pair.debit.ID).Updates(map[string]any{
		"amount":         senderAmount,
		"before_balance": senderBefore,
		"after_balance":  senderBefore.Sub(senderAmount),
		"status":         models.TxCompleted,
	}).Error
	if err != nil {
		return errors.Wrap(errors.KindInternal, "failed to finalize debit leg", err)
	}

	err = tx.Model(&models.Transaction{}).Where("id = ?", pair.credit.ID).Updates(map[string]any{
		"amount":         receiverAmount,
		"before_balance": receiverBefore,
		"after_balance":  receiverBefore.Add(receiverAmount),
		"status":         models.TxCompleted,
	}).Error
	if err != nil {
		return errors.Wrap(errors.KindInternal, "failed to finalize credit leg", err)
	}
	return nil
}

// finalizeStatus records a terminal status outside the transfer
// transaction, so the marker persists even though the transfer itself
// rolled back.
func (s *Service) finalizeStatus(ctx context.Context, pair *ledgerPair, status models.TxStatus, reason string) {
	err := s.db.WithContext(ctx).Model(&models.Transaction{}).
		Where("id IN ?", pair.ids()).
		Updates(map[string]any{
			"status":         status,
			"failure_reason": reason,
		}).Error
	if err != nil {
		s.logger.Error("failed to persist terminal ledger status",
			zap.String("reference_id", pair.referenceID.String()),
			zap.Error(err))
	}
}
