// Package accounts owns account records and the multi-account locking
// protocol used by transfers.
package accounts

import (
	"bytes"
	"context"
	"fmt"
	"math/rand"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/sardorbek/cardpay/pkg/errors"
	"github.com/sardorbek/cardpay/pkg/models"
)

// accountNumberPrefix is the bank MFO prefix of generated account numbers.
const accountNumberPrefix = "20208000"

// Repository provides account persistence and row locking.
type Repository struct {
	db     *gorm.DB
	logger *zap.Logger
}

// NewRepository creates an account repository.
func NewRepository(db *gorm.DB, logger *zap.Logger) *Repository {
	return &Repository{db: db, logger: logger}
}

// GetOrCreate returns the user's ACTIVE account in the given currency,
// creating one with a fresh account number when none exists.
func (r *Repository) GetOrCreate(ctx context.Context, userID uuid.UUID, currency models.Currency) (*models.Account, error) {
	var account models.Account
	err := r.db.WithContext(ctx).
		Where("user_id = ? AND currency = ? AND status = ?", userID, currency, models.AccountActive).
		First(&account).Error
	if err == nil {
		return &account, nil
	}
	if err != gorm.ErrRecordNotFound {
		return nil, errors.Wrap(errors.KindInternal, "failed to look up account", err)
	}

	number, err := r.generateAccountNumber(ctx)
	if err != nil {
		return nil, err
	}

	account = models.Account{
		ID:            uuid.New(),
		AccountNumber: number,
		UserID:        userID,
		Currency:      currency,
		Balance:       decimal.Zero,
		Status:        models.AccountActive,
		CreatedAt:     time.Now(),
		UpdatedAt:     time.Now(),
	}
	if err := r.db.WithContext(ctx).Create(&account).Error; err != nil {
		return nil, errors.Wrap(errors.KindInternal, "failed to create account", err)
	}

	r.logger.Info("account created",
		zap.String("account_id", account.ID.String()),
		zap.String("currency", string(currency)))
	return &account, nil
}

// Get loads an account by id without locking it.
func (r *Repository) Get(ctx context.Context, id uuid.UUID) (*models.Account, error) {
	var account models.Account
	if err := r.db.WithContext(ctx).First(&account, "id = ?", id).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, errors.New(errors.KindNotFound, "account not found")
		}
		return nil, errors.Wrap(errors.KindInternal, "failed to find account", err)
	}
	return &account, nil
}

// LockOne loads the account under an exclusive row lock held until tx ends.
func (r *Repository) LockOne(tx *gorm.DB, id uuid.UUID) (*models.Account, error) {
	return lockAccount(tx, id)
}

// LockPair loads two distinct accounts under exclusive row locks, always
// acquiring them in ascending order of the id's canonical bytes. Concurrent
// transfers over the same pair request locks in the same physical order
// regardless of logical direction, so no wait cycle can form. Results come
// back in the caller's (idA, idB) order.
func (r *Repository) LockPair(tx *gorm.DB, idA, idB uuid.UUID) (*models.Account, *models.Account, error) {
	first, second := idA, idB
	if bytes.Compare(idB[:], idA[:]) < 0 {
		first, second = idB, idA
	}

	firstAcc, err := lockAccount(tx, first)
	if err != nil {
		return nil, nil, err
	}
	secondAcc, err := lockAccount(tx, second)
	if err != nil {
		return nil, nil, err
	}

	if firstAcc.ID == idA {
		return firstAcc, secondAcc, nil
	}
	return secondAcc, firstAcc, nil
}

func lockAccount(tx *gorm.DB, id uuid.UUID) (*models.Account, error) {
	q := tx
	// SQLite (used in tests) has no row locks; its single-writer model
	// serializes the transaction instead.
	if tx.Dialector.Name() == "postgres" {
		q = tx.Clauses(clause.Locking{Strength: "UPDATE"})
	}

	var account models.Account
	if err := q.First(&account, "id = ?", id).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, errors.New(errors.KindNotFound, "account not found")
		}
		return nil, errors.Wrap(errors.KindInternal, "failed to lock account", err)
	}
	return &account, nil
}

// generateAccountNumber draws 20-digit numbers until one is unused.
func (r *Repository) generateAccountNumber(ctx context.Context) (string, error) {
	for {
		randomPart := 100_000_000_000 + rand.Int63n(900_000_000_000)
		number := fmt.Sprintf("%s%d", accountNumberPrefix, randomPart)

		var count int64
		err := r.db.WithContext(ctx).Model(&models.Account{}).
			Where("account_number = ?", number).Count(&count).Error
		if err != nil {
			return "", errors.Wrap(errors.KindInternal, "failed to check account number uniqueness", err)
		}
		if count == 0 {
			return number, nil
		}
	}
}
