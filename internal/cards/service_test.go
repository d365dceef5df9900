package cards

import (
	"context"
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/sardorbek/cardpay/internal/accounts"
	"github.com/sardorbek/cardpay/pkg/errors"
	"github.com/sardorbek/cardpay/pkg/models"
)

func setupService(t *testing.T) (*Service, *gorm.DB) {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	// One connection keeps the in-memory database shared and serialized.
	sqlDB.SetMaxOpenConns(1)

	require.NoError(t, db.AutoMigrate(&models.User{}, &models.Account{}, &models.Card{}, &models.Transaction{}))

	logger := zap.NewNop()
	return NewService(db, accounts.NewRepository(db, logger), logger), db
}

func TestCreateCardUZS(t *testing.T) {
	svc, db := setupService(t)
	userID := uuid.New()

	card, err := svc.Create(context.Background(), userID, models.UZS)
	require.NoError(t, err)

	assert.Equal(t, models.CardTypeUzcard, card.CardType)
	assert.True(t, strings.HasPrefix(card.CardNumber, "8600"))
	assert.Len(t, card.CardNumber, 16)
	assert.Equal(t, models.CardActive, card.Status)
	assert.EqualValues(t, 1, card.Version)

	var account models.Account
	require.NoError(t, db.First(&account, "id = ?", card.AccountID).Error)
	assert.Equal(t, userID, account.UserID)
	assert.Equal(t, models.UZS, account.Currency)
	assert.True(t, account.Balance.IsZero())
	assert.True(t, strings.HasPrefix(account.AccountNumber, "20208000"))
}

func TestCreateCardReusesAccountPerCurrency(t *testing.T) {
	svc, _ := setupService(t)
	userID := uuid.New()

	first, err := svc.Create(context.Background(), userID, models.USD)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(first.CardNumber, "4263"))

	second, err := svc.Create(context.Background(), userID, models.USD)
	require.NoError(t, err)

	assert.Equal(t, first.AccountID, second.AccountID, "same currency shares one account")
	assert.NotEqual(t, first.CardNumber, second.CardNumber)
}

func TestCreateCardRejectsUnknownCurrency(t *testing.T) {
	svc, _ := setupService(t)

	_, err := svc.Create(context.Background(), uuid.New(), models.Currency("GBP"))
	require.Error(t, err)
	assert.Equal(t, errors.KindValidation, errors.KindOf(err))
}

func TestBlockWithStaleVersion(t *testing.T) {
	svc, db := setupService(t)
	userID := uuid.New()

	card, err := svc.Create(context.Background(), userID, models.USD)
	require.NoError(t, err)

	// Move the card to version 3 via two legitimate state changes.
	require.NoError(t, svc.Block(context.Background(), card.ID, userID, 1))
	require.NoError(t, svc.Unblock(context.Background(), card.ID, userID, 2))

	err = svc.Block(context.Background(), card.ID, userID, 2)
	require.Error(t, err)
	assert.Equal(t, errors.KindPreconditionFailed, errors.KindOf(err))

	var current models.Card
	require.NoError(t, db.First(&current, "id = ?", card.ID).Error)
	assert.Equal(t, models.CardActive, current.Status, "card must be unchanged")
	assert.EqualValues(t, 3, current.Version)
}

func TestBlockIncrementsVersionByOne(t *testing.T) {
	svc, db := setupService(t)
	userID := uuid.New()

	card, err := svc.Create(context.Background(), userID, models.USD)
	require.NoError(t, err)

	require.NoError(t, svc.Block(context.Background(), card.ID, userID, 1))

	var current models.Card
	require.NoError(t, db.First(&current, "id = ?", card.ID).Error)
	assert.Equal(t, models.CardBlocked, current.Status)
	assert.EqualValues(t, 2, current.Version)
}

func TestBlockAlreadyBlockedIsNoOp(t *testing.T) {
	svc, db := setupService(t)
	userID := uuid.New()

	card, err := svc.Create(context.Background(), userID, models.USD)
	require.NoError(t, err)
	require.NoError(t, svc.Block(context.Background(), card.ID, userID, 1))

	// Same transition again: no error, no version bump.
	require.NoError(t, svc.Block(context.Background(), card.ID, userID, 2))

	var current models.Card
	require.NoError(t, db.First(&current, "id = ?", card.ID).Error)
	assert.Equal(t, models.CardBlocked, current.Status)
	assert.EqualValues(t, 2, current.Version)
}

func TestBlockForeignCardDenied(t *testing.T) {
	svc, _ := setupService(t)

	card, err := svc.Create(context.Background(), uuid.New(), models.USD)
	require.NoError(t, err)

	err = svc.Block(context.Background(), card.ID, uuid.New(), 1)
	require.Error(t, err)
	assert.Equal(t, errors.KindAccessDenied, errors.KindOf(err))
}

func TestBlockUnknownCard(t *testing.T) {
	svc, _ := setupService(t)

	err := svc.Block(context.Background(), uuid.New(), uuid.New(), 1)
	require.Error(t, err)
	assert.Equal(t, errors.KindNotFound, errors.KindOf(err))
}

func TestCreateCardPropagatesStoreError(t *testing.T) {
	svc, db := setupService(t)
	require.NoError(t, db.Migrator().DropTable(&models.Card{}))

	// A broken uniqueness check must surface, not retry forever.
	_, err := svc.Create(context.Background(), uuid.New(), models.UZS)
	require.Error(t, err)
	assert.Equal(t, errors.KindInternal, errors.KindOf(err))
}
