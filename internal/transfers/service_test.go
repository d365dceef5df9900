package transfers

import (
	"context"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/sardorbek/cardpay/internal/accounts"
	"github.com/sardorbek/cardpay/internal/cards"
	"github.com/sardorbek/cardpay/pkg/errors"
	"github.com/sardorbek/cardpay/pkg/models"
)

// fixedRate is a RateProvider returning a constant cross rate.
type fixedRate struct {
	rate decimal.Decimal
	err  error
}

func (f fixedRate) Rate(_ context.Context, from, to models.Currency) (decimal.Decimal, error) {
	if f.err != nil {
		return decimal.Zero, f.err
	}
	if from == to {
		return decimal.NewFromInt(1), nil
	}
	return f.rate, nil
}

type fixture struct {
	db       *gorm.DB
	cards    *cards.Service
	accounts *accounts.Repository
	logger   *zap.Logger
}

func setup(t *testing.T) *fixture {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	// One connection keeps the in-memory database shared and serialized.
	sqlDB.SetMaxOpenConns(1)

	require.NoError(t, db.AutoMigrate(&models.User{}, &models.Account{}, &models.Card{}, &models.Transaction{}))

	logger := zap.NewNop()
	accountRepo := accounts.NewRepository(db, logger)
	return &fixture{
		db:       db,
		cards:    cards.NewService(db, accountRepo, logger),
		accounts: accountRepo,
		logger:   logger,
	}
}

func (f *fixture) service(t *testing.T, provider fixedRate) *Service {
	t.Helper()
	return NewService(f.db, f.accounts, f.cards, provider, f.logger)
}

func (f *fixture) newCard(t *testing.T, userID uuid.UUID, currency models.Currency, balance string) *models.Card {
	t.Helper()
	card, err := f.cards.Create(context.Background(), userID, currency)
	require.NoError(t, err)
	f.setBalance(t, card.AccountID, balance)
	return card
}

func (f *fixture) setBalance(t *testing.T, accountID uuid.UUID, balance string) {
	t.Helper()
	require.NoError(t, f.db.Model(&models.Account{}).
		Where("id = ?", accountID).
		Update("balance", decimal.RequireFromString(balance)).Error)
}

func (f *fixture) balance(t *testing.T, accountID uuid.UUID) decimal.Decimal {
	t.Helper()
	var account models.Account
	require.NoError(t, f.db.First(&account, "id = ?", accountID).Error)
	return account.Balance
}

func (f *fixture) legs(t *testing.T, key string) (debit, credit models.Transaction) {
	t.Helper()
	require.NoError(t, f.db.First(&debit, "idempotency_key = ? AND direction = ?", key, models.Debit).Error)
	require.NoError(t, f.db.First(&credit, "idempotency_key = ? AND direction = ?", key+"-CR", models.Credit).Error)
	return debit, credit
}

func TestCrossCurrencyTransfer(t *testing.T) {
	f := setup(t)
	svc := f.service(t, fixedRate{rate: decimal.NewFromInt(12000)})

	sender := uuid.New()
	receiver := uuid.New()
	usdCard := f.newCard(t, sender, models.USD, "100.00")
	uzsCard := f.newCard(t, receiver, models.UZS, "0")

	err := svc.ExecuteP2P(context.Background(), sender, Request{
		SenderCardID:   usdCard.ID,
		ReceiverCardID: uzsCard.ID,
		Amount:         decimal.RequireFromString("40.00"),
		ExternalID:     "EXT-1",
	}, "transfer-a")
	require.NoError(t, err)

	assert.True(t, f.balance(t, usdCard.AccountID).Equal(decimal.RequireFromString("60.00")),
		"sender balance after: %s", f.balance(t, usdCard.AccountID))
	assert.True(t, f.balance(t, uzsCard.AccountID).Equal(decimal.NewFromInt(480000)),
		"receiver balance after: %s", f.balance(t, uzsCard.AccountID))

	debit, credit := f.legs(t, "transfer-a")
	assert.Equal(t, debit.ReferenceID, credit.ReferenceID)
	assert.Equal(t, models.TxCompleted, debit.Status)
	assert.Equal(t, models.TxCompleted, credit.Status)

	assert.Equal(t, models.USD, debit.Currency)
	assert.True(t, debit.Amount.Equal(decimal.RequireFromString("40.00")))
	assert.True(t, debit.BeforeBalance.Equal(decimal.RequireFromString("100.00")))
	assert.True(t, debit.AfterBalance.Equal(decimal.RequireFromString("60.00")))

	assert.Equal(t, models.UZS, credit.Currency)
	assert.True(t, credit.Amount.Equal(decimal.NewFromInt(480000)))
	assert.True(t, credit.BeforeBalance.IsZero())
	assert.True(t, credit.AfterBalance.Equal(decimal.NewFromInt(480000)))
}

func TestReceiverAmountRoundsHalfUp(t *testing.T) {
	f := setup(t)
	svc := f.service(t, fixedRate{rate: decimal.RequireFromString("12000.5")})

	sender := uuid.New()
	usdCard := f.newCard(t, sender, models.USD, "10.00")
	uzsCard := f.newCard(t, uuid.New(), models.UZS, "0")

	err := svc.ExecuteP2P(context.Background(), sender, Request{
		SenderCardID:   usdCard.ID,
		ReceiverCardID: uzsCard.ID,
		Amount:         decimal.RequireFromString("1.00"),
		ExternalID:     "EXT-2",
	}, "transfer-round")
	require.NoError(t, err)

	// 1.00 × 12000.5 = 12000.5 UZS, half-up at scale 0 → 12001.
	assert.True(t, f.balance(t, uzsCard.AccountID).Equal(decimal.NewFromInt(12001)),
		"got %s", f.balance(t, uzsCard.AccountID))
}

func TestInsufficientFunds(t *testing.T) {
	f := setup(t)
	svc := f.service(t, fixedRate{})

	sender := uuid.New()
	from := f.newCard(t, sender, models.USD, "30.00")
	to := f.newCard(t, uuid.New(), models.USD, "5.00")

	err := svc.ExecuteP2P(context.Background(), sender, Request{
		SenderCardID:   from.ID,
		ReceiverCardID: to.ID,
		Amount:         decimal.RequireFromString("50.00"),
		ExternalID:     "EXT-3",
	}, "transfer-b")
	require.Error(t, err)
	assert.Equal(t, errors.KindInsufficientFunds, errors.KindOf(err))

	// No balance mutation survives.
	assert.True(t, f.balance(t, from.AccountID).Equal(decimal.RequireFromString("30.00")))
	assert.True(t, f.balance(t, to.AccountID).Equal(decimal.RequireFromString("5.00")))

	// Both legs end FAILED even though the transfer rolled back.
	debit, credit := f.legs(t, "transfer-b")
	assert.Equal(t, models.TxFailed, debit.Status)
	assert.Equal(t, models.TxFailed, credit.Status)
	assert.NotEmpty(t, debit.FailureReason)
}

func TestRateFailureFailsTransfer(t *testing.T) {
	f := setup(t)
	svc := f.service(t, fixedRate{err: errors.New(errors.KindUnavailable, "currency service temporarily unavailable")})

	sender := uuid.New()
	from := f.newCard(t, sender, models.USD, "100.00")
	to := f.newCard(t, uuid.New(), models.UZS, "0")

	err := svc.ExecuteP2P(context.Background(), sender, Request{
		SenderCardID:   from.ID,
		ReceiverCardID: to.ID,
		Amount:         decimal.RequireFromString("10.00"),
		ExternalID:     "EXT-4",
	}, "transfer-rate-fail")
	require.Error(t, err)
	assert.Equal(t, errors.KindUnavailable, errors.KindOf(err))

	assert.True(t, f.balance(t, from.AccountID).Equal(decimal.RequireFromString("100.00")))

	debit, credit := f.legs(t, "transfer-rate-fail")
	assert.Equal(t, models.TxFailed, debit.Status)
	assert.Equal(t, models.TxFailed, credit.Status)
}

func TestTransferBetweenCardsOfOneAccount(t *testing.T) {
	f := setup(t)
	svc := f.service(t, fixedRate{})

	userID := uuid.New()
	first := f.newCard(t, userID, models.USD, "100.00")
	second, err := f.cards.Create(context.Background(), userID, models.USD)
	require.NoError(t, err)
	require.Equal(t, first.AccountID, second.AccountID)

	err = svc.ExecuteP2P(context.Background(), userID, Request{
		SenderCardID:   first.ID,
		ReceiverCardID: second.ID,
		Amount:         decimal.RequireFromString("25.00"),
		ExternalID:     "EXT-5",
	}, "transfer-self")
	require.NoError(t, err)

	// Identity rate, single account: the net balance change is zero.
	assert.True(t, f.balance(t, first.AccountID).Equal(decimal.RequireFromString("100.00")))

	debit, credit := f.legs(t, "transfer-self")
	assert.Equal(t, models.TxCompleted, debit.Status)
	assert.True(t, debit.BeforeBalance.Equal(decimal.RequireFromString("100.00")))
	assert.True(t, debit.AfterBalance.Equal(decimal.RequireFromString("75.00")))
	assert.True(t, credit.BeforeBalance.Equal(decimal.RequireFromString("75.00")))
	assert.True(t, credit.AfterBalance.Equal(decimal.RequireFromString("100.00")))
}

func TestTransferValidation(t *testing.T) {
	f := setup(t)
	svc := f.service(t, fixedRate{})

	sender := uuid.New()
	from := f.newCard(t, sender, models.USD, "100.00")
	to := f.newCard(t, uuid.New(), models.USD, "0")

	err := svc.ExecuteP2P(context.Background(), sender, Request{
		SenderCardID:   from.ID,
		ReceiverCardID: to.ID,
		Amount:         decimal.Zero,
		ExternalID:     "EXT-6",
	}, "k1")
	assert.Equal(t, errors.KindValidation, errors.KindOf(err))

	err = svc.ExecuteP2P(context.Background(), sender, Request{
		SenderCardID:   from.ID,
		ReceiverCardID: from.ID,
		Amount:         decimal.NewFromInt(1),
		ExternalID:     "EXT-7",
	}, "k2")
	assert.Equal(t, errors.KindValidation, errors.KindOf(err))

	err = svc.ExecuteP2P(context.Background(), sender, Request{
		SenderCardID:   uuid.New(),
		ReceiverCardID: to.ID,
		Amount:         decimal.NewFromInt(1),
		ExternalID:     "EXT-8",
	}, "k3")
	assert.Equal(t, errors.KindNotFound, errors.KindOf(err))

	// Caller must own the sender card.
	err = svc.ExecuteP2P(context.Background(), uuid.New(), Request{
		SenderCardID:   from.ID,
		ReceiverCardID: to.ID,
		Amount:         decimal.NewFromInt(1),
		ExternalID:     "EXT-9",
	}, "k4")
	assert.Equal(t, errors.KindAccessDenied, errors.KindOf(err))
}

func TestOppositeDirectionTransfersComplete(t *testing.T) {
	f := setup(t)
	svc := f.service(t, fixedRate{})

	userX := uuid.New()
	userY := uuid.New()
	cardX := f.newCard(t, userX, models.USD, "1000.00")
	cardY := f.newCard(t, userY, models.USD, "1000.00")

	const n = 10
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(2)
		keyXY := "xy-" + uuid.NewString()
		keyYX := "yx-" + uuid.NewString()
		go func() {
			defer wg.Done()
			err := svc.ExecuteP2P(context.Background(), userX, Request{
				SenderCardID:   cardX.ID,
				ReceiverCardID: cardY.ID,
				Amount:         decimal.NewFromInt(1),
				ExternalID:     "EXT-" + keyXY,
			}, keyXY)
			if err != nil {
				t.Errorf("x->y transfer failed: %v", err)
			}
		}()
		go func() {
			defer wg.Done()
			err := svc.ExecuteP2P(context.Background(), userY, Request{
				SenderCardID:   cardY.ID,
				ReceiverCardID: cardX.ID,
				Amount:         decimal.NewFromInt(1),
				ExternalID:     "EXT-" + keyYX,
			}, keyYX)
			if err != nil {
				t.Errorf("y->x transfer failed: %v", err)
			}
		}()
	}
	wg.Wait()

	// Equal flows in both directions: balances are conserved.
	assert.True(t, f.balance(t, cardX.AccountID).Equal(decimal.RequireFromString("1000.00")),
		"x balance: %s", f.balance(t, cardX.AccountID))
	assert.True(t, f.balance(t, cardY.AccountID).Equal(decimal.RequireFromString("1000.00")),
		"y balance: %s", f.balance(t, cardY.AccountID))
}

func TestHistoryScopedToOwner(t *testing.T) {
	f := setup(t)
	svc := f.service(t, fixedRate{})

	sender := uuid.New()
	from := f.newCard(t, sender, models.USD, "100.00")
	to := f.newCard(t, uuid.New(), models.USD, "0")

	require.NoError(t, svc.ExecuteP2P(context.Background(), sender, Request{
		SenderCardID:   from.ID,
		ReceiverCardID: to.ID,
		Amount:         decimal.NewFromInt(10),
		ExternalID:     "EXT-H",
	}, "hist-1"))

	txs, total, err := svc.History(context.Background(), from.ID, sender, 20, 0)
	require.NoError(t, err)
	assert.EqualValues(t, 1, total)
	require.Len(t, txs, 1)
	assert.Equal(t, models.Debit, txs[0].Direction)

	// Another user sees nothing on a card they do not own.
	txs, total, err = svc.History(context.Background(), from.ID, uuid.New(), 20, 0)
	require.NoError(t, err)
	assert.Zero(t, total)
	assert.Empty(t, txs)
}
