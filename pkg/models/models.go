// Package models defines the persisted card processing domain: users,
// accounts, cards and ledger transactions.
package models

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Currency is an ISO 4217 currency code supported by the service.
type Currency string

const (
	UZS Currency = "UZS"
	USD Currency = "USD"
)

// Scale returns the number of fraction digits amounts in this currency carry.
func (c Currency) Scale() int32 {
	switch c {
	case UZS:
		return 0
	case USD:
		return 2
	default:
		return 2
	}
}

// Valid reports whether the currency is one the service supports.
func (c Currency) Valid() bool {
	return c == UZS || c == USD
}

// AccountStatus is the lifecycle state of an account.
type AccountStatus string

const (
	AccountActive AccountStatus = "ACTIVE"
	AccountClosed AccountStatus = "CLOSED"
)

// CardStatus is the lifecycle state of a card.
type CardStatus string

const (
	CardActive  CardStatus = "ACTIVE"
	CardBlocked CardStatus = "BLOCKED"
)

// CardType selects the card scheme, which also fixes the number BIN.
type CardType string

const (
	CardTypeUzcard CardType = "UZCARD"
	CardTypeVisa   CardType = "VISA"
)

// TxDirection marks which side of a transfer a ledger entry records.
type TxDirection string

const (
	Debit  TxDirection = "DEBIT"
	Credit TxDirection = "CREDIT"
)

// TxStatus is the ledger entry lifecycle: pending until the transfer's
// balance effects are committed, then a terminal completed or failed.
type TxStatus string

const (
	TxPending   TxStatus = "PENDING"
	TxCompleted TxStatus = "COMPLETED"
	TxFailed    TxStatus = "FAILED"
)

// User is the card holder. Credential material lives outside this service.
type User struct {
	ID        uuid.UUID `json:"id" gorm:"primaryKey;type:uuid"`
	Email     string    `json:"email" gorm:"type:varchar(255);uniqueIndex;not null"`
	FullName  string    `json:"full_name" gorm:"type:varchar(255)"`
	CreatedAt time.Time `json:"created_at"`
}

func (User) TableName() string { return "users" }

// Account holds the balance for one user/currency pair. The balance is
// mutated only inside a database transaction while the row is locked;
// it never drops below zero at a commit point.
type Account struct {
	ID            uuid.UUID       `json:"id" gorm:"primaryKey;type:uuid"`
	AccountNumber string          `json:"account_number" gorm:"type:varchar(20);uniqueIndex;not null"`
	UserID        uuid.UUID       `json:"user_id" gorm:"type:uuid;index:idx_account_user;not null"`
	Currency      Currency        `json:"currency" gorm:"type:varchar(3);not null"`
	Balance       decimal.Decimal `json:"balance" gorm:"type:decimal(19,4);not null"`
	Status        AccountStatus   `json:"status" gorm:"type:varchar(16);default:'ACTIVE';not null"`
	CreatedAt     time.Time       `json:"created_at"`
	UpdatedAt     time.Time       `json:"updated_at"`
}

func (Account) TableName() string { return "accounts" }

// Card belongs to an account and shares its currency. Version increases by
// one on every persisted state change; writers must present the version
// they read, and lose if it moved.
type Card struct {
	ID         uuid.UUID  `json:"id" gorm:"primaryKey;type:uuid"`
	CardNumber string     `json:"card_number" gorm:"type:varchar(16);uniqueIndex;not null"`
	AccountID  uuid.UUID  `json:"account_id" gorm:"type:uuid;index:idx_card_account;not null"`
	Account    *Account   `json:"-" gorm:"foreignKey:AccountID"`
	Currency   Currency   `json:"currency" gorm:"type:varchar(3);not null"`
	CardType   CardType   `json:"card_type" gorm:"type:varchar(16);not null"`
	Status     CardStatus `json:"status" gorm:"type:varchar(16);default:'ACTIVE';not null"`
	ExpiryDate string     `json:"expiry_date" gorm:"type:varchar(5);not null"`
	CVV        string     `json:"-" gorm:"type:varchar(3);not null"`
	Version    int64      `json:"version" gorm:"default:1;not null"`
	CreatedAt  time.Time  `json:"created_at"`
	UpdatedAt  time.Time  `json:"updated_at"`
}

func (Card) TableName() string { return "cards" }

// Transaction is one leg of a transfer. The two legs of a transfer share a
// ReferenceID and are created together; once status reaches a terminal
// value the row is immutable.
type Transaction struct {
	ID             uuid.UUID       `json:"id" gorm:"primaryKey;type:uuid"`
	CreatedAt      time.Time       `json:"created_at" gorm:"index:idx_tx_created;not null"`
	CardID         uuid.UUID       `json:"card_id" gorm:"type:uuid;index:idx_tx_card;not null"`
	TargetCardID   uuid.UUID       `json:"target_card_id" gorm:"type:uuid;not null"`
	ReferenceID    uuid.UUID       `json:"reference_id" gorm:"type:uuid;index:idx_tx_reference;not null"`
	Direction      TxDirection     `json:"direction" gorm:"type:varchar(8);not null"`
	Amount         decimal.Decimal `json:"amount" gorm:"type:decimal(19,2);not null"`
	Currency       Currency        `json:"currency" gorm:"type:varchar(3);not null"`
	BeforeBalance  decimal.Decimal `json:"before_balance" gorm:"type:decimal(19,2)"`
	AfterBalance   decimal.Decimal `json:"after_balance" gorm:"type:decimal(19,2)"`
	Status         TxStatus        `json:"status" gorm:"type:varchar(16);index:idx_tx_status;not null"`
	IdempotencyKey string          `json:"idempotency_key" gorm:"type:varchar(255);not null"`
	ExternalID     string          `json:"external_id" gorm:"type:varchar(100)"`
	Description    string          `json:"description" gorm:"type:varchar(255)"`
	FailureReason  string          `json:"failure_reason,omitempty" gorm:"type:varchar(500)"`
}

func (Transaction) TableName() string { return "transactions" }
