package wallet

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// ─────────────────────────────────────────────
// Wallet / Ledger System
//
// Tracks per-user spendable balance split into refundable,
// non-refundable and free-gift pools, plus category-scoped
// sub-balances, and records every mutation in an append-only
// transaction ledger.
// ─────────────────────────────────────────────

// Balance is a user's wallet record. Created lazily on first
// credit or debit, never deleted (zeroed instead).
type Balance struct {
	ID            uint                                           `json:"id" gorm:"primaryKey"`
	UserID        string                                         `json:"user_id" gorm:"column:userid;uniqueIndex"`
	Refundable    decimal.Decimal                                `json:"refundable" gorm:"type:numeric(20,5)"`
	Nonrefundable decimal.Decimal                                `json:"nonrefundable" gorm:"type:numeric(20,5)"`
	FreeGift      decimal.Decimal                                `json:"freegift" gorm:"column:freegift;type:numeric(20,5)"`
	CatBalance    datatypes.JSONType[map[string]decimal.Decimal] `json:"cat_balance" gorm:"column:cat_balance"`
	Version       uint64                                         `json:"-"` // optimistic concurrency counter
	TimeCreated   time.Time                                      `json:"timecreated" gorm:"column:timecreated"`
	TimeModified  time.Time                                      `json:"timemodified" gorm:"column:timemodified"`
}

// TableName sets the database table name.
func (Balance) TableName() string { return "balance" }

// Total is the full spendable amount across all pools.
func (b *Balance) Total() decimal.Decimal {
	return b.Refundable.Add(b.Nonrefundable).Add(b.FreeGift)
}

// NonrefundTotal is the portion of the balance not eligible for
// external refund (promotional credit plus free gifts).
func (b *Balance) NonrefundTotal() decimal.Decimal {
	return b.Nonrefundable.Add(b.FreeGift)
}

// Categories returns the ring-fenced sub-balances, never nil.
func (b *Balance) Categories() map[string]decimal.Decimal {
	m := b.CatBalance.Data()
	if m == nil {
		m = map[string]decimal.Decimal{}
	}
	return m
}

// TransactionType categorises ledger entries.
type TransactionType string

const (
	TxCredit TransactionType = "credit"
	TxDebit  TransactionType = "debit"
)

// CreditKind selects the balance pool a credit lands in.
type CreditKind string

const (
	KindRefundable    CreditKind = "refundable"    // cash, eligible for refund
	KindNonrefundable CreditKind = "nonrefundable" // bonuses, awards, cashback
	KindFreeGift      CreditKind = "freegift"      // unconditional gifts, spending-only
)

// Transaction is an immutable ledger entry. Replaying all entries
// for a user in id order from a zero balance reproduces the user's
// current totals.
type Transaction struct {
	ID            uint            `json:"id" gorm:"primaryKey"`
	UserID        string          `json:"user_id" gorm:"column:userid;index"`
	Type          TransactionType `json:"type"`
	Amount        decimal.Decimal `json:"amount" gorm:"type:numeric(20,5)"`
	BalanceBefore decimal.Decimal `json:"balance_before" gorm:"column:balbefore;type:numeric(20,5)"`
	BalanceAfter  decimal.Decimal `json:"balance_after" gorm:"column:balance;type:numeric(20,5)"`
	Norefund      decimal.Decimal `json:"norefund" gorm:"column:norefund;type:numeric(20,5)"` // non-refundable component of this mutation
	Category      string          `json:"category,omitempty"`
	Description   string          `json:"description" gorm:"column:descripe"`
	TimeCreated   time.Time       `json:"timecreated" gorm:"column:timecreated"`
}

// TableName sets the database table name.
func (Transaction) TableName() string { return "transactions" }

// Query filters and orders a ledger listing. Zero fields are
// ignored. Sort keys outside the sortable column set fall back to
// the default id-descending order.
type Query struct {
	UserID  string
	Type    TransactionType
	From    time.Time
	To      time.Time
	Amount  *decimal.Decimal
	SortKey string
	SortAsc bool
	Limit   int
	Offset  int
}

// Notifier receives committed ledger entries, e.g. to push live
// balance updates to connected dashboard sessions.
type Notifier interface {
	TransactionCommitted(txn *Transaction)
}

// ─────────────────────────────────────────────
// Service defines the interface of the wallet
// balance store and transaction ledger.
// ─────────────────────────────────────────────

type Service interface {
	// Get returns the user's wallet record.
	// Creates a record with zero balance if not exists.
	Get(ctx context.Context, userID string) (*Balance, error)

	// Total returns the user's full spendable balance.
	Total(ctx context.Context, userID string) (decimal.Decimal, error)

	// Nonrefundable returns the non-refundable portion (bonus + gift).
	Nonrefundable(ctx context.Context, userID string) (decimal.Decimal, error)

	// Credit adds amount to the pool selected by kind. If category is
	// non-empty the matching ring-fenced sub-balance grows too, capped
	// by the non-refundable/gift pools. Fails with ErrInvalidAmount
	// for non-positive amounts.
	Credit(ctx context.Context, userID string, amount decimal.Decimal, kind CreditKind, category, description string) (*Balance, error)

	// Debit removes amount, drawing the matching category sub-balance
	// first, then nonrefundable, freegift and refundable last. Fails
	// with ErrInsufficientBalance when amount exceeds the total.
	Debit(ctx context.Context, userID string, amount decimal.Decimal, category, description string) (*Balance, error)

	// Transactions lists ledger entries matching q.
	Transactions(ctx context.Context, q Query) ([]Transaction, error)

	// Replay folds the user's full ledger in id order from zero and
	// returns the reconstructed total and non-refundable aggregate.
	Replay(ctx context.Context, userID string) (total, norefund decimal.Decimal, err error)

	// CreditTx / DebitTx are single-attempt variants running inside
	// the caller's transaction. They return ErrConcurrencyConflict
	// when the optimistic version check loses the race; the caller
	// retries the whole unit (see Atomic).
	CreditTx(tx *gorm.DB, userID string, amount decimal.Decimal, kind CreditKind, category, description string) (*Balance, *Transaction, error)
	DebitTx(tx *gorm.DB, userID string, amount decimal.Decimal, category, description string) (*Balance, *Transaction, error)

	// Atomic runs fn inside a database transaction, retrying the whole
	// unit a bounded number of times on ErrConcurrencyConflict.
	Atomic(ctx context.Context, fn func(tx *gorm.DB) error) error

	// Publish forwards committed ledger entries to the notifier, if set.
	// Orchestrators call it after an Atomic unit commits.
	Publish(txns ...*Transaction)

	// SetNotifier installs the live-update sink.
	SetNotifier(n Notifier)
}
