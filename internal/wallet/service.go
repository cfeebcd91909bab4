package wallet

import (
	"context"
	"errors"
	"sort"
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// ─────────────────────────────────────────────
// Errors
// ─────────────────────────────────────────────

var (
	ErrInvalidAmount       = errors.New("invalid amount")
	ErrInsufficientBalance = errors.New("insufficient balance")
	ErrConcurrencyConflict = errors.New("concurrent wallet mutation, retry")
)

// casAttempts bounds the internal retries of an optimistic
// read-modify-write before surfacing ErrConcurrencyConflict.
const casAttempts = 3

// sortable whitelists the ledger columns a listing may be ordered
// by. Anything else falls back to the default id-descending order.
var sortable = map[string]bool{
	"id":          true,
	"userid":      true,
	"type":        true,
	"amount":      true,
	"balbefore":   true,
	"balance":     true,
	"timecreated": true,
}

// ─────────────────────────────────────────────
// walletService implements Service
// ─────────────────────────────────────────────

type walletService struct {
	db       *gorm.DB
	notifier Notifier
}

// NewService creates a wallet Service backed by the given DB.
func NewService(db *gorm.DB) Service {
	return &walletService{db: db}
}

// SetNotifier installs the live-update sink.
func (s *walletService) SetNotifier(n Notifier) { s.notifier = n }

// Publish forwards committed ledger entries to the notifier.
func (s *walletService) Publish(txns ...*Transaction) {
	if s.notifier == nil {
		return
	}
	for _, txn := range txns {
		if txn != nil {
			s.notifier.TransactionCommitted(txn)
		}
	}
}

// Get returns the user's wallet record, creating one if not exists.
func (s *walletService) Get(ctx context.Context, userID string) (*Balance, error) {
	var b Balance
	err := s.db.WithContext(ctx).Where("userid = ?", userID).First(&b).Error
	if err == nil {
		return &b, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, err
	}

	// Create new record with zero balance
	b = zeroBalance(userID)
	if err := s.db.WithContext(ctx).Create(&b).Error; err != nil {
		// Handle race condition: another request might have created it
		if err2 := s.db.WithContext(ctx).Where("userid = ?", userID).First(&b).Error; err2 == nil {
			return &b, nil
		}
		return nil, err
	}
	return &b, nil
}

// Total returns the user's full spendable balance.
func (s *walletService) Total(ctx context.Context, userID string) (decimal.Decimal, error) {
	b, err := s.Get(ctx, userID)
	if err != nil {
		return decimal.Zero, err
	}
	return b.Total(), nil
}

// Nonrefundable returns the non-refundable portion of the balance.
func (s *walletService) Nonrefundable(ctx context.Context, userID string) (decimal.Decimal, error) {
	b, err := s.Get(ctx, userID)
	if err != nil {
		return decimal.Zero, err
	}
	return b.NonrefundTotal(), nil
}

// Credit adds amount to the selected pool.
func (s *walletService) Credit(ctx context.Context, userID string, amount decimal.Decimal, kind CreditKind, category, description string) (*Balance, error) {
	var (
		result *Balance
		txn    *Transaction
	)
	err := s.Atomic(ctx, func(tx *gorm.DB) error {
		var err error
		result, txn, err = s.CreditTx(tx, userID, amount, kind, category, description)
		return err
	})
	if err != nil {
		return nil, err
	}
	s.Publish(txn)
	return result, nil
}

// Debit removes amount following the pool draw order.
func (s *walletService) Debit(ctx context.Context, userID string, amount decimal.Decimal, category, description string) (*Balance, error) {
	var (
		result *Balance
		txn    *Transaction
	)
	err := s.Atomic(ctx, func(tx *gorm.DB) error {
		var err error
		result, txn, err = s.DebitTx(tx, userID, amount, category, description)
		return err
	})
	if err != nil {
		return nil, err
	}
	s.Publish(txn)
	return result, nil
}

// Atomic runs fn inside a transaction, retrying the whole unit when
// an optimistic version check loses the race.
func (s *walletService) Atomic(ctx context.Context, fn func(tx *gorm.DB) error) error {
	var err error
	for attempt := 0; attempt < casAttempts; attempt++ {
		err = s.db.WithContext(ctx).Transaction(fn)
		if !errors.Is(err, ErrConcurrencyConflict) {
			return err
		}
	}
	return err
}

// CreditTx applies a single credit attempt inside tx.
func (s *walletService) CreditTx(tx *gorm.DB, userID string, amount decimal.Decimal, kind CreditKind, category, description string) (*Balance, *Transaction, error) {
	if amount.LessThanOrEqual(decimal.Zero) {
		return nil, nil, ErrInvalidAmount
	}

	b, err := getOrCreateTx(tx, userID)
	if err != nil {
		return nil, nil, err
	}
	before := b.Total()

	switch kind {
	case KindNonrefundable:
		b.Nonrefundable = b.Nonrefundable.Add(amount)
	case KindFreeGift:
		b.FreeGift = b.FreeGift.Add(amount)
	default:
		b.Refundable = b.Refundable.Add(amount)
	}

	cats := b.Categories()
	if category != "" {
		// Category credits are ring-fenced inside the non-refundable
		// and gift pools; never grow past that headroom.
		headroom := b.NonrefundTotal().Sub(sumCategories(cats))
		if add := decimal.Min(amount, headroom); add.IsPositive() {
			cats[category] = cats[category].Add(add)
		}
	}

	norefund := decimal.Zero
	if kind != KindRefundable {
		norefund = amount
	}

	txn := &Transaction{
		UserID:        userID,
		Type:          TxCredit,
		Amount:        amount,
		BalanceBefore: before,
		BalanceAfter:  b.Total(),
		Norefund:      norefund,
		Category:      category,
		Description:   description,
		TimeCreated:   time.Now(),
	}
	if err := commitMutation(tx, b, cats, txn); err != nil {
		return nil, nil, err
	}
	return b, txn, nil
}

// DebitTx applies a single debit attempt inside tx.
//
// Draw order is a deliberate policy: the matching category
// sub-balance first, then nonrefundable, then freegift, and
// refundable cash last. Refundable is the only component eligible
// for external refund, so it is preserved longest.
func (s *walletService) DebitTx(tx *gorm.DB, userID string, amount decimal.Decimal, category, description string) (*Balance, *Transaction, error) {
	if amount.LessThanOrEqual(decimal.Zero) {
		return nil, nil, ErrInvalidAmount
	}

	b, err := getOrCreateTx(tx, userID)
	if err != nil {
		return nil, nil, err
	}
	before := b.Total()
	if amount.GreaterThan(before) {
		return nil, nil, ErrInsufficientBalance
	}

	cats := b.Categories()
	remaining := amount
	norefund := decimal.Zero

	// Ring-fenced credit matching the purchase category goes first.
	// It is backed by the non-refundable/gift pools, so those shrink
	// with it.
	if category != "" && cats[category].IsPositive() {
		use := decimal.Min(cats[category], remaining)
		cats[category] = cats[category].Sub(use)
		if cats[category].IsZero() {
			delete(cats, category)
		}
		fromNonref := decimal.Min(use, b.Nonrefundable)
		b.Nonrefundable = b.Nonrefundable.Sub(fromNonref)
		b.FreeGift = b.FreeGift.Sub(use.Sub(fromNonref))
		norefund = norefund.Add(use)
		remaining = remaining.Sub(use)
	}

	if fromNonref := decimal.Min(remaining, b.Nonrefundable); fromNonref.IsPositive() {
		b.Nonrefundable = b.Nonrefundable.Sub(fromNonref)
		norefund = norefund.Add(fromNonref)
		remaining = remaining.Sub(fromNonref)
	}
	if fromGift := decimal.Min(remaining, b.FreeGift); fromGift.IsPositive() {
		b.FreeGift = b.FreeGift.Sub(fromGift)
		norefund = norefund.Add(fromGift)
		remaining = remaining.Sub(fromGift)
	}
	b.Refundable = b.Refundable.Sub(remaining)

	// Restore the invariant sum(categories) <= nonrefundable + freegift
	// when the general draw dug into pools backing other categories.
	clampCategories(cats, b.NonrefundTotal())

	txn := &Transaction{
		UserID:        userID,
		Type:          TxDebit,
		Amount:        amount,
		BalanceBefore: before,
		BalanceAfter:  b.Total(),
		Norefund:      norefund,
		Category:      category,
		Description:   description,
		TimeCreated:   time.Now(),
	}
	if err := commitMutation(tx, b, cats, txn); err != nil {
		return nil, nil, err
	}
	return b, txn, nil
}

// Transactions lists ledger entries matching q.
func (s *walletService) Transactions(ctx context.Context, q Query) ([]Transaction, error) {
	db := s.db.WithContext(ctx).Model(&Transaction{})

	if q.UserID != "" {
		db = db.Where("userid = ?", q.UserID)
	}
	if q.Type != "" {
		db = db.Where("type = ?", q.Type)
	}
	if !q.From.IsZero() {
		db = db.Where("timecreated >= ?", q.From)
	}
	if !q.To.IsZero() {
		db = db.Where("timecreated <= ?", q.To)
	}
	if q.Amount != nil {
		db = db.Where("amount = ?", *q.Amount)
	}

	// Computed display fields are not sortable; silently fall back.
	order := "id DESC"
	if sortable[q.SortKey] {
		order = q.SortKey + " DESC"
		if q.SortAsc {
			order = q.SortKey + " ASC"
		}
	}
	db = db.Order(order)

	if q.Limit > 0 {
		db = db.Limit(q.Limit)
	}
	if q.Offset > 0 {
		db = db.Offset(q.Offset)
	}

	var txns []Transaction
	if err := db.Find(&txns).Error; err != nil {
		return nil, err
	}
	return txns, nil
}

// Replay folds the user's ledger in id order from a zero balance.
func (s *walletService) Replay(ctx context.Context, userID string) (decimal.Decimal, decimal.Decimal, error) {
	var txns []Transaction
	err := s.db.WithContext(ctx).
		Where("userid = ?", userID).
		Order("id ASC").
		Find(&txns).Error
	if err != nil {
		return decimal.Zero, decimal.Zero, err
	}

	total, norefund := decimal.Zero, decimal.Zero
	for _, txn := range txns {
		switch txn.Type {
		case TxCredit:
			total = total.Add(txn.Amount)
			norefund = norefund.Add(txn.Norefund)
		case TxDebit:
			total = total.Sub(txn.Amount)
			norefund = norefund.Sub(txn.Norefund)
		}
	}
	return total, norefund, nil
}

// ─────────────────────────────────────────────
// Helpers
// ─────────────────────────────────────────────

func zeroBalance(userID string) Balance {
	now := time.Now()
	return Balance{
		UserID:        userID,
		Refundable:    decimal.Zero,
		Nonrefundable: decimal.Zero,
		FreeGift:      decimal.Zero,
		CatBalance:    datatypes.NewJSONType(map[string]decimal.Decimal{}),
		TimeCreated:   now,
		TimeModified:  now,
	}
}

func getOrCreateTx(tx *gorm.DB, userID string) (*Balance, error) {
	var b Balance
	err := tx.Where("userid = ?", userID).First(&b).Error
	if err == nil {
		return &b, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, err
	}

	b = zeroBalance(userID)
	if err := tx.Create(&b).Error; err != nil {
		return nil, err
	}
	return &b, nil
}

// commitMutation writes the new pool values guarded by the version
// counter and appends the ledger entry in the same transaction.
// A lost version race returns ErrConcurrencyConflict so the caller
// can rerun the whole unit against fresh state.
func commitMutation(tx *gorm.DB, b *Balance, cats map[string]decimal.Decimal, txn *Transaction) error {
	now := time.Now()
	res := tx.Model(&Balance{}).
		Where("id = ? AND version = ?", b.ID, b.Version).
		Updates(map[string]interface{}{
			"refundable":    b.Refundable,
			"nonrefundable": b.Nonrefundable,
			"freegift":      b.FreeGift,
			"cat_balance":   datatypes.NewJSONType(cats),
			"version":       b.Version + 1,
			"timemodified":  now,
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrConcurrencyConflict
	}
	b.Version++
	b.CatBalance = datatypes.NewJSONType(cats)
	b.TimeModified = now

	return tx.Create(txn).Error
}

func sumCategories(cats map[string]decimal.Decimal) decimal.Decimal {
	sum := decimal.Zero
	for _, v := range cats {
		sum = sum.Add(v)
	}
	return sum
}

// clampCategories trims sub-balances, largest first, until their sum
// fits the backing pool. Zeroed entries are removed.
func clampCategories(cats map[string]decimal.Decimal, pool decimal.Decimal) {
	overflow := sumCategories(cats).Sub(pool)
	if !overflow.IsPositive() {
		return
	}

	keys := make([]string, 0, len(cats))
	for k := range cats {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		if !cats[keys[i]].Equal(cats[keys[j]]) {
			return cats[keys[i]].GreaterThan(cats[keys[j]])
		}
		return keys[i] < keys[j]
	})

	for _, k := range keys {
		if !overflow.IsPositive() {
			break
		}
		cut := decimal.Min(cats[k], overflow)
		cats[k] = cats[k].Sub(cut)
		overflow = overflow.Sub(cut)
		if cats[k].IsZero() {
			delete(cats, k)
		}
	}
}
