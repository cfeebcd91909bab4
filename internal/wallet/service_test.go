package wallet

import (
	"context"
	"testing"

	"github.com/glebarez/sqlite"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

func testDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger:         logger.Default.LogMode(logger.Silent),
		TranslateError: true,
	})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("sql db: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	if err := db.AutoMigrate(&Balance{}, &Transaction{}); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return db
}

func dec(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return d
}

func TestGetCreatesZeroBalance(t *testing.T) {
	svc := NewService(testDB(t))
	ctx := context.Background()

	b, err := svc.Get(ctx, "u1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if !b.Total().IsZero() {
		t.Errorf("expected zero total, got %s", b.Total())
	}

	again, err := svc.Get(ctx, "u1")
	if err != nil {
		t.Fatalf("get again: %v", err)
	}
	if again.ID != b.ID {
		t.Errorf("expected same record, got ids %d and %d", b.ID, again.ID)
	}
}

func TestCreditPools(t *testing.T) {
	svc := NewService(testDB(t))
	ctx := context.Background()

	if _, err := svc.Credit(ctx, "u1", dec("100"), KindRefundable, "", "cash"); err != nil {
		t.Fatalf("credit refundable: %v", err)
	}
	if _, err := svc.Credit(ctx, "u1", dec("30"), KindNonrefundable, "", "bonus"); err != nil {
		t.Fatalf("credit nonrefundable: %v", err)
	}
	b, err := svc.Credit(ctx, "u1", dec("20"), KindFreeGift, "", "gift")
	if err != nil {
		t.Fatalf("credit freegift: %v", err)
	}

	if !b.Refundable.Equal(dec("100")) || !b.Nonrefundable.Equal(dec("30")) || !b.FreeGift.Equal(dec("20")) {
		t.Errorf("pools = %s/%s/%s, want 100/30/20", b.Refundable, b.Nonrefundable, b.FreeGift)
	}
	if !b.Total().Equal(dec("150")) {
		t.Errorf("total = %s, want 150", b.Total())
	}
	if !b.NonrefundTotal().Equal(dec("50")) {
		t.Errorf("norefund = %s, want 50", b.NonrefundTotal())
	}
}

func TestCreditRejectsNonPositive(t *testing.T) {
	svc := NewService(testDB(t))
	ctx := context.Background()

	if _, err := svc.Credit(ctx, "u1", decimal.Zero, KindRefundable, "", "x"); err != ErrInvalidAmount {
		t.Errorf("zero credit: got %v, want ErrInvalidAmount", err)
	}
	if _, err := svc.Credit(ctx, "u1", dec("-5"), KindRefundable, "", "x"); err != ErrInvalidAmount {
		t.Errorf("negative credit: got %v, want ErrInvalidAmount", err)
	}
	if _, err := svc.Debit(ctx, "u1", dec("-5"), "", "x"); err != ErrInvalidAmount {
		t.Errorf("negative debit: got %v, want ErrInvalidAmount", err)
	}
}

func TestDebitDrawOrder(t *testing.T) {
	svc := NewService(testDB(t))
	ctx := context.Background()

	// nonrefundable 30, freegift 20, refundable 100
	svc.Credit(ctx, "u1", dec("30"), KindNonrefundable, "", "bonus")
	svc.Credit(ctx, "u1", dec("20"), KindFreeGift, "", "gift")
	svc.Credit(ctx, "u1", dec("100"), KindRefundable, "", "cash")

	// A 40 debit empties nonrefundable, takes 10 from the gift pool
	// and leaves the refundable cash untouched.
	b, err := svc.Debit(ctx, "u1", dec("40"), "", "purchase")
	if err != nil {
		t.Fatalf("debit: %v", err)
	}
	if !b.Nonrefundable.IsZero() {
		t.Errorf("nonrefundable = %s, want 0", b.Nonrefundable)
	}
	if !b.FreeGift.Equal(dec("10")) {
		t.Errorf("freegift = %s, want 10", b.FreeGift)
	}
	if !b.Refundable.Equal(dec("100")) {
		t.Errorf("refundable = %s, want 100", b.Refundable)
	}
}

func TestDebitInsufficient(t *testing.T) {
	svc := NewService(testDB(t))
	ctx := context.Background()

	svc.Credit(ctx, "u1", dec("10"), KindRefundable, "", "cash")

	if _, err := svc.Debit(ctx, "u1", dec("10.00001"), "", "too much"); err != ErrInsufficientBalance {
		t.Fatalf("got %v, want ErrInsufficientBalance", err)
	}

	// Balance unchanged after the failed debit.
	b, _ := svc.Get(ctx, "u1")
	if !b.Total().Equal(dec("10")) {
		t.Errorf("total = %s, want 10", b.Total())
	}
}

func TestCategoryRingFence(t *testing.T) {
	svc := NewService(testDB(t))
	ctx := context.Background()

	svc.Credit(ctx, "u1", dec("50"), KindNonrefundable, "science", "category bonus")
	svc.Credit(ctx, "u1", dec("100"), KindRefundable, "", "cash")

	// A purchase in the matching category draws the sub-balance first.
	b, err := svc.Debit(ctx, "u1", dec("30"), "science", "science course")
	if err != nil {
		t.Fatalf("debit: %v", err)
	}
	if got := b.Categories()["science"]; !got.Equal(dec("20")) {
		t.Errorf("science sub-balance = %s, want 20", got)
	}
	if !b.Nonrefundable.Equal(dec("20")) {
		t.Errorf("nonrefundable = %s, want 20", b.Nonrefundable)
	}
	if !b.Refundable.Equal(dec("100")) {
		t.Errorf("refundable = %s, want 100", b.Refundable)
	}

	// A purchase in another category never touches the fenced credit
	// beyond what the backing pool forces.
	b, err = svc.Debit(ctx, "u1", dec("60"), "arts", "arts course")
	if err != nil {
		t.Fatalf("debit: %v", err)
	}
	if !b.Nonrefundable.IsZero() {
		t.Errorf("nonrefundable = %s, want 0", b.Nonrefundable)
	}
	if !b.Refundable.Equal(dec("60")) {
		t.Errorf("refundable = %s, want 60", b.Refundable)
	}
	// The backing pool is gone, so the sub-balance clamps to zero.
	if got := b.Categories()["science"]; !got.IsZero() {
		t.Errorf("science sub-balance = %s, want 0 after clamp", got)
	}
}

func TestCategoryCreditHeadroom(t *testing.T) {
	svc := NewService(testDB(t))
	ctx := context.Background()

	// Refundable credits carry no category backing, so the fenced
	// sub-balance never grows past the non-refundable pools.
	b, err := svc.Credit(ctx, "u1", dec("40"), KindRefundable, "science", "cash with category")
	if err != nil {
		t.Fatalf("credit: %v", err)
	}
	if got := b.Categories()["science"]; !got.IsZero() {
		t.Errorf("science sub-balance = %s, want 0", got)
	}

	b, err = svc.Credit(ctx, "u1", dec("25"), KindNonrefundable, "science", "bonus")
	if err != nil {
		t.Fatalf("credit: %v", err)
	}
	if got := b.Categories()["science"]; !got.Equal(dec("25")) {
		t.Errorf("science sub-balance = %s, want 25", got)
	}
}

func TestLedgerAndReplay(t *testing.T) {
	svc := NewService(testDB(t))
	ctx := context.Background()

	svc.Credit(ctx, "u1", dec("100"), KindRefundable, "", "topup")
	svc.Credit(ctx, "u1", dec("15"), KindNonrefundable, "", "bonus")
	svc.Debit(ctx, "u1", dec("40"), "", "course")
	svc.Credit(ctx, "u2", dec("7"), KindFreeGift, "", "other user")

	txns, err := svc.Transactions(ctx, Query{UserID: "u1"})
	if err != nil {
		t.Fatalf("transactions: %v", err)
	}
	if len(txns) != 3 {
		t.Fatalf("got %d entries, want 3", len(txns))
	}
	// Default order is newest first.
	if txns[0].Type != TxDebit {
		t.Errorf("first entry type = %s, want debit", txns[0].Type)
	}
	if !txns[0].BalanceBefore.Equal(dec("115")) || !txns[0].BalanceAfter.Equal(dec("75")) {
		t.Errorf("debit before/after = %s/%s, want 115/75", txns[0].BalanceBefore, txns[0].BalanceAfter)
	}

	total, norefund, err := svc.Replay(ctx, "u1")
	if err != nil {
		t.Fatalf("replay: %v", err)
	}
	b, _ := svc.Get(ctx, "u1")
	if !total.Equal(b.Total()) {
		t.Errorf("replayed total %s != stored %s", total, b.Total())
	}
	if !norefund.Equal(b.NonrefundTotal()) {
		t.Errorf("replayed norefund %s != stored %s", norefund, b.NonrefundTotal())
	}
}

func TestTransactionsSortFallback(t *testing.T) {
	svc := NewService(testDB(t))
	ctx := context.Background()

	svc.Credit(ctx, "u1", dec("1"), KindRefundable, "", "first")
	svc.Credit(ctx, "u1", dec("2"), KindRefundable, "", "second")

	// An unknown sort column silently falls back to id DESC.
	txns, err := svc.Transactions(ctx, Query{UserID: "u1", SortKey: "descripe; DROP TABLE transactions"})
	if err != nil {
		t.Fatalf("transactions: %v", err)
	}
	if len(txns) != 2 || txns[0].Description != "second" {
		t.Fatalf("fallback order broken: %+v", txns)
	}

	txns, err = svc.Transactions(ctx, Query{UserID: "u1", SortKey: "amount", SortAsc: true})
	if err != nil {
		t.Fatalf("transactions: %v", err)
	}
	if !txns[0].Amount.Equal(dec("1")) {
		t.Errorf("amount asc order broken: first = %s", txns[0].Amount)
	}
}

func TestTransactionsFilters(t *testing.T) {
	svc := NewService(testDB(t))
	ctx := context.Background()

	svc.Credit(ctx, "u1", dec("100"), KindRefundable, "", "topup")
	svc.Debit(ctx, "u1", dec("40"), "", "course")

	credits, err := svc.Transactions(ctx, Query{UserID: "u1", Type: TxCredit})
	if err != nil {
		t.Fatalf("transactions: %v", err)
	}
	if len(credits) != 1 || credits[0].Type != TxCredit {
		t.Fatalf("type filter broken: %+v", credits)
	}

	limited, err := svc.Transactions(ctx, Query{UserID: "u1", Limit: 1})
	if err != nil {
		t.Fatalf("transactions: %v", err)
	}
	if len(limited) != 1 {
		t.Fatalf("limit ignored, got %d entries", len(limited))
	}
}

func TestConcurrencyConflictSurfaces(t *testing.T) {
	db := testDB(t)
	svc := NewService(db)
	ctx := context.Background()

	b, err := svc.Get(ctx, "u1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}

	// A stale version loses the conditional update.
	err = db.Transaction(func(tx *gorm.DB) error {
		stale := *b
		stale.Version = b.Version + 10
		txn := &Transaction{UserID: "u1", Type: TxCredit, Amount: dec("1")}
		return commitMutation(tx, &stale, stale.Categories(), txn)
	})
	if err != ErrConcurrencyConflict {
		t.Fatalf("got %v, want ErrConcurrencyConflict", err)
	}
}

func TestClampCategories(t *testing.T) {
	cats := map[string]decimal.Decimal{
		"a": dec("50"),
		"b": dec("30"),
	}
	// Largest sub-balance is trimmed first.
	clampCategories(cats, dec("60"))
	if !cats["a"].Equal(dec("30")) || !cats["b"].Equal(dec("30")) {
		t.Errorf("clamped = %v, want a=30 b=30", cats)
	}

	clampCategories(cats, decimal.Zero)
	if len(cats) != 0 {
		t.Errorf("expected empty map, got %v", cats)
	}
}
