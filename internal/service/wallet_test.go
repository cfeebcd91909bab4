package service

import (
	"context"
	"errors"
	"testing"

	"github.com/glebarez/sqlite"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/coursewallet/wallet-service/internal/award"
	"github.com/coursewallet/wallet-service/internal/config"
	"github.com/coursewallet/wallet-service/internal/coupon"
	"github.com/coursewallet/wallet-service/internal/discount"
	"github.com/coursewallet/wallet-service/internal/model"
	"github.com/coursewallet/wallet-service/internal/referral"
	"github.com/coursewallet/wallet-service/internal/wallet"
)

type fixture struct {
	svc       *WalletService
	walletSvc wallet.Service
	db        *gorm.DB
	cfg       *config.Config
}

func newFixture(t *testing.T, cfg *config.Config) *fixture {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger:         logger.Default.LogMode(logger.Silent),
		TranslateError: true,
	})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	sqlDB, _ := db.DB()
	sqlDB.SetMaxOpenConns(1)
	err = db.AutoMigrate(
		&wallet.Balance{}, &wallet.Transaction{},
		&coupon.Coupon{}, &coupon.Usage{},
		&discount.Tier{},
		&referral.Code{}, &referral.HeldGift{},
		&award.Grant{},
		&model.TopupItem{},
	)
	if err != nil {
		t.Fatalf("migrate: %v", err)
	}

	if cfg == nil {
		cfg = &config.Config{Currency: "USD"}
	}

	walletSvc := wallet.NewService(db)
	couponSvc := coupon.NewService(db, nil)
	discountSvc := discount.NewService(db, nil)
	referralSvc := referral.NewService(db, walletSvc, cfg.ReferralAmount)
	awardSvc := award.NewService(db, walletSvc)

	return &fixture{
		svc:       NewWalletService(db, cfg, walletSvc, couponSvc, discountSvc, referralSvc, awardSvc),
		walletSvc: walletSvc,
		db:        db,
		cfg:       cfg,
	}
}

func dec(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return d
}

func TestTopupQuoteAndPayment(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	if err := discount.NewService(f.db, nil).Create(ctx, &discount.Tier{Cond: dec("400"), Percent: dec("15")}); err != nil {
		t.Fatalf("seed tier: %v", err)
	}

	quote, err := f.svc.QuoteTopup(ctx, "u1", &model.TopupQuoteRequest{Value: dec("500")})
	if err != nil {
		t.Fatalf("quote: %v", err)
	}
	if !quote.Cash.Equal(dec("425")) || !quote.Bonus.Equal(dec("75")) {
		t.Fatalf("quote = %+v, want cash 425 bonus 75", quote)
	}
	if quote.ItemID == 0 {
		t.Fatal("no payable item recorded")
	}

	bal, err := f.svc.HandlePaymentConfirmed(ctx, &model.PaymentConfirmedEvent{
		ItemID:    quote.ItemID,
		PaymentID: "pay-1",
		UserID:    "u1",
		Amount:    dec("425"),
	})
	if err != nil {
		t.Fatalf("payment confirmed: %v", err)
	}

	// The wallet holds the full intended value: cash refundable plus
	// the tier bonus as promotional credit.
	if !bal.Total().Equal(dec("500")) {
		t.Errorf("total = %s, want 500", bal.Total())
	}
	if !bal.Refundable.Equal(dec("425")) {
		t.Errorf("refundable = %s, want 425", bal.Refundable)
	}
	if !bal.Nonrefundable.Equal(dec("75")) {
		t.Errorf("nonrefundable = %s, want 75", bal.Nonrefundable)
	}
}

func TestHandlePaymentConfirmedRedelivery(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	quote, err := f.svc.QuoteTopup(ctx, "u1", &model.TopupQuoteRequest{Value: dec("100")})
	if err != nil {
		t.Fatalf("quote: %v", err)
	}

	ev := &model.PaymentConfirmedEvent{
		ItemID:    quote.ItemID,
		PaymentID: "pay-1",
		UserID:    "u1",
		Amount:    dec("100"),
	}
	if _, err := f.svc.HandlePaymentConfirmed(ctx, ev); err != nil {
		t.Fatalf("first delivery: %v", err)
	}

	// Gateways retry on timeout. The second delivery must report the
	// current balance without crediting the item again.
	bal, err := f.svc.HandlePaymentConfirmed(ctx, ev)
	if err != nil {
		t.Fatalf("second delivery: %v", err)
	}
	if !bal.Total().Equal(dec("100")) {
		t.Errorf("total after redelivery = %s, want 100", bal.Total())
	}

	var item model.TopupItem
	if err := f.db.First(&item, quote.ItemID).Error; err != nil {
		t.Fatalf("reload item: %v", err)
	}
	if !item.Paid || item.PaymentID != "pay-1" {
		t.Errorf("item = %+v, want consumed by pay-1", item)
	}

	var credits int64
	f.db.Model(&wallet.Transaction{}).Where("userid = ? AND type = ?", "u1", wallet.TxCredit).Count(&credits)
	if credits != 1 {
		t.Errorf("credit rows = %d, want 1", credits)
	}
}

func TestHandlePaymentConfirmedValidation(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	quote, err := f.svc.QuoteTopup(ctx, "u1", &model.TopupQuoteRequest{Value: dec("100")})
	if err != nil {
		t.Fatalf("quote: %v", err)
	}

	_, err = f.svc.HandlePaymentConfirmed(ctx, &model.PaymentConfirmedEvent{
		ItemID: 9999, PaymentID: "p", UserID: "u1",
	})
	if !errors.Is(err, ErrItemNotFound) {
		t.Errorf("unknown item: got %v, want ErrItemNotFound", err)
	}

	_, err = f.svc.HandlePaymentConfirmed(ctx, &model.PaymentConfirmedEvent{
		ItemID: quote.ItemID, PaymentID: "p", UserID: "impostor",
	})
	if !errors.Is(err, ErrItemMismatch) {
		t.Errorf("wrong user: got %v, want ErrItemMismatch", err)
	}

	_, err = f.svc.HandlePaymentConfirmed(ctx, &model.PaymentConfirmedEvent{
		ItemID: quote.ItemID, PaymentID: "p", UserID: "u1", Amount: dec("99"),
	})
	if !errors.Is(err, ErrItemMismatch) {
		t.Errorf("wrong amount: got %v, want ErrItemMismatch", err)
	}
}

func TestQuoteTopupRejectsNonPositive(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	_, err := f.svc.QuoteTopup(ctx, "u1", &model.TopupQuoteRequest{Value: dec("-10")})
	if !errors.Is(err, wallet.ErrInvalidAmount) {
		t.Errorf("got %v, want ErrInvalidAmount", err)
	}
}

func TestPurchaseWithCouponAndCashback(t *testing.T) {
	f := newFixture(t, &config.Config{Currency: "USD", CashbackPercent: dec("5")})
	ctx := context.Background()

	if err := coupon.NewService(f.db, nil).Create(ctx, &coupon.Coupon{
		Code: "SAVE25", Type: coupon.TypePercent, Value: dec("25"),
	}); err != nil {
		t.Fatalf("seed coupon: %v", err)
	}
	if _, err := f.walletSvc.Credit(ctx, "u1", dec("300"), wallet.KindRefundable, "", "topup"); err != nil {
		t.Fatalf("seed balance: %v", err)
	}

	resp, err := f.svc.Purchase(ctx, "u1", &model.PurchaseRequest{
		InstanceID: "i1", CourseID: "c1", CourseName: "Algebra",
		Cost: dec("200"), CouponCode: "SAVE25",
	})
	if err != nil {
		t.Fatalf("purchase: %v", err)
	}

	if !resp.CostAfter.Equal(dec("150")) {
		t.Errorf("cost after = %s, want 150", resp.CostAfter)
	}
	if !resp.Cashback.Equal(dec("7.5")) {
		t.Errorf("cashback = %s, want 7.5", resp.Cashback)
	}
	// 300 - 150 paid + 7.5 cashback
	if !resp.Balance.Equal(dec("157.5")) {
		t.Errorf("balance = %s, want 157.5", resp.Balance)
	}

	// The redemption is on record with the value actually applied.
	usages, err := coupon.NewService(f.db, nil).Usages(ctx, "SAVE25")
	if err != nil {
		t.Fatalf("usages: %v", err)
	}
	if len(usages) != 1 || !usages[0].Value.Equal(dec("50")) {
		t.Errorf("usages = %+v, want one row applying 50", usages)
	}
}

func TestPurchaseInsufficientRollsBackCoupon(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	couponSvc := coupon.NewService(f.db, nil)
	if err := couponSvc.Create(ctx, &coupon.Coupon{
		Code: "ONCE", Type: coupon.TypeFixed, Value: dec("10"), MaxUsage: 1,
	}); err != nil {
		t.Fatalf("seed coupon: %v", err)
	}

	_, err := f.svc.Purchase(ctx, "broke", &model.PurchaseRequest{
		InstanceID: "i1", CourseID: "c1", Cost: dec("200"), CouponCode: "ONCE",
	})
	if !errors.Is(err, wallet.ErrInsufficientBalance) {
		t.Fatalf("got %v, want ErrInsufficientBalance", err)
	}

	// The failed debit never consumed the coupon use.
	var c coupon.Coupon
	if err := f.db.Where("code = ?", "ONCE").First(&c).Error; err != nil {
		t.Fatalf("reload coupon: %v", err)
	}
	if c.UseTimes != 0 {
		t.Errorf("usetimes = %d, want 0 after rollback", c.UseTimes)
	}
}

func TestPurchaseFullyDiscounted(t *testing.T) {
	f := newFixture(t, &config.Config{Currency: "USD", CashbackPercent: dec("5")})
	ctx := context.Background()

	if err := coupon.NewService(f.db, nil).Create(ctx, &coupon.Coupon{
		Code: "FREE", Type: coupon.TypeFixed, Value: dec("500"),
	}); err != nil {
		t.Fatalf("seed coupon: %v", err)
	}

	// The coupon covers the whole cost: no balance required, no debit,
	// and no cashback since nothing was paid.
	resp, err := f.svc.Purchase(ctx, "u1", &model.PurchaseRequest{
		InstanceID: "i1", CourseID: "c1", Cost: dec("200"), CouponCode: "FREE",
	})
	if err != nil {
		t.Fatalf("purchase: %v", err)
	}
	if !resp.CostAfter.IsZero() || !resp.Cashback.IsZero() {
		t.Errorf("resp = %+v, want zero cost and cashback", resp)
	}

	total, _ := f.walletSvc.Total(ctx, "u1")
	if !total.IsZero() {
		t.Errorf("total = %s, want 0", total)
	}
}

func TestPurchaseWithoutCoupon(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	if _, err := f.walletSvc.Credit(ctx, "u1", dec("100"), wallet.KindRefundable, "", "topup"); err != nil {
		t.Fatalf("seed balance: %v", err)
	}

	resp, err := f.svc.Purchase(ctx, "u1", &model.PurchaseRequest{
		InstanceID: "i1", CourseID: "c1", Cost: dec("60"),
	})
	if err != nil {
		t.Fatalf("purchase: %v", err)
	}
	if !resp.Balance.Equal(dec("40")) {
		t.Errorf("balance = %s, want 40", resp.Balance)
	}
}

func TestCheckCoupon(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	if err := coupon.NewService(f.db, nil).Create(ctx, &coupon.Coupon{
		Code: "SAVE25", Type: coupon.TypePercent, Value: dec("25"),
	}); err != nil {
		t.Fatalf("seed coupon: %v", err)
	}

	resp, err := f.svc.CheckCoupon(ctx, "u1", &model.CouponCheckRequest{
		Code: "SAVE25", InstanceID: "i1", Cost: dec("200"),
	})
	if err != nil {
		t.Fatalf("check: %v", err)
	}
	if !resp.CostAfter.Equal(dec("150")) {
		t.Errorf("cost after = %s, want 150", resp.CostAfter)
	}

	// Checking never consumes a use.
	var c coupon.Coupon
	f.db.Where("code = ?", "SAVE25").First(&c)
	if c.UseTimes != 0 {
		t.Errorf("usetimes = %d, want 0", c.UseTimes)
	}
}

func TestHandleUserRegistered(t *testing.T) {
	f := newFixture(t, &config.Config{
		Currency:       "USD",
		NewUserGift:    dec("20"),
		ReferralAmount: dec("10"),
	})
	ctx := context.Background()

	refSvc := referral.NewService(f.db, f.walletSvc, dec("10"))
	code, err := refSvc.IssueCode(ctx, "referrer")
	if err != nil {
		t.Fatalf("issue code: %v", err)
	}

	f.svc.HandleUserRegistered(ctx, "newbie", code)

	// The welcome gift is spending-only credit.
	bal, err := f.walletSvc.Get(ctx, "newbie")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if !bal.FreeGift.Equal(dec("20")) {
		t.Errorf("freegift = %s, want 20", bal.FreeGift)
	}

	// The referrer's gift stays escrowed until a payment confirms.
	total, _ := f.walletSvc.Total(ctx, "referrer")
	if !total.IsZero() {
		t.Errorf("referrer total = %s, want 0 before first payment", total)
	}

	quote, err := f.svc.QuoteTopup(ctx, "newbie", &model.TopupQuoteRequest{Value: dec("50")})
	if err != nil {
		t.Fatalf("quote: %v", err)
	}
	if _, err := f.svc.HandlePaymentConfirmed(ctx, &model.PaymentConfirmedEvent{
		ItemID: quote.ItemID, PaymentID: "p1", UserID: "newbie", Amount: dec("50"),
	}); err != nil {
		t.Fatalf("payment: %v", err)
	}

	total, _ = f.walletSvc.Total(ctx, "referrer")
	if !total.Equal(dec("10")) {
		t.Errorf("referrer total = %s, want 10 after first payment", total)
	}
}

func TestCompletionWebhookFlow(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	amount, err := f.svc.HandleCourseCompletion(ctx, &model.CourseCompletionEvent{
		UserID: "u1", CourseID: "c1", InstanceID: "i1",
		GradePercent: dec("90"), CriteriaPercent: dec("50"), CreditPerPoint: dec("0.5"),
	})
	if err != nil {
		t.Fatalf("completion: %v", err)
	}
	if !amount.Equal(dec("20")) {
		t.Errorf("awarded = %s, want 20", amount)
	}
}
