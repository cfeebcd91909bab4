package service

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"
	log "github.com/sirupsen/logrus"
	"gorm.io/gorm"

	"github.com/coursewallet/wallet-service/internal/award"
	"github.com/coursewallet/wallet-service/internal/config"
	"github.com/coursewallet/wallet-service/internal/coupon"
	"github.com/coursewallet/wallet-service/internal/discount"
	"github.com/coursewallet/wallet-service/internal/model"
	"github.com/coursewallet/wallet-service/internal/referral"
	"github.com/coursewallet/wallet-service/internal/wallet"
)

// Service errors
var (
	ErrItemNotFound = errors.New("top-up item not found")
	ErrItemMismatch = errors.New("payment does not match the quoted item")
)

// WalletService orchestrates the full business flows across the
// wallet ledger, coupons, discount tiers, referrals and awards:
//
//	quote → payment webhook → credit → referral release
//	coupon check → purchase debit → cashback
type WalletService struct {
	db          *gorm.DB
	cfg         *config.Config
	walletSvc   wallet.Service
	couponSvc   *coupon.Service
	discountSvc *discount.Service
	referralSvc *referral.Service
	awardSvc    *award.Service
}

// NewWalletService creates the service.
func NewWalletService(
	db *gorm.DB,
	cfg *config.Config,
	walletSvc wallet.Service,
	couponSvc *coupon.Service,
	discountSvc *discount.Service,
	referralSvc *referral.Service,
	awardSvc *award.Service,
) *WalletService {
	return &WalletService{
		db:          db,
		cfg:         cfg,
		walletSvc:   walletSvc,
		couponSvc:   couponSvc,
		discountSvc: discountSvc,
		referralSvc: referralSvc,
		awardSvc:    awardSvc,
	}
}

// QuoteTopup resolves the discount tier for an intended top-up value,
// records the payable item and returns the value/cash split the
// payment page should charge.
func (s *WalletService) QuoteTopup(ctx context.Context, userID string, req *model.TopupQuoteRequest) (*model.TopupQuoteResponse, error) {
	if req.Value.LessThanOrEqual(decimal.Zero) {
		return nil, wallet.ErrInvalidAmount
	}

	q, err := s.discountSvc.QuoteTopup(ctx, req.Value, req.Category, time.Now())
	if err != nil {
		return nil, err
	}

	item := &model.TopupItem{
		UserID:      userID,
		Value:       q.Value,
		Cash:        q.Cash,
		Category:    req.Category,
		Currency:    s.cfg.Currency,
		TimeCreated: time.Now().Unix(),
	}
	if err := s.db.WithContext(ctx).Create(item).Error; err != nil {
		return nil, err
	}

	log.Infof("[service] topup quote user=%s value=%s cash=%s item=%d",
		userID, q.Value, q.Cash, item.ID)

	return &model.TopupQuoteResponse{
		ItemID:   item.ID,
		Value:    q.Value,
		Percent:  q.Percent,
		Bonus:    q.Bonus,
		Cash:     q.Cash,
		Currency: s.cfg.Currency,
	}, nil
}

// Topup credits a confirmed top-up: the cash collected lands in the
// refundable pool, and the tier bonus (value minus cash) lands in the
// non-refundable pool. Both credits commit in one unit.
func (s *WalletService) Topup(ctx context.Context, userID string, value, cash decimal.Decimal, category, description string) (*wallet.Balance, error) {
	var bal *wallet.Balance
	var txns []*wallet.Transaction
	err := s.walletSvc.Atomic(ctx, func(tx *gorm.DB) error {
		var err error
		bal, txns, err = s.creditTopupTx(tx, userID, value, cash, category, description)
		return err
	})
	if err != nil {
		return nil, err
	}
	s.walletSvc.Publish(txns...)

	log.Infof("[service] topup credited user=%s cash=%s bonus=%s total=%s",
		userID, cash, value.Sub(cash), bal.Total())
	return bal, nil
}

// creditTopupTx applies the value/cash split inside the caller's
/// transaction: cash refundable, the remainder nonrefundable bonus.
func (s *WalletService) creditTopupTx(tx *gorm.DB, userID string, value, cash decimal.Decimal, category, description string) (*wallet.Balance, []*wallet.Transaction, error) {
	if cash.LessThanOrEqual(decimal.Zero) {
		return nil, nil, wallet.ErrInvalidAmount
	}
	bonus := value.Sub(cash)
	if bonus.IsNegative() {
		return nil, nil, wallet.ErrInvalidAmount
	}

	bal, txn, err := s.walletSvc.CreditTx(tx, userID, cash, wallet.KindRefundable, category, description)
	if err != nil {
		return nil, nil, err
	}
	txns := []*wallet.Transaction{txn}

	if bonus.IsPositive() {
		bal, txn, err = s.walletSvc.CreditTx(tx, userID, bonus, wallet.KindNonrefundable, category,
			"top-up bonus: "+description)
		if err != nil {
			return nil, nil, err
		}
		txns = append(txns, txn)
	}
	return bal, txns, nil
}

// CheckCoupon validates a code against an enrolment instance without
// consuming it and reports the resulting cost.
func (s *WalletService) CheckCoupon(ctx context.Context, userID string, req *model.CouponCheckRequest) (*model.CouponCheckResponse, error) {
	d, err := s.couponSvc.Validate(ctx, req.Code, userID, coupon.Instance{
		ID:       req.InstanceID,
		CourseID: req.CourseID,
		Category: req.Category,
	})
	if err != nil {
		return nil, err
	}
	return &model.CouponCheckResponse{
		Code:      d.Code,
		Type:      string(d.Type),
		Value:     d.Value,
		CostAfter: coupon.CostAfter(req.Cost, d),
	}, nil
}

// Purchase is the main spending flow:
//
//  1. Validate the coupon, if one travels with the request
//  2. Debit the discounted cost (zero-cost purchases skip the debit)
//  3. Consume one coupon use in the same unit as the debit
//  4. Credit cashback on what was actually paid
//
// userID is injected by the API key middleware (not from the request body).
func (s *WalletService) Purchase(ctx context.Context, userID string, req *model.PurchaseRequest) (*model.PurchaseResponse, error) {
	if req.Cost.IsNegative() {
		return nil, wallet.ErrInvalidAmount
	}

	// ── Step 1: Coupon validation (outside the money unit) ──
	var disc *coupon.Discount
	if req.CouponCode != "" {
		d, err := s.couponSvc.Validate(ctx, req.CouponCode, userID, coupon.Instance{
			ID:       req.InstanceID,
			CourseID: req.CourseID,
			Category: req.Category,
		})
		if err != nil {
			return nil, err
		}
		disc = d
	}
	costAfter := coupon.CostAfter(req.Cost, disc)

	description := "enrolment in course " + req.CourseID
	if req.CourseName != "" {
		description = "enrolment in " + req.CourseName
	}

	cashback := decimal.Zero
	if s.cfg.CashbackPercent.IsPositive() && costAfter.IsPositive() {
		cashback = award.Cashback(costAfter, s.cfg.CashbackPercent)
	}

	// ── Step 2-4: debit, coupon redemption and cashback in one unit ──
	var bal *wallet.Balance
	var txns []*wallet.Transaction
	err := s.walletSvc.Atomic(ctx, func(tx *gorm.DB) error {
		txns = txns[:0]

		if costAfter.IsPositive() {
			b, txn, err := s.walletSvc.DebitTx(tx, userID, costAfter, req.Category, description)
			if err != nil {
				return err
			}
			bal, txns = b, append(txns, txn)
		} else {
			b, err := s.walletSvc.Get(ctx, userID)
			if err != nil {
				return err
			}
			bal = b
		}

		if disc != nil && costAfter.LessThan(req.Cost) {
			if err := s.couponSvc.RedeemTx(tx, disc.Code, userID, req.InstanceID, req.Cost.Sub(costAfter)); err != nil {
				return err
			}
		}

		if cashback.IsPositive() {
			b, txn, err := s.walletSvc.CreditTx(tx, userID, cashback, wallet.KindNonrefundable, "",
				"cashback for "+description)
			if err != nil {
				return err
			}
			bal, txns = b, append(txns, txn)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.walletSvc.Publish(txns...)

	log.Infof("[service] purchase user=%s course=%s cost=%s paid=%s cashback=%s",
		userID, req.CourseID, req.Cost, costAfter, cashback)

	return &model.PurchaseResponse{
		Cost:      req.Cost,
		CostAfter: costAfter,
		Cashback:  cashback,
		Balance:   bal.Total(),
	}, nil
}

// HandlePaymentConfirmed processes the gateway's funds-received
// webhook: loads the quoted item, consumes it, credits the wallet and
// releases any referral gift escrowed for the payer.
//
// Idempotent: the paid flag flips with a conditional update in the
// same unit as the credits, so a redelivered webhook finds the item
// already consumed and returns the current balance without crediting
// again.
func (s *WalletService) HandlePaymentConfirmed(ctx context.Context, ev *model.PaymentConfirmedEvent) (*wallet.Balance, error) {
	var item model.TopupItem
	if err := s.db.WithContext(ctx).First(&item, ev.ItemID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrItemNotFound
		}
		return nil, err
	}
	if item.UserID != ev.UserID {
		return nil, ErrItemMismatch
	}
	if !ev.Amount.IsZero() && !ev.Amount.Equal(item.Cash) {
		return nil, ErrItemMismatch
	}

	var bal *wallet.Balance
	var txns []*wallet.Transaction
	replayed := false
	err := s.walletSvc.Atomic(ctx, func(tx *gorm.DB) error {
		txns, replayed = nil, false

		res := tx.Model(&model.TopupItem{}).
			Where("id = ? AND paid = ?", item.ID, false).
			Updates(map[string]interface{}{
				"paid":      true,
				"paymentid": ev.PaymentID,
			})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			// Already consumed: a redelivered or duplicate webhook.
			replayed = true
			return nil
		}

		var err error
		bal, txns, err = s.creditTopupTx(tx, item.UserID, item.Value, item.Cash, item.Category,
			"top-up via payment "+ev.PaymentID)
		return err
	})
	if err != nil {
		return nil, err
	}
	if replayed {
		log.Infof("[service] payment %s already applied to item=%d, no-op", ev.PaymentID, item.ID)
		return s.walletSvc.Get(ctx, item.UserID)
	}
	s.walletSvc.Publish(txns...)

	log.Infof("[service] topup credited user=%s cash=%s bonus=%s total=%s",
		item.UserID, item.Cash, item.Value.Sub(item.Cash), bal.Total())

	if s.referralSvc.Enabled() {
		if err := s.referralSvc.ReleaseFor(ctx, item.UserID); err != nil {
			// The sweep loop retries unreleased gifts; the payment stands.
			log.Errorf("[service] referral release user=%s error: %v", item.UserID, err)
		}
	}
	return bal, nil
}

// HandleCourseCompletion processes the completion webhook and credits
// the graded award at most once per enrolment instance.
func (s *WalletService) HandleCourseCompletion(ctx context.Context, ev *model.CourseCompletionEvent) (decimal.Decimal, error) {
	amount, err := s.awardSvc.GrantCompletion(ctx, ev.UserID, ev.CourseID, ev.InstanceID,
		ev.GradePercent, ev.CriteriaPercent, ev.CreditPerPoint)
	if err != nil {
		return decimal.Zero, err
	}
	if amount.IsPositive() {
		log.Infof("[service] completion award user=%s course=%s amount=%s", ev.UserID, ev.CourseID, amount)
	}
	return amount, nil
}

// HandleUserRegistered runs the signup hooks: the new-user free gift
// and, when a referral code travels with the registration, the held
// gift escrow. Referral failures do not fail the signup.
func (s *WalletService) HandleUserRegistered(ctx context.Context, userID, referralCode string) {
	if s.cfg.NewUserGift.IsPositive() {
		_, err := s.walletSvc.Credit(ctx, userID, s.cfg.NewUserGift, wallet.KindFreeGift, "",
			"welcome gift on registration")
		if err != nil {
			log.Errorf("[service] new-user gift user=%s error: %v", userID, err)
		}
	}

	if referralCode != "" && s.referralSvc.Enabled() {
		_, err := s.referralSvc.Register(ctx, referralCode, userID, "")
		if err != nil {
			log.Warnf("[service] referral register user=%s code=%s: %v", userID, referralCode, err)
		}
	}
}
