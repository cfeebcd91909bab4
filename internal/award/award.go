package award

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"

	"github.com/coursewallet/wallet-service/internal/wallet"
)

// ─────────────────────────────────────────────
// Award & Cashback Calculator
//
// Converts a completion grade or a purchase into a bonus credit.
// Completion awards are granted at most once per (user, instance);
// repeated completion events never double-credit.
// ─────────────────────────────────────────────

// Grant records a completion award already credited. The composite
// unique index is the idempotency key.
type Grant struct {
	ID           uint            `json:"id" gorm:"primaryKey"`
	UserID       string          `json:"user_id" gorm:"column:userid;uniqueIndex:idx_award_once"`
	InstanceID   string          `json:"instance_id" gorm:"column:instanceid;uniqueIndex:idx_award_once"`
	CourseID     string          `json:"course_id" gorm:"column:courseid"`
	Amount       decimal.Decimal `json:"amount" gorm:"type:numeric(20,5)"`
	GradePercent decimal.Decimal `json:"grade_percent" gorm:"type:numeric(20,5)"`
	TimeCreated  int64           `json:"timecreated" gorm:"column:timecreated"`
}

// TableName sets the database table name.
func (Grant) TableName() string { return "award_grants" }

// CompletionAward is the credit earned by finishing a course with a
// grade above the award condition: each mark above the condition is
// worth creditPerPoint.
func CompletionAward(gradePercent, criteriaPercent, creditPerPoint decimal.Decimal) decimal.Decimal {
	if gradePercent.LessThan(criteriaPercent) {
		return decimal.Zero
	}
	return gradePercent.Sub(criteriaPercent).Mul(creditPerPoint)
}

// Cashback is the bonus credit earned by a purchase.
func Cashback(costAfterDiscount, cashbackPercent decimal.Decimal) decimal.Decimal {
	return costAfterDiscount.Mul(cashbackPercent).Div(decimal.NewFromInt(100))
}

// ─────────────────────────────────────────────
// Service
// ─────────────────────────────────────────────

type Service struct {
	db     *gorm.DB
	wallet wallet.Service
}

// NewService creates an award Service.
func NewService(db *gorm.DB, walletSvc wallet.Service) *Service {
	return &Service{db: db, wallet: walletSvc}
}

// GrantCompletion credits a completion award as non-refundable,
// exactly once per (user, instance). Returns the amount credited;
// zero when the grade misses the condition or the award was already
// granted.
func (s *Service) GrantCompletion(ctx context.Context, userID, courseID, instanceID string, gradePercent, criteriaPercent, creditPerPoint decimal.Decimal) (decimal.Decimal, error) {
	amount := CompletionAward(gradePercent, criteriaPercent, creditPerPoint)
	if !amount.IsPositive() {
		return decimal.Zero, nil
	}

	var already bool
	var txn *wallet.Transaction
	err := s.wallet.Atomic(ctx, func(tx *gorm.DB) error {
		already, txn = false, nil

		var existing Grant
		err := tx.Where("userid = ? AND instanceid = ?", userID, instanceID).First(&existing).Error
		if err == nil {
			already = true
			return nil
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return err
		}

		grant := Grant{
			UserID:       userID,
			InstanceID:   instanceID,
			CourseID:     courseID,
			Amount:       amount,
			GradePercent: gradePercent,
			TimeCreated:  time.Now().Unix(),
		}
		if err := tx.Create(&grant).Error; err != nil {
			// Concurrent completion event beat us to the unique index.
			if errors.Is(err, gorm.ErrDuplicatedKey) {
				already = true
				return nil
			}
			return err
		}

		_, txn, err = s.wallet.CreditTx(tx, userID, amount, wallet.KindNonrefundable,
			"", "completion award for course "+courseID)
		return err
	})
	if err != nil {
		return decimal.Zero, err
	}
	if already {
		return decimal.Zero, nil
	}
	s.wallet.Publish(txn)
	return amount, nil
}
