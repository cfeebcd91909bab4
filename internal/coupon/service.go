package coupon

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// ─────────────────────────────────────────────
// Errors
// ─────────────────────────────────────────────

var (
	ErrCouponNotFound      = errors.New("coupon not found")
	ErrCouponExpired       = errors.New("coupon outside validity window")
	ErrCouponUsageExceeded = errors.New("coupon usage limit reached")
	ErrCouponNotApplicable = errors.New("coupon not applicable to this course or category")
)

// MetaCache is an optional read cache for coupon rows. Usage counts
// are never trusted from cache; the redemption increment in the
// database is the authoritative gate.
type MetaCache interface {
	Get(ctx context.Context, key string, dest interface{}) bool
	Set(ctx context.Context, key string, val interface{})
	Del(ctx context.Context, key string)
}

func cacheKey(code string) string { return "coupon:" + code }

// ─────────────────────────────────────────────
// Service
// ─────────────────────────────────────────────

type Service struct {
	db    *gorm.DB
	cache MetaCache
}

// NewService creates a coupon Service. cache may be nil.
func NewService(db *gorm.DB, cache MetaCache) *Service {
	return &Service{db: db, cache: cache}
}

// Validate checks a code against its validity window, usage caps and
// course/category restrictions and returns the discount to apply.
func (s *Service) Validate(ctx context.Context, code, userID string, instance Instance) (*Discount, error) {
	c, err := s.lookup(ctx, code)
	if err != nil {
		return nil, err
	}

	now := time.Now().Unix()
	if (c.ValidFrom != 0 && now < c.ValidFrom) || (c.ValidTo != 0 && now > c.ValidTo) {
		return nil, ErrCouponExpired
	}
	if c.MaxUsage > 0 && c.UseTimes >= c.MaxUsage {
		return nil, ErrCouponUsageExceeded
	}
	if c.MaxPerUser > 0 {
		var used int64
		err := s.db.WithContext(ctx).Model(&Usage{}).
			Where("code = ? AND userid = ?", code, userID).
			Count(&used).Error
		if err != nil {
			return nil, err
		}
		if used >= int64(c.MaxPerUser) {
			return nil, ErrCouponUsageExceeded
		}
	}
	if c.Category != "" && c.Category != instance.Category {
		return nil, ErrCouponNotApplicable
	}
	if courses := c.Courses.Data(); len(courses) > 0 {
		found := false
		for _, id := range courses {
			if id == instance.CourseID {
				found = true
				break
			}
		}
		if !found {
			return nil, ErrCouponNotApplicable
		}
	}

	return &Discount{Code: c.Code, Type: c.Type, Value: c.Value}, nil
}

// CostAfter computes the purchase cost once d is applied.
func CostAfter(base decimal.Decimal, d *Discount) decimal.Decimal {
	if d == nil {
		return base
	}
	switch d.Type {
	case TypePercent:
		return base.Mul(decimal.NewFromInt(100).Sub(d.Value)).Div(decimal.NewFromInt(100))
	case TypeFixed:
		after := base.Sub(d.Value)
		if after.IsNegative() {
			return decimal.Zero
		}
		return after
	default:
		return base
	}
}

// Redeem consumes one use of the coupon and records the usage row in
// one transaction.
func (s *Service) Redeem(ctx context.Context, code, userID, instanceID string, valueApplied decimal.Decimal) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return s.RedeemTx(tx, code, userID, instanceID, valueApplied)
	})
}

// RedeemTx runs the redemption inside the caller's transaction.
//
// The total cap is enforced with a conditional increment, so under
// concurrent redeemers the successful count can never exceed
// maxusage. A check-then-act against a previously read usetimes is
// deliberately avoided.
func (s *Service) RedeemTx(tx *gorm.DB, code, userID, instanceID string, valueApplied decimal.Decimal) error {
	var c Coupon
	if err := tx.Where("code = ?", code).First(&c).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return ErrCouponNotFound
		}
		return err
	}

	if c.MaxPerUser > 0 {
		var used int64
		err := tx.Model(&Usage{}).
			Where("code = ? AND userid = ?", code, userID).
			Count(&used).Error
		if err != nil {
			return err
		}
		if used >= int64(c.MaxPerUser) {
			return ErrCouponUsageExceeded
		}
	}

	now := time.Now().Unix()
	res := tx.Model(&Coupon{}).
		Where("code = ? AND (maxusage = 0 OR usetimes < maxusage)", code).
		Updates(map[string]interface{}{
			"usetimes": gorm.Expr("usetimes + 1"),
			"lastuse":  now,
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrCouponUsageExceeded
	}

	if s.cache != nil {
		s.cache.Del(tx.Statement.Context, cacheKey(code))
	}

	return tx.Create(&Usage{
		Code:       code,
		Type:       c.Type,
		Value:      valueApplied,
		UserID:     userID,
		InstanceID: instanceID,
		TimeUsed:   now,
	}).Error
}

// Create stores a new coupon (admin surface).
func (s *Service) Create(ctx context.Context, c *Coupon) error {
	if c.Code == "" || (c.Type != TypeFixed && c.Type != TypePercent) {
		return errors.New("invalid coupon definition")
	}
	if c.Value.LessThanOrEqual(decimal.Zero) {
		return errors.New("coupon value must be positive")
	}
	c.UseTimes = 0
	c.TimeCreated = time.Now().Unix()
	if err := s.db.WithContext(ctx).Create(c).Error; err != nil {
		return err
	}
	if s.cache != nil {
		s.cache.Del(ctx, cacheKey(c.Code))
	}
	return nil
}

// List returns all coupons, newest first (admin surface).
func (s *Service) List(ctx context.Context) ([]Coupon, error) {
	var coupons []Coupon
	err := s.db.WithContext(ctx).Order("id DESC").Find(&coupons).Error
	return coupons, err
}

// Usages returns the redemption history of a code (admin surface).
func (s *Service) Usages(ctx context.Context, code string) ([]Usage, error) {
	var usages []Usage
	err := s.db.WithContext(ctx).Where("code = ?", code).Order("id DESC").Find(&usages).Error
	return usages, err
}

// lookup loads a coupon row, trying the read cache first.
func (s *Service) lookup(ctx context.Context, code string) (*Coupon, error) {
	var c Coupon
	if s.cache != nil && s.cache.Get(ctx, cacheKey(code), &c) {
		return &c, nil
	}
	err := s.db.WithContext(ctx).Where("code = ?", code).First(&c).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrCouponNotFound
		}
		return nil, err
	}
	if s.cache != nil {
		s.cache.Set(ctx, cacheKey(code), &c)
	}
	return &c, nil
}
