package discount

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// ─────────────────────────────────────────────
// Conditional Discount Resolver
//
// Computes a top-up bonus from amount-threshold tiers. Tiers are
// read-only at resolution time; redemption never mutates them.
// ─────────────────────────────────────────────

// Tier is a threshold/bonus-percent pair defining a top-up promotion.
type Tier struct {
	ID           uint            `json:"id" gorm:"primaryKey"`
	Cond         decimal.Decimal `json:"cond" gorm:"column:cond;type:numeric(20,5)"` // amount threshold
	Percent      decimal.Decimal `json:"percent" gorm:"type:numeric(20,5)"`          // bonus percent of the top-up value
	Category     string          `json:"category"`                                   // restrict to one category, empty = any
	TimeFrom     int64           `json:"timefrom" gorm:"column:timefrom"`            // unix seconds, 0 = unbounded
	TimeTo       int64           `json:"timeto" gorm:"column:timeto"`                // unix seconds, 0 = unbounded
	UserModified string          `json:"usermodified" gorm:"column:usermodified"`
	TimeCreated  int64           `json:"timecreated" gorm:"column:timecreated"`
	TimeModified int64           `json:"timemodified" gorm:"column:timemodified"`
}

// TableName sets the database table name.
func (Tier) TableName() string { return "cond_discount" }

// Quote is the outcome of resolving a top-up value: the bonus the
// wallet will add and the cash the caller should actually collect.
// "Value used for tier lookup" and "cash collected" are two
// explicit, independently named amounts throughout.
type Quote struct {
	Value   decimal.Decimal `json:"value"`
	Percent decimal.Decimal `json:"percent"`
	Bonus   decimal.Decimal `json:"bonus"`
	Cash    decimal.Decimal `json:"cash"`
}

// MetaCache is an optional read cache for the tier set.
type MetaCache interface {
	Get(ctx context.Context, key string, dest interface{}) bool
	Set(ctx context.Context, key string, val interface{})
	Del(ctx context.Context, key string)
}

const tiersKey = "discount:tiers"

// ─────────────────────────────────────────────
// Service
// ─────────────────────────────────────────────

type Service struct {
	db    *gorm.DB
	cache MetaCache
}

// NewService creates a discount Service. cache may be nil.
func NewService(db *gorm.DB, cache MetaCache) *Service {
	return &Service{db: db, cache: cache}
}

// Resolve picks the tier applying to a top-up of the given intended
// value. Candidates are tiers inside their validity window matching
// the category; among those with threshold <= value the largest
// threshold wins, ties going to the most recently created tier.
// Returns nil when no tier applies.
func (s *Service) Resolve(ctx context.Context, value decimal.Decimal, category string, now time.Time) (*Tier, error) {
	tiers, err := s.all(ctx)
	if err != nil {
		return nil, err
	}

	ts := now.Unix()
	var best *Tier
	for i := range tiers {
		t := &tiers[i]
		if t.TimeFrom != 0 && ts < t.TimeFrom {
			continue
		}
		if t.TimeTo != 0 && ts > t.TimeTo {
			continue
		}
		if t.Category != "" && t.Category != category {
			continue
		}
		if t.Cond.GreaterThan(value) {
			continue
		}
		if best == nil ||
			t.Cond.GreaterThan(best.Cond) ||
			(t.Cond.Equal(best.Cond) && newer(t, best)) {
			best = t
		}
	}
	return best, nil
}

// Bonus is the non-refundable credit a tier grants on a top-up value.
func Bonus(value decimal.Decimal, t *Tier) decimal.Decimal {
	if t == nil {
		return decimal.Zero
	}
	return value.Mul(t.Percent).Div(decimal.NewFromInt(100))
}

// QuoteTopup resolves value and splits it into bonus and cash to
// collect, so the payment page charges value minus the bonus.
func (s *Service) QuoteTopup(ctx context.Context, value decimal.Decimal, category string, now time.Time) (*Quote, error) {
	t, err := s.Resolve(ctx, value, category, now)
	if err != nil {
		return nil, err
	}
	q := &Quote{Value: value, Percent: decimal.Zero, Bonus: decimal.Zero, Cash: value}
	if t != nil {
		q.Percent = t.Percent
		q.Bonus = Bonus(value, t)
		q.Cash = value.Sub(q.Bonus)
	}
	return q, nil
}

// Create stores a new tier (admin surface).
func (s *Service) Create(ctx context.Context, t *Tier) error {
	if t.Cond.LessThanOrEqual(decimal.Zero) || t.Percent.LessThanOrEqual(decimal.Zero) || t.Percent.GreaterThanOrEqual(decimal.NewFromInt(100)) {
		return errors.New("invalid tier definition")
	}
	now := time.Now().Unix()
	t.TimeCreated = now
	t.TimeModified = now
	if err := s.db.WithContext(ctx).Create(t).Error; err != nil {
		return err
	}
	if s.cache != nil {
		s.cache.Del(ctx, tiersKey)
	}
	return nil
}

// List returns all tiers, newest first (admin surface).
func (s *Service) List(ctx context.Context) ([]Tier, error) {
	var tiers []Tier
	err := s.db.WithContext(ctx).Order("id DESC").Find(&tiers).Error
	return tiers, err
}

// all loads the full tier set, trying the read cache first.
func (s *Service) all(ctx context.Context) ([]Tier, error) {
	var tiers []Tier
	if s.cache != nil && s.cache.Get(ctx, tiersKey, &tiers) {
		return tiers, nil
	}
	if err := s.db.WithContext(ctx).Find(&tiers).Error; err != nil {
		return nil, err
	}
	if s.cache != nil {
		s.cache.Set(ctx, tiersKey, tiers)
	}
	return tiers, nil
}

func newer(a, b *Tier) bool {
	if a.TimeCreated != b.TimeCreated {
		return a.TimeCreated > b.TimeCreated
	}
	return a.ID > b.ID
}
