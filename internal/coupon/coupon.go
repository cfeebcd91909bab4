package coupon

import (
	"github.com/shopspring/decimal"
	"gorm.io/datatypes"
)

// ─────────────────────────────────────────────
// Coupon Engine
//
// Validates and redeems discount codes against usage, time and
// scope limits. Coupons apply to the enrolment-purchase flow only,
// never to top-ups.
// ─────────────────────────────────────────────

// Type selects how a coupon value reduces a cost.
type Type string

const (
	TypeFixed   Type = "fixed"   // flat amount off
	TypePercent Type = "percent" // percentage off
)

// Coupon is a redeemable discount code. Mutated only by redemption
// (usetimes increments); unusable once the usage cap is hit or the
// validity window is left.
type Coupon struct {
	ID          uint                         `json:"id" gorm:"primaryKey"`
	Code        string                       `json:"code" gorm:"uniqueIndex"`
	Type        Type                         `json:"type"`
	Value       decimal.Decimal              `json:"value" gorm:"type:numeric(20,5)"`
	MaxUsage    int                          `json:"maxusage" gorm:"column:maxusage"`     // total redemption cap, 0 = unlimited
	MaxPerUser  int                          `json:"maxperuser" gorm:"column:maxperuser"` // per-user redemption cap, 0 = unlimited
	UseTimes    int                          `json:"usetimes" gorm:"column:usetimes"`
	ValidFrom   int64                        `json:"validfrom" gorm:"column:validfrom"` // unix seconds, 0 = unbounded
	ValidTo     int64                        `json:"validto" gorm:"column:validto"`     // unix seconds, 0 = unbounded
	Category    string                       `json:"category"`                          // restrict to one category, empty = any
	Courses     datatypes.JSONType[[]string] `json:"courses" gorm:"column:courses"`     // restrict to course ids, empty = any
	TimeCreated int64                        `json:"timecreated" gorm:"column:timecreated"`
	LastUse     int64                        `json:"lastuse" gorm:"column:lastuse"`
}

// TableName sets the database table name.
func (Coupon) TableName() string { return "coupons" }

// Usage is one row per redemption, kept forever for audit and for
// enforcing the per-user cap.
type Usage struct {
	ID         uint            `json:"id" gorm:"primaryKey"`
	Code       string          `json:"code" gorm:"index"`
	Type       Type            `json:"type"`
	Value      decimal.Decimal `json:"value" gorm:"type:numeric(20,5)"` // value actually applied
	UserID     string          `json:"user_id" gorm:"column:userid;index"`
	InstanceID string          `json:"instance_id" gorm:"column:instanceid"`
	TimeUsed   int64           `json:"timeused" gorm:"column:timeused"`
}

// TableName sets the database table name.
func (Usage) TableName() string { return "coupons_usage" }

// Discount describes a validated coupon, ready to be applied to a
// purchase cost.
type Discount struct {
	Code  string          `json:"code"`
	Type  Type            `json:"type"`
	Value decimal.Decimal `json:"value"`
}

// Instance identifies the enrolment offer a coupon is applied to.
type Instance struct {
	ID       string `json:"id"`
	CourseID string `json:"course_id"`
	Category string `json:"category"`
}
