package referral

import (
	"github.com/shopspring/decimal"
	"gorm.io/datatypes"
)

// ─────────────────────────────────────────────
// Referral Program
//
// Issues referral codes, escrows a pending gift per referred
// signup, and releases it once the referred user's first confirmed
// payment lands.
// ─────────────────────────────────────────────

// Code is a user's referral code, generated once, globally unique.
type Code struct {
	ID       uint                         `json:"id" gorm:"primaryKey"`
	Code     string                       `json:"code" gorm:"uniqueIndex"`
	UserID   string                       `json:"user_id" gorm:"column:userid;uniqueIndex"`
	UseTimes int                          `json:"usetimes" gorm:"column:usetimes"`
	Users    datatypes.JSONType[[]string] `json:"users" gorm:"column:users"` // referred identifiers, audit only
}

// TableName sets the database table name.
func (Code) TableName() string { return "referral" }

// HeldGift is a referral reward pending release. Created once per
// referred identifier; released at most once (monotone flag).
type HeldGift struct {
	ID           uint            `json:"id" gorm:"primaryKey"`
	Referrer     string          `json:"referrer" gorm:"column:referrer;index"`
	Referred     string          `json:"referred" gorm:"column:referred;uniqueIndex"`
	CourseID     string          `json:"course_id" gorm:"column:courseid"`
	Amount       decimal.Decimal `json:"amount" gorm:"type:numeric(20,5)"`
	Released     bool            `json:"released"`
	TimeCreated  int64           `json:"timecreated" gorm:"column:timecreated"`
	TimeModified int64           `json:"timemodified" gorm:"column:timemodified"`
}

// TableName sets the database table name.
func (HeldGift) TableName() string { return "hold_gift" }
