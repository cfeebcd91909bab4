package model

import (
	"github.com/shopspring/decimal"
)

// ─────────────────────────────────────────────
// SQL Persistence Models
// ─────────────────────────────────────────────

// TopupItem is the payable created by a top-up quote. The payment
// gateway charges Cash; the wallet credits Value (cash + tier bonus)
// once the payment-confirmed webhook references the item. The paid
// flag is monotone: an item is consumed at most once, so redelivered
// webhooks never credit twice.
type TopupItem struct {
	ID          uint            `json:"id" gorm:"primaryKey"`
	UserID      string          `json:"user_id" gorm:"column:userid;index"`
	Value       decimal.Decimal `json:"value" gorm:"type:numeric(20,5)"` // intended top-up, used for tier lookup
	Cash        decimal.Decimal `json:"cash" gorm:"type:numeric(20,5)"`  // amount actually collected
	Category    string          `json:"category"`
	Currency    string          `json:"currency"`
	Paid        bool            `json:"paid"`
	PaymentID   string          `json:"paymentid" gorm:"column:paymentid"` // gateway reference, set on consumption
	TimeCreated int64           `json:"timecreated" gorm:"column:timecreated"`
}

// TableName sets the database table name.
func (TopupItem) TableName() string { return "items" }

// ─────────────────────────────────────────────
// Inbound Events (webhooks)
// ─────────────────────────────────────────────

// PaymentConfirmedEvent is the externally-verified "funds received"
// signal. ItemID references the TopupItem quoted earlier.
type PaymentConfirmedEvent struct {
	ItemID    uint            `json:"itemid" binding:"required"`
	PaymentID string          `json:"paymentid" binding:"required"`
	UserID    string          `json:"userid" binding:"required"`
	Amount    decimal.Decimal `json:"amount"` // cash collected, must match the item
}

// CourseCompletionEvent is the externally-verified completion
// signal. Award parameters come from the enrolment instance owned by
// the host system.
type CourseCompletionEvent struct {
	UserID          string          `json:"userid" binding:"required"`
	CourseID        string          `json:"courseid" binding:"required"`
	InstanceID      string          `json:"instanceid" binding:"required"`
	GradePercent    decimal.Decimal `json:"grade_percent"`
	CriteriaPercent decimal.Decimal `json:"criteria_percent"`
	CreditPerPoint  decimal.Decimal `json:"credit_per_point"`
}

// ─────────────────────────────────────────────
// HTTP Request / Response
// ─────────────────────────────────────────────

// TopupQuoteRequest asks how much cash to collect for an intended
// top-up value.
type TopupQuoteRequest struct {
	Value    decimal.Decimal `json:"value" binding:"required"`
	Category string          `json:"category"`
}

// TopupQuoteResponse carries the value/cash split and the payable id
// the gateway should reference on confirmation.
type TopupQuoteResponse struct {
	ItemID   uint            `json:"itemid"`
	Value    decimal.Decimal `json:"value"`
	Percent  decimal.Decimal `json:"percent"`
	Bonus    decimal.Decimal `json:"bonus"`
	Cash     decimal.Decimal `json:"cash"`
	Currency string          `json:"currency"`
}

// PurchaseRequest debits the wallet for an enrolment instance. The
// coupon code travels with the request; there is no ambient pending
// coupon state.
type PurchaseRequest struct {
	InstanceID string          `json:"instance_id" binding:"required"`
	CourseID   string          `json:"course_id" binding:"required"`
	CourseName string          `json:"course_name"`
	Category   string          `json:"category"`
	Cost       decimal.Decimal `json:"cost"`
	CouponCode string          `json:"coupon_code"`
}

// PurchaseResponse reports the computed amounts. The host system
// performs the actual enrolment.
type PurchaseResponse struct {
	Cost      decimal.Decimal `json:"cost"`
	CostAfter decimal.Decimal `json:"cost_after"`
	Cashback  decimal.Decimal `json:"cashback"`
	Balance   decimal.Decimal `json:"balance"`
}

// CouponCheckRequest validates a code against an instance without
// redeeming it.
type CouponCheckRequest struct {
	Code       string          `json:"code" binding:"required"`
	InstanceID string          `json:"instance_id" binding:"required"`
	CourseID   string          `json:"course_id"`
	Category   string          `json:"category"`
	Cost       decimal.Decimal `json:"cost"`
}

// CouponCheckResponse carries the discount and resulting cost.
type CouponCheckResponse struct {
	Code      string          `json:"code"`
	Type      string          `json:"type"`
	Value     decimal.Decimal `json:"value"`
	CostAfter decimal.Decimal `json:"cost_after"`
}

// BalanceResponse is the wallet snapshot returned to the owner.
type BalanceResponse struct {
	Total         decimal.Decimal            `json:"total"`
	Refundable    decimal.Decimal            `json:"refundable"`
	Nonrefundable decimal.Decimal            `json:"nonrefundable"`
	FreeGift      decimal.Decimal            `json:"freegift"`
	Categories    map[string]decimal.Decimal `json:"categories,omitempty"`
}

// ─────────────────────────────────────────────
// WebSocket Protocol Messages
// ─────────────────────────────────────────────

type MsgType string

const (
	// Server → Dashboard
	MsgTypeTransaction MsgType = "TRANSACTION"
	MsgTypeBalance     MsgType = "BALANCE"
)

// Envelope is the top-level WebSocket frame.
type Envelope struct {
	Type    MsgType     `json:"type"`
	Payload interface{} `json:"payload"`
}

// TransactionEvent is pushed to a user's dashboard sessions when a
// ledger entry commits.
type TransactionEvent struct {
	ID           uint            `json:"id"`
	Type         string          `json:"type"`
	Amount       decimal.Decimal `json:"amount"`
	BalanceAfter decimal.Decimal `json:"balance_after"`
	Description  string          `json:"description"`
}
