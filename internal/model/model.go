package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// Status is the payment outcome of one order attempt.
type Status string

const (
	StatusSuccess Status = "success"
	StatusFailure Status = "failure"
)

// ChangeKind tells whether a record is the first image of an order or a revision of it.
type ChangeKind string

const (
	ChangeCreated ChangeKind = "created"
	ChangeUpdated ChangeKind = "updated"
)

// RawOrder is the wire form of a transaction record as delivered by the change feed.
// Amount is kept raw so that both JSON numbers and numeric strings are accepted
// without a float round trip.
type RawOrder struct {
	MerchantID    string `json:"merchantId" validate:"required,notblank,excludesall=/"`
	OrderID       string `json:"orderId" validate:"required,notblank"`
	Timestamp     string `json:"timestamp" validate:"required"`
	Amount        []byte `json:"-"`
	PaymentPlanID string `json:"paymentPlanId" validate:"required,notblank"`
	ProductID     string `json:"productId" validate:"required,notblank"`
	Status        string `json:"status" validate:"required,oneof=success failure"`
	ChangeKind    string `json:"changeKind" validate:"omitempty,oneof=created updated INSERT MODIFY"`
	Revision      int64  `json:"revision" validate:"gte=0"`
}

// OrderEvent is the canonical, validated form of RawOrder. Events built in
// code are checked with Validate.
type OrderEvent struct {
	MerchantID    string          `json:"merchantId" validate:"required,notblank,excludesall=/"`
	OrderID       string          `json:"orderId" validate:"required,notblank"`
	Timestamp     time.Time       `json:"timestamp"`
	Amount        decimal.Decimal `json:"amount"`
	PaymentPlanID string          `json:"paymentPlanId" validate:"required,notblank"`
	ProductID     string          `json:"productId" validate:"required,notblank"`
	Status        Status          `json:"status" validate:"required,oneof=success failure"`
	ChangeKind    ChangeKind      `json:"changeKind" validate:"omitempty,oneof=created updated"`
	Revision      int64           `json:"revision,omitempty" validate:"gte=0"`
}

// Succeeded reports whether the order contributes to amount sums.
func (e OrderEvent) Succeeded() bool { return e.Status == StatusSuccess }
