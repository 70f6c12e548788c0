package model

import (
	"time"

	"github.com/shopspring/decimal"
)

type TransactionStatus string

const (
	TxSucceeded TransactionStatus = "succeeded"
	TxFailed    TransactionStatus = "failed"
	TxRefunded  TransactionStatus = "refunded"
)

// TransactionKind separates the original payment from the refund records
// that point back at it through PaymentRef.
type TransactionKind string

const (
	KindPayment TransactionKind = "payment"
	KindRefund  TransactionKind = "refund"
)

type AllocationStatus string

const (
	AllocationAllocated AllocationStatus = "allocated"
	AllocationReversed  AllocationStatus = "reversed"
)

// Transaction is the canonical monetary record written once per provider event.
type Transaction struct {
	ID            string            `json:"id"`
	SourceEventID string            `json:"source_event_id"`
	PaymentRef    string            `json:"payment_ref"`
	Kind          TransactionKind   `json:"kind"`
	Amount        decimal.Decimal   `json:"amount"`
	Currency      string            `json:"currency"`
	Status        TransactionStatus `json:"status"`
	OwnerID       string            `json:"owner_id"`
	Description   string            `json:"description,omitempty"`
	FailureReason string            `json:"failure_reason,omitempty"`
	CreatedAt     time.Time         `json:"created_at"`
}

// Normalized is the provider-independent view of a payment event that the
// ledger writer persists.
type Normalized struct {
	PaymentRef    string
	Kind          TransactionKind
	Amount        decimal.Decimal
	Currency      string
	OwnerID       string
	Status        TransactionStatus
	Description   string
	FailureReason string
}

// FundAllocation is an append-only share of a transaction routed to a fund
// category. Refunds append a negative reversed row instead of editing history.
type FundAllocation struct {
	ID            string           `json:"id"`
	TransactionID string           `json:"transaction_id"`
	SourceEventID string           `json:"source_event_id"`
	Amount        decimal.Decimal  `json:"amount"`
	SourceAmount  decimal.Decimal  `json:"source_amount"`
	Percentage    decimal.Decimal  `json:"percentage"`
	Category      string           `json:"category"`
	Status        AllocationStatus `json:"status"`
	CreatedAt     time.Time        `json:"created_at"`
}

type ActivationKind string

const (
	ActivationCourse       ActivationKind = "course"
	ActivationSubscription ActivationKind = "subscription"
)

type ActivationStatus string

const (
	ActivationActive    ActivationStatus = "active"
	ActivationCancelled ActivationStatus = "cancelled"
)

// Activation is an enrollment or subscription unlocked by a payment.
type Activation struct {
	OwnerID       string           `json:"owner_id"`
	Kind          ActivationKind   `json:"kind"`
	TargetID      string           `json:"target_id"`
	TransactionID string           `json:"transaction_id,omitempty"`
	Status        ActivationStatus `json:"status"`
	ActivatedAt   time.Time        `json:"activated_at"`
}

// Outcome is what the side-effect applier produced for one transaction.
type Outcome struct {
	Allocations      []FundAllocation `json:"allocations"`
	InvalidationKeys []string         `json:"invalidation_keys"`
}
