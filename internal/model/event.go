package model

import (
	"encoding/json"
	"fmt"
	"time"
)

// EventType is the provider's event tag, e.g. "payment_intent.succeeded".
type EventType string

const (
	EventPaymentSucceeded     EventType = "payment_intent.succeeded"
	EventPaymentFailed        EventType = "payment_intent.payment_failed"
	EventChargeSucceeded      EventType = "charge.succeeded"
	EventChargeRefunded       EventType = "charge.refunded"
	EventInvoicePaid          EventType = "invoice.paid"
	EventInvoicePaymentFailed EventType = "invoice.payment_failed"
	EventSubscriptionCreated  EventType = "customer.subscription.created"
	EventSubscriptionUpdated  EventType = "customer.subscription.updated"
	EventSubscriptionDeleted  EventType = "customer.subscription.deleted"
	EventCustomerCreated      EventType = "customer.created"
	EventCustomerUpdated      EventType = "customer.updated"
	EventPayoutPaid           EventType = "payout.paid"
	EventPayoutFailed         EventType = "payout.failed"
)

// HandledEventTypes is the closed set of tags the router has a handler for.
var HandledEventTypes = []EventType{
	EventPaymentSucceeded,
	EventPaymentFailed,
	EventChargeSucceeded,
	EventChargeRefunded,
	EventInvoicePaid,
	EventInvoicePaymentFailed,
	EventSubscriptionCreated,
	EventSubscriptionUpdated,
	EventSubscriptionDeleted,
	EventCustomerCreated,
	EventCustomerUpdated,
	EventPayoutPaid,
	EventPayoutFailed,
}

// Event is a verified provider webhook. It is never mutated after
// verification.
type Event struct {
	ID         string          `json:"id"`
	Type       EventType       `json:"type"`
	Payload    json.RawMessage `json:"payload"`
	Created    time.Time       `json:"created"`
	ReceivedAt time.Time       `json:"received_at"`
}

type envelope struct {
	Data struct {
		Object json.RawMessage `json:"object"`
	} `json:"data"`
}

// Data returns the raw data.object of the provider envelope.
func (e *Event) Data() (json.RawMessage, error) {
	var env envelope
	if err := json.Unmarshal(e.Payload, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}
	if len(env.Data.Object) == 0 {
		return nil, fmt.Errorf("%w: data.object is empty", ErrMalformedPayload)
	}
	return env.Data.Object, nil
}

// HandlerResult is what the router reports back to the HTTP boundary.
type HandlerResult struct {
	EventID          string   `json:"event_id"`
	Processed        bool     `json:"processed"`
	Duplicate        bool     `json:"duplicate,omitempty"`
	Ignored          bool     `json:"ignored,omitempty"`
	StoredForRetry   bool     `json:"stored_for_retry,omitempty"`
	Rejected         bool     `json:"rejected,omitempty"`
	InvalidationKeys []string `json:"invalidation_keys,omitempty"`
	Err              error    `json:"-"`
}

// ProcessedEvent marks an event id as logically applied.
type ProcessedEvent struct {
	EventID          string    `json:"event_id"`
	EventType        EventType `json:"event_type"`
	InvalidationKeys []string  `json:"invalidation_keys"`
	ProcessedAt      time.Time `json:"processed_at"`
}
