package service

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
	"github.com/stripe/stripe-go/v82"

	"paysync/internal/model"
)

// Metadata keys set by the checkout flow on payment objects.
const (
	metaType       = "type"
	metaUserID     = "userId"
	metaUserIDAlt  = "user_id"
	metaCourseID   = "courseId"
	metaCourseAlt  = "course_id"
	metaPlanID     = "planId"
	metaPlanIDAlt  = "plan_id"
	purposeCourse  = "course_enrollment"
	purposeSubPlan = "subscription"
)

// ActivationEffect asks the applier to activate or cancel an entitlement.
type ActivationEffect struct {
	Kind     model.ActivationKind
	TargetID string
	Cancel   bool
}

// RefundEffect describes a refund against an earlier payment. Cumulative is
// the total refunded on the charge so far, not the delta of this event.
type RefundEffect struct {
	PaymentRef string
	Cumulative decimal.Decimal
	Full       bool
}

// Effects lists the side effects that follow a ledger write.
type Effects struct {
	Allocate   bool
	Category   string
	Refund     *RefundEffect
	Activation *ActivationEffect
}

func decodeObject(ev *model.Event, v any) error {
	raw, err := ev.Data()
	if err != nil {
		return err
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("%w: decode %s: %v", model.ErrMalformedPayload, ev.Type, err)
	}
	return nil
}

func firstOf(md map[string]string, keys ...string) string {
	for _, k := range keys {
		if v := strings.TrimSpace(md[k]); v != "" {
			return v
		}
	}
	return ""
}

func ownerFrom(md map[string]string) string {
	return firstOf(md, metaUserID, metaUserIDAlt)
}

// activationFrom reads the purchase purpose from payment metadata.
func activationFrom(md map[string]string) *ActivationEffect {
	switch md[metaType] {
	case purposeCourse:
		if id := firstOf(md, metaCourseID, metaCourseAlt); id != "" {
			return &ActivationEffect{Kind: model.ActivationCourse, TargetID: id}
		}
	case purposeSubPlan:
		if id := firstOf(md, metaPlanID, metaPlanIDAlt); id != "" {
			return &ActivationEffect{Kind: model.ActivationSubscription, TargetID: id}
		}
	}
	return nil
}

func normalizePaymentIntent(ev *model.Event, category string) (model.Normalized, Effects, error) {
	var pi stripe.PaymentIntent
	if err := decodeObject(ev, &pi); err != nil {
		return model.Normalized{}, Effects{}, err
	}

	n := model.Normalized{
		PaymentRef:  pi.ID,
		Kind:        model.KindPayment,
		Amount:      model.FromMinorUnits(pi.Amount, string(pi.Currency)),
		Currency:    strings.ToLower(string(pi.Currency)),
		OwnerID:     ownerFrom(pi.Metadata),
		Description: pi.Description,
	}

	if ev.Type == model.EventPaymentFailed {
		n.Status = model.TxFailed
		if pi.LastPaymentError != nil {
			n.FailureReason = pi.LastPaymentError.Msg
		}
		return n, Effects{}, nil
	}

	n.Status = model.TxSucceeded
	return n, Effects{
		Allocate:   true,
		Category:   category,
		Activation: activationFrom(pi.Metadata),
	}, nil
}

func normalizeInvoice(ev *model.Event, category string) (model.Normalized, Effects, error) {
	var inv stripe.Invoice
	if err := decodeObject(ev, &inv); err != nil {
		return model.Normalized{}, Effects{}, err
	}

	n := model.Normalized{
		PaymentRef:  inv.ID,
		Kind:        model.KindPayment,
		Currency:    strings.ToLower(string(inv.Currency)),
		OwnerID:     ownerFrom(inv.Metadata),
		Description: inv.Description,
	}

	if ev.Type == model.EventInvoicePaymentFailed {
		n.Amount = model.FromMinorUnits(inv.AmountDue, string(inv.Currency))
		n.Status = model.TxFailed
		n.FailureReason = "invoice payment failed"
		return n, Effects{}, nil
	}

	n.Amount = model.FromMinorUnits(inv.AmountPaid, string(inv.Currency))
	n.Status = model.TxSucceeded
	return n, Effects{Allocate: true, Category: category}, nil
}

// normalizeRefund maps a charge.refunded object. The payment reference is
// the charge's payment intent when present so the refund finds the
// transaction written by payment_intent.succeeded.
func normalizeRefund(ev *model.Event) (model.Normalized, Effects, error) {
	var ch stripe.Charge
	if err := decodeObject(ev, &ch); err != nil {
		return model.Normalized{}, Effects{}, err
	}

	ref := ch.ID
	if ch.PaymentIntent != nil && ch.PaymentIntent.ID != "" {
		ref = ch.PaymentIntent.ID
	}
	refunded := model.FromMinorUnits(ch.AmountRefunded, string(ch.Currency))

	n := model.Normalized{
		PaymentRef:  ref,
		Kind:        model.KindRefund,
		Amount:      refunded,
		Currency:    strings.ToLower(string(ch.Currency)),
		OwnerID:     ownerFrom(ch.Metadata),
		Status:      model.TxRefunded,
		Description: ch.Description,
	}
	return n, Effects{
		Refund: &RefundEffect{
			PaymentRef: ref,
			Cumulative: refunded,
			Full:       ch.Refunded || ch.AmountRefunded >= ch.Amount,
		},
	}, nil
}

type subscriptionChange struct {
	OwnerID string
	Effect  ActivationEffect
	Status  stripe.SubscriptionStatus
}

// normalizeSubscription returns nil when the status change leaves the
// entitlement as it is (e.g. past_due).
func normalizeSubscription(ev *model.Event) (*subscriptionChange, error) {
	var sub stripe.Subscription
	if err := decodeObject(ev, &sub); err != nil {
		return nil, err
	}

	planID := firstOf(sub.Metadata, metaPlanID, metaPlanIDAlt)
	if planID == "" && sub.Items != nil {
		for _, item := range sub.Items.Data {
			if item != nil && item.Price != nil && item.Price.ID != "" {
				planID = item.Price.ID
				break
			}
		}
	}
	if planID == "" {
		planID = sub.ID
	}

	change := &subscriptionChange{
		OwnerID: ownerFrom(sub.Metadata),
		Effect:  ActivationEffect{Kind: model.ActivationSubscription, TargetID: planID},
		Status:  sub.Status,
	}

	if ev.Type == model.EventSubscriptionDeleted {
		change.Effect.Cancel = true
		return change, nil
	}
	switch sub.Status {
	case stripe.SubscriptionStatusActive, stripe.SubscriptionStatusTrialing:
	case stripe.SubscriptionStatusCanceled, stripe.SubscriptionStatusUnpaid, stripe.SubscriptionStatusIncompleteExpired:
		change.Effect.Cancel = true
	default:
		return nil, nil
	}
	return change, nil
}
