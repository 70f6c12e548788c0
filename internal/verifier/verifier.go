// Package verifier authenticates inbound payment-provider webhooks.
package verifier

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/stripe/stripe-go/v82/webhook"

	"paysync/internal/model"
)

const DefaultTolerance = 5 * time.Minute

// Verifier checks the HMAC signature header of a webhook body. It does no I/O
// and keeps no state between calls.
type Verifier struct {
	secret    string
	tolerance time.Duration
	now       func() time.Time
}

func New(secret string, tolerance time.Duration) (*Verifier, error) {
	if secret == "" {
		return nil, errors.New("verifier: webhook secret is empty")
	}
	if tolerance <= 0 {
		tolerance = DefaultTolerance
	}
	return &Verifier{secret: secret, tolerance: tolerance, now: time.Now}, nil
}

type rawEvent struct {
	ID      string `json:"id"`
	Type    string `json:"type"`
	Created int64  `json:"created"`
	Data    *struct {
		Object json.RawMessage `json:"object"`
	} `json:"data"`
}

// Verify authenticates rawBody against the signature header and decodes it.
// A bad or stale signature yields model.ErrSignatureMismatch; a correctly
// signed body that is not a provider event yields model.ErrMalformedPayload.
func (v *Verifier) Verify(rawBody []byte, signatureHeader string) (*model.Event, error) {
	if err := webhook.ValidatePayloadWithTolerance(rawBody, signatureHeader, v.secret, v.tolerance); err != nil {
		return nil, fmt.Errorf("%w: %w", model.ErrSignatureMismatch, err)
	}

	var raw rawEvent
	if err := json.Unmarshal(rawBody, &raw); err != nil {
		return nil, fmt.Errorf("%w: %v", model.ErrMalformedPayload, err)
	}
	if raw.ID == "" || raw.Type == "" {
		return nil, fmt.Errorf("%w: event id and type are required", model.ErrMalformedPayload)
	}

	ev := &model.Event{
		ID:         raw.ID,
		Type:       model.EventType(raw.Type),
		Payload:    append(json.RawMessage(nil), rawBody...),
		ReceivedAt: v.now().UTC(),
	}
	if raw.Created > 0 {
		ev.Created = time.Unix(raw.Created, 0).UTC()
	}
	return ev, nil
}

// Sign builds a signature header for payload at time t. Used by tests and by
// the operator CLI to replay captured bodies.
func Sign(payload []byte, secret string, t time.Time) string {
	signed := webhook.GenerateTestSignedPayload(&webhook.UnsignedPayload{
		Payload:   payload,
		Secret:    secret,
		Timestamp: t,
	})
	return signed.Header
}
