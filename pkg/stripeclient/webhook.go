package stripeclient

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

var (
	ErrInvalidSignature  = errors.New("invalid stripe webhook signature")
	ErrTimestampTooOld   = errors.New("stripe webhook timestamp outside tolerance")
	ErrNoWebhookSecret   = errors.New("no stripe webhook secret configured")
	ErrMalformedEnvelope = errors.New("malformed stripe event")
)

// Event types the service reconciles.
const (
	EventPaymentIntentSucceeded     = "payment_intent.succeeded"
	EventPaymentIntentPaymentFailed = "payment_intent.payment_failed"
	EventPaymentIntentCanceled      = "payment_intent.canceled"
	EventPaymentIntentProcessing    = "payment_intent.processing"
	EventChargeRefunded             = "charge.refunded"
)

// SecretSource supplies the webhook signing secrets currently accepted. It is
// consulted on every delivery, so secrets can rotate without a restart.
type SecretSource interface {
	WebhookSecrets() []string
}

// StaticSecrets is a fixed SecretSource.
type StaticSecrets []string

func (s StaticSecrets) WebhookSecrets() []string { return s }

// Event is the Stripe event envelope.
type Event struct {
	ID      string `json:"id"`
	Type    string `json:"type"`
	Created int64  `json:"created"`
	Data    struct {
		Object json.RawMessage `json:"object"`
	} `json:"data"`
}

// Verifier checks the Stripe-Signature header against the raw request body.
type Verifier struct {
	Secrets   SecretSource
	Tolerance time.Duration
	Now       func() time.Time
}

// NewVerifier returns a Verifier with the given tolerance (5 minutes when zero).
func NewVerifier(secrets SecretSource, tolerance time.Duration) *Verifier {
	if tolerance <= 0 {
		tolerance = 5 * time.Minute
	}
	return &Verifier{Secrets: secrets, Tolerance: tolerance, Now: time.Now}
}

// ConstructEvent verifies the signature and only then parses the payload.
func (v *Verifier) ConstructEvent(payload []byte, header string) (*Event, error) {
	if err := v.Verify(payload, header); err != nil {
		return nil, err
	}
	var event Event
	if err := json.Unmarshal(payload, &event); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedEnvelope, err)
	}
	if event.ID == "" || event.Type == "" {
		return nil, ErrMalformedEnvelope
	}
	return &event, nil
}

// Verify checks header (`t=<unix>,v1=<hex>[,v1=<hex>...]`) against payload
// with every configured secret.
func (v *Verifier) Verify(payload []byte, header string) error {
	var secrets []string
	if v.Secrets != nil {
		secrets = v.Secrets.WebhookSecrets()
	}
	if len(secrets) == 0 {
		return ErrNoWebhookSecret
	}

	timestamp, signatures, err := parseSignatureHeader(header)
	if err != nil {
		return err
	}

	now := time.Now
	if v.Now != nil {
		now = v.Now
	}
	age := now().Sub(time.Unix(timestamp, 0))
	if age < 0 {
		age = -age
	}
	if age > v.Tolerance {
		return ErrTimestampTooOld
	}

	signed := strconv.FormatInt(timestamp, 10) + "." + string(payload)
	for _, secret := range secrets {
		expected := ComputeSignature(secret, signed)
		for _, sig := range signatures {
			if hmac.Equal(expected, sig) {
				return nil
			}
		}
	}
	return ErrInvalidSignature
}

// ComputeSignature returns HMAC-SHA256(secret, signedPayload).
func ComputeSignature(secret, signedPayload string) []byte {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(signedPayload))
	return mac.Sum(nil)
}

// SignatureHeader builds a Stripe-Signature header value. Used to sign test
// deliveries and by local tooling.
func SignatureHeader(secret string, timestamp int64, payload []byte) string {
	sig := ComputeSignature(secret, strconv.FormatInt(timestamp, 10)+"."+string(payload))
	return fmt.Sprintf("t=%d,v1=%s", timestamp, hex.EncodeToString(sig))
}

func parseSignatureHeader(header string) (int64, [][]byte, error) {
	var (
		timestamp  int64
		signatures [][]byte
	)
	for _, part := range strings.Split(header, ",") {
		key, value, ok := strings.Cut(strings.TrimSpace(part), "=")
		if !ok {
			continue
		}
		switch key {
		case "t":
			ts, err := strconv.ParseInt(value, 10, 64)
			if err != nil {
				return 0, nil, ErrInvalidSignature
			}
			timestamp = ts
		case "v1":
			sig, err := hex.DecodeString(value)
			if err != nil {
				continue
			}
			signatures = append(signatures, sig)
		}
	}
	if timestamp == 0 || len(signatures) == 0 {
		return 0, nil, ErrInvalidSignature
	}
	return timestamp, signatures, nil
}
