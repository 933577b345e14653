package domain

import (
	"encoding/json"
	"fmt"
)

// ProviderDetails carries the correlation fields that only one processor
// understands. Implementations are MpesaDetails and StripeDetails.
type ProviderDetails interface {
	ProviderName() string
}

// MpesaDetails holds Daraja STK push correlation data.
type MpesaDetails struct {
	CheckoutRequestID  string `json:"checkout_request_id"`
	MerchantRequestID  string `json:"merchant_request_id"`
	ResultCode         *int   `json:"result_code,omitempty"`
	ResultDesc         string `json:"result_desc,omitempty"`
	MpesaReceiptNumber string `json:"mpesa_receipt_number,omitempty"`
	PhoneNumber        string `json:"phone_number,omitempty"`
	TransactionDate    string `json:"transaction_date,omitempty"`
}

func (MpesaDetails) ProviderName() string { return ProviderMpesa }

// StripeDetails holds PaymentIntent correlation data.
type StripeDetails struct {
	PaymentIntentID string `json:"payment_intent_id"`
	LatestChargeID  string `json:"latest_charge_id,omitempty"`
	LastEventID     string `json:"last_event_id,omitempty"`
	IntentStatus    string `json:"intent_status,omitempty"`
}

func (StripeDetails) ProviderName() string { return ProviderStripe }

type providerDetailsEnvelope struct {
	Kind   string          `json:"kind"`
	Mpesa  *MpesaDetails   `json:"mpesa,omitempty"`
	Stripe *StripeDetails  `json:"stripe,omitempty"`
	Raw    json.RawMessage `json:"raw,omitempty"`
}

// EncodeProviderDetails serializes details into the tagged envelope stored in
// `payments.provider_details`. A nil value encodes to nil.
func EncodeProviderDetails(details ProviderDetails) ([]byte, error) {
	if details == nil {
		return nil, nil
	}
	env := providerDetailsEnvelope{Kind: details.ProviderName()}
	switch d := details.(type) {
	case MpesaDetails:
		env.Mpesa = &d
	case *MpesaDetails:
		env.Mpesa = d
	case StripeDetails:
		env.Stripe = &d
	case *StripeDetails:
		env.Stripe = d
	default:
		return nil, fmt.Errorf("unsupported provider details type %T", details)
	}
	return json.Marshal(env)
}

// DecodeProviderDetails is the inverse of EncodeProviderDetails. Unknown kinds
// decode to nil rather than failing so older rows stay readable.
func DecodeProviderDetails(raw []byte) (ProviderDetails, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return nil, nil
	}
	var env providerDetailsEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("decode provider details: %w", err)
	}
	switch env.Kind {
	case ProviderMpesa:
		if env.Mpesa == nil {
			return MpesaDetails{}, nil
		}
		return *env.Mpesa, nil
	case ProviderStripe:
		if env.Stripe == nil {
			return StripeDetails{}, nil
		}
		return *env.Stripe, nil
	default:
		return nil, nil
	}
}
