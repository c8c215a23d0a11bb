package square

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/reviewly/reviewly/internal/webhook/domain"
)

type Factory struct{}

func NewFactory() *Factory {
	return &Factory{}
}

func (f *Factory) Provider() string {
	return domain.ProviderSquare
}

func (f *Factory) NewAdapter(cfg domain.AdapterConfig) (domain.Adapter, error) {
	secret := strings.TrimSpace(cfg.SigningSecret)
	if secret == "" {
		return nil, domain.ErrInvalidConfig
	}

	return &Adapter{
		cfg:             cfg,
		signingSecret:   secret,
		notificationURL: strings.TrimSpace(cfg.NotificationURL),
	}, nil
}

type Adapter struct {
	cfg             domain.AdapterConfig
	signingSecret   string
	notificationURL string
}

// Verify checks the Square webhook signature: base64 HMAC-SHA256 of the
// notification URL concatenated with the raw body.
func (a *Adapter) Verify(ctx context.Context, payload []byte, headers http.Header) error {
	signature := strings.TrimSpace(headers.Get("X-Square-Hmacsha256-Signature"))
	if signature == "" {
		return domain.ErrInvalidSignature
	}

	mac := hmac.New(sha256.New, []byte(a.signingSecret))
	_, _ = mac.Write([]byte(a.notificationURL))
	_, _ = mac.Write(payload)
	expected := base64.StdEncoding.EncodeToString(mac.Sum(nil))

	if !hmac.Equal([]byte(signature), []byte(expected)) {
		return domain.ErrInvalidSignature
	}
	return nil
}

type squareEvent struct {
	MerchantID string          `json:"merchant_id"`
	EventID    string          `json:"event_id"`
	Type       string          `json:"type"`
	CreatedAt  string          `json:"created_at"`
	Data       squareEventData `json:"data"`
}

type squareEventData struct {
	Object json.RawMessage `json:"object"`
}

type squarePaymentWrapper struct {
	Payment squarePayment `json:"payment"`
}

type squarePayment struct {
	ID          string            `json:"id"`
	LocationID  string            `json:"location_id"`
	AmountMoney squareMoney       `json:"amount_money"`
	BuyerPhone  string            `json:"buyer_phone_number"`
	Shipping    squareAddressInfo `json:"shipping_address"`
	CreatedAt   string            `json:"created_at"`
}

type squareRefundWrapper struct {
	Refund squareRefund `json:"refund"`
}

type squareRefund struct {
	ID          string      `json:"id"`
	PaymentID   string      `json:"payment_id"`
	LocationID  string      `json:"location_id"`
	AmountMoney squareMoney `json:"amount_money"`
	CreatedAt   string      `json:"created_at"`
}

type squareMoney struct {
	Amount   int64  `json:"amount"`
	Currency string `json:"currency"`
}

type squareAddressInfo struct {
	Name string `json:"name"`
}

func (a *Adapter) Parse(ctx context.Context, payload []byte, headers http.Header) (*domain.OrderEvent, error) {
	var event squareEvent
	if err := json.Unmarshal(payload, &event); err != nil {
		return nil, domain.ErrInvalidPayload
	}
	if strings.TrimSpace(event.EventID) == "" {
		return nil, domain.ErrInvalidEvent
	}

	switch strings.TrimSpace(event.Type) {
	case "payment.created", "payment.updated":
		return a.parsePayment(event, payload)
	case "refund.created", "refund.updated":
		return a.parseRefund(event, payload)
	default:
		return nil, domain.ErrEventIgnored
	}
}

func (a *Adapter) parsePayment(event squareEvent, payload []byte) (*domain.OrderEvent, error) {
	var wrapper squarePaymentWrapper
	if err := json.Unmarshal(event.Data.Object, &wrapper); err != nil {
		return nil, normalizationErr(event, domain.ErrInvalidPayload)
	}
	payment := wrapper.Payment
	if strings.TrimSpace(payment.ID) == "" {
		return nil, normalizationErr(event, domain.ErrInvalidEvent)
	}

	return &domain.OrderEvent{
		Provider:        domain.ProviderSquare,
		ProviderEventID: event.EventID,
		ExternalTxnID:   payment.ID,
		Kind:            domain.EventKindPurchase,
		CustomerName:    strings.TrimSpace(payment.Shipping.Name),
		RawPhone:        strings.TrimSpace(payment.BuyerPhone),
		Amount:          payment.AmountMoney.Amount,
		Currency:        strings.ToUpper(strings.TrimSpace(payment.AmountMoney.Currency)),
		LocationExtID:   strings.TrimSpace(payment.LocationID),
		OccurredAt:      timestamp(payment.CreatedAt, event.CreatedAt),
		RawPayload:      payload,

		OrgID:         a.cfg.OrgID,
		IntegrationID: a.cfg.IntegrationID,
	}, nil
}

func (a *Adapter) parseRefund(event squareEvent, payload []byte) (*domain.OrderEvent, error) {
	var wrapper squareRefundWrapper
	if err := json.Unmarshal(event.Data.Object, &wrapper); err != nil {
		return nil, normalizationErr(event, domain.ErrInvalidPayload)
	}
	refund := wrapper.Refund
	if strings.TrimSpace(refund.PaymentID) == "" {
		return nil, normalizationErr(event, domain.ErrInvalidEvent)
	}

	return &domain.OrderEvent{
		Provider:        domain.ProviderSquare,
		ProviderEventID: event.EventID,
		ExternalTxnID:   refund.PaymentID,
		Kind:            domain.EventKindRefund,
		Amount:          refund.AmountMoney.Amount,
		Currency:        strings.ToUpper(strings.TrimSpace(refund.AmountMoney.Currency)),
		LocationExtID:   strings.TrimSpace(refund.LocationID),
		OccurredAt:      timestamp(refund.CreatedAt, event.CreatedAt),
		RawPayload:      payload,

		OrgID:         a.cfg.OrgID,
		IntegrationID: a.cfg.IntegrationID,
	}, nil
}

func normalizationErr(event squareEvent, err error) error {
	return &domain.NormalizationError{
		ProviderEventID: event.EventID,
		EventType:       strings.TrimSpace(event.Type),
		Err:             err,
	}
}

func timestamp(primary, fallback string) time.Time {
	for _, raw := range []string{primary, fallback} {
		raw = strings.TrimSpace(raw)
		if raw == "" {
			continue
		}
		if parsed, err := time.Parse(time.RFC3339, raw); err == nil {
			return parsed.UTC()
		}
	}
	return time.Now().UTC()
}
