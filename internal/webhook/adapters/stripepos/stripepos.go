package stripepos

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
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
	return domain.ProviderStripePOS
}

func (f *Factory) NewAdapter(cfg domain.AdapterConfig) (domain.Adapter, error) {
	secret := strings.TrimSpace(cfg.SigningSecret)
	if secret == "" {
		return nil, domain.ErrInvalidConfig
	}

	return &Adapter{cfg: cfg, webhookSecret: secret}, nil
}

type Adapter struct {
	cfg           domain.AdapterConfig
	webhookSecret string
}

func (a *Adapter) Verify(ctx context.Context, payload []byte, headers http.Header) error {
	sigHeader := strings.TrimSpace(headers.Get("Stripe-Signature"))
	if sigHeader == "" {
		return domain.ErrInvalidSignature
	}

	timestamp, signatures, err := parseSignatureHeader(sigHeader)
	if err != nil {
		return domain.ErrInvalidSignature
	}

	signedPayload := fmt.Sprintf("%s.%s", timestamp, string(payload))
	mac := hmac.New(sha256.New, []byte(a.webhookSecret))
	_, _ = mac.Write([]byte(signedPayload))
	expected := hex.EncodeToString(mac.Sum(nil))

	for _, signature := range signatures {
		if hmac.Equal([]byte(signature), []byte(expected)) {
			return nil
		}
	}

	return domain.ErrInvalidSignature
}

type stripeEvent struct {
	ID      string          `json:"id"`
	Type    string          `json:"type"`
	Created int64           `json:"created"`
	Data    stripeEventData `json:"data"`
}

type stripeEventData struct {
	Object json.RawMessage `json:"object"`
}

type stripeCharge struct {
	ID             string         `json:"id"`
	PaymentIntent  string         `json:"payment_intent"`
	Amount         int64          `json:"amount"`
	AmountRefunded int64          `json:"amount_refunded"`
	Currency       string         `json:"currency"`
	Created        int64          `json:"created"`
	Billing        stripeBilling  `json:"billing_details"`
	Metadata       map[string]any `json:"metadata"`
}

type stripeBilling struct {
	Name  string `json:"name"`
	Phone string `json:"phone"`
}

func (a *Adapter) Parse(ctx context.Context, payload []byte, headers http.Header) (*domain.OrderEvent, error) {
	var event stripeEvent
	if err := json.Unmarshal(payload, &event); err != nil {
		return nil, domain.ErrInvalidPayload
	}
	if strings.TrimSpace(event.ID) == "" {
		return nil, domain.ErrInvalidEvent
	}

	switch strings.TrimSpace(event.Type) {
	case "charge.succeeded":
		return a.parseCharge(event, payload, domain.EventKindPurchase)
	case "charge.refunded":
		return a.parseCharge(event, payload, domain.EventKindRefund)
	default:
		return nil, domain.ErrEventIgnored
	}
}

func (a *Adapter) parseCharge(event stripeEvent, payload []byte, kind string) (*domain.OrderEvent, error) {
	var charge stripeCharge
	if err := json.Unmarshal(event.Data.Object, &charge); err != nil {
		return nil, normalizationErr(event, domain.ErrInvalidPayload)
	}
	if strings.TrimSpace(charge.ID) == "" {
		return nil, normalizationErr(event, domain.ErrInvalidEvent)
	}

	amount := charge.Amount
	if kind == domain.EventKindRefund && charge.AmountRefunded > 0 {
		amount = charge.AmountRefunded
	}

	return &domain.OrderEvent{
		Provider:        domain.ProviderStripePOS,
		ProviderEventID: event.ID,
		ExternalTxnID:   charge.ID,
		Kind:            kind,
		CustomerName:    strings.TrimSpace(charge.Billing.Name),
		RawPhone:        strings.TrimSpace(charge.Billing.Phone),
		Amount:          amount,
		Currency:        strings.ToUpper(strings.TrimSpace(charge.Currency)),
		LocationExtID:   metadataString(charge.Metadata, "location_id"),
		OccurredAt:      timestamp(charge.Created, event.Created),
		RawPayload:      payload,

		OrgID:         a.cfg.OrgID,
		IntegrationID: a.cfg.IntegrationID,
	}, nil
}

func normalizationErr(event stripeEvent, err error) error {
	return &domain.NormalizationError{
		ProviderEventID: strings.TrimSpace(event.ID),
		EventType:       strings.TrimSpace(event.Type),
		Err:             err,
	}
}

func parseSignatureHeader(header string) (string, []string, error) {
	parts := strings.Split(header, ",")
	var timestamp string
	signatures := []string{}
	for _, part := range parts {
		piece := strings.TrimSpace(part)
		if piece == "" {
			continue
		}
		keyValue := strings.SplitN(piece, "=", 2)
		if len(keyValue) != 2 {
			continue
		}
		key := strings.TrimSpace(keyValue[0])
		value := strings.TrimSpace(keyValue[1])
		if key == "t" {
			timestamp = value
		}
		if key == "v1" {
			signatures = append(signatures, value)
		}
	}
	if timestamp == "" || len(signatures) == 0 {
		return "", nil, errors.New("invalid_signature")
	}
	return timestamp, signatures, nil
}

func timestamp(primary int64, fallback int64) time.Time {
	value := primary
	if value == 0 {
		value = fallback
	}
	if value == 0 {
		return time.Now().UTC()
	}
	return time.Unix(value, 0).UTC()
}

func metadataString(metadata map[string]any, key string) string {
	if metadata == nil {
		return ""
	}
	if value, ok := metadata[key].(string); ok {
		return strings.TrimSpace(value)
	}
	return ""
}
