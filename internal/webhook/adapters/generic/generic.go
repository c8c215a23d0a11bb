package generic

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/reviewly/reviewly/internal/webhook/domain"
)

// Factory covers Zapier and plain generic-webhook integrations: both
// authenticate with the opaque per-integration URL token and/or a shared
// API key, with an optional HMAC when a signing secret is configured.
type Factory struct {
	provider string
}

func NewFactory(provider string) *Factory {
	return &Factory{provider: provider}
}

func (f *Factory) Provider() string {
	return f.provider
}

func (f *Factory) NewAdapter(cfg domain.AdapterConfig) (domain.Adapter, error) {
	token := strings.TrimSpace(cfg.WebhookToken)
	apiKey := strings.TrimSpace(cfg.APIKey)
	if token == "" && apiKey == "" {
		return nil, domain.ErrInvalidConfig
	}

	return &Adapter{
		cfg:           cfg,
		provider:      f.provider,
		webhookToken:  token,
		apiKey:        apiKey,
		signingSecret: strings.TrimSpace(cfg.SigningSecret),
	}, nil
}

type Adapter struct {
	cfg           domain.AdapterConfig
	provider      string
	webhookToken  string
	apiKey        string
	signingSecret string
}

func (a *Adapter) Verify(ctx context.Context, payload []byte, headers http.Header) error {
	if a.webhookToken != "" {
		token := strings.TrimSpace(headers.Get("X-Webhook-Token"))
		if !hmac.Equal([]byte(token), []byte(a.webhookToken)) {
			return domain.ErrInvalidSignature
		}
	}

	if a.apiKey != "" {
		key := strings.TrimSpace(headers.Get("X-Api-Key"))
		if !hmac.Equal([]byte(key), []byte(a.apiKey)) {
			return domain.ErrInvalidSignature
		}
	}

	if a.signingSecret != "" {
		signature := strings.TrimSpace(headers.Get("X-Hook-Signature"))
		if signature == "" {
			return domain.ErrInvalidSignature
		}
		mac := hmac.New(sha256.New, []byte(a.signingSecret))
		_, _ = mac.Write(payload)
		expected := hex.EncodeToString(mac.Sum(nil))
		if !hmac.Equal([]byte(signature), []byte(expected)) {
			return domain.ErrInvalidSignature
		}
	}

	return nil
}

type genericEvent struct {
	EventID       string  `json:"event_id"`
	TransactionID string  `json:"transaction_id"`
	Type          string  `json:"type"`
	CustomerName  string  `json:"customer_name"`
	Phone         string  `json:"phone"`
	Amount        float64 `json:"amount"`
	Currency      string  `json:"currency"`
	LocationID    string  `json:"location_id"`
	OccurredAt    string  `json:"occurred_at"`
}

func (a *Adapter) Parse(ctx context.Context, payload []byte, headers http.Header) (*domain.OrderEvent, error) {
	var event genericEvent
	if err := json.Unmarshal(payload, &event); err != nil {
		return nil, domain.ErrInvalidPayload
	}
	if strings.TrimSpace(event.TransactionID) == "" {
		if eventID := strings.TrimSpace(event.EventID); eventID != "" {
			return nil, &domain.NormalizationError{
				ProviderEventID: eventID,
				EventType:       strings.TrimSpace(event.Type),
				Err:             domain.ErrInvalidEvent,
			}
		}
		return nil, domain.ErrInvalidEvent
	}

	var kind string
	switch strings.ToLower(strings.TrimSpace(event.Type)) {
	case "purchase", "sale", "":
		kind = domain.EventKindPurchase
	case "refund", "void":
		kind = domain.EventKindRefund
	default:
		return nil, domain.ErrEventIgnored
	}

	eventID := strings.TrimSpace(event.EventID)
	if eventID == "" {
		eventID = strings.TrimSpace(event.TransactionID)
	}

	return &domain.OrderEvent{
		Provider:        a.provider,
		ProviderEventID: eventID,
		ExternalTxnID:   strings.TrimSpace(event.TransactionID),
		Kind:            kind,
		CustomerName:    strings.TrimSpace(event.CustomerName),
		RawPhone:        strings.TrimSpace(event.Phone),
		Amount:          int64(event.Amount*100 + 0.5),
		Currency:        strings.ToUpper(strings.TrimSpace(event.Currency)),
		LocationExtID:   strings.TrimSpace(event.LocationID),
		OccurredAt:      timestamp(event.OccurredAt),
		RawPayload:      payload,

		OrgID:         a.cfg.OrgID,
		IntegrationID: a.cfg.IntegrationID,
	}, nil
}

func timestamp(raw string) time.Time {
	raw = strings.TrimSpace(raw)
	if raw != "" {
		if parsed, err := time.Parse(time.RFC3339, raw); err == nil {
			return parsed.UTC()
		}
	}
	return time.Now().UTC()
}
