package woocommerce

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/reviewly/reviewly/internal/webhook/domain"
)

type Factory struct{}

func NewFactory() *Factory {
	return &Factory{}
}

func (f *Factory) Provider() string {
	return domain.ProviderWooCommerce
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
	signature := strings.TrimSpace(headers.Get("X-WC-Webhook-Signature"))
	if signature == "" {
		return domain.ErrInvalidSignature
	}

	mac := hmac.New(sha256.New, []byte(a.webhookSecret))
	_, _ = mac.Write(payload)
	expected := base64.StdEncoding.EncodeToString(mac.Sum(nil))

	if !hmac.Equal([]byte(signature), []byte(expected)) {
		return domain.ErrInvalidSignature
	}
	return nil
}

type wooOrder struct {
	ID          int64      `json:"id"`
	Status      string     `json:"status"`
	Total       string     `json:"total"`
	Currency    string     `json:"currency"`
	DateCreated string     `json:"date_created_gmt"`
	Billing     wooBilling `json:"billing"`
	MetaData    []wooMeta  `json:"meta_data"`
}

type wooBilling struct {
	FirstName string `json:"first_name"`
	LastName  string `json:"last_name"`
	Phone     string `json:"phone"`
}

type wooMeta struct {
	Key   string `json:"key"`
	Value any    `json:"value"`
}

func (a *Adapter) Parse(ctx context.Context, payload []byte, headers http.Header) (*domain.OrderEvent, error) {
	topic := strings.TrimSpace(headers.Get("X-WC-Webhook-Topic"))

	var order wooOrder
	if err := json.Unmarshal(payload, &order); err != nil {
		return nil, domain.ErrInvalidPayload
	}
	if order.ID == 0 {
		if deliveryID := strings.TrimSpace(headers.Get("X-WC-Webhook-Delivery-ID")); deliveryID != "" {
			return nil, &domain.NormalizationError{
				ProviderEventID: deliveryID,
				EventType:       topic,
				Err:             domain.ErrInvalidEvent,
			}
		}
		return nil, domain.ErrInvalidEvent
	}

	var kind string
	switch {
	case topic == "order.created":
		kind = domain.EventKindPurchase
	case topic == "order.updated" && order.Status == "refunded":
		kind = domain.EventKindRefund
	case topic == "order.updated" && (order.Status == "completed" || order.Status == "processing"):
		kind = domain.EventKindPurchase
	default:
		return nil, domain.ErrEventIgnored
	}

	eventID := strings.TrimSpace(headers.Get("X-WC-Webhook-Delivery-ID"))
	if eventID == "" {
		eventID = topic + ":" + strconv.FormatInt(order.ID, 10)
	}

	return &domain.OrderEvent{
		Provider:        domain.ProviderWooCommerce,
		ProviderEventID: eventID,
		ExternalTxnID:   strconv.FormatInt(order.ID, 10),
		Kind:            kind,
		CustomerName:    strings.TrimSpace(order.Billing.FirstName + " " + order.Billing.LastName),
		RawPhone:        strings.TrimSpace(order.Billing.Phone),
		Amount:          amountFromTotal(order.Total),
		Currency:        strings.ToUpper(strings.TrimSpace(order.Currency)),
		LocationExtID:   metaString(order.MetaData, "store_location"),
		OccurredAt:      timestamp(order.DateCreated),
		RawPayload:      payload,

		OrgID:         a.cfg.OrgID,
		IntegrationID: a.cfg.IntegrationID,
	}, nil
}

func amountFromTotal(raw string) int64 {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0
	}
	parsed, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return 0
	}
	return int64(parsed*100 + 0.5)
}

func metaString(meta []wooMeta, key string) string {
	for _, entry := range meta {
		if entry.Key != key {
			continue
		}
		if value, ok := entry.Value.(string); ok {
			return strings.TrimSpace(value)
		}
	}
	return ""
}

func timestamp(raw string) time.Time {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return time.Now().UTC()
	}
	for _, layout := range []string{time.RFC3339, "2006-01-02T15:04:05"} {
		if parsed, err := time.Parse(layout, raw); err == nil {
			return parsed.UTC()
		}
	}
	return time.Now().UTC()
}
