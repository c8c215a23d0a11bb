package shopify

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
	return domain.ProviderShopify
}

func (f *Factory) NewAdapter(cfg domain.AdapterConfig) (domain.Adapter, error) {
	secret := strings.TrimSpace(cfg.SigningSecret)
	if secret == "" {
		return nil, domain.ErrInvalidConfig
	}

	return &Adapter{cfg: cfg, sharedSecret: secret}, nil
}

type Adapter struct {
	cfg          domain.AdapterConfig
	sharedSecret string
}

func (a *Adapter) Verify(ctx context.Context, payload []byte, headers http.Header) error {
	signature := strings.TrimSpace(headers.Get("X-Shopify-Hmac-Sha256"))
	if signature == "" {
		return domain.ErrInvalidSignature
	}

	mac := hmac.New(sha256.New, []byte(a.sharedSecret))
	_, _ = mac.Write(payload)
	expected := base64.StdEncoding.EncodeToString(mac.Sum(nil))

	if !hmac.Equal([]byte(signature), []byte(expected)) {
		return domain.ErrInvalidSignature
	}
	return nil
}

type shopifyOrder struct {
	ID         int64           `json:"id"`
	OrderID    int64           `json:"order_id"`
	TotalPrice string          `json:"total_price"`
	Currency   string          `json:"currency"`
	Phone      string          `json:"phone"`
	CreatedAt  string          `json:"created_at"`
	LocationID int64           `json:"location_id"`
	Customer   shopifyCustomer `json:"customer"`
	Billing    shopifyAddress  `json:"billing_address"`
}

type shopifyCustomer struct {
	FirstName string `json:"first_name"`
	LastName  string `json:"last_name"`
	Phone     string `json:"phone"`
}

type shopifyAddress struct {
	Phone string `json:"phone"`
}

// Parse maps Shopify order webhooks to the canonical event. The topic and
// delivery id travel in headers, not the payload.
func (a *Adapter) Parse(ctx context.Context, payload []byte, headers http.Header) (*domain.OrderEvent, error) {
	topic := strings.TrimSpace(headers.Get("X-Shopify-Topic"))

	var kind string
	switch topic {
	case "orders/create", "orders/paid":
		kind = domain.EventKindPurchase
	case "refunds/create", "orders/cancelled":
		kind = domain.EventKindRefund
	default:
		return nil, domain.ErrEventIgnored
	}

	var order shopifyOrder
	if err := json.Unmarshal(payload, &order); err != nil {
		return nil, domain.ErrInvalidPayload
	}

	externalID := order.ID
	if kind == domain.EventKindRefund && order.OrderID != 0 {
		externalID = order.OrderID
	}
	if externalID == 0 {
		if deliveryID := strings.TrimSpace(headers.Get("X-Shopify-Webhook-Id")); deliveryID != "" {
			return nil, &domain.NormalizationError{
				ProviderEventID: deliveryID,
				EventType:       topic,
				Err:             domain.ErrInvalidEvent,
			}
		}
		return nil, domain.ErrInvalidEvent
	}

	eventID := strings.TrimSpace(headers.Get("X-Shopify-Webhook-Id"))
	if eventID == "" {
		eventID = topic + ":" + strconv.FormatInt(order.ID, 10)
	}

	return &domain.OrderEvent{
		Provider:        domain.ProviderShopify,
		ProviderEventID: eventID,
		ExternalTxnID:   strconv.FormatInt(externalID, 10),
		Kind:            kind,
		CustomerName:    customerName(order.Customer),
		RawPhone:        firstPhone(order.Customer.Phone, order.Phone, order.Billing.Phone),
		Amount:          amountFromDecimal(order.TotalPrice),
		Currency:        strings.ToUpper(strings.TrimSpace(order.Currency)),
		LocationExtID:   locationID(order.LocationID),
		OccurredAt:      timestamp(order.CreatedAt),
		RawPayload:      payload,

		OrgID:         a.cfg.OrgID,
		IntegrationID: a.cfg.IntegrationID,
	}, nil
}

func customerName(customer shopifyCustomer) string {
	name := strings.TrimSpace(customer.FirstName + " " + customer.LastName)
	return name
}

func firstPhone(candidates ...string) string {
	for _, candidate := range candidates {
		candidate = strings.TrimSpace(candidate)
		if candidate != "" {
			return candidate
		}
	}
	return ""
}

func locationID(id int64) string {
	if id == 0 {
		return ""
	}
	return strconv.FormatInt(id, 10)
}

// amountFromDecimal converts Shopify's decimal string prices ("12.34") to
// minor units.
func amountFromDecimal(raw string) int64 {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0
	}
	whole, frac, _ := strings.Cut(raw, ".")
	amount, err := strconv.ParseInt(whole, 10, 64)
	if err != nil {
		return 0
	}
	amount *= 100
	if frac == "" {
		return amount
	}
	if len(frac) > 2 {
		frac = frac[:2]
	}
	for len(frac) < 2 {
		frac += "0"
	}
	cents, err := strconv.ParseInt(frac, 10, 64)
	if err != nil {
		return amount
	}
	return amount + cents
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
