package shopify

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"net/http"
	"testing"

	"github.com/reviewly/reviewly/internal/webhook/domain"
)

func newTestAdapter(t *testing.T, secret string) domain.Adapter {
	t.Helper()
	adapter, err := NewFactory().NewAdapter(domain.AdapterConfig{
		OrgID:         1,
		IntegrationID: 2,
		Provider:      domain.ProviderShopify,
		SigningSecret: secret,
	})
	if err != nil {
		t.Fatalf("new adapter: %v", err)
	}
	return adapter
}

func signShopify(secret string, payload []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	_, _ = mac.Write(payload)
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

func TestVerifySignature(t *testing.T) {
	secret := "shpss_secret"
	payload := []byte(`{"id":123}`)

	adapter := newTestAdapter(t, secret)

	headers := http.Header{}
	headers.Set("X-Shopify-Hmac-Sha256", signShopify(secret, payload))
	if err := adapter.Verify(context.Background(), payload, headers); err != nil {
		t.Fatalf("expected valid signature, got error: %v", err)
	}

	headers.Set("X-Shopify-Hmac-Sha256", signShopify("wrong", payload))
	if err := adapter.Verify(context.Background(), payload, headers); !errors.Is(err, domain.ErrInvalidSignature) {
		t.Fatalf("expected invalid signature error, got %v", err)
	}
}

func TestParseOrderCreate(t *testing.T) {
	payload := []byte(`{
		"id": 820982911946154500,
		"total_price": "149.90",
		"currency": "usd",
		"phone": "",
		"created_at": "2026-03-01T10:00:00Z",
		"customer": {"first_name": "Jo", "last_name": "Olson", "phone": "+1 555 987 6543"}
	}`)

	headers := http.Header{}
	headers.Set("X-Shopify-Topic", "orders/create")
	headers.Set("X-Shopify-Webhook-Id", "wh-1")

	adapter := newTestAdapter(t, "secret")
	event, err := adapter.Parse(context.Background(), payload, headers)
	if err != nil {
		t.Fatalf("parse event: %v", err)
	}
	if event.Kind != domain.EventKindPurchase {
		t.Fatalf("expected purchase, got %s", event.Kind)
	}
	if event.ProviderEventID != "wh-1" {
		t.Fatalf("expected delivery id as event id, got %s", event.ProviderEventID)
	}
	if event.Amount != 14990 {
		t.Fatalf("expected minor units 14990, got %d", event.Amount)
	}
	if event.Currency != "USD" {
		t.Fatalf("expected currency USD, got %s", event.Currency)
	}
	if event.CustomerName != "Jo Olson" {
		t.Fatalf("expected customer name, got %q", event.CustomerName)
	}
	if event.RawPhone != "+1 555 987 6543" {
		t.Fatalf("expected customer phone preferred, got %q", event.RawPhone)
	}
}

func TestParseRefundReferencesOrder(t *testing.T) {
	payload := []byte(`{"id": 5, "order_id": 99, "created_at": "2026-03-02T08:00:00Z"}`)

	headers := http.Header{}
	headers.Set("X-Shopify-Topic", "refunds/create")

	adapter := newTestAdapter(t, "secret")
	event, err := adapter.Parse(context.Background(), payload, headers)
	if err != nil {
		t.Fatalf("parse event: %v", err)
	}
	if event.Kind != domain.EventKindRefund {
		t.Fatalf("expected refund, got %s", event.Kind)
	}
	if event.ExternalTxnID != "99" {
		t.Fatalf("refund must reference the order id, got %s", event.ExternalTxnID)
	}
	if event.ProviderEventID != "refunds/create:5" {
		t.Fatalf("expected synthesized event id, got %s", event.ProviderEventID)
	}
}

func TestParseIgnoresUnknownTopics(t *testing.T) {
	headers := http.Header{}
	headers.Set("X-Shopify-Topic", "products/update")

	adapter := newTestAdapter(t, "secret")
	_, err := adapter.Parse(context.Background(), []byte(`{"id":1}`), headers)
	if !errors.Is(err, domain.ErrEventIgnored) {
		t.Fatalf("expected event ignored, got %v", err)
	}
}

func TestAmountFromDecimal(t *testing.T) {
	cases := map[string]int64{
		"149.90": 14990,
		"149.9":  14990,
		"149":    14900,
		"0.05":   5,
		"":       0,
		"1.999":  199,
	}
	for raw, want := range cases {
		if got := amountFromDecimal(raw); got != want {
			t.Fatalf("amountFromDecimal(%q) = %d, want %d", raw, got, want)
		}
	}
}
