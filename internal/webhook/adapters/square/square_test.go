package square

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"testing"

	"github.com/reviewly/reviewly/internal/webhook/domain"
)

const notificationURL = "https://example.com/webhooks/square"

func newTestAdapter(t *testing.T, secret string) domain.Adapter {
	t.Helper()
	adapter, err := NewFactory().NewAdapter(domain.AdapterConfig{
		OrgID:           1,
		IntegrationID:   2,
		Provider:        domain.ProviderSquare,
		SigningSecret:   secret,
		NotificationURL: notificationURL,
	})
	if err != nil {
		t.Fatalf("new adapter: %v", err)
	}
	return adapter
}

func signSquare(secret string, payload []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	_, _ = mac.Write([]byte(notificationURL))
	_, _ = mac.Write(payload)
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

func TestVerifySignature(t *testing.T) {
	secret := "sq_signature_key"
	payload := []byte(`{"event_id":"evt_1","type":"payment.created"}`)

	adapter := newTestAdapter(t, secret)

	headers := http.Header{}
	headers.Set("X-Square-Hmacsha256-Signature", signSquare(secret, payload))
	if err := adapter.Verify(context.Background(), payload, headers); err != nil {
		t.Fatalf("expected valid signature, got error: %v", err)
	}

	headers.Set("X-Square-Hmacsha256-Signature", signSquare("wrong", payload))
	if err := adapter.Verify(context.Background(), payload, headers); !errors.Is(err, domain.ErrInvalidSignature) {
		t.Fatalf("expected invalid signature error, got %v", err)
	}

	headers.Del("X-Square-Hmacsha256-Signature")
	if err := adapter.Verify(context.Background(), payload, headers); !errors.Is(err, domain.ErrInvalidSignature) {
		t.Fatalf("expected invalid signature error for missing header, got %v", err)
	}
}

func TestParsePaymentEvent(t *testing.T) {
	payload, err := json.Marshal(map[string]any{
		"merchant_id": "M1",
		"event_id":    "evt_pay_1",
		"type":        "payment.created",
		"created_at":  "2026-03-01T10:00:00Z",
		"data": map[string]any{
			"object": map[string]any{
				"payment": map[string]any{
					"id":                 "pay_1",
					"location_id":        "L9",
					"buyer_phone_number": "+15551234567",
					"amount_money":       map[string]any{"amount": 2575, "currency": "usd"},
					"shipping_address":   map[string]any{"name": "Dana Smith"},
					"created_at":         "2026-03-01T10:00:00Z",
				},
			},
		},
	})
	if err != nil {
		t.Fatalf("marshal payload: %v", err)
	}

	adapter := newTestAdapter(t, "secret")
	event, err := adapter.Parse(context.Background(), payload, http.Header{})
	if err != nil {
		t.Fatalf("parse event: %v", err)
	}
	if event.Kind != domain.EventKindPurchase {
		t.Fatalf("expected purchase, got %s", event.Kind)
	}
	if event.ProviderEventID != "evt_pay_1" {
		t.Fatalf("expected event id evt_pay_1, got %s", event.ProviderEventID)
	}
	if event.ExternalTxnID != "pay_1" {
		t.Fatalf("expected external txn pay_1, got %s", event.ExternalTxnID)
	}
	if event.Amount != 2575 {
		t.Fatalf("expected amount 2575, got %d", event.Amount)
	}
	if event.Currency != "USD" {
		t.Fatalf("expected currency USD, got %s", event.Currency)
	}
	if event.RawPhone != "+15551234567" {
		t.Fatalf("expected buyer phone, got %q", event.RawPhone)
	}
	if event.LocationExtID != "L9" {
		t.Fatalf("expected location L9, got %s", event.LocationExtID)
	}
}

func TestParseRefundEvent(t *testing.T) {
	payload, err := json.Marshal(map[string]any{
		"event_id": "evt_ref_1",
		"type":     "refund.created",
		"data": map[string]any{
			"object": map[string]any{
				"refund": map[string]any{
					"id":           "ref_1",
					"payment_id":   "pay_1",
					"location_id":  "L9",
					"amount_money": map[string]any{"amount": 2575, "currency": "USD"},
				},
			},
		},
	})
	if err != nil {
		t.Fatalf("marshal payload: %v", err)
	}

	adapter := newTestAdapter(t, "secret")
	event, err := adapter.Parse(context.Background(), payload, http.Header{})
	if err != nil {
		t.Fatalf("parse event: %v", err)
	}
	if event.Kind != domain.EventKindRefund {
		t.Fatalf("expected refund, got %s", event.Kind)
	}
	if event.ExternalTxnID != "pay_1" {
		t.Fatalf("refund must reference the original payment, got %s", event.ExternalTxnID)
	}
}

func TestParseKeepsEventIDWhenBodyIsBroken(t *testing.T) {
	adapter := newTestAdapter(t, "secret")
	payload := []byte(`{"event_id":"evt_broken","type":"payment.created","data":{"object":{"payment":{}}}}`)

	_, err := adapter.Parse(context.Background(), payload, http.Header{})
	if !errors.Is(err, domain.ErrInvalidEvent) {
		t.Fatalf("expected invalid event, got %v", err)
	}

	var normErr *domain.NormalizationError
	if !errors.As(err, &normErr) {
		t.Fatalf("expected a normalization error, got %T", err)
	}
	if normErr.ProviderEventID != "evt_broken" {
		t.Fatalf("expected event id carried, got %q", normErr.ProviderEventID)
	}
	if normErr.EventType != "payment.created" {
		t.Fatalf("expected event type carried, got %q", normErr.EventType)
	}
}

func TestParseIgnoresUnrelatedEvents(t *testing.T) {
	adapter := newTestAdapter(t, "secret")
	payload := []byte(`{"event_id":"evt_x","type":"inventory.count.updated","data":{"object":{}}}`)

	_, err := adapter.Parse(context.Background(), payload, http.Header{})
	if !errors.Is(err, domain.ErrEventIgnored) {
		t.Fatalf("expected event ignored, got %v", err)
	}
}
