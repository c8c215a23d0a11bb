package domain

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/bwmarrin/snowflake"
)

const (
	ProviderSquare      = "square"
	ProviderShopify     = "shopify"
	ProviderClover      = "clover"
	ProviderStripePOS   = "stripe-pos"
	ProviderWooCommerce = "woocommerce"
	ProviderZapier      = "zapier"
	ProviderGeneric     = "generic-webhook"
)

const (
	EventKindPurchase = "purchase"
	EventKindRefund   = "refund"
)

// OrderEvent is the canonical purchase event parsed by provider adapters.
type OrderEvent struct {
	Provider        string
	ProviderEventID string
	ExternalTxnID   string
	Kind            string
	CustomerName    string
	RawPhone        string
	Amount          int64
	Currency        string
	LocationExtID   string
	OccurredAt      time.Time
	RawPayload      []byte

	OrgID         snowflake.ID
	IntegrationID snowflake.ID
}

// AdapterConfig carries the decrypted per-integration verification material
// an adapter needs. Plaintext secrets never leave the adapter's scope.
type AdapterConfig struct {
	OrgID         snowflake.ID
	IntegrationID snowflake.ID
	Provider      string

	SigningSecret   string
	APIKey          string
	WebhookToken    string
	NotificationURL string
}

// Adapter is implemented once per provider. Adding a provider means adding
// one implementation, not editing a central switch.
type Adapter interface {
	Verify(ctx context.Context, payload []byte, headers http.Header) error
	Parse(ctx context.Context, payload []byte, headers http.Header) (*OrderEvent, error)
}

type AdapterFactory interface {
	Provider() string
	NewAdapter(cfg AdapterConfig) (Adapter, error)
}

type Service interface {
	IngestWebhook(ctx context.Context, provider string, payload []byte, headers http.Header) error
	IngestByToken(ctx context.Context, token string, payload []byte, headers http.Header) error
}

var (
	ErrInvalidProvider       = errors.New("invalid_provider")
	ErrProviderNotFound      = errors.New("provider_not_found")
	ErrInvalidPayload        = errors.New("invalid_payload")
	ErrInvalidEvent          = errors.New("invalid_event")
	ErrInvalidSignature      = errors.New("invalid_signature")
	ErrInvalidConfig         = errors.New("invalid_config")
	ErrEventIgnored          = errors.New("event_ignored")
	ErrEventAlreadyProcessed = errors.New("event_already_processed")
)

// NormalizationError reports a payload whose envelope carried a usable
// event id but whose body could not be turned into an OrderEvent. The id
// still keys an idempotency ledger entry, so a redelivery of the same
// broken payload stays a duplicate instead of a fresh failure.
type NormalizationError struct {
	ProviderEventID string
	EventType       string
	Err             error
}

func (e *NormalizationError) Error() string {
	return fmt.Sprintf("normalization failed for event %s: %v", e.ProviderEventID, e.Err)
}

func (e *NormalizationError) Unwrap() error { return e.Err }
