package clover

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/reviewly/reviewly/internal/webhook/domain"
)

type Factory struct{}

func NewFactory() *Factory {
	return &Factory{}
}

func (f *Factory) Provider() string {
	return domain.ProviderClover
}

func (f *Factory) NewAdapter(cfg domain.AdapterConfig) (domain.Adapter, error) {
	apiKey := strings.TrimSpace(cfg.APIKey)
	if apiKey == "" {
		return nil, domain.ErrInvalidConfig
	}

	return &Adapter{
		cfg:           cfg,
		apiKey:        apiKey,
		signingSecret: strings.TrimSpace(cfg.SigningSecret),
	}, nil
}

type Adapter struct {
	cfg           domain.AdapterConfig
	apiKey        string
	signingSecret string
}

// Verify checks the Clover auth header against the integration's API key,
// plus the HMAC signature when a signing secret is configured.
func (a *Adapter) Verify(ctx context.Context, payload []byte, headers http.Header) error {
	auth := strings.TrimSpace(headers.Get("X-Clover-Auth"))
	if auth == "" {
		return domain.ErrInvalidSignature
	}
	if !hmac.Equal([]byte(auth), []byte(a.apiKey)) {
		return domain.ErrInvalidSignature
	}

	if a.signingSecret == "" {
		return nil
	}

	signature := strings.TrimSpace(headers.Get("X-Clover-Signature"))
	if signature == "" {
		return domain.ErrInvalidSignature
	}
	mac := hmac.New(sha256.New, []byte(a.signingSecret))
	_, _ = mac.Write(payload)
	expected := hex.EncodeToString(mac.Sum(nil))
	if !hmac.Equal([]byte(signature), []byte(expected)) {
		return domain.ErrInvalidSignature
	}
	return nil
}

type cloverEvent struct {
	AppID     string                    `json:"appId"`
	Merchants map[string][]cloverUpdate `json:"merchants"`
}

type cloverUpdate struct {
	ObjectID string       `json:"objectId"`
	Type     string       `json:"type"`
	TS       int64        `json:"ts"`
	Object   cloverObject `json:"object"`
}

type cloverObject struct {
	Amount   int64          `json:"amount"`
	Currency string         `json:"currency"`
	Employee cloverEmployee `json:"employee"`
	Customer cloverCustomer `json:"customer"`
	Device   cloverDevice   `json:"device"`
}

type cloverEmployee struct {
	Name string `json:"name"`
}

type cloverCustomer struct {
	FirstName   string `json:"firstName"`
	LastName    string `json:"lastName"`
	PhoneNumber string `json:"phoneNumber"`
}

type cloverDevice struct {
	LocationID string `json:"locationId"`
}

// Parse handles Clover's merchant-keyed update lists. Object ids are
// prefixed by type: "P:" payments, "R:" refunds.
func (a *Adapter) Parse(ctx context.Context, payload []byte, headers http.Header) (*domain.OrderEvent, error) {
	var event cloverEvent
	if err := json.Unmarshal(payload, &event); err != nil {
		return nil, domain.ErrInvalidPayload
	}

	// A delivery can batch several merchants. Walk them in sorted order so
	// the chosen update is stable; only the first parsable update becomes
	// an event, the rest of the batch is not fanned out.
	merchantIDs := make([]string, 0, len(event.Merchants))
	for merchantID := range event.Merchants {
		merchantIDs = append(merchantIDs, merchantID)
	}
	sort.Strings(merchantIDs)

	for _, merchantID := range merchantIDs {
		for _, update := range event.Merchants[merchantID] {
			objectID := strings.TrimSpace(update.ObjectID)
			prefix, id, ok := strings.Cut(objectID, ":")
			if !ok || strings.TrimSpace(id) == "" {
				continue
			}

			var kind string
			switch prefix {
			case "P":
				kind = domain.EventKindPurchase
			case "R":
				kind = domain.EventKindRefund
			default:
				continue
			}

			customer := update.Object.Customer
			name := strings.TrimSpace(customer.FirstName + " " + customer.LastName)

			return &domain.OrderEvent{
				Provider:        domain.ProviderClover,
				ProviderEventID: merchantID + ":" + objectID + ":" + update.Type,
				ExternalTxnID:   id,
				Kind:            kind,
				CustomerName:    name,
				RawPhone:        strings.TrimSpace(customer.PhoneNumber),
				Amount:          update.Object.Amount,
				Currency:        strings.ToUpper(strings.TrimSpace(update.Object.Currency)),
				LocationExtID:   strings.TrimSpace(update.Object.Device.LocationID),
				OccurredAt:      timestamp(update.TS),
				RawPayload:      payload,

				OrgID:         a.cfg.OrgID,
				IntegrationID: a.cfg.IntegrationID,
			}, nil
		}
	}

	return nil, domain.ErrEventIgnored
}

func timestamp(millis int64) time.Time {
	if millis == 0 {
		return time.Now().UTC()
	}
	return time.UnixMilli(millis).UTC()
}
