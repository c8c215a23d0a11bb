package domain

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/gorm"
)

// Integration is one (org, provider) connection. Token and secret columns
// hold vault ciphertext, never plaintext.
type Integration struct {
	ID       snowflake.ID `json:"id" gorm:"primaryKey"`
	OrgID    snowflake.ID `json:"org_id" gorm:"not null;index"`
	Provider string       `json:"provider" gorm:"type:text;not null"`

	AccessTokenEnc   string `json:"-" gorm:"column:access_token_enc;type:text"`
	RefreshTokenEnc  string `json:"-" gorm:"column:refresh_token_enc;type:text"`
	SigningSecretEnc string `json:"-" gorm:"column:signing_secret_enc;type:text"`
	APIKeyEnc        string `json:"-" gorm:"column:api_key_enc;type:text"`

	// WebhookToken is the opaque inbound URL token for zapier/generic
	// integrations. It is a capability URL segment, not a stored secret.
	WebhookToken string `json:"webhook_token" gorm:"type:text;index"`

	MerchantID string `json:"merchant_id" gorm:"type:text"`
	ShopDomain string `json:"shop_domain" gorm:"type:text"`
	StoreURL   string `json:"store_url" gorm:"type:text"`

	IsActive         bool   `json:"is_active" gorm:"not null;default:true"`
	TestMode         bool   `json:"test_mode" gorm:"not null;default:false"`
	TestPhone        string `json:"test_phone" gorm:"type:text"`
	ConsentConfirmed bool   `json:"consent_confirmed" gorm:"not null;default:false"`

	CreatedAt time.Time `json:"created_at" gorm:"not null"`
	UpdatedAt time.Time `json:"updated_at" gorm:"not null"`
}

func (Integration) TableName() string { return "integrations" }

// Location is a physical site under an integration. Review requests are
// opt-in per site, so locations default to disabled.
type Location struct {
	ID            snowflake.ID `json:"id" gorm:"primaryKey"`
	IntegrationID snowflake.ID `json:"integration_id" gorm:"not null;index"`
	ExternalID    string       `json:"external_id" gorm:"type:text;not null"`
	Name          string       `json:"name" gorm:"type:text"`
	Enabled       bool         `json:"enabled" gorm:"not null;default:false"`
	CreatedAt     time.Time    `json:"created_at" gorm:"not null"`
}

func (Location) TableName() string { return "locations" }

// Credentials is the decrypted view of an integration's secrets. It lives
// only as long as the caller's immediate scope.
type Credentials struct {
	AccessToken   string
	RefreshToken  string
	SigningSecret string
	APIKey        string
}

type UpsertRequest struct {
	OrgID    snowflake.ID `json:"org_id"`
	Provider string       `json:"provider"`

	AccessToken   string `json:"access_token"`
	RefreshToken  string `json:"refresh_token"`
	SigningSecret string `json:"signing_secret"`
	APIKey        string `json:"api_key"`

	MerchantID string `json:"merchant_id"`
	ShopDomain string `json:"shop_domain"`
	StoreURL   string `json:"store_url"`

	TestMode         bool   `json:"test_mode"`
	TestPhone        string `json:"test_phone"`
	ConsentConfirmed bool   `json:"consent_confirmed"`
}

type Service interface {
	Upsert(ctx context.Context, req UpsertRequest) (*Integration, error)
	SetActive(ctx context.Context, id snowflake.ID, isActive bool) error
	Deactivate(ctx context.Context, id snowflake.ID, reason string) error
	Credentials(ctx context.Context, integration *Integration) (*Credentials, error)
	ActiveByProvider(ctx context.Context, provider string) ([]Integration, error)
	ByWebhookToken(ctx context.Context, token string) (*Integration, error)
	ResolveLocation(ctx context.Context, integrationID snowflake.ID, externalID string) (*Location, error)
	SetLocationEnabled(ctx context.Context, integrationID snowflake.ID, externalID string, name string, enabled bool) (*Location, error)
}

type Repository interface {
	Find(ctx context.Context, db *gorm.DB, id snowflake.ID) (*Integration, error)
	FindByOrgProvider(ctx context.Context, db *gorm.DB, orgID snowflake.ID, provider string) (*Integration, error)
	FindActiveByProvider(ctx context.Context, db *gorm.DB, provider string) ([]Integration, error)
	FindByWebhookToken(ctx context.Context, db *gorm.DB, token string) (*Integration, error)
	Upsert(ctx context.Context, db *gorm.DB, integration *Integration) error
	UpdateActive(ctx context.Context, db *gorm.DB, id snowflake.ID, isActive bool, at time.Time) error
	FindLocation(ctx context.Context, db *gorm.DB, integrationID snowflake.ID, externalID string) (*Location, error)
	UpsertLocation(ctx context.Context, db *gorm.DB, location *Location) error
}

var (
	ErrInvalidOrganization = errors.New("invalid_organization")
	ErrInvalidProvider     = errors.New("invalid_provider")
	ErrNotFound            = errors.New("not_found")
	ErrCredential          = errors.New("credential_error")
	ErrMissingCredentials  = errors.New("missing_credentials")
)

var knownProviders = map[string]bool{
	"square":          true,
	"shopify":         true,
	"clover":          true,
	"stripe-pos":      true,
	"woocommerce":     true,
	"zapier":          true,
	"generic-webhook": true,
}

func ValidProvider(provider string) bool {
	return knownProviders[provider]
}
