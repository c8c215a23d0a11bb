package service

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/reviewly/reviewly/internal/integration/domain"
	"github.com/reviewly/reviewly/internal/vault"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type Params struct {
	fx.In

	DB    *gorm.DB
	Log   *zap.Logger
	GenID *snowflake.Node
	Repo  domain.Repository
	Vault *vault.Vault
}

type Service struct {
	db    *gorm.DB
	log   *zap.Logger
	genID *snowflake.Node
	repo  domain.Repository
	vault *vault.Vault
}

func New(p Params) domain.Service {
	return &Service{
		db:    p.DB,
		log:   p.Log.Named("integration.service"),
		genID: p.GenID,
		repo:  p.Repo,
		vault: p.Vault,
	}
}

func (s *Service) Upsert(ctx context.Context, req domain.UpsertRequest) (*domain.Integration, error) {
	if req.OrgID == 0 {
		return nil, domain.ErrInvalidOrganization
	}
	provider := strings.ToLower(strings.TrimSpace(req.Provider))
	if !domain.ValidProvider(provider) {
		return nil, domain.ErrInvalidProvider
	}
	if strings.TrimSpace(req.AccessToken) == "" &&
		strings.TrimSpace(req.SigningSecret) == "" &&
		strings.TrimSpace(req.APIKey) == "" {
		return nil, domain.ErrMissingCredentials
	}

	existing, err := s.repo.FindByOrgProvider(ctx, s.db, req.OrgID, provider)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	integration := domain.Integration{
		ID:               s.genID.Generate(),
		OrgID:            req.OrgID,
		Provider:         provider,
		MerchantID:       strings.TrimSpace(req.MerchantID),
		ShopDomain:       strings.TrimSpace(req.ShopDomain),
		StoreURL:         strings.TrimSpace(req.StoreURL),
		IsActive:         true,
		TestMode:         req.TestMode,
		TestPhone:        strings.TrimSpace(req.TestPhone),
		ConsentConfirmed: req.ConsentConfirmed,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	if existing != nil {
		integration.ID = existing.ID
		integration.IsActive = existing.IsActive
		integration.WebhookToken = existing.WebhookToken
		integration.CreatedAt = existing.CreatedAt
		// A reconnect that omits a credential keeps the stored one.
		// sealCredentials only overwrites fields the request supplies.
		integration.AccessTokenEnc = existing.AccessTokenEnc
		integration.RefreshTokenEnc = existing.RefreshTokenEnc
		integration.SigningSecretEnc = existing.SigningSecretEnc
		integration.APIKeyEnc = existing.APIKeyEnc
	}

	if err := s.sealCredentials(&integration, req); err != nil {
		return nil, err
	}

	// Zapier and generic integrations are addressed by an opaque inbound
	// URL token instead of a provider-registered callback.
	if integration.WebhookToken == "" && (provider == "zapier" || provider == "generic-webhook") {
		token, err := vault.GenerateKey()
		if err != nil {
			return nil, err
		}
		integration.WebhookToken = token
	}

	if err := s.repo.Upsert(ctx, s.db, &integration); err != nil {
		return nil, err
	}
	return &integration, nil
}

func (s *Service) sealCredentials(integration *domain.Integration, req domain.UpsertRequest) error {
	seal := func(plaintext string, target *string) error {
		plaintext = strings.TrimSpace(plaintext)
		if plaintext == "" {
			return nil
		}
		token, err := s.vault.Encrypt(plaintext)
		if err != nil {
			return err
		}
		*target = token
		return nil
	}

	if err := seal(req.AccessToken, &integration.AccessTokenEnc); err != nil {
		return err
	}
	if err := seal(req.RefreshToken, &integration.RefreshTokenEnc); err != nil {
		return err
	}
	if err := seal(req.SigningSecret, &integration.SigningSecretEnc); err != nil {
		return err
	}
	return seal(req.APIKey, &integration.APIKeyEnc)
}

func (s *Service) SetActive(ctx context.Context, id snowflake.ID, isActive bool) error {
	existing, err := s.repo.Find(ctx, s.db, id)
	if err != nil {
		return err
	}
	if existing == nil {
		return domain.ErrNotFound
	}
	return s.repo.UpdateActive(ctx, s.db, id, isActive, time.Now().UTC())
}

// Deactivate marks an integration inactive rather than deleting it. Used on
// tenant disconnect and on structurally broken credentials, where retrying
// cannot succeed.
func (s *Service) Deactivate(ctx context.Context, id snowflake.ID, reason string) error {
	s.log.Warn("deactivating integration",
		zap.String("integration_id", id.String()),
		zap.String("reason", reason),
	)
	return s.repo.UpdateActive(ctx, s.db, id, false, time.Now().UTC())
}

// Credentials decrypts the integration's stored secrets. A malformed stored
// token deactivates the integration and surfaces ErrCredential.
func (s *Service) Credentials(ctx context.Context, integration *domain.Integration) (*domain.Credentials, error) {
	if integration == nil {
		return nil, domain.ErrNotFound
	}

	open := func(token string, target *string) error {
		if token == "" {
			return nil
		}
		plaintext, err := s.vault.Decrypt(token)
		if err != nil {
			return err
		}
		*target = plaintext
		return nil
	}

	creds := domain.Credentials{}
	err := errors.Join(
		open(integration.AccessTokenEnc, &creds.AccessToken),
		open(integration.RefreshTokenEnc, &creds.RefreshToken),
		open(integration.SigningSecretEnc, &creds.SigningSecret),
		open(integration.APIKeyEnc, &creds.APIKey),
	)
	if err != nil {
		if errors.Is(err, vault.ErrMalformedToken) {
			if deactivateErr := s.Deactivate(ctx, integration.ID, "credential_decrypt_failed"); deactivateErr != nil {
				s.log.Error("failed to deactivate integration after credential error",
					zap.String("integration_id", integration.ID.String()),
					zap.Error(deactivateErr),
				)
			}
		}
		return nil, domain.ErrCredential
	}
	return &creds, nil
}

func (s *Service) ActiveByProvider(ctx context.Context, provider string) ([]domain.Integration, error) {
	provider = strings.ToLower(strings.TrimSpace(provider))
	if !domain.ValidProvider(provider) {
		return nil, domain.ErrInvalidProvider
	}
	return s.repo.FindActiveByProvider(ctx, s.db, provider)
}

func (s *Service) ByWebhookToken(ctx context.Context, token string) (*domain.Integration, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return nil, domain.ErrNotFound
	}
	integration, err := s.repo.FindByWebhookToken(ctx, s.db, token)
	if err != nil {
		return nil, err
	}
	if integration == nil {
		return nil, domain.ErrNotFound
	}
	return integration, nil
}

func (s *Service) ResolveLocation(ctx context.Context, integrationID snowflake.ID, externalID string) (*domain.Location, error) {
	externalID = strings.TrimSpace(externalID)
	if externalID == "" {
		return nil, nil
	}
	return s.repo.FindLocation(ctx, s.db, integrationID, externalID)
}

func (s *Service) SetLocationEnabled(ctx context.Context, integrationID snowflake.ID, externalID string, name string, enabled bool) (*domain.Location, error) {
	externalID = strings.TrimSpace(externalID)
	if externalID == "" {
		return nil, domain.ErrNotFound
	}

	existing, err := s.repo.FindLocation(ctx, s.db, integrationID, externalID)
	if err != nil {
		return nil, err
	}

	location := domain.Location{
		ID:            s.genID.Generate(),
		IntegrationID: integrationID,
		ExternalID:    externalID,
		Name:          strings.TrimSpace(name),
		Enabled:       enabled,
		CreatedAt:     time.Now().UTC(),
	}
	if existing != nil {
		location.ID = existing.ID
		location.CreatedAt = existing.CreatedAt
		if location.Name == "" {
			location.Name = existing.Name
		}
	}

	if err := s.repo.UpsertLocation(ctx, s.db, &location); err != nil {
		return nil, err
	}
	return &location, nil
}
