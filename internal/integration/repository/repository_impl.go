package repository

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/reviewly/reviewly/internal/integration/domain"
	"gorm.io/gorm"
)

type repo struct{}

func Provide() domain.Repository {
	return &repo{}
}

func (r *repo) Find(ctx context.Context, db *gorm.DB, id snowflake.ID) (*domain.Integration, error) {
	var item domain.Integration
	err := db.WithContext(ctx).
		Where("id = ?", id).
		Limit(1).
		Find(&item).Error
	if err != nil {
		return nil, err
	}
	if item.ID == 0 {
		return nil, nil
	}
	return &item, nil
}

func (r *repo) FindByOrgProvider(ctx context.Context, db *gorm.DB, orgID snowflake.ID, provider string) (*domain.Integration, error) {
	var item domain.Integration
	err := db.WithContext(ctx).
		Where("org_id = ? AND provider = ?", orgID, provider).
		Limit(1).
		Find(&item).Error
	if err != nil {
		return nil, err
	}
	if item.ID == 0 {
		return nil, nil
	}
	return &item, nil
}

func (r *repo) FindActiveByProvider(ctx context.Context, db *gorm.DB, provider string) ([]domain.Integration, error) {
	var items []domain.Integration
	err := db.WithContext(ctx).
		Where("provider = ? AND is_active = ?", provider, true).
		Find(&items).Error
	if err != nil {
		return nil, err
	}
	return items, nil
}

func (r *repo) FindByWebhookToken(ctx context.Context, db *gorm.DB, token string) (*domain.Integration, error) {
	var item domain.Integration
	err := db.WithContext(ctx).
		Where("webhook_token = ?", token).
		Limit(1).
		Find(&item).Error
	if err != nil {
		return nil, err
	}
	if item.ID == 0 {
		return nil, nil
	}
	return &item, nil
}

func (r *repo) Upsert(ctx context.Context, db *gorm.DB, integration *domain.Integration) error {
	return db.WithContext(ctx).Save(integration).Error
}

func (r *repo) UpdateActive(ctx context.Context, db *gorm.DB, id snowflake.ID, isActive bool, at time.Time) error {
	return db.WithContext(ctx).Exec(
		`UPDATE integrations
		 SET is_active = ?, updated_at = ?
		 WHERE id = ?`,
		isActive,
		at,
		id,
	).Error
}

func (r *repo) FindLocation(ctx context.Context, db *gorm.DB, integrationID snowflake.ID, externalID string) (*domain.Location, error) {
	var item domain.Location
	err := db.WithContext(ctx).
		Where("integration_id = ? AND external_id = ?", integrationID, externalID).
		Limit(1).
		Find(&item).Error
	if err != nil {
		return nil, err
	}
	if item.ID == 0 {
		return nil, nil
	}
	return &item, nil
}

func (r *repo) UpsertLocation(ctx context.Context, db *gorm.DB, location *domain.Location) error {
	return db.WithContext(ctx).Exec(
		`INSERT INTO locations (id, integration_id, external_id, name, enabled, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT (integration_id, external_id)
		 DO UPDATE SET name = excluded.name, enabled = excluded.enabled`,
		location.ID,
		location.IntegrationID,
		location.ExternalID,
		location.Name,
		location.Enabled,
		location.CreatedAt,
	).Error
}
