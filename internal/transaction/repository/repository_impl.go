package repository

import (
	"context"
	"fmt"
	"hash/fnv"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/reviewly/reviewly/internal/transaction/domain"
	pkgdb "github.com/reviewly/reviewly/pkg/db"
	"gorm.io/gorm"
)

type repo struct{}

func Provide() domain.Repository {
	return &repo{}
}

func (r *repo) InsertWebhookEvent(ctx context.Context, db *gorm.DB, event *domain.WebhookEvent) (bool, error) {
	res := db.WithContext(ctx).Exec(
		`INSERT INTO webhook_events (id, provider, provider_event_id, event_type, payload, processed_at)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT (provider, provider_event_id) DO NOTHING`,
		event.ID,
		event.Provider,
		event.ProviderEventID,
		event.EventType,
		event.Payload,
		event.ProcessedAt,
	)
	if res.Error != nil {
		// Duplicates that slip past the conflict clause still mean the
		// event was already recorded.
		if pkgdb.IsDuplicateKeyErr(res.Error) {
			return false, nil
		}
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

func (r *repo) InsertTransaction(ctx context.Context, db *gorm.DB, txn *domain.Transaction) error {
	return db.WithContext(ctx).Create(txn).Error
}

func (r *repo) FindByExternalID(ctx context.Context, db *gorm.DB, provider string, externalTxnID string) (*domain.Transaction, error) {
	var item domain.Transaction
	err := db.WithContext(ctx).
		Where("provider = ? AND external_txn_id = ?", provider, externalTxnID).
		Order("created_at DESC").
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

func (r *repo) LastContactAt(ctx context.Context, db *gorm.DB, orgID snowflake.ID, phone string) (*time.Time, error) {
	// Row locks cannot order two first-time purchases for the same
	// contact, there is no row to lock yet. Serialize on an advisory
	// lock keyed by (org, phone) that lives until the transaction ends.
	if db.Dialector.Name() == "postgres" {
		err := db.WithContext(ctx).Exec(`SELECT pg_advisory_xact_lock(?)`, ContactLockKey(orgID, phone)).Error
		if err != nil {
			return nil, err
		}
	}

	query := `SELECT id, created_at
		 FROM transactions
		 WHERE org_id = ? AND phone = ? AND status IN ('pending', 'sent')
		 ORDER BY created_at DESC
		 LIMIT 1`
	// sqlite has no row locks; its writers serialize on the database
	// handle instead.
	if db.Dialector.Name() != "sqlite" {
		query += " FOR UPDATE"
	}

	var row struct {
		ID        snowflake.ID
		CreatedAt time.Time
	}
	err := db.WithContext(ctx).Raw(query, orgID, phone).Scan(&row).Error
	if err != nil {
		return nil, err
	}
	if row.ID == 0 {
		return nil, nil
	}
	at := row.CreatedAt
	return &at, nil
}

// ContactLockKey derives the 64-bit advisory lock key for a contact.
func ContactLockKey(orgID snowflake.ID, phone string) int64 {
	h := fnv.New64a()
	fmt.Fprintf(h, "%d:%s", orgID, phone)
	return int64(h.Sum64())
}

func (r *repo) UpdateStatus(ctx context.Context, db *gorm.DB, id snowflake.ID, status string, reason string, messageID string, sentAt *time.Time) error {
	res := db.WithContext(ctx).Exec(
		`UPDATE transactions
		 SET status = ?, skip_reason = ?, message_id = ?, sent_at = ?
		 WHERE id = ?`,
		status,
		reason,
		messageID,
		sentAt,
		id,
	)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return domain.ErrNotFound
	}
	return nil
}
