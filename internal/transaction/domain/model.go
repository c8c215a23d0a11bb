package domain

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// WebhookEvent is the idempotency ledger record. Its presence alone is
// sufficient to short-circuit reprocessing, so it is written before any
// side effect with business impact.
type WebhookEvent struct {
	ID              snowflake.ID   `json:"id" gorm:"primaryKey"`
	Provider        string         `json:"provider" gorm:"type:text;not null"`
	ProviderEventID string         `json:"provider_event_id" gorm:"type:text;not null"`
	EventType       string         `json:"event_type" gorm:"type:text;not null"`
	Payload         datatypes.JSON `json:"payload" gorm:"type:jsonb"`
	ProcessedAt     time.Time      `json:"processed_at" gorm:"not null"`
}

func (WebhookEvent) TableName() string { return "webhook_events" }

const (
	StatusPending                 = "pending"
	StatusSent                    = "sent"
	StatusFailed                  = "failed"
	StatusSkippedNoPhone          = "skipped_no_phone"
	StatusSkippedRecent           = "skipped_recent"
	StatusSkippedNoReviewLink     = "skipped_no_review_link"
	StatusSkippedLimitReached     = "skipped_limit_reached"
	StatusSkippedTestMode         = "skipped_test_mode"
	StatusSkippedNoConsent        = "skipped_no_consent"
	StatusSkippedLocationDisabled = "skipped_location_disabled"
	StatusSkippedRefunded         = "skipped_refunded"
)

// Transaction is one inbound purchase event. Status is set exactly once at
// creation and may transition at most once afterward.
type Transaction struct {
	ID            snowflake.ID `json:"id" gorm:"primaryKey"`
	OrgID         snowflake.ID `json:"org_id" gorm:"not null;index"`
	IntegrationID snowflake.ID `json:"integration_id" gorm:"not null;index"`

	Provider      string `json:"provider" gorm:"type:text;not null"`
	ExternalTxnID string `json:"external_txn_id" gorm:"type:text;not null"`

	CustomerName string  `json:"customer_name" gorm:"type:text"`
	Phone        *string `json:"phone" gorm:"type:text;index"`
	Amount       int64   `json:"amount" gorm:"not null"`
	Currency     string  `json:"currency" gorm:"type:text"`
	LocationName string  `json:"location_name" gorm:"type:text"`

	Status     string `json:"status" gorm:"type:text;not null"`
	SkipReason string `json:"skip_reason" gorm:"type:text"`
	MessageID  string `json:"message_id" gorm:"type:text"`
	TestMode   bool   `json:"test_mode" gorm:"not null;default:false"`

	CreatedAt time.Time  `json:"created_at" gorm:"not null"`
	SentAt    *time.Time `json:"sent_at"`
}

func (Transaction) TableName() string { return "transactions" }

type Repository interface {
	// InsertWebhookEvent returns false when the (provider, event id) pair
	// was already recorded. The insert relies on the table's uniqueness
	// constraint, leaving no read-then-write race window.
	InsertWebhookEvent(ctx context.Context, db *gorm.DB, event *WebhookEvent) (bool, error)

	InsertTransaction(ctx context.Context, db *gorm.DB, txn *Transaction) error
	FindByExternalID(ctx context.Context, db *gorm.DB, provider string, externalTxnID string) (*Transaction, error)

	// LastContactAt reads the most recent prior request for (org, phone),
	// locking matching rows so two near-simultaneous purchases cannot both
	// pass the recent-contact check. Call inside the same transaction that
	// inserts the new row.
	LastContactAt(ctx context.Context, db *gorm.DB, orgID snowflake.ID, phone string) (*time.Time, error)

	UpdateStatus(ctx context.Context, db *gorm.DB, id snowflake.ID, status string, reason string, messageID string, sentAt *time.Time) error
}

var (
	ErrNotFound          = errors.New("not_found")
	ErrInvalidTransition = errors.New("invalid_status_transition")
)

// CanTransition enforces the single post-creation transition: pending may
// settle or be refunded away; sent may only gain the refund audit marker.
// A test-mode transaction still goes out to the test number, so it settles
// like a pending one while test_mode keeps it out of billing.
func CanTransition(from, to string) bool {
	switch from {
	case StatusPending:
		return to == StatusSent || to == StatusFailed || to == StatusSkippedRefunded
	case StatusSkippedTestMode:
		return to == StatusSent || to == StatusFailed
	case StatusSent:
		return to == StatusSkippedRefunded
	default:
		return false
	}
}
