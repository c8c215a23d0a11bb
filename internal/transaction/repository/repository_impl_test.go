package repository

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/glebarez/sqlite"
	"github.com/reviewly/reviewly/internal/transaction/domain"
	"gorm.io/gorm"
)

func setupRepo(t *testing.T) (domain.Repository, *gorm.DB, *snowflake.Node) {
	t.Helper()

	dsn := fmt.Sprintf("file:memdb_%d?mode=memory&cache=shared", time.Now().UnixNano())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	schema := `CREATE TABLE transactions (
		id BIGINT PRIMARY KEY,
		org_id BIGINT NOT NULL,
		integration_id BIGINT NOT NULL,
		provider TEXT NOT NULL,
		external_txn_id TEXT NOT NULL,
		location_id TEXT NOT NULL DEFAULT '',
		location_name TEXT NOT NULL DEFAULT '',
		phone TEXT,
		amount BIGINT NOT NULL DEFAULT 0,
		currency TEXT NOT NULL DEFAULT '',
		status TEXT NOT NULL,
		skip_reason TEXT NOT NULL DEFAULT '',
		message_id TEXT NOT NULL DEFAULT '',
		test_mode BOOLEAN NOT NULL DEFAULT FALSE,
		created_at TIMESTAMP NOT NULL,
		sent_at TIMESTAMP
	)`
	if err := db.Exec(schema).Error; err != nil {
		t.Fatalf("create schema: %v", err)
	}
	node, err := snowflake.NewNode(1)
	if err != nil {
		t.Fatalf("snowflake: %v", err)
	}
	return Provide(), db, node
}

func insertContact(t *testing.T, db *gorm.DB, node *snowflake.Node, orgID snowflake.ID, phone, status string, at time.Time) {
	t.Helper()
	err := db.Exec(
		`INSERT INTO transactions (id, org_id, integration_id, provider, external_txn_id, phone, status, created_at)
		 VALUES (?, ?, ?, 'square', ?, ?, ?, ?)`,
		node.Generate(), orgID, node.Generate(), node.Generate().String(), phone, status, at,
	).Error
	if err != nil {
		t.Fatalf("insert transaction: %v", err)
	}
}

func TestLastContactAtIgnoresSkippedStatuses(t *testing.T) {
	repo, db, node := setupRepo(t)
	ctx := context.Background()
	orgID := node.Generate()
	phone := "+15551230000"

	older := time.Date(2026, 1, 10, 12, 0, 0, 0, time.UTC)
	newer := time.Date(2026, 2, 1, 12, 0, 0, 0, time.UTC)
	insertContact(t, db, node, orgID, phone, "sent", older)
	insertContact(t, db, node, orgID, phone, "skipped_no_consent", newer)

	at, err := repo.LastContactAt(ctx, db, orgID, phone)
	if err != nil {
		t.Fatalf("LastContactAt: %v", err)
	}
	if at == nil {
		t.Fatal("expected a prior contact")
	}
	if !at.Equal(older) {
		t.Fatalf("expected %v, got %v", older, at)
	}
}

func TestLastContactAtNoPriorContact(t *testing.T) {
	repo, db, node := setupRepo(t)

	at, err := repo.LastContactAt(context.Background(), db, node.Generate(), "+15551230000")
	if err != nil {
		t.Fatalf("LastContactAt: %v", err)
	}
	if at != nil {
		t.Fatalf("expected nil, got %v", at)
	}
}

func TestContactLockKey(t *testing.T) {
	node, err := snowflake.NewNode(1)
	if err != nil {
		t.Fatalf("snowflake: %v", err)
	}
	orgA := node.Generate()
	orgB := node.Generate()

	if ContactLockKey(orgA, "+15551230000") != ContactLockKey(orgA, "+15551230000") {
		t.Fatal("key is not deterministic")
	}
	if ContactLockKey(orgA, "+15551230000") == ContactLockKey(orgB, "+15551230000") {
		t.Fatal("key ignores organization")
	}
	if ContactLockKey(orgA, "+15551230000") == ContactLockKey(orgA, "+15551230001") {
		t.Fatal("key ignores phone")
	}
}
