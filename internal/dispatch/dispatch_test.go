package dispatch

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/glebarez/sqlite"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	obsmetrics "github.com/reviewly/reviewly/internal/observability/metrics"
	"github.com/reviewly/reviewly/internal/rules"
	txndomain "github.com/reviewly/reviewly/internal/transaction/domain"
	txnrepo "github.com/reviewly/reviewly/internal/transaction/repository"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type scriptedTransport struct {
	errs  []error
	calls int
}

func (s *scriptedTransport) Send(ctx context.Context, phone string, message string) (string, error) {
	idx := s.calls
	s.calls++
	if idx < len(s.errs) && s.errs[idx] != nil {
		return "", s.errs[idx]
	}
	return fmt.Sprintf("msg_%d", idx), nil
}

func newTestService(t *testing.T, transport Transport) (*Service, *gorm.DB, *snowflake.Node) {
	t.Helper()

	dsn := fmt.Sprintf("file:memdb_%d?mode=memory&cache=shared", time.Now().UnixNano())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := db.Exec(`CREATE TABLE transactions (
		id BIGINT PRIMARY KEY,
		org_id BIGINT NOT NULL,
		integration_id BIGINT NOT NULL,
		provider TEXT NOT NULL,
		external_txn_id TEXT NOT NULL,
		customer_name TEXT,
		phone TEXT,
		amount BIGINT NOT NULL,
		currency TEXT,
		location_name TEXT,
		status TEXT NOT NULL,
		skip_reason TEXT,
		message_id TEXT,
		test_mode BOOLEAN NOT NULL DEFAULT FALSE,
		created_at TIMESTAMP NOT NULL,
		sent_at TIMESTAMP
	)`).Error; err != nil {
		t.Fatalf("create schema: %v", err)
	}

	node, err := snowflake.NewNode(3)
	if err != nil {
		t.Fatalf("new node: %v", err)
	}

	svc := New(Params{
		DB:        db,
		Log:       zap.NewNop(),
		Repo:      txnrepo.Provide(),
		Transport: transport,
		Quota:     NewOpenQuota(zap.NewNop()),
	})
	svc.backoff = time.Millisecond
	return svc, db, node
}

func seedTransaction(t *testing.T, db *gorm.DB, node *snowflake.Node, status string) snowflake.ID {
	t.Helper()
	id := node.Generate()
	if err := db.Exec(
		`INSERT INTO transactions (id, org_id, integration_id, provider, external_txn_id, phone, amount, status, created_at)
		 VALUES (?, 1, 2, 'square', 'pay_1', '+15551234567', 2500, ?, ?)`,
		id, status, time.Now().UTC(),
	).Error; err != nil {
		t.Fatalf("seed transaction: %v", err)
	}
	return id
}

func TestSendRetriesTransientFailures(t *testing.T) {
	transport := &scriptedTransport{errs: []error{
		&TransportError{Transient: true, Err: errors.New("timeout")},
		&TransportError{Transient: true, Err: errors.New("timeout")},
	}}
	svc, _, _ := newTestService(t, transport)

	messageID, err := svc.send(context.Background(), Job{Phone: "+15551234567", Message: "hi"})
	if err != nil {
		t.Fatalf("expected retry to succeed, got %v", err)
	}
	if messageID != "msg_2" {
		t.Fatalf("expected third attempt id, got %s", messageID)
	}
	if transport.calls != 3 {
		t.Fatalf("expected 3 attempts, got %d", transport.calls)
	}
}

func TestSendStopsOnPermanentFailure(t *testing.T) {
	transport := &scriptedTransport{errs: []error{
		&TransportError{Transient: false, Err: errors.New("invalid destination")},
	}}
	svc, _, _ := newTestService(t, transport)

	if _, err := svc.send(context.Background(), Job{}); err == nil {
		t.Fatalf("expected permanent failure")
	}
	if transport.calls != 1 {
		t.Fatalf("permanent failures must not retry, got %d attempts", transport.calls)
	}
}

func TestSendGivesUpAfterMaxAttempts(t *testing.T) {
	transient := &TransportError{Transient: true, Err: errors.New("timeout")}
	transport := &scriptedTransport{errs: []error{transient, transient, transient}}
	svc, _, _ := newTestService(t, transport)

	if _, err := svc.send(context.Background(), Job{}); err == nil {
		t.Fatalf("expected exhausted retries to fail")
	}
	if transport.calls != 3 {
		t.Fatalf("expected exactly 3 attempts, got %d", transport.calls)
	}
}

func TestRecordOutcomeTransitions(t *testing.T) {
	svc, db, node := newTestService(t, &scriptedTransport{})
	id := seedTransaction(t, db, node, txndomain.StatusPending)

	if err := svc.RecordOutcome(context.Background(), id, txndomain.StatusSent, "", "msg_1"); err != nil {
		t.Fatalf("pending to sent: %v", err)
	}

	var row struct {
		Status    string
		MessageID string
		SentAt    *time.Time
	}
	if err := db.Raw("SELECT status, message_id, sent_at FROM transactions WHERE id = ?", id).Scan(&row).Error; err != nil {
		t.Fatalf("scan: %v", err)
	}
	if row.Status != txndomain.StatusSent {
		t.Fatalf("expected sent, got %s", row.Status)
	}
	if row.MessageID != "msg_1" {
		t.Fatalf("expected message id recorded, got %s", row.MessageID)
	}
	if row.SentAt == nil {
		t.Fatalf("expected sent_at set")
	}

	// sent is terminal for delivery outcomes
	err := svc.RecordOutcome(context.Background(), id, txndomain.StatusFailed, "late failure", "")
	if !errors.Is(err, txndomain.ErrInvalidTransition) {
		t.Fatalf("expected invalid transition, got %v", err)
	}
}

func TestProcessRecordsTestModeSend(t *testing.T) {
	transport := &scriptedTransport{}
	svc, db, node := newTestService(t, transport)
	id := seedTransaction(t, db, node, txndomain.StatusSkippedTestMode)
	if err := db.Exec("UPDATE transactions SET skip_reason = 'test_mode', test_mode = TRUE WHERE id = ?", id).Error; err != nil {
		t.Fatalf("mark test mode: %v", err)
	}

	svc.process(context.Background(), Job{TxnID: id, Provider: "square", ExternalTxnID: "pay_1", Phone: "+15559990000", Message: "hi"})

	if transport.calls != 1 {
		t.Fatalf("expected one send, got %d", transport.calls)
	}

	var row struct {
		Status     string
		SkipReason string
		MessageID  string
		SentAt     *time.Time
	}
	if err := db.Raw("SELECT status, skip_reason, message_id, sent_at FROM transactions WHERE id = ?", id).Scan(&row).Error; err != nil {
		t.Fatalf("scan: %v", err)
	}
	if row.Status != txndomain.StatusSent {
		t.Fatalf("expected sent, got %s", row.Status)
	}
	if row.SkipReason != "test_mode" {
		t.Fatalf("expected test mode marker kept, got %q", row.SkipReason)
	}
	if row.MessageID != "msg_0" {
		t.Fatalf("expected message id recorded, got %s", row.MessageID)
	}
	if row.SentAt == nil {
		t.Fatal("expected sent_at set")
	}
}

func TestProcessDropsCancelledJob(t *testing.T) {
	transport := &scriptedTransport{}
	svc, db, node := newTestService(t, transport)
	id := seedTransaction(t, db, node, txndomain.StatusPending)

	svc.Cancel("square", "pay_1")
	svc.process(context.Background(), Job{TxnID: id, Provider: "square", ExternalTxnID: "pay_1"})

	if transport.calls != 0 {
		t.Fatalf("cancelled job must not send, got %d attempts", transport.calls)
	}
}

func TestProcessCountsOutcomes(t *testing.T) {
	transport := &scriptedTransport{errs: []error{
		nil,
		&TransportError{Transient: false, Err: errors.New("invalid destination")},
	}}
	svc, db, node := newTestService(t, transport)
	svc.metrics = obsmetrics.New(prometheus.NewRegistry())

	sentID := seedTransaction(t, db, node, txndomain.StatusPending)
	svc.process(context.Background(), Job{TxnID: sentID, Provider: "square", ExternalTxnID: "pay_1", Phone: "+15551234567", Message: "hi"})

	failedID := node.Generate()
	if err := db.Exec(
		`INSERT INTO transactions (id, org_id, integration_id, provider, external_txn_id, phone, amount, status, created_at)
		 VALUES (?, 1, 2, 'square', 'pay_2', '+15551234567', 2500, ?, ?)`,
		failedID, txndomain.StatusPending, time.Now().UTC(),
	).Error; err != nil {
		t.Fatalf("seed transaction: %v", err)
	}
	svc.process(context.Background(), Job{TxnID: failedID, Provider: "square", ExternalTxnID: "pay_2", Phone: "+15551234567", Message: "hi"})

	if got := testutil.ToFloat64(svc.metrics.DispatchCounter("sent")); got != 1 {
		t.Fatalf("expected 1 sent recorded, got %v", got)
	}
	if got := testutil.ToFloat64(svc.metrics.DispatchCounter("failed")); got != 1 {
		t.Fatalf("expected 1 failure recorded, got %v", got)
	}
}

func TestApplyRefundPendingTransaction(t *testing.T) {
	svc, db, node := newTestService(t, &scriptedTransport{})
	seedTransaction(t, db, node, txndomain.StatusPending)

	txn, err := svc.ApplyRefund(context.Background(), "square", "pay_1")
	if err != nil {
		t.Fatalf("apply refund: %v", err)
	}
	if txn.Status != txndomain.StatusSkippedRefunded {
		t.Fatalf("expected skipped_refunded, got %s", txn.Status)
	}
	if !svc.isCancelled(Job{Provider: "square", ExternalTxnID: "pay_1"}) {
		t.Fatalf("expected pending dispatch cancelled")
	}
}

func TestApplyRefundSentTransaction(t *testing.T) {
	svc, db, node := newTestService(t, &scriptedTransport{})
	seedTransaction(t, db, node, txndomain.StatusSent)

	txn, err := svc.ApplyRefund(context.Background(), "square", "pay_1")
	if err != nil {
		t.Fatalf("apply refund: %v", err)
	}
	if txn.Status != txndomain.StatusSkippedRefunded {
		t.Fatalf("expected audit marker, got %s", txn.Status)
	}
	if svc.isCancelled(Job{Provider: "square", ExternalTxnID: "pay_1"}) {
		t.Fatalf("sent transactions have nothing to cancel")
	}
}

func TestApplyRefundSkippedTransactionIsNoOp(t *testing.T) {
	svc, db, node := newTestService(t, &scriptedTransport{})
	seedTransaction(t, db, node, txndomain.StatusSkippedNoPhone)

	txn, err := svc.ApplyRefund(context.Background(), "square", "pay_1")
	if err != nil {
		t.Fatalf("apply refund: %v", err)
	}
	if txn.Status != txndomain.StatusSkippedNoPhone {
		t.Fatalf("expected status untouched, got %s", txn.Status)
	}
}

func TestApplyRefundUnknownTransaction(t *testing.T) {
	svc, _, _ := newTestService(t, &scriptedTransport{})

	_, err := svc.ApplyRefund(context.Background(), "square", "pay_missing")
	if !errors.Is(err, txndomain.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestRenderMessage(t *testing.T) {
	cfg := &rules.MessageConfig{
		ReviewURL: "https://g.page/r/abc",
		Template:  "Hi {name}, thanks for visiting {location}! We'd love your feedback: {review_url}",
	}

	message := RenderMessage(cfg, "Dana", "Main St")
	want := "Hi Dana, thanks for visiting Main St! We'd love your feedback: https://g.page/r/abc"
	if message != want {
		t.Fatalf("unexpected message: %s", message)
	}

	fallback := RenderMessage(cfg, "", "")
	want = "Hi there, thanks for visiting our store! We'd love your feedback: https://g.page/r/abc"
	if fallback != want {
		t.Fatalf("unexpected fallback message: %s", fallback)
	}
}
