package dispatch

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/bwmarrin/snowflake"
	obsmetrics "github.com/reviewly/reviewly/internal/observability/metrics"
	"github.com/reviewly/reviewly/internal/rules"
	txndomain "github.com/reviewly/reviewly/internal/transaction/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// Transport sends one SMS. Implementations live outside this service; the
// pipeline only needs the message id back, or a classified failure.
type Transport interface {
	Send(ctx context.Context, phone string, message string) (string, error)
}

// TransportError marks whether a send failure is worth retrying. Carrier
// rejections and invalid destinations are not.
type TransportError struct {
	Transient bool
	Err       error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("transport_error (transient=%v): %v", e.Transient, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// Job is one scheduled send, keyed by the external transaction id so a
// refund arriving before the send fires can cancel it.
type Job struct {
	TxnID         snowflake.ID
	OrgID         snowflake.ID
	Provider      string
	ExternalTxnID string
	Phone         string
	Message       string
	Billable      bool
}

type Params struct {
	fx.In

	LC        fx.Lifecycle
	DB        *gorm.DB
	Log       *zap.Logger
	Repo      txndomain.Repository
	Transport Transport
	Quota     rules.QuotaService
	Metrics   *obsmetrics.Metrics `optional:"true"`
}

type Service struct {
	db        *gorm.DB
	log       *zap.Logger
	repo      txndomain.Repository
	transport Transport
	quota     rules.QuotaService
	metrics   *obsmetrics.Metrics

	queue chan Job

	mu        sync.Mutex
	cancelled map[string]bool

	maxAttempts int
	backoff     time.Duration
	sendTimeout time.Duration

	done chan struct{}
}

func New(p Params) *Service {
	s := &Service{
		db:          p.DB,
		log:         p.Log.Named("dispatch.service"),
		repo:        p.Repo,
		transport:   p.Transport,
		quota:       p.Quota,
		metrics:     p.Metrics,
		queue:       make(chan Job, 256),
		cancelled:   map[string]bool{},
		maxAttempts: 3,
		backoff:     time.Second,
		sendTimeout: 10 * time.Second,
		done:        make(chan struct{}),
	}

	if p.LC != nil {
		ctx, cancel := context.WithCancel(context.Background())
		p.LC.Append(fx.Hook{
			OnStart: func(context.Context) error {
				go s.run(ctx)
				return nil
			},
			OnStop: func(stopCtx context.Context) error {
				cancel()
				select {
				case <-s.done:
				case <-stopCtx.Done():
				}
				return nil
			},
		})
	}

	return s
}

// Enqueue schedules a send without blocking the inbound webhook response.
func (s *Service) Enqueue(job Job) error {
	select {
	case s.queue <- job:
		return nil
	default:
		return errors.New("dispatch_queue_full")
	}
}

// Cancel withdraws a not-yet-sent job for the given lookup key. The worker
// drops the job when it dequeues it.
func (s *Service) Cancel(provider string, externalTxnID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cancelled[jobKey(provider, externalTxnID)] = true
}

func (s *Service) isCancelled(job Job) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := jobKey(job.Provider, job.ExternalTxnID)
	if s.cancelled[key] {
		delete(s.cancelled, key)
		return true
	}
	return false
}

func jobKey(provider, externalTxnID string) string {
	return provider + ":" + externalTxnID
}

func (s *Service) run(ctx context.Context) {
	defer close(s.done)
	for {
		select {
		case <-ctx.Done():
			return
		case job := <-s.queue:
			s.process(ctx, job)
		}
	}
}

func (s *Service) process(ctx context.Context, job Job) {
	if s.isCancelled(job) {
		s.log.Info("dispatch withdrawn before send",
			zap.String("provider", job.Provider),
			zap.String("external_txn_id", job.ExternalTxnID),
		)
		s.metrics.RecordDispatch("cancelled")
		return
	}

	messageID, err := s.send(ctx, job)
	if err != nil {
		s.log.Warn("dispatch failed",
			zap.String("external_txn_id", job.ExternalTxnID),
			zap.Error(err),
		)
		s.metrics.RecordDispatch("failed")
		if recordErr := s.RecordOutcome(ctx, job.TxnID, txndomain.StatusFailed, err.Error(), ""); recordErr != nil {
			s.log.Error("failed to record dispatch failure", zap.Error(recordErr))
		}
		return
	}

	s.metrics.RecordDispatch("sent")
	if err := s.RecordOutcome(ctx, job.TxnID, txndomain.StatusSent, "", messageID); err != nil {
		s.log.Error("failed to record sent outcome", zap.Error(err))
		return
	}

	if job.Billable {
		if err := s.quota.RecordUsage(ctx, job.OrgID); err != nil {
			s.log.Warn("failed to record quota usage", zap.Error(err))
		}
	}
}

func (s *Service) send(ctx context.Context, job Job) (string, error) {
	var lastErr error
	for attempt := 1; attempt <= s.maxAttempts; attempt++ {
		sendCtx, cancel := context.WithTimeout(ctx, s.sendTimeout)
		messageID, err := s.transport.Send(sendCtx, job.Phone, job.Message)
		cancel()
		if err == nil {
			return messageID, nil
		}
		lastErr = err

		var transportErr *TransportError
		if !errors.As(err, &transportErr) || !transportErr.Transient {
			return "", err
		}

		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-time.After(s.backoff << (attempt - 1)):
		}
	}
	return "", lastErr
}

// RecordOutcome moves a transaction through its single allowed status
// transition.
func (s *Service) RecordOutcome(ctx context.Context, txnID snowflake.ID, status string, reason string, messageID string) error {
	var current txndomain.Transaction
	if err := s.db.WithContext(ctx).
		Where("id = ?", txnID).
		Limit(1).
		Find(&current).Error; err != nil {
		return err
	}
	if current.ID == 0 {
		return txndomain.ErrNotFound
	}
	if !txndomain.CanTransition(current.Status, status) {
		return txndomain.ErrInvalidTransition
	}

	// An empty reason keeps whatever marker the transaction already
	// carries, such as the test mode skip reason.
	if reason == "" {
		reason = current.SkipReason
	}

	var sentAt *time.Time
	if status == txndomain.StatusSent {
		now := time.Now().UTC()
		sentAt = &now
	}
	return s.repo.UpdateStatus(ctx, s.db, txnID, status, reason, messageID, sentAt)
}

// ApplyRefund reverses a prior purchase. A still-pending transaction has
// its dispatch cancelled outright; a sent one only gains the audit marker,
// since a delivered message cannot be unsent.
func (s *Service) ApplyRefund(ctx context.Context, provider string, externalTxnID string) (*txndomain.Transaction, error) {
	externalTxnID = strings.TrimSpace(externalTxnID)
	if externalTxnID == "" {
		return nil, txndomain.ErrNotFound
	}

	txn, err := s.repo.FindByExternalID(ctx, s.db, provider, externalTxnID)
	if err != nil {
		return nil, err
	}
	if txn == nil {
		return nil, txndomain.ErrNotFound
	}

	switch txn.Status {
	case txndomain.StatusPending:
		s.Cancel(provider, externalTxnID)
	case txndomain.StatusSent:
	default:
		// Already skipped or failed; nothing to reverse.
		return txn, nil
	}

	if err := s.repo.UpdateStatus(ctx, s.db, txn.ID, txndomain.StatusSkippedRefunded, "refunded", txn.MessageID, txn.SentAt); err != nil {
		return nil, err
	}
	txn.Status = txndomain.StatusSkippedRefunded
	txn.SkipReason = "refunded"
	return txn, nil
}
