package service

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/reviewly/reviewly/internal/config"
	"github.com/reviewly/reviewly/internal/dispatch"
	integrationdomain "github.com/reviewly/reviewly/internal/integration/domain"
	obsmetrics "github.com/reviewly/reviewly/internal/observability/metrics"
	"github.com/reviewly/reviewly/internal/phone"
	"github.com/reviewly/reviewly/internal/rules"
	txndomain "github.com/reviewly/reviewly/internal/transaction/domain"
	"github.com/reviewly/reviewly/internal/webhook/adapters"
	"github.com/reviewly/reviewly/internal/webhook/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

type Params struct {
	fx.In

	DB             *gorm.DB
	Log            *zap.Logger
	GenID          *snowflake.Node
	Adapters       *adapters.Registry
	IntegrationSvc integrationdomain.Service
	TxnRepo        txndomain.Repository
	Dispatcher     *dispatch.Service
	Quota          rules.QuotaService
	Messages       rules.MessageConfigService
	Cfg            config.Config
	Metrics        *obsmetrics.Metrics `optional:"true"`
}

type Service struct {
	db             *gorm.DB
	log            *zap.Logger
	genID          *snowflake.Node
	adapters       *adapters.Registry
	integrationSvc integrationdomain.Service
	txnRepo        txndomain.Repository
	dispatcher     *dispatch.Service
	quota          rules.QuotaService
	messages       rules.MessageConfigService
	pipeline       *rules.Pipeline
	baseURL        string
	metrics        *obsmetrics.Metrics
}

func New(p Params) domain.Service {
	return &Service{
		db:             p.DB,
		log:            p.Log.Named("webhook.service"),
		genID:          p.GenID,
		adapters:       p.Adapters,
		integrationSvc: p.IntegrationSvc,
		txnRepo:        p.TxnRepo,
		dispatcher:     p.Dispatcher,
		quota:          p.Quota,
		messages:       p.Messages,
		pipeline:       rules.New(),
		baseURL:        p.Cfg.PublicBaseURL,
		metrics:        p.Metrics,
	}
}

// IngestWebhook runs the full pipeline for a provider-family endpoint:
// signature verification, idempotency, normalization, rules, dispatch.
func (s *Service) IngestWebhook(ctx context.Context, provider string, payload []byte, headers http.Header) error {
	provider = strings.ToLower(strings.TrimSpace(provider))
	if provider == "" {
		return domain.ErrInvalidProvider
	}
	if s.adapters == nil || !s.adapters.ProviderExists(provider) {
		return domain.ErrProviderNotFound
	}

	integrations, err := s.integrationSvc.ActiveByProvider(ctx, provider)
	if err != nil {
		return err
	}
	if len(integrations) == 0 {
		return domain.ErrProviderNotFound
	}

	integration, adapter, err := s.matchIntegration(ctx, provider, payload, headers, integrations)
	if err != nil {
		return err
	}

	return s.process(ctx, integration, adapter, payload, headers)
}

// IngestByToken serves zapier/generic integrations addressed by their
// opaque inbound URL token.
func (s *Service) IngestByToken(ctx context.Context, token string, payload []byte, headers http.Header) error {
	integration, err := s.integrationSvc.ByWebhookToken(ctx, token)
	if err != nil {
		if errors.Is(err, integrationdomain.ErrNotFound) {
			return domain.ErrInvalidSignature
		}
		return err
	}
	if !integration.IsActive {
		return domain.ErrInvalidSignature
	}

	// The URL token is the primary credential; surface it to the adapter's
	// shared verification path.
	if headers.Get("X-Webhook-Token") == "" {
		headers = cloneHeaders(headers)
		headers.Set("X-Webhook-Token", token)
	}

	adapter, err := s.adapterFor(ctx, integration)
	if err != nil {
		return err
	}
	if err := adapter.Verify(ctx, payload, headers); err != nil {
		return err
	}

	return s.process(ctx, integration, adapter, payload, headers)
}

// matchIntegration finds the integration whose signing material verifies
// the payload. Credential failures on one integration do not block others
// for the same provider.
func (s *Service) matchIntegration(
	ctx context.Context,
	provider string,
	payload []byte,
	headers http.Header,
	integrations []integrationdomain.Integration,
) (*integrationdomain.Integration, domain.Adapter, error) {
	var lastErr error
	for i := range integrations {
		integration := &integrations[i]

		adapter, err := s.adapterFor(ctx, integration)
		if err != nil {
			lastErr = err
			continue
		}

		if err := adapter.Verify(ctx, payload, headers); err != nil {
			if errors.Is(err, domain.ErrInvalidSignature) {
				continue
			}
			return nil, nil, err
		}
		return integration, adapter, nil
	}

	if lastErr != nil {
		s.log.Warn("no integration verified webhook",
			zap.String("provider", provider),
			zap.Error(lastErr),
		)
	}
	return nil, nil, domain.ErrInvalidSignature
}

func (s *Service) adapterFor(ctx context.Context, integration *integrationdomain.Integration) (domain.Adapter, error) {
	creds, err := s.integrationSvc.Credentials(ctx, integration)
	if err != nil {
		return nil, err
	}

	return s.adapters.NewAdapter(integration.Provider, domain.AdapterConfig{
		OrgID:           integration.OrgID,
		IntegrationID:   integration.ID,
		Provider:        integration.Provider,
		SigningSecret:   creds.SigningSecret,
		APIKey:          creds.APIKey,
		WebhookToken:    integration.WebhookToken,
		NotificationURL: s.baseURL + "/webhooks/" + integration.Provider,
	})
}

func (s *Service) process(ctx context.Context, integration *integrationdomain.Integration, adapter domain.Adapter, payload []byte, headers http.Header) error {
	provider := integration.Provider

	event, err := adapter.Parse(ctx, payload, headers)
	if err != nil {
		switch {
		case errors.Is(err, domain.ErrEventIgnored):
			s.record(provider, "ignored")
			return nil
		case errors.Is(err, domain.ErrInvalidPayload), errors.Is(err, domain.ErrInvalidEvent):
			s.log.Warn("unparseable webhook payload",
				zap.String("provider", provider),
				zap.Error(err),
			)
			s.record(provider, "unparseable")

			// When the envelope yielded an event id the ledger entry still
			// stands, so a redelivery of the same broken payload lands as a
			// duplicate. Without an id there is nothing to key the entry
			// on; acknowledge so the sender stops retrying.
			var normErr *domain.NormalizationError
			if errors.As(err, &normErr) && strings.TrimSpace(normErr.ProviderEventID) != "" {
				if _, insErr := s.txnRepo.InsertWebhookEvent(ctx, s.db, &txndomain.WebhookEvent{
					ID:              s.genID.Generate(),
					Provider:        provider,
					ProviderEventID: normErr.ProviderEventID,
					EventType:       normErr.EventType,
					Payload:         datatypes.JSON(payload),
					ProcessedAt:     time.Now().UTC(),
				}); insErr != nil {
					return insErr
				}
			}
			return nil
		default:
			return err
		}
	}

	// Idempotency ledger: written before any side effect with business
	// impact. A conflict means the event was already handled.
	isNew, err := s.txnRepo.InsertWebhookEvent(ctx, s.db, &txndomain.WebhookEvent{
		ID:              s.genID.Generate(),
		Provider:        provider,
		ProviderEventID: event.ProviderEventID,
		EventType:       event.Kind,
		Payload:         datatypes.JSON(payload),
		ProcessedAt:     time.Now().UTC(),
	})
	if err != nil {
		return err
	}
	if !isNew {
		s.record(provider, "duplicate")
		return domain.ErrEventAlreadyProcessed
	}

	// Past this point failures are absorbed: re-delivery would be a true
	// duplicate, so nothing may surface as retryable to the provider.
	if err := s.evaluate(ctx, integration, event); err != nil {
		s.log.Error("webhook evaluation failed after ledger write",
			zap.String("provider", provider),
			zap.String("provider_event_id", event.ProviderEventID),
			zap.Error(err),
		)
		s.record(provider, "error")
	}
	return nil
}

type contactsOnTx struct {
	repo txndomain.Repository
	tx   *gorm.DB
}

func (c contactsOnTx) LastContactAt(ctx context.Context, orgID snowflake.ID, phoneE164 string) (*time.Time, error) {
	return c.repo.LastContactAt(ctx, c.tx, orgID, phoneE164)
}

func (s *Service) evaluate(ctx context.Context, integration *integrationdomain.Integration, event *domain.OrderEvent) error {
	canonical := ""
	if raw := strings.TrimSpace(event.RawPhone); raw != "" {
		number, err := phone.Canonicalize(raw)
		if err == nil {
			canonical = number.E164
		}
	}

	evaluation := &rules.Evaluation{
		Integration: integration,
		Event:       event,
		Phone:       canonical,
	}

	var outcome rules.Outcome
	var txn *txndomain.Transaction

	// The recent-contact read and the new row's insert share one storage
	// transaction so concurrent purchases for the same phone serialize.
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		env := rules.Env{
			Locations: s.integrationSvc,
			Contacts:  contactsOnTx{repo: s.txnRepo, tx: tx},
			Quota:     s.quota,
			Messages:  s.messages,
			Now:       func() time.Time { return time.Now().UTC() },
		}

		var evalErr error
		outcome, evalErr = s.pipeline.Evaluate(ctx, env, evaluation)
		if evalErr != nil {
			return evalErr
		}

		switch outcome.Decision {
		case rules.DecisionDrop, rules.DecisionRefund:
			return nil
		}

		txn = s.buildTransaction(integration, event, evaluation, outcome)
		return s.txnRepo.InsertTransaction(ctx, tx, txn)
	})
	if err != nil {
		return err
	}

	switch outcome.Decision {
	case rules.DecisionDrop:
		s.log.Info("webhook dropped",
			zap.String("provider", event.Provider),
			zap.String("reason", outcome.Reason),
		)
		s.record(event.Provider, "dropped")
		return nil

	case rules.DecisionRefund:
		return s.applyRefund(ctx, event)

	case rules.DecisionSkip:
		s.record(event.Provider, txn.Status)
		return nil
	}

	s.record(event.Provider, "dispatch")
	return s.enqueueDispatch(ctx, txn, outcome)
}

func (s *Service) buildTransaction(
	integration *integrationdomain.Integration,
	event *domain.OrderEvent,
	evaluation *rules.Evaluation,
	outcome rules.Outcome,
) *txndomain.Transaction {
	var phoneCol *string
	if evaluation.Phone != "" {
		value := evaluation.Phone
		phoneCol = &value
	}

	return &txndomain.Transaction{
		ID:            s.genID.Generate(),
		OrgID:         integration.OrgID,
		IntegrationID: integration.ID,
		Provider:      event.Provider,
		ExternalTxnID: event.ExternalTxnID,
		CustomerName:  event.CustomerName,
		Phone:         phoneCol,
		Amount:        event.Amount,
		Currency:      event.Currency,
		LocationName:  evaluation.LocationName,
		Status:        outcome.Status,
		SkipReason:    outcome.Reason,
		TestMode:      outcome.Decision == rules.DecisionDispatch && !outcome.Billable,
		CreatedAt:     time.Now().UTC(),
	}
}

func (s *Service) applyRefund(ctx context.Context, event *domain.OrderEvent) error {
	_, err := s.dispatcher.ApplyRefund(ctx, event.Provider, event.ExternalTxnID)
	if err != nil {
		if errors.Is(err, txndomain.ErrNotFound) {
			s.log.Info("refund for unknown transaction",
				zap.String("provider", event.Provider),
				zap.String("external_txn_id", event.ExternalTxnID),
			)
			s.record(event.Provider, "refund_unmatched")
			return nil
		}
		return err
	}
	s.record(event.Provider, "refund")
	return nil
}

func (s *Service) enqueueDispatch(ctx context.Context, txn *txndomain.Transaction, outcome rules.Outcome) error {
	cfg, err := s.messages.Config(ctx, txn.OrgID)
	if err != nil {
		return err
	}
	if cfg == nil {
		// The pipeline checked this moments ago; losing the config between
		// then and now is an operator race worth surfacing.
		return errors.New("message_config_missing")
	}

	return s.dispatcher.Enqueue(dispatch.Job{
		TxnID:         txn.ID,
		OrgID:         txn.OrgID,
		Provider:      txn.Provider,
		ExternalTxnID: txn.ExternalTxnID,
		Phone:         outcome.Phone,
		Message:       dispatch.RenderMessage(cfg, txn.CustomerName, txn.LocationName),
		Billable:      outcome.Billable,
	})
}

func (s *Service) record(provider string, outcome string) {
	if s.metrics != nil {
		s.metrics.RecordWebhookEvent(provider, outcome)
	}
}

func cloneHeaders(headers http.Header) http.Header {
	cloned := http.Header{}
	for key, values := range headers {
		for _, value := range values {
			cloned.Add(key, value)
		}
	}
	return cloned
}
