package rules

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	integrationdomain "github.com/reviewly/reviewly/internal/integration/domain"
	txndomain "github.com/reviewly/reviewly/internal/transaction/domain"
	webhookdomain "github.com/reviewly/reviewly/internal/webhook/domain"
)

// ContactWindow is the trailing suppression window for repeat requests to
// the same (org, phone).
const ContactWindow = 30 * 24 * time.Hour

type Decision string

const (
	DecisionDispatch Decision = "dispatch"
	DecisionSkip     Decision = "skip"
	DecisionDrop     Decision = "drop"
	DecisionRefund   Decision = "refund"
)

// Outcome is the pipeline verdict. Status is the transaction status to
// record; Phone is the dispatch destination (the test number when test mode
// rewrites it); Billable is false for test sends so they stay out of quota
// reporting.
type Outcome struct {
	Decision Decision
	Status   string
	Reason   string
	Phone    string
	Billable bool
}

// Evaluation is the pipeline input: one normalized event plus its
// integration and canonicalized phone ("" when absent or invalid).
type Evaluation struct {
	Integration *integrationdomain.Integration
	Event       *webhookdomain.OrderEvent
	Phone       string

	// LocationName is filled by the location step for the transaction
	// record.
	LocationName string
}

// Env carries the collaborators steps query. Contacts must be bound to the
// same storage transaction that inserts the new row, so the recent-contact
// read locks against concurrent writers.
type Env struct {
	Locations LocationResolver
	Contacts  ContactSource
	Quota     QuotaService
	Messages  MessageConfigService
	Now       func() time.Time
}

type LocationResolver interface {
	ResolveLocation(ctx context.Context, integrationID snowflake.ID, externalID string) (*integrationdomain.Location, error)
}

type ContactSource interface {
	LastContactAt(ctx context.Context, orgID snowflake.ID, phone string) (*time.Time, error)
}

type QuotaService interface {
	CanSend(ctx context.Context, orgID snowflake.ID) (bool, error)
	RecordUsage(ctx context.Context, orgID snowflake.ID) error
}

type MessageConfig struct {
	ReviewURL string
	Template  string
}

type MessageConfigService interface {
	// Config returns nil when the org has no review link or template set.
	Config(ctx context.Context, orgID snowflake.ID) (*MessageConfig, error)
}

// Step checks one business rule. A nil outcome means the step passed and
// evaluation continues; the first non-nil outcome wins.
type Step struct {
	Name  string
	Check func(ctx context.Context, env Env, ev *Evaluation) (*Outcome, error)
}

type Pipeline struct {
	steps []Step
}

// New builds the ordered chain. Order is part of the contract: the first
// failing check is the recorded skip reason, and the most actionable
// failures surface first.
func New() *Pipeline {
	return &Pipeline{steps: []Step{
		{Name: "integration_active", Check: checkActive},
		{Name: "consent_confirmed", Check: checkConsent},
		{Name: "refund_routing", Check: checkRefund},
		{Name: "location_enabled", Check: checkLocation},
		{Name: "phone_present", Check: checkPhone},
		{Name: "recent_contact", Check: checkRecentContact},
		{Name: "send_quota", Check: checkQuota},
		{Name: "message_config", Check: checkMessageConfig},
		{Name: "test_mode", Check: checkTestMode},
	}}
}

func (p *Pipeline) Evaluate(ctx context.Context, env Env, ev *Evaluation) (Outcome, error) {
	for _, step := range p.steps {
		outcome, err := step.Check(ctx, env, ev)
		if err != nil {
			return Outcome{}, err
		}
		if outcome != nil {
			return *outcome, nil
		}
	}
	return Outcome{
		Decision: DecisionDispatch,
		Status:   txndomain.StatusPending,
		Phone:    ev.Phone,
		Billable: true,
	}, nil
}

func checkActive(ctx context.Context, env Env, ev *Evaluation) (*Outcome, error) {
	if ev.Integration == nil || !ev.Integration.IsActive {
		// Tenant disconnected after the webhook was registered; nothing to
		// record.
		return &Outcome{Decision: DecisionDrop, Reason: "integration_inactive"}, nil
	}
	return nil, nil
}

func checkConsent(ctx context.Context, env Env, ev *Evaluation) (*Outcome, error) {
	if !ev.Integration.ConsentConfirmed {
		return &Outcome{
			Decision: DecisionSkip,
			Status:   txndomain.StatusSkippedNoConsent,
			Reason:   "consent_not_confirmed",
		}, nil
	}
	return nil, nil
}

func checkRefund(ctx context.Context, env Env, ev *Evaluation) (*Outcome, error) {
	if ev.Event.Kind == webhookdomain.EventKindRefund {
		return &Outcome{Decision: DecisionRefund}, nil
	}
	return nil, nil
}

// checkLocation requires the event's site to be explicitly enabled.
// Events without a location reference (single-site e-commerce providers)
// pass through.
func checkLocation(ctx context.Context, env Env, ev *Evaluation) (*Outcome, error) {
	externalID := ev.Event.LocationExtID
	if externalID == "" {
		return nil, nil
	}

	location, err := env.Locations.ResolveLocation(ctx, ev.Integration.ID, externalID)
	if err != nil {
		return nil, err
	}
	if location == nil || !location.Enabled {
		return &Outcome{
			Decision: DecisionSkip,
			Status:   txndomain.StatusSkippedLocationDisabled,
			Reason:   "location_not_enabled",
		}, nil
	}
	ev.LocationName = location.Name
	return nil, nil
}

func checkPhone(ctx context.Context, env Env, ev *Evaluation) (*Outcome, error) {
	if ev.Phone == "" {
		return &Outcome{
			Decision: DecisionSkip,
			Status:   txndomain.StatusSkippedNoPhone,
			Reason:   "no_valid_phone",
		}, nil
	}
	return nil, nil
}

func checkRecentContact(ctx context.Context, env Env, ev *Evaluation) (*Outcome, error) {
	last, err := env.Contacts.LastContactAt(ctx, ev.Integration.OrgID, ev.Phone)
	if err != nil {
		return nil, err
	}
	if last != nil && env.Now().Sub(*last) < ContactWindow {
		return &Outcome{
			Decision: DecisionSkip,
			Status:   txndomain.StatusSkippedRecent,
			Reason:   "contacted_within_window",
		}, nil
	}
	return nil, nil
}

func checkQuota(ctx context.Context, env Env, ev *Evaluation) (*Outcome, error) {
	ok, err := env.Quota.CanSend(ctx, ev.Integration.OrgID)
	if err != nil {
		// A quota collaborator outage is a local failure outcome, not a
		// hung pipeline.
		return &Outcome{
			Decision: DecisionSkip,
			Status:   txndomain.StatusFailed,
			Reason:   "quota_check_unavailable",
		}, nil
	}
	if !ok {
		return &Outcome{
			Decision: DecisionSkip,
			Status:   txndomain.StatusSkippedLimitReached,
			Reason:   "send_limit_reached",
		}, nil
	}
	return nil, nil
}

func checkMessageConfig(ctx context.Context, env Env, ev *Evaluation) (*Outcome, error) {
	cfg, err := env.Messages.Config(ctx, ev.Integration.OrgID)
	if err != nil {
		return nil, err
	}
	if cfg == nil || cfg.ReviewURL == "" {
		return &Outcome{
			Decision: DecisionSkip,
			Status:   txndomain.StatusSkippedNoReviewLink,
			Reason:   "no_review_link_configured",
		}, nil
	}
	return nil, nil
}

// checkTestMode reroutes the real send to the configured test number. The
// transaction is recorded distinctly so test sends stay out of billing and
// quota reporting, but the dispatch still happens.
func checkTestMode(ctx context.Context, env Env, ev *Evaluation) (*Outcome, error) {
	if !ev.Integration.TestMode {
		return nil, nil
	}
	return &Outcome{
		Decision: DecisionDispatch,
		Status:   txndomain.StatusSkippedTestMode,
		Reason:   "test_mode",
		Phone:    ev.Integration.TestPhone,
		Billable: false,
	}, nil
}
