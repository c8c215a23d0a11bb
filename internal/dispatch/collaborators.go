package dispatch

import (
	"context"
	"strings"

	"github.com/bwmarrin/snowflake"
	"github.com/reviewly/reviewly/internal/config"
	"github.com/reviewly/reviewly/internal/rules"
	"go.uber.org/zap"
)

// The quota gate, message config lookup, and SMS transport are external
// collaborators. The implementations here are the standalone defaults: an
// unlimited quota, an env-configured message template, and a transport
// that logs instead of sending.

type openQuota struct {
	log *zap.Logger
}

func NewOpenQuota(log *zap.Logger) rules.QuotaService {
	return &openQuota{log: log.Named("quota")}
}

func (q *openQuota) CanSend(ctx context.Context, orgID snowflake.ID) (bool, error) {
	return true, nil
}

func (q *openQuota) RecordUsage(ctx context.Context, orgID snowflake.ID) error {
	q.log.Info("usage recorded", zap.String("org_id", orgID.String()))
	return nil
}

type envMessageConfig struct {
	reviewURL string
	template  string
}

func NewEnvMessageConfig(cfg config.Config) rules.MessageConfigService {
	return &envMessageConfig{
		reviewURL: strings.TrimSpace(cfg.ReviewURL),
		template:  strings.TrimSpace(cfg.MessageTemplate),
	}
}

func (m *envMessageConfig) Config(ctx context.Context, orgID snowflake.ID) (*rules.MessageConfig, error) {
	if m.reviewURL == "" {
		return nil, nil
	}
	template := m.template
	if template == "" {
		template = "Hi {name}, thanks for visiting {location}! We'd love your feedback: {review_url}"
	}
	return &rules.MessageConfig{ReviewURL: m.reviewURL, Template: template}, nil
}

type logTransport struct {
	log *zap.Logger
}

func NewLogTransport(log *zap.Logger) Transport {
	return &logTransport{log: log.Named("sms.transport")}
}

func (t *logTransport) Send(ctx context.Context, phone string, message string) (string, error) {
	t.log.Info("sms send (dry run)",
		zap.String("phone", phone),
		zap.Int("message_len", len(message)),
	)
	return "dry-run", nil
}

// RenderMessage fills the tenant's template. Unknown placeholders are left
// alone.
func RenderMessage(cfg *rules.MessageConfig, customerName string, locationName string) string {
	message := cfg.Template
	name := strings.TrimSpace(customerName)
	if name == "" {
		name = "there"
	}
	location := strings.TrimSpace(locationName)
	if location == "" {
		location = "our store"
	}
	message = strings.ReplaceAll(message, "{name}", name)
	message = strings.ReplaceAll(message, "{location}", location)
	message = strings.ReplaceAll(message, "{review_url}", cfg.ReviewURL)
	return message
}
