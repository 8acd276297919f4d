package notify

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/slack-go/slack"

	"revshare/services/revshared/config"
	"revshare/services/revshared/domain"
)

// Notifier alerts operators about an obligation that needs manual resolution.
type Notifier interface {
	NotifyFailure(ctx context.Context, ob domain.SettlementObligation) error
}

// Multi fans a failure out to every configured sink.
type Multi []Notifier

// NotifyFailure delivers to all sinks and joins their errors.
func (m Multi) NotifyFailure(ctx context.Context, ob domain.SettlementObligation) error {
	var errs []error
	for _, n := range m {
		if n == nil {
			continue
		}
		if err := n.NotifyFailure(ctx, ob); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Summary renders the one-line description used by every sink.
func Summary(ob domain.SettlementObligation) string {
	reason := strings.TrimSpace(ob.LastError)
	if reason == "" {
		reason = "no reason recorded"
	}
	return fmt.Sprintf("%s payout %s for partner %s (%s %s) is %s: %s",
		ob.Type, ob.ID, ob.PartnerID, ob.AmountFiat.StringFixed(2), ob.Currency, ob.Status, reason)
}

// Slack posts failure alerts to an incoming webhook.
type Slack struct {
	url     string
	channel string
	client  *http.Client
}

// NewSlack builds a webhook notifier.
func NewSlack(webhookURL, channel string, client *http.Client) (*Slack, error) {
	webhookURL = strings.TrimSpace(webhookURL)
	if webhookURL == "" {
		return nil, fmt.Errorf("notify: slack webhook url required")
	}
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	return &Slack{url: webhookURL, channel: strings.TrimSpace(channel), client: client}, nil
}

// NotifyFailure posts the alert as a section block with obligation fields.
func (s *Slack) NotifyFailure(ctx context.Context, ob domain.SettlementObligation) error {
	text := Summary(ob)
	fields := []*slack.TextBlockObject{
		slack.NewTextBlockObject(slack.MarkdownType, "*Obligation*\n"+ob.ID, false, false),
		slack.NewTextBlockObject(slack.MarkdownType, "*Partner*\n"+ob.PartnerID, false, false),
		slack.NewTextBlockObject(slack.MarkdownType, "*Period*\n"+ob.PeriodID, false, false),
		slack.NewTextBlockObject(slack.MarkdownType, fmt.Sprintf("*Attempts*\n%d", ob.RetryCount), false, false),
	}
	header := slack.NewTextBlockObject(slack.MarkdownType, ":rotating_light: "+text, false, false)
	msg := &slack.WebhookMessage{
		Channel: s.channel,
		Text:    text,
		Blocks: &slack.Blocks{BlockSet: []slack.Block{
			slack.NewSectionBlock(header, fields, nil),
		}},
	}
	if err := slack.PostWebhookCustomHTTPContext(ctx, s.url, s.client, msg); err != nil {
		return fmt.Errorf("notify: slack webhook: %w", err)
	}
	return nil
}

// SentryOptions configures the Sentry sink.
type SentryOptions struct {
	DSN         string
	Environment string
	Release     string
	BeforeSend  func(*sentry.Event, *sentry.EventHint) *sentry.Event
}

// Sentry captures failure alerts as Sentry events on a dedicated hub.
type Sentry struct {
	hub *sentry.Hub
}

// NewSentry initialises a Sentry client bound to its own hub.
func NewSentry(opts SentryOptions) (*Sentry, error) {
	client, err := sentry.NewClient(sentry.ClientOptions{
		Dsn:         strings.TrimSpace(opts.DSN),
		Environment: opts.Environment,
		Release:     opts.Release,
		BeforeSend:  opts.BeforeSend,
	})
	if err != nil {
		return nil, fmt.Errorf("notify: sentry client: %w", err)
	}
	return &Sentry{hub: sentry.NewHub(client, sentry.NewScope())}, nil
}

// NotifyFailure captures the failure with the obligation as tags and context.
func (s *Sentry) NotifyFailure(_ context.Context, ob domain.SettlementObligation) error {
	var id *sentry.EventID
	s.hub.WithScope(func(scope *sentry.Scope) {
		scope.SetLevel(sentry.LevelError)
		scope.SetTag("obligation_id", ob.ID)
		scope.SetTag("partner_id", ob.PartnerID)
		scope.SetTag("status", string(ob.Status))
		scope.SetTag("type", string(ob.Type))
		scope.SetContext("obligation", sentry.Context{
			"period_id":   ob.PeriodID,
			"amount":      ob.AmountFiat.StringFixed(2),
			"currency":    ob.Currency,
			"retry_count": ob.RetryCount,
			"last_error":  ob.LastError,
			"memo":        ob.Memo,
		})
		id = s.hub.CaptureMessage(Summary(ob))
	})
	if id == nil {
		return fmt.Errorf("notify: sentry dropped event for %s", ob.ID)
	}
	return nil
}

// Flush waits for buffered events to be delivered.
func (s *Sentry) Flush(timeout time.Duration) bool {
	return s.hub.Flush(timeout)
}

// FromConfig builds the sinks configured in cfg. It returns nil when no sink
// is configured.
func FromConfig(cfg config.NotifyConfig, environment string, client *http.Client) (Notifier, *Sentry, error) {
	var sinks Multi
	if strings.TrimSpace(cfg.SlackWebhookURL) != "" {
		s, err := NewSlack(cfg.SlackWebhookURL, cfg.SlackChannel, client)
		if err != nil {
			return nil, nil, err
		}
		sinks = append(sinks, s)
	}
	var sentrySink *Sentry
	if strings.TrimSpace(cfg.SentryDSN) != "" {
		var err error
		sentrySink, err = NewSentry(SentryOptions{DSN: cfg.SentryDSN, Environment: environment})
		if err != nil {
			return nil, nil, err
		}
		sinks = append(sinks, sentrySink)
	}
	if len(sinks) == 0 {
		return nil, nil, nil
	}
	return sinks, sentrySink, nil
}
