package services

import (
	"context"
	"fmt"
	"net/url"

	"controlhub/internal/config"
	"controlhub/internal/metrics"
	"controlhub/pkg/n8n"

	"github.com/sirupsen/logrus"
)

// WebhookTrigger issues one run/stop webhook call for an automation.
type WebhookTrigger interface {
	Trigger(ctx context.Context, action BulkAction, webhookURL, automationID, callerID string) (*n8n.TriggerResult, error)
}

// WebhookService wraps the n8n client with per-host circuit breaking and
// the configured policy for non-2xx responses.
type WebhookService struct {
	client   n8n.Triggerer
	logger   *logrus.Logger
	strict   bool
	breakers *breakerSet
}

func NewWebhookService(client n8n.Triggerer, cfg config.WebhookConfig, logger *logrus.Logger) *WebhookService {
	if logger == nil {
		logger = logrus.New()
	}
	s := &WebhookService{
		client: client,
		logger: logger,
		strict: cfg.TreatNon2xxAsFailure,
	}
	if cfg.CircuitBreaker.Enabled {
		s.breakers = newBreakerSet(CircuitBreakerConfig{
			MaxFailures:     cfg.CircuitBreaker.MaxFailures,
			ResetTimeout:    cfg.CircuitBreaker.ResetTimeout,
			HalfOpenMaxReqs: cfg.CircuitBreaker.HalfOpenMaxReqs,
		})
	}
	return s
}

func (s *WebhookService) Trigger(ctx context.Context, action BulkAction, webhookURL, automationID, callerID string) (*n8n.TriggerResult, error) {
	cb := s.breakerFor(webhookURL)
	if cb != nil && !cb.Allow() {
		metrics.RecordWebhookCall(ctx, string(action), 0, ErrWebhookCircuitOpen)
		return nil, fmt.Errorf("%w for %s", ErrWebhookCircuitOpen, hostOf(webhookURL))
	}

	res, err := s.client.Trigger(ctx, webhookURL, &n8n.TriggerRequest{
		Action:       n8n.Action(action),
		AutomationID: automationID,
		TriggeredBy:  callerID,
	})
	if err != nil {
		metrics.RecordWebhookCall(ctx, string(action), 0, err)
		if cb != nil {
			cb.OnFailure()
		}
		return nil, err
	}
	metrics.RecordWebhookCall(ctx, string(action), res.Status, nil)

	if res.OK() {
		if cb != nil {
			cb.OnSuccess()
		}
		return res, nil
	}

	// the non-2xx policy decides: a response that counts as triggered never trips the breaker
	if cb != nil {
		if s.strict && res.Status >= 500 {
			cb.OnFailure()
		} else {
			cb.OnSuccess()
		}
	}
	entry := s.logger.WithFields(logrus.Fields{
		"automation_id": automationID,
		"action":        action,
		"status":        res.Status,
	})
	if s.strict {
		entry.Warn("webhook returned non-2xx, counting as failure")
		return res, fmt.Errorf("%w: HTTP %d", ErrWebhookRejected, res.Status)
	}
	entry.Warn("webhook returned non-2xx, treating as triggered")
	return res, nil
}

// BreakerStates reports breaker state per webhook host (empty when disabled).
func (s *WebhookService) BreakerStates() map[string]string {
	if s.breakers == nil {
		return map[string]string{}
	}
	return s.breakers.states()
}

func (s *WebhookService) breakerFor(webhookURL string) *CircuitBreaker {
	if s.breakers == nil {
		return nil
	}
	host := hostOf(webhookURL)
	if host == "" {
		return nil
	}
	return s.breakers.get(host)
}

func hostOf(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return ""
	}
	return u.Host
}
