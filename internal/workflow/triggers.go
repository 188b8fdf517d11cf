package workflow

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/robfig/cron/v3"

	"github.com/haasonsaas/atrium/internal/apperr"
	"github.com/haasonsaas/atrium/internal/secrets"
	"github.com/haasonsaas/atrium/pkg/models"
)

// CronScheduler registers recurring jobs by id. Satisfied by the scheduler
// package.
type CronScheduler interface {
	Add(id, spec string, fn func()) error
	Remove(id string)
}

// TriggerStore persists trigger health updates.
type TriggerStore interface {
	UpdateTrigger(ctx context.Context, trigger *models.Trigger) error
}

// AutomationStore resolves automations when a trigger fires.
type AutomationStore interface {
	GetAutomation(ctx context.Context, id string) (*models.Automation, error)
}

// TriggerService starts automations from manual calls, cron schedules, and
// webhooks.
type TriggerService struct {
	executor    *Executor
	scheduler   CronScheduler
	automations AutomationStore
	triggers    TriggerStore
	logger      *slog.Logger

	mu         sync.Mutex
	registered map[string]bool
}

// TriggerOption configures a TriggerService.
type TriggerOption func(*TriggerService)

// WithTriggerLogger sets the logger.
func WithTriggerLogger(l *slog.Logger) TriggerOption {
	return func(s *TriggerService) {
		if l != nil {
			s.logger = l
		}
	}
}

// NewTriggerService wires the trigger sources to the executor.
func NewTriggerService(executor *Executor, scheduler CronScheduler, automations AutomationStore, triggers TriggerStore, opts ...TriggerOption) *TriggerService {
	s := &TriggerService{
		executor:    executor,
		scheduler:   scheduler,
		automations: automations,
		triggers:    triggers,
		logger:      slog.Default(),
		registered:  make(map[string]bool),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With("component", "triggers")
	return s
}

// jobID names the scheduler entry for one cron trigger.
func jobID(automationID, triggerID string) string {
	return fmt.Sprintf("automation_%s_trigger_%s", automationID, triggerID)
}

// RunManual starts the automation directly.
func (s *TriggerService) RunManual(ctx context.Context, automationID string, input map[string]any) (*models.Execution, error) {
	automation, err := s.automations.GetAutomation(ctx, automationID)
	if err != nil {
		return nil, err
	}
	return s.executor.Run(ctx, automation, "", input)
}

// RegisterAutomation schedules the automation's cron triggers. A trigger with
// an unparsable expression is marked unhealthy and skipped rather than
// failing registration.
func (s *TriggerService) RegisterAutomation(ctx context.Context, automation *models.Automation) error {
	for _, trigger := range automation.Triggers {
		if trigger.Type != models.TriggerCron {
			continue
		}
		id := jobID(automation.ID, trigger.ID)

		if _, err := cron.ParseStandard(trigger.CronExpr); err != nil {
			s.logger.Warn("invalid cron expression, trigger disabled",
				"automation_id", automation.ID, "trigger_id", trigger.ID, "expr", trigger.CronExpr, "error", err)
			trigger.Healthy = false
			trigger.StatusNote = fmt.Sprintf("invalid cron expression: %v", err)
			if uerr := s.triggers.UpdateTrigger(ctx, trigger); uerr != nil {
				return uerr
			}
			continue
		}

		automationID, triggerID := automation.ID, trigger.ID
		if err := s.scheduler.Add(id, trigger.CronExpr, func() {
			s.fire(automationID, triggerID)
		}); err != nil {
			return err
		}
		s.mu.Lock()
		s.registered[id] = true
		s.mu.Unlock()

		if !trigger.Healthy {
			trigger.Healthy = true
			trigger.StatusNote = ""
			if err := s.triggers.UpdateTrigger(ctx, trigger); err != nil {
				return err
			}
		}
	}
	return nil
}

// UnregisterAutomation removes all scheduled jobs for the automation.
func (s *TriggerService) UnregisterAutomation(automationID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	prefix := fmt.Sprintf("automation_%s_trigger_", automationID)
	for id := range s.registered {
		if len(id) > len(prefix) && id[:len(prefix)] == prefix {
			s.scheduler.Remove(id)
			delete(s.registered, id)
		}
	}
}

// fire runs one scheduled invocation. Skips silently when the automation has
// been disabled since registration.
func (s *TriggerService) fire(automationID, triggerID string) {
	ctx := context.Background()
	automation, err := s.automations.GetAutomation(ctx, automationID)
	if err != nil {
		s.logger.Error("resolving scheduled automation failed", "automation_id", automationID, "error", err)
		return
	}
	if !automation.Enabled {
		s.logger.Debug("scheduled automation is disabled, skipping", "automation_id", automationID)
		return
	}
	if _, err := s.executor.Run(ctx, automation, triggerID, nil); err != nil {
		s.logger.Error("scheduled execution failed", "automation_id", automationID, "trigger_id", triggerID, "error", err)
	}
}

// HandleWebhook verifies the presented secret against the trigger's stored
// salted hash and starts the automation. Verification is constant time.
func (s *TriggerService) HandleWebhook(ctx context.Context, trigger *models.Trigger, secret string, payload map[string]any) (*models.Execution, error) {
	if trigger.Type != models.TriggerWebhook {
		return nil, apperr.Validation("trigger %s is not a webhook trigger", trigger.ID)
	}
	if !secrets.VerifySecret(trigger.SecretHash, secret) {
		return nil, apperr.New(apperr.KindPermission, "webhook secret mismatch")
	}
	automation, err := s.automations.GetAutomation(ctx, trigger.AutomationID)
	if err != nil {
		return nil, err
	}
	return s.executor.Run(ctx, automation, trigger.ID, payload)
}
