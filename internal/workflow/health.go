package workflow

import (
	"context"
	"log/slog"

	"github.com/haasonsaas/atrium/pkg/models"
)

// Health thresholds over the last healthWindow executions.
const (
	healthWindow        = 10
	errorFailureRatio   = 0.8
	warningFailureRatio = 0.5
)

// HealthReport is the enrichment outcome for one automation.
type HealthReport struct {
	State  models.HealthState `json:"state"`
	Reason string             `json:"reason,omitempty"`
}

// HealthStore reads recent executions and persists auto-disables.
type HealthStore interface {
	RecentExecutions(ctx context.Context, automationID string, limit int) ([]*models.Execution, error)
	UpdateAutomation(ctx context.Context, automation *models.Automation) error
}

// HealthChecker scores automations and disables the broken ones.
type HealthChecker struct {
	store  HealthStore
	logger *slog.Logger
}

// NewHealthChecker builds a checker over the given store.
func NewHealthChecker(store HealthStore, logger *slog.Logger) *HealthChecker {
	if logger == nil {
		logger = slog.Default()
	}
	return &HealthChecker{store: store, logger: logger.With("component", "workflow_health")}
}

// Evaluate scores an automation from its definition and recent executions.
func Evaluate(automation *models.Automation, recent []*models.Execution) HealthReport {
	enabledSteps := 0
	for _, s := range automation.Steps {
		if s.Enabled {
			enabledSteps++
		}
	}
	if len(automation.Steps) == 0 {
		return HealthReport{State: models.HealthError, Reason: "automation has no steps"}
	}
	if enabledSteps == 0 {
		return HealthReport{State: models.HealthError, Reason: "all steps are disabled"}
	}

	unhealthyTriggers := 0
	for _, t := range automation.Triggers {
		if !t.Healthy {
			unhealthyTriggers++
		}
	}

	if len(recent) > healthWindow {
		recent = recent[:healthWindow]
	}
	if len(recent) > 0 {
		failed := 0
		for _, exec := range recent {
			if exec.Status == models.ExecutionFailed {
				failed++
			}
		}
		ratio := float64(failed) / float64(len(recent))
		if ratio >= errorFailureRatio {
			return HealthReport{State: models.HealthError, Reason: "failure rate at or above 80% over recent executions"}
		}
		if ratio >= warningFailureRatio {
			return HealthReport{State: models.HealthWarning, Reason: "failure rate at or above 50% over recent executions"}
		}
	}
	if unhealthyTriggers > 0 {
		return HealthReport{State: models.HealthWarning, Reason: "automation has unhealthy triggers"}
	}
	return HealthReport{State: models.HealthHealthy}
}

// Enrich scores the automation and auto-disables it when its health is error.
func (c *HealthChecker) Enrich(ctx context.Context, automation *models.Automation) (HealthReport, error) {
	recent, err := c.store.RecentExecutions(ctx, automation.ID, healthWindow)
	if err != nil {
		return HealthReport{}, err
	}
	report := Evaluate(automation, recent)

	if report.State == models.HealthError && automation.Enabled {
		automation.Enabled = false
		if err := c.store.UpdateAutomation(ctx, automation); err != nil {
			return report, err
		}
		c.logger.Warn("automation auto-disabled",
			"automation_id", automation.ID, "reason", report.Reason)
	}
	return report, nil
}
