package workflow

import (
	"context"
	"sync"
	"testing"

	"github.com/haasonsaas/atrium/pkg/models"
)

type memHealthStore struct {
	mu      sync.Mutex
	recent  []*models.Execution
	updated []*models.Automation
}

func (s *memHealthStore) RecentExecutions(ctx context.Context, automationID string, limit int) ([]*models.Execution, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.recent) > limit {
		return s.recent[:limit], nil
	}
	return s.recent, nil
}

func (s *memHealthStore) UpdateAutomation(ctx context.Context, automation *models.Automation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	copied := *automation
	s.updated = append(s.updated, &copied)
	return nil
}

func executions(failed, total int) []*models.Execution {
	execs := make([]*models.Execution, total)
	for i := range execs {
		status := models.ExecutionSuccess
		if i < failed {
			status = models.ExecutionFailed
		}
		execs[i] = &models.Execution{ID: models.NewID(models.PrefixExecution), Status: status}
	}
	return execs
}

func healthyAutomation() *models.Automation {
	return automation(
		step(1, models.StepAction, models.SubtypeInternalTool,
			`{"tool_name":"echo","arguments":{"message":"x"}}`),
	)
}

func TestEvaluate(t *testing.T) {
	tests := []struct {
		name  string
		setup func() (*models.Automation, []*models.Execution)
		want  models.HealthState
	}{
		{
			"no steps",
			func() (*models.Automation, []*models.Execution) {
				return automation(), nil
			},
			models.HealthError,
		},
		{
			"all steps disabled",
			func() (*models.Automation, []*models.Execution) {
				a := healthyAutomation()
				a.Steps[0].Enabled = false
				return a, nil
			},
			models.HealthError,
		},
		{
			"failure rate at 80 percent",
			func() (*models.Automation, []*models.Execution) {
				return healthyAutomation(), executions(8, 10)
			},
			models.HealthError,
		},
		{
			"failure rate at 50 percent",
			func() (*models.Automation, []*models.Execution) {
				return healthyAutomation(), executions(5, 10)
			},
			models.HealthWarning,
		},
		{
			"failure rate below 50 percent",
			func() (*models.Automation, []*models.Execution) {
				return healthyAutomation(), executions(4, 10)
			},
			models.HealthHealthy,
		},
		{
			"unhealthy trigger",
			func() (*models.Automation, []*models.Execution) {
				a := healthyAutomation()
				a.Triggers = []*models.Trigger{{ID: "trg_1", Type: models.TriggerCron, Healthy: false}}
				return a, nil
			},
			models.HealthWarning,
		},
		{
			"no history",
			func() (*models.Automation, []*models.Execution) {
				return healthyAutomation(), nil
			},
			models.HealthHealthy,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a, recent := tt.setup()
			report := Evaluate(a, recent)
			if report.State != tt.want {
				t.Errorf("state = %s (%s), want %s", report.State, report.Reason, tt.want)
			}
		})
	}
}

func TestEvaluate_WindowLimitedToTen(t *testing.T) {
	// 8 failures out of 20 would be 40%, but the window only sees the
	// first 10 where all 8 failures sit.
	report := Evaluate(healthyAutomation(), executions(8, 20))
	if report.State != models.HealthError {
		t.Errorf("state = %s, want error", report.State)
	}
}

func TestHealthChecker_AutoDisablesErrorAutomations(t *testing.T) {
	store := &memHealthStore{recent: executions(9, 10)}
	checker := NewHealthChecker(store, testLogger())
	auto := healthyAutomation()

	report, err := checker.Enrich(context.Background(), auto)
	if err != nil {
		t.Fatal(err)
	}
	if report.State != models.HealthError {
		t.Fatalf("state = %s", report.State)
	}
	if auto.Enabled {
		t.Error("automation should be disabled")
	}
	if len(store.updated) != 1 || store.updated[0].Enabled {
		t.Errorf("updates = %+v", store.updated)
	}
}

func TestHealthChecker_LeavesHealthyAlone(t *testing.T) {
	store := &memHealthStore{recent: executions(0, 10)}
	checker := NewHealthChecker(store, testLogger())
	auto := healthyAutomation()

	report, err := checker.Enrich(context.Background(), auto)
	if err != nil {
		t.Fatal(err)
	}
	if report.State != models.HealthHealthy || !auto.Enabled || len(store.updated) != 0 {
		t.Errorf("report = %+v, enabled = %v, updates = %d", report, auto.Enabled, len(store.updated))
	}
}
