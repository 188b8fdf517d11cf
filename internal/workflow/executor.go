// Package workflow executes automations: ordered steps dispatched by type and
// subtype over a growing context map, with per-step logs and an execution
// record per run.
package workflow

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/haasonsaas/atrium/internal/apperr"
	"github.com/haasonsaas/atrium/internal/mcp"
	"github.com/haasonsaas/atrium/internal/template"
	"github.com/haasonsaas/atrium/internal/tools"
	"github.com/haasonsaas/atrium/pkg/models"
)

// MaxLoopIterations bounds control-loop steps.
const MaxLoopIterations = 1000

// ExecutionStore persists execution records and step logs.
type ExecutionStore interface {
	CreateExecution(ctx context.Context, exec *models.Execution) error
	UpdateExecution(ctx context.Context, exec *models.Execution) error
	AppendStepLog(ctx context.Context, log *models.StepLog) error
}

// ServerStore resolves MCP servers referenced by mcp_call steps.
type ServerStore interface {
	GetServer(ctx context.Context, id string) (*models.MCPServer, error)
}

// MCPCaller invokes a tool on an MCP server.
type MCPCaller interface {
	CallTool(ctx context.Context, server *models.MCPServer, name string, args map[string]any) *mcp.CallToolResult
}

// AgentRunner runs an agent once, non-streaming, for ai_action steps.
type AgentRunner interface {
	RunOnce(ctx context.Context, agentID, prompt string) (string, error)
}

// ToolRunner dispatches internal_tool steps. Satisfied by tools.Registry.
type ToolRunner interface {
	Execute(ctx context.Context, name string, params json.RawMessage) (*tools.Result, error)
}

// Executor runs automations.
type Executor struct {
	store   ExecutionStore
	servers ServerStore
	mcp     MCPCaller
	agents  AgentRunner
	tools   ToolRunner
	logger  *slog.Logger
	now     func() time.Time
}

// Option configures an Executor.
type Option func(*Executor)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(e *Executor) {
		if l != nil {
			e.logger = l
		}
	}
}

// WithNow overrides the clock for tests.
func WithNow(now func() time.Time) Option {
	return func(e *Executor) {
		if now != nil {
			e.now = now
		}
	}
}

// NewExecutor wires the executor's collaborators.
func NewExecutor(store ExecutionStore, servers ServerStore, caller MCPCaller, agents AgentRunner, toolRunner ToolRunner, opts ...Option) *Executor {
	e := &Executor{
		store:   store,
		servers: servers,
		mcp:     caller,
		agents:  agents,
		tools:   toolRunner,
		logger:  slog.Default(),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	e.logger = e.logger.With("component", "workflow")
	return e
}

// mcpCallConfig is the resolved config of an (action, mcp_call) step.
type mcpCallConfig struct {
	ServerID  string         `json:"server_id"`
	ToolName  string         `json:"tool_name"`
	Arguments map[string]any `json:"arguments"`
}

type aiActionConfig struct {
	AgentID string `json:"agent_id"`
	Prompt  string `json:"prompt"`
}

type internalToolConfig struct {
	ToolName  string         `json:"tool_name"`
	Arguments map[string]any `json:"arguments"`
}

type conditionConfig struct {
	Expression string `json:"expression"`
	// ThenStep and ElseStep name the order of the step to jump to. Zero
	// falls through to the next step in sequence.
	ThenStep int `json:"then_step,omitempty"`
	ElseStep int `json:"else_step,omitempty"`
}

type loopConfig struct {
	// Items is a template resolving to a list in the execution context.
	Items string         `json:"items"`
	Steps []*models.Step `json:"steps"`
}

type delayConfig struct {
	DurationMS int `json:"duration_ms"`
}

// Run executes an automation and returns its execution record. The returned
// error reports infrastructure failures; step failures are folded into the
// execution status.
func (e *Executor) Run(ctx context.Context, automation *models.Automation, triggerID string, input map[string]any) (*models.Execution, error) {
	if automation == nil {
		return nil, apperr.Validation("automation is required")
	}
	if !automation.Enabled {
		return nil, apperr.Validation("automation %s is disabled", automation.ID)
	}

	exec := &models.Execution{
		ID:           models.NewID(models.PrefixExecution),
		AutomationID: automation.ID,
		TriggerID:    triggerID,
		Status:       models.ExecutionRunning,
		StartedAt:    e.now(),
	}
	if err := e.store.CreateExecution(ctx, exec); err != nil {
		return nil, err
	}

	execCtx := map[string]any{
		"input":   input,
		"trigger": map[string]any{"id": triggerID},
	}
	logger := e.logger.With("automation_id", automation.ID, "execution_id", exec.ID)
	logger.Info("execution started", "steps", len(automation.Steps))

	failedOrder, runErr := e.runSteps(ctx, exec, automation.Steps, execCtx)

	exec.EndedAt = e.now()
	if runErr != nil {
		exec.Status = models.ExecutionFailed
		exec.FailedStep = failedOrder
		exec.Error = runErr.Error()
		logger.Warn("execution failed", "failed_step", failedOrder, "error", runErr)
	} else {
		exec.Status = models.ExecutionSuccess
		logger.Info("execution finished", "duration", exec.EndedAt.Sub(exec.StartedAt))
	}
	if err := e.store.UpdateExecution(ctx, exec); err != nil {
		return exec, err
	}
	return exec, nil
}

// runSteps walks the ordered step list. Condition steps may jump by order.
// Returns the failing step's order and error, if any.
func (e *Executor) runSteps(ctx context.Context, exec *models.Execution, steps []*models.Step, execCtx map[string]any) (int, error) {
	byOrder := make(map[int]int, len(steps))
	for i, s := range steps {
		byOrder[s.Order] = i
	}

	for i := 0; i < len(steps); {
		step := steps[i]
		if !step.Enabled {
			i++
			continue
		}
		if err := ctx.Err(); err != nil {
			return step.Order, err
		}

		result, nextOrder, err := e.runStep(ctx, exec, step, execCtx)
		if err != nil {
			if !step.ContinueOnError {
				return step.Order, err
			}
			e.logger.Warn("step failed, continuing",
				"execution_id", exec.ID, "step_order", step.Order, "error", err)
			execCtx[fmt.Sprintf("step_%d", step.Order)] = map[string]any{"error": err.Error()}
			i++
			continue
		}

		execCtx[fmt.Sprintf("step_%d", step.Order)] = map[string]any{"result": result}
		if nextOrder != 0 {
			idx, ok := byOrder[nextOrder]
			if !ok {
				return step.Order, apperr.Validation("condition jumps to unknown step order %d", nextOrder)
			}
			i = idx
			continue
		}
		i++
	}
	return 0, nil
}

// runStep resolves the step config against the context, dispatches it, and
// writes the step log. nextOrder is non-zero when a condition step jumps.
func (e *Executor) runStep(ctx context.Context, exec *models.Execution, step *models.Step, execCtx map[string]any) (result any, nextOrder int, err error) {
	start := e.now()

	resolved, err := resolveConfig(step.Config, execCtx)
	if err == nil {
		switch {
		case step.Type == models.StepAction && step.Subtype == models.SubtypeMCPCall:
			result, err = e.runMCPCall(ctx, resolved)
		case step.Type == models.StepAction && step.Subtype == models.SubtypeAIAction:
			result, err = e.runAIAction(ctx, resolved)
		case step.Type == models.StepAction && step.Subtype == models.SubtypeInternalTool:
			result, err = e.runInternalTool(ctx, resolved)
		case step.Type == models.StepControl && step.Subtype == models.SubtypeCondition:
			result, nextOrder, err = e.runCondition(resolved, execCtx)
		case step.Type == models.StepControl && step.Subtype == models.SubtypeLoop:
			result, err = e.runLoop(ctx, exec, step.Config, execCtx)
		case step.Type == models.StepControl && step.Subtype == models.SubtypeDelay:
			result, err = e.runDelay(ctx, resolved)
		default:
			err = apperr.Validation("unknown step type %s/%s", step.Type, step.Subtype)
		}
	}

	log := &models.StepLog{
		ID:          models.NewID(models.PrefixExecution),
		ExecutionID: exec.ID,
		StepOrder:   step.Order,
		Input:       resolved,
		Duration:    e.now().Sub(start),
		CreatedAt:   e.now(),
	}
	if err != nil {
		log.Error = err.Error()
	} else if result != nil {
		if out, mErr := json.Marshal(result); mErr == nil {
			log.Output = out
		}
	}
	if logErr := e.store.AppendStepLog(ctx, log); logErr != nil {
		e.logger.Error("appending step log failed", "execution_id", exec.ID, "error", logErr)
	}
	return result, nextOrder, err
}

// resolveConfig decodes the step config and substitutes templates from the
// execution context.
func resolveConfig(raw json.RawMessage, execCtx map[string]any) (json.RawMessage, error) {
	if len(raw) == 0 {
		return json.RawMessage("{}"), nil
	}
	var decoded any
	if err := json.Unmarshal(raw, &decoded); err != nil {
		return nil, apperr.Validation("step config is not valid JSON: %v", err)
	}
	resolved := template.ResolveAllTemplates(decoded, execCtx)
	out, err := json.Marshal(resolved)
	if err != nil {
		return nil, apperr.Validation("resolved step config is not serializable: %v", err)
	}
	return out, nil
}

func (e *Executor) runMCPCall(ctx context.Context, resolved json.RawMessage) (any, error) {
	var cfg mcpCallConfig
	if err := json.Unmarshal(resolved, &cfg); err != nil {
		return nil, apperr.Validation("mcp_call config: %v", err)
	}
	if cfg.ServerID == "" || cfg.ToolName == "" {
		return nil, apperr.Validation("mcp_call requires server_id and tool_name")
	}
	if len(cfg.Arguments) == 0 {
		return nil, apperr.Validation("mcp_call arguments must be a non-empty object")
	}

	server, err := e.servers.GetServer(ctx, cfg.ServerID)
	if err != nil {
		return nil, err
	}
	res := e.mcp.CallTool(ctx, server, cfg.ToolName, cfg.Arguments)
	if !res.Success {
		return nil, apperr.New(apperr.KindToolExecution, "tool %s failed: %s", cfg.ToolName, res.Error)
	}
	return res.Result, nil
}

func (e *Executor) runAIAction(ctx context.Context, resolved json.RawMessage) (any, error) {
	var cfg aiActionConfig
	if err := json.Unmarshal(resolved, &cfg); err != nil {
		return nil, apperr.Validation("ai_action config: %v", err)
	}
	if cfg.AgentID == "" || cfg.Prompt == "" {
		return nil, apperr.Validation("ai_action requires agent_id and prompt")
	}
	return e.agents.RunOnce(ctx, cfg.AgentID, cfg.Prompt)
}

func (e *Executor) runInternalTool(ctx context.Context, resolved json.RawMessage) (any, error) {
	var cfg internalToolConfig
	if err := json.Unmarshal(resolved, &cfg); err != nil {
		return nil, apperr.Validation("internal_tool config: %v", err)
	}
	if cfg.ToolName == "" {
		return nil, apperr.Validation("internal_tool requires tool_name")
	}
	args, err := json.Marshal(cfg.Arguments)
	if err != nil {
		return nil, apperr.Validation("internal_tool arguments: %v", err)
	}
	res, err := e.tools.Execute(ctx, cfg.ToolName, args)
	if err != nil {
		return nil, err
	}
	if res.IsError {
		return nil, apperr.New(apperr.KindToolExecution, "tool %s failed: %s", cfg.ToolName, res.Content)
	}
	return res.Content, nil
}

func (e *Executor) runCondition(resolved json.RawMessage, execCtx map[string]any) (any, int, error) {
	var cfg conditionConfig
	if err := json.Unmarshal(resolved, &cfg); err != nil {
		return nil, 0, apperr.Validation("condition config: %v", err)
	}
	if cfg.Expression == "" {
		return nil, 0, apperr.Validation("condition requires an expression")
	}
	outcome, err := template.EvaluateCondition(cfg.Expression, execCtx)
	if err != nil {
		return nil, 0, err
	}
	next := cfg.ElseStep
	if outcome {
		next = cfg.ThenStep
	}
	return outcome, next, nil
}

// runLoop takes the raw config rather than the resolved one so the item
// templates inside the subgraph resolve per iteration, not once up front.
func (e *Executor) runLoop(ctx context.Context, exec *models.Execution, raw json.RawMessage, execCtx map[string]any) (any, error) {
	var cfg loopConfig
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return nil, apperr.Validation("loop config: %v", err)
	}
	if cfg.Items == "" || len(cfg.Steps) == 0 {
		return nil, apperr.Validation("loop requires items and steps")
	}

	itemsVal := template.ResolveTemplate(cfg.Items, execCtx)
	items, ok := itemsVal.([]any)
	if !ok {
		return nil, apperr.Validation("loop items did not resolve to a list")
	}
	if len(items) > MaxLoopIterations {
		return nil, apperr.Validation("loop exceeds %d iterations", MaxLoopIterations)
	}

	for idx, item := range items {
		iterCtx := make(map[string]any, len(execCtx)+2)
		for k, v := range execCtx {
			iterCtx[k] = v
		}
		iterCtx["item"] = item
		iterCtx["loop_index"] = idx
		if order, err := e.runSteps(ctx, exec, cfg.Steps, iterCtx); err != nil {
			return nil, fmt.Errorf("iteration %d step %d: %w", idx, order, err)
		}
	}
	return len(items), nil
}

func (e *Executor) runDelay(ctx context.Context, resolved json.RawMessage) (any, error) {
	var cfg delayConfig
	if err := json.Unmarshal(resolved, &cfg); err != nil {
		return nil, apperr.Validation("delay config: %v", err)
	}
	if cfg.DurationMS <= 0 {
		return nil, apperr.Validation("delay requires a positive duration_ms")
	}
	d := time.Duration(cfg.DurationMS) * time.Millisecond
	select {
	case <-time.After(d):
		return cfg.DurationMS, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
