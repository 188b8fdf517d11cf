package workflow

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/haasonsaas/atrium/internal/apperr"
	"github.com/haasonsaas/atrium/internal/mcp"
	"github.com/haasonsaas/atrium/internal/tools"
	"github.com/haasonsaas/atrium/pkg/models"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type memExecutionStore struct {
	mu         sync.Mutex
	executions map[string]*models.Execution
	logs       []*models.StepLog
}

func newMemExecutionStore() *memExecutionStore {
	return &memExecutionStore{executions: make(map[string]*models.Execution)}
}

func (s *memExecutionStore) CreateExecution(ctx context.Context, exec *models.Execution) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	copied := *exec
	s.executions[exec.ID] = &copied
	return nil
}

func (s *memExecutionStore) UpdateExecution(ctx context.Context, exec *models.Execution) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	copied := *exec
	s.executions[exec.ID] = &copied
	return nil
}

func (s *memExecutionStore) AppendStepLog(ctx context.Context, log *models.StepLog) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.logs = append(s.logs, log)
	return nil
}

func (s *memExecutionStore) logFor(order int) *models.StepLog {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, l := range s.logs {
		if l.StepOrder == order {
			return l
		}
	}
	return nil
}

type fakeServerStore struct {
	servers map[string]*models.MCPServer
}

func (s *fakeServerStore) GetServer(ctx context.Context, id string) (*models.MCPServer, error) {
	srv, ok := s.servers[id]
	if !ok {
		return nil, apperr.NotFound("server %s", id)
	}
	return srv, nil
}

type fakeMCPCaller struct {
	mu    sync.Mutex
	calls []map[string]any
	fail  bool
}

func (c *fakeMCPCaller) CallTool(ctx context.Context, server *models.MCPServer, name string, args map[string]any) *mcp.CallToolResult {
	c.mu.Lock()
	c.calls = append(c.calls, args)
	c.mu.Unlock()
	if c.fail {
		return &mcp.CallToolResult{Success: false, Error: "remote tool blew up"}
	}
	return &mcp.CallToolResult{Success: true, Result: "tool output for " + name}
}

type fakeAgentRunner struct {
	reply string
	err   error
}

func (r *fakeAgentRunner) RunOnce(ctx context.Context, agentID, prompt string) (string, error) {
	if r.err != nil {
		return "", r.err
	}
	return r.reply + ": " + prompt, nil
}

func testRegistry(t *testing.T) *tools.Registry {
	t.Helper()
	echo := tools.NewFunc("echo", "echoes", nil, func(ctx context.Context, params json.RawMessage) (*tools.Result, error) {
		var input struct {
			Message string `json:"message"`
		}
		if err := json.Unmarshal(params, &input); err != nil {
			return &tools.Result{Content: err.Error(), IsError: true}, nil
		}
		return &tools.Result{Content: input.Message}, nil
	})
	reg, err := tools.NewRegistry([]tools.Handler{echo})
	if err != nil {
		t.Fatal(err)
	}
	return reg
}

type fixture struct {
	executor *Executor
	store    *memExecutionStore
	caller   *fakeMCPCaller
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	store := newMemExecutionStore()
	caller := &fakeMCPCaller{}
	servers := &fakeServerStore{servers: map[string]*models.MCPServer{
		"srv_1": {ID: "srv_1", Name: "files", Transport: models.TransportHTTP, URL: "http://files.local"},
	}}
	executor := NewExecutor(store, servers, caller, &fakeAgentRunner{reply: "agent says"}, testRegistry(t),
		WithLogger(testLogger()))
	return &fixture{executor: executor, store: store, caller: caller}
}

func step(order int, typ models.StepType, subtype, config string) *models.Step {
	return &models.Step{
		ID:      models.NewID("stp"),
		Order:   order,
		Type:    typ,
		Subtype: subtype,
		Config:  json.RawMessage(config),
		Enabled: true,
	}
}

func automation(steps ...*models.Step) *models.Automation {
	return &models.Automation{
		ID:      models.NewID(models.PrefixAutomation),
		UserID:  "usr_1",
		Name:    "test automation",
		Enabled: true,
		Steps:   steps,
	}
}

func TestExecutor_StepResultsFlowThroughContext(t *testing.T) {
	f := newFixture(t)
	auto := automation(
		step(1, models.StepAction, models.SubtypeInternalTool,
			`{"tool_name":"echo","arguments":{"message":"{{input.greeting}}"}}`),
		step(2, models.StepAction, models.SubtypeInternalTool,
			`{"tool_name":"echo","arguments":{"message":"again: {{step_1.result}}"}}`),
	)

	exec, err := f.executor.Run(context.Background(), auto, "", map[string]any{"greeting": "hello"})
	if err != nil {
		t.Fatal(err)
	}
	if exec.Status != models.ExecutionSuccess {
		t.Fatalf("status = %s, error = %s", exec.Status, exec.Error)
	}

	log2 := f.store.logFor(2)
	if log2 == nil {
		t.Fatal("no log for step 2")
	}
	if !strings.Contains(string(log2.Output), "again: hello") {
		t.Errorf("step 2 output = %s", log2.Output)
	}
	if log2.Error != "" {
		t.Errorf("step 2 error = %s", log2.Error)
	}
}

func TestExecutor_MCPCallRequiresArguments(t *testing.T) {
	f := newFixture(t)
	auto := automation(
		step(1, models.StepAction, models.SubtypeMCPCall,
			`{"server_id":"srv_1","tool_name":"list_files","arguments":{}}`),
	)

	exec, err := f.executor.Run(context.Background(), auto, "", nil)
	if err != nil {
		t.Fatal(err)
	}
	if exec.Status != models.ExecutionFailed || exec.FailedStep != 1 {
		t.Fatalf("exec = %+v", exec)
	}
	if !strings.Contains(exec.Error, "non-empty") {
		t.Errorf("error = %s", exec.Error)
	}
	if len(f.caller.calls) != 0 {
		t.Error("tool must not be invoked with empty arguments")
	}
}

func TestExecutor_MCPCallSuccess(t *testing.T) {
	f := newFixture(t)
	auto := automation(
		step(1, models.StepAction, models.SubtypeMCPCall,
			`{"server_id":"srv_1","tool_name":"list_files","arguments":{"path":"/tmp"}}`),
	)

	exec, err := f.executor.Run(context.Background(), auto, "trg_1", nil)
	if err != nil {
		t.Fatal(err)
	}
	if exec.Status != models.ExecutionSuccess {
		t.Fatalf("status = %s, error = %s", exec.Status, exec.Error)
	}
	if exec.TriggerID != "trg_1" {
		t.Errorf("trigger id = %s", exec.TriggerID)
	}
	if len(f.caller.calls) != 1 || f.caller.calls[0]["path"] != "/tmp" {
		t.Errorf("calls = %+v", f.caller.calls)
	}
}

func TestExecutor_FailureAbortsByDefault(t *testing.T) {
	f := newFixture(t)
	f.caller.fail = true
	auto := automation(
		step(1, models.StepAction, models.SubtypeMCPCall,
			`{"server_id":"srv_1","tool_name":"list_files","arguments":{"path":"/"}}`),
		step(2, models.StepAction, models.SubtypeInternalTool,
			`{"tool_name":"echo","arguments":{"message":"never"}}`),
	)

	exec, err := f.executor.Run(context.Background(), auto, "", nil)
	if err != nil {
		t.Fatal(err)
	}
	if exec.Status != models.ExecutionFailed || exec.FailedStep != 1 {
		t.Fatalf("exec = %+v", exec)
	}
	if f.store.logFor(2) != nil {
		t.Error("step 2 must not run after step 1 fails")
	}
}

func TestExecutor_ContinueOnError(t *testing.T) {
	f := newFixture(t)
	f.caller.fail = true
	failing := step(1, models.StepAction, models.SubtypeMCPCall,
		`{"server_id":"srv_1","tool_name":"list_files","arguments":{"path":"/"}}`)
	failing.ContinueOnError = true
	auto := automation(
		failing,
		step(2, models.StepAction, models.SubtypeInternalTool,
			`{"tool_name":"echo","arguments":{"message":"still here"}}`),
	)

	exec, err := f.executor.Run(context.Background(), auto, "", nil)
	if err != nil {
		t.Fatal(err)
	}
	if exec.Status != models.ExecutionSuccess {
		t.Fatalf("status = %s, error = %s", exec.Status, exec.Error)
	}
	if log := f.store.logFor(2); log == nil || !strings.Contains(string(log.Output), "still here") {
		t.Errorf("step 2 log = %+v", log)
	}
}

func TestExecutor_ConditionBranches(t *testing.T) {
	f := newFixture(t)
	auto := automation(
		step(1, models.StepControl, models.SubtypeCondition,
			`{"expression":"{{input.count}} > 10","then_step":3}`),
		step(2, models.StepAction, models.SubtypeInternalTool,
			`{"tool_name":"echo","arguments":{"message":"small"}}`),
		step(3, models.StepAction, models.SubtypeInternalTool,
			`{"tool_name":"echo","arguments":{"message":"big"}}`),
	)

	exec, err := f.executor.Run(context.Background(), auto, "", map[string]any{"count": 42})
	if err != nil {
		t.Fatal(err)
	}
	if exec.Status != models.ExecutionSuccess {
		t.Fatalf("status = %s, error = %s", exec.Status, exec.Error)
	}
	if f.store.logFor(2) != nil {
		t.Error("then branch must skip step 2")
	}
	if log := f.store.logFor(3); log == nil || !strings.Contains(string(log.Output), "big") {
		t.Errorf("step 3 log = %+v", log)
	}
}

func TestExecutor_ConditionFallsThroughOnFalse(t *testing.T) {
	f := newFixture(t)
	auto := automation(
		step(1, models.StepControl, models.SubtypeCondition,
			`{"expression":"{{input.count}} > 10","then_step":3}`),
		step(2, models.StepAction, models.SubtypeInternalTool,
			`{"tool_name":"echo","arguments":{"message":"small"}}`),
		step(3, models.StepAction, models.SubtypeInternalTool,
			`{"tool_name":"echo","arguments":{"message":"big"}}`),
	)

	_, err := f.executor.Run(context.Background(), auto, "", map[string]any{"count": 3})
	if err != nil {
		t.Fatal(err)
	}
	if f.store.logFor(2) == nil {
		t.Error("false condition with no else_step should fall through to step 2")
	}
}

func TestExecutor_ConditionRejectsUnsafeExpression(t *testing.T) {
	f := newFixture(t)
	auto := automation(
		step(1, models.StepControl, models.SubtypeCondition,
			`{"expression":"__import__('os').system('true')"}`),
	)

	exec, err := f.executor.Run(context.Background(), auto, "", nil)
	if err != nil {
		t.Fatal(err)
	}
	if exec.Status != models.ExecutionFailed {
		t.Fatalf("status = %s", exec.Status)
	}
}

func TestExecutor_LoopRunsSubgraphPerItem(t *testing.T) {
	f := newFixture(t)
	auto := automation(
		step(1, models.StepControl, models.SubtypeLoop,
			`{"items":"{{input.names}}","steps":[{"order":10,"type":"action","subtype":"internal_tool","config":{"tool_name":"echo","arguments":{"message":"hi {{item}}"}},"enabled":true}]}`),
	)

	exec, err := f.executor.Run(context.Background(), auto, "", map[string]any{"names": []any{"ada", "grace"}})
	if err != nil {
		t.Fatal(err)
	}
	if exec.Status != models.ExecutionSuccess {
		t.Fatalf("status = %s, error = %s", exec.Status, exec.Error)
	}

	var subOutputs []string
	for _, l := range f.store.logs {
		if l.StepOrder == 10 {
			subOutputs = append(subOutputs, string(l.Output))
		}
	}
	if len(subOutputs) != 2 {
		t.Fatalf("sub-step ran %d times: %v", len(subOutputs), subOutputs)
	}
	if !strings.Contains(subOutputs[0], "hi ada") || !strings.Contains(subOutputs[1], "hi grace") {
		t.Errorf("outputs = %v", subOutputs)
	}
}

func TestExecutor_LoopRejectsNonList(t *testing.T) {
	f := newFixture(t)
	auto := automation(
		step(1, models.StepControl, models.SubtypeLoop,
			`{"items":"{{input.names}}","steps":[{"order":10,"type":"control","subtype":"delay","config":{"duration_ms":1},"enabled":true}]}`),
	)

	exec, err := f.executor.Run(context.Background(), auto, "", map[string]any{"names": "not a list"})
	if err != nil {
		t.Fatal(err)
	}
	if exec.Status != models.ExecutionFailed {
		t.Fatalf("status = %s", exec.Status)
	}
}

func TestExecutor_DelayHonorsCancellation(t *testing.T) {
	f := newFixture(t)
	auto := automation(
		step(1, models.StepControl, models.SubtypeDelay, `{"duration_ms":60000}`),
	)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	start := time.Now()
	exec, err := f.executor.Run(ctx, auto, "", nil)
	if err != nil {
		t.Fatal(err)
	}
	if time.Since(start) > 3*time.Second {
		t.Fatal("delay ignored context cancellation")
	}
	if exec.Status != models.ExecutionFailed {
		t.Errorf("status = %s", exec.Status)
	}
}

func TestExecutor_AIAction(t *testing.T) {
	f := newFixture(t)
	auto := automation(
		step(1, models.StepAction, models.SubtypeAIAction,
			`{"agent_id":"agt_1","prompt":"summarize {{input.doc}}"}`),
	)

	exec, err := f.executor.Run(context.Background(), auto, "", map[string]any{"doc": "report.txt"})
	if err != nil {
		t.Fatal(err)
	}
	if exec.Status != models.ExecutionSuccess {
		t.Fatalf("status = %s, error = %s", exec.Status, exec.Error)
	}
	if log := f.store.logFor(1); !strings.Contains(string(log.Output), "agent says: summarize report.txt") {
		t.Errorf("log output = %s", log.Output)
	}
}

func TestExecutor_DisabledStepsSkipped(t *testing.T) {
	f := newFixture(t)
	disabled := step(1, models.StepAction, models.SubtypeInternalTool,
		`{"tool_name":"echo","arguments":{"message":"skip me"}}`)
	disabled.Enabled = false
	auto := automation(
		disabled,
		step(2, models.StepAction, models.SubtypeInternalTool,
			`{"tool_name":"echo","arguments":{"message":"ran"}}`),
	)

	exec, err := f.executor.Run(context.Background(), auto, "", nil)
	if err != nil {
		t.Fatal(err)
	}
	if exec.Status != models.ExecutionSuccess {
		t.Fatalf("status = %s", exec.Status)
	}
	if f.store.logFor(1) != nil {
		t.Error("disabled step must not log")
	}
}

func TestExecutor_DisabledAutomationRejected(t *testing.T) {
	f := newFixture(t)
	auto := automation(step(1, models.StepControl, models.SubtypeDelay, `{"duration_ms":1}`))
	auto.Enabled = false

	if _, err := f.executor.Run(context.Background(), auto, "", nil); !apperr.Is(err, apperr.KindValidation) {
		t.Errorf("err = %v, want validation", err)
	}
}

func TestExecutor_StepLogsCarryDuration(t *testing.T) {
	f := newFixture(t)
	auto := automation(step(1, models.StepControl, models.SubtypeDelay, `{"duration_ms":10}`))

	if _, err := f.executor.Run(context.Background(), auto, "", nil); err != nil {
		t.Fatal(err)
	}
	log := f.store.logFor(1)
	if log == nil {
		t.Fatal("no step log")
	}
	if log.Duration < 10*time.Millisecond {
		t.Errorf("duration = %v", log.Duration)
	}
	if log.ExecutionID == "" {
		t.Error("log missing execution id")
	}
}

func TestExecutor_UnknownSubtypeFails(t *testing.T) {
	f := newFixture(t)
	auto := automation(step(1, models.StepAction, "teleport", `{}`))

	exec, err := f.executor.Run(context.Background(), auto, "", nil)
	if err != nil {
		t.Fatal(err)
	}
	if exec.Status != models.ExecutionFailed || !strings.Contains(exec.Error, "unknown step type") {
		t.Errorf("exec = %+v", exec)
	}
}

func TestExecutor_AgentFailurePropagates(t *testing.T) {
	store := newMemExecutionStore()
	executor := NewExecutor(store, &fakeServerStore{}, &fakeMCPCaller{},
		&fakeAgentRunner{err: errors.New("model unavailable")}, testRegistry(t),
		WithLogger(testLogger()))
	auto := automation(
		step(1, models.StepAction, models.SubtypeAIAction, `{"agent_id":"agt_1","prompt":"go"}`),
	)

	exec, err := executor.Run(context.Background(), auto, "", nil)
	if err != nil {
		t.Fatal(err)
	}
	if exec.Status != models.ExecutionFailed || !strings.Contains(exec.Error, "model unavailable") {
		t.Errorf("exec = %+v", exec)
	}
}
