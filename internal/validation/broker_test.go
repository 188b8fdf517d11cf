package validation

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/haasonsaas/atrium/internal/apperr"
	"github.com/haasonsaas/atrium/internal/mcp"
	"github.com/haasonsaas/atrium/internal/session"
	"github.com/haasonsaas/atrium/pkg/models"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type memStore struct {
	mu          sync.Mutex
	validations map[string]*models.Validation
}

func newMemStore() *memStore {
	return &memStore{validations: make(map[string]*models.Validation)}
}

func (s *memStore) CreateValidation(ctx context.Context, v *models.Validation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	copied := *v
	s.validations[v.ID] = &copied
	return nil
}

func (s *memStore) GetValidation(ctx context.Context, id string) (*models.Validation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.validations[id]
	if !ok {
		return nil, apperr.NotFound("validation %s", id)
	}
	copied := *v
	return &copied, nil
}

func (s *memStore) UpdateValidation(ctx context.Context, v *models.Validation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	copied := *v
	s.validations[v.ID] = &copied
	return nil
}

func (s *memStore) ExpiredPendingValidations(ctx context.Context, cutoff time.Time) ([]*models.Validation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*models.Validation
	for _, v := range s.validations {
		if v.Status == models.ValidationPending && !v.ExpiresAt.After(cutoff) {
			copied := *v
			out = append(out, &copied)
		}
	}
	return out, nil
}

type recordingSessions struct {
	mu       sync.Mutex
	injected map[string][]*session.ValidationResult
	present  bool
}

func (s *recordingSessions) InjectValidationResult(chatID string, result *session.ValidationResult) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.present {
		return false
	}
	if s.injected == nil {
		s.injected = make(map[string][]*session.ValidationResult)
	}
	s.injected[chatID] = append(s.injected[chatID], result)
	return true
}

func (s *recordingSessions) lastFor(chatID string) *session.ValidationResult {
	s.mu.Lock()
	defer s.mu.Unlock()
	results := s.injected[chatID]
	if len(results) == 0 {
		return nil
	}
	return results[len(results)-1]
}

type fakeServers struct {
	server *models.MCPServer
}

func (s *fakeServers) GetServer(ctx context.Context, id string) (*models.MCPServer, error) {
	if s.server == nil || s.server.ID != id {
		return nil, apperr.NotFound("server %s", id)
	}
	return s.server, nil
}

type fakeCaller struct {
	mu    sync.Mutex
	calls int
	fail  bool
}

func (c *fakeCaller) CallTool(ctx context.Context, server *models.MCPServer, name string, args map[string]any) *mcp.CallToolResult {
	c.mu.Lock()
	c.calls++
	c.mu.Unlock()
	if c.fail {
		return &mcp.CallToolResult{Success: false, Error: "tool exploded"}
	}
	return &mcp.CallToolResult{Success: true, Result: "listing for " + name}
}

type fakeResumer struct {
	mu      sync.Mutex
	resumed []string
}

func (r *fakeResumer) ResumeInBackground(chatID string, result *session.ValidationResult) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.resumed = append(r.resumed, chatID)
}

type brokerFixture struct {
	broker   *Broker
	store    *memStore
	sessions *recordingSessions
	caller   *fakeCaller
	resumer  *fakeResumer
}

func newBrokerFixture(t *testing.T, opts ...Option) *brokerFixture {
	t.Helper()
	store := newMemStore()
	sessions := &recordingSessions{present: true}
	caller := &fakeCaller{}
	resumer := &fakeResumer{}
	servers := &fakeServers{server: &models.MCPServer{ID: "srv_1", Name: "files", Transport: models.TransportHTTP}}
	opts = append([]Option{WithLogger(testLogger()), WithResumer(resumer)}, opts...)
	broker := NewBroker(store, sessions, servers, caller, opts...)
	return &brokerFixture{broker: broker, store: store, sessions: sessions, caller: caller, resumer: resumer}
}

func mcpPayload() *models.ValidationPayload {
	return &models.ValidationPayload{
		ServerID:  "srv_1",
		ToolName:  "list_files",
		Arguments: json.RawMessage(`{"path":"/tmp"}`),
	}
}

func TestBroker_CreatePending(t *testing.T) {
	now := time.Date(2026, 8, 24, 10, 0, 0, 0, time.UTC)
	f := newBrokerFixture(t, WithNow(func() time.Time { return now }))

	v, err := f.broker.Create(context.Background(), "mcp", "Call list_files on files", "agt_1", "cht_1", mcpPayload())
	if err != nil {
		t.Fatal(err)
	}
	if v.Status != models.ValidationPending {
		t.Errorf("status = %s", v.Status)
	}
	if !models.HasPrefix(v.ID, models.PrefixValidation) {
		t.Errorf("id = %s", v.ID)
	}
	if got := v.ExpiresAt.Sub(now); got != models.DefaultValidationTTL {
		t.Errorf("ttl = %v", got)
	}
}

func TestBroker_CreateRequiresTitle(t *testing.T) {
	f := newBrokerFixture(t)
	if _, err := f.broker.Create(context.Background(), "mcp", "", "", "", nil); !apperr.Is(err, apperr.KindValidation) {
		t.Errorf("err = %v", err)
	}
}

func TestBroker_TransitionDAG(t *testing.T) {
	f := newBrokerFixture(t)
	v, err := f.broker.Create(context.Background(), "mcp", "gate", "", "cht_1", nil)
	if err != nil {
		t.Fatal(err)
	}

	if _, err := f.broker.Transition(context.Background(), v.ID, models.ValidationFeedback, "op_1"); err != nil {
		t.Fatal(err)
	}
	if _, err := f.broker.Transition(context.Background(), v.ID, models.ValidationApproved, "op_1"); err != nil {
		t.Fatal(err)
	}

	// Approved is terminal.
	if _, err := f.broker.Transition(context.Background(), v.ID, models.ValidationRejected, "op_1"); !apperr.Is(err, apperr.KindConflict) {
		t.Errorf("err = %v, want conflict", err)
	}

	terminal, err := f.broker.IsTerminal(context.Background(), v.ID)
	if err != nil || !terminal {
		t.Errorf("terminal = %v, err = %v", terminal, err)
	}
}

func TestBroker_ApproveExecutesToolAndInjects(t *testing.T) {
	f := newBrokerFixture(t)
	v, err := f.broker.Create(context.Background(), "mcp", "gate", "agt_1", "cht_1", mcpPayload())
	if err != nil {
		t.Fatal(err)
	}

	if _, err := f.broker.Approve(context.Background(), v.ID, "op_1"); err != nil {
		t.Fatal(err)
	}
	if f.caller.calls != 1 {
		t.Errorf("tool called %d times", f.caller.calls)
	}

	result := f.sessions.lastFor("cht_1")
	if result == nil {
		t.Fatal("no result injected")
	}
	if result.ValidationID != v.ID || result.Action != "approved" {
		t.Errorf("result = %+v", result)
	}
	callRes, ok := result.Data.(*mcp.CallToolResult)
	if !ok || !callRes.Success || callRes.Result != "listing for list_files" {
		t.Errorf("data = %+v", result.Data)
	}
}

func TestBroker_ApproveToolFailureStillInjects(t *testing.T) {
	f := newBrokerFixture(t)
	f.caller.fail = true
	v, _ := f.broker.Create(context.Background(), "mcp", "gate", "", "cht_1", mcpPayload())

	if _, err := f.broker.Approve(context.Background(), v.ID, "op_1"); err != nil {
		t.Fatal(err)
	}
	result := f.sessions.lastFor("cht_1")
	callRes, ok := result.Data.(*mcp.CallToolResult)
	if !ok || callRes.Success {
		t.Errorf("data = %+v", result.Data)
	}
}

func TestBroker_ApproveInternalPayloadSkipsMCP(t *testing.T) {
	f := newBrokerFixture(t)
	payload := &models.ValidationPayload{ToolName: "echo", Internal: true}
	v, _ := f.broker.Create(context.Background(), "internal", "gate", "", "cht_1", payload)

	if _, err := f.broker.Approve(context.Background(), v.ID, "op_1"); err != nil {
		t.Fatal(err)
	}
	if f.caller.calls != 0 {
		t.Error("internal payload must not call MCP")
	}
	if result := f.sessions.lastFor("cht_1"); result.Data != nil {
		t.Errorf("data = %+v", result.Data)
	}
}

func TestBroker_RejectInjects(t *testing.T) {
	f := newBrokerFixture(t)
	v, _ := f.broker.Create(context.Background(), "mcp", "gate", "", "cht_1", mcpPayload())

	if _, err := f.broker.Reject(context.Background(), v.ID, "op_1"); err != nil {
		t.Fatal(err)
	}
	if f.caller.calls != 0 {
		t.Error("rejection must not execute the tool")
	}
	if result := f.sessions.lastFor("cht_1"); result.Action != "rejected" {
		t.Errorf("result = %+v", result)
	}
}

func TestBroker_FeedbackCarriesText(t *testing.T) {
	f := newBrokerFixture(t)
	v, _ := f.broker.Create(context.Background(), "mcp", "gate", "", "cht_1", mcpPayload())

	updated, err := f.broker.Feedback(context.Background(), v.ID, "op_1", "use /var instead")
	if err != nil {
		t.Fatal(err)
	}
	if updated.Status != models.ValidationFeedback || updated.Feedback != "use /var instead" {
		t.Errorf("validation = %+v", updated)
	}

	result := f.sessions.lastFor("cht_1")
	if result.Action != "feedback" || result.Data != "use /var instead" {
		t.Errorf("result = %+v", result)
	}

	// Feedback is not terminal; approval may follow.
	if _, err := f.broker.Approve(context.Background(), v.ID, "op_1"); err != nil {
		t.Fatal(err)
	}
}

func TestBroker_SessionGoneTriggersBackgroundResume(t *testing.T) {
	f := newBrokerFixture(t)
	f.sessions.present = false
	v, _ := f.broker.Create(context.Background(), "mcp", "gate", "", "cht_1", mcpPayload())

	if _, err := f.broker.Approve(context.Background(), v.ID, "op_1"); err != nil {
		t.Fatal(err)
	}
	if len(f.resumer.resumed) != 1 || f.resumer.resumed[0] != "cht_1" {
		t.Errorf("resumed = %v", f.resumer.resumed)
	}
}

func TestBroker_ExpireStale(t *testing.T) {
	current := time.Date(2026, 8, 24, 10, 0, 0, 0, time.UTC)
	f := newBrokerFixture(t, WithNow(func() time.Time { return current }))

	stale, _ := f.broker.Create(context.Background(), "mcp", "old gate", "", "cht_1", nil)
	current = current.Add(3 * time.Hour)
	fresh, _ := f.broker.Create(context.Background(), "mcp", "new gate", "", "cht_2", nil)

	count, err := f.broker.ExpireStale(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if count != 1 {
		t.Fatalf("expired %d", count)
	}

	got, _ := f.store.GetValidation(context.Background(), stale.ID)
	if got.Status != models.ValidationCancelled || got.DecidedBy != "system" {
		t.Errorf("stale = %+v", got)
	}
	kept, _ := f.store.GetValidation(context.Background(), fresh.ID)
	if kept.Status != models.ValidationPending {
		t.Errorf("fresh = %+v", kept)
	}
	if result := f.sessions.lastFor("cht_1"); result == nil || result.Action != "cancelled" {
		t.Errorf("injected = %+v", result)
	}
}
