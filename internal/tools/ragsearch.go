package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/haasonsaas/atrium/internal/rag"
)

// RAGSearchName is the tool name the internal RAG server exposes.
const RAGSearchName = "rag_search"

type ragScopeKey struct{}

// RAGScope carries the turn's retrieval scope: which resources the agent may
// search and where to report source attributions.
type RAGScope struct {
	ResourceIDs []string
	OnSources   func([]rag.Source)
}

// WithRAGScope attaches a retrieval scope to the context for the duration of
// a turn.
func WithRAGScope(ctx context.Context, scope *RAGScope) context.Context {
	return context.WithValue(ctx, ragScopeKey{}, scope)
}

// RAGScopeFrom returns the scope attached to the context, or nil.
func RAGScopeFrom(ctx context.Context) *RAGScope {
	scope, _ := ctx.Value(ragScopeKey{}).(*RAGScope)
	return scope
}

// RAGSearchTool searches the agent's ready resources for relevant passages.
type RAGSearchTool struct {
	retriever *rag.Retriever
}

// NewRAGSearchTool builds the rag_search handler.
func NewRAGSearchTool(retriever *rag.Retriever) *RAGSearchTool {
	return &RAGSearchTool{retriever: retriever}
}

func (t *RAGSearchTool) Name() string { return RAGSearchName }

func (t *RAGSearchTool) Description() string {
	return "Searches the attached knowledge base resources for passages relevant to a query."
}

func (t *RAGSearchTool) Schema() json.RawMessage {
	return json.RawMessage(`{
  "type": "object",
  "properties": {
    "query": {"type": "string", "description": "Search query to find relevant passages"},
    "limit": {"type": "integer", "description": "Maximum number of passages to return"}
  },
  "required": ["query"]
}`)
}

type ragSearchInput struct {
	Query string `json:"query"`
	Limit int    `json:"limit"`
}

type ragSearchResult struct {
	ResourceName string  `json:"resource_name"`
	Snippet      string  `json:"snippet"`
	Similarity   float64 `json:"similarity"`
}

// Execute runs the search within the scope attached to the context and
// reports the sources for the stream's sources event.
func (t *RAGSearchTool) Execute(ctx context.Context, params json.RawMessage) (*Result, error) {
	scope := RAGScopeFrom(ctx)
	if scope == nil || len(scope.ResourceIDs) == 0 {
		return &Result{Content: "no knowledge base resources are attached to this conversation"}, nil
	}

	var input ragSearchInput
	if err := json.Unmarshal(params, &input); err != nil {
		return &Result{Content: fmt.Sprintf("invalid params: %v", err), IsError: true}, nil
	}
	query := strings.TrimSpace(input.Query)
	if query == "" {
		return &Result{Content: "query is required", IsError: true}, nil
	}

	sources, err := t.retriever.Retrieve(ctx, query, scope.ResourceIDs, input.Limit)
	if err != nil {
		return &Result{Content: fmt.Sprintf("retrieval failed: %v", err), IsError: true}, nil
	}
	if len(sources) == 0 {
		return &Result{Content: "no relevant passages found"}, nil
	}
	if scope.OnSources != nil {
		scope.OnSources(sources)
	}

	results := make([]ragSearchResult, len(sources))
	for i, s := range sources {
		results[i] = ragSearchResult{ResourceName: s.ResourceName, Snippet: s.Snippet, Similarity: s.Similarity}
	}
	payload, err := json.Marshal(results)
	if err != nil {
		return nil, err
	}
	return &Result{Content: string(payload)}, nil
}
