package mcp

import (
	"context"
	"crypto/rand"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/haasonsaas/atrium/internal/secrets"
	"github.com/haasonsaas/atrium/pkg/models"
)

type recordingToolStore struct {
	mu       sync.Mutex
	replaced map[string][]models.Tool
}

func (s *recordingToolStore) ReplaceServerTools(ctx context.Context, serverID string, tools []models.Tool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.replaced == nil {
		s.replaced = make(map[string][]models.Tool)
	}
	s.replaced[serverID] = tools
	return nil
}

func TestManager_VerifyPersistsTools(t *testing.T) {
	srv := httptest.NewServer(fakeMCPHandler(t, ""))
	defer srv.Close()

	store := &recordingToolStore{}
	m := NewManager(nil, nil, nil, store)
	defer m.Close()

	server := httpServerModel(srv.URL)
	res := m.Verify(context.Background(), server)
	if res.Status != VerifyActive {
		t.Fatalf("status = %s (%s)", res.Status, res.StatusMessage)
	}

	tools := store.replaced[server.ID]
	if len(tools) != 2 {
		t.Fatalf("persisted %d tools, want 2", len(tools))
	}
	for _, tool := range tools {
		if !models.HasPrefix(tool.ID, models.PrefixTool) {
			t.Errorf("tool id %q lacks prefix", tool.ID)
		}
		if tool.ServerID != server.ID {
			t.Errorf("tool server id = %q", tool.ServerID)
		}
		if !tool.Enabled || !tool.IsRemovable {
			t.Errorf("discovered tool should be enabled and removable: %+v", tool)
		}
	}
}

func TestManager_ClientCachedAndInvalidated(t *testing.T) {
	srv := httptest.NewServer(fakeMCPHandler(t, ""))
	defer srv.Close()

	m := NewManager(nil, nil, nil, nil)
	defer m.Close()

	server := httpServerModel(srv.URL)
	a, err := m.Client(server)
	if err != nil {
		t.Fatal(err)
	}
	b, _ := m.Client(server)
	if a != b {
		t.Error("client should be cached per server id")
	}

	m.Invalidate(server.ID)
	c, _ := m.Client(server)
	if c == a {
		t.Error("invalidate should drop the cached client")
	}
}

func TestManager_APIKeyDecryption(t *testing.T) {
	srv := httptest.NewServer(fakeMCPHandler(t, "Bearer sk-secret"))
	defer srv.Close()

	key := make([]byte, 32)
	rand.Read(key)
	box, err := secrets.NewBox(key)
	if err != nil {
		t.Fatal(err)
	}
	cipher, err := box.Encrypt("sk-secret")
	if err != nil {
		t.Fatal(err)
	}

	server := httpServerModel(srv.URL)
	server.AuthType = models.AuthAPIKey
	server.APIKeyCipher = cipher

	m := NewManager(nil, box, nil, nil)
	defer m.Close()

	if res := m.ListTools(context.Background(), server); !res.Success {
		t.Fatalf("ListTools with decrypted key failed: %s", res.Error)
	}

	// Without a key store the same server cannot be served.
	bare := NewManager(nil, nil, nil, nil)
	defer bare.Close()
	if res := bare.ListTools(context.Background(), server); res.Success {
		t.Error("manager without a key store must fail api-key servers")
	}
}
