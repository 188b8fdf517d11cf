package models

import "time"

// Agent is a reusable persona. System agents reject deletion and mutation
// from user-facing paths.
type Agent struct {
	ID           string    `json:"id"`
	UserID       string    `json:"user_id"`
	Name         string    `json:"name"`
	SystemPrompt string    `json:"system_prompt,omitempty"`
	Tags         []string  `json:"tags,omitempty"`
	ServerIDs    []string  `json:"server_ids,omitempty"`
	ResourceIDs  []string  `json:"resource_ids,omitempty"`
	IsSystem     bool      `json:"is_system"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// User is the owning principal for chats, agents, servers, and resources.
type User struct {
	ID        string    `json:"id"`
	Email     string    `json:"email"`
	Name      string    `json:"name,omitempty"`
	IsSystem  bool      `json:"is_system"`
	CreatedAt time.Time `json:"created_at"`
}

// CatalogModel is an entry in the synced model catalog.
type CatalogModel struct {
	ID          string    `json:"id"`
	Provider    string    `json:"provider"`
	ModelID     string    `json:"model_id"`
	DisplayName string    `json:"display_name"`
	ContextSize int       `json:"context_size,omitempty"`
	SyncedAt    time.Time `json:"synced_at"`
}
