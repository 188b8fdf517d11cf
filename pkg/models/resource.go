package models

import "time"

// ResourceStatus is the ingestion lifecycle status of a RAG corpus.
type ResourceStatus string

const (
	ResourcePending    ResourceStatus = "pending"
	ResourceProcessing ResourceStatus = "processing"
	ResourceReady      ResourceStatus = "ready"
	ResourceError      ResourceStatus = "error"
)

// Resource is a RAG corpus. Names are unique per user. Uploads and embeddings
// cascade on delete.
type Resource struct {
	ID             string         `json:"id"`
	UserID         string         `json:"user_id"`
	Name           string         `json:"name"`
	EmbeddingModel string         `json:"embedding_model"`
	Dimension      int            `json:"dimension"`
	Status         ResourceStatus `json:"status"`
	StatusMessage  string         `json:"status_message,omitempty"`
	ChunkCount     int            `json:"chunk_count"`
	CreatedAt      time.Time      `json:"created_at"`
	UpdatedAt      time.Time      `json:"updated_at"`
}

// Upload is a single ingested file inside a resource.
type Upload struct {
	ID         string    `json:"id"`
	ResourceID string    `json:"resource_id"`
	Filename   string    `json:"filename"`
	SizeBytes  int64     `json:"size_bytes"`
	ChunkCount int       `json:"chunk_count"`
	CreatedAt  time.Time `json:"created_at"`
}
