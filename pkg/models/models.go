// Package models holds the data shapes shared across the ingestion pipeline
// and the retrieval engine.
package models

import "time"

// RepoState is the durable per-repository record: where it lives on disk,
// and the last commit the worker fleet has fully ingested.
type RepoState struct {
	ID                  string            `json:"id"`
	RepoURL             string            `json:"repoUrl"`
	LocalPath           string            `json:"localPath"`
	LastProcessedCommit *string           `json:"lastProcessedCommit"`
	FileSignatures      map[string]string `json:"fileSignatures"`
}

// Blob is the full sanitized content of one source file, one per
// (repository, path).
type Blob struct {
	ID       string         `json:"id"` // relative path
	RepoID   string         `json:"repoId"`
	Content  string         `json:"content"`
	Metadata map[string]any `json:"metadata"`
}

// Chunk is a parent-file result returned by the retriever in parent mode, or
// a child chunk returned in chunk mode.
type Chunk struct {
	ID       string         `json:"id"`
	Content  string         `json:"content"`
	RepoID   string         `json:"repoId"`
	Metadata map[string]any `json:"metadata"`
}

// VectorRecord is one indexed embedding with its full metadata envelope, per
// the reserved-field contract in spec.md §3.
type VectorRecord struct {
	ID       string         `json:"id"`
	Vector   []float32      `json:"vector"`
	Content  string         `json:"content"`
	Metadata map[string]any `json:"metadata"`
}

// Reserved metadata keys. User-supplied meta can never overwrite these.
var ReservedMetadataKeys = map[string]bool{
	"id": true, "category": true, "repositoryId": true, "repoId": true,
	"workspaceId": true, "userId": true, "timestamp": true, "filePath": true,
	"fileType": true, "chunkIndex": true, "chunkType": true, "parentId": true,
	"functionName": true, "startLine": true, "endLine": true,
}

// IngestJob is the queue wire payload for one ingestion request.
type IngestJob struct {
	RepoURL  string         `json:"repoUrl"`
	Ref      string         `json:"ref"`
	Token    string         `json:"token,omitempty"`
	UserID   string         `json:"userId,omitempty"`
	RepoID   string         `json:"repoId"`
	Meta     map[string]any `json:"meta,omitempty"`
	QueuedAt time.Time      `json:"queuedAt"`
}
