// Package producer validates ingestion requests and hands them to the job
// queue. It is the stateless half of the producer/consumer split: it never
// touches a working clone, the blob store, or the vector store directly.
package producer

import (
	"context"
	"fmt"
	"net/url"
	"regexp"
	"strings"
	"time"

	"github.com/seanblong/reposearch/pkg/models"
)

// ValidationError marks a request rejected before it ever reaches the
// queue; callers translate it to a 400-class response.
type ValidationError struct {
	Message string
}

func (e *ValidationError) Error() string { return e.Message }

var repoIDPattern = regexp.MustCompile(`^[A-Za-z0-9._-]+$`)

var knownHosts = []string{"github.com", "gitlab.com", "bitbucket.org"}

// Queue is the subset of the job queue the producer needs.
type Queue interface {
	Enqueue(ctx context.Context, job models.IngestJob) (jobID string, err error)
}

// Request is the raw ingestion request as received from the HTTP layer.
type Request struct {
	RepoURL string
	Ref     string
	Token   string
	UserID  string
	RepoID  string
	Meta    map[string]any
}

// Producer validates and enqueues ingestion jobs.
type Producer struct {
	Queue Queue
}

// Enqueued is what the producer returns on success, mirroring the ingest
// endpoint's response body: {status, jobId, repoUrl, ref, repoId}.
type Enqueued struct {
	Status  string `json:"status"`
	JobID   string `json:"jobId"`
	RepoURL string `json:"repoUrl"`
	Ref     string `json:"ref"`
	RepoID  string `json:"repoId"`
}

// Enqueue validates req and, if valid, enqueues an ingestion job.
func (p *Producer) Enqueue(ctx context.Context, req Request) (Enqueued, error) {
	repoURL, err := validateRepoURL(req.RepoURL)
	if err != nil {
		return Enqueued{}, err
	}

	ref := req.Ref
	if ref == "" {
		ref = "main"
	}

	repoID := req.RepoID
	if repoID == "" {
		repoID, err = deriveRepoID(repoURL)
		if err != nil {
			return Enqueued{}, err
		}
	} else if !repoIDPattern.MatchString(repoID) {
		return Enqueued{}, &ValidationError{Message: fmt.Sprintf("repoId %q does not match [A-Za-z0-9._-]+", repoID)}
	}

	meta, err := validateMeta(req.Meta)
	if err != nil {
		return Enqueued{}, err
	}

	job := models.IngestJob{
		RepoURL:  repoURL,
		Ref:      ref,
		Token:    req.Token,
		UserID:   req.UserID,
		RepoID:   repoID,
		Meta:     meta,
		QueuedAt: time.Now().UTC(),
	}

	jobID, err := p.Queue.Enqueue(ctx, job)
	if err != nil {
		return Enqueued{}, fmt.Errorf("producer: enqueue: %w", err)
	}

	return Enqueued{Status: "queued", JobID: jobID, RepoURL: repoURL, Ref: ref, RepoID: repoID}, nil
}

func validateRepoURL(raw string) (string, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", &ValidationError{Message: "repoUrl is required"}
	}

	u, err := url.ParseRequestURI(raw)
	if err != nil || u.Host == "" {
		return "", &ValidationError{Message: fmt.Sprintf("repoUrl %q is not a well-formed URL", raw)}
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return "", &ValidationError{Message: "repoUrl must use http or https"}
	}

	if strings.HasSuffix(raw, ".git") {
		return raw, nil
	}
	for _, h := range knownHosts {
		if u.Host == h || strings.HasSuffix(u.Host, "."+h) {
			return raw, nil
		}
	}
	return "", &ValidationError{Message: fmt.Sprintf("repoUrl %q must end in .git or use a known host (github/gitlab/bitbucket)", raw)}
}

func deriveRepoID(repoURL string) (string, error) {
	trimmed := strings.TrimSuffix(strings.TrimRight(repoURL, "/"), ".git")
	idx := strings.LastIndex(trimmed, "/")
	candidate := trimmed
	if idx >= 0 {
		candidate = trimmed[idx+1:]
	}
	if candidate == "" || !repoIDPattern.MatchString(candidate) {
		return "", &ValidationError{Message: fmt.Sprintf("could not derive a valid repoId from %q", repoURL)}
	}
	return candidate, nil
}

// validateMeta rejects any nested or array value; only flat primitives
// survive.
func validateMeta(meta map[string]any) (map[string]any, error) {
	if len(meta) == 0 {
		return nil, nil
	}
	for k, v := range meta {
		switch v.(type) {
		case string, bool, float64, int, int32, int64, float32:
			// primitive, ok
		default:
			return nil, &ValidationError{Message: fmt.Sprintf("meta key %q must be a primitive (string|number|boolean)", k)}
		}
	}
	return meta, nil
}
