// Package gitmirror keeps a local clone of a remote repository in sync and
// reports the set of files that changed between two commits, the way
// cmd/indexer/main.go in the teacher project shells out to system git to
// clone and pull, but driven by go-git/go-git/v5 instead of os/exec so the
// diff between two ingestion runs can be computed programmatically.
package gitmirror

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"
	"github.com/go-git/go-git/v5/plumbing/transport/http"
	"github.com/go-git/go-git/v5/utils/merkletrie"

	"github.com/rs/zerolog/log"
)

// ChangeType classifies one path between two commits.
type ChangeType string

const (
	Added    ChangeType = "added"
	Modified ChangeType = "modified"
	Deleted  ChangeType = "deleted"
	Renamed  ChangeType = "renamed"
)

// FileChange is one entry in a commit-to-commit diff. OldPath is only set
// for Renamed entries.
type FileChange struct {
	Path    string
	OldPath string
	Type    ChangeType
}

// Sync ensures localPath holds a working clone of repoURL checked out at
// ref, cloning fresh if localPath does not yet contain a repository and
// fetching plus checking out ref otherwise. It returns the resulting HEAD
// commit SHA.
func Sync(ctx context.Context, repoURL, ref, token, localPath string) (string, error) {
	var auth *http.BasicAuth
	if token != "" {
		auth = &http.BasicAuth{Username: "x-access-token", Password: token}
	}

	repo, err := git.PlainOpen(localPath)
	switch {
	case errors.Is(err, git.ErrRepositoryNotExists):
		log.Info().Str("repoUrl", repoURL).Str("path", localPath).Msg("gitmirror: cloning")
		repo, err = git.PlainCloneContext(ctx, localPath, false, &git.CloneOptions{
			URL:  repoURL,
			Auth: auth,
		})
		if err != nil {
			return "", fmt.Errorf("gitmirror: clone %s: %w", repoURL, err)
		}
	case err != nil:
		return "", fmt.Errorf("gitmirror: open %s: %w", localPath, err)
	default:
		remote, rerr := repo.Remote("origin")
		if rerr != nil {
			return "", fmt.Errorf("gitmirror: origin remote: %w", rerr)
		}
		if ferr := remote.FetchContext(ctx, &git.FetchOptions{Auth: auth, Force: true}); ferr != nil && !errors.Is(ferr, git.NoErrAlreadyUpToDate) {
			return "", fmt.Errorf("gitmirror: fetch %s: %w", repoURL, ferr)
		}
	}

	wt, err := repo.Worktree()
	if err != nil {
		return "", fmt.Errorf("gitmirror: worktree: %w", err)
	}

	hash, err := resolveRef(repo, ref)
	if err != nil {
		return "", fmt.Errorf("gitmirror: resolve ref %q: %w", ref, err)
	}

	if err := wt.Checkout(&git.CheckoutOptions{Hash: hash, Force: true}); err != nil {
		return "", fmt.Errorf("gitmirror: checkout %s: %w", hash, err)
	}

	return hash.String(), nil
}

func resolveRef(repo *git.Repository, ref string) (plumbing.Hash, error) {
	candidates := []plumbing.ReferenceName{
		plumbing.NewRemoteReferenceName("origin", ref),
		plumbing.NewBranchReferenceName(ref),
		plumbing.NewTagReferenceName(ref),
	}
	for _, name := range candidates {
		if r, err := repo.Reference(name, true); err == nil {
			return r.Hash(), nil
		}
	}
	// fall back to treating ref as a raw commit SHA.
	h := plumbing.NewHash(ref)
	if _, err := repo.CommitObject(h); err == nil {
		return h, nil
	}
	return plumbing.ZeroHash, fmt.Errorf("no branch, tag or commit matches %q", ref)
}

// CurrentCommit returns the SHA the working directory at localPath is
// currently checked out to.
func CurrentCommit(localPath string) (string, error) {
	repo, err := git.PlainOpen(localPath)
	if err != nil {
		return "", fmt.Errorf("gitmirror: open %s: %w", localPath, err)
	}
	head, err := repo.Head()
	if err != nil {
		return "", fmt.Errorf("gitmirror: head: %w", err)
	}
	return head.Hash().String(), nil
}

// ChangedFiles computes the set of files that changed between fromSHA and
// toSHA. An empty fromSHA means "nothing processed yet": every file in
// toSHA's tree is reported Added.
func ChangedFiles(localPath, fromSHA, toSHA string) ([]FileChange, error) {
	repo, err := git.PlainOpen(localPath)
	if err != nil {
		return nil, fmt.Errorf("gitmirror: open %s: %w", localPath, err)
	}

	toCommit, err := repo.CommitObject(plumbing.NewHash(toSHA))
	if err != nil {
		return nil, fmt.Errorf("gitmirror: commit %s: %w", toSHA, err)
	}
	toTree, err := toCommit.Tree()
	if err != nil {
		return nil, fmt.Errorf("gitmirror: tree for %s: %w", toSHA, err)
	}

	if fromSHA == "" {
		return allFilesAsAdded(toTree)
	}

	fromCommit, err := repo.CommitObject(plumbing.NewHash(fromSHA))
	if err != nil {
		return nil, fmt.Errorf("gitmirror: commit %s: %w", fromSHA, err)
	}
	fromTree, err := fromCommit.Tree()
	if err != nil {
		return nil, fmt.Errorf("gitmirror: tree for %s: %w", fromSHA, err)
	}

	changes, err := fromTree.Diff(toTree)
	if err != nil {
		return nil, fmt.Errorf("gitmirror: diff %s..%s: %w", fromSHA, toSHA, err)
	}

	var added, deleted []object.Change
	var result []FileChange

	for _, c := range changes {
		action, err := c.Action()
		if err != nil {
			return nil, fmt.Errorf("gitmirror: change action: %w", err)
		}
		switch action {
		case merkletrie.Insert:
			added = append(added, c)
		case merkletrie.Delete:
			deleted = append(deleted, c)
		default: // merkletrie.Modify
			result = append(result, FileChange{Path: c.To.Name, Type: Modified})
		}
	}

	result = append(result, pairRenames(added, deleted)...)
	return result, nil
}

// pairRenames approximates git's similarity-based rename detection: go-git's
// tree diff reports a rename as a delete plus an insert, so a deleted path
// and an added path that share the same blob hash are folded into one
// Renamed entry. Anything left unpaired is a genuine add or delete.
func pairRenames(added, deleted []object.Change) []FileChange {
	deletedByHash := make(map[string][]object.Change, len(deleted))
	for _, d := range deleted {
		h, err := blobHash(d)
		if err != nil {
			continue
		}
		deletedByHash[h] = append(deletedByHash[h], d)
	}

	var result []FileChange

	for _, a := range added {
		h, err := blobHash(a)
		if err != nil {
			result = append(result, FileChange{Path: a.To.Name, Type: Added})
			continue
		}
		if ds := deletedByHash[h]; len(ds) > 0 {
			deletedByHash[h] = ds[1:]
			result = append(result, FileChange{Path: a.To.Name, OldPath: ds[0].From.Name, Type: Renamed})
			continue
		}
		result = append(result, FileChange{Path: a.To.Name, Type: Added})
	}

	for _, ds := range deletedByHash {
		for _, d := range ds {
			result = append(result, FileChange{Path: d.From.Name, Type: Deleted})
		}
	}

	return result
}

func blobHash(c object.Change) (string, error) {
	var fileEntry object.ChangeEntry = c.To
	if fileEntry.Name == "" {
		fileEntry = c.From
	}
	if fileEntry.TreeEntry.Hash.IsZero() {
		return "", fmt.Errorf("gitmirror: no blob for %s", fileEntry.Name)
	}
	return fileEntry.TreeEntry.Hash.String(), nil
}

func allFilesAsAdded(tree *object.Tree) ([]FileChange, error) {
	var result []FileChange
	walker := object.NewTreeWalker(tree, true, nil)
	defer walker.Close()
	for {
		name, entry, err := walker.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("gitmirror: walk tree: %w", err)
		}
		if entry.Mode.IsFile() {
			result = append(result, FileChange{Path: name, Type: Added})
		}
	}
	return result, nil
}

// ReadFile returns the content of path as checked out on disk at localPath.
func ReadFile(localPath, path string) ([]byte, error) {
	data, err := os.ReadFile(localPath + string(os.PathSeparator) + path)
	if err != nil {
		return nil, fmt.Errorf("gitmirror: read %s: %w", path, err)
	}
	return data, nil
}

// ContentHash returns the hex SHA-256 digest of content. Rename pairing in
// this package does not use it; it compares git blob hashes instead.
func ContentHash(content []byte) string {
	sum := sha256.Sum256(content)
	return hex.EncodeToString(sum[:])
}
