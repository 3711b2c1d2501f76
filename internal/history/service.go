// Package history keeps a git repository per user under a base
// directory and commits every saved revision of a day's sheet into it,
// one markdown file per day. The log of a single file is that day's
// revision history.
package history

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	git "github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"
)

// Revision is one saved state of a day's sheet.
type Revision struct {
	Hash      string    `json:"hash"`
	Message   string    `json:"message"`
	CreatedAt time.Time `json:"createdAt"`
}

type Service struct {
	baseDir string
	lockMu  sync.Mutex
	locks   map[string]*sync.Mutex
}

func New(baseDir string) *Service {
	return &Service{
		baseDir: baseDir,
		locks:   make(map[string]*sync.Mutex),
	}
}

// RecordRevision commits the body of one day's sheet into the user's
// journal repository, initializing the repository on first use.
func (s *Service) RecordRevision(_ context.Context, userID, dateKey, body string) error {
	lock := s.userLock(userID)
	lock.Lock()
	defer lock.Unlock()

	repo, err := s.ensureRepo(userID)
	if err != nil {
		return err
	}

	worktree, err := repo.Worktree()
	if err != nil {
		return fmt.Errorf("open worktree: %w", err)
	}

	filename := dateKey + ".md"
	repoRoot := worktree.Filesystem.Root()
	if err := os.WriteFile(filepath.Join(repoRoot, filename), []byte(body), 0o644); err != nil {
		return fmt.Errorf("write sheet file: %w", err)
	}
	if _, err := worktree.Add(filename); err != nil {
		return fmt.Errorf("git add sheet file: %w", err)
	}

	status, err := worktree.Status()
	if err != nil {
		return fmt.Errorf("read worktree status: %w", err)
	}
	if status.IsClean() {
		// Saving an unchanged body is not a new revision.
		return nil
	}

	if _, err := worktree.Commit(fmt.Sprintf("Update %s", dateKey), &git.CommitOptions{
		Author: signature(),
	}); err != nil {
		return fmt.Errorf("commit sheet revision: %w", err)
	}
	return nil
}

// Revisions lists the saved states of one day's sheet, newest first.
// A day that was never committed yields an empty list.
func (s *Service) Revisions(_ context.Context, userID, dateKey string, limit int) ([]Revision, error) {
	lock := s.userLock(userID)
	lock.Lock()
	defer lock.Unlock()

	repo, err := git.PlainOpen(s.repoPath(userID))
	if errors.Is(err, git.ErrRepositoryNotExists) {
		return []Revision{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("open repo: %w", err)
	}

	filename := dateKey + ".md"
	iter, err := repo.Log(&git.LogOptions{FileName: &filename})
	if errors.Is(err, plumbing.ErrReferenceNotFound) {
		return []Revision{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read log: %w", err)
	}
	defer iter.Close()

	items := make([]Revision, 0, limit)
	err = iter.ForEach(func(commitObj *object.Commit) error {
		items = append(items, toRevision(commitObj))
		if limit > 0 && len(items) >= limit {
			return io.EOF
		}
		return nil
	})
	if err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("iterate log: %w", err)
	}
	return items, nil
}

// BodyAt returns the body a day's sheet had at a given revision.
func (s *Service) BodyAt(_ context.Context, userID, dateKey, hash string) (string, error) {
	lock := s.userLock(userID)
	lock.Lock()
	defer lock.Unlock()

	repo, err := git.PlainOpen(s.repoPath(userID))
	if err != nil {
		return "", fmt.Errorf("open repo: %w", err)
	}

	resolvedHash, err := resolveHash(repo, hash)
	if err != nil {
		return "", err
	}
	commitObj, err := repo.CommitObject(resolvedHash)
	if err != nil {
		return "", fmt.Errorf("read commit %s: %w", hash, err)
	}

	file, err := commitObj.File(dateKey + ".md")
	if err != nil {
		return "", fmt.Errorf("load %s.md from commit: %w", dateKey, err)
	}
	body, err := file.Contents()
	if err != nil {
		return "", fmt.Errorf("read file contents: %w", err)
	}
	return body, nil
}

func (s *Service) ensureRepo(userID string) (*git.Repository, error) {
	path := s.repoPath(userID)
	repo, err := git.PlainOpen(path)
	if err == nil {
		return repo, nil
	}
	if !errors.Is(err, git.ErrRepositoryNotExists) {
		return nil, fmt.Errorf("open repo: %w", err)
	}

	if err := os.MkdirAll(path, 0o755); err != nil {
		return nil, fmt.Errorf("create repo dir: %w", err)
	}
	repo, err = git.PlainInit(path, false)
	if err != nil {
		return nil, fmt.Errorf("init repo: %w", err)
	}
	return repo, nil
}

func (s *Service) repoPath(userID string) string {
	return filepath.Join(s.baseDir, userID)
}

func (s *Service) userLock(userID string) *sync.Mutex {
	s.lockMu.Lock()
	defer s.lockMu.Unlock()
	lock, ok := s.locks[userID]
	if ok {
		return lock
	}
	lock = &sync.Mutex{}
	s.locks[userID] = lock
	return lock
}

func signature() *object.Signature {
	return &object.Signature{
		Name:  "Juday",
		Email: "juday@localhost",
		When:  time.Now(),
	}
}

func toRevision(commitObj *object.Commit) Revision {
	return Revision{
		Hash:      commitObj.Hash.String()[:7],
		Message:   commitObj.Message,
		CreatedAt: commitObj.Author.When,
	}
}

func resolveHash(repo *git.Repository, hash string) (plumbing.Hash, error) {
	if len(hash) == 40 {
		return plumbing.NewHash(hash), nil
	}
	resolved, err := repo.ResolveRevision(plumbing.Revision(hash))
	if err != nil {
		return plumbing.ZeroHash, fmt.Errorf("resolve hash %s: %w", hash, err)
	}
	return *resolved, nil
}
