package store

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/go-git/go-git/v6"
	"github.com/go-git/go-git/v6/config"
	"github.com/go-git/go-git/v6/plumbing"
	"github.com/go-git/go-git/v6/plumbing/object"
	"github.com/go-git/go-git/v6/plumbing/transport"
	"github.com/go-git/go-git/v6/plumbing/transport/http"
)

const gitSecretsDir = "secrets"

// GitStoreConfig captures configuration for the git-backed secret store.
// RemoteURL may be empty, in which case the repository stays local.
type GitStoreConfig struct {
	RemoteURL string
	Username  string
	Password  string
	LocalPath string
}

// GitStore keeps one file per secret inside a git working tree and commits
// every change. History is squashed to a single commit on each write so stale
// credentials do not linger in the object database.
type GitStore struct {
	mu      sync.Mutex
	cfg     GitStoreConfig
	repoDir string
	files   *FileStore
}

// NewGitStore clones (or opens, or initializes) the repository at cfg.LocalPath.
func NewGitStore(cfg GitStoreConfig) (*GitStore, error) {
	cfg.RemoteURL = strings.TrimSpace(cfg.RemoteURL)
	local := strings.TrimSpace(cfg.LocalPath)
	if local == "" {
		return nil, fmt.Errorf("git store: local path is required")
	}
	repoDir, err := filepath.Abs(local)
	if err != nil {
		return nil, fmt.Errorf("git store: resolve local path: %w", err)
	}

	s := &GitStore{cfg: cfg, repoDir: repoDir}
	if err = s.ensureRepository(); err != nil {
		return nil, err
	}
	files, err := NewFileStore(filepath.Join(repoDir, gitSecretsDir))
	if err != nil {
		return nil, fmt.Errorf("git store: %w", err)
	}
	s.files = files
	return s, nil
}

// RepoDir returns the working tree backing the store.
func (s *GitStore) RepoDir() string {
	if s == nil {
		return ""
	}
	return s.repoDir
}

func (s *GitStore) Get(ctx context.Context, key string) (string, bool, error) {
	if err := validateKey(TypeGit, key); err != nil {
		return "", false, err
	}
	return s.files.Get(ctx, key)
}

func (s *GitStore) Set(ctx context.Context, key, value string) error {
	if err := validateKey(TypeGit, key); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.files.Set(ctx, key, value); err != nil {
		return err
	}
	return s.commitAndPushLocked("Update "+key, path.Join(gitSecretsDir, key))
}

func (s *GitStore) Delete(ctx context.Context, key string) error {
	if err := validateKey(TypeGit, key); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok, _ := s.files.Get(ctx, key); !ok {
		return nil
	}
	if err := s.files.Delete(ctx, key); err != nil {
		return err
	}
	return s.commitAndPushLocked("Remove "+key, path.Join(gitSecretsDir, key))
}

func (s *GitStore) ensureRepository() error {
	gitDir := filepath.Join(s.repoDir, ".git")
	_, err := os.Stat(gitDir)
	switch {
	case errors.Is(err, fs.ErrNotExist):
		if errMk := os.MkdirAll(s.repoDir, 0o700); errMk != nil {
			return fmt.Errorf("git store: create repo dir: %w", errMk)
		}
		if s.cfg.RemoteURL == "" {
			if _, errInit := git.PlainInit(s.repoDir, false); errInit != nil {
				return fmt.Errorf("git store: init repo: %w", errInit)
			}
			return nil
		}
		_, errClone := git.PlainClone(s.repoDir, &git.CloneOptions{Auth: s.gitAuth(), URL: s.cfg.RemoteURL})
		if errClone == nil {
			return nil
		}
		if !errors.Is(errClone, transport.ErrEmptyRemoteRepository) {
			return fmt.Errorf("git store: clone remote: %w", errClone)
		}
		_ = os.RemoveAll(gitDir)
		repo, errInit := git.PlainInit(s.repoDir, false)
		if errInit != nil {
			return fmt.Errorf("git store: init empty repo: %w", errInit)
		}
		if _, errCreate := repo.CreateRemote(&config.RemoteConfig{
			Name: "origin",
			URLs: []string{s.cfg.RemoteURL},
		}); errCreate != nil && !errors.Is(errCreate, git.ErrRemoteExists) {
			return fmt.Errorf("git store: configure remote: %w", errCreate)
		}
		return nil
	case err != nil:
		return fmt.Errorf("git store: stat repo: %w", err)
	}

	if s.cfg.RemoteURL == "" {
		return nil
	}
	repo, err := git.PlainOpen(s.repoDir)
	if err != nil {
		return fmt.Errorf("git store: open repo: %w", err)
	}
	worktree, err := repo.Worktree()
	if err != nil {
		return fmt.Errorf("git store: worktree: %w", err)
	}
	if errPull := worktree.Pull(&git.PullOptions{Auth: s.gitAuth(), RemoteName: "origin"}); errPull != nil {
		switch {
		case errors.Is(errPull, git.NoErrAlreadyUpToDate),
			errors.Is(errPull, git.ErrUnstagedChanges),
			errors.Is(errPull, git.ErrNonFastForwardUpdate):
			// local state wins
		case errors.Is(errPull, plumbing.ErrReferenceNotFound),
			errors.Is(errPull, transport.ErrEmptyRemoteRepository):
		default:
			return fmt.Errorf("git store: pull: %w", errPull)
		}
	}
	return nil
}

func (s *GitStore) gitAuth() transport.AuthMethod {
	if s.cfg.Username == "" && s.cfg.Password == "" {
		return nil
	}
	user := s.cfg.Username
	if user == "" {
		user = "git"
	}
	return &http.BasicAuth{Username: user, Password: s.cfg.Password}
}

func (s *GitStore) commitAndPushLocked(message string, rel string) error {
	repo, err := git.PlainOpen(s.repoDir)
	if err != nil {
		return fmt.Errorf("git store: open repo: %w", err)
	}
	worktree, err := repo.Worktree()
	if err != nil {
		return fmt.Errorf("git store: worktree: %w", err)
	}
	if _, err = worktree.Add(rel); err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("git store: add %s: %w", rel, err)
		}
		if _, errRemove := worktree.Remove(rel); errRemove != nil && !errors.Is(errRemove, os.ErrNotExist) {
			return fmt.Errorf("git store: remove %s: %w", rel, errRemove)
		}
	}
	status, err := worktree.Status()
	if err != nil {
		return fmt.Errorf("git store: status: %w", err)
	}
	if status.IsClean() {
		return nil
	}

	signature := &object.Signature{
		Name:  "speakloop-apiclient",
		Email: "apiclient@speakloop.local",
		When:  time.Now(),
	}
	commitHash, err := worktree.Commit(message, &git.CommitOptions{Author: signature})
	if err != nil {
		if errors.Is(err, git.ErrEmptyCommit) {
			return nil
		}
		return fmt.Errorf("git store: commit: %w", err)
	}
	headRef, errHead := repo.Head()
	if errHead != nil {
		if !errors.Is(errHead, plumbing.ErrReferenceNotFound) {
			return fmt.Errorf("git store: get head: %w", errHead)
		}
	} else if errRewrite := squashHead(repo, headRef.Name(), commitHash, message, signature); errRewrite != nil {
		return errRewrite
	}

	if s.cfg.RemoteURL == "" {
		return nil
	}
	if err = repo.Push(&git.PushOptions{Auth: s.gitAuth(), Force: true}); err != nil {
		if errors.Is(err, git.NoErrAlreadyUpToDate) {
			return nil
		}
		return fmt.Errorf("git store: push: %w", err)
	}
	return nil
}

// squashHead points branch at a parentless copy of commitHash.
func squashHead(repo *git.Repository, branch plumbing.ReferenceName, commitHash plumbing.Hash, message string, signature *object.Signature) error {
	commitObj, err := repo.CommitObject(commitHash)
	if err != nil {
		return fmt.Errorf("git store: inspect head commit: %w", err)
	}
	squashed := &object.Commit{
		Author:       *signature,
		Committer:    *signature,
		Message:      message,
		TreeHash:     commitObj.TreeHash,
		Encoding:     commitObj.Encoding,
		ExtraHeaders: commitObj.ExtraHeaders,
	}
	mem := &plumbing.MemoryObject{}
	mem.SetType(plumbing.CommitObject)
	if err = squashed.Encode(mem); err != nil {
		return fmt.Errorf("git store: encode squashed commit: %w", err)
	}
	newHash, err := repo.Storer.SetEncodedObject(mem)
	if err != nil {
		return fmt.Errorf("git store: write squashed commit: %w", err)
	}
	if err = repo.Storer.SetReference(plumbing.NewHashReference(branch, newHash)); err != nil {
		return fmt.Errorf("git store: update branch reference: %w", err)
	}
	return nil
}
