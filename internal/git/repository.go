package git

import (
	"errors"
	"fmt"
	"os"

	gitc "github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/config"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/storage/memory"
)

// Repository wraps the object database and refs of one package's git cache.
// It never has a worktree: content is exchanged through blobs and trees.
type Repository struct {
	repo *gitc.Repository
}

// OpenOrInitBare opens the bare repository in dir, creating it when missing.
func OpenOrInitBare(dir string) (*Repository, error) {
	repo, err := gitc.PlainOpen(dir)
	if errors.Is(err, gitc.ErrRepositoryNotExists) {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("git: %w", err)
		}
		repo, err = gitc.PlainInitWithOptions(dir, &gitc.PlainInitOptions{
			Bare: true,
			InitOptions: gitc.InitOptions{
				DefaultBranch: plumbing.NewBranchReferenceName(getDefaultGitBranch()),
			},
		})
	}
	if err != nil {
		return nil, fmt.Errorf("git: %w", err)
	}

	return &Repository{repo: repo}, nil
}

// NewMemoryRepository returns a repository backed by in-memory storage.
func NewMemoryRepository() (*Repository, error) {
	repo, err := gitc.Init(memory.NewStorage(), nil)
	if err != nil {
		return nil, fmt.Errorf("git: %w", err)
	}

	return &Repository{repo: repo}, nil
}

func (r *Repository) IsNil() bool {
	return r == nil || r.repo == nil
}

// BranchHash returns the hash of refs/heads/<branch>, or "" when the branch does not exist.
func (r *Repository) BranchHash(branch string) (string, error) {
	if r.IsNil() {
		return "", nil
	}

	ref, err := r.repo.Reference(plumbing.NewBranchReferenceName(branch), true)
	if errors.Is(err, plumbing.ErrReferenceNotFound) {
		return "", nil
	} else if err != nil {
		return "", fmt.Errorf("git: %w", err)
	}

	return ref.Hash().String(), nil
}

const (
	defaultBranch string = "main"
)

// Retrieves the default branch from the user's global git config
// e.g
// git config --get init.defaultbranch
func getDefaultGitBranch() string {
	if cfg, _ := config.LoadConfig(config.GlobalScope); cfg != nil {
		if branch := cfg.Raw.Section("init").Options.Get("defaultBranch"); branch != "" {
			return branch
		}
	}
	return defaultBranch
}
