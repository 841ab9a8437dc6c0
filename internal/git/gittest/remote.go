// Package gittest provides an in-process git remote for tests.
package gittest

import (
	"context"
	"fmt"
	"sync"

	"github.com/go-git/go-git/v5/plumbing"

	dserrors "github.com/dataspecer/dsgit/internal/errors"
	"github.com/dataspecer/dsgit/internal/git"
)

// Remote is backed by another Repository. It follows the same contract as
// git.TransportRemote: pushes are rejected when the branch has moved or the
// update is not a fast-forward.
type Remote struct {
	mu   sync.Mutex
	repo *git.Repository
}

var _ git.Remote = (*Remote)(nil)

func NewRemote(repo *git.Repository) *Remote {
	return &Remote{repo: repo}
}

// Repository exposes the backing repository, e.g. to simulate commits made by other users.
func (m *Remote) Repository() *git.Repository {
	return m.repo
}

func (m *Remote) Fetch(ctx context.Context, local *git.Repository, branch string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", dserrors.NewGitOperationError("fetch", dserrors.ErrGitNetwork, err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	tip, err := m.repo.BranchHash(branch)
	if err != nil {
		return "", err
	}
	if tip == "" {
		return "", nil
	}

	if err := local.CopyObjects(m.repo, tip); err != nil {
		return "", err
	}
	if err := local.UpdateRef(git.RemoteTrackingRef(branch), tip, ""); err != nil {
		return "", err
	}

	return tip, nil
}

func (m *Remote) Push(ctx context.Context, local *git.Repository, branch, newHash, expectedOld string) error {
	if err := ctx.Err(); err != nil {
		return dserrors.NewGitOperationError("push", dserrors.ErrGitNetwork, err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	tip, err := m.repo.BranchHash(branch)
	if err != nil {
		return err
	}
	if tip == newHash {
		return nil
	}
	if tip != expectedOld {
		return dserrors.NewGitOperationError("push", dserrors.ErrGitRejected,
			fmt.Errorf("remote branch %s moved from %q to %q", branch, expectedOld, tip))
	}

	ok, err := local.IsAncestor(tip, newHash)
	if err != nil {
		return err
	}
	if !ok {
		return dserrors.NewGitOperationError("push", dserrors.ErrGitRejected,
			fmt.Errorf("non-fast-forward update: refs/heads/%s", branch))
	}

	if err := m.repo.CopyObjects(local, newHash); err != nil {
		return err
	}

	return m.repo.UpdateRef(plumbing.NewBranchReferenceName(branch).String(), newHash, tip)
}
