package git

import (
	"fmt"

	"github.com/go-git/go-git/v5/plumbing"
)

// MergeBase returns the best common ancestor of two commits, or "" when their
// histories are unrelated or either side is empty.
func (r *Repository) MergeBase(a, b string) (string, error) {
	if a == "" || b == "" {
		return "", nil
	}

	ca, err := r.repo.CommitObject(plumbing.NewHash(a))
	if err != nil {
		return "", fmt.Errorf("failed to find commit %s: %w", a, err)
	}
	cb, err := r.repo.CommitObject(plumbing.NewHash(b))
	if err != nil {
		return "", fmt.Errorf("failed to find commit %s: %w", b, err)
	}

	bases, err := ca.MergeBase(cb)
	if err != nil {
		return "", fmt.Errorf("failed to compute merge base: %w", err)
	}
	if len(bases) == 0 {
		return "", nil
	}

	return bases[0].Hash.String(), nil
}

// IsAncestor reports whether ancestor is reachable from descendant. An empty
// ancestor is an ancestor of everything.
func (r *Repository) IsAncestor(ancestor, descendant string) (bool, error) {
	if ancestor == "" {
		return true, nil
	}
	if descendant == "" {
		return false, nil
	}
	if ancestor == descendant {
		return true, nil
	}

	ca, err := r.repo.CommitObject(plumbing.NewHash(ancestor))
	if err != nil {
		return false, fmt.Errorf("failed to find commit %s: %w", ancestor, err)
	}
	cd, err := r.repo.CommitObject(plumbing.NewHash(descendant))
	if err != nil {
		return false, fmt.Errorf("failed to find commit %s: %w", descendant, err)
	}

	return ca.IsAncestor(cd)
}
