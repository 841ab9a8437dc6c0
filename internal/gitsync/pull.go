package gitsync

import (
	"context"

	"go.uber.org/zap"

	"github.com/dataspecer/dsgit/internal/compare"
	"github.com/dataspecer/dsgit/internal/git"
	"github.com/dataspecer/dsgit/internal/log"
	"github.com/dataspecer/dsgit/internal/mergestate"
)

func branchRef(branch string) string {
	return "refs/heads/" + branch
}

// Pull brings the remote branch of a linked package into its editable tree.
//
// Changes made only on the remote are applied directly. If any path changed on
// both sides a pull merge state is created instead and nothing is applied until
// it is finalized. A package that already has merge states is not pulled; the
// states are returned with Redirect set.
func (e *Engine) Pull(ctx context.Context, rootIRI string) (*Result, error) {
	link, err := e.states.GetLink(ctx, rootIRI)
	if err != nil {
		return nil, err
	}

	unlock, err := e.lockPackage(ctx, rootIRI)
	if err != nil {
		return nil, err
	}
	defer unlock()

	return e.pullLocked(ctx, link)
}

func (e *Engine) pullLocked(ctx context.Context, link *mergestate.PackageLink) (*Result, error) {
	l := log.From(ctx).With(zap.String("rootIri", link.RootIRI), zap.String("branch", link.Branch))

	repo, remote, err := e.open(link)
	if err != nil {
		return nil, err
	}

	tip, err := remote.Fetch(ctx, repo, link.Branch)
	if err != nil {
		return nil, err
	}
	if tip == "" || tip == link.LastCommitHash {
		l.Debug("package is up to date")
		return &Result{UpToDate: true, CommitHash: link.LastCommitHash}, nil
	}

	if states, err := e.pending(ctx, link.RootIRI); err != nil {
		return nil, err
	} else if len(states) > 0 {
		return &Result{Redirect: true, MergeStates: states}, nil
	}

	editable, err := e.snapshot(ctx, repo, link.RootIRI, link.ExportFormat)
	if err != nil {
		return nil, err
	}
	other, err := repo.TreeOfCommit(tip)
	if err != nil {
		return nil, err
	}

	// A package that was never synchronized and has no content imports the
	// branch as it is: an empty base against an empty editable tree makes
	// every remote path a fast-forward.
	base := editable
	if link.LastCommitHash != "" || editable != emptyTree(repo) {
		if base, err = baseTree(repo, link.LastCommitHash); err != nil {
			return nil, err
		}
	}

	result, err := compare.Collect(compare.New(repo, link.ExportFormat).Compare(ctx, base, other, editable))
	if err != nil {
		return nil, err
	}

	if len(result.Conflicts) > 0 {
		m, err := e.states.Create(ctx, mergestate.MergeState{
			Kind:                    mergestate.KindPull,
			RootIRI:                 link.RootIRI,
			BranchMergeFrom:         link.Branch,
			BranchMergeTo:           link.Branch,
			LastCommitHashMergeFrom: tip,
			LastCommitHashMergeTo:   link.LastCommitHash,
			ExportFormat:            link.ExportFormat,
			Conflicts:               asConflicts(result.Conflicts),
			AutoApplied:             result.FastForwards,
		})
		if err != nil {
			return nil, err
		}

		l.Info("pull stopped on conflicts", zap.String("uuid", m.UUID), zap.Int("conflicts", len(m.Conflicts)))
		return &Result{MergeState: m}, nil
	}

	if err := e.writeContents(ctx, link.RootIRI, fastForwards(result.FastForwards)); err != nil {
		return nil, err
	}
	if err := repo.UpdateRef(branchRef(link.Branch), tip, ""); err != nil {
		return nil, err
	}
	if err := e.states.SetLinkCommit(ctx, link.RootIRI, tip); err != nil {
		return nil, err
	}

	l.Info("pulled", zap.String("commit", tip), zap.Int("applied", len(result.FastForwards)))
	return &Result{CommitHash: tip, Applied: paths(result.FastForwards)}, nil
}

func (e *Engine) open(link *mergestate.PackageLink) (*git.Repository, git.Remote, error) {
	repo, err := e.repository(link.RootIRI)
	if err != nil {
		return nil, nil, err
	}
	remote, err := e.openRemote(link)
	if err != nil {
		return nil, nil, err
	}
	return repo, remote, nil
}

// baseTree returns the tree of the last synchronized commit. A commit missing
// from the cache yields "", which compares the sides as unrelated.
func baseTree(repo *git.Repository, commit string) (string, error) {
	if commit == "" || !repo.HasCommit(commit) {
		return "", nil
	}
	return repo.TreeOfCommit(commit)
}

func emptyTree(repo *git.Repository) string {
	h, err := repo.BuildTree(nil)
	if err != nil {
		return ""
	}
	return h
}

func asConflicts(ds []mergestate.ComparisonData) []mergestate.Conflict {
	out := make([]mergestate.Conflict, 0, len(ds))
	for _, d := range ds {
		out = append(out, mergestate.Conflict{ComparisonData: d})
	}
	return out
}
