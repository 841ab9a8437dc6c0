package gitsync

import (
	"context"

	"go.uber.org/zap"

	"github.com/dataspecer/dsgit/internal/compare"
	"github.com/dataspecer/dsgit/internal/log"
	"github.com/dataspecer/dsgit/internal/mergestate"
	"github.com/dataspecer/dsgit/internal/resource"
)

type CommitRequest struct {
	RootIRI string
	Message string
	// ExportFormat changes the format of the package's branch. Empty keeps it.
	ExportFormat resource.ExportFormat
	// AlwaysCreateMergeState parks the commit as a push merge state even when
	// nothing conflicts, so the user can review it first.
	AlwaysCreateMergeState bool
	// RedirectIfMergeStates returns the existing merge states of the package
	// instead of committing.
	RedirectIfMergeStates bool
}

const defaultCommitMessage = "Update package"

// CommitPackage commits the editable tree of a package on top of its branch and
// pushes it.
//
// Paths changed remotely since the last synchronization are compared with the
// editable tree. Changes made only remotely are carried into the commit;
// paths changed on both sides make a push merge state that must be resolved
// and finalized before anything is pushed.
func (e *Engine) CommitPackage(ctx context.Context, actor Actor, req CommitRequest) (*Result, error) {
	link, err := e.states.GetLink(ctx, req.RootIRI)
	if err != nil {
		return nil, err
	}

	if req.RedirectIfMergeStates {
		if states, err := e.pending(ctx, link.RootIRI); err != nil {
			return nil, err
		} else if len(states) > 0 {
			return &Result{Redirect: true, MergeStates: states}, nil
		}
	}

	unlock, err := e.lockPackage(ctx, link.RootIRI)
	if err != nil {
		return nil, err
	}
	defer unlock()

	if req.ExportFormat != "" && req.ExportFormat != link.ExportFormat {
		link.ExportFormat = req.ExportFormat
		if err := e.states.UpsertLink(ctx, *link); err != nil {
			return nil, err
		}
	}

	return e.commitLocked(ctx, actor, link, req)
}

func (e *Engine) commitLocked(ctx context.Context, actor Actor, link *mergestate.PackageLink, req CommitRequest) (*Result, error) {
	l := log.From(ctx).With(zap.String("rootIri", link.RootIRI), zap.String("branch", link.Branch))

	repo, remote, err := e.open(link)
	if err != nil {
		return nil, err
	}

	tip, err := remote.Fetch(ctx, repo, link.Branch)
	if err != nil {
		return nil, err
	}

	editable, err := e.snapshot(ctx, repo, link.RootIRI, link.ExportFormat)
	if err != nil {
		return nil, err
	}

	state := mergestate.MergeState{
		Kind:                    mergestate.KindPush,
		RootIRI:                 link.RootIRI,
		BranchMergeFrom:         link.Branch,
		BranchMergeTo:           link.Branch,
		LastCommitHashMergeFrom: tip,
		LastCommitHashMergeTo:   link.LastCommitHash,
		CommitMessage:           req.Message,
		ExportFormat:            link.ExportFormat,
	}
	if state.CommitMessage == "" {
		state.CommitMessage = defaultCommitMessage
	}

	if tip != link.LastCommitHash {
		base, err := baseTree(repo, link.LastCommitHash)
		if err != nil {
			return nil, err
		}
		other, err := repo.TreeOfCommit(tip)
		if err != nil {
			return nil, err
		}

		result, err := compare.Collect(compare.New(repo, link.ExportFormat).Compare(ctx, base, other, editable))
		if err != nil {
			return nil, err
		}
		state.Conflicts = asConflicts(result.Conflicts)
		state.AutoApplied = result.FastForwards
	} else if tip != "" && !req.AlwaysCreateMergeState {
		tree, err := repo.TreeOfCommit(tip)
		if err != nil {
			return nil, err
		}
		if tree == editable {
			l.Info("nothing to commit")
			return &Result{NoChanges: true, CommitHash: tip}, nil
		}
	}

	m, err := e.states.Create(ctx, state)
	if err != nil {
		return nil, err
	}

	if len(m.Conflicts) > 0 || req.AlwaysCreateMergeState {
		l.Info("commit waits for resolution", zap.String("uuid", m.UUID), zap.Int("conflicts", len(m.Conflicts)))
		return &Result{MergeState: m}, nil
	}

	fin, err := e.finalizeClaimed(ctx, actor, m.UUID, FinalizeOptions{})
	if err != nil {
		return nil, err
	}
	return &Result{CommitHash: fin.CommitHash, Applied: paths(m.AutoApplied)}, nil
}
