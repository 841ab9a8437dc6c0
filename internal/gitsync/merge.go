package gitsync

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/dataspecer/dsgit/internal/compare"
	"github.com/dataspecer/dsgit/internal/errors"
	"github.com/dataspecer/dsgit/internal/log"
	"github.com/dataspecer/dsgit/internal/mergestate"
	"github.com/dataspecer/dsgit/internal/provider"
	"github.com/dataspecer/dsgit/internal/resource"
)

type MergeRequest struct {
	// RootIRI is the package whose branch receives the merge.
	RootIRI string
	// RootIRIMergeFrom is the package linked to the branch being merged.
	RootIRIMergeFrom string
	// BranchMergeFrom, when given, must be the branch RootIRIMergeFrom is
	// linked to.
	BranchMergeFrom string
	// LastCommitHashMergeFrom pins the commit to merge. Empty takes the
	// current tip of the source branch.
	LastCommitHashMergeFrom string
	Message                 string
	ExportFormat            resource.ExportFormat
	MergeCommitType         mergestate.MergeCommitType
	AlwaysCreateMergeState  bool
	RedirectIfMergeStates   bool
}

// MergeCommitPackage merges the branch of one package into the branch of
// another package linked to the same repository. The editable tree of the
// target package is the editable side; the source commit is the other side.
func (e *Engine) MergeCommitPackage(ctx context.Context, actor Actor, req MergeRequest) (*Result, error) {
	to, err := e.states.GetLink(ctx, req.RootIRI)
	if err != nil {
		return nil, err
	}
	from, err := e.states.GetLink(ctx, req.RootIRIMergeFrom)
	if err != nil {
		return nil, err
	}
	if provider.Canonical(to.RepositoryURL) != provider.Canonical(from.RepositoryURL) {
		return nil, errors.ErrValidation.Wrapf("%s and %s are linked to different repositories", to.RootIRI, from.RootIRI)
	}
	if req.BranchMergeFrom != "" && req.BranchMergeFrom != from.Branch {
		return nil, errors.ErrValidation.Wrapf("%s is linked to branch %s, not %s", from.RootIRI, from.Branch, req.BranchMergeFrom)
	}
	if to.Branch == from.Branch {
		return nil, errors.ErrValidation.Wrapf("cannot merge branch %s into itself", to.Branch)
	}

	if req.RedirectIfMergeStates {
		if states, err := e.pending(ctx, to.RootIRI); err != nil {
			return nil, err
		} else if len(states) > 0 {
			return &Result{Redirect: true, MergeStates: states}, nil
		}
	}

	unlock, err := e.lockPackage(ctx, to.RootIRI)
	if err != nil {
		return nil, err
	}
	defer unlock()

	if req.ExportFormat != "" && req.ExportFormat != to.ExportFormat {
		to.ExportFormat = req.ExportFormat
		if err := e.states.UpsertLink(ctx, *to); err != nil {
			return nil, err
		}
	}

	l := log.From(ctx).With(zap.String("rootIri", to.RootIRI), zap.String("from", from.Branch), zap.String("to", to.Branch))

	repo, remote, err := e.open(to)
	if err != nil {
		return nil, err
	}

	toTip, err := remote.Fetch(ctx, repo, to.Branch)
	if err != nil {
		return nil, err
	}
	if toTip == "" {
		return nil, errors.ErrValidation.Wrapf("branch %s does not exist on the remote", to.Branch)
	}
	if toTip != to.LastCommitHash {
		return nil, errors.ErrValidation.Wrapf("package %s is behind branch %s, pull first", to.RootIRI, to.Branch)
	}

	fromTip, err := remote.Fetch(ctx, repo, from.Branch)
	if err != nil {
		return nil, err
	}
	fromCommit := fromTip
	if req.LastCommitHashMergeFrom != "" {
		fromCommit = req.LastCommitHashMergeFrom
	}
	if fromCommit == "" || !repo.HasCommit(fromCommit) {
		return nil, errors.ErrValidation.Wrapf("commit %q of branch %s is not available", fromCommit, from.Branch)
	}

	if merged, err := repo.IsAncestor(fromCommit, toTip); err != nil {
		return nil, err
	} else if merged {
		l.Info("branch already merged")
		return &Result{NoChanges: true, CommitHash: toTip}, nil
	}

	mergeBase, err := repo.MergeBase(fromCommit, toTip)
	if err != nil {
		return nil, err
	}
	base, err := baseTree(repo, mergeBase)
	if err != nil {
		return nil, err
	}
	other, err := repo.TreeOfCommit(fromCommit)
	if err != nil {
		return nil, err
	}
	editable, err := e.snapshot(ctx, repo, to.RootIRI, to.ExportFormat)
	if err != nil {
		return nil, err
	}

	result, err := compare.Collect(compare.New(repo, to.ExportFormat).Compare(ctx, base, other, editable))
	if err != nil {
		return nil, err
	}

	message := req.Message
	if message == "" {
		message = fmt.Sprintf("Merge branch '%s' into %s", from.Branch, to.Branch)
	}

	m, err := e.states.Create(ctx, mergestate.MergeState{
		Kind:                    mergestate.KindMerge,
		RootIRI:                 to.RootIRI,
		RootIRIMergeFrom:        from.RootIRI,
		BranchMergeFrom:         from.Branch,
		BranchMergeTo:           to.Branch,
		LastCommitHashMergeFrom: fromCommit,
		LastCommitHashMergeTo:   toTip,
		CommitMessage:           message,
		ExportFormat:            to.ExportFormat,
		MergeCommitType:         req.MergeCommitType,
		Conflicts:               asConflicts(result.Conflicts),
		AutoApplied:             result.FastForwards,
	})
	if err != nil {
		return nil, err
	}

	if len(m.Conflicts) > 0 || req.AlwaysCreateMergeState {
		l.Info("merge waits for resolution", zap.String("uuid", m.UUID), zap.Int("conflicts", len(m.Conflicts)))
		return &Result{MergeState: m}, nil
	}

	fin, err := e.finalizeClaimed(ctx, actor, m.UUID, FinalizeOptions{MergeCommitType: req.MergeCommitType})
	if err != nil {
		return nil, err
	}
	return &Result{CommitHash: fin.CommitHash, Applied: paths(m.AutoApplied)}, nil
}
