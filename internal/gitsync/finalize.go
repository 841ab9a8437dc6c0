package gitsync

import (
	"context"
	"slices"

	"github.com/hashicorp/go-multierror"
	"go.uber.org/zap"

	"github.com/dataspecer/dsgit/internal/errors"
	"github.com/dataspecer/dsgit/internal/git"
	"github.com/dataspecer/dsgit/internal/log"
	"github.com/dataspecer/dsgit/internal/mergestate"
)

type FinalizeOptions struct {
	// Kind, when set, must be the kind of the merge state.
	Kind mergestate.Kind
	// MergeCommitType overrides the type recorded with a merge state.
	MergeCommitType mergestate.MergeCommitType
}

type FinalizeResult struct {
	UUID    string           `json:"uuid"`
	Kind    mergestate.Kind  `json:"kind"`
	Variant FinalizerVariant `json:"variant,omitempty"`
	// CommitHash is the commit the package now points at.
	CommitHash string `json:"commitHash,omitempty"`
	// Completed is set when the reconciliation took effect and the merge
	// state was removed.
	Completed bool `json:"completed,omitempty"`
	// Discarded is set when the merge state was removed without effect.
	Discarded bool `json:"discarded,omitempty"`
	// MergeState is the state left to work on: the kept state after a branch
	// rollback, or the replacement of a rejected push.
	MergeState *mergestate.MergeState `json:"mergeState,omitempty"`
}

var stageOrder = []mergestate.Stage{
	mergestate.StageNone,
	mergestate.StageCommitCreated,
	mergestate.StagePushed,
	mergestate.StageBranchUpdated,
	mergestate.StageContentWritten,
	mergestate.StagePointerAdvanced,
}

// reached reports whether the journal of a merge state is at or past stage.
func reached(journal, stage mergestate.Stage) bool {
	return slices.Index(stageOrder, journal) >= slices.Index(stageOrder, stage)
}

// Finalize applies a fully resolved merge state. A state with unresolved
// conflicts is refused before any git side effect.
func (e *Engine) Finalize(ctx context.Context, actor Actor, id string, opts FinalizeOptions) (*FinalizeResult, error) {
	e.mergeStates.Lock(id)
	defer func() { _ = e.mergeStates.Unlock(id) }()

	m, err := e.states.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if opts.Kind != "" && m.Kind != opts.Kind {
		return nil, errors.ErrValidation.Wrapf("merge state %s is a %s, not a %s", id, m.Kind, opts.Kind)
	}
	if err := requireResolved(m); err != nil {
		return nil, err
	}

	unlock, err := e.lockPackage(ctx, m.RootIRI)
	if err != nil {
		return nil, err
	}
	defer unlock()

	return e.finalizeClaimed(ctx, actor, id, opts)
}

func requireResolved(m *mergestate.MergeState) error {
	if unresolved := m.UnresolvedPaths(); len(unresolved) > 0 {
		return errors.ErrConflictStillUnresolved.Wrapf("merge state %s has %d unresolved conflicts: %v", m.UUID, len(unresolved), unresolved)
	}
	return nil
}

// finalizeClaimed claims the state and runs its finalizer. Callers hold the
// package lock.
func (e *Engine) finalizeClaimed(ctx context.Context, actor Actor, id string, opts FinalizeOptions) (*FinalizeResult, error) {
	m, err := e.states.Claim(ctx, id)
	if err != nil {
		return nil, err
	}
	defer e.release(ctx, id)

	if err := requireResolved(m); err != nil {
		return nil, err
	}

	res, err := e.finalize(ctx, actor, m, opts)
	if err != nil {
		return nil, e.fail(ctx, m, err)
	}
	return res, nil
}

func (e *Engine) finalize(ctx context.Context, actor Actor, m *mergestate.MergeState, opts FinalizeOptions) (*FinalizeResult, error) {
	log.From(ctx).Info("finalizing merge state",
		zap.String("uuid", m.UUID), zap.String("kind", string(m.Kind)), zap.String("stage", string(m.FinalizeStage)))

	switch m.Kind {
	case mergestate.KindPull:
		return e.finalizePull(ctx, m)
	case mergestate.KindPush:
		return e.finalizePush(ctx, actor, m)
	case mergestate.KindMerge:
		mergeType := m.MergeCommitType
		if opts.MergeCommitType != "" {
			mergeType = opts.MergeCommitType
		}
		return e.finalizeMerge(ctx, actor, m, mergeType)
	default:
		return nil, errors.ErrValidation.Wrapf("merge state %s has unknown kind %q", m.UUID, m.Kind)
	}
}

func (e *Engine) release(ctx context.Context, id string) {
	if err := e.states.Release(context.WithoutCancel(ctx), id); err != nil {
		log.From(ctx).Warn("failed to release merge state", zap.String("uuid", id), zap.Error(err))
	}
}

// fail records the failure on the merge state so the on-failure routine can
// pick a compensation.
func (e *Engine) fail(ctx context.Context, m *mergestate.MergeState, err error) error {
	class := string(errors.GitClass(err))
	if class == "" {
		class = "internal"
	}

	log.From(ctx).Error("finalize failed",
		zap.String("uuid", m.UUID), zap.String("class", class), zap.Error(err))

	rerr := e.states.RecordFailure(context.WithoutCancel(ctx), m.UUID, class, git.RedactCredentials(err.Error()))
	if rerr != nil && !errors.Is(rerr, errors.ErrNotFound) {
		return multierror.Append(err, rerr)
	}
	return err
}

func (e *Engine) finalizePull(ctx context.Context, m *mergestate.MergeState) (*FinalizeResult, error) {
	link, err := e.states.GetLink(ctx, m.RootIRI)
	if err != nil {
		return nil, err
	}
	repo, err := e.repository(m.RootIRI)
	if err != nil {
		return nil, err
	}

	if !reached(m.FinalizeStage, mergestate.StageContentWritten) {
		if err := e.writeOutcome(ctx, m); err != nil {
			return nil, err
		}
	}

	return e.complete(ctx, repo, m, link.Branch, m.LastCommitHashMergeFrom)
}

func (e *Engine) finalizePush(ctx context.Context, actor Actor, m *mergestate.MergeState) (*FinalizeResult, error) {
	link, err := e.states.GetLink(ctx, m.RootIRI)
	if err != nil {
		return nil, err
	}
	repo, remote, err := e.open(link)
	if err != nil {
		return nil, err
	}

	created := m.CreatedCommitHash
	if !reached(m.FinalizeStage, mergestate.StageCommitCreated) {
		parent := m.LastCommitHashMergeFrom
		tree, err := e.outcomeTree(ctx, repo, m)
		if err != nil {
			return nil, err
		}

		created, err = e.commit(repo, actor, tree, m.CommitMessage, parent)
		if err != nil {
			return nil, err
		}
		if err := e.states.SetStage(ctx, m.UUID, mergestate.StageCommitCreated, created); err != nil {
			return nil, err
		}
	}

	if !reached(m.FinalizeStage, mergestate.StagePushed) {
		if err := remote.Push(ctx, repo, m.BranchMergeTo, created, m.LastCommitHashMergeFrom); err != nil {
			return nil, err
		}
		if err := e.states.SetStage(ctx, m.UUID, mergestate.StagePushed, ""); err != nil {
			return nil, err
		}
	}

	if !reached(m.FinalizeStage, mergestate.StageContentWritten) {
		if err := e.writeOutcome(ctx, m); err != nil {
			return nil, err
		}
	}

	return e.complete(ctx, repo, m, link.Branch, created)
}

func (e *Engine) finalizeMerge(ctx context.Context, actor Actor, m *mergestate.MergeState, mergeType mergestate.MergeCommitType) (*FinalizeResult, error) {
	link, err := e.states.GetLink(ctx, m.RootIRI)
	if err != nil {
		return nil, err
	}
	repo, remote, err := e.open(link)
	if err != nil {
		return nil, err
	}

	created := m.CreatedCommitHash
	if !reached(m.FinalizeStage, mergestate.StageCommitCreated) {
		if created, err = e.mergeCommit(ctx, actor, repo, m, mergeType); err != nil {
			return nil, err
		}
		if err := e.states.SetStage(ctx, m.UUID, mergestate.StageCommitCreated, created); err != nil {
			return nil, err
		}
	}

	if !reached(m.FinalizeStage, mergestate.StagePushed) {
		if err := remote.Push(ctx, repo, m.BranchMergeTo, created, m.LastCommitHashMergeTo); err != nil {
			return nil, err
		}
		if err := e.states.SetStage(ctx, m.UUID, mergestate.StagePushed, ""); err != nil {
			return nil, err
		}
	}

	if !reached(m.FinalizeStage, mergestate.StageBranchUpdated) {
		if err := repo.UpdateRef(branchRef(m.BranchMergeTo), created, ""); err != nil {
			return nil, err
		}
		if err := e.states.SetStage(ctx, m.UUID, mergestate.StageBranchUpdated, ""); err != nil {
			return nil, err
		}
	}

	if !reached(m.FinalizeStage, mergestate.StageContentWritten) {
		if err := e.writeOutcome(ctx, m); err != nil {
			return nil, err
		}
	}

	return e.complete(ctx, repo, m, m.BranchMergeTo, created)
}

// mergeCommit records the merge. A fast-forward is used only when asked for
// and the resolved tree is exactly the source commit's tree on top of the
// target tip; otherwise a two parent merge commit is created.
func (e *Engine) mergeCommit(ctx context.Context, actor Actor, repo *git.Repository, m *mergestate.MergeState, mergeType mergestate.MergeCommitType) (string, error) {
	tree, err := e.outcomeTree(ctx, repo, m)
	if err != nil {
		return "", err
	}

	if mergeType == mergestate.MergeCommitTypeFastForward {
		canFF, err := repo.IsAncestor(m.LastCommitHashMergeTo, m.LastCommitHashMergeFrom)
		if err != nil {
			return "", err
		}
		fromTree, err := repo.TreeOfCommit(m.LastCommitHashMergeFrom)
		if err != nil {
			return "", err
		}
		if canFF && fromTree == tree {
			return m.LastCommitHashMergeFrom, nil
		}
		log.From(ctx).Warn("cannot fast-forward, creating a merge commit", zap.String("uuid", m.UUID))
	}

	return repo.CommitTree(tree, []string{m.LastCommitHashMergeTo, m.LastCommitHashMergeFrom}, m.CommitMessage,
		e.actorOrBot(actor).signature(), e.bot.signature())
}

// commit creates a commit of tree on parent, or returns parent when the tree
// did not change.
func (e *Engine) commit(repo *git.Repository, actor Actor, tree, message, parent string) (string, error) {
	if parent != "" {
		parentTree, err := repo.TreeOfCommit(parent)
		if err != nil {
			return "", err
		}
		if parentTree == tree {
			return parent, nil
		}
	}
	return repo.CommitTree(tree, []string{parent}, message, e.actorOrBot(actor).signature(), e.bot.signature())
}

// outcomeTree is the editable tree with the auto-applied and resolved values of m.
func (e *Engine) outcomeTree(ctx context.Context, repo *git.Repository, m *mergestate.MergeState) (string, error) {
	editable, err := e.snapshot(ctx, repo, m.RootIRI, m.ExportFormat)
	if err != nil {
		return "", err
	}
	contents, err := e.outcome(ctx, m)
	if err != nil {
		return "", err
	}
	return overlayTree(repo, editable, m.ExportFormat, contents)
}

func (e *Engine) writeOutcome(ctx context.Context, m *mergestate.MergeState) error {
	contents, err := e.outcome(ctx, m)
	if err != nil {
		return err
	}
	if err := e.writeContents(ctx, m.RootIRI, contents); err != nil {
		return err
	}
	return e.states.SetStage(ctx, m.UUID, mergestate.StageContentWritten, "")
}

// complete advances the package pointer and removes the merge state.
func (e *Engine) complete(ctx context.Context, repo *git.Repository, m *mergestate.MergeState, branch, commit string) (*FinalizeResult, error) {
	if err := repo.UpdateRef(branchRef(branch), commit, ""); err != nil {
		return nil, err
	}
	if err := e.states.CompleteWithPointer(ctx, m.UUID, m.RootIRI, commit); err != nil {
		return nil, err
	}

	log.From(ctx).Info("merge state finalized",
		zap.String("uuid", m.UUID), zap.String("rootIri", m.RootIRI), zap.String("commit", commit))
	return &FinalizeResult{UUID: m.UUID, Kind: m.Kind, CommitHash: commit, Completed: true}, nil
}
