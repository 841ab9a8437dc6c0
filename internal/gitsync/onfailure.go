package gitsync

import (
	"context"
	"fmt"
	"slices"

	"go.uber.org/zap"

	"github.com/dataspecer/dsgit/internal/errors"
	"github.com/dataspecer/dsgit/internal/git"
	"github.com/dataspecer/dsgit/internal/log"
	"github.com/dataspecer/dsgit/internal/mergestate"
)

// FinalizerVariant names a compensation for a finalize that did not complete.
type FinalizerVariant string

const (
	// PullReapplyContent writes the resolved content again and advances the pointer.
	PullReapplyContent FinalizerVariant = "pull-reapply-content"
	// PullReadvancePointer only advances the pointer; the content is in place.
	PullReadvancePointer FinalizerVariant = "pull-readvance-pointer"
	PullUnrecoverable    FinalizerVariant = "pull-unrecoverable"

	// PushRetry pushes the created commit again, or creates it first.
	PushRetry FinalizerVariant = "push-retry"
	// PushRejected drops the state and compares the editable tree with the
	// moved remote branch again. Resolved values are kept in the store.
	PushRejected FinalizerVariant = "push-rejected"
	// PushLocalUpdate completes the local side of a push the remote accepted.
	PushLocalUpdate   FinalizerVariant = "push-local-update"
	PushUnrecoverable FinalizerVariant = "push-unrecoverable"

	// MergeRollbackBranch resets the cached target branch to the remote tip
	// and rewinds the journal. The state is kept for another finalize only
	// while the remote target is still at the commit it was computed on;
	// otherwise it can never be pushed and is discarded.
	MergeRollbackBranch FinalizerVariant = "merge-rollback-branch"
	MergeRetryPush      FinalizerVariant = "merge-retry-push"
	// MergeUnrecoverable resets the cached target branch and discards the
	// state. The package has to pull the moved target and merge again.
	MergeUnrecoverable FinalizerVariant = "merge-unrecoverable"
)

var variantKinds = map[FinalizerVariant]mergestate.Kind{
	PullReapplyContent:   mergestate.KindPull,
	PullReadvancePointer: mergestate.KindPull,
	PullUnrecoverable:    mergestate.KindPull,
	PushRetry:            mergestate.KindPush,
	PushRejected:         mergestate.KindPush,
	PushLocalUpdate:      mergestate.KindPush,
	PushUnrecoverable:    mergestate.KindPush,
	MergeRollbackBranch:  mergestate.KindMerge,
	MergeRetryPush:       mergestate.KindMerge,
	MergeUnrecoverable:   mergestate.KindMerge,
}

func ParseVariant(s string) (FinalizerVariant, error) {
	v := FinalizerVariant(s)
	if _, ok := variantKinds[v]; !ok {
		return "", errors.ErrValidation.Wrapf("unknown finalizer variant %q", s)
	}
	return v, nil
}

// Kind is the merge state kind the variant compensates.
func (v FinalizerVariant) Kind() mergestate.Kind {
	return variantKinds[v]
}

// Variants lists the variants of a kind.
func Variants(kind mergestate.Kind) []FinalizerVariant {
	var out []FinalizerVariant
	for v, k := range variantKinds {
		if k == kind {
			out = append(out, v)
		}
	}
	slices.Sort(out)
	return out
}

// commits reports whether the variant applies the resolutions of the state.
func (v FinalizerVariant) commits() bool {
	switch v {
	case PullReapplyContent, PullReadvancePointer, PushRetry, PushLocalUpdate, MergeRetryPush:
		return true
	default:
		return false
	}
}

type OnFailureParams struct {
	// Variant is derived from the journal and the remote when empty.
	Variant FinalizerVariant
	// RootIRIToUpdate and PulledCommitHash, when given for a pull, must match
	// the merge state.
	RootIRIToUpdate  string
	PulledCommitHash string
}

// FinalizeOnFailure compensates a finalize that failed or was interrupted.
func (e *Engine) FinalizeOnFailure(ctx context.Context, actor Actor, id string, params OnFailureParams) (*FinalizeResult, error) {
	e.mergeStates.Lock(id)
	defer func() { _ = e.mergeStates.Unlock(id) }()

	m, err := e.states.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if params.Variant != "" && params.Variant.Kind() != m.Kind {
		return nil, errors.ErrValidation.Wrapf("variant %s does not apply to a %s merge state", params.Variant, m.Kind)
	}
	if m.Kind == mergestate.KindPull {
		if params.RootIRIToUpdate != "" && params.RootIRIToUpdate != m.RootIRI {
			return nil, errors.ErrValidation.Wrapf("merge state %s belongs to %s, not %s", id, m.RootIRI, params.RootIRIToUpdate)
		}
		if params.PulledCommitHash != "" && params.PulledCommitHash != m.LastCommitHashMergeFrom {
			return nil, errors.ErrValidation.Wrapf("merge state %s pulled %s, not %s", id, m.LastCommitHashMergeFrom, params.PulledCommitHash)
		}
	}

	unlock, err := e.lockPackage(ctx, m.RootIRI)
	if err != nil {
		return nil, err
	}
	defer unlock()

	if m, err = e.states.Claim(ctx, id); err != nil {
		return nil, err
	}
	defer e.release(ctx, id)

	link, err := e.states.GetLink(ctx, m.RootIRI)
	if err != nil {
		return nil, err
	}
	repo, remote, err := e.open(link)
	if err != nil {
		return nil, err
	}

	variant := params.Variant
	if variant == "" {
		if variant, err = derive(ctx, repo, remote, m); err != nil {
			return nil, e.fail(ctx, m, err)
		}
	}
	if variant.commits() {
		if err := requireResolved(m); err != nil {
			return nil, err
		}
	}

	log.From(ctx).Info("compensating finalize",
		zap.String("uuid", m.UUID), zap.String("variant", string(variant)), zap.String("stage", string(m.FinalizeStage)))

	res, err := e.compensate(ctx, actor, m, link, repo, remote, variant)
	if err != nil {
		return nil, e.fail(ctx, m, err)
	}
	res.Variant = variant
	return res, nil
}

// derive picks the variant the journal and the remote branch point to.
func derive(ctx context.Context, repo *git.Repository, remote git.Remote, m *mergestate.MergeState) (FinalizerVariant, error) {
	switch m.Kind {
	case mergestate.KindPull:
		if reached(m.FinalizeStage, mergestate.StageContentWritten) {
			return PullReadvancePointer, nil
		}
		return PullReapplyContent, nil

	case mergestate.KindPush:
		if m.CreatedCommitHash == "" {
			return PushRetry, nil
		}
		tip, err := remote.Fetch(ctx, repo, m.BranchMergeTo)
		if err != nil {
			return "", err
		}
		switch tip {
		case m.CreatedCommitHash:
			return PushLocalUpdate, nil
		case m.LastCommitHashMergeFrom:
			return PushRetry, nil
		default:
			return PushRejected, nil
		}

	case mergestate.KindMerge:
		tip, err := remote.Fetch(ctx, repo, m.BranchMergeTo)
		if err != nil {
			return "", err
		}
		if tip == m.LastCommitHashMergeTo || (m.CreatedCommitHash != "" && tip == m.CreatedCommitHash) {
			return MergeRetryPush, nil
		}
		// the push compare-and-set expects LastCommitHashMergeTo, which the
		// target has moved past for good
		return MergeUnrecoverable, nil
	}

	return "", errors.ErrValidation.Wrapf("merge state %s has unknown kind %q", m.UUID, m.Kind)
}

func (e *Engine) compensate(ctx context.Context, actor Actor, m *mergestate.MergeState, link *mergestate.PackageLink, repo *git.Repository, remote git.Remote, variant FinalizerVariant) (*FinalizeResult, error) {
	switch variant {
	case PullReapplyContent:
		m.FinalizeStage = mergestate.StageNone
		return e.finalizePull(ctx, m)

	case PullReadvancePointer:
		return e.complete(ctx, repo, m, link.Branch, m.LastCommitHashMergeFrom)

	case PushRetry:
		m.FinalizeStage = retryStage(m)
		return e.finalizePush(ctx, actor, m)

	case PushLocalUpdate:
		tip, err := remote.Fetch(ctx, repo, m.BranchMergeTo)
		if err != nil {
			return nil, err
		}
		if m.CreatedCommitHash == "" || tip != m.CreatedCommitHash {
			return nil, errors.ErrValidation.Wrapf("remote branch %s is at %q, not at the commit of merge state %s", m.BranchMergeTo, tip, m.UUID)
		}
		m.FinalizeStage = mergestate.StagePushed
		return e.finalizePush(ctx, actor, m)

	case PushRejected:
		return e.requeuePush(ctx, actor, m, link)

	case MergeRetryPush:
		m.FinalizeStage = retryStage(m)
		return e.finalizeMerge(ctx, actor, m, m.MergeCommitType)

	case MergeRollbackBranch:
		tip, err := rollbackBranch(ctx, repo, remote, m.BranchMergeTo)
		if err != nil {
			return nil, err
		}
		if tip != m.LastCommitHashMergeTo {
			log.From(ctx).Warn("target branch moved, discarding merge state",
				zap.String("uuid", m.UUID), zap.String("branch", m.BranchMergeTo), zap.String("tip", tip))
			return e.discard(ctx, m)
		}
		if err := e.states.SetStage(ctx, m.UUID, mergestate.StageNone, ""); err != nil {
			return nil, err
		}
		kept, err := e.states.Get(ctx, m.UUID)
		if err != nil {
			return nil, err
		}
		return &FinalizeResult{UUID: m.UUID, Kind: m.Kind, MergeState: kept}, nil

	case MergeUnrecoverable:
		if _, err := rollbackBranch(ctx, repo, remote, m.BranchMergeTo); err != nil {
			return nil, err
		}
		return e.discard(ctx, m)

	case PullUnrecoverable, PushUnrecoverable:
		return e.discard(ctx, m)
	}

	return nil, errors.ErrValidation.Wrapf("unknown finalizer variant %q", variant)
}

// retryStage rewinds the journal to just after commit creation so the push
// and every later step run again.
func retryStage(m *mergestate.MergeState) mergestate.Stage {
	if m.CreatedCommitHash == "" {
		return mergestate.StageNone
	}
	return mergestate.StageCommitCreated
}

// rollbackBranch resets the cached branch to the remote tip and returns it.
func rollbackBranch(ctx context.Context, repo *git.Repository, remote git.Remote, branch string) (string, error) {
	tip, err := remote.Fetch(ctx, repo, branch)
	if err != nil {
		return "", err
	}
	if tip == "" {
		return "", repo.RemoveRef(branchRef(branch))
	}
	return tip, repo.UpdateRef(branchRef(branch), tip, "")
}

func (e *Engine) discard(ctx context.Context, m *mergestate.MergeState) (*FinalizeResult, error) {
	if err := e.states.Delete(ctx, m.UUID); err != nil {
		return nil, err
	}
	return &FinalizeResult{UUID: m.UUID, Kind: m.Kind, Discarded: true}, nil
}

// requeuePush writes what the user resolved into the store, drops the
// rejected state and parks a fresh push state computed against the new
// remote tip.
func (e *Engine) requeuePush(ctx context.Context, actor Actor, m *mergestate.MergeState, link *mergestate.PackageLink) (*FinalizeResult, error) {
	contents, err := e.outcome(ctx, m)
	if err != nil {
		return nil, err
	}
	if err := e.writeContents(ctx, m.RootIRI, contents); err != nil {
		return nil, err
	}
	if err := e.states.Delete(ctx, m.UUID); err != nil {
		return nil, err
	}

	res, err := e.commitLocked(ctx, actor, link, CommitRequest{
		RootIRI:                m.RootIRI,
		Message:                m.CommitMessage,
		AlwaysCreateMergeState: true,
	})
	if err != nil {
		return nil, fmt.Errorf("recompute rejected push: %w", err)
	}

	return &FinalizeResult{UUID: m.UUID, Kind: m.Kind, Discarded: true, MergeState: res.MergeState}, nil
}
