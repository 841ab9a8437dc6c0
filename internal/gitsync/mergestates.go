package gitsync

import (
	"context"

	"go.uber.org/zap"

	"github.com/dataspecer/dsgit/internal/errors"
	"github.com/dataspecer/dsgit/internal/log"
	"github.com/dataspecer/dsgit/internal/mergestate"
	"github.com/dataspecer/dsgit/internal/resource"
)

func (e *Engine) MergeState(ctx context.Context, id string) (*mergestate.MergeState, error) {
	return e.states.Get(ctx, id)
}

// MergeStates lists the merge states of a package, or of every package when
// rootIRI is empty.
func (e *Engine) MergeStates(ctx context.Context, rootIRI string) ([]*mergestate.MergeState, error) {
	return e.states.List(ctx, rootIRI)
}

// UpdateMergeState marks conflicts as resolved with the editable content the
// store holds at finalize time. Unknown and already resolved paths are ignored.
func (e *Engine) UpdateMergeState(ctx context.Context, id string, removePaths []string) (*mergestate.MergeState, error) {
	ps, err := parsePaths(removePaths)
	if err != nil {
		return nil, err
	}
	return e.states.Update(ctx, id, ps)
}

// ResolveMergeState runs a resolver strategy on the given conflicts, or on
// every unresolved conflict when paths is empty. Either all of them are
// resolved or none.
func (e *Engine) ResolveMergeState(ctx context.Context, id, strategy string, paths []string) (*mergestate.MergeState, error) {
	ps, err := parsePaths(paths)
	if err != nil {
		return nil, err
	}

	m, err := e.states.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	targets := m.Unresolved()
	if len(ps) > 0 {
		targets = targets[:0:0]
		for _, p := range ps {
			c, ok := m.Conflict(p)
			if !ok {
				return nil, errors.ErrValidation.Wrapf("%s is not a conflict of merge state %s", p, id)
			}
			targets = append(targets, c.ComparisonData)
		}
	}

	resolutions, err := e.strategies.Apply(strategy, targets)
	if err != nil {
		return nil, err
	}

	log.From(ctx).Info("resolved conflicts", zap.String("uuid", id), zap.String("strategy", strategy), zap.Int("paths", len(resolutions)))
	return e.states.Resolve(ctx, id, resolutions)
}

// RemoveMergeState aborts a merge state. The editable tree and the branch are
// left as they are. Finalizers of this process are excluded by the uuid lock,
// so a claim seen here belongs to a crashed or foreign finalizer; the state is
// removed anyway and that finalizer fails when it tries to complete it.
func (e *Engine) RemoveMergeState(ctx context.Context, id string) error {
	e.mergeStates.Lock(id)
	defer func() { _ = e.mergeStates.Unlock(id) }()

	m, err := e.states.Get(ctx, id)
	if err != nil {
		return err
	}
	if m.Finalizing {
		log.From(ctx).Warn("removing merge state with a pending finalize claim",
			zap.String("uuid", id), zap.String("stage", string(m.FinalizeStage)))
	}

	if err := e.states.Delete(ctx, id); err != nil {
		return err
	}
	log.From(ctx).Info("merge state removed", zap.String("uuid", id), zap.String("rootIri", m.RootIRI))
	return nil
}

func parsePaths(ss []string) ([]resource.Path, error) {
	out := make([]resource.Path, 0, len(ss))
	for _, s := range ss {
		p, err := resource.ParsePath(s)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, nil
}
