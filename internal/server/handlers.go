package server

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/samber/lo"
	"go.uber.org/zap"

	"github.com/dataspecer/dsgit/internal/compare"
	"github.com/dataspecer/dsgit/internal/errors"
	"github.com/dataspecer/dsgit/internal/gitsync"
	"github.com/dataspecer/dsgit/internal/log"
	"github.com/dataspecer/dsgit/internal/mergestate"
	"github.com/dataspecer/dsgit/internal/resource"
)

func (s *Server) health(ctx context.Context, w http.ResponseWriter, _ *http.Request) error {
	return respondJSON(ctx, w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) pull(ctx context.Context, w http.ResponseWriter, r *http.Request) error {
	iri, err := required(r, "iri")
	if err != nil {
		return err
	}

	res, err := s.engine.Pull(ctx, iri)
	if err != nil {
		return err
	}
	s.recordCreated(res)
	return respondJSON(ctx, w, http.StatusOK, res)
}

func (s *Server) commitPackage(ctx context.Context, w http.ResponseWriter, r *http.Request) error {
	iri, err := required(r, "iri")
	if err != nil {
		return err
	}
	export, err := exportParam(r)
	if err != nil {
		return err
	}
	always, err := boolParam(r, "shouldAlwaysCreateMergeState")
	if err != nil {
		return err
	}
	redirect, err := boolParam(r, "shouldRedirectWithExistenceOfMergeStates")
	if err != nil {
		return err
	}

	res, err := s.engine.CommitPackage(ctx, actor(r), gitsync.CommitRequest{
		RootIRI:                iri,
		Message:                r.URL.Query().Get("commitMessage"),
		ExportFormat:           export,
		AlwaysCreateMergeState: always,
		RedirectIfMergeStates:  redirect,
	})
	if err != nil {
		return err
	}
	s.recordCreated(res)
	return respondJSON(ctx, w, http.StatusOK, res)
}

func (s *Server) mergeCommitPackage(ctx context.Context, w http.ResponseWriter, r *http.Request) error {
	iri, err := required(r, "iri")
	if err != nil {
		return err
	}
	from, err := required(r, "rootIriMergeFrom")
	if err != nil {
		return err
	}
	export, err := exportParam(r)
	if err != nil {
		return err
	}
	commitType, err := mergestate.ParseMergeCommitType(r.URL.Query().Get("mergeCommitType"))
	if err != nil {
		return err
	}
	always, err := boolParam(r, "shouldAlwaysCreateMergeState")
	if err != nil {
		return err
	}
	redirect, err := boolParam(r, "shouldRedirectWithExistenceOfMergeStates")
	if err != nil {
		return err
	}

	q := r.URL.Query()
	res, err := s.engine.MergeCommitPackage(ctx, actor(r), gitsync.MergeRequest{
		RootIRI:                 iri,
		RootIRIMergeFrom:        from,
		BranchMergeFrom:         q.Get("branchMergeFrom"),
		LastCommitHashMergeFrom: q.Get("lastCommitHashMergeFrom"),
		Message:                 q.Get("commitMessage"),
		ExportFormat:            export,
		MergeCommitType:         commitType,
		AlwaysCreateMergeState:  always,
		RedirectIfMergeStates:   redirect,
	})
	if err != nil {
		return err
	}
	s.recordCreated(res)
	return respondJSON(ctx, w, http.StatusOK, res)
}

func (s *Server) createRepository(ctx context.Context, w http.ResponseWriter, r *http.Request) error {
	iri, err := required(r, "iri")
	if err != nil {
		return err
	}
	name, err := required(r, "givenRepositoryName")
	if err != nil {
		return err
	}
	providerURL, err := required(r, "gitProviderURL")
	if err != nil {
		return err
	}
	export, err := exportParam(r)
	if err != nil {
		return err
	}
	isUserRepo, err := boolParam(r, "isUserRepo")
	if err != nil {
		return err
	}
	private, err := boolParam(r, "isPrivate")
	if err != nil {
		return err
	}

	q := r.URL.Query()
	res, err := s.engine.CreateRepository(ctx, actor(r), gitsync.CreateRepositoryRequest{
		RootIRI:      iri,
		ProviderURL:  providerURL,
		Owner:        q.Get("givenRepositoryOwner"),
		Name:         name,
		IsUserRepo:   isUserRepo,
		Private:      private,
		Description:  q.Get("description"),
		Message:      q.Get("commitMessage"),
		ExportFormat: export,
	})
	if err != nil {
		return err
	}
	return respondJSON(ctx, w, http.StatusCreated, res)
}

func (s *Server) linkRepository(ctx context.Context, w http.ResponseWriter, r *http.Request) error {
	iri, err := required(r, "iri")
	if err != nil {
		return err
	}
	repositoryURL, err := required(r, "repositoryURL")
	if err != nil {
		return err
	}

	export, err := exportParam(r)
	if err != nil {
		return err
	}

	res, err := s.engine.LinkRepository(ctx, iri, repositoryURL, export)
	if err != nil {
		return err
	}
	s.recordCreated(res.Pull)
	return respondJSON(ctx, w, http.StatusOK, res)
}

// mergeStateView adds the derived status and, on request, a unified diff per
// conflict to a stored merge state.
type mergeStateView struct {
	*mergestate.MergeState
	Status          mergestate.Status `json:"status"`
	UnresolvedPaths []resource.Path   `json:"unresolvedPaths"`
	Diffs           map[string]string `json:"diffs,omitempty"`
}

func view(m *mergestate.MergeState, withDiffs bool) (mergeStateView, error) {
	v := mergeStateView{MergeState: m, Status: m.Status(), UnresolvedPaths: m.UnresolvedPaths()}
	if !withDiffs {
		return v, nil
	}

	v.Diffs = make(map[string]string, len(m.Conflicts))
	for _, c := range m.Conflicts {
		diff, err := compare.UnifiedDiff(c.ComparisonData)
		if err != nil {
			return v, err
		}
		v.Diffs[c.Path().String()] = diff
	}
	return v, nil
}

func (s *Server) mergeState(ctx context.Context, w http.ResponseWriter, r *http.Request) error {
	id, err := uuidParam(r)
	if err != nil {
		return err
	}
	withDiffs, err := boolParam(r, "includeDiffs")
	if err != nil {
		return err
	}

	m, err := s.engine.MergeState(ctx, id)
	if err != nil {
		return err
	}
	v, err := view(m, withDiffs)
	if err != nil {
		return err
	}
	return respondJSON(ctx, w, http.StatusOK, v)
}

func (s *Server) mergeStates(ctx context.Context, w http.ResponseWriter, r *http.Request) error {
	states, err := s.engine.MergeStates(ctx, r.URL.Query().Get("iri"))
	if err != nil {
		return err
	}

	out := make([]mergeStateView, 0, len(states))
	for _, m := range states {
		v, err := view(m, false)
		if err != nil {
			return err
		}
		out = append(out, v)
	}
	return respondJSON(ctx, w, http.StatusOK, out)
}

type updateMergeStateRequest struct {
	UUID string `json:"uuid"`
	// CurrentlyUnresolvedConflicts lists the conflicts the user has not
	// resolved yet; every other unresolved conflict becomes resolved.
	CurrentlyUnresolvedConflicts *[]string `json:"currentlyUnresolvedConflicts"`
	RemovePaths                  []string  `json:"removePaths"`
}

func (s *Server) updateMergeState(ctx context.Context, w http.ResponseWriter, r *http.Request) error {
	var req updateMergeStateRequest
	if err := decode(r, &req); err != nil {
		return err
	}
	if req.UUID == "" {
		return errors.ErrBadRequest.Wrapf("uuid is required")
	}

	remove := req.RemovePaths
	if req.CurrentlyUnresolvedConflicts != nil {
		m, err := s.engine.MergeState(ctx, req.UUID)
		if err != nil {
			return err
		}
		still, err := paths(*req.CurrentlyUnresolvedConflicts)
		if err != nil {
			return err
		}
		for _, p := range lo.Without(m.UnresolvedPaths(), still...) {
			remove = append(remove, p.String())
		}
	}

	m, err := s.engine.UpdateMergeState(ctx, req.UUID, remove)
	if err != nil {
		return err
	}
	v, err := view(m, false)
	if err != nil {
		return err
	}
	return respondJSON(ctx, w, http.StatusOK, v)
}

type resolveMergeStateRequest struct {
	UUID     string   `json:"uuid"`
	Strategy string   `json:"strategy"`
	Paths    []string `json:"paths"`
}

func (s *Server) resolveMergeState(ctx context.Context, w http.ResponseWriter, r *http.Request) error {
	var req resolveMergeStateRequest
	if err := decode(r, &req); err != nil {
		return err
	}
	if req.UUID == "" || req.Strategy == "" {
		return errors.ErrBadRequest.Wrapf("uuid and strategy are required")
	}

	m, err := s.engine.ResolveMergeState(ctx, req.UUID, req.Strategy, req.Paths)
	if err != nil {
		return err
	}
	v, err := view(m, false)
	if err != nil {
		return err
	}
	return respondJSON(ctx, w, http.StatusOK, v)
}

func (s *Server) strategies(ctx context.Context, w http.ResponseWriter, _ *http.Request) error {
	return respondJSON(ctx, w, http.StatusOK, s.engine.Strategies().List())
}

func (s *Server) removeMergeState(ctx context.Context, w http.ResponseWriter, r *http.Request) error {
	id, err := uuidParam(r)
	if err != nil {
		return err
	}
	if err := s.engine.RemoveMergeState(ctx, id); err != nil {
		return err
	}
	return respondJSON(ctx, w, http.StatusOK, map[string]any{"uuid": id, "removed": true})
}

// finalize serves the generic route when kind is empty and the per-kind
// routes otherwise.
func (s *Server) finalize(kind mergestate.Kind) func(context.Context, http.ResponseWriter, *http.Request) error {
	return func(ctx context.Context, w http.ResponseWriter, r *http.Request) error {
		id, err := uuidParam(r)
		if err != nil {
			return err
		}
		commitType, err := mergestate.ParseMergeCommitType(r.URL.Query().Get("mergeCommitType"))
		if err != nil {
			return err
		}

		res, err := s.engine.Finalize(ctx, actor(r), id, gitsync.FinalizeOptions{Kind: kind, MergeCommitType: commitType})
		if err != nil {
			RecordFinalize(string(kind), "", "failed")
			return err
		}
		RecordFinalize(string(res.Kind), "", outcome(res))
		return respondJSON(ctx, w, http.StatusOK, res)
	}
}

func (s *Server) finalizeOnFailure(kind mergestate.Kind) func(context.Context, http.ResponseWriter, *http.Request) error {
	return func(ctx context.Context, w http.ResponseWriter, r *http.Request) error {
		id, err := uuidParam(r)
		if err != nil {
			return err
		}

		q := r.URL.Query()
		params := gitsync.OnFailureParams{
			RootIRIToUpdate:  q.Get("rootIriToUpdate"),
			PulledCommitHash: q.Get("pulledCommitHash"),
		}
		if raw := q.Get("finalizerVariant"); raw != "" {
			if params.Variant, err = gitsync.ParseVariant(raw); err != nil {
				return err
			}
			if params.Variant.Kind() != kind {
				return errors.ErrBadRequest.Wrapf("variant %s does not compensate a %s merge state", raw, kind)
			}
		}

		res, err := s.engine.FinalizeOnFailure(ctx, actor(r), id, params)
		if err != nil {
			RecordFinalize(string(kind), string(params.Variant), "failed")
			return err
		}
		RecordFinalize(string(res.Kind), string(res.Variant), outcome(res))
		return respondJSON(ctx, w, http.StatusOK, res)
	}
}

func (s *Server) webhook(ctx context.Context, w http.ResponseWriter, r *http.Request) error {
	if s.webhooks == nil {
		return errors.ErrNotFound.Wrapf("webhooks are not configured")
	}

	ev, err := s.webhooks.ParseWebhook(r)
	if err != nil {
		return err
	}
	if ev == nil {
		return respondJSON(ctx, w, http.StatusAccepted, map[string]any{"ignored": true})
	}

	log.From(ctx).Info("webhook received",
		zap.String("provider", string(ev.Provider)), zap.String("repository", ev.RepositoryURL), zap.String("branch", ev.Branch))

	pulls, err := s.engine.HandleWebhook(ctx, *ev)
	for _, p := range pulls {
		s.recordCreated(p.Result)
	}
	if err != nil {
		return err
	}
	return respondJSON(ctx, w, http.StatusOK, map[string]any{"pulls": pulls})
}

func (s *Server) recordCreated(res *gitsync.Result) {
	if res != nil && res.MergeState != nil {
		RecordMergeStateCreated(string(res.MergeState.Kind))
	}
}

func outcome(res *gitsync.FinalizeResult) string {
	switch {
	case res.Completed:
		return "completed"
	case res.Discarded:
		return "discarded"
	default:
		return "kept"
	}
}

// actor reads the identity of the person behind the request. An empty actor
// commits as the configured bot.
func actor(r *http.Request) gitsync.Actor {
	return gitsync.Actor{
		Name:  r.Header.Get("X-Actor-Name"),
		Email: r.Header.Get("X-Actor-Email"),
	}
}

func required(r *http.Request, key string) (string, error) {
	v := r.URL.Query().Get(key)
	if v == "" {
		return "", errors.ErrBadRequest.Wrapf("query parameter %s is required", key)
	}
	return v, nil
}

// uuidParam accepts both uuid and mergeStateUuid.
func uuidParam(r *http.Request) (string, error) {
	q := r.URL.Query()
	if id := q.Get("uuid"); id != "" {
		return id, nil
	}
	if id := q.Get("mergeStateUuid"); id != "" {
		return id, nil
	}
	return "", errors.ErrBadRequest.Wrapf("query parameter uuid is required")
}

func boolParam(r *http.Request, key string) (bool, error) {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return false, nil
	}
	v, err := strconv.ParseBool(raw)
	if err != nil {
		return false, errors.ErrBadRequest.Wrapf("query parameter %s: %v", key, err)
	}
	return v, nil
}

// exportParam is empty when the request does not name a format, which keeps
// the format of the link.
func exportParam(r *http.Request) (resource.ExportFormat, error) {
	raw := r.URL.Query().Get("exportFormat")
	if raw == "" {
		return "", nil
	}
	return resource.ParseExportFormat(raw)
}

func decode(r *http.Request, v any) error {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return errors.ErrBadRequest.Wrapf("invalid request body: %v", err)
	}
	return nil
}

func paths(ss []string) ([]resource.Path, error) {
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
