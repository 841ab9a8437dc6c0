package gitsync

import (
	"context"
	"fmt"

	"github.com/hashicorp/go-multierror"
	"go.uber.org/zap"

	"github.com/dataspecer/dsgit/internal/errors"
	"github.com/dataspecer/dsgit/internal/log"
	"github.com/dataspecer/dsgit/internal/mergestate"
	"github.com/dataspecer/dsgit/internal/provider"
	"github.com/dataspecer/dsgit/internal/resource"
)

type CreateRepositoryRequest struct {
	RootIRI string
	// ProviderURL selects the hosting service, e.g. https://github.com.
	ProviderURL  string
	Owner        string
	Name         string
	IsUserRepo   bool
	Private      bool
	Description  string
	Message      string
	ExportFormat resource.ExportFormat
}

type CreateRepositoryResult struct {
	Repository *provider.Repository    `json:"repository"`
	Link       *mergestate.PackageLink `json:"link"`
	Commit     *Result                 `json:"commit"`
}

// CreateRepository creates a hosted repository, links the package to its
// default branch and pushes the package as the first commit.
func (e *Engine) CreateRepository(ctx context.Context, actor Actor, req CreateRepositoryRequest) (*CreateRepositoryResult, error) {
	if req.RootIRI == "" || req.Name == "" {
		return nil, errors.ErrValidation.Wrapf("rootIri and name are required")
	}
	if _, err := e.states.GetLink(ctx, req.RootIRI); err == nil {
		return nil, errors.ErrValidation.Wrapf("package %s is already linked to a repository", req.RootIRI)
	} else if !errors.Is(err, errors.ErrNotFound) {
		return nil, err
	}

	adapter, err := e.adapter(req.ProviderURL)
	if err != nil {
		return nil, err
	}

	repo, err := adapter.CreateRepository(ctx, provider.CreateRequest{
		Owner:       req.Owner,
		Name:        req.Name,
		IsUserRepo:  req.IsUserRepo,
		Private:     req.Private,
		Description: req.Description,
	})
	if err != nil {
		return nil, err
	}

	export := req.ExportFormat
	if export == "" {
		export = resource.ExportJSON
	}
	link := mergestate.PackageLink{
		RootIRI:       req.RootIRI,
		RepositoryURL: repo.CloneURL,
		Branch:        repo.DefaultBranch,
		Provider:      string(adapter.Name()),
		ExportFormat:  export,
	}
	if err := e.states.UpsertLink(ctx, link); err != nil {
		return nil, err
	}

	log.From(ctx).Info("repository created", zap.String("rootIri", req.RootIRI), zap.String("url", repo.CloneURL))

	message := req.Message
	if message == "" {
		message = "Initial commit"
	}
	commit, err := e.CommitPackage(ctx, actor, CommitRequest{RootIRI: req.RootIRI, Message: message})
	if err != nil {
		return nil, fmt.Errorf("initial commit to %s: %w", repo.CloneURL, err)
	}

	stored, err := e.states.GetLink(ctx, req.RootIRI)
	if err != nil {
		return nil, err
	}
	return &CreateRepositoryResult{Repository: repo, Link: stored, Commit: commit}, nil
}

type LinkResult struct {
	Link *mergestate.PackageLink `json:"link"`
	Pull *Result                 `json:"pull"`
}

// LinkRepository binds a package to an existing repository and pulls it. The
// branch is taken from a .../tree/<branch> URL or the repository default.
func (e *Engine) LinkRepository(ctx context.Context, rootIRI, repositoryURL string, export resource.ExportFormat) (*LinkResult, error) {
	if rootIRI == "" {
		return nil, errors.ErrValidation.Wrapf("rootIri is required")
	}

	adapter, err := e.adapter(repositoryURL)
	if err != nil {
		return nil, err
	}

	branch := provider.BranchOf(repositoryURL)
	if branch == "" {
		owner, name, err := provider.OwnerAndName(repositoryURL)
		if err != nil {
			return nil, err
		}
		repo, err := adapter.GetRepository(ctx, owner, name)
		if err != nil {
			return nil, err
		}
		branch = repo.DefaultBranch
	}
	if branch == "" {
		branch = e.defaultBranch
	}

	link := mergestate.PackageLink{
		RootIRI:       rootIRI,
		RepositoryURL: provider.CloneURL(repositoryURL),
		Branch:        branch,
		Provider:      string(adapter.Name()),
		ExportFormat:  export,
	}

	// relinking the same branch keeps the synchronization pointer
	if prev, err := e.states.GetLink(ctx, rootIRI); err == nil {
		if provider.Canonical(prev.RepositoryURL) == provider.Canonical(link.RepositoryURL) && prev.Branch == link.Branch {
			link.LastCommitHash = prev.LastCommitHash
		}
		if link.ExportFormat == "" {
			link.ExportFormat = prev.ExportFormat
		}
	} else if !errors.Is(err, errors.ErrNotFound) {
		return nil, err
	}

	if err := e.states.UpsertLink(ctx, link); err != nil {
		return nil, err
	}

	pull, err := e.Pull(ctx, rootIRI)
	if err != nil {
		return nil, err
	}

	stored, err := e.states.GetLink(ctx, rootIRI)
	if err != nil {
		return nil, err
	}
	return &LinkResult{Link: stored, Pull: pull}, nil
}

// Links returns every linked package.
func (e *Engine) Links(ctx context.Context) ([]*mergestate.PackageLink, error) {
	return e.states.ListLinks(ctx)
}

type WebhookPull struct {
	RootIRI string  `json:"rootIri"`
	Result  *Result `json:"result"`
}

// HandleWebhook pulls every package linked to the pushed branch.
func (e *Engine) HandleWebhook(ctx context.Context, ev provider.WebhookEvent) ([]WebhookPull, error) {
	links, err := e.states.ListLinks(ctx)
	if err != nil {
		return nil, err
	}

	repoKey := provider.Canonical(ev.RepositoryURL)
	var (
		out  []WebhookPull
		errs *multierror.Error
	)
	for _, link := range links {
		if link.Branch != ev.Branch || provider.Canonical(link.RepositoryURL) != repoKey {
			continue
		}
		if ev.After != "" && link.LastCommitHash == ev.After {
			continue
		}

		res, err := e.Pull(ctx, link.RootIRI)
		if err != nil {
			errs = multierror.Append(errs, fmt.Errorf("pull %s: %w", link.RootIRI, err))
			continue
		}
		out = append(out, WebhookPull{RootIRI: link.RootIRI, Result: res})
	}

	log.From(ctx).Info("webhook handled",
		zap.String("repository", repoKey), zap.String("branch", ev.Branch), zap.Int("pulled", len(out)))
	return out, errs.ErrorOrNil()
}

func (e *Engine) adapter(rawURL string) (provider.Adapter, error) {
	if e.providers == nil {
		return nil, errors.ErrProviderUnknown.Wrapf("no providers configured")
	}
	return e.providers.Select(rawURL)
}
