package provider

import (
	"context"
	"crypto/subtle"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	gitlab "gitlab.com/gitlab-org/api/client-go"

	"github.com/dataspecer/dsgit/internal/errors"
)

// GitLabOptions configures the GitLab adapter. Domain is the instance host,
// APIURL overrides https://<domain>/api/v4.
type GitLabOptions struct {
	Domain        string
	Token         string
	WebhookSecret string
	// AllowUnsignedWebhooks accepts deliveries without X-Gitlab-Token when no
	// WebhookSecret is configured.
	AllowUnsignedWebhooks bool
	APIURL                string
	HTTPClient            *http.Client
}

type GitLabAdapter struct {
	opts   GitLabOptions
	client *gitlab.Client
}

var _ Adapter = (*GitLabAdapter)(nil)

func NewGitLab(opts GitLabOptions) (*GitLabAdapter, error) {
	if opts.Domain == "" {
		opts.Domain = "gitlab.com"
	}

	apiURL := opts.APIURL
	if apiURL == "" {
		apiURL = "https://" + opts.Domain + "/api/v4"
	}

	clientOpts := []gitlab.ClientOptionFunc{
		gitlab.WithBaseURL(apiURL),
		gitlab.WithCustomRetryMax(3),
		gitlab.WithCustomRetryWaitMinMax(200*time.Millisecond, 2*time.Second),
	}
	if opts.HTTPClient != nil {
		clientOpts = append(clientOpts, gitlab.WithHTTPClient(opts.HTTPClient))
	}

	client, err := gitlab.NewClient(opts.Token, clientOpts...)
	if err != nil {
		return nil, fmt.Errorf("invalid GitLab API URL: %w", err)
	}

	return &GitLabAdapter{opts: opts, client: client}, nil
}

func (g *GitLabAdapter) Name() Name {
	return GitLab
}

func (g *GitLabAdapter) Domain() string {
	return g.opts.Domain
}

func (g *GitLabAdapter) Credentials() (string, string) {
	return "oauth2", g.opts.Token
}

// noRetry keeps a non-idempotent request from being sent twice.
func noRetry(ctx context.Context, _ *http.Response, err error) (bool, error) {
	if ctx.Err() != nil {
		return false, ctx.Err()
	}
	return false, err
}

var _ retryablehttp.CheckRetry = noRetry

func (g *GitLabAdapter) CreateRepository(ctx context.Context, req CreateRequest) (*Repository, error) {
	opt := &gitlab.CreateProjectOptions{
		Name:       gitlab.Ptr(req.Name),
		Path:       gitlab.Ptr(req.Name),
		Visibility: gitlab.Ptr(gitlab.PublicVisibility),
	}
	if req.Private {
		opt.Visibility = gitlab.Ptr(gitlab.PrivateVisibility)
	}
	if req.Description != "" {
		opt.Description = gitlab.Ptr(req.Description)
	}

	if !req.IsUserRepo && req.Owner != "" {
		ns, resp, err := g.client.Namespaces.GetNamespace(req.Owner, gitlab.WithContext(ctx))
		if err != nil {
			return nil, gitlabError("resolve namespace "+req.Owner, resp, err)
		}
		opt.NamespaceID = gitlab.Ptr(ns.ID)
	}

	project, resp, err := g.client.Projects.CreateProject(opt, gitlab.WithContext(ctx), gitlab.WithRequestRetry(noRetry))
	if err != nil {
		return nil, gitlabError("create project", resp, err)
	}
	return fromGitLab(project), nil
}

func (g *GitLabAdapter) GetRepository(ctx context.Context, owner, name string) (*Repository, error) {
	project, resp, err := g.client.Projects.GetProject(owner+"/"+name, nil, gitlab.WithContext(ctx))
	if err != nil {
		return nil, gitlabError("get project", resp, err)
	}
	return fromGitLab(project), nil
}

func (g *GitLabAdapter) ParseWebhook(r *http.Request) (*WebhookEvent, error) {
	switch {
	case g.opts.WebhookSecret != "":
		token := r.Header.Get("X-Gitlab-Token")
		if subtle.ConstantTimeCompare([]byte(token), []byte(g.opts.WebhookSecret)) != 1 {
			return nil, errors.ErrUnauthorized.Wrapf("invalid GitLab webhook token")
		}
	case !g.opts.AllowUnsignedWebhooks:
		return nil, errors.ErrUnauthorized.Wrapf("no GitLab webhook secret configured")
	}

	eventType := gitlab.HookEventType(r)
	if eventType != gitlab.EventTypePush {
		return nil, nil
	}

	payload, err := io.ReadAll(r.Body)
	if err != nil {
		return nil, errors.ErrBadRequest.Wrapf("read GitLab webhook: %w", err)
	}

	event, err := gitlab.ParseWebhook(eventType, payload)
	if err != nil {
		return nil, errors.ErrBadRequest.Wrapf("unparseable GitLab webhook: %w", err)
	}
	push, ok := event.(*gitlab.PushEvent)
	if !ok {
		return nil, nil
	}

	branch, ok := strings.CutPrefix(push.Ref, "refs/heads/")
	if !ok || push.After == zeroSHA {
		return nil, nil
	}

	repoURL := push.Project.GitHTTPURL
	if repoURL == "" {
		repoURL = push.Project.WebURL
	}

	return &WebhookEvent{
		Provider:      GitLab,
		RepositoryURL: repoURL,
		Branch:        branch,
		After:         push.After,
	}, nil
}

const zeroSHA = "0000000000000000000000000000000000000000"

func gitlabError(op string, resp *gitlab.Response, err error) error {
	var glErr *gitlab.ErrorResponse
	if errors.As(err, &glErr) && glErr.Response != nil {
		return statusError("GitLab", op, glErr.Response.StatusCode, err)
	}
	if resp != nil && resp.Response != nil {
		return statusError("GitLab", op, resp.StatusCode, err)
	}
	return fmt.Errorf("GitLab %s: %w", op, err)
}

func fromGitLab(p *gitlab.Project) *Repository {
	owner, name := p.PathWithNamespace, p.Path
	if i := strings.LastIndex(p.PathWithNamespace, "/"); i >= 0 {
		owner = p.PathWithNamespace[:i]
	}
	branch := p.DefaultBranch
	if branch == "" {
		branch = "main"
	}
	return &Repository{
		Owner:         owner,
		Name:          name,
		CloneURL:      p.HTTPURLToRepo,
		WebURL:        p.WebURL,
		DefaultBranch: branch,
	}
}
