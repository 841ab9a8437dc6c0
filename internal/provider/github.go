package provider

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/google/go-github/v58/github"
	"golang.org/x/oauth2"

	"github.com/dataspecer/dsgit/internal/errors"
)

// GitHubOptions configures the GitHub adapter. BaseURL points the client at a
// GitHub Enterprise instance or a test server.
type GitHubOptions struct {
	Token         string
	WebhookSecret string
	// AllowUnsignedWebhooks accepts deliveries without a signature when no
	// WebhookSecret is configured.
	AllowUnsignedWebhooks bool
	BaseURL               string
	HTTPClient            *http.Client
}

type GitHubAdapter struct {
	opts   GitHubOptions
	client *github.Client
}

var _ Adapter = (*GitHubAdapter)(nil)

func NewGitHub(opts GitHubOptions) (*GitHubAdapter, error) {
	ctx := context.Background()
	if opts.HTTPClient != nil {
		ctx = context.WithValue(ctx, oauth2.HTTPClient, opts.HTTPClient)
	}

	httpClient := opts.HTTPClient
	if opts.Token != "" {
		ts := oauth2.StaticTokenSource(
			&oauth2.Token{AccessToken: opts.Token},
		)
		httpClient = oauth2.NewClient(ctx, ts)
	}

	client := github.NewClient(httpClient)
	if opts.BaseURL != "" {
		base := strings.TrimSuffix(opts.BaseURL, "/") + "/"
		var err error
		client, err = client.WithEnterpriseURLs(base, base)
		if err != nil {
			return nil, fmt.Errorf("invalid GitHub API URL: %w", err)
		}
	}

	return &GitHubAdapter{opts: opts, client: client}, nil
}

func (g *GitHubAdapter) Name() Name {
	return GitHub
}

func (g *GitHubAdapter) Domain() string {
	return "github.com"
}

// Credentials uses the token as password. GitHub accepts any username for
// token auth; x-access-token works for both PATs and app installation tokens.
func (g *GitHubAdapter) Credentials() (string, string) {
	return "x-access-token", g.opts.Token
}

func (g *GitHubAdapter) CreateRepository(ctx context.Context, req CreateRequest) (*Repository, error) {
	org := req.Owner
	if req.IsUserRepo {
		org = ""
	}

	repo, _, err := g.client.Repositories.Create(ctx, org, &github.Repository{
		Name:        github.String(req.Name),
		Private:     github.Bool(req.Private),
		Description: github.String(req.Description),
		AutoInit:    github.Bool(false),
	})
	if err != nil {
		return nil, githubError("create repository", err)
	}

	return fromGitHub(repo), nil
}

func (g *GitHubAdapter) GetRepository(ctx context.Context, owner, name string) (*Repository, error) {
	repo, _, err := g.client.Repositories.Get(ctx, owner, name)
	if err != nil {
		return nil, githubError("get repository", err)
	}
	return fromGitHub(repo), nil
}

func (g *GitHubAdapter) ParseWebhook(r *http.Request) (*WebhookEvent, error) {
	var secret []byte
	if g.opts.WebhookSecret != "" {
		secret = []byte(g.opts.WebhookSecret)
	} else if !g.opts.AllowUnsignedWebhooks {
		return nil, errors.ErrUnauthorized.Wrapf("no GitHub webhook secret configured")
	}

	payload, err := github.ValidatePayload(r, secret)
	if err != nil {
		return nil, errors.ErrUnauthorized.Wrapf("invalid GitHub webhook delivery: %w", err)
	}

	event, err := github.ParseWebHook(github.WebHookType(r), payload)
	if err != nil {
		return nil, errors.ErrBadRequest.Wrapf("unparseable GitHub webhook: %w", err)
	}

	push, ok := event.(*github.PushEvent)
	if !ok {
		return nil, nil
	}

	branch, ok := strings.CutPrefix(push.GetRef(), "refs/heads/")
	if !ok || push.GetDeleted() {
		return nil, nil
	}

	repoURL := push.GetRepo().GetCloneURL()
	if repoURL == "" {
		repoURL = push.GetRepo().GetHTMLURL()
	}

	return &WebhookEvent{
		Provider:      GitHub,
		RepositoryURL: repoURL,
		Branch:        branch,
		After:         push.GetAfter(),
	}, nil
}

func fromGitHub(repo *github.Repository) *Repository {
	branch := repo.GetDefaultBranch()
	if branch == "" {
		branch = "main"
	}
	return &Repository{
		Owner:         repo.GetOwner().GetLogin(),
		Name:          repo.GetName(),
		CloneURL:      repo.GetCloneURL(),
		WebURL:        repo.GetHTMLURL(),
		DefaultBranch: branch,
	}
}

func githubError(op string, err error) error {
	var ghErr *github.ErrorResponse
	if errors.As(err, &ghErr) && ghErr.Response != nil {
		return statusError("GitHub", op, ghErr.Response.StatusCode, err)
	}
	return fmt.Errorf("GitHub %s: %w", op, err)
}

func statusError(provider, op string, status int, err error) error {
	switch status {
	case http.StatusUnauthorized, http.StatusForbidden:
		return errors.ErrUnauthorized.Wrapf("%s %s: %w", provider, op, err)
	case http.StatusNotFound:
		return errors.ErrNotFound.Wrapf("%s %s: %w", provider, op, err)
	case http.StatusConflict, http.StatusUnprocessableEntity, http.StatusBadRequest:
		return errors.ErrValidation.Wrapf("%s %s: %w", provider, op, err)
	default:
		return fmt.Errorf("%s %s: %w", provider, op, err)
	}
}
