package provider

import (
	"net/http"

	"github.com/dataspecer/dsgit/internal/errors"
)

// Config carries the credentials of every supported provider.
type Config struct {
	GitHubToken         string
	GitHubWebhookSecret string
	GitHubAPIURL        string

	GitLabToken         string
	GitLabWebhookSecret string
	// GitLabAPIURL replaces https://<domain>/api/v4 for every GitLab domain.
	GitLabAPIURL string

	// AllowUnsignedWebhooks accepts deliveries of a provider without a
	// configured webhook secret. Otherwise they are refused.
	AllowUnsignedWebhooks bool

	HTTPClient *http.Client
}

// UnsignedWebhookProviders lists the providers whose deliveries are accepted
// without verification.
func (c Config) UnsignedWebhookProviders() []Name {
	if !c.AllowUnsignedWebhooks {
		return nil
	}
	var out []Name
	if c.GitHubWebhookSecret == "" {
		out = append(out, GitHub)
	}
	if c.GitLabWebhookSecret == "" {
		out = append(out, GitLab)
	}
	return out
}

// Selector builds the adapter that serves a repository URL.
type Selector struct {
	cfg Config
}

func NewSelector(cfg Config) *Selector {
	return &Selector{cfg: cfg}
}

func (s *Selector) Config() Config {
	return s.cfg
}

// Select returns the adapter for rawURL or an ErrProviderUnknown error.
func (s *Selector) Select(rawURL string) (Adapter, error) {
	name, host, err := Detect(rawURL)
	if err != nil {
		return nil, err
	}
	return s.ForName(name, host)
}

// ForName returns the adapter of a known provider. domain is only used by GitLab.
func (s *Selector) ForName(name Name, domain string) (Adapter, error) {
	switch name {
	case GitHub:
		return NewGitHub(GitHubOptions{
			Token:                 s.cfg.GitHubToken,
			WebhookSecret:         s.cfg.GitHubWebhookSecret,
			AllowUnsignedWebhooks: s.cfg.AllowUnsignedWebhooks,
			BaseURL:               s.cfg.GitHubAPIURL,
			HTTPClient:            s.cfg.HTTPClient,
		})
	case GitLab:
		return NewGitLab(GitLabOptions{
			Domain:                domain,
			Token:                 s.cfg.GitLabToken,
			WebhookSecret:         s.cfg.GitLabWebhookSecret,
			AllowUnsignedWebhooks: s.cfg.AllowUnsignedWebhooks,
			APIURL:                s.cfg.GitLabAPIURL,
			HTTPClient:            s.cfg.HTTPClient,
		})
	default:
		return nil, errors.ErrProviderUnknown.Wrapf("unknown provider %q", name)
	}
}

// ParseWebhook dispatches a webhook delivery on its provider specific event header.
func (s *Selector) ParseWebhook(r *http.Request) (*WebhookEvent, error) {
	var name Name
	switch {
	case r.Header.Get("X-GitHub-Event") != "":
		name = GitHub
	case r.Header.Get("X-Gitlab-Event") != "":
		name = GitLab
	default:
		return nil, errors.ErrBadRequest.Wrapf("webhook delivery has no provider event header")
	}

	adapter, err := s.ForName(name, "")
	if err != nil {
		return nil, err
	}
	return adapter.ParseWebhook(r)
}
