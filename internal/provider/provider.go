// Package provider adapts the REST APIs and webhooks of git hosting services.
package provider

import (
	"context"
	"net/http"
	"strings"

	"github.com/dataspecer/dsgit/internal/errors"
)

type Name string

const (
	GitHub Name = "github"
	GitLab Name = "gitlab"
)

// Repository is a hosted repository as reported by a provider.
type Repository struct {
	Owner         string `json:"owner"`
	Name          string `json:"name"`
	CloneURL      string `json:"cloneUrl"`
	WebURL        string `json:"webUrl"`
	DefaultBranch string `json:"defaultBranch"`
}

type CreateRequest struct {
	Owner string
	Name  string
	// IsUserRepo creates the repository under the authenticated user instead
	// of the Owner organization or group.
	IsUserRepo  bool
	Private     bool
	Description string
}

// WebhookEvent is a push notification normalized across providers.
type WebhookEvent struct {
	Provider      Name   `json:"provider"`
	RepositoryURL string `json:"repositoryUrl"`
	Branch        string `json:"branch"`
	After         string `json:"after"`
}

type Adapter interface {
	Name() Name
	// Domain is the host the adapter talks to, e.g. a self-hosted GitLab.
	Domain() string
	// Credentials returns the basic auth pair used for git over HTTPS.
	Credentials() (username, token string)
	CreateRepository(ctx context.Context, req CreateRequest) (*Repository, error)
	GetRepository(ctx context.Context, owner, name string) (*Repository, error)
	// ParseWebhook verifies and decodes a webhook delivery. Events that are not
	// branch pushes yield a nil event.
	ParseWebhook(r *http.Request) (*WebhookEvent, error)
}

// Detect picks the provider of a repository URL. Both HTTPS and the
// git@host:owner/repo SSH form are accepted.
func Detect(rawURL string) (Name, string, error) {
	host := Host(rawURL)

	switch {
	case host == "":
		return "", "", errors.ErrValidation.Wrapf("invalid repository URL %q", rawURL)
	case strings.HasPrefix(host, "github.com"):
		return GitHub, host, nil
	case strings.HasPrefix(host, "gitlab."):
		return GitLab, host, nil
	default:
		return "", "", errors.ErrProviderUnknown.Wrapf("no provider for host %q", host)
	}
}

// Host returns the lower-cased host of a repository URL without port or credentials.
func Host(rawURL string) string {
	host, _ := split(rawURL)
	return host
}

func split(rawURL string) (host, path string) {
	s := strings.TrimSpace(rawURL)

	if rest, ok := strings.CutPrefix(s, "git@"); ok {
		s = strings.Replace(rest, ":", "/", 1)
	} else if i := strings.Index(s, "://"); i >= 0 {
		s = s[i+3:]
	}

	host, path, _ = strings.Cut(s, "/")
	if i := strings.LastIndex(host, "@"); i >= 0 {
		host = host[i+1:]
	}
	if i := strings.Index(host, ":"); i >= 0 {
		host = host[:i]
	}

	return strings.ToLower(host), strings.Trim(path, "/")
}

// OwnerAndName extracts the repository coordinates of a URL. Nested GitLab
// groups stay in the owner.
func OwnerAndName(rawURL string) (owner, name string, err error) {
	_, path := split(rawURL)
	path, _ = stripBranch(path)
	path = strings.TrimSuffix(path, ".git")

	i := strings.LastIndex(path, "/")
	if i <= 0 || i == len(path)-1 {
		return "", "", errors.ErrValidation.Wrapf("repository URL %q has no owner/name path", rawURL)
	}
	return path[:i], path[i+1:], nil
}

// BranchOf returns the branch of a browser URL like .../tree/<branch>, or "".
func BranchOf(rawURL string) string {
	_, path := split(rawURL)
	_, branch := stripBranch(path)
	return branch
}

func stripBranch(path string) (string, string) {
	for _, marker := range []string{"/-/tree/", "/tree/"} {
		if repo, branch, ok := strings.Cut(path, marker); ok {
			return repo, branch
		}
	}
	return path, ""
}

// Canonical reduces a repository URL to host/owner/name so clone, SSH and
// browser URLs of one repository compare equal.
func Canonical(rawURL string) string {
	host, path := split(rawURL)
	path, _ = stripBranch(path)
	path = strings.TrimSuffix(path, ".git")
	return strings.ToLower(host + "/" + path)
}

// CloneURL turns a browser URL into one the git transports accept.
func CloneURL(rawURL string) string {
	s := strings.TrimSpace(rawURL)
	if strings.HasPrefix(s, "git@") {
		return s
	}

	scheme, rest, ok := strings.Cut(s, "://")
	if !ok {
		scheme, rest = "https", s
	}
	host, path, _ := strings.Cut(rest, "/")
	path, _ = stripBranch(strings.Trim(path, "/"))
	return scheme + "://" + host + "/" + path
}
