package git

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"

	gitc "github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/config"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/transport"

	dserrors "github.com/dataspecer/dsgit/internal/errors"
)

const remoteName = "origin"

// Remote moves commits between a local object database and the hosted repository.
type Remote interface {
	// Fetch downloads branch into refs/remotes/origin/<branch> and returns its tip,
	// or "" when the remote has no such branch.
	Fetch(ctx context.Context, local *Repository, branch string) (string, error)
	// Push sets the remote branch to newHash only if it currently points at
	// expectedOld ("" meaning the branch must not exist yet).
	Push(ctx context.Context, local *Repository, branch, newHash, expectedOld string) error
}

// RemoteTrackingRef is the ref Fetch stores the remote tip of branch under.
func RemoteTrackingRef(branch string) string {
	return plumbing.NewRemoteReferenceName(remoteName, branch).String()
}

// TransportRemote talks to a remote over the go-git transports (https, ssh, file).
type TransportRemote struct {
	URL  string
	Auth transport.AuthMethod
}

var _ Remote = (*TransportRemote)(nil)

func NewTransportRemote(url string, auth transport.AuthMethod) *TransportRemote {
	return &TransportRemote{URL: url, Auth: auth}
}

func (t *TransportRemote) remote(local *Repository) *gitc.Remote {
	return gitc.NewRemote(local.repo.Storer, &config.RemoteConfig{
		Name: remoteName,
		URLs: []string{t.URL},
	})
}

func (t *TransportRemote) Fetch(ctx context.Context, local *Repository, branch string) (string, error) {
	remote := t.remote(local)

	tip, err := t.remoteTip(ctx, remote, branch)
	if err != nil {
		return "", classify("fetch", err)
	}
	if tip == "" {
		return "", nil
	}

	refSpec := config.RefSpec(fmt.Sprintf("+refs/heads/%s:%s", branch, RemoteTrackingRef(branch)))
	err = remote.FetchContext(ctx, &gitc.FetchOptions{
		RemoteName: remoteName,
		RefSpecs:   []config.RefSpec{refSpec},
		Auth:       t.Auth,
		Force:      true,
	})
	if err != nil && !errors.Is(err, gitc.NoErrAlreadyUpToDate) {
		return "", classify("fetch", err)
	}

	return tip, nil
}

func (t *TransportRemote) Push(ctx context.Context, local *Repository, branch, newHash, expectedOld string) error {
	remote := t.remote(local)

	tip, err := t.remoteTip(ctx, remote, branch)
	if err != nil {
		return classify("push", err)
	}
	if tip == newHash {
		return nil
	}
	if tip != expectedOld {
		return dserrors.NewGitOperationError("push", dserrors.ErrGitRejected,
			fmt.Errorf("remote branch %s moved from %s to %s", branch, shortHash(expectedOld), shortHash(tip)))
	}

	dst := plumbing.NewBranchReferenceName(branch)
	opts := &gitc.PushOptions{
		RemoteName: remoteName,
		RefSpecs:   []config.RefSpec{config.RefSpec(fmt.Sprintf("%s:%s", newHash, dst))},
		Auth:       t.Auth,
	}
	if expectedOld != "" {
		opts.RequireRemoteRefs = []config.RefSpec{config.RefSpec(fmt.Sprintf("%s:%s", expectedOld, dst))}
	}

	if err := remote.PushContext(ctx, opts); err != nil && !errors.Is(err, gitc.NoErrAlreadyUpToDate) {
		return classify("push", err)
	}

	return nil
}

func (t *TransportRemote) remoteTip(ctx context.Context, remote *gitc.Remote, branch string) (string, error) {
	refs, err := remote.ListContext(ctx, &gitc.ListOptions{Auth: t.Auth})
	if errors.Is(err, transport.ErrEmptyRemoteRepository) {
		return "", nil
	} else if err != nil {
		return "", err
	}

	name := plumbing.NewBranchReferenceName(branch)
	for _, ref := range refs {
		if ref.Name() == name {
			return ref.Hash().String(), nil
		}
	}
	return "", nil
}

var rejectionMarkers = []string{
	"non-fast-forward",
	"required to be",
	"rejected",
	"declined",
	"protected branch",
	"some refs were not updated",
}

var authMarkers = []string{
	"authentication",
	"authorization",
	"permission denied",
}

// classify maps a go-git error to one of the git failure classes. Anything that
// is neither an auth failure nor a rejection is treated as not having reached
// the remote.
func classify(op string, err error) error {
	if err == nil {
		return nil
	}

	var gErr *dserrors.GitOperationError
	if errors.As(err, &gErr) {
		return err
	}

	err = sanitize(err)
	msg := strings.ToLower(err.Error())

	switch {
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return dserrors.NewGitOperationError(op, dserrors.ErrGitNetwork, err)
	case errors.Is(err, transport.ErrAuthenticationRequired),
		errors.Is(err, transport.ErrAuthorizationFailed),
		errors.Is(err, transport.ErrInvalidAuthMethod),
		errors.Is(err, transport.ErrRepositoryNotFound):
		return dserrors.NewGitOperationError(op, dserrors.ErrGitAuth, err)
	case errors.Is(err, gitc.ErrForceNeeded), containsAny(msg, rejectionMarkers):
		return dserrors.NewGitOperationError(op, dserrors.ErrGitRejected, err)
	case containsAny(msg, authMarkers):
		return dserrors.NewGitOperationError(op, dserrors.ErrGitAuth, err)
	default:
		return dserrors.NewGitOperationError(op, dserrors.ErrGitNetwork, err)
	}
}

func containsAny(s string, markers []string) bool {
	for _, m := range markers {
		if strings.Contains(s, m) {
			return true
		}
	}
	return false
}

var urlCredentialPattern = regexp.MustCompile(`([A-Za-z][A-Za-z0-9+.-]*://)([^/@\s]+@)`)

// RedactCredentials hides user info embedded in URLs inside message.
func RedactCredentials(message string) string {
	return urlCredentialPattern.ReplaceAllString(message, "$1***@")
}

type sanitizedError struct {
	msg string
	err error
}

func (e *sanitizedError) Error() string { return e.msg }
func (e *sanitizedError) Unwrap() error { return e.err }

func sanitize(err error) error {
	redacted := RedactCredentials(err.Error())
	if redacted == err.Error() {
		return err
	}
	return &sanitizedError{msg: redacted, err: err}
}

func shortHash(h string) string {
	if h == "" {
		return "<none>"
	}
	if len(h) > 8 {
		return h[:8]
	}
	return h
}
