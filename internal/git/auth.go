package git

import (
	"fmt"
	"strings"

	"github.com/go-git/go-git/v5/plumbing/transport"
	gitHttp "github.com/go-git/go-git/v5/plumbing/transport/http"
	gitSSH "github.com/go-git/go-git/v5/plumbing/transport/ssh"
)

// BasicAuth creates a go-git BasicAuth credential from an access token.
// Hosting providers expect a fixed username next to the token (see provider adapters).
// Returns nil if accessToken is empty.
func BasicAuth(username, accessToken string) *gitHttp.BasicAuth {
	if accessToken == "" {
		return nil
	}
	if username == "" {
		username = "git"
	}
	return &gitHttp.BasicAuth{
		Username: username,
		Password: accessToken,
	}
}

// AuthForURL picks the auth method for a remote URL: ssh keys for git@ and ssh://
// URLs, token basic auth for everything else. It returns nil when no credential
// is configured, which go-git treats as anonymous access.
func AuthForURL(url, tokenUsername, accessToken, sshKeyPath string) (transport.AuthMethod, error) {
	if IsSSHURL(url) {
		if sshKeyPath == "" {
			return nil, nil
		}
		keys, err := gitSSH.NewPublicKeysFromFile("git", sshKeyPath, "")
		if err != nil {
			return nil, fmt.Errorf("failed to load ssh key: %w", err)
		}
		return keys, nil
	}

	if auth := BasicAuth(tokenUsername, accessToken); auth != nil {
		return auth, nil
	}
	return nil, nil
}

func IsSSHURL(url string) bool {
	return strings.HasPrefix(url, "git@") || strings.HasPrefix(url, "ssh://")
}
