// Package gitsync reconciles the editable resource tree of a package with the
// branch of the git repository it is linked to.
//
// Every reconciliation that cannot complete on its own is parked as a merge
// state. Finalizing a merge state applies its git side effect and then updates
// the local store; the steps are journaled so an interrupted finalize can be
// compensated by FinalizeOnFailure.
package gitsync

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"path/filepath"
	"sync"

	"github.com/moby/locker"
	"go.uber.org/zap"

	"github.com/dataspecer/dsgit/internal/errors"
	"github.com/dataspecer/dsgit/internal/git"
	"github.com/dataspecer/dsgit/internal/locks"
	"github.com/dataspecer/dsgit/internal/log"
	"github.com/dataspecer/dsgit/internal/mergestate"
	"github.com/dataspecer/dsgit/internal/provider"
	"github.com/dataspecer/dsgit/internal/resolve"
	"github.com/dataspecer/dsgit/internal/resource"
)

// StateStore persists merge states and package links.
type StateStore interface {
	Create(ctx context.Context, state mergestate.MergeState) (*mergestate.MergeState, error)
	Get(ctx context.Context, id string) (*mergestate.MergeState, error)
	List(ctx context.Context, rootIRI string) ([]*mergestate.MergeState, error)
	Update(ctx context.Context, id string, removePaths []resource.Path) (*mergestate.MergeState, error)
	Resolve(ctx context.Context, id string, resolutions map[resource.Path]mergestate.Resolution) (*mergestate.MergeState, error)
	Claim(ctx context.Context, id string) (*mergestate.MergeState, error)
	Release(ctx context.Context, id string) error
	SetStage(ctx context.Context, id string, stage mergestate.Stage, createdCommitHash string) error
	RecordFailure(ctx context.Context, id, class, message string) error
	Delete(ctx context.Context, id string) error
	CompleteWithPointer(ctx context.Context, id, rootIRI, commitHash string) error

	UpsertLink(ctx context.Context, link mergestate.PackageLink) error
	GetLink(ctx context.Context, rootIRI string) (*mergestate.PackageLink, error)
	ListLinks(ctx context.Context) ([]*mergestate.PackageLink, error)
	SetLinkCommit(ctx context.Context, rootIRI, commitHash string) error
}

var _ StateStore = (*mergestate.Store)(nil)

// Providers resolves the hosting adapter of a repository URL.
type Providers interface {
	Select(rawURL string) (provider.Adapter, error)
}

// Actor is the person a commit is authored by.
type Actor struct {
	Name  string `json:"name"`
	Email string `json:"email"`
}

func (a Actor) signature() git.Signature {
	return git.Signature{Name: a.Name, Email: a.Email}
}

type Options struct {
	States    StateStore
	Resources resource.Store
	Providers Providers
	// Strategies defaults to resolve.Default().
	Strategies *resolve.Registry

	// WorkspaceDir holds the per package git caches and lock files.
	WorkspaceDir string
	SSHKeyPath   string
	// DefaultBranch is used when a linked URL names no branch and the provider
	// does not report one.
	DefaultBranch string
	// Bot commits every change and authors commits without an actor.
	Bot Actor

	// OpenRepository and OpenRemote replace the on-disk cache and the network
	// transports, e.g. with in-memory repositories.
	OpenRepository func(rootIRI string) (*git.Repository, error)
	OpenRemote     func(link *mergestate.PackageLink) (git.Remote, error)
}

type Engine struct {
	states     StateStore
	resources  resource.Store
	providers  Providers
	strategies *resolve.Registry

	lockDir       string
	sshKeyPath    string
	defaultBranch string
	bot           Actor

	openRepository func(rootIRI string) (*git.Repository, error)
	openRemote     func(link *mergestate.PackageLink) (git.Remote, error)

	// mergeStates serializes finalize and abort per merge state uuid.
	mergeStates *locker.Locker

	reposMu sync.Mutex
	repos   map[string]*git.Repository
}

func New(opts Options) (*Engine, error) {
	if opts.States == nil || opts.Resources == nil {
		return nil, errors.New("gitsync: a state store and a resource store are required")
	}

	e := &Engine{
		states:         opts.States,
		resources:      opts.Resources,
		providers:      opts.Providers,
		strategies:     opts.Strategies,
		lockDir:        filepath.Join(opts.WorkspaceDir, "locks"),
		sshKeyPath:     opts.SSHKeyPath,
		defaultBranch:  opts.DefaultBranch,
		bot:            opts.Bot,
		openRepository: opts.OpenRepository,
		openRemote:     opts.OpenRemote,
		mergeStates:    locker.New(),
		repos:          map[string]*git.Repository{},
	}

	if e.strategies == nil {
		e.strategies = resolve.Default()
	}
	if e.defaultBranch == "" {
		e.defaultBranch = "main"
	}
	if e.bot.Name == "" {
		e.bot = Actor{Name: "dsgit", Email: "dsgit@localhost"}
	}
	if e.openRepository == nil {
		gitDir := filepath.Join(opts.WorkspaceDir, "git")
		e.openRepository = func(rootIRI string) (*git.Repository, error) {
			return git.OpenOrInitBare(filepath.Join(gitDir, packageKey(rootIRI)))
		}
	}
	if e.openRemote == nil {
		e.openRemote = e.transportRemote
	}

	return e, nil
}

// Strategies exposes the resolver registry.
func (e *Engine) Strategies() *resolve.Registry {
	return e.strategies
}

func packageKey(rootIRI string) string {
	sum := sha256.Sum256([]byte(rootIRI))
	return hex.EncodeToString(sum[:12])
}

// repository returns the git cache of a package. Callers hold the package lock.
func (e *Engine) repository(rootIRI string) (*git.Repository, error) {
	e.reposMu.Lock()
	defer e.reposMu.Unlock()

	if repo, ok := e.repos[rootIRI]; ok {
		return repo, nil
	}

	repo, err := e.openRepository(rootIRI)
	if err != nil {
		return nil, fmt.Errorf("failed to open git cache of %s: %w", rootIRI, err)
	}
	e.repos[rootIRI] = repo
	return repo, nil
}

func (e *Engine) transportRemote(link *mergestate.PackageLink) (git.Remote, error) {
	var username, token string
	if e.providers != nil {
		if adapter, err := e.providers.Select(link.RepositoryURL); err == nil {
			username, token = adapter.Credentials()
		}
	}

	auth, err := git.AuthForURL(link.RepositoryURL, username, token, e.sshKeyPath)
	if err != nil {
		return nil, err
	}
	return git.NewTransportRemote(link.RepositoryURL, auth), nil
}

// lockPackage serializes every git and store mutation of one package, across
// processes sharing the workspace.
func (e *Engine) lockPackage(ctx context.Context, rootIRI string) (func(), error) {
	mu := locks.ForPackage(e.lockDir, rootIRI)
	if err := mu.Lock(ctx); err != nil {
		return nil, fmt.Errorf("failed to lock package %s: %w", rootIRI, err)
	}

	return func() {
		if err := mu.Unlock(); err != nil {
			log.From(ctx).Warn("failed to unlock package", zap.String("rootIri", rootIRI), zap.Error(err))
		}
	}, nil
}

func (e *Engine) actorOrBot(a Actor) Actor {
	if a.Name == "" {
		return e.bot
	}
	if a.Email == "" {
		a.Email = e.bot.Email
	}
	return a
}

// pending returns the merge states of a package, if any.
func (e *Engine) pending(ctx context.Context, rootIRI string) ([]*mergestate.MergeState, error) {
	states, err := e.states.List(ctx, rootIRI)
	if err != nil {
		return nil, err
	}
	return states, nil
}

// Result describes the outcome of a pull, commit or merge request.
type Result struct {
	// Redirect is set when the package already has merge states and the caller
	// asked to be sent to them instead of starting a new reconciliation.
	Redirect    bool                     `json:"redirect,omitempty"`
	MergeStates []*mergestate.MergeState `json:"mergeStates,omitempty"`
	// MergeState is the newly created state awaiting resolution.
	MergeState *mergestate.MergeState `json:"mergeState,omitempty"`
	CommitHash string                 `json:"commitHash,omitempty"`
	Applied    []resource.Path        `json:"applied,omitempty"`
	UpToDate   bool                   `json:"upToDate,omitempty"`
	NoChanges  bool                   `json:"noChanges,omitempty"`
}
