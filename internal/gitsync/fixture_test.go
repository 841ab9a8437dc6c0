package gitsync

import (
	"context"
	"net/http"
	"path/filepath"
	"sync"
	"testing"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/require"

	"github.com/dataspecer/dsgit/internal/errors"
	"github.com/dataspecer/dsgit/internal/git"
	"github.com/dataspecer/dsgit/internal/git/gittest"
	"github.com/dataspecer/dsgit/internal/mergestate"
	"github.com/dataspecer/dsgit/internal/provider"
	"github.com/dataspecer/dsgit/internal/resource"
)

const (
	repoURL = "https://github.com/org/repo"
	pkgMain = "https://example.org/packages/main"
	pkgDev  = "https://example.org/packages/dev"
)

var (
	alice  = Actor{Name: "Alice", Email: "alice@example.org"}
	author = git.Signature{Name: "Remote User", Email: "remote@example.org"}
)

type fixture struct {
	t      *testing.T
	ctx    context.Context
	engine *Engine
	states *mergestate.Store
	store  *resource.FSStore
	origin *git.Repository

	mu     sync.Mutex
	remote git.Remote
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	origin, err := git.NewMemoryRepository()
	require.NoError(t, err)

	states, err := mergestate.Open(filepath.Join(t.TempDir(), "dsgit.db"))
	require.NoError(t, err)
	t.Cleanup(func() { states.Close() })

	f := &fixture{
		t:      t,
		ctx:    context.Background(),
		states: states,
		store:  resource.NewFSStore(afero.NewMemMapFs()),
		origin: origin,
		remote: gittest.NewRemote(origin),
	}

	f.engine, err = New(Options{
		States:       states,
		Resources:    f.store,
		Providers:    &fakeProviders{adapter: &fakeAdapter{}},
		WorkspaceDir: t.TempDir(),
		Bot:          Actor{Name: "dsgit bot", Email: "bot@example.org"},
		OpenRepository: func(string) (*git.Repository, error) {
			return git.NewMemoryRepository()
		},
		OpenRemote: func(*mergestate.PackageLink) (git.Remote, error) {
			f.mu.Lock()
			defer f.mu.Unlock()
			return f.remote, nil
		},
	})
	require.NoError(t, err)

	return f
}

func (f *fixture) setRemote(r git.Remote) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.remote = r
}

// pushRemote commits files on top of branch in the origin, as another user
// would. An empty value deletes the file.
func (f *fixture) pushRemote(branch string, files map[string]string) string {
	f.t.Helper()

	parent, err := f.origin.BranchHash(branch)
	require.NoError(f.t, err)
	parentTree, err := f.origin.TreeOfCommit(parent)
	require.NoError(f.t, err)
	entries, err := f.origin.ListFiles(parentTree)
	require.NoError(f.t, err)

	for name, content := range files {
		if content == "" {
			delete(entries, name)
			continue
		}
		h, err := f.origin.WriteBlob([]byte(content))
		require.NoError(f.t, err)
		entries[name] = h
	}

	tree, err := f.origin.BuildTree(entries)
	require.NoError(f.t, err)
	commit, err := f.origin.CommitTree(tree, []string{parent}, "remote change", author, git.Signature{})
	require.NoError(f.t, err)
	require.NoError(f.t, f.origin.UpdateRef(branchRef(branch), commit, ""))
	return commit
}

func (f *fixture) branchRemote(from, to string) string {
	f.t.Helper()

	tip, err := f.origin.BranchHash(from)
	require.NoError(f.t, err)
	require.NoError(f.t, f.origin.UpdateRef(branchRef(to), tip, ""))
	return tip
}

func (f *fixture) remoteTip(branch string) string {
	f.t.Helper()

	tip, err := f.origin.BranchHash(branch)
	require.NoError(f.t, err)
	return tip
}

// remoteFiles returns the content of every file on branch.
func (f *fixture) remoteFiles(branch string) map[string]string {
	f.t.Helper()

	tree, err := f.origin.TreeOfCommit(f.remoteTip(branch))
	require.NoError(f.t, err)
	entries, err := f.origin.ListFiles(tree)
	require.NoError(f.t, err)

	out := map[string]string{}
	for name, h := range entries {
		data, err := f.origin.GetBlob(h)
		require.NoError(f.t, err)
		out[name] = string(data)
	}
	return out
}

func (f *fixture) link(rootIRI, branch string) {
	f.t.Helper()
	require.NoError(f.t, f.states.UpsertLink(f.ctx, mergestate.PackageLink{
		RootIRI:       rootIRI,
		RepositoryURL: repoURL,
		Branch:        branch,
		Provider:      string(provider.GitHub),
	}))
}

func (f *fixture) pointer(rootIRI string) string {
	f.t.Helper()

	link, err := f.states.GetLink(f.ctx, rootIRI)
	require.NoError(f.t, err)
	return link.LastCommitHash
}

func (f *fixture) write(rootIRI string, files map[string]string) {
	f.t.Helper()

	for name, content := range files {
		p := resource.MustParsePath(name)
		if content == "" {
			require.NoError(f.t, f.store.Delete(f.ctx, rootIRI, p))
			continue
		}
		require.NoError(f.t, f.store.Write(f.ctx, rootIRI, p, []byte(content)))
	}
}

// files returns the editable tree of a package.
func (f *fixture) files(rootIRI string) map[string]string {
	f.t.Helper()

	ps, err := f.store.List(f.ctx, rootIRI)
	require.NoError(f.t, err)

	out := map[string]string{}
	for _, p := range ps {
		c, err := f.store.Read(f.ctx, rootIRI, p)
		require.NoError(f.t, err)
		out[string(p)] = string(c.Data)
	}
	return out
}

// synced links rootIRI to branch, seeds the branch with files and pulls it.
func (f *fixture) synced(rootIRI, branch string, files map[string]string) string {
	f.t.Helper()

	tip := f.remoteTip(branch)
	if len(files) > 0 {
		tip = f.pushRemote(branch, files)
	}
	f.link(rootIRI, branch)

	res, err := f.engine.Pull(f.ctx, rootIRI)
	require.NoError(f.t, err)
	require.Nil(f.t, res.MergeState)
	require.Equal(f.t, tip, f.pointer(rootIRI))
	return tip
}

// flakyRemote forwards to a remote but reports a lost connection after
// every successful push.
type flakyRemote struct {
	git.Remote
}

func (r flakyRemote) Push(ctx context.Context, local *git.Repository, branch, newHash, expectedOld string) error {
	if err := r.Remote.Push(ctx, local, branch, newHash, expectedOld); err != nil {
		return err
	}
	return errors.NewGitOperationError("push", errors.ErrGitNetwork, errors.New("connection reset by peer"))
}

// offlineRemote forwards fetches but loses the connection before any push
// reaches the remote.
type offlineRemote struct {
	git.Remote
}

func (offlineRemote) Push(context.Context, *git.Repository, string, string, string) error {
	return errors.NewGitOperationError("push", errors.ErrGitNetwork, errors.New("connection refused"))
}

type fakeAdapter struct {
	mu      sync.Mutex
	created []provider.CreateRequest
}

var _ provider.Adapter = (*fakeAdapter)(nil)

func (a *fakeAdapter) Name() provider.Name {
	return provider.GitHub
}

func (a *fakeAdapter) Domain() string {
	return "github.com"
}

func (a *fakeAdapter) Credentials() (string, string) {
	return "x-access-token", ""
}

func (a *fakeAdapter) ParseWebhook(*http.Request) (*provider.WebhookEvent, error) {
	return nil, nil
}

func (a *fakeAdapter) CreateRepository(_ context.Context, req provider.CreateRequest) (*provider.Repository, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.created = append(a.created, req)
	return a.repository(req.Owner, req.Name), nil
}

func (a *fakeAdapter) GetRepository(_ context.Context, owner, name string) (*provider.Repository, error) {
	return a.repository(owner, name), nil
}

func (a *fakeAdapter) repository(owner, name string) *provider.Repository {
	return &provider.Repository{
		Owner:         owner,
		Name:          name,
		CloneURL:      "https://github.com/" + owner + "/" + name + ".git",
		WebURL:        "https://github.com/" + owner + "/" + name,
		DefaultBranch: "main",
	}
}

type fakeProviders struct {
	adapter *fakeAdapter
}

func (p *fakeProviders) Select(rawURL string) (provider.Adapter, error) {
	if _, _, err := provider.Detect(rawURL); err != nil {
		return nil, err
	}
	return p.adapter, nil
}
