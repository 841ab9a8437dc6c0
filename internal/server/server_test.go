package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dataspecer/dsgit/internal/errors"
	"github.com/dataspecer/dsgit/internal/git"
	"github.com/dataspecer/dsgit/internal/git/gittest"
	"github.com/dataspecer/dsgit/internal/gitsync"
	"github.com/dataspecer/dsgit/internal/mergestate"
	"github.com/dataspecer/dsgit/internal/provider"
	"github.com/dataspecer/dsgit/internal/resource"
)

const (
	repoURL = "https://github.com/org/repo"
	pkg     = "https://example.org/packages/main"
)

type testServer struct {
	t      *testing.T
	srv    *httptest.Server
	states *mergestate.Store
	store  *resource.FSStore
	origin *git.Repository

	mu     sync.Mutex
	remote git.Remote
}

type staticWebhooks struct {
	event *provider.WebhookEvent
}

func (s staticWebhooks) ParseWebhook(*http.Request) (*provider.WebhookEvent, error) {
	return s.event, nil
}

type unreachableRemote struct{}

func (unreachableRemote) Fetch(context.Context, *git.Repository, string) (string, error) {
	return "", errors.NewGitOperationError("fetch", errors.ErrGitNetwork, errors.New("dial tcp: connection refused"))
}

func (unreachableRemote) Push(context.Context, *git.Repository, string, string, string) error {
	return errors.NewGitOperationError("push", errors.ErrGitNetwork, errors.New("dial tcp: connection refused"))
}

func newTestServer(t *testing.T, secret string, webhooks WebhookParser) *testServer {
	t.Helper()

	origin, err := git.NewMemoryRepository()
	require.NoError(t, err)

	states, err := mergestate.Open(filepath.Join(t.TempDir(), "dsgit.db"))
	require.NoError(t, err)
	t.Cleanup(func() { states.Close() })

	ts := &testServer{
		t:      t,
		states: states,
		store:  resource.NewFSStore(afero.NewMemMapFs()),
		origin: origin,
		remote: gittest.NewRemote(origin),
	}

	engine, err := gitsync.New(gitsync.Options{
		States:       states,
		Resources:    ts.store,
		WorkspaceDir: t.TempDir(),
		Bot:          gitsync.Actor{Name: "dsgit bot", Email: "bot@example.org"},
		OpenRepository: func(string) (*git.Repository, error) {
			return git.NewMemoryRepository()
		},
		OpenRemote: func(*mergestate.PackageLink) (git.Remote, error) {
			ts.mu.Lock()
			defer ts.mu.Unlock()
			return ts.remote, nil
		},
	})
	require.NoError(t, err)

	ts.srv = httptest.NewServer(New(engine, webhooks, Options{Secret: secret, RequestTimeout: time.Minute}).Handler())
	t.Cleanup(ts.srv.Close)
	return ts
}

func (ts *testServer) setRemote(r git.Remote) {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	ts.remote = r
}

// pushRemote commits files on top of main in the origin.
func (ts *testServer) pushRemote(files map[string]string) string {
	ts.t.Helper()

	parent, err := ts.origin.BranchHash("main")
	require.NoError(ts.t, err)
	tree, err := ts.origin.TreeOfCommit(parent)
	require.NoError(ts.t, err)
	entries, err := ts.origin.ListFiles(tree)
	require.NoError(ts.t, err)

	for name, content := range files {
		h, err := ts.origin.WriteBlob([]byte(content))
		require.NoError(ts.t, err)
		entries[name] = h
	}

	tree, err = ts.origin.BuildTree(entries)
	require.NoError(ts.t, err)
	commit, err := ts.origin.CommitTree(tree, []string{parent}, "remote change",
		git.Signature{Name: "Remote", Email: "remote@example.org"}, git.Signature{})
	require.NoError(ts.t, err)
	require.NoError(ts.t, ts.origin.UpdateRef("refs/heads/main", commit, ""))
	return commit
}

func (ts *testServer) remoteFile(name string) string {
	ts.t.Helper()

	tip, err := ts.origin.BranchHash("main")
	require.NoError(ts.t, err)
	tree, err := ts.origin.TreeOfCommit(tip)
	require.NoError(ts.t, err)
	entries, err := ts.origin.ListFiles(tree)
	require.NoError(ts.t, err)
	data, err := ts.origin.GetBlob(entries[name])
	require.NoError(ts.t, err)
	return string(data)
}

func (ts *testServer) link() {
	ts.t.Helper()
	require.NoError(ts.t, ts.states.UpsertLink(context.Background(), mergestate.PackageLink{
		RootIRI:       pkg,
		RepositoryURL: repoURL,
		Branch:        "main",
		Provider:      string(provider.GitHub),
	}))
}

func (ts *testServer) write(name, content string) {
	ts.t.Helper()
	require.NoError(ts.t, ts.store.Write(context.Background(), pkg, resource.MustParsePath(name), []byte(content)))
}

func (ts *testServer) do(method, path string, body any, headers map[string]string) (int, map[string]any) {
	ts.t.Helper()

	var r io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(ts.t, err)
		r = bytes.NewReader(data)
	}

	req, err := http.NewRequest(method, ts.srv.URL+path, r)
	require.NoError(ts.t, err)
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	res, err := ts.srv.Client().Do(req)
	require.NoError(ts.t, err)
	defer res.Body.Close()

	raw, err := io.ReadAll(res.Body)
	require.NoError(ts.t, err)

	out := map[string]any{}
	if len(raw) > 0 && raw[0] == '{' {
		require.NoError(ts.t, json.Unmarshal(raw, &out), string(raw))
	}
	return res.StatusCode, out
}

func (ts *testServer) get(path string) (int, map[string]any) {
	return ts.do(http.MethodGet, path, nil, nil)
}

func (ts *testServer) post(path string, body any) (int, map[string]any) {
	return ts.do(http.MethodPost, path, body, nil)
}

func q(s string) string {
	return strings.NewReplacer(":", "%3A", "/", "%2F").Replace(s)
}

func TestHealthAndMetrics(t *testing.T) {
	t.Parallel()
	ts := newTestServer(t, "", nil)

	code, body := ts.get("/health")
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "ok", body["status"])

	res, err := ts.srv.Client().Get(ts.srv.URL + "/metrics")
	require.NoError(t, err)
	defer res.Body.Close()
	raw, err := io.ReadAll(res.Body)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, res.StatusCode)
	assert.Contains(t, string(raw), "dsgit_http_requests_total")
}

func TestSecret(t *testing.T) {
	t.Parallel()
	ts := newTestServer(t, "s3cret", nil)

	code, body := ts.get("/git/merge-states")
	assert.Equal(t, http.StatusUnauthorized, code)
	assert.EqualValues(t, http.StatusUnauthorized, body["statusCode"])

	code, _ = ts.do(http.MethodGet, "/git/merge-states", nil, map[string]string{"X-Secret-Key": "s3cret"})
	assert.Equal(t, http.StatusOK, code)

	code, _ = ts.get("/health")
	assert.Equal(t, http.StatusOK, code)
}

func TestBadRequests(t *testing.T) {
	t.Parallel()
	ts := newTestServer(t, "", nil)

	tests := []struct {
		name   string
		method string
		path   string
		body   any
		want   int
	}{
		{name: "pull without iri", method: http.MethodGet, path: "/git/pull", want: http.StatusBadRequest},
		{name: "pull of unlinked package", method: http.MethodGet, path: "/git/pull?iri=" + q(pkg), want: http.StatusNotFound},
		{name: "finalize without uuid", method: http.MethodPost, path: "/git/finalize-merge-state", want: http.StatusBadRequest},
		{name: "finalize unknown uuid", method: http.MethodPost, path: "/git/finalize-push-merge-state?uuid=nope", want: http.StatusNotFound},
		{name: "unknown variant", method: http.MethodPost, path: "/git/finalize-push-merge-state-on-failure?uuid=x&finalizerVariant=nope", want: http.StatusBadRequest},
		{name: "variant of another kind", method: http.MethodPost, path: "/git/finalize-push-merge-state-on-failure?uuid=x&finalizerVariant=pull-unrecoverable", want: http.StatusBadRequest},
		{name: "bad boolean", method: http.MethodGet, path: "/git/commit-package-to-git?iri=x&shouldAlwaysCreateMergeState=maybe", want: http.StatusBadRequest},
		{name: "bad export format", method: http.MethodGet, path: "/git/commit-package-to-git?iri=x&exportFormat=xml", want: http.StatusBadRequest},
		{name: "update without uuid", method: http.MethodPost, path: "/git/update-merge-state", body: map[string]any{}, want: http.StatusBadRequest},
		{name: "remove unknown", method: http.MethodDelete, path: "/git/remove-merge-state?uuid=nope", want: http.StatusNotFound},
		{name: "unknown provider", method: http.MethodGet, path: "/git/link-to-existing-git-repository?iri=x&repositoryURL=" + q("https://example.com/a/b"), want: http.StatusBadRequest},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			code, body := ts.do(tt.method, tt.path, tt.body, nil)
			assert.Equal(t, tt.want, code, "%v", body)
			assert.EqualValues(t, tt.want, body["statusCode"])
			assert.NotEmpty(t, body["message"])
		})
	}
}

func TestPushConflictOverHTTP(t *testing.T) {
	t.Parallel()
	ts := newTestServer(t, "", nil)

	ts.pushRemote(map[string]string{"a.json": `{"v":1}`, "b.json": `{"v":1}`})
	ts.link()

	code, body := ts.get("/git/pull?iri=" + q(pkg))
	require.Equal(t, http.StatusOK, code, "%v", body)

	ts.write("a.json", `{"v":"local"}`)
	ts.write("b.json", `{"v":"local"}`)
	ts.pushRemote(map[string]string{"a.json": `{"v":"remote"}`, "b.json": `{"v":"remote"}`})

	code, body = ts.get("/git/commit-package-to-git?iri=" + q(pkg) + "&commitMessage=edit")
	require.Equal(t, http.StatusOK, code, "%v", body)
	ms, ok := body["mergeState"].(map[string]any)
	require.True(t, ok, "%v", body)
	id := ms["uuid"].(string)

	code, body = ts.get("/git/commit-package-to-git?iri=" + q(pkg) + "&shouldRedirectWithExistenceOfMergeStates=true")
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, true, body["redirect"])

	code, body = ts.post("/git/finalize-push-merge-state?uuid="+id, nil)
	assert.Equal(t, http.StatusConflict, code)
	assert.EqualValues(t, http.StatusConflict, body["statusCode"])

	code, body = ts.get("/git/merge-state?uuid=" + id + "&includeDiffs=true")
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, string(mergestate.StatusCreated), body["status"])
	diffs := body["diffs"].(map[string]any)
	assert.Contains(t, diffs["a.json"], `+{"v":"local"}`)

	code, body = ts.post("/git/update-merge-state", map[string]any{"uuid": id, "currentlyUnresolvedConflicts": []string{"/b.json"}})
	require.Equal(t, http.StatusOK, code, "%v", body)
	assert.Equal(t, []any{"b.json"}, body["unresolvedPaths"])
	assert.Equal(t, string(mergestate.StatusPartiallyResolved), body["status"])

	code, body = ts.post("/git/resolve-merge-state", map[string]any{"uuid": id, "strategy": "use-other", "paths": []string{"/b.json"}})
	require.Equal(t, http.StatusOK, code, "%v", body)
	assert.Equal(t, string(mergestate.StatusFullyResolved), body["status"])

	code, body = ts.do(http.MethodPost, "/git/finalize-push-merge-state?uuid="+id, nil,
		map[string]string{"X-Actor-Name": "Alice", "X-Actor-Email": "alice@example.org"})
	require.Equal(t, http.StatusOK, code, "%v", body)
	assert.Equal(t, true, body["completed"])

	assert.Equal(t, `{"v":"local"}`, ts.remoteFile("a.json"))
	assert.Equal(t, `{"v":"remote"}`, ts.remoteFile("b.json"))

	code, _ = ts.get("/git/merge-state?uuid=" + id)
	assert.Equal(t, http.StatusNotFound, code)
}

func TestRemoveMergeStateOverHTTP(t *testing.T) {
	t.Parallel()
	ts := newTestServer(t, "", nil)

	ts.pushRemote(map[string]string{"a.json": `{"v":1}`})
	ts.link()
	code, _ := ts.get("/git/pull?iri=" + q(pkg))
	require.Equal(t, http.StatusOK, code)

	ts.write("a.json", `{"v":"local"}`)
	ts.pushRemote(map[string]string{"a.json": `{"v":"remote"}`})

	code, body := ts.get("/git/pull?iri=" + q(pkg))
	require.Equal(t, http.StatusOK, code)
	id := body["mergeState"].(map[string]any)["uuid"].(string)

	code, body = ts.do(http.MethodDelete, "/git/remove-merge-state?uuid="+id, nil, nil)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, true, body["removed"])

	code, _ = ts.get("/git/merge-state?uuid=" + id)
	assert.Equal(t, http.StatusNotFound, code)
}

func TestGitFailureIsGeneric(t *testing.T) {
	t.Parallel()
	ts := newTestServer(t, "", nil)
	ts.link()
	ts.setRemote(unreachableRemote{})

	code, body := ts.get("/git/pull?iri=" + q(pkg))
	assert.Equal(t, http.StatusBadGateway, code)
	assert.Equal(t, "git operation failed", body["message"])
	assert.Equal(t, errors.ErrGitNetwork.Error(), body["failureClass"])
}

func TestStrategies(t *testing.T) {
	t.Parallel()
	ts := newTestServer(t, "", nil)

	res, err := ts.srv.Client().Get(ts.srv.URL + "/git/merge-resolver-strategies")
	require.NoError(t, err)
	defer res.Body.Close()

	var out []struct {
		Key string `json:"key"`
	}
	require.NoError(t, json.NewDecoder(res.Body).Decode(&out))
	keys := make([]string, 0, len(out))
	for _, s := range out {
		keys = append(keys, s.Key)
	}
	assert.Equal(t, []string{"use-other", "keep-editable", "operation-replay"}, keys)
}

func TestWebhook(t *testing.T) {
	t.Parallel()

	ev := &provider.WebhookEvent{Provider: provider.GitHub, RepositoryURL: repoURL, Branch: "main"}
	ts := newTestServer(t, "s3cret", staticWebhooks{event: ev})

	tip := ts.pushRemote(map[string]string{"a.json": `{"v":1}`})
	ts.link()

	code, body := ts.post("/git/webhook", map[string]any{})
	require.Equal(t, http.StatusOK, code, "%v", body)
	pulls := body["pulls"].([]any)
	require.Len(t, pulls, 1)
	assert.Equal(t, pkg, pulls[0].(map[string]any)["rootIri"])

	link, err := ts.states.GetLink(context.Background(), pkg)
	require.NoError(t, err)
	assert.Equal(t, tip, link.LastCommitHash)
}

func TestWebhookIgnoredEvent(t *testing.T) {
	t.Parallel()
	ts := newTestServer(t, "", staticWebhooks{})

	code, body := ts.post("/git/webhook", map[string]any{})
	assert.Equal(t, http.StatusAccepted, code)
	assert.Equal(t, true, body["ignored"])
}
