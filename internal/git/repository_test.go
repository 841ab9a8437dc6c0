package git

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRepo(t *testing.T) *Repository {
	t.Helper()

	r, err := NewMemoryRepository()
	require.NoError(t, err)
	return r
}

var testAuthor = Signature{Name: "test", Email: "test@test.com"}

// commitFiles writes files as a commit on top of parent and returns the commit hash.
func commitFiles(t *testing.T, r *Repository, parent string, files map[string]string) string {
	t.Helper()

	blobs := map[string]string{}
	for p, content := range files {
		h, err := r.WriteBlob([]byte(content))
		require.NoError(t, err)
		blobs[p] = h
	}

	tree, err := r.BuildTree(blobs)
	require.NoError(t, err)

	commit, err := r.CommitTree(tree, []string{parent}, "commit", testAuthor, Signature{})
	require.NoError(t, err)
	return commit
}

func TestOpenOrInitBare(t *testing.T) {
	t.Parallel()

	dir := filepath.Join(t.TempDir(), "cache")

	r, err := OpenOrInitBare(dir)
	require.NoError(t, err)
	assert.False(t, r.IsNil())

	commit := commitFiles(t, r, "", map[string]string{"a.json": "{}"})
	require.NoError(t, r.UpdateRef("refs/heads/main", commit, ""))

	reopened, err := OpenOrInitBare(dir)
	require.NoError(t, err)

	hash, err := reopened.BranchHash("main")
	require.NoError(t, err)
	assert.Equal(t, commit, hash)
}

func TestBranchHash_Missing(t *testing.T) {
	t.Parallel()

	r := newTestRepo(t)
	hash, err := r.BranchHash("nope")
	require.NoError(t, err)
	assert.Empty(t, hash)

	var nilRepo *Repository
	hash, err = nilRepo.BranchHash("main")
	require.NoError(t, err)
	assert.Empty(t, hash)
}

func TestBlobRoundTrip(t *testing.T) {
	t.Parallel()

	r := newTestRepo(t)

	hash, err := r.WriteBlob([]byte("hello"))
	require.NoError(t, err)
	assert.Equal(t, "b6fc4c620b67d95f953a5c1c1230aaab5db5a1b0", hash)

	content, err := r.GetBlob(hash)
	require.NoError(t, err)
	assert.Equal(t, "hello", string(content))
}

func TestBuildTree_NestedAndListFiles(t *testing.T) {
	t.Parallel()

	r := newTestRepo(t)
	commit := commitFiles(t, r, "", map[string]string{
		"meta.json":           `{"a":1}`,
		"model/model.json":    `{}`,
		"model/nested/x.ttl":  "<a> <b> <c> .",
		"model-other/z.json":  "[]",
		"model.config.json":   "{}",
		"artifacts/readme.md": "# readme",
	})

	tree, err := r.TreeOfCommit(commit)
	require.NoError(t, err)

	files, err := r.ListFiles(tree)
	require.NoError(t, err)
	assert.Len(t, files, 6)
	assert.Contains(t, files, "model/nested/x.ttl")

	content, err := r.GetBlob(files["meta.json"])
	require.NoError(t, err)
	assert.Equal(t, `{"a":1}`, string(content))
}

func TestBuildTree_DeterministicHash(t *testing.T) {
	t.Parallel()

	r := newTestRepo(t)
	blob, err := r.WriteBlob([]byte("x"))
	require.NoError(t, err)

	files := map[string]string{"b/c": blob, "a": blob, "b.txt": blob, "b-dir/d": blob}

	first, err := r.BuildTree(files)
	require.NoError(t, err)
	for i := 0; i < 10; i++ {
		again, err := r.BuildTree(files)
		require.NoError(t, err)
		assert.Equal(t, first, again)
	}
}

func TestBuildTree_Empty(t *testing.T) {
	t.Parallel()

	r := newTestRepo(t)
	tree, err := r.BuildTree(nil)
	require.NoError(t, err)
	assert.Equal(t, "4b825dc642cb6eb9a060e54bf8d69288fbee4904", tree)
}

func TestBuildTree_FileDirectoryClash(t *testing.T) {
	t.Parallel()

	r := newTestRepo(t)
	blob, err := r.WriteBlob([]byte("x"))
	require.NoError(t, err)

	_, err = r.BuildTree(map[string]string{"a": blob, "a/b": blob})
	assert.Error(t, err)
}

func TestUpdateRef_CompareAndSwap(t *testing.T) {
	t.Parallel()

	r := newTestRepo(t)
	first := commitFiles(t, r, "", map[string]string{"a": "1"})
	second := commitFiles(t, r, first, map[string]string{"a": "2"})

	require.NoError(t, r.UpdateRef("refs/heads/main", first, ""))
	require.NoError(t, r.UpdateRef("refs/heads/main", second, first))

	err := r.UpdateRef("refs/heads/main", first, first)
	assert.Error(t, err, "stale old hash must be refused")

	got, err := r.GetRef("refs/heads/main")
	require.NoError(t, err)
	assert.Equal(t, second, got)

	require.NoError(t, r.RemoveRef("refs/heads/main"))
	got, err = r.GetRef("refs/heads/main")
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestHistory(t *testing.T) {
	t.Parallel()

	r := newTestRepo(t)
	root := commitFiles(t, r, "", map[string]string{"a": "1"})
	left := commitFiles(t, r, root, map[string]string{"a": "2"})
	right := commitFiles(t, r, root, map[string]string{"a": "3"})
	unrelated := commitFiles(t, r, "", map[string]string{"b": "1"})

	base, err := r.MergeBase(left, right)
	require.NoError(t, err)
	assert.Equal(t, root, base)

	base, err = r.MergeBase(left, unrelated)
	require.NoError(t, err)
	assert.Empty(t, base)

	ok, err := r.IsAncestor(root, left)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = r.IsAncestor(left, right)
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = r.IsAncestor("", left)
	require.NoError(t, err)
	assert.True(t, ok)

	assert.True(t, r.HasCommit(left))
	assert.False(t, r.HasCommit(""))
}
