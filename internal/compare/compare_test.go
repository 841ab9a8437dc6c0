package compare

import (
	"context"
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"github.com/dataspecer/dsgit/internal/git"
	"github.com/dataspecer/dsgit/internal/mergestate"
	"github.com/dataspecer/dsgit/internal/resource"
)

type fatalf interface {
	Helper()
	Fatalf(format string, args ...any)
}

func writeTree(t fatalf, repo *git.Repository, files map[string]string) string {
	t.Helper()

	blobs := map[string]string{}
	for p, content := range files {
		h, err := repo.WriteBlob([]byte(content))
		if err != nil {
			t.Fatalf("write blob: %v", err)
		}
		blobs[p] = h
	}

	tree, err := repo.BuildTree(blobs)
	if err != nil {
		t.Fatalf("build tree: %v", err)
	}
	return tree
}

func newRepo(t fatalf) *git.Repository {
	t.Helper()

	repo, err := git.NewMemoryRepository()
	if err != nil {
		t.Fatalf("init repository: %v", err)
	}
	return repo
}

func compareFiles(t *testing.T, export resource.ExportFormat, base map[string]string, other, editable map[string]string) Result {
	t.Helper()

	repo := newRepo(t)
	baseTree := ""
	if base != nil {
		baseTree = writeTree(t, repo, base)
	}

	r, err := Collect(New(repo, export).Compare(context.Background(), baseTree, writeTree(t, repo, other), writeTree(t, repo, editable)))
	require.NoError(t, err)
	return r
}

func TestCompare_DisjointChanges(t *testing.T) {
	t.Parallel()

	base := map[string]string{"a.json": `{"v":0}`, "b.json": `{"v":0}`}
	other := map[string]string{"a.json": `{"v":1}`, "b.json": `{"v":0}`}
	editable := map[string]string{"a.json": `{"v":0}`, "b.json": `{"v":2}`}

	r := compareFiles(t, resource.ExportJSON, base, other, editable)

	assert.Empty(t, r.Conflicts)
	require.Len(t, r.FastForwards, 1)
	assert.Equal(t, resource.Path("a.json"), r.FastForwards[0].Path())
	require.Len(t, r.LocalOnly, 1)
	assert.Equal(t, resource.Path("b.json"), r.LocalOnly[0].Path())
}

func TestCompare_ConflictAndConvergence(t *testing.T) {
	t.Parallel()

	base := map[string]string{"a.json": `{"v":0}`, "dir/b.json": `{"v":0}`}
	other := map[string]string{"a.json": `{"v":1}`, "dir/b.json": `{"v":1,"w":2}`}
	editable := map[string]string{"a.json": `{"v":2}`, "dir/b.json": "{\n  \"w\": 2,\n  \"v\": 1\n}"}

	r := compareFiles(t, resource.ExportJSON, base, other, editable)

	assert.Equal(t, []resource.Path{"a.json"}, r.ConflictPaths())
	assert.Empty(t, r.FastForwards, "structurally equal sides converge")

	c := r.Conflicts[0]
	assert.Equal(t, `{"v":1}`, string(c.OtherContent.Data))
	assert.Equal(t, `{"v":2}`, string(c.EditableContent.Data))
	require.NotNil(t, c.BaseContent)
	assert.Equal(t, `{"v":0}`, string(c.BaseContent.Data))
	assert.Equal(t, resource.FormatJSON, c.Format)
}

func TestCompare_DeleteVersusModify(t *testing.T) {
	t.Parallel()

	base := map[string]string{"a.ttl": "<s> <p> <o> .", "keep.txt": "x"}
	other := map[string]string{"keep.txt": "x"}
	editable := map[string]string{"a.ttl": "<s> <p> <o2> .", "keep.txt": "x"}

	r := compareFiles(t, resource.ExportJSON, base, other, editable)

	require.Len(t, r.Conflicts, 1)
	assert.True(t, r.Conflicts[0].OtherContent.Missing)
	assert.False(t, r.Conflicts[0].EditableContent.Missing)
}

func TestCompare_NoCommonAncestor(t *testing.T) {
	t.Parallel()

	other := map[string]string{"a": "1", "b": "same"}
	editable := map[string]string{"a": "2", "b": "same", "c": "new"}

	r := compareFiles(t, resource.ExportJSON, nil, other, editable)

	assert.Equal(t, []resource.Path{"a", "c"}, r.ConflictPaths())
	assert.Nil(t, r.Conflicts[0].BaseContent)
	assert.True(t, r.Conflicts[1].OtherContent.Missing)
}

func TestCompare_YAMLExport(t *testing.T) {
	t.Parallel()

	base := map[string]string{"model.json.yaml": "name: a\n", "conf.yaml": "a: 1\n"}
	other := map[string]string{"model.json.yaml": "name: b\n", "conf.yaml": "a: 2\n"}
	editable := map[string]string{"model.json.yaml": "name: a\n", "conf.yaml": "a: 1\n"}

	r := compareFiles(t, resource.ExportYAML, base, other, editable)

	require.Len(t, r.FastForwards, 2)
	conf := r.FastForwards[0]
	assert.Equal(t, resource.Path("conf.yaml"), conf.Path())
	assert.Equal(t, "a: 2\n", string(conf.OtherContent.Data))

	model := r.FastForwards[1]
	assert.Equal(t, resource.Path("model.json"), model.Path())
	assert.Equal(t, resource.EntityModel, model.EntityType)
	assert.JSONEq(t, `{"name":"b"}`, string(model.OtherContent.Data))
}

func TestCompare_StopsEarly(t *testing.T) {
	t.Parallel()

	repo := newRepo(t)
	other := writeTree(t, repo, map[string]string{"a": "1", "b": "1", "c": "1"})
	editable := writeTree(t, repo, map[string]string{"a": "2", "b": "2", "c": "2"})

	seen := 0
	for d, err := range New(repo, "").Compare(context.Background(), "", other, editable) {
		require.NoError(t, err)
		assert.Equal(t, Conflict, d.Class)
		seen++
		if seen == 2 {
			break
		}
	}
	assert.Equal(t, 2, seen)
}

func TestCompare_Cancelled(t *testing.T) {
	t.Parallel()

	repo := newRepo(t)
	other := writeTree(t, repo, map[string]string{"a": "1"})
	editable := writeTree(t, repo, map[string]string{"a": "2"})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := Collect(New(repo, "").Compare(ctx, "", other, editable))
	assert.ErrorIs(t, err, context.Canceled)
}

func TestUnifiedDiff(t *testing.T) {
	t.Parallel()

	r := compareFiles(t, resource.ExportJSON, nil, map[string]string{"a.txt": "x\ny\n"}, map[string]string{"a.txt": "x\nz\n"})
	require.Len(t, r.Conflicts, 1)

	out, err := UnifiedDiff(r.Conflicts[0])
	require.NoError(t, err)
	assert.Contains(t, out, "--- other/a.txt")
	assert.Contains(t, out, "-y")
	assert.Contains(t, out, "+z")
}

// Swapping the other and editable sides must not change which paths conflict.
func TestCompare_SymmetricConflicts(t *testing.T) {
	t.Parallel()

	paths := []string{"a.json", "b.json", "dir/c.json", "dir/d.txt"}
	values := []string{`{"v":1}`, `{"v": 1}`, `{"v":2}`, `[1,2]`, "text"}

	genFiles := func(t *rapid.T, label string) map[string]string {
		files := map[string]string{}
		for _, p := range paths {
			if rapid.Bool().Draw(t, fmt.Sprintf("%s has %s", label, p)) {
				files[p] = rapid.SampledFrom(values).Draw(t, fmt.Sprintf("%s %s", label, p))
			}
		}
		return files
	}

	rapid.Check(t, func(t *rapid.T) {
		repo := newRepo(t)

		baseTree := ""
		if rapid.Bool().Draw(t, "has base") {
			baseTree = writeTree(t, repo, genFiles(t, "base"))
		}
		other := writeTree(t, repo, genFiles(t, "other"))
		editable := writeTree(t, repo, genFiles(t, "editable"))

		c := New(repo, resource.ExportJSON)
		forward, err := Collect(c.Compare(context.Background(), baseTree, other, editable))
		if err != nil {
			t.Fatalf("compare: %v", err)
		}
		backward, err := Collect(c.Compare(context.Background(), baseTree, editable, other))
		if err != nil {
			t.Fatalf("compare swapped: %v", err)
		}

		if got, want := pathList(backward.ConflictPaths()), pathList(forward.ConflictPaths()); got != want {
			t.Fatalf("conflicts differ after swap: %s vs %s", want, got)
		}
		if got, want := pathsOf(backward.LocalOnly), pathsOf(forward.FastForwards); got != want {
			t.Fatalf("fast-forwards did not become local changes: %s vs %s", want, got)
		}
	})
}

func pathList(ps []resource.Path) string {
	out := make([]string, 0, len(ps))
	for _, p := range ps {
		out = append(out, p.String())
	}
	return strings.Join(out, ",")
}

func pathsOf(ds []mergestate.ComparisonData) string {
	out := make([]string, 0, len(ds))
	for _, d := range ds {
		out = append(out, d.Path().String())
	}
	return strings.Join(out, ",")
}
