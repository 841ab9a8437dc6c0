package cmd

import (
	"bytes"
	"encoding/json"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dataspecer/dsgit/internal/log"
)

func TestProviderDetectAndEmptyMergeStateList(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("DSGIT_STORE_PATH", filepath.Join(dir, "dsgit.db"))
	t.Setenv("DSGIT_WORKSPACE_DIR", filepath.Join(dir, "workspace"))

	var out bytes.Buffer
	l = log.New().WithWriter(&out)

	root := CmdForTest("test")

	root.SetArgs([]string{"provider", "detect", "--json", "https://gitlab.com/group/project/-/tree/dev"})
	require.NoError(t, root.Execute())

	var got detection
	require.NoError(t, json.Unmarshal(out.Bytes(), &got))
	assert.Equal(t, "gitlab", string(got.Provider))
	assert.Equal(t, "group", got.Owner)
	assert.Equal(t, "project", got.Name)
	assert.Equal(t, "dev", got.Branch)

	out.Reset()
	root.SetArgs([]string{"merge-state", "list"})
	require.NoError(t, root.Execute())
	assert.Contains(t, out.String(), "NO RESULTS")

	root.SetArgs([]string{"merge-state", "abort", "missing"})
	assert.Error(t, root.Execute())

	root.SetArgs([]string{"provider", "detect", "https://example.com/a/b"})
	assert.Error(t, root.Execute())
}
