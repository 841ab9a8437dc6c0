package log

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newTestLogger(buf *bytes.Buffer) Logger {
	return New().WithFormat(FormatJSON).WithWriter(buf)
}

func decodeLines(t *testing.T, buf *bytes.Buffer) []map[string]any {
	t.Helper()

	var out []map[string]any
	for _, line := range strings.Split(strings.TrimSpace(buf.String()), "\n") {
		if line == "" {
			continue
		}
		entry := map[string]any{}
		require.NoError(t, json.Unmarshal([]byte(line), &entry))
		out = append(out, entry)
	}
	return out
}

func TestLogger_LevelFiltering(t *testing.T) {
	t.Parallel()

	buf := &bytes.Buffer{}
	l := newTestLogger(buf).WithLevel(LevelWarn)

	l.Debug("debug")
	l.Info("info")
	l.Warn("warn")
	l.Error("error")

	lines := decodeLines(t, buf)
	require.Len(t, lines, 2)
	assert.Equal(t, "warn", lines[0]["msg"])
	assert.Equal(t, "error", lines[1]["msg"])
}

func TestLogger_FieldsAndErrorPromotion(t *testing.T) {
	t.Parallel()

	buf := &bytes.Buffer{}
	l := newTestLogger(buf).With(zap.String("uuid", "abc"))

	l.Error("", zap.Error(errors.New("push rejected")))
	l.Info("finalized", zap.String("kind", "pull"))

	lines := decodeLines(t, buf)
	require.Len(t, lines, 2)
	assert.Equal(t, "push rejected", lines[0]["msg"])
	assert.Equal(t, "abc", lines[0]["uuid"])
	assert.Equal(t, "pull", lines[1]["kind"])
	assert.Equal(t, "abc", lines[1]["uuid"])
}

func TestLogger_WithDoesNotLeakFields(t *testing.T) {
	t.Parallel()

	buf := &bytes.Buffer{}
	base := newTestLogger(buf).With(zap.String("a", "1"))
	_ = base.With(zap.String("b", "2"))

	base.Info("only a")

	lines := decodeLines(t, buf)
	require.Len(t, lines, 1)
	assert.NotContains(t, lines[0], "b")
}

func TestContextRoundTrip(t *testing.T) {
	t.Parallel()

	l := New().WithLevel(LevelErr)
	ctx := With(context.Background(), l)

	assert.Equal(t, LevelErr, From(ctx).Level())
	assert.Equal(t, LevelInfo, From(context.Background()).Level())
}

func TestParseLevel(t *testing.T) {
	t.Parallel()

	lvl, err := ParseLevel("debug")
	require.NoError(t, err)
	assert.Equal(t, LevelDebug, lvl)

	_, err = ParseLevel("loud")
	assert.Error(t, err)
}

func TestPrettyPrint(t *testing.T) {
	t.Parallel()

	type summary struct {
		UUID       string
		Unresolved []string
		Stage      string
		UpdatedAt  time.Time
		hidden     string
	}

	buf := &bytes.Buffer{}
	ctx := With(context.Background(), newTestLogger(buf))

	PrettyPrint(ctx, summary{
		UUID:       "abc",
		Unresolved: []string{"a.json", "b.json"},
		UpdatedAt:  time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC),
		hidden:     "x",
	}, map[string]string{"UpdatedAt": "Updated"})

	assert.Equal(t, "UUID: abc\nUnresolved: a.json, b.json\nUpdated: 2024-05-01T12:00:00Z\n", buf.String())
}

func TestPrettyPrintArray_Empty(t *testing.T) {
	t.Parallel()

	buf := &bytes.Buffer{}
	PrettyPrintArray[string](With(context.Background(), newTestLogger(buf)), nil, nil)
	assert.Equal(t, "NO RESULTS\n", buf.String())
}
