package compare

import (
	"strings"

	"github.com/pmezard/go-difflib/difflib"

	"github.com/dataspecer/dsgit/internal/mergestate"
)

// UnifiedDiff renders the difference between the other and editable side of a
// path for display. Missing sides diff as empty.
func UnifiedDiff(d mergestate.ComparisonData) (string, error) {
	other := normalizeLineEndings(string(d.OtherContent.Data))
	editable := normalizeLineEndings(string(d.EditableContent.Data))

	diff := difflib.UnifiedDiff{
		A:        difflib.SplitLines(other),
		B:        difflib.SplitLines(editable),
		FromFile: "other/" + d.Path().String(),
		ToFile:   "editable/" + d.Path().String(),
		Context:  3,
	}
	if d.OtherContent.Missing {
		diff.FromFile = "/dev/null"
	}
	if d.EditableContent.Missing {
		diff.ToFile = "/dev/null"
	}

	return difflib.GetUnifiedDiffString(diff)
}

func normalizeLineEndings(s string) string {
	return strings.ReplaceAll(s, "\r\n", "\n")
}
