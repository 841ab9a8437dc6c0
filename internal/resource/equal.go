package resource

import (
	"bytes"
	"encoding/json"
	"slices"
	"strings"

	"github.com/google/go-cmp/cmp"
	"gopkg.in/yaml.v3"
)

// Equal compares two contents structurally: JSON and YAML documents are
// decoded first, RDF is compared as a set of statements and text ignores line
// ending differences. Content that fails to decode is compared byte-wise.
func Equal(a, b Content) bool {
	if a.Missing || b.Missing {
		return a.Missing == b.Missing
	}
	if bytes.Equal(a.Data, b.Data) {
		return true
	}

	format := a.Format
	if format != b.Format {
		format = FormatText
	}

	switch format {
	case FormatJSON:
		return decodedEqual(a.Data, b.Data, json.Unmarshal)
	case FormatYAML:
		return decodedEqual(a.Data, b.Data, yaml.Unmarshal)
	case FormatRDF:
		return slices.Equal(normalizeStatements(a.Data), normalizeStatements(b.Data))
	default:
		return normalizeText(a.Data) == normalizeText(b.Data)
	}
}

func decodedEqual(a, b []byte, unmarshal func([]byte, any) error) bool {
	var va, vb any
	if err := unmarshal(a, &va); err != nil {
		return false
	}
	if err := unmarshal(b, &vb); err != nil {
		return false
	}
	return cmp.Equal(va, vb)
}

// normalizeStatements returns the sorted non-empty, non-comment lines of an RDF
// document with runs of whitespace collapsed.
func normalizeStatements(data []byte) []string {
	var out []string
	for _, line := range strings.Split(normalizeText(data), "\n") {
		line = strings.Join(strings.Fields(line), " ")
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		out = append(out, line)
	}
	slices.Sort(out)
	return slices.Compact(out)
}

func normalizeText(data []byte) string {
	s := strings.ReplaceAll(string(data), "\r\n", "\n")
	return strings.TrimRight(s, "\n")
}
