package resource

import (
	"encoding/json"
	"fmt"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/dataspecer/dsgit/internal/errors"
)

// ExportFormat controls how JSON resources are laid out in the git tree.
// With ExportYAML, "x.json" is committed as "x.json.yaml" and converted back
// when pulled. Every other path, native ".yaml" files included, is committed
// as it is, so the mapping is reversible.
type ExportFormat string

const (
	ExportJSON ExportFormat = "json"
	ExportYAML ExportFormat = "yaml"
)

const exportedSuffix = ".yaml"

func ParseExportFormat(s string) (ExportFormat, error) {
	switch strings.ToLower(s) {
	case "", string(ExportJSON):
		return ExportJSON, nil
	case string(ExportYAML):
		return ExportYAML, nil
	default:
		return "", errors.ErrValidation.Wrap(fmt.Errorf("unsupported export format %q", s))
	}
}

// ToGit maps a store path and content to its git tree representation. A JSON
// resource that does not parse cannot be exported as YAML and is refused.
func (f ExportFormat) ToGit(p Path, data []byte) (Path, []byte, error) {
	if f != ExportYAML {
		return p, data, nil
	}
	if isExported(p) {
		return "", nil, errors.ErrValidation.Wrap(fmt.Errorf("%s clashes with the name of an exported json resource", p))
	}
	if p.Ext() != ".json" {
		return p, data, nil
	}

	var v any
	if err := json.Unmarshal(data, &v); err != nil {
		return "", nil, errors.ErrValidation.Wrap(fmt.Errorf("%s is not valid json and cannot be exported as yaml: %w", p, err))
	}
	out, err := yaml.Marshal(v)
	if err != nil {
		return "", nil, fmt.Errorf("failed to convert %s to yaml: %w", p, err)
	}

	return f.GitPath(p), out, nil
}

// FromGit is the inverse of ToGit.
func (f ExportFormat) FromGit(p Path, data []byte) (Path, []byte, error) {
	if f != ExportYAML || !isExported(p) {
		return p, data, nil
	}

	store := f.StorePath(p)
	var v any
	if err := yaml.Unmarshal(data, &v); err != nil {
		return store, nil, fmt.Errorf("failed to read %s as yaml: %w", p, err)
	}
	out, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return store, nil, fmt.Errorf("failed to convert %s to json: %w", p, err)
	}

	return store, out, nil
}

// GitPath is the tree path ToGit chooses for p, without touching content.
func (f ExportFormat) GitPath(p Path) Path {
	if f == ExportYAML && p.Ext() == ".json" {
		return p + exportedSuffix
	}
	return p
}

// StorePath maps a git tree path back to the store path without touching content.
func (f ExportFormat) StorePath(p Path) Path {
	if f == ExportYAML && isExported(p) {
		return p[:len(p)-len(exportedSuffix)]
	}
	return p
}

func isExported(p Path) bool {
	return strings.HasSuffix(strings.ToLower(string(p)), ".json"+exportedSuffix)
}
