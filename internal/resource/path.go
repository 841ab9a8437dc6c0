// Package resource models the application-managed resource tree of a package:
// slash separated paths, typed content and the store that holds the editable copy.
package resource

import (
	"fmt"
	"path"
	"strings"

	"github.com/dataspecer/dsgit/internal/errors"
)

// Path addresses one resource inside a package tree. It is always clean,
// relative and slash separated, and is used verbatim as the git tree path.
type Path string

// ParsePath validates s. A single leading slash is accepted and dropped.
func ParsePath(s string) (Path, error) {
	trimmed := strings.TrimPrefix(s, "/")
	if trimmed == "" {
		return "", errors.ErrValidation.Wrap(fmt.Errorf("empty resource path"))
	}
	if strings.Contains(trimmed, "\\") {
		return "", errors.ErrValidation.Wrap(fmt.Errorf("resource path %q must use forward slashes", s))
	}
	if path.Clean(trimmed) != trimmed {
		return "", errors.ErrValidation.Wrap(fmt.Errorf("resource path %q is not clean", s))
	}
	for _, segment := range strings.Split(trimmed, "/") {
		switch segment {
		case "..", ".":
			return "", errors.ErrValidation.Wrap(fmt.Errorf("resource path %q escapes the package", s))
		case ".git":
			return "", errors.ErrValidation.Wrap(fmt.Errorf("resource path %q points into git metadata", s))
		}
	}
	return Path(trimmed), nil
}

// MustParsePath is ParsePath for literals known to be valid.
func MustParsePath(s string) Path {
	p, err := ParsePath(s)
	if err != nil {
		panic(err)
	}
	return p
}

func (p Path) String() string {
	return string(p)
}

func (p Path) Base() string {
	return path.Base(string(p))
}

func (p Path) Ext() string {
	return strings.ToLower(path.Ext(string(p)))
}

// EntityType names the kind of resource a path holds.
type EntityType string

const (
	EntityMeta           EntityType = "meta"
	EntityModel          EntityType = "model"
	EntityArtifactConfig EntityType = "artifact-config"
	EntityResource       EntityType = "resource"
)

func EntityTypeOf(p Path) EntityType {
	base := strings.ToLower(p.Base())
	stem := strings.TrimSuffix(base, path.Ext(base))

	switch {
	case stem == "meta":
		return EntityMeta
	case stem == "model":
		return EntityModel
	case strings.HasPrefix(stem, "artifact-config") || strings.HasPrefix(stem, "artifact_config"):
		return EntityArtifactConfig
	default:
		return EntityResource
	}
}
