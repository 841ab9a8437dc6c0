// Package compare computes the three-way difference between a base tree, the
// other side's tree and the editable snapshot of a package.
package compare

import (
	"context"
	"fmt"
	"iter"
	"slices"

	"github.com/go-git/go-git/v5/plumbing/object"

	"github.com/dataspecer/dsgit/internal/errors"
	"github.com/dataspecer/dsgit/internal/git"
	"github.com/dataspecer/dsgit/internal/mergestate"
	"github.com/dataspecer/dsgit/internal/resource"
)

// Class says which side changed a path relative to the base.
type Class string

const (
	// FastForward paths changed only on the other side. They are applied
	// without asking.
	FastForward Class = "fast-forward"
	// LocalOnly paths changed only on the editable side.
	LocalOnly Class = "local-only"
	// Conflict paths changed on both sides to different values.
	Conflict Class = "conflict"
)

type Difference struct {
	Class Class
	Data  mergestate.ComparisonData
}

// Comparator diffs trees stored in one git object database. Tree paths are
// mapped back to resource paths through the export format, so a tree exported
// as YAML is compared against JSON resources.
type Comparator struct {
	repo   *git.Repository
	export resource.ExportFormat
}

func New(repo *git.Repository, export resource.ExportFormat) *Comparator {
	if export == "" {
		export = resource.ExportJSON
	}
	return &Comparator{repo: repo, export: export}
}

// Compare yields every path whose other and editable contents differ, in
// lexicographic order. Paths equal on both sides are dropped. An empty base
// means the sides share no history and every differing path is a conflict.
//
// Only the changed names are collected up front. Contents are loaded one path
// at a time as the sequence is consumed.
func (c *Comparator) Compare(ctx context.Context, base, other, editable string) iter.Seq2[Difference, error] {
	return func(yield func(Difference, error) bool) {
		if err := ctx.Err(); err != nil {
			yield(Difference{}, err)
			return
		}

		trees, err := c.loadTrees(base, other, editable)
		if err != nil {
			yield(Difference{}, err)
			return
		}

		paths, err := changedPaths(ctx, trees)
		if err != nil {
			yield(Difference{}, err)
			return
		}

		for _, name := range paths {
			if err := ctx.Err(); err != nil {
				yield(Difference{}, err)
				return
			}

			d, ok, err := c.classify(name, trees, base == "")
			if err != nil {
				yield(Difference{}, err)
				return
			}
			if !ok {
				continue
			}
			if !yield(d, nil) {
				return
			}
		}
	}
}

type treeSet struct {
	base, other, editable *object.Tree
}

func (c *Comparator) loadTrees(base, other, editable string) (treeSet, error) {
	var (
		ts  treeSet
		err error
	)
	if ts.base, err = c.repo.Tree(base); err != nil {
		return ts, fmt.Errorf("failed to load base tree: %w", err)
	}
	if ts.other, err = c.repo.Tree(other); err != nil {
		return ts, fmt.Errorf("failed to load other tree: %w", err)
	}
	if ts.editable, err = c.repo.Tree(editable); err != nil {
		return ts, fmt.Errorf("failed to load editable tree: %w", err)
	}
	return ts, nil
}

// changedPaths returns the sorted union of names that differ from the base on
// either side. Subtrees with equal hashes are skipped by the tree diff.
func changedPaths(ctx context.Context, ts treeSet) ([]string, error) {
	seen := map[string]struct{}{}

	for _, side := range []*object.Tree{ts.other, ts.editable} {
		changes, err := object.DiffTreeWithOptions(ctx, ts.base, side, nil)
		if err != nil {
			return nil, fmt.Errorf("failed to diff trees: %w", err)
		}
		for _, ch := range changes {
			if ch.From.Name != "" {
				seen[ch.From.Name] = struct{}{}
			}
			if ch.To.Name != "" {
				seen[ch.To.Name] = struct{}{}
			}
		}
	}

	paths := make([]string, 0, len(seen))
	for name := range seen {
		paths = append(paths, name)
	}
	slices.Sort(paths)
	return paths, nil
}

func (c *Comparator) classify(name string, ts treeSet, unrelated bool) (Difference, bool, error) {
	gitPath, err := resource.ParsePath(name)
	if err != nil {
		return Difference{}, false, err
	}
	p := c.export.StorePath(gitPath)

	other, err := c.load(ts.other, gitPath, p)
	if err != nil {
		return Difference{}, false, err
	}
	editable, err := c.load(ts.editable, gitPath, p)
	if err != nil {
		return Difference{}, false, err
	}

	if resource.Equal(other, editable) {
		return Difference{}, false, nil
	}

	data := mergestate.ComparisonData{
		AffectedDataStore: mergestate.AffectedDataStore{FullPath: p},
		OtherContent:      other,
		EditableContent:   editable,
		Format:            resource.FormatOf(p),
		EntityType:        resource.EntityTypeOf(p),
	}

	if unrelated {
		return Difference{Class: Conflict, Data: data}, true, nil
	}

	base, err := c.load(ts.base, gitPath, p)
	if err != nil {
		return Difference{}, false, err
	}
	data.BaseContent = &base

	otherChanged := !resource.Equal(base, other)
	editableChanged := !resource.Equal(base, editable)

	switch {
	case otherChanged && editableChanged:
		return Difference{Class: Conflict, Data: data}, true, nil
	case otherChanged:
		return Difference{Class: FastForward, Data: data}, true, nil
	case editableChanged:
		return Difference{Class: LocalOnly, Data: data}, true, nil
	default:
		// equal to the base on both sides but not to each other only happens
		// when structural equality is not transitive, e.g. undecodable input
		return Difference{Class: Conflict, Data: data}, true, nil
	}
}

func (c *Comparator) load(tree *object.Tree, gitPath, p resource.Path) (resource.Content, error) {
	if tree == nil {
		return resource.MissingContent(p), nil
	}

	f, err := tree.File(string(gitPath))
	if errors.Is(err, object.ErrFileNotFound) {
		return resource.MissingContent(p), nil
	} else if err != nil {
		return resource.Content{}, fmt.Errorf("failed to read %s: %w", gitPath, err)
	}

	data, err := f.Contents()
	if err != nil {
		return resource.Content{}, fmt.Errorf("failed to read %s: %w", gitPath, err)
	}

	_, converted, err := c.export.FromGit(gitPath, []byte(data))
	if err != nil {
		// keep undecodable exports as they are so the user can still pick a side
		converted = []byte(data)
	}
	return resource.NewContent(p, converted), nil
}

// Result is a fully consumed comparison.
type Result struct {
	Conflicts    []mergestate.ComparisonData
	FastForwards []mergestate.ComparisonData
	LocalOnly    []mergestate.ComparisonData
}

func (r Result) Empty() bool {
	return len(r.Conflicts) == 0 && len(r.FastForwards) == 0 && len(r.LocalOnly) == 0
}

// ConflictPaths returns the conflicting paths in order.
func (r Result) ConflictPaths() []resource.Path {
	out := make([]resource.Path, 0, len(r.Conflicts))
	for _, d := range r.Conflicts {
		out = append(out, d.Path())
	}
	return out
}

// Collect drains a comparison.
func Collect(seq iter.Seq2[Difference, error]) (Result, error) {
	var r Result
	for d, err := range seq {
		if err != nil {
			return Result{}, err
		}
		switch d.Class {
		case Conflict:
			r.Conflicts = append(r.Conflicts, d.Data)
		case FastForward:
			r.FastForwards = append(r.FastForwards, d.Data)
		case LocalOnly:
			r.LocalOnly = append(r.LocalOnly, d.Data)
		}
	}
	return r, nil
}
