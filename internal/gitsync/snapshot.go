package gitsync

import (
	"context"
	"fmt"
	"maps"
	"slices"

	"golang.org/x/sync/errgroup"

	"github.com/dataspecer/dsgit/internal/git"
	"github.com/dataspecer/dsgit/internal/mergestate"
	"github.com/dataspecer/dsgit/internal/resource"
)

const readConcurrency = 8

// snapshot writes the editable tree of a package into repo and returns its tree hash.
func (e *Engine) snapshot(ctx context.Context, repo *git.Repository, rootIRI string, export resource.ExportFormat) (string, error) {
	paths, err := e.resources.List(ctx, rootIRI)
	if err != nil {
		return "", fmt.Errorf("failed to list resources of %s: %w", rootIRI, err)
	}

	contents := make([]resource.Content, len(paths))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(readConcurrency)
	for i, p := range paths {
		g.Go(func() error {
			c, err := e.resources.Read(gctx, rootIRI, p)
			if err != nil {
				return fmt.Errorf("failed to read %s: %w", p, err)
			}
			contents[i] = c
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return "", err
	}

	files := make(map[resource.Path]resource.Content, len(paths))
	for i, p := range paths {
		files[p] = contents[i]
	}

	return overlayTree(repo, "", export, files)
}

// overlayTree applies contents on top of baseTree. Missing contents delete the path.
func overlayTree(repo *git.Repository, baseTree string, export resource.ExportFormat, contents map[resource.Path]resource.Content) (string, error) {
	files, err := repo.ListFiles(baseTree)
	if err != nil {
		return "", err
	}

	for _, p := range slices.Sorted(maps.Keys(contents)) {
		c := contents[p]
		if c.Missing {
			delete(files, string(export.GitPath(p)))
			continue
		}

		gitPath, data, err := export.ToGit(p, c.Data)
		if err != nil {
			return "", fmt.Errorf("failed to export %s: %w", p, err)
		}
		hash, err := repo.WriteBlob(data)
		if err != nil {
			return "", fmt.Errorf("failed to write %s: %w", p, err)
		}
		files[string(gitPath)] = hash
	}

	return repo.BuildTree(files)
}

// outcome returns the value finalize commits for every auto-applied and
// resolved path of m. Paths resolved from the editable side are read now.
func (e *Engine) outcome(ctx context.Context, m *mergestate.MergeState) (map[resource.Path]resource.Content, error) {
	out := make(map[resource.Path]resource.Content, len(m.AutoApplied)+len(m.Conflicts))
	for _, d := range m.AutoApplied {
		out[d.Path()] = d.OtherContent
	}

	for _, c := range m.Conflicts {
		if c.Resolution == nil {
			continue
		}
		switch c.Resolution.Source {
		case mergestate.SourceEditable:
			current, err := e.resources.Read(ctx, m.RootIRI, c.Path())
			if err != nil {
				return nil, fmt.Errorf("failed to read %s: %w", c.Path(), err)
			}
			out[c.Path()] = current
		default:
			out[c.Path()] = c.Resolution.Content
		}
	}
	return out, nil
}

// writeContents updates the resource store. Rewriting an already written value
// is harmless, which makes the step safe to repeat.
func (e *Engine) writeContents(ctx context.Context, rootIRI string, contents map[resource.Path]resource.Content) error {
	for _, p := range slices.Sorted(maps.Keys(contents)) {
		c := contents[p]
		var err error
		if c.Missing {
			err = e.resources.Delete(ctx, rootIRI, p)
		} else {
			err = e.resources.Write(ctx, rootIRI, p, c.Data)
		}
		if err != nil {
			return fmt.Errorf("failed to update %s: %w", p, err)
		}
	}
	return nil
}

func fastForwards(ds []mergestate.ComparisonData) map[resource.Path]resource.Content {
	out := make(map[resource.Path]resource.Content, len(ds))
	for _, d := range ds {
		out[d.Path()] = d.OtherContent
	}
	return out
}

func paths(ds []mergestate.ComparisonData) []resource.Path {
	out := make([]resource.Path, 0, len(ds))
	for _, d := range ds {
		out = append(out, d.Path())
	}
	return out
}
