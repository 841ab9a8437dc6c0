package mergestate

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/dataspecer/dsgit/internal/errors"
	"github.com/dataspecer/dsgit/internal/resource"
)

const linkColumns = `root_iri, repository_url, branch, provider, export_format, last_commit_hash, updated_at`

// UpsertLink creates or replaces the repository link of a package.
func (s *Store) UpsertLink(ctx context.Context, link PackageLink) error {
	if link.ExportFormat == "" {
		link.ExportFormat = resource.ExportJSON
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO packages (`+linkColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(root_iri) DO UPDATE SET
			repository_url = excluded.repository_url,
			branch = excluded.branch,
			provider = excluded.provider,
			export_format = excluded.export_format,
			last_commit_hash = excluded.last_commit_hash,
			updated_at = excluded.updated_at
	`, link.RootIRI, link.RepositoryURL, link.Branch, link.Provider, link.ExportFormat, link.LastCommitHash, millis(s.now()))
	if err != nil {
		return fmt.Errorf("write package link %s: %w", link.RootIRI, err)
	}
	return nil
}

// GetLink returns the link of a package or an ErrNotFound error.
func (s *Store) GetLink(ctx context.Context, rootIRI string) (*PackageLink, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+linkColumns+` FROM packages WHERE root_iri = ?`, rootIRI)
	link, err := scanLink(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errors.ErrNotFound.Wrapf("package %s is not linked to a repository", rootIRI)
	} else if err != nil {
		return nil, fmt.Errorf("read package link %s: %w", rootIRI, err)
	}
	return link, nil
}

func (s *Store) ListLinks(ctx context.Context) ([]*PackageLink, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+linkColumns+` FROM packages ORDER BY root_iri`)
	if err != nil {
		return nil, fmt.Errorf("list package links: %w", err)
	}
	defer rows.Close()

	links := []*PackageLink{}
	for rows.Next() {
		link, err := scanLink(rows)
		if err != nil {
			return nil, fmt.Errorf("scan package link: %w", err)
		}
		links = append(links, link)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list package links: %w", err)
	}
	return links, nil
}

// SetLinkCommit advances the last seen commit of a package.
func (s *Store) SetLinkCommit(ctx context.Context, rootIRI, commitHash string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE packages SET last_commit_hash = ?, updated_at = ? WHERE root_iri = ?
	`, commitHash, millis(s.now()), rootIRI)
	if err != nil {
		return fmt.Errorf("advance pointer of %s: %w", rootIRI, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("advance pointer of %s: %w", rootIRI, err)
	}
	if n == 0 {
		return errors.ErrNotFound.Wrapf("package %s is not linked to a repository", rootIRI)
	}
	return nil
}

func scanLink(row scanner) (*PackageLink, error) {
	var (
		link    PackageLink
		updated int64
	)
	err := row.Scan(&link.RootIRI, &link.RepositoryURL, &link.Branch, &link.Provider, &link.ExportFormat, &link.LastCommitHash, &updated)
	if err != nil {
		return nil, err
	}
	link.UpdatedAt = fromMillis(updated)
	return &link, nil
}
