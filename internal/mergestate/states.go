package mergestate

import (
	"context"
	"database/sql"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/samber/lo"

	"github.com/dataspecer/dsgit/internal/errors"
	"github.com/dataspecer/dsgit/internal/resource"
)

const stateColumns = `uuid, kind, root_iri, root_iri_merge_from, branch_merge_from, branch_merge_to,
	last_commit_hash_merge_from, last_commit_hash_merge_to, commit_message, export_format,
	merge_commit_type, finalize_stage, created_commit_hash, last_failure_class, last_failure,
	finalizing_since, created_at, updated_at`

const entryColumns = `path, is_conflict, format, entity_type,
	other_data, other_missing, editable_data, editable_missing,
	has_base, base_data, base_missing,
	resolution_source, resolution_strategy, resolution_data, resolution_missing`

// Create persists a new merge state. A UUIDv7 is assigned when state.UUID is
// empty. Conflicts are stored in path order.
func (s *Store) Create(ctx context.Context, state MergeState) (*MergeState, error) {
	if state.UUID == "" {
		id, err := uuid.NewV7()
		if err != nil {
			return nil, fmt.Errorf("generate merge state id: %w", err)
		}
		state.UUID = id.String()
	}
	if _, err := ParseKind(string(state.Kind)); err != nil {
		return nil, err
	}
	if state.ExportFormat == "" {
		state.ExportFormat = resource.ExportJSON
	}

	now := s.now().UTC().Truncate(time.Millisecond)
	state.CreatedAt, state.UpdatedAt = now, now
	state.FinalizeStage, state.CreatedCommitHash = StageNone, ""
	state.LastFailureClass, state.LastFailure = "", ""
	state.Finalizing = false
	state.Conflicts = slices.Clone(state.Conflicts)
	state.AutoApplied = slices.Clone(state.AutoApplied)
	slices.SortFunc(state.Conflicts, func(a, b Conflict) int {
		return strings.Compare(string(a.Path()), string(b.Path()))
	})
	slices.SortFunc(state.AutoApplied, func(a, b ComparisonData) int {
		return strings.Compare(string(a.Path()), string(b.Path()))
	})
	if state.Conflicts == nil {
		state.Conflicts = []Conflict{}
	}
	if state.AutoApplied == nil {
		state.AutoApplied = []ComparisonData{}
	}

	err := s.withTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO merge_states (`+stateColumns+`)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, NULL, ?, ?)
		`,
			state.UUID, state.Kind, state.RootIRI, state.RootIRIMergeFrom, state.BranchMergeFrom, state.BranchMergeTo,
			state.LastCommitHashMergeFrom, state.LastCommitHashMergeTo, state.CommitMessage, state.ExportFormat,
			state.MergeCommitType, state.FinalizeStage, state.CreatedCommitHash, state.LastFailureClass, state.LastFailure,
			millis(state.CreatedAt), millis(state.UpdatedAt),
		)
		if err != nil {
			return fmt.Errorf("write merge state: %w", err)
		}

		for _, c := range state.Conflicts {
			if err := insertEntry(ctx, tx, state.UUID, true, c.ComparisonData, c.Resolution); err != nil {
				return err
			}
		}
		for _, d := range state.AutoApplied {
			if err := insertEntry(ctx, tx, state.UUID, false, d, nil); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	return &state, nil
}

func insertEntry(ctx context.Context, tx *sql.Tx, id string, conflict bool, d ComparisonData, r *Resolution) error {
	base := resource.Content{Missing: true}
	if d.BaseContent != nil {
		base = *d.BaseContent
	}
	res := Resolution{}
	if r != nil {
		res = *r
	}

	_, err := tx.ExecContext(ctx, `
		INSERT INTO merge_entries (uuid, `+entryColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		id, d.Path(), boolInt(conflict), d.Format, d.EntityType,
		blob(d.OtherContent), boolInt(d.OtherContent.Missing),
		blob(d.EditableContent), boolInt(d.EditableContent.Missing),
		boolInt(d.BaseContent != nil), blob(base), boolInt(base.Missing),
		res.Source, res.StrategyKey, blob(res.Content), boolInt(res.Content.Missing),
	)
	if err != nil {
		return fmt.Errorf("write merge entry %s: %w", d.Path(), err)
	}
	return nil
}

func blob(c resource.Content) []byte {
	if c.Missing {
		return nil
	}
	if c.Data == nil {
		return []byte{}
	}
	return c.Data
}

// Get returns the merge state with the given uuid or an ErrNotFound error.
func (s *Store) Get(ctx context.Context, id string) (*MergeState, error) {
	return s.get(ctx, s.db, id)
}

func (s *Store) get(ctx context.Context, q querier, id string) (*MergeState, error) {
	row := q.QueryRowContext(ctx, `SELECT `+stateColumns+` FROM merge_states WHERE uuid = ?`, id)
	m, err := s.scanState(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errors.ErrNotFound.Wrapf("merge state %s does not exist", id)
	} else if err != nil {
		return nil, fmt.Errorf("read merge state %s: %w", id, err)
	}

	if err := loadEntries(ctx, q, m); err != nil {
		return nil, err
	}
	return m, nil
}

// List returns the merge states of a package, or every merge state when
// rootIRI is empty, oldest first.
func (s *Store) List(ctx context.Context, rootIRI string) ([]*MergeState, error) {
	query := `SELECT ` + stateColumns + ` FROM merge_states`
	args := []any{}
	if rootIRI != "" {
		query += ` WHERE root_iri = ?`
		args = append(args, rootIRI)
	}
	query += ` ORDER BY created_at, uuid`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list merge states: %w", err)
	}

	states := []*MergeState{}
	for rows.Next() {
		m, err := s.scanState(rows)
		if err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan merge state: %w", err)
		}
		states = append(states, m)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, fmt.Errorf("list merge states: %w", err)
	}
	rows.Close()

	for _, m := range states {
		if err := loadEntries(ctx, s.db, m); err != nil {
			return nil, err
		}
	}
	return states, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func (s *Store) scanState(row scanner) (*MergeState, error) {
	var (
		m                MergeState
		since            sql.NullInt64
		created, updated int64
	)
	err := row.Scan(
		&m.UUID, &m.Kind, &m.RootIRI, &m.RootIRIMergeFrom, &m.BranchMergeFrom, &m.BranchMergeTo,
		&m.LastCommitHashMergeFrom, &m.LastCommitHashMergeTo, &m.CommitMessage, &m.ExportFormat,
		&m.MergeCommitType, &m.FinalizeStage, &m.CreatedCommitHash, &m.LastFailureClass, &m.LastFailure,
		&since, &created, &updated,
	)
	if err != nil {
		return nil, err
	}

	m.CreatedAt = fromMillis(created)
	m.UpdatedAt = fromMillis(updated)
	m.Finalizing = s.claimed(since)
	m.Conflicts = []Conflict{}
	m.AutoApplied = []ComparisonData{}
	return &m, nil
}

func (s *Store) claimed(since sql.NullInt64) bool {
	return since.Valid && s.now().Sub(fromMillis(since.Int64)) < s.lease
}

func loadEntries(ctx context.Context, q querier, m *MergeState) error {
	rows, err := q.QueryContext(ctx, `SELECT `+entryColumns+` FROM merge_entries WHERE uuid = ? ORDER BY path`, m.UUID)
	if err != nil {
		return fmt.Errorf("read merge entries of %s: %w", m.UUID, err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			d                                          ComparisonData
			conflict, hasBase                          bool
			other, editable, base, resolved            []byte
			otherMissing, editableMissing, baseMissing bool
			resolvedMissing                            bool
			source, strategy                           string
		)
		err := rows.Scan(
			&d.AffectedDataStore.FullPath, &conflict, &d.Format, &d.EntityType,
			&other, &otherMissing, &editable, &editableMissing,
			&hasBase, &base, &baseMissing,
			&source, &strategy, &resolved, &resolvedMissing,
		)
		if err != nil {
			return fmt.Errorf("scan merge entry of %s: %w", m.UUID, err)
		}

		d.OtherContent = content(d.Format, other, otherMissing)
		d.EditableContent = content(d.Format, editable, editableMissing)
		if hasBase {
			d.BaseContent = lo.ToPtr(content(d.Format, base, baseMissing))
		}

		if !conflict {
			m.AutoApplied = append(m.AutoApplied, d)
			continue
		}

		c := Conflict{ComparisonData: d}
		if source != "" {
			c.Resolution = &Resolution{
				Source:      ResolutionSource(source),
				StrategyKey: strategy,
				Content:     content(d.Format, resolved, resolvedMissing),
			}
		}
		m.Conflicts = append(m.Conflicts, c)
	}

	if err := rows.Err(); err != nil {
		return fmt.Errorf("read merge entries of %s: %w", m.UUID, err)
	}
	return nil
}

func content(f resource.Format, data []byte, missing bool) resource.Content {
	if missing {
		return resource.Content{Format: f, Missing: true}
	}
	if data == nil {
		data = []byte{}
	}
	return resource.Content{Format: f, Data: data}
}

// Update removes paths from the unresolved set. The value committed for a
// removed path is the editable content at finalize time. Paths that are not
// conflicts of the state or are already resolved are ignored, so repeating a
// call is a no-op.
func (s *Store) Update(ctx context.Context, id string, removePaths []resource.Path) (*MergeState, error) {
	var out *MergeState
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		if err := s.checkMutable(ctx, tx, id); err != nil {
			return err
		}

		for _, p := range lo.Uniq(removePaths) {
			_, err := tx.ExecContext(ctx, `
				UPDATE merge_entries
				SET resolution_source = ?, resolution_strategy = '', resolution_data = NULL, resolution_missing = 0
				WHERE uuid = ? AND path = ? AND is_conflict = 1 AND resolution_source = ''
			`, SourceEditable, id, p)
			if err != nil {
				return fmt.Errorf("resolve %s: %w", p, err)
			}
		}

		if err := s.touch(ctx, tx, id); err != nil {
			return err
		}

		m, err := s.get(ctx, tx, id)
		out = m
		return err
	})
	return out, err
}

// Resolve records a resolution for each given conflict path. It fails without
// changing anything when one of the paths is not a conflict of the state.
func (s *Store) Resolve(ctx context.Context, id string, resolutions map[resource.Path]Resolution) (*MergeState, error) {
	var out *MergeState
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		if err := s.checkMutable(ctx, tx, id); err != nil {
			return err
		}

		for _, p := range lo.Keys(resolutions) {
			r := resolutions[p]
			if r.Source == "" {
				r.Source = SourceContent
			}
			res, err := tx.ExecContext(ctx, `
				UPDATE merge_entries
				SET resolution_source = ?, resolution_strategy = ?, resolution_data = ?, resolution_missing = ?
				WHERE uuid = ? AND path = ? AND is_conflict = 1
			`, r.Source, r.StrategyKey, blob(r.Content), boolInt(r.Content.Missing), id, p)
			if err != nil {
				return fmt.Errorf("resolve %s: %w", p, err)
			}
			if n, err := res.RowsAffected(); err != nil {
				return fmt.Errorf("resolve %s: %w", p, err)
			} else if n == 0 {
				return errors.ErrValidation.Wrapf("%s is not a conflict of merge state %s", p, id)
			}
		}

		if err := s.touch(ctx, tx, id); err != nil {
			return err
		}

		m, err := s.get(ctx, tx, id)
		out = m
		return err
	})
	return out, err
}

func (s *Store) checkMutable(ctx context.Context, tx *sql.Tx, id string) error {
	var since sql.NullInt64
	err := tx.QueryRowContext(ctx, `SELECT finalizing_since FROM merge_states WHERE uuid = ?`, id).Scan(&since)
	if errors.Is(err, sql.ErrNoRows) {
		return errors.ErrNotFound.Wrapf("merge state %s does not exist", id)
	} else if err != nil {
		return fmt.Errorf("read merge state %s: %w", id, err)
	}
	if s.claimed(since) {
		return errors.ErrFinalizeInProgress.Wrapf("merge state %s", id)
	}
	return nil
}

func (s *Store) touch(ctx context.Context, tx *sql.Tx, id string) error {
	if _, err := tx.ExecContext(ctx, `UPDATE merge_states SET updated_at = ? WHERE uuid = ?`, millis(s.now()), id); err != nil {
		return fmt.Errorf("touch merge state %s: %w", id, err)
	}
	return nil
}

// Claim marks the state as being finalized. Only one claim can be held at a
// time; a second claim fails with ErrFinalizeInProgress until Release is
// called or the lease expires.
func (s *Store) Claim(ctx context.Context, id string) (*MergeState, error) {
	var out *MergeState
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		now := s.now()
		res, err := tx.ExecContext(ctx, `
			UPDATE merge_states
			SET finalizing_since = ?, updated_at = ?
			WHERE uuid = ? AND (finalizing_since IS NULL OR finalizing_since <= ?)
		`, millis(now), millis(now), id, millis(now.Add(-s.lease)))
		if err != nil {
			return fmt.Errorf("claim merge state %s: %w", id, err)
		}

		n, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("claim merge state %s: %w", id, err)
		}
		if n == 0 {
			if _, err := s.get(ctx, tx, id); err != nil {
				return err
			}
			return errors.ErrFinalizeInProgress.Wrapf("merge state %s", id)
		}

		m, err := s.get(ctx, tx, id)
		out = m
		return err
	})
	return out, err
}

// Release drops a claim. Releasing a deleted state is not an error.
func (s *Store) Release(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE merge_states SET finalizing_since = NULL WHERE uuid = ?`, id)
	if err != nil {
		return fmt.Errorf("release merge state %s: %w", id, err)
	}
	return nil
}

// SetStage journals a completed finalize step. An empty createdCommitHash
// keeps the hash recorded by an earlier step.
func (s *Store) SetStage(ctx context.Context, id string, stage Stage, createdCommitHash string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE merge_states
		SET finalize_stage = ?, created_commit_hash = COALESCE(NULLIF(?, ''), created_commit_hash), updated_at = ?
		WHERE uuid = ?
	`, stage, createdCommitHash, millis(s.now()), id)
	if err != nil {
		return fmt.Errorf("journal stage %s of %s: %w", stage, id, err)
	}
	return requireRow(res, id)
}

// RecordFailure stores the class and message of the last failed finalize.
func (s *Store) RecordFailure(ctx context.Context, id, class, message string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE merge_states SET last_failure_class = ?, last_failure = ?, updated_at = ? WHERE uuid = ?
	`, class, message, millis(s.now()), id)
	if err != nil {
		return fmt.Errorf("record failure of %s: %w", id, err)
	}
	return requireRow(res, id)
}

// Delete removes the state and all of its entries.
func (s *Store) Delete(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM merge_states WHERE uuid = ?`, id)
	if err != nil {
		return fmt.Errorf("delete merge state %s: %w", id, err)
	}
	return requireRow(res, id)
}

// CompleteWithPointer advances the package's last seen commit and deletes the
// merge state in one transaction.
func (s *Store) CompleteWithPointer(ctx context.Context, id, rootIRI, commitHash string) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
			UPDATE packages SET last_commit_hash = ?, updated_at = ? WHERE root_iri = ?
		`, commitHash, millis(s.now()), rootIRI)
		if err != nil {
			return fmt.Errorf("advance pointer of %s: %w", rootIRI, err)
		}
		if n, err := res.RowsAffected(); err != nil {
			return fmt.Errorf("advance pointer of %s: %w", rootIRI, err)
		} else if n == 0 {
			return errors.ErrNotFound.Wrapf("package %s is not linked to a repository", rootIRI)
		}

		res, err = tx.ExecContext(ctx, `DELETE FROM merge_states WHERE uuid = ?`, id)
		if err != nil {
			return fmt.Errorf("delete merge state %s: %w", id, err)
		}
		return requireRow(res, id)
	})
}

func requireRow(res sql.Result, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("merge state %s: %w", id, err)
	}
	if n == 0 {
		return errors.ErrNotFound.Wrapf("merge state %s does not exist", id)
	}
	return nil
}
