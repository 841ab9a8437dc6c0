// Package mergestate persists in-flight reconciliations between a package's
// editable resource tree and its git branch.
package mergestate

import (
	"fmt"
	"time"

	"github.com/dataspecer/dsgit/internal/errors"
	"github.com/dataspecer/dsgit/internal/resource"
)

// Kind is the reconciliation a merge state belongs to.
type Kind string

const (
	KindPull  Kind = "pull"
	KindPush  Kind = "push"
	KindMerge Kind = "merge"
)

func ParseKind(s string) (Kind, error) {
	switch Kind(s) {
	case KindPull, KindPush, KindMerge:
		return Kind(s), nil
	default:
		return "", errors.ErrValidation.Wrap(fmt.Errorf("unknown merge state kind %q", s))
	}
}

type Status string

const (
	StatusCreated           Status = "created"
	StatusPartiallyResolved Status = "partially-resolved"
	StatusFullyResolved     Status = "fully-resolved"
	StatusFinalizing        Status = "finalizing"
)

// MergeCommitType selects how a merge is recorded on the target branch.
type MergeCommitType string

const (
	MergeCommitTypeMergeCommit MergeCommitType = "merge-commit"
	MergeCommitTypeFastForward MergeCommitType = "fast-forward"
)

func ParseMergeCommitType(s string) (MergeCommitType, error) {
	switch MergeCommitType(s) {
	case "":
		return "", nil
	case MergeCommitTypeMergeCommit, MergeCommitTypeFastForward:
		return MergeCommitType(s), nil
	case "merge":
		return MergeCommitTypeMergeCommit, nil
	case "rebase-commit", "fast-forward-commit", "ff":
		return MergeCommitTypeFastForward, nil
	default:
		return "", errors.ErrValidation.Wrap(fmt.Errorf("unknown merge commit type %q", s))
	}
}

// Stage is the last finalize step that completed. Each stage is written
// before the next step starts, so after a crash the journal tells how far the
// git side effect got.
type Stage string

const (
	StageNone            Stage = ""
	StageCommitCreated   Stage = "commit-created"
	StagePushed          Stage = "pushed"
	StageBranchUpdated   Stage = "branch-updated"
	StageContentWritten  Stage = "content-written"
	StagePointerAdvanced Stage = "pointer-advanced"
)

type AffectedDataStore struct {
	FullPath resource.Path `json:"fullPath"`
}

// ComparisonData describes one path that differs between the other side and
// the editable side. It is never modified once produced.
type ComparisonData struct {
	AffectedDataStore AffectedDataStore   `json:"affectedDataStore"`
	OtherContent      resource.Content    `json:"otherContent"`
	EditableContent   resource.Content    `json:"editableContent"`
	BaseContent       *resource.Content   `json:"baseContent,omitempty"`
	Format            resource.Format     `json:"format"`
	EntityType        resource.EntityType `json:"entityType"`
}

func (c ComparisonData) Path() resource.Path {
	return c.AffectedDataStore.FullPath
}

// ResolutionSource tells finalize where the value of a resolved path comes from.
type ResolutionSource string

const (
	// SourceEditable takes whatever the resource store holds at finalize time.
	SourceEditable ResolutionSource = "editable"
	// SourceContent takes the content recorded with the resolution.
	SourceContent ResolutionSource = "content"
)

type Resolution struct {
	Source      ResolutionSource `json:"source"`
	StrategyKey string           `json:"strategy,omitempty"`
	Content     resource.Content `json:"content"`
}

type Conflict struct {
	ComparisonData
	Resolution *Resolution `json:"resolution,omitempty"`
}

func (c Conflict) Resolved() bool {
	return c.Resolution != nil
}

type MergeState struct {
	UUID                    string                `json:"uuid"`
	Kind                    Kind                  `json:"kind"`
	RootIRI                 string                `json:"rootIri"`
	RootIRIMergeFrom        string                `json:"rootIriMergeFrom,omitempty"`
	BranchMergeFrom         string                `json:"branchMergeFrom,omitempty"`
	BranchMergeTo           string                `json:"branchMergeTo,omitempty"`
	LastCommitHashMergeFrom string                `json:"lastCommitHashMergeFrom"`
	LastCommitHashMergeTo   string                `json:"lastCommitHashMergeTo"`
	CommitMessage           string                `json:"commitMessage,omitempty"`
	ExportFormat            resource.ExportFormat `json:"exportFormat"`
	MergeCommitType         MergeCommitType       `json:"mergeCommitType,omitempty"`

	// Conflicts is the conflict set computed at creation, sorted by path.
	Conflicts []Conflict `json:"conflicts"`
	// AutoApplied holds fast-forward changes from the other side. They are
	// applied by finalize and never appear as conflicts.
	AutoApplied []ComparisonData `json:"autoApplied"`

	FinalizeStage     Stage     `json:"finalizeStage"`
	CreatedCommitHash string    `json:"createdCommitHash,omitempty"`
	LastFailureClass  string    `json:"lastFailureClass,omitempty"`
	LastFailure       string    `json:"lastFailure,omitempty"`
	Finalizing        bool      `json:"finalizing"`
	CreatedAt         time.Time `json:"createdAt"`
	UpdatedAt         time.Time `json:"updatedAt"`
}

// Unresolved returns the conflicts that still need a decision, in path order.
func (m *MergeState) Unresolved() []ComparisonData {
	out := []ComparisonData{}
	for _, c := range m.Conflicts {
		if !c.Resolved() {
			out = append(out, c.ComparisonData)
		}
	}
	return out
}

func (m *MergeState) UnresolvedPaths() []resource.Path {
	out := []resource.Path{}
	for _, c := range m.Conflicts {
		if !c.Resolved() {
			out = append(out, c.Path())
		}
	}
	return out
}

func (m *MergeState) Conflict(p resource.Path) (Conflict, bool) {
	for _, c := range m.Conflicts {
		if c.Path() == p {
			return c, true
		}
	}
	return Conflict{}, false
}

func (m *MergeState) Status() Status {
	if m.Finalizing {
		return StatusFinalizing
	}

	unresolved := len(m.UnresolvedPaths())
	switch {
	case unresolved == 0:
		return StatusFullyResolved
	case unresolved < len(m.Conflicts):
		return StatusPartiallyResolved
	default:
		return StatusCreated
	}
}

// PackageLink binds a package to a branch of a hosted repository. LastCommitHash
// is the last commit the editable tree is known to be based on.
type PackageLink struct {
	RootIRI        string                `json:"rootIri"`
	RepositoryURL  string                `json:"repositoryUrl"`
	Branch         string                `json:"branch"`
	Provider       string                `json:"provider"`
	ExportFormat   resource.ExportFormat `json:"exportFormat"`
	LastCommitHash string                `json:"lastCommitHash"`
	UpdatedAt      time.Time             `json:"updatedAt"`
}
