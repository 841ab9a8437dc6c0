package resolve

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/epiclabs-io/diff3"
	"gopkg.in/yaml.v3"

	"github.com/dataspecer/dsgit/internal/errors"
	"github.com/dataspecer/dsgit/internal/resource"
)

// Replay re-applies the local edit on top of the incoming version with a
// line based 3-way merge. It only succeeds when the two edits do not overlap.
type Replay struct{}

func NewReplay() *Replay {
	return &Replay{}
}

func (*Replay) Key() string   { return KeyOperationReplay }
func (*Replay) Label() string { return "Replay local changes on the incoming version" }

func (*Replay) Resolve(_, _ resource.Content) (resource.Content, error) {
	return resource.Content{}, errors.ErrStrategyNotApplicable.Wrapf("no common ancestor to replay from")
}

func (r *Replay) ResolveWithBase(base, other, editable resource.Content) (resource.Content, error) {
	switch {
	case base.Missing:
		return resource.Content{}, errors.ErrStrategyNotApplicable.Wrapf("resource was created on both sides")
	case other.Missing || editable.Missing:
		return resource.Content{}, errors.ErrStrategyNotApplicable.Wrapf("resource was deleted on one side")
	}

	// one side unchanged: the other side's edit is the whole replay
	if bytes.Equal(editable.Data, base.Data) {
		return other, nil
	}
	if bytes.Equal(other.Data, base.Data) {
		return editable, nil
	}

	result, err := diff3.Merge(
		strings.NewReader(string(editable.Data)),
		strings.NewReader(string(base.Data)),
		strings.NewReader(string(other.Data)),
		true,
		"EDITABLE",
		"OTHER",
	)
	if err != nil {
		return resource.Content{}, fmt.Errorf("diff3 merge failed: %w", err)
	}
	if result.Conflicts {
		return resource.Content{}, errors.ErrStrategyNotApplicable.Wrapf("local and incoming edits overlap")
	}

	merged, err := io.ReadAll(result.Result)
	if err != nil {
		return resource.Content{}, fmt.Errorf("failed to read merge result: %w", err)
	}

	if !wellFormed(other.Format, merged) {
		return resource.Content{}, errors.ErrStrategyNotApplicable.Wrapf("replayed %s document does not parse", other.Format)
	}

	return resource.Content{Format: other.Format, Data: merged}, nil
}

func wellFormed(f resource.Format, data []byte) bool {
	var v any
	switch f {
	case resource.FormatJSON:
		return json.Unmarshal(data, &v) == nil
	case resource.FormatYAML:
		return yaml.Unmarshal(data, &v) == nil
	default:
		return true
	}
}
