// Package resolve holds the strategies that pick a value for a conflicting path.
package resolve

import (
	"fmt"
	"slices"

	"github.com/dataspecer/dsgit/internal/errors"
	"github.com/dataspecer/dsgit/internal/mergestate"
	"github.com/dataspecer/dsgit/internal/resource"
)

// Strategy resolves one conflict. Implementations must be pure.
type Strategy interface {
	Key() string
	Label() string
	Resolve(other, editable resource.Content) (resource.Content, error)
}

// BaseAware strategies also see the common ancestor of both sides.
type BaseAware interface {
	Strategy
	ResolveWithBase(base, other, editable resource.Content) (resource.Content, error)
}

const (
	KeyUseOther        = "use-other"
	KeyKeepEditable    = "keep-editable"
	KeyOperationReplay = "operation-replay"
)

type UseOther struct{}

func (UseOther) Key() string   { return KeyUseOther }
func (UseOther) Label() string { return "Use the incoming version" }

func (UseOther) Resolve(other, _ resource.Content) (resource.Content, error) {
	return other, nil
}

type KeepEditable struct{}

func (KeepEditable) Key() string   { return KeyKeepEditable }
func (KeepEditable) Label() string { return "Keep the local version" }

func (KeepEditable) Resolve(_, editable resource.Content) (resource.Content, error) {
	return editable, nil
}

// Info describes a registered strategy.
type Info struct {
	Key       string `json:"key"`
	Label     string `json:"label"`
	BaseAware bool   `json:"baseAware"`
}

// Registry maps stable keys to strategies.
type Registry struct {
	byKey map[string]Strategy
	order []string
}

func NewRegistry(strategies ...Strategy) *Registry {
	r := &Registry{byKey: map[string]Strategy{}}
	for _, s := range strategies {
		r.Register(s)
	}
	return r
}

// Default returns a registry with the built-in strategies.
func Default() *Registry {
	return NewRegistry(UseOther{}, KeepEditable{}, NewReplay())
}

// Register adds s, replacing any strategy with the same key.
func (r *Registry) Register(s Strategy) {
	if _, ok := r.byKey[s.Key()]; !ok {
		r.order = append(r.order, s.Key())
	}
	r.byKey[s.Key()] = s
}

func (r *Registry) Get(key string) (Strategy, error) {
	s, ok := r.byKey[key]
	if !ok {
		return nil, errors.ErrValidation.Wrapf("unknown resolver strategy %q", key)
	}
	return s, nil
}

func (r *Registry) List() []Info {
	out := make([]Info, 0, len(r.order))
	for _, key := range r.order {
		s := r.byKey[key]
		_, baseAware := s.(BaseAware)
		out = append(out, Info{Key: key, Label: s.Label(), BaseAware: baseAware})
	}
	return out
}

// Apply runs the strategy registered under key on every conflict and returns
// the recorded resolutions. Nothing is returned if any conflict fails.
func (r *Registry) Apply(key string, conflicts []mergestate.ComparisonData) (map[resource.Path]mergestate.Resolution, error) {
	s, err := r.Get(key)
	if err != nil {
		return nil, err
	}

	out := make(map[resource.Path]mergestate.Resolution, len(conflicts))
	for _, d := range conflicts {
		var c resource.Content
		if ba, ok := s.(BaseAware); ok && d.BaseContent != nil {
			c, err = ba.ResolveWithBase(*d.BaseContent, d.OtherContent, d.EditableContent)
		} else {
			c, err = s.Resolve(d.OtherContent, d.EditableContent)
		}
		if err != nil {
			return nil, fmt.Errorf("%s on %s: %w", key, d.Path(), err)
		}

		out[d.Path()] = mergestate.Resolution{
			Source:      mergestate.SourceContent,
			StrategyKey: key,
			Content:     c,
		}
	}
	return out, nil
}

// Keys returns the registered keys in registration order.
func (r *Registry) Keys() []string {
	return slices.Clone(r.order)
}
