package resource

import (
	"encoding/json"
)

// Format is the serialization of a resource, inferred from its path.
type Format string

const (
	FormatJSON Format = "json"
	FormatYAML Format = "yaml"
	FormatRDF  Format = "rdf"
	FormatText Format = "text"
)

func FormatOf(p Path) Format {
	switch p.Ext() {
	case ".json", ".jsonld":
		return FormatJSON
	case ".yaml", ".yml":
		return FormatYAML
	case ".ttl", ".nt", ".n3", ".nq":
		return FormatRDF
	default:
		return FormatText
	}
}

// Content is one side of a resource. Missing is set when the resource does not
// exist on that side (never created or deleted).
type Content struct {
	Format  Format
	Data    []byte
	Missing bool
}

func NewContent(p Path, data []byte) Content {
	return Content{Format: FormatOf(p), Data: data}
}

func MissingContent(p Path) Content {
	return Content{Format: FormatOf(p), Missing: true}
}

type contentJSON struct {
	Format  Format  `json:"format"`
	Missing bool    `json:"missing,omitempty"`
	Data    *string `json:"data,omitempty"`
}

func (c Content) MarshalJSON() ([]byte, error) {
	out := contentJSON{Format: c.Format, Missing: c.Missing}
	if !c.Missing {
		data := string(c.Data)
		out.Data = &data
	}
	return json.Marshal(out)
}

func (c *Content) UnmarshalJSON(b []byte) error {
	var in contentJSON
	if err := json.Unmarshal(b, &in); err != nil {
		return err
	}

	c.Format = in.Format
	c.Missing = in.Missing || in.Data == nil
	c.Data = nil
	if in.Data != nil {
		c.Data = []byte(*in.Data)
	}
	return nil
}
