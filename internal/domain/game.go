package domain

import (
	"bytes"
	"encoding/json"
	"time"
)

// AttributeType is the declared kind of a template attribute
type AttributeType string

const (
	AttributeInt    AttributeType = "int"
	AttributeFloat  AttributeType = "float"
	AttributeString AttributeType = "string"
)

// IsNumeric reports whether values of this type take part in the hidden score
func (t AttributeType) IsNumeric() bool {
	return t == AttributeInt || t == AttributeFloat
}

// Valid reports whether t is one of the supported kinds
func (t AttributeType) Valid() bool {
	return t.IsNumeric() || t == AttributeString
}

// AttributeSpec describes one scoring attribute of a template
type AttributeSpec struct {
	Name   string        `json:"name"`
	Weight float64       `json:"weight"`
	Type   AttributeType `json:"type"`
}

// Scored reports whether the attribute contributes to the hidden score
func (a AttributeSpec) Scored() bool {
	return a.Type.IsNumeric() && a.Weight > 0
}

// Template is the validated, immutable scoring rule of a game.
// Attributes keep the order in which they were declared; that order is
// also the summation order of the hidden score.
type Template struct {
	Attributes      []AttributeSpec
	KeepLowerScores bool
	AllowTies       bool

	index map[string]int
}

// NewTemplate builds a template from already validated attributes
func NewTemplate(attrs []AttributeSpec, keepLower, allowTies bool) *Template {
	t := &Template{
		Attributes:      attrs,
		KeepLowerScores: keepLower,
		AllowTies:       allowTies,
		index:           make(map[string]int, len(attrs)),
	}
	for i, a := range attrs {
		t.index[a.Name] = i
	}
	return t
}

// Attribute looks up an attribute by name
func (t *Template) Attribute(name string) (AttributeSpec, bool) {
	i, ok := t.index[name]
	if !ok {
		return AttributeSpec{}, false
	}
	return t.Attributes[i], true
}

// Better reports whether candidate strictly beats current under this template
func (t *Template) Better(candidate, current float64) bool {
	if t.KeepLowerScores {
		return candidate < current
	}
	return candidate > current
}

// MarshalJSON renders the template in its configuration form, keeping the
// declaration order of the attributes.
func (t *Template) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteString(`{"attributes":{`)
	for i, a := range t.Attributes {
		if i > 0 {
			buf.WriteByte(',')
		}
		name, err := json.Marshal(a.Name)
		if err != nil {
			return nil, err
		}
		spec, err := json.Marshal(struct {
			Weight float64       `json:"weight"`
			Type   AttributeType `json:"type"`
		}{a.Weight, a.Type})
		if err != nil {
			return nil, err
		}
		buf.Write(name)
		buf.WriteByte(':')
		buf.Write(spec)
	}
	buf.WriteString(`},"keep_lower_scores":`)
	buf.WriteString(boolString(t.KeepLowerScores))
	buf.WriteString(`,"allow_ties":`)
	buf.WriteString(boolString(t.AllowTies))
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

func boolString(b bool) string {
	if b {
		return "true"
	}
	return "false"
}

// Game represents a game and its scoring template
type Game struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Template  *Template `json:"config"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// CreateGameRequest represents a request to create a new game
type CreateGameRequest struct {
	ID     string          `json:"id"`
	Name   string          `json:"name"`
	Config json.RawMessage `json:"config"`
}

// UpdateGameRequest replaces a game's template and optionally renames it
type UpdateGameRequest struct {
	Name   *string         `json:"name,omitempty"`
	Config json.RawMessage `json:"config"`
}
