// Package canvas is the data model of a collaborative canvas: document metadata and the
// shape records stored inside an automerge document, plus the helpers that read and
// write them.
package canvas

import (
	"regexp"
	"time"
)

const (
	KeyMeta   = "meta"
	KeyShapes = "shapes"
)

// Shape types understood by the canvas. Other values are stored and relayed untouched.
const (
	TypeRectangle = "rectangle"
	TypeText      = "text"
	TypeMarkdown  = "markdown"
	TypeConnector = "connector"
)

var slugPattern = regexp.MustCompile(`^[a-z0-9-]+$`)

// ValidSlug reports whether s can be used as a document id.
func ValidSlug(s string) bool {
	return slugPattern.MatchString(s)
}

// Meta is set once when the document is created.
type Meta struct {
	Name      string `json:"name"`
	Slug      string `json:"slug"`
	CreatedAt int64  `json:"createdAt"`
}

// Created returns the creation time. CreatedAt is kept in unix milliseconds so that
// browser peers can read it without conversion.
func (m Meta) Created() time.Time {
	return time.UnixMilli(m.CreatedAt)
}

func NewMeta(name, slug string, now time.Time) Meta {
	return Meta{Name: name, Slug: slug, CreatedAt: now.UnixMilli()}
}

// Shape is one visual object on the canvas. Connector shapes reference other shapes by
// id; those references are not validated and may dangle.
type Shape struct {
	Type     string  `json:"type"`
	ID       string  `json:"id"`
	X        float64 `json:"x"`
	Y        float64 `json:"y"`
	Width    float64 `json:"width"`
	Height   float64 `json:"height"`
	Rotation float64 `json:"rotation"`
	Content  string  `json:"content,omitempty"`
	SourceID string  `json:"sourceId,omitempty"`
	TargetID string  `json:"targetId,omitempty"`
}

// Record returns the shape in the form it is stored in the document.
func (s Shape) Record() map[string]any {
	rec := map[string]any{
		"type":     s.Type,
		"id":       s.ID,
		"x":        s.X,
		"y":        s.Y,
		"width":    s.Width,
		"height":   s.Height,
		"rotation": s.Rotation,
	}
	if s.Content != "" {
		rec["content"] = s.Content
	}
	if s.SourceID != "" {
		rec["sourceId"] = s.SourceID
	}
	if s.TargetID != "" {
		rec["targetId"] = s.TargetID
	}
	return rec
}

// Document is a materialized, read-only view of a canvas.
type Document struct {
	Meta   Meta             `json:"meta"`
	Shapes map[string]Shape `json:"shapes"`
}
