package canvas

import (
	"errors"
	"fmt"

	"github.com/automerge/automerge-go"
)

var (
	ErrNoMeta    = errors.New("document has no meta")
	ErrShapeID   = errors.New("shape has no id")
	ErrNotCanvas = errors.New("document is not a canvas")
)

// Init writes the initial meta and shapes of a fresh document. Callers commit the
// result as a single change so that no reader ever sees one without the other.
func Init(doc *automerge.Doc, meta Meta, shapes map[string]any) error {
	if shapes == nil {
		shapes = map[string]any{}
	}
	if err := doc.Path(KeyMeta).Set(map[string]any{
		"name":      meta.Name,
		"slug":      meta.Slug,
		"createdAt": meta.CreatedAt,
	}); err != nil {
		return fmt.Errorf("failed to set meta: %w", err)
	}
	if err := doc.Path(KeyShapes).Set(shapes); err != nil {
		return fmt.Errorf("failed to set shapes: %w", err)
	}
	return nil
}

// PutShape replaces the whole record stored under s.ID.
func PutShape(doc *automerge.Doc, s Shape) error {
	if s.ID == "" {
		return ErrShapeID
	}
	if err := doc.Path(KeyShapes, s.ID).Set(s.Record()); err != nil {
		return fmt.Errorf("failed to put shape %s: %w", s.ID, err)
	}
	return nil
}

func DeleteShape(doc *automerge.Doc, id string) error {
	if err := doc.Path(KeyShapes, id).Delete(); err != nil {
		return fmt.Errorf("failed to delete shape %s: %w", id, err)
	}
	return nil
}

func ReadMeta(doc *automerge.Doc) (Meta, error) {
	v, err := doc.Path(KeyMeta).Get()
	if err != nil {
		return Meta{}, fmt.Errorf("failed to get meta: %w", err)
	}
	if v.Kind() != automerge.KindMap {
		return Meta{}, ErrNoMeta
	}
	m := v.Map()
	return Meta{
		Name:      str(field(m, "name")),
		Slug:      str(field(m, "slug")),
		CreatedAt: integer(field(m, "createdAt")),
	}, nil
}

// ReadShapes materializes every shape record. Entries that are not maps are skipped.
func ReadShapes(doc *automerge.Doc) (map[string]Shape, error) {
	out := make(map[string]Shape)
	v, err := doc.Path(KeyShapes).Get()
	if err != nil {
		return nil, fmt.Errorf("failed to get shapes: %w", err)
	}
	switch v.Kind() {
	case automerge.KindVoid:
		return out, nil
	case automerge.KindMap:
	default:
		return nil, ErrNotCanvas
	}
	shapes := v.Map()
	keys, err := shapes.Keys()
	if err != nil {
		return nil, fmt.Errorf("failed to list shapes: %w", err)
	}
	for _, k := range keys {
		rv := field(shapes, k)
		if rv == nil || rv.Kind() != automerge.KindMap {
			continue
		}
		rec := rv.Map()
		s := Shape{
			Type:     str(field(rec, "type")),
			ID:       str(field(rec, "id")),
			X:        number(field(rec, "x")),
			Y:        number(field(rec, "y")),
			Width:    number(field(rec, "width")),
			Height:   number(field(rec, "height")),
			Rotation: number(field(rec, "rotation")),
			Content:  str(field(rec, "content")),
			SourceID: str(field(rec, "sourceId")),
			TargetID: str(field(rec, "targetId")),
		}
		if s.ID == "" {
			s.ID = k
		}
		out[k] = s
	}
	return out, nil
}

func Read(doc *automerge.Doc) (Document, error) {
	meta, err := ReadMeta(doc)
	if err != nil {
		return Document{}, err
	}
	shapes, err := ReadShapes(doc)
	if err != nil {
		return Document{}, err
	}
	return Document{Meta: meta, Shapes: shapes}, nil
}

func field(m *automerge.Map, key string) *automerge.Value {
	v, err := m.Get(key)
	if err != nil {
		return nil
	}
	return v
}

func str(v *automerge.Value) string {
	if v == nil || v.Kind() != automerge.KindStr {
		return ""
	}
	return v.Str()
}

// number accepts every numeric encoding: browser peers store integral numbers as ints.
func number(v *automerge.Value) float64 {
	if v == nil {
		return 0
	}
	switch v.Kind() {
	case automerge.KindFloat64:
		return v.Float64()
	case automerge.KindInt64:
		return float64(v.Int64())
	case automerge.KindUint64:
		return float64(v.Uint64())
	}
	return 0
}

func integer(v *automerge.Value) int64 {
	if v == nil {
		return 0
	}
	switch v.Kind() {
	case automerge.KindInt64:
		return v.Int64()
	case automerge.KindUint64:
		return int64(v.Uint64())
	case automerge.KindFloat64:
		return int64(v.Float64())
	case automerge.KindTime:
		return v.Time().UnixMilli()
	}
	return 0
}
