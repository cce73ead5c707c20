package store

import (
	"sync"

	"github.com/automerge/automerge-go"

	"github.com/Jeff-Emmett/rspace-online/pkg/canvas"
)

// Document is a resident replica. All access to the underlying automerge document goes
// through its mutex.
type Document struct {
	id      string
	mu      sync.Mutex
	doc     *automerge.Doc
	writeMu sync.Mutex
}

func newDocument(id string, doc *automerge.Doc) *Document {
	return &Document{id: id, doc: doc}
}

func (d *Document) ID() string {
	return d.id
}

func (d *Document) Meta() (canvas.Meta, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return canvas.ReadMeta(d.doc)
}

func (d *Document) Snapshot() (canvas.Document, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return canvas.Read(d.doc)
}

func (d *Document) Save() []byte {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.doc.Save()
}

// Fork returns an independent copy that can be read without holding the document.
func (d *Document) Fork() (*automerge.Doc, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.doc.Fork()
}
