// Package reconcile merges peer deltas into the canonical replica of a document and
// works out which deltas every connected peer needs next.
//
// The exchange follows the automerge sync protocol: each peer has a cursor
// (automerge.SyncState) against the canonical document; a received message is merged
// through the sender's cursor, after which the sender gets a reply and, when the
// document actually changed, every other peer gets a catch-up message generated through
// its own cursor. Convergence comes from the merge library; this package only drives
// merge and generation in the right order.
package reconcile

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/automerge/automerge-go"

	"github.com/Jeff-Emmett/rspace-online/pkg/peers"
)

var ErrMalformedDelta = errors.New("malformed sync message")

// Documents gives exclusive access to resident replicas.
type Documents interface {
	WithDocument(id string, fn func(doc *automerge.Doc) error) error
	MarkDirty(id string)
}

// Outbox is handed every generated delta while the document is still held, so each peer
// sees deltas in the order they were generated.
type Outbox interface {
	DeliverSync(docID, peerID string, delta []byte)
}

type Engine struct {
	docs   Documents
	peers  *peers.Table
	outbox Outbox
}

// New builds an engine. outbox may be nil, in which case callers deliver the returned
// deltas themselves.
func New(docs Documents, table *peers.Table, outbox Outbox) *Engine {
	return &Engine{docs: docs, peers: table, outbox: outbox}
}

func (e *Engine) Peers() *peers.Table {
	return e.peers
}

// Result describes one received delta. Reply and Fanout entries are nil when there was
// nothing to send.
type Result struct {
	Reply      []byte
	Fanout     map[string][]byte
	NewChanges []automerge.ChangeHash
}

func (r Result) Changed() bool {
	return len(r.NewChanges) > 0
}

// GenerateSync returns the first message for a peer. A fresh cursor produces a message
// that lets the peer request everything it is missing.
func (e *Engine) GenerateSync(docID, peerID string) ([]byte, error) {
	var out []byte
	err := e.docs.WithDocument(docID, func(doc *automerge.Doc) error {
		st := e.peers.Get(docID, peerID, doc)
		out = next(st.Cursor)
		e.deliver(docID, peerID, out)
		return nil
	})
	return out, err
}

func (e *Engine) Receive(docID, peerID string, delta []byte) (Result, error) {
	var res Result
	err := e.docs.WithDocument(docID, func(doc *automerge.Doc) error {
		st := e.peers.Get(docID, peerID, doc)
		before := doc.Heads()
		if _, err := st.Cursor.ReceiveMessage(delta); err != nil {
			return fmt.Errorf("%w: %w", ErrMalformedDelta, err)
		}
		res.NewChanges = newChanges(doc, before)
		if res.Changed() {
			e.docs.MarkDirty(docID)
		}

		res.Reply = next(st.Cursor)
		e.deliver(docID, peerID, res.Reply)

		if !res.Changed() {
			return nil
		}
		res.Fanout = make(map[string][]byte)
		for _, other := range e.peers.PeersOf(docID) {
			if other == peerID {
				continue
			}
			ost, ok := e.peers.Lookup(docID, other)
			if !ok {
				continue
			}
			msg := next(ost.Cursor)
			res.Fanout[other] = msg
			e.deliver(docID, other, msg)
		}
		return nil
	})
	if err != nil {
		return Result{}, err
	}
	if res.Changed() {
		slog.Debug("merged delta", "doc", docID, "peer", peerID, "changes", len(res.NewChanges), "fanout", len(res.Fanout))
	}
	return res, nil
}

// Disconnect forgets the peer's cursor. A reconnecting peer starts from an empty one.
func (e *Engine) Disconnect(docID, peerID string) bool {
	return e.peers.Remove(docID, peerID)
}

func (e *Engine) deliver(docID, peerID string, msg []byte) {
	if e.outbox == nil || msg == nil {
		return
	}
	e.outbox.DeliverSync(docID, peerID, msg)
}

func next(ss *automerge.SyncState) []byte {
	if msg, valid := ss.GenerateMessage(); valid && msg != nil {
		return msg.Bytes()
	}
	return nil
}

// newChanges lists the changes merged since before, or nil when the heads did not move.
func newChanges(doc *automerge.Doc, before []automerge.ChangeHash) []automerge.ChangeHash {
	after := doc.Heads()
	if sameHeads(before, after) {
		return nil
	}
	changes, err := doc.Changes(before...)
	if err != nil || len(changes) == 0 {
		return after
	}
	hashes := make([]automerge.ChangeHash, len(changes))
	for i, c := range changes {
		hashes[i] = c.Hash()
	}
	return hashes
}

func sameHeads(a, b []automerge.ChangeHash) bool {
	if len(a) != len(b) {
		return false
	}
	set := make(map[automerge.ChangeHash]bool, len(a))
	for _, h := range a {
		set[h] = true
	}
	for _, h := range b {
		if !set[h] {
			return false
		}
	}
	return true
}
