// Package peers tracks, per document and connected peer, the automerge sync state that
// records what that peer is known to have.
package peers

import (
	"sort"
	"sync"
	"time"

	"github.com/automerge/automerge-go"
)

// State is one peer's exchange cursor against one document. Cursor is only touched while
// the document is held exclusively.
type State struct {
	PeerID       string
	Cursor       *automerge.SyncState
	LastActivity time.Time
}

type Table struct {
	mu   sync.RWMutex
	docs map[string]map[string]*State
	now  func() time.Time
}

func NewTable() *Table {
	return &Table{docs: make(map[string]map[string]*State), now: time.Now}
}

// Get returns the peer's state, creating one with an empty cursor on first reference,
// and refreshes its activity time.
func (t *Table) Get(docID, peerID string, doc *automerge.Doc) *State {
	t.mu.Lock()
	defer t.mu.Unlock()
	byPeer, ok := t.docs[docID]
	if !ok {
		byPeer = make(map[string]*State)
		t.docs[docID] = byPeer
	}
	st, ok := byPeer[peerID]
	if !ok {
		st = &State{PeerID: peerID, Cursor: automerge.NewSyncState(doc)}
		byPeer[peerID] = st
	}
	st.LastActivity = t.now()
	return st
}

// Lookup returns the peer's state without creating it or touching its activity time.
func (t *Table) Lookup(docID, peerID string) (*State, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	st, ok := t.docs[docID][peerID]
	return st, ok
}

// Touch refreshes the activity time of an existing peer. Traffic that never reaches the
// sync cursor, like presence and pings, still counts as activity.
func (t *Table) Touch(docID, peerID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	st, ok := t.docs[docID][peerID]
	if ok {
		st.LastActivity = t.now()
	}
	return ok
}

// Remove deletes the peer's state and drops the document's collection once it is empty.
func (t *Table) Remove(docID, peerID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	byPeer, ok := t.docs[docID]
	if !ok {
		return false
	}
	if _, ok := byPeer[peerID]; !ok {
		return false
	}
	delete(byPeer, peerID)
	if len(byPeer) == 0 {
		delete(t.docs, docID)
	}
	return true
}

func (t *Table) PeersOf(docID string) []string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]string, 0, len(t.docs[docID]))
	for id := range t.docs[docID] {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

func (t *Table) Len(docID string) int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.docs[docID])
}

func (t *Table) Documents() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.docs)
}

// Idle lists, per document, the peers whose last activity is older than d.
func (t *Table) Idle(d time.Duration) map[string][]string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	cutoff := t.now().Add(-d)
	out := make(map[string][]string)
	for docID, byPeer := range t.docs {
		for peerID, st := range byPeer {
			if st.LastActivity.Before(cutoff) {
				out[docID] = append(out[docID], peerID)
			}
		}
	}
	for _, ids := range out {
		sort.Strings(ids)
	}
	return out
}
