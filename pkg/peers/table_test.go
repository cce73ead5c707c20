package peers

import (
	"testing"
	"time"

	"github.com/automerge/automerge-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGetCreatesOnceAndRefreshes(t *testing.T) {
	now := time.Unix(100, 0)
	tbl := NewTable()
	tbl.now = func() time.Time { return now }
	doc := automerge.New()

	a := tbl.Get("garden", "a", doc)
	require.NotNil(t, a.Cursor)
	assert.Equal(t, now, a.LastActivity)

	now = now.Add(time.Minute)
	again := tbl.Get("garden", "a", doc)
	assert.Same(t, a, again)
	assert.Equal(t, now, again.LastActivity)

	tbl.Get("garden", "b", doc)
	assert.Equal(t, []string{"a", "b"}, tbl.PeersOf("garden"))
	assert.Empty(t, tbl.PeersOf("elsewhere"))
}

func TestLookupDoesNotCreate(t *testing.T) {
	tbl := NewTable()
	_, ok := tbl.Lookup("garden", "a")
	assert.False(t, ok)
	assert.Equal(t, 0, tbl.Documents())
}

func TestRemoveDropsEmptyCollections(t *testing.T) {
	tbl := NewTable()
	doc := automerge.New()
	tbl.Get("garden", "a", doc)
	tbl.Get("garden", "b", doc)

	assert.True(t, tbl.Remove("garden", "a"))
	assert.False(t, tbl.Remove("garden", "a"), "removed exactly once")
	assert.Equal(t, 1, tbl.Documents())

	assert.True(t, tbl.Remove("garden", "b"))
	assert.Equal(t, 0, tbl.Documents())
	assert.Equal(t, 0, tbl.Len("garden"))
}

func TestReconnectStartsFromEmptyCursor(t *testing.T) {
	tbl := NewTable()
	doc := automerge.New()
	require.NoError(t, doc.Path("x").Set(1))

	first := tbl.Get("garden", "a", doc)
	peer := automerge.NewSyncState(automerge.New())
	exchange(t, first.Cursor, peer)
	_, valid := first.Cursor.GenerateMessage()
	require.False(t, valid, "cursor knows the peer is up to date")
	tbl.Remove("garden", "a")

	second := tbl.Get("garden", "a", doc)
	assert.NotSame(t, first, second)
	_, valid = second.Cursor.GenerateMessage()
	assert.True(t, valid, "fresh cursor assumes the peer has nothing")
}

func exchange(t *testing.T, a, b *automerge.SyncState) {
	for moved := true; moved; {
		moved = false
		for _, pair := range [][2]*automerge.SyncState{{a, b}, {b, a}} {
			for {
				msg, valid := pair[0].GenerateMessage()
				if !valid {
					break
				}
				moved = true
				_, err := pair[1].ReceiveMessage(msg.Bytes())
				require.NoError(t, err)
			}
		}
	}
}

func TestIdle(t *testing.T) {
	now := time.Unix(1000, 0)
	tbl := NewTable()
	tbl.now = func() time.Time { return now }
	doc := automerge.New()
	tbl.Get("garden", "old", doc)
	now = now.Add(time.Hour)
	tbl.Get("garden", "new", doc)

	assert.Equal(t, map[string][]string{"garden": {"old"}}, tbl.Idle(30*time.Minute))
}

func TestTouch(t *testing.T) {
	now := time.Unix(1000, 0)
	tbl := NewTable()
	tbl.now = func() time.Time { return now }
	tbl.Get("garden", "a", automerge.New())

	now = now.Add(time.Hour)
	assert.True(t, tbl.Touch("garden", "a"))
	assert.Empty(t, tbl.Idle(30*time.Minute))

	assert.False(t, tbl.Touch("garden", "b"))
	_, ok := tbl.Lookup("garden", "b")
	assert.False(t, ok)
}
