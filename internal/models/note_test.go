package models

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func stroke(id, event string) Stroke {
	return Stroke{ID: id, EventID: event, Points: []Point{{X: 1, Y: 1}}}
}

func TestNote_NormalizeAddsPage(t *testing.T) {
	var n Note
	n.Normalize()
	assert.Len(t, n.Pages, 1)
	assert.True(t, n.Empty())
}

func TestNote_AddStrokeGrowsPages(t *testing.T) {
	var n Note
	n.AddStroke(2, stroke("s1", "e1"))
	assert.Len(t, n.Pages, 3)
	assert.Equal(t, []string{"s1"}, n.Pages[2].StrokeIDs())
	assert.False(t, n.Empty())
}

func TestNote_EraseIsSortedAndUnique(t *testing.T) {
	var n Note
	n.Erase("e1", "s2")
	n.Erase("e1", "s1")
	n.Erase("e1", "s2")
	assert.Equal(t, []string{"s1", "s2"}, n.Erased["e1"])
	assert.True(t, n.ErasedFor("s1", "e0", "e1"))
	assert.False(t, n.ErasedFor("s1", "e2"))
}

func TestNote_HasContentForLineage(t *testing.T) {
	var n Note
	n.AddStroke(0, stroke("s1", "e1"))

	assert.True(t, n.HasContentFor("e1"))
	assert.False(t, n.HasContentFor("e2"), "shared record note does not count for another event")
	assert.True(t, n.HasContentFor("e3", "e1"), "forked event inherits its ancestor's strokes")
	assert.False(t, n.HasContentFor())

	n.Erase("e1", "s1")
	assert.False(t, n.HasContentFor("e1"))
}

func TestNote_ContentHash(t *testing.T) {
	var a, b Note
	a.AddStroke(0, stroke("s1", "e1"))
	b.AddStroke(0, stroke("s1", "e1"))
	b.LockedBy = "dev-2"
	assert.Equal(t, a.ContentHash(), b.ContentHash(), "lock is not content")

	b.Erase("e1", "s1")
	assert.NotEqual(t, a.ContentHash(), b.ContentHash())

	a.Erased = map[string][]string{"e9": {}}
	assert.Equal(t, Note{Pages: a.Pages}.ContentHash(), a.ContentHash(), "empty erasure lists are ignored")
}
