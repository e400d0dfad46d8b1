package chat

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLogTrimsToCapacity(t *testing.T) {
	l := NewLog(2)
	l.Append(Entry{Message: "one"})
	l.Append(Entry{Message: "two"})
	l.Append(Entry{Message: "three"})

	recent := l.Recent(10)
	require.Len(t, recent, 2)
	assert.Equal(t, "two", recent[0].Message)
	assert.Equal(t, "three", recent[1].Message)
}

func TestLogRecentCapsAtRequestedCount(t *testing.T) {
	l := NewLog(10)
	l.Append(Entry{Message: "one"})
	l.Append(Entry{Message: "two"})

	assert.Len(t, l.Recent(1), 1)
	assert.Equal(t, "two", l.Recent(1)[0].Message)
}

func TestNewEntryAssignsUniqueIDs(t *testing.T) {
	a := NewEntry("alice", "hi")
	b := NewEntry("alice", "hi")
	assert.NotEmpty(t, a.ID)
	assert.NotEqual(t, a.ID, b.ID)
}

func TestPresenceTouchReportsFirstSighting(t *testing.T) {
	p := NewPresence()
	assert.True(t, p.Touch("1.2.3.4:9", "alice"))
	assert.False(t, p.Touch("1.2.3.4:9", "alice"))

	name, ok := p.DisplayName("1.2.3.4:9")
	require.True(t, ok)
	assert.Equal(t, "alice", name)
}

func TestPresencePruneRemovesStaleEntriesOnly(t *testing.T) {
	p := NewPresence()
	p.Touch("stale:1", "bob")
	p.users["stale:1"].lastSeen = time.Now().Add(-time.Hour)
	p.Touch("fresh:1", "carol")

	removed := p.Prune(time.Minute)
	assert.Equal(t, []string{"stale:1"}, removed)
	assert.ElementsMatch(t, []string{"fresh:1"}, p.Addrs())
}
