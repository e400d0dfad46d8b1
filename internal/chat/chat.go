// Package chat implements the small JSON chat protocol carried over a
// tou Connection: a bounded recent-message log and a heartbeat-based
// presence registry, grounded on the reference chat server/client.
package chat

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// MessageType distinguishes the two envelope shapes on the wire.
type MessageType string

const (
	// MessageTypeHeartbeat is sent periodically by a client to keep its
	// presence entry alive; carries no message body.
	MessageTypeHeartbeat MessageType = "heartbeat"
	// MessageTypeChat carries either an outgoing chat message from a
	// client or a batch of delivered messages from the server.
	MessageTypeChat MessageType = "chat"
)

// Entry is one posted chat message, as it appears both in the log and
// on the wire.
type Entry struct {
	ID          string `json:"id"`
	DisplayName string `json:"display_name"`
	Timestamp   string `json:"timestamp"`
	Message     string `json:"message"`
}

// NewEntry builds an Entry with a fresh message ID, for the caller to
// timestamp and append to a Log.
func NewEntry(displayName, message string) Entry {
	return Entry{
		ID:          uuid.NewString(),
		DisplayName: displayName,
		Message:     message,
	}
}

// Envelope is the single JSON message shape exchanged in both
// directions over a Connection.
type Envelope struct {
	Type        MessageType `json:"type"`
	DisplayName string      `json:"display_name,omitempty"`
	Message     string      `json:"message,omitempty"`
	Messages    []Entry     `json:"messages,omitempty"`
}

// Log is a bounded chat history that keeps the most recent entries,
// stored oldest first.
type Log struct {
	mu      sync.Mutex
	entries []Entry
	max     int
}

// NewLog creates a Log that retains at most max entries.
func NewLog(max int) *Log {
	return &Log{max: max}
}

// Append records a new entry, trimming the oldest once over capacity.
func (l *Log) Append(e Entry) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.entries = append(l.entries, e)
	if over := len(l.entries) - l.max; over > 0 {
		l.entries = l.entries[over:]
	}
}

// Recent returns a copy of up to n of the most recently appended
// entries, oldest first.
func (l *Log) Recent(n int) []Entry {
	l.mu.Lock()
	defer l.mu.Unlock()
	if n > len(l.entries) {
		n = len(l.entries)
	}
	start := len(l.entries) - n
	out := make([]Entry, n)
	copy(out, l.entries[start:])
	return out
}

// presenceEntry tracks one client's liveness.
type presenceEntry struct {
	displayName string
	lastSeen    time.Time
}

// Presence tracks which peers have been heard from recently, keyed by
// their connection's remote address string.
type Presence struct {
	mu    sync.Mutex
	users map[string]*presenceEntry
}

// NewPresence creates an empty presence registry.
func NewPresence() *Presence {
	return &Presence{users: make(map[string]*presenceEntry)}
}

// Touch registers addr as alive under displayName, refreshing its
// last-seen time. It reports whether addr is a newly seen peer.
func (p *Presence) Touch(addr, displayName string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	u, known := p.users[addr]
	if !known {
		u = &presenceEntry{}
		p.users[addr] = u
	}
	u.displayName = displayName
	u.lastSeen = time.Now()
	return !known
}

// DisplayName returns the last-registered display name for addr.
func (p *Presence) DisplayName(addr string) (string, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	u, ok := p.users[addr]
	if !ok {
		return "", false
	}
	return u.displayName, true
}

// Addrs returns the addresses currently considered present.
func (p *Presence) Addrs() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, 0, len(p.users))
	for addr := range p.users {
		out = append(out, addr)
	}
	return out
}

// Prune removes every peer whose last-seen time is older than
// timeout, returning their addresses.
func (p *Presence) Prune(timeout time.Duration) []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	now := time.Now()
	var removed []string
	for addr, u := range p.users {
		if now.Sub(u.lastSeen) > timeout {
			removed = append(removed, addr)
			delete(p.users, addr)
		}
	}
	return removed
}
