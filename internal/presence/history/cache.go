package history

import (
	"sync"

	"github.com/lestiti/presence-guardian-04-sub000/internal/presence/types"
)

// Cache is the process-wide SessionHistory, shared by every station.
type Cache struct {
	mu       sync.RWMutex
	sessions map[string]History
	seeded   map[string]bool
}

func NewCache() *Cache {
	return &Cache{
		sessions: make(map[string]History),
		seeded:   make(map[string]bool),
	}
}

// Seed reconciles a session against a full listing from the store and marks
// it as loaded. Calling it again after a reconnect is safe.
func (c *Cache) Seed(sessionID string, recs []types.ScanRecord) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sessions[sessionID] = Reconcile(c.sessions[sessionID], recs)
	c.seeded[sessionID] = true
}

func (c *Cache) Seeded(sessionID string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.seeded[sessionID]
}

// Append records a successful local commit.
func (c *Cache) Append(rec types.ScanRecord) {
	c.Apply(types.ChangeEvent{Kind: types.ChangeInsert, Record: rec})
}

// Apply merges a change-feed notification into its session.
func (c *Cache) Apply(ev types.ChangeEvent) {
	c.mu.Lock()
	defer c.mu.Unlock()
	sid := ev.Record.SessionID
	c.sessions[sid] = Merge(c.sessions[sid], ev)
}

func (c *Cache) History(sessionID string) History {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.sessions[sessionID]
}

func (c *Cache) Records(sessionID string) []types.ScanRecord {
	return c.History(sessionID).Records()
}

func (c *Cache) Status(sessionID, subjectID string) types.SubjectStatus {
	return StatusOf(c.History(sessionID), sessionID, subjectID)
}
