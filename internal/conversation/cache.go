// Package conversation holds the per-group ordered message logs. Logs
// are retained across group switches so revisiting a group renders
// instantly. Confirmed entries are kept sorted by (created_at, id);
// optimistic entries form the tail until they are confirmed or
// reverted.
package conversation

import (
	"errors"
	"sort"
	"sync"

	"github.com/fathima-sithara/groupsync/internal/models"
)

// ErrSettled is returned when Confirm or Revert is called on a handle
// that was already settled; the two are mutually exclusive one-shots.
var ErrSettled = errors.New("optimistic entry already settled")

type entry struct {
	msg    models.Message
	tempID string // non-empty while the entry is optimistic
}

type Cache struct {
	mu   sync.RWMutex
	logs map[string][]entry
}

func NewCache() *Cache {
	return &Cache{logs: make(map[string][]entry)}
}

// Get returns the current known log for the group, empty if never
// loaded.
func (c *Cache) Get(groupID string) []models.Message {
	c.mu.RLock()
	defer c.mu.RUnlock()
	entries := c.logs[groupID]
	out := make([]models.Message, len(entries))
	for i, e := range entries {
		out[i] = e.msg
	}
	return out
}

// Replace overwrites the group's log after an initial load, sorting by
// (created_at, id). Any outstanding optimistic entries are discarded;
// their handles fall back to idempotent inserts on Confirm.
func (c *Cache) Replace(groupID string, msgs []models.Message) {
	sorted := make([]models.Message, len(msgs))
	copy(sorted, msgs)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Less(sorted[j]) })

	entries := make([]entry, len(sorted))
	for i, m := range sorted {
		entries[i] = entry{msg: m}
	}
	c.mu.Lock()
	c.logs[groupID] = entries
	c.mu.Unlock()
}

// Append inserts an authoritative message maintaining sort order.
// Returns false without mutating anything when the id is already
// present, so change-feed redelivery cannot duplicate.
func (c *Cache) Append(groupID string, msg models.Message) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.appendLocked(groupID, msg)
}

func (c *Cache) appendLocked(groupID string, msg models.Message) bool {
	entries := c.logs[groupID]
	if indexOfID(entries, msg.ID) >= 0 {
		return false
	}
	at := len(entries)
	for i, e := range entries {
		if e.tempID != "" || msg.Less(e.msg) {
			at = i
			break
		}
	}
	entries = append(entries, entry{})
	copy(entries[at+1:], entries[at:])
	entries[at] = entry{msg: msg}
	c.logs[groupID] = entries
	return true
}

// AppendOptimistic inserts a provisional entry at the tail. The
// message's id is the locally generated temporary id; the returned
// handle later confirms or reverts the entry.
func (c *Cache) AppendOptimistic(groupID string, msg models.Message) *Pending {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.logs[groupID] = append(c.logs[groupID], entry{msg: msg, tempID: msg.ID})
	return &Pending{cache: c, groupID: groupID, tempID: msg.ID}
}

// Pending is the one-shot handle for an optimistic entry.
type Pending struct {
	cache   *Cache
	groupID string
	tempID  string
	settled bool
}

// Confirm replaces the optimistic entry in place with the authoritative
// message. If the feed already delivered the same id the optimistic
// entry is removed instead, so the id never appears twice.
func (p *Pending) Confirm(msg models.Message) error {
	c := p.cache
	c.mu.Lock()
	defer c.mu.Unlock()
	if p.settled {
		return ErrSettled
	}
	p.settled = true

	entries := c.logs[p.groupID]
	at := indexOfTemp(entries, p.tempID)
	if at < 0 {
		// log was replaced underneath us; fall back to an ordered insert
		c.appendLocked(p.groupID, msg)
		return nil
	}
	if dup := indexOfID(entries, msg.ID); dup >= 0 && dup != at {
		c.logs[p.groupID] = append(entries[:at], entries[at+1:]...)
		return nil
	}
	entries[at] = entry{msg: msg}
	return nil
}

// Revert removes the optimistic entry, restoring the log to its
// pre-send state.
func (p *Pending) Revert() error {
	c := p.cache
	c.mu.Lock()
	defer c.mu.Unlock()
	if p.settled {
		return ErrSettled
	}
	p.settled = true

	entries := c.logs[p.groupID]
	if at := indexOfTemp(entries, p.tempID); at >= 0 {
		c.logs[p.groupID] = append(entries[:at], entries[at+1:]...)
	}
	return nil
}

func indexOfID(entries []entry, id string) int {
	for i, e := range entries {
		if e.tempID == "" && e.msg.ID == id {
			return i
		}
	}
	return -1
}

func indexOfTemp(entries []entry, tempID string) int {
	for i, e := range entries {
		if e.tempID == tempID {
			return i
		}
	}
	return -1
}
