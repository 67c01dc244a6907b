package schema

import (
	"log"
	"sync"
)

// Cache holds the active Snapshot for concurrent readers. Refresh builds the
// replacement off to the side and swaps the pointer only on success, so
// readers never observe a partial snapshot and a failed reload keeps the
// previous one in effect.
type Cache struct {
	mu      sync.RWMutex
	current *Snapshot
	path    string
	logger  *log.Logger
}

// NewCache loads the initial snapshot from path.
func NewCache(path string, logger *log.Logger) (*Cache, error) {
	if logger == nil {
		logger = log.New(log.Writer(), "[SCHEMA] ", log.LstdFlags)
	}
	snap, err := Load(path)
	if err != nil {
		return nil, err
	}
	logger.Printf("schema loaded: %d tables", len(snap.TableNames))
	return &Cache{current: snap, path: path, logger: logger}, nil
}

// Current returns the active snapshot. Never blocks on a refresh in progress.
func (c *Cache) Current() *Snapshot {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.current
}

// Refresh reloads the snapshot from the configured path and swaps it in
// atomically. On failure the previous snapshot stays active and the error is
// returned to the caller.
func (c *Cache) Refresh() (*Snapshot, error) {
	snap, err := Load(c.path)
	if err != nil {
		c.logger.Printf("refresh failed, keeping previous snapshot: %v", err)
		return nil, err
	}
	c.mu.Lock()
	c.current = snap
	c.mu.Unlock()
	c.logger.Printf("schema refreshed: %d tables", len(snap.TableNames))
	return snap, nil
}
