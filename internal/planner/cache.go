package planner

import (
	"container/list"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"sync"

	"github.com/nextlevelbuilder/voxflow/internal/schema"
)

// memoCache memoizes compilations of identical recent utterances. Keys are
// the SHA-256 of utterance plus context; eviction is LRU.
type memoCache struct {
	mu       sync.Mutex
	capacity int
	entries  map[string]*list.Element
	order    *list.List
}

type memoEntry struct {
	key    string
	intent *schema.Intent
}

func newMemoCache(capacity int) *memoCache {
	if capacity <= 0 {
		capacity = 128
	}
	return &memoCache{
		capacity: capacity,
		entries:  make(map[string]*list.Element),
		order:    list.New(),
	}
}

func cacheKey(utterance string, metadata map[string]any) string {
	h := sha256.New()
	h.Write([]byte(utterance))
	if len(metadata) > 0 {
		// Map keys marshal sorted, so identical contexts hash identically.
		if b, err := json.Marshal(metadata); err == nil {
			h.Write(b)
		}
	}
	return hex.EncodeToString(h.Sum(nil))
}

func (c *memoCache) get(utterance string, metadata map[string]any) (*schema.Intent, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	el, ok := c.entries[cacheKey(utterance, metadata)]
	if !ok {
		return nil, false
	}
	c.order.MoveToFront(el)
	return el.Value.(*memoEntry).intent, true
}

func (c *memoCache) put(utterance string, metadata map[string]any, intent *schema.Intent) {
	c.mu.Lock()
	defer c.mu.Unlock()

	key := cacheKey(utterance, metadata)
	if el, ok := c.entries[key]; ok {
		el.Value.(*memoEntry).intent = intent
		c.order.MoveToFront(el)
		return
	}
	c.entries[key] = c.order.PushFront(&memoEntry{key: key, intent: intent})
	for len(c.entries) > c.capacity {
		oldest := c.order.Back()
		c.order.Remove(oldest)
		delete(c.entries, oldest.Value.(*memoEntry).key)
	}
}
