package security

import (
	"container/list"
	"sync"
	"time"
)

// roleCache memoizes effective-role resolution. Reads dominate, so
// the cache is consulted on every authorization; any assignment or
// policy mutation invalidates it synchronously before the mutation
// returns, so no request can observe stale permissions.
type roleCache struct {
	mu      sync.RWMutex
	maxSize int
	ttl     time.Duration
	items   map[string]*list.Element
	order   *list.List
}

type roleEntry struct {
	user      string
	roles     []string
	expiresAt time.Time
}

func newRoleCache(maxSize int, ttl time.Duration) *roleCache {
	if maxSize <= 0 {
		maxSize = 10_000
	}
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &roleCache{
		maxSize: maxSize,
		ttl:     ttl,
		items:   make(map[string]*list.Element),
		order:   list.New(),
	}
}

func (c *roleCache) get(user string) ([]string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	elem, ok := c.items[user]
	if !ok {
		return nil, false
	}
	entry := elem.Value.(*roleEntry)
	if time.Now().After(entry.expiresAt) {
		c.order.Remove(elem)
		delete(c.items, user)
		return nil, false
	}
	c.order.MoveToFront(elem)
	return entry.roles, true
}

func (c *roleCache) set(user string, roles []string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if elem, ok := c.items[user]; ok {
		c.order.MoveToFront(elem)
		entry := elem.Value.(*roleEntry)
		entry.roles = roles
		entry.expiresAt = time.Now().Add(c.ttl)
		return
	}

	elem := c.order.PushFront(&roleEntry{
		user:      user,
		roles:     roles,
		expiresAt: time.Now().Add(c.ttl),
	})
	c.items[user] = elem

	for c.order.Len() > c.maxSize {
		oldest := c.order.Back()
		if oldest == nil {
			break
		}
		c.order.Remove(oldest)
		delete(c.items, oldest.Value.(*roleEntry).user)
	}
}

// invalidate drops one user, or everything when user is empty.
func (c *roleCache) invalidate(user string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if user == "" {
		c.items = make(map[string]*list.Element)
		c.order.Init()
		return
	}
	if elem, ok := c.items[user]; ok {
		c.order.Remove(elem)
		delete(c.items, user)
	}
}
