package security

import (
	"testing"
	"time"
)

func TestRoleCacheHitAndMiss(t *testing.T) {
	c := newRoleCache(4, time.Minute)

	if _, ok := c.get("alice"); ok {
		t.Error("empty cache must miss")
	}

	c.set("alice", []string{"admin"})
	roles, ok := c.get("alice")
	if !ok || len(roles) != 1 || roles[0] != "admin" {
		t.Errorf("expected cached roles, got %v %v", roles, ok)
	}
}

func TestRoleCacheTTLExpiry(t *testing.T) {
	c := newRoleCache(4, time.Nanosecond)
	c.set("alice", []string{"admin"})
	time.Sleep(time.Millisecond)

	if _, ok := c.get("alice"); ok {
		t.Error("expired entry must miss")
	}
}

func TestRoleCacheLRUEviction(t *testing.T) {
	c := newRoleCache(2, time.Minute)
	c.set("a", []string{"r"})
	c.set("b", []string{"r"})
	c.get("a") // refresh a, making b the eviction candidate
	c.set("c", []string{"r"})

	if _, ok := c.get("b"); ok {
		t.Error("least recently used entry must be evicted")
	}
	if _, ok := c.get("a"); !ok {
		t.Error("recently used entry must survive")
	}
}

func TestRoleCacheInvalidate(t *testing.T) {
	c := newRoleCache(4, time.Minute)
	c.set("alice", []string{"admin"})
	c.set("bob", []string{"viewer"})

	c.invalidate("alice")
	if _, ok := c.get("alice"); ok {
		t.Error("invalidated user must miss")
	}
	if _, ok := c.get("bob"); !ok {
		t.Error("other users stay cached")
	}

	c.invalidate("")
	if _, ok := c.get("bob"); ok {
		t.Error("blanket invalidation must flush everything")
	}
}
