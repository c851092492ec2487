package queue

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestCacheHitWithinTTL(t *testing.T) {
	c := newConfigCache(60 * time.Second)
	c.set("orders", Config{Type: TypeStandard, MaxAttempts: 3, AckTimeoutSeconds: 30})

	cfg, ok := c.get("orders")
	assert.True(t, ok)
	assert.Equal(t, 3, cfg.MaxAttempts)
}

func TestCacheExpiry(t *testing.T) {
	now := time.Now()
	c := newConfigCache(60 * time.Second)
	c.now = func() time.Time { return now }

	c.set("orders", Config{Type: TypeStandard})

	_, ok := c.get("orders")
	assert.True(t, ok)

	now = now.Add(61 * time.Second)
	_, ok = c.get("orders")
	assert.False(t, ok, "entry should expire after the TTL")
}

func TestCacheInvalidate(t *testing.T) {
	c := newConfigCache(60 * time.Second)
	c.set("orders", Config{Type: TypeUnlogged})

	c.invalidate("orders")

	_, ok := c.get("orders")
	assert.False(t, ok)
}

func TestCacheMiss(t *testing.T) {
	c := newConfigCache(60 * time.Second)
	_, ok := c.get("missing")
	assert.False(t, ok)
}

func TestTableForType(t *testing.T) {
	assert.Equal(t, "messages", TableForType(TypeStandard))
	assert.Equal(t, "messages", TableForType(TypePartitioned))
	assert.Equal(t, "messages_unlogged", TableForType(TypeUnlogged))
}
