package cache

import "testing"

func TestCachePutGet(t *testing.T) {
	c := New(1 << 20)
	c.Put(1, "one", 16)
	c.Put(2, "two", 16)

	if v, ok := c.Get(1); !ok || v.(string) != "one" {
		t.Fatalf("Get(1) = %v, %v; want one, true", v, ok)
	}
	if v, ok := c.Get(2); !ok || v.(string) != "two" {
		t.Fatalf("Get(2) = %v, %v; want two, true", v, ok)
	}
	if _, ok := c.Get(3); ok {
		t.Fatal("Get(3) found unexpectedly")
	}
}

func TestCacheEvictsUnderPressure(t *testing.T) {
	// One shard gets a tiny budget; force many distinct keys into it so
	// eviction must occur and the cache never exceeds its bound.
	c := New(shardCount * 64)
	for i := uint64(0); i < 1000; i++ {
		c.Put(i*shardCount, i, 32)
	}
	total := 0
	for i := range c.shards {
		total += c.shards[i].used
	}
	if total > shardCount*64 {
		t.Fatalf("cache used %d bytes; want <= %d", total, shardCount*64)
	}
}

func TestCacheRemove(t *testing.T) {
	c := New(1 << 20)
	c.Put(5, "five", 16)
	c.Remove(5)
	if _, ok := c.Get(5); ok {
		t.Fatal("Get(5) found after Remove")
	}
}

func TestCacheRepeatedAccessPromotesToLIR(t *testing.T) {
	c := New(shardCount * 1024)
	for i := uint64(0); i < 50; i++ {
		c.Put(i*shardCount, i, 8)
	}
	// Re-reference a key enough times that it should stay resident even
	// as many new cold keys are inserted afterward.
	hot := uint64(3 * shardCount)
	for i := 0; i < 5; i++ {
		c.Get(hot)
	}
	for i := uint64(50); i < 200; i++ {
		c.Put(i*shardCount, i, 8)
	}
	if _, ok := c.Get(hot); !ok {
		t.Fatal("hot key was evicted despite repeated access")
	}
}
