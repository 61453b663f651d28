package conject

import (
	lru "github.com/hashicorp/golang-lru/v2"
)

// resultCache memoizes buffer -> frozen result. Shrinking replays the same
// candidate buffers constantly (different passes propose identical edits),
// so the cache absorbs most of the would-be test executions. Keys are the
// exact byte strings; the tree's Rewrite canonicalizes buffers before
// lookup so equivalent buffers usually share an entry.
type resultCache struct {
	entries *lru.Cache[string, *Data]
}

func newResultCache(size int) *resultCache {
	entries, err := lru.New[string, *Data](size)
	if err != nil {
		panic("conject: invalid cache size: " + err.Error())
	}

	return &resultCache{entries: entries}
}

func (c *resultCache) get(buf []byte) (*Data, bool) {
	return c.entries.Get(string(buf))
}

func (c *resultCache) put(buf []byte, d *Data) {
	c.entries.Add(string(buf), d)
}
