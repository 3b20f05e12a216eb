package cache

import (
	"container/list"
	"hash/fnv"
	"sync"
	"time"
)

const maxShards = 16

// Stats is a point-in-time view of store occupancy.
type Stats struct {
	Entries int
	Bytes   int64
}

// Store is a bounded mapping from fingerprint to artifact. It is sharded by
// fingerprint hash so concurrent lookups for keys in different shards do not
// contend on one lock; keys in the same shard share that shard's exclusive
// lock, which lookups also take. Eviction is per-shard strict LRU; the capacity is a global entry
// count split across shards. Stale entries are removed on access.
type Store struct {
	shards []*shard
}

type shard struct {
	mu    sync.Mutex
	cap   int
	items map[string]*list.Element
	lru   *list.List // front = hottest
	bytes int64
}

type storeEntry struct {
	key string
	art *Artifact
}

// NewStore creates a store holding at most capacity entries in total.
func NewStore(capacity int) *Store {
	if capacity < 1 {
		capacity = 1
	}
	n := maxShards
	if capacity < n {
		n = capacity
	}
	s := &Store{shards: make([]*shard, n)}
	base, extra := capacity/n, capacity%n
	for i := range s.shards {
		c := base
		if i < extra {
			c++
		}
		s.shards[i] = &shard{
			cap:   c,
			items: make(map[string]*list.Element),
			lru:   list.New(),
		}
	}
	return s
}

func (s *Store) shardFor(key string) *shard {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return s.shards[h.Sum32()%uint32(len(s.shards))]
}

// Get returns the artifact for fp if present and fresh. A stale entry is
// removed in place and reported as a miss.
func (s *Store) Get(fp Fingerprint) *Artifact {
	sh := s.shardFor(fp.Key())
	sh.mu.Lock()
	defer sh.mu.Unlock()

	el, ok := sh.items[fp.Key()]
	if !ok {
		return nil
	}
	e := el.Value.(*storeEntry)
	if !e.art.Fresh(time.Now()) {
		sh.remove(el)
		return nil
	}
	sh.lru.MoveToFront(el)
	return e.art
}

// Insert stores art under fp with the given lifetime, stamping StoredAt now.
// When the shard is full the single coldest entry is evicted first.
func (s *Store) Insert(fp Fingerprint, art *Artifact, ttl time.Duration) {
	art.StoredAt = time.Now()
	art.TTL = ttl

	sh := s.shardFor(fp.Key())
	sh.mu.Lock()
	defer sh.mu.Unlock()

	if el, ok := sh.items[fp.Key()]; ok {
		old := el.Value.(*storeEntry)
		sh.bytes += art.Size() - old.art.Size()
		old.art = art
		sh.lru.MoveToFront(el)
		return
	}
	if sh.lru.Len() >= sh.cap {
		if coldest := sh.lru.Back(); coldest != nil {
			sh.remove(coldest)
		}
	}
	el := sh.lru.PushFront(&storeEntry{key: fp.Key(), art: art})
	sh.items[fp.Key()] = el
	sh.bytes += art.Size()
}

// Invalidate removes the entry for fp if present.
func (s *Store) Invalidate(fp Fingerprint) {
	sh := s.shardFor(fp.Key())
	sh.mu.Lock()
	defer sh.mu.Unlock()
	if el, ok := sh.items[fp.Key()]; ok {
		sh.remove(el)
	}
}

// Stats sums occupancy across shards. The counts are advisory: shards are
// read one at a time, not under a global lock.
func (s *Store) Stats() Stats {
	var st Stats
	for _, sh := range s.shards {
		sh.mu.Lock()
		st.Entries += sh.lru.Len()
		st.Bytes += sh.bytes
		sh.mu.Unlock()
	}
	return st
}

// remove drops el from the shard. Caller holds sh.mu.
func (sh *shard) remove(el *list.Element) {
	e := el.Value.(*storeEntry)
	sh.lru.Remove(el)
	delete(sh.items, e.key)
	sh.bytes -= e.art.Size()
}
