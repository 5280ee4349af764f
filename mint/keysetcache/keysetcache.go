// Package keysetcache caches the keysets the signer declared, so lookups by
// keyset id need no gRPC round-trip; concurrent misses for the same keyset
// id collapse into a single Loader call.
package keysetcache

import (
	"sync"

	"golang.org/x/sync/singleflight"

	"github.com/elnosh/mintd/cashu/nuts/nut01"
	"github.com/elnosh/mintd/crypto"
)

// Loader is called for an id that isn't cached; its result is cached.
type Loader func(id string) (nut01.Keyset, error)

// CachedKeysetInfo is a keyset's metadata, tracked separately from its public
// keys so a keysets listing doesn't need to pull every key into memory.
// MaxOrder counts the denominations the keyset covers.
type CachedKeysetInfo struct {
	Unit     string
	Active   bool
	MaxOrder int
}

// Cache holds every keyset this mint has ever declared, split into metadata
// and keys so either can be inserted or read independently. Entries never
// expire during process lifetime; eviction happens only on explicit
// Invalidate.
type Cache struct {
	mu     sync.RWMutex
	info   map[string]CachedKeysetInfo
	keys   map[string]crypto.PublicKeys
	byUnit map[string][]string

	group singleflight.Group
	load  Loader
}

func New(load Loader) *Cache {
	return &Cache{
		info:   make(map[string]CachedKeysetInfo),
		keys:   make(map[string]crypto.PublicKeys),
		byUnit: make(map[string][]string),
		load:   load,
	}
}

// Info returns the cached metadata for id.
func (c *Cache) Info(id string) (CachedKeysetInfo, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	info, ok := c.info[id]
	return info, ok
}

// Keys returns the cached public keys for id.
func (c *Cache) Keys(id string) (crypto.PublicKeys, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	keys, ok := c.keys[id]
	return keys, ok
}

// Get returns the full keyset for id, consulting Loader and caching the
// result when it isn't already known. Concurrent misses for the same id
// collapse into a single Loader call.
func (c *Cache) Get(id string) (nut01.Keyset, error) {
	if ks, ok := c.assemble(id); ok {
		return ks, nil
	}

	v, err, _ := c.group.Do(id, func() (any, error) {
		if ks, ok := c.assemble(id); ok {
			return ks, nil
		}
		ks, err := c.load(id)
		if err != nil {
			return nut01.Keyset{}, err
		}
		c.Put(ks, false)
		return ks, nil
	})
	if err != nil {
		return nut01.Keyset{}, err
	}
	return v.(nut01.Keyset), nil
}

func (c *Cache) assemble(id string) (nut01.Keyset, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	info, ok := c.info[id]
	if !ok {
		return nut01.Keyset{}, false
	}
	keys, ok := c.keys[id]
	if !ok {
		return nut01.Keyset{}, false
	}
	return nut01.Keyset{Id: id, Unit: info.Unit, Keys: keys}, true
}

// InsertInfo records or updates a keyset's metadata without touching its keys.
func (c *Cache) InsertInfo(id string, info CachedKeysetInfo) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.insertInfoLocked(id, info)
}

func (c *Cache) insertInfoLocked(id string, info CachedKeysetInfo) {
	if _, exists := c.info[id]; !exists {
		c.byUnit[info.Unit] = append(c.byUnit[info.Unit], id)
	}
	c.info[id] = info
}

// InsertKeys records or updates a keyset's public keys without touching its
// metadata.
func (c *Cache) InsertKeys(id string, keys crypto.PublicKeys) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.keys[id] = keys
}

// Put inserts or refreshes a keyset directly, used when the mint declares or
// rotates a keyset itself rather than discovering it by id lookup.
func (c *Cache) Put(ks nut01.Keyset, active bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.insertInfoLocked(ks.Id, CachedKeysetInfo{Unit: ks.Unit, Active: active, MaxOrder: len(ks.Keys)})
	c.keys[ks.Id] = ks.Keys
}

// SetActive flips a cached keyset's active flag in place, used when a newly
// declared keyset replaces the previous active one for a unit.
func (c *Cache) SetActive(id string, active bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if info, ok := c.info[id]; ok {
		info.Active = active
		c.info[id] = info
	}
}

// ForUnit returns every keyset cached for unit, active or not.
func (c *Cache) ForUnit(unit string) []nut01.Keyset {
	c.mu.RLock()
	ids := append([]string(nil), c.byUnit[unit]...)
	c.mu.RUnlock()

	keysets := make([]nut01.Keyset, 0, len(ids))
	for _, id := range ids {
		if ks, ok := c.assemble(id); ok {
			keysets = append(keysets, ks)
		}
	}
	return keysets
}

func (c *Cache) Invalidate(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if info, ok := c.info[id]; ok {
		ids := c.byUnit[info.Unit]
		for i, cid := range ids {
			if cid == id {
				c.byUnit[info.Unit] = append(ids[:i], ids[i+1:]...)
				break
			}
		}
	}
	delete(c.info, id)
	delete(c.keys, id)
}
