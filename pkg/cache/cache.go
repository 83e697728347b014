// Package cache keeps extracted components in memory, keyed by path and
// invalidated when the file changes.
package cache

import (
	"errors"
	"io"
	"os"
	"sync/atomic"
	"time"

	lru "github.com/hashicorp/golang-lru"
	"github.com/zeebo/xxh3"

	"github.com/heimdall-sbom/heimdall/pkg/component"
	"github.com/heimdall-sbom/heimdall/pkg/logflags"
)

// fingerprintWindow is the number of leading bytes hashed into a
// Fingerprint.
const fingerprintWindow = 64 << 10

// Fingerprint identifies the contents of a file.
type Fingerprint struct {
	Hash    uint64
	Size    int64
	ModTime time.Time
}

// FingerprintFile computes the fingerprint of the file at path.
func FingerprintFile(path string) (Fingerprint, error) {
	f, err := os.Open(path)
	if err != nil {
		return Fingerprint{}, err
	}
	defer f.Close()
	fi, err := f.Stat()
	if err != nil {
		return Fingerprint{}, err
	}
	buf := make([]byte, fingerprintWindow)
	n, err := io.ReadFull(f, buf)
	if err != nil && !errors.Is(err, io.ErrUnexpectedEOF) && !errors.Is(err, io.EOF) {
		return Fingerprint{}, err
	}
	return Fingerprint{Hash: xxh3.Hash(buf[:n]), Size: fi.Size(), ModTime: fi.ModTime()}, nil
}

// Equal reports whether fp and other describe the same contents.
func (fp Fingerprint) Equal(other Fingerprint) bool {
	return fp.Hash == other.Hash && fp.Size == other.Size && fp.ModTime.Equal(other.ModTime)
}

type entry struct {
	comp   *component.Component
	fp     Fingerprint
	stored time.Time
}

// Stats are the counters of a Cache.
type Stats struct {
	Hits    uint64
	Misses  uint64
	Entries int
}

// Cache is a bounded LRU of components. An entry is served while the
// fingerprint of its file is unchanged and it is younger than the maximum
// age. It is safe for concurrent use.
type Cache struct {
	lru    *lru.Cache
	maxAge time.Duration
	now    func() time.Time

	hits, misses uint64
}

// New returns a cache holding at most size entries. A maxAge of zero
// disables expiry.
func New(size int, maxAge time.Duration) (*Cache, error) {
	l, err := lru.New(size)
	if err != nil {
		return nil, err
	}
	return &Cache{lru: l, maxAge: maxAge, now: time.Now}, nil
}

// Get returns the cached component for path.
func (c *Cache) Get(path string) (*component.Component, bool) {
	v, ok := c.lru.Get(path)
	if !ok {
		atomic.AddUint64(&c.misses, 1)
		return nil, false
	}
	e := v.(*entry)
	log := logflags.CacheLogger()
	if c.maxAge > 0 && c.now().Sub(e.stored) > c.maxAge {
		log.Debugf("%s expired", path)
		c.lru.Remove(path)
		atomic.AddUint64(&c.misses, 1)
		return nil, false
	}
	fp, err := FingerprintFile(path)
	if err != nil || !fp.Equal(e.fp) {
		log.Debugf("%s changed on disk", path)
		c.lru.Remove(path)
		atomic.AddUint64(&c.misses, 1)
		return nil, false
	}
	atomic.AddUint64(&c.hits, 1)
	return e.comp, true
}

// Put stores comp as the component for path.
func (c *Cache) Put(path string, comp *component.Component) error {
	fp, err := FingerprintFile(path)
	if err != nil {
		return err
	}
	if c.lru.Add(path, &entry{comp: comp, fp: fp, stored: c.now()}) {
		logflags.CacheLogger().Debugf("evicted an entry to store %s", path)
	}
	return nil
}

// Invalidate drops the entry for path.
func (c *Cache) Invalidate(path string) {
	c.lru.Remove(path)
}

// Clear drops every entry and resets the counters.
func (c *Cache) Clear() {
	c.lru.Purge()
	atomic.StoreUint64(&c.hits, 0)
	atomic.StoreUint64(&c.misses, 0)
}

// Stats returns the current counters.
func (c *Cache) Stats() Stats {
	return Stats{
		Hits:    atomic.LoadUint64(&c.hits),
		Misses:  atomic.LoadUint64(&c.misses),
		Entries: c.lru.Len(),
	}
}
