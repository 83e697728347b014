package metadata

import (
	"sync/atomic"

	lru "github.com/hashicorp/golang-lru"

	"github.com/heimdall-sbom/heimdall/pkg/cache"
	"github.com/heimdall-sbom/heimdall/pkg/component"
)

const defaultSymbolCacheSize = 64

type symbolKey struct {
	path               string
	hash               uint64
	size, mtime        int64
	verbose, debugSyms bool
}

// LazySymbols caches the symbol tables of files, keyed by path and
// content fingerprint.
type LazySymbols struct {
	cache        *lru.Cache
	hits, misses uint64
}

// SymbolStats counts LazySymbols lookups.
type SymbolStats struct {
	Hits   uint64
	Misses uint64
}

// NewLazySymbols returns a cache holding the symbols of at most capacity
// files.
func NewLazySymbols(capacity int) *LazySymbols {
	if capacity <= 0 {
		capacity = defaultSymbolCacheSize
	}
	c, _ := lru.New(capacity)
	return &LazySymbols{cache: c}
}

// Load returns the symbols of path, calling load on a miss. Results of
// failed loads are not cached.
func (ls *LazySymbols) Load(path string, verbose, debugSyms bool, load func() ([]component.Symbol, error)) ([]component.Symbol, error) {
	fp, err := cache.FingerprintFile(path)
	if err != nil {
		return load()
	}
	key := symbolKey{path, fp.Hash, fp.Size, fp.ModTime.UnixNano(), verbose, debugSyms}
	if v, ok := ls.cache.Get(key); ok {
		atomic.AddUint64(&ls.hits, 1)
		return v.([]component.Symbol), nil
	}
	atomic.AddUint64(&ls.misses, 1)
	syms, err := load()
	if err == nil {
		ls.cache.Add(key, syms)
	}
	return syms, err
}

// Stats returns the hit and miss counters.
func (ls *LazySymbols) Stats() SymbolStats {
	return SymbolStats{
		Hits:   atomic.LoadUint64(&ls.hits),
		Misses: atomic.LoadUint64(&ls.misses),
	}
}
