package stack

import "sync"

// Symbol is the result of an address lookup: the containing module and the
// nearest exported symbol. Absent data is reported as zero values.
type Symbol struct {
	ModuleBase uint64
	ModulePath string
	SymbolAddr uint64
	SymbolName string
}

// Symbolizer resolves an address to its module and nearest symbol. Lookups
// are pure; implementations live outside the core.
type Symbolizer interface {
	Symbolize(addr uint64) (Symbol, bool)
}

const symbolCacheLimit = 4096

// CachingSymbolizer memoizes recent lookups. Symbol resolution dominates
// post-processing time for contiguous stacks, and adjacent samples resolve
// mostly the same addresses.
type CachingSymbolizer struct {
	inner Symbolizer

	mu    sync.Mutex
	cache map[uint64]cachedSymbol
}

type cachedSymbol struct {
	sym Symbol
	ok  bool
}

// NewCachingSymbolizer wraps inner with a bounded cache. The cache is
// cleared wholesale when it fills; no eviction bookkeeping on the lookup
// path.
func NewCachingSymbolizer(inner Symbolizer) *CachingSymbolizer {
	return &CachingSymbolizer{
		inner: inner,
		cache: make(map[uint64]cachedSymbol),
	}
}

func (s *CachingSymbolizer) Symbolize(addr uint64) (Symbol, bool) {
	s.mu.Lock()
	if hit, ok := s.cache[addr]; ok {
		s.mu.Unlock()
		return hit.sym, hit.ok
	}
	s.mu.Unlock()

	sym, ok := s.inner.Symbolize(addr)

	s.mu.Lock()
	if len(s.cache) >= symbolCacheLimit {
		s.cache = make(map[uint64]cachedSymbol)
	}
	s.cache[addr] = cachedSymbol{sym: sym, ok: ok}
	s.mu.Unlock()
	return sym, ok
}
