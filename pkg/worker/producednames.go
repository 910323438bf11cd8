package worker

import (
	"sync"

	"github.com/bits-and-blooms/bloom/v3"
)

// ProducedNames is the shared registry of storage output names already
// produced by this run, consulted by the self-reference guard (spec.md
// §4.2: "rejects self-references ... the list of already-produced storage
// files"). A bloom filter front-filters the common case (name definitely
// not produced) before the exact set is checked under lock, mirroring the
// enumerator's duplicate-suppression front filter (SPEC_FULL.md §2).
type ProducedNames struct {
	mu    sync.Mutex
	bloom *bloom.BloomFilter
	exact map[string]struct{}
}

// NewProducedNames creates an empty registry.
func NewProducedNames() *ProducedNames {
	return &ProducedNames{
		bloom: bloom.NewWithEstimates(100_000, 0.01),
		exact: make(map[string]struct{}),
	}
}

// Add records name as produced.
func (p *ProducedNames) Add(name string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.bloom.Add([]byte(name))
	p.exact[name] = struct{}{}
}

// Contains reports whether name has already been produced.
func (p *ProducedNames) Contains(name string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.bloom.Test([]byte(name)) {
		return false
	}
	_, ok := p.exact[name]
	return ok
}
