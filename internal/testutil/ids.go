package testutil

import (
	"fmt"
	"sync"
)

// SequenceIDGenerator generates predictable run IDs: prefix-000001,
// prefix-000002, ...
//
// This enables deterministic test execution and golden snapshot comparison
// for values that are UUIDs in production.
//
// Thread-safety: All methods are safe for concurrent use via internal mutex.
type SequenceIDGenerator struct {
	mu     sync.Mutex
	prefix string
	n      int
}

// NewSequenceIDGenerator creates a generator. An empty prefix uses "test-scan".
func NewSequenceIDGenerator(prefix string) *SequenceIDGenerator {
	if prefix == "" {
		prefix = "test-scan"
	}
	return &SequenceIDGenerator{prefix: prefix}
}

// Generate returns the next ID.
func (g *SequenceIDGenerator) Generate() string {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.n++
	return fmt.Sprintf("%s-%06d", g.prefix, g.n)
}
