// ABOUTME: Injectable id generation seam used by the timeline engine.
// ABOUTME: Production code draws UUIDs; tests install a deterministic sequence.

package idgen

import (
	"fmt"
	"sync/atomic"

	"github.com/google/uuid"
)

// Generator produces store-unique identifiers for timeline items and turns.
// Implementations must be safe for concurrent use.
type Generator interface {
	NewID() string
}

// Random generates UUIDv4 identifiers. The zero value is ready to use.
type Random struct{}

// NewID returns a fresh UUID string.
func (Random) NewID() string {
	return uuid.New().String()
}

// Sequence generates deterministic identifiers of the form "<prefix>-<n>".
// Used by tests that need stable ids across runs.
type Sequence struct {
	prefix string
	n      atomic.Int64
}

// NewSequence creates a deterministic generator with the given prefix.
func NewSequence(prefix string) *Sequence {
	return &Sequence{prefix: prefix}
}

// NewID returns the next id in the sequence, starting at "<prefix>-1".
func (s *Sequence) NewID() string {
	return fmt.Sprintf("%s-%d", s.prefix, s.n.Add(1))
}
