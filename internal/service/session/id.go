package session

import (
	"fmt"
	"sync/atomic"

	"github.com/google/uuid"
)

// Generator hands out process-unique session IDs.
type Generator struct {
	counter uint64
}

func NewGenerator() *Generator {
	return &Generator{}
}

// Next returns "stream-<n>-<uuid>".
func (g *Generator) Next() string {
	n := atomic.AddUint64(&g.counter, 1)
	return fmt.Sprintf("stream-%d-%s", n, uuid.NewString())
}

// Count returns how many IDs were issued.
func (g *Generator) Count() uint64 {
	return atomic.LoadUint64(&g.counter)
}
