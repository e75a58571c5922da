package rules

import (
	"sync"

	"github.com/expr-lang/expr/vm"
)

// Cache holds compiled programs keyed by rule source text. It never evicts:
// its size is bounded by the number of distinct rules in use, which can
// still grow without limit in a long-lived process. Len is exported as a
// gauge so that growth is visible.
type Cache struct {
	mu       sync.RWMutex
	programs map[string]entry
}

type entry struct {
	program *vm.Program
	err     error
}

func NewCache() *Cache {
	return &Cache{programs: make(map[string]entry)}
}

// Len returns the number of cached rule texts, failures included.
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.programs)
}

func (c *Cache) program(rule string) (*vm.Program, error) {
	c.mu.RLock()
	e, ok := c.programs[rule]
	c.mu.RUnlock()
	if ok {
		return e.program, e.err
	}

	p, err := compile(rule)

	c.mu.Lock()
	defer c.mu.Unlock()
	if existing, ok := c.programs[rule]; ok {
		return existing.program, existing.err
	}
	c.programs[rule] = entry{program: p, err: err}
	return p, err
}
