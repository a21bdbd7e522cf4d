// Package exprcache memoizes ExprEvaluator construction for case
// input/output names that are not plain assignment targets. Building
// an evaluator for a general expression (parsing, resolving attribute
// chains) is assumed non-trivial; a sweep over thousands of cases
// reuses the same handful of expression strings, so compiling one
// per-case would be wasted work.
//
// An LRU fast path is guarded by a singleflight group that collapses
// concurrent compiles of the same not-yet-cached expression into one.
package exprcache

import (
	lru "github.com/hashicorp/golang-lru"
	"golang.org/x/sync/singleflight"
)

// Compiler builds an evaluator for an expression string. Swapped out
// in tests; production code supplies whatever actually parses
// expressions (out of scope for this repo, per the driver's own
// ExprEvaluator interface).
type Compiler func(expr string) (any, error)

// Cache is a size-bounded, singleflight-guarded memoization of
// Compiler results, keyed by expression string.
type Cache struct {
	lru      *lru.Cache
	group    singleflight.Group
	compiler Compiler
}

// New builds a Cache holding up to size compiled evaluators.
func New(size int, compiler Compiler) (*Cache, error) {
	l, err := lru.New(size)
	if err != nil {
		return nil, err
	}
	return &Cache{lru: l, compiler: compiler}, nil
}

// GetOrCompile returns the cached evaluator for expr, compiling it
// exactly once even under concurrent callers racing on the same
// not-yet-cached expr.
func (c *Cache) GetOrCompile(expr string) (any, error) {
	if v, ok := c.lru.Get(expr); ok {
		return v, nil
	}

	v, err, _ := c.group.Do(expr, func() (any, error) {
		if v, ok := c.lru.Get(expr); ok {
			return v, nil
		}
		compiled, err := c.compiler(expr)
		if err != nil {
			return nil, err
		}
		c.lru.Add(expr, compiled)
		return compiled, nil
	})
	if err != nil {
		return nil, err
	}
	return v, nil
}

// Len reports how many compiled evaluators are currently cached.
func (c *Cache) Len() int {
	return c.lru.Len()
}

// Purge discards every cached evaluator.
func (c *Cache) Purge() {
	c.lru.Purge()
}
