package exprcache

import (
	"fmt"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestGetOrCompileCachesResult(t *testing.T) {
	var calls int32
	c, err := New(8, func(expr string) (any, error) {
		atomic.AddInt32(&calls, 1)
		return "compiled:" + expr, nil
	})
	require.NoError(t, err)

	v1, err := c.GetOrCompile("a.b")
	require.NoError(t, err)
	require.Equal(t, "compiled:a.b", v1)

	v2, err := c.GetOrCompile("a.b")
	require.NoError(t, err)
	require.Equal(t, v1, v2)
	require.Equal(t, int32(1), atomic.LoadInt32(&calls))
	require.Equal(t, 1, c.Len())
}

func TestGetOrCompilePropagatesCompilerError(t *testing.T) {
	c, err := New(4, func(expr string) (any, error) {
		return nil, fmt.Errorf("bad expr: %s", expr)
	})
	require.NoError(t, err)

	_, err = c.GetOrCompile("x")
	require.Error(t, err)
	require.Equal(t, 0, c.Len())
}

func TestGetOrCompileCollapsesConcurrentCompiles(t *testing.T) {
	var calls int32
	release := make(chan struct{})
	c, err := New(4, func(expr string) (any, error) {
		atomic.AddInt32(&calls, 1)
		<-release
		return expr, nil
	})
	require.NoError(t, err)

	const n = 10
	var wg sync.WaitGroup
	wg.Add(n)
	for i := 0; i < n; i++ {
		go func() {
			defer wg.Done()
			v, err := c.GetOrCompile("shared")
			require.NoError(t, err)
			require.Equal(t, "shared", v)
		}()
	}

	close(release)
	wg.Wait()
	require.Equal(t, int32(1), atomic.LoadInt32(&calls))
}

func TestPurgeEmptiesCache(t *testing.T) {
	c, err := New(4, func(expr string) (any, error) { return expr, nil })
	require.NoError(t, err)

	_, err = c.GetOrCompile("x")
	require.NoError(t, err)
	require.Equal(t, 1, c.Len())

	c.Purge()
	require.Equal(t, 0, c.Len())
}
