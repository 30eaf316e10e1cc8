package common

import (
	"github.com/stretchr/testify/require"
	"sync"
	"testing"
)

func TestGRLocalSetGet(t *testing.T) {
	local := NewGRLocal()
	_, ok := local.Get()
	require.False(t, ok)

	local.Set("foo")
	v, ok := local.Get()
	require.True(t, ok)
	require.Equal(t, "foo", v)

	local.Set("bar")
	v, ok = local.Get()
	require.True(t, ok)
	require.Equal(t, "bar", v)

	local.Delete()
	_, ok = local.Get()
	require.False(t, ok)
	require.Equal(t, 0, local.Size())
}

func TestGRLocalIsolatedPerGoroutine(t *testing.T) {
	local := NewGRLocal()
	numRoutines := 10
	var wg sync.WaitGroup
	wg.Add(numRoutines)
	for i := 0; i < numRoutines; i++ {
		i := i
		go func() {
			defer wg.Done()
			_, ok := local.Get()
			require.False(t, ok)
			local.Set(i)
			v, ok := local.Get()
			require.True(t, ok)
			require.Equal(t, i, v)
		}()
	}
	wg.Wait()
	require.Equal(t, numRoutines, local.Size())
}

func TestGRLocalGetOrCreate(t *testing.T) {
	local := NewGRLocal()
	created := 0
	create := func() any {
		created++
		return created
	}
	v := local.GetOrCreate(create)
	require.Equal(t, 1, v)
	// second call must reuse the cached value, not create again
	v = local.GetOrCreate(create)
	require.Equal(t, 1, v)
	require.Equal(t, 1, created)
}
