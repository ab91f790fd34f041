package grpc

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc/connectivity"
)

func TestPool_ReusesConnectionPerTarget(t *testing.T) {
	pool := NewPool()
	defer pool.Close()

	a1, err := pool.GetConnection("passthrough:///a")
	require.NoError(t, err)
	a2, err := pool.GetConnection("passthrough:///a")
	require.NoError(t, err)
	b, err := pool.GetConnection("passthrough:///b")
	require.NoError(t, err)

	assert.Same(t, a1, a2)
	assert.NotSame(t, a1, b)
	assert.Equal(t, 2, pool.Len())
}

func TestPool_ReplacesShutdownConnection(t *testing.T) {
	pool := NewPool()
	defer pool.Close()

	first, err := pool.GetConnection("passthrough:///a")
	require.NoError(t, err)
	require.NoError(t, first.Close())
	assert.Equal(t, connectivity.Shutdown, first.GetState())

	second, err := pool.GetConnection("passthrough:///a")
	require.NoError(t, err)
	assert.NotSame(t, first, second)
	assert.Equal(t, 1, pool.Len())
}

func TestPool_Close(t *testing.T) {
	pool := NewPool()
	conn, err := pool.GetConnection("passthrough:///a")
	require.NoError(t, err)

	require.NoError(t, pool.Close())
	assert.Equal(t, 0, pool.Len())
	assert.Equal(t, connectivity.Shutdown, conn.GetState())
}
