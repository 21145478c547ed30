package ringbuf_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jackc/pqnb/internal/ringbuf"
)

func TestRingFIFOOrder(t *testing.T) {
	t.Parallel()

	r := ringbuf.New[int](4)
	assert.True(t, r.Empty())
	assert.Equal(t, 4, r.Cap())

	for i := 1; i <= 4; i++ {
		require.True(t, r.Push(i))
	}
	assert.False(t, r.Push(5))
	assert.Equal(t, 4, r.Len())

	for i := 1; i <= 4; i++ {
		v := r.Pop()
		require.NotNil(t, v)
		assert.Equal(t, i, *v)
	}
	assert.Nil(t, r.Pop())
	assert.True(t, r.Empty())
}

func TestRingWrapAround(t *testing.T) {
	t.Parallel()

	r := ringbuf.New[string](3)
	require.True(t, r.Push("a"))
	require.True(t, r.Push("b"))
	assert.Equal(t, "a", *r.Pop())

	require.True(t, r.Push("c"))
	require.True(t, r.Push("d"))
	assert.False(t, r.Push("e"))

	assert.Equal(t, "b", *r.Pop())
	assert.Equal(t, "c", *r.Pop())
	assert.Equal(t, "d", *r.Pop())
	assert.Nil(t, r.Pop())
}

func TestRingPeek(t *testing.T) {
	t.Parallel()

	r := ringbuf.New[int](2)
	assert.Nil(t, r.Peek())

	require.True(t, r.Push(7))
	require.True(t, r.Push(8))

	assert.Equal(t, 7, *r.Peek())
	assert.Equal(t, 2, r.Len())
	assert.Equal(t, 7, *r.Pop())
	assert.Equal(t, 8, *r.Peek())
}
