package session

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAudioBufferFIFO(t *testing.T) {
	ab := NewAudioBuffer(10)
	require.NoError(t, ab.Push([]byte{1, 2, 3}))
	require.NoError(t, ab.Push([]byte{4, 5}))
	assert.Equal(t, 5, ab.Size())
	assert.Equal(t, 2, ab.Len())

	clip, ok := ab.Pop()
	require.True(t, ok)
	assert.Equal(t, []byte{1, 2, 3}, clip)
	assert.Equal(t, 2, ab.Size())

	clip, ok = ab.Pop()
	require.True(t, ok)
	assert.Equal(t, []byte{4, 5}, clip)

	_, ok = ab.Pop()
	assert.False(t, ok)
	assert.Zero(t, ab.Size())
}

func TestAudioBufferFull(t *testing.T) {
	ab := NewAudioBuffer(4)
	require.NoError(t, ab.Push([]byte{1, 2, 3}))
	assert.ErrorIs(t, ab.Push([]byte{4, 5}), ErrBufferFull)
	assert.Equal(t, 1, ab.Len())

	ab.Clear()
	assert.Zero(t, ab.Size())
	require.NoError(t, ab.Push([]byte{1, 2, 3, 4}))
}
