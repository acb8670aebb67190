package dispatch

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCallStack_Overflow(t *testing.T) {
	s := NewCallStack(2)
	for i := uint64(1); i <= 4; i++ {
		s.Push(i, i*10)
	}
	assert.Equal(t, 4, s.Depth())

	_, depth, ok := s.Pop()
	assert.False(t, ok)
	assert.Equal(t, 3, depth)
	_, depth, ok = s.Pop()
	assert.False(t, ok)
	assert.Equal(t, 2, depth)

	e, depth, ok := s.Pop()
	assert.True(t, ok)
	assert.Equal(t, 1, depth)
	assert.Equal(t, entry{wall: 2, measure: 20}, e)

	e, depth, ok = s.Pop()
	assert.True(t, ok)
	assert.Equal(t, 0, depth)
	assert.Equal(t, uint64(1), e.wall)

	_, depth, ok = s.Pop()
	assert.False(t, ok, "unmatched return")
	assert.Equal(t, 0, depth)
}

func TestCallStack_ReuseAfterOverflow(t *testing.T) {
	s := NewCallStack(1)
	s.Push(1, 1)
	s.Push(2, 2)
	s.Pop()
	s.Pop()

	s.Push(3, 3)
	e, _, ok := s.Pop()
	assert.True(t, ok)
	assert.Equal(t, uint64(3), e.measure)
}

func TestCallStack_Reset(t *testing.T) {
	s := NewCallStack(0)
	assert.Len(t, s.entries, DefaultMaxCalls)
	s.Push(1, 1)
	s.Reset()
	assert.Zero(t, s.Depth())
}
