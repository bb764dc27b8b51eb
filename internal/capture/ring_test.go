// SPDX-License-Identifier: MIT

package capture

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRingDropOldest(t *testing.T) {
	r := NewRing(2)
	r.Push(Frame{Seq: 1})
	r.Push(Frame{Seq: 2})
	r.Push(Frame{Seq: 3}) // evicts seq 1

	f, ok := r.Pop(0)
	require.True(t, ok)
	assert.Equal(t, uint64(2), f.Seq)

	f, ok = r.Pop(0)
	require.True(t, ok)
	assert.Equal(t, uint64(3), f.Seq)

	assert.Equal(t, uint64(1), r.Dropped())
}

func TestRingPopTimeout(t *testing.T) {
	r := NewRing(1)

	start := time.Now()
	_, ok := r.Pop(10 * time.Millisecond)
	assert.False(t, ok)
	assert.GreaterOrEqual(t, time.Since(start), 10*time.Millisecond)

	_, ok = r.Pop(0)
	assert.False(t, ok)
}

func TestRingOverflowDropsExactlyOne(t *testing.T) {
	r := NewRing(3)
	for seq := uint64(1); seq <= 4; seq++ {
		r.Push(Frame{Seq: seq})
	}
	assert.Equal(t, uint64(1), r.Dropped())
	assert.Equal(t, 3, r.Len())
}

func TestRingMinimumSize(t *testing.T) {
	r := NewRing(0)
	r.Push(Frame{Seq: 1})
	r.Push(Frame{Seq: 2})

	f, ok := r.Pop(0)
	require.True(t, ok)
	assert.Equal(t, uint64(2), f.Seq)
}
