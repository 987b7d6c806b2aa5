package stream

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestQueueUnbounded(t *testing.T) {
	var q queue[int]
	for i := 0; i < 100; i++ {
		dropped, ok := q.push(i)
		assert.Zero(t, dropped)
		assert.True(t, ok)
	}
	for i := 0; i < 100; i++ {
		v, ok := q.pop()
		assert.True(t, ok)
		assert.Equal(t, i, v)
	}
	_, ok := q.pop()
	assert.False(t, ok)
}

func TestQueueOverflowPolicies(t *testing.T) {
	tests := []struct {
		name     string
		overflow Overflow
		want     []int
		accepted bool
	}{
		{"drop newest", DropNewest, []int{1, 2}, false},
		{"drop oldest", DropOldest, []int{2, 3}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			q := queue[int]{capacity: 2, overflow: tt.overflow}
			q.push(1)
			q.push(2)
			dropped, ok := q.push(3)
			assert.Equal(t, 1, dropped)
			assert.Equal(t, tt.accepted, ok)

			var got []int
			for v, ok := q.pop(); ok; v, ok = q.pop() {
				got = append(got, v)
			}
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestQueueForceAndClear(t *testing.T) {
	q := queue[string]{capacity: 1}
	q.push("a")
	q.force("b")
	assert.Equal(t, 2, q.len())

	last, ok := q.last()
	assert.True(t, ok)
	assert.Equal(t, "b", last)

	assert.Equal(t, 2, q.clear())
	assert.Zero(t, q.len())
	_, ok = q.last()
	assert.False(t, ok)
}

func TestOverflowString(t *testing.T) {
	assert.Equal(t, "drop-newest", DropNewest.String())
	assert.Equal(t, "drop-oldest", DropOldest.String())
}

func TestQueueDropOldestSkipsPinned(t *testing.T) {
	q := queue[int]{capacity: 2, overflow: DropOldest, pinned: func(v int) bool { return v < 0 }}
	q.push(-1)
	q.push(1)
	dropped, ok := q.push(2)
	assert.Equal(t, 1, dropped)
	assert.True(t, ok)

	q.force(-2)
	q.pop()
	q.pop()
	// Only pinned items left: the newcomer is the one dropped.
	q.push(-3)
	dropped, ok = q.push(3)
	assert.Equal(t, 1, dropped)
	assert.False(t, ok)

	var got []int
	for v, ok := q.pop(); ok; v, ok = q.pop() {
		got = append(got, v)
	}
	assert.Equal(t, []int{-2, -3}, got)
}
