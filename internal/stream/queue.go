package stream

// Overflow selects what a bounded queue does when full.
type Overflow int

const (
	// DropNewest rejects the incoming record.
	DropNewest Overflow = iota
	// DropOldest evicts the head to make room.
	DropOldest
)

func (o Overflow) String() string {
	if o == DropOldest {
		return "drop-oldest"
	}
	return "drop-newest"
}

// queue is a FIFO with an optional capacity. It is not safe for concurrent
// use; Conn guards it with its mutex.
type queue[T any] struct {
	items    []T
	capacity int // 0 = unbounded
	overflow Overflow
	pinned   func(T) bool // items the overflow policy never evicts
}

// push appends v. It returns the number of records dropped to honor the
// capacity and whether v itself was accepted.
func (q *queue[T]) push(v T) (dropped int, accepted bool) {
	if q.capacity > 0 && len(q.items) >= q.capacity {
		if q.overflow == DropNewest {
			return 1, false
		}
		i := q.evictable()
		if i < 0 {
			return 1, false
		}
		q.items = append(q.items[:i], q.items[i+1:]...)
		dropped = 1
	}
	q.items = append(q.items, v)
	return dropped, true
}

// evictable returns the index of the oldest unpinned item, or -1.
func (q *queue[T]) evictable() int {
	for i, v := range q.items {
		if q.pinned == nil || !q.pinned(v) {
			return i
		}
	}
	return -1
}

// force appends v regardless of capacity.
func (q *queue[T]) force(v T) { q.items = append(q.items, v) }

func (q *queue[T]) pop() (T, bool) {
	var zero T
	if len(q.items) == 0 {
		return zero, false
	}
	v := q.items[0]
	q.items[0] = zero
	q.items = q.items[1:]
	return v, true
}

func (q *queue[T]) last() (T, bool) {
	if len(q.items) == 0 {
		var zero T
		return zero, false
	}
	return q.items[len(q.items)-1], true
}

// clear discards every item and returns how many there were.
func (q *queue[T]) clear() int {
	n := len(q.items)
	q.items = nil
	return n
}

func (q *queue[T]) len() int { return len(q.items) }
