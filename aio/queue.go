package aio

// queue is an intrusive singly-linked FIFO of *Completion. Nodes are the
// Completion values themselves (via the embedded next pointer), so pushing
// never allocates. A Completion may only be linked into one queue at a time.
type queue struct {
	head *Completion
	tail *Completion
	n    int
}

func (q *queue) push(c *Completion) {
	c.next = nil
	if q.tail == nil {
		q.head = c
		q.tail = c
	} else {
		q.tail.next = c
		q.tail = c
	}
	q.n++
}

func (q *queue) pop() *Completion {
	c := q.head
	if c == nil {
		return nil
	}
	q.head = c.next
	if q.head == nil {
		q.tail = nil
	}
	c.next = nil
	q.n--
	return c
}

func (q *queue) len() int {
	return q.n
}

// remove scans from head and unlinks target if present. O(n), used when
// canceling a completion that is still queued (not yet submitted or
// dispatched) and when pulling expired timers out of a timer queue.
func (q *queue) remove(target *Completion) bool {
	var prev *Completion
	for c := q.head; c != nil; c = c.next {
		if c == target {
			if prev == nil {
				q.head = c.next
			} else {
				prev.next = c.next
			}
			if q.tail == c {
				q.tail = prev
			}
			c.next = nil
			q.n--
			return true
		}
		prev = c
	}
	return false
}

// drain pops every queued completion, invoking fn for each, in FIFO order.
func (q *queue) drain(fn func(*Completion)) {
	for {
		c := q.pop()
		if c == nil {
			return
		}
		fn(c)
	}
}
