// Package bytequeue implements an ordered queue of byte buffers for the
// resumable upload engine. The producer appends at the tail, the upload loop
// pulls bounded slices from the head, and reconciliation can push unconfirmed
// bytes back to the head without reordering.
package bytequeue

// PullAll drains the whole queue when passed as the limit.
const PullAll = int64(-1)

// Queue is an ordered sequence of byte buffers with a cached total length.
// It is not safe for concurrent use; callers synchronize externally.
type Queue struct {
	buffers [][]byte
	length  int64
}

// New returns an empty queue.
func New() *Queue {
	return &Queue{}
}

// Append copies p and adds it at the tail of the queue. The caller may reuse
// p after Append returns.
func (q *Queue) Append(p []byte) {
	if len(p) == 0 {
		return
	}
	buf := make([]byte, len(p))
	copy(buf, p)
	q.buffers = append(q.buffers, buf)
	q.length += int64(len(buf))
}

// Requeue pushes p back to the head of the queue. It is used to restore
// bytes the server has not confirmed; p must be in original stream order.
// Unlike Append, ownership of p transfers to the queue.
func (q *Queue) Requeue(p []byte) {
	if len(p) == 0 {
		return
	}
	q.buffers = append([][]byte{p}, q.buffers...)
	q.length += int64(len(p))
}

// Pull removes and returns up to limit bytes from the head, splitting the
// head buffer if limit falls inside it. It returns fewer bytes only when the
// queue holds fewer than limit bytes. A limit of PullAll drains everything.
// Pull never blocks.
func (q *Queue) Pull(limit int64) []byte {
	if limit == PullAll || limit >= q.length {
		return q.drain()
	}
	if limit <= 0 {
		return nil
	}

	out := make([]byte, 0, limit)
	remaining := limit
	for remaining > 0 {
		head := q.buffers[0]
		if int64(len(head)) <= remaining {
			out = append(out, head...)
			remaining -= int64(len(head))
			q.buffers = q.buffers[1:]
			continue
		}
		out = append(out, head[:remaining]...)
		q.buffers[0] = head[remaining:]
		remaining = 0
	}
	q.length -= limit
	return out
}

// Len returns the total number of buffered bytes.
func (q *Queue) Len() int64 {
	return q.length
}

func (q *Queue) drain() []byte {
	if q.length == 0 {
		return nil
	}
	out := make([]byte, 0, q.length)
	for _, buf := range q.buffers {
		out = append(out, buf...)
	}
	q.buffers = nil
	q.length = 0
	return out
}
