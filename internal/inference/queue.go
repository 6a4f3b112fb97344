package inference

import "sync"

// LineQueue hands output lines from the reading goroutine to the poller.
type LineQueue struct {
	mx    sync.Mutex
	lines []string
}

func (q *LineQueue) Push(line string) {
	q.mx.Lock()
	q.lines = append(q.lines, line)
	q.mx.Unlock()
}

// Drain removes and returns all queued lines in arrival order.
func (q *LineQueue) Drain() []string {
	q.mx.Lock()
	defer q.mx.Unlock()
	lines := q.lines
	q.lines = nil
	return lines
}

func (q *LineQueue) Len() int {
	q.mx.Lock()
	defer q.mx.Unlock()
	return len(q.lines)
}
