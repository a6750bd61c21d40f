package bus

import "sync"

// msgQueue is an unbounded FIFO feeding a subscription channel.
// push never blocks, so a publisher that is also a subscriber cannot
// deadlock on its own backlog.
type msgQueue struct {
	mu     sync.Mutex
	cond   *sync.Cond
	items  []*Message
	closed bool

	out  chan *Message
	done chan struct{}
}

func newMsgQueue(bufferSize int) *msgQueue {
	q := &msgQueue{
		out:  make(chan *Message, bufferSize),
		done: make(chan struct{}),
	}
	q.cond = sync.NewCond(&q.mu)
	go q.pump()
	return q
}

// push enqueues a message. Returns false once the queue is closed.
func (q *msgQueue) push(msg *Message) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return false
	}
	q.items = append(q.items, msg)
	q.cond.Signal()
	return true
}

// close stops delivery. Pending messages are discarded and the output
// channel is closed by the pump.
func (q *msgQueue) close() {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return
	}
	q.closed = true
	close(q.done)
	q.cond.Broadcast()
}

func (q *msgQueue) pump() {
	defer close(q.out)

	for {
		q.mu.Lock()
		for len(q.items) == 0 && !q.closed {
			q.cond.Wait()
		}
		if q.closed {
			q.items = nil
			q.mu.Unlock()
			return
		}
		msg := q.items[0]
		q.items[0] = nil
		q.items = q.items[1:]
		q.mu.Unlock()

		select {
		case q.out <- msg:
		case <-q.done:
			return
		}
	}
}
