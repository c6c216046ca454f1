// Package wsfanout implements the three WebSocket endpoints (spec C6):
// session stream, execution logs, and run events, each binding consumers
// to a hub through a bounded, drop-oldest outbound queue, following the
// sender/receiver goroutine pair pattern used in api/pkg/desktop/ws_stream.go.
package wsfanout

import (
	"net/http"
	"sync"

	"github.com/gorilla/websocket"
)

// Upgrader is shared across all three endpoints; CORS/origin checking is
// explicitly out of scope (spec §1) and left to an upstream reverse proxy.
var Upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

const defaultQueueCapacity = 500

// outboundQueue is a bounded, drop-oldest-then-enqueue-newest mailbox for a
// single client's outbound frames (spec §5 backpressure policy: "on
// overflow the oldest entry is dropped and the newest enqueued").
type outboundQueue struct {
	mu       sync.Mutex
	cond     *sync.Cond
	frames   [][]byte
	capacity int
	closed   bool
}

func newOutboundQueue(capacity int) *outboundQueue {
	if capacity <= 0 {
		capacity = defaultQueueCapacity
	}
	q := &outboundQueue{capacity: capacity}
	q.cond = sync.NewCond(&q.mu)
	return q
}

// enqueue never blocks: on overflow it drops the oldest queued frame.
func (q *outboundQueue) enqueue(frame []byte) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	q.frames = append(q.frames, frame)
	if overflow := len(q.frames) - q.capacity; overflow > 0 {
		q.frames = q.frames[overflow:]
	}
	q.cond.Signal()
}

// dequeue blocks until a frame is available or the queue is closed, in
// which case ok is false.
func (q *outboundQueue) dequeue() (frame []byte, ok bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for len(q.frames) == 0 && !q.closed {
		q.cond.Wait()
	}
	if len(q.frames) == 0 && q.closed {
		return nil, false
	}
	frame = q.frames[0]
	q.frames = q.frames[1:]
	return frame, true
}

func (q *outboundQueue) close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.closed = true
	q.cond.Broadcast()
}
