package headless

import (
	"sync"
	"time"

	"github.com/cockroachdb/errors"

	"github.com/spaghettifunk/rsx/engine/containers"
	"github.com/spaghettifunk/rsx/engine/core"
	"github.com/spaghettifunk/rsx/engine/renderer/gpu"
)

const maxPendingSubmissions = 64

type submission struct {
	cmds    []*commandList
	fence   *fence
	value   uint64
	present *swapChain
	image   uint32
}

// queue executes submissions in order. Unless manual completion was
// requested, a worker goroutine drains it.
type queue struct {
	device  *Device
	manual  bool
	latency time.Duration

	mu      sync.Mutex
	cond    *sync.Cond
	work    *containers.RingQueue[submission]
	running bool
	closed  bool
	done    chan struct{}
}

func newQueue(d *Device, manual bool, latency time.Duration) *queue {
	q := &queue{
		device:  d,
		manual:  manual,
		latency: latency,
		work:    containers.NewRingQueue[submission](maxPendingSubmissions),
		done:    make(chan struct{}),
	}
	q.cond = sync.NewCond(&q.mu)
	if manual {
		close(q.done)
	} else {
		go q.start()
	}
	return q
}

func (q *queue) start() {
	defer close(q.done)
	for {
		q.mu.Lock()
		for q.work.IsEmpty() && !q.closed {
			q.cond.Wait()
		}
		if q.work.IsEmpty() && q.closed {
			q.mu.Unlock()
			return
		}
		s, _ := q.work.Dequeue()
		q.running = true
		q.mu.Unlock()
		q.cond.Broadcast()

		if q.latency > 0 {
			time.Sleep(q.latency)
		}
		q.run(s)

		q.mu.Lock()
		q.running = false
		q.mu.Unlock()
		q.cond.Broadcast()
	}
}

func (q *queue) enqueue(s submission) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return errors.New("queue is closed")
	}
	for q.work.IsFull() {
		if q.manual {
			return errors.Newf("more than %d submissions pending without completion", maxPendingSubmissions)
		}
		q.cond.Wait()
	}
	if err := q.work.Enqueue(s); err != nil {
		return err
	}
	q.cond.Broadcast()
	return nil
}

func (q *queue) run(s submission) {
	for _, c := range s.cmds {
		c.execute()
	}
	if s.present != nil {
		s.present.execute(s.image)
	}
	if s.fence != nil {
		s.fence.signal(s.value)
	}
}

func (q *queue) advance(n int) int {
	ran := 0
	for ran < n {
		q.mu.Lock()
		s, err := q.work.Dequeue()
		q.mu.Unlock()
		if err != nil {
			break
		}
		q.run(s)
		ran++
	}
	if ran > 0 {
		q.cond.Broadcast()
	}
	return ran
}

func (q *queue) pending() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	n := q.work.Len()
	if q.running {
		n++
	}
	return n
}

func (q *queue) Execute(cmds ...gpu.CommandContext) error {
	s := submission{}
	for _, c := range cmds {
		cl, ok := c.(*commandList)
		if !ok {
			return errors.Newf("foreign command context %T", c)
		}
		if cl.open {
			return errors.New("executing a command context that was not closed")
		}
		cl.inFlight.Add(1)
		s.cmds = append(s.cmds, cl)
	}
	if err := q.enqueue(s); err != nil {
		for _, cl := range s.cmds {
			cl.inFlight.Add(-1)
		}
		return err
	}
	q.device.mu.Lock()
	q.device.stats.Submissions++
	q.device.mu.Unlock()
	return nil
}

func (q *queue) Signal(f gpu.Fence, value uint64) error {
	hf, ok := f.(*fence)
	if !ok {
		return errors.Newf("foreign fence %T", f)
	}
	return q.enqueue(submission{fence: hf, value: value})
}

// WaitIdle blocks until every submission executed. With manual completion the
// pending work runs on the calling goroutine.
func (q *queue) WaitIdle() error {
	if q.manual {
		q.advance(maxPendingSubmissions)
		return nil
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	for !q.work.IsEmpty() || q.running {
		q.cond.Wait()
	}
	return nil
}

func (q *queue) close() {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.closed = true
	q.mu.Unlock()
	q.cond.Broadcast()
	if q.manual {
		q.advance(maxPendingSubmissions)
	}
	<-q.done
	core.LogDebug("headless queue stopped")
}
