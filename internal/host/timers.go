package host

import (
	"container/heap"
	"context"
	"fmt"
	"math"
	"time"

	"github.com/dop251/goja"
)

// DefaultMaxPendingTimers bounds the registered-but-unresolved timers of one
// instance when Options leaves the limit unset.
const DefaultMaxPendingTimers = 10_000

// maxDelayMillis is the largest delay honored, 2^31-1 ms.
const maxDelayMillis = math.MaxInt32

// TimerState is the lifecycle position of one registered timer.
type TimerState int

const (
	TimerRegistered TimerState = iota
	TimerResolved
	TimerHandlerInvoked
	TimerCancelled
)

func (s TimerState) String() string {
	switch s {
	case TimerRegistered:
		return "registered"
	case TimerResolved:
		return "resolved"
	case TimerHandlerInvoked:
		return "handler_invoked"
	case TimerCancelled:
		return "cancelled"
	}
	return fmt.Sprintf("TimerState(%d)", int(s))
}

var timerTransitions = map[TimerState][]TimerState{
	TimerRegistered: {TimerResolved, TimerCancelled},
	TimerResolved:   {TimerHandlerInvoked},
}

func validTimerTransition(from, to TimerState) bool {
	for _, s := range timerTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

type timer struct {
	id    int64
	delay time.Duration

	// order is the macrotask start plus delay; it decides firing order.
	order time.Time
	// due is registration time plus delay; the timer never fires before it.
	due time.Time

	state   TimerState
	resolve func()
	index   int
}

func (t *timer) to(next TimerState) bool {
	if !validTimerTransition(t.state, next) {
		return false
	}
	t.state = next
	return true
}

// timerQueue is a min-heap on (order, id).
type timerQueue []*timer

func (q timerQueue) Len() int { return len(q) }

func (q timerQueue) Less(a, b int) bool {
	if !q[a].order.Equal(q[b].order) {
		return q[a].order.Before(q[b].order)
	}
	return q[a].id < q[b].id
}

func (q timerQueue) Swap(a, b int) {
	q[a], q[b] = q[b], q[a]
	q[a].index = a
	q[b].index = b
}

func (q *timerQueue) Push(x any) {
	t := x.(*timer)
	t.index = len(*q)
	*q = append(*q, t)
}

func (q *timerQueue) Pop() any {
	old := *q
	n := len(old)
	t := old[n-1]
	old[n-1] = nil
	t.index = -1
	*q = old[:n-1]
	return t
}

func (q timerQueue) peek() *timer {
	if len(q) == 0 {
		return nil
	}
	return q[0]
}

func clampDelay(ms float64) time.Duration {
	if math.IsNaN(ms) || ms <= 0 {
		return 0
	}
	if ms > maxDelayMillis {
		ms = maxDelayMillis
	}
	return time.Duration(ms * float64(time.Millisecond))
}

// opSetTimeout is the privileged timer primitive. It returns the deferred
// promise with a read-only timerId property, or an already rejected promise
// when the instance is at its timer limit.
func (i *Instance) opSetTimeout(delayMillis float64) goja.Value {
	p, resolve, reject := i.vm.NewPromise()
	deferred := i.vm.ToValue(p).(*goja.Object)

	if i.timers.Len() >= i.maxTimers {
		i.logger.Warn("timer limit reached", "limit", i.maxTimers)
		reason := i.vm.NewGoError(fmt.Errorf("timer limit of %d pending timers reached", i.maxTimers))
		_ = reason.Set("name", "TimerError")
		reject(reason)
		return deferred
	}

	i.nextTimerID++
	now := time.Now()
	delay := clampDelay(delayMillis)
	t := &timer{
		id:    i.nextTimerID,
		delay: delay,
		order: i.tickStart.Add(delay),
		due:   now.Add(delay),
		state: TimerRegistered,
		resolve: func() {
			resolve(goja.Undefined())
		},
	}
	heap.Push(&i.timers, t)
	i.pending.Add(1)

	_ = deferred.DefineDataProperty("timerId", i.vm.ToValue(t.id), goja.FLAG_FALSE, goja.FLAG_FALSE, goja.FLAG_TRUE)
	return deferred
}

// drain runs the event loop until done reports true or no timers remain.
// Each timer is its own macrotask: its deferred is resolved and the microtask
// queue emptied, which runs the handler, before the next timer is considered.
// An unhandled rejection stops the loop with a ScriptEvaluationError.
func (i *Instance) drain(ctx context.Context, done func() bool) error {
	for {
		if err := i.takeRejection(); err != nil {
			return err
		}
		if done != nil && done() {
			return nil
		}
		t := i.timers.peek()
		if t == nil {
			return nil
		}
		if err := i.wait(ctx, t.due); err != nil {
			return err
		}
		heap.Pop(&i.timers)
		if err := i.fire(t); err != nil {
			return err
		}
	}
}

func (i *Instance) wait(ctx context.Context, until time.Time) error {
	d := time.Until(until)
	if d <= 0 {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-i.stop:
			return ErrShutdown
		default:
			return nil
		}
	}

	tm := time.NewTimer(d)
	defer tm.Stop()
	select {
	case <-tm.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-i.stop:
		return ErrShutdown
	}
}

func (i *Instance) fire(t *timer) error {
	if !t.to(TimerResolved) {
		return nil
	}
	i.pending.Add(-1)
	i.tickStart = time.Now()
	t.resolve()

	// Running an empty program makes goja drain its job queue, which invokes
	// the handler attached by the shim.
	_, err := i.vm.RunProgram(checkpoint)
	t.to(TimerHandlerInvoked)
	return err
}

func (i *Instance) cancelTimers() int {
	n := 0
	for _, t := range i.timers {
		if t.to(TimerCancelled) {
			n++
		}
	}
	i.timers = nil
	i.pending.Store(0)
	return n
}
