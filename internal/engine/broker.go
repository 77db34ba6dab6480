package engine

import (
	"sync"

	"github.com/nateabele/jsengine/internal/model"
)

// subscriberBufferSize is the channel buffer for each output subscriber.
// Lines are dropped if a subscriber falls this far behind.
const subscriberBufferSize = 64

// OutputBroker fans a run's stream-tagged output lines out to live
// subscribers. Each topic tracks the next sequence number it expects, so a
// subscriber joining mid-run learns which earlier lines it must read from the
// store. It is safe for concurrent use.
//
// Closed topics are retained as markers so that late subscribers (those
// subscribing after a run finishes) receive a closed channel instead of
// blocking forever.
type OutputBroker struct {
	mu     sync.Mutex
	topics map[string]*outputTopic
}

type outputTopic struct {
	subs   map[int]chan model.OutputLine
	nextID int
	// nextSeq is one past the highest Seq published.
	nextSeq int
	closed  bool
}

// NewOutputBroker creates a new output broker.
func NewOutputBroker() *OutputBroker {
	return &OutputBroker{
		topics: make(map[string]*outputTopic),
	}
}

// Subscribe returns a channel that receives output lines for the given run,
// the first Seq the channel will carry and an unsubscribe function. Lines with
// a lower Seq were published before the call and are only in the store. If the
// run has already finished, the returned channel is closed.
func (b *OutputBroker) Subscribe(runID string) (<-chan model.OutputLine, int, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	t, ok := b.topics[runID]
	if !ok {
		t = &outputTopic{subs: make(map[int]chan model.OutputLine)}
		b.topics[runID] = t
	}

	ch := make(chan model.OutputLine, subscriberBufferSize)
	if t.closed {
		close(ch)
		return ch, t.nextSeq, func() {}
	}

	id := t.nextID
	t.nextID++
	t.subs[id] = ch

	return ch, t.nextSeq, func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		delete(t.subs, id)
	}
}

// Publish sends an output line to all subscribers of its run. Lines are
// dropped for subscribers whose buffers are full. Lines must be published in
// Seq order.
func (b *OutputBroker) Publish(line model.OutputLine) {
	b.mu.Lock()
	defer b.mu.Unlock()

	t, ok := b.topics[line.RunID]
	if !ok {
		t = &outputTopic{subs: make(map[int]chan model.OutputLine)}
		b.topics[line.RunID] = t
	}
	if t.closed {
		return
	}
	t.nextSeq = line.Seq + 1

	for _, ch := range t.subs {
		select {
		case ch <- line:
		default:
			// Never block the script goroutine on a slow reader.
		}
	}
}

// Close signals that no more output will be published for the given run.
// All subscriber channels are closed and future Subscribe calls return a
// closed channel.
func (b *OutputBroker) Close(runID string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	t, ok := b.topics[runID]
	if !ok {
		b.topics[runID] = &outputTopic{subs: make(map[int]chan model.OutputLine), closed: true}
		return
	}

	t.closed = true
	for id, ch := range t.subs {
		close(ch)
		delete(t.subs, id)
	}
}
