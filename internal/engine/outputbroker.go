package engine

import "sync"

// subscriberBufferSize is how many chunks a subscriber may fall behind
// before chunks are skipped for it. Skipped chunks remain in the persisted
// history under the same seq.
const subscriberBufferSize = 64

// OutputChunk is one slice of program output. Seq numbers the chunks of a
// run from zero and matches the seq of the persisted copy.
type OutputChunk struct {
	Seq  int
	Data []byte
}

// OutputSubscription receives the live output of one run.
type OutputSubscription struct {
	// C delivers chunks in seq order and is closed when the run finishes.
	// A subscriber that falls behind sees a jump in Seq.
	C <-chan OutputChunk
	// Next is the seq of the first chunk that can arrive on C. Chunks
	// before it were published, and persisted, before the subscription.
	Next int

	ch     chan OutputChunk
	feed   *outputFeed
	broker *OutputBroker
}

// Close detaches the subscription. C is not closed by it.
func (s *OutputSubscription) Close() {
	s.broker.mu.Lock()
	defer s.broker.mu.Unlock()
	delete(s.feed.subs, s)
}

// outputFeed is the per-run fan-out state.
type outputFeed struct {
	subs     map[*OutputSubscription]struct{}
	next     int
	finished bool
}

// OutputBroker fans out the output chunks of in-flight runs to live
// subscribers. It is safe for concurrent use.
//
// The engine persists every chunk before publishing it, so a subscriber can
// rebuild a gap-free stream from the history up to Next, the live chunks,
// and the history again for any seq it skipped.
type OutputBroker struct {
	mu    sync.Mutex
	feeds map[string]*outputFeed
}

// NewOutputBroker creates an empty broker.
func NewOutputBroker() *OutputBroker {
	return &OutputBroker{feeds: make(map[string]*outputFeed)}
}

// feed returns the feed for runID, creating it if needed. b.mu must be held.
func (b *OutputBroker) feed(runID string) *outputFeed {
	f, ok := b.feeds[runID]
	if !ok {
		f = &outputFeed{subs: make(map[*OutputSubscription]struct{})}
		b.feeds[runID] = f
	}
	return f
}

// Subscribe attaches to the live output of a run. When the run has already
// finished the subscription's channel is closed on return.
func (b *OutputBroker) Subscribe(runID string) *OutputSubscription {
	b.mu.Lock()
	defer b.mu.Unlock()

	f := b.feed(runID)
	ch := make(chan OutputChunk, subscriberBufferSize)
	sub := &OutputSubscription{C: ch, Next: f.next, ch: ch, feed: f, broker: b}
	if f.finished {
		close(ch)
		return sub
	}
	f.subs[sub] = struct{}{}
	return sub
}

// Publish delivers chunk seq of a run to its subscribers and reports how
// many of them skipped it because their buffer was full. Subscribers must
// not modify data.
func (b *OutputBroker) Publish(runID string, seq int, data []byte) (dropped int) {
	b.mu.Lock()
	defer b.mu.Unlock()

	f := b.feed(runID)
	if f.finished {
		return 0
	}
	if seq >= f.next {
		f.next = seq + 1
	}

	c := OutputChunk{Seq: seq, Data: data}
	for sub := range f.subs {
		select {
		case sub.ch <- c:
		default:
			dropped++
		}
	}
	return dropped
}

// Finish marks a run's output complete. Current subscriptions are closed and
// later ones start closed.
func (b *OutputBroker) Finish(runID string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	f := b.feed(runID)
	f.finished = true
	for sub := range f.subs {
		close(sub.ch)
		delete(f.subs, sub)
	}
}
