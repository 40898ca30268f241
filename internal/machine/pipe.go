package machine

import (
	"context"
	"errors"
	"io"
	"sync"
)

// ErrClosed is returned by Sender methods once either end of the pipe has
// been closed.
var ErrClosed = errors.New("pipe closed")

// pipe is an unbounded, ordered, single-producer/single-consumer byte queue.
// Sends never block. Receives block until a byte is queued or the sending
// side closes.
type pipe struct {
	mu   sync.Mutex
	buf  []byte
	head int
	// ready carries at most one pending wakeup for the receiver.
	ready chan struct{}
	// err is delivered to the receiver once buf is drained. Non-nil means
	// the sender has closed.
	err        error
	readerGone bool
}

// Sender is the producing end of a pipe.
type Sender struct{ p *pipe }

// Receiver is the consuming end of a pipe.
type Receiver struct{ p *pipe }

// NewPipe returns the two ends of a new unbounded byte pipe.
func NewPipe() (*Sender, *Receiver) {
	p := &pipe{ready: make(chan struct{}, 1)}
	return &Sender{p: p}, &Receiver{p: p}
}

func (p *pipe) wake() {
	select {
	case p.ready <- struct{}{}:
	default:
	}
}

// Send queues b. It returns ErrClosed if the sender was closed or the
// receiver has gone away.
func (s *Sender) Send(b byte) error {
	p := s.p
	p.mu.Lock()
	if p.err != nil || p.readerGone {
		p.mu.Unlock()
		return ErrClosed
	}
	p.buf = append(p.buf, b)
	p.mu.Unlock()
	p.wake()
	return nil
}

// Write queues every byte of data. It implements io.Writer.
func (s *Sender) Write(data []byte) (int, error) {
	p := s.p
	p.mu.Lock()
	if p.err != nil || p.readerGone {
		p.mu.Unlock()
		return 0, ErrClosed
	}
	p.buf = append(p.buf, data...)
	p.mu.Unlock()
	p.wake()
	return len(data), nil
}

// Close marks the end of the stream. The receiver observes io.EOF after
// draining every queued byte.
func (s *Sender) Close() error {
	return s.CloseWithError(nil)
}

// CloseWithError closes the stream with a terminal error that the receiver
// observes after draining every queued byte. A nil err means io.EOF. Only
// the first close takes effect.
func (s *Sender) CloseWithError(err error) error {
	if err == nil {
		err = io.EOF
	}
	p := s.p
	p.mu.Lock()
	if p.err == nil {
		p.err = err
	}
	p.mu.Unlock()
	p.wake()
	return nil
}

// Recv blocks until a byte is available, the sender closes, or ctx is done.
// After the sender closes and the queue drains, Recv returns the close
// error (io.EOF for a plain Close).
func (r *Receiver) Recv(ctx context.Context) (byte, error) {
	p := r.p
	for {
		p.mu.Lock()
		if p.head < len(p.buf) {
			b := p.buf[p.head]
			p.advance(1)
			p.mu.Unlock()
			return b, nil
		}
		err := p.err
		p.mu.Unlock()
		if err != nil {
			return 0, err
		}

		select {
		case <-p.ready:
		case <-ctx.Done():
			return 0, ctx.Err()
		}
	}
}

// Read blocks until at least one byte is available and copies as many
// queued bytes as fit into data. It implements io.Reader.
func (r *Receiver) Read(data []byte) (int, error) {
	if len(data) == 0 {
		return 0, nil
	}
	p := r.p
	for {
		p.mu.Lock()
		if p.head < len(p.buf) {
			n := copy(data, p.buf[p.head:])
			p.advance(n)
			p.mu.Unlock()
			return n, nil
		}
		err := p.err
		p.mu.Unlock()
		if err != nil {
			return 0, err
		}
		<-p.ready
	}
}

// ReadAll reads until the sender closes. It returns every byte received and
// the close error, with io.EOF reported as nil.
func (r *Receiver) ReadAll(ctx context.Context) ([]byte, error) {
	var out []byte
	buf := make([]byte, 512)
	for {
		n, err := r.readContext(ctx, buf)
		out = append(out, buf[:n]...)
		if errors.Is(err, io.EOF) {
			return out, nil
		}
		if err != nil {
			return out, err
		}
	}
}

func (r *Receiver) readContext(ctx context.Context, data []byte) (int, error) {
	b, err := r.Recv(ctx)
	if err != nil {
		return 0, err
	}
	data[0] = b
	p := r.p
	p.mu.Lock()
	n := copy(data[1:], p.buf[p.head:])
	p.advance(n)
	p.mu.Unlock()
	return n + 1, nil
}

// Close tells the sender that nobody is reading any more. Queued bytes are
// discarded and later sends fail with ErrClosed.
func (r *Receiver) Close() error {
	p := r.p
	p.mu.Lock()
	p.readerGone = true
	p.buf = nil
	p.head = 0
	p.mu.Unlock()
	return nil
}

// Buffered returns the number of queued bytes not yet received.
func (r *Receiver) Buffered() int {
	p := r.p
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.buf) - p.head
}

// advance consumes n bytes. p.mu must be held.
func (p *pipe) advance(n int) {
	p.head += n
	if p.head == len(p.buf) {
		p.buf = p.buf[:0]
		p.head = 0
	}
}
