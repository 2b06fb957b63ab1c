package connect

import (
	"context"
	"sync"

	"github.com/danmuck/kernelroute/internal/protocol"
	"github.com/rs/zerolog/log"
)

// PipeEnd is one side of an in-process transport. Envelopes cross the pipe
// in their wire encoding so both sides see exactly what a network peer would.
type PipeEnd struct {
	fanout

	peer *PipeEnd

	mu        sync.Mutex
	cond      *sync.Cond
	queue     [][]byte
	closed    bool
	startOnce sync.Once
	done      chan struct{}
}

// NewPipe returns two connected ends. Envelopes sent before an end is
// started are queued; once started, each end delivers on its own goroutine
// in send order.
func NewPipe() (*PipeEnd, *PipeEnd) {
	a, b := newPipeEnd(), newPipeEnd()
	a.peer, b.peer = b, a
	return a, b
}

func newPipeEnd() *PipeEnd {
	p := &PipeEnd{done: make(chan struct{})}
	p.cond = sync.NewCond(&p.mu)
	return p
}

func (p *PipeEnd) Send(ctx context.Context, env protocol.Envelope) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	data, err := protocol.EncodeEnvelope(env)
	if err != nil {
		return err
	}
	return p.peer.enqueue(data)
}

func (p *PipeEnd) Start() {
	p.startOnce.Do(func() { go p.run() })
}

// Close shuts down both ends. Queued envelopes are still delivered.
func (p *PipeEnd) Close() error {
	p.shutdown()
	p.peer.shutdown()
	p.Start()
	p.peer.Start()
	return nil
}

// Done is closed once this end has delivered everything and stopped.
func (p *PipeEnd) Done() <-chan struct{} {
	return p.done
}

func (p *PipeEnd) shutdown() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	p.cond.Broadcast()
}

func (p *PipeEnd) enqueue(data []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return ErrClosed
	}
	p.queue = append(p.queue, data)
	p.cond.Signal()
	return nil
}

func (p *PipeEnd) run() {
	defer close(p.done)
	for {
		p.mu.Lock()
		for len(p.queue) == 0 && !p.closed {
			p.cond.Wait()
		}
		if len(p.queue) == 0 {
			p.mu.Unlock()
			return
		}
		data := p.queue[0]
		p.queue[0] = nil
		p.queue = p.queue[1:]
		p.mu.Unlock()

		env, err := protocol.DecodeEnvelope(data)
		if err != nil {
			log.Warn().Err(err).Msg("connect.PipeEnd.run decode envelope")
			continue
		}
		p.deliver(env)
	}
}
