package connect

import (
	"context"
	"errors"
	"sync"

	"github.com/danmuck/kernelroute/internal/protocol"
)

var (
	ErrClosed          = errors.New("connect: transport closed")
	ErrUnsupportedType = errors.New("connect: unsupported envelope type")
)

// Sender delivers one envelope to the peer. Delivery is reliable and ordered.
type Sender interface {
	Send(ctx context.Context, env protocol.Envelope) error
}

// Receiver is a subscribable stream of inbound envelopes. Handlers run on the
// transport's delivery goroutine in arrival order and must not block on
// replies from the same transport.
type Receiver interface {
	Subscribe(fn func(protocol.Envelope)) (unsubscribe func())
}

// Conn is a bidirectional transport. Start begins inbound delivery, so
// subscribers registered before Start see every envelope.
type Conn interface {
	Sender
	Receiver
	Start()
	Done() <-chan struct{}
	Close() error
}

var (
	_ Conn = (*PipeEnd)(nil)
	_ Conn = (*FramedConn)(nil)
	_ Conn = (*WSConn)(nil)
)

// fanout is the ordered subscriber list shared by every transport.
type fanout struct {
	mu   sync.RWMutex
	next int
	subs []subscriber
}

type subscriber struct {
	id int
	fn func(protocol.Envelope)
}

func (f *fanout) Subscribe(fn func(protocol.Envelope)) func() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.next++
	id := f.next
	f.subs = append(f.subs, subscriber{id: id, fn: fn})
	var once sync.Once
	return func() {
		once.Do(func() {
			f.mu.Lock()
			defer f.mu.Unlock()
			for i, s := range f.subs {
				if s.id == id {
					f.subs = append(f.subs[:i:i], f.subs[i+1:]...)
					return
				}
			}
		})
	}
}

func (f *fanout) deliver(env protocol.Envelope) {
	f.mu.RLock()
	subs := make([]subscriber, len(f.subs))
	copy(subs, f.subs)
	f.mu.RUnlock()
	for _, s := range subs {
		s.fn(env)
	}
}
