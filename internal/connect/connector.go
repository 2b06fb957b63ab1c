package connect

import (
	"io"
	"slices"
	"sync"

	"github.com/danmuck/kernelroute/internal/protocol"
	"github.com/danmuck/kernelroute/internal/protocol/routing"
)

// Connector pairs a Sender with a Receiver and learns which remote hosts are
// reachable through them from the events that arrive.
type Connector struct {
	Sender   Sender
	Receiver Receiver

	mu          sync.RWMutex
	authorities []string
	stop        func()
	closeOnce   sync.Once
}

// NewConnector wraps sender and receiver. remoteURIs seed the reachable set
// before any event has been seen.
func NewConnector(sender Sender, receiver Receiver, remoteURIs ...string) *Connector {
	c := &Connector{Sender: sender, Receiver: receiver}
	for _, uri := range remoteURIs {
		c.learn(uri)
	}
	c.stop = receiver.Subscribe(c.observe)
	return c
}

// CanReach reports whether uri's host has been seen on this connector.
func (c *Connector) CanReach(uri string) bool {
	authority := routing.Authority(uri)
	if authority == "" {
		return false
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	return slices.Contains(c.authorities, authority)
}

// RemoteHostURIs returns the known remote host authorities in discovery order.
func (c *Connector) RemoteHostURIs() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return slices.Clone(c.authorities)
}

// Close stops observing the receiver and closes the transport when it
// supports closing.
func (c *Connector) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.stop()
		if closer, ok := c.Sender.(io.Closer); ok {
			err = closer.Close()
		}
	})
	return err
}

func (c *Connector) observe(env protocol.Envelope) {
	ev, ok := env.(*protocol.EventEnvelope)
	if !ok {
		return
	}
	switch e := ev.Event().(type) {
	case *protocol.KernelInfoProduced:
		if e.KernelInfo.RemoteURI == "" {
			c.learn(e.KernelInfo.URI)
		}
	case *protocol.KernelReady:
		for _, info := range e.KernelInfos {
			if info.RemoteURI == "" {
				c.learn(info.URI)
			}
		}
	}
	if entries := ev.RoutingSlip().ToArray(); len(entries) > 0 {
		c.learn(entries[0])
	}
}

func (c *Connector) learn(uri string) {
	authority := routing.Authority(uri)
	if authority == "" {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if !slices.Contains(c.authorities, authority) {
		c.authorities = append(c.authorities, authority)
	}
}
