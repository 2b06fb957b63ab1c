package kernel

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/danmuck/kernelroute/internal/connect"
	"github.com/danmuck/kernelroute/internal/protocol"
	"github.com/danmuck/kernelroute/internal/protocol/routing"
	"github.com/danmuck/kernelroute/internal/protocol/session"
	"github.com/rs/zerolog/log"
)

// ProxyKernel stands in for a kernel on another host. Every command it
// handles is sent over the transport and the handler waits for the matching
// terminal reply; intermediate events are published into the local
// invocation context.
type ProxyKernel struct {
	*Kernel

	sender       connect.Sender
	remoteURI    string
	replyTimeout time.Duration
	outbox       *session.CommandOutbox

	pmu       sync.Mutex
	inFlight  map[string]*roundTrip
	closed    chan struct{}
	closeOnce sync.Once
	stop      func()
}

type roundTrip struct {
	env   *protocol.CommandEnvelope
	ic    *InvocationContext
	reply chan *protocol.EventEnvelope
}

func NewProxy(name string, sender connect.Sender, receiver connect.Receiver, remoteURI string, opts ...Option) *ProxyKernel {
	cfg := resolve(opts)
	p := &ProxyKernel{
		Kernel:       newKernel(name, cfg),
		sender:       sender,
		remoteURI:    routing.NormalizeURI(remoteURI),
		replyTimeout: cfg.replyTimeout,
		outbox:       session.NewCommandOutbox(),
		inFlight:     make(map[string]*roundTrip),
		closed:       make(chan struct{}),
	}
	p.updateInfo(func(info *protocol.KernelInfo) {
		info.IsProxy = true
		info.RemoteURI = p.remoteURI
	})
	p.mu.Lock()
	p.forward = p.forwardCommand
	p.mu.Unlock()
	p.RegisterCommandHandler(protocol.RequestKernelInfoType, p.forwardCommand)
	p.stop = receiver.Subscribe(p.onEnvelope)
	return p
}

func (p *ProxyKernel) RemoteURI() string { return p.remoteURI }

// InFlight lists forwarded commands still waiting for a terminal reply.
func (p *ProxyKernel) InFlight() []session.PendingCommand {
	return p.outbox.List()
}

// Close stops listening for replies and fails every waiting handler with
// ErrProxyClosed.
func (p *ProxyKernel) Close() {
	p.closeOnce.Do(func() {
		close(p.closed)
		p.stop()
	})
}

func (p *ProxyKernel) forwardCommand(ctx context.Context, inv Invocation) error {
	env := inv.Command
	// The scheduler hands env to one handler at a time and it is not encoded
	// until Send below, so the addresses are written without the envelope lock.
	base := env.Command().Base()
	if base.OriginURI == "" {
		base.OriginURI = p.URI()
	}
	if base.DestinationURI == "" {
		base.DestinationURI = p.remoteURI
	}

	if env.CommandType() == protocol.RequestKernelInfoType && env.RoutingSlip().Contains(p.remoteURI, true) {
		return nil
	}

	rt := &roundTrip{env: env, ic: inv.Context, reply: make(chan *protocol.EventEnvelope, 1)}
	token := env.Token()
	start := time.Now()
	p.track(token, rt)
	defer p.untrack(token, env.ID())

	queued := pendingFor(env, p.remoteURI, start, p.replyTimeout)
	p.outbox.Upsert(queued)
	p.metrics.SetProxyInFlight(p.name, p.outbox.Len())

	if err := p.sender.Send(ctx, env); err != nil {
		p.outbox.MarkAttempt(env.ID(), time.Now(), err.Error())
		p.metrics.ObserveProxyRoundTrip(p.name, OutcomeFailed, time.Since(start))
		return fmt.Errorf("%w: %s: %w", ErrProxySend, p.remoteURI, err)
	}
	p.outbox.MarkAttempt(env.ID(), time.Now(), "")

	var timeout <-chan time.Time
	if p.replyTimeout > 0 {
		timer := time.NewTimer(p.replyTimeout)
		defer timer.Stop()
		timeout = timer.C
	}

	select {
	case ev := <-rt.reply:
		if failed, ok := ev.Event().(*protocol.CommandFailed); ok {
			p.metrics.ObserveProxyRoundTrip(p.name, OutcomeFailed, time.Since(start))
			return &RemoteFailureError{RemoteURI: p.remoteURI, Message: failed.Message}
		}
		p.metrics.ObserveProxyRoundTrip(p.name, OutcomeSucceeded, time.Since(start))
		return nil
	case <-timeout:
		p.metrics.ObserveProxyRoundTrip(p.name, OutcomeTimeout, time.Since(start))
		return fmt.Errorf("%w: %s after %s", ErrProxyTimeout, env, p.replyTimeout)
	case <-ctx.Done():
		p.metrics.ObserveProxyRoundTrip(p.name, OutcomeCanceled, time.Since(start))
		return ctx.Err()
	case <-p.closed:
		return ErrProxyClosed
	}
}

// pendingFor builds the outbox record for env.
func pendingFor(env *protocol.CommandEnvelope, remoteURI string, now time.Time, timeout time.Duration) session.PendingCommand {
	item := session.PendingCommand{
		Token:       env.Token(),
		CommandID:   env.ID(),
		CommandType: string(env.CommandType()),
		RemoteURI:   remoteURI,
		QueuedAt:    now,
	}
	if timeout > 0 {
		item.DeadlineAt = now.Add(timeout)
	}
	return item
}

func (p *ProxyKernel) track(token string, rt *roundTrip) {
	p.pmu.Lock()
	defer p.pmu.Unlock()
	p.inFlight[token] = rt
}

func (p *ProxyKernel) untrack(token, id string) {
	p.pmu.Lock()
	delete(p.inFlight, token)
	p.pmu.Unlock()
	p.outbox.Remove(id)
	p.metrics.SetProxyInFlight(p.name, p.outbox.Len())
}

// lookup finds the round trip for token, falling back to the nearest
// in-flight ancestor for commands the remote side spawned as children.
func (p *ProxyKernel) lookup(token string) (*roundTrip, bool) {
	p.pmu.Lock()
	defer p.pmu.Unlock()
	if rt, ok := p.inFlight[token]; ok {
		return rt, true
	}
	for cur := token; ; {
		i := strings.LastIndexByte(cur, '.')
		if i < 0 {
			return nil, false
		}
		cur = cur[:i]
		if rt, ok := p.inFlight[cur]; ok {
			return rt, false
		}
	}
}

func (p *ProxyKernel) onEnvelope(env protocol.Envelope) {
	ev, ok := env.(*protocol.EventEnvelope)
	if !ok {
		return
	}
	cmd := ev.Command()

	if cmd == nil {
		if info, ok := p.remoteKernelInfo(ev); ok {
			if !ev.RoutingSlip().Contains(p.URI(), false) {
				p.publishEvent(ev)
			}
			p.mergeRemoteInfo(info)
			p.publishEvent(protocol.NewEventEnvelope(&protocol.KernelInfoProduced{KernelInfo: p.KernelInfo()}, nil))
		}
		return
	}

	rt, exact := p.lookup(cmd.Token())
	if rt == nil {
		log.Debug().
			Str("proxy", p.name).
			Str("event", ev.String()).
			Msg("kernel.ProxyKernel.onEnvelope no in-flight command")
		return
	}
	if exact {
		if err := rt.env.RoutingSlip().ContinueWith(cmd.RoutingSlip().ToArray()); err != nil {
			log.Warn().
				Str("proxy", p.name).
				Str("command", rt.env.String()).
				Err(err).
				Msg("kernel.ProxyKernel.onEnvelope routing slip diverged")
		}
	}

	if exact && ev.EventType().IsTerminal() && cmd.ID() == rt.env.ID() {
		select {
		case rt.reply <- ev:
		default:
		}
		return
	}
	if !p.hasSameOrigin(cmd) {
		log.Debug().
			Str("proxy", p.name).
			Str("event", ev.String()).
			Str("origin", cmd.Command().Base().OriginURI).
			Msg("kernel.ProxyKernel.onEnvelope foreign origin")
		return
	}

	if info, ok := p.remoteKernelInfo(ev); ok {
		p.mergeRemoteInfo(info)
		synth := protocol.NewEventEnvelope(&protocol.KernelInfoProduced{KernelInfo: p.KernelInfo()}, rt.env)
		if err := synth.RoutingSlip().ContinueWith(ev.RoutingSlip().ToArray()); err == nil {
			p.delegate(rt, synth)
		}
		p.delegate(rt, ev)
		return
	}
	p.delegate(rt, ev)
}

// hasSameOrigin reports whether cmd was sent through this proxy or carries
// no origin. Events caused by a sibling proxy on the same connector belong
// to that sibling.
func (p *ProxyKernel) hasSameOrigin(cmd *protocol.CommandEnvelope) bool {
	origin := cmd.Command().Base().OriginURI
	return origin == "" || routing.NormalizeURI(origin) == p.URI()
}

// delegate publishes a remote event into the waiting command's invocation
// context unless it already passed through this kernel.
func (p *ProxyKernel) delegate(rt *roundTrip, ev *protocol.EventEnvelope) {
	if ev.RoutingSlip().Contains(p.URI(), false) {
		return
	}
	rt.ic.publishAs(p.Kernel, ev)
}

func (p *ProxyKernel) remoteKernelInfo(ev *protocol.EventEnvelope) (protocol.KernelInfo, bool) {
	produced, ok := ev.Event().(*protocol.KernelInfoProduced)
	if !ok {
		return protocol.KernelInfo{}, false
	}
	if routing.NormalizeURI(produced.KernelInfo.URI) != p.remoteURI {
		return protocol.KernelInfo{}, false
	}
	return produced.KernelInfo, true
}

// mergeRemoteInfo folds the remote kernel's announced capabilities into the
// local info. Previously known commands are kept.
func (p *ProxyKernel) mergeRemoteInfo(remote protocol.KernelInfo) {
	p.updateInfo(func(info *protocol.KernelInfo) {
		info.Merge(remote)
		info.IsProxy = true
		info.RemoteURI = p.remoteURI
	})
}
