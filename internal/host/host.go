package host

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"

	"github.com/danmuck/kernelroute/internal/connect"
	"github.com/danmuck/kernelroute/internal/kernel"
	"github.com/danmuck/kernelroute/internal/protocol"
	"github.com/danmuck/kernelroute/internal/protocol/routing"
	"github.com/rs/zerolog/log"
)

var (
	ErrNoConnector      = errors.New("host: no connector can reach uri")
	ErrAlreadyConnected = errors.New("host: already connected")
	ErrInvalidHostURI   = errors.New("host: invalid host uri")
	ErrConnectorExists  = errors.New("host: connector already registered")
)

type Option func(*Host)

// WithProxyOptions applies opts to every proxy kernel the host creates.
func WithProxyOptions(opts ...kernel.Option) Option {
	return func(h *Host) { h.proxyOpts = append(h.proxyOpts, opts...) }
}

// Host binds a composite kernel to the outside world: commands arriving on
// the default connector run on the composite and the composite's events go
// back out. Proxy kernels for remote kernels are created on whichever
// connector can reach them.
type Host struct {
	uri       string
	composite *kernel.CompositeKernel
	scheduler *kernel.Scheduler[*protocol.CommandEnvelope]
	proxyOpts []kernel.Option

	mu               sync.RWMutex
	defaultConnector *connect.Connector
	connectors       []*connect.Connector
	proxies          []*kernel.ProxyKernel
	stops            []func()
	connected        bool
	closed           bool
}

// New assigns uri to composite (re-deriving its children's URIs) and makes
// defaultConnector the first connector the host consults.
func New(composite *kernel.CompositeKernel, defaultConnector *connect.Connector, uri string, opts ...Option) (*Host, error) {
	uri = routing.NormalizeURI(uri)
	if routing.Authority(uri) == "" {
		return nil, fmt.Errorf("%w: %q", ErrInvalidHostURI, uri)
	}
	h := &Host{
		uri:              uri,
		composite:        composite,
		scheduler:        kernel.NewScheduler[*protocol.CommandEnvelope](),
		defaultConnector: defaultConnector,
	}
	for _, opt := range opts {
		opt(h)
	}
	if defaultConnector != nil {
		h.connectors = append(h.connectors, defaultConnector)
	}
	composite.SetURI(uri)
	return h, nil
}

func (h *Host) URI() string { return h.uri }

func (h *Host) Kernel() *kernel.CompositeKernel { return h.composite }

func (h *Host) DefaultConnector() *connect.Connector {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.defaultConnector
}

// mustTrampoline lets commands that answer an in-flight command skip the
// queue it is holding.
func mustTrampoline(env *protocol.CommandEnvelope) bool {
	switch env.CommandType() {
	case protocol.RequestInputType, protocol.SendEditableCodeType:
		return true
	default:
		return false
	}
}

// Connect starts serving the default connector. Inbound commands are queued
// on the host scheduler and sent to the composite; composite events are
// sent to the peer. A KernelReady event describing every local kernel is
// published once the binding is in place.
func (h *Host) Connect(ctx context.Context) error {
	h.mu.Lock()
	if h.connected {
		h.mu.Unlock()
		return ErrAlreadyConnected
	}
	conn := h.defaultConnector
	if conn == nil {
		h.mu.Unlock()
		return fmt.Errorf("%w: no default connector", ErrNoConnector)
	}
	h.connected = true
	h.mu.Unlock()

	stop, err := h.bind(ctx, conn)
	if err != nil {
		return err
	}
	h.mu.Lock()
	h.stops = append(h.stops, stop)
	h.mu.Unlock()
	return nil
}

// Attach serves an additional peer, such as a websocket client, the same
// way Connect serves the default connector. detach unbinds and unregisters
// the connector without closing it.
func (h *Host) Attach(ctx context.Context, conn *connect.Connector) (detach func(), err error) {
	if !h.TryAddConnector(conn) {
		return nil, ErrConnectorExists
	}
	stop, err := h.bind(ctx, conn)
	if err != nil {
		h.TryRemoveConnector(conn)
		return nil, err
	}
	return func() {
		stop()
		h.TryRemoveConnector(conn)
	}, nil
}

func (h *Host) bind(ctx context.Context, conn *connect.Connector) (func(), error) {
	h.scheduler.SetMustTrampoline(mustTrampoline)
	h.composite.Scheduler().SetMustTrampoline(mustTrampoline)

	stopEvents := h.composite.SubscribeToKernelEvents(func(ev *protocol.EventEnvelope) {
		if err := conn.Sender.Send(ctx, ev); err != nil {
			log.Warn().
				Str("host", h.uri).
				Str("event", ev.String()).
				Err(err).
				Msg("host.Host.bind forward event")
		}
	})
	stopCommands := conn.Receiver.Subscribe(func(env protocol.Envelope) {
		cmd, ok := env.(*protocol.CommandEnvelope)
		if !ok {
			return
		}
		h.scheduler.Schedule(ctx, cmd, h.runInbound)
	})
	stop := func() {
		stopEvents()
		stopCommands()
	}

	ready := protocol.NewEventEnvelope(&protocol.KernelReady{KernelInfos: h.readyInfos()}, nil)
	if err := ready.RoutingSlip().Stamp(h.uri); err != nil {
		stop()
		return nil, err
	}
	if err := conn.Sender.Send(ctx, ready); err != nil {
		stop()
		return nil, fmt.Errorf("host: announce kernels: %w", err)
	}
	log.Info().
		Str("host", h.uri).
		Strs("remote_hosts", conn.RemoteHostURIs()).
		Int("kernels", len(h.composite.ChildKernels())).
		Msg("host.Host.bind ready")
	return stop, nil
}

func (h *Host) runInbound(ctx context.Context, env *protocol.CommandEnvelope) error {
	log.Debug().
		Str("host", h.uri).
		Str("command", env.String()).
		Msg("host.Host.runInbound")
	err := h.composite.Send(ctx, env)
	if err != nil {
		log.Debug().
			Str("host", h.uri).
			Str("command", env.String()).
			Err(err).
			Msg("host.Host.runInbound failed")
	}
	return err
}

// ConnectProxyKernel adds a proxy named localName for remoteURI, using the
// first connector that can reach it.
func (h *Host) ConnectProxyKernel(localName, remoteURI string, aliases ...string) (*kernel.ProxyKernel, error) {
	conn, ok := h.TryGetConnector(remoteURI)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNoConnector, remoteURI)
	}
	return h.addProxy(conn, localName, remoteURI, aliases)
}

// ConnectProxyKernelOnDefaultConnector adds a proxy on the default connector
// whether or not the connector has seen remoteURI's host yet.
func (h *Host) ConnectProxyKernelOnDefaultConnector(localName, remoteURI string, aliases ...string) (*kernel.ProxyKernel, error) {
	conn := h.DefaultConnector()
	if conn == nil {
		return nil, fmt.Errorf("%w: no default connector", ErrNoConnector)
	}
	return h.addProxy(conn, localName, remoteURI, aliases)
}

func (h *Host) addProxy(conn *connect.Connector, localName, remoteURI string, aliases []string) (*kernel.ProxyKernel, error) {
	proxy := kernel.NewProxy(localName, conn.Sender, conn.Receiver, remoteURI, h.proxyOpts...)
	if err := h.composite.Add(proxy, aliases...); err != nil {
		proxy.Close()
		return nil, err
	}
	h.mu.Lock()
	h.proxies = append(h.proxies, proxy)
	h.mu.Unlock()
	log.Info().
		Str("host", h.uri).
		Str("proxy", proxy.URI()).
		Str("remote", proxy.RemoteURI()).
		Msg("host.Host.ConnectProxyKernel")
	return proxy, nil
}

// Proxies returns the proxies this host created.
func (h *Host) Proxies() []*kernel.ProxyKernel {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return slices.Clone(h.proxies)
}

// TryAddConnector registers conn unless it is already registered.
func (h *Host) TryAddConnector(conn *connect.Connector) bool {
	if conn == nil {
		return false
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if slices.Contains(h.connectors, conn) {
		return false
	}
	h.connectors = append(h.connectors, conn)
	return true
}

// TryRemoveConnector unregisters conn. The default connector cannot be
// removed.
func (h *Host) TryRemoveConnector(conn *connect.Connector) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if conn == nil || conn == h.defaultConnector {
		return false
	}
	i := slices.Index(h.connectors, conn)
	if i < 0 {
		return false
	}
	h.connectors = slices.Delete(h.connectors, i, i+1)
	return true
}

// TryGetConnector returns the first registered connector that can reach
// remoteURI, in registration order.
func (h *Host) TryGetConnector(remoteURI string) (*connect.Connector, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, conn := range h.connectors {
		if conn.CanReach(remoteURI) {
			return conn, true
		}
	}
	return nil, false
}

// GetKernel finds the local kernel env is addressed to, by destination URI
// first and then by target name.
func (h *Host) GetKernel(env *protocol.CommandEnvelope) (kernel.Node, bool) {
	base := env.Command().Base()
	if base.DestinationURI != "" {
		if n, ok := h.composite.FindKernelByURI(base.DestinationURI); ok {
			return n, true
		}
	}
	if name := strings.TrimSpace(base.TargetKernelName); name != "" {
		return h.composite.FindKernelByName(name)
	}
	return nil, false
}

// KernelInfos describes the composite followed by each child in insertion
// order.
func (h *Host) KernelInfos() []protocol.KernelInfo {
	children := h.composite.ChildKernels()
	infos := make([]protocol.KernelInfo, 0, len(children)+1)
	infos = append(infos, h.composite.KernelInfo())
	for _, child := range children {
		infos = append(infos, child.KernelInfo())
	}
	return infos
}

// readyInfos is what a peer is told on connect: the composite and its
// non-proxy children. Proxies usually point back at the peer itself.
func (h *Host) readyInfos() []protocol.KernelInfo {
	all := h.KernelInfos()
	out := all[:1]
	for _, info := range all[1:] {
		if !info.IsProxy {
			out = append(out, info)
		}
	}
	return out
}

// Close detaches from the connectors, closes proxies and closes every
// connector.
func (h *Host) Close() error {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return nil
	}
	h.closed = true
	stops := h.stops
	proxies := h.proxies
	connectors := h.connectors
	h.stops = nil
	h.mu.Unlock()

	for _, stop := range stops {
		stop()
	}
	for _, p := range proxies {
		p.Close()
	}
	var errs []error
	for _, conn := range connectors {
		if err := conn.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
