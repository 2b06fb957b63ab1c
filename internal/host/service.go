package host

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os/signal"
	"slices"
	"sync"
	"syscall"
	"time"

	"github.com/danmuck/kernelroute/internal/config"
	"github.com/danmuck/kernelroute/internal/connect"
	"github.com/danmuck/kernelroute/internal/kernel"
	"github.com/danmuck/kernelroute/internal/kernels"
	"github.com/danmuck/kernelroute/internal/observability"
	"github.com/danmuck/kernelroute/internal/protocol"
	"github.com/danmuck/kernelroute/internal/protocol/session"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
)

var ErrPeerLost = errors.New("host: peer session lost")

const proxyPollInterval = 100 * time.Millisecond

// Service runs one kernel host as a process: it builds the kernel tree from
// config, reaches the peer host, connects configured proxies and serves the
// admin HTTP surface until the context ends.
type Service struct {
	cfg     config.HostConfig
	metrics kernel.Metrics

	mu        sync.RWMutex
	host      *Host
	admin     *Admin
	adminAddr net.Addr
	peerAddr  net.Addr
	ready     chan struct{}
}

func NewService(cfg config.HostConfig) (*Service, error) {
	if err := config.Validate(cfg); err != nil {
		return nil, err
	}
	cfg.Peer.Session = cfg.Peer.Session.WithDefaults()
	return &Service{
		cfg:     cfg,
		metrics: observability.NewKernelMetrics(),
		ready:   make(chan struct{}),
	}, nil
}

// Run blocks until SIGINT or SIGTERM.
func (s *Service) Run() error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	return s.Serve(ctx)
}

// Ready is closed once the kernel tree, peer transport and admin listener
// are in place.
func (s *Service) Ready() <-chan struct{} { return s.ready }

func (s *Service) Host() *Host {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.host
}

// AdminAddr is the bound admin address, or nil when the admin surface is off.
func (s *Service) AdminAddr() net.Addr {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.adminAddr
}

// PeerAddr is the bound peer listener address in listen mode.
func (s *Service) PeerAddr() net.Addr {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.peerAddr
}

// Serve runs the host until ctx ends or a supervised loop fails.
func (s *Service) Serve(ctx context.Context) error {
	composite, err := s.buildKernels()
	if err != nil {
		return err
	}

	g, ctx := errgroup.WithContext(ctx)
	proxyOpts := WithProxyOptions(
		kernel.WithReplyTimeout(s.cfg.Peer.Session.ReplyTimeout),
		kernel.WithMetrics(s.metrics),
	)

	var h *Host
	var ln *connect.Listener
	switch s.cfg.Peer.Mode {
	case config.PeerModeDial:
		fc, err := connect.Dial(ctx, s.cfg.Peer.Address, s.hello(composite), s.cfg.Peer.Session)
		if err != nil {
			return fmt.Errorf("host: dial peer %s: %w", s.cfg.Peer.Address, err)
		}
		conn := connect.NewConnector(fc, fc, fc.PeerHostURI())
		if h, err = New(composite, conn, s.cfg.URI, proxyOpts); err != nil {
			_ = fc.Close()
			return err
		}
		if err := h.Connect(ctx); err != nil {
			_ = h.Close()
			return err
		}
		fc.Start()
		g.Go(func() error {
			select {
			case <-ctx.Done():
				return nil
			case <-fc.Done():
				return fmt.Errorf("%w: %v", ErrPeerLost, fc.Err())
			}
		})
	case config.PeerModeListen:
		if ln, err = connect.Listen(s.cfg.Peer.Address, s.cfg.URI, s.cfg.Peer.Session); err != nil {
			return fmt.Errorf("host: listen %s: %w", s.cfg.Peer.Address, err)
		}
		if h, err = New(composite, nil, s.cfg.URI, proxyOpts); err != nil {
			_ = ln.Close()
			return err
		}
		g.Go(func() error { return s.acceptPeers(ctx, ln, h) })
	default:
		if h, err = New(composite, nil, s.cfg.URI, proxyOpts); err != nil {
			return err
		}
	}
	defer func() { _ = h.Close() }()

	var admin *Admin
	var srv *http.Server
	if s.cfg.AdminAddr != "" {
		admin = NewAdmin(ctx, h, s.cfg.CorsOrigins, s.cfg.AdminToken, s.cfg.Peer.Session.WriteTimeout)
		adminLn, err := net.Listen("tcp", s.cfg.AdminAddr)
		if err != nil {
			if ln != nil {
				_ = ln.Close()
			}
			return fmt.Errorf("host: admin listen %s: %w", s.cfg.AdminAddr, err)
		}
		srv = &http.Server{Handler: admin.Router(), ReadHeaderTimeout: 5 * time.Second}
		g.Go(func() error {
			if err := srv.Serve(adminLn); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		})
		s.mu.Lock()
		s.adminAddr = adminLn.Addr()
		s.mu.Unlock()
	}

	s.mu.Lock()
	s.host = h
	s.admin = admin
	if ln != nil {
		s.peerAddr = ln.Addr()
	}
	s.mu.Unlock()

	if len(s.cfg.Proxies) > 0 {
		g.Go(func() error { return s.connectProxies(ctx, h) })
	}
	g.Go(func() error { return s.heartbeat(ctx, h) })
	g.Go(func() error {
		<-ctx.Done()
		if ln != nil {
			_ = ln.Close()
		}
		if srv != nil {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = srv.Shutdown(shutdownCtx)
		}
		return nil
	})

	if admin != nil {
		admin.SetReady(true)
	}
	close(s.ready)
	log.Info().
		Str("host", h.URI()).
		Str("peer_mode", string(s.cfg.Peer.Mode)).
		Str("admin", s.cfg.AdminAddr).
		Int("kernels", len(composite.ChildKernels())).
		Msg("host.Service.Serve ready")

	err = g.Wait()
	log.Info().Str("host", h.URI()).Err(err).Msg("host.Service.Serve shutdown")
	return err
}

func (s *Service) buildKernels() (*kernel.CompositeKernel, error) {
	composite := kernel.NewComposite(s.cfg.Name, kernel.WithMetrics(s.metrics))
	for _, name := range s.cfg.BuiltinKernels {
		child, err := kernels.New(name, kernel.WithMetrics(s.metrics))
		if err != nil {
			return nil, fmt.Errorf("%w: %v", config.ErrInvalidConfig, err)
		}
		if err := composite.Add(child); err != nil {
			return nil, err
		}
	}
	if s.cfg.DefaultKernel != "" {
		composite.SetDefaultKernelName(s.cfg.DefaultKernel)
	}
	return composite, nil
}

func (s *Service) hello(composite *kernel.CompositeKernel) session.Hello {
	children := composite.ChildKernels()
	names := make([]string, 0, len(children))
	for _, child := range children {
		names = append(names, child.Name())
	}
	return session.Hello{
		HostURI:      s.cfg.URI,
		PeerIdentity: s.cfg.Peer.PeerIdentity,
		Kernels:      names,
	}
}

// acceptPeers attaches every peer that completes the handshake until the
// listener closes.
func (s *Service) acceptPeers(ctx context.Context, ln *connect.Listener, h *Host) error {
	for {
		fc, hello, err := ln.Accept(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("host: accept peer: %w", err)
		}
		conn := connect.NewConnector(fc, fc, hello.HostURI)
		detach, err := h.Attach(ctx, conn)
		if err != nil {
			log.Warn().Str("peer", hello.HostURI).Err(err).Msg("host.Service.acceptPeers attach failed")
			_ = conn.Close()
			continue
		}
		fc.Start()
		log.Info().
			Str("host", h.URI()).
			Str("peer", hello.HostURI).
			Str("identity", hello.PeerIdentity).
			Strs("kernels", hello.Kernels).
			Msg("host.Service.acceptPeers attached")
		go func() {
			select {
			case <-fc.Done():
			case <-ctx.Done():
			}
			detach()
			_ = conn.Close()
			log.Info().Str("peer", hello.HostURI).Err(fc.Err()).Msg("host.Service.acceptPeers detached")
		}()
	}
}

// connectProxies adds each configured proxy once some connector can reach
// its remote URI, then asks the remote kernel for its info.
func (s *Service) connectProxies(ctx context.Context, h *Host) error {
	pending := append([]config.ProxyConfig(nil), s.cfg.Proxies...)
	ticker := time.NewTicker(proxyPollInterval)
	defer ticker.Stop()

	for len(pending) > 0 {
		remaining := pending[:0]
		for _, pc := range pending {
			if _, ok := h.TryGetConnector(pc.RemoteURI); !ok {
				remaining = append(remaining, pc)
				continue
			}
			proxy, err := h.ConnectProxyKernel(pc.Name, pc.RemoteURI, pc.Aliases...)
			if err != nil {
				return err
			}
			go s.refreshProxyInfo(ctx, proxy)
		}
		pending = remaining
		if len(pending) == 0 {
			break
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
	log.Info().Str("host", h.URI()).Int("proxies", len(s.cfg.Proxies)).Msg("host.Service.connectProxies done")
	return nil
}

func (s *Service) refreshProxyInfo(ctx context.Context, proxy *kernel.ProxyKernel) {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.Peer.Session.SessionDeadAfter)
	defer cancel()
	if err := proxy.Send(ctx, protocol.NewCommandEnvelope(&protocol.RequestKernelInfo{})); err != nil {
		log.Warn().Str("proxy", proxy.URI()).Err(err).Msg("host.Service.refreshProxyInfo")
		return
	}
	info := proxy.KernelInfo()
	log.Info().
		Str("proxy", proxy.URI()).
		Str("remote", proxy.RemoteURI()).
		Str("language", info.LanguageName).
		Int("commands", len(info.SupportedKernelCommands)).
		Msg("host.Service.refreshProxyInfo")
}

func (s *Service) heartbeat(ctx context.Context, h *Host) error {
	ticker := time.NewTicker(s.cfg.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			inFlight := 0
			for _, p := range h.Proxies() {
				inFlight += len(p.InFlight())
			}
			var peers int64
			s.mu.RLock()
			if s.admin != nil {
				peers = s.admin.PeerCount()
			}
			s.mu.RUnlock()
			log.Info().
				Str("host", h.URI()).
				Int("kernels", len(h.Kernel().ChildKernels())).
				Int("proxies", len(h.Proxies())).
				Int("proxy_inflight", inFlight).
				Strs("remote_hosts", remoteHosts(h)).
				Int64("ws_peers", peers).
				Msg("host.Service.heartbeat")
		}
	}
}

func remoteHosts(h *Host) []string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	var out []string
	for _, conn := range h.connectors {
		for _, uri := range conn.RemoteHostURIs() {
			if !slices.Contains(out, uri) {
				out = append(out, uri)
			}
		}
	}
	return out
}
