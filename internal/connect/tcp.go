package connect

import (
	"bufio"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"math/rand"
	"net"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/danmuck/kernelroute/internal/protocol"
	"github.com/danmuck/kernelroute/internal/protocol/frame"
	"github.com/danmuck/kernelroute/internal/protocol/session"
	"github.com/rs/zerolog/log"
)

var (
	ErrAddressRequired = errors.New("connect: address required")
	ErrHelloRejected   = errors.New("connect: hello rejected")
	ErrSessionDead     = errors.New("connect: peer stopped sending heartbeats")
)

// FramedConn carries envelopes over a stream connection as frames. Commands
// and events are JSON payloads; heartbeat frames keep the session alive.
type FramedConn struct {
	fanout

	conn   net.Conn
	reader *bufio.Reader
	cfg    session.Config
	limits frame.Limits
	peer   string

	wmu      sync.Mutex
	nextID   atomic.Uint64
	lastSeen atomic.Int64

	startOnce sync.Once
	closeOnce sync.Once
	done      chan struct{}
	err       atomic.Value
}

func newFramedConn(conn net.Conn, reader *bufio.Reader, cfg session.Config, peer string) *FramedConn {
	c := &FramedConn{
		conn:   conn,
		reader: reader,
		cfg:    cfg,
		limits: frame.DefaultLimits(),
		peer:   peer,
		done:   make(chan struct{}),
	}
	c.nextID.Store(uint64(time.Now().UnixNano()))
	return c
}

// Start begins reading frames and sending heartbeats. Subscribe before
// calling Start so no inbound envelope is missed.
func (c *FramedConn) Start() {
	c.startOnce.Do(func() {
		c.lastSeen.Store(time.Now().UnixNano())
		go c.readLoop()
		go c.heartbeatLoop()
	})
}

// PeerHostURI is the host URI the peer announced during the handshake.
func (c *FramedConn) PeerHostURI() string { return c.peer }

func (c *FramedConn) RemoteAddr() net.Addr { return c.conn.RemoteAddr() }

// Done is closed when the connection stops.
func (c *FramedConn) Done() <-chan struct{} { return c.done }

// Err returns the error that stopped the connection, if any.
func (c *FramedConn) Err() error {
	if err, ok := c.err.Load().(error); ok {
		return err
	}
	return nil
}

func (c *FramedConn) Send(ctx context.Context, env protocol.Envelope) error {
	var t frame.MessageType
	switch env.(type) {
	case *protocol.CommandEnvelope:
		t = frame.MessageCommand
	case *protocol.EventEnvelope:
		t = frame.MessageEvent
	default:
		return ErrUnsupportedType
	}
	payload, err := protocol.EncodeEnvelope(env)
	if err != nil {
		return err
	}
	return c.write(ctx, frame.New(c.nextID.Add(1), t, payload))
}

func (c *FramedConn) Close() error {
	c.stop(nil)
	return nil
}

func (c *FramedConn) write(ctx context.Context, f frame.Frame) error {
	select {
	case <-c.done:
		return ErrClosed
	default:
	}
	c.wmu.Lock()
	defer c.wmu.Unlock()
	deadline := time.Now().Add(c.cfg.WriteTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	if err := c.conn.SetWriteDeadline(deadline); err != nil {
		return err
	}
	if err := frame.WriteFrame(c.conn, f, c.limits); err != nil {
		c.stop(err)
		return err
	}
	return nil
}

func (c *FramedConn) readLoop() {
	for {
		f, err := frame.ReadFrame(c.reader, c.limits)
		if err != nil {
			c.stop(err)
			return
		}
		c.lastSeen.Store(time.Now().UnixNano())
		if f.Header.MessageType == frame.MessageHeartbeat {
			continue
		}
		env, err := protocol.DecodeEnvelope(f.Payload)
		if err != nil {
			log.Warn().
				Str("peer", c.peer).
				Uint64("message_id", f.Header.MessageID).
				Err(err).
				Msg("connect.FramedConn.readLoop decode envelope")
			continue
		}
		c.deliver(env)
	}
}

func (c *FramedConn) heartbeatLoop() {
	ticker := time.NewTicker(c.cfg.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-c.done:
			return
		case now := <-ticker.C:
			if now.Sub(time.Unix(0, c.lastSeen.Load())) > c.cfg.SessionDeadAfter {
				c.stop(ErrSessionDead)
				return
			}
			_ = c.write(context.Background(), frame.New(c.nextID.Add(1), frame.MessageHeartbeat, nil))
		}
	}
}

func (c *FramedConn) stop(err error) {
	c.closeOnce.Do(func() {
		if err != nil {
			c.err.Store(err)
			log.Debug().Str("peer", c.peer).Err(err).Msg("connect.FramedConn stopped")
		}
		close(c.done)
		_ = c.conn.Close()
	})
}

// Dial connects to a peer host, retrying with backoff, and completes the
// hello handshake. The returned connection is not started.
func Dial(ctx context.Context, addr string, hello session.Hello, cfg session.Config) (*FramedConn, error) {
	if strings.TrimSpace(addr) == "" {
		return nil, ErrAddressRequired
	}
	cfg = cfg.WithDefaults()
	if err := cfg.ValidateClientTransport(); err != nil {
		return nil, err
	}
	if err := hello.Validate(); err != nil {
		return nil, err
	}
	rng := rand.New(rand.NewSource(time.Now().UnixNano()))

	var attempt int
	for {
		attempt++
		conn, err := dialOnce(ctx, addr, cfg)
		if err == nil {
			var fc *FramedConn
			fc, err = clientHandshake(conn, hello, cfg)
			if err == nil {
				return fc, nil
			}
			_ = conn.Close()
			if errors.Is(err, ErrHelloRejected) {
				return nil, err
			}
		}
		log.Warn().
			Str("addr", addr).
			Int("attempt", attempt).
			Err(err).
			Msg("connect.Dial attempt failed")
		if cfg.MaxConnectAttempts > 0 && attempt >= cfg.MaxConnectAttempts {
			return nil, err
		}
		if err := session.SleepBackoff(ctx, cfg.Backoff, attempt, rng); err != nil {
			return nil, err
		}
	}
}

func dialOnce(ctx context.Context, addr string, cfg session.Config) (net.Conn, error) {
	dialer := net.Dialer{Timeout: cfg.ConnectTimeout}
	raw, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, err
	}
	if !cfg.TLS.Enabled {
		return raw, nil
	}
	tlsCfg, err := cfg.ClientTLSConfig(addr)
	if err != nil {
		_ = raw.Close()
		return nil, err
	}
	conn := tls.Client(raw, tlsCfg)
	hsCtx, cancel := context.WithTimeout(ctx, cfg.HandshakeTimeout)
	defer cancel()
	if err := conn.HandshakeContext(hsCtx); err != nil {
		_ = raw.Close()
		return nil, err
	}
	return conn, nil
}

func clientHandshake(conn net.Conn, hello session.Hello, cfg session.Config) (*FramedConn, error) {
	_ = conn.SetDeadline(time.Now().Add(cfg.HandshakeTimeout))
	reader := bufio.NewReader(conn)
	if err := session.WriteHello(conn, hello); err != nil {
		return nil, err
	}
	ack, err := session.ReadHelloAck(reader)
	if err != nil {
		return nil, err
	}
	if ack.Status != session.AckStatusAccepted {
		return nil, fmt.Errorf("%w: code=%d message=%q", ErrHelloRejected, ack.Code, ack.Message)
	}
	_ = conn.SetDeadline(time.Time{})
	return newFramedConn(conn, reader, cfg, ack.HostURI), nil
}

// Listener accepts peer hosts on a TCP address.
type Listener struct {
	ln      net.Listener
	hostURI string
	cfg     session.Config
}

// Listen binds addr. Accepted peers learn hostURI from the hello ack.
func Listen(addr, hostURI string, cfg session.Config) (*Listener, error) {
	cfg = cfg.WithDefaults()
	if err := cfg.ValidateServerTransport(); err != nil {
		return nil, err
	}
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}
	if cfg.TLS.Enabled {
		tlsCfg, err := cfg.ServerTLSConfig()
		if err != nil {
			_ = ln.Close()
			return nil, err
		}
		ln = tls.NewListener(ln, tlsCfg)
	}
	return &Listener{ln: ln, hostURI: hostURI, cfg: cfg}, nil
}

func (l *Listener) Addr() net.Addr { return l.ln.Addr() }

func (l *Listener) Close() error { return l.ln.Close() }

// Accept waits for the next peer and completes the hello handshake. A peer
// whose handshake fails is dropped and Accept keeps waiting. The returned
// connection is not started.
func (l *Listener) Accept(ctx context.Context) (*FramedConn, session.Hello, error) {
	for {
		conn, err := l.ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil, session.Hello{}, ctx.Err()
			}
			return nil, session.Hello{}, err
		}
		fc, hello, err := l.serverHandshake(conn)
		if err != nil {
			log.Warn().
				Str("remote", conn.RemoteAddr().String()).
				Err(err).
				Msg("connect.Listener.Accept handshake failed")
			_ = conn.Close()
			continue
		}
		return fc, hello, nil
	}
}

func (l *Listener) serverHandshake(conn net.Conn) (*FramedConn, session.Hello, error) {
	_ = conn.SetDeadline(time.Now().Add(l.cfg.HandshakeTimeout))
	reader := bufio.NewReader(conn)
	hello, err := session.ReadHello(reader)
	if err != nil {
		_ = session.WriteHelloAck(conn, session.HelloAck{
			Status:      session.AckStatusRejected,
			Code:        400,
			Message:     err.Error(),
			HostURI:     l.hostURI,
			TimestampMS: uint64(time.Now().UnixMilli()),
		})
		return nil, session.Hello{}, err
	}
	ack := session.HelloAck{
		Status:      session.AckStatusAccepted,
		HostURI:     l.hostURI,
		TimestampMS: uint64(time.Now().UnixMilli()),
	}
	if err := session.WriteHelloAck(conn, ack); err != nil {
		return nil, session.Hello{}, err
	}
	_ = conn.SetDeadline(time.Time{})
	return newFramedConn(conn, reader, l.cfg, hello.HostURI), hello, nil
}
