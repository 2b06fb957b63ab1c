package host

import (
	"context"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"github.com/danmuck/kernelroute/internal/auth"
	"github.com/danmuck/kernelroute/internal/connect"
	"github.com/danmuck/kernelroute/internal/observability"
	"github.com/danmuck/kernelroute/internal/protocol/session"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
)

const version = "0.1.0"

// Admin is the host's HTTP surface: health, kernel and proxy listings,
// metrics, and websocket peer attachment.
type Admin struct {
	host         *Host
	router       *gin.Engine
	started      time.Time
	ready        atomic.Bool
	peers        atomic.Int64
	writeTimeout time.Duration
	validator    auth.Validator
	ctx          context.Context
}

type proxyStatus struct {
	Name      string                   `json:"name"`
	URI       string                   `json:"uri"`
	RemoteURI string                   `json:"remoteUri"`
	InFlight  []session.PendingCommand `json:"inFlight"`
}

// NewAdmin builds the router for h. ctx bounds websocket peers attached
// through /connect. A non-empty token is required on every route except
// the probes and /metrics.
func NewAdmin(ctx context.Context, h *Host, corsOrigins []string, token string, writeTimeout time.Duration) *Admin {
	observability.RegisterMetrics()
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(observability.RequestLogger(observability.ComponentLogger(h.URI(), "admin")))
	r.Use(observability.RequestMetricsMiddleware(h.URI()))
	r.Use(cors.New(cors.Config{
		AllowOrigins: normalizeOrigins(corsOrigins),
		AllowMethods: []string{"GET"},
		AllowHeaders: []string{"Origin", "Content-Type", "Authorization"},
		MaxAge:       12 * time.Hour,
	}))
	_ = r.SetTrustedProxies([]string{"127.0.0.1", "::1"})

	a := &Admin{host: h, router: r, started: time.Now(), writeTimeout: writeTimeout, ctx: ctx}
	if token != "" {
		a.validator = auth.StaticToken{Token: token}
	}
	a.registerRoutes()
	return a
}

func (a *Admin) Router() *gin.Engine { return a.router }

// SetReady flips the /ready probe.
func (a *Admin) SetReady(ready bool) { a.ready.Store(ready) }

// PeerCount is the number of websocket peers currently attached.
func (a *Admin) PeerCount() int64 { return a.peers.Load() }

func (a *Admin) registerRoutes() {
	a.router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":  "ok",
			"uptime":  time.Since(a.started).String(),
			"host":    a.host.URI(),
			"version": version,
		})
	})

	a.router.GET("/ready", func(c *gin.Context) {
		status := http.StatusOK
		if !a.ready.Load() {
			status = http.StatusServiceUnavailable
		}
		c.JSON(status, gin.H{
			"ready":   a.ready.Load(),
			"uptime":  time.Since(a.started).String(),
			"host":    a.host.URI(),
			"version": version,
		})
	})

	a.router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	peer := a.router.Group("/", auth.Middleware(a.validator))

	peer.GET("/kernels", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"kernels": a.host.KernelInfos(),
		})
	})

	peer.GET("/proxies", func(c *gin.Context) {
		proxies := a.host.Proxies()
		out := make([]proxyStatus, 0, len(proxies))
		for _, p := range proxies {
			out = append(out, proxyStatus{
				Name:      p.Name(),
				URI:       p.URI(),
				RemoteURI: p.RemoteURI(),
				InFlight:  p.InFlight(),
			})
		}
		c.JSON(http.StatusOK, gin.H{
			"proxies": out,
		})
	})

	peer.GET("/connect", a.handleConnect)
}

// handleConnect upgrades to a websocket and serves the peer until it
// disconnects.
func (a *Admin) handleConnect(c *gin.Context) {
	ws, err := connect.Upgrade(c.Writer, c.Request, a.writeTimeout)
	if err != nil {
		log.Warn().Str("host", a.host.URI()).Err(err).Msg("host.Admin.handleConnect upgrade failed")
		return
	}
	conn := connect.NewConnector(ws, ws)
	detach, err := a.host.Attach(a.ctx, conn)
	if err != nil {
		log.Warn().Str("host", a.host.URI()).Err(err).Msg("host.Admin.handleConnect attach failed")
		_ = conn.Close()
		return
	}
	a.peers.Add(1)
	log.Info().
		Str("host", a.host.URI()).
		Str("remote", c.Request.RemoteAddr).
		Msg("host.Admin.handleConnect peer attached")
	ws.Start()

	select {
	case <-ws.Done():
	case <-a.ctx.Done():
	}
	detach()
	_ = conn.Close()
	a.peers.Add(-1)
	log.Info().
		Str("host", a.host.URI()).
		Str("remote", c.Request.RemoteAddr).
		Msg("host.Admin.handleConnect peer detached")
}

func normalizeOrigins(origins []string) []string {
	out := make([]string, 0, len(origins))
	for _, origin := range origins {
		origin = strings.TrimSpace(origin)
		if origin != "" {
			out = append(out, origin)
		}
	}
	if len(out) == 0 {
		return []string{"http://localhost:3000"}
	}
	return out
}
