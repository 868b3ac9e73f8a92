// Package gateway implements the Connection Gateway: the per-WebSocket
// state machine that authenticates a browser, binds it to a multiplexer
// session, and pumps bytes in both directions with backpressure.
package gateway

import (
	"context"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"termgate/internal/identity"
	"termgate/internal/logging"
	"termgate/internal/metrics"
	"termgate/internal/middleware"
	"termgate/internal/ptychan"
	"termgate/internal/ratelimit"
	"termgate/internal/registry"
	"termgate/internal/sandbox"
	"termgate/internal/wsproto"
)

// Mux is the slice of the Multiplexer Adapter the gateway depends on.
// *tmux.Adapter satisfies it; tests substitute fakes.
type Mux interface {
	Has(ctx context.Context, name string) (bool, error)
	Create(ctx context.Context, name string, cols, rows int, cwd string) error
	Resize(ctx context.Context, name string, cols, rows int) error
	Capture(ctx context.Context, name string) ([]byte, error)
	GetCwd(ctx context.Context, name string) (string, error)
}

// PTY is the slice of the PTY Channel the gateway drives. *ptychan.Channel
// satisfies it.
type PTY interface {
	Output() <-chan []byte
	Exit() <-chan ptychan.ExitInfo
	Write(p []byte) (int, error)
	Resize(cols, rows int) error
	Pause()
	Resume()
	Kill()
}

// AttachFunc attaches a PTY to an existing multiplexer session.
type AttachFunc func(name string, cols, rows int) (PTY, error)

// Config carries the gateway's slice of the process configuration.
type Config struct {
	AuthToken           string
	DefaultCwd          string
	MaxConnsPerIdentity int
	CORSOrigin          string
	TrustProxyHops      int
}

// Gateway accepts WebSocket connections and runs one Conn per socket.
type Gateway struct {
	cfg      Config
	reg      *registry.Registry
	mux      Mux
	attach   AttachFunc
	box      *sandbox.Sandbox
	limiter  *ratelimit.Limiter
	upgrader websocket.Upgrader

	accepting atomic.Bool

	connsMu sync.Mutex
	conns   map[*Conn]struct{}
}

// New wires a Gateway. attach is ptychan-backed in production and faked
// in tests.
func New(cfg Config, reg *registry.Registry, mux Mux, attach AttachFunc, box *sandbox.Sandbox, limiter *ratelimit.Limiter) *Gateway {
	if cfg.MaxConnsPerIdentity <= 0 {
		cfg.MaxConnsPerIdentity = 10
	}
	g := &Gateway{
		cfg:     cfg,
		reg:     reg,
		mux:     mux,
		attach:  attach,
		box:     box,
		limiter: limiter,
		conns:   make(map[*Conn]struct{}),
	}
	g.upgrader = websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin: func(r *http.Request) bool {
			if cfg.CORSOrigin == "" || cfg.CORSOrigin == "*" {
				return true
			}
			origin := r.Header.Get("Origin")
			return origin == "" || origin == cfg.CORSOrigin
		},
	}
	g.accepting.Store(true)
	return g
}

// HandleWebSocket is the gin handler for /ws.
func (g *Gateway) HandleWebSocket(c *gin.Context) {
	if !g.accepting.Load() {
		c.AbortWithStatus(http.StatusServiceUnavailable)
		return
	}

	remoteIP := middleware.ClientIP(c.Request, g.cfg.TrustProxyHops)
	authEnabled := g.cfg.AuthToken != ""

	ws, err := g.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		logging.L().Debug("websocket upgrade failed", zap.Error(err))
		return
	}

	conn := newConn(g, ws, remoteIP, c.Query("sessionId"), c.Query("cwd"), queryInt(c, "cols", 80), queryInt(c, "rows", 24))
	g.register(conn)
	go conn.writePump()

	if !identity.ValidSuffix(conn.suffix) {
		conn.Close(wsproto.CloseInvalidSession, "invalid sessionId")
		return
	}

	if authEnabled {
		if g.limiter.IPBlocked(remoteIP) {
			metrics.Get().AuthFailuresTotal.WithLabelValues("ip_blocked").Inc()
			conn.Close(wsproto.CloseUnauthorized, "too many failures")
			return
		}
		if !g.limiter.TryAcquirePendingAuth() {
			metrics.Get().AuthFailuresTotal.WithLabelValues("pending_cap").Inc()
			conn.Close(wsproto.CloseTooManyPending, "too many pending connections")
			return
		}
		conn.holdPendingAuth()
		conn.startAuthTimer()
	} else {
		conn.markAuthenticated(identity.DefaultIdentity)
		conn.initSession()
	}

	conn.readPump()
}

func queryInt(c *gin.Context, key string, def int) int {
	v := c.Query(key)
	if v == "" {
		return def
	}
	n := 0
	for _, r := range v {
		if r < '0' || r > '9' {
			return def
		}
		n = n*10 + int(r-'0')
		if n > 10000 {
			return def
		}
	}
	if n == 0 {
		return def
	}
	return n
}

func (g *Gateway) register(c *Conn) {
	g.connsMu.Lock()
	g.conns[c] = struct{}{}
	g.connsMu.Unlock()
	metrics.Get().ConnectionsOpen.Inc()
}

func (g *Gateway) unregister(c *Conn) {
	g.connsMu.Lock()
	_, had := g.conns[c]
	delete(g.conns, c)
	g.connsMu.Unlock()
	if had {
		metrics.Get().ConnectionsOpen.Dec()
	}
}

func (g *Gateway) snapshot() []*Conn {
	g.connsMu.Lock()
	defer g.connsMu.Unlock()
	conns := make([]*Conn, 0, len(g.conns))
	for c := range g.conns {
		conns = append(conns, c)
	}
	return conns
}

// SweepKeepalive is invoked by the lifecycle supervisor every keepalive
// period: connections whose alive flag was not refreshed by a pong since
// the last sweep are terminated, everyone else gets a fresh ping.
func (g *Gateway) SweepKeepalive() {
	for _, conn := range g.snapshot() {
		if !conn.alive.Swap(false) {
			logging.L().Info("keepalive: terminating dead peer",
				zap.String("conn", conn.id), zap.String("session", conn.boundSessionName()))
			conn.terminate()
			continue
		}
		conn.sendPing()
	}
}

// Shutdown stops accepting new connections and closes every open socket
// with a going-away frame, then waits briefly for buffers to drain.
func (g *Gateway) Shutdown() {
	g.accepting.Store(false)
	for _, conn := range g.snapshot() {
		conn.Close(wsproto.CloseGoingAway, "server shutting down")
	}
	time.Sleep(500 * time.Millisecond)
}

// OpenConnections reports how many sockets are currently registered.
func (g *Gateway) OpenConnections() int {
	g.connsMu.Lock()
	defer g.connsMu.Unlock()
	return len(g.conns)
}

func newConnID() string {
	return uuid.New().String()
}
