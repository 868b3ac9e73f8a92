// Package restapi implements the REST surface: session metadata, the
// working-directory-sandboxed file view, and the per-identity scalar
// storage proxy. Every route shares the Session Registry, Multiplexer
// Adapter, and Path Sandbox with the Connection Gateway.
package restapi

import (
	"context"
	"net/http"
	"strings"

	"github.com/gin-contrib/gzip"
	"github.com/gin-gonic/gin"

	"termgate/internal/identity"
	"termgate/internal/kvstore"
	"termgate/internal/metrics"
	"termgate/internal/middleware"
	"termgate/internal/ratelimit"
	"termgate/internal/registry"
	"termgate/internal/sandbox"
	"termgate/internal/tmux"
)

// Mux is the slice of the Multiplexer Adapter the REST surface needs.
// *tmux.Adapter satisfies it; tests substitute fakes.
type Mux interface {
	GetCwd(ctx context.Context, name string) (string, error)
	Kill(ctx context.Context, name string) error
	ListInfo(ctx context.Context) ([]tmux.SessionInfo, error)
}

// Config carries the REST surface's slice of the process configuration.
type Config struct {
	AuthToken      string
	APIKeyHashes   []string
	CORSOrigin     string
	TrustProxyHops int
}

// Server holds the REST surface's dependencies.
type Server struct {
	cfg   Config
	reg   *registry.Registry
	mux   Mux
	box   *sandbox.Sandbox
	store kvstore.Store
}

// NewServer wires a Server.
func NewServer(cfg Config, reg *registry.Registry, mux Mux, box *sandbox.Sandbox, store kvstore.Store) *Server {
	return &Server{cfg: cfg, reg: reg, mux: mux, box: box, store: store}
}

// Mount attaches every route under /api on r, with the shared middleware
// chain. The limiter enforces the read/write rate split; the WebSocket
// route is mounted elsewhere and never passes through this chain.
func (s *Server) Mount(r *gin.Engine, limiter *ratelimit.Limiter) {
	api := r.Group("/api")
	api.Use(
		middleware.RequestID(),
		middleware.Recovery(),
		middleware.RequestLogger(),
		metrics.PrometheusMiddleware(),
		middleware.SecurityHeaders(),
		middleware.CORS(s.cfg.CORSOrigin),
		gzip.Gzip(gzip.DefaultCompression),
	)

	api.GET("/health", s.health)

	authed := api.Group("")
	authed.Use(
		middleware.RateLimit(limiter, s.cfg.TrustProxyHops),
		middleware.BearerAuth(middleware.AuthConfig{Token: s.cfg.AuthToken, APIKeyHashes: s.cfg.APIKeyHashes}),
		middleware.BodySizeLimit(middleware.MaxJSONBodyBytes),
	)

	authed.GET("/sessions", s.listSessions)
	authed.GET("/sessions/:name/cwd", s.sessionCwd)
	authed.DELETE("/sessions/:name", s.deleteSession)

	authed.GET("/sessions/:name/files", s.listFiles)
	authed.GET("/sessions/:name/files/download", s.downloadFile)
	authed.POST("/sessions/:name/files/touch", s.touchFile)
	// Upload bypasses the JSON body cap; it has its own 100 MiB limit.
	uploads := api.Group("")
	uploads.Use(
		middleware.RateLimit(limiter, s.cfg.TrustProxyHops),
		middleware.BearerAuth(middleware.AuthConfig{Token: s.cfg.AuthToken, APIKeyHashes: s.cfg.APIKeyHashes}),
	)
	uploads.POST("/sessions/:name/files/upload", s.uploadFile)

	authed.GET("/settings/:key", s.getSetting)
	authed.PUT("/settings/:key", s.putSetting)
	authed.GET("/sessions/:name/draft", s.getDraft)
	authed.PUT("/sessions/:name/draft", s.putDraft)
	authed.GET("/sessions/:name/annotations", s.getAnnotation)
	authed.PUT("/sessions/:name/annotations", s.putAnnotation)
}

func (s *Server) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// ownedSession verifies the :name parameter belongs to the caller's
// identity and returns it. Ownership is by identity prefix; a name under
// someone else's prefix is reported as not found, never as forbidden, so
// the response does not confirm the session exists.
func (s *Server) ownedSession(c *gin.Context) (string, bool) {
	name := c.Param("name")
	prefix := identity.IdentityPrefix(middleware.IdentityHash(c))
	if name != prefix && !strings.HasPrefix(name, prefix+"-") {
		c.JSON(http.StatusNotFound, gin.H{"error": "not found"})
		return "", false
	}
	return name, true
}

// sessionCwdOrFail resolves the session's working directory, collapsing
// all failures to 404.
func (s *Server) sessionCwdOrFail(c *gin.Context, name string) (string, bool) {
	cwd, err := s.mux.GetCwd(c.Request.Context(), name)
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "not found"})
		return "", false
	}
	return cwd, true
}
