package restapi

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"termgate/internal/identity"
	"termgate/internal/logging"
	"termgate/internal/middleware"
)

type sessionEntry struct {
	Name      string `json:"name"`
	CreatedAt int64  `json:"created_at"`
	Active    bool   `json:"active"`
}

// listSessions returns every multiplexer session under the caller's
// identity prefix, cross-referenced with the registry's bound names for
// the active flag.
func (s *Server) listSessions(c *gin.Context) {
	prefix := identity.IdentityPrefix(middleware.IdentityHash(c))

	infos, err := s.mux.ListInfo(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "multiplexer unavailable"})
		return
	}

	sessions := make([]sessionEntry, 0)
	for _, info := range infos {
		if info.Name != prefix && !strings.HasPrefix(info.Name, prefix+"-") {
			continue
		}
		sessions = append(sessions, sessionEntry{
			Name:      info.Name,
			CreatedAt: info.CreatedAt.Unix(),
			Active:    s.reg.IsActive(info.Name),
		})
	}
	c.JSON(http.StatusOK, gin.H{"sessions": sessions})
}

// sessionCwd returns the session's current working directory.
func (s *Server) sessionCwd(c *gin.Context) {
	name, ok := s.ownedSession(c)
	if !ok {
		return
	}
	cwd, ok := s.sessionCwdOrFail(c, name)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, gin.H{"cwd": cwd})
}

// deleteSession kills the multiplexer session.
func (s *Server) deleteSession(c *gin.Context) {
	name, ok := s.ownedSession(c)
	if !ok {
		return
	}
	if err := s.mux.Kill(c.Request.Context(), name); err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "multiplexer unavailable"})
		return
	}
	logging.L().Info("session killed via REST", zap.String("session", name))
	c.JSON(http.StatusOK, gin.H{"killed": name})
}
