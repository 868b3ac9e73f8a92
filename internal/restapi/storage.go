package restapi

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"termgate/internal/middleware"
)

// The scalar storage family proxies to the key/value store, keyed by the
// caller's identity hash. Values are opaque bytes to this layer.

func (s *Server) getSetting(c *gin.Context) {
	value, updatedAt, ok := s.store.Get(middleware.IdentityHash(c), "", c.Param("key"))
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "not found"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"value": string(value), "updated_at": updatedAt.Unix()})
}

func (s *Server) putSetting(c *gin.Context) {
	var req struct {
		Value string `json:"value"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
		return
	}
	if err := s.store.Put(middleware.IdentityHash(c), "", c.Param("key"), []byte(req.Value)); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true})
}

func (s *Server) getDraft(c *gin.Context) {
	name, ok := s.ownedSession(c)
	if !ok {
		return
	}
	content, updatedAt, ok := s.store.GetDraft(middleware.IdentityHash(c), name)
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "not found"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"content": content, "updated_at": updatedAt.Unix()})
}

func (s *Server) putDraft(c *gin.Context) {
	name, ok := s.ownedSession(c)
	if !ok {
		return
	}
	var req struct {
		Content string `json:"content"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
		return
	}
	if err := s.store.PutDraft(middleware.IdentityHash(c), name, req.Content); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true})
}

func (s *Server) getAnnotation(c *gin.Context) {
	name, ok := s.ownedSession(c)
	if !ok {
		return
	}
	path := c.Query("path")
	if path == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "path required"})
		return
	}
	content, updatedAt, ok := s.store.GetAnnotation(middleware.IdentityHash(c), name, path)
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "not found"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"content": content, "updated_at": updatedAt.Unix()})
}

func (s *Server) putAnnotation(c *gin.Context) {
	name, ok := s.ownedSession(c)
	if !ok {
		return
	}
	var req struct {
		Path    string `json:"path" binding:"required"`
		Content string `json:"content"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
		return
	}
	if err := s.store.PutAnnotation(middleware.IdentityHash(c), name, req.Path, req.Content); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true})
}
