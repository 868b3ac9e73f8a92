package restapi

import (
	"io"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/gin-gonic/gin"
)

const (
	// maxUploadBytes caps a single file upload.
	maxUploadBytes = 100 << 20

	// maxListEntries caps a directory listing; over the cap the response
	// carries truncated=true.
	maxListEntries = 1000

	// statConcurrency bounds the parallel stat calls a listing may have
	// in flight at once.
	statConcurrency = 50
)

type fileEntry struct {
	Name  string `json:"name"`
	IsDir bool   `json:"is_dir"`
	Size  int64  `json:"size"`
	Mtime int64  `json:"mtime"`
}

// listFiles lists a directory beneath the session's working directory.
// Entries are stat'ed in bounded parallel batches, sorted directories
// first then by name, and capped.
func (s *Server) listFiles(c *gin.Context) {
	name, ok := s.ownedSession(c)
	if !ok {
		return
	}
	cwd, ok := s.sessionCwdOrFail(c, name)
	if !ok {
		return
	}

	requested := c.DefaultQuery("path", ".")
	resolved, ok := s.box.ValidateExisting(requested, cwd)
	if !ok {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid path"})
		return
	}

	dirents, err := os.ReadDir(resolved)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid path"})
		return
	}

	truncated := false
	if len(dirents) > maxListEntries {
		dirents = dirents[:maxListEntries]
		truncated = true
	}

	entries := make([]fileEntry, len(dirents))
	sem := make(chan struct{}, statConcurrency)
	var wg sync.WaitGroup
	for i, de := range dirents {
		wg.Add(1)
		go func(i int, entryName string, isDir bool) {
			defer wg.Done()
			sem <- struct{}{}
			defer func() { <-sem }()
			e := fileEntry{Name: entryName, IsDir: isDir}
			if info, err := os.Lstat(filepath.Join(resolved, entryName)); err == nil {
				e.Size = info.Size()
				e.Mtime = info.ModTime().Unix()
			}
			entries[i] = e
		}(i, de.Name(), de.IsDir())
	}
	wg.Wait()

	sort.Slice(entries, func(a, b int) bool {
		if entries[a].IsDir != entries[b].IsDir {
			return entries[a].IsDir
		}
		return entries[a].Name < entries[b].Name
	})

	c.JSON(http.StatusOK, gin.H{"entries": entries, "truncated": truncated})
}

// downloadFile streams a file beneath the session's working directory.
// Symlinks are rejected so a download can never follow one out of the
// sandbox.
func (s *Server) downloadFile(c *gin.Context) {
	name, ok := s.ownedSession(c)
	if !ok {
		return
	}
	cwd, ok := s.sessionCwdOrFail(c, name)
	if !ok {
		return
	}

	requested := c.Query("path")
	resolved, ok := s.box.ValidateNoSymlink(requested, cwd)
	if !ok {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid path"})
		return
	}
	info, err := os.Stat(resolved)
	if err != nil || !info.Mode().IsRegular() {
		c.JSON(http.StatusNotFound, gin.H{"error": "not found"})
		return
	}

	c.Header("Content-Disposition", `attachment; filename="`+filepath.Base(resolved)+`"`)
	c.File(resolved)
}

// touchFile creates an empty file (or updates the mtime of an existing
// one) beneath the session's working directory.
func (s *Server) touchFile(c *gin.Context) {
	name, ok := s.ownedSession(c)
	if !ok {
		return
	}
	cwd, ok := s.sessionCwdOrFail(c, name)
	if !ok {
		return
	}

	var req struct {
		Path string `json:"path" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
		return
	}

	resolved, ok := s.box.ValidateNew(req.Path, cwd)
	if !ok {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid path"})
		return
	}

	f, err := os.OpenFile(resolved, os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid path"})
		return
	}
	f.Close()
	c.JSON(http.StatusCreated, gin.H{"path": req.Path})
}

// uploadFile writes one multipart file beneath the session's working
// directory. The destination is the "path" form field (a directory,
// default the session cwd) joined with the uploaded filename.
func (s *Server) uploadFile(c *gin.Context) {
	name, ok := s.ownedSession(c)
	if !ok {
		return
	}
	cwd, ok := s.sessionCwdOrFail(c, name)
	if !ok {
		return
	}

	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxUploadBytes)
	fileHeader, err := c.FormFile("file")
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid upload"})
		return
	}
	if fileHeader.Size > maxUploadBytes {
		c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": "file too large"})
		return
	}

	target := filepath.Join(c.DefaultPostForm("path", "."), filepath.Base(fileHeader.Filename))
	resolved, ok := s.box.ValidateNew(target, cwd)
	if !ok {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid path"})
		return
	}

	src, err := fileHeader.Open()
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid upload"})
		return
	}
	defer src.Close()

	dst, err := os.Create(resolved)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid path"})
		return
	}
	defer dst.Close()

	written, err := io.Copy(dst, src)
	if err != nil {
		os.Remove(resolved)
		c.JSON(http.StatusBadRequest, gin.H{"error": "upload failed"})
		return
	}

	c.JSON(http.StatusCreated, gin.H{"path": target, "size": written})
}
