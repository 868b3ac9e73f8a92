package gateway

import (
	"context"
	"io"
	"os"
	"sync/atomic"

	"go.uber.org/zap"

	"termgate/internal/logging"
	"termgate/internal/metrics"
	"termgate/internal/wsproto"
)

const (
	// maxStreamBytes caps the size of a streamable file. Exactly this
	// size is allowed; one byte more is rejected.
	maxStreamBytes = 50 << 20

	// fileChunkSize is the read unit for the file-stream subprotocol.
	fileChunkSize = 64 << 10

	// streamHighWater / streamLowWater pause and resume the file reader
	// against the socket's queued-byte count, independently of (but with
	// the same values as) the PTY watermarks.
	streamHighWater = 1 << 20
	streamLowWater  = 512 << 10
)

// fileStream is the per-connection file-stream state. At most one is
// active; starting a new stream cancels the prior one first.
type fileStream struct {
	f         *os.File
	size      int64
	sent      int64
	cancelled atomic.Bool
}

// startStream validates the requested path against the session's current
// working directory and, if everything checks out, begins emitting
// FILE_CHUNK frames from a dedicated goroutine.
func (c *Conn) startStream(path string) {
	c.cancelStream()

	name := c.boundSessionName()
	if name == "" {
		c.sendControl(wsproto.ServerMessage{Type: wsproto.ServerFileStreamError, Message: "Invalid path"})
		return
	}

	cwd, err := c.gw.mux.GetCwd(context.Background(), name)
	if err != nil {
		c.sendControl(wsproto.ServerMessage{Type: wsproto.ServerFileStreamError, Message: "Invalid path"})
		return
	}

	resolved, ok := c.gw.box.ValidateNoSymlink(path, cwd)
	if !ok {
		c.sendControl(wsproto.ServerMessage{Type: wsproto.ServerFileStreamError, Message: "Invalid path"})
		return
	}

	info, err := os.Stat(resolved)
	if err != nil || !info.Mode().IsRegular() {
		c.sendControl(wsproto.ServerMessage{Type: wsproto.ServerFileStreamError, Message: "Not a file"})
		return
	}
	if info.Size() > maxStreamBytes {
		c.sendControl(wsproto.ServerMessage{Type: wsproto.ServerFileStreamError, Message: "File too large"})
		return
	}

	f, err := os.Open(resolved)
	if err != nil {
		c.sendControl(wsproto.ServerMessage{Type: wsproto.ServerFileStreamError, Message: "Invalid path"})
		return
	}

	fs := &fileStream{f: f, size: info.Size()}
	c.stateMu.Lock()
	c.stream = fs
	c.stateMu.Unlock()

	c.sendControl(wsproto.ServerMessage{
		Type:  wsproto.ServerFileStreamStart,
		Size:  info.Size(),
		Mtime: info.ModTime().UnixMilli(),
	})

	go c.runStream(fs)
}

// cancelStream destroys any active stream. Partially sent chunks remain
// on the wire; no file-stream-end is emitted for a cancelled stream.
func (c *Conn) cancelStream() {
	c.stateMu.Lock()
	fs := c.stream
	c.stream = nil
	c.stateMu.Unlock()
	if fs == nil {
		return
	}
	fs.cancelled.Store(true)
	c.bpMu.Lock()
	c.bpCond.Broadcast()
	c.bpMu.Unlock()
	metrics.Get().FileStreamsTotal.WithLabelValues("cancelled").Inc()
}

func (c *Conn) runStream(fs *fileStream) {
	defer fs.f.Close()
	defer func() {
		if r := recover(); r != nil {
			logging.L().Error("panic in file stream", zap.Any("panic", r), zap.String("conn", c.id))
		}
	}()

	buf := make([]byte, fileChunkSize)
	for {
		// Wait out backpressure between chunks: once over the high
		// watermark, stay paused until the queue drains below the low
		// one, the same hysteresis band the PTY pump uses. Cancellation
		// and connection teardown both broadcast the condition.
		c.bpMu.Lock()
		if c.queued > streamHighWater {
			for c.queued >= streamLowWater && !fs.cancelled.Load() && !c.closed() {
				c.bpCond.Wait()
			}
		}
		c.bpMu.Unlock()

		if fs.cancelled.Load() || c.closed() {
			return
		}

		n, err := fs.f.Read(buf)
		if n > 0 {
			if !c.sendBinary(wsproto.TagFileChunk, buf[:n]) {
				return
			}
			fs.sent += int64(n)
			metrics.Get().FileStreamBytesTotal.Add(float64(n))
		}
		if err == io.EOF {
			if !fs.cancelled.Load() {
				c.sendControl(wsproto.ServerMessage{Type: wsproto.ServerFileStreamEnd})
				metrics.Get().FileStreamsTotal.WithLabelValues("completed").Inc()
			}
			c.clearStream(fs)
			return
		}
		if err != nil {
			if !fs.cancelled.Load() {
				c.sendControl(wsproto.ServerMessage{Type: wsproto.ServerFileStreamError, Message: "Read error"})
				metrics.Get().FileStreamsTotal.WithLabelValues("error").Inc()
			}
			c.clearStream(fs)
			return
		}
	}
}

// clearStream drops the connection's reference only if fs is still the
// active stream (a newer stream may have replaced it already).
func (c *Conn) clearStream(fs *fileStream) {
	c.stateMu.Lock()
	if c.stream == fs {
		c.stream = nil
	}
	c.stateMu.Unlock()
}
