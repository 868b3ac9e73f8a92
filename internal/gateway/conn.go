package gateway

import (
	"context"
	"encoding/json"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"termgate/internal/identity"
	"termgate/internal/logging"
	"termgate/internal/metrics"
	"termgate/internal/wsproto"
)

const (
	// authTimeout bounds how long an accepted socket may sit without a
	// valid auth frame.
	authTimeout = 5 * time.Second

	// writeWait bounds each frame write to the peer.
	writeWait = 10 * time.Second

	// pongWait is how long the read side tolerates silence before the
	// peer is considered gone. Must exceed the supervisor's sweep period.
	pongWait = 60 * time.Second

	// maxMessageSize caps inbound frames (keystrokes and control JSON;
	// large pastes still fit comfortably).
	maxMessageSize = 1 << 20

	// highWatermark / lowWatermark drive PTY pause/resume against the
	// socket's queued-byte count.
	highWatermark = 1 << 20
	lowWatermark  = 512 << 10

	// captureMinInterval rate-limits capture-scrollback per connection.
	captureMinInterval = 2 * time.Second

	// outQueueDepth is the outbound frame channel capacity. Byte-level
	// backpressure is enforced by the watermarks, not by this depth.
	outQueueDepth = 512
)

type frame struct {
	messageType int
	data        []byte
}

// Conn is one accepted WebSocket connection.
type Conn struct {
	gw *Gateway
	ws *websocket.Conn
	id string

	remoteIP  string
	suffix    string
	clientCwd string
	cols      int
	rows      int

	out  chan frame
	done chan struct{}

	closeOnce sync.Once
	alive     atomic.Bool

	stateMu     sync.Mutex
	authed      bool
	pendingAuth bool
	identityKey string
	sessionName string
	pty         PTY
	stream      *fileStream
	lastCapture time.Time
	authTimer   *time.Timer
	closeCode   int

	bpMu      sync.Mutex
	bpCond    *sync.Cond
	queued    int64
	ptyPaused bool
}

func newConn(g *Gateway, ws *websocket.Conn, remoteIP, suffix, clientCwd string, cols, rows int) *Conn {
	c := &Conn{
		gw:        g,
		ws:        ws,
		id:        newConnID(),
		remoteIP:  remoteIP,
		suffix:    suffix,
		clientCwd: clientCwd,
		cols:      wsproto.ResizeClamp(cols),
		rows:      wsproto.ResizeClamp(rows),
		out:       make(chan frame, outQueueDepth),
		done:      make(chan struct{}),
		closeCode: wsproto.CloseNormal,
	}
	c.bpCond = sync.NewCond(&c.bpMu)
	c.alive.Store(true)
	return c
}

// Close sends a close frame with the given code and tears the connection
// down. Safe to call from any goroutine, including a kicker's; only the
// first call wins. Implements registry.Occupant.
func (c *Conn) Close(code int, reason string) {
	c.closeOnce.Do(func() {
		c.stateMu.Lock()
		c.closeCode = code
		c.stateMu.Unlock()
		deadline := time.Now().Add(writeWait)
		msg := websocket.FormatCloseMessage(code, reason)
		_ = c.ws.WriteControl(websocket.CloseMessage, msg, deadline)
		close(c.done)
		_ = c.ws.Close()
		c.teardown()
	})
}

// terminate closes the socket without a close frame (dead peer).
func (c *Conn) terminate() {
	c.closeOnce.Do(func() {
		close(c.done)
		_ = c.ws.Close()
		c.teardown()
	})
}

// teardown releases everything the connection holds: the pending-auth
// slot, the auth timer, any active file stream, the registry binding (if
// still owned), and the PTY channel. The multiplexer session stays alive.
func (c *Conn) teardown() {
	c.stateMu.Lock()
	pending := c.pendingAuth
	c.pendingAuth = false
	timer := c.authTimer
	c.authTimer = nil
	name := c.sessionName
	pty := c.pty
	c.pty = nil
	code := c.closeCode
	c.stateMu.Unlock()

	if pending {
		c.gw.limiter.ReleasePendingAuth()
	}
	if timer != nil {
		timer.Stop()
	}
	c.cancelStream()
	if name != "" {
		c.gw.reg.Unbind(name, c)
	}
	if pty != nil {
		pty.Kill()
	}

	// Wake any goroutine parked on the backpressure condition.
	c.bpMu.Lock()
	c.bpCond.Broadcast()
	c.bpMu.Unlock()

	c.gw.unregister(c)
	metrics.Get().ConnectionsClosedTotal.WithLabelValues(strconv.Itoa(code)).Inc()
	logging.L().Debug("connection closed",
		zap.String("conn", c.id), zap.String("session", name), zap.Int("code", code))
}

func (c *Conn) closed() bool {
	select {
	case <-c.done:
		return true
	default:
		return false
	}
}

// send enqueues a frame for the write pump, accounting its bytes against
// the backpressure watermarks. Returns false once the connection is gone.
func (c *Conn) send(messageType int, data []byte) bool {
	if c.closed() {
		return false
	}
	c.bpMu.Lock()
	c.queued += int64(len(data))
	c.bpMu.Unlock()
	select {
	case c.out <- frame{messageType: messageType, data: data}:
		return true
	case <-c.done:
		return false
	}
}

func (c *Conn) sendControl(msg wsproto.ServerMessage) bool {
	data, err := json.Marshal(msg)
	if err != nil {
		return false
	}
	return c.send(websocket.TextMessage, data)
}

func (c *Conn) sendBinary(tag wsproto.Tag, payload []byte) bool {
	buf := make([]byte, 1+len(payload))
	buf[0] = byte(tag)
	copy(buf[1:], payload)
	return c.send(websocket.BinaryMessage, buf)
}

func (c *Conn) sendPing() {
	_ = c.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait))
}

// writePump is the only goroutine that writes data frames. It decrements
// the queued-byte count after each write and resumes a paused PTY once
// the queue drains below the low watermark.
func (c *Conn) writePump() {
	for {
		select {
		case f := <-c.out:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			err := c.ws.WriteMessage(f.messageType, f.data)
			c.noteWritten(len(f.data))
			if err != nil {
				c.terminate()
				return
			}
		case <-c.done:
			return
		}
	}
}

func (c *Conn) noteWritten(n int) {
	var resume bool
	var pty PTY
	c.bpMu.Lock()
	c.queued -= int64(n)
	if c.queued < lowWatermark {
		if c.ptyPaused {
			c.ptyPaused = false
			resume = true
		}
		c.bpCond.Broadcast()
	}
	c.bpMu.Unlock()
	if resume {
		c.stateMu.Lock()
		pty = c.pty
		c.stateMu.Unlock()
		if pty != nil {
			pty.Resume()
			metrics.Get().PTYResumesTotal.Inc()
		}
	}
}

// pauseIfOverHighWater checks the queued-byte count AFTER a send, so the
// chunk that crossed the line is still delivered.
func (c *Conn) pauseIfOverHighWater(pty PTY) {
	c.bpMu.Lock()
	over := c.queued > highWatermark && !c.ptyPaused
	if over {
		c.ptyPaused = true
	}
	c.bpMu.Unlock()
	if over {
		pty.Pause()
		metrics.Get().PTYPausesTotal.Inc()
	}
}

// readPump consumes client frames until the socket dies. It runs on the
// HTTP handler goroutine.
func (c *Conn) readPump() {
	defer func() {
		if r := recover(); r != nil {
			logging.L().Error("panic in connection read pump",
				zap.Any("panic", r), zap.String("conn", c.id))
			c.terminate()
		}
	}()

	c.ws.SetReadLimit(maxMessageSize)
	_ = c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error {
		c.alive.Store(true)
		return c.ws.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		messageType, data, err := c.ws.ReadMessage()
		if err != nil {
			c.Close(wsproto.CloseNormal, "")
			return
		}
		_ = c.ws.SetReadDeadline(time.Now().Add(pongWait))

		switch messageType {
		case websocket.BinaryMessage:
			if len(data) < 1 {
				continue
			}
			if wsproto.Tag(data[0]) != wsproto.TagInput {
				continue
			}
			if !c.isAuthed() {
				c.Close(wsproto.CloseUnauthorized, "auth required")
				return
			}
			c.writeInput(data[1:])

		case websocket.TextMessage:
			var msg wsproto.ClientMessage
			if err := json.Unmarshal(data, &msg); err != nil {
				if !c.isAuthed() {
					c.Close(wsproto.CloseUnauthorized, "auth required")
					return
				}
				continue
			}
			if !c.handleControl(msg) {
				return
			}
		}
	}
}

// handleControl dispatches one JSON control frame. Returns false when the
// connection was closed by the handler.
func (c *Conn) handleControl(msg wsproto.ClientMessage) bool {
	if msg.Type == wsproto.ClientAuth {
		return c.handleAuth(msg.Token)
	}
	if !c.isAuthed() {
		c.Close(wsproto.CloseUnauthorized, "auth required")
		return false
	}

	switch msg.Type {
	case wsproto.ClientInput:
		c.writeInput([]byte(msg.Data))

	case wsproto.ClientResize:
		c.handleResize(msg.Cols, msg.Rows)

	case wsproto.ClientPing:
		c.sendControl(wsproto.ServerMessage{Type: wsproto.ServerPong, Timestamp: time.Now().UnixMilli()})

	case wsproto.ClientCaptureScrollback:
		c.handleCaptureScrollback()

	case wsproto.ClientStreamFile:
		c.startStream(msg.Path)

	case wsproto.ClientCancelStream:
		c.cancelStream()

	default:
		logging.L().Debug("unknown control message", zap.String("type", msg.Type), zap.String("conn", c.id))
	}
	return true
}

func (c *Conn) handleAuth(token string) bool {
	c.stateMu.Lock()
	already := c.authed
	c.stateMu.Unlock()
	if already {
		// Honored only once, in the accepted state.
		return true
	}

	if !identity.TokenMatches(c.gw.cfg.AuthToken, token) {
		c.gw.limiter.RecordAuthFailure(c.remoteIP)
		metrics.Get().AuthFailuresTotal.WithLabelValues("bad_token").Inc()
		c.Close(wsproto.CloseUnauthorized, "invalid token")
		return false
	}

	c.stateMu.Lock()
	if c.pendingAuth {
		c.pendingAuth = false
		c.gw.limiter.ReleasePendingAuth()
	}
	if c.authTimer != nil {
		c.authTimer.Stop()
		c.authTimer = nil
	}
	c.authed = true
	c.identityKey = identity.Key(c.gw.cfg.AuthToken)
	c.stateMu.Unlock()

	c.initSession()
	return !c.closed()
}

// initSession binds the connection to its session, creating or resuming
// the multiplexer session and attaching a PTY.
func (c *Conn) initSession() {
	c.stateMu.Lock()
	identityKey := c.identityKey
	c.stateMu.Unlock()

	name := identity.SessionName(identityKey, c.suffix)
	prefix := identity.IdentityPrefix(identityKey)

	if c.gw.reg.CountForIdentityPrefix(prefix) >= c.gw.cfg.MaxConnsPerIdentity {
		metrics.Get().AuthFailuresTotal.WithLabelValues("conn_cap").Inc()
		c.Close(wsproto.CloseTooManyConns, "too many connections for identity")
		return
	}

	c.gw.reg.Bind(name, c)
	c.stateMu.Lock()
	c.sessionName = name
	c.stateMu.Unlock()

	ctx := context.Background()
	has, err := c.gw.mux.Has(ctx, name)
	if err != nil {
		c.failInit(name, "multiplexer unavailable")
		return
	}

	var scrollback []byte
	if !has {
		cwd := c.gw.cfg.DefaultCwd
		if c.clientCwd != "" {
			if resolved, ok := c.gw.box.ValidateExisting(c.clientCwd, c.gw.cfg.DefaultCwd); ok {
				cwd = resolved
			}
		}
		if err := c.gw.mux.Create(ctx, name, c.cols, c.rows, cwd); err != nil {
			c.failInit(name, "session create failed")
			return
		}
		c.gw.reg.NoteCreated(name)
		metrics.Get().SessionsCreatedTotal.Inc()
	} else {
		var wg sync.WaitGroup
		wg.Add(2)
		go func() {
			defer wg.Done()
			if err := c.gw.mux.Resize(ctx, name, c.cols, c.rows); err != nil {
				logging.L().Debug("resume resize failed", zap.String("session", name), zap.Error(err))
			}
		}()
		go func() {
			defer wg.Done()
			if captured, err := c.gw.mux.Capture(ctx, name); err == nil {
				scrollback = captured
			}
		}()
		wg.Wait()
	}

	if len(scrollback) > 0 {
		c.sendBinary(wsproto.TagScrollback, normalizeNewlines(scrollback))
	}
	c.sendControl(wsproto.ServerMessage{Type: wsproto.ServerConnected, Resumed: has})

	pty, err := c.gw.attach(name, c.cols, c.rows)
	if err != nil {
		c.sendControl(wsproto.ServerMessage{Type: wsproto.ServerError, Message: "attach failed"})
		c.failInit(name, "attach failed")
		return
	}
	c.stateMu.Lock()
	c.pty = pty
	c.stateMu.Unlock()
	if c.closed() {
		pty.Kill()
		return
	}
	go c.ptyLoop(pty)

	logging.L().Info("session bound",
		zap.String("conn", c.id), zap.String("session", name),
		zap.Bool("resumed", has), zap.String("remote", c.remoteIP))
}

func (c *Conn) failInit(name string, reason string) {
	c.sendControl(wsproto.ServerMessage{Type: wsproto.ServerError, Message: reason})
	c.Close(wsproto.CloseSessionInitFail, reason)
}

// ptyLoop forwards PTY output to the socket and maps PTY exit to a normal
// close.
func (c *Conn) ptyLoop(pty PTY) {
	defer func() {
		if r := recover(); r != nil {
			logging.L().Error("panic in pty loop", zap.Any("panic", r), zap.String("conn", c.id))
			c.terminate()
		}
	}()

	for {
		select {
		case chunk, ok := <-pty.Output():
			if !ok {
				return
			}
			if !c.sendBinary(wsproto.TagOutput, chunk) {
				return
			}
			c.pauseIfOverHighWater(pty)

		case <-pty.Exit():
			c.Close(wsproto.CloseNormal, "session ended")
			return

		case <-c.done:
			return
		}
	}
}

func (c *Conn) writeInput(p []byte) {
	c.stateMu.Lock()
	pty := c.pty
	c.stateMu.Unlock()
	if pty == nil {
		return
	}
	if _, err := pty.Write(p); err != nil {
		logging.L().Debug("pty write failed", zap.String("conn", c.id), zap.Error(err))
	}
}

// handleResize clamps the requested dimensions and applies them to the
// PTY and the multiplexer session in parallel. Multiplexer failures are
// deliberately ignored: the PTY's own size is what the client sees.
func (c *Conn) handleResize(cols, rows int) {
	cols = wsproto.ResizeClamp(cols)
	rows = wsproto.ResizeClamp(rows)

	c.stateMu.Lock()
	c.cols = cols
	c.rows = rows
	pty := c.pty
	name := c.sessionName
	c.stateMu.Unlock()

	if pty != nil {
		if err := pty.Resize(cols, rows); err != nil {
			logging.L().Debug("pty resize failed", zap.String("conn", c.id), zap.Error(err))
		}
	}
	if name != "" {
		go func() {
			_ = c.gw.mux.Resize(context.Background(), name, cols, rows)
		}()
	}
}

func (c *Conn) handleCaptureScrollback() {
	now := time.Now()
	c.stateMu.Lock()
	if now.Sub(c.lastCapture) < captureMinInterval {
		c.stateMu.Unlock()
		return
	}
	c.lastCapture = now
	name := c.sessionName
	c.stateMu.Unlock()
	if name == "" {
		return
	}

	go func() {
		captured, err := c.gw.mux.Capture(context.Background(), name)
		if err != nil {
			logging.L().Debug("capture failed", zap.String("session", name), zap.Error(err))
			return
		}
		c.sendBinary(wsproto.TagScrollbackContent, normalizeNewlines(captured))
	}()
}

func (c *Conn) isAuthed() bool {
	c.stateMu.Lock()
	defer c.stateMu.Unlock()
	return c.authed
}

func (c *Conn) boundSessionName() string {
	c.stateMu.Lock()
	defer c.stateMu.Unlock()
	return c.sessionName
}

func (c *Conn) holdPendingAuth() {
	c.stateMu.Lock()
	c.pendingAuth = true
	c.stateMu.Unlock()
}

func (c *Conn) markAuthenticated(identityKey string) {
	c.stateMu.Lock()
	c.authed = true
	c.identityKey = identityKey
	c.stateMu.Unlock()
}

func (c *Conn) startAuthTimer() {
	c.stateMu.Lock()
	c.authTimer = time.AfterFunc(authTimeout, func() {
		if !c.isAuthed() {
			metrics.Get().AuthFailuresTotal.WithLabelValues("timeout").Inc()
			c.Close(wsproto.CloseUnauthorized, "auth timeout")
		}
	})
	c.stateMu.Unlock()
}

// normalizeNewlines converts bare LF line endings from the multiplexer's
// capture output into CRLF so the client terminal renders columns
// correctly.
func normalizeNewlines(p []byte) []byte {
	out := make([]byte, 0, len(p)+len(p)/16)
	var prev byte
	for _, b := range p {
		if b == '\n' && prev != '\r' {
			out = append(out, '\r')
		}
		out = append(out, b)
		prev = b
	}
	return out
}
