// Copyright (C) 2026 The Buxtehude Authors. All Rights Reserved.

package buxtehude

import (
	"bufio"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/Jeffail/gabs/v2"
	"github.com/creachadair/mds/mapset"

	"github.com/buxtehude/buxtehude/wire"
)

// connKind distinguishes the transports a session may arrive on.
type connKind int

const (
	connUnix connKind = iota
	connTCP
	connInternal
)

func (k connKind) String() string {
	switch k {
	case connUnix:
		return "unix"
	case connTCP:
		return "tcp"
	case connInternal:
		return "internal"
	}
	return "unknown"
}

// A clientHandle is the server's view of one connected peer. Socket
// sessions own a conn and a wire stream; internal sessions point at the
// in-process Client instead.
type clientHandle struct {
	srv    *Server
	kind   connKind
	conn   net.Conn      // nil for internal sessions
	wbuf   *bufio.Writer // guarded by mu
	stream *wire.Stream  // touched only by the session's read loop
	client *Client       // nil for socket sessions

	hsTimer *time.Timer

	mu         sync.Mutex
	team       string
	format     Format
	maxLen     uint32
	handshaken bool
	connected  bool
	lastError  time.Time

	// unavailable is the set of message types the peer has opted out
	// of. Touched only on the server loop.
	unavailable mapset.Set[string]
}

func (h *clientHandle) teamName() string {
	h.mu.Lock()
	defer h.mu.Unlock()
	if !h.handshaken {
		return TeamUnauthorised
	}
	return h.team
}

func (h *clientHandle) isHandshaken() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.handshaken
}

func (h *clientHandle) alive() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.connected
}

// setHandshake records the session identity negotiated by a valid
// handshake. The frame-size cap is the server's own; a length the
// client proposes in its handshake does not loosen it.
func (h *clientHandle) setHandshake(team string, f Format) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.team = team
	h.format = f
	h.handshaken = true
	if h.hsTimer != nil {
		h.hsTimer.Stop()
	}
}

// available reports whether the peer accepts messages of the given type.
func (h *clientHandle) available(typ string) bool {
	return !h.unavailable.Has(typ)
}

// write encodes m in the session's format and delivers it. Internal
// sessions receive the message value directly. A failed socket write
// marks the session dead and reports a WriteError.
func (h *clientHandle) write(m Message) error {
	if h.kind == connInternal {
		h.client.deliver(m)
		return nil
	}
	h.mu.Lock()
	format := h.format
	h.mu.Unlock()
	frame, err := encodeFrame(m, format)
	if err != nil {
		return err
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if !h.connected {
		return &WriteError{Err: ErrClosed}
	}
	_, werr := h.wbuf.Write(frame)
	if werr == nil {
		werr = h.wbuf.Flush()
	}
	if werr == nil {
		return nil
	}
	h.connected = false
	if h.conn != nil {
		h.conn.Close()
	}
	return &WriteError{Err: werr}
}

// sendError reports a fault to the peer as a $$error message. Errors
// are rate limited to one per second per session; a session that errors
// before completing its handshake is disconnected outright.
func (h *clientHandle) sendError(text string) {
	h.mu.Lock()
	handshaken := h.handshaken
	now := time.Now()
	limited := now.Sub(h.lastError) < time.Second
	if !limited {
		h.lastError = now
	}
	h.mu.Unlock()

	if !handshaken {
		h.disconnect("Failed handshake")
		return
	}
	if limited {
		return
	}
	m := Message{Type: TypeError, Src: TeamServer, Content: text}
	if err := h.write(m); err != nil {
		h.srv.log.Debug("error write failed", "team", h.teamName(), "err", err)
		h.closeNoWrite()
		return
	}
	h.srv.metrics.errorsSent.Add(1)
}

// disconnect notifies the peer that the server is ending the session,
// then tears it down.
func (h *clientHandle) disconnect(reason string) {
	if reason == "" {
		reason = "Disconnected by server"
	}
	h.write(Message{
		Type: TypeDisconnect,
		Src:  TeamServer,
		Content: map[string]any{
			"who":    WhoYou,
			"reason": reason,
		},
	})
	h.closeNoWrite()
}

// closeNoWrite tears the session down without notifying the peer. It is
// idempotent. The handle remains in the server's table until the next
// sweep.
func (h *clientHandle) closeNoWrite() {
	h.mu.Lock()
	if !h.connected {
		h.mu.Unlock()
		return
	}
	h.connected = false
	team, kind := h.team, h.kind
	h.mu.Unlock()

	if h.hsTimer != nil {
		h.hsTimer.Stop()
	}
	if h.conn != nil {
		h.conn.Close()
	}
	if h.client != nil {
		h.client.internalDisconnect()
	}
	h.srv.log.Debug("session closed", "team", team, "kind", kind)
}

// header is the stream callback for a completed frame header. It
// checks the format byte and body length, then awaits the body.
func (h *clientHandle) header(s *wire.Stream, f *wire.Field) {
	format := Format(f.Index(-1).Byte())
	if !format.Valid() {
		s.Reset()
		h.sendError("Invalid message type!")
		return
	}
	n := f.Uint32()
	h.mu.Lock()
	maxLen := h.maxLen
	h.mu.Unlock()
	if n > maxLen {
		s.Reset()
		h.sendError("Buffer size too big!")
		return
	}
	s.Await(int(n))
}

// field paths inside handshake and availability contents.
func contentString(c *gabs.Container, path string) string {
	v, err := c.JSONPointer(path)
	if err != nil {
		return ""
	}
	s, _ := v.Data().(string)
	return s
}

func contentUint(c *gabs.Container, path string) uint32 {
	v, err := c.JSONPointer(path)
	if err != nil {
		return 0
	}
	switch t := v.Data().(type) {
	case float64:
		if t < 0 {
			return 0
		}
		return uint32(t)
	case int64:
		if t < 0 {
			return 0
		}
		return uint32(t)
	case uint64:
		return uint32(t)
	}
	return 0
}

func contentBool(c *gabs.Container, path string) bool {
	v, err := c.JSONPointer(path)
	if err != nil {
		return false
	}
	b, _ := v.Data().(bool)
	return b
}

func (h *clientHandle) String() string {
	return fmt.Sprintf("#<session %q %v>", h.teamName(), h.kind)
}
