// Copyright (C) 2026 The Buxtehude Authors. All Rights Reserved.

package buxtehude

import (
	"bufio"
	"fmt"
	"log/slog"
	"net"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/creachadair/taskgroup"

	"github.com/buxtehude/buxtehude/validate"
	"github.com/buxtehude/buxtehude/wire"
)

// A Handler processes one inbound message on a client. Handlers for a
// given client run one at a time.
type Handler func(*Client, *Message)

// A Client is one peer on the bus. It connects to a broker over a unix
// or TCP socket or in process, identifies itself by team name, and
// exchanges messages with other peers.
type Client struct {
	log       *slog.Logger
	team      string
	format    Format
	maxMsgLen uint32
	retry     time.Duration // cap on dial retries; zero means one attempt

	mu        sync.Mutex
	kind      connKind
	conn      net.Conn
	wbuf      *bufio.Writer
	server    *Server // for internal sessions
	handlers  map[string]Handler
	ingress   []Message // messages held until Run, internal sessions only
	running   bool
	connected bool
	closed    bool

	stream      *wire.Stream // touched only by the read loop
	dispatching atomic.Bool
	tasks       *taskgroup.Group
}

// A ClientOption configures a Client at construction.
type ClientOption func(*Client)

// WithFormat sets the encoding the client requests for messages sent to
// it. The default is JSON.
func WithFormat(f Format) ClientOption {
	return func(c *Client) { c.format = f }
}

// WithClientLogger sets the logger the client reports through.
func WithClientLogger(log *slog.Logger) ClientOption {
	return func(c *Client) { c.log = log }
}

// WithClientMaxMessageLength sets the largest frame body the client
// accepts. The value is also announced in the client's handshake.
func WithClientMaxMessageLength(n uint32) ClientOption {
	return func(c *Client) { c.maxMsgLen = n }
}

// WithDialRetry makes socket connection attempts retry with capped
// exponential backoff for up to the given duration before reporting a
// ConnectError.
func WithDialRetry(maxElapsed time.Duration) ClientOption {
	return func(c *Client) { c.retry = maxElapsed }
}

// NewClient constructs an unconnected client for the given team.
func NewClient(team string, opts ...ClientOption) *Client {
	c := &Client{
		log:       slog.Default(),
		team:      team,
		format:    FormatJSON,
		maxMsgLen: DefaultMaxMessageLength,
		handlers:  make(map[string]Handler),
		tasks:     taskgroup.New(nil),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.maxMsgLen > AbsoluteMaxMessageLength {
		c.maxMsgLen = AbsoluteMaxMessageLength
	}
	return c
}

// Team reports the team name the client identifies as.
func (c *Client) Team() string { return c.team }

// ConnectTCP connects to a broker over TCP. An addr without a port uses
// the default port; an empty addr targets the local host.
func (c *Client) ConnectTCP(addr string) error {
	if addr == "" {
		addr = "localhost"
	}
	if !strings.Contains(addr, ":") {
		addr = fmt.Sprintf("%s:%d", addr, DefaultPort)
	}
	return c.connectSocket("tcp", addr, connTCP)
}

// ConnectUnix connects to a broker over a unix socket.
func (c *Client) ConnectUnix(path string) error {
	return c.connectSocket("unix", path, connUnix)
}

// Dial connects to addr, guessing the transport with SplitAddress.
func (c *Client) Dial(addr string) error {
	network, address := SplitAddress(addr)
	if network == "unix" {
		return c.ConnectUnix(address)
	}
	return c.ConnectTCP(address)
}

// ConnectInternal attaches the client to an in-process broker. No
// sockets are involved; messages pass by value.
func (c *Client) ConnectInternal(srv *Server) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	if c.connected {
		c.mu.Unlock()
		return ErrAlreadyConnected
	}
	c.kind = connInternal
	c.server = srv
	c.connected = true
	c.mu.Unlock()
	if err := srv.addClient(c); err != nil {
		c.mu.Lock()
		c.connected = false
		c.server = nil
		c.mu.Unlock()
		return err
	}
	return c.handshake()
}

func (c *Client) connectSocket(network, addr string, kind connKind) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	if c.connected {
		c.mu.Unlock()
		return ErrAlreadyConnected
	}
	c.mu.Unlock()

	conn, err := c.dial(network, addr)
	if err != nil {
		return &ConnectError{Network: network, Addr: addr, Err: err}
	}
	c.mu.Lock()
	if c.closed || c.connected {
		c.mu.Unlock()
		conn.Close()
		if c.closed {
			return ErrClosed
		}
		return ErrAlreadyConnected
	}
	c.kind = kind
	c.conn = conn
	c.wbuf = bufio.NewWriter(conn)
	c.stream = wire.New(bufio.NewReader(conn))
	c.stream.Await(1).Await(4).Then(c.header)
	c.connected = true
	c.mu.Unlock()
	c.log.Debug("connected", "team", c.team, "kind", kind, "addr", addr)
	return c.handshake()
}

func (c *Client) dial(network, addr string) (net.Conn, error) {
	if c.retry <= 0 {
		return net.Dial(network, addr)
	}
	bo := backoff.NewExponentialBackOff()
	bo.MaxElapsedTime = c.retry
	var conn net.Conn
	err := backoff.Retry(func() error {
		var err error
		conn, err = net.Dial(network, addr)
		return err
	}, bo)
	return conn, err
}

// handshake announces the client's identity and preferences, and
// installs the default protocol handlers. The handshake handler checks
// the server's version and removes itself; the error handler logs the
// server's error text when it is a non-empty string and ignores other
// contents.
func (c *Client) handshake() error {
	c.Handle(TypeHandshake, func(cl *Client, m *Message) {
		if !validate.JSON(m.Content, handshakeClientChecks) {
			cl.log.Warn("rejecting server handshake", "team", cl.team)
			cl.Close()
			return
		}
		cl.Handle(TypeHandshake, nil)
	})
	c.Handle(TypeError, func(cl *Client, m *Message) {
		if !validate.JSON(m.Content, serverMessageChecks) {
			return
		}
		if text, ok := m.Content.(string); ok {
			cl.log.Warn("server reported error", "team", cl.team, "err", text)
		}
	})
	return c.Write(Message{
		Type: TypeHandshake,
		Content: map[string]any{
			"teamname":           c.team,
			"format":             int(c.format),
			"version":            CurrentVersion,
			"max-message-length": c.maxMsgLen,
		},
	})
}

// Write sends m to the broker. A failed socket write ends the session
// and reports a WriteError.
func (c *Client) Write(m Message) error {
	c.mu.Lock()
	if !c.connected {
		c.mu.Unlock()
		return ErrNotConnected
	}
	kind, server, format := c.kind, c.server, c.format
	c.mu.Unlock()

	if kind == connInternal {
		server.receive(c, m)
		return nil
	}
	frame, err := encodeFrame(m, format)
	if err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.connected {
		return ErrNotConnected
	}
	if _, err := c.wbuf.Write(frame); err != nil {
		return c.failWriteLocked(err)
	}
	if err := c.wbuf.Flush(); err != nil {
		return c.failWriteLocked(err)
	}
	return nil
}

func (c *Client) failWriteLocked(err error) error {
	c.log.Warn("write failed", "team", c.team, "err", err)
	c.connected = false
	c.conn.Close()
	return &WriteError{Err: err}
}

// SetAvailable tells the broker whether the client currently accepts
// messages of the given type.
func (c *Client) SetAvailable(typ string, available bool) error {
	return c.Write(Message{
		Type: TypeAvailable,
		Content: map[string]any{
			"type":      typ,
			"available": available,
		},
	})
}

// Handle sets the handler for a message type. A nil handler removes any
// existing one.
func (c *Client) Handle(typ string, h Handler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if h == nil {
		delete(c.handlers, typ)
	} else {
		c.handlers[typ] = h
	}
}

// ClearHandlers removes every installed handler.
func (c *Client) ClearHandlers() {
	c.mu.Lock()
	defer c.mu.Unlock()
	clear(c.handlers)
}

// Run starts message dispatch. Socket clients gain a read loop; internal
// clients first drain any messages that arrived before Run and then
// receive messages synchronously from the broker.
func (c *Client) Run() error {
	c.mu.Lock()
	if !c.connected {
		c.mu.Unlock()
		return ErrNotConnected
	}
	if c.running {
		c.mu.Unlock()
		return nil
	}
	kind := c.kind
	c.mu.Unlock()

	if kind != connInternal {
		c.mu.Lock()
		c.running = true
		c.mu.Unlock()
		c.tasks.Run(c.readLoop)
		return nil
	}
	for {
		c.mu.Lock()
		if len(c.ingress) == 0 {
			c.running = true
			c.mu.Unlock()
			return nil
		}
		q := c.ingress
		c.ingress = nil
		c.mu.Unlock()
		for i := range q {
			c.handleMessage(&q[i])
		}
	}
}

// header is the stream callback for a completed frame header. A client
// has no error channel back to the server, so a malformed frame ends
// the connection.
func (c *Client) header(s *wire.Stream, f *wire.Field) {
	format := Format(f.Index(-1).Byte())
	if !format.Valid() {
		c.log.Warn("invalid frame format byte", "team", c.team, "format", f.Index(-1).Byte())
		s.Reset()
		c.teardown()
		return
	}
	if n := f.Uint32(); n > c.maxMsgLen {
		c.log.Warn("frame exceeds maximum length", "team", c.team, "len", n)
		s.Reset()
		c.teardown()
		return
	}
	s.Await(int(f.Uint32()))
}

func (c *Client) readLoop() {
	for {
		if !c.stream.Read() {
			if c.stream.Status() == wire.StatusEOF {
				c.teardown()
				return
			}
			continue
		}
		if !c.stream.Done() {
			continue
		}
		body := c.stream.At(2)
		format := Format(c.stream.At(0).Byte())
		m, err := DecodeMessage(format, body.Bytes())
		c.stream.Delete(body)
		c.stream.Reset()
		if err != nil || m.Type == "" {
			c.log.Warn("undecodable message", "team", c.team, "err", err)
			continue
		}
		c.handleMessage(&m)
	}
}

func (c *Client) handleMessage(m *Message) {
	c.mu.Lock()
	h := c.handlers[m.Type]
	c.mu.Unlock()
	if h == nil {
		return
	}
	c.dispatching.Store(true)
	defer c.dispatching.Store(false)
	h(c, m)
}

// deliver accepts a message from an in-process broker. Before Run it is
// queued; afterwards the handler runs synchronously on the broker's
// loop.
func (c *Client) deliver(m Message) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	if !c.running {
		c.ingress = append(c.ingress, m)
		c.mu.Unlock()
		return
	}
	c.mu.Unlock()
	c.handleMessage(&m)
}

// internalDisconnect marks the session gone after the broker has
// dropped it.
func (c *Client) internalDisconnect() {
	c.mu.Lock()
	c.connected = false
	c.mu.Unlock()
}

func (c *Client) teardown() {
	c.mu.Lock()
	if !c.connected {
		c.mu.Unlock()
		return
	}
	c.connected = false
	conn := c.conn
	c.mu.Unlock()
	if conn != nil {
		conn.Close()
	}
	c.log.Debug("connection closed", "team", c.team)
}

// Close ends the client's session and releases its goroutines. It is
// idempotent and safe to call from inside a handler.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	kind, conn, server := c.kind, c.conn, c.server
	wasConnected := c.connected
	c.connected = false
	c.mu.Unlock()

	if kind == connInternal {
		if server != nil && wasConnected {
			server.removeClient(c)
		}
	} else if conn != nil {
		conn.Close()
	}
	if !c.dispatching.Load() {
		c.tasks.Wait()
	}
	return nil
}
