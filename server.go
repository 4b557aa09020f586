// Copyright (C) 2026 The Buxtehude Authors. All Rights Reserved.

package buxtehude

import (
	"bufio"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"slices"
	"sync"
	"time"

	"github.com/Jeffail/gabs/v2"
	"github.com/creachadair/mds/mapset"
	"github.com/creachadair/taskgroup"

	"github.com/buxtehude/buxtehude/validate"
	"github.com/buxtehude/buxtehude/wire"
)

type eventKind int

const (
	evConn     eventKind = iota // a new socket connection was accepted
	evInbound                   // a session produced a decoded message
	evTimeout                   // a session's handshake timer fired
	evGone                      // a session's read loop ended
	evInternal                  // the internal ingress queue has messages
)

type serverEvent struct {
	kind eventKind
	h    *clientHandle
	m    Message
	conn net.Conn
	ck   connKind
}

type internalMessage struct {
	c *Client
	m Message
}

// A Server is a message broker. Peers connect over unix or TCP sockets
// or in process, complete a handshake, and exchange messages addressed
// by team name. All routing decisions happen on a single event loop.
type Server struct {
	log       *slog.Logger
	maxMsgLen uint32
	hsTimeout time.Duration

	mu      sync.Mutex // guards clients
	clients []*clientHandle

	imu      sync.Mutex // guards internal
	internal []internalMessage

	events chan serverEvent
	stop   chan struct{}
	tasks  *taskgroup.Group

	smu       sync.Mutex // guards started, closed, listeners
	started   bool
	closed    bool
	listeners []net.Listener

	metrics *serverMetrics
}

// A ServerOption configures a Server at construction.
type ServerOption func(*Server)

// WithLogger sets the logger the server reports through.
func WithLogger(log *slog.Logger) ServerOption {
	return func(s *Server) { s.log = log }
}

// WithMaxMessageLength sets the largest frame body the server accepts
// from any session. A larger length proposed by a client's handshake
// does not loosen this cap.
func WithMaxMessageLength(n uint32) ServerOption {
	return func(s *Server) { s.maxMsgLen = n }
}

// WithHandshakeTimeout sets how long a new session may take to complete
// its handshake before it is disconnected.
func WithHandshakeTimeout(d time.Duration) ServerOption {
	return func(s *Server) { s.hsTimeout = d }
}

// NewServer constructs an idle broker. Call ListenUnix or ListenTCP to
// accept socket peers, or connect internal clients directly.
func NewServer(opts ...ServerOption) *Server {
	s := &Server{
		log:       slog.Default(),
		maxMsgLen: DefaultMaxMessageLength,
		hsTimeout: 60 * time.Second,
		events:    make(chan serverEvent, 256),
		stop:      make(chan struct{}),
		tasks:     taskgroup.New(nil),
		metrics:   newServerMetrics(),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.maxMsgLen > AbsoluteMaxMessageLength {
		s.maxMsgLen = AbsoluteMaxMessageLength
	}
	return s
}

// ListenUnix opens a unix socket at path and accepts peers on it.
func (s *Server) ListenUnix(path string) error {
	lst, err := net.Listen("unix", path)
	if err != nil {
		return &ListenError{Network: "unix", Addr: path, Err: err}
	}
	s.addListener(lst, connUnix)
	return nil
}

// ListenTCP opens a TCP listener at addr and accepts peers on it. An
// empty addr listens on the default port on all interfaces.
func (s *Server) ListenTCP(addr string) error {
	if addr == "" {
		addr = fmt.Sprintf(":%d", DefaultPort)
	}
	lst, err := net.Listen("tcp", addr)
	if err != nil {
		return &ListenError{Network: "tcp", Addr: addr, Err: err}
	}
	s.addListener(lst, connTCP)
	return nil
}

func (s *Server) addListener(lst net.Listener, kind connKind) {
	s.smu.Lock()
	s.listeners = append(s.listeners, lst)
	s.smu.Unlock()
	s.start()
	s.tasks.Run(func() { s.acceptLoop(lst, kind) })
	s.log.Debug("listening", "kind", kind, "addr", lst.Addr())
}

// start launches the event loop once.
func (s *Server) start() {
	s.smu.Lock()
	defer s.smu.Unlock()
	if s.started {
		return
	}
	s.started = true
	s.tasks.Run(s.loop)
}

func (s *Server) acceptLoop(lst net.Listener, kind connKind) {
	for {
		conn, err := lst.Accept()
		if err != nil {
			select {
			case <-s.stop:
			default:
				s.log.Warn("accept failed", "kind", kind, "err", err)
			}
			return
		}
		s.post(serverEvent{kind: evConn, conn: conn, ck: kind})
	}
}

// post hands an event to the loop unless the server is shutting down.
func (s *Server) post(ev serverEvent) {
	select {
	case s.events <- ev:
	case <-s.stop:
	}
}

func (s *Server) loop() {
	for {
		select {
		case <-s.stop:
			return
		case ev := <-s.events:
			switch ev.kind {
			case evConn:
				s.addConnection(ev.conn, ev.ck)
			case evInbound:
				if ev.h == nil {
					s.route(nil, ev.m)
				} else if ev.h.alive() {
					s.serve(ev.h, ev.m)
				}
			case evTimeout:
				if ev.h.alive() && !ev.h.isHandshaken() {
					s.log.Warn("handshake timed out", "kind", ev.h.kind)
					ev.h.disconnect("Failed handshake")
				}
			case evInternal:
				s.drainInternal()
			}
			s.reap()
		}
	}
}

// addConnection registers a freshly accepted socket, sends the server
// handshake, and arms the handshake timer.
func (s *Server) addConnection(conn net.Conn, kind connKind) {
	h := &clientHandle{
		srv:         s,
		kind:        kind,
		conn:        conn,
		wbuf:        bufio.NewWriter(conn),
		format:      FormatJSON,
		maxLen:      s.maxMsgLen,
		connected:   true,
		unavailable: mapset.New[string](),
	}
	h.stream = wire.New(bufio.NewReader(conn))
	h.stream.Await(1).Await(4).Then(h.header)

	s.mu.Lock()
	s.clients = append(s.clients, h)
	s.mu.Unlock()
	s.metrics.sessionsActive.Add(1)
	s.log.Debug("session opened", "kind", kind, "remote", conn.RemoteAddr())

	if err := h.write(serverHandshake()); err != nil {
		h.closeNoWrite()
		return
	}
	h.hsTimer = time.AfterFunc(s.hsTimeout, func() {
		s.post(serverEvent{kind: evTimeout, h: h})
	})
	s.tasks.Run(func() { s.readLoop(h) })
}

func serverHandshake() Message {
	return Message{
		Type:    TypeHandshake,
		Src:     TeamServer,
		Content: map[string]any{"version": CurrentVersion},
	}
}

// readLoop pumps a session's wire stream, decoding completed frames and
// posting them to the event loop.
func (s *Server) readLoop(h *clientHandle) {
	for {
		if !h.stream.Read() {
			if h.stream.Status() == wire.StatusEOF {
				h.closeNoWrite()
				s.post(serverEvent{kind: evGone, h: h})
				return
			}
			continue
		}
		if !h.stream.Done() {
			continue
		}
		body := h.stream.At(2)
		format := Format(h.stream.At(0).Byte())
		m, err := DecodeMessage(format, body.Bytes())
		h.stream.Delete(body)
		h.stream.Reset()
		if err == nil && m.Type == "" {
			err = errors.New("missing message type")
		}
		if err != nil {
			team := h.teamName()
			s.log.Warn("undecodable message", "team", team, "err", err)
			h.sendError(fmt.Sprintf("Error parsing message from %s: %v", team, err))
			if !h.alive() {
				s.post(serverEvent{kind: evGone, h: h})
				return
			}
			continue
		}
		s.metrics.framesIn.Add(1)
		s.post(serverEvent{kind: evInbound, h: h, m: m})
	}
}

// serve applies one inbound message from a live session. Runs on the
// event loop only.
func (s *Server) serve(h *clientHandle, m Message) {
	if !h.isHandshaken() {
		if m.Type != TypeHandshake || !validate.JSON(m.Content, handshakeServerChecks) {
			s.log.Warn("invalid handshake", "kind", h.kind)
			h.disconnect("Failed handshake")
			return
		}
		c := gabs.Wrap(m.Content)
		team := contentString(c, "/teamname")
		format := Format(contentUint(c, "/format"))
		h.setHandshake(team, format)
		s.log.Info("peer joined", "team", team, "format", format, "kind", h.kind)
		return
	}

	if m.Type == TypeAvailable {
		if !validate.JSON(m.Content, availableChecks) {
			h.sendError("Incorrect format for $$available message")
			return
		}
		c := gabs.Wrap(m.Content)
		typ := contentString(c, "/type")
		if contentBool(c, "/available") {
			h.unavailable.Remove(typ)
		} else {
			h.unavailable.Add(typ)
		}
		// fall through: an addressed availability notice still routes
	}

	if m.Dest == "" {
		return
	}
	m.Src = h.teamName()
	s.route(h, m)
}

// route delivers m to its destination sessions. A nil sender means the
// message originates with the server itself.
func (s *Server) route(sender *clientHandle, m Message) {
	if m.Src == "" {
		m.Src = TeamServer
	}
	if m.OnlyFirst {
		if target := s.firstAvailable(sender, m); target != nil {
			s.deliver(target, m)
		}
		return
	}
	s.mu.Lock()
	var targets []*clientHandle
	for _, h := range s.clients {
		if h == sender || !h.isHandshaken() || !h.alive() {
			continue
		}
		if m.Dest == DestAll || h.teamName() == m.Dest {
			targets = append(targets, h)
		}
	}
	s.mu.Unlock()
	for _, t := range targets {
		s.deliver(t, m)
	}
}

func (s *Server) deliver(t *clientHandle, m Message) {
	if err := t.write(m); err != nil {
		s.log.Debug("delivery failed", "team", t.teamName(), "err", err)
		t.closeNoWrite()
		return
	}
	s.metrics.messagesRouted.Add(1)
}

// firstAvailable picks the target of an only_first message: the first
// matching session in connection order that accepts the message's type.
// When every match has opted out, the last match is chosen anyway.
func (s *Server) firstAvailable(sender *clientHandle, m Message) *clientHandle {
	s.mu.Lock()
	defer s.mu.Unlock()
	var last *clientHandle
	for _, h := range s.clients {
		if h == sender || !h.isHandshaken() || !h.alive() {
			continue
		}
		if m.Dest != DestAll && h.teamName() != m.Dest {
			continue
		}
		if h.available(m.Type) {
			return h
		}
		last = h
	}
	return last
}

// reap removes dead sessions from the table and tells the remaining
// peers who left. Broadcasting a notice can itself kill a session, so
// sweep until the table is stable.
func (s *Server) reap() {
	for {
		s.mu.Lock()
		var dead []*clientHandle
		live := s.clients[:0]
		for _, h := range s.clients {
			if h.alive() {
				live = append(live, h)
			} else {
				dead = append(dead, h)
			}
		}
		s.clients = live
		s.mu.Unlock()
		if len(dead) == 0 {
			return
		}
		for _, h := range dead {
			s.metrics.sessionsActive.Add(-1)
			team := h.teamName()
			if team == TeamUnauthorised {
				continue
			}
			s.log.Info("peer left", "team", team, "kind", h.kind)
			s.broadcastDisconnect(team)
		}
	}
}

func (s *Server) broadcastDisconnect(team string) {
	s.mu.Lock()
	targets := slices.Clone(s.clients)
	s.mu.Unlock()
	m := Message{
		Type:    TypeDisconnect,
		Src:     TeamServer,
		Content: map[string]any{"who": team},
	}
	for _, t := range targets {
		if !t.isHandshaken() || !t.alive() {
			continue
		}
		if err := t.write(m); err != nil {
			t.closeNoWrite()
			continue
		}
		s.metrics.disconnectNotices.Add(1)
	}
}

// receive queues a message from an internal client for the event loop.
func (s *Server) receive(c *Client, m Message) {
	s.imu.Lock()
	s.internal = append(s.internal, internalMessage{c: c, m: m})
	s.imu.Unlock()
	s.post(serverEvent{kind: evInternal})
}

func (s *Server) drainInternal() {
	s.imu.Lock()
	q := s.internal
	s.internal = nil
	s.imu.Unlock()
	for _, im := range q {
		if h := s.findInternal(im.c); h != nil && h.alive() {
			s.serve(h, im.m)
		}
	}
}

func (s *Server) findInternal(c *Client) *clientHandle {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, h := range s.clients {
		if h.client == c {
			return h
		}
	}
	return nil
}

// addClient registers an in-process client as a session and sends it
// the server handshake.
func (s *Server) addClient(c *Client) error {
	s.smu.Lock()
	closed := s.closed
	s.smu.Unlock()
	if closed {
		return ErrClosed
	}
	h := &clientHandle{
		srv:         s,
		kind:        connInternal,
		client:      c,
		format:      FormatJSON,
		maxLen:      s.maxMsgLen,
		connected:   true,
		unavailable: mapset.New[string](),
	}
	s.mu.Lock()
	s.clients = append(s.clients, h)
	s.mu.Unlock()
	s.metrics.sessionsActive.Add(1)
	s.start()
	return h.write(serverHandshake())
}

// removeClient ends an in-process client's session.
func (s *Server) removeClient(c *Client) {
	if h := s.findInternal(c); h != nil {
		h.closeNoWrite()
		s.post(serverEvent{kind: evGone, h: h})
	}
}

// Broadcast routes a server-originated message to its destination.
func (s *Server) Broadcast(m Message) {
	m.Src = TeamServer
	s.start()
	s.post(serverEvent{kind: evInbound, m: m})
}

// Addrs reports the addresses of the server's open listeners, in the
// order they were opened.
func (s *Server) Addrs() []net.Addr {
	s.smu.Lock()
	defer s.smu.Unlock()
	addrs := make([]net.Addr, len(s.listeners))
	for i, lst := range s.listeners {
		addrs[i] = lst.Addr()
	}
	return addrs
}

// Clients reports the team names of all sessions that have completed a
// handshake, sorted.
func (s *Server) Clients() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	var teams []string
	for _, h := range s.clients {
		if h.isHandshaken() && h.alive() {
			teams = append(teams, h.teamName())
		}
	}
	slices.Sort(teams)
	return teams
}

// Close shuts the broker down: listeners stop accepting, every live
// session is told the server is going away, and all service goroutines
// are joined. Close is idempotent.
func (s *Server) Close() error {
	s.smu.Lock()
	if s.closed {
		s.smu.Unlock()
		return nil
	}
	s.closed = true
	listeners := s.listeners
	s.smu.Unlock()

	for _, lst := range listeners {
		lst.Close()
	}
	s.mu.Lock()
	snapshot := slices.Clone(s.clients)
	s.mu.Unlock()
	for _, h := range snapshot {
		if h.alive() {
			h.disconnect("Shutting down server")
		}
	}
	close(s.stop)
	s.tasks.Wait()
	s.log.Debug("server closed")
	return nil
}
