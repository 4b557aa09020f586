// Copyright (C) 2026 The Buxtehude Authors. All Rights Reserved.

// Package buxtehude implements a lightweight message bus for processes
// on a shared host.
//
// A broker ([Server]) accepts peers over unix sockets, TCP, or directly
// in process, and routes typed messages between them by team name.
// Peers ([Client]) identify themselves with a handshake, register
// handlers per message type, and may declare themselves unavailable for
// particular types without leaving the bus.
//
// # Messages
//
// The unit of exchange is the [Message]: a type string, optional
// destination and source team names, an arbitrary JSON-shaped content
// value, and an only_first flag. On the wire each message is framed as
// a format byte (JSON or MessagePack), a little-endian u32 body length,
// and the encoded body. Types beginning with "$$" are reserved for the
// protocol itself.
//
// # Servers
//
// To host a broker:
//
//	srv := buxtehude.NewServer()
//	if err := srv.ListenUnix("/tmp/bux.sock"); err != nil {
//	   log.Fatal(err)
//	}
//	defer srv.Close()
//
// A server may listen on any number of unix and TCP sockets at once,
// and additionally carry in-process clients.
//
// # Clients
//
// To join the bus and receive messages:
//
//	c := buxtehude.NewClient("spiders")
//	if err := c.ConnectUnix("/tmp/bux.sock"); err != nil {
//	   log.Fatal(err)
//	}
//	c.Handle("task", func(c *buxtehude.Client, m *buxtehude.Message) {
//	   // ...
//	})
//	c.Run()
//
// To send, use [Client.Write]:
//
//	c.Write(buxtehude.Message{Type: "task", Dest: "crickets", Content: 42})
//
// A destination of [DestAll] reaches every other peer. Setting
// OnlyFirst delivers to a single recipient, preferring peers that have
// not declared themselves unavailable for the type (see
// [Client.SetAvailable]).
//
// # Internal clients
//
// A client connected with [Client.ConnectInternal] shares the broker's
// process and exchanges messages without serialisation. Until
// [Client.Run] is called, inbound messages queue; afterwards handlers
// run synchronously with routing.
//
// # Metrics
//
// Each server keeps activity counters, exposed as an [expvar.Map] by
// [Server.Metrics]:
//
//   - sessions_active: gauge of sessions currently connected
//   - frames_in: counter of frames decoded from socket peers
//   - messages_routed: counter of deliveries to destination sessions
//   - errors_sent: counter of $$error messages sent to peers
//   - disconnect_notices: counter of $$disconnect notices broadcast
package buxtehude
