// Copyright (C) 2026 The Buxtehude Authors. All Rights Reserved.

package buxtehude

import (
	"fmt"

	"github.com/buxtehude/buxtehude/validate"
)

// Reserved message types and addressing sentinels. Types beginning with
// "$$" are reserved for the protocol; applications must not originate
// them except through the documented client operations.
const (
	TypeHandshake  = "$$handshake"  // session setup exchange
	TypeAvailable  = "$$available"  // availability mask updates
	TypeSubscribe  = "$$subscribe"  // reserved, no server semantics
	TypeDisconnect = "$$disconnect" // departure notices
	TypeError      = "$$error"      // server-reported faults
	TypeInfo       = "$$info"       // reserved informational type

	DestAll    = "$$all"    // broadcast destination
	WhoYou     = "$$you"    // the recipient itself, in disconnect notices
	TeamServer = "$$server" // the broker as a message source

	// TeamUnauthorised names sessions that have not completed a
	// handshake.
	TeamUnauthorised = "$$unauthorised"
)

// Protocol version and negotiation bounds.
const (
	CurrentVersion    = 0
	MinimumCompatible = 0

	DefaultPort             = 1637
	DefaultMaxMessageLength = 16384

	// AbsoluteMaxMessageLength caps the configured maximum message
	// length of servers and clients alike.
	AbsoluteMaxMessageLength = 131072
)

// Format selects the encoding of a message body on the wire.
type Format byte

const (
	FormatJSON    Format = 0
	FormatMsgpack Format = 1
)

// Valid reports whether f names a known encoding.
func (f Format) Valid() bool { return f == FormatJSON || f == FormatMsgpack }

func (f Format) String() string {
	switch f {
	case FormatJSON:
		return "json"
	case FormatMsgpack:
		return "msgpack"
	}
	return fmt.Sprintf("format(%d)", byte(f))
}

// A Message is the unit of exchange between peers. Dest, Src, and
// Content are omitted from the encoding when empty; OnlyFirst is always
// present.
type Message struct {
	Type      string `json:"type" msgpack:"type"`
	Dest      string `json:"dest,omitempty" msgpack:"dest,omitempty"`
	Src       string `json:"src,omitempty" msgpack:"src,omitempty"`
	Content   any    `json:"content,omitempty" msgpack:"content,omitempty"`
	OnlyFirst bool   `json:"only_first" msgpack:"only_first"`
}

func (m Message) String() string {
	return fmt.Sprintf("#<message %q %s→%s>", m.Type, orUnset(m.Src), orUnset(m.Dest))
}

func orUnset(s string) string {
	if s == "" {
		return "(unset)"
	}
	return s
}

var versionCheck = validate.Check{
	Path: "/version", Pred: validate.GreaterEq(MinimumCompatible),
}

// Batteries applied to protocol messages before their contents are
// trusted.
var (
	handshakeServerChecks = []validate.Check{
		{Path: "/teamname", Pred: validate.NotEmpty},
		{Path: "/format", Pred: validate.Matches(int64(FormatJSON), int64(FormatMsgpack))},
		versionCheck,
	}
	handshakeClientChecks = []validate.Check{versionCheck}
	availableChecks       = []validate.Check{
		{Path: "/type", Pred: validate.NotEmpty},
		{Path: "/available", Pred: validate.IsBool},
	}
	serverMessageChecks = []validate.Check{{Path: "", Pred: validate.NotEmpty}}
)
