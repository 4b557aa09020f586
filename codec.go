// Copyright (C) 2026 The Buxtehude Authors. All Rights Reserved.

package buxtehude

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/buxtehude/buxtehude/wire"
)

// Encode renders m in the given format.
func (m Message) Encode(f Format) ([]byte, error) {
	switch f {
	case FormatJSON:
		return json.Marshal(m)
	case FormatMsgpack:
		return msgpack.Marshal(m)
	}
	return nil, fmt.Errorf("encode: %v", f)
}

// DecodeMessage parses a message body in the given format. Content
// values decode to generic shapes (map[string]any, []any, string, bool,
// numbers) in either format, so a message survives a round trip through
// one format and out the other. Integers decode as int64 from msgpack
// and as float64 from JSON.
func DecodeMessage(f Format, data []byte) (Message, error) {
	var m Message
	switch f {
	case FormatJSON:
		if err := json.Unmarshal(data, &m); err != nil {
			return Message{}, err
		}
	case FormatMsgpack:
		dec := msgpack.NewDecoder(bytes.NewReader(data))
		dec.UseLooseInterfaceDecoding(true)
		if err := dec.Decode(&m); err != nil {
			return Message{}, err
		}
	default:
		return Message{}, fmt.Errorf("decode: %v", f)
	}
	return m, nil
}

// encodeFrame renders m as a complete wire frame in the given format.
func encodeFrame(m Message, f Format) ([]byte, error) {
	body, err := m.Encode(f)
	if err != nil {
		return nil, err
	}
	return wire.AppendFrame(make([]byte, 0, wire.HeaderLen+len(body)), byte(f), body), nil
}
