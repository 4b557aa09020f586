// Copyright (C) 2026 The Buxtehude Authors. All Rights Reserved.

package wire

import "encoding/binary"

// HeaderLen is the size in bytes of a frame header: one format byte
// followed by a little-endian u32 body length.
const HeaderLen = 5

// AppendFrame appends a complete frame to buf and returns the extended
// slice. The frame consists of the format byte, the body length as a
// little-endian u32, and the body itself.
func AppendFrame(buf []byte, format byte, body []byte) []byte {
	buf = append(buf, format)
	buf = binary.LittleEndian.AppendUint32(buf, uint32(len(body)))
	return append(buf, body...)
}
