// Copyright (C) 2026 The Buxtehude Authors. All Rights Reserved.

// Package wire implements a resumable field reader for length-delimited
// binary streams. A Stream owns an ordered FIFO of fields, each a
// fixed-size buffer filled from the underlying reader. Callbacks attached
// to fields may extend, reset, or trim the FIFO as data arrive, which
// permits a protocol to describe its framing incrementally: read a header,
// inspect it, then await the body whose size the header dictates.
package wire

import (
	"encoding/binary"
	"io"
)

// Status describes the disposition of a Stream after a call to Read.
type Status int

const (
	StatusOK  Status = iota // the stream is intact and may be read again
	StatusEOF               // the underlying reader reported end of stream
)

// A Callback is invoked by Read when a field has been completely filled.
// The callback may mutate the stream, for example by awaiting further
// fields or resetting the read cursor.
type Callback func(*Stream, *Field)

// A Field is a single fixed-size unit of a Stream. Its buffer is valid
// until the field is deleted or the stream is garbage collected.
type Field struct {
	s   *Stream
	pos int
	buf []byte
	cb  Callback
}

// Bytes reports the contents of the field's buffer.
func (f *Field) Bytes() []byte { return f.buf }

// Byte reports the first byte of the field. It panics if the field is
// empty.
func (f *Field) Byte() byte { return f.buf[0] }

// Uint32 decodes the field's first four bytes as a little-endian u32.
// It panics if the field is shorter than four bytes.
func (f *Field) Uint32() uint32 { return binary.LittleEndian.Uint32(f.buf) }

// Index reports the field at the given offset relative to this one.
// Negative offsets address earlier fields, so f.Index(-1) is the field
// immediately preceding f. It returns nil if the offset falls outside
// the stream.
func (f *Field) Index(off int) *Field {
	i := f.pos + off
	if i < 0 || i >= len(f.s.fields) {
		return nil
	}
	return f.s.fields[i]
}

// A Stream reads a sequence of fields from an underlying reader.
// A zero Stream is not ready for use; construct one with New.
//
// Streams are not safe for concurrent use.
type Stream struct {
	r       io.Reader
	fields  []*Field
	pool    [][]byte // buffers recycled from deleted fields
	cur     int      // index of the field currently being filled
	off     int      // bytes of the current field already filled
	finally Callback
	status  Status
	done    bool
}

// New constructs a Stream that reads from r.
func New(r io.Reader) *Stream { return &Stream{r: r} }

// Await appends a field of n bytes to the stream and returns the stream.
// Buffers from previously deleted fields are reused when large enough.
func (s *Stream) Await(n int) *Stream {
	var buf []byte
	for i, b := range s.pool {
		if cap(b) >= n {
			buf = b[:n]
			s.pool = append(s.pool[:i], s.pool[i+1:]...)
			break
		}
	}
	if buf == nil {
		buf = make([]byte, n)
	}
	s.fields = append(s.fields, &Field{s: s, pos: len(s.fields), buf: buf})
	return s
}

// Then attaches cb to the most recently awaited field and returns the
// stream. It panics if no field has been awaited.
func (s *Stream) Then(cb Callback) *Stream {
	s.fields[len(s.fields)-1].cb = cb
	return s
}

// Finally sets a callback invoked each time the final field of the
// stream has been filled.
func (s *Stream) Finally(cb Callback) *Stream {
	s.finally = cb
	return s
}

// At reports the field at position i, or nil if i is out of range.
func (s *Stream) At(i int) *Field {
	if i < 0 || i >= len(s.fields) {
		return nil
	}
	return s.fields[i]
}

// Delete removes f from the stream and recycles its buffer for reuse by
// a later Await. Positions of subsequent fields shift down by one.
func (s *Stream) Delete(f *Field) {
	s.fields = append(s.fields[:f.pos], s.fields[f.pos+1:]...)
	for i := f.pos; i < len(s.fields); i++ {
		s.fields[i].pos = i
	}
	if s.cur > f.pos {
		s.cur--
	}
	s.pool = append(s.pool, f.buf)
	f.s = nil
}

// Reset rewinds the stream so that the next Read begins filling the
// first field again. Partial progress on the current field is discarded.
func (s *Stream) Reset() {
	s.cur = len(s.fields)
	s.off = 0
}

// Rewind moves the read cursor back n fields without discarding their
// contents, so their callbacks run again on the next Read. Rewinding
// past the first field stops at the first field.
func (s *Stream) Rewind(n int) {
	s.cur -= n
	if s.cur < 0 {
		s.cur = 0
	}
	s.off = 0
}

// Done reports whether the most recent Read completed the full sequence
// of fields.
func (s *Stream) Done() bool { return s.done }

// Status reports the stream's disposition after the most recent Read.
func (s *Stream) Status() Status { return s.status }

// Read fills fields in order from the underlying reader, invoking each
// field's callback as it completes. It returns true when every field has
// been filled and the final callback (if any) has run, or when the
// stream has no fields. It returns false if the reader was exhausted
// before the sequence completed; consult Status to distinguish end of
// stream from a reader that merely has no data available right now.
//
// Read resumes where it left off, so a stream fed from a non-blocking
// source may be driven by repeated calls as data arrive.
func (s *Stream) Read() bool {
	s.done = false
	for {
		if len(s.fields) == 0 {
			s.status = StatusOK
			return true
		}
		if s.cur >= len(s.fields) {
			s.cur, s.off = 0, 0
		}
		f := s.fields[s.cur]
		for s.off < len(f.buf) {
			n, err := s.r.Read(f.buf[s.off:])
			s.off += n
			if err != nil {
				s.status = StatusEOF
				if s.off < len(f.buf) {
					return false
				}
				break
			}
			if n == 0 {
				s.status = StatusOK
				return false
			}
		}
		if s.status != StatusEOF {
			s.status = StatusOK
		}
		s.off = 0

		old := s.cur
		if f.cb != nil {
			f.cb(s, f)
		}
		if s.cur >= len(s.fields) {
			continue // the callback reset the stream
		}
		if s.cur == old {
			s.cur++
		}
		if s.cur == len(s.fields) {
			if s.finally != nil {
				s.finally(s, s.fields[len(s.fields)-1])
			}
			s.done = true
			return true
		}
	}
}
