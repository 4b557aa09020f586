// Copyright (C) 2026 The Buxtehude Authors. All Rights Reserved.

package wire_test

import (
	"bytes"
	"encoding/binary"
	"testing"

	"github.com/creachadair/mds/mtest"
	"github.com/google/go-cmp/cmp"

	"github.com/buxtehude/buxtehude/wire"
)

// A feed is a reader that reports no data (rather than an error) when
// its buffer is empty, so a stream fed by it can be starved and then
// resumed.
type feed struct{ buf []byte }

func (f *feed) Read(p []byte) (int, error) {
	if len(f.buf) == 0 {
		return 0, nil
	}
	n := copy(p, f.buf)
	f.buf = f.buf[n:]
	return n, nil
}

func (f *feed) push(data []byte) { f.buf = append(f.buf, data...) }

func TestStreamBasic(t *testing.T) {
	s := wire.New(bytes.NewReader([]byte("abcdef")))
	var got []string
	s.Await(2).Then(func(_ *wire.Stream, f *wire.Field) {
		got = append(got, string(f.Bytes()))
	}).Await(4).Then(func(_ *wire.Stream, f *wire.Field) {
		got = append(got, string(f.Bytes()))
	})
	if !s.Read() {
		t.Fatalf("Read failed: status %v", s.Status())
	}
	if !s.Done() {
		t.Error("Read: stream does not report done")
	}
	if diff := cmp.Diff([]string{"ab", "cdef"}, got); diff != "" {
		t.Errorf("Wrong fields (-want, +got):\n%s", diff)
	}
}

func TestStreamResume(t *testing.T) {
	f := &feed{}
	s := wire.New(f)
	s.Await(4)

	f.push([]byte("ab"))
	if s.Read() {
		t.Fatal("Read reported complete on a partial field")
	}
	if s.Status() != wire.StatusOK {
		t.Fatalf("Status = %v, want %v", s.Status(), wire.StatusOK)
	}

	f.push([]byte("cd"))
	if !s.Read() {
		t.Fatalf("Read failed after resume: status %v", s.Status())
	}
	if got := string(s.At(0).Bytes()); got != "abcd" {
		t.Errorf("Field 0 = %q, want %q", got, "abcd")
	}
}

func TestStreamEOF(t *testing.T) {
	s := wire.New(bytes.NewReader([]byte("ab")))
	s.Await(4)
	if s.Read() {
		t.Fatal("Read reported complete on a truncated stream")
	}
	if s.Status() != wire.StatusEOF {
		t.Errorf("Status = %v, want %v", s.Status(), wire.StatusEOF)
	}
}

func TestStreamFraming(t *testing.T) {
	// Drive the stream the way a frame decoder does: a fixed header
	// whose callback awaits the variable body, consumed and deleted by
	// the finally callback.
	var frames []string
	input := wire.AppendFrame(nil, 7, []byte("hello"))
	input = wire.AppendFrame(input, 7, []byte("buxtehude"))

	s := wire.New(bytes.NewReader(input))
	s.Await(1).Await(4).Then(func(s *wire.Stream, f *wire.Field) {
		if got := f.Index(-1).Byte(); got != 7 {
			t.Errorf("Frame tag = %d, want 7", got)
		}
		s.Await(int(f.Uint32()))
	}).Finally(func(s *wire.Stream, f *wire.Field) {
		frames = append(frames, string(f.Bytes()))
		s.Delete(f)
		s.Reset()
	})
	for s.Read() && s.Done() {
	}
	if s.Status() != wire.StatusEOF {
		t.Errorf("Status = %v, want %v", s.Status(), wire.StatusEOF)
	}
	if diff := cmp.Diff([]string{"hello", "buxtehude"}, frames); diff != "" {
		t.Errorf("Wrong frames (-want, +got):\n%s", diff)
	}
}

func TestStreamReset(t *testing.T) {
	var got []string
	s := wire.New(bytes.NewReader([]byte("abcdef")))
	s.Await(2).Then(func(s *wire.Stream, f *wire.Field) {
		got = append(got, string(f.Bytes()))
		s.Reset()
	})
	for i := 0; i < 3; i++ {
		s.Read()
	}
	if diff := cmp.Diff([]string{"ab", "cd", "ef"}, got); diff != "" {
		t.Errorf("Wrong reads (-want, +got):\n%s", diff)
	}
}

func TestStreamRewind(t *testing.T) {
	var first, second []string
	rewound := false
	s := wire.New(bytes.NewReader([]byte("abcdABCD")))
	s.Await(2).Then(func(_ *wire.Stream, f *wire.Field) {
		first = append(first, string(f.Bytes()))
	}).Await(2).Then(func(s *wire.Stream, f *wire.Field) {
		second = append(second, string(f.Bytes()))
		if !rewound {
			rewound = true
			s.Rewind(1)
		}
	})
	if !s.Read() {
		t.Fatalf("Read failed: status %v", s.Status())
	}
	if diff := cmp.Diff([]string{"ab", "AB"}, first); diff != "" {
		t.Errorf("Wrong first fields (-want, +got):\n%s", diff)
	}
	if diff := cmp.Diff([]string{"cd", "CD"}, second); diff != "" {
		t.Errorf("Wrong second fields (-want, +got):\n%s", diff)
	}
}

func TestStreamDelete(t *testing.T) {
	s := wire.New(bytes.NewReader([]byte("aabbcc")))
	s.Await(2).Await(2).Await(2)
	if !s.Read() {
		t.Fatalf("Read failed: status %v", s.Status())
	}
	mid := s.At(1)
	s.Delete(mid)
	if got := string(s.At(0).Bytes()); got != "aa" {
		t.Errorf("Field 0 = %q, want %q", got, "aa")
	}
	if got := string(s.At(1).Bytes()); got != "cc" {
		t.Errorf("Field 1 = %q, want %q", got, "cc")
	}
	if s.At(2) != nil {
		t.Error("Field 2 still present after delete")
	}

	// A deleted field's buffer is recycled for a later await of equal
	// or smaller size.
	s.Await(2)
	if got, want := &s.At(2).Bytes()[0], &mid.Bytes()[0]; got != want {
		t.Error("Await did not recycle the deleted buffer")
	}
}

func TestStreamIndex(t *testing.T) {
	s := wire.New(bytes.NewReader([]byte("xxyyzz")))
	s.Await(2).Await(2).Await(2)
	if !s.Read() {
		t.Fatalf("Read failed: status %v", s.Status())
	}
	last := s.At(2)
	if got := string(last.Index(-2).Bytes()); got != "xx" {
		t.Errorf("Index(-2) = %q, want %q", got, "xx")
	}
	if got := last.Index(1); got != nil {
		t.Errorf("Index(1) = %v, want nil", got)
	}
}

func TestStreamUint32(t *testing.T) {
	buf := binary.LittleEndian.AppendUint32(nil, 123456789)
	s := wire.New(bytes.NewReader(buf))
	s.Await(4)
	if !s.Read() {
		t.Fatalf("Read failed: status %v", s.Status())
	}
	if got := s.At(0).Uint32(); got != 123456789 {
		t.Errorf("Uint32 = %d, want 123456789", got)
	}
}

func TestStreamThenPanics(t *testing.T) {
	s := wire.New(bytes.NewReader(nil))
	mtest.MustPanic(t, func() {
		s.Then(func(*wire.Stream, *wire.Field) {})
	})
}
