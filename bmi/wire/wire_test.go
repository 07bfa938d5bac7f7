package wire

import (
	"bytes"
	"testing"
)

func TestEncodeDecodeRoundTrip(t *testing.T) {
	h := FrameHeader{Tag: 7, Class: 3, Unexpected: true}
	frame := Encode(h, [][]byte{[]byte("hello "), []byte("world")})

	var r Reader
	r.Feed(frame)
	got, payload, ok, err := r.Next()
	if err != nil {
		t.Fatalf("next: %v", err)
	}
	if !ok {
		t.Fatal("expected a complete frame")
	}
	if got.Tag != 7 || got.Class != 3 || !got.Unexpected {
		t.Fatalf("header mismatch: %+v", got)
	}
	if !bytes.Equal(payload, []byte("hello world")) {
		t.Fatalf("payload mismatch: %q", payload)
	}
	if r.Pending() {
		t.Fatal("reader should be empty after a full frame is consumed")
	}
}

func TestReaderAssemblesSplitFrame(t *testing.T) {
	frame := Encode(FrameHeader{Tag: 1}, [][]byte{[]byte("payload")})

	var r Reader
	for i := 0; i < len(frame); i++ {
		r.Feed(frame[i : i+1])
		_, _, ok, err := r.Next()
		if err != nil {
			t.Fatalf("next: %v", err)
		}
		if ok && i < len(frame)-1 {
			t.Fatalf("frame completed early at byte %d", i)
		}
	}
	r.buf = frame
	_, payload, ok, err := r.Next()
	if err != nil || !ok {
		t.Fatalf("expected complete frame, ok=%v err=%v", ok, err)
	}
	if string(payload) != "payload" {
		t.Fatalf("unexpected payload %q", payload)
	}
}

func TestNextReturnsFalseOnPartialBuffer(t *testing.T) {
	var r Reader
	r.Feed([]byte{0, 0})
	_, _, ok, err := r.Next()
	if err != nil {
		t.Fatalf("next: %v", err)
	}
	if ok {
		t.Fatal("partial length prefix must not parse as a complete frame")
	}
}
