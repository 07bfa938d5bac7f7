// Package wire frames messages on the stream-oriented TCP transport with a
// small msgp-encoded header in front of the raw payload bytes, so a byte
// stream can be split back into the messages a sender posted. GM and MX do
// not use it: their control messages are in-process frame structs.
package wire

import (
	"encoding/binary"
	"fmt"

	"github.com/tinylib/msgp/msgp"
)

// FrameHeader precedes every payload on the wire. It is hand-encoded with
// msgp's append/read primitives rather than generated Marshal/Unmarshal
// methods, since the header is small and fixed-shape.
type FrameHeader struct {
	Tag        uint32
	Class      uint8
	Unexpected bool
	PayloadLen uint32
}

// MarshalMsg appends h's msgp encoding to b.
func (h FrameHeader) MarshalMsg(b []byte) []byte {
	b = msgp.AppendMapHeader(b, 4)
	b = msgp.AppendString(b, "tag")
	b = msgp.AppendUint32(b, h.Tag)
	b = msgp.AppendString(b, "class")
	b = msgp.AppendUint8(b, h.Class)
	b = msgp.AppendString(b, "unexpected")
	b = msgp.AppendBool(b, h.Unexpected)
	b = msgp.AppendString(b, "payload_len")
	b = msgp.AppendUint32(b, h.PayloadLen)
	return b
}

// UnmarshalFrameHeader decodes a FrameHeader from the front of b, returning
// the unconsumed remainder.
func UnmarshalFrameHeader(b []byte) (FrameHeader, []byte, error) {
	var h FrameHeader
	sz, b, err := msgp.ReadMapHeaderBytes(b)
	if err != nil {
		return h, nil, err
	}
	for i := 0; i < int(sz); i++ {
		var field string
		field, b, err = msgp.ReadStringBytes(b)
		if err != nil {
			return h, nil, err
		}
		switch field {
		case "tag":
			h.Tag, b, err = msgp.ReadUint32Bytes(b)
		case "class":
			h.Class, b, err = msgp.ReadUint8Bytes(b)
		case "unexpected":
			h.Unexpected, b, err = msgp.ReadBoolBytes(b)
		case "payload_len":
			h.PayloadLen, b, err = msgp.ReadUint32Bytes(b)
		default:
			b, err = msgp.Skip(b)
		}
		if err != nil {
			return h, nil, err
		}
	}
	return h, b, nil
}

// frameLenPrefix is the fixed-width big-endian length prefix in front of the
// msgp header, so a reader knows how many bytes to buffer before attempting
// to decode it (msgp's map encoding is itself variable-length).
const frameLenPrefix = 4

// Encode concatenates buffers into one payload and prefixes it with an
// encoded FrameHeader, ready to hand to a single net.Conn.Write.
func Encode(h FrameHeader, buffers [][]byte) []byte {
	var total int
	for _, b := range buffers {
		total += len(b)
	}
	h.PayloadLen = uint32(total)
	hdr := h.MarshalMsg(nil)

	out := make([]byte, 0, frameLenPrefix+len(hdr)+total)
	var lenBuf [frameLenPrefix]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(hdr)))
	out = append(out, lenBuf[:]...)
	out = append(out, hdr...)
	for _, b := range buffers {
		out = append(out, b...)
	}
	return out
}

// Reader incrementally reassembles frames out of a byte stream that may be
// split arbitrarily across reads.
type Reader struct {
	buf []byte
}

// Feed appends freshly read bytes to the reader's internal buffer.
func (r *Reader) Feed(b []byte) {
	r.buf = append(r.buf, b...)
}

// Pending reports whether a partial frame (incomplete length prefix, header,
// or payload) is currently buffered.
func (r *Reader) Pending() bool {
	return len(r.buf) > 0
}

// Next extracts the next complete frame, if one has fully arrived. ok is
// false (with a nil error) when more bytes are needed.
func (r *Reader) Next() (hdr FrameHeader, payload []byte, ok bool, err error) {
	if len(r.buf) < frameLenPrefix {
		return FrameHeader{}, nil, false, nil
	}
	hdrLen := int(binary.BigEndian.Uint32(r.buf[:frameLenPrefix]))
	if hdrLen < 0 || hdrLen > 1<<20 {
		return FrameHeader{}, nil, false, fmt.Errorf("wire: implausible header length %d", hdrLen)
	}
	if len(r.buf) < frameLenPrefix+hdrLen {
		return FrameHeader{}, nil, false, nil
	}
	h, _, err := UnmarshalFrameHeader(r.buf[frameLenPrefix : frameLenPrefix+hdrLen])
	if err != nil {
		return FrameHeader{}, nil, false, err
	}
	total := frameLenPrefix + hdrLen + int(h.PayloadLen)
	if len(r.buf) < total {
		return FrameHeader{}, nil, false, nil
	}
	payload = append([]byte(nil), r.buf[frameLenPrefix+hdrLen:total]...)
	r.buf = r.buf[total:]
	return h, payload, true, nil
}
