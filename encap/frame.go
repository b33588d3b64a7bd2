package encap

import "errors"

// DefaultHeadroom matches the headroom the kernel reserves for XDP programs.
const DefaultHeadroom = 256

// ErrNoHeadroom is returned when a frame cannot grow at the front.
var ErrNoHeadroom = errors.New("not enough headroom")

// Frame is a packet buffer with reserved space in front of the data, so
// headers can be prepended without moving the payload.
//
// A Frame is owned by a single goroutine at a time.
type Frame struct {
	buf  []byte
	head int
	tail int
}

// NewFrame copies data into a fresh buffer with headroom bytes in front.
func NewFrame(data []byte, headroom int) *Frame {
	buf := make([]byte, headroom+len(data))
	copy(buf[headroom:], data)
	return &Frame{buf: buf, head: headroom, tail: len(buf)}
}

// Reset rebinds f to buf[off:off+n] so a receive loop can reuse one Frame.
func (f *Frame) Reset(buf []byte, off, n int) {
	if off < 0 || n < 0 || off+n > len(buf) {
		off, n = 0, 0
	}
	f.buf = buf
	f.head = off
	f.tail = off + n
}

// Bytes returns the current frame data.
func (f *Frame) Bytes() []byte {
	return f.buf[f.head:f.tail]
}

func (f *Frame) Len() int {
	return f.tail - f.head
}

func (f *Frame) Headroom() int {
	return f.head
}

// AdjustHead moves the start of the frame by delta bytes. A negative delta
// grows the frame into the headroom, a positive one shrinks it. The frame
// is left untouched on error.
func (f *Frame) AdjustHead(delta int) error {
	head := f.head + delta
	if head < 0 {
		return ErrNoHeadroom
	}
	if head > f.tail {
		return errors.New("adjust past end of frame")
	}
	f.head = head
	return nil
}
