// Package buffer implements the growable scatter-gather byte buffer used by
// every connection's read and write side. It keeps the classic three-region
// layout (prependable / readable / writable) and drains reads through a
// two-iovec readv so a single syscall can fill both the buffer's own tail
// and a stack-allocated spill region.
package buffer

import (
	"errors"

	"golang.org/x/sys/unix"
)

// initialSize is the default capacity for a freshly constructed Buffer.
// Small enough that idle connections don't hold much memory, large enough
// that a typical request line + headers fits without growing.
const initialSize = 1024

// spillSize is the size of the stack-allocated overflow region paired with
// the buffer's own writable tail in ReadFd's vectored read. 64 KiB is big
// enough to absorb a full pending-read burst without growing the buffer
// itself on the common path.
const spillSize = 64 * 1024

// ErrClosedFd is returned by ReadFd/WriteFd when called with a negative fd.
var ErrClosedFd = errors.New("buffer: fd is closed")

// Buffer is a contiguous byte region with read_pos <= write_pos <= cap.
// Readable bytes live in [readPos, writePos); writable bytes live in
// [writePos, cap(buf)); bytes before readPos are prependable and are
// reclaimed on the next compaction or retrieve-to-empty.
type Buffer struct {
	buf      []byte
	readPos  int
	writePos int
}

// New allocates a Buffer with the default initial capacity.
func New() *Buffer {
	return &Buffer{buf: make([]byte, initialSize)}
}

// NewSize allocates a Buffer with the given initial capacity.
func NewSize(n int) *Buffer {
	if n < 0 {
		n = 0
	}
	return &Buffer{buf: make([]byte, n)}
}

// ReadableBytes returns the number of bytes available to Retrieve.
func (b *Buffer) ReadableBytes() int { return b.writePos - b.readPos }

// WritableBytes returns the number of bytes available to Append without growing.
func (b *Buffer) WritableBytes() int { return len(b.buf) - b.writePos }

// PrependableBytes returns the number of reclaimable bytes before readPos.
func (b *Buffer) PrependableBytes() int { return b.readPos }

// Peek returns the readable region without consuming it. The slice aliases
// the buffer's storage and is only valid until the next mutating call.
func (b *Buffer) Peek() []byte { return b.buf[b.readPos:b.writePos] }

// Retrieve advances readPos by n. If the buffer becomes empty both cursors
// reset to 0, reclaiming all prependable space.
func (b *Buffer) Retrieve(n int) {
	if n <= 0 {
		return
	}
	if n >= b.ReadableBytes() {
		b.RetrieveAll()
		return
	}
	b.readPos += n
}

// RetrieveAll discards all readable bytes and resets both cursors to 0.
func (b *Buffer) RetrieveAll() {
	b.readPos = 0
	b.writePos = 0
}

// RetrieveAllBytes consumes every readable byte and returns a copy.
func (b *Buffer) RetrieveAllBytes() []byte {
	out := append([]byte(nil), b.buf[b.readPos:b.writePos]...)
	b.RetrieveAll()
	return out
}

// RetrieveAsString consumes n readable bytes and returns a copy as a string.
func (b *Buffer) RetrieveAsString(n int) string {
	if n > b.ReadableBytes() {
		n = b.ReadableBytes()
	}
	s := string(b.buf[b.readPos : b.readPos+n])
	b.Retrieve(n)
	return s
}

// Append copies data into the writable region, growing or compacting the
// backing array first if necessary. Existing readable content is preserved.
func (b *Buffer) Append(data []byte) {
	if len(data) == 0 {
		return
	}
	b.ensureWritable(len(data))
	b.writePos += copy(b.buf[b.writePos:], data)
}

// ensureWritable makes sure at least n bytes are writable, growing by
// doubling when the combined writable+prependable space is insufficient,
// otherwise compacting the readable region down to offset 0.
func (b *Buffer) ensureWritable(n int) {
	if b.WritableBytes() >= n {
		return
	}
	if b.WritableBytes()+b.PrependableBytes() >= n {
		// compact: slide readable bytes down to the front
		readable := b.ReadableBytes()
		copy(b.buf, b.buf[b.readPos:b.writePos])
		b.readPos = 0
		b.writePos = readable
		return
	}
	// grow by relocation, doubling until it fits
	newCap := len(b.buf)
	if newCap == 0 {
		newCap = initialSize
	}
	for newCap-b.readPos < n+b.ReadableBytes() {
		newCap *= 2
	}
	nb := make([]byte, newCap)
	readable := b.ReadableBytes()
	copy(nb, b.buf[b.readPos:b.writePos])
	b.buf = nb
	b.readPos = 0
	b.writePos = readable
}

// BeginWrite returns the writable tail after ensuring at least n bytes are
// available, for callers (the response serializer) that want to write a
// header directly into the buffer instead of copying through Append.
func (b *Buffer) BeginWrite(n int) []byte {
	b.ensureWritable(n)
	return b.buf[b.writePos : b.writePos+n]
}

// HasWritten advances writePos by n after a direct BeginWrite into the
// buffer's tail.
func (b *Buffer) HasWritten(n int) {
	b.writePos += n
}

// ReadFd issues a vectored read from fd: iov[0] is the buffer's own
// writable tail, iov[1] is a 64 KiB stack-allocated spill. If the spill is
// used, the overflow is appended after growing capacity. Returns the total
// bytes read and the errno captured from the syscall (nil on success).
// EAGAIN/EWOULDBLOCK is reported as n == -1 with err set; callers must not
// treat that as a hard failure.
func (b *Buffer) ReadFd(fd int) (n int, err error) {
	if fd < 0 {
		return -1, ErrClosedFd
	}

	b.ensureWritable(1) // guarantee some room in iov[0]
	var spill [spillSize]byte
	iov := [][]byte{b.buf[b.writePos:], spill[:]}

	nr, rerr := unix.Readv(fd, iov)
	if rerr == unix.EAGAIN || rerr == unix.EWOULDBLOCK {
		return -1, rerr
	}
	if rerr != nil {
		return nr, rerr
	}

	tail := b.WritableBytes()
	if nr <= tail {
		b.writePos += nr
		return nr, nil
	}

	// spill was used: the first `tail` bytes already landed in b.buf
	b.writePos = len(b.buf)
	overflow := nr - tail
	b.Append(spill[:overflow])
	return nr, nil
}

// WriteFd writes the readable region to fd via a single syscall. A partial
// write leaves the buffer intact from readPos+n onward; the caller is
// expected to call Retrieve(n) itself so its own accounting stays
// authoritative.
func (b *Buffer) WriteFd(fd int) (n int, err error) {
	if fd < 0 {
		return -1, ErrClosedFd
	}
	if b.ReadableBytes() == 0 {
		return 0, nil
	}
	nw, werr := unix.Write(fd, b.buf[b.readPos:b.writePos])
	if werr == unix.EAGAIN || werr == unix.EWOULDBLOCK {
		return -1, werr
	}
	return nw, werr
}
