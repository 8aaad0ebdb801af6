// Package netbuf provides the grow-on-demand byte buffers used for a
// connection's input, output, pending and command-log streams.
package netbuf

// minGrow is the smallest capacity step. Small enough that idle
// connections stay cheap, large enough that a header-sized append
// doesn't trigger repeated growth.
const minGrow = 128

// Buffer is an append-mostly FIFO byte store. The zero value is ready
// to use; storage is allocated on first append.
type Buffer struct {
	data  []byte
	avail int
}

// Ensure grows the backing store so that at least n more bytes can be
// appended without reallocation. Growth is geometric: the capacity
// increases by max(n, cap/2, 128). The buffer never shrinks.
func (b *Buffer) Ensure(n int) {
	if n <= 0 || len(b.data)-b.avail >= n {
		return
	}
	step := n
	if half := len(b.data) / 2; half > step {
		step = half
	}
	if step < minGrow {
		step = minGrow
	}
	grown := make([]byte, len(b.data)+step)
	copy(grown, b.data[:b.avail])
	b.data = grown
}

// Append copies p onto the tail of the buffer, growing as needed.
func (b *Buffer) Append(p []byte) {
	b.Ensure(len(p))
	copy(b.data[b.avail:], p)
	b.avail += len(p)
}

// AppendByte appends a single byte.
func (b *Buffer) AppendByte(c byte) {
	b.Ensure(1)
	b.data[b.avail] = c
	b.avail++
}

// Consume discards the first k bytes, shifting the remainder down to
// offset zero. k is clamped to the available length.
func (b *Buffer) Consume(k int) {
	if k <= 0 {
		return
	}
	if k >= b.avail {
		b.avail = 0
		return
	}
	copy(b.data, b.data[k:b.avail])
	b.avail -= k
}

// Avail returns the number of filled bytes.
func (b *Buffer) Avail() int { return b.avail }

// Cap returns the current capacity of the backing store.
func (b *Buffer) Cap() int { return len(b.data) }

// Bytes returns the filled prefix. The slice aliases the backing store
// and is invalidated by any mutation of the buffer.
func (b *Buffer) Bytes() []byte { return b.data[:b.avail] }

// Tail returns the unfilled suffix of the backing store, for direct
// reads into the buffer. Call Extend afterwards with the byte count
// actually filled.
func (b *Buffer) Tail() []byte { return b.data[b.avail:] }

// Extend marks n additional bytes of the backing store as filled.
// Only valid after writing into Tail().
func (b *Buffer) Extend(n int) { b.avail += n }

// Reset empties the buffer without releasing storage.
func (b *Buffer) Reset() { b.avail = 0 }

// Poison overwrites the backing store and drops it. Used on teardown so
// stale frame bytes cannot be replayed through a dangling reference.
func (b *Buffer) Poison() {
	for i := range b.data {
		b.data[i] = 0xff
	}
	b.data = nil
	b.avail = 0
}
