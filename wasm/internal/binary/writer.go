package binary

import (
	"bytes"
	"encoding/binary"
)

// Writer provides buffered writing utilities for WASM binary encoding.
type Writer struct {
	buf *bytes.Buffer
}

// NewWriter creates a new Writer.
func NewWriter() *Writer {
	return &Writer{buf: &bytes.Buffer{}}
}

// Bytes returns the written bytes.
func (w *Writer) Bytes() []byte {
	return w.buf.Bytes()
}

// Len returns the number of bytes written.
func (w *Writer) Len() int {
	return w.buf.Len()
}

// Byte writes a single byte.
func (w *Writer) Byte(b byte) {
	w.buf.WriteByte(b)
}

// WriteBytes writes a byte slice.
func (w *Writer) WriteBytes(data []byte) {
	w.buf.Write(data)
}

// WriteU32 writes an unsigned LEB128 encoded uint32.
func (w *Writer) WriteU32(v uint32) {
	for {
		b := byte(v & 0x7f)
		v >>= 7
		if v != 0 {
			b |= 0x80
		}
		w.buf.WriteByte(b)
		if v == 0 {
			break
		}
	}
}

// WriteU64 writes an unsigned LEB128 encoded uint64.
func (w *Writer) WriteU64(v uint64) {
	for {
		b := byte(v & 0x7f)
		v >>= 7
		if v != 0 {
			b |= 0x80
		}
		w.buf.WriteByte(b)
		if v == 0 {
			break
		}
	}
}

// WriteS64 writes a signed LEB128 encoded int64.
func (w *Writer) WriteS64(v int64) {
	more := true
	for more {
		b := byte(v & 0x7f)
		v >>= 7
		if (v == 0 && (b&0x40) == 0) || (v == -1 && (b&0x40) != 0) {
			more = false
		} else {
			b |= 0x80
		}
		w.buf.WriteByte(b)
	}
}

// WriteName writes a UTF-8 encoded name (length-prefixed).
func (w *Writer) WriteName(s string) {
	w.WriteU32(uint32(len(s)))
	w.buf.WriteString(s)
}

// WriteU32LE writes a little-endian uint32 (fixed 4 bytes).
func (w *Writer) WriteU32LE(v uint32) {
	var buf [4]byte
	binary.LittleEndian.PutUint32(buf[:], v)
	w.buf.Write(buf[:])
}

// FixedU32Width is the reservation size used for section and code-body
// lengths: enough bytes to hold any u32 in LEB128 even when the real value
// would fit in fewer.
const FixedU32Width = 5

// WriteFixedU32 writes v as an unsigned LEB128 integer padded to exactly
// width bytes by forcing continuation bits on all but the last byte.
func (w *Writer) WriteFixedU32(v uint32, width int) {
	for i := 0; i < width; i++ {
		b := byte(v & 0x7f)
		v >>= 7
		if i != width-1 {
			b |= 0x80
		}
		w.buf.WriteByte(b)
	}
}

// Reserve writes width placeholder bytes and returns their offset. Callers
// write the payload whose length is not yet known, then call PatchFixedU32
// with the offset to fill in the real value.
func (w *Writer) Reserve(width int) int {
	offset := w.buf.Len()
	for i := 0; i < width; i++ {
		w.buf.WriteByte(0)
	}
	return offset
}

// PatchFixedU32 overwrites a width-byte reservation made by Reserve with v
// encoded as a fixed-width LEB128 integer.
func (w *Writer) PatchFixedU32(offset int, v uint32, width int) {
	b := w.buf.Bytes()
	for i := 0; i < width; i++ {
		if i != width-1 {
			b[offset+i] = byte(v&0x7f) | 0x80
		} else {
			b[offset+i] = byte(v & 0x7f)
		}
		v >>= 7
	}
}
