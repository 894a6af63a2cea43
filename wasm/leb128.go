package wasm

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
)

// LEB128 encoding/decoding utilities for WebAssembly binary format.
//
// Decoding enforces the binary format's overlong-encoding and extension-
// byte rules: on the final permitted byte, the unused high bits must be a
// correct zero-extension (unsigned) or sign-extension (signed) of the
// in-range payload. A byte sequence longer than max_bytes(T) is rejected
// with the same class of error as a bad extension byte.

// ErrOverflow is returned when a LEB128 value exceeds the maximum bit width
// or its final byte is not a valid zero/sign-extension.
var ErrOverflow = errors.New("leb128: overflow")

// extensionError reports a bad final-byte zero/sign-extension. Its Error()
// text is the literal diagnostic message, not a generic "leb128: overflow"
// wrapper, while still satisfying errors.Is(err, ErrOverflow) via Unwrap.
type extensionError struct{ msg string }

func (e *extensionError) Error() string { return e.msg }
func (e *extensionError) Unwrap() error { return ErrOverflow }

func badExtension(format string, args ...interface{}) error {
	return &extensionError{msg: fmt.Sprintf(format, args...)}
}

// ReadLEB128u reads an unsigned 32-bit LEB128 value (max 5 bytes).
func ReadLEB128u(r io.ByteReader) (uint32, error) {
	var result uint64
	var shift uint
	for i := 0; ; i++ {
		b, err := r.ReadByte()
		if err != nil {
			return 0, err
		}
		if i == 4 {
			// Fifth and final byte: only 4 payload bits are in range
			// (32 - 4*7 = 4); the rest must be a correct zero-extension.
			if b&0x80 != 0 {
				return 0, ErrOverflow
			}
			if b&0xF0 != 0 {
				return 0, badExtension("Last byte of u32 must be zero extension: expected 0x0, got 0x%x", b)
			}
			result |= uint64(b&0x7f) << shift
			return uint32(result), nil
		}
		result |= uint64(b&0x7f) << shift
		if b&0x80 == 0 {
			return uint32(result), nil
		}
		shift += 7
	}
}

// ReadLEB128u64 reads an unsigned 64-bit LEB128 value (max 10 bytes).
func ReadLEB128u64(r io.ByteReader) (uint64, error) {
	var result uint64
	var shift uint
	for i := 0; ; i++ {
		b, err := r.ReadByte()
		if err != nil {
			return 0, err
		}
		if i == 9 {
			// Tenth and final byte: only 1 payload bit is in range
			// (64 - 9*7 = 1); the rest must be a correct zero-extension.
			if b&0x80 != 0 {
				return 0, ErrOverflow
			}
			if b&0xFE != 0 {
				return 0, badExtension("Last byte of u64 must be zero extension: expected 0x0 or 0x1, got 0x%x", b)
			}
			result |= uint64(b&0x7f) << shift
			return result, nil
		}
		result |= uint64(b&0x7f) << shift
		if b&0x80 == 0 {
			return result, nil
		}
		shift += 7
	}
}

// ReadLEB128s reads a signed 32-bit LEB128 value (max 5 bytes).
func ReadLEB128s(r io.ByteReader) (int32, error) {
	var result int64
	var shift uint
	for i := 0; ; i++ {
		b, err := r.ReadByte()
		if err != nil {
			return 0, err
		}
		if i == 4 {
			// Fifth and final byte: bit 3 of the payload is the sign bit
			// for a 32-bit value (28 + 3 = 31); bits 4..6 are padding and
			// must replicate it (sign extension).
			if b&0x80 != 0 {
				return 0, ErrOverflow
			}
			const signMask = 0x78 // bits 3..6
			var want byte
			if b&0x08 != 0 {
				want = signMask
			}
			if b&signMask != want {
				return 0, badExtension("Last byte of s32 must be sign extension: expected 0x0 or 0x7f, got 0x%x", b)
			}
			result |= int64(b&0x7f) << shift
			return int32(result), nil
		}
		result |= int64(b&0x7f) << shift
		shift += 7
		if b&0x80 == 0 {
			if shift < 32 && b&0x40 != 0 {
				result |= ^int64(0) << shift
			}
			return int32(result), nil
		}
	}
}

// ReadLEB128s64 reads a signed 64-bit LEB128 value (max 10 bytes).
func ReadLEB128s64(r io.ByteReader) (int64, error) {
	var result int64
	var shift uint
	for i := 0; ; i++ {
		b, err := r.ReadByte()
		if err != nil {
			return 0, err
		}
		if i == 9 {
			// Tenth and final byte: 1 payload bit in range; the rest must
			// be a correct sign-extension of that bit.
			if b&0x80 != 0 {
				return 0, ErrOverflow
			}
			var want byte
			if b&0x01 != 0 {
				want = 0x7f
			}
			if b != want {
				return 0, badExtension("Last byte of s64 must be sign extension: expected 0x0 or 0x7f, got 0x%x", b)
			}
			result |= int64(b&0x7f) << shift
			return result, nil
		}
		result |= int64(b&0x7f) << shift
		shift += 7
		if b&0x80 == 0 {
			if shift < 64 && b&0x40 != 0 {
				result |= ^int64(0) << shift
			}
			return result, nil
		}
	}
}

// WriteLEB128u writes an unsigned 32-bit LEB128 value in minimal form.
func WriteLEB128u(w *bytes.Buffer, v uint32) {
	for {
		b := byte(v & 0x7f)
		v >>= 7
		if v != 0 {
			b |= 0x80
		}
		w.WriteByte(b)
		if v == 0 {
			break
		}
	}
}

// WriteLEB128u64 writes an unsigned 64-bit LEB128 value in minimal form.
func WriteLEB128u64(w *bytes.Buffer, v uint64) {
	for {
		b := byte(v & 0x7f)
		v >>= 7
		if v != 0 {
			b |= 0x80
		}
		w.WriteByte(b)
		if v == 0 {
			break
		}
	}
}

// WriteLEB128s writes a signed 32-bit LEB128 value in minimal form.
func WriteLEB128s(w *bytes.Buffer, v int32) {
	more := true
	for more {
		b := byte(v & 0x7f)
		v >>= 7
		if (v == 0 && b&0x40 == 0) || (v == -1 && b&0x40 != 0) {
			more = false
		} else {
			b |= 0x80
		}
		w.WriteByte(b)
	}
}

// WriteLEB128s64 writes a signed 64-bit LEB128 value in minimal form.
func WriteLEB128s64(w *bytes.Buffer, v int64) {
	more := true
	for more {
		b := byte(v & 0x7f)
		v >>= 7
		if (v == 0 && b&0x40 == 0) || (v == -1 && b&0x40 != 0) {
			more = false
		} else {
			b |= 0x80
		}
		w.WriteByte(b)
	}
}

// EncodeLEB128u encodes an unsigned 32-bit LEB128 value to bytes.
func EncodeLEB128u(v uint32) []byte {
	var buf bytes.Buffer
	WriteLEB128u(&buf, v)
	return buf.Bytes()
}

// EncodeLEB128s encodes a signed 32-bit LEB128 value to bytes.
func EncodeLEB128s(v int32) []byte {
	var buf bytes.Buffer
	WriteLEB128s(&buf, v)
	return buf.Bytes()
}

// EncodeLEB128u64 encodes an unsigned 64-bit LEB128 value to bytes.
func EncodeLEB128u64(v uint64) []byte {
	var buf bytes.Buffer
	WriteLEB128u64(&buf, v)
	return buf.Bytes()
}

// EncodeLEB128s64 encodes a signed 64-bit LEB128 value to bytes.
func EncodeLEB128s64(v int64) []byte {
	var buf bytes.Buffer
	WriteLEB128s64(&buf, v)
	return buf.Bytes()
}

// ReadFloat32 reads a little-endian float32.
func ReadFloat32(r io.Reader) (float32, error) {
	var buf [4]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		return 0, err
	}
	bits := binary.LittleEndian.Uint32(buf[:])
	return math.Float32frombits(bits), nil
}

// ReadFloat64 reads a little-endian float64.
func ReadFloat64(r io.Reader) (float64, error) {
	var buf [8]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		return 0, err
	}
	bits := binary.LittleEndian.Uint64(buf[:])
	return math.Float64frombits(bits), nil
}

// WriteFloat32 writes a little-endian float32.
func WriteFloat32(w *bytes.Buffer, v float32) {
	var buf [4]byte
	binary.LittleEndian.PutUint32(buf[:], math.Float32bits(v))
	w.Write(buf[:])
}

// WriteFloat64 writes a little-endian float64.
func WriteFloat64(w *bytes.Buffer, v float64) {
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], math.Float64bits(v))
	w.Write(buf[:])
}
