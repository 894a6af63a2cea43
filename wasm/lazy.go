package wasm

import "github.com/wasmgo/wasp/wasm/internal/binary"

// LazySection is an on-demand, single-pass, non-restartable iterator over
// one section's elements. Each call to Next decodes exactly one element
// from the underlying cursor; the iterator borrows that cursor and never
// outlives the byte span it was created from. Dropping it early (simply
// not calling Next again) is safe and skips the remainder.
type LazySection[T any] struct {
	r         *binary.Reader
	decode    func(*binary.Reader) (T, error)
	remaining uint32
}

// NewLazySection returns an iterator over count elements, each produced by
// decode reading from r.
func NewLazySection[T any](r *binary.Reader, count uint32, decode func(*binary.Reader) (T, error)) *LazySection[T] {
	return &LazySection[T]{r: r, decode: decode, remaining: count}
}

// Next decodes the next element. ok is false once the section is
// exhausted, at which point v and err are zero/nil. A non-nil err means
// the cursor's position is no longer meaningful for this iterator; the
// caller should stop calling Next.
func (s *LazySection[T]) Next() (v T, ok bool, err error) {
	if s.remaining == 0 {
		return v, false, nil
	}
	s.remaining--
	v, err = s.decode(s.r)
	return v, true, err
}

// Remaining returns the number of elements not yet decoded.
func (s *LazySection[T]) Remaining() uint32 {
	return s.remaining
}

// Collect drains the iterator into a slice, stopping at the first error.
func (s *LazySection[T]) Collect() ([]T, error) {
	out := make([]T, 0, s.remaining)
	for {
		v, ok, err := s.Next()
		if err != nil {
			return out, err
		}
		if !ok {
			return out, nil
		}
		out = append(out, v)
	}
}

// ReadFunctionSectionLazy returns a LazySection over the function
// section's type indices without eagerly materializing them, for callers
// that want to stream rather than build the full []uint32 up front.
func ReadFunctionSectionLazy(r *binary.Reader) (*LazySection[uint32], error) {
	count, err := r.ReadU32()
	if err != nil {
		return nil, err
	}
	return NewLazySection(r, count, func(r *binary.Reader) (uint32, error) {
		return r.ReadU32()
	}), nil
}
