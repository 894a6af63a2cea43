package wasm

import "strings"

// Span is a borrowed view (offset, length) into a caller-owned byte
// buffer. It never copies the underlying bytes.
type Span struct {
	Base int
	Len  int
}

// End returns the offset one past the span.
func (s Span) End() int { return s.Base + s.Len }

// Located pairs a decoded value with the byte sub-span it was decoded
// from, used for error attribution. Equality on the wrapped value should
// ignore Loc, mirroring the source language's location-blind equality.
type Located[T any] struct {
	Loc   Span
	Value T
}

// contextFrame is one entry of the error sink's context stack.
type contextFrame struct {
	loc  Span
	desc string
}

// Diagnostic is a single accumulated error: the context-stack breadcrumb
// trail at the time of the failure, plus the leaf (location, message).
type Diagnostic struct {
	Loc     Span
	Message string
	Trail   []string
}

// Error renders the diagnostic as "ctx1 > ctx2: message", matching the
// breadcrumb style the error sink is required to produce.
func (d *Diagnostic) Error() string {
	if len(d.Trail) == 0 {
		return d.Message
	}
	return strings.Join(d.Trail, " > ") + ": " + d.Message
}

// Diagnostics is the accumulating error sink described by the decoder and
// validator: an explicit context stack plus a list of emitted errors. It
// never aborts; callers push a context before doing a unit of work and
// pop it on every exit path (a deferred PopContext() right after
// PushContext() is the idiomatic shape).
type Diagnostics struct {
	stack []contextFrame
	errs  []*Diagnostic
}

// NewDiagnostics returns an empty sink.
func NewDiagnostics() *Diagnostics {
	return &Diagnostics{}
}

// PushContext opens a new breadcrumb frame.
func (d *Diagnostics) PushContext(loc Span, desc string) {
	d.stack = append(d.stack, contextFrame{loc: loc, desc: desc})
}

// PopContext closes the most recently opened frame. Calling PopContext
// with an empty stack is a no-op, so a deferred pop is always safe.
func (d *Diagnostics) PopContext() {
	if len(d.stack) == 0 {
		return
	}
	d.stack = d.stack[:len(d.stack)-1]
}

// Guard pushes desc/loc and returns a function that pops it; intended for
// `defer diag.Guard(loc, "description")()`.
func (d *Diagnostics) Guard(loc Span, desc string) func() {
	d.PushContext(loc, desc)
	return d.PopContext
}

// OnError records a complete diagnostic: the current context stack
// snapshot plus the (location, message) leaf. The sink never aborts;
// the caller decides whether to keep reading.
func (d *Diagnostics) OnError(loc Span, message string) {
	trail := make([]string, len(d.stack))
	for i, f := range d.stack {
		trail[i] = f.desc
	}
	d.errs = append(d.errs, &Diagnostic{Loc: loc, Message: message, Trail: trail})
}

// Errors returns every diagnostic accumulated so far, in emission order.
func (d *Diagnostics) Errors() []*Diagnostic {
	return d.errs
}

// HasErrors reports whether any diagnostic has been recorded.
func (d *Diagnostics) HasErrors() bool {
	return len(d.errs) > 0
}
