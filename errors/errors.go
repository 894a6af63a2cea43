package errors

import (
	"fmt"
	"strings"
)

// Phase indicates where in processing the error occurred.
type Phase string

const (
	PhaseEncode   Phase = "encode"
	PhaseDecode   Phase = "decode"
	PhaseValidate Phase = "validate"
	PhaseParse    Phase = "parse"
	PhaseLoad     Phase = "load"
)

// Kind categorizes the error.
type Kind string

const (
	KindInvalidData Kind = "invalid_data"
	KindOutOfBounds Kind = "out_of_bounds"
	KindUnsupported Kind = "unsupported"
	KindInvalidUTF8 Kind = "invalid_utf8"
	KindOverflow    Kind = "overflow"
)

// Error is the structured error type.
type Error struct {
	Value  any
	Cause  error
	Phase  Phase
	Kind   Kind
	Detail string
	Path   []string
}

// Error implements the error interface.
func (e *Error) Error() string {
	var b strings.Builder

	b.WriteByte('[')
	b.WriteString(string(e.Phase))
	b.WriteString("] ")
	b.WriteString(string(e.Kind))

	if len(e.Path) > 0 {
		b.WriteString(" at ")
		b.WriteString(strings.Join(e.Path, "."))
	}

	if e.Detail != "" {
		b.WriteString(": ")
		b.WriteString(e.Detail)
	}

	if e.Cause != nil {
		b.WriteString(" (caused by: ")
		b.WriteString(e.Cause.Error())
		b.WriteByte(')')
	}

	return b.String()
}

// Unwrap returns the underlying error.
func (e *Error) Unwrap() error {
	return e.Cause
}

// Is reports whether target matches this error.
func (e *Error) Is(target error) bool {
	if t, ok := target.(*Error); ok {
		return e.Phase == t.Phase && e.Kind == t.Kind
	}
	return false
}

// Builder provides structured error construction.
type Builder struct {
	err Error
}

// New creates a new error builder.
func New(phase Phase, kind Kind) *Builder {
	return &Builder{err: Error{Phase: phase, Kind: kind}}
}

// Path sets the field path.
func (b *Builder) Path(path ...string) *Builder {
	b.err.Path = path
	return b
}

// Value sets the offending value.
func (b *Builder) Value(v any) *Builder {
	b.err.Value = v
	return b
}

// Cause sets the underlying error.
func (b *Builder) Cause(err error) *Builder {
	b.err.Cause = err
	return b
}

// Detail sets the human-readable detail message.
func (b *Builder) Detail(msg string, args ...any) *Builder {
	if len(args) > 0 {
		b.err.Detail = fmt.Sprintf(msg, args...)
	} else {
		b.err.Detail = msg
	}
	return b
}

// Build returns the constructed error.
func (b *Builder) Build() *Error {
	return &b.err
}

// InvalidUTF8 creates an invalid UTF-8 error.
func InvalidUTF8(phase Phase, path []string, data []byte) *Error {
	preview := data
	if len(preview) > 32 {
		preview = preview[:32]
	}
	return &Error{
		Phase:  phase,
		Kind:   KindInvalidUTF8,
		Path:   path,
		Detail: fmt.Sprintf("invalid UTF-8 sequence: %x", preview),
	}
}

// Unsupported creates an unsupported-operation error.
func Unsupported(phase Phase, what string) *Error {
	return &Error{Phase: phase, Kind: KindUnsupported, Detail: what}
}

// OutOfBounds creates an out-of-bounds index error. The last element of
// path, if any, names what kind of index this is ("type index", "local
// index", ...) for the Detail message; it falls back to "index" when path
// is empty.
func OutOfBounds(phase Phase, path []string, index, length int) *Error {
	desc := "index"
	if len(path) > 0 {
		desc = path[len(path)-1]
	}
	return &Error{
		Phase:  phase,
		Kind:   KindOutOfBounds,
		Path:   path,
		Detail: fmt.Sprintf("Invalid %s %d, must be less than %d", desc, index, length),
		Value:  index,
	}
}

// Overflow creates an overflow error for a value exceeding targetType's range.
func Overflow(phase Phase, path []string, value any, targetType string) *Error {
	return &Error{
		Phase:  phase,
		Kind:   KindOverflow,
		Path:   path,
		Detail: fmt.Sprintf("value %v overflows %s", value, targetType),
		Value:  value,
	}
}

// InvalidData creates a generic invalid-data error.
func InvalidData(phase Phase, path []string, detail string) *Error {
	return &Error{Phase: phase, Kind: KindInvalidData, Path: path, Detail: detail}
}

// Wrap wraps an existing error with additional context.
func Wrap(phase Phase, kind Kind, cause error, detail string) *Error {
	return &Error{Phase: phase, Kind: kind, Detail: detail, Cause: cause}
}

// ParseFailed creates a parse-failure error.
func ParseFailed(what string, cause error) *Error {
	return &Error{Phase: PhaseParse, Kind: KindInvalidData, Detail: fmt.Sprintf("parse %s", what), Cause: cause}
}

// Load creates a module-loading error.
func Load(detail string, cause error) *Error {
	return &Error{Phase: PhaseLoad, Kind: KindInvalidData, Detail: detail, Cause: cause}
}
