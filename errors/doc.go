// Package errors provides the structured error type used by wasm's
// decode, encode, and validation checks.
//
// Errors are categorized by Phase (where the error occurred) and Kind
// (error category). The Error type carries a field path and an optional
// cause chain.
//
// Use the Builder for structured error construction:
//
//	err := errors.New(errors.PhaseDecode, errors.KindOverflow).
//		Path("locals").
//		Detail("local count exceeds maximum").
//		Build()
//
// Or use convenience constructors for common patterns:
//
//	err := errors.OutOfBounds(errors.PhaseValidate, path, 10, 5)
//	err := errors.Overflow(errors.PhaseDecode, path, value, "uint32 local count")
//
// All errors implement the standard error interface and support errors.Is/As.
package errors
