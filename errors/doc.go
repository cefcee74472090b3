// Package errors provides structured error types for the guest usage host.
//
// Errors are categorized by Phase (where in the guest lifecycle the error
// occurred) and Kind (error category). Load, link and export failures are
// terminal for a guest path; call and dispatch failures are recovered by the
// caller and only logged.
//
// Use the Builder for structured error construction:
//
//	err := errors.New(errors.PhaseInstantiate, errors.KindMissingExport).
//		Path("guests/echo.wasm").
//		Detail("required export %q not found", "alloc").
//		Build()
//
// Or use convenience constructors for common patterns:
//
//	err := errors.MissingExport(path, "alloc")
//	err := errors.CapacityExceeded(256)
//
// Phase-level targets (ErrLoad, ErrLink, ErrExport, ...) match any error of
// that phase with errors.Is:
//
//	if errors.Is(err, hosterrors.ErrLink) { ... }
package errors
