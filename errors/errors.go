package errors

import (
	stderrors "errors"
	"fmt"
	"sort"
	"strings"
)

// Phase indicates where in the guest lifecycle the error occurred
type Phase string

const (
	PhaseLoad        Phase = "load"        // reading or compiling guest bytes
	PhaseLink        Phase = "link"        // binding guest imports to the host bridge
	PhaseInstantiate Phase = "instantiate" // export and memory checks
	PhaseInit        Phase = "init"        // guest init entry point
	PhaseSlot        Phase = "slot"        // slot claiming
	PhaseCall        Phase = "call"        // guest call and envelope transfer
	PhaseDispatch    Phase = "dispatch"    // usage lookup
	PhaseEncode      Phase = "encode"      // host value to envelope
	PhaseDecode      Phase = "decode"      // envelope to host value
	PhaseConfig      Phase = "config"      // host configuration
)

// Kind categorizes the error
type Kind string

const (
	KindCompile        Kind = "compile"
	KindRead           Kind = "read"
	KindMissingImport  Kind = "missing_import"
	KindSignature      Kind = "signature_mismatch"
	KindMissingExport  Kind = "missing_export"
	KindMissingMemory  Kind = "missing_memory"
	KindCapacity       Kind = "capacity"
	KindNotLoaded      Kind = "not_loaded"
	KindTrap           Kind = "trap"
	KindOutOfBounds    Kind = "out_of_bounds"
	KindInvalidData    Kind = "invalid_data"
	KindNotFound       Kind = "not_found"
	KindReentrant      Kind = "reentrant"
	KindInvalidInput   Kind = "invalid_input"
	KindInstantiation  Kind = "instantiation"
	KindPreviousFailed Kind = "previously_failed"
)

// Targets for errors.Is. A target without a Kind matches every error of its phase.
var (
	ErrLoad         = &Error{Phase: PhaseLoad}
	ErrLink         = &Error{Phase: PhaseLink}
	ErrExport       = &Error{Phase: PhaseInstantiate}
	ErrInit         = &Error{Phase: PhaseInit}
	ErrCall         = &Error{Phase: PhaseCall}
	ErrDispatchMiss = &Error{Phase: PhaseDispatch, Kind: KindNotFound}
	ErrCapacity     = &Error{Phase: PhaseSlot, Kind: KindCapacity}
	ErrConfig       = &Error{Phase: PhaseConfig}
)

// Error is the structured error type used throughout the host
type Error struct {
	Value   any
	Cause   error
	Phase   Phase
	Kind    Kind
	Path    string
	Usage   string
	Detail  string
	Slot    int
	HasSlot bool // Slot is meaningful; slot 0 is a valid id
}

// Error implements the error interface
func (e *Error) Error() string {
	var b strings.Builder

	b.WriteByte('[')
	b.WriteString(string(e.Phase))
	b.WriteString("] ")
	b.WriteString(string(e.Kind))

	if e.Path != "" {
		b.WriteString(" path ")
		b.WriteString(e.Path)
	}
	if e.Usage != "" {
		b.WriteString(" usage ")
		b.WriteString(e.Usage)
	}
	if e.HasSlot {
		fmt.Fprintf(&b, " slot %d", e.Slot)
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

// Unwrap returns the underlying error
func (e *Error) Unwrap() error {
	return e.Cause
}

// Is reports whether target matches this error.
// Phases must be equal; kinds are compared only when the target sets one.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	if e.Phase != t.Phase {
		return false
	}
	return t.Kind == "" || e.Kind == t.Kind
}

// Is reports whether any error in err's chain matches target.
func Is(err, target error) bool {
	return stderrors.Is(err, target)
}

// As finds the first error in err's chain that matches target.
func As(err error, target any) bool {
	return stderrors.As(err, target)
}

// SlotID returns the slot the error is attributed to, or -1.
func (e *Error) SlotID() int {
	if !e.HasSlot {
		return -1
	}
	return e.Slot
}

// Builder provides structured error construction
type Builder struct {
	err Error
}

// New creates a new error builder
func New(phase Phase, kind Kind) *Builder {
	return &Builder{
		err: Error{
			Phase: phase,
			Kind:  kind,
		},
	}
}

// Path sets the guest module path
func (b *Builder) Path(path string) *Builder {
	b.err.Path = path
	return b
}

// Usage sets the usage name
func (b *Builder) Usage(name string) *Builder {
	b.err.Usage = name
	return b
}

// Slot sets the slot id
func (b *Builder) Slot(id int) *Builder {
	b.err.Slot = id
	b.err.HasSlot = true
	return b
}

// Value sets the offending value
func (b *Builder) Value(v any) *Builder {
	b.err.Value = v
	return b
}

// Cause sets the underlying error
func (b *Builder) Cause(err error) *Builder {
	b.err.Cause = err
	return b
}

// Detail sets the human-readable detail message
func (b *Builder) Detail(msg string, args ...any) *Builder {
	if len(args) > 0 {
		b.err.Detail = fmt.Sprintf(msg, args...)
	} else {
		b.err.Detail = msg
	}
	return b
}

// Build returns the constructed error
func (b *Builder) Build() *Error {
	return &b.err
}

// Convenience constructors for common error patterns

// LoadFailed creates a load error for a guest path
func LoadFailed(path string, kind Kind, cause error) *Error {
	return &Error{
		Phase:  PhaseLoad,
		Kind:   kind,
		Path:   path,
		Detail: "load guest module",
		Cause:  cause,
	}
}

// PreviouslyFailed reports a cached load failure for path
func PreviouslyFailed(path string) *Error {
	return &Error{
		Phase:  PhaseLoad,
		Kind:   KindPreviousFailed,
		Path:   path,
		Detail: "path is permanently marked as failed",
	}
}

// MissingExport creates an export error for a required guest export
func MissingExport(path, name string) *Error {
	return &Error{
		Phase:  PhaseInstantiate,
		Kind:   KindMissingExport,
		Path:   path,
		Detail: fmt.Sprintf("required export %q not found", name),
	}
}

// MissingMemory creates an export error for a guest without exported memory
func MissingMemory(path string) *Error {
	return &Error{
		Phase:  PhaseInstantiate,
		Kind:   KindMissingMemory,
		Path:   path,
		Detail: `exported memory "memory" not found`,
	}
}

// SignatureMismatch creates an error for an import or export with the wrong type
func SignatureMismatch(phase Phase, path, name, want, got string) *Error {
	return &Error{
		Phase:  phase,
		Kind:   KindSignature,
		Path:   path,
		Detail: fmt.Sprintf("%s: want %s, got %s", name, want, got),
	}
}

// CapacityExceeded reports that no slot is available
func CapacityExceeded(capacity int) *Error {
	return &Error{
		Phase:  PhaseSlot,
		Kind:   KindCapacity,
		Detail: fmt.Sprintf("all %d slots are bound", capacity),
		Value:  capacity,
	}
}

// Instantiation wraps a runtime instantiation failure
func Instantiation(path string, cause error) *Error {
	return &Error{
		Phase:  PhaseInstantiate,
		Kind:   KindInstantiation,
		Path:   path,
		Detail: "instantiate module",
		Cause:  cause,
	}
}

// NotLoaded reports a call into an empty slot
func NotLoaded(slot int) *Error {
	return &Error{
		Phase:   PhaseCall,
		Kind:    KindNotLoaded,
		Slot:    slot,
		HasSlot: true,
		Detail:  "slot has no live guest",
	}
}

// Trap wraps a guest function failure
func Trap(phase Phase, slot int, export string, cause error) *Error {
	return &Error{
		Phase:   phase,
		Kind:    KindTrap,
		Slot:    slot,
		HasSlot: true,
		Detail:  fmt.Sprintf("guest export %q failed", export),
		Cause:   cause,
	}
}

// OutOfBounds creates an out of bounds memory access error
func OutOfBounds(phase Phase, offset, length uint32) *Error {
	return &Error{
		Phase:  phase,
		Kind:   KindOutOfBounds,
		Detail: fmt.Sprintf("access [%d, %d) outside guest memory", offset, uint64(offset)+uint64(length)),
		Value:  offset,
	}
}

// InvalidData creates an invalid data error
func InvalidData(phase Phase, detail string, cause error) *Error {
	return &Error{
		Phase:  phase,
		Kind:   KindInvalidData,
		Detail: detail,
		Cause:  cause,
	}
}

// DispatchMiss reports an unknown usage name
func DispatchMiss(name string) *Error {
	return &Error{
		Phase:  PhaseDispatch,
		Kind:   KindNotFound,
		Usage:  name,
		Detail: "no handler registered",
	}
}

// Reentrant reports a call chain that re-enters a slot it already holds
func Reentrant(slot int, name string) *Error {
	return &Error{
		Phase:   PhaseCall,
		Kind:    KindReentrant,
		Slot:    slot,
		HasSlot: true,
		Usage:   name,
		Detail:  "slot is already executing in this call chain",
	}
}

// Wrap wraps an existing error with additional context
func Wrap(phase Phase, kind Kind, cause error, detail string) *Error {
	return &Error{
		Phase:  phase,
		Kind:   kind,
		Detail: detail,
		Cause:  cause,
	}
}

// MissingImport represents a single unresolved guest import
type MissingImport struct {
	Module string // e.g., "env"
	Name   string // e.g., "emscripten_memcpy_js"
	Arity  int
	Reason string
}

// MissingImportsError is returned when a guest import cannot be bound to the host bridge
type MissingImportsError struct {
	Path    string
	Imports []MissingImport
}

// Error renders the unresolved imports grouped by module
func (e *MissingImportsError) Error() string {
	if len(e.Imports) == 0 {
		return "[link] missing_import: no imports specified"
	}

	var b strings.Builder
	fmt.Fprintf(&b, "[link] missing_import: %d unresolved import(s)", len(e.Imports))
	if e.Path != "" {
		b.WriteString(" in ")
		b.WriteString(e.Path)
	}
	b.WriteByte(':')

	byModule := make(map[string][]MissingImport)
	for _, imp := range e.Imports {
		byModule[imp.Module] = append(byModule[imp.Module], imp)
	}
	modules := make([]string, 0, len(byModule))
	for m := range byModule {
		modules = append(modules, m)
	}
	sort.Strings(modules)

	for _, m := range modules {
		b.WriteString("\n  ")
		b.WriteString(m)
		b.WriteString(":")
		for _, imp := range byModule[m] {
			fmt.Fprintf(&b, "\n    - %s[%d]", imp.Name, imp.Arity)
			if imp.Reason != "" {
				b.WriteString(" (")
				b.WriteString(imp.Reason)
				b.WriteByte(')')
			}
		}
	}

	return b.String()
}

// Is matches ErrLink and other MissingImportsError values
func (e *MissingImportsError) Is(target error) bool {
	switch t := target.(type) {
	case *MissingImportsError:
		return true
	case *Error:
		return t.Phase == PhaseLink && (t.Kind == "" || t.Kind == KindMissingImport)
	}
	return false
}
