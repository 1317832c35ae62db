package errors

import (
	"fmt"
	"strings"
)

// Phase indicates where in the plugin lifecycle the error occurred
type Phase string

const (
	PhaseDetect   Phase = "detect"   // format classification
	PhaseLoad     Phase = "load"     // compile, convert, instantiate
	PhaseEncode   Phase = "encode"   // host to guest memory
	PhaseDecode   Phase = "decode"   // guest memory to host
	PhaseHost     Phase = "host"     // host import construction
	PhaseRuntime  Phase = "runtime"  // guest calls
	PhaseAsyncify Phase = "asyncify" // unwind/rewind protocol
	PhaseConfig   Phase = "config"   // host configuration
	PhaseManager  Phase = "manager"  // plugin manager bookkeeping
)

// Kind categorizes the error
type Kind string

const (
	KindLoad          Kind = "load"
	KindABI           Kind = "abi"
	KindMarshal       Kind = "marshal"
	KindCapability    Kind = "capability"
	KindCall          Kind = "call"
	KindProtocol      Kind = "protocol"
	KindNotFound      Kind = "not_found"
	KindAlreadyLoaded Kind = "already_loaded"
	KindDisabled      Kind = "disabled"
	KindCanceled      Kind = "canceled"
	KindInvalidInput  Kind = "invalid_input"
	KindMissingImport Kind = "missing_import"
)

// Error is the structured error type used throughout the host
type Error struct {
	Cause    error
	Phase    Phase
	Kind     Kind
	PluginID string
	Function string
	Detail   string
	Code     int32
}

// Error implements the error interface
func (e *Error) Error() string {
	var b strings.Builder

	b.WriteByte('[')
	b.WriteString(string(e.Phase))
	b.WriteString("] ")
	b.WriteString(string(e.Kind))

	if e.PluginID != "" {
		b.WriteString(" plugin ")
		b.WriteString(e.PluginID)
	}

	if e.Function != "" {
		b.WriteString(" in ")
		b.WriteString(e.Function)
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
// A target with an empty Phase matches any phase.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	if t.Phase != "" && t.Phase != e.Phase {
		return false
	}
	return e.Kind == t.Kind
}

// Sentinels for errors.Is checks against the taxonomy
var (
	ErrLoad          = &Error{Kind: KindLoad}
	ErrABI           = &Error{Kind: KindABI}
	ErrMarshal       = &Error{Kind: KindMarshal}
	ErrCapability    = &Error{Kind: KindCapability}
	ErrCall          = &Error{Kind: KindCall}
	ErrProtocol      = &Error{Kind: KindProtocol}
	ErrNotFound      = &Error{Kind: KindNotFound}
	ErrAlreadyLoaded = &Error{Kind: KindAlreadyLoaded}
	ErrDisabled      = &Error{Kind: KindDisabled}
	ErrCanceled      = &Error{Kind: KindCanceled}
)

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

// Plugin sets the plugin identifier
func (b *Builder) Plugin(id string) *Builder {
	b.err.PluginID = id
	return b
}

// Function sets the guest or host function name
func (b *Builder) Function(name string) *Builder {
	b.err.Function = name
	return b
}

// Code sets the guest return code
func (b *Builder) Code(code int32) *Builder {
	b.err.Code = code
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

// Convenience constructors for the taxonomy

// Load creates a load failure: compile, conversion or instantiation
func Load(pluginID, detail string, cause error) *Error {
	return &Error{
		Phase:    PhaseLoad,
		Kind:     KindLoad,
		PluginID: pluginID,
		Detail:   detail,
		Cause:    cause,
	}
}

// ABI creates a detection failure for a binary no strategy accepts
func ABI(pluginID, detail string) *Error {
	return &Error{
		Phase:    PhaseDetect,
		Kind:     KindABI,
		PluginID: pluginID,
		Detail:   detail,
	}
}

// Marshal creates a string or buffer transfer failure
func Marshal(phase Phase, detail string, cause error) *Error {
	return &Error{
		Phase:  phase,
		Kind:   KindMarshal,
		Detail: detail,
		Cause:  cause,
	}
}

// Call creates a failed guest call. A zero cause means the guest reported code.
func Call(pluginID, function string, code int32, cause error) *Error {
	e := &Error{
		Phase:    PhaseRuntime,
		Kind:     KindCall,
		PluginID: pluginID,
		Function: function,
		Code:     code,
		Cause:    cause,
	}
	if cause == nil {
		e.Detail = fmt.Sprintf("returned %d", code)
	}
	return e
}

// Protocol creates a fatal asyncify protocol violation
func Protocol(pluginID, detail string) *Error {
	return &Error{
		Phase:    PhaseAsyncify,
		Kind:     KindProtocol,
		PluginID: pluginID,
		Detail:   detail,
	}
}

// Canceled creates an error for a call abandoned by stop or unload
func Canceled(pluginID, detail string) *Error {
	return &Error{
		Phase:    PhaseRuntime,
		Kind:     KindCanceled,
		PluginID: pluginID,
		Detail:   detail,
	}
}

// NotFound creates a not-found error
func NotFound(phase Phase, what, name string) *Error {
	return &Error{
		Phase:  phase,
		Kind:   KindNotFound,
		Detail: fmt.Sprintf("%s %q not found", what, name),
	}
}

// InvalidInput creates an invalid input error
func InvalidInput(phase Phase, detail string) *Error {
	return &Error{
		Phase:  phase,
		Kind:   KindInvalidInput,
		Detail: detail,
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
	Module   string // e.g., "signalk:plugin/storage@1.0.0"
	Function string // e.g., "read-file"
}

// MissingImportsError is returned when a converted component imports functions
// the host does not provide
type MissingImportsError struct {
	Imports []MissingImport
}

// NewMissingImportsError creates an error from a list of "module#function" strings
func NewMissingImportsError(imports []string) *MissingImportsError {
	result := &MissingImportsError{
		Imports: make([]MissingImport, 0, len(imports)),
	}
	for _, imp := range imports {
		mod, fn, _ := strings.Cut(imp, "#")
		result.Imports = append(result.Imports, MissingImport{
			Module:   mod,
			Function: fn,
		})
	}
	return result
}

// demangleRust turns a legacy mangled Rust symbol (_ZN<len><ident>...E)
// into a path, dropping the trailing hash segment. Anything else is returned
// unchanged.
func demangleRust(name string) string {
	rest, ok := strings.CutPrefix(name, "_ZN")
	if !ok {
		return name
	}
	var path []string
	for rest != "" && rest[0] != 'E' {
		n, digits := 0, 0
		for digits < len(rest) && rest[digits] >= '0' && rest[digits] <= '9' {
			n = n*10 + int(rest[digits]-'0')
			digits++
		}
		if digits == 0 || n > len(rest)-digits {
			break
		}
		ident := rest[digits : digits+n]
		rest = rest[digits+n:]
		if !isRustHash(ident) {
			path = append(path, ident)
		}
	}
	if len(path) == 0 {
		return name
	}
	return strings.Join(path, "::")
}

// isRustHash matches the h<16 hex digits> disambiguator.
func isRustHash(s string) bool {
	if len(s) != 17 || s[0] != 'h' {
		return false
	}
	return strings.Trim(s[1:], "0123456789abcdef") == ""
}

func (e *MissingImportsError) Error() string {
	if len(e.Imports) == 0 {
		return "[load] missing_import: no imports specified"
	}

	// Group by module, keeping the order modules first appear in.
	var modules []string
	funcs := make(map[string][]string, len(e.Imports))
	for _, imp := range e.Imports {
		if _, seen := funcs[imp.Module]; !seen {
			modules = append(modules, imp.Module)
		}
		funcs[imp.Module] = append(funcs[imp.Module], demangleRust(imp.Function))
	}

	lines := []string{fmt.Sprintf("missing %d host function(s):", len(e.Imports))}
	for _, mod := range modules {
		lines = append(lines, "", "  "+mod+":")
		for _, fn := range funcs[mod] {
			lines = append(lines, "    - "+fn)
		}
	}
	return strings.Join(lines, "\n")
}

// Is matches any *MissingImportsError.
func (e *MissingImportsError) Is(target error) bool {
	_, ok := target.(*MissingImportsError)
	return ok
}
