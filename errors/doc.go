// Package errors provides the structured error taxonomy of the plugin host.
//
// Errors are categorized by Phase (where in the plugin lifecycle the error
// occurred) and Kind (load, abi, marshal, call, protocol, ...). The Error type
// carries the plugin id, the function involved and the cause chain.
//
// Use the Builder for structured error construction:
//
//	err := errors.New(errors.PhaseRuntime, errors.KindCall).
//		Plugin("anchor-alarm").
//		Function("plugin_start").
//		Code(2).
//		Build()
//
// Or use convenience constructors for the common cases:
//
//	err := errors.ABI(pluginID, "no known export signature")
//	err := errors.Load(pluginID, "compile module", cause)
//
// Kind-only sentinels (ErrLoad, ErrABI, ErrMarshal, ...) match any phase:
//
//	if errors.Is(err, pherrors.ErrABI) { ... }
package errors
