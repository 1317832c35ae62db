// Package hostapi implements the host functions plugins import.
//
// A plugin sees one import table built from its granted capabilities.
// Functions behind an ungranted capability are left out of the host module
// entirely, so a guest importing them fails at instantiation rather than at
// call time.
//
// Core modules import the table from "env" with flat names (sk_set_status).
// Converted components import it from APINamespace with kebab names
// (sk-set-status). Both spellings are served by the same handlers.
//
// sk_fetch is the only import that blocks on the network. When the calling
// instance has an asyncify bridge and the current call is resumable, the
// import unwinds the guest and completes the request in the background;
// otherwise it performs the request synchronously.
package hostapi
