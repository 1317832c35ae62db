// Package asyncify drives the Binaryen asyncify protocol (wasm-opt --asyncify)
// for guests whose exports look synchronous but call host imports that
// complete later.
//
// A call proceeds in three phases:
//
//  1. The host invokes the guest export. A suspending import calls Suspend,
//     which parks a resume closure in the instance's single slot, starts the
//     host work on its own goroutine and asks the guest to unwind.
//  2. When the export returns in the unwound state the bridge stops the unwind
//     and reports the call as suspended.
//  3. When the host work finishes, the closure runs. Resume starts the rewind
//     and re-enters the export; the import sees the rewinding state, collects
//     the result with Rewound and the guest continues past the call site.
//
// Exactly one slot exists per bridge. Suspending while it is populated is a
// protocol violation that fails the in-flight call. Cancel discards the slot
// without running it.
package asyncify
