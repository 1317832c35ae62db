package asyncify

import (
	"context"
	"fmt"
	"sync"

	"github.com/tetratelabs/wazero/api"
	"go.uber.org/zap"

	pluginhost "github.com/wippyai/wasm-plugin-host"
	"github.com/wippyai/wasm-plugin-host/errors"
)

// State is the guest's asyncify state as reported by asyncify_get_state.
type State int32

const (
	StateNormal    State = 0
	StateUnwound   State = 1
	StateRewinding State = 2
)

func (s State) String() string {
	switch s {
	case StateNormal:
		return "normal"
	case StateUnwound:
		return "unwound"
	case StateRewinding:
		return "rewinding"
	}
	return fmt.Sprintf("state(%d)", int32(s))
}

const (
	exportGetState    = "asyncify_get_state"
	exportStartUnwind = "asyncify_start_unwind"
	exportStopUnwind  = "asyncify_stop_unwind"
	exportStartRewind = "asyncify_start_rewind"
	exportStopRewind  = "asyncify_stop_rewind"

	// DefaultStackSize is the unwind stack reserved for saved locals.
	DefaultStackSize uint32 = 1024
	headerSize       uint32 = 8
)

// Config tunes the data region handed to the guest.
type Config struct {
	StackSize uint32
	// DataAddr places the region at a fixed address instead of allocating it
	// through the guest allocator.
	DataAddr uint32
}

// Outcome describes how a guest call ended.
type Outcome int

const (
	// Done means the export returned normally with results.
	Done Outcome = iota
	// Suspended means the guest unwound and a host operation is pending.
	Suspended
	// AlreadyResumed means nothing was pending; the resume was a no-op.
	AlreadyResumed
)

// Op is host work started by a suspending import. Its return value is handed
// back to the import when the guest replays the call.
type Op func(ctx context.Context) any

// GuestCall invokes the export being driven.
type GuestCall func(ctx context.Context) ([]uint64, error)

type slot struct {
	resume func(ctx context.Context)
	cancel context.CancelFunc
}

// Bridge tracks the single suspended host operation of one instance. Calls
// into the guest must be serialized by the caller; the bridge only guards its
// own slot against the completion goroutine.
type Bridge struct {
	exports struct {
		getState    api.Function
		startUnwind api.Function
		stopUnwind  api.Function
		startRewind api.Function
		stopRewind  api.Function
	}
	base      context.Context
	mem       api.Memory
	pluginID  string
	dataAddr  uint32
	stackSize uint32

	mu        sync.Mutex
	resume    func(ctx context.Context)
	slot      *slot
	result    any
	hasResult bool
	unwinding bool
	violation error
}

// Supported reports whether mod exports the full asyncify control surface.
func Supported(mod api.Module) bool {
	for _, name := range []string{exportGetState, exportStartUnwind, exportStopUnwind, exportStartRewind, exportStopRewind} {
		if mod.ExportedFunction(name) == nil {
			return false
		}
	}
	return true
}

// New binds a bridge to an instantiated guest. base bounds the lifetime of
// host operations; cancelling it abandons them. alloc reserves the data
// region unless cfg.DataAddr is set.
func New(base context.Context, pluginID string, mod api.Module, alloc pluginhost.Allocator, cfg Config) (*Bridge, error) {
	if !Supported(mod) {
		return nil, errors.New(errors.PhaseAsyncify, errors.KindLoad).
			Plugin(pluginID).
			Detail("module missing asyncify exports (run wasm-opt --asyncify)").
			Build()
	}
	b := &Bridge{
		base:      base,
		mem:       mod.Memory(),
		pluginID:  pluginID,
		stackSize: cfg.StackSize,
		dataAddr:  cfg.DataAddr,
	}
	if b.mem == nil {
		return nil, errors.Load(pluginID, "asyncify: module has no memory", nil)
	}
	if b.stackSize == 0 {
		b.stackSize = DefaultStackSize
	}
	b.exports.getState = mod.ExportedFunction(exportGetState)
	b.exports.startUnwind = mod.ExportedFunction(exportStartUnwind)
	b.exports.stopUnwind = mod.ExportedFunction(exportStopUnwind)
	b.exports.startRewind = mod.ExportedFunction(exportStartRewind)
	b.exports.stopRewind = mod.ExportedFunction(exportStopRewind)

	if b.dataAddr == 0 {
		if alloc == nil {
			return nil, errors.Load(pluginID, "asyncify: no allocator for data region", nil)
		}
		addr, err := alloc.Alloc(base, headerSize+b.stackSize)
		if err != nil {
			return nil, errors.Load(pluginID, "asyncify: allocate data region", err)
		}
		b.dataAddr = addr
	}
	if err := b.resetStack(); err != nil {
		return nil, err
	}
	return b, nil
}

// DataAddr returns the address of the data region passed to the guest.
func (b *Bridge) DataAddr() uint32 {
	return b.dataAddr
}

// resetStack rewrites the region header: [0:4] stack pointer, [4:8] stack end.
func (b *Bridge) resetStack() error {
	stackPtr := b.dataAddr + headerSize
	stackEnd := stackPtr + b.stackSize
	if !b.mem.WriteUint32Le(b.dataAddr, stackPtr) || !b.mem.WriteUint32Le(b.dataAddr+4, stackEnd) {
		return errors.Load(b.pluginID, fmt.Sprintf("asyncify: data region at 0x%x outside memory", b.dataAddr), nil)
	}
	return nil
}

// Prepare installs the continuation that runs when a suspended operation
// completes. It must be set before the guest export that may suspend is
// invoked; without it imports complete synchronously.
func (b *Bridge) Prepare(resume func(ctx context.Context)) {
	b.mu.Lock()
	b.resume = resume
	b.mu.Unlock()
}

// Unprepare clears the continuation once the driven call has finished.
func (b *Bridge) Unprepare() {
	b.mu.Lock()
	b.resume = nil
	b.mu.Unlock()
}

// Suspendable reports whether an import may suspend the current call.
func (b *Bridge) Suspendable() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.resume != nil
}

// Pending reports whether the slot is populated.
func (b *Bridge) Pending() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.slot != nil
}

// State queries the guest.
func (b *Bridge) State(ctx context.Context) (State, error) {
	res, err := b.exports.getState.Call(ctx)
	if err != nil {
		return StateNormal, err
	}
	if len(res) == 0 {
		return StateNormal, errors.Protocol(b.pluginID, exportGetState+" returned no value")
	}
	return State(int32(res[0])), nil
}

// Suspend parks the current guest call on op. It populates the slot, starts
// op on its own goroutine and asks the guest to unwind. A populated slot is
// a protocol violation: the error is recorded so the driven call fails even
// if the guest swallows the import's trap.
func (b *Bridge) Suspend(ctx context.Context, op Op) error {
	b.mu.Lock()
	if b.slot != nil {
		err := errors.Protocol(b.pluginID, "host async call issued while another is pending")
		b.violation = err
		b.mu.Unlock()
		Logger().Error("asyncify protocol violation",
			zap.String("plugin", b.pluginID),
			zap.Error(err))
		return err
	}
	if b.resume == nil {
		b.mu.Unlock()
		return errors.Protocol(b.pluginID, "no resumable call in progress")
	}
	opCtx, cancel := context.WithCancel(b.base)
	s := &slot{resume: b.resume, cancel: cancel}
	b.slot = s
	b.result, b.hasResult = nil, false
	b.unwinding = true
	b.mu.Unlock()

	if err := b.resetStack(); err != nil {
		b.clear(s)
		return err
	}
	if _, err := b.exports.startUnwind.Call(ctx, uint64(b.dataAddr)); err != nil {
		b.clear(s)
		return err
	}

	Logger().Debug("guest suspended", zap.String("plugin", b.pluginID))
	go b.run(opCtx, s, op)
	return nil
}

func (b *Bridge) clear(s *slot) {
	b.mu.Lock()
	if b.slot == s {
		b.slot = nil
		b.unwinding = false
	}
	b.mu.Unlock()
	s.cancel()
}

func (b *Bridge) run(ctx context.Context, s *slot, op Op) {
	res := op(ctx)

	b.mu.Lock()
	if b.slot != s {
		// cancelled while the operation was running
		b.mu.Unlock()
		return
	}
	b.slot = nil
	b.result, b.hasResult = res, true
	b.mu.Unlock()

	s.cancel()
	s.resume(b.base)
}

// Rewound is called by the suspending import when it is re-entered in the
// rewinding state. It ends the rewind and returns the operation's result.
func (b *Bridge) Rewound(ctx context.Context) (any, error) {
	if _, err := b.exports.stopRewind.Call(ctx); err != nil {
		return nil, err
	}
	b.mu.Lock()
	res, ok := b.result, b.hasResult
	b.result, b.hasResult = nil, false
	b.mu.Unlock()
	if !ok {
		return nil, errors.Protocol(b.pluginID, "rewind without a completed host call")
	}
	return res, nil
}

// Call drives the first invocation of a guest export.
func (b *Bridge) Call(ctx context.Context, call GuestCall) (Outcome, []uint64, error) {
	results, err := call(ctx)
	return b.afterCall(ctx, results, err)
}

// Resume replays a suspended export after its operation completed. When no
// result is waiting and the guest is already back in the normal state the
// replay happened through another path and nothing is done.
func (b *Bridge) Resume(ctx context.Context, call GuestCall) (Outcome, []uint64, error) {
	b.mu.Lock()
	ready := b.hasResult
	b.mu.Unlock()

	if ready {
		if _, err := b.exports.startRewind.Call(ctx, uint64(b.dataAddr)); err != nil {
			b.reset(ctx)
			return Done, nil, err
		}
	}
	state, err := b.State(ctx)
	if err != nil {
		return Done, nil, err
	}
	if state == StateNormal {
		return AlreadyResumed, nil, nil
	}
	results, err := call(ctx)
	return b.afterCall(ctx, results, err)
}

func (b *Bridge) afterCall(ctx context.Context, results []uint64, callErr error) (Outcome, []uint64, error) {
	b.mu.Lock()
	violation := b.violation
	suspended := b.unwinding
	b.violation = nil
	b.unwinding = false
	b.mu.Unlock()

	if violation != nil {
		b.reset(ctx)
		return Done, nil, violation
	}
	if callErr != nil {
		b.reset(ctx)
		return Done, nil, callErr
	}

	state, err := b.State(ctx)
	if err != nil {
		return Done, nil, err
	}
	switch state {
	case StateUnwound:
		if _, err := b.exports.stopUnwind.Call(ctx); err != nil {
			b.Cancel()
			return Done, nil, err
		}
		if !suspended {
			b.Cancel()
			return Done, nil, errors.Protocol(b.pluginID, "guest unwound without a pending host call")
		}
		return Suspended, nil, nil
	case StateRewinding:
		b.reset(ctx)
		return Done, nil, errors.Protocol(b.pluginID, "guest returned while rewinding")
	}
	return Done, results, nil
}

// reset abandons any pending operation and returns the guest to normal.
func (b *Bridge) reset(ctx context.Context) {
	b.Cancel()
	state, err := b.State(ctx)
	if err != nil {
		return
	}
	switch state {
	case StateUnwound:
		_, err = b.exports.stopUnwind.Call(ctx)
	case StateRewinding:
		_, err = b.exports.stopRewind.Call(ctx)
	}
	if err != nil {
		Logger().Warn("asyncify reset failed", zap.String("plugin", b.pluginID), zap.Error(err))
	}
}

// Cancel discards the slot without running it. It reports whether an
// operation was pending.
func (b *Bridge) Cancel() bool {
	b.mu.Lock()
	s := b.slot
	b.slot = nil
	b.result, b.hasResult = nil, false
	b.mu.Unlock()
	if s == nil {
		return false
	}
	s.cancel()
	Logger().Debug("pending resume discarded", zap.String("plugin", b.pluginID))
	return true
}
