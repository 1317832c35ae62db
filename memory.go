package pluginhost

import "context"

// Allocator reserves and releases regions of guest linear memory through the
// guest's own allocation exports.
type Allocator interface {
	Alloc(ctx context.Context, size uint32) (uint32, error)
	Free(ctx context.Context, ptr, size uint32)
}
