package suballoc

import "github.com/cockroachdb/errors"

// OutOfSpaceError is the error returned from Allocator.Allocate when no free block is large
// enough to satisfy the request. It is a normal runtime condition- callers may retry after
// freeing, fall back to another heap, or treat it as fatal, but must never ignore it.
var OutOfSpaceError error = errors.New("no free block is large enough for the requested allocation")

// InvalidFreeError is the error returned from Allocator.Free when the provided offset does
// not correspond to a live allocation. This always indicates a caller bug (double free or
// a corrupted offset), so it is logged loudly in addition to being returned.
var InvalidFreeError error = errors.New("offset does not correspond to a live allocation")
