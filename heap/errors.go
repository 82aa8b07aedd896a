package heap

import "github.com/cockroachdb/errors"

// ProtocolViolationError is the error returned when the readback channel's write
// protocol is driven out of order: EndWrite without a prior BeginWrite, BeginWrite while
// a write window is already open, or reading the readable mirror while a write window is
// open. On a real backing store the equivalent misuse is undefined behavior, so this is a
// precondition violation, not a runtime condition to recover from.
var ProtocolViolationError error = errors.New("readback write protocol violation")
