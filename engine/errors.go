package engine

import "errors"

// ErrEngineClosed is returned by Poll once the engine has transitioned to
// Closing and drained its event queue.
var ErrEngineClosed = errors.New("engine: closed")
