package async

import "runtime/debug"

// PanicLogger captures panic reports from background goroutines.
type PanicLogger interface {
	Error(format string, args ...any)
}

// Go runs fn in a goroutine guarded by panic recovery. The scheduler engine,
// wake service, and notification queue all spawn through here so a panicking
// handler never takes the daemon down.
func Go(logger PanicLogger, name string, fn func()) {
	go func() {
		defer func() {
			r := recover()
			if r == nil || logger == nil {
				return
			}
			if name == "" {
				name = "unnamed"
			}
			logger.Error("goroutine panic [%s]: %v, stack: %s", name, r, debug.Stack())
		}()
		fn()
	}()
}
