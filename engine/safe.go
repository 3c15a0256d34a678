package engine

import "runtime/debug"

// goSafe runs fn on a tracked goroutine and logs a panic instead of
// crashing the process.
func (e *Engine) goSafe(fn func()) {
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		defer func() {
			if r := recover(); r != nil {
				e.logger.Error("panic in background task", "panic", r, "stack", string(debug.Stack()))
			}
		}()
		fn()
	}()
}
