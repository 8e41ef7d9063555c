// -----------------------------------------------------------------------
// Safe Goroutine - panic-protected goroutine spawning
// -----------------------------------------------------------------------

package common

import (
	"fmt"
	"os"
	"runtime"

	"github.com/ternarybob/arbor"
)

// SafeGo runs fn on its own goroutine with panic recovery. A panicking
// connection handler or scheduler loop must never take down the whole
// server: the panic is logged with its stack and only that goroutine dies.
func SafeGo(logger arbor.ILogger, name string, fn func()) {
	go func() {
		defer func() {
			r := recover()
			if r == nil {
				return
			}
			buf := make([]byte, 8192)
			stack := string(buf[:runtime.Stack(buf, false)])
			if logger == nil {
				fmt.Fprintf(os.Stderr, "panic in goroutine %s: %v\n%s\n", name, r, stack)
				return
			}
			logger.Error().
				Str("goroutine", name).
				Str("panic", fmt.Sprintf("%v", r)).
				Str("stack", stack).
				Msg("Recovered from goroutine panic")
		}()
		fn()
	}()
}
