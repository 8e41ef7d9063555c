// -----------------------------------------------------------------------
// Crash Protection - fatal panic recovery and crash-file generation
// -----------------------------------------------------------------------

package common

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"time"
)

// crashLogDir is where crash reports land; InstallCrashHandler overrides it.
var crashLogDir = "./logs"

// InstallCrashHandler prepares the crash-report directory. Pair it with a
// deferred RecoverWithCrashFile at the top of main so a fatal panic still
// leaves a post-mortem on disk.
func InstallCrashHandler(logDir string) {
	if logDir != "" {
		crashLogDir = logDir
	}
	if err := os.MkdirAll(crashLogDir, 0755); err != nil {
		fmt.Fprintf(os.Stderr, "failed to create crash log directory: %v\n", err)
	}
}

// RecoverWithCrashFile recovers a fatal panic, writes the crash report and
// exits non-zero. Usage: defer common.RecoverWithCrashFile()
func RecoverWithCrashFile() {
	r := recover()
	if r == nil {
		return
	}
	buf := make([]byte, 8192)
	WriteCrashFile(r, string(buf[:runtime.Stack(buf, false)]))
	os.Exit(1)
}

// WriteCrashFile writes a crash report - panic value, the panicking
// goroutine's stack, every goroutine's stack, version - and returns the
// file path, or "" when even that failed and the report went to stderr.
func WriteCrashFile(panicVal interface{}, stackTrace string) string {
	path := filepath.Join(crashLogDir, fmt.Sprintf("crash-%s.log", time.Now().Format("2006-01-02T15-04-05")))

	var report bytes.Buffer
	fmt.Fprintf(&report, "loadsched crash report\ntime: %s\nversion: %s\n\n", time.Now().Format(time.RFC3339), GetFullVersion())
	fmt.Fprintf(&report, "panic: %v\n\n%s\n", panicVal, stackTrace)
	fmt.Fprintf(&report, "all goroutines:\n%s\n", allGoroutineStacks())

	if err := os.WriteFile(path, report.Bytes(), 0644); err != nil {
		fmt.Fprintf(os.Stderr, "failed to write crash file: %v\n%s", err, report.String())
		return ""
	}
	fmt.Fprintf(os.Stderr, "fatal panic: %v - crash report written to %s\n", panicVal, path)
	return path
}

// allGoroutineStacks dumps every goroutine, growing the buffer until the
// dump fits (capped at 16 MB).
func allGoroutineStacks() string {
	buf := make([]byte, 64*1024)
	for {
		n := runtime.Stack(buf, true)
		if n < len(buf) || len(buf) >= 16*1024*1024 {
			return string(buf[:n])
		}
		buf = make([]byte, len(buf)*2)
	}
}
