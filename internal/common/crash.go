// -----------------------------------------------------------------------
// Crash files - written when the process dies from an unrecovered panic
// -----------------------------------------------------------------------

package common

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"
)

// CrashLogDir is the directory crash files are written to. Set from config at startup.
var CrashLogDir = "./logs"

// InstallCrashHandler sets the crash directory and makes sure it exists
func InstallCrashHandler(logDir string) {
	if logDir != "" {
		CrashLogDir = logDir
	}
	if err := os.MkdirAll(CrashLogDir, 0755); err != nil {
		fmt.Fprintf(os.Stderr, "CRASH: failed to create log directory: %v\n", err)
	}
}

// BuildCrashReport renders the panic value, the panicking stack and all goroutines
func BuildCrashReport(panicVal interface{}, stackTrace string) string {
	var b strings.Builder
	section := func(title string) {
		fmt.Fprintf(&b, "\n=== %s ===\n", title)
	}

	b.WriteString("=== QA GUARDIAN CRASH REPORT ===\n")
	fmt.Fprintf(&b, "Time: %s\n", time.Now().Format(time.RFC3339))
	fmt.Fprintf(&b, "Version: %s\n", GetFullVersion())

	section("PANIC VALUE")
	fmt.Fprintf(&b, "%v\n", panicVal)

	section("STACK TRACE")
	b.WriteString(stackTrace)

	section("ALL GOROUTINES")
	b.WriteString(GetAllGoroutineStacks())

	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)
	section("RUNTIME")
	fmt.Fprintf(&b, "NumGoroutine: %d\nNumCPU: %d\nGOOS/GOARCH: %s/%s\n",
		runtime.NumGoroutine(), runtime.NumCPU(), runtime.GOOS, runtime.GOARCH)
	fmt.Fprintf(&b, "Alloc: %d MB\nSys: %d MB\nNumGC: %d\n", mem.Alloc>>20, mem.Sys>>20, mem.NumGC)

	b.WriteString("\n=== END CRASH REPORT ===\n")
	return b.String()
}

// WriteCrashFile writes a crash report and returns its path ("" if the file could not be written)
func WriteCrashFile(panicVal interface{}, stackTrace string) string {
	report := BuildCrashReport(panicVal, stackTrace)
	crashPath := filepath.Join(CrashLogDir, fmt.Sprintf("crash-%s.log", time.Now().Format("2006-01-02T15-04-05")))

	f, err := os.OpenFile(crashPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0644)
	if err != nil {
		fmt.Fprintf(os.Stderr, "CRASH: failed to create crash file: %v\n%s", err, report)
		return ""
	}
	defer f.Close()

	if _, err := f.WriteString(report); err != nil {
		fmt.Fprintf(os.Stderr, "CRASH: failed to write crash file: %v\n%s", err, report)
	}
	_ = f.Sync()

	fmt.Fprintf(os.Stderr, "\n!!! FATAL CRASH - report saved to: %s !!!\nPanic: %v\n", crashPath, panicVal)
	return crashPath
}

// GetAllGoroutineStacks returns stack traces for all goroutines, growing the buffer up to 64MB
func GetAllGoroutineStacks() string {
	buf := make([]byte, 64*1024)
	for {
		n := runtime.Stack(buf, true)
		if n < len(buf) || len(buf) >= 64*1024*1024 {
			return string(buf[:n])
		}
		buf = make([]byte, len(buf)*2)
	}
}

// GetStackTrace returns the current goroutine's stack trace
func GetStackTrace() string {
	buf := make([]byte, 8192)
	n := runtime.Stack(buf, false)
	return string(buf[:n])
}

// RecoverWithCrashFile is deferred at the top of main.
func RecoverWithCrashFile() {
	if r := recover(); r != nil {
		WriteCrashFile(r, GetStackTrace())
		os.Exit(1)
	}
}
