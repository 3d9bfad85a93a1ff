// Package main implements orocosctl, the command line front-end of the
// runtime control layer: it supervises deployments, resolves tasks and
// applies task configurations.
package main

import (
	"fmt"
	"log/slog"
	"os"
	"runtime"
)

// Build information, set through -ldflags
var (
	Version   = "0.1.0"
	BuildTime = "dev"
)

const appName = "orocosctl"

func main() {
	defer func() {
		if r := recover(); r != nil {
			buf := make([]byte, 4096)
			n := runtime.Stack(buf, false)
			_, _ = fmt.Fprintf(os.Stderr, "PANIC: %v\nStack trace:\n%s\n", r, string(buf[:n]))
			os.Exit(2)
		}
	}()

	if err := newRootCmd().Execute(); err != nil {
		slog.Error("Command failed", "error", err, "exit_code", 1)
		os.Exit(1)
	}
}
