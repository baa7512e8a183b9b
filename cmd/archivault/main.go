// Command archivault extracts possibly deeply nested archives into a
// per-workspace content-addressable store with security hardening,
// checkpointed resume, and structured audit logging.
package main

import (
	"fmt"
	"os"
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
