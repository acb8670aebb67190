// calltrace attaches to a running process that embeds the calltrace agent
// and streams the method calls it selects.
package main

import (
	"fmt"
	"os"
)

// Version information injected at build time.
var (
	version = "dev"
	commit  = "unknown"
	date    = "unknown"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
