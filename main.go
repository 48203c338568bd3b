// Command kernelctl boots, drives, and introspects the hosted kernel
// simulation implemented by this module: virtual memory, the
// scheduler, signals, deferred work, TCP, and VirtIO devices.
//
// Subcommands:
//
//	serve     - boot an instance and serve its debug/metrics HTTP surface
//	scenario  - replay one of the seed end-to-end scenarios
//	console   - attach an interactive raw-mode console
//	version   - print version information
package main

import (
	"fmt"
	"os"

	"github.com/breenix/breenix-go/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}
