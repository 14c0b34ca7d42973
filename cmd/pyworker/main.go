// Command pyworker runs the sidecar worker-proxy: it authenticates
// signed client requests, forwards them to a co-located model server,
// tracks workload metrics, reports status to the autoscaler, and tails
// the model server's log to drive the loading/benchmark lifecycle.
package main

import (
	"fmt"
	"os"
)

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "pyworker: %v\n", err)
		os.Exit(1)
	}
}
