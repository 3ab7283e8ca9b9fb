// Command forkworker is a worker process with the diagnostics context compiled in.
// It is started by a parent, never by hand:
//
//	forkworker <pulse-ms> <call-timeout-ms> <wait-timeout-ms> [--codec json|cbor]
package main

import (
	"os"

	"forkrpc/diagnostics"
	"forkrpc/server"
)

func main() {
	os.Exit(server.Main(os.Args[1:], diagnostics.Catalog()))
}
