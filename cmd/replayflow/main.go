// Command replayflow runs orchestration workers and manages instances.
//
// Usage:
//
//	replayflow [--config FILE] [--json] <command> [flags]
//
// Commands:
//
//	worker     Recover pending instances and process tasks
//	start      Start an orchestration instance
//	status     Show an instance
//	history    Show the history of an instance
//	list       List instances
//	terminate  Terminate a running instance
//	purge      Remove a finished instance
//	demo       Run the chaining and fan-out sample in memory
package main

import (
	"fmt"
	"os"
)

// version is set through ldflags.
var version = "dev"

func main() {
	if err := newRootCmd(os.Stdout, os.Stderr).Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
