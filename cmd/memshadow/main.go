// Package main implements the memshadow CLI tool.
//
// The memshadow tool drives a heap-tracking session from a recorded event
// trace and post-processes the per-run log directories a session leaves
// behind:
//
//	memshadow replay trace.txt          # Replay allocator events
//	memshadow summary app.4242.000      # Summarize a run directory
//	memshadow symquery /lib/libc.so.6   # Inspect a symbol cache file
package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/pflag"

	"github.com/kolkov/memshadow/heapstat"
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	command := os.Args[1]

	var err error
	switch command {
	case "replay":
		err = replayCommand(os.Args[2:])
	case "summary":
		err = summaryCommand(os.Args[2:])
	case "symquery":
		err = symqueryCommand(os.Args[2:])
	case "version", "--version", "-v":
		info := heapstat.GetInfo()
		fmt.Printf("memshadow version %s (symbol cache format %d)\n", info.Version, info.CacheFormat)
	case "help", "--help", "-h":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n", command)
		printUsage()
		os.Exit(1)
	}
	if err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			os.Exit(0)
		}
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Print(`memshadow - heap usage profiler and shadow memory checker

USAGE:
    memshadow <command> [arguments]

COMMANDS:
    replay     Drive a session from a text event trace
    summary    Summarize the logs of a finished run
    symquery   Print the cached symbols of a module
    version    Show version information
    help       Show this help message

EXAMPLES:
    # Replay a trace, snapshotting every 1000 allocations
    memshadow replay --time-unit allocs --dump-freq 1000 trace.txt

    # Replay with options from a file and export the peak as pprof
    memshadow replay --config memshadow.ini --pprof peak.pb.gz trace.txt

    # Summarize a run directory
    memshadow summary ./app.4242.000

    # Show what the symbol cache holds for a module
    memshadow symquery --dir ./symcache /usr/lib/libc.so.6

Run 'memshadow <command> --help' for the flags of a command.

`)
}
