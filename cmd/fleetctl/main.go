// Command fleetctl is a thin command-line front end over the fleetcored
// HTTP surface — status checks, diagnostics, and day-to-day server /
// reboot-plan operations an operator would otherwise reach for curl to
// do. Adapted from the teacher's cmd/goclaw subcommand dispatch shape
// (flag.Args()-based routing, exit-code propagation, isatty-gated
// color), replacing the chat/skill/MCP-management subcommands with
// fleet operations.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/mattn/go-isatty"
)

// Version is set via ldflags at build time: -ldflags "-X main.Version=..."
var Version = "v0.1-dev"

var useColor = isatty.IsTerminal(os.Stdout.Fd())

func printUsage() {
	fmt.Fprintf(os.Stderr, `Usage: %s <command> [args]

COMMANDS:
  status                      Ping the daemon and print its response
  doctor [-json]              Run local diagnostic checks
  servers list                List known servers
  servers get <uuid>          Show one server
  reboot-plans list           List reboot plans
  reboot-plans create <uuid>...   Create a plan for the given servers
  reboot-plans run <uuid>     Transition a plan to running
  reboot-plans cancel <uuid>  Cancel a plan
  version                     Print fleetctl version

FLAGS:
  -addr <addr>   fleetcored base address (default http://127.0.0.1:8080)
`, os.Args[0])
}

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	if len(args) == 0 {
		printUsage()
		return 2
	}

	addr := "http://127.0.0.1:8080"
	filtered := make([]string, 0, len(args))
	for i := 0; i < len(args); i++ {
		if args[i] == "-addr" && i+1 < len(args) {
			addr = args[i+1]
			i++
			continue
		}
		filtered = append(filtered, args[i])
	}
	if len(filtered) == 0 {
		printUsage()
		return 2
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cmd := strings.ToLower(strings.TrimSpace(filtered[0]))
	rest := filtered[1:]

	switch cmd {
	case "help", "-h", "--help":
		printUsage()
		return 0
	case "version", "-v", "--version":
		fmt.Println(Version)
		return 0
	case "status":
		return runStatusCommand(ctx, addr)
	case "doctor":
		return runDoctorCommand(ctx, rest)
	case "servers":
		return runServersCommand(ctx, addr, rest)
	case "reboot-plans":
		return runRebootPlansCommand(ctx, addr, rest)
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n", cmd)
		printUsage()
		return 2
	}
}

func statusIcon(ok bool) string {
	if !useColor {
		if ok {
			return "[ok]"
		}
		return "[fail]"
	}
	if ok {
		return "\033[32m✓\033[0m"
	}
	return "\033[31m✗\033[0m"
}
