// Command settld runs the settlement substrate: an event-sourced API
// server plus the background workers that dispatch, verify, settle, and
// deliver. Subcommands cover operational chores that do not need a
// running server: health probes, token minting, retention sweeps, and a
// configuration doctor.
package main

import (
	"fmt"
	"io"
	"net/http"
	"os"
	"time"
)

func main() {
	os.Exit(Run(os.Args, os.Stdout, os.Stderr))
}

// startServer is a variable so tests can stub the long-running path.
var startServer = runServer

// Run dispatches to a subcommand. No argument starts the server, matching
// how the container entrypoint invokes the binary.
func Run(args []string, stdout, stderr io.Writer) int {
	if len(args) < 2 {
		return startServer(stdout, stderr)
	}

	switch args[1] {
	case "server", "serve":
		return startServer(stdout, stderr)
	case "doctor":
		return runDoctorCmd(stdout, stderr)
	case "health":
		return runHealthCmd(stdout, stderr)
	case "keys":
		return runKeysCmd(args[2:], stdout, stderr)
	case "maintenance":
		return runMaintenanceCmd(args[2:], stdout, stderr)
	case "version":
		fmt.Fprintf(stdout, "settld %s\n", buildVersion())
		return 0
	case "help", "--help", "-h":
		printUsage(stdout)
		return 0
	default:
		if args[1][0] == '-' {
			return startServer(stdout, stderr)
		}
		fmt.Fprintf(stderr, "Unknown command: %s\n", args[1])
		printUsage(stderr)
		return 2
	}
}

func buildVersion() string {
	if b := os.Getenv("BUILD"); b != "" {
		return b
	}
	return "dev"
}

// ANSI colors for terminal output.
const (
	ColorReset  = "\033[0m"
	ColorBold   = "\033[1m"
	ColorRed    = "\033[31m"
	ColorGreen  = "\033[32m"
	ColorYellow = "\033[33m"
	ColorBlue   = "\033[34m"
	ColorCyan   = "\033[36m"
	ColorGray   = "\033[37m"
)

func printUsage(w io.Writer) {
	fmt.Fprintln(w, "")
	fmt.Fprintf(w, "%sSettld %s%s\n", ColorBold+ColorBlue, buildVersion(), ColorReset)
	fmt.Fprintf(w, "%sVerifiable settlement for autonomous work.%s\n", ColorGray, ColorReset)
	fmt.Fprintln(w, "")
	fmt.Fprintf(w, "%sUSAGE:%s\n", ColorBold, ColorReset)
	fmt.Fprintln(w, "  settld <command> [flags]")
	fmt.Fprintln(w, "")

	printSection(w, "SERVER")
	printCommand(w, "server", "Run the API server and workers (default)")
	printCommand(w, "doctor", "Check configuration and dependencies")
	printCommand(w, "health", "Probe a running server over HTTP")

	printSection(w, "OPERATIONS")
	printCommand(w, "keys", "Manage signing material and bearer tokens (mint/show)")
	printCommand(w, "maintenance", "Run one retention sweep and exit")

	printSection(w, "UTILITIES")
	printCommand(w, "version", "Show version information")
	printCommand(w, "help", "Show this help")
	fmt.Fprintln(w, "")
}

func printSection(w io.Writer, title string) {
	fmt.Fprintf(w, "%s%s:%s\n", ColorBold+ColorCyan, title, ColorReset)
}

func printCommand(w io.Writer, name, desc string) {
	fmt.Fprintf(w, "  %s%-12s%s %s\n", ColorGreen, name, ColorReset, desc)
}

// runHealthCmd probes the /healthz endpoint of a locally running server.
func runHealthCmd(out, errOut io.Writer) int {
	port := os.Getenv("PORT")
	if port == "" {
		port = "8080"
	}
	client := &http.Client{Timeout: 5 * time.Second}
	resp, err := client.Get("http://localhost:" + port + "/healthz")
	if err != nil {
		fmt.Fprintf(errOut, "Health check failed: %v\n", err)
		return 1
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		fmt.Fprintf(errOut, "Health check failed: status %d\n", resp.StatusCode)
		return 1
	}

	fmt.Fprintln(out, "OK")
	return 0
}
