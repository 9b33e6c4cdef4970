// Command agentpulse-cli is a thin external collaborator against the
// running agentpulse service: it writes one command to commands.jsonl
// and, unless -no-wait is given, polls results.jsonl for the matching
// response. The service process and this CLI never share memory —
// spec.md §1 treats the CLI as an external client of the IPC surface.
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/agentpulse/agentpulse/apperr"
	"github.com/agentpulse/agentpulse/config"
	"github.com/agentpulse/agentpulse/ipc"
	"github.com/agentpulse/agentpulse/pathreg"
	"github.com/google/uuid"
)

func main() {
	configFlag := flag.String("config", "", "path to config file")
	noWait := flag.Bool("no-wait", false, "submit the command without waiting for a result")
	timeout := flag.Duration("timeout", 5*time.Second, "how long to wait for a result")
	flag.Parse()

	args := flag.Args()
	if len(args) < 1 {
		fmt.Fprintln(os.Stderr, "usage: agentpulse-cli [flags] <op> [key=value ...]")
		os.Exit(2)
	}
	op := args[0]

	cfg, err := config.Load(*configFlag)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config error: %v\n", err)
		os.Exit(1)
	}
	reg, err := pathreg.New(cfg.DataDir)
	if err != nil {
		fmt.Fprintf(os.Stderr, "data directory error: %v\n", err)
		os.Exit(1)
	}
	if result, notRunning := serviceNotRunningResult(reg); notRunning {
		encoded, _ := json.MarshalIndent(result, "", "  ")
		fmt.Println(string(encoded))
		os.Exit(1)
	}
	journals := ipc.New(reg)

	cmd := ipc.Command{
		ID:       uuid.NewString(),
		Op:       op,
		Args:     parseKeyValueArgs(args[1:]),
		IssuedAt: time.Now(),
	}
	if err := journals.AppendCommand(cmd); err != nil {
		fmt.Fprintf(os.Stderr, "failed to submit command: %v\n", err)
		os.Exit(1)
	}
	if *noWait {
		fmt.Println(cmd.ID)
		return
	}

	result, ok := waitForResult(journals, cmd.ID, *timeout)
	if !ok {
		fmt.Fprintf(os.Stderr, "timed out waiting for a result for %s\n", cmd.ID)
		os.Exit(1)
	}
	encoded, _ := json.MarshalIndent(result, "", "  ")
	fmt.Println(string(encoded))
	if !result.OK {
		os.Exit(1)
	}
}

// parseKeyValueArgs turns "key=value" CLI tokens into a command's args
// map, parsing json-looking values (numbers, booleans, arrays, objects)
// when possible and falling back to a plain string otherwise.
func parseKeyValueArgs(tokens []string) map[string]any {
	out := make(map[string]any, len(tokens))
	for _, tok := range tokens {
		key, value, found := strings.Cut(tok, "=")
		if !found {
			continue
		}
		var decoded any
		if err := json.Unmarshal([]byte(value), &decoded); err == nil {
			out[key] = decoded
		} else {
			out[key] = value
		}
	}
	return out
}

// serviceNotRunningResult reports whether reg's data directory currently
// lacks a live service instance, returning the spec's SERVICE_NOT_RUNNING
// envelope when so (spec.md §8 scenario S2: send while the service is
// down must fail deterministically, not poll until timeout).
func serviceNotRunningResult(reg pathreg.Registry) (ipc.Result, bool) {
	if ipc.ServiceRunning(reg) {
		return ipc.Result{}, false
	}
	return ipc.FailureResult("", apperr.New(apperr.ServiceNotRunning, "no agentpulse service is running for this data directory")), true
}

func waitForResult(journals *ipc.Journals, commandID string, timeout time.Duration) (ipc.Result, bool) {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		results, err := journals.ReadResults()
		if err == nil {
			for _, r := range results {
				if r.CommandID == commandID {
					return r, true
				}
			}
		}
		time.Sleep(100 * time.Millisecond)
	}
	return ipc.Result{}, false
}
