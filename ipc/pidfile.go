package ipc

import (
	"os"
	"strconv"
	"strings"
	"syscall"

	"github.com/agentpulse/agentpulse/apperr"
	"github.com/agentpulse/agentpulse/pathreg"
)

// AcquirePIDFile enforces single-writer access to the data directory
// (spec.md §5: "a second service instance detecting a live PID must
// exit with SERVICE_ALREADY_RUNNING"). It returns a release func that
// removes the PID file; callers must defer it.
func AcquirePIDFile(reg pathreg.Registry) (release func(), err error) {
	path := reg.PIDFile()

	if data, readErr := os.ReadFile(path); readErr == nil {
		if pid, parseErr := strconv.Atoi(strings.TrimSpace(string(data))); parseErr == nil && pid > 0 {
			if processAlive(pid) {
				return nil, apperr.New(apperr.ServiceAlreadyRunning, "a service instance is already running")
			}
		}
		// stale PID file from a crashed instance; overwrite it below.
	}

	if err := os.WriteFile(path, []byte(strconv.Itoa(os.Getpid())), 0o600); err != nil {
		return nil, apperr.Wrap(apperr.FileError, "write PID file", err)
	}
	return func() { _ = os.Remove(path) }, nil
}

// ServiceRunning reports whether a live service instance currently holds
// reg's PID file (spec.md §8 scenario S2's SERVICE_NOT_RUNNING check).
func ServiceRunning(reg pathreg.Registry) bool {
	data, err := os.ReadFile(reg.PIDFile())
	if err != nil {
		return false
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil || pid <= 0 {
		return false
	}
	return processAlive(pid)
}

// processAlive reports whether pid refers to a live process, using
// signal 0 (no-op delivery, existence check only).
func processAlive(pid int) bool {
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	return proc.Signal(syscall.Signal(0)) == nil
}
