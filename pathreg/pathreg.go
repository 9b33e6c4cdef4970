// Package pathreg is the single source of truth for every file path
// AgentPulse persists under an agent's data directory, plus local ID
// generation. It mirrors the teacher's config.go helpers (configPath,
// roomsPath, groupsPath, ...) generalized into one typed value instead of
// a family of ad-hoc *Path functions.
package pathreg

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"

	"github.com/agentpulse/agentpulse/apperr"
)

// Registry resolves every persisted path under a single data directory.
// It is a plain value — per the cyclic-global-state design note, callers
// pass it explicitly rather than reaching for a package-level static.
type Registry struct {
	root string
}

// New resolves dir to an absolute path, creates it (mode 0700) if absent,
// and returns a Registry rooted there. Symlinks in dir itself are
// followed (the directory is expected to be a real mount point); what
// matters for path safety is that files *under* the root never escape it.
func New(dir string) (Registry, error) {
	if dir == "" {
		return Registry{}, fmt.Errorf("pathreg: empty data directory")
	}
	abs, err := filepath.Abs(dir)
	if err != nil {
		return Registry{}, fmt.Errorf("pathreg: resolve %s: %w", dir, err)
	}
	if err := os.MkdirAll(abs, 0o700); err != nil {
		return Registry{}, fmt.Errorf("pathreg: create %s: %w", abs, err)
	}
	resolved, err := filepath.EvalSymlinks(abs)
	if err != nil {
		return Registry{}, fmt.Errorf("pathreg: resolve symlinks for %s: %w", abs, err)
	}
	return Registry{root: resolved}, nil
}

// Root returns the resolved data directory.
func (r Registry) Root() string { return r.root }

// join resolves name under the root and rejects any result that would
// escape it (defense against data-dir swap / traversal attacks).
func (r Registry) join(name string) (string, error) {
	p := filepath.Join(r.root, filepath.Clean("/"+name))
	rel, err := filepath.Rel(r.root, p)
	if err != nil {
		return "", apperr.Wrap(apperr.PathSafety, "pathreg: "+name+" escapes data directory", err)
	}
	if rel == ".." || len(rel) >= 3 && rel[:3] == "../" {
		return "", apperr.New(apperr.PathSafety, "pathreg: "+name+" escapes data directory")
	}
	return p, nil
}

// mustJoin is join without the error return, for the fixed, known-safe
// file names this registry itself defines.
func (r Registry) mustJoin(name string) string {
	p, err := r.join(name)
	if err != nil {
		// name is always one of the constants below; reaching here would
		// be a bug in this file, not bad caller input.
		panic(err)
	}
	return p
}

// PIDFile holds the live service PID (server.pid in spec.md §6).
func (r Registry) PIDFile() string { return r.mustJoin("server.pid") }

// StorageKeyFile holds the at-rest symmetric storage key (.storage_key).
func (r Registry) StorageKeyFile() string { return r.mustJoin(".storage_key") }

// IdentityFile holds the agent's encrypted long-lived keypair.
func (r Registry) IdentityFile() string { return r.mustJoin("identity.enc") }

// MessagesJournal holds inbound decrypted events (messages.jsonl).
func (r Registry) MessagesJournal() string { return r.mustJoin("messages.jsonl") }

// CommandsJournal holds CLI-submitted commands (commands.jsonl).
func (r Registry) CommandsJournal() string { return r.mustJoin("commands.jsonl") }

// ResultsJournal holds command results correlated by ID (results.jsonl).
func (r Registry) ResultsJournal() string { return r.mustJoin("results.jsonl") }

// HealthFile is overwritten atomically on every health tick (health.json).
func (r Registry) HealthFile() string { return r.mustJoin("health.json") }

// GroupsFile holds encrypted-at-rest group directory state (groups.json).
func (r Registry) GroupsFile() string { return r.mustJoin("groups.json") }

// OfflineQueueFile is the durable outbound message queue journal.
func (r Registry) OfflineQueueFile() string { return r.mustJoin("offline_queue.jsonl") }

// RelayStatsFile persists per-relay health/stats (relay_stats.json).
func (r Registry) RelayStatsFile() string { return r.mustJoin("relay_stats.json") }

// GroupHistoryDir is the directory holding per-group history journals.
func (r Registry) GroupHistoryDir() string { return r.mustJoin("group_history") }

// GroupHistoryFile returns the per-group capped history journal path,
// creating group_history/ if it doesn't exist yet.
func (r Registry) GroupHistoryFile(groupID string) (string, error) {
	dir := r.GroupHistoryDir()
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return "", fmt.Errorf("pathreg: create group history dir: %w", err)
	}
	safe := safeFileComponent(groupID)
	return r.join(filepath.Join("group_history", safe+".jsonl"))
}

// safeFileComponent strips path separators out of an ID before it's used
// as a filename, mirroring the teacher's logFilePath sanitization.
func safeFileComponent(s string) string {
	b := make([]byte, 0, len(s))
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9', c == '-', c == '_':
			b = append(b, c)
		default:
			b = append(b, '_')
		}
	}
	if len(b) == 0 {
		return "_"
	}
	return string(b)
}

// NewID returns a random, locally-unique opaque identifier suitable for
// queue entry IDs, group IDs, and command/result correlation IDs.
func NewID() string {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		panic(fmt.Sprintf("pathreg: random ID generation failed: %v", err))
	}
	return hex.EncodeToString(buf)
}
