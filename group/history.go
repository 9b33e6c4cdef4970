package group

import (
	"bufio"
	"encoding/json"
	"os"
	"sort"
	"time"

	"github.com/agentpulse/agentpulse/apperr"
)

// HistoryEntry is one archived group message, written to the per-group
// history journal (spec.md §4.H: "per-group message history is capped
// at GROUP_HISTORY_LIMIT entries").
type HistoryEntry struct {
	EventID   string    `json:"event_id"`
	Sender    string    `json:"sender"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
}

// AppendHistory appends entry to groupID's history journal, trimming to
// HistoryLimit most-recent entries via write-temp-then-rename.
func (m *Manager) AppendHistory(groupID string, entry HistoryEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	existing, err := m.readHistoryLocked(groupID)
	if err != nil {
		return err
	}
	for _, e := range existing {
		if e.EventID == entry.EventID {
			return nil // already recorded
		}
	}
	existing = append(existing, entry)
	if len(existing) > HistoryLimit {
		existing = existing[len(existing)-HistoryLimit:]
	}
	return m.writeHistoryLocked(groupID, existing)
}

// SyncHistory merges externally-sourced history entries (e.g. replayed
// from a relay after rejoining) into the capped per-group history file,
// deduplicating by event ID. Supplements spec.md §4.H's operation list,
// which names "history sync" in its header without a dedicated op.
func (m *Manager) SyncHistory(groupID string, events []HistoryEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	existing, err := m.readHistoryLocked(groupID)
	if err != nil {
		return err
	}
	seen := make(map[string]bool, len(existing))
	for _, e := range existing {
		seen[e.EventID] = true
	}
	merged := existing
	for _, e := range events {
		if seen[e.EventID] {
			continue
		}
		seen[e.EventID] = true
		merged = append(merged, e)
	}
	sort.Slice(merged, func(i, j int) bool { return merged[i].Timestamp.Before(merged[j].Timestamp) })
	if len(merged) > HistoryLimit {
		merged = merged[len(merged)-HistoryLimit:]
	}
	return m.writeHistoryLocked(groupID, merged)
}

// History returns groupID's currently stored history, oldest first.
func (m *Manager) History(groupID string) ([]HistoryEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.readHistoryLocked(groupID)
}

func (m *Manager) readHistoryLocked(groupID string) ([]HistoryEntry, error) {
	path, err := m.reg.GroupHistoryFile(groupID)
	if err != nil {
		return nil, apperr.Wrap(apperr.FileError, "resolve group history path", err)
	}
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, apperr.Wrap(apperr.FileError, "open group history journal", err)
	}
	defer f.Close()

	var out []HistoryEntry
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var e HistoryEntry
		if err := json.Unmarshal(line, &e); err != nil {
			continue
		}
		out = append(out, e)
	}
	return out, scanner.Err()
}

func (m *Manager) writeHistoryLocked(groupID string, entries []HistoryEntry) error {
	path, err := m.reg.GroupHistoryFile(groupID)
	if err != nil {
		return apperr.Wrap(apperr.FileError, "resolve group history path", err)
	}
	var buf []byte
	for _, e := range entries {
		line, err := json.Marshal(e)
		if err != nil {
			return apperr.Wrap(apperr.InternalError, "marshal history entry", err)
		}
		buf = append(buf, line...)
		buf = append(buf, '\n')
	}
	return writeFileAtomic(path, buf)
}
