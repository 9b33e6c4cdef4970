// Package ipc implements AgentPulse's local command/result/message
// surface: append-only JSON-lines journals plus an atomically-rewritten
// health snapshot. It generalizes the teacher's config.go line-delimited
// helpers (LoadRooms/AppendRoom/RemoveRoom) from whitespace-delimited
// text records to JSON-lines, and reuses logging.go's backward-seek
// trimming idea (readLastNLines) for read_messages' clear semantics.
package ipc

import (
	"bufio"
	"encoding/json"
	"os"
	"time"

	"github.com/agentpulse/agentpulse/apperr"
	"github.com/agentpulse/agentpulse/pathreg"
)

// MaxMessagesKeep bounds the inbound message journal on read-with-clear
// (spec.md §5).
const MaxMessagesKeep = 1000

// Command is one line of commands.jsonl.
type Command struct {
	ID     string         `json:"id"`
	Op     string         `json:"op"`
	Args   map[string]any `json:"args,omitempty"`
	IssuedAt time.Time    `json:"issued_at"`
}

// ErrorPayload is the failure half of a Result envelope (spec.md §6).
type ErrorPayload struct {
	Code       string `json:"code"`
	CodeKey    string `json:"code_key"`
	Message    string `json:"message"`
	Suggestion string `json:"suggestion,omitempty"`
	Severity   string `json:"severity"`
	Category   string `json:"category"`
	Retryable  bool   `json:"retryable"`
	Details    any    `json:"details,omitempty"`
}

// Result is one line of results.jsonl, correlated to a Command by ID.
type Result struct {
	CommandID string         `json:"command_id"`
	OK        bool           `json:"ok"`
	Payload   map[string]any `json:"payload,omitempty"`
	Error     *ErrorPayload  `json:"error,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// SuccessResult builds an {ok:true, payload, timestamp} envelope. The
// payload map is nested under the "payload" key; its fields are not
// merged into the top level of the envelope.
func SuccessResult(commandID string, payload map[string]any) Result {
	return Result{CommandID: commandID, OK: true, Payload: payload, Timestamp: time.Now()}
}

// FailureResult builds an {ok:false, error:{...}, timestamp} envelope
// from an apperr.Error.
func FailureResult(commandID string, err *apperr.Error) Result {
	return Result{
		CommandID: commandID,
		OK:        false,
		Error: &ErrorPayload{
			CodeKey:    err.CodeKey(),
			Message:    err.Message,
			Suggestion: err.Suggestion(),
			Severity:   string(err.Severity()),
			Category:   string(err.Category()),
			Retryable:  err.Retryable(),
			Details:    err.Details,
		},
		Timestamp: time.Now(),
	}
}

// Message is one inbound decrypted event recorded to messages.jsonl.
type Message struct {
	EventID   string    `json:"event_id"`
	Kind      string    `json:"kind"` // "direct" or "group"
	From      string    `json:"from"`
	GroupID   string    `json:"group_id,omitempty"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
}

// Health is the atomically-rewritten liveness snapshot (health.json).
type Health struct {
	PID           int       `json:"pid"`
	StartedAt     time.Time `json:"started_at"`
	LastTick      time.Time `json:"last_tick"`
	QueuePending  int       `json:"queue_pending"`
	QueueWaiting  int       `json:"queue_waiting"`
	RelaysUp      int       `json:"relays_up"`
	RelaysTotal   int       `json:"relays_total"`
}

// Journals bundles the three append-only journal files plus the health
// snapshot under one registry-rooted handle.
type Journals struct {
	reg pathreg.Registry
}

// New returns a Journals handle rooted at reg.
func New(reg pathreg.Registry) *Journals { return &Journals{reg: reg} }

func appendLine(path string, v any) error {
	line, err := json.Marshal(v)
	if err != nil {
		return apperr.Wrap(apperr.InternalError, "marshal journal record", err)
	}
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o600)
	if err != nil {
		return apperr.Wrap(apperr.FileError, "open journal for append", err)
	}
	defer f.Close()
	if _, err := f.Write(append(line, '\n')); err != nil {
		return apperr.Wrap(apperr.FileError, "append journal line", err)
	}
	return f.Sync()
}

// AppendCommand appends a CLI-submitted command.
func (j *Journals) AppendCommand(c Command) error {
	return appendLine(j.reg.CommandsJournal(), c)
}

// AppendResult appends a service-produced result.
func (j *Journals) AppendResult(r Result) error {
	return appendLine(j.reg.ResultsJournal(), r)
}

// AppendMessage appends an inbound decrypted message.
func (j *Journals) AppendMessage(m Message) error {
	return appendLine(j.reg.MessagesJournal(), m)
}

// ReadCommands returns every command currently journaled, in file order.
func (j *Journals) ReadCommands() ([]Command, error) {
	var out []Command
	err := readLines(j.reg.CommandsJournal(), func(line []byte) {
		var c Command
		if json.Unmarshal(line, &c) == nil {
			out = append(out, c)
		}
	})
	return out, err
}

// ReadResults returns every result currently journaled, in file order.
func (j *Journals) ReadResults() ([]Result, error) {
	var out []Result
	err := readLines(j.reg.ResultsJournal(), func(line []byte) {
		var r Result
		if json.Unmarshal(line, &r) == nil {
			out = append(out, r)
		}
	})
	return out, err
}

// ReadMessages returns every journaled inbound message. When clear is
// true, the journal is atomically truncated to the most recent
// MaxMessagesKeep entries afterward (spec.md §4.J's
// "read_messages(clear: bool)").
func (j *Journals) ReadMessages(clear bool) ([]Message, error) {
	var out []Message
	path := j.reg.MessagesJournal()
	if err := readLines(path, func(line []byte) {
		var m Message
		if json.Unmarshal(line, &m) == nil {
			out = append(out, m)
		}
	}); err != nil {
		return nil, err
	}
	if !clear {
		return out, nil
	}

	kept := out
	if len(kept) > MaxMessagesKeep {
		kept = kept[len(kept)-MaxMessagesKeep:]
	}
	if err := rewriteJournal(path, kept); err != nil {
		return nil, err
	}
	return out, nil
}

func readLines(path string, handle func(line []byte)) error {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return apperr.Wrap(apperr.FileError, "open journal for read", err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		cp := make([]byte, len(line))
		copy(cp, line)
		handle(cp)
	}
	return scanner.Err()
}

// rewriteJournal replaces path's contents via write-temp-then-rename —
// rotation/truncation happens only via atomic-replace, never in-place
// (spec.md §4.J).
func rewriteJournal(path string, messages []Message) error {
	tmp := path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return apperr.Wrap(apperr.FileError, "open temporary journal", err)
	}
	for _, m := range messages {
		line, err := json.Marshal(m)
		if err != nil {
			f.Close()
			return apperr.Wrap(apperr.InternalError, "marshal message", err)
		}
		if _, err := f.Write(append(line, '\n')); err != nil {
			f.Close()
			return apperr.Wrap(apperr.FileError, "write temporary journal", err)
		}
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return apperr.Wrap(apperr.FileError, "sync temporary journal", err)
	}
	f.Close()
	if err := os.Rename(tmp, path); err != nil {
		return apperr.Wrap(apperr.FileError, "rename journal into place", err)
	}
	return nil
}

// WriteHealth overwrites health.json atomically.
func (j *Journals) WriteHealth(h Health) error {
	data, err := json.MarshalIndent(h, "", "  ")
	if err != nil {
		return apperr.Wrap(apperr.InternalError, "marshal health snapshot", err)
	}
	path := j.reg.HealthFile()
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return apperr.Wrap(apperr.FileError, "write temporary health file", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return apperr.Wrap(apperr.FileError, "rename health file into place", err)
	}
	return nil
}

// ReadHealth reads the current health snapshot, if any.
func (j *Journals) ReadHealth() (Health, bool, error) {
	data, err := os.ReadFile(j.reg.HealthFile())
	if err != nil {
		if os.IsNotExist(err) {
			return Health{}, false, nil
		}
		return Health{}, false, apperr.Wrap(apperr.FileError, "read health file", err)
	}
	var h Health
	if err := json.Unmarshal(data, &h); err != nil {
		return Health{}, false, apperr.Wrap(apperr.FileError, "parse health file", err)
	}
	return h, true, nil
}
