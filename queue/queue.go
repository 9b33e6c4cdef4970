// Package queue implements AgentPulse's durable outbound message queue:
// exponential-backoff retries, TTL expiry, and crash-safe
// append-then-atomic-replace journaling (spec.md §4.F). It generalizes
// the teacher pack's messaging.MessageManager (opd-ai-toxcore) — pending
// queue, per-message retry count and last-attempt bookkeeping — from an
// in-memory friend-message queue into a durable, journaled, kind/target
// addressed one.
package queue

import (
	"bufio"
	"encoding/json"
	"os"
	"sync"
	"time"

	"github.com/agentpulse/agentpulse/apperr"
	"github.com/agentpulse/agentpulse/pathreg"
)

// Kind distinguishes direct (per-recipient) from group (per-topic)
// outbound messages.
type Kind string

const (
	KindDirect Kind = "direct"
	KindGroup  Kind = "group"
)

// Params configures the queue's retry/backoff/TTL/size policy. Zero
// values are replaced with spec.md §3/§4.F's documented defaults by New.
type Params struct {
	MaxRetries   int
	BaseDelay    time.Duration
	Factor       float64
	TTL          time.Duration
	MaxQueueSize int
}

// DefaultParams returns spec.md's documented defaults: 3 max retries,
// 1s base delay, factor 2, 24h TTL, 10,000 entry cap.
func DefaultParams() Params {
	return Params{MaxRetries: 3, BaseDelay: time.Second, Factor: 2, TTL: 24 * time.Hour, MaxQueueSize: 10000}
}

func (p Params) withDefaults() Params {
	d := DefaultParams()
	if p.MaxRetries <= 0 {
		p.MaxRetries = d.MaxRetries
	}
	if p.BaseDelay <= 0 {
		p.BaseDelay = d.BaseDelay
	}
	if p.Factor <= 0 {
		p.Factor = d.Factor
	}
	if p.TTL <= 0 {
		p.TTL = d.TTL
	}
	if p.MaxQueueSize <= 0 {
		p.MaxQueueSize = d.MaxQueueSize
	}
	return p
}

// Entry is a single outbound message record (spec.md §3).
type Entry struct {
	ID          string    `json:"id"`
	Kind        Kind      `json:"kind"`
	Target      string    `json:"target"`
	Content     string    `json:"content"`
	CreatedAt   time.Time `json:"created_at"`
	RetryCount  int       `json:"retry_count"`
	NextRetryAt time.Time `json:"next_retry_at"`
	LastError   string    `json:"last_error,omitempty"`
}

// journalRecord is the on-disk shape of a journal line. Deletions are
// recorded as tombstones (Deleted=true) so append-only replay can drop
// entries that were later marked successful without rewriting history
// until the next Compact.
type journalRecord struct {
	Entry
	Deleted bool `json:"deleted,omitempty"`
}

// Status summarizes queue occupancy for health reporting (spec.md §4.I).
type Status struct {
	Total   int `json:"total"`
	Pending int `json:"pending"`
	Waiting int `json:"waiting"`
}

// Queue is AgentPulse's durable outbound message queue.
type Queue struct {
	mu     sync.Mutex
	reg    pathreg.Registry
	params Params

	entries map[string]*Entry
	order   []string // enqueue order, for per-target FIFO (spec.md §5)

	journal *os.File
}

// New loads (or creates) the queue journal and returns a ready Queue.
func New(reg pathreg.Registry, params Params) (*Queue, error) {
	q := &Queue{
		reg:     reg,
		params:  params.withDefaults(),
		entries: make(map[string]*Entry),
	}
	if err := q.load(); err != nil {
		return nil, err
	}
	f, err := os.OpenFile(reg.OfflineQueueFile(), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, apperr.Wrap(apperr.FileError, "open offline queue journal", err)
	}
	q.journal = f
	return q, nil
}

// load replays the journal at startup, dropping entries past TTL
// (spec.md §4.F: "crash recovery replays the journal ... ignoring
// entries past TTL").
func (q *Queue) load() error {
	f, err := os.Open(q.reg.OfflineQueueFile())
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return apperr.Wrap(apperr.FileError, "open offline queue journal", err)
	}
	defer f.Close()

	now := time.Now()
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var rec journalRecord
		if err := json.Unmarshal(line, &rec); err != nil {
			continue // skip malformed lines rather than fail startup
		}
		if rec.Deleted {
			delete(q.entries, rec.ID)
			continue
		}
		if now.Sub(rec.CreatedAt) > q.params.TTL {
			continue
		}
		e := rec.Entry
		if _, exists := q.entries[e.ID]; !exists {
			q.order = append(q.order, e.ID)
		}
		cp := e
		q.entries[e.ID] = &cp
	}
	return scanner.Err()
}

func (q *Queue) appendJournal(rec journalRecord) error {
	line, err := json.Marshal(rec)
	if err != nil {
		return apperr.Wrap(apperr.InternalError, "marshal queue journal record", err)
	}
	line = append(line, '\n')
	if _, err := q.journal.Write(line); err != nil {
		return apperr.Wrap(apperr.FileError, "append queue journal", err)
	}
	return q.journal.Sync()
}

// Enqueue assigns an ID, appends the entry to the journal, and returns
// the ID. Overflow past MaxQueueSize is rejected with a retryable error
// (spec.md §4.F).
func (q *Queue) Enqueue(kind Kind, target, content string) (string, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.entries) >= q.params.MaxQueueSize {
		return "", apperr.New(apperr.NetworkSendFailed, "outbound queue is full")
	}

	now := time.Now()
	e := &Entry{
		ID:          pathreg.NewID(),
		Kind:        kind,
		Target:      target,
		Content:     content,
		CreatedAt:   now,
		RetryCount:  0,
		NextRetryAt: now,
	}
	if err := q.appendJournal(journalRecord{Entry: *e}); err != nil {
		return "", err
	}
	q.entries[e.ID] = e
	q.order = append(q.order, e.ID)
	return e.ID, nil
}

// MarkSuccess removes a successfully published entry.
func (q *Queue) MarkSuccess(id string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if _, ok := q.entries[id]; !ok {
		return nil
	}
	delete(q.entries, id)
	q.removeFromOrder(id)
	return q.appendJournal(journalRecord{Entry: Entry{ID: id}, Deleted: true})
}

// MarkFailure records a failed publish attempt, computing the next
// retry time with exponential backoff. It returns false once
// retry_count exceeds MaxRetries, signaling the caller that no more
// retries will be attempted (spec.md §4.F).
func (q *Queue) MarkFailure(id string, failErr error) (canRetry bool, err error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	e, ok := q.entries[id]
	if !ok {
		return false, nil
	}

	msg := "unknown error"
	if failErr != nil {
		msg = failErr.Error()
	}
	e.LastError = msg
	e.RetryCount++
	delay := backoffDelay(q.params.BaseDelay, q.params.Factor, e.RetryCount)
	e.NextRetryAt = time.Now().Add(delay)

	if err := q.appendJournal(journalRecord{Entry: *e}); err != nil {
		return false, err
	}
	return e.RetryCount <= q.params.MaxRetries, nil
}

func backoffDelay(base time.Duration, factor float64, retryCount int) time.Duration {
	mult := 1.0
	for i := 1; i < retryCount; i++ {
		mult *= factor
	}
	return time.Duration(float64(base) * mult)
}

// Pending returns entries due for a retry attempt (next_retry_at <= now
// and TTL not exceeded), in enqueue order.
func (q *Queue) Pending() []Entry {
	q.mu.Lock()
	defer q.mu.Unlock()

	now := time.Now()
	var out []Entry
	for _, id := range q.order {
		e, ok := q.entries[id]
		if !ok {
			continue
		}
		if now.Sub(e.CreatedAt) > q.params.TTL {
			continue
		}
		if e.NextRetryAt.After(now) {
			continue
		}
		out = append(out, *e)
	}
	return out
}

// Status summarizes current occupancy.
func (q *Queue) Status() Status {
	q.mu.Lock()
	defer q.mu.Unlock()

	now := time.Now()
	st := Status{Total: len(q.entries)}
	for _, id := range q.order {
		e, ok := q.entries[id]
		if !ok {
			continue
		}
		if e.NextRetryAt.After(now) {
			st.Waiting++
		} else {
			st.Pending++
		}
	}
	return st
}

// CleanExpired removes entries older than TTL or with exhausted
// retries, returning the count removed.
func (q *Queue) CleanExpired() (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	now := time.Now()
	removed := 0
	for _, id := range append([]string{}, q.order...) {
		e, ok := q.entries[id]
		if !ok {
			continue
		}
		expired := now.Sub(e.CreatedAt) > q.params.TTL
		exhausted := e.RetryCount > q.params.MaxRetries
		if expired || exhausted {
			delete(q.entries, id)
			q.removeFromOrder(id)
			if err := q.appendJournal(journalRecord{Entry: Entry{ID: id}, Deleted: true}); err != nil {
				return removed, err
			}
			removed++
		}
	}
	return removed, nil
}

// Compact rewrites the journal from the in-memory map via
// write-temp-then-atomic-rename, bounding journal growth (spec.md
// §4.F).
func (q *Queue) Compact() error {
	q.mu.Lock()
	defer q.mu.Unlock()

	path := q.reg.OfflineQueueFile()
	tmp := path + ".tmp"

	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return apperr.Wrap(apperr.FileError, "open temporary queue journal", err)
	}
	for _, id := range q.order {
		e, ok := q.entries[id]
		if !ok {
			continue
		}
		line, err := json.Marshal(journalRecord{Entry: *e})
		if err != nil {
			f.Close()
			return apperr.Wrap(apperr.InternalError, "marshal queue journal record", err)
		}
		if _, err := f.Write(append(line, '\n')); err != nil {
			f.Close()
			return apperr.Wrap(apperr.FileError, "write temporary queue journal", err)
		}
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return apperr.Wrap(apperr.FileError, "sync temporary queue journal", err)
	}
	f.Close()

	if q.journal != nil {
		q.journal.Close()
	}
	if err := os.Rename(tmp, path); err != nil {
		return apperr.Wrap(apperr.FileError, "rename queue journal into place", err)
	}
	nf, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o600)
	if err != nil {
		return apperr.Wrap(apperr.FileError, "reopen queue journal", err)
	}
	q.journal = nf
	return nil
}

// Close releases the journal file handle.
func (q *Queue) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.journal == nil {
		return nil
	}
	return q.journal.Close()
}

func (q *Queue) removeFromOrder(id string) {
	for i, oid := range q.order {
		if oid == id {
			q.order = append(q.order[:i], q.order[i+1:]...)
			return
		}
	}
}
