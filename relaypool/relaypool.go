// Package relaypool manages AgentPulse's set of relay connections:
// fan-out publish racing every configured relay under a short deadline,
// event-ID dedup for inbound subscriptions, and per-relay health/backoff
// bookkeeping persisted across restarts. It generalizes the teacher's
// nostr_dm.go/nostr_group.go pattern of looping over relay URLs and
// firing EnsureRelay+Publish in per-relay goroutines (previously
// duplicated at every call site) into one reusable component (spec.md
// §4.G).
package relaypool

import (
	"context"
	"encoding/json"
	"os"
	"sync"
	"time"

	"github.com/agentpulse/agentpulse/apperr"
	"github.com/agentpulse/agentpulse/pathreg"
	"github.com/nbd-wtf/go-nostr"
	"github.com/sirupsen/logrus"
)

// PublishTimeout is the per-relay publish deadline (spec.md §5).
const PublishTimeout = 800 * time.Millisecond

// MaxDedupEntries bounds the inbound event-ID dedup cache (spec.md §4.G).
const MaxDedupEntries = 500

// UnhealthyThreshold is the number of consecutive publish failures after
// which a relay is flagged unhealthy and deprioritized (spec.md §4.G:
// "a relay whose last ≥K publish attempts all failed is flagged unhealthy
// and deprioritized but never permanently removed").
const UnhealthyThreshold = 3

// Relay is the narrow interface relaypool needs from a single relay
// connection. The production implementation wraps *nostr.SimplePool;
// tests substitute a fake.
type Relay interface {
	Connect(ctx context.Context) error
	URL() string
	Publish(ctx context.Context, evt nostr.Event) error
	Subscribe(ctx context.Context, filter nostr.Filter) (<-chan nostr.Event, error)
	Close() error
}

// Stats is the persisted health snapshot for one relay.
type Stats struct {
	URL                 string    `json:"url"`
	Connected           bool      `json:"connected"`
	LastSuccess         time.Time `json:"last_success,omitempty"`
	LastFailure         time.Time `json:"last_failure,omitempty"`
	ConsecutiveFailures int       `json:"consecutive_failures"`
	TotalPublished      int64     `json:"total_published"`
	TotalFailed         int64     `json:"total_failed"`
}

// PublishResult is one relay's outcome from a fan-out publish.
type PublishResult struct {
	URL string
	Err error
}

// Pool fans a publish out to every relay concurrently and tracks
// per-relay health. A relay pool outlives individual publishes/
// subscriptions; callers share one Pool per running service.
type Pool struct {
	mu     sync.Mutex
	reg    pathreg.Registry
	log    *logrus.Logger
	relays map[string]Relay
	stats  map[string]*Stats

	dedupOrder []string
	dedup      map[string]struct{}

	// simplePool, if set, is the shared *nostr.SimplePool backing every
	// WebsocketRelay in this Pool. It is closed exactly once from Close,
	// so production callers tear down relays through the pool rather
	// than reaching past this abstraction to close the raw pool.
	simplePool simplePoolCloser
}

// simplePoolCloser is the slice of *nostr.SimplePool's API relaypool
// needs to shut it down; named so Pool doesn't otherwise depend on the
// concrete pool type.
type simplePoolCloser interface {
	Close(reason string)
}

// New constructs an empty pool. Relays are attached with AddRelay.
func New(reg pathreg.Registry, log *logrus.Logger) *Pool {
	p := &Pool{
		reg:    reg,
		log:    log,
		relays: make(map[string]Relay),
		stats:  make(map[string]*Stats),
		dedup:  make(map[string]struct{}),
	}
	p.loadStats()
	return p
}

// AddRelay registers a relay connection under its URL.
func (p *Pool) AddRelay(r Relay) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.relays[r.URL()] = r
	if _, ok := p.stats[r.URL()]; !ok {
		p.stats[r.URL()] = &Stats{URL: r.URL()}
	}
}

// AttachSimplePool records the shared *nostr.SimplePool backing this
// pool's relays, so Close can tear it down exactly once instead of
// callers closing it directly and bypassing this abstraction.
func (p *Pool) AttachSimplePool(sp simplePoolCloser) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.simplePool = sp
}

// Connect eagerly connects every registered relay, logging (but not
// stopping on) individual failures and returning the first error seen,
// if any. Relays left unconnected here still get a connect attempt on
// their next Publish/Subscribe call.
func (p *Pool) Connect(ctx context.Context) error {
	p.mu.Lock()
	relays := make([]Relay, 0, len(p.relays))
	for _, r := range p.relays {
		relays = append(relays, r)
	}
	p.mu.Unlock()

	var firstErr error
	for _, r := range relays {
		if err := r.Connect(ctx); err != nil {
			if p.log != nil {
				p.log.WithError(err).WithField("relay", r.URL()).Warn("relay connect failed")
			}
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}

// Close closes every registered relay and the shared *nostr.SimplePool,
// if attached (spec.md §4.G/§4.I's shutdown step).
func (p *Pool) Close() error {
	p.mu.Lock()
	relays := make([]Relay, 0, len(p.relays))
	for _, r := range p.relays {
		relays = append(relays, r)
	}
	sp := p.simplePool
	p.mu.Unlock()

	var firstErr error
	for _, r := range relays {
		if err := r.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if sp != nil {
		sp.Close("shutdown")
	}
	return firstErr
}

// URLs returns the currently registered relay URLs.
func (p *Pool) URLs() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, 0, len(p.relays))
	for u := range p.relays {
		out = append(out, u)
	}
	return out
}

// Publish fans evt out to every registered relay concurrently, each
// bounded by PublishTimeout, and returns once all attempts have
// settled. It never blocks past PublishTimeout regardless of how many
// relays are configured (spec.md §5).
func (p *Pool) Publish(ctx context.Context, evt nostr.Event) []PublishResult {
	relays := p.fanOutTargets()

	results := make([]PublishResult, len(relays))
	var wg sync.WaitGroup
	for i, r := range relays {
		wg.Add(1)
		go func(i int, r Relay) {
			defer wg.Done()
			pctx, cancel := context.WithTimeout(ctx, PublishTimeout)
			defer cancel()
			err := r.Publish(pctx, evt)
			results[i] = PublishResult{URL: r.URL(), Err: err}
			p.recordResult(r.URL(), err)
		}(i, r)
	}
	wg.Wait()
	p.saveStats()
	return results
}

// fanOutTargets returns the relays a Publish call should attempt:
// healthy relays (ConsecutiveFailures below UnhealthyThreshold) when any
// exist, falling back to every registered relay otherwise — an unhealthy
// relay is deprioritized, never permanently excluded (spec.md §4.G).
func (p *Pool) fanOutTargets() []Relay {
	p.mu.Lock()
	defer p.mu.Unlock()

	healthy := make([]Relay, 0, len(p.relays))
	all := make([]Relay, 0, len(p.relays))
	for url, r := range p.relays {
		all = append(all, r)
		if st := p.stats[url]; st == nil || st.ConsecutiveFailures < UnhealthyThreshold {
			healthy = append(healthy, r)
		}
	}
	if len(healthy) > 0 {
		return healthy
	}
	return all
}

// AllFailed reports whether every result in a Publish call failed,
// the condition under which the caller should fall back to the
// offline queue (spec.md §4.F/§4.G interaction).
func AllFailed(results []PublishResult) bool {
	if len(results) == 0 {
		return true
	}
	for _, r := range results {
		if r.Err == nil {
			return false
		}
	}
	return true
}

func (p *Pool) recordResult(url string, err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	st, ok := p.stats[url]
	if !ok {
		st = &Stats{URL: url}
		p.stats[url] = st
	}
	if err == nil {
		st.Connected = true
		st.LastSuccess = time.Now()
		st.ConsecutiveFailures = 0
		st.TotalPublished++
	} else {
		st.Connected = false
		st.LastFailure = time.Now()
		st.ConsecutiveFailures++
		st.TotalFailed++
		if p.log != nil {
			p.log.WithError(err).WithField("relay", url).Warn("relay publish failed")
		}
	}
}

// Seen reports whether eventID has already been observed, recording it
// if not. The dedup cache is bounded to MaxDedupEntries, evicting the
// oldest entry on overflow (spec.md §4.G).
func (p *Pool) Seen(eventID string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.dedup[eventID]; ok {
		return true
	}
	p.dedup[eventID] = struct{}{}
	p.dedupOrder = append(p.dedupOrder, eventID)
	if len(p.dedupOrder) > MaxDedupEntries {
		oldest := p.dedupOrder[0]
		p.dedupOrder = p.dedupOrder[1:]
		delete(p.dedup, oldest)
	}
	return false
}

// Subscribe opens a subscription against every registered relay and
// merges their events into a single channel, deduplicating by event ID.
func (p *Pool) Subscribe(ctx context.Context, filter nostr.Filter) <-chan nostr.Event {
	p.mu.Lock()
	relays := make([]Relay, 0, len(p.relays))
	for _, r := range p.relays {
		relays = append(relays, r)
	}
	p.mu.Unlock()

	out := make(chan nostr.Event)
	var wg sync.WaitGroup
	for _, r := range relays {
		wg.Add(1)
		go func(r Relay) {
			defer wg.Done()
			ch, err := r.Subscribe(ctx, filter)
			if err != nil {
				if p.log != nil {
					p.log.WithError(err).WithField("relay", r.URL()).Warn("subscribe failed")
				}
				return
			}
			for evt := range ch {
				if p.Seen(evt.ID) {
					continue
				}
				select {
				case out <- evt:
				case <-ctx.Done():
					return
				}
			}
		}(r)
	}
	go func() {
		wg.Wait()
		close(out)
	}()
	return out
}

// Snapshot returns a copy of current per-relay health stats.
func (p *Pool) Snapshot() map[string]Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make(map[string]Stats, len(p.stats))
	for k, v := range p.stats {
		out[k] = *v
	}
	return out
}

func (p *Pool) loadStats() {
	data, err := os.ReadFile(p.reg.RelayStatsFile())
	if err != nil {
		return
	}
	var m map[string]*Stats
	if err := json.Unmarshal(data, &m); err != nil {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	for k, v := range m {
		p.stats[k] = v
	}
}

// saveStats persists the health snapshot via write-temp-then-rename,
// matching the registry's durability convention elsewhere in the
// service (spec.md §4.C's storagekey custodian uses the same pattern).
func (p *Pool) saveStats() {
	p.mu.Lock()
	data, err := json.MarshalIndent(p.stats, "", "  ")
	p.mu.Unlock()
	if err != nil {
		return
	}
	path := p.reg.RelayStatsFile()
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return
	}
	_ = os.Rename(tmp, path)
}

// ErrNoRelaysConfigured is the error value for a pool with no relays.
// Publish does not return it: an empty pool yields an empty result
// slice, which AllFailed reports as a failure.
var ErrNoRelaysConfigured = apperr.New(apperr.RelayAllFailed, "no relays configured")
