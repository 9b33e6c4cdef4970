package relaypool

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/agentpulse/agentpulse/pathreg"
	"github.com/nbd-wtf/go-nostr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeRelay is an in-memory Relay for tests: it can be told to always
// fail, to delay past PublishTimeout, or to succeed normally.
type fakeRelay struct {
	mu        sync.Mutex
	url       string
	fail      bool
	delay     time.Duration
	published []nostr.Event
}

func (f *fakeRelay) URL() string { return f.url }

func (f *fakeRelay) Connect(ctx context.Context) error { return nil }

func (f *fakeRelay) Close() error { return nil }

func (f *fakeRelay) Publish(ctx context.Context, evt nostr.Event) error {
	if f.delay > 0 {
		select {
		case <-time.After(f.delay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if f.fail {
		return errors.New("simulated relay failure")
	}
	f.mu.Lock()
	f.published = append(f.published, evt)
	f.mu.Unlock()
	return nil
}

func (f *fakeRelay) Subscribe(ctx context.Context, filter nostr.Filter) (<-chan nostr.Event, error) {
	ch := make(chan nostr.Event)
	close(ch)
	return ch, nil
}

func newTestPool(t *testing.T) *Pool {
	t.Helper()
	reg, err := pathreg.New(t.TempDir())
	require.NoError(t, err)
	return New(reg, nil)
}

func TestPublishFansOutToAllRelays(t *testing.T) {
	p := newTestPool(t)
	r1 := &fakeRelay{url: "wss://one"}
	r2 := &fakeRelay{url: "wss://two"}
	p.AddRelay(r1)
	p.AddRelay(r2)

	results := p.Publish(context.Background(), nostr.Event{ID: "abc"})
	require.Len(t, results, 2)
	for _, r := range results {
		assert.NoError(t, r.Err)
	}
	assert.Len(t, r1.published, 1)
	assert.Len(t, r2.published, 1)
}

func TestPublishOneFailsOneSucceeds(t *testing.T) {
	p := newTestPool(t)
	good := &fakeRelay{url: "wss://good"}
	bad := &fakeRelay{url: "wss://bad", fail: true}
	p.AddRelay(good)
	p.AddRelay(bad)

	results := p.Publish(context.Background(), nostr.Event{ID: "abc"})
	assert.False(t, AllFailed(results))

	snap := p.Snapshot()
	assert.True(t, snap["wss://good"].Connected)
	assert.False(t, snap["wss://bad"].Connected)
	assert.Equal(t, 1, snap["wss://bad"].ConsecutiveFailures)
}

func TestAllFailedWhenEveryRelayFails(t *testing.T) {
	p := newTestPool(t)
	p.AddRelay(&fakeRelay{url: "wss://a", fail: true})
	p.AddRelay(&fakeRelay{url: "wss://b", fail: true})

	results := p.Publish(context.Background(), nostr.Event{ID: "abc"})
	assert.True(t, AllFailed(results))
}

func TestAllFailedOnEmptyResults(t *testing.T) {
	assert.True(t, AllFailed(nil))
}

func TestPublishRespectsPerRelayTimeout(t *testing.T) {
	p := newTestPool(t)
	slow := &fakeRelay{url: "wss://slow", delay: 2 * PublishTimeout}
	p.AddRelay(slow)

	start := time.Now()
	results := p.Publish(context.Background(), nostr.Event{ID: "abc"})
	elapsed := time.Since(start)

	require.Len(t, results, 1)
	assert.Error(t, results[0].Err)
	assert.Less(t, elapsed, PublishTimeout+200*time.Millisecond)
}

func TestSeenDedupsAndBoundsCacheSize(t *testing.T) {
	p := newTestPool(t)
	assert.False(t, p.Seen("id-1"))
	assert.True(t, p.Seen("id-1"))

	for i := 0; i < MaxDedupEntries+10; i++ {
		p.Seen(string(rune(i)) + "-unique")
	}
	p.mu.Lock()
	size := len(p.dedupOrder)
	p.mu.Unlock()
	assert.LessOrEqual(t, size, MaxDedupEntries)
}

func TestUnhealthyRelayDeprioritizedFromFanOut(t *testing.T) {
	p := newTestPool(t)
	good := &fakeRelay{url: "wss://good"}
	bad := &fakeRelay{url: "wss://bad", fail: true}
	p.AddRelay(good)
	p.AddRelay(bad)

	for i := 0; i < UnhealthyThreshold; i++ {
		p.Publish(context.Background(), nostr.Event{ID: "warmup"})
	}
	snap := p.Snapshot()
	require.GreaterOrEqual(t, snap["wss://bad"].ConsecutiveFailures, UnhealthyThreshold)

	bad.mu.Lock()
	bad.published = nil
	bad.mu.Unlock()
	good.mu.Lock()
	good.published = nil
	good.mu.Unlock()

	results := p.Publish(context.Background(), nostr.Event{ID: "after-unhealthy"})
	require.Len(t, results, 1)
	assert.Equal(t, "wss://good", results[0].URL)
	assert.Len(t, good.published, 1)
	assert.Empty(t, bad.published)
}

func TestAllUnhealthyFallsBackToEveryRelay(t *testing.T) {
	p := newTestPool(t)
	a := &fakeRelay{url: "wss://a", fail: true}
	b := &fakeRelay{url: "wss://b", fail: true}
	p.AddRelay(a)
	p.AddRelay(b)

	for i := 0; i < UnhealthyThreshold; i++ {
		p.Publish(context.Background(), nostr.Event{ID: "warmup"})
	}
	snap := p.Snapshot()
	require.GreaterOrEqual(t, snap["wss://a"].ConsecutiveFailures, UnhealthyThreshold)
	require.GreaterOrEqual(t, snap["wss://b"].ConsecutiveFailures, UnhealthyThreshold)

	results := p.Publish(context.Background(), nostr.Event{ID: "after-unhealthy"})
	assert.Len(t, results, 2)
}

func TestConnectCallsEveryRelay(t *testing.T) {
	p := newTestPool(t)
	r1 := &fakeRelay{url: "wss://one"}
	r2 := &fakeRelay{url: "wss://two"}
	p.AddRelay(r1)
	p.AddRelay(r2)

	assert.NoError(t, p.Connect(context.Background()))
}

func TestCloseClosesAttachedSimplePool(t *testing.T) {
	p := newTestPool(t)
	p.AddRelay(&fakeRelay{url: "wss://one"})

	closer := &fakeSimplePoolCloser{}
	p.AttachSimplePool(closer)

	assert.NoError(t, p.Close())
	assert.True(t, closer.closed)
}

type fakeSimplePoolCloser struct {
	closed bool
	reason string
}

func (f *fakeSimplePoolCloser) Close(reason string) {
	f.closed = true
	f.reason = reason
}

func TestStatsPersistAcrossPoolInstances(t *testing.T) {
	reg, err := pathreg.New(t.TempDir())
	require.NoError(t, err)

	p1 := New(reg, nil)
	p1.AddRelay(&fakeRelay{url: "wss://one"})
	p1.Publish(context.Background(), nostr.Event{ID: "x"})

	p2 := New(reg, nil)
	snap := p2.Snapshot()
	require.Contains(t, snap, "wss://one")
	assert.True(t, snap["wss://one"].Connected)
}
