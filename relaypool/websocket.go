package relaypool

import (
	"context"

	"github.com/agentpulse/agentpulse/apperr"
	"github.com/nbd-wtf/go-nostr"
)

// WebsocketRelay is the production Relay implementation, backed by a
// single *nostr.SimplePool entry. It mirrors the teacher's
// pool.EnsureRelay(url) / relay.Publish(ctx, evt) call pattern, wrapped
// behind the Relay interface so relaypool.Pool doesn't depend on the
// pool type directly.
type WebsocketRelay struct {
	url  string
	pool *nostr.SimplePool
}

// NewWebsocketRelay returns a Relay backed by pool for the given relay
// URL. The underlying connection is established lazily by the pool on
// first use (EnsureRelay), matching the teacher's connection model.
func NewWebsocketRelay(pool *nostr.SimplePool, url string) *WebsocketRelay {
	return &WebsocketRelay{url: url, pool: pool}
}

func (w *WebsocketRelay) URL() string { return w.url }

// Connect eagerly ensures a live connection to the relay, surfacing the
// failure up front instead of waiting for the first Publish/Subscribe.
func (w *WebsocketRelay) Connect(ctx context.Context) error {
	_, err := w.pool.EnsureRelay(w.url)
	if err != nil {
		return apperr.Wrap(apperr.NetworkSendFailed, "connect to relay "+w.url, err)
	}
	return nil
}

// Close is a no-op: teardown of the shared *nostr.SimplePool connection
// set is owned by relaypool.Pool.Close via AttachSimplePool, since
// individual relay URLs share one underlying pool and aren't meaningfully
// closeable in isolation.
func (w *WebsocketRelay) Close() error { return nil }

// Publish ensures a live connection to the relay and publishes evt,
// normalizing any failure into apperr's NetworkSendFailed.
func (w *WebsocketRelay) Publish(ctx context.Context, evt nostr.Event) error {
	r, err := w.pool.EnsureRelay(w.url)
	if err != nil {
		return apperr.Wrap(apperr.NetworkSendFailed, "connect to relay "+w.url, err)
	}
	if err := r.Publish(ctx, evt); err != nil {
		return apperr.Wrap(apperr.NetworkSendFailed, "publish to relay "+w.url, err)
	}
	return nil
}

// Subscribe opens a live subscription against this one relay.
func (w *WebsocketRelay) Subscribe(ctx context.Context, filter nostr.Filter) (<-chan nostr.Event, error) {
	out := make(chan nostr.Event)
	go func() {
		defer close(out)
		for ie := range w.pool.SubscribeMany(ctx, []string{w.url}, filter) {
			if ie.Event == nil {
				continue
			}
			select {
			case out <- *ie.Event:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}
