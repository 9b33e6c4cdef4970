package service

import (
	"context"
	"time"

	"github.com/agentpulse/agentpulse/apperr"
	"github.com/agentpulse/agentpulse/queue"
	"github.com/nbd-wtf/go-nostr"
)

// Event kinds for AgentPulse's own traffic. Direct messages are published
// as NIP-04 kind 4 events (content + "p" tag), since nbd-wtf/go-nostr's
// dedup and relay acceptance paths already understand them; group
// messages are published as kind 42 events carrying a "g" tag with the
// group ID.
const (
	KindDirectMessage = 4
	KindGroupMessage  = 42
)

// Loop runs the cooperative command/queue/health tick scheduler until
// ctx is canceled (spec.md §4.I's main loop). Each tick is driven by its
// own ticker so a slow queue tick never starves health reporting.
func (s *Supervisor) Loop(ctx context.Context, cmdTick, queueTick, healthTick <-chan TickSignal) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-cmdTick:
			s.commandTick()
		case <-queueTick:
			s.QueueTick(ctx, s.encodeEntry)
		case <-healthTick:
			s.HealthTick()
		case evt, ok := <-s.inbound:
			if !ok {
				s.inbound = nil
				continue
			}
			s.handleInboundEvent(evt)
		}
	}
}

// TickSignal is the payload of a ticker channel (time.Ticker.C delivers
// a time.Time); named so Loop's signature documents intent at call sites
// instead of reading <-chan time.Time three times over.
type TickSignal = time.Time

// commandTick drains every not-yet-processed command from commands.jsonl,
// dispatches it, and appends the result (spec.md §4.I's command tick).
// processed tracks command IDs across ticks since ReadCommands always
// returns the whole journal, not just new lines.
func (s *Supervisor) commandTick() {
	commands, err := s.journals.ReadCommands()
	if err != nil {
		s.log.WithError(err).Warn("failed to read command journal")
		return
	}
	for _, cmd := range commands {
		if s.processed[cmd.ID] {
			continue
		}
		s.processed[cmd.ID] = true
		result := s.Dispatch(cmd)
		if err := s.journals.AppendResult(result); err != nil {
			s.log.WithError(err).Warn("failed to append command result")
		}
	}
}

// encodeEntry turns a queued outbound entry into the signed nostr.Event
// its kind publishes as.
func (s *Supervisor) encodeEntry(entry queue.Entry) (nostr.Event, error) {
	var evt nostr.Event
	switch entry.Kind {
	case queue.KindDirect:
		evt = nostr.Event{
			PubKey:    s.id.PublicKeyHex,
			CreatedAt: nostr.Now(),
			Kind:      KindDirectMessage,
			Content:   entry.Content,
			Tags:      nostr.Tags{{"p", entry.Target}},
		}
	case queue.KindGroup:
		evt = nostr.Event{
			PubKey:    s.id.PublicKeyHex,
			CreatedAt: nostr.Now(),
			Kind:      KindGroupMessage,
			Content:   entry.Content,
			Tags:      nostr.Tags{{"g", entry.Target}},
		}
	default:
		return evt, apperr.Newf(apperr.InternalError, "unknown queue entry kind %q", entry.Kind)
	}
	if err := evt.Sign(s.id.SecretKeyHex); err != nil {
		return evt, apperr.Wrap(apperr.InternalError, "sign outbound event", err)
	}
	return evt, nil
}
