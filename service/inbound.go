package service

import (
	"context"
	"sync"
	"time"

	"github.com/agentpulse/agentpulse/cryptoutil"
	"github.com/agentpulse/agentpulse/group"
	"github.com/agentpulse/agentpulse/ipc"
	"github.com/nbd-wtf/go-nostr"
)

// inboundFilters builds the subscription filters for this agent's own
// direct messages plus every group it currently belongs to (spec.md
// §4.I's inbound dispatch step).
func (s *Supervisor) inboundFilters() []nostr.Filter {
	filters := []nostr.Filter{
		{Kinds: []int{KindDirectMessage}, Tags: nostr.TagMap{"p": {s.id.PublicKeyHex}}},
	}
	var groupIDs []string
	for _, g := range s.groups.ListGroups() {
		if _, ok := g.Members[s.id.PublicKeyHex]; ok {
			groupIDs = append(groupIDs, g.ID)
		}
	}
	if len(groupIDs) > 0 {
		filters = append(filters, nostr.Filter{Kinds: []int{KindGroupMessage}, Tags: nostr.TagMap{"g": groupIDs}})
	}
	return filters
}

// mergeInbound opens one relaypool subscription per filter and fans every
// event into a single channel, preserving the cooperative single-consumer
// delivery model Loop's select already drains (spec.md §5).
func (s *Supervisor) mergeInbound(ctx context.Context, filters []nostr.Filter) <-chan nostr.Event {
	out := make(chan nostr.Event)
	var wg sync.WaitGroup
	for _, f := range filters {
		wg.Add(1)
		go func(f nostr.Filter) {
			defer wg.Done()
			for evt := range s.relays.Subscribe(ctx, f) {
				select {
				case out <- evt:
				case <-ctx.Done():
					return
				}
			}
		}(f)
	}
	go func() {
		wg.Wait()
		close(out)
	}()
	return out
}

// handleInboundEvent decrypts and journals one event delivered off the
// merged inbound channel, ignoring this agent's own echoed events.
func (s *Supervisor) handleInboundEvent(evt nostr.Event) {
	if evt.PubKey == s.id.PublicKeyHex {
		return
	}
	switch evt.Kind {
	case KindDirectMessage:
		s.handleInboundDirect(evt)
	case KindGroupMessage:
		s.handleInboundGroup(evt)
	}
}

func (s *Supervisor) handleInboundDirect(evt nostr.Event) {
	plaintext, err := cryptoutil.DecryptDirect(s.id.SecretKeyHex, evt.PubKey, evt.Content)
	if err != nil {
		s.log.WithError(err).WithField("from", evt.PubKey).Warn("failed to decrypt inbound direct message")
		return
	}
	msg := ipc.Message{
		EventID:   evt.ID,
		Kind:      "direct",
		From:      evt.PubKey,
		Content:   string(plaintext),
		Timestamp: time.Now(),
	}
	if err := s.journals.AppendMessage(msg); err != nil {
		s.log.WithError(err).Warn("failed to append inbound message")
	}
}

func (s *Supervisor) handleInboundGroup(evt nostr.Event) {
	groupID := firstTagValue(evt.Tags, "g")
	if groupID == "" {
		return
	}
	topic, err := s.groupTopic(groupID)
	if err != nil {
		return
	}
	plaintext, err := cryptoutil.DecryptGroup(topic, evt.Content)
	if err != nil {
		s.log.WithError(err).WithField("group", groupID).Warn("failed to decrypt inbound group message")
		return
	}
	if err := s.groups.RecordSeen(groupID, evt.PubKey); err != nil {
		s.log.WithError(err).Warn("failed to record member last-seen")
	}
	entry := group.HistoryEntry{EventID: evt.ID, Sender: evt.PubKey, Content: string(plaintext), Timestamp: time.Now()}
	if err := s.groups.AppendHistory(groupID, entry); err != nil {
		s.log.WithError(err).Warn("failed to append group history")
	}
	msg := ipc.Message{
		EventID:   evt.ID,
		Kind:      "group",
		From:      evt.PubKey,
		GroupID:   groupID,
		Content:   string(plaintext),
		Timestamp: time.Now(),
	}
	if err := s.journals.AppendMessage(msg); err != nil {
		s.log.WithError(err).Warn("failed to append inbound message")
	}
}

func firstTagValue(tags nostr.Tags, key string) string {
	for _, t := range tags {
		if len(t) >= 2 && t[0] == key {
			return t[1]
		}
	}
	return ""
}
