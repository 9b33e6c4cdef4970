// Package service is AgentPulse's supervisor: the long-lived loop that
// owns identity, the queue, the relay pool, and group state, and drains
// the command journal into the result journal. It generalizes the
// teacher's main.go startup sequence (config -> keys -> rooms/groups/
// contacts -> pool -> program) from a TUI program loop into a headless
// cooperative scheduler, and borrows opd-ai-toxcore's
// MessageManager.ProcessPendingMessages shape for the queue tick.
package service

import (
	"context"
	"encoding/json"
	"os"
	"time"

	"github.com/agentpulse/agentpulse/apperr"
	"github.com/agentpulse/agentpulse/config"
	"github.com/agentpulse/agentpulse/cryptoutil"
	"github.com/agentpulse/agentpulse/group"
	"github.com/agentpulse/agentpulse/identity"
	"github.com/agentpulse/agentpulse/ipc"
	"github.com/agentpulse/agentpulse/pathreg"
	"github.com/agentpulse/agentpulse/queue"
	"github.com/agentpulse/agentpulse/relaypool"
	"github.com/agentpulse/agentpulse/storagekey"
	"github.com/nbd-wtf/go-nostr"
	"github.com/sirupsen/logrus"
)

// Supervisor owns every running component for one agent instance and
// drives the cooperative command/queue/health tick loop.
type Supervisor struct {
	cfg  config.Config
	reg  pathreg.Registry
	log  *logrus.Logger
	cust *storagekey.Custodian

	id       identity.Identity
	queue    *queue.Queue
	relays   *relaypool.Pool
	groups   *group.Manager
	journals *ipc.Journals
	inbound  <-chan nostr.Event

	releasePID func()
	startedAt  time.Time
	processed  map[string]bool
}

// New resolves (and creates, if absent) cfg's data directory and builds
// the storage-key custodian and IPC journals. Identity, queue, relay pool
// and group state are loaded later, in Start.
func New(cfg config.Config, log *logrus.Logger) (*Supervisor, error) {
	reg, err := pathreg.New(cfg.DataDir)
	if err != nil {
		return nil, apperr.Wrap(apperr.ServiceStartFailed, "resolve data directory", err)
	}

	cust := storagekey.New(reg, time.Duration(cfg.StorageKeyRotationDays)*24*time.Hour)

	s := &Supervisor{
		cfg:       cfg,
		reg:       reg,
		log:       log,
		cust:      cust,
		journals:  ipc.New(reg),
		processed: make(map[string]bool),
	}
	return s, nil
}

// Start acquires the PID lock, loads identity/queue/group state,
// connects relays, and returns once the service is ready to run Loop.
// Mirrors main.go's startup sequence, generalized to a headless service
// (spec.md §4.I step (i)-(iv)).
func (s *Supervisor) Start(ctx context.Context, pool *nostr.SimplePool) error {
	if s.cfg.Ephemeral {
		s.log.Info("ephemeral mode: skipping PID file persistence")
	} else {
		release, err := ipc.AcquirePIDFile(s.reg)
		if err != nil {
			return err
		}
		s.releasePID = release
	}

	id, err := identity.Load(s.reg, s.cust)
	if err != nil {
		s.release()
		return apperr.Wrap(apperr.ServiceStartFailed, "load identity", err)
	}
	s.id = id

	q, err := queue.New(s.reg, queue.Params{
		MaxRetries:   s.cfg.QueueMaxRetries,
		BaseDelay:    s.cfg.QueueBaseDelay,
		Factor:       s.cfg.QueueFactor,
		TTL:          s.cfg.QueueTTL,
		MaxQueueSize: s.cfg.QueueMaxSize,
	})
	if err != nil {
		s.release()
		return apperr.Wrap(apperr.ServiceStartFailed, "load outbound queue", err)
	}
	s.queue = q

	s.relays = relaypool.New(s.reg, s.log)
	for _, url := range s.cfg.Relays {
		s.relays.AddRelay(relaypool.NewWebsocketRelay(pool, url))
	}
	s.relays.AttachSimplePool(pool)
	if err := s.relays.Connect(ctx); err != nil {
		s.log.WithError(err).Warn("one or more relays failed to connect at startup")
	}

	groups, err := group.NewManager(s.reg, s.cust, s.controlEventSink(ctx))
	if err != nil {
		s.release()
		return apperr.Wrap(apperr.ServiceStartFailed, "load group directory", err)
	}
	s.groups = groups
	s.inbound = s.mergeInbound(ctx, s.inboundFilters())

	s.startedAt = time.Now()
	s.log.WithField("pubkey", s.id.PublicKeyHex).Info("service started")
	return nil
}

// release runs the PID-file release callback if one was acquired
// (ephemeral mode never acquires one).
func (s *Supervisor) release() {
	if s.releasePID != nil {
		s.releasePID()
	}
}

// controlEventSink publishes group control events to the relay pool as
// kind-9000-range events (nostr_group.go's builder pattern, generalized
// to locally-defined kinds per SPEC_FULL §4.H).
func (s *Supervisor) controlEventSink(ctx context.Context) group.ControlEventSink {
	return func(evt group.ControlEvent) {
		data, err := json.Marshal(evt)
		if err != nil {
			return
		}
		nevt := nostr.Event{
			PubKey:    s.id.PublicKeyHex,
			CreatedAt: nostr.Now(),
			Kind:      9000,
			Content:   string(data),
			Tags:      nostr.Tags{{"t", evt.Kind}, {"g", evt.GroupID}},
		}
		if err := nevt.Sign(s.id.SecretKeyHex); err != nil {
			s.log.WithError(err).Warn("failed to sign control event")
			return
		}
		go s.relays.Publish(ctx, nevt)
	}
}

// Identity exposes the loaded identity for callers composing commands.
func (s *Supervisor) Identity() identity.Identity { return s.id }

// Queue exposes the outbound queue for command dispatch.
func (s *Supervisor) Queue() *queue.Queue { return s.queue }

// Groups exposes the group manager for command dispatch.
func (s *Supervisor) Groups() *group.Manager { return s.groups }

// Relays exposes the relay pool for command dispatch and health ticks.
func (s *Supervisor) Relays() *relaypool.Pool { return s.relays }

// Journals exposes the IPC journals for command dispatch.
func (s *Supervisor) Journals() *ipc.Journals { return s.journals }

// QueueTick attempts to publish every due queue entry, honoring
// mark_success/mark_failure and the returned can_retry (spec.md §4.I).
func (s *Supervisor) QueueTick(ctx context.Context, encode func(queue.Entry) (nostr.Event, error)) {
	for _, entry := range s.queue.Pending() {
		evt, err := encode(entry)
		if err != nil {
			_, _ = s.queue.MarkFailure(entry.ID, err)
			continue
		}
		results := s.relays.Publish(ctx, evt)
		if relaypool.AllFailed(results) {
			canRetry, err := s.queue.MarkFailure(entry.ID, apperr.New(apperr.RelayAllFailed, "no relay accepted the publish"))
			if err != nil {
				s.log.WithError(err).Warn("failed to record queue failure")
			}
			if !canRetry {
				s.log.WithField("entry", entry.ID).Warn("message retries exhausted")
				if _, err := s.queue.CleanExpired(); err != nil {
					s.log.WithError(err).Warn("failed to drop exhausted queue entries")
				}
			}
			continue
		}
		if err := s.queue.MarkSuccess(entry.ID); err != nil {
			s.log.WithError(err).Warn("failed to record queue success")
		}
	}
}

// HealthTick overwrites health.json with current liveness/queue/relay
// status (spec.md §4.I).
func (s *Supervisor) HealthTick() {
	st := s.queue.Status()
	snap := s.relays.Snapshot()
	up := 0
	for _, rs := range snap {
		if rs.Connected {
			up++
		}
	}
	h := ipc.Health{
		PID:          os.Getpid(),
		StartedAt:    s.startedAt,
		LastTick:     time.Now(),
		QueuePending: st.Pending,
		QueueWaiting: st.Waiting,
		RelaysUp:     up,
		RelaysTotal:  len(snap),
	}
	if err := s.journals.WriteHealth(h); err != nil {
		s.log.WithError(err).Warn("failed to write health file")
	}
}

// Shutdown flushes the queue journal, removes the PID file, and logs
// completion (spec.md §4.I's shutdown step).
func (s *Supervisor) Shutdown() {
	if s.queue != nil {
		if err := s.queue.Compact(); err != nil {
			s.log.WithError(err).Warn("failed to compact queue on shutdown")
		}
		_ = s.queue.Close()
	}
	if s.relays != nil {
		if err := s.relays.Close(); err != nil {
			s.log.WithError(err).Warn("failed to close relay pool")
		}
	}
	s.release()
	s.log.Info("service stopped")
}

// ensureCanSendDirect validates a direct-message recipient before
// queuing, backing error scenario S1.
func ensureCanSendDirect(pubkey string) error {
	return cryptoutil.ValidatePubkeyHex(pubkey)
}
