// Command agentpulse runs the long-lived AgentPulse service: it loads
// configuration and identity, connects to relays, and drives the
// cooperative command/queue/health tick loop until signaled to stop.
// Generalizes the teacher's main.go startup sequence (config -> keys ->
// pool -> program) into a headless daemon.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/agentpulse/agentpulse/config"
	"github.com/agentpulse/agentpulse/logging"
	"github.com/agentpulse/agentpulse/service"
	"github.com/nbd-wtf/go-nostr"
	"github.com/nbd-wtf/go-nostr/keyer"
)

func main() {
	configFlag := flag.String("config", "", "path to config file")
	flag.Parse()

	cfg, err := config.Load(*configFlag)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config error: %v\n", err)
		os.Exit(1)
	}

	log := logging.New(cfg.LogLevel)
	log.WithField("relays", len(cfg.Relays)).Info("config loaded")

	sup, err := service.New(cfg, log)
	if err != nil {
		log.WithError(err).Fatal("failed to construct service")
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	// The NIP-42 signer needs the loaded identity's secret key, so the
	// auth handler defers to it lazily; no relay challenges a signature
	// before Start has populated the identity.
	var sign func(context.Context, *nostr.Event) error
	pool := nostr.NewSimplePool(ctx, nostr.WithAuthHandler(func(ctx context.Context, ie nostr.RelayEvent) error {
		log.WithField("relay", ie.Relay.URL).Debug("NIP-42 auth requested")
		return sign(ctx, ie.Event)
	}))

	if err := sup.Start(ctx, pool); err != nil {
		log.WithError(err).Fatal("failed to start service")
	}
	kr, err := keyer.NewPlainKeySigner(sup.Identity().SecretKeyHex)
	if err != nil {
		log.WithError(err).Fatal("failed to construct relay signer")
	}
	sign = kr.SignEvent

	cmdTicker := time.NewTicker(cfg.CmdPollInterval)
	queueTicker := time.NewTicker(cfg.CmdPollInterval)
	healthTicker := time.NewTicker(cfg.HealthUpdateInterval)
	defer cmdTicker.Stop()
	defer queueTicker.Stop()
	defer healthTicker.Stop()

	sup.Loop(ctx, cmdTicker.C, queueTicker.C, healthTicker.C)

	sup.Shutdown()
}
