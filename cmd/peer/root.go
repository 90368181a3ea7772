package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/dkeye/Duet/internal/chat"
	"github.com/dkeye/Duet/internal/chat/keys"
	"github.com/dkeye/Duet/internal/client"
	"github.com/dkeye/Duet/internal/client/signaling"
	"github.com/dkeye/Duet/internal/config"
	"github.com/dkeye/Duet/internal/domain"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
)

// leave closes p while the link is still up, so the hub hears leave, and
// only then cancels the run context.
func leave(p interface{ Close() error }, cancel context.CancelFunc) error {
	err := p.Close()
	cancel()
	return err
}

var flags struct {
	identity   string
	server     string
	invite     string
	autoAccept bool
	plain      bool
	verbose    bool
}

var rootCmd = &cobra.Command{
	Use:   "duet-peer",
	Short: "chat with one peer over a direct WebRTC data channel",
	Long: `duet-peer registers an identity with a Duet hub, invites or accepts a peer and
then sends every line read from stdin as a chat message over the data channel.`,
	Args:         cobra.NoArgs,
	SilenceUsage: true,
	RunE:         run,
}

func init() {
	f := rootCmd.Flags()
	f.StringVar(&flags.identity, "identity", "", "identity to register (e.g. alice@example.com)")
	f.StringVar(&flags.server, "server", "", "hub websocket URL (default from config)")
	f.StringVar(&flags.invite, "invite", "", "identity to invite once registered")
	f.BoolVar(&flags.autoAccept, "auto-accept", false, "accept incoming invites without asking")
	f.BoolVar(&flags.plain, "plain", false, "send chat messages unencrypted")
	f.BoolVarP(&flags.verbose, "verbose", "v", false, "log at debug level")
}

func run(cmd *cobra.Command, _ []string) error {
	if flags.verbose {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	}
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	pc := cfg.Peer
	if flags.identity != "" {
		pc.Identity = flags.identity
	}
	if flags.server != "" {
		pc.ServerURL = flags.server
	}
	if flags.plain {
		pc.Encrypt = false
	}
	identity, err := domain.ParseIdentity(pc.Identity)
	if err != nil {
		return fmt.Errorf("--identity: %w", err)
	}

	kp, err := keys.Generate()
	if err != nil {
		return err
	}
	publicKey := ""
	if pc.Encrypt {
		publicKey = kp.PublicBase64()
	}

	peer := client.New(client.Options{
		Identity:  identity,
		PublicKey: publicKey,
		Signaling: signaling.Options{
			URL: pc.ServerURL,
			Policy: signaling.Policy{
				InitialDelay:  pc.ReconnectDelay,
				MaxDelay:      pc.ReconnectMaxDelay,
				MaxAttempts:   pc.ReconnectAttempts,
				RegisterRetry: pc.RegisterRetry,
			},
			WriteWait: cfg.WriteWait,
			PongWait:  cfg.PongWait,
		},
		Dial:          client.PionDialer(pc.ICEServers, nil),
		InviteTimeout: pc.InviteTimeout,
	})

	ctx, cancel := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	ui := &console{
		out:     cmd.OutOrStdout(),
		self:    identity.String(),
		peer:    peer,
		codec:   chat.NewCodec(kp, pc.Encrypt),
		history: chat.NewHistory(pc.MessageTTL),
		invite:  flags.invite,
		accept:  flags.autoAccept,
	}
	go ui.watch(ctx)
	go func() {
		ui.readInput(ctx, os.Stdin)
		_ = leave(peer, cancel)
	}()

	runErr := peer.Run(ctx)
	if err := leave(peer, cancel); err != nil && runErr == nil {
		runErr = err
	}
	if runErr != nil && ctx.Err() == nil {
		return runErr
	}
	return nil
}
