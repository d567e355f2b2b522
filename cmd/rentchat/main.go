package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"rentchat/internal/api"
	"rentchat/internal/auth"
	"rentchat/internal/config"
	"rentchat/internal/logging"
	"rentchat/internal/realtime"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

type options struct {
	configPath string
	token      string
	verbose    bool
}

func newRootCmd() *cobra.Command {
	opts := &options{}
	root := &cobra.Command{
		Use:           "rentchat",
		Short:         "Terminal client for rental conversations and notifications",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&opts.configPath, "config", "", "YAML config file")
	root.PersistentFlags().StringVar(&opts.token, "token", "", "bearer token (overrides config and RENTCHAT_TOKEN)")
	root.PersistentFlags().BoolVarP(&opts.verbose, "verbose", "v", false, "debug logging")

	root.AddCommand(newChatCmd(opts), newNotificationsCmd(opts))
	return root
}

// session is everything one login shares: a single realtime connection and the REST client.
type session struct {
	cfg      config.Client
	identity auth.Identity
	socket   *realtime.Manager
	api      *api.Client
}

func (o *options) connect(ctx context.Context) (*session, error) {
	cfg, err := config.LoadClient(o.configPath)
	if err != nil {
		return nil, err
	}
	if o.token != "" {
		cfg.Token = o.token
	}
	level := cfg.LogLevel
	if o.verbose {
		level = "debug"
	}
	logging.Setup(level, true, os.Stderr)

	identity, err := auth.Inspect(cfg.Token, time.Now())
	if err != nil {
		return nil, errors.Wrap(err, "token")
	}

	socket, err := realtime.NewManager(realtime.Options{
		Dialer:      &realtime.WebsocketDialer{URL: cfg.ServerURL, HandshakeTimeout: cfg.HTTPTimeout.D()},
		MaxAttempts: cfg.Reconnect.MaxAttempts,
		BackoffStep: cfg.Reconnect.BackoffStep.D(),
		MaxPending:  cfg.MaxPending,
		PingPeriod:  cfg.PingPeriod.D(),
	})
	if err != nil {
		return nil, err
	}
	socket.Subscribe(realtime.EventDisconnect, func(json.RawMessage) {
		log.Warn().Msg("connection lost, reconnecting")
	})
	socket.Subscribe(realtime.EventConnectFailed, func(data json.RawMessage) {
		log.Error().RawJSON("detail", data).Msg("gave up reconnecting")
	})
	if err := socket.Connect(ctx, cfg.Token); err != nil {
		return nil, err
	}

	client, err := api.New(api.Config{BaseURL: cfg.APIURL, Token: cfg.Token, Timeout: cfg.HTTPTimeout.D()})
	if err != nil {
		socket.Disconnect()
		return nil, err
	}
	log.Debug().Str("user_id", identity.UserID).Str("server", cfg.ServerURL).Msg("connected")
	return &session{cfg: cfg, identity: identity, socket: socket, api: client}, nil
}

func (s *session) close() {
	s.socket.Disconnect()
}
