package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"rentchat/internal/auth"
	"rentchat/internal/config"
	"rentchat/internal/db"
	"rentchat/internal/logging"
	myMiddleware "rentchat/internal/middleware"
	"rentchat/internal/relay"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var (
		configPath string
		pretty     bool
	)
	root := &cobra.Command{
		Use:           "relay",
		Short:         "Reference realtime relay for rental conversations",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&configPath, "config", "", "YAML config file")
	root.PersistentFlags().BoolVar(&pretty, "pretty", false, "human readable logs")

	load := func() (config.Relay, error) {
		cfg, err := config.LoadRelay(configPath)
		if err != nil {
			return config.Relay{}, err
		}
		logging.Setup(cfg.LogLevel, pretty, os.Stderr)
		return cfg, nil
	}

	root.AddCommand(newServeCmd(load), newTokenCmd(load))
	return root
}

func newServeCmd(load func() (config.Relay, error)) *cobra.Command {
	var addr string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the websocket relay and the REST endpoints",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := load()
			if err != nil {
				return err
			}
			if addr != "" {
				cfg.Addr = addr
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return serve(ctx, cfg)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "http service address (overrides config)")
	return cmd
}

func serve(ctx context.Context, cfg config.Relay) error {
	var store relay.Store = relay.NewMemoryStore()
	if cfg.DBDSN != "" {
		database, err := db.NewDatabase(ctx, cfg.DBDSN)
		if err != nil {
			return errors.Wrap(err, "connect to postgres")
		}
		defer database.Close()
		log.Info().Msg("connected to postgres")

		if err := database.AutoMigrate(ctx); err != nil {
			return errors.Wrap(err, "migrate")
		}
		store = relay.NewRepository(database.Conn)
	} else {
		log.Warn().Msg("DB_DSN not set, keeping messages in memory")
	}

	var redisClient *redis.Client
	if cfg.RedisAddr != "" {
		redisClient = redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		defer redisClient.Close()
		if err := redisClient.Ping(ctx).Err(); err != nil {
			return errors.Wrap(err, "connect to redis")
		}
		log.Info().Str("addr", cfg.RedisAddr).Msg("connected to redis")
	}

	hub := relay.NewHub(store, redisClient, cfg.ExpiryInterval.D())
	go hub.Run(ctx)
	go hub.SubscribeToRedis(ctx)

	authMiddleware := myMiddleware.NewAuthMiddleware(auth.NewValidator(cfg.JWTSecret))
	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           relay.NewRouter(relay.NewHandler(hub, store), authMiddleware.Handle),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info().Str("addr", cfg.Addr).Msg("relay listening")
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			return errors.Wrap(err, "listen")
		}
		return nil
	case <-ctx.Done():
	}

	log.Info().Msg("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

// newTokenCmd mints a development token signed with the relay secret.
func newTokenCmd(load func() (config.Relay, error)) *cobra.Command {
	var (
		userID string
		name   string
		ttl    time.Duration
	)
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Issue a signed token for local testing",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := load()
			if err != nil {
				return err
			}
			token, err := auth.NewValidator(cfg.JWTSecret).Issue(userID, name, ttl)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			return nil
		},
	}
	cmd.Flags().StringVar(&userID, "user", "", "user id carried in the token")
	cmd.Flags().StringVar(&name, "name", "", "display name")
	cmd.Flags().DurationVar(&ttl, "ttl", 24*time.Hour, "token lifetime")
	_ = cmd.MarkFlagRequired("user")
	return cmd
}
