package main

import (
	"context"
	"fmt"
	"os"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"rentchat/internal/api"
	"rentchat/internal/auth"
	"rentchat/internal/chat"
	"rentchat/internal/logging"
	"rentchat/internal/realtime"
)

type params struct {
	baseURL  string
	secret   string
	pairs    int
	messages int
	interval time.Duration
	timeout  time.Duration
}

func main() {
	p := params{}
	cmd := &cobra.Command{
		Use:          "loadtest",
		Short:        "Open guest/host pairs against a relay and exchange messages",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			logging.Setup("info", true, os.Stderr)
			return run(cmd.Context(), p)
		},
	}
	cmd.Flags().StringVar(&p.baseURL, "url", "http://localhost:8080", "relay base url")
	cmd.Flags().StringVar(&p.secret, "secret", os.Getenv("JWT_SECRET"), "relay signing secret, used to mint tokens")
	// Start small: each pair is two sockets and a database row per message.
	cmd.Flags().IntVar(&p.pairs, "pairs", 50, "number of guest/host pairs")
	cmd.Flags().IntVar(&p.messages, "messages", 20, "messages sent by each participant")
	cmd.Flags().DurationVar(&p.interval, "interval", 10*time.Millisecond, "pause between sends")
	cmd.Flags().DurationVar(&p.timeout, "timeout", 2*time.Minute, "overall deadline")

	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}

type counters struct {
	sent      atomic.Int64
	delivered atomic.Int64
	failed    atomic.Int64
}

func run(ctx context.Context, p params) error {
	if p.secret == "" {
		return errors.New("--secret or JWT_SECRET is required")
	}
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	log.Info().Int("users", p.pairs*2).Int("messages", p.messages).Msg("starting load test")
	start := time.Now()
	var c counters

	g, ctx := errgroup.WithContext(ctx)
	for i := 0; i < p.pairs; i++ {
		i := i
		g.Go(func() error {
			if err := runPair(ctx, p, i, &c); err != nil {
				c.failed.Add(1)
				log.Warn().Err(err).Int("pair", i).Msg("pair failed")
			}
			return nil
		})
	}
	_ = g.Wait()

	elapsed := time.Since(start)
	log.Info().
		Int64("sent", c.sent.Load()).
		Int64("delivered", c.delivered.Load()).
		Int64("failed_pairs", c.failed.Load()).
		Dur("elapsed", elapsed).
		Float64("msgs_per_sec", float64(c.delivered.Load())/elapsed.Seconds()).
		Msg("load test complete")
	return nil
}

func runPair(ctx context.Context, p params, pair int, c *counters) error {
	conv := uuid.NewString()
	guestID := fmt.Sprintf("guest-%d", pair)
	hostID := fmt.Sprintf("host-%d", pair)

	guest, err := open(ctx, p, conv, guestID, hostID)
	if err != nil {
		return err
	}
	defer guest.close()
	host, err := open(ctx, p, conv, hostID, guestID)
	if err != nil {
		return err
	}
	defer host.close()

	var g errgroup.Group
	for _, who := range []*participant{guest, host} {
		who := who
		g.Go(func() error {
			for i := 0; i < p.messages; i++ {
				if err := who.session.Send(fmt.Sprintf("load test %d from %s", i, who.id), 0); err != nil {
					return err
				}
				c.sent.Add(1)
				select {
				case <-ctx.Done():
					return ctx.Err()
				case <-time.After(p.interval):
				}
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	// Both sides should end up seeing every message of the pair.
	want := 2 * p.messages
	tick := time.NewTicker(50 * time.Millisecond)
	defer tick.Stop()
	for {
		if n := len(host.session.Messages()); n >= want {
			c.delivered.Add(int64(n))
			return nil
		}
		select {
		case <-ctx.Done():
			n := len(host.session.Messages())
			c.delivered.Add(int64(n))
			return errors.Errorf("host saw %d of %d messages", n, want)
		case <-tick.C:
		}
	}
}

type participant struct {
	id      string
	socket  *realtime.Manager
	session *chat.Session
}

func open(ctx context.Context, p params, conv, userID, peerID string) (*participant, error) {
	token, err := auth.NewValidator(p.secret).Issue(userID, userID, time.Hour)
	if err != nil {
		return nil, err
	}
	wsURL := "ws" + strings.TrimPrefix(strings.TrimSuffix(p.baseURL, "/"), "http") + "/ws"
	socket, err := realtime.NewManager(realtime.Options{Dialer: &realtime.WebsocketDialer{URL: wsURL}})
	if err != nil {
		return nil, err
	}
	if err := socket.Connect(ctx, token); err != nil {
		return nil, errors.Wrapf(err, "%s connect", userID)
	}
	client, err := api.New(api.Config{BaseURL: p.baseURL, Token: token})
	if err != nil {
		socket.Disconnect()
		return nil, err
	}
	session, err := chat.NewSession(chat.SessionConfig{
		ConversationID: conv,
		LocalUserID:    userID,
		RecipientID:    peerID,
		Socket:         socket,
		History:        client,
		Deleter:        client,
	})
	if err != nil {
		socket.Disconnect()
		return nil, err
	}
	if err := session.Open(ctx); err != nil {
		socket.Disconnect()
		return nil, errors.Wrapf(err, "%s open", userID)
	}
	return &participant{id: userID, socket: socket, session: session}, nil
}

func (p *participant) close() {
	_ = p.session.Close()
	p.socket.Disconnect()
}
