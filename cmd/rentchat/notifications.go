package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"rentchat/internal/notify"
)

func newNotificationsCmd(opts *options) *cobra.Command {
	var (
		markAll bool
		watch   bool
		mute    []string
	)
	cmd := &cobra.Command{
		Use:     "notifications",
		Aliases: []string{"notif"},
		Short:   "List notifications, optionally marking them read or watching for new ones",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			sess, err := opts.connect(ctx)
			if err != nil {
				return err
			}
			defer sess.close()
			out := cmd.OutOrStdout()

			hub, err := notify.NewHub(notify.HubConfig{
				Socket:            sess.socket,
				Backend:           sess.api,
				ResyncOnReconnect: true,
				OnError: func(err error) {
					log.Warn().Err(err).Msg("notification update failed")
				},
			})
			if err != nil {
				return err
			}
			if err := hub.Activate(ctx); err != nil {
				return err
			}
			defer hub.Deactivate()

			if len(mute) > 0 {
				prefs, err := hub.Preferences(ctx)
				if err != nil {
					return err
				}
				prefs.MutedTypes = mute
				if _, err := hub.UpdatePreferences(ctx, prefs); err != nil {
					return err
				}
			}

			printNotifications(out, hub)
			if markAll {
				if err := <-hub.MarkAllAsRead(ctx); err != nil {
					return err
				}
				fmt.Fprintf(out, "* all read, %d unread\n", hub.UnreadCount())
			}
			if !watch {
				return nil
			}

			sub := sess.socket.Subscribe(notify.EventNotification, func(data json.RawMessage) {
				var n notify.Notification
				if err := json.Unmarshal(data, &n); err == nil {
					fmt.Fprintf(out, "+ [%s] %s\n", n.Type, n.Message)
				}
			})
			defer sess.socket.Unsubscribe(sub)
			<-ctx.Done()
			return nil
		},
	}
	cmd.Flags().BoolVar(&markAll, "mark-all", false, "mark every unread notification as read")
	cmd.Flags().BoolVar(&watch, "watch", false, "keep running and print new notifications")
	cmd.Flags().StringSliceVar(&mute, "mute", nil, "notification types to stop receiving")
	return cmd
}

func printNotifications(out io.Writer, hub *notify.Hub) {
	list := hub.Notifications()
	fmt.Fprintf(out, "%d notification(s), %d unread\n", len(list), hub.UnreadCount())
	for _, n := range list {
		mark := " "
		if !n.Read {
			mark = "*"
		}
		fmt.Fprintf(out, "%s %s [%s] %s  #%s\n", mark, n.CreatedAt.Local().Format("Jan 02 15:04"), n.Type, n.Message, n.ID)
	}
}
