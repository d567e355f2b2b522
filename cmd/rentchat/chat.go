package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"rentchat/internal/chat"
)

const chatHelp = `commands:
  /read              mark every visible message as read
  /ttl <dur> <text>  send a message that expires after dur (e.g. /ttl 30s code is 4411)
  /delete <id>       delete one of your messages
  /who               list who is typing
  /quit              leave the conversation
anything else is sent as a message`

func newChatCmd(opts *options) *cobra.Command {
	var peer string
	cmd := &cobra.Command{
		Use:   "chat <conversation-id>",
		Short: "Open a conversation and chat from stdin",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			sess, err := opts.connect(ctx)
			if err != nil {
				return err
			}
			defer sess.close()
			return runChat(ctx, sess, args[0], peer, cmd.InOrStdin(), cmd.OutOrStdout())
		},
	}
	cmd.Flags().StringVar(&peer, "to", "", "user id of the other participant")
	return cmd
}

func runChat(ctx context.Context, sess *session, conversationID, peer string, in io.Reader, out io.Writer) error {
	p := &printer{out: out, self: sess.identity.UserID}
	conv, err := chat.NewSession(chat.SessionConfig{
		ConversationID: conversationID,
		LocalUserID:    sess.identity.UserID,
		RecipientID:    peer,
		Socket:         sess.socket,
		History:        sess.api,
		Deleter:        sess.api,
		TypingDelay:    sess.cfg.TypingDelay.D(),
		SweepInterval:  sess.cfg.SweepInterval.D(),
		OnEvent:        p.event,
	})
	if err != nil {
		return err
	}
	if err := conv.Open(ctx); err != nil {
		return errors.Wrapf(err, "open %s", conversationID)
	}
	defer func() { _ = conv.Close() }()
	fmt.Fprintln(out, chatHelp)

	lines := make(chan string)
	go func() {
		defer close(lines)
		sc := bufio.NewScanner(in)
		for sc.Scan() {
			lines <- sc.Text()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case line, ok := <-lines:
			if !ok {
				return nil
			}
			quit, err := handleLine(ctx, conv, line, out)
			if err != nil {
				fmt.Fprintf(out, "! %v\n", err)
			}
			if quit {
				return nil
			}
		}
	}
}

func handleLine(ctx context.Context, conv *chat.Session, line string, out io.Writer) (bool, error) {
	line = strings.TrimSpace(line)
	if line == "" {
		return false, nil
	}
	if !strings.HasPrefix(line, "/") {
		return false, conv.Send(line, 0)
	}

	cmd, rest, _ := strings.Cut(line, " ")
	rest = strings.TrimSpace(rest)
	switch cmd {
	case "/quit":
		return true, nil
	case "/read":
		ids, err := conv.MarkViewed()
		if err == nil {
			fmt.Fprintf(out, "* marked %d message(s) read\n", len(ids))
		}
		return false, err
	case "/ttl":
		durStr, text, _ := strings.Cut(rest, " ")
		ttl, err := time.ParseDuration(durStr)
		if err != nil {
			return false, errors.Wrap(err, "ttl")
		}
		return false, conv.Send(text, ttl)
	case "/delete":
		return false, conv.DeleteMessage(ctx, rest)
	case "/who":
		fmt.Fprintf(out, "* typing: %s\n", strings.Join(conv.TypingUsers(), ", "))
		return false, nil
	default:
		fmt.Fprintln(out, chatHelp)
		return false, nil
	}
}

type printer struct {
	out  io.Writer
	self string
}

func (p *printer) event(ev chat.Event) {
	switch ev.Kind {
	case chat.KindHistoryLoaded:
		for i := range ev.Messages {
			p.message(&ev.Messages[i])
		}
		fmt.Fprintf(p.out, "* %d message(s) loaded\n", len(ev.Messages))
	case chat.KindMessageAdded:
		p.message(ev.Message)
	case chat.KindMessageRemoved:
		fmt.Fprintf(p.out, "* message %s removed\n", ev.MessageID)
	case chat.KindTyping:
		if ev.Typing {
			fmt.Fprintf(p.out, "* %s is typing...\n", ev.UserID)
		}
	case chat.KindRead:
		fmt.Fprintf(p.out, "* %s read %d message(s)\n", ev.UserID, len(ev.MessageIDs))
	}
}

func (p *printer) message(m *chat.Message) {
	if m == nil {
		return
	}
	who := m.SenderID
	if who == p.self {
		who = "you"
	}
	suffix := ""
	if m.ExpiresAt != nil {
		suffix = fmt.Sprintf(" (expires %s)", m.ExpiresAt.Local().Format("15:04:05"))
	}
	fmt.Fprintf(p.out, "[%s] %s: %s%s  #%s\n", m.CreatedAt.Local().Format("15:04"), who, m.Content, suffix, m.ID)
}
