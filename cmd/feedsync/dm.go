package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strings"

	"feedsync/internal/dm"
	"feedsync/internal/events"

	"github.com/spf13/cobra"
)

func usersCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "users",
		Short: "List chat partners",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return a.run(cmd.Context(), func(ctx context.Context) error {
				c, err := a.connect(ctx)
				if err != nil {
					return err
				}
				defer c.Close()
				ch, err := dm.NewChannel(c.api, c.conn, c.sess, noticeWriter(cmd.ErrOrStderr()))
				if err != nil {
					return err
				}
				users, err := ch.Partners(ctx)
				if err != nil {
					return err
				}
				return render(cmd.OutOrStdout(), a.output, users, func(w io.Writer) {
					for _, u := range users {
						fmt.Fprintf(w, "%s  %s\n", u.ID, u.Name)
					}
				})
			})
		},
	}
}

func dmCmd(a *app) *cobra.Command {
	var message string
	cmd := &cobra.Command{
		Use:   "dm USER_ID",
		Short: "Open a conversation; send --message or chat from stdin",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.run(cmd.Context(), func(ctx context.Context) error {
				c, err := a.connect(ctx)
				if err != nil {
					return err
				}
				defer c.Close()

				out := cmd.OutOrStdout()
				ch, err := dm.NewChannel(c.api, c.conn, c.sess, noticeWriter(cmd.ErrOrStderr()))
				if err != nil {
					return err
				}
				defer ch.Close()
				if err := ch.Open(ctx, args[0]); err != nil {
					return err
				}

				if message != "" {
					sent, err := ch.Send(ctx, message)
					if err != nil {
						return err
					}
					return render(out, a.output, sent, func(w io.Writer) { writeMessage(w, *sent, c.sess.UserID) })
				}

				history := ch.Messages()
				for _, m := range history {
					writeMessage(out, m, c.sess.UserID)
				}

				// Print the partner's messages as they arrive; own messages
				// are printed when Send confirms them.
				self, other := c.sess.UserID, args[0]
				sub := c.conn.On(events.DMNew, func(ev events.Event) {
					me, ok := ev.(events.MessageEvent)
					if !ok || me.Message.From != other || !dm.FilterIncoming(me.Message, self, other) {
						return
					}
					writeMessage(out, me.Message, self)
				})
				defer c.conn.Off(sub)

				lines := make(chan string)
				go func() {
					defer close(lines)
					scanner := bufio.NewScanner(cmd.InOrStdin())
					for scanner.Scan() {
						select {
						case lines <- scanner.Text():
						case <-ctx.Done():
							return
						}
					}
				}()

				for {
					select {
					case <-ctx.Done():
						return ctx.Err()
					case line, ok := <-lines:
						if !ok {
							return nil
						}
						if strings.TrimSpace(line) == "" {
							continue
						}
						sent, err := ch.Send(ctx, line)
						if err != nil {
							continue
						}
						writeMessage(out, *sent, self)
					}
				}
			})
		},
	}
	cmd.Flags().StringVarP(&message, "message", "m", "", "Send one message and exit")
	return cmd
}
