package main

import (
	"context"
	"fmt"
	"io"

	"feedsync/internal/api"
	"feedsync/internal/events"
	"feedsync/internal/models"
	"feedsync/internal/transport"

	"github.com/spf13/cobra"
)

func loginCmd(a *app) *cobra.Command {
	var email, password string
	cmd := &cobra.Command{
		Use:   "login",
		Short: "Exchange credentials for a bearer token",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if email == "" {
				email = a.cfg.AuthEmail
			}
			if password == "" {
				password = a.cfg.AuthPassword
			}
			sess, err := api.NewClient(a.cfg.APIURL, nil).Login(cmd.Context(), email, password)
			if err != nil {
				return err
			}
			out := map[string]string{"token": sess.Token, "user_id": sess.UserID}
			return render(cmd.OutOrStdout(), a.output, out, func(w io.Writer) {
				fmt.Fprintf(w, "export AUTH_TOKEN=%s\n", sess.Token)
			})
		},
	}
	cmd.Flags().StringVar(&email, "email", "", "Account email (defaults to AUTH_EMAIL)")
	cmd.Flags().StringVar(&password, "password", "", "Account password (defaults to AUTH_PASSWORD)")
	return cmd
}

func feedCmd(a *app) *cobra.Command {
	var pages int
	cmd := &cobra.Command{
		Use:   "feed",
		Short: "Print the newest posts",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return a.run(cmd.Context(), func(ctx context.Context) error {
				c, err := a.connect(ctx)
				if err != nil {
					return err
				}
				defer c.Close()
				ctrl, err := a.mountFeed(ctx, c, noticeWriter(cmd.ErrOrStderr()))
				if err != nil {
					return err
				}
				defer ctrl.Unmount()

				for i := 1; i < pages && ctrl.HasMore(); i++ {
					if err := ctrl.LoadMore(ctx); err != nil {
						return err
					}
				}
				posts := ctrl.Posts()
				return render(cmd.OutOrStdout(), a.output, posts, func(w io.Writer) {
					for _, p := range posts {
						writePost(w, p)
					}
				})
			})
		},
	}
	cmd.Flags().IntVar(&pages, "pages", 1, "Number of pages to load")
	return cmd
}

func tailCmd(a *app) *cobra.Command {
	var watch []string
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Follow the live feed until interrupted",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return a.run(cmd.Context(), func(ctx context.Context) error {
				c, err := a.connect(ctx)
				if err != nil {
					return err
				}
				defer c.Close()

				out := cmd.OutOrStdout()
				ctrl, err := a.mountFeed(ctx, c, noticeWriter(cmd.ErrOrStderr()))
				if err != nil {
					return err
				}
				defer ctrl.Unmount()
				for _, id := range watch {
					if err := ctrl.WatchPost(id); err != nil {
						return err
					}
				}

				for _, p := range ctrl.Posts() {
					writePost(out, p)
				}

				// Registered after the controller, so the store is already
				// updated when these run.
				show := func(ev events.Event) {
					pe, ok := ev.(events.PostEvent)
					if !ok {
						return
					}
					v := map[string]interface{}{"event": pe.Kind, "post": pe.Post}
					_ = render(out, a.output, v, func(w io.Writer) {
						fmt.Fprintf(w, "%s ", pe.Kind)
						writePost(w, pe.Post)
					})
				}
				subs := []transport.Subscription{
					c.conn.On(events.PostNew, show),
					c.conn.On(events.PostLike, show),
					c.conn.On(events.PostComment, show),
				}
				defer func() {
					for _, s := range subs {
						c.conn.Off(s)
					}
				}()

				<-ctx.Done()
				return ctx.Err()
			})
		},
	}
	cmd.Flags().StringSliceVar(&watch, "watch", nil, "Post IDs whose comment streams to join")
	return cmd
}

func postCmd(a *app) *cobra.Command {
	var in models.NewPostInput
	cmd := &cobra.Command{
		Use:   "post",
		Short: "Create a post",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return a.run(cmd.Context(), func(ctx context.Context) error {
				c, err := a.connect(ctx)
				if err != nil {
					return err
				}
				defer c.Close()
				ctrl, err := a.mountFeed(ctx, c, noticeWriter(cmd.ErrOrStderr()))
				if err != nil {
					return err
				}
				defer ctrl.Unmount()

				post, err := ctrl.CreatePost(ctx, in)
				if err != nil {
					return err
				}
				return render(cmd.OutOrStdout(), a.output, post, func(w io.Writer) { writePost(w, *post) })
			})
		},
	}
	cmd.Flags().StringVar(&in.Title, "title", "", "Post title")
	cmd.Flags().StringVar(&in.Content, "content", "", "Post content")
	cmd.Flags().StringVar(&in.ImageURL, "image-url", "", "Optional image URL")
	return cmd
}

func likeCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "like POST_ID",
		Short: "Toggle your like on a post",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.run(cmd.Context(), func(ctx context.Context) error {
				c, err := a.connect(ctx)
				if err != nil {
					return err
				}
				defer c.Close()
				ctrl, err := a.mountFeed(ctx, c, noticeWriter(cmd.ErrOrStderr()))
				if err != nil {
					return err
				}
				defer ctrl.Unmount()

				if _, err := findPost(ctx, ctrl, args[0]); err != nil {
					return err
				}
				if err := ctrl.ToggleLike(ctx, args[0]); err != nil {
					return err
				}
				post, _ := ctrl.Post(args[0])
				return render(cmd.OutOrStdout(), a.output, post, func(w io.Writer) { writePost(w, post) })
			})
		},
	}
}

func commentCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "comment POST_ID TEXT",
		Short: "Comment on a post",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.run(cmd.Context(), func(ctx context.Context) error {
				c, err := a.connect(ctx)
				if err != nil {
					return err
				}
				defer c.Close()
				ctrl, err := a.mountFeed(ctx, c, noticeWriter(cmd.ErrOrStderr()))
				if err != nil {
					return err
				}
				defer ctrl.Unmount()

				if _, err := findPost(ctx, ctrl, args[0]); err != nil {
					return err
				}
				comment, err := ctrl.Comment(ctx, args[0], args[1])
				if err != nil {
					return err
				}
				return render(cmd.OutOrStdout(), a.output, comment, func(w io.Writer) {
					fmt.Fprintf(w, "%s  %s: %s\n", comment.ID, comment.Author.Name, comment.Content)
				})
			})
		},
	}
}
