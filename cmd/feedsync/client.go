package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"feedsync/internal/api"
	"feedsync/internal/feed"
	"feedsync/internal/models"
	"feedsync/internal/session"
	"feedsync/internal/transport"
)

// session resolves the credential from AUTH_TOKEN, or logs in with
// AUTH_EMAIL and AUTH_PASSWORD.
func (a *app) session(ctx context.Context) (*session.Session, error) {
	var (
		sess *session.Session
		err  error
	)
	switch {
	case a.cfg.AuthToken != "":
		sess, err = session.FromToken(a.cfg.AuthToken)
	case a.cfg.AuthEmail != "":
		sess, err = api.NewClient(a.cfg.APIURL, nil).Login(ctx, a.cfg.AuthEmail, a.cfg.AuthPassword)
	default:
		err = session.ErrNoCredential
	}
	if err == nil {
		err = sess.Check(time.Now())
	}
	if errors.Is(err, session.ErrNoCredential) {
		return nil, fmt.Errorf("%w (run `%s login` and set AUTH_TOKEN)", err, appName)
	}
	return sess, err
}

func (a *app) transportSettings() *transport.Settings {
	s := transport.DefaultSettings()
	s.Reconnect.InitialInterval = a.cfg.ReconnectInitial
	s.Reconnect.MaxInterval = a.cfg.ReconnectMax
	s.Reconnect.MaxRetries = a.cfg.ReconnectMaxRetries
	return s
}

// client bundles one session's REST client and realtime connection.
type client struct {
	sess *session.Session
	api  *api.Client
	conn *transport.Conn
}

func (a *app) connect(ctx context.Context) (*client, error) {
	sess, err := a.session(ctx)
	if err != nil {
		return nil, err
	}
	return &client{
		sess: sess,
		api:  api.NewClient(a.cfg.APIURL, sess),
		conn: transport.Connect(ctx, a.cfg.WSURL, sess, a.transportSettings()),
	}, nil
}

func (c *client) Close() { c.conn.Close() }

// noticeWriter prints notices on w, typically stderr.
func noticeWriter(w io.Writer) feed.Notifier {
	return feed.NotifierFunc(func(n feed.Notice) {
		if n.Err != nil {
			fmt.Fprintf(w, "[%s] %s: %v\n", n.Level, n.Message, n.Err)
			return
		}
		fmt.Fprintf(w, "[%s] %s\n", n.Level, n.Message)
	})
}

// mountFeed creates and mounts a feed controller on c.
func (a *app) mountFeed(ctx context.Context, c *client, notifier feed.Notifier) (*feed.Controller, error) {
	ctrl, err := feed.NewController(c.api, c.conn, c.sess,
		feed.WithPageSize(a.cfg.PageSize),
		feed.WithEchoMutations(a.cfg.EchoMutations),
		feed.WithNotifier(notifier),
	)
	if err != nil {
		return nil, err
	}
	if err := ctrl.Mount(ctx); err != nil {
		ctrl.Unmount()
		return nil, err
	}
	return ctrl, nil
}

// findPost pages through the feed until postID is loaded.
func findPost(ctx context.Context, ctrl *feed.Controller, postID string) (models.Post, error) {
	for {
		if p, ok := ctrl.Post(postID); ok {
			return p, nil
		}
		if !ctrl.HasMore() {
			return models.Post{}, models.NewNotFoundError("Post", postID)
		}
		if err := ctrl.LoadMore(ctx); err != nil {
			return models.Post{}, err
		}
	}
}
