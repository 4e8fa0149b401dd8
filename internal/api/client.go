// Package api is the client for the social feed REST collaborator: posts,
// comments, likes, users and direct messages.
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"feedsync/internal/models"
	"feedsync/internal/observability"
	"feedsync/internal/session"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

const defaultTimeout = 10 * time.Second

// Client talks to the REST collaborator on behalf of one session.
type Client struct {
	BaseURL    string
	HTTPClient *http.Client
	session    *session.Session
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the default instrumented HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.HTTPClient = hc }
}

// NewClient creates a client for baseURL. sess may be nil for unauthenticated
// calls such as Login; authenticated calls then fail with UNAUTHORIZED.
func NewClient(baseURL string, sess *session.Session, opts ...Option) *Client {
	c := &Client{
		BaseURL: strings.TrimRight(baseURL, "/"),
		HTTPClient: &http.Client{
			Timeout:   defaultTimeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
		session: sess,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Session returns the session the client authenticates with.
func (c *Client) Session() *session.Session {
	return c.session
}

type listPostsResponse struct {
	Data []models.Post `json:"data"`
}

// ListPosts returns one page of the reverse-chronological feed.
func (c *Client) ListPosts(ctx context.Context, page, limit int) ([]models.Post, error) {
	q := url.Values{}
	q.Set("page", strconv.Itoa(page))
	q.Set("limit", strconv.Itoa(limit))

	var res listPostsResponse
	if err := c.do(ctx, http.MethodGet, "/posts?"+q.Encode(), "posts.list", false, nil, &res); err != nil {
		return nil, err
	}
	for i := range res.Data {
		res.Data[i].Normalize()
	}
	if res.Data == nil {
		res.Data = []models.Post{}
	}
	return res.Data, nil
}

// GetPost fetches a single post.
func (c *Client) GetPost(ctx context.Context, id string) (*models.Post, error) {
	var post models.Post
	if err := c.do(ctx, http.MethodGet, "/posts/"+url.PathEscape(id), "posts.get", false, nil, &post); err != nil {
		return nil, err
	}
	post.Normalize()
	return &post, nil
}

// CreatePost creates a post and returns the canonical record.
func (c *Client) CreatePost(ctx context.Context, in models.NewPostInput) (*models.Post, error) {
	var post models.Post
	if err := c.do(ctx, http.MethodPost, "/posts", "posts.create", true, in, &post); err != nil {
		return nil, err
	}
	if err := post.Validate(); err != nil {
		return nil, models.NewMalformedPayloadError("create post response", err)
	}
	post.Normalize()
	return &post, nil
}

// LikePost toggles the caller's like and returns the post with its recomputed like set.
func (c *Client) LikePost(ctx context.Context, id string) (*models.Post, error) {
	var post models.Post
	if err := c.do(ctx, http.MethodPost, "/posts/"+url.PathEscape(id)+"/like", "posts.like", true, nil, &post); err != nil {
		return nil, err
	}
	if err := post.Validate(); err != nil {
		return nil, models.NewMalformedPayloadError("like response", err)
	}
	post.Normalize()
	return &post, nil
}

type addCommentRequest struct {
	Content string `json:"content"`
}

// AddComment creates a comment on postID.
func (c *Client) AddComment(ctx context.Context, postID, content string) (*models.Comment, error) {
	var comment models.Comment
	err := c.do(ctx, http.MethodPost, "/comments/post/"+url.PathEscape(postID), "comments.create", true,
		addCommentRequest{Content: content}, &comment)
	if err != nil {
		return nil, err
	}
	if comment.PostID == "" {
		comment.PostID = postID
	}
	if err := comment.Validate(); err != nil {
		return nil, models.NewMalformedPayloadError("comment response", err)
	}
	return &comment, nil
}

// ListUsers returns candidate chat partners.
func (c *Client) ListUsers(ctx context.Context) ([]models.User, error) {
	var users []models.User
	if err := c.do(ctx, http.MethodGet, "/users", "users.list", true, nil, &users); err != nil {
		return nil, err
	}
	return users, nil
}

// SendMessage sends a direct message to otherUserID.
func (c *Client) SendMessage(ctx context.Context, otherUserID, content string) (*models.Message, error) {
	var msg models.Message
	err := c.do(ctx, http.MethodPost, "/chat/"+url.PathEscape(otherUserID), "chat.send", true,
		models.SendMessageInput{Content: content}, &msg)
	if err != nil {
		return nil, err
	}
	if err := msg.Validate(); err != nil {
		return nil, models.NewMalformedPayloadError("message response", err)
	}
	return &msg, nil
}

// ListMessages returns the conversation history with otherUserID in creation order.
func (c *Client) ListMessages(ctx context.Context, otherUserID string) ([]models.Message, error) {
	var msgs []models.Message
	if err := c.do(ctx, http.MethodGet, "/chat/"+url.PathEscape(otherUserID), "chat.history", true, nil, &msgs); err != nil {
		return nil, err
	}
	return msgs, nil
}

type loginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type loginResponse struct {
	Token string `json:"token"`
}

// Login exchanges credentials for a bearer token and returns the new session.
func (c *Client) Login(ctx context.Context, email, password string) (*session.Session, error) {
	var res loginResponse
	if err := c.do(ctx, http.MethodPost, "/auth/login", "auth.login", false, loginRequest{Email: email, Password: password}, &res); err != nil {
		return nil, err
	}
	sess, err := session.FromToken(res.Token)
	if err != nil {
		return nil, models.NewMalformedPayloadError("login response", err)
	}
	return sess, nil
}

func (c *Client) do(ctx context.Context, method, path, route string, auth bool, body, out interface{}) (err error) {
	span, ctx := observability.NewSpan(ctx, "api."+route)
	defer func() {
		span.SetError(err)
		span.End()
	}()

	if auth {
		if err := c.session.Check(time.Now()); err != nil {
			return models.NewUnauthorizedError(err.Error())
		}
	}

	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return models.NewInternalError(fmt.Errorf("marshal %s body: %w", route, err))
		}
		reader = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.BaseURL+path, reader)
	if err != nil {
		return models.NewInternalError(err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.session != nil && c.session.Token != "" {
		req.Header.Set("Authorization", c.session.Authorization())
	}

	start := time.Now()
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		observability.ObserveREST(route, 0, start)
		return models.NewNetworkError(route+" request failed", err)
	}
	defer func() { _ = resp.Body.Close() }()
	observability.ObserveREST(route, resp.StatusCode, start)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return statusError(route, resp)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		if errors.Is(err, io.EOF) {
			return models.NewMalformedPayloadError(route+": empty response body", err)
		}
		return models.NewMalformedPayloadError(route+": invalid response body", err)
	}
	return nil
}

func statusError(route string, resp *http.Response) error {
	var payload models.ErrorResponse
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if err := json.Unmarshal(raw, &payload); err != nil || payload.Error == "" {
		payload.Error = strings.TrimSpace(string(raw))
	}
	msg := fmt.Sprintf("%s: status %d", route, resp.StatusCode)
	if payload.Error != "" {
		msg += ": " + payload.Error
	}

	return &models.AppError{Code: models.CodeForStatus(resp.StatusCode), Message: msg}
}
