package devserver

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"feedsync/internal/events"
	"feedsync/internal/models"
	"feedsync/internal/session"
	"feedsync/internal/transport"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"
)

const testSecret = "test-secret"

type testEnv struct {
	srv *Server
	ada UserRecord
	bob UserRecord
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	db := setupTestDB(t)
	srv := New(Config{JWTSecret: testSecret, TokenTTL: time.Hour}, db, nil)

	hash, err := bcrypt.GenerateFromPassword([]byte("password123"), bcrypt.MinCost)
	require.NoError(t, err)
	env := &testEnv{
		srv: srv,
		ada: UserRecord{ID: "u1", Name: "Ada", Email: "ada@example.com", Password: string(hash)},
		bob: UserRecord{ID: "u2", Name: "Bob", Email: "bob@example.com", Password: string(hash)},
	}
	require.NoError(t, srv.Repository().CreateUser(context.Background(), &env.ada))
	require.NoError(t, srv.Repository().CreateUser(context.Background(), &env.bob))
	return env
}

func (e *testEnv) token(t *testing.T, u UserRecord) string {
	t.Helper()
	tok, err := IssueToken(testSecret, u.toModel(), time.Hour)
	require.NoError(t, err)
	return tok
}

func (e *testEnv) do(t *testing.T, method, path, token string, body interface{}) *http.Response {
	t.Helper()
	var r io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		r = bytes.NewReader(raw)
	}
	req := httptest.NewRequest(method, path, r)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := e.srv.App().Test(req, -1)
	require.NoError(t, err)
	return resp
}

func decode(t *testing.T, resp *http.Response, out interface{}) {
	t.Helper()
	defer func() { _ = resp.Body.Close() }()
	require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
}

// joinedClient registers a hub client without a socket and joins rooms.
func joinedClient(t *testing.T, h *Hub, userID string, rooms ...string) *Client {
	t.Helper()
	c, err := h.Register(userID, nil)
	require.NoError(t, err)
	for _, r := range rooms {
		h.Join(c, r)
	}
	return c
}

func nextFrame(t *testing.T, c *Client) events.Event {
	t.Helper()
	select {
	case frame := <-c.send:
		ev, err := events.Decode(frame)
		require.NoError(t, err)
		return ev
	case <-time.After(time.Second):
		t.Fatal("no frame delivered")
		return nil
	}
}

func assertNoFrame(t *testing.T, c *Client) {
	t.Helper()
	select {
	case frame := <-c.send:
		t.Fatalf("unexpected frame %s", frame)
	default:
	}
}

func TestLogin(t *testing.T) {
	env := newTestEnv(t)

	resp := env.do(t, http.MethodPost, "/api/auth/login", "", fiberMap{"email": "ada@example.com", "password": "password123"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var body struct {
		Token string      `json:"token"`
		User  models.User `json:"user"`
	}
	decode(t, resp, &body)
	assert.Equal(t, "Ada", body.User.Name)

	sess, err := session.FromToken(body.Token)
	require.NoError(t, err)
	assert.Equal(t, "u1", sess.UserID)
	assert.Equal(t, "Ada", sess.Name)
	assert.False(t, sess.Expired(time.Now()))

	resp = env.do(t, http.MethodPost, "/api/auth/login", "", fiberMap{"email": "ada@example.com", "password": "wrong"})
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp = env.do(t, http.MethodPost, "/api/auth/login", "", fiberMap{"email": "nobody@example.com", "password": "password123"})
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

type fiberMap map[string]interface{}

func TestAuthRequired(t *testing.T) {
	env := newTestEnv(t)

	tests := []struct {
		name  string
		token string
	}{
		{"missing", ""},
		{"garbage", "not-a-jwt"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := env.do(t, http.MethodGet, "/api/users", tt.token, nil)
			assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
			var body models.ErrorResponse
			decode(t, resp, &body)
			assert.Equal(t, models.CodeUnauthorized, body.Code)
		})
	}

	t.Run("wrong secret", func(t *testing.T) {
		tok, err := IssueToken("other-secret", env.ada.toModel(), time.Hour)
		require.NoError(t, err)
		resp := env.do(t, http.MethodGet, "/api/users", tok, nil)
		assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	})

	t.Run("expired", func(t *testing.T) {
		tok, err := IssueToken(testSecret, env.ada.toModel(), -time.Minute)
		require.NoError(t, err)
		resp := env.do(t, http.MethodGet, "/api/users", tok, nil)
		assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	})

	t.Run("query token", func(t *testing.T) {
		resp := env.do(t, http.MethodGet, "/api/users?token="+env.token(t, env.ada), "", nil)
		assert.Equal(t, http.StatusOK, resp.StatusCode)
	})
}

func TestPostLifecycle(t *testing.T) {
	env := newTestEnv(t)
	all := joinedClient(t, env.srv.hub, "watcher")
	adaTok, bobTok := env.token(t, env.ada), env.token(t, env.bob)

	resp := env.do(t, http.MethodPost, "/api/posts", adaTok, models.NewPostInput{Title: "hello", Content: "world"})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	var created models.Post
	decode(t, resp, &created)
	assert.Equal(t, "u1", created.Author.ID)
	assert.Empty(t, created.Likes)

	ev := nextFrame(t, all).(events.PostEvent)
	assert.Equal(t, events.PostNew, ev.Kind)
	assert.Equal(t, created.ID, ev.Post.ID)

	resp = env.do(t, http.MethodPost, "/api/posts/"+created.ID+"/like", bobTok, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var liked models.Post
	decode(t, resp, &liked)
	assert.Equal(t, []string{"u2"}, liked.Likes)

	ev = nextFrame(t, all).(events.PostEvent)
	assert.Equal(t, events.PostLike, ev.Kind)
	assert.Equal(t, []string{"u2"}, ev.Post.Likes)

	resp = env.do(t, http.MethodGet, "/api/posts?page=1&limit=15", "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var page struct {
		Data []models.Post `json:"data"`
	}
	decode(t, resp, &page)
	require.Len(t, page.Data, 1)
	assert.Equal(t, created.ID, page.Data[0].ID)

	resp = env.do(t, http.MethodGet, "/api/posts/"+created.ID, "", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp = env.do(t, http.MethodGet, "/api/posts/missing", "", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestCreatePost_RequiresTitleOrContent(t *testing.T) {
	env := newTestEnv(t)
	resp := env.do(t, http.MethodPost, "/api/posts", env.token(t, env.ada), models.NewPostInput{Title: "  "})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = env.do(t, http.MethodPost, "/api/posts", "", models.NewPostInput{Title: "hi"})
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestAddComment_BroadcastsToPostRoomAndAuthor(t *testing.T) {
	env := newTestEnv(t)
	ids := createPosts(t, env.srv.db, "u1", 1)
	postID := ids[0]

	h := env.srv.hub
	watcher := joinedClient(t, h, "u9", transport.PostRoom(postID).Key())
	author := joinedClient(t, h, "u1", transport.UserRoom("u1").Key())
	bystander := joinedClient(t, h, "u3", transport.UserRoom("u3").Key())

	resp := env.do(t, http.MethodPost, "/api/comments/post/"+postID, env.token(t, env.bob), fiberMap{"content": "nice"})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	var c models.Comment
	decode(t, resp, &c)
	assert.Equal(t, postID, c.PostID)
	assert.Equal(t, "u2", c.Author.ID)

	for _, cl := range []*Client{watcher, author} {
		ev := nextFrame(t, cl).(events.PostEvent)
		assert.Equal(t, events.PostComment, ev.Kind)
		require.Len(t, ev.Post.Comments, 1)
		assert.Equal(t, c.ID, ev.Post.Comments[0].ID)
	}
	assertNoFrame(t, bystander)

	resp = env.do(t, http.MethodPost, "/api/comments/post/"+postID, env.token(t, env.bob), fiberMap{"content": " "})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestChat(t *testing.T) {
	env := newTestEnv(t)
	h := env.srv.hub
	room := joinedClient(t, h, "u1", transport.ConversationRoom("u1", "u2").Key())
	recipient := joinedClient(t, h, "u2", transport.UserRoom("u2").Key())

	resp := env.do(t, http.MethodPost, "/api/chat/u2", env.token(t, env.ada), fiberMap{"content": "hi bob"})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	var sent models.Message
	decode(t, resp, &sent)
	assert.Equal(t, "u1", sent.From)
	assert.Equal(t, "u2", sent.To)

	for _, cl := range []*Client{room, recipient} {
		ev := nextFrame(t, cl).(events.MessageEvent)
		assert.Equal(t, sent.ID, ev.Message.ID)
	}

	resp = env.do(t, http.MethodGet, "/api/chat/u1", env.token(t, env.bob), nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var history []models.Message
	decode(t, resp, &history)
	require.Len(t, history, 1)
	assert.Equal(t, sent.ID, history[0].ID)

	resp = env.do(t, http.MethodPost, "/api/chat/u1", env.token(t, env.ada), fiberMap{"content": "me"})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = env.do(t, http.MethodPost, "/api/chat/u404", env.token(t, env.ada), fiberMap{"content": "hello?"})
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp = env.do(t, http.MethodGet, "/api/users", env.token(t, env.ada), nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var users []models.User
	decode(t, resp, &users)
	assert.Len(t, users, 2)
}

func TestHealth(t *testing.T) {
	env := newTestEnv(t)
	resp := env.do(t, http.MethodGet, "/health/live", "", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	resp = env.do(t, http.MethodGet, "/health/ready", "", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestMetrics_CountsHTTPRequests(t *testing.T) {
	env := newTestEnv(t)
	resp := env.do(t, http.MethodGet, "/health/live", "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp = env.do(t, http.MethodGet, "/metrics", "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	defer func() { _ = resp.Body.Close() }()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), "feedsync_devserver_http_requests_total")
	assert.Contains(t, string(body), `path="/health/live"`)

	// A second server gets its own collectors.
	assert.NotPanics(t, func() { newTestEnv(t) })
}

func TestWebSocketRoute_RequiresUpgrade(t *testing.T) {
	env := newTestEnv(t)
	resp := env.do(t, http.MethodGet, "/ws", env.token(t, env.ada), nil)
	assert.Equal(t, http.StatusUpgradeRequired, resp.StatusCode)
}
