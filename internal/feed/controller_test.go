package feed

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"feedsync/internal/events"
	"feedsync/internal/models"
	"feedsync/internal/session"
	"feedsync/internal/transport"
	"feedsync/internal/transport/transporttest"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type apiStub struct {
	ListPostsFunc  func(ctx context.Context, page, limit int) ([]models.Post, error)
	CreatePostFunc func(ctx context.Context, in models.NewPostInput) (*models.Post, error)
	LikePostFunc   func(ctx context.Context, id string) (*models.Post, error)
	AddCommentFunc func(ctx context.Context, postID, content string) (*models.Comment, error)
}

func (s *apiStub) ListPosts(ctx context.Context, page, limit int) ([]models.Post, error) {
	if s.ListPostsFunc == nil {
		return []models.Post{}, nil
	}
	return s.ListPostsFunc(ctx, page, limit)
}

func (s *apiStub) CreatePost(ctx context.Context, in models.NewPostInput) (*models.Post, error) {
	return s.CreatePostFunc(ctx, in)
}

func (s *apiStub) LikePost(ctx context.Context, id string) (*models.Post, error) {
	return s.LikePostFunc(ctx, id)
}

func (s *apiStub) AddComment(ctx context.Context, postID, content string) (*models.Comment, error) {
	return s.AddCommentFunc(ctx, postID, content)
}

type recordingNotifier struct {
	mu      sync.Mutex
	notices []Notice
}

func (n *recordingNotifier) Notify(notice Notice) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.notices = append(n.notices, notice)
}

func (n *recordingNotifier) all() []Notice {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]Notice(nil), n.notices...)
}

var self = models.User{ID: "me", Name: "Me"}

func newTestController(t *testing.T, api *apiStub, opts ...Option) (*Controller, *transporttest.Fake, *recordingNotifier) {
	t.Helper()
	tr := transporttest.New()
	notes := &recordingNotifier{}
	sess := &session.Session{Token: "tok", UserID: self.ID, Name: self.Name, ExpiresAt: time.Now().Add(time.Hour)}
	c, err := NewController(api, tr, sess, append([]Option{WithNotifier(notes)}, opts...)...)
	require.NoError(t, err)
	return c, tr, notes
}

func threeLikes() models.Post {
	return models.Post{ID: "P1", Likes: []string{"a", "b", "c"}}
}

func singlePage(posts ...models.Post) *apiStub {
	return &apiStub{ListPostsFunc: func(_ context.Context, page, _ int) ([]models.Post, error) {
		if page == 1 {
			return posts, nil
		}
		return []models.Post{}, nil
	}}
}

func TestNewController_RequiresCredential(t *testing.T) {
	_, err := NewController(&apiStub{}, transporttest.New(), nil)
	assert.ErrorIs(t, err, session.ErrNoCredential)
}

func TestController_MountSubscribesAndLoads(t *testing.T) {
	c, tr, _ := newTestController(t, singlePage(models.Post{ID: "p1"}))
	require.NoError(t, c.Mount(context.Background()))

	assert.Equal(t, []string{"p1"}, ids(c.Posts()))
	assert.Equal(t, []string{"user:me"}, tr.Rooms())
	assert.Equal(t, 1, tr.Subscribers(events.PostNew))
	assert.Equal(t, 1, tr.Subscribers(events.PostLike))
	assert.Equal(t, 1, tr.Subscribers(events.PostComment))
	assert.False(t, c.HasMore())
	assert.True(t, c.Live())

	require.NoError(t, c.Mount(context.Background()))
	assert.Equal(t, 1, tr.Subscribers(events.PostNew))
}

func TestController_MountFailureIsReported(t *testing.T) {
	boom := models.NewNetworkError("down", nil)
	c, _, notes := newTestController(t, &apiStub{ListPostsFunc: func(context.Context, int, int) ([]models.Post, error) {
		return nil, boom
	}})

	err := c.Mount(context.Background())
	require.Error(t, err)
	assert.True(t, models.IsCode(err, models.CodeNetwork))
	require.Len(t, notes.all(), 1)
	assert.Equal(t, LevelError, notes.all()[0].Level)
	assert.True(t, c.HasMore())
}

func TestController_LoadMorePaginates(t *testing.T) {
	c, _, _ := newTestController(t, &apiStub{ListPostsFunc: pagedPosts(30).ListPostsFunc})
	require.NoError(t, c.Mount(context.Background()))
	require.True(t, c.HasMore())
	require.NoError(t, c.LoadMore(context.Background()))

	got := ids(c.Posts())
	require.Len(t, got, 30)
	assert.Equal(t, "p30", got[0])
	assert.Equal(t, "p1", got[29])

	require.NoError(t, c.LoadMore(context.Background()))
	assert.False(t, c.HasMore())
	calls := 0
	c.api.(*apiStub).ListPostsFunc = func(context.Context, int, int) ([]models.Post, error) {
		calls++
		return nil, nil
	}
	require.NoError(t, c.LoadMore(context.Background()))
	assert.Zero(t, calls)
}

func TestController_ToggleLikeSuccess(t *testing.T) {
	api := singlePage(threeLikes())
	c, tr, notes := newTestController(t, api, WithEchoMutations(true))
	require.NoError(t, c.Mount(context.Background()))

	api.LikePostFunc = func(_ context.Context, id string) (*models.Post, error) {
		during, _ := c.Post(id)
		assert.Len(t, during.Likes, 4)
		assert.True(t, during.LikedBy("me"))
		return &models.Post{ID: id, Likes: []string{"a", "b", "c", "me"}}, nil
	}
	require.NoError(t, c.ToggleLike(context.Background(), "P1"))

	got, _ := c.Post("P1")
	assert.Len(t, got.Likes, 4)
	assert.True(t, got.LikedBy("me"))
	assert.Empty(t, notes.all())
	assert.Zero(t, c.tracker.Len())

	emitted := tr.Emitted()
	require.Len(t, emitted, 1)
	assert.Equal(t, events.PostLike, emitted[0].Name)
}

func TestController_ToggleLikeFailureReverts(t *testing.T) {
	api := singlePage(threeLikes())
	c, tr, notes := newTestController(t, api, WithEchoMutations(true))
	require.NoError(t, c.Mount(context.Background()))

	api.LikePostFunc = func(_ context.Context, id string) (*models.Post, error) {
		during, _ := c.Post(id)
		assert.Len(t, during.Likes, 4)
		return nil, models.NewNetworkError("timeout", nil)
	}
	require.Error(t, c.ToggleLike(context.Background(), "P1"))

	got, _ := c.Post("P1")
	assert.Len(t, got.Likes, 3)
	assert.False(t, got.LikedBy("me"))
	require.Len(t, notes.all(), 1)
	assert.Equal(t, LevelError, notes.all()[0].Level)
	assert.Empty(t, tr.Emitted())
}

func TestController_ToggleLikeFailureKeepsNewerCanonicalState(t *testing.T) {
	api := singlePage(threeLikes())
	c, tr, _ := newTestController(t, api)
	require.NoError(t, c.Mount(context.Background()))

	api.LikePostFunc = func(_ context.Context, id string) (*models.Post, error) {
		tr.Deliver(events.PostEvent{Kind: events.PostLike, Post: models.Post{ID: id, Likes: []string{"a", "b", "c", "d", "me"}}})
		return nil, models.NewNetworkError("timeout", nil)
	}
	require.Error(t, c.ToggleLike(context.Background(), "P1"))

	got, _ := c.Post("P1")
	assert.Equal(t, []string{"a", "b", "c", "d", "me"}, got.Likes)
}

func TestController_LikeDoubleDeliveryEitherOrder(t *testing.T) {
	echo := models.Post{ID: "P1", Likes: []string{"a", "b", "c", "me"}}
	resp := models.Post{ID: "P1", Likes: []string{"a", "b", "c", "me", "z"}}

	t.Run("echo before response", func(t *testing.T) {
		api := singlePage(threeLikes())
		c, tr, _ := newTestController(t, api)
		require.NoError(t, c.Mount(context.Background()))

		api.LikePostFunc = func(context.Context, string) (*models.Post, error) {
			tr.Deliver(events.PostEvent{Kind: events.PostLike, Post: echo})
			r := resp.Clone()
			return &r, nil
		}
		require.NoError(t, c.ToggleLike(context.Background(), "P1"))

		got, _ := c.Post("P1")
		assert.Equal(t, resp.Likes, got.Likes)
	})

	t.Run("response before echo", func(t *testing.T) {
		api := singlePage(threeLikes())
		c, tr, _ := newTestController(t, api)
		require.NoError(t, c.Mount(context.Background()))

		api.LikePostFunc = func(context.Context, string) (*models.Post, error) {
			r := resp.Clone()
			return &r, nil
		}
		require.NoError(t, c.ToggleLike(context.Background(), "P1"))
		tr.Deliver(events.PostEvent{Kind: events.PostLike, Post: echo})
		tr.Deliver(events.PostEvent{Kind: events.PostLike, Post: echo})

		got, _ := c.Post("P1")
		assert.Equal(t, echo.Likes, got.Likes)
		assert.Equal(t, 1, c.store.Len())
	})
}

func TestController_ToggleLikeUnknownPost(t *testing.T) {
	c, _, _ := newTestController(t, singlePage())
	require.NoError(t, c.Mount(context.Background()))

	err := c.ToggleLike(context.Background(), "nope")
	assert.True(t, models.IsCode(err, models.CodeNotFound))
}

func TestController_CommentReconciles(t *testing.T) {
	canonical := models.Comment{ID: "c9", Author: self, Content: "nice", PostID: "P1"}

	t.Run("response replaces provisional", func(t *testing.T) {
		api := singlePage(models.Post{ID: "P1"})
		c, _, _ := newTestController(t, api)
		require.NoError(t, c.Mount(context.Background()))

		api.AddCommentFunc = func(_ context.Context, postID, content string) (*models.Comment, error) {
			during, _ := c.Post(postID)
			require.Len(t, during.Comments, 1)
			assert.True(t, models.IsProvisional(during.Comments[0].ID))
			assert.Equal(t, "nice", during.Comments[0].Content)
			cm := canonical
			return &cm, nil
		}
		_, err := c.Comment(context.Background(), "P1", "nice")
		require.NoError(t, err)

		got, _ := c.Post("P1")
		assert.Equal(t, []string{"c9"}, commentIDs(got))
	})

	t.Run("echo before response", func(t *testing.T) {
		api := singlePage(models.Post{ID: "P1"})
		c, tr, _ := newTestController(t, api)
		require.NoError(t, c.Mount(context.Background()))

		api.AddCommentFunc = func(context.Context, string, string) (*models.Comment, error) {
			tr.Deliver(events.PostEvent{Kind: events.PostComment, Post: models.Post{ID: "P1", Comments: []models.Comment{canonical}}})
			cm := canonical
			return &cm, nil
		}
		_, err := c.Comment(context.Background(), "P1", "nice")
		require.NoError(t, err)
		tr.Deliver(events.PostEvent{Kind: events.PostComment, Post: models.Post{ID: "P1", Comments: []models.Comment{canonical}}})

		got, _ := c.Post("P1")
		assert.Equal(t, []string{"c9"}, commentIDs(got))
		assert.Zero(t, c.tracker.Len())
	})

	t.Run("failure removes provisional", func(t *testing.T) {
		api := singlePage(models.Post{ID: "P1"})
		c, _, notes := newTestController(t, api)
		require.NoError(t, c.Mount(context.Background()))

		api.AddCommentFunc = func(context.Context, string, string) (*models.Comment, error) {
			return nil, errors.New("down")
		}
		_, err := c.Comment(context.Background(), "P1", "nice")
		require.Error(t, err)

		got, _ := c.Post("P1")
		assert.Empty(t, got.Comments)
		assert.Len(t, notes.all(), 1)
	})
}

func TestController_PageOverlapKeepsStateInFlight(t *testing.T) {
	// Page size 1 and a server that keeps returning P1, as when newer posts
	// push it across the page boundary.
	repeating := func() *apiStub {
		return &apiStub{ListPostsFunc: func(context.Context, int, int) ([]models.Post, error) {
			return []models.Post{threeLikes()}, nil
		}}
	}

	t.Run("like", func(t *testing.T) {
		api := repeating()
		c, _, _ := newTestController(t, api, WithPageSize(1))
		require.NoError(t, c.Mount(context.Background()))
		require.True(t, c.HasMore())

		api.LikePostFunc = func(ctx context.Context, id string) (*models.Post, error) {
			require.NoError(t, c.LoadMore(ctx))
			during, _ := c.Post(id)
			assert.Len(t, during.Likes, 4)
			assert.True(t, during.LikedBy("me"))
			return nil, errors.New("down")
		}
		require.Error(t, c.ToggleLike(context.Background(), "P1"))

		got, _ := c.Post("P1")
		assert.Len(t, got.Likes, 3)
		assert.False(t, got.LikedBy("me"))
		assert.Equal(t, []string{"P1"}, ids(c.Posts()))
	})

	t.Run("comment", func(t *testing.T) {
		api := repeating()
		c, _, _ := newTestController(t, api, WithPageSize(1))
		require.NoError(t, c.Mount(context.Background()))

		api.AddCommentFunc = func(ctx context.Context, postID, content string) (*models.Comment, error) {
			require.NoError(t, c.LoadMore(ctx))
			during, _ := c.Post(postID)
			require.Len(t, during.Comments, 1)
			assert.True(t, models.IsProvisional(during.Comments[0].ID))
			return &models.Comment{ID: "c1", Author: self, Content: content, PostID: postID}, nil
		}
		_, err := c.Comment(context.Background(), "P1", "nice")
		require.NoError(t, err)

		got, _ := c.Post("P1")
		assert.Equal(t, []string{"c1"}, commentIDs(got))
		assert.Zero(t, c.tracker.Len())
	})
}

func TestController_OtherUsersCommentKeepsProvisional(t *testing.T) {
	api := singlePage(models.Post{ID: "P1"})
	c, tr, _ := newTestController(t, api)
	require.NoError(t, c.Mount(context.Background()))

	other := models.Comment{ID: "c1", Author: models.User{ID: "u2"}, Content: "first", PostID: "P1"}
	api.AddCommentFunc = func(context.Context, string, string) (*models.Comment, error) {
		tr.Deliver(events.PostEvent{Kind: events.PostComment, Post: models.Post{ID: "P1", Comments: []models.Comment{other}}})
		during, _ := c.Post("P1")
		require.Len(t, during.Comments, 2)
		assert.Equal(t, "c1", during.Comments[0].ID)
		assert.True(t, models.IsProvisional(during.Comments[1].ID))
		return &models.Comment{ID: "c2", Author: self, Content: "mine", PostID: "P1"}, nil
	}
	_, err := c.Comment(context.Background(), "P1", "mine")
	require.NoError(t, err)

	got, _ := c.Post("P1")
	assert.Equal(t, []string{"c1", "c2"}, commentIDs(got))
}

func TestController_CreatePostNoDuplicates(t *testing.T) {
	in := models.NewPostInput{Title: "hello", Content: "world"}
	canonical := models.Post{ID: "p100", Author: self, Title: "hello", Content: "world"}

	t.Run("echo before response", func(t *testing.T) {
		api := singlePage(models.Post{ID: "p1"})
		c, tr, _ := newTestController(t, api)
		require.NoError(t, c.Mount(context.Background()))

		api.CreatePostFunc = func(context.Context, models.NewPostInput) (*models.Post, error) {
			during := ids(c.Posts())
			require.Len(t, during, 2)
			assert.True(t, models.IsProvisional(during[0]))

			tr.Deliver(events.PostEvent{Kind: events.PostNew, Post: canonical})
			assert.Equal(t, []string{"p100", "p1"}, ids(c.Posts()))
			p := canonical.Clone()
			return &p, nil
		}
		_, err := c.CreatePost(context.Background(), in)
		require.NoError(t, err)
		assert.Equal(t, []string{"p100", "p1"}, ids(c.Posts()))
	})

	t.Run("response before echo", func(t *testing.T) {
		api := singlePage(models.Post{ID: "p1"})
		c, tr, _ := newTestController(t, api)
		require.NoError(t, c.Mount(context.Background()))

		api.CreatePostFunc = func(context.Context, models.NewPostInput) (*models.Post, error) {
			p := canonical.Clone()
			return &p, nil
		}
		_, err := c.CreatePost(context.Background(), in)
		require.NoError(t, err)
		tr.Deliver(events.PostEvent{Kind: events.PostNew, Post: canonical})
		assert.Equal(t, []string{"p100", "p1"}, ids(c.Posts()))
	})

	t.Run("failure removes provisional", func(t *testing.T) {
		api := singlePage(models.Post{ID: "p1"})
		c, _, notes := newTestController(t, api)
		require.NoError(t, c.Mount(context.Background()))

		api.CreatePostFunc = func(context.Context, models.NewPostInput) (*models.Post, error) {
			return nil, models.NewValidationError("title too long")
		}
		_, err := c.CreatePost(context.Background(), in)
		require.Error(t, err)
		assert.Equal(t, []string{"p1"}, ids(c.Posts()))
		assert.Len(t, notes.all(), 1)
	})

	t.Run("empty input rejected", func(t *testing.T) {
		c, _, _ := newTestController(t, singlePage())
		require.NoError(t, c.Mount(context.Background()))
		_, err := c.CreatePost(context.Background(), models.NewPostInput{})
		assert.True(t, models.IsCode(err, models.CodeValidation))
	})
}

func TestController_PushedEventsMergeByIdentity(t *testing.T) {
	c, tr, _ := newTestController(t, singlePage(models.Post{ID: "p1"}))
	require.NoError(t, c.Mount(context.Background()))

	post := models.Post{ID: "p2", Author: models.User{ID: "u2"}}
	tr.Deliver(events.PostEvent{Kind: events.PostNew, Post: post})
	tr.Deliver(events.PostEvent{Kind: events.PostNew, Post: post})
	tr.Deliver(events.PostEvent{Kind: events.PostLike, Post: models.Post{ID: "old", Likes: []string{"x"}}})
	tr.Deliver(events.PostEvent{Kind: events.PostComment, Post: models.Post{ID: "old2"}})

	assert.Equal(t, []string{"p2", "p1"}, ids(c.Posts()))
}

func TestController_StaleResponsesAfterUnmountAreDropped(t *testing.T) {
	api := singlePage(models.Post{ID: "p1"})
	c, tr, notes := newTestController(t, api)
	require.NoError(t, c.Mount(context.Background()))
	require.NoError(t, c.WatchPost("p1"))

	release := make(chan struct{})
	started := make(chan struct{})
	api.CreatePostFunc = func(context.Context, models.NewPostInput) (*models.Post, error) {
		close(started)
		<-release
		return nil, errors.New("late failure")
	}

	done := make(chan error, 1)
	go func() {
		_, err := c.CreatePost(context.Background(), models.NewPostInput{Title: "t"})
		done <- err
	}()
	<-started
	c.Unmount()
	c.Unmount()
	close(release)
	require.Error(t, <-done)

	assert.Len(t, c.Posts(), 2)
	assert.Empty(t, notes.all())
	assert.Zero(t, tr.Subscribers(events.PostNew))
	assert.Contains(t, tr.Leaves(), "post:p1")

	tr.Deliver(events.PostEvent{Kind: events.PostNew, Post: models.Post{ID: "p5"}})
	assert.Len(t, c.Posts(), 2)
}

func TestController_LiveStateNotices(t *testing.T) {
	c, tr, notes := newTestController(t, singlePage())
	require.NoError(t, c.Mount(context.Background()))

	tr.SetState(transport.StateDisconnected)
	tr.SetState(transport.StateConnecting)
	assert.False(t, c.Live())
	tr.SetState(transport.StateConnected)
	assert.True(t, c.Live())
	tr.SetState(transport.StateFailed)

	got := notes.all()
	require.Len(t, got, 3)
	assert.Equal(t, LevelWarn, got[0].Level)
	assert.Equal(t, "live updates resumed", got[1].Message)
	assert.Contains(t, got[2].Message, "unavailable")
}

func TestController_WatchPostJoinsOnce(t *testing.T) {
	c, tr, _ := newTestController(t, singlePage())
	require.NoError(t, c.Mount(context.Background()))

	require.NoError(t, c.WatchPost("p1"))
	require.NoError(t, c.WatchPost("p1"))
	assert.Equal(t, []string{"post:p1", "user:me"}, tr.Rooms())

	require.NoError(t, c.UnwatchPost("p1"))
	require.NoError(t, c.UnwatchPost("p1"))
	assert.Equal(t, []string{"post:p1"}, tr.Leaves())
}
