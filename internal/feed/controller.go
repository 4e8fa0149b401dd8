// Package feed keeps the social feed consistent across paginated fetches,
// pushed events and optimistic local mutations.
package feed

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"feedsync/internal/events"
	"feedsync/internal/models"
	"feedsync/internal/observability"
	"feedsync/internal/session"
	"feedsync/internal/transport"

	"go.opentelemetry.io/otel/attribute"
)

// DefaultPageSize is the number of posts requested per page.
const DefaultPageSize = 15

// API is the subset of the REST collaborator the feed needs.
type API interface {
	PostLister
	CreatePost(ctx context.Context, in models.NewPostInput) (*models.Post, error)
	LikePost(ctx context.Context, id string) (*models.Post, error)
	AddComment(ctx context.Context, postID, content string) (*models.Comment, error)
}

// Transport is the subset of the realtime connection the feed needs.
type Transport interface {
	On(name events.Name, handler transport.Handler) transport.Subscription
	Off(sub transport.Subscription)
	Emit(name events.Name, payload interface{}) error
	JoinRoom(room transport.Room) error
	LeaveRoom(room transport.Room) error
	State() transport.State
	OnStateChange(fn func(transport.State))
}

// Option configures a Controller.
type Option func(*Controller)

// WithPageSize overrides DefaultPageSize.
func WithPageSize(n int) Option {
	return func(c *Controller) {
		if n > 0 {
			c.pageSize = n
		}
	}
}

// WithNotifier sets where user notices go. The default logs them.
func WithNotifier(n Notifier) Option {
	return func(c *Controller) { c.notifier = n }
}

// WithEchoMutations makes the controller emit post:new and post:like after a
// successful REST call, for backends that broadcast on client echo.
func WithEchoMutations(enabled bool) Option {
	return func(c *Controller) { c.echo = enabled }
}

// Controller orchestrates pagination, optimistic mutations and reconciliation
// of pushed events for one feed view.
type Controller struct {
	api      API
	tr       Transport
	self     models.User
	store    *Store
	tracker  *Tracker
	notifier Notifier
	pageSize int
	echo     bool

	mu       sync.Mutex
	mounted  bool
	gen      uint64
	page     int
	more     bool
	loading  bool
	subs     []transport.Subscription
	watched  map[string]struct{}
	live     bool
	watching bool
}

// NewController creates a controller for sess. It fails with
// session.ErrNoCredential when there is no usable credential.
func NewController(api API, tr Transport, sess *session.Session, opts ...Option) (*Controller, error) {
	if err := sess.Check(time.Now()); err != nil {
		return nil, err
	}
	c := &Controller{
		api:      api,
		tr:       tr,
		self:     models.User{ID: sess.UserID, Name: sess.Name},
		store:    NewStore(),
		tracker:  NewTracker(),
		notifier: LogNotifier{},
		pageSize: DefaultPageSize,
		watched:  make(map[string]struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Mount subscribes to feed events, joins the user room and loads the first
// page. A failed first page is returned so the caller can show a blocking
// message; the controller stays mounted and LoadMore retries it.
func (c *Controller) Mount(ctx context.Context) error {
	c.mu.Lock()
	if c.mounted {
		c.mu.Unlock()
		return nil
	}
	c.mounted = true
	c.gen++
	gen := c.gen
	c.page = 0
	c.more = true
	c.store.Reset()
	c.tracker.Reset()
	c.subs = []transport.Subscription{
		c.tr.On(events.PostNew, c.handlePost),
		c.tr.On(events.PostLike, c.handlePost),
		c.tr.On(events.PostComment, c.handlePost),
	}
	registerWatch := !c.watching
	c.watching = true
	c.live = c.tr.State() == transport.StateConnected
	c.loading = true
	c.mu.Unlock()

	if registerWatch {
		c.tr.OnStateChange(c.handleState)
	}
	if err := c.tr.JoinRoom(transport.UserRoom(c.self.ID)); err != nil {
		observability.GlobalLogger.Warn("join user room failed", "user_id", c.self.ID, "error", err.Error())
	}

	return c.loadPage(ctx, gen, 1)
}

// LoadMore fetches the next page. It is a no-op once the last page was short
// or while another page load is in flight.
func (c *Controller) LoadMore(ctx context.Context) error {
	c.mu.Lock()
	if !c.mounted || !c.more || c.loading {
		c.mu.Unlock()
		return nil
	}
	c.loading = true
	gen := c.gen
	next := c.page + 1
	c.mu.Unlock()
	return c.loadPage(ctx, gen, next)
}

// loadPage expects the caller to have set loading under the lock.
func (c *Controller) loadPage(ctx context.Context, gen uint64, page int) (err error) {
	span, ctx := observability.NewSpan(ctx, "feed.load_page", attribute.Int("page", page))
	defer func() {
		span.SetError(err)
		span.End()
	}()

	size := c.pageSize
	posts, err := c.api.ListPosts(ctx, page, size)

	c.mu.Lock()
	if c.gen != gen {
		c.mu.Unlock()
		observability.StaleResponsesDropped.WithLabelValues("feed").Inc()
		return err
	}
	c.loading = false
	if err != nil {
		c.mu.Unlock()
		c.notify(Notice{Level: LevelError, Message: fmt.Sprintf("could not load page %d", page), Err: err})
		return err
	}
	// Posts already shown were pushed across the page boundary; merge them
	// so local state still in flight survives.
	fresh := make([]models.Post, 0, len(posts))
	for _, post := range posts {
		if c.store.Has(post.ID) {
			c.mergeCanonicalLocked(post, false)
			continue
		}
		fresh = append(fresh, post)
	}
	c.store.AppendPage(fresh, size)
	c.more = size > 0 && len(posts) == size
	c.page = page
	c.mu.Unlock()
	return nil
}

// HasMore reports whether another page may exist.
func (c *Controller) HasMore() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.more
}

// Posts returns the feed in display order.
func (c *Controller) Posts() []models.Post {
	return c.store.Posts()
}

// Post returns one post from the feed.
func (c *Controller) Post(id string) (models.Post, bool) {
	return c.store.Get(id)
}

// Live reports whether pushed updates are flowing. When false the feed is in
// fetch-only mode.
func (c *Controller) Live() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.live
}

// ToggleLike flips the caller's like on postID ahead of confirmation. On
// failure the previous state is restored unless canonical state for the post
// arrived meanwhile.
func (c *Controller) ToggleLike(ctx context.Context, postID string) (err error) {
	span, ctx := observability.NewSpan(ctx, "feed.toggle_like", attribute.String("post.id", postID))
	defer func() {
		span.SetError(err)
		span.End()
	}()

	c.mu.Lock()
	if !c.mounted {
		c.mu.Unlock()
		return models.NewValidationError("feed is not mounted")
	}
	post, ok := c.store.Get(postID)
	if !ok {
		c.mu.Unlock()
		return models.NewNotFoundError("Post", postID)
	}
	snapshot := post.Clone()
	liked := post.LikedBy(c.self.ID)
	c.store.ApplyLike(postID, withMembership(post.Likes, c.self.ID, !liked))
	pending := c.tracker.Begin(KindLike, postID, &snapshot)
	gen := c.gen
	c.mu.Unlock()

	fields := map[string]interface{}{"post_id": postID, "key": pending.Key}
	observability.LogAsyncOperationStart(ctx, "feed.like", fields)
	res, err := c.api.LikePost(ctx, postID)

	c.mu.Lock()
	p := c.tracker.Resolve(pending.Key)
	if c.gen != gen {
		c.mu.Unlock()
		observability.StaleResponsesDropped.WithLabelValues("feed").Inc()
		return err
	}
	if err != nil {
		outcome := "reverted"
		if p != nil && p.Superseded {
			outcome = "superseded"
		} else if current, ok := c.store.Get(postID); ok {
			c.store.ApplyLike(postID, withMembership(current.Likes, c.self.ID, snapshot.LikedBy(c.self.ID)))
		}
		c.mu.Unlock()
		observability.OptimisticMutations.WithLabelValues(string(KindLike), outcome).Inc()
		observability.LogAsyncOperationError(ctx, "feed.like", err, fields)
		c.notify(Notice{Level: LevelError, Message: "could not update like", Err: err})
		return err
	}
	c.store.ApplyLike(res.ID, res.Likes)
	c.mu.Unlock()

	observability.OptimisticMutations.WithLabelValues(string(KindLike), "confirmed").Inc()
	observability.LogAsyncOperationEnd(ctx, "feed.like", fields)
	c.emitEcho(events.PostLike, res)
	return nil
}

// Comment appends a provisional comment to postID and reconciles it with the
// canonical comment.
func (c *Controller) Comment(ctx context.Context, postID, content string) (_ *models.Comment, err error) {
	span, ctx := observability.NewSpan(ctx, "feed.comment", attribute.String("post.id", postID))
	defer func() {
		span.SetError(err)
		span.End()
	}()

	content = strings.TrimSpace(content)
	if content == "" {
		return nil, models.NewValidationError("comment content is required")
	}

	c.mu.Lock()
	if !c.mounted {
		c.mu.Unlock()
		return nil, models.NewValidationError("feed is not mounted")
	}
	if !c.store.Has(postID) {
		c.mu.Unlock()
		return nil, models.NewNotFoundError("Post", postID)
	}
	pending := c.tracker.BeginCreation(KindComment, postID, c.self.ID, "", content)
	c.store.AppendComment(postID, models.Comment{
		ID:        pending.ProvisionalID,
		Author:    c.self,
		Content:   content,
		PostID:    postID,
		CreatedAt: pending.StartedAt,
	})
	gen := c.gen
	c.mu.Unlock()

	fields := map[string]interface{}{"post_id": postID, "key": pending.Key}
	observability.LogAsyncOperationStart(ctx, "feed.comment", fields)
	res, err := c.api.AddComment(ctx, postID, content)

	c.mu.Lock()
	p := c.tracker.Resolve(pending.Key)
	if c.gen != gen {
		c.mu.Unlock()
		observability.StaleResponsesDropped.WithLabelValues("feed").Inc()
		return res, err
	}
	if err != nil {
		c.store.RemoveComment(postID, pending.ProvisionalID)
		c.mu.Unlock()
		observability.OptimisticMutations.WithLabelValues(string(KindComment), "reverted").Inc()
		observability.LogAsyncOperationError(ctx, "feed.comment", err, fields)
		c.notify(Notice{Level: LevelError, Message: "could not post comment", Err: err})
		return nil, err
	}
	if p != nil {
		c.store.ReplaceComment(postID, p.ProvisionalID, *res)
	} else {
		c.store.AppendComment(postID, *res)
	}
	c.mu.Unlock()

	observability.OptimisticMutations.WithLabelValues(string(KindComment), "confirmed").Inc()
	observability.LogAsyncOperationEnd(ctx, "feed.comment", fields)
	return res, nil
}

// CreatePost prepends a provisional post and reconciles it with the canonical
// post, whichever of the response or the pushed echo arrives first.
func (c *Controller) CreatePost(ctx context.Context, in models.NewPostInput) (_ *models.Post, err error) {
	span, ctx := observability.NewSpan(ctx, "feed.create_post")
	defer func() {
		span.SetError(err)
		span.End()
	}()

	if strings.TrimSpace(in.Title) == "" && strings.TrimSpace(in.Content) == "" {
		return nil, models.NewValidationError("post title or content is required")
	}

	c.mu.Lock()
	if !c.mounted {
		c.mu.Unlock()
		return nil, models.NewValidationError("feed is not mounted")
	}
	pending := c.tracker.BeginCreation(KindPost, "", c.self.ID, in.Title, in.Content)
	c.store.Upsert(models.Post{
		ID:        pending.ProvisionalID,
		Author:    c.self,
		Title:     in.Title,
		Content:   in.Content,
		ImageURL:  in.ImageURL,
		CreatedAt: pending.StartedAt,
	})
	gen := c.gen
	c.mu.Unlock()

	fields := map[string]interface{}{"key": pending.Key}
	observability.LogAsyncOperationStart(ctx, "feed.create_post", fields)
	res, err := c.api.CreatePost(ctx, in)

	c.mu.Lock()
	p := c.tracker.Resolve(pending.Key)
	if c.gen != gen {
		c.mu.Unlock()
		observability.StaleResponsesDropped.WithLabelValues("feed").Inc()
		return res, err
	}
	if err != nil {
		c.store.RemovePost(pending.ProvisionalID)
		c.mu.Unlock()
		observability.OptimisticMutations.WithLabelValues(string(KindPost), "reverted").Inc()
		observability.LogAsyncOperationError(ctx, "feed.create_post", err, fields)
		c.notify(Notice{Level: LevelError, Message: "could not create post", Err: err})
		return nil, err
	}
	if p != nil {
		c.store.Replace(p.ProvisionalID, *res)
	} else {
		c.store.Upsert(*res)
	}
	c.mu.Unlock()

	observability.OptimisticMutations.WithLabelValues(string(KindPost), "confirmed").Inc()
	observability.LogAsyncOperationEnd(ctx, "feed.create_post", fields)
	c.emitEcho(events.PostNew, res)
	return res, nil
}

// WatchPost joins the comment room of postID.
func (c *Controller) WatchPost(postID string) error {
	c.mu.Lock()
	if _, ok := c.watched[postID]; ok {
		c.mu.Unlock()
		return nil
	}
	c.watched[postID] = struct{}{}
	c.mu.Unlock()
	return c.tr.JoinRoom(transport.PostRoom(postID))
}

// UnwatchPost leaves the comment room of postID.
func (c *Controller) UnwatchPost(postID string) error {
	c.mu.Lock()
	if _, ok := c.watched[postID]; !ok {
		c.mu.Unlock()
		return nil
	}
	delete(c.watched, postID)
	c.mu.Unlock()
	return c.tr.LeaveRoom(transport.PostRoom(postID))
}

// Unmount releases subscriptions and post rooms. Responses still in flight
// are discarded when they arrive. It is safe to call more than once.
func (c *Controller) Unmount() {
	c.mu.Lock()
	if !c.mounted {
		c.mu.Unlock()
		return
	}
	c.mounted = false
	c.gen++
	c.loading = false
	subs := c.subs
	c.subs = nil
	watched := make([]string, 0, len(c.watched))
	for id := range c.watched {
		watched = append(watched, id)
	}
	c.watched = make(map[string]struct{})
	c.mu.Unlock()

	for _, sub := range subs {
		c.tr.Off(sub)
	}
	for _, id := range watched {
		_ = c.tr.LeaveRoom(transport.PostRoom(id))
	}
}

func (c *Controller) handlePost(ev events.Event) {
	pe, ok := ev.(events.PostEvent)
	if !ok {
		return
	}
	post := pe.Post

	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.mounted {
		return
	}

	if c.store.Has(post.ID) {
		switch pe.Kind {
		case events.PostLike:
			c.tracker.Supersede(KindLike, post.ID)
			c.store.ApplyLike(post.ID, post.Likes)
		default:
			c.mergeCanonicalLocked(post, true)
		}
		return
	}

	// Likes and comments for posts outside the loaded pages are ignored;
	// inserting them would put old posts at the head.
	if pe.Kind != events.PostNew {
		return
	}
	if post.Author.ID == c.self.ID {
		if p := c.tracker.Adopt(KindPost, "", c.self.ID, post.Title, post.Content); p != nil {
			c.store.Replace(p.ProvisionalID, post)
			observability.OptimisticMutations.WithLabelValues(string(KindPost), "adopted").Inc()
			return
		}
	}
	c.store.Upsert(post)
}

// mergeCanonicalLocked replaces a present post with its canonical record while
// keeping provisional comments that are still in flight. A pushed record
// supersedes pending likes. A fetched page may predate them, so the caller's
// optimistic membership is kept instead.
func (c *Controller) mergeCanonicalLocked(post models.Post, pushed bool) {
	local, _ := c.store.Get(post.ID)
	for _, cm := range post.Comments {
		if cm.Author.ID != c.self.ID || local.HasComment(cm.ID) {
			continue
		}
		if c.tracker.Adopt(KindComment, post.ID, c.self.ID, "", cm.Content) != nil {
			observability.OptimisticMutations.WithLabelValues(string(KindComment), "adopted").Inc()
		}
	}

	merged := post.Clone()
	merged.Normalize()
	for _, p := range c.tracker.Outstanding(KindComment, post.ID) {
		for _, cm := range local.Comments {
			if cm.ID == p.ProvisionalID {
				merged.Comments = append(merged.Comments, cm)
				break
			}
		}
	}
	if pushed {
		c.tracker.Supersede(KindLike, post.ID)
	} else if len(c.tracker.Outstanding(KindLike, post.ID)) > 0 {
		merged.Likes = withMembership(merged.Likes, c.self.ID, local.LikedBy(c.self.ID))
	}
	c.store.SetPost(merged)
}

func (c *Controller) handleState(s transport.State) {
	live := s == transport.StateConnected

	c.mu.Lock()
	if !c.mounted || c.live == live {
		c.live = live
		c.mu.Unlock()
		return
	}
	c.live = live
	c.mu.Unlock()

	if live {
		c.notify(Notice{Level: LevelInfo, Message: "live updates resumed"})
		return
	}
	msg := "live updates paused"
	if s == transport.StateFailed {
		msg = "live updates unavailable, refresh to see new posts"
	}
	c.notify(Notice{Level: LevelWarn, Message: msg})
}

func (c *Controller) emitEcho(name events.Name, post *models.Post) {
	if !c.echo || post == nil {
		return
	}
	if err := c.tr.Emit(name, post); err != nil {
		observability.GlobalLogger.Debug("echo not sent", "event_type", string(name), "error", err.Error())
	}
}

func (c *Controller) notify(n Notice) {
	if c.notifier != nil {
		c.notifier.Notify(n)
	}
}

func withMembership(likes []string, userID string, member bool) []string {
	out := make([]string, 0, len(likes)+1)
	for _, id := range likes {
		if id != userID {
			out = append(out, id)
		}
	}
	if member {
		out = append(out, userID)
	}
	return out
}
