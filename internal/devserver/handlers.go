package devserver

import (
	"context"
	"strings"

	"feedsync/internal/events"
	"feedsync/internal/models"
	"feedsync/internal/transport"

	"github.com/gofiber/fiber/v2"
	"golang.org/x/crypto/bcrypt"
)

const (
	defaultPageSize = 15
	maxPageSize     = 100
)

// Login handles POST /api/auth/login
func (s *Server) Login(c *fiber.Ctx) error {
	var req struct {
		Email    string `json:"email"`
		Password string `json:"password"`
	}
	if err := c.BodyParser(&req); err != nil {
		return respondError(c, models.NewValidationError("Invalid request body"))
	}

	user, err := s.repo.GetUserByEmail(c.UserContext(), strings.TrimSpace(req.Email))
	if models.IsCode(err, models.CodeNotFound) {
		return respondError(c, models.NewUnauthorizedError("Invalid credentials"))
	}
	if err != nil {
		return respondError(c, err)
	}
	if cmpErr := bcrypt.CompareHashAndPassword([]byte(user.Password), []byte(req.Password)); cmpErr != nil {
		return respondError(c, models.NewUnauthorizedError("Invalid credentials"))
	}

	token, err := IssueToken(s.cfg.JWTSecret, user.toModel(), s.cfg.TokenTTL)
	if err != nil {
		return respondError(c, models.NewInternalError(err))
	}
	return c.JSON(fiber.Map{
		"token": token,
		"user":  user.toModel(),
	})
}

// ListPosts handles GET /api/posts?page=&limit=
func (s *Server) ListPosts(c *fiber.Ctx) error {
	page := c.QueryInt("page", 1)
	if page < 1 {
		page = 1
	}
	limit := c.QueryInt("limit", defaultPageSize)
	if limit < 1 {
		limit = defaultPageSize
	}
	if limit > maxPageSize {
		limit = maxPageSize
	}

	posts, err := s.repo.ListPosts(c.UserContext(), limit, (page-1)*limit)
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(fiber.Map{
		"data":  posts,
		"page":  page,
		"limit": limit,
	})
}

// GetPost handles GET /api/posts/:id
func (s *Server) GetPost(c *fiber.Ctx) error {
	post, err := s.repo.GetPost(c.UserContext(), c.Params("id"))
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(post)
}

// CreatePost handles POST /api/posts and announces the post to every connection.
func (s *Server) CreatePost(c *fiber.Ctx) error {
	var in models.NewPostInput
	if err := c.BodyParser(&in); err != nil {
		return respondError(c, models.NewValidationError("Invalid request body"))
	}
	in.Title = strings.TrimSpace(in.Title)
	in.Content = strings.TrimSpace(in.Content)
	if in.Title == "" && in.Content == "" {
		return respondError(c, models.NewValidationError("Title or content is required"))
	}

	post, err := s.repo.CreatePost(c.UserContext(), currentUserID(c), in)
	if err != nil {
		return respondError(c, err)
	}
	s.broadcastPost(c.UserContext(), events.PostNew, post)
	return c.Status(fiber.StatusCreated).JSON(post)
}

// LikePost handles POST /api/posts/:id/like. It toggles the caller's like.
func (s *Server) LikePost(c *fiber.Ctx) error {
	post, err := s.repo.ToggleLike(c.UserContext(), c.Params("id"), currentUserID(c))
	if err != nil {
		return respondError(c, err)
	}
	s.broadcastPost(c.UserContext(), events.PostLike, post)
	return c.JSON(post)
}

// AddComment handles POST /api/comments/post/:id
func (s *Server) AddComment(c *fiber.Ctx) error {
	var req struct {
		Content string `json:"content"`
	}
	if err := c.BodyParser(&req); err != nil {
		return respondError(c, models.NewValidationError("Invalid request body"))
	}
	content := strings.TrimSpace(req.Content)
	if content == "" {
		return respondError(c, models.NewValidationError("Comment content is required"))
	}

	ctx := c.UserContext()
	comment, err := s.repo.AddComment(ctx, c.Params("id"), currentUserID(c), content)
	if err != nil {
		return respondError(c, err)
	}
	if post, err := s.repo.GetPost(ctx, comment.PostID); err == nil {
		s.broadcastComment(ctx, post)
	}
	return c.Status(fiber.StatusCreated).JSON(comment)
}

// ListUsers handles GET /api/users
func (s *Server) ListUsers(c *fiber.Ctx) error {
	users, err := s.repo.ListUsers(c.UserContext())
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(users)
}

// SendMessage handles POST /api/chat/:id
func (s *Server) SendMessage(c *fiber.Ctx) error {
	var in models.SendMessageInput
	if err := c.BodyParser(&in); err != nil {
		return respondError(c, models.NewValidationError("Invalid request body"))
	}
	content := strings.TrimSpace(in.Content)
	if content == "" {
		return respondError(c, models.NewValidationError("Message content is required"))
	}
	from, to := currentUserID(c), c.Params("id")
	if to == from {
		return respondError(c, models.NewValidationError("Cannot message yourself"))
	}

	ctx := c.UserContext()
	msg, err := s.repo.CreateMessage(ctx, from, to, content)
	if err != nil {
		return respondError(c, err)
	}
	s.broadcastMessage(ctx, msg)
	return c.Status(fiber.StatusCreated).JSON(msg)
}

// ListMessages handles GET /api/chat/:id
func (s *Server) ListMessages(c *fiber.Ctx) error {
	msgs, err := s.repo.ListMessages(c.UserContext(), currentUserID(c), c.Params("id"))
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(msgs)
}

// HealthCheck handles GET /health/live
func (s *Server) HealthCheck(c *fiber.Ctx) error {
	return c.JSON(fiber.Map{"status": "ok"})
}

// ReadinessCheck handles GET /health/ready
func (s *Server) ReadinessCheck(c *fiber.Ctx) error {
	checks := fiber.Map{"database": "ok"}
	status := fiber.StatusOK

	sqlDB, err := s.db.DB()
	if err == nil {
		err = sqlDB.PingContext(c.UserContext())
	}
	if err != nil {
		checks["database"] = err.Error()
		status = fiber.StatusServiceUnavailable
	}
	if s.redis != nil {
		checks["redis"] = "ok"
		if err := s.redis.Ping(c.UserContext()).Err(); err != nil {
			checks["redis"] = err.Error()
			status = fiber.StatusServiceUnavailable
		}
	}
	return c.Status(status).JSON(checks)
}

func (s *Server) broadcastPost(ctx context.Context, name events.Name, post *models.Post) {
	frame, err := events.Encode(name, post)
	if err != nil {
		s.log.LogError(ctx, "", err, string(name))
		return
	}
	s.hub.SendAll(ctx, frame)
}

func (s *Server) broadcastComment(ctx context.Context, post *models.Post) {
	frame, err := events.Encode(events.PostComment, post)
	if err != nil {
		s.log.LogError(ctx, "", err, string(events.PostComment))
		return
	}
	s.hub.SendRoom(ctx, transport.PostRoom(post.ID).Key(), frame)
	s.hub.SendRoom(ctx, transport.UserRoom(post.Author.ID).Key(), frame)
}

func (s *Server) broadcastMessage(ctx context.Context, msg *models.Message) {
	frame, err := events.Encode(events.DMNew, msg)
	if err != nil {
		s.log.LogError(ctx, msg.From, err, string(events.DMNew))
		return
	}
	s.hub.SendRoom(ctx, transport.ConversationRoom(msg.From, msg.To).Key(), frame)
	s.hub.SendRoom(ctx, transport.UserRoom(msg.To).Key(), frame)
}
