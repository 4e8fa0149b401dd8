package devserver

import (
	"context"
	"errors"
	"time"

	"feedsync/internal/models"
	"feedsync/internal/observability"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// UserRecord is a dev server account.
type UserRecord struct {
	ID        string `gorm:"primaryKey;size:36"`
	Name      string `gorm:"size:100;not null"`
	Email     string `gorm:"size:255;uniqueIndex;not null"`
	Password  string `gorm:"not null"`
	Avatar    string
	CreatedAt time.Time
}

// PostRecord is a stored post.
type PostRecord struct {
	ID        string     `gorm:"primaryKey;size:36"`
	AuthorID  string     `gorm:"size:36;index;not null"`
	Author    UserRecord `gorm:"foreignKey:AuthorID"`
	Title     string
	Content   string `gorm:"type:text"`
	ImageURL  string
	CreatedAt time.Time `gorm:"index"`
}

// LikeRecord is one user's like of one post.
type LikeRecord struct {
	PostID    string `gorm:"primaryKey;size:36"`
	UserID    string `gorm:"primaryKey;size:36"`
	CreatedAt time.Time
}

// CommentRecord is a stored comment.
type CommentRecord struct {
	ID        string     `gorm:"primaryKey;size:36"`
	PostID    string     `gorm:"size:36;index;not null"`
	AuthorID  string     `gorm:"size:36;not null"`
	Author    UserRecord `gorm:"foreignKey:AuthorID"`
	Content   string     `gorm:"type:text"`
	CreatedAt time.Time
}

// MessageRecord is a stored direct message.
type MessageRecord struct {
	ID        string `gorm:"primaryKey;size:36"`
	FromID    string `gorm:"size:36;index:idx_message_pair;not null"`
	ToID      string `gorm:"size:36;index:idx_message_pair;not null"`
	Content   string `gorm:"type:text"`
	CreatedAt time.Time
}

func (u UserRecord) toModel() models.User {
	return models.User{ID: u.ID, Name: u.Name, Avatar: u.Avatar}
}

func (c CommentRecord) toModel() models.Comment {
	return models.Comment{
		ID:        c.ID,
		Author:    c.Author.toModel(),
		Content:   c.Content,
		PostID:    c.PostID,
		CreatedAt: c.CreatedAt,
	}
}

func (m MessageRecord) toModel() models.Message {
	return models.Message{ID: m.ID, From: m.FromID, To: m.ToID, Content: m.Content, CreatedAt: m.CreatedAt}
}

// Repository is the dev server persistence contract.
type Repository interface {
	CreateUser(ctx context.Context, user *UserRecord) error
	GetUserByEmail(ctx context.Context, email string) (*UserRecord, error)
	GetUserByID(ctx context.Context, id string) (*UserRecord, error)
	ListUsers(ctx context.Context) ([]models.User, error)

	CreatePost(ctx context.Context, authorID string, in models.NewPostInput) (*models.Post, error)
	GetPost(ctx context.Context, id string) (*models.Post, error)
	ListPosts(ctx context.Context, limit, offset int) ([]models.Post, error)
	ToggleLike(ctx context.Context, postID, userID string) (*models.Post, error)
	AddComment(ctx context.Context, postID, authorID, content string) (*models.Comment, error)

	CreateMessage(ctx context.Context, fromID, toID, content string) (*models.Message, error)
	ListMessages(ctx context.Context, a, b string) ([]models.Message, error)
}

type gormRepository struct {
	db  *gorm.DB
	log *observability.RepoLogger
}

// NewRepository creates a gorm-backed Repository.
func NewRepository(db *gorm.DB) Repository {
	return &gormRepository{db: db, log: observability.NewRepoLogger("devserver")}
}

func (r *gormRepository) CreateUser(ctx context.Context, user *UserRecord) error {
	if user.ID == "" {
		user.ID = uuid.NewString()
	}
	if err := r.db.WithContext(ctx).Create(user).Error; err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return models.NewValidationError("email already registered")
		}
		r.log.LogError(ctx, err, "create_user")
		return err
	}
	r.log.LogCreate(ctx, map[string]interface{}{"user_id": user.ID})
	return nil
}

func (r *gormRepository) GetUserByEmail(ctx context.Context, email string) (*UserRecord, error) {
	var user UserRecord
	err := r.db.WithContext(ctx).Where("email = ?", email).First(&user).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, models.NewNotFoundError("User", email)
	}
	if err != nil {
		return nil, err
	}
	return &user, nil
}

func (r *gormRepository) GetUserByID(ctx context.Context, id string) (*UserRecord, error) {
	var user UserRecord
	err := r.db.WithContext(ctx).First(&user, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, models.NewNotFoundError("User", id)
	}
	if err != nil {
		return nil, err
	}
	return &user, nil
}

func (r *gormRepository) ListUsers(ctx context.Context) ([]models.User, error) {
	var users []UserRecord
	if err := r.db.WithContext(ctx).Order("name ASC").Find(&users).Error; err != nil {
		return nil, err
	}
	out := make([]models.User, 0, len(users))
	for _, u := range users {
		out = append(out, u.toModel())
	}
	return out, nil
}

func (r *gormRepository) CreatePost(ctx context.Context, authorID string, in models.NewPostInput) (*models.Post, error) {
	rec := PostRecord{
		ID:       uuid.NewString(),
		AuthorID: authorID,
		Title:    in.Title,
		Content:  in.Content,
		ImageURL: in.ImageURL,
	}
	if err := r.db.WithContext(ctx).Omit(clause.Associations).Create(&rec).Error; err != nil {
		r.log.LogError(ctx, err, "create_post")
		return nil, err
	}
	r.log.LogCreate(ctx, map[string]interface{}{"post_id": rec.ID})
	return r.GetPost(ctx, rec.ID)
}

func (r *gormRepository) GetPost(ctx context.Context, id string) (*models.Post, error) {
	var rec PostRecord
	err := r.db.WithContext(ctx).Preload("Author").First(&rec, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, models.NewNotFoundError("Post", id)
	}
	if err != nil {
		return nil, err
	}
	posts, err := r.assemble(ctx, []PostRecord{rec})
	if err != nil {
		return nil, err
	}
	return &posts[0], nil
}

func (r *gormRepository) ListPosts(ctx context.Context, limit, offset int) ([]models.Post, error) {
	var recs []PostRecord
	err := r.db.WithContext(ctx).
		Preload("Author").
		Order("created_at DESC").
		Order("id DESC").
		Limit(limit).
		Offset(offset).
		Find(&recs).Error
	if err != nil {
		return nil, err
	}
	return r.assemble(ctx, recs)
}

// ToggleLike adds the like of userID when absent and removes it otherwise,
// then returns the post with its recomputed like set.
func (r *gormRepository) ToggleLike(ctx context.Context, postID, userID string) (*models.Post, error) {
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var post PostRecord
		if err := tx.Select("id").First(&post, "id = ?", postID).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return models.NewNotFoundError("Post", postID)
			}
			return err
		}
		res := tx.Where("post_id = ? AND user_id = ?", postID, userID).Delete(&LikeRecord{})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected > 0 {
			return nil
		}
		return tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&LikeRecord{PostID: postID, UserID: userID}).Error
	})
	if err != nil {
		return nil, err
	}
	return r.GetPost(ctx, postID)
}

func (r *gormRepository) AddComment(ctx context.Context, postID, authorID, content string) (*models.Comment, error) {
	var count int64
	if err := r.db.WithContext(ctx).Model(&PostRecord{}).Where("id = ?", postID).Count(&count).Error; err != nil {
		return nil, err
	}
	if count == 0 {
		return nil, models.NewNotFoundError("Post", postID)
	}

	rec := CommentRecord{ID: uuid.NewString(), PostID: postID, AuthorID: authorID, Content: content}
	if err := r.db.WithContext(ctx).Omit(clause.Associations).Create(&rec).Error; err != nil {
		r.log.LogError(ctx, err, "create_comment")
		return nil, err
	}
	if err := r.db.WithContext(ctx).Preload("Author").First(&rec, "id = ?", rec.ID).Error; err != nil {
		return nil, err
	}
	r.log.LogCreate(ctx, map[string]interface{}{"comment_id": rec.ID, "post_id": postID})
	c := rec.toModel()
	return &c, nil
}

func (r *gormRepository) CreateMessage(ctx context.Context, fromID, toID, content string) (*models.Message, error) {
	if _, err := r.GetUserByID(ctx, toID); err != nil {
		return nil, err
	}
	rec := MessageRecord{ID: uuid.NewString(), FromID: fromID, ToID: toID, Content: content}
	if err := r.db.WithContext(ctx).Create(&rec).Error; err != nil {
		r.log.LogError(ctx, err, "create_message")
		return nil, err
	}
	r.log.LogCreate(ctx, map[string]interface{}{"message_id": rec.ID})
	m := rec.toModel()
	return &m, nil
}

func (r *gormRepository) ListMessages(ctx context.Context, a, b string) ([]models.Message, error) {
	var recs []MessageRecord
	err := r.db.WithContext(ctx).
		Where("(from_id = ? AND to_id = ?) OR (from_id = ? AND to_id = ?)", a, b, b, a).
		Order("created_at ASC").
		Order("id ASC").
		Find(&recs).Error
	if err != nil {
		return nil, err
	}
	out := make([]models.Message, 0, len(recs))
	for _, m := range recs {
		out = append(out, m.toModel())
	}
	return out, nil
}

// assemble loads likes and comments for recs and builds wire posts in the
// same order.
func (r *gormRepository) assemble(ctx context.Context, recs []PostRecord) ([]models.Post, error) {
	out := make([]models.Post, 0, len(recs))
	if len(recs) == 0 {
		return out, nil
	}
	ids := make([]string, 0, len(recs))
	for _, rec := range recs {
		ids = append(ids, rec.ID)
	}

	var likes []LikeRecord
	if err := r.db.WithContext(ctx).
		Where("post_id IN ?", ids).
		Order("created_at ASC").
		Find(&likes).Error; err != nil {
		return nil, err
	}
	likesByPost := make(map[string][]string, len(recs))
	for _, l := range likes {
		likesByPost[l.PostID] = append(likesByPost[l.PostID], l.UserID)
	}

	var comments []CommentRecord
	if err := r.db.WithContext(ctx).
		Preload("Author").
		Where("post_id IN ?", ids).
		Order("created_at ASC").
		Order("id ASC").
		Find(&comments).Error; err != nil {
		return nil, err
	}
	commentsByPost := make(map[string][]models.Comment, len(recs))
	for _, c := range comments {
		commentsByPost[c.PostID] = append(commentsByPost[c.PostID], c.toModel())
	}

	for _, rec := range recs {
		p := models.Post{
			ID:        rec.ID,
			Author:    rec.Author.toModel(),
			Title:     rec.Title,
			Content:   rec.Content,
			ImageURL:  rec.ImageURL,
			Likes:     likesByPost[rec.ID],
			Comments:  commentsByPost[rec.ID],
			CreatedAt: rec.CreatedAt,
		}
		p.Normalize()
		out = append(out, p)
	}
	return out, nil
}
