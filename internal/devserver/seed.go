package devserver

import (
	"context"
	"fmt"
	"strings"
	"time"

	"feedsync/internal/observability"

	"github.com/brianvoe/gofakeit/v6"
	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"
	"gorm.io/gorm"
)

// SeedOptions controls how much demo data Seed creates.
type SeedOptions struct {
	Users           int
	PostsPerUser    int
	CommentsPerPost int
	// Password is shared by every seeded account.
	Password string
	// MaxDays spreads post timestamps over the last MaxDays days.
	MaxDays int
	// RandSeed makes the generated data reproducible when non-zero.
	RandSeed int64
}

// DefaultSeedOptions returns a small demo data set.
func DefaultSeedOptions() SeedOptions {
	return SeedOptions{
		Users:           5,
		PostsPerUser:    8,
		CommentsPerPost: 3,
		Password:        "password123",
		MaxDays:         30,
	}
}

// SeededUser is an account created by Seed.
type SeededUser struct {
	ID    string `json:"id" yaml:"id"`
	Name  string `json:"name" yaml:"name"`
	Email string `json:"email" yaml:"email"`
}

// NeedsSeed reports whether db holds no users yet.
func NeedsSeed(ctx context.Context, db *gorm.DB) (bool, error) {
	var n int64
	if err := db.WithContext(ctx).Model(&UserRecord{}).Count(&n).Error; err != nil {
		return false, fmt.Errorf("seed: count users: %w", err)
	}
	return n == 0, nil
}

// Seed populates db with users, posts, likes and comments and returns the
// created accounts.
func Seed(ctx context.Context, db *gorm.DB, opts SeedOptions) ([]SeededUser, error) {
	if opts.Users <= 0 {
		return nil, fmt.Errorf("seed: at least one user is required")
	}
	if opts.MaxDays <= 0 {
		opts.MaxDays = 30
	}
	seed := opts.RandSeed
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	faker := gofakeit.New(seed)

	hash, err := bcrypt.GenerateFromPassword([]byte(opts.Password), bcrypt.DefaultCost)
	if err != nil {
		return nil, fmt.Errorf("seed: hash password: %w", err)
	}

	users := make([]UserRecord, 0, opts.Users)
	out := make([]SeededUser, 0, opts.Users)
	for i := 0; i < opts.Users; i++ {
		name := faker.Name()
		u := UserRecord{
			ID:       uuid.NewString(),
			Name:     name,
			Email:    fmt.Sprintf("%s.%d@example.com", strings.ToLower(faker.Username()), i),
			Password: string(hash),
			Avatar:   fmt.Sprintf("https://i.pravatar.cc/150?u=%s", faker.UUID()),
		}
		users = append(users, u)
		out = append(out, SeededUser{ID: u.ID, Name: u.Name, Email: u.Email})
	}

	now := time.Now()
	var posts []PostRecord
	var likes []LikeRecord
	var comments []CommentRecord
	for _, author := range users {
		for j := 0; j < opts.PostsPerUser; j++ {
			age := time.Duration(faker.IntRange(0, opts.MaxDays*24*60)) * time.Minute
			p := PostRecord{
				ID:        uuid.NewString(),
				AuthorID:  author.ID,
				Title:     faker.Sentence(5),
				Content:   faker.Paragraph(1, 3, 5, "\n"),
				CreatedAt: now.Add(-age),
			}
			if faker.Bool() {
				p.ImageURL = fmt.Sprintf("https://picsum.photos/seed/%s/800/800", faker.UUID())
			}
			posts = append(posts, p)

			for _, liker := range users {
				if faker.Bool() {
					likes = append(likes, LikeRecord{PostID: p.ID, UserID: liker.ID, CreatedAt: p.CreatedAt})
				}
			}
			for k := 0; k < opts.CommentsPerPost; k++ {
				commenter := users[faker.IntRange(0, len(users)-1)]
				comments = append(comments, CommentRecord{
					ID:        uuid.NewString(),
					PostID:    p.ID,
					AuthorID:  commenter.ID,
					Content:   faker.Sentence(10),
					CreatedAt: p.CreatedAt.Add(time.Duration(k+1) * time.Minute),
				})
			}
		}
	}

	err = db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(&users).Error; err != nil {
			return err
		}
		if len(posts) > 0 {
			if err := tx.Omit("Author").CreateInBatches(&posts, 100).Error; err != nil {
				return err
			}
		}
		if len(likes) > 0 {
			if err := tx.CreateInBatches(&likes, 100).Error; err != nil {
				return err
			}
		}
		if len(comments) > 0 {
			if err := tx.Omit("Author").CreateInBatches(&comments, 100).Error; err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("seed: %w", err)
	}

	observability.GlobalLogger.InfoContext(ctx, "seeded dev data",
		"users", len(users), "posts", len(posts), "likes", len(likes), "comments", len(comments))
	return out, nil
}
