// Package models contains the wire types shared by the feed core, the REST
// client and the dev server.
package models

import (
	"strings"
	"time"
)

// ProvisionalPrefix marks identities assigned locally to optimistic records
// before the server has confirmed them.
const ProvisionalPrefix = "pending:"

// IsProvisional reports whether id was assigned locally.
func IsProvisional(id string) bool {
	return strings.HasPrefix(id, ProvisionalPrefix)
}

// User is the social identity used by reference everywhere.
type User struct {
	ID     string `json:"id" yaml:"id"`
	Name   string `json:"name" yaml:"name"`
	Avatar string `json:"avatar,omitempty" yaml:"avatar,omitempty"`
}

// Post represents a post in the social feed.
type Post struct {
	ID        string    `json:"id" yaml:"id"`
	Author    User      `json:"author" yaml:"author"`
	Title     string    `json:"title" yaml:"title"`
	Content   string    `json:"content" yaml:"content"`
	ImageURL  string    `json:"image_url,omitempty" yaml:"image_url,omitempty"`
	Likes     []string  `json:"likes" yaml:"likes"`
	Comments  []Comment `json:"comments" yaml:"comments"`
	CreatedAt time.Time `json:"created_at" yaml:"created_at"`
}

// Comment represents a comment on a post. The post owns the comment sequence;
// PostID is only a back-reference.
type Comment struct {
	ID        string    `json:"id" yaml:"id"`
	Author    User      `json:"author" yaml:"author"`
	Content   string    `json:"content" yaml:"content"`
	PostID    string    `json:"post_id" yaml:"post_id"`
	CreatedAt time.Time `json:"created_at" yaml:"created_at"`
}

// NewPostInput is the body of a post creation request.
type NewPostInput struct {
	Title    string `json:"title"`
	Content  string `json:"content"`
	ImageURL string `json:"image_url,omitempty"`
}

// Normalize defaults missing collections and removes duplicate likes while
// keeping first-seen order.
func (p *Post) Normalize() {
	p.Likes = DedupeIDs(p.Likes)
	if p.Comments == nil {
		p.Comments = []Comment{}
	}
	for i := range p.Comments {
		if p.Comments[i].PostID == "" {
			p.Comments[i].PostID = p.ID
		}
	}
}

// LikedBy reports whether userID is in the like set.
func (p *Post) LikedBy(userID string) bool {
	for _, id := range p.Likes {
		if id == userID {
			return true
		}
	}
	return false
}

// HasComment reports whether a comment with the given identity exists.
func (p *Post) HasComment(commentID string) bool {
	return p.commentIndex(commentID) >= 0
}

func (p *Post) commentIndex(commentID string) int {
	for i := range p.Comments {
		if p.Comments[i].ID == commentID {
			return i
		}
	}
	return -1
}

// RemoveComment drops a comment by identity and reports whether it existed.
func (p *Post) RemoveComment(commentID string) bool {
	i := p.commentIndex(commentID)
	if i < 0 {
		return false
	}
	p.Comments = append(p.Comments[:i:i], p.Comments[i+1:]...)
	return true
}

// Clone returns a deep copy so callers cannot alias store internals.
func (p Post) Clone() Post {
	out := p
	if p.Likes != nil {
		out.Likes = append([]string(nil), p.Likes...)
	}
	if p.Comments != nil {
		out.Comments = append([]Comment(nil), p.Comments...)
	}
	return out
}

// Validate checks the fields required before a pushed post can enter the store.
func (p *Post) Validate() error {
	if strings.TrimSpace(p.ID) == "" {
		return NewValidationError("post id is required")
	}
	if IsProvisional(p.ID) {
		return NewValidationError("post id must be server-assigned")
	}
	for _, c := range p.Comments {
		if c.ID == "" {
			return NewValidationError("comment id is required")
		}
	}
	return nil
}

// Validate checks the fields required before a pushed comment can enter the store.
func (c *Comment) Validate() error {
	if strings.TrimSpace(c.ID) == "" {
		return NewValidationError("comment id is required")
	}
	if strings.TrimSpace(c.PostID) == "" {
		return NewValidationError("comment post_id is required")
	}
	return nil
}

// DedupeIDs returns ids without duplicates, preserving first occurrence order.
// A nil input yields an empty, non-nil slice.
func DedupeIDs(ids []string) []string {
	out := make([]string, 0, len(ids))
	seen := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}
