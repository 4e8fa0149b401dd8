package feed

import (
	"context"
	"sync"

	"feedsync/internal/models"
)

// PostLister fetches one page of the reverse-chronological feed.
type PostLister interface {
	ListPosts(ctx context.Context, page, limit int) ([]models.Post, error)
}

// Store is the ordered collection of posts shown in the feed. Posts are merged
// by identity, so repeated delivery of the same canonical record never
// duplicates it. The only reordering is head insertion of new posts.
type Store struct {
	mu    sync.RWMutex
	order []string
	posts map[string]*models.Post
}

// NewStore creates an empty store.
func NewStore() *Store {
	return &Store{posts: make(map[string]*models.Post)}
}

// LoadPage fetches page from lister and appends it. more is a heuristic: a
// full page suggests another one exists.
func (s *Store) LoadPage(ctx context.Context, lister PostLister, page, size int) (bool, error) {
	posts, err := lister.ListPosts(ctx, page, size)
	if err != nil {
		return false, err
	}
	return s.AppendPage(posts, size), nil
}

// AppendPage appends a fetched page to the tail. A post already present, for
// example pushed across a page boundary by newer posts, is replaced in place.
func (s *Store) AppendPage(posts []models.Post, size int) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range posts {
		p := posts[i].Clone()
		p.Normalize()
		if existing, ok := s.posts[p.ID]; ok {
			*existing = p
			continue
		}
		s.posts[p.ID] = &p
		s.order = append(s.order, p.ID)
	}
	return size > 0 && len(posts) == size
}

// Upsert replaces the post with the same identity in place, or prepends it.
func (s *Store) Upsert(post models.Post) {
	p := post.Clone()
	p.Normalize()

	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.posts[p.ID]; ok {
		*existing = p
		return
	}
	s.posts[p.ID] = &p
	s.order = append([]string{p.ID}, s.order...)
}

// SetPost replaces a post only if it is already present.
func (s *Store) SetPost(post models.Post) bool {
	p := post.Clone()
	p.Normalize()

	s.mu.Lock()
	defer s.mu.Unlock()
	existing, ok := s.posts[p.ID]
	if !ok {
		return false
	}
	*existing = p
	return true
}

// ApplyLike replaces the like set of postID with a canonical snapshot.
func (s *Store) ApplyLike(postID string, likes []string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.posts[postID]
	if !ok {
		return false
	}
	p.Likes = models.DedupeIDs(likes)
	return true
}

// AppendComment appends comment to postID unless a comment with the same
// identity is already there.
func (s *Store) AppendComment(postID string, comment models.Comment) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.posts[postID]
	if !ok || p.HasComment(comment.ID) {
		return false
	}
	if comment.PostID == "" {
		comment.PostID = postID
	}
	p.Comments = append(p.Comments, comment)
	return true
}

// ReplaceComment swaps the comment oldID for comment, keeping its position.
// If comment is already present the old entry is dropped instead.
func (s *Store) ReplaceComment(postID, oldID string, comment models.Comment) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.posts[postID]
	if !ok {
		return false
	}
	if comment.PostID == "" {
		comment.PostID = postID
	}
	if p.HasComment(comment.ID) {
		p.RemoveComment(oldID)
		return true
	}
	for i := range p.Comments {
		if p.Comments[i].ID == oldID {
			p.Comments[i] = comment
			return true
		}
	}
	p.Comments = append(p.Comments, comment)
	return true
}

// RemoveComment drops a comment, used to revert provisional comments.
func (s *Store) RemoveComment(postID, commentID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.posts[postID]
	if !ok {
		return false
	}
	return p.RemoveComment(commentID)
}

// Replace swaps the post oldID for post, keeping its position. If post is
// already present elsewhere the old entry is dropped and the existing one
// updated in place.
func (s *Store) Replace(oldID string, post models.Post) {
	p := post.Clone()
	p.Normalize()

	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.posts[p.ID]; ok {
		*existing = p
		s.removeLocked(oldID)
		return
	}
	idx := s.indexLocked(oldID)
	if idx < 0 {
		s.posts[p.ID] = &p
		s.order = append([]string{p.ID}, s.order...)
		return
	}
	delete(s.posts, oldID)
	s.posts[p.ID] = &p
	s.order[idx] = p.ID
}

// RemovePost drops a post, used to revert provisional posts.
func (s *Store) RemovePost(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.removeLocked(id)
}

// Posts returns deep copies of all posts in display order.
func (s *Store) Posts() []models.Post {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]models.Post, 0, len(s.order))
	for _, id := range s.order {
		out = append(out, s.posts[id].Clone())
	}
	return out
}

// Get returns a copy of the post with the given identity.
func (s *Store) Get(id string) (models.Post, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.posts[id]
	if !ok {
		return models.Post{}, false
	}
	return p.Clone(), true
}

// Has reports whether id is present.
func (s *Store) Has(id string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.posts[id]
	return ok
}

// Len returns the number of posts held.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.order)
}

// Reset empties the store.
func (s *Store) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.order = nil
	s.posts = make(map[string]*models.Post)
}

func (s *Store) indexLocked(id string) int {
	for i, v := range s.order {
		if v == id {
			return i
		}
	}
	return -1
}

func (s *Store) removeLocked(id string) bool {
	if _, ok := s.posts[id]; !ok {
		return false
	}
	delete(s.posts, id)
	if idx := s.indexLocked(id); idx >= 0 {
		s.order = append(s.order[:idx], s.order[idx+1:]...)
	}
	return true
}
