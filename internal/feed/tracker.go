package feed

import (
	"sync"
	"time"

	"feedsync/internal/models"

	"github.com/google/uuid"
)

// Kind is the type of a local action awaiting confirmation.
type Kind string

const (
	KindLike    Kind = "like"
	KindComment Kind = "comment"
	KindPost    Kind = "post"
	KindMessage Kind = "message"
)

// Pending is a local mutation applied ahead of server confirmation.
type Pending struct {
	Key  string
	Kind Kind
	// Target is the post for likes and comments, the partner for messages,
	// and empty for new posts.
	Target string
	// ProvisionalID is the local identity of a created record.
	ProvisionalID string
	// Snapshot is the pre-mutation state used to revert.
	Snapshot *models.Post

	AuthorID string
	Title    string
	Content  string

	// Superseded is set once a canonical record for Target was observed while
	// the mutation was in flight; reverting would then discard newer state.
	Superseded bool
	StartedAt  time.Time
}

// Tracker correlates local actions with their confirmed counterparts.
type Tracker struct {
	mu      sync.Mutex
	pending map[string]*Pending
	order   []string
}

// NewTracker creates an empty tracker.
func NewTracker() *Tracker {
	return &Tracker{pending: make(map[string]*Pending)}
}

// Begin registers a mutation on target with the state needed to revert it.
func (t *Tracker) Begin(kind Kind, target string, snapshot *models.Post) *Pending {
	p := &Pending{
		Key:       uuid.NewString(),
		Kind:      kind,
		Target:    target,
		Snapshot:  snapshot,
		StartedAt: time.Now(),
	}
	t.add(p)
	return p
}

// BeginCreation registers a record created locally. The record gets a
// provisional identity until the canonical one is known.
func (t *Tracker) BeginCreation(kind Kind, target, authorID, title, content string) *Pending {
	key := uuid.NewString()
	p := &Pending{
		Key:           key,
		Kind:          kind,
		Target:        target,
		ProvisionalID: models.ProvisionalPrefix + key,
		AuthorID:      authorID,
		Title:         title,
		Content:       content,
		StartedAt:     time.Now(),
	}
	t.add(p)
	return p
}

func (t *Tracker) add(p *Pending) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.pending[p.Key] = p
	t.order = append(t.order, p.Key)
}

// Resolve removes and returns the mutation with key. It returns nil when the
// mutation was already adopted by a pushed record or reset.
func (t *Tracker) Resolve(key string) *Pending {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.removeLocked(key)
}

// Adopt finds the oldest pending creation matching a canonical record from
// the same author, removes it and returns it.
func (t *Tracker) Adopt(kind Kind, target, authorID, title, content string) *Pending {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, key := range t.order {
		p := t.pending[key]
		if p.Kind != kind || p.ProvisionalID == "" {
			continue
		}
		if p.Target == target && p.AuthorID == authorID && p.Title == title && p.Content == content {
			return t.removeLocked(key)
		}
	}
	return nil
}

// Supersede marks every pending mutation of kind on target as overtaken by
// canonical state and returns how many were marked.
func (t *Tracker) Supersede(kind Kind, target string) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	n := 0
	for _, p := range t.pending {
		if p.Kind == kind && p.Target == target {
			p.Superseded = true
			n++
		}
	}
	return n
}

// Outstanding returns copies of the pending mutations of kind on target in
// the order they were started.
func (t *Tracker) Outstanding(kind Kind, target string) []Pending {
	t.mu.Lock()
	defer t.mu.Unlock()
	var out []Pending
	for _, key := range t.order {
		p := t.pending[key]
		if p.Kind == kind && p.Target == target {
			out = append(out, *p)
		}
	}
	return out
}

// Len returns the number of unresolved mutations.
func (t *Tracker) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.pending)
}

// Reset forgets every pending mutation.
func (t *Tracker) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.pending = make(map[string]*Pending)
	t.order = nil
}

func (t *Tracker) removeLocked(key string) *Pending {
	p, ok := t.pending[key]
	if !ok {
		return nil
	}
	delete(t.pending, key)
	for i, k := range t.order {
		if k == key {
			t.order = append(t.order[:i], t.order[i+1:]...)
			break
		}
	}
	return p
}
