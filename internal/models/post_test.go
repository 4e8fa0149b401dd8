package models

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPost_NormalizeDefaultsAndDedupes(t *testing.T) {
	t.Parallel()
	p := Post{ID: "p1", Likes: []string{"u1", "u2", "u1"}, Comments: nil}
	p.Normalize()

	assert.Equal(t, []string{"u1", "u2"}, p.Likes)
	assert.NotNil(t, p.Comments)
	assert.Empty(t, p.Comments)

	var empty Post
	empty.Normalize()
	assert.NotNil(t, empty.Likes)
}

func TestPost_NormalizeBackfillsCommentPostID(t *testing.T) {
	t.Parallel()
	p := Post{ID: "p1", Comments: []Comment{{ID: "c1"}}}
	p.Normalize()
	assert.Equal(t, "p1", p.Comments[0].PostID)
}

func TestPost_CloneDoesNotAlias(t *testing.T) {
	t.Parallel()
	p := Post{ID: "p1", Likes: []string{"u1"}, Comments: []Comment{{ID: "c1"}}}
	c := p.Clone()
	c.Likes[0] = "changed"
	c.Comments[0].Content = "changed"

	assert.Equal(t, "u1", p.Likes[0])
	assert.Empty(t, p.Comments[0].Content)
}

func TestPost_RemoveComment(t *testing.T) {
	t.Parallel()
	p := Post{ID: "p1", Comments: []Comment{{ID: "c1"}, {ID: "c2"}, {ID: "c3"}}}

	assert.True(t, p.RemoveComment("c2"))
	assert.False(t, p.RemoveComment("c2"))
	require.Len(t, p.Comments, 2)
	assert.Equal(t, "c1", p.Comments[0].ID)
	assert.Equal(t, "c3", p.Comments[1].ID)
}

func TestPost_Validate(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name  string
		post  Post
		valid bool
	}{
		{"valid", Post{ID: "p1"}, true},
		{"missing id", Post{}, false},
		{"provisional id", Post{ID: ProvisionalPrefix + "x"}, false},
		{"comment without id", Post{ID: "p1", Comments: []Comment{{Content: "hi"}}}, false},
	}

	for _, tt := range tests {
		err := tt.post.Validate()
		if tt.valid {
			assert.NoError(t, err, tt.name)
			continue
		}
		require.Error(t, err, tt.name)
		assert.True(t, IsCode(err, CodeValidation), tt.name)
	}
}

func TestConversationKey_IsOrderIndependent(t *testing.T) {
	t.Parallel()
	assert.Equal(t, ConversationKey("a", "b"), ConversationKey("b", "a"))
	assert.NotEqual(t, ConversationKey("a", "b"), ConversationKey("a", "c"))
}

func TestMessage_Between(t *testing.T) {
	t.Parallel()
	m := Message{ID: "m1", From: "a", To: "b"}
	assert.True(t, m.Between("a", "b"))
	assert.True(t, m.Between("b", "a"))
	assert.False(t, m.Between("a", "c"))
}

func TestIsCode_UnwrapsWrappedErrors(t *testing.T) {
	t.Parallel()
	base := NewNetworkError("dial failed", errors.New("refused"))
	wrapped := errors.Join(errors.New("context"), base)

	assert.True(t, IsCode(wrapped, CodeNetwork))
	assert.False(t, IsCode(wrapped, CodeUnauthorized))
	assert.False(t, IsCode(errors.New("plain"), CodeNetwork))
	assert.Equal(t, "dial failed: refused", base.Error())
}
