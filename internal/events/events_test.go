package events

import (
	"encoding/json"
	"testing"

	"feedsync/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecode_PostEventIsNormalized(t *testing.T) {
	t.Parallel()
	frame, err := Encode(PostLike, models.Post{ID: "p1", Likes: []string{"a", "a", "b"}})
	require.NoError(t, err)

	ev, err := Decode(frame)
	require.NoError(t, err)

	pe, ok := ev.(PostEvent)
	require.True(t, ok, "expected PostEvent, got %T", ev)
	assert.Equal(t, PostLike, pe.EventName())
	assert.Equal(t, []string{"a", "b"}, pe.Post.Likes)
	assert.NotNil(t, pe.Post.Comments)
}

func TestDecode_MessageEvent(t *testing.T) {
	t.Parallel()
	frame, err := Encode(DMNew, models.Message{ID: "m1", From: "a", To: "b", Content: "hi"})
	require.NoError(t, err)

	ev, err := Decode(frame)
	require.NoError(t, err)
	me, ok := ev.(MessageEvent)
	require.True(t, ok)
	assert.Equal(t, DMNew, me.EventName())
	assert.Equal(t, "hi", me.Message.Content)
}

func TestDecode_RejectsMalformed(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name  string
		frame string
	}{
		{"not json", `{{{`},
		{"missing type", `{"payload":{"id":"p1"}}`},
		{"unknown type", `{"type":"cart:update","payload":{}}`},
		{"null payload", `{"type":"post:new","payload":null}`},
		{"missing payload", `{"type":"post:new"}`},
		{"post without id", `{"type":"post:new","payload":{"title":"x"}}`},
		{"post with wrong field type", `{"type":"post:like","payload":{"id":"p1","likes":"oops"}}`},
		{"message without parties", `{"type":"dm:new","payload":{"id":"m1"}}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Decode([]byte(tt.frame))
			require.Error(t, err)
			assert.True(t, models.IsCode(err, models.CodeMalformedPayload))
		})
	}
}

func TestEncode_Envelope(t *testing.T) {
	t.Parallel()
	frame, err := Encode(DMJoin, ConversationPayload{Me: "a", Other: "b"})
	require.NoError(t, err)

	var env Envelope
	require.NoError(t, json.Unmarshal(frame, &env))
	assert.Equal(t, DMJoin, env.Type)
	assert.JSONEq(t, `{"me":"a","other":"b"}`, string(env.Payload))
}
