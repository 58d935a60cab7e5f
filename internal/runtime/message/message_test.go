package message

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	errspkg "github.com/drblury/msgbus/internal/runtime/errors"
	"github.com/drblury/msgbus/internal/runtime/jsoncodec"
)

func TestNewStampsIDAndTime(t *testing.T) {
	msg := New("FieldChanged", "form", map[string]any{"field": "email"})
	assert.Len(t, msg.ID, 26)
	assert.False(t, msg.Timestamp.IsZero())
	assert.False(t, msg.Remote)
	require.NoError(t, msg.Validate())
}

func TestValidate(t *testing.T) {
	var nilMsg *Message
	assert.ErrorIs(t, nilMsg.Validate(), errspkg.ErrMessageRequired)
	assert.ErrorIs(t, (&Message{}).Validate(), errspkg.ErrTypeRequired)
	assert.ErrorIs(t, (&Message{Type: "Validate"}).ValidateCorrelated(), errspkg.ErrIDRequired)
	assert.NoError(t, (&Message{Type: "Validate", ID: "1"}).ValidateCorrelated())
}

func TestCloneCopiesMetadata(t *testing.T) {
	orig := &Message{Type: "FormSubmit"}
	orig.SetMeta("k", "v")

	c := orig.Clone()
	c.SetMeta("k", "changed")
	c.Type = "Other"

	assert.Equal(t, "v", orig.Metadata["k"])
	assert.Equal(t, "FormSubmit", orig.Type)
	assert.Nil(t, (*Message)(nil).Clone())
}

func TestStampKeepsExistingFields(t *testing.T) {
	msg := &Message{Type: "FieldChanged", ID: "keep", From: "me"}
	msg.Stamp("other", func() string { return "new" })
	assert.Equal(t, "keep", msg.ID)
	assert.Equal(t, "me", msg.From)
	assert.False(t, msg.Timestamp.IsZero())

	empty := &Message{Type: "FieldChanged"}
	empty.Stamp("client-1", func() string { return "generated" })
	assert.Equal(t, "generated", empty.ID)
	assert.Equal(t, "client-1", empty.From)
}

func TestNewReplyCarriesOnlyTheReplyPayload(t *testing.T) {
	req := &Message{Type: "RemoteValidate", ID: "req-1", From: "client", Payload: map[string]any{"field": "username", "value": "x@"}}

	reply := NewReply(req, map[string]any{"valid": false, "message": "taken"})
	require.True(t, reply.IsReply)
	assert.Equal(t, "req-1", reply.ID)
	assert.Equal(t, "req-1", reply.ReplyTo)
	assert.Equal(t, "client", reply.To)

	payload, ok := reply.Payload.(map[string]any)
	require.True(t, ok)
	assert.Equal(t, map[string]any{"valid": false, "message": "taken", "id": "req-1"}, payload)

	given := map[string]any{"valid": true}
	NewReply(req, given)
	assert.Equal(t, map[string]any{"valid": true}, given, "the caller's map is not mutated")

	scalar := NewReply(req, "ok")
	assert.Equal(t, "ok", scalar.Payload)
}

func TestWireShape(t *testing.T) {
	msg := &Message{Type: "FieldChanged", Topic: "form", ID: "1", IsRequest: true, Remote: true}
	data, err := jsoncodec.Marshal(msg)
	require.NoError(t, err)

	var raw map[string]any
	require.NoError(t, jsoncodec.Unmarshal(data, &raw))
	assert.Equal(t, "FieldChanged", raw["type"])
	assert.Equal(t, true, raw["_isRequest"])
	assert.Equal(t, true, raw["_remote"])
	_, hasReply := raw["_isReply"]
	assert.False(t, hasReply)
}

func TestNewError(t *testing.T) {
	msg := NewError("abc", "socket closed")
	assert.Equal(t, TypeError, msg.Type)
	assert.Equal(t, "abc", msg.ID)
	assert.NoError(t, msg.Validate())
}
