package transport

import (
	"strings"
	"testing"
	"time"

	"github.com/opd-ai/toxrelay/limits"
	"github.com/opd-ai/toxrelay/messaging"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecodeFrameNewMessage(t *testing.T) {
	data := []byte(`{"type":"newMessage","payload":{"id":"m1","conversationId":"c1","senderId":"device-a",` +
		`"payload":"aGVsbG8=","createdAt":"2026-01-02T03:04:05Z"}}`)

	ev, err := DecodeFrame(data, KindStreaming)
	require.NoError(t, err)
	assert.Equal(t, EventNewMessage, ev.Type)
	assert.Equal(t, KindStreaming, ev.Source)
	assert.Equal(t, "m1", ev.Message.ID)
	assert.Equal(t, "c1", ev.Message.ConversationID)
	assert.Equal(t, []byte("hello"), ev.Message.Payload)
	assert.True(t, ev.Message.CreatedAt.Equal(testEpoch))
	assert.Equal(t, messaging.StateDelivered, ev.Message.State, "missing state defaults to delivered")
	assert.True(t, ev.Message.ExpiresAt.IsZero())
}

func TestDecodeFrameAcknowledgment(t *testing.T) {
	data := []byte(`{"type":"acknowledgment","payload":{"messageId":"m1","participantId":"device-b","at":"2026-01-02T03:04:05Z"}}`)

	ev, err := DecodeFrame(data, KindPolling)
	require.NoError(t, err)
	assert.Equal(t, EventAcknowledgment, ev.Type)
	assert.Equal(t, "m1", ev.Ack.MessageID)
	assert.Equal(t, "device-b", ev.Ack.ParticipantID)
	assert.Empty(t, ev.Ack.ConversationID)
}

func TestDecodeFrameMalformed(t *testing.T) {
	tests := []struct {
		name string
		data string
	}{
		{"not json", `{"type":`},
		{"unknown type", `{"type":"presence","payload":{}}`},
		{"missing payload", `{"type":"newMessage"}`},
		{"message without id", `{"type":"newMessage","payload":{"conversationId":"c1","payload":"eA==","createdAt":"2026-01-02T03:04:05Z"}}`},
		{"message without createdAt", `{"type":"newMessage","payload":{"id":"m1","conversationId":"c1","payload":"eA=="}}`},
		{"empty message payload", `{"type":"newMessage","payload":{"id":"m1","conversationId":"c1","createdAt":"2026-01-02T03:04:05Z"}}`},
		{"unknown state", `{"type":"newMessage","payload":{"id":"m1","conversationId":"c1","payload":"eA==","createdAt":"2026-01-02T03:04:05Z","state":"read"}}`},
		{"ack without message id", `{"type":"acknowledgment","payload":{"participantId":"device-b"}}`},
		{"payload wrong shape", `{"type":"acknowledgment","payload":[1,2,3]}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := DecodeFrame([]byte(tt.data), KindStreaming)
			assert.ErrorIs(t, err, ErrMalformedEvent)
		})
	}
}

func TestDecodeFrameOversized(t *testing.T) {
	data := []byte(`{"type":"newMessage","payload":"` + strings.Repeat("x", limits.MaxFrameSize) + `"}`)
	_, err := DecodeFrame(data, KindStreaming)
	assert.ErrorIs(t, err, ErrMalformedEvent)
}

func TestEncodeEventRoundTrip(t *testing.T) {
	msg := newTestMessage("m1")
	msg.State = messaging.StateSent
	msg.ExpiresAt = testEpoch.Add(time.Hour)

	data, err := EncodeEvent(Event{Type: EventNewMessage, Message: msg})
	require.NoError(t, err)

	ev, err := DecodeFrame(data, KindPolling)
	require.NoError(t, err)
	assert.Equal(t, msg.ID, ev.Message.ID)
	assert.Equal(t, msg.Payload, ev.Message.Payload)
	assert.Equal(t, messaging.StateSent, ev.Message.State)
	assert.True(t, ev.Message.ExpiresAt.Equal(msg.ExpiresAt))

	ack := messaging.Acknowledgment{MessageID: "m1", ParticipantID: testDeviceID, ConversationID: testConversationID, At: testEpoch}
	data, err = EncodeEvent(Event{Type: EventAcknowledgment, Ack: ack})
	require.NoError(t, err)
	ev, err = DecodeFrame(data, KindPolling)
	require.NoError(t, err)
	assert.Equal(t, ack.MessageID, ev.Ack.MessageID)
	assert.Equal(t, ack.ConversationID, ev.Ack.ConversationID)
	assert.True(t, ev.Ack.At.Equal(testEpoch))

	_, err = EncodeEvent(Event{Type: "bogus"})
	assert.ErrorIs(t, err, ErrMalformedEvent)
}

func TestEncodeSend(t *testing.T) {
	msg := newTestMessage("m2")
	msg.State = messaging.StateQueued

	data, err := EncodeSend(msg)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"type":"send"`)

	decoded, err := DecodeSend(data)
	require.NoError(t, err)
	assert.Equal(t, msg.ID, decoded.ID)
	assert.Equal(t, messaging.StateQueued, decoded.State)

	_, err = DecodeSend([]byte(`{"type":"newMessage","payload":{}}`))
	assert.ErrorIs(t, err, ErrMalformedEvent)
}
