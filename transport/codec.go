package transport

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/opd-ai/toxrelay/limits"
	"github.com/opd-ai/toxrelay/messaging"
)

// frameTypeSend marks an outbound message frame on the streaming channel.
const frameTypeSend = "send"

// Frame is the JSON envelope exchanged on the wire: {"type": ..., "payload": ...}.
type Frame struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// WireMessage is the JSON form of a message.
type WireMessage struct {
	ID             string     `json:"id"`
	ConversationID string     `json:"conversationId"`
	SenderID       string     `json:"senderId"`
	Payload        []byte     `json:"payload"`
	CreatedAt      time.Time  `json:"createdAt"`
	ExpiresAt      *time.Time `json:"expiresAt,omitempty"`
	State          string     `json:"state,omitempty"`
}

// WireAck is the JSON form of an acknowledgment. ConversationID is optional.
type WireAck struct {
	MessageID      string    `json:"messageId"`
	ParticipantID  string    `json:"participantId"`
	ConversationID string    `json:"conversationId,omitempty"`
	At             time.Time `json:"at"`
}

// ToWire converts a message to its JSON form.
func ToWire(msg messaging.Message) WireMessage {
	w := WireMessage{
		ID:             msg.ID,
		ConversationID: msg.ConversationID,
		SenderID:       msg.SenderID,
		Payload:        msg.Payload,
		CreatedAt:      msg.CreatedAt,
		State:          msg.State.String(),
	}
	if !msg.ExpiresAt.IsZero() {
		expires := msg.ExpiresAt
		w.ExpiresAt = &expires
	}
	return w
}

// FromWire validates and converts a wire message. A missing state means the
// copy reached this device, so it is treated as Delivered.
func FromWire(w WireMessage) (messaging.Message, error) {
	if w.ID == "" || w.ConversationID == "" {
		return messaging.Message{}, fmt.Errorf("%w: message without id or conversation", ErrMalformedEvent)
	}
	if w.CreatedAt.IsZero() {
		return messaging.Message{}, fmt.Errorf("%w: message %s without createdAt", ErrMalformedEvent, w.ID)
	}
	if err := limits.ValidatePayload(w.Payload); err != nil {
		return messaging.Message{}, fmt.Errorf("%w: message %s: %v", ErrMalformedEvent, w.ID, err)
	}

	state := messaging.StateDelivered
	if w.State != "" {
		parsed, ok := messaging.ParseDeliveryState(w.State)
		if !ok {
			return messaging.Message{}, fmt.Errorf("%w: message %s has unknown state %q", ErrMalformedEvent, w.ID, w.State)
		}
		state = parsed
	}

	msg := messaging.Message{
		ID:             w.ID,
		ConversationID: w.ConversationID,
		SenderID:       w.SenderID,
		Payload:        w.Payload,
		CreatedAt:      w.CreatedAt,
		State:          state,
	}
	if w.ExpiresAt != nil {
		msg.ExpiresAt = *w.ExpiresAt
	}
	return msg, nil
}

// DecodeFrame parses one inbound frame into an Event. Any shape problem is
// reported as ErrMalformedEvent so callers can drop the frame and continue.
func DecodeFrame(data []byte, source Kind) (Event, error) {
	if err := limits.ValidateFrame(data); err != nil {
		return Event{}, fmt.Errorf("%w: %v", ErrMalformedEvent, err)
	}

	var frame Frame
	if err := json.Unmarshal(data, &frame); err != nil {
		return Event{}, fmt.Errorf("%w: %v", ErrMalformedEvent, err)
	}
	return DecodeEvent(frame, source)
}

// DecodeEvent converts an already parsed frame into an Event.
func DecodeEvent(frame Frame, source Kind) (Event, error) {
	if len(frame.Payload) == 0 {
		return Event{}, fmt.Errorf("%w: %q frame without payload", ErrMalformedEvent, frame.Type)
	}

	switch EventType(frame.Type) {
	case EventNewMessage:
		var w WireMessage
		if err := json.Unmarshal(frame.Payload, &w); err != nil {
			return Event{}, fmt.Errorf("%w: %v", ErrMalformedEvent, err)
		}
		msg, err := FromWire(w)
		if err != nil {
			return Event{}, err
		}
		return Event{Type: EventNewMessage, Message: msg, Source: source}, nil

	case EventAcknowledgment:
		var w WireAck
		if err := json.Unmarshal(frame.Payload, &w); err != nil {
			return Event{}, fmt.Errorf("%w: %v", ErrMalformedEvent, err)
		}
		if w.MessageID == "" {
			return Event{}, fmt.Errorf("%w: acknowledgment without messageId", ErrMalformedEvent)
		}
		return Event{
			Type: EventAcknowledgment,
			Ack: messaging.Acknowledgment{
				MessageID:      w.MessageID,
				ParticipantID:  w.ParticipantID,
				ConversationID: w.ConversationID,
				At:             w.At,
			},
			Source: source,
		}, nil

	default:
		return Event{}, fmt.Errorf("%w: unknown frame type %q", ErrMalformedEvent, frame.Type)
	}
}

// EncodeEvent serializes an inbound-shaped event. It is used by servers and
// the simulation to produce frames.
func EncodeEvent(ev Event) ([]byte, error) {
	var payload any
	switch ev.Type {
	case EventNewMessage:
		payload = ToWire(ev.Message)
	case EventAcknowledgment:
		payload = WireAck{
			MessageID:      ev.Ack.MessageID,
			ParticipantID:  ev.Ack.ParticipantID,
			ConversationID: ev.Ack.ConversationID,
			At:             ev.Ack.At,
		}
	default:
		return nil, fmt.Errorf("%w: cannot encode event type %q", ErrMalformedEvent, ev.Type)
	}
	return encodeFrame(string(ev.Type), payload)
}

// EncodeSend serializes an outbound message frame.
func EncodeSend(msg messaging.Message) ([]byte, error) {
	return encodeFrame(frameTypeSend, ToWire(msg))
}

// DecodeSend parses an outbound message frame. Servers use it to read sends.
func DecodeSend(data []byte) (messaging.Message, error) {
	var frame Frame
	if err := json.Unmarshal(data, &frame); err != nil {
		return messaging.Message{}, fmt.Errorf("%w: %v", ErrMalformedEvent, err)
	}
	if frame.Type != frameTypeSend {
		return messaging.Message{}, fmt.Errorf("%w: expected send frame, got %q", ErrMalformedEvent, frame.Type)
	}
	var w WireMessage
	if err := json.Unmarshal(frame.Payload, &w); err != nil {
		return messaging.Message{}, fmt.Errorf("%w: %v", ErrMalformedEvent, err)
	}
	return FromWire(w)
}

func encodeFrame(frameType string, payload any) ([]byte, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to encode %s payload: %w", frameType, err)
	}
	return json.Marshal(Frame{Type: frameType, Payload: raw})
}
