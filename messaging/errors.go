package messaging

import "errors"

var (
	// ErrInvalidMessage indicates a message is missing an identifier,
	// conversation or creation timestamp.
	ErrInvalidMessage = errors.New("invalid message")

	// ErrUnknownMessage indicates a transition targeted a message that was
	// never admitted to the store.
	ErrUnknownMessage = errors.New("unknown message")

	// ErrIllegalTransition indicates a transition would move a message
	// backward or out of a terminal state.
	ErrIllegalTransition = errors.New("illegal state transition")

	// ErrAuthorizationDenied indicates the authorization collaborator refused
	// the device for the conversation.
	ErrAuthorizationDenied = errors.New("authorization denied")

	// ErrConversationClosed indicates a send to a closed conversation.
	ErrConversationClosed = errors.New("conversation closed")
)
