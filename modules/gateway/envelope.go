package gateway

import "encoding/json"

// Inbound event types (client to server).
const (
	TypeSendMessage = "send_message"
	TypeTypingStart = "typing_start"
	TypeTypingStop  = "typing_stop"
	TypePing        = "ping"
)

// Outbound event types (server to client).
const (
	TypeConnected         = "connected"
	TypeNewMessage        = "new_message"
	TypeMessageSent       = "message_sent"
	TypeMessageError      = "message_error"
	TypeRateLimitExceeded = "rate_limit_exceeded"
	TypeUserJoined        = "user_joined"
	TypeUserLeft          = "user_left"
	TypeUserTyping        = "user_typing"
	TypeUserStoppedTyping = "user_stopped_typing"
	TypePong              = "pong"
	TypeError             = "error"
)

// Envelope is the inbound wire frame: a type tag and an opaque payload.
type Envelope struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

// Event is the outbound wire frame.
type Event struct {
	Type string `json:"type"`
	Data any    `json:"data"`
}

// SendMessagePayload is the payload of a send_message event.
type SendMessagePayload struct {
	Content string `json:"content"`
}
