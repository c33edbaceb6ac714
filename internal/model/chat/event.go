package chat

// EventName is a transport event the visitor session subscribes to.
type EventName string

const (
	EventChatInitiated EventName = "chat_initiated"
	EventChatMessage   EventName = "chat_message"
	EventChatEnded     EventName = "chat_ended"
)

// Events lists every event a session subscribes to, in subscription order.
var Events = []EventName{EventChatInitiated, EventChatMessage, EventChatEnded}

// Payload is the data carried by a transport event. Only chat_message fills it.
type Payload struct {
	MessageID string `json:"messageId,omitempty"`
	Body      string `json:"body"`
	Sender    Sender `json:"sender,omitempty"`
	Timestamp string `json:"timestamp,omitempty"`
}
