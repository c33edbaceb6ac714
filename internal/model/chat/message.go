package chat

import "time"

// Sender identifies who authored a message.
type Sender string

const (
	SenderVisitor Sender = "visitor"
	SenderAdmin   Sender = "admin"
)

// Valid reports whether s is one of the known senders.
func (s Sender) Valid() bool {
	return s == SenderVisitor || s == SenderAdmin
}

// TimestampLayout matches the millisecond ISO-8601 form browsers emit.
const TimestampLayout = "2006-01-02T15:04:05.000Z07:00"

// Message is a single conversation turn. Messages are never mutated once created.
type Message struct {
	ID        string `json:"id"`
	Body      string `json:"body"`
	Sender    Sender `json:"sender"`
	Timestamp string `json:"timestamp"`
}

// FormatTimestamp renders t in TimestampLayout (UTC).
func FormatTimestamp(t time.Time) string {
	return t.UTC().Format(TimestampLayout)
}
