package persistence

import (
	"encoding/json"

	"github.com/zhouzirui/livechat/internal/model/chat"
)

type storedState struct {
	HasReceivedMessages *bool `json:"hasReceivedMessages"`
	ChatActive          *bool `json:"chatActive"`
}

type storedMessage struct {
	ID        *string `json:"id"`
	Body      *string `json:"body"`
	Sender    *string `json:"sender"`
	Timestamp *string `json:"timestamp"`
}

// DecodeState parses the stored flags. Both fields must be present booleans.
func DecodeState(raw string) (chat.PersistedState, bool) {
	var stored storedState
	if err := json.Unmarshal([]byte(raw), &stored); err != nil {
		return chat.PersistedState{}, false
	}
	if stored.HasReceivedMessages == nil || stored.ChatActive == nil {
		return chat.PersistedState{}, false
	}
	return chat.PersistedState{
		HasReceivedMessages: *stored.HasReceivedMessages,
		ChatActive:          *stored.ChatActive,
	}, true
}

// DecodeMessages parses the stored history. The value must be an array and
// every element a complete message with a known sender; otherwise the whole
// value is rejected.
func DecodeMessages(raw string) ([]chat.Message, bool) {
	var elems []json.RawMessage
	if err := json.Unmarshal([]byte(raw), &elems); err != nil || elems == nil {
		return nil, false
	}

	messages := make([]chat.Message, 0, len(elems))
	for _, elem := range elems {
		var stored storedMessage
		if err := json.Unmarshal(elem, &stored); err != nil {
			return nil, false
		}
		if stored.ID == nil || stored.Body == nil || stored.Sender == nil || stored.Timestamp == nil {
			return nil, false
		}
		sender := chat.Sender(*stored.Sender)
		if *stored.ID == "" || !sender.Valid() {
			return nil, false
		}
		messages = append(messages, chat.Message{
			ID:        *stored.ID,
			Body:      *stored.Body,
			Sender:    sender,
			Timestamp: *stored.Timestamp,
		})
	}
	return messages, true
}
