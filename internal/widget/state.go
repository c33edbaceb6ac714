// Package widget derives the chat widget's display state from conversation
// events and visitor intents. Every transition is a pure function of State.
package widget

import "github.com/zhouzirui/livechat/internal/model/chat"

// State is the widget's display state. It is owned by the visitor session;
// presentation only reads it.
type State struct {
	Visible     bool `json:"visible"`
	PanelOpen   bool `json:"panelOpen"`
	ChatActive  bool `json:"chatActive"`
	UnreadCount int  `json:"unreadCount"`
}

// Options tunes transitions that are policy rather than structure.
type Options struct {
	// AutoOpenOnAdmin opens the panel when the operator sends a message.
	AutoOpenOnAdmin bool
}

// DefaultOptions returns the standard widget behaviour.
func DefaultOptions() Options {
	return Options{AutoOpenOnAdmin: true}
}

// ChatInitiated applies the operator starting a session.
func (s State) ChatInitiated() State {
	s.Visible = true
	s.ChatActive = true
	return s.setPanel(true)
}

// MessageReceived applies a chat_message event. Any sender reactivates the chat;
// only operator messages count as unread or open the panel.
func (s State) MessageReceived(sender chat.Sender, opts Options) State {
	s.Visible = true
	s.ChatActive = true
	if sender != chat.SenderAdmin {
		return s
	}
	if !s.PanelOpen {
		s.UnreadCount++
	}
	if opts.AutoOpenOnAdmin {
		s = s.setPanel(true)
	}
	return s
}

// ChatEnded applies the operator ending the session. History stays visible.
func (s State) ChatEnded() State {
	s.ChatActive = false
	return s
}

// Toggle flips the panel.
func (s State) Toggle() State {
	return s.setPanel(!s.PanelOpen)
}

// setPanel is the only place PanelOpen changes, so every open resets unread.
func (s State) setPanel(open bool) State {
	if open && !s.PanelOpen {
		s.UnreadCount = 0
	}
	s.PanelOpen = open
	return s
}
