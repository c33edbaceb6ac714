package persistence

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/zhouzirui/livechat/internal/metrics"
	"github.com/zhouzirui/livechat/internal/model/chat"
	"github.com/zhouzirui/livechat/internal/store"
)

// DefaultHistoryLimit caps the persisted message history.
const DefaultHistoryLimit = 100

// StateKey is the storage key holding the conversation flags for a browsing session.
func StateKey(sessionID string) string {
	return fmt.Sprintf("livechat:%s:state", sessionID)
}

// MessagesKey is the storage key holding the capped message history for a browsing session.
func MessagesKey(sessionID string) string {
	return fmt.Sprintf("livechat:%s:messages", sessionID)
}

// Record is what a browsing session left in storage. Values that failed
// validation are reported as absent.
type Record struct {
	State    chat.PersistedState
	HasState bool
	Messages []chat.Message
}

// Store reads and writes conversation state through a KV backend. Every
// storage failure is logged and swallowed: callers keep working in memory.
type Store struct {
	kv           store.KV
	historyLimit int
	logger       zerolog.Logger
}

// New creates a Store. historyLimit <= 0 selects DefaultHistoryLimit.
func New(kv store.KV, historyLimit int, logger zerolog.Logger) *Store {
	if historyLimit <= 0 {
		historyLimit = DefaultHistoryLimit
	}
	return &Store{
		kv:           kv,
		historyLimit: historyLimit,
		logger:       logger.With().Str("component", "persistence").Logger(),
	}
}

// Load restores whatever the browsing session persisted.
func (s *Store) Load(ctx context.Context, sessionID string) Record {
	var rec Record

	if raw, ok := s.read(ctx, StateKey(sessionID)); ok {
		if state, valid := DecodeState(raw); valid {
			rec.State = state
			rec.HasState = true
		} else {
			metrics.MalformedState.WithLabelValues("state").Inc()
			s.logger.Debug().Str("session_id", sessionID).Msg("discarding malformed persisted state")
		}
	}

	if raw, ok := s.read(ctx, MessagesKey(sessionID)); ok {
		if messages, valid := DecodeMessages(raw); valid {
			rec.Messages = s.capped(messages)
		} else {
			metrics.MalformedState.WithLabelValues("messages").Inc()
			s.logger.Debug().Str("session_id", sessionID).Msg("discarding malformed persisted messages")
		}
	}

	return rec
}

// Save writes the flags and the newest historyLimit messages.
func (s *Store) Save(ctx context.Context, sessionID string, state chat.PersistedState, messages []chat.Message) {
	stateJSON, err := json.Marshal(state)
	if err != nil {
		s.logger.Warn().Err(err).Msg("marshal state failed")
		return
	}
	s.write(ctx, StateKey(sessionID), string(stateJSON))

	capped := s.capped(messages)
	if capped == nil {
		capped = []chat.Message{}
	}
	messagesJSON, err := json.Marshal(capped)
	if err != nil {
		s.logger.Warn().Err(err).Msg("marshal messages failed")
		return
	}
	s.write(ctx, MessagesKey(sessionID), string(messagesJSON))
}

// Clear removes everything stored for the browsing session.
func (s *Store) Clear(ctx context.Context, sessionID string) {
	for _, key := range []string{StateKey(sessionID), MessagesKey(sessionID)} {
		if err := s.kv.Remove(ctx, key); err != nil {
			metrics.PersistenceFailures.WithLabelValues("remove").Inc()
			s.logger.Warn().Err(err).Str("key", key).Msg("storage remove failed")
		}
	}
}

func (s *Store) capped(messages []chat.Message) []chat.Message {
	if len(messages) <= s.historyLimit {
		return messages
	}
	return messages[len(messages)-s.historyLimit:]
}

func (s *Store) read(ctx context.Context, key string) (string, bool) {
	raw, err := s.kv.Get(ctx, key)
	if errors.Is(err, store.ErrNotFound) {
		return "", false
	}
	if err != nil {
		metrics.PersistenceFailures.WithLabelValues("get").Inc()
		s.logger.Warn().Err(err).Str("key", key).Msg("storage read failed, continuing without it")
		return "", false
	}
	return raw, true
}

func (s *Store) write(ctx context.Context, key, value string) {
	if err := s.kv.Set(ctx, key, value); err != nil {
		metrics.PersistenceFailures.WithLabelValues("set").Inc()
		s.logger.Warn().Err(err).Str("key", key).Msg("storage write failed, continuing in memory")
	}
}
