package chat

import (
	"context"
	"errors"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/zhouzirui/livechat/internal/metrics"
	"github.com/zhouzirui/livechat/internal/model/chat"
	"github.com/zhouzirui/livechat/internal/service/persistence"
	"github.com/zhouzirui/livechat/internal/service/transport"
	"github.com/zhouzirui/livechat/internal/widget"
)

var (
	ErrSessionIDRequired = errors.New("session id is required")
	ErrSessionNotFound   = errors.New("session not found")
	ErrSessionClosed     = errors.New("session closed")
)

const (
	localIDPrefix     = "local"
	transportIDPrefix = "msg"
	writeTimeout      = 5 * time.Second
)

// DefaultIdleTimeout is how long a session may go without subscribers or
// requests before the manager releases it.
const DefaultIdleTimeout = 10 * time.Minute

// Config tunes visitor sessions.
type Config struct {
	PollInterval time.Duration
	Widget       widget.Options
	// IdleTimeout <= 0 keeps sessions mounted until released.
	IdleTimeout time.Duration
}

// DefaultConfig returns the standard session settings.
func DefaultConfig() Config {
	return Config{
		PollInterval: transport.DefaultPollInterval,
		Widget:       widget.DefaultOptions(),
		IdleTimeout:  DefaultIdleTimeout,
	}
}

// Snapshot is a consistent copy of a session's state.
type Snapshot struct {
	SessionID      string         `json:"sessionId"`
	Messages       []chat.Message `json:"messages"`
	Pending        []string       `json:"pending"`
	State          widget.State   `json:"state"`
	View           widget.View    `json:"view"`
	Hydrated       bool           `json:"hydrated"`
	TransportReady bool           `json:"transportReady"`
	Revision       uint64         `json:"revision"`
}

// Session is one visitor's conversation. It owns the message list, the
// outbound queue and the widget state; everything else reads snapshots.
type Session struct {
	id         string
	persist    *persistence.Store
	discoverer *transport.Discoverer
	opts       widget.Options
	logger     zerolog.Logger
	ids        idGenerator
	now        func() time.Time

	mu          sync.Mutex
	messages    messageList
	state       widget.State
	pending     []string
	transport   transport.Transport
	unsubscribe func()
	hydrated    bool
	touched     bool
	disposed    bool
	revision    uint64
	listeners   map[uint64]func(Snapshot)
	nextID      uint64
	lastActive  time.Time

	// deliverMu keeps transport sends in send order across the queue flush.
	deliverMu sync.Mutex

	persistMu    sync.Mutex
	persistedRev uint64

	hydratedCh chan struct{}
	done       chan struct{}
	ctx        context.Context
	cancel     context.CancelFunc
	wg         sync.WaitGroup
}

// NewSession prepares a session. Nothing runs until Start.
func NewSession(id string, persist *persistence.Store, locator transport.Locator, cfg Config, logger zerolog.Logger) *Session {
	logger = logger.With().Str("component", "chat_session").Str("session_id", id).Logger()
	s := &Session{
		id:         id,
		persist:    persist,
		discoverer: transport.NewDiscoverer(locator, cfg.PollInterval, logger),
		opts:       cfg.Widget,
		logger:     logger,
		now:        time.Now,
		listeners:  make(map[uint64]func(Snapshot)),
		hydratedCh: make(chan struct{}),
		done:       make(chan struct{}),
	}
	s.ids.now = s.now
	s.lastActive = s.now()
	return s
}

// ID returns the browsing-session id.
func (s *Session) ID() string {
	return s.id
}

// Start begins hydration and transport discovery. Both run until done or
// until Close.
func (s *Session) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	s.ctx = ctx
	s.cancel = cancel

	s.wg.Add(2)
	go func() {
		defer s.wg.Done()
		s.hydrate(ctx)
	}()
	go func() {
		defer s.wg.Done()
		s.discover(ctx)
	}()
}

// Touch records activity on behalf of the visitor.
func (s *Session) Touch() {
	s.mu.Lock()
	s.lastActive = s.now()
	s.mu.Unlock()
}

// Idle reports whether nobody is subscribed and nothing touched the session
// for at least timeout.
func (s *Session) Idle(now time.Time, timeout time.Duration) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.listeners) == 0 && now.Sub(s.lastActive) >= timeout
}

// WaitHydrated blocks until the persisted state has been merged or ctx ends.
func (s *Session) WaitHydrated(ctx context.Context) error {
	select {
	case <-s.hydratedCh:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Done is closed once the session has been torn down.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// Snapshot returns the current state.
func (s *Session) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshotLocked()
}

// Subscribe registers fn to receive a snapshot after every change.
func (s *Session) Subscribe(fn func(Snapshot)) (unsubscribe func()) {
	s.mu.Lock()
	s.nextID++
	id := s.nextID
	s.listeners[id] = fn
	s.lastActive = s.now()
	s.mu.Unlock()

	return func() {
		s.mu.Lock()
		delete(s.listeners, id)
		// idle time counts from the last subscriber leaving
		s.lastActive = s.now()
		s.mu.Unlock()
	}
}

// Send appends a visitor message immediately and hands it to the transport,
// or queues the body until the transport is discovered. A blank body is a
// no-op and reports ok=false.
func (s *Session) Send(body string) (msg chat.Message, ok bool, err error) {
	trimmed := strings.TrimSpace(body)
	if trimmed == "" {
		return chat.Message{}, false, nil
	}

	s.deliverMu.Lock()
	defer s.deliverMu.Unlock()

	s.mu.Lock()
	if s.disposed {
		s.mu.Unlock()
		return chat.Message{}, false, ErrSessionClosed
	}

	msg = chat.Message{
		ID:        s.ids.next(localIDPrefix),
		Body:      trimmed,
		Sender:    chat.SenderVisitor,
		Timestamp: chat.FormatTimestamp(s.now()),
	}
	s.messages.append(msg)

	t := s.transport
	if t == nil {
		s.pending = append(s.pending, trimmed)
		metrics.MessagesQueued.Inc()
	}
	snap := s.commitLocked()
	s.mu.Unlock()

	s.afterChange(snap)

	if t != nil {
		if err := s.deliver(t, trimmed, "direct"); errors.Is(err, transport.ErrClosed) {
			s.transportLost(t, []string{trimmed})
		}
	} else {
		s.logger.Debug().Int("pending", len(snap.Pending)).Msg("transport not ready, message queued")
	}
	return msg, true, nil
}

// TogglePanel opens or closes the panel. Opening clears the unread count.
func (s *Session) TogglePanel() (Snapshot, error) {
	s.mu.Lock()
	if s.disposed {
		s.mu.Unlock()
		return Snapshot{}, ErrSessionClosed
	}
	s.state = s.state.Toggle()
	snap := s.commitLocked()
	s.mu.Unlock()

	s.afterChange(snap)
	return snap, nil
}

// Close tears the session down: discovery stops, every transport subscription
// is removed and late callbacks become no-ops. Persisted state is kept.
func (s *Session) Close() {
	s.mu.Lock()
	if s.disposed {
		s.mu.Unlock()
		return
	}
	s.disposed = true
	unsubscribe := s.unsubscribe
	s.unsubscribe = nil
	t := s.transport
	s.listeners = make(map[uint64]func(Snapshot))
	s.mu.Unlock()
	close(s.done)

	if s.cancel != nil {
		s.cancel()
	}
	if unsubscribe != nil {
		unsubscribe()
	}
	closeTransport(t)
	s.wg.Wait()

	// drain a write that started before teardown
	s.persistMu.Lock()
	s.persistMu.Unlock()
	s.logger.Debug().Msg("session closed")
}

func (s *Session) hydrate(ctx context.Context) {
	defer close(s.hydratedCh)

	rec := s.persist.Load(ctx, s.id)

	s.mu.Lock()
	if s.disposed {
		s.mu.Unlock()
		return
	}
	added := s.messages.merge(rec.Messages)
	if rec.HasState {
		s.state.Visible = s.state.Visible || rec.State.HasReceivedMessages
		if !s.touched {
			s.state.ChatActive = rec.State.ChatActive
		}
	}
	s.hydrated = true
	snap := s.commitLocked()
	s.mu.Unlock()

	s.logger.Debug().Int("restored", added).Bool("visible", snap.State.Visible).Msg("hydrated")
	s.afterChange(snap)
}

func (s *Session) discover(ctx context.Context) {
	t, err := s.discoverer.Run(ctx)
	if err != nil {
		return
	}
	s.attach(t)
}

func (s *Session) attach(t transport.Transport) {
	unsubscribe := transport.Subscribe(t, map[chat.EventName]transport.Handler{
		chat.EventChatInitiated: s.onChatInitiated,
		chat.EventChatMessage:   s.onChatMessage,
		chat.EventChatEnded:     s.onChatEnded,
	})

	s.deliverMu.Lock()
	defer s.deliverMu.Unlock()

	s.mu.Lock()
	if s.disposed {
		s.mu.Unlock()
		unsubscribe()
		closeTransport(t)
		return
	}
	s.transport = t
	s.unsubscribe = unsubscribe
	queued := s.pending
	s.pending = nil
	if f, ok := t.(transport.Finite); ok {
		s.wg.Add(1)
		go s.watch(t, f.Done())
	}
	snap := s.commitLocked()
	s.mu.Unlock()

	s.logger.Info().Int("flushed", len(queued)).Msg("transport attached")
	s.afterChange(snap)

	for i, body := range queued {
		if err := s.deliver(t, body, "flushed"); errors.Is(err, transport.ErrClosed) {
			s.transportLost(t, queued[i:])
			return
		}
	}
}

// watch waits for a Finite transport to end while it is attached.
func (s *Session) watch(t transport.Transport, done <-chan struct{}) {
	defer s.wg.Done()
	select {
	case <-s.ctx.Done():
		return
	case <-done:
	}

	s.deliverMu.Lock()
	defer s.deliverMu.Unlock()
	s.transportLost(t, nil)
}

// transportLost puts the session back into the waiting state after t ended:
// requeued bodies go ahead of anything already pending and discovery starts
// over. Callers hold deliverMu.
func (s *Session) transportLost(t transport.Transport, requeue []string) {
	s.mu.Lock()
	if s.disposed {
		s.mu.Unlock()
		return
	}
	current := s.transport == t
	if !current && len(requeue) == 0 {
		s.mu.Unlock()
		return
	}

	var unsubscribe func()
	if current {
		unsubscribe = s.unsubscribe
		s.transport = nil
		s.unsubscribe = nil
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.discover(s.ctx)
		}()
	}
	if len(requeue) > 0 {
		s.pending = append(append([]string{}, requeue...), s.pending...)
		metrics.MessagesQueued.Add(float64(len(requeue)))
	}
	snap := s.commitLocked()
	s.mu.Unlock()

	if unsubscribe != nil {
		unsubscribe()
		closeTransport(t)
		s.logger.Warn().Int("pending", len(snap.Pending)).Msg("transport lost, rediscovering")
	}
	s.afterChange(snap)
}

func (s *Session) onChatInitiated(chat.Payload) {
	s.apply(func() bool {
		s.state = s.state.ChatInitiated()
		return true
	})
}

func (s *Session) onChatMessage(p chat.Payload) {
	msg := s.messageFromPayload(p)
	s.apply(func() bool {
		if !s.messages.append(msg) {
			metrics.DuplicateMessages.Inc()
			s.logger.Debug().Str("message_id", msg.ID).Msg("dropping duplicate message")
			return false
		}
		metrics.MessagesReceived.WithLabelValues(string(msg.Sender)).Inc()
		s.state = s.state.MessageReceived(msg.Sender, s.opts)
		return true
	})
}

func (s *Session) onChatEnded(chat.Payload) {
	s.apply(func() bool {
		s.state = s.state.ChatEnded()
		return true
	})
}

// apply runs a transport-driven mutation under the lock unless the session is gone.
func (s *Session) apply(mutate func() bool) {
	s.mu.Lock()
	if s.disposed {
		s.mu.Unlock()
		return
	}
	if !mutate() {
		s.mu.Unlock()
		return
	}
	if !s.hydrated {
		s.touched = true
	}
	snap := s.commitLocked()
	s.mu.Unlock()

	s.afterChange(snap)
}

func (s *Session) messageFromPayload(p chat.Payload) chat.Message {
	id := p.MessageID
	if id == "" {
		id = s.ids.next(transportIDPrefix)
	}
	sender := p.Sender
	if !sender.Valid() {
		sender = chat.SenderAdmin
	}
	ts := p.Timestamp
	if ts == "" {
		ts = chat.FormatTimestamp(s.now())
	}
	return chat.Message{ID: id, Body: p.Body, Sender: sender, Timestamp: ts}
}

func (s *Session) deliver(t transport.Transport, body, path string) error {
	if err := t.Send(body); err != nil {
		metrics.DeliveryFailures.Inc()
		s.logger.Warn().Err(err).Msg("transport send failed")
		return err
	}
	metrics.MessagesSent.WithLabelValues(path).Inc()
	return nil
}

func (s *Session) commitLocked() Snapshot {
	s.revision++
	return s.snapshotLocked()
}

func (s *Session) snapshotLocked() Snapshot {
	hasHistory := s.messages.len() > 0
	return Snapshot{
		SessionID:      s.id,
		Messages:       s.messages.snapshot(),
		Pending:        append([]string{}, s.pending...),
		State:          s.state,
		View:           s.state.View(hasHistory),
		Hydrated:       s.hydrated,
		TransportReady: s.transport != nil,
		Revision:       s.revision,
	}
}

func (s *Session) afterChange(snap Snapshot) {
	s.save(snap)

	s.mu.Lock()
	listeners := make([]func(Snapshot), 0, len(s.listeners))
	for _, fn := range s.listeners {
		listeners = append(listeners, fn)
	}
	s.mu.Unlock()

	for _, fn := range listeners {
		fn(snap)
	}
}

// save mirrors snap to storage once the conversation has started and the
// restored state has been merged. Older revisions never overwrite newer ones.
func (s *Session) save(snap Snapshot) {
	if !snap.Hydrated {
		return
	}
	if !snap.State.Visible && len(snap.Messages) == 0 {
		return
	}

	s.persistMu.Lock()
	defer s.persistMu.Unlock()

	if snap.Revision <= s.persistedRev {
		return
	}
	s.mu.Lock()
	disposed := s.disposed
	s.mu.Unlock()
	if disposed {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()

	s.persist.Save(ctx, s.id, chat.PersistedState{
		HasReceivedMessages: snap.State.Visible,
		ChatActive:          snap.State.ChatActive,
	}, snap.Messages)
	s.persistedRev = snap.Revision
}

func closeTransport(t transport.Transport) {
	if c, ok := t.(io.Closer); ok {
		_ = c.Close()
	}
}
