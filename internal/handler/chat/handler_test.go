package chat

import (
	"bufio"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zhouzirui/livechat/internal/model/chat"
	chatservice "github.com/zhouzirui/livechat/internal/service/chat"
	"github.com/zhouzirui/livechat/internal/service/persistence"
	"github.com/zhouzirui/livechat/internal/service/transport"
	"github.com/zhouzirui/livechat/internal/store"
	"github.com/zhouzirui/livechat/internal/widget"
)

type fixture struct {
	router   *chi.Mux
	manager  *chatservice.Manager
	persist  *persistence.Store
	relay    *transport.Memory
	detached bool
}

// setupRouter attaches one in-memory transport to every session unless
// detached is set, in which case sends stay queued.
func setupRouter(t *testing.T, detached bool) *fixture {
	t.Helper()
	f := &fixture{
		persist:  persistence.New(store.NewMemoryStore(0), 0, zerolog.Nop()),
		relay:    transport.NewMemory(),
		detached: detached,
	}
	locators := func(string) (transport.Locator, error) {
		slot := &transport.Slot{}
		if !f.detached {
			slot.Attach(f.relay)
		}
		return slot, nil
	}
	cfg := chatservice.Config{PollInterval: 5 * time.Millisecond, Widget: widget.DefaultOptions()}
	f.manager = chatservice.NewManager(context.Background(), f.persist, locators, cfg, zerolog.Nop())
	t.Cleanup(f.manager.CloseAll)

	f.router = chi.NewRouter()
	New(f.manager, zerolog.Nop()).RegisterRoutes(f.router)
	return f
}

func (f *fixture) do(t *testing.T, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)
	return rec
}

func decodeSnapshot(t *testing.T, rec *httptest.ResponseRecorder) chatservice.Snapshot {
	t.Helper()
	var snap chatservice.Snapshot
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &snap))
	return snap
}

func TestCreateSession(t *testing.T) {
	f := setupRouter(t, false)

	rec := f.do(t, http.MethodPost, "/sessions", "")
	require.Equal(t, http.StatusCreated, rec.Code)

	snap := decodeSnapshot(t, rec)
	assert.NotEmpty(t, snap.SessionID)
	assert.True(t, snap.Hydrated)
	assert.Empty(t, snap.Messages)
	assert.Equal(t, widget.ModeHidden, snap.View.Mode)
	assert.Equal(t, 1, f.manager.Len())
}

func TestOpenSessionRestoresHistory(t *testing.T) {
	f := setupRouter(t, true)
	f.persist.Save(context.Background(), "returning", chat.PersistedState{HasReceivedMessages: true, ChatActive: true}, []chat.Message{
		{ID: "m1", Body: "Hello", Sender: chat.SenderVisitor, Timestamp: "2024-01-01T00:00:00.000Z"},
		{ID: "m2", Body: "Hi, how can I help?", Sender: chat.SenderAdmin, Timestamp: "2024-01-01T00:00:01.000Z"},
	})

	rec := f.do(t, http.MethodPut, "/sessions/returning", "")
	require.Equal(t, http.StatusOK, rec.Code)

	snap := decodeSnapshot(t, rec)
	assert.Equal(t, "returning", snap.SessionID)
	require.Len(t, snap.Messages, 2)
	assert.True(t, snap.State.Visible)
	assert.True(t, snap.State.ChatActive)
	assert.False(t, snap.State.PanelOpen)
	assert.Equal(t, widget.ModeFullBubble, snap.View.Mode)
}

func TestGetUnknownSession(t *testing.T) {
	f := setupRouter(t, false)

	for _, tc := range []struct{ method, path string }{
		{http.MethodGet, "/sessions/missing"},
		{http.MethodPost, "/sessions/missing/toggle"},
		{http.MethodPost, "/sessions/missing/release"},
		{http.MethodGet, "/sessions/missing/events"},
	} {
		rec := f.do(t, tc.method, tc.path, "")
		assert.Equal(t, http.StatusNotFound, rec.Code, "%s %s", tc.method, tc.path)
	}

	rec := f.do(t, http.MethodPost, "/sessions/missing/messages", `{"body":"hi"}`)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestSendMessage(t *testing.T) {
	f := setupRouter(t, false)
	s, err := f.manager.Open("visitor")
	require.NoError(t, err)
	require.Eventually(t, func() bool { return s.Snapshot().TransportReady }, 2*time.Second, 5*time.Millisecond)

	rec := f.do(t, http.MethodPost, "/sessions/visitor/messages", `{"body":"  Hello  "}`)
	require.Equal(t, http.StatusAccepted, rec.Code)

	var msg chat.Message
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &msg))
	assert.Equal(t, "Hello", msg.Body)
	assert.Equal(t, chat.SenderVisitor, msg.Sender)
	assert.True(t, strings.HasPrefix(msg.ID, "local-"))

	require.Eventually(t, func() bool { return len(f.relay.Sent()) == 1 }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{"Hello"}, f.relay.Sent())

	snap := decodeSnapshot(t, f.do(t, http.MethodGet, "/sessions/visitor", ""))
	require.Len(t, snap.Messages, 1)
	assert.Empty(t, snap.Pending)
}

func TestSendMessageQueuedWithoutTransport(t *testing.T) {
	f := setupRouter(t, true)
	_, err := f.manager.Open("visitor")
	require.NoError(t, err)

	rec := f.do(t, http.MethodPost, "/sessions/visitor/messages", `{"body":"anyone there?"}`)
	require.Equal(t, http.StatusAccepted, rec.Code)

	snap := decodeSnapshot(t, f.do(t, http.MethodGet, "/sessions/visitor", ""))
	assert.Equal(t, []string{"anyone there?"}, snap.Pending)
	assert.False(t, snap.TransportReady)
	assert.Empty(t, f.relay.Sent())
}

func TestSendMessageRejectsBadInput(t *testing.T) {
	f := setupRouter(t, false)
	_, err := f.manager.Open("visitor")
	require.NoError(t, err)

	rec := f.do(t, http.MethodPost, "/sessions/visitor/messages", `{"body":"   "}`)
	assert.Equal(t, http.StatusNoContent, rec.Code)

	rec = f.do(t, http.MethodPost, "/sessions/visitor/messages", `not json`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	snap := decodeSnapshot(t, f.do(t, http.MethodGet, "/sessions/visitor", ""))
	assert.Empty(t, snap.Messages)
}

func TestTogglePanel(t *testing.T) {
	f := setupRouter(t, false)
	_, err := f.manager.Open("visitor")
	require.NoError(t, err)

	snap := decodeSnapshot(t, f.do(t, http.MethodPost, "/sessions/visitor/toggle", ""))
	assert.True(t, snap.State.PanelOpen)
	assert.Zero(t, snap.State.UnreadCount)

	snap = decodeSnapshot(t, f.do(t, http.MethodPost, "/sessions/visitor/toggle", ""))
	assert.False(t, snap.State.PanelOpen)
}

func TestReleaseAndEnd(t *testing.T) {
	f := setupRouter(t, true)
	ctx := context.Background()
	require.Equal(t, http.StatusOK, f.do(t, http.MethodPut, "/sessions/visitor", "").Code)
	require.Equal(t, http.StatusAccepted, f.do(t, http.MethodPost, "/sessions/visitor/messages", `{"body":"Hello"}`).Code)

	require.Equal(t, http.StatusNoContent, f.do(t, http.MethodPost, "/sessions/visitor/release", "").Code)
	assert.Equal(t, http.StatusNotFound, f.do(t, http.MethodGet, "/sessions/visitor", "").Code)
	assert.Len(t, f.persist.Load(ctx, "visitor").Messages, 1)

	snap := decodeSnapshot(t, f.do(t, http.MethodPut, "/sessions/visitor", ""))
	assert.Len(t, snap.Messages, 1)

	require.Equal(t, http.StatusNoContent, f.do(t, http.MethodDelete, "/sessions/visitor", "").Code)
	assert.Zero(t, f.manager.Len())
	rec := f.persist.Load(ctx, "visitor")
	assert.False(t, rec.HasState)
	assert.Empty(t, rec.Messages)
}

type sseEvent struct {
	name string
	data string
}

func readEvent(t *testing.T, r *bufio.Reader) sseEvent {
	t.Helper()
	var ev sseEvent
	for {
		line, err := r.ReadString('\n')
		require.NoError(t, err)
		line = strings.TrimRight(line, "\n")
		switch {
		case line == "":
			if ev.name != "" {
				return ev
			}
		case strings.HasPrefix(line, "event: "):
			ev.name = strings.TrimPrefix(line, "event: ")
		case strings.HasPrefix(line, "data: "):
			ev.data = strings.TrimPrefix(line, "data: ")
		}
	}
}

func TestEventStream(t *testing.T) {
	f := setupRouter(t, false)
	s, err := f.manager.Open("visitor")
	require.NoError(t, err)
	require.Eventually(t, func() bool { return s.Snapshot().TransportReady }, 2*time.Second, 5*time.Millisecond)

	srv := httptest.NewServer(f.router)
	defer srv.Close()

	client := &http.Client{Timeout: 5 * time.Second}
	resp, err := client.Get(srv.URL + "/sessions/visitor/events")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	reader := bufio.NewReader(resp.Body)
	first := readEvent(t, reader)
	require.Equal(t, "snapshot", first.name)

	f.relay.Emit(chat.EventChatInitiated, chat.Payload{})
	f.relay.Emit(chat.EventChatMessage, chat.Payload{MessageID: "op-1", Body: "Hi there", Sender: chat.SenderAdmin})

	var last chatservice.Snapshot
	for i := 0; i < 10; i++ {
		ev := readEvent(t, reader)
		if ev.name != "snapshot" {
			continue
		}
		require.NoError(t, json.Unmarshal([]byte(ev.data), &last))
		if len(last.Messages) == 1 {
			break
		}
	}
	require.Len(t, last.Messages, 1)
	assert.Equal(t, "op-1", last.Messages[0].ID)
	assert.True(t, last.State.PanelOpen)

	require.NoError(t, f.manager.Release("visitor"))
	for i := 0; i < 10; i++ {
		if ev := readEvent(t, reader); ev.name == "closed" {
			return
		}
	}
	t.Fatal("expected closed event after release")
}
