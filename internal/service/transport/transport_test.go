package transport

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zhouzirui/livechat/internal/model/chat"
)

func TestSlotLocate(t *testing.T) {
	var slot Slot
	_, err := slot.Locate(context.Background())
	require.ErrorIs(t, err, ErrUnavailable)

	m := NewMemory()
	slot.Attach(m)
	got, err := slot.Locate(context.Background())
	require.NoError(t, err)
	assert.Same(t, m, got)
}

func TestDiscovererFindsLateTransport(t *testing.T) {
	var slot Slot
	var calls atomic.Int32
	m := NewMemory()

	locator := LocatorFunc(func(ctx context.Context) (Transport, error) {
		if calls.Add(1) == 3 {
			slot.Attach(m)
		}
		return slot.Locate(ctx)
	})

	d := NewDiscoverer(locator, 5*time.Millisecond, zerolog.Nop())
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	got, err := d.Run(ctx)
	require.NoError(t, err)
	assert.Same(t, m, got)
	assert.Equal(t, int32(3), calls.Load())
}

func TestDiscovererChecksImmediately(t *testing.T) {
	m := NewMemory()
	var slot Slot
	slot.Attach(m)

	d := NewDiscoverer(&slot, time.Hour, zerolog.Nop())
	got, err := d.Run(context.Background())
	require.NoError(t, err)
	assert.Same(t, m, got)
}

func TestDiscovererStopsOnCancel(t *testing.T) {
	d := NewDiscoverer(&Slot{}, 5*time.Millisecond, zerolog.Nop())
	ctx, cancel := context.WithCancel(context.Background())

	errCh := make(chan error, 1)
	go func() {
		_, err := d.Run(ctx)
		errCh <- err
	}()

	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case err := <-errCh:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("discoverer did not stop after cancel")
	}
}

func TestSubscribeAndUnsubscribeAll(t *testing.T) {
	m := NewMemory()
	var got []chat.EventName

	unsubscribe := Subscribe(m, map[chat.EventName]Handler{
		chat.EventChatInitiated: func(chat.Payload) { got = append(got, chat.EventChatInitiated) },
		chat.EventChatMessage:   func(chat.Payload) { got = append(got, chat.EventChatMessage) },
		chat.EventChatEnded:     func(chat.Payload) { got = append(got, chat.EventChatEnded) },
	})
	for _, event := range chat.Events {
		assert.Equal(t, 1, m.Subscribers(event))
	}

	m.Emit(chat.EventChatInitiated, chat.Payload{})
	m.Emit(chat.EventChatMessage, chat.Payload{Body: "hi"})
	m.Emit(chat.EventChatEnded, chat.Payload{})
	assert.Equal(t, []chat.EventName{chat.EventChatInitiated, chat.EventChatMessage, chat.EventChatEnded}, got)

	unsubscribe()
	unsubscribe()
	for _, event := range chat.Events {
		assert.Zero(t, m.Subscribers(event))
	}
	m.Emit(chat.EventChatMessage, chat.Payload{Body: "late"})
	assert.Len(t, got, 3)
}

func TestDiscovererSkipsEndedTransport(t *testing.T) {
	dead := NewMemory()
	dead.Drop()
	live := NewMemory()

	var slot Slot
	slot.Attach(dead)
	var calls atomic.Int32
	locator := LocatorFunc(func(ctx context.Context) (Transport, error) {
		if calls.Add(1) == 3 {
			slot.Attach(live)
		}
		return slot.Locate(ctx)
	})

	d := NewDiscoverer(locator, 5*time.Millisecond, zerolog.Nop())
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	got, err := d.Run(ctx)
	require.NoError(t, err)
	assert.Same(t, live, got)
	assert.True(t, Ended(dead))
	assert.ErrorIs(t, dead.Send("late"), ErrClosed)
}
