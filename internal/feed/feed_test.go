package feed

import (
	"context"
	"errors"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dshills/plughost/internal/stream"
)

func dial(t *testing.T, url string) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(url, "http")+"/events", nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readEvent(t *testing.T, conn *websocket.Conn) map[string]any {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	var e map[string]any
	require.NoError(t, conn.ReadJSON(&e))
	return e
}

func TestHubSnapshotThenLiveEvents(t *testing.T) {
	hub := NewHub(WithSnapshot(func() []Event {
		return []Event{{Type: TypePlugins, Data: []string{"a"}}}
	}))
	srv := httptest.NewServer(hub.Handler())
	defer srv.Close()

	conn := dial(t, srv.URL)

	first := readEvent(t, conn)
	assert.Equal(t, TypePlugins, first["type"])
	assert.Equal(t, []any{"a"}, first["data"])
	assert.NotEmpty(t, first["timestamp"])

	hub.Publish(Event{Type: TypeViolation, PluginID: "p1"})
	live := readEvent(t, conn)
	assert.Equal(t, TypeViolation, live["type"])
	assert.Equal(t, "p1", live["pluginId"])
}

func TestHubForward(t *testing.T) {
	hub := NewHub()
	srv := httptest.NewServer(hub.Handler())
	defer srv.Close()
	conn := dial(t, srv.URL)

	values := stream.NewFeed[int](4)
	Forward(hub, values.Subscribe(), func(n int) *Event {
		if n < 0 {
			return nil
		}
		return &Event{Type: TypeUpdates, Data: n}
	})

	values.Send(-1)
	values.Send(7)
	e := readEvent(t, conn)
	assert.Equal(t, TypeUpdates, e["type"])
	assert.Equal(t, float64(7), e["data"])
}

func TestHubCommands(t *testing.T) {
	var (
		mu  sync.Mutex
		got []Command
	)
	hub := NewHub(WithCommandHandler(func(_ context.Context, cmd Command) error {
		mu.Lock()
		got = append(got, cmd)
		mu.Unlock()
		if cmd.Type == CommandDeny {
			return errors.New("no such request")
		}
		return nil
	}))
	srv := httptest.NewServer(hub.Handler())
	defer srv.Close()
	conn := dial(t, srv.URL)

	require.NoError(t, conn.WriteJSON(Command{Type: CommandPing}))
	assert.Equal(t, TypePong, readEvent(t, conn)["type"])

	require.NoError(t, conn.WriteJSON(Command{Type: CommandGrant, PluginID: "p1", Permission: "network"}))
	ack := readEvent(t, conn)
	assert.Equal(t, TypeAck, ack["type"])
	assert.Equal(t, true, ack["data"].(map[string]any)["ok"])

	require.NoError(t, conn.WriteJSON(Command{Type: CommandDeny, PluginID: "p1", Permission: "network"}))
	ack = readEvent(t, conn)
	data := ack["data"].(map[string]any)
	assert.Equal(t, false, data["ok"])
	assert.Equal(t, "no such request", data["error"])

	require.NoError(t, conn.WriteJSON(Command{Type: "explode"}))
	data = readEvent(t, conn)["data"].(map[string]any)
	assert.Equal(t, ErrUnknownCommand.Error(), data["error"])

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, got, 2)
	assert.Equal(t, Command{Type: CommandGrant, PluginID: "p1", Permission: "network"}, got[0])
}

func TestHubRejectsCommandsWithoutHandler(t *testing.T) {
	hub := NewHub()
	ack := hub.execute(context.Background(), Command{Type: CommandResume, PluginID: "p"})
	assert.Equal(t, TypeAck, ack.Type)
	assert.False(t, ack.Data.(Ack).OK)
}

func TestHubStartAndClose(t *testing.T) {
	hub := NewHub()
	addr, err := hub.Start("127.0.0.1:0")
	require.NoError(t, err)

	conn := dial(t, "http://"+addr.String())
	hub.Publish(Event{Type: TypeInbox})
	assert.Equal(t, TypeInbox, readEvent(t, conn)["type"])

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, hub.Close(ctx))

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	_, _, err = conn.ReadMessage()
	assert.True(t, websocket.IsCloseError(err, websocket.CloseGoingAway), "got %v", err)
}
