package listener

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"github.com/Devolutions/devolutions-gateway-sub002/internal/config"
)

func TestPool_TCPEntryDeliversAcceptedConnection(t *testing.T) {
	p, err := New(Config{})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	entry := config.ListenerEntry{Scheme: config.SchemeTCP, BindAddr: "127.0.0.1:0", ExternalURL: "tcp://gateway.example.com:0"}
	require.NoError(t, p.Reload(ctx, &config.Snapshot{Listeners: []config.ListenerEntry{entry}}))

	p.mu.Lock()
	st := p.entries[entry.BindAddr]
	p.mu.Unlock()
	addr := st.raw.Addr().String()

	go func() {
		conn, dialErr := net.Dial("tcp", addr)
		require.NoError(t, dialErr)
		defer conn.Close()
		conn.Write([]byte("hello"))
	}()

	select {
	case a := <-p.Accepted():
		require.Equal(t, config.SchemeTCP, a.Entry.Scheme)
		a.Conn.Close()
	case <-time.After(2 * time.Second):
		t.Fatal("no connection delivered")
	}
}

func TestPool_ReloadRemovesDroppedEntry(t *testing.T) {
	p, err := New(Config{})
	require.NoError(t, err)
	ctx := context.Background()

	entry := config.ListenerEntry{Scheme: config.SchemeTCP, BindAddr: "127.0.0.1:0", ExternalURL: "tcp://gateway.example.com:0"}
	require.NoError(t, p.Reload(ctx, &config.Snapshot{Listeners: []config.ListenerEntry{entry}}))
	require.Len(t, p.entries, 1)

	require.NoError(t, p.Reload(ctx, &config.Snapshot{Listeners: nil}))
	require.Len(t, p.entries, 0)
}

func TestPool_WebsocketEntryUpgradesAndDelivers(t *testing.T) {
	p, err := New(Config{})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	entry := config.ListenerEntry{Scheme: config.SchemeWS, BindAddr: "127.0.0.1:0", ExternalURL: "ws://gateway.example.com:0"}
	require.NoError(t, p.Reload(ctx, &config.Snapshot{Listeners: []config.ListenerEntry{entry}}))

	p.mu.Lock()
	addr := p.entries[entry.BindAddr].raw.Addr().String()
	p.mu.Unlock()

	go func() {
		url := "ws://" + addr + "/"
		c, _, dialErr := websocket.DefaultDialer.Dial(url, nil)
		if dialErr == nil {
			defer c.Close()
			c.WriteMessage(websocket.BinaryMessage, []byte("hi"))
		}
	}()

	select {
	case a := <-p.Accepted():
		require.Equal(t, config.SchemeWS, a.Entry.Scheme)
		a.Conn.Close()
	case <-time.After(2 * time.Second):
		t.Fatal("no websocket connection delivered")
	}
}
