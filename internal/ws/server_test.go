package ws

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/manpreetbhatti/livelist/internal/access"
	"github.com/manpreetbhatti/livelist/internal/engine"
	"github.com/manpreetbhatti/livelist/internal/history"
	"github.com/manpreetbhatti/livelist/internal/merge/mergetest"
	"github.com/manpreetbhatti/livelist/internal/protocol"
	"github.com/manpreetbhatti/livelist/internal/storage"
)

func newTestServer(t *testing.T) (*engine.Engine, *httptest.Server) {
	blobs, err := storage.NewFS(afero.NewMemMapFs(), "/data")
	require.NoError(t, err)
	e := engine.New(storage.NewRepository(blobs), engine.Config{
		WriteDelay:  time.Hour,
		History:     history.DefaultConfig(),
		NewDocument: mergetest.New,
		Clock:       clock.NewMock(),
	})
	_, err = e.Reconcile(context.Background())
	require.NoError(t, err)

	router := mux.NewRouter()
	router.Handle("/yjs/{id}", NewServer(e, func(r *http.Request) bool {
		return r.URL.Query().Get("admin") == "1"
	}))
	srv := httptest.NewServer(router)
	t.Cleanup(func() {
		srv.Close()
		e.Shutdown()
	})
	return e, srv
}

func dial(t *testing.T, srv *httptest.Server, path string) *websocket.Conn {
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + path
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readFrame(t *testing.T, conn *websocket.Conn) protocol.Frame {
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)
	f, err := protocol.Decode(data)
	require.NoError(t, err)
	return f
}

// readUntilMeta consumes the join frames, ending with the init frame.
func readUntilMeta(t *testing.T, conn *websocket.Conn) {
	for {
		if readFrame(t, conn).Type == protocol.MessageMeta {
			return
		}
	}
}

func expectClose(t *testing.T, conn *websocket.Conn, code int) {
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	for {
		_, _, err := conn.ReadMessage()
		if err == nil {
			continue
		}
		var ce *websocket.CloseError
		require.ErrorAs(t, err, &ce)
		assert.Equal(t, code, ce.Code)
		return
	}
}

func TestUpdatesRelayBetweenConnections(t *testing.T) {
	e, srv := newTestServer(t)
	ctx := context.Background()

	entry, err := e.CreateRoom(ctx)
	require.NoError(t, err)
	_, err = e.ToggleVisibility(ctx, entry.ID, true)
	require.NoError(t, err)

	a := dial(t, srv, "/yjs/"+entry.ID)
	b := dial(t, srv, "/yjs/"+entry.ID)
	readUntilMeta(t, a)
	readUntilMeta(t, b)

	require.NoError(t, a.WriteMessage(websocket.BinaryMessage,
		protocol.EncodeSync(protocol.SyncUpdate, []byte("milk"))))

	f := readFrame(t, b)
	assert.Equal(t, protocol.MessageSync, f.Type)
	assert.Equal(t, protocol.SyncUpdate, f.Step)
	assert.Equal(t, "milk", string(f.Payload))

	require.Eventually(t, func() bool { return e.Stats().PendingWrites == 1 }, time.Second, 5*time.Millisecond)
}

func TestJoinRefusals(t *testing.T) {
	e, srv := newTestServer(t)

	expectClose(t, dial(t, srv, "/yjs/unknown"), access.CloseNotFound)

	entry, err := e.CreateRoom(context.Background())
	require.NoError(t, err)
	expectClose(t, dial(t, srv, "/yjs/"+entry.ID), access.CloseDenied)

	admin := dial(t, srv, "/yjs/"+entry.ID+"?admin=1")
	readUntilMeta(t, admin)
}

func TestMalformedFrameClosesConnection(t *testing.T) {
	e, srv := newTestServer(t)
	ctx := context.Background()

	entry, err := e.CreateRoom(ctx)
	require.NoError(t, err)

	conn := dial(t, srv, "/yjs/"+entry.ID+"?admin=1")
	readUntilMeta(t, conn)

	require.NoError(t, conn.WriteMessage(websocket.BinaryMessage, []byte{42}))
	expectClose(t, conn, websocket.CloseProtocolError)

	require.Eventually(t, func() bool { return e.Stats().Peers == 0 }, time.Second, 5*time.Millisecond)
}

func TestDeleteDisconnectsPeers(t *testing.T) {
	e, srv := newTestServer(t)
	ctx := context.Background()

	entry, err := e.CreateRoom(ctx)
	require.NoError(t, err)
	conn := dial(t, srv, "/yjs/"+entry.ID+"?admin=1")
	readUntilMeta(t, conn)

	require.NoError(t, e.DeleteRoom(ctx, entry.ID))
	expectClose(t, conn, access.CloseNotFound)
}

func TestRoomID(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/yjs/abc123/", nil)
	assert.Equal(t, "abc123", RoomID(r))

	r = mux.SetURLVars(r, map[string]string{"id": "fromvars"})
	assert.Equal(t, "fromvars", RoomID(r))
}
