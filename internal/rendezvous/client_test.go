package rendezvous

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/syuink/node/internal/proto"
)

func TestBuildURL(t *testing.T) {
	u, err := buildURL("http://rv.example.org", "mygroup", "tok")
	require.NoError(t, err)
	assert.Equal(t, "ws://rv.example.org/wapi/mygroup?token=tok", u)
}

func TestBuildURLHttpsToWss(t *testing.T) {
	u, err := buildURL("https://rv.example.org/", "g", "")
	require.NoError(t, err)
	assert.Equal(t, "wss://rv.example.org/wapi/g", u)
}

func TestDialSendsJoinThenExchangesFrames(t *testing.T) {
	upgrader := websocket.Upgrader{ReadBufferSize: 4096, WriteBufferSize: 4096}

	gotJoin := make(chan []byte, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.True(t, strings.HasPrefix(r.URL.Path, "/wapi/"))
		conn, err := upgrader.Upgrade(w, r, nil)
		require.NoError(t, err)
		defer conn.Close()

		_, data, err := conn.ReadMessage()
		require.NoError(t, err)
		gotJoin <- data

		peerJoined := proto.PeerJoined{Type: proto.TypePeerJoined, ID: "peer-b", IP: "10.10.0.3"}
		b, err := proto.Encode(peerJoined)
		require.NoError(t, err)
		require.NoError(t, conn.WriteMessage(websocket.TextMessage, b))

		// Keep the connection open briefly so the client's readLoop can
		// observe the frame before the handler returns and closes it.
		time.Sleep(50 * time.Millisecond)
	}))
	defer srv.Close()

	base := "http" + strings.TrimPrefix(srv.URL, "http")
	client, err := Dial(base, "g1", "", JoinInfo{ID: "node-a", IP: "10.10.0.2"})
	require.NoError(t, err)
	defer client.Close()

	select {
	case data := <-gotJoin:
		got, err := proto.Decode(data)
		require.NoError(t, err)
		join := got.(*proto.Join)
		assert.Equal(t, "node-a", join.ID)
	case <-time.After(time.Second):
		t.Fatal("server never received join frame")
	}

	select {
	case frame := <-client.Inbound:
		pj, ok := frame.(*proto.PeerJoined)
		require.True(t, ok)
		assert.Equal(t, "peer-b", pj.ID)
	case <-time.After(time.Second):
		t.Fatal("client never received PeerJoined frame")
	}
}

func TestClosedFiresOnRemoteClose(t *testing.T) {
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		require.NoError(t, err)
		conn.ReadMessage()
		conn.Close()
	}))
	defer srv.Close()

	base := "http" + strings.TrimPrefix(srv.URL, "http")
	client, err := Dial(base, "g1", "", JoinInfo{ID: "node-a", IP: "10.10.0.2"})
	require.NoError(t, err)

	select {
	case <-client.Closed:
	case <-time.After(time.Second):
		t.Fatal("Closed was never signalled after remote close")
	}
}
