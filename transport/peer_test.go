package transport

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gridlink/codec"
	"gridlink/message"
	"gridlink/protocol"
)

func TestPeerExchange(t *testing.T) {
	received := make(chan message.Message, 1)
	closed := make(chan int, 1)
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		p := NewPeer(ws, PeerConfig{Codec: codec.CodecTypeJSON}, nil)
		code, _ := p.Serve(func(msg message.Message) {
			received <- msg
			if req, ok := msg.(*message.Request); ok {
				require.NoError(t, p.Send(&message.Response{ID: req.ID, Result: "pong"}))
			}
		})
		closed <- code
	}))
	defer srv.Close()

	ws, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	require.NoError(t, err)
	client := NewPeer(ws, PeerConfig{}, nil)

	responses := make(chan message.Message, 1)
	served := make(chan struct{})
	go func() {
		defer close(served)
		client.Serve(func(msg message.Message) { responses <- msg })
	}()

	require.NoError(t, client.Send(&message.Request{ID: 7, Method: "/ping"}))
	select {
	case msg := <-received:
		assert.Equal(t, &message.Request{ID: 7, Method: "/ping"}, msg)
	case <-time.After(time.Second):
		t.Fatal("request not received")
	}
	select {
	case msg := <-responses:
		assert.Equal(t, &message.Response{ID: 7, Result: "pong"}, msg)
	case <-time.After(time.Second):
		t.Fatal("response not received")
	}

	client.Close(protocol.CloseNormal, "bye")
	select {
	case code := <-closed:
		assert.Equal(t, protocol.CloseNormal, code)
	case <-time.After(time.Second):
		t.Fatal("server peer did not stop")
	}
	<-served
	assert.ErrorIs(t, client.Send(&message.Notification{Method: "/late"}), ErrNotConnected)
}
