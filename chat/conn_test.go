package chat

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// newChatServer echoes chat messages back as if another participant answered, and
// acknowledges joins. It rejects handshakes without the expected token.
func newChatServer(t *testing.T, token string) *httptest.Server {
	t.Helper()
	upgrader := websocket.Upgrader{}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("token") != token {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer ws.Close()
		for {
			var in Message
			if err := ws.ReadJSON(&in); err != nil {
				return
			}
			switch in.Type {
			case TypeMessage:
				ws.WriteJSON(Message{Type: TypeMessage, ConversationID: in.ConversationID, SenderID: "u-2", Content: "re: " + in.Content})
			case TypeJoin:
				ws.WriteJSON(map[string]any{"type": "joined", "conversation_id": in.ConversationID, "members": 3})
			case TypeTyping:
				ws.WriteJSON(in)
			case "bye":
				return
			}
		}
	}))
	t.Cleanup(server.Close)
	return server
}

func wsURL(server *httptest.Server) string {
	return "ws" + strings.TrimPrefix(server.URL, "http") + "/ws"
}

func receive(t *testing.T, c *Conn) Message {
	t.Helper()
	select {
	case message, ok := <-c.Messages():
		if !ok {
			t.Fatalf("\nwanted:\nmessage\ngot:\nclosed channel (%v)", c.Err())
		}
		return message
	case <-time.After(2 * time.Second):
		t.Fatalf("\nwanted:\nmessage\ngot:\ntimeout")
	}
	return Message{}
}

func TestConn(t *testing.T) {
	t.Run("should move from connecting to open to closed", func(t *testing.T) {
		server := newChatServer(t, "T")
		c := New(wsURL(server), "T")
		if c.State() != StateConnecting {
			t.Fatalf("\nwanted:\n%s\ngot:\n%s", StateConnecting, c.State())
		}
		if err := c.Connect(context.Background()); err != nil {
			t.Fatalf("\nwanted:\nnil\ngot:\n%v", err)
		}
		if c.State() != StateOpen {
			t.Fatalf("\nwanted:\n%s\ngot:\n%s", StateOpen, c.State())
		}
		if err := c.Close(); err != nil {
			t.Fatalf("\nwanted:\nnil\ngot:\n%v", err)
		}
		if c.State() != StateClosed {
			t.Fatalf("\nwanted:\n%s\ngot:\n%s", StateClosed, c.State())
		}
		if _, ok := <-c.Messages(); ok {
			t.Fatalf("\nwanted:\nclosed messages channel\ngot:\nopen")
		}
	})

	t.Run("should send messages and receive replies", func(t *testing.T) {
		server := newChatServer(t, "T")
		c, err := Dial(context.Background(), wsURL(server), "T")
		if err != nil {
			t.Fatalf("\nwanted:\nnil\ngot:\n%v", err)
		}
		defer c.Close()

		if err := c.Join("conv-1"); err != nil {
			t.Fatalf("\nwanted:\nnil\ngot:\n%v", err)
		}
		joined := receive(t, c)
		if joined.Type != "joined" || joined.ConversationID != "conv-1" || !strings.Contains(string(joined.Raw), `"members":3`) {
			t.Fatalf("\nwanted:\njoined conv-1 with raw members\ngot:\n%+v %s", joined, joined.Raw)
		}

		if err := c.Send("conv-1", "salom"); err != nil {
			t.Fatalf("\nwanted:\nnil\ngot:\n%v", err)
		}
		reply := receive(t, c)
		if reply.Type != TypeMessage || reply.Content != "re: salom" || reply.SenderID != "u-2" {
			t.Fatalf("\nwanted:\nre: salom from u-2\ngot:\n%+v", reply)
		}

		if err := c.Typing("conv-1", true); err != nil {
			t.Fatalf("\nwanted:\nnil\ngot:\n%v", err)
		}
		typing := receive(t, c)
		if typing.Type != TypeTyping || typing.IsTyping == nil || !*typing.IsTyping {
			t.Fatalf("\nwanted:\ntyping true\ngot:\n%+v", typing)
		}
	})

	t.Run("should fail the handshake with a wrong token", func(t *testing.T) {
		server := newChatServer(t, "T")
		c := New(wsURL(server), "wrong")
		if err := c.Connect(context.Background()); err == nil {
			t.Fatalf("\nwanted:\nerror\ngot:\nnil")
		}
		if c.State() != StateClosed {
			t.Fatalf("\nwanted:\n%s\ngot:\n%s", StateClosed, c.State())
		}
	})

	t.Run("should refuse writes when not open", func(t *testing.T) {
		c := New("ws://127.0.0.1:1/ws", "T")
		if err := c.Send("conv-1", "hi"); !errors.Is(err, ErrNotOpen) {
			t.Fatalf("\nwanted:\n%v\ngot:\n%v", ErrNotOpen, err)
		}
		c.Close()
		if err := c.Connect(context.Background()); !errors.Is(err, ErrAlreadyConnected) {
			t.Fatalf("\nwanted:\n%v\ngot:\n%v", ErrAlreadyConnected, err)
		}
	})

	t.Run("should close when the server goes away", func(t *testing.T) {
		server := newChatServer(t, "T")
		c, err := Dial(context.Background(), wsURL(server), "T")
		if err != nil {
			t.Fatalf("\nwanted:\nnil\ngot:\n%v", err)
		}
		if err := c.write(Message{Type: "bye", ConversationID: "conv-1"}); err != nil {
			t.Fatalf("\nwanted:\nnil\ngot:\n%v", err)
		}

		select {
		case _, ok := <-c.Messages():
			if ok {
				t.Fatalf("\nwanted:\nclosed channel\ngot:\nmessage")
			}
		case <-time.After(2 * time.Second):
			t.Fatalf("\nwanted:\nclosed channel\ngot:\ntimeout")
		}
		if c.State() != StateClosed {
			t.Fatalf("\nwanted:\n%s\ngot:\n%s", StateClosed, c.State())
		}
		c.Close()
	})
}
