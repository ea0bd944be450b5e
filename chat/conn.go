// Package chat is a client for the backend's conversation WebSocket.
//
// Frames are JSON objects with a "type" and a "conversation_id". The access token travels
// as the "token" query parameter because browsers cannot set headers on WebSocket upgrades
// and the backend expects the same handshake from every client.
package chat

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
)

var (
	// ErrNotOpen is returned when writing on a connection that is not open.
	ErrNotOpen = errors.New("chat connection is not open")
	// ErrAlreadyConnected is returned by Connect on a connection that was already used.
	ErrAlreadyConnected = errors.New("chat connection already started")
)

// State is the lifecycle of a Conn.
type State int32

const (
	StateConnecting State = iota
	StateOpen
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateClosed:
		return "closed"
	}
	return fmt.Sprintf("State(%d)", int32(s))
}

// Frame types.
const (
	TypeMessage = "message"
	TypeTyping  = "typing"
	TypeJoin    = "join"
	TypeError   = "error"
)

// Message is one frame in either direction. Unknown fields of inbound frames are kept in Raw.
type Message struct {
	Type           string          `json:"type"`
	ConversationID string          `json:"conversation_id,omitempty"`
	MessageID      string          `json:"message_id,omitempty"`
	SenderID       string          `json:"sender_id,omitempty"`
	Content        string          `json:"content,omitempty"`
	IsTyping       *bool           `json:"is_typing,omitempty"`
	SentAt         string          `json:"sent_at,omitempty"`
	Raw            json.RawMessage `json:"-"`
}

// Conn is one WebSocket session. Inbound frames arrive on Messages until the connection ends.
type Conn struct {
	URL          string
	Token        string
	Header       http.Header // extra handshake headers, such as Origin
	Dialer       *websocket.Dialer
	PingInterval time.Duration
	WriteTimeout time.Duration
	Logger       *slog.Logger

	ws       *websocket.Conn
	state    atomic.Int32
	started  atomic.Bool
	messages chan Message
	writeMu  sync.Mutex
	done     chan struct{}
	wg       sync.WaitGroup
	once     sync.Once
	errMu    sync.Mutex
	err      error
}

// New prepares a connection to wsURL; nothing is dialled until Connect.
func New(wsURL, token string) *Conn {
	return &Conn{
		URL:          wsURL,
		Token:        token,
		Dialer:       websocket.DefaultDialer,
		PingInterval: 30 * time.Second,
		WriteTimeout: 10 * time.Second,
		Logger:       slog.Default(),
		messages:     make(chan Message, 32),
		done:         make(chan struct{}),
	}
}

// Dial is New followed by Connect.
func Dial(ctx context.Context, wsURL, token string) (*Conn, error) {
	conn := New(wsURL, token)
	if err := conn.Connect(ctx); err != nil {
		return nil, err
	}
	return conn, nil
}

// Connect performs the handshake and starts reading frames.
func (c *Conn) Connect(ctx context.Context) error {
	if !c.started.CompareAndSwap(false, true) {
		return ErrAlreadyConnected
	}
	target, err := url.Parse(c.URL)
	if err != nil {
		c.finish(err)
		return fmt.Errorf("parsing websocket url : %w", err)
	}
	if c.Token != "" {
		query := target.Query()
		query.Set("token", c.Token)
		target.RawQuery = query.Encode()
	}

	ws, res, err := c.Dialer.DialContext(ctx, target.String(), c.Header)
	if err != nil {
		if res != nil {
			err = fmt.Errorf("handshake returned %d : %w", res.StatusCode, err)
		}
		c.finish(err)
		return fmt.Errorf("dialing %s : %w", target.Host, err)
	}
	c.ws = ws
	c.state.Store(int32(StateOpen))

	c.wg.Add(1)
	go c.readLoop()
	if c.PingInterval > 0 {
		c.wg.Add(1)
		go c.pingLoop()
	}
	return nil
}

// State reports the connection state.
func (c *Conn) State() State {
	return State(c.state.Load())
}

// Messages is closed when the connection ends.
func (c *Conn) Messages() <-chan Message {
	return c.messages
}

// Err returns what ended the connection, nil after a local Close.
func (c *Conn) Err() error {
	c.errMu.Lock()
	defer c.errMu.Unlock()
	return c.err
}

// Send posts a chat message to a conversation.
func (c *Conn) Send(conversationID, content string) error {
	return c.write(Message{Type: TypeMessage, ConversationID: conversationID, Content: content})
}

// Typing toggles the typing indicator in a conversation.
func (c *Conn) Typing(conversationID string, typing bool) error {
	return c.write(Message{Type: TypeTyping, ConversationID: conversationID, IsTyping: &typing})
}

// Join subscribes to a conversation's frames.
func (c *Conn) Join(conversationID string) error {
	return c.write(Message{Type: TypeJoin, ConversationID: conversationID})
}

func (c *Conn) write(message Message) error {
	if c.State() != StateOpen {
		return ErrNotOpen
	}
	if message.ConversationID == "" {
		return errors.New("conversation id is empty")
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if c.WriteTimeout > 0 {
		c.ws.SetWriteDeadline(time.Now().Add(c.WriteTimeout))
	}
	if err := c.ws.WriteJSON(message); err != nil {
		return fmt.Errorf("writing %s frame : %w", message.Type, err)
	}
	return nil
}

// Close sends a close frame, ends the connection and waits for its goroutines.
// Closing twice is a no-op.
func (c *Conn) Close() error {
	c.started.Store(true)
	if c.ws == nil {
		c.finish(nil)
		return nil
	}
	if c.State() == StateOpen {
		c.writeMu.Lock()
		closeFrame := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
		if err := c.ws.WriteControl(websocket.CloseMessage, closeFrame, time.Now().Add(time.Second)); err != nil {
			c.Logger.Debug("sending close frame", "error", err)
		}
		c.writeMu.Unlock()
	}

	c.finish(nil)
	c.ws.Close()
	c.wg.Wait()
	return nil
}

// finish moves to StateClosed once and records why.
func (c *Conn) finish(err error) {
	c.once.Do(func() {
		c.state.Store(int32(StateClosed))
		c.errMu.Lock()
		c.err = err
		c.errMu.Unlock()
		close(c.done)
		if c.ws == nil {
			close(c.messages)
		}
	})
}

func (c *Conn) readLoop() {
	defer c.wg.Done()
	defer close(c.messages)
	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				err = nil
			}
			select {
			case <-c.done:
			default:
				if err != nil {
					c.Logger.Warn("chat connection lost", "error", err)
				}
			}
			c.finish(err)
			c.ws.Close()
			return
		}

		var message Message
		if err := json.Unmarshal(data, &message); err != nil {
			c.Logger.Warn("dropping malformed chat frame", "error", err)
			continue
		}
		message.Raw = append(json.RawMessage(nil), data...)

		select {
		case c.messages <- message:
		case <-c.done:
			return
		}
	}
}

func (c *Conn) pingLoop() {
	defer c.wg.Done()
	ticker := time.NewTicker(c.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			c.writeMu.Lock()
			err := c.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(c.WriteTimeout))
			c.writeMu.Unlock()
			if err != nil {
				c.Logger.Debug("chat ping failed", "error", err)
			}
		}
	}
}
