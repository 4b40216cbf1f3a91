package websocket

import (
	"encoding/json"
	"net/http"
	"sync"

	ws "github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"filebridge/logging"
)

// Writer is what services reply through. *Conn implements it.
type Writer interface {
	WriteJSON(v any) error
}

type Conn struct {
	*ws.Conn
	*sync.Mutex
	// Exposed channels for text and binary messages
	TextMessage   chan *ServiceMessage
	BinaryMessage chan []byte

	log zerolog.Logger
}

var (
	upgrader = ws.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 32 * 1024,
		CheckOrigin:     func(r *http.Request) bool { return true },
	}
)

func (c *Conn) WriteJSON(v any) error {
	c.Lock()
	err := c.Conn.WriteJSON(v)
	c.Unlock()

	if err != nil {
		c.log.Warn().Err(err).Msg("write json failed")
	}
	return err
}

func (c *Conn) WriteBinary(data []byte) error {
	c.Lock()
	err := c.Conn.WriteMessage(ws.BinaryMessage, data)
	c.Unlock()

	if err != nil {
		c.log.Warn().Err(err).Msg("write binary failed")
	}
	return err
}

// NewConn upgrades the request and prepares the dispatch channels.
func NewConn(w http.ResponseWriter, r *http.Request) (*Conn, error) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return nil, err
	}

	return &Conn{
		Conn:          conn,
		Mutex:         new(sync.Mutex),
		TextMessage:   make(chan *ServiceMessage, 10),
		BinaryMessage: make(chan []byte, 10),
		log:           logging.For("websocket").With().Str("remote", r.RemoteAddr).Logger(),
	}, nil
}

// StartDispatch reads frames until the connection fails and routes them to
// the channels, which it closes on return.
func (c *Conn) StartDispatch() error {
	defer close(c.TextMessage)
	defer close(c.BinaryMessage)

	for {
		msgType, data, err := c.ReadMessage()
		if err != nil {
			return err
		}

		if msgType == ws.BinaryMessage {
			c.BinaryMessage <- data
			continue
		}

		var msg ServiceMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			c.log.Warn().Err(err).Msg("malformed message")
			continue
		}
		c.TextMessage <- &msg
	}
}
