package relay

import (
	"net/http"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const sendBufferSize = 32

// The hosting page checks the session before offering the connect URL, so
// the socket itself trusts the caller-supplied identity and origin.
var upgrader = websocket.Upgrader{
	ReadBufferSize:  2048,
	WriteBufferSize: 2048,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// Client is one websocket connection inside a session. A user with several
// tabs open holds several clients.
type Client struct {
	ID          string
	UserID      string
	DisplayName string

	socket *websocket.Conn
	send   chan []byte
	logger *zap.Logger
}

// ServeWS upgrades the request and attaches the connection to the map's
// session. Connections without a user id are rejected before the upgrade.
func ServeWS(hub *Hub, w http.ResponseWriter, r *http.Request, mapID, userID, displayName string, logger *zap.Logger) {
	if userID == "" {
		http.Error(w, "userId is required", http.StatusBadRequest)
		return
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	socket, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}

	connectionID := uuid.NewString()
	client := &Client{
		ID:          connectionID,
		UserID:      userID,
		DisplayName: displayName,
		socket:      socket,
		send:        make(chan []byte, sendBufferSize),
		logger:      logger.With(zap.String("user_id", userID), zap.String("connection_id", connectionID)),
	}

	session := hub.Join(mapID, client)
	go client.writePump()
	go client.readPump(session)
}

// deliver queues a frame for the write pump. A slow consumer whose buffer is
// full loses the frame; the periodic reconciler heals any visible divergence.
func (c *Client) deliver(frame []byte) {
	select {
	case c.send <- frame:
	default:
		c.logger.Warn("dropping frame for slow consumer")
	}
}

// readPump feeds inbound frames to the session until the socket errors, then
// detaches the client.
func (c *Client) readPump(session *Session) {
	defer session.Leave(c)
	for {
		_, frame, err := c.socket.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.logger.Warn("websocket read failed", zap.Error(err))
			}
			return
		}
		session.Receive(c, frame)
	}
}

// writePump drains the send channel onto the socket. The session closes the
// channel on leave, which ends the pump and the connection.
func (c *Client) writePump() {
	defer c.socket.Close() //nolint:errcheck
	for frame := range c.send {
		if err := c.socket.WriteMessage(websocket.TextMessage, frame); err != nil {
			c.logger.Warn("websocket write failed", zap.Error(err))
			return
		}
	}
}
