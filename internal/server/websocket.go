package server

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/corvino/fieldchat/internal/protocol"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10
	maxMsgSize = 64 * 1024
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

type closeReq struct {
	code   int
	reason string
}

// Client is one device's WebSocket connection in a room.
type Client struct {
	room     *Room
	conn     *websocket.Conn
	deviceID string
	log      zerolog.Logger

	send     chan []byte
	kick     chan closeReq
	kickOnce sync.Once
}

// SendFrame queues a frame for delivery to this client.
func (c *Client) SendFrame(f protocol.Frame) {
	data, err := json.Marshal(f)
	if err != nil {
		return
	}
	select {
	case c.send <- data:
	default:
		// Client too slow; drop.
	}
}

// Kick closes the connection with a close frame carrying code and reason.
func (c *Client) Kick(code int, reason string) {
	c.kickOnce.Do(func() {
		c.kick <- closeReq{code: code, reason: reason}
	})
}

// readPump reads frames from the device and acts on them.
func (c *Client) readPump() {
	defer func() {
		c.room.UnregisterClient(c)
		c.conn.Close()
	}()
	c.conn.SetReadLimit(maxMsgSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.log.Debug().Err(err).Msg("ws read error")
			}
			return
		}
		// Any frame proves the device is alive.
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		c.handle(string(data))
	}
}

func (c *Client) handle(text string) {
	d := protocol.Decode(text)
	switch d.Type {
	case protocol.FrameProbe:
		c.SendFrame(protocol.Frame{Message: "pong", SenderType: string(protocol.KindSystem), Pong: true})
	case protocol.FrameTyping:
		c.room.Relay(protocol.Frame{SenderType: string(protocol.KindDevice), DeviceID: c.deviceID, Typing: true}, c)
	case protocol.FrameChat:
		c.room.AddMessage(protocol.Frame{
			Message:    d.Message.Body,
			SenderType: string(protocol.KindDevice),
			DeviceID:   c.deviceID,
			Timestamp:  d.Message.Timestamp,
		}, c)
	default:
		c.log.Debug().Str("type", d.Type.String()).Msg("frame ignored")
	}
}

// writePump sends queued frames and keepalive pings to the WebSocket.
func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()
	for {
		select {
		case data := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		case req := <-c.kick:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(req.code, req.reason))
			return
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// ServeWS upgrades an HTTP connection to WebSocket and joins the client to
// the room, backfilling its history.
func ServeWS(hub *Hub, w http.ResponseWriter, r *http.Request, recording, deviceID string) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		hub.log.Warn().Err(err).Msg("ws upgrade error")
		return
	}

	room := hub.GetOrCreateRoom(recording)
	client := &Client{
		room:     room,
		conn:     conn,
		deviceID: deviceID,
		log:      room.log.With().Str("device_id", deviceID).Logger(),
		send:     make(chan []byte, room.maxHistory+64),
		kick:     make(chan closeReq, 1),
	}
	room.Join(client)
	client.log.Info().Msg("device attached")

	go client.writePump()
	go client.readPump()
}
