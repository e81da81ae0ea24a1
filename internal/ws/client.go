package ws

import (
	"encoding/json"
	"log"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 1024 * 1024
	sendBufferSize = 512
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// Client is one WebSocket connection. A client joins at most one room at a
// time; roomID is empty until a join succeeds and is only touched from the
// read loop.
type Client struct {
	gateway *Gateway
	conn    *websocket.Conn
	send    chan []byte
	id      string
	roomID  string
}

func ServeWs(gateway *Gateway, w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Println("Upgrade error:", err)
		return
	}

	client := &Client{
		gateway: gateway,
		conn:    conn,
		send:    make(chan []byte, sendBufferSize),
		id:      uuid.NewString(),
	}

	log.Printf("Client connected: %s", client.id)

	go client.writePump()
	go client.readPump()
}

func (c *Client) readPump() {
	defer func() {
		c.gateway.HandleDisconnect(c)
		close(c.send)
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				log.Printf("WebSocket error: %v", err)
			}
			break
		}

		c.dispatch(message)
	}
}

// dispatch routes one inbound frame to its handler and acknowledges it.
func (c *Client) dispatch(message []byte) {
	var env Envelope
	if err := json.Unmarshal(message, &env); err != nil {
		c.enqueue(marshalEvent(EventError, ErrorPayload{Message: "Malformed message"}))
		return
	}

	switch env.Event {
	case EventJoinRoom:
		var p JoinRoomPayload
		c.ack(env.Event, decode(env.Data, &p, func() Ack {
			return c.gateway.HandleJoinRoom(c, p)
		}))

	case EventCodeChange:
		var p CodeChangePayload
		c.ack(env.Event, decode(env.Data, &p, func() Ack {
			return c.gateway.HandleCodeChange(c, p)
		}))

	case EventLanguageChange:
		var p LanguageChangePayload
		c.ack(env.Event, decode(env.Data, &p, func() Ack {
			return c.gateway.HandleLanguageChange(c, p)
		}))

	case EventRunCode:
		var p RunCodePayload
		if err := json.Unmarshal(env.Data, &p); err != nil {
			c.ack(env.Event, Ack{Success: false, Message: "Malformed payload"})
			return
		}
		// Execution can take up to the full poll budget; run it off the
		// read loop so the connection's other traffic keeps flowing.
		go func() {
			c.ack(EventRunCode, c.gateway.HandleRunCode(c, p))
		}()

	case EventSaveCode:
		var p SaveCodePayload
		c.ack(env.Event, decode(env.Data, &p, func() Ack {
			return c.gateway.HandleSaveCode(c, p)
		}))

	case EventLeaveRoom:
		var p LeaveRoomPayload
		c.ack(env.Event, decode(env.Data, &p, func() Ack {
			return c.gateway.HandleLeaveRoom(c, p)
		}))

	default:
		c.enqueue(marshalEvent(EventError, ErrorPayload{Message: "Unknown event: " + env.Event}))
	}
}

func decode(data json.RawMessage, target interface{}, handle func() Ack) Ack {
	if err := json.Unmarshal(data, target); err != nil {
		return Ack{Success: false, Message: "Malformed payload"}
	}
	return handle()
}

func (c *Client) ack(event string, ack Ack) {
	ack.Event = event
	c.enqueue(marshalEvent(EventAck, ack))
}

// enqueue hands a frame to the write pump without blocking the caller.
func (c *Client) enqueue(data []byte) {
	if data == nil {
		return
	}
	defer func() {
		// Send channel may already be closed by a finished read pump.
		recover()
	}()
	select {
	case c.send <- data:
	default:
		log.Printf("Dropping frame for client %s (send buffer full)", c.id)
	}
}

func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
