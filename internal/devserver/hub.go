package devserver

import (
	"encoding/json"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"studyroom/internal/middleware"
	"studyroom/internal/protocol"
	"studyroom/internal/transport"
	"studyroom/internal/utils"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// Client is one websocket connection and the set of topics it subscribed to.
// Topics are only touched from the hub goroutine.
type Client struct {
	hub      *Hub
	conn     *websocket.Conn
	ID       string
	Nickname string
	send     chan transport.Frame
	topics   map[string]struct{}
}

type topicChange struct {
	client *Client
	topic  string
	add    bool
}

// Hub fans room events out to subscribed clients. All membership and topic
// state is owned by the Run goroutine; registration, topic changes and
// published events arrive over channels.
type Hub struct {
	store      *Store
	bus        *utils.EventBus
	register   chan *Client
	unregister chan *Client
	changes    chan topicChange
	clients    map[*Client]bool
	logger     *zap.SugaredLogger
}

func NewHub(store *Store, bus *utils.EventBus, logger *zap.Logger) *Hub {
	return &Hub{
		store:      store,
		bus:        bus,
		register:   make(chan *Client),
		unregister: make(chan *Client),
		changes:    make(chan topicChange),
		clients:    make(map[*Client]bool),
		logger:     logger.Sugar(),
	}
}

func (h *Hub) Run() {
	h.logger.Info("WebSocket hub started")

	for {
		select {
		case client := <-h.register:
			h.clients[client] = true
			h.logger.Infow("Client connected",
				"client_id", client.ID,
				"nickname", client.Nickname,
				"clients_count", len(h.clients),
			)

		case client := <-h.unregister:
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				close(client.send)
				h.logger.Infow("Client disconnected",
					"client_id", client.ID,
					"clients_count", len(h.clients),
				)
			}

		case change := <-h.changes:
			if !h.clients[change.client] {
				continue
			}
			if change.add {
				change.client.topics[change.topic] = struct{}{}
			} else {
				delete(change.client.topics, change.topic)
			}

		case busEvent := <-h.bus.Events():
			ev, ok := busEvent.Data.(protocol.RoomEvent)
			if !ok {
				continue
			}
			h.broadcast(ev)
		}
	}
}

func (h *Hub) broadcast(ev protocol.RoomEvent) {
	data, err := json.Marshal(ev)
	if err != nil {
		h.logger.Errorw("Failed to encode room event", "error", err)
		return
	}
	frame := transport.Frame{Topic: ev.Topic(), Data: data}

	for client := range h.clients {
		if _, subscribed := client.topics[frame.Topic]; !subscribed {
			continue
		}
		select {
		case client.send <- frame:
		default:
			h.logger.Warnw("Dropping frame for slow client", "client_id", client.ID)
		}
	}
}

// ServeWS upgrades the connection and pumps frames in both directions.
func (h *Hub) ServeWS(c *gin.Context) {
	token := middleware.BearerToken(c)
	if token == "" {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "authorization required"})
		return
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Errorw("Failed to upgrade connection", "error", err)
		return
	}

	client := &Client{
		hub:      h,
		conn:     conn,
		ID:       uuid.New().String(),
		Nickname: token,
		send:     make(chan transport.Frame, 64),
		topics:   make(map[string]struct{}),
	}

	h.register <- client
	go client.writeLoop()
	client.readLoop()
}

func (c *Client) writeLoop() {
	for frame := range c.send {
		if err := c.conn.WriteJSON(frame); err != nil {
			return
		}
	}
}

func (c *Client) readLoop() {
	defer func() {
		c.hub.unregister <- c
		c.conn.Close()
	}()

	for {
		var frame transport.Frame
		if err := c.conn.ReadJSON(&frame); err != nil {
			return
		}

		switch frame.Action {
		case transport.ActionSubscribe:
			c.hub.changes <- topicChange{client: c, topic: frame.Topic, add: true}
		case transport.ActionUnsubscribe:
			c.hub.changes <- topicChange{client: c, topic: frame.Topic, add: false}
		case transport.ActionPublish:
			c.handlePublish(frame.Data)
		default:
			c.hub.logger.Warnw("Dropping frame with unknown action", "action", frame.Action)
		}
	}
}

// handlePublish assigns server fields to a client message, appends it to the
// durable log and hands it to the hub for fan-out.
func (c *Client) handlePublish(data json.RawMessage) {
	var out protocol.Outbound
	if err := json.Unmarshal(data, &out); err != nil {
		c.hub.logger.Warnw("Dropping malformed publish", "client_id", c.ID, "error", err)
		return
	}

	ev := protocol.RoomEvent{
		Kind:     out.Kind,
		RoomKind: out.RoomKind,
		RoomID:   out.RoomID,
		Sender:   c.Nickname,
		Body:     out.Body,
		RefID:    out.RefID,
	}
	if err := ev.Validate(); err != nil {
		c.hub.logger.Warnw("Dropping invalid publish", "client_id", c.ID, "error", err)
		return
	}

	stored := c.hub.store.AppendMessage(ev)
	c.hub.bus.Publish("room_event", stored)
}
