// Package ws fans bus events out to WebSocket clients.
package ws

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/alanyoungcy/riskgate/internal/domain"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10 // must be less than pongWait
	maxMessageSize = 4096
	sendBufferSize = 256
)

// Frame formats a client may ask for with ?format=.
const (
	FormatProto = "proto"
	FormatJSON  = "json"
)

// Channels are the bus channels relayed to clients.
var Channels = []string{
	domain.ChannelTrades,
	domain.ChannelPlans,
	domain.ChannelGuard,
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// Origin filtering happens in the CORS middleware.
	CheckOrigin: func(*http.Request) bool { return true },
}

type client struct {
	hub    *Hub
	conn   *websocket.Conn
	send   chan outbound
	format string
	subs   map[string]bool
	mu     sync.RWMutex
}

type outbound struct {
	kind int
	data []byte
}

type subscribeMsg struct {
	Action   string   `json:"action"` // "subscribe" or "unsubscribe"
	Channels []string `json:"channels"`
}

// Config is reported to clients in the status frame sent on connect.
type Config struct {
	Mode      string
	Profile   string
	StartedAt time.Time
}

// Hub relays bus events to subscribed WebSocket clients.
type Hub struct {
	clients    map[*client]bool
	broadcast  chan event
	register   chan *client
	unregister chan *client
	bus        domain.SignalBus
	cfg        Config
	mu         sync.RWMutex
	logger     *slog.Logger
}

type event struct {
	channel string
	data    []byte
	at      time.Time
}

// NewHub creates a hub reading from bus.
func NewHub(bus domain.SignalBus, logger *slog.Logger, cfg Config) *Hub {
	if cfg.StartedAt.IsZero() {
		cfg.StartedAt = time.Now().UTC()
	}
	if cfg.Mode == "" {
		cfg.Mode = "unknown"
	}
	return &Hub{
		clients:    make(map[*client]bool),
		broadcast:  make(chan event, 256),
		register:   make(chan *client),
		unregister: make(chan *client),
		bus:        bus,
		cfg:        cfg,
		logger:     logger.With(slog.String("component", "ws_hub")),
	}
}

// Run subscribes to the relayed channels and serves clients until ctx ends.
func (h *Hub) Run(ctx context.Context) error {
	for _, ch := range Channels {
		go h.subscribe(ctx, ch)
	}

	for {
		select {
		case <-ctx.Done():
			h.mu.Lock()
			for c := range h.clients {
				close(c.send)
				delete(h.clients, c)
			}
			h.mu.Unlock()
			return nil

		case c := <-h.register:
			h.mu.Lock()
			h.clients[c] = true
			n := len(h.clients)
			h.mu.Unlock()
			h.logger.Info("client connected", slog.Int("total_clients", n))

		case c := <-h.unregister:
			h.mu.Lock()
			if h.clients[c] {
				delete(h.clients, c)
				close(c.send)
			}
			n := len(h.clients)
			h.mu.Unlock()
			h.logger.Info("client disconnected", slog.Int("total_clients", n))

		case ev := <-h.broadcast:
			h.deliver(ev)
		}
	}
}

func (h *Hub) deliver(ev event) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	// Encode once per format.
	frames := map[string]outbound{}
	for c := range h.clients {
		if !c.isSubscribed(ev.channel) {
			continue
		}
		out, ok := frames[c.format]
		if !ok {
			kind, data, err := EncodeEvent(c.format, ev.channel, ev.data, ev.at)
			if err != nil {
				h.logger.Warn("encode frame failed",
					slog.String("channel", ev.channel),
					slog.String("error", err.Error()),
				)
				continue
			}
			out = outbound{kind: kind, data: data}
			frames[c.format] = out
		}
		select {
		case c.send <- out:
		default:
			h.logger.Warn("dropping message for slow client", slog.String("channel", ev.channel))
		}
	}
}

func (h *Hub) subscribe(ctx context.Context, channel string) {
	msgs, err := h.bus.Subscribe(ctx, channel)
	if err != nil {
		h.logger.Error("subscribe failed",
			slog.String("channel", channel),
			slog.String("error", err.Error()),
		)
		return
	}
	h.logger.Info("subscribed", slog.String("channel", channel))

	for {
		select {
		case <-ctx.Done():
			return
		case data, ok := <-msgs:
			if !ok {
				h.logger.Warn("subscription closed", slog.String("channel", channel))
				return
			}
			select {
			case h.broadcast <- event{channel: channel, data: data, at: time.Now().UTC()}:
			case <-ctx.Done():
				return
			}
		}
	}
}

// HandleWS upgrades the request and registers the client on every channel.
// GET /ws?format=proto|json
func (h *Hub) HandleWS(w http.ResponseWriter, r *http.Request) {
	format := strings.ToLower(r.URL.Query().Get("format"))
	if format != FormatJSON {
		format = FormatProto
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Error("upgrade failed", slog.String("error", err.Error()))
		return
	}

	c := &client{
		hub:    h,
		conn:   conn,
		send:   make(chan outbound, sendBufferSize),
		format: format,
		subs:   make(map[string]bool, len(Channels)),
	}
	for _, ch := range Channels {
		c.subs[ch] = true
	}

	h.register <- c
	c.sendStatus()

	go c.writePump()
	go c.readPump()
}

// EncodeEvent builds the frame for one bus event. Proto frames are a
// serialized google.protobuf.Struct with channel, ts and payload fields.
func EncodeEvent(format, channel string, payload []byte, at time.Time) (int, []byte, error) {
	var body any
	if err := json.Unmarshal(payload, &body); err != nil {
		body = string(payload)
	}
	fields := map[string]any{
		"channel": channel,
		"ts":      at.UnixMilli(),
		"payload": body,
	}
	if format == FormatJSON {
		data, err := json.Marshal(fields)
		return websocket.TextMessage, data, err
	}
	st, err := structpb.NewStruct(fields)
	if err != nil {
		return 0, nil, err
	}
	data, err := proto.Marshal(st)
	return websocket.BinaryMessage, data, err
}

// DecodeEvent parses a proto frame produced by EncodeEvent.
func DecodeEvent(data []byte) (channel string, payload any, err error) {
	var st structpb.Struct
	if err := proto.Unmarshal(data, &st); err != nil {
		return "", nil, err
	}
	m := st.AsMap()
	channel, _ = m["channel"].(string)
	return channel, m["payload"], nil
}

func (c *client) readPump() {
	defer func() {
		c.hub.unregister <- c
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
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.hub.logger.Warn("unexpected close", slog.String("error", err.Error()))
			}
			return
		}
		var sub subscribeMsg
		if json.Unmarshal(message, &sub) == nil && sub.Action != "" {
			c.handleSubscription(sub)
		}
	}
}

func (c *client) handleSubscription(msg subscribeMsg) {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch msg.Action {
	case "subscribe":
		for _, ch := range msg.Channels {
			c.subs[ch] = true
		}
	case "unsubscribe":
		for _, ch := range msg.Channels {
			delete(c.subs, ch)
		}
	}
}

func (c *client) sendStatus() {
	uptime := int64(time.Since(c.hub.cfg.StartedAt).Seconds())
	status, _ := json.Marshal(map[string]any{
		"type":           "status",
		"mode":           c.hub.cfg.Mode,
		"profile":        c.hub.cfg.Profile,
		"uptime_seconds": max(uptime, 0),
	})
	kind, data, err := EncodeEvent(c.format, "status", status, time.Now().UTC())
	if err != nil {
		return
	}
	select {
	case c.send <- outbound{kind: kind, data: data}:
	default:
	}
}

// isSubscribed matches exact names and trailing-* prefixes.
func (c *client) isSubscribed(channel string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.subs[channel] {
		return true
	}
	for sub := range c.subs {
		if prefix, ok := strings.CutSuffix(sub, "*"); ok && strings.HasPrefix(channel, prefix) {
			return true
		}
	}
	return false
}

func (c *client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case msg, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(msg.kind, msg.data); err != nil {
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
