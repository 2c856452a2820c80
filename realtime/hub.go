package realtime

import (
	"context"

	"marketplace-svc/middleware"

	"go.uber.org/zap"
)

// Relay forwards room emits to the other service instances.
type Relay interface {
	Publish(ctx context.Context, room string, payload []byte) error
}

type membership struct {
	client *Client
	room   string
	join   bool
}

type emission struct {
	room   string
	target *Client
	except *Client
	data   []byte
}

// Hub owns every local connection and room. All state is touched only by the
// Run goroutine; callers talk to it through channels.
type Hub struct {
	clients map[*Client]struct{}
	rooms   map[string]map[*Client]struct{}

	register   chan *Client
	unregister chan *Client
	membership chan membership
	emissions  chan emission

	relay  Relay
	logger *zap.Logger
	done   chan struct{}
}

func NewHub(relay Relay, logger *zap.Logger) *Hub {
	return &Hub{
		clients:    make(map[*Client]struct{}),
		rooms:      make(map[string]map[*Client]struct{}),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		membership: make(chan membership),
		emissions:  make(chan emission, 256),
		relay:      relay,
		logger:     logger,
		done:       make(chan struct{}),
	}
}

func (h *Hub) Run(ctx context.Context) {
	defer close(h.done)
	for {
		select {
		case <-ctx.Done():
			for c := range h.clients {
				h.drop(c)
			}
			return

		case c := <-h.register:
			h.clients[c] = struct{}{}
			h.addToRoom(c, UserRoom(c.UserID))
			middleware.RealtimeConnectionOpened()
			h.logger.Info("Realtime client connected", zap.Int64("user_id", c.UserID))

		case c := <-h.unregister:
			if _, ok := h.clients[c]; ok {
				h.drop(c)
				h.logger.Info("Realtime client disconnected", zap.Int64("user_id", c.UserID))
			}

		case m := <-h.membership:
			if _, ok := h.clients[m.client]; !ok {
				continue
			}
			if m.join {
				h.addToRoom(m.client, m.room)
			} else {
				h.removeFromRoom(m.client, m.room)
			}

		case e := <-h.emissions:
			if e.target != nil {
				if _, ok := h.clients[e.target]; ok {
					h.send(e.target, e.data)
				}
				continue
			}
			for c := range h.rooms[e.room] {
				if c != e.except {
					h.send(c, e.data)
				}
			}
		}
	}
}

// send never blocks the loop; a client whose buffer is full is dropped.
func (h *Hub) send(c *Client, data []byte) {
	select {
	case c.Send <- data:
	default:
		h.logger.Warn("Dropping slow realtime client", zap.Int64("user_id", c.UserID))
		h.drop(c)
	}
}

func (h *Hub) drop(c *Client) {
	for room := range c.rooms {
		h.removeFromRoom(c, room)
	}
	delete(h.clients, c)
	close(c.Send)
	middleware.RealtimeConnectionClosed()
}

func (h *Hub) addToRoom(c *Client, room string) {
	members := h.rooms[room]
	if members == nil {
		members = make(map[*Client]struct{})
		h.rooms[room] = members
	}
	members[c] = struct{}{}
	c.rooms[room] = struct{}{}
}

func (h *Hub) removeFromRoom(c *Client, room string) {
	if members := h.rooms[room]; members != nil {
		delete(members, c)
		if len(members) == 0 {
			delete(h.rooms, room)
		}
	}
	delete(c.rooms, room)
}

func (h *Hub) Register(c *Client) {
	select {
	case h.register <- c:
	case <-h.done:
	}
}

func (h *Hub) Unregister(c *Client) {
	select {
	case h.unregister <- c:
	case <-h.done:
	}
}

func (h *Hub) Join(c *Client, room string) {
	select {
	case h.membership <- membership{client: c, room: room, join: true}:
	case <-h.done:
	}
}

func (h *Hub) Leave(c *Client, room string) {
	select {
	case h.membership <- membership{client: c, room: room}:
	case <-h.done:
	}
}

func (h *Hub) enqueue(e emission) {
	select {
	case h.emissions <- e:
	case <-h.done:
	}
}

// Emit delivers an event to a room on this instance and hands it to the
// relay for the others. Relay failures are logged and not retried.
func (h *Hub) Emit(ctx context.Context, room, event string, data any) error {
	return h.emit(ctx, room, event, data, nil)
}

// EmitExcept is Emit without echoing to one local connection.
func (h *Hub) EmitExcept(ctx context.Context, room, event string, data any, except *Client) error {
	return h.emit(ctx, room, event, data, except)
}

func (h *Hub) emit(ctx context.Context, room, event string, data any, except *Client) error {
	payload, err := encode(event, data)
	if err != nil {
		return err
	}
	middleware.RecordRealtimeEvent(event)
	h.enqueue(emission{room: room, except: except, data: payload})

	if h.relay != nil {
		if err := h.relay.Publish(ctx, room, payload); err != nil {
			h.logger.Warn("Failed to relay realtime event",
				zap.String("room", room),
				zap.String("event", event),
				zap.Error(err),
			)
		}
	}
	return nil
}

// SendTo writes an event to one connection only.
func (h *Hub) SendTo(c *Client, event string, data any) {
	payload, err := encode(event, data)
	if err != nil {
		h.logger.Error("Failed to encode realtime event", zap.String("event", event), zap.Error(err))
		return
	}
	middleware.RecordRealtimeEvent(event)
	h.enqueue(emission{target: c, data: payload})
}

// DeliverLocal hands a frame received from the relay to local room members.
func (h *Hub) DeliverLocal(room string, payload []byte) {
	h.enqueue(emission{room: room, data: payload})
}
