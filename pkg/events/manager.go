package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"
)

// catchupLimit is the maximum number of events returned in one catchup
// response. If more events were missed, a catchup.overflow message tells
// the client to do a full REST reload.
const catchupLimit = 200

// listenTimeout bounds how long a LISTEN command may block when subscribing
// to a new channel.
const listenTimeout = 10 * time.Second

// CatchupQuerier replays persisted events for a channel since a seq cursor.
type CatchupQuerier interface {
	GetCatchupEvents(ctx context.Context, channel string, sinceSeq int64, limit int) ([]json.RawMessage, error)
}

// ChannelListener is the dynamic LISTEN/UNLISTEN hook, implemented by
// NotifyListener. Nil in single-replica deployments.
type ChannelListener interface {
	Subscribe(ctx context.Context, channel string) error
	Unsubscribe(ctx context.Context, channel string) error
}

// ConnectionManager manages WebSocket connections and channel
// subscriptions. Each replica has one instance.
type ConnectionManager struct {
	connections map[string]*Connection
	mu          sync.RWMutex

	channels  map[string]map[string]bool // channel → set of connection ids
	channelMu sync.RWMutex

	catchupQuerier CatchupQuerier

	listener   ChannelListener
	listenerMu sync.RWMutex

	writeTimeout time.Duration
	lagLimit     int
}

// Connection represents a single WebSocket client. Outbound delivery runs
// through a buffered channel drained by a dedicated writer goroutine; if
// the buffer fills (subscriber lagging beyond the configured bound) the
// connection is dropped rather than blocking the broadcaster.
//
// subscriptions is only touched by the goroutine that owns the connection
// (the read loop and its deferred cleanup), so it needs no lock.
type Connection struct {
	ID            string
	Conn          *websocket.Conn
	subscriptions map[string]bool
	outbound      chan []byte
	ctx           context.Context
	cancel        context.CancelFunc
	closeOnce     sync.Once
}

// NewConnectionManager creates a ConnectionManager.
func NewConnectionManager(catchupQuerier CatchupQuerier, writeTimeout time.Duration, lagLimit int) *ConnectionManager {
	if lagLimit <= 0 {
		lagLimit = 256
	}
	return &ConnectionManager{
		connections:    make(map[string]*Connection),
		channels:       make(map[string]map[string]bool),
		catchupQuerier: catchupQuerier,
		writeTimeout:   writeTimeout,
		lagLimit:       lagLimit,
	}
}

// SetListener wires the cross-replica listener. Called once during startup.
func (m *ConnectionManager) SetListener(l ChannelListener) {
	m.listenerMu.Lock()
	defer m.listenerMu.Unlock()
	m.listener = l
}

// HandleConnection manages the lifecycle of one WebSocket connection.
// Blocks until the connection closes.
func (m *ConnectionManager) HandleConnection(parentCtx context.Context, conn *websocket.Conn) {
	m.handle(parentCtx, conn, "", 0)
}

// HandleSessionStream manages a connection pinned to one session channel:
// the subscription is implicit, and catchup replays events with seq greater
// than sinceSeq before live delivery. Blocks until the connection closes.
func (m *ConnectionManager) HandleSessionStream(parentCtx context.Context, conn *websocket.Conn, channel string, sinceSeq int64) {
	m.handle(parentCtx, conn, channel, sinceSeq)
}

func (m *ConnectionManager) handle(parentCtx context.Context, conn *websocket.Conn, pinnedChannel string, sinceSeq int64) {
	ctx, cancel := context.WithCancel(parentCtx)
	c := &Connection{
		ID:            uuid.New().String(),
		Conn:          conn,
		subscriptions: make(map[string]bool),
		outbound:      make(chan []byte, m.lagLimit),
		ctx:           ctx,
		cancel:        cancel,
	}

	m.registerConnection(c)
	defer m.unregisterConnection(c)

	go m.writeLoop(c)

	m.sendJSON(c, map[string]string{
		"type":          "connection.established",
		"connection_id": c.ID,
	})

	if pinnedChannel != "" {
		if err := m.subscribe(c, pinnedChannel); err != nil {
			m.sendJSON(c, map[string]string{
				"type":    "subscription.error",
				"channel": pinnedChannel,
				"message": "failed to subscribe to channel",
			})
			return
		}
		m.sendJSON(c, map[string]string{
			"type":    "subscription.confirmed",
			"channel": pinnedChannel,
		})
		m.handleCatchup(ctx, c, pinnedChannel, sinceSeq)
	}

	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			return
		}
		var msg ClientMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			slog.Warn("Invalid WebSocket message", "connection_id", c.ID, "error", err)
			continue
		}
		m.handleClientMessage(ctx, c, &msg)
	}
}

// writeLoop drains the outbound buffer to the socket, one write timeout per
// message.
func (m *ConnectionManager) writeLoop(c *Connection) {
	for {
		select {
		case <-c.ctx.Done():
			return
		case data := <-c.outbound:
			writeCtx, cancel := context.WithTimeout(c.ctx, m.writeTimeout)
			err := c.Conn.Write(writeCtx, websocket.MessageText, data)
			cancel()
			if err != nil {
				slog.Warn("WebSocket write failed, dropping connection",
					"connection_id", c.ID, "error", err)
				c.cancel()
				return
			}
		}
	}
}

// Broadcast queues an event for all connections subscribed to the channel.
// A connection whose buffer is full is disconnected: the persistent log is
// never blocked by a slow subscriber, and the client replays from its
// cursor on reconnect.
func (m *ConnectionManager) Broadcast(channel string, event []byte) {
	m.channelMu.RLock()
	connIDs, exists := m.channels[channel]
	if !exists {
		m.channelMu.RUnlock()
		return
	}
	ids := make([]string, 0, len(connIDs))
	for id := range connIDs {
		ids = append(ids, id)
	}
	m.channelMu.RUnlock()

	m.mu.RLock()
	conns := make([]*Connection, 0, len(ids))
	for _, id := range ids {
		if conn, ok := m.connections[id]; ok {
			conns = append(conns, conn)
		}
	}
	m.mu.RUnlock()

	for _, conn := range conns {
		select {
		case conn.outbound <- event:
		default:
			slog.Warn("Subscriber lagging beyond bound, dropping connection",
				"connection_id", conn.ID, "channel", channel)
			conn.cancel()
		}
	}
}

// ActiveConnections returns the count of active WebSocket connections.
func (m *ConnectionManager) ActiveConnections() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.connections)
}

// subscriberCount is used by tests to poll instead of sleeping.
func (m *ConnectionManager) subscriberCount(channel string) int {
	m.channelMu.RLock()
	defer m.channelMu.RUnlock()
	return len(m.channels[channel])
}

func (m *ConnectionManager) handleClientMessage(ctx context.Context, c *Connection, msg *ClientMessage) {
	switch msg.Action {
	case "subscribe":
		if msg.Channel == "" {
			m.sendJSON(c, map[string]string{"type": "error", "message": "channel is required for subscribe"})
			return
		}
		if err := m.subscribe(c, msg.Channel); err != nil {
			m.sendJSON(c, map[string]string{
				"type":    "subscription.error",
				"channel": msg.Channel,
				"message": "failed to subscribe to channel",
			})
			return
		}
		m.sendJSON(c, map[string]string{
			"type":    "subscription.confirmed",
			"channel": msg.Channel,
		})
		// Auto catch-up from the requested cursor (0 = full replay) so late
		// subscribers miss nothing.
		var since int64
		if msg.SinceSeq != nil {
			since = *msg.SinceSeq
		}
		m.handleCatchup(ctx, c, msg.Channel, since)

	case "unsubscribe":
		if msg.Channel == "" {
			m.sendJSON(c, map[string]string{"type": "error", "message": "channel is required for unsubscribe"})
			return
		}
		m.unsubscribe(c, msg.Channel)

	case "catchup":
		if msg.Channel == "" || msg.SinceSeq == nil {
			m.sendJSON(c, map[string]string{"type": "error", "message": "channel and since_seq are required for catchup"})
			return
		}
		m.handleCatchup(ctx, c, msg.Channel, *msg.SinceSeq)

	case "ping":
		m.sendJSON(c, map[string]string{"type": "pong"})
	}
}

// subscribe registers a connection for a channel and starts LISTEN if it is
// the first subscriber. LISTEN completes before subscribe returns so the
// subsequent catchup runs with LISTEN already active, so there is no gap
// where events published between catchup and LISTEN would be lost.
func (m *ConnectionManager) subscribe(c *Connection, channel string) error {
	m.channelMu.Lock()
	needsListen := false
	if _, exists := m.channels[channel]; !exists {
		m.channels[channel] = make(map[string]bool)
		needsListen = true
	}
	m.channels[channel][c.ID] = true
	m.channelMu.Unlock()

	if needsListen {
		m.listenerMu.RLock()
		l := m.listener
		m.listenerMu.RUnlock()
		if l != nil {
			listenCtx, listenCancel := context.WithTimeout(context.Background(), listenTimeout)
			defer listenCancel()
			if err := l.Subscribe(listenCtx, channel); err != nil {
				slog.Error("Failed to LISTEN on channel", "channel", channel, "error", err)
				m.cleanupFailedChannel(c, channel)
				return fmt.Errorf("LISTEN on channel %s: %w", channel, err)
			}
		}
	}

	c.subscriptions[channel] = true
	return nil
}

// cleanupFailedChannel removes all subscribers from a channel after a
// LISTEN failure and notifies every affected connection except the
// triggering one (notified by the caller via the returned error). Between
// creating the channel entry and LISTEN completing, other goroutines may
// have subscribed and skipped LISTEN; they would be orphaned otherwise.
func (m *ConnectionManager) cleanupFailedChannel(triggering *Connection, channel string) {
	m.channelMu.Lock()
	affectedIDs := make([]string, 0, len(m.channels[channel]))
	for connID := range m.channels[channel] {
		if connID != triggering.ID {
			affectedIDs = append(affectedIDs, connID)
		}
	}
	delete(m.channels, channel)
	m.channelMu.Unlock()

	if len(affectedIDs) == 0 {
		return
	}

	m.mu.RLock()
	conns := make([]*Connection, 0, len(affectedIDs))
	for _, id := range affectedIDs {
		if conn, ok := m.connections[id]; ok {
			conns = append(conns, conn)
		}
	}
	m.mu.RUnlock()

	for _, conn := range conns {
		slog.Warn("Removing orphaned subscriber after LISTEN failure",
			"connection_id", conn.ID, "channel", channel)
		m.sendJSON(conn, map[string]string{
			"type":    "subscription.error",
			"channel": channel,
			"message": "channel listen failed; subscription removed",
		})
	}
}

// unsubscribe removes a connection from a channel and stops LISTEN if it
// was the last subscriber. The goroutine re-checks before issuing UNLISTEN
// to prevent a rapid unsubscribe/resubscribe cycle from dropping the
// LISTEN.
func (m *ConnectionManager) unsubscribe(c *Connection, channel string) {
	m.channelMu.Lock()
	if subs, exists := m.channels[channel]; exists {
		delete(subs, c.ID)
		if len(subs) == 0 {
			delete(m.channels, channel)
			m.listenerMu.RLock()
			l := m.listener
			m.listenerMu.RUnlock()
			if l != nil {
				go func() {
					m.channelMu.RLock()
					_, resubscribed := m.channels[channel]
					m.channelMu.RUnlock()
					if resubscribed {
						return
					}
					if err := l.Unsubscribe(context.Background(), channel); err != nil {
						slog.Error("Failed to UNLISTEN channel", "channel", channel, "error", err)
					}
				}()
			}
		}
	}
	m.channelMu.Unlock()

	delete(c.subscriptions, channel)
}

// handleCatchup sends missed events since sinceSeq to the client in order.
func (m *ConnectionManager) handleCatchup(ctx context.Context, c *Connection, channel string, sinceSeq int64) {
	if m.catchupQuerier == nil {
		return
	}

	events, err := m.catchupQuerier.GetCatchupEvents(ctx, channel, sinceSeq, catchupLimit+1)
	if err != nil {
		slog.Error("Catchup query failed", "channel", channel, "error", err)
		return
	}

	hasMore := len(events) > catchupLimit
	if hasMore {
		events = events[:catchupLimit]
	}

	for _, payload := range events {
		if !m.send(c, payload) {
			return
		}
	}

	if hasMore {
		m.sendJSON(c, map[string]any{
			"type":     "catchup.overflow",
			"channel":  channel,
			"has_more": true,
		})
	}
}

func (m *ConnectionManager) registerConnection(c *Connection) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.connections[c.ID] = c
}

func (m *ConnectionManager) unregisterConnection(c *Connection) {
	for ch := range c.subscriptions {
		m.unsubscribe(c, ch)
	}

	m.mu.Lock()
	delete(m.connections, c.ID)
	m.mu.Unlock()

	c.cancel()
	c.closeOnce.Do(func() {
		_ = c.Conn.Close(websocket.StatusNormalClosure, "")
	})
}

// sendJSON marshals and queues a JSON message for one connection.
func (m *ConnectionManager) sendJSON(c *Connection, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		slog.Warn("Failed to marshal WebSocket message", "connection_id", c.ID, "error", err)
		return
	}
	m.send(c, data)
}

// send queues raw bytes for one connection; reports false if the
// connection was dropped for lagging.
func (m *ConnectionManager) send(c *Connection, data []byte) bool {
	select {
	case c.outbound <- data:
		return true
	default:
		slog.Warn("Subscriber lagging beyond bound, dropping connection", "connection_id", c.ID)
		c.cancel()
		return false
	}
}
