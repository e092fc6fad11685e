package websocket

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"marketchat/internal/domain/repository"
	"marketchat/internal/domain/service"
	"marketchat/internal/infrastructure/metrics"
	"marketchat/internal/usecase"
	"marketchat/pkg/logger"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 16 << 20
	sendBuffer     = 256
)

// Deps are the collaborators every connection's chat session is built from.
type Deps struct {
	Chat     *usecase.ChatUseCase
	Feed     repository.ChangeFeed
	Broker   service.ChannelBroker
	Verifier service.TokenVerifier
	Profiles repository.ProfileRepository
	Session  usecase.SessionConfig
}

// Client is one websocket connection and the chat session behind it.
type Client struct {
	ID       string
	conn     *websocket.Conn
	send     chan []byte
	session  *usecase.ChatSession
	identity *usecase.IdentityProvider

	ctx    context.Context
	cancel context.CancelFunc

	mu     sync.Mutex
	closed bool
}

// UserID is the currently signed-in user, or "" before authentication.
func (c *Client) UserID() string {
	return c.identity.UserID()
}

// Manager tracks live connections. Registration goes through a single loop
// so connection counts stay consistent.
type Manager struct {
	deps Deps

	clients    map[*Client]struct{}
	register   chan *Client
	unregister chan *Client
	done       chan struct{}
	mutex      sync.RWMutex
}

func NewManager(deps Deps) *Manager {
	return &Manager{
		deps:       deps,
		clients:    make(map[*Client]struct{}),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		done:       make(chan struct{}),
	}
}

// Start runs the registration loop until ctx is cancelled, then closes every
// remaining connection.
func (m *Manager) Start(ctx context.Context) {
	go func() {
		for {
			select {
			case client := <-m.register:
				m.mutex.Lock()
				m.clients[client] = struct{}{}
				m.mutex.Unlock()
				metrics.ActiveSessions.Inc()
				logger.Debug("WebSocket: client %s registered", client.ID)

			case client := <-m.unregister:
				m.mutex.Lock()
				_, ok := m.clients[client]
				delete(m.clients, client)
				m.mutex.Unlock()
				if ok {
					metrics.ActiveSessions.Dec()
					client.close()
					logger.Debug("WebSocket: client %s unregistered", client.ID)
				}

			case <-ctx.Done():
				close(m.done)
				m.mutex.Lock()
				for client := range m.clients {
					client.close()
					metrics.ActiveSessions.Dec()
				}
				m.clients = make(map[*Client]struct{})
				m.mutex.Unlock()
				return
			}
		}
	}()
}

// Serve takes over an upgraded connection. A non-empty token signs the
// session in right away; otherwise the client sends an authenticate frame.
func (m *Manager) Serve(conn *websocket.Conn, token string) *Client {
	ctx, cancel := context.WithCancel(context.Background())
	client := &Client{
		ID:       uuid.New().String(),
		conn:     conn,
		send:     make(chan []byte, sendBuffer),
		identity: usecase.NewIdentityProvider(m.deps.Verifier, m.deps.Profiles),
		ctx:      ctx,
		cancel:   cancel,
	}
	client.session = usecase.NewChatSession(m.deps.Chat, m.deps.Feed, m.deps.Broker, client.identity, m.deps.Session, client.emit)

	select {
	case m.register <- client:
	case <-m.done:
		client.close()
		conn.Close()
		return client
	}

	go client.writePump()
	go client.readPump(m)

	if token != "" {
		if _, err := client.identity.SignIn(ctx, token); err != nil {
			logger.Warn("WebSocket: sign-in on connect failed for client %s: %v", client.ID, err)
			client.sendError("", "", err)
		}
	}
	return client
}

// Connections reports the number of open connections and of distinct
// signed-in users among them.
func (m *Manager) Connections() (connections, users int) {
	m.mutex.RLock()
	defer m.mutex.RUnlock()
	seen := make(map[string]struct{})
	for client := range m.clients {
		if uid := client.UserID(); uid != "" {
			seen[uid] = struct{}{}
		}
	}
	return len(m.clients), len(seen)
}

func (c *Client) emit(event usecase.SessionEvent) {
	c.write(WSMessage{
		Type:   string(event.Type),
		ChatID: event.ConversationID,
		Data:   event.Data,
	})
}

func (c *Client) write(msg WSMessage) {
	if msg.Timestamp == "" {
		msg.Timestamp = time.Now().UTC().Format(time.RFC3339)
	}
	payload, err := json.Marshal(msg)
	if err != nil {
		logger.Error("WebSocket: failed to encode %s frame: %v", msg.Type, err)
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	select {
	case c.send <- payload:
	default:
		logger.Warn("WebSocket: send buffer full for client %s, dropping %s frame", c.ID, msg.Type)
	}
}

func (c *Client) close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	close(c.send)
	c.mu.Unlock()

	c.cancel()
	go c.session.Close()
}

func (c *Client) readPump(m *Manager) {
	defer func() {
		select {
		case m.unregister <- c:
		case <-m.done:
		}
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				logger.Warn("WebSocket: read error for client %s: %v", c.ID, err)
			}
			return
		}
		m.HandleClientMessage(c, message)
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
				logger.Warn("WebSocket: write error for client %s: %v", c.ID, err)
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
