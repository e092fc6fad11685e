package websocket

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	memrepo "marketchat/internal/adapter/repository"
	"marketchat/internal/domain/entity"
	"marketchat/internal/infrastructure/jwtauth"
	"marketchat/internal/infrastructure/pubsub"
	"marketchat/internal/infrastructure/storage"
	"marketchat/internal/usecase"
	"marketchat/pkg/errors"
)

type wsFixture struct {
	server  *httptest.Server
	auth    *jwtauth.Authority
	store   *memrepo.MemoryStore
	manager *Manager
	conv    *entity.Conversation
}

func newWSFixture(t *testing.T) *wsFixture {
	t.Helper()
	store := memrepo.NewMemoryStore()
	store.PutProfile(&entity.Profile{ID: "buyer", DisplayName: "Bea Buyer"})
	store.PutProfile(&entity.Profile{ID: "seller", DisplayName: "Sam Seller"})
	conv := &entity.Conversation{BuyerID: "buyer", SellerID: "seller"}
	require.NoError(t, store.Conversations().Create(context.Background(), conv))

	chat := usecase.NewChatUseCase(usecase.Repositories{
		Conversations: store.Conversations(),
		Messages:      store.Messages(),
		ReadStates:    store.ReadStates(),
		Profiles:      store.Profiles(),
		Products:      store.Products(),
	}, storage.NewMemoryStorage(), nil, 0)

	auth := jwtauth.NewAuthority("test-secret", time.Hour)
	manager := NewManager(Deps{
		Chat:     chat,
		Feed:     store,
		Broker:   pubsub.NewMemoryBroker(),
		Verifier: auth,
		Profiles: store.Profiles(),
	})
	ctx, cancel := context.WithCancel(context.Background())
	manager.Start(ctx)

	upgrader := websocket.Upgrader{}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		manager.Serve(conn, r.URL.Query().Get("token"))
	}))
	t.Cleanup(func() {
		cancel()
		server.Close()
	})

	return &wsFixture{server: server, auth: auth, store: store, manager: manager, conv: conv}
}

func (f *wsFixture) dial(t *testing.T, userID string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(f.server.URL, "http")
	if userID != "" {
		token, err := f.auth.GenerateToken(context.Background(), userID)
		require.NoError(t, err)
		url += "?token=" + token
	}
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

type testFrame struct {
	Type      string          `json:"type"`
	ChatID    string          `json:"chat_id"`
	RequestID string          `json:"request_id"`
	Data      json.RawMessage `json:"data"`
}

func readUntil(t *testing.T, conn *websocket.Conn, typ string) testFrame {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	for {
		var f testFrame
		require.NoError(t, conn.ReadJSON(&f), "waiting for %s", typ)
		if f.Type == typ {
			return f
		}
	}
}

func sendFrame(t *testing.T, conn *websocket.Conn, msg map[string]interface{}) {
	t.Helper()
	require.NoError(t, conn.WriteJSON(msg))
}

func TestWebSocketChatFlow(t *testing.T) {
	f := newWSFixture(t)
	conn := f.dial(t, "buyer")

	frame := readUntil(t, conn, string(usecase.EventConversations))
	var convs []map[string]interface{}
	require.NoError(t, json.Unmarshal(frame.Data, &convs))
	require.Len(t, convs, 1)
	assert.Equal(t, f.conv.ID, convs[0]["id"])

	sendFrame(t, conn, map[string]interface{}{"type": MessageTypeOpenConversation, "chat_id": f.conv.ID})
	frame = readUntil(t, conn, string(usecase.EventMessages))
	assert.Equal(t, f.conv.ID, frame.ChatID)

	sendFrame(t, conn, map[string]interface{}{
		"type":    MessageTypeSendMessage,
		"chat_id": f.conv.ID,
		"data":    map[string]interface{}{"content": "hello from the socket"},
	})
	frame = readUntil(t, conn, string(usecase.EventMessageUpsert))
	var payload usecase.MessagePayload
	require.NoError(t, json.Unmarshal(frame.Data, &payload))
	assert.True(t, payload.Pending)

	require.Eventually(t, func() bool {
		return f.store.MessageCount(f.conv.ID) == 1
	}, 2*time.Second, 10*time.Millisecond)

	sendFrame(t, conn, map[string]interface{}{"type": MessageTypePing, "request_id": "r-1"})
	frame = readUntil(t, conn, MessageTypePong)
	assert.Equal(t, "r-1", frame.RequestID)
}

func TestWebSocketRequiresAuthentication(t *testing.T) {
	f := newWSFixture(t)
	conn := f.dial(t, "")

	sendFrame(t, conn, map[string]interface{}{"type": MessageTypeLoadConversations})
	frame := readUntil(t, conn, MessageTypeError)
	var errPayload usecase.ErrorPayload
	require.NoError(t, json.Unmarshal(frame.Data, &errPayload))
	assert.Equal(t, errors.CodeUnauthorized, errPayload.Code)

	sendFrame(t, conn, map[string]interface{}{"type": MessageTypeAuthenticate, "data": map[string]string{"token": "forged"}})
	frame = readUntil(t, conn, MessageTypeError)
	require.NoError(t, json.Unmarshal(frame.Data, &errPayload))
	assert.Equal(t, errors.CodeUnauthorized, errPayload.Code)

	token, err := f.auth.GenerateToken(context.Background(), "seller")
	require.NoError(t, err)
	sendFrame(t, conn, map[string]interface{}{"type": MessageTypeAuthenticate, "data": map[string]string{"token": token}})
	frame = readUntil(t, conn, MessageTypeAuthenticated)
	var identity usecase.Identity
	require.NoError(t, json.Unmarshal(frame.Data, &identity))
	assert.Equal(t, "seller", identity.UserID)
}

func TestWebSocketRejectsBadFrames(t *testing.T) {
	f := newWSFixture(t)
	conn := f.dial(t, "buyer")

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("{")))
	frame := readUntil(t, conn, MessageTypeError)
	var errPayload usecase.ErrorPayload
	require.NoError(t, json.Unmarshal(frame.Data, &errPayload))
	assert.Equal(t, errors.CodeBadRequest, errPayload.Code)

	sendFrame(t, conn, map[string]interface{}{"type": "teleport"})
	frame = readUntil(t, conn, MessageTypeError)
	require.NoError(t, json.Unmarshal(frame.Data, &errPayload))
	assert.Equal(t, errors.CodeBadRequest, errPayload.Code)

	sendFrame(t, conn, map[string]interface{}{
		"type": MessageTypeUpdateStatus,
		"data": map[string]string{"message_id": "m1", "status": "sent"},
	})
	frame = readUntil(t, conn, MessageTypeError)
	require.NoError(t, json.Unmarshal(frame.Data, &errPayload))
	assert.Equal(t, errors.CodeBadRequest, errPayload.Code)
}

func TestManagerCountsConnections(t *testing.T) {
	f := newWSFixture(t)
	first := f.dial(t, "buyer")
	f.dial(t, "buyer")
	f.dial(t, "seller")

	require.Eventually(t, func() bool {
		conns, users := f.manager.Connections()
		return conns == 3 && users == 2
	}, 2*time.Second, 10*time.Millisecond)

	first.Close()
	require.Eventually(t, func() bool {
		conns, _ := f.manager.Connections()
		return conns == 2
	}, 2*time.Second, 10*time.Millisecond)
}

// sessionOf returns the session behind userID's only connection.
func (f *wsFixture) sessionOf(t *testing.T, userID string) *usecase.ChatSession {
	t.Helper()
	var found *usecase.ChatSession
	require.Eventually(t, func() bool {
		f.manager.mutex.RLock()
		defer f.manager.mutex.RUnlock()
		for client := range f.manager.clients {
			if client.UserID() == userID {
				found = client.session
				return true
			}
		}
		return false
	}, 2*time.Second, 10*time.Millisecond)
	return found
}

func TestWebSocketSendRightAfterOpen(t *testing.T) {
	f := newWSFixture(t)
	conn := f.dial(t, "buyer")
	readUntil(t, conn, string(usecase.EventConversations))

	const rounds = 10
	for i := 0; i < rounds; i++ {
		sendFrame(t, conn, map[string]interface{}{"type": MessageTypeOpenConversation, "chat_id": f.conv.ID})
		sendFrame(t, conn, map[string]interface{}{
			"type":    MessageTypeSendMessage,
			"chat_id": f.conv.ID,
			"data":    map[string]interface{}{"content": fmt.Sprintf("message %d", i)},
		})
	}

	pending := 0
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	for pending < rounds {
		var frame testFrame
		require.NoError(t, conn.ReadJSON(&frame))
		require.NotEqual(t, MessageTypeError, frame.Type, "send rejected: %s", frame.Data)
		if frame.Type != string(usecase.EventMessageUpsert) {
			continue
		}
		var payload usecase.MessagePayload
		require.NoError(t, json.Unmarshal(frame.Data, &payload))
		if payload.Pending {
			pending++
		}
	}

	require.Eventually(t, func() bool {
		return f.store.MessageCount(f.conv.ID) == rounds
	}, 2*time.Second, 10*time.Millisecond)
}

func TestWebSocketLastOpenWins(t *testing.T) {
	f := newWSFixture(t)
	ctx := context.Background()
	other := &entity.Conversation{BuyerID: "buyer", SellerID: "seller-2"}
	require.NoError(t, f.store.Conversations().Create(ctx, other))
	require.NoError(t, f.store.Messages().Create(ctx, &entity.Message{ConversationID: f.conv.ID, SenderID: "seller", Content: "only in the first"}))

	conn := f.dial(t, "buyer")
	readUntil(t, conn, string(usecase.EventConversations))
	session := f.sessionOf(t, "buyer")

	const rounds = 10
	for i := 0; i < rounds; i++ {
		sendFrame(t, conn, map[string]interface{}{"type": MessageTypeOpenConversation, "chat_id": f.conv.ID})
		sendFrame(t, conn, map[string]interface{}{"type": MessageTypeOpenConversation, "chat_id": other.ID})
	}

	var last string
	activations := 0
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	for activations < 2*rounds {
		var frame testFrame
		require.NoError(t, conn.ReadJSON(&frame))
		if frame.Type == string(usecase.EventActive) {
			activations++
			last = frame.ChatID
		}
	}
	assert.Equal(t, other.ID, last)
	assert.Equal(t, other.ID, session.ActiveConversation())

	// Loads still in flight for the first conversation must not land.
	assert.Never(t, func() bool {
		return len(session.Messages()) > 0
	}, 200*time.Millisecond, 10*time.Millisecond)
	assert.Equal(t, other.ID, session.ActiveConversation())
}
