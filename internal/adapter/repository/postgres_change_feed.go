package repository

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"marketchat/internal/domain/entity"
	"marketchat/internal/domain/repository"
	"marketchat/pkg/errors"
	"marketchat/pkg/logger"
)

const notifyChannel = "chat_changes"

type notifyPayload struct {
	Table          entity.ChangeTable `json:"table"`
	Kind           entity.ChangeKind  `json:"kind"`
	ID             string             `json:"id"`
	ConversationID string             `json:"conversation_id"`
	SenderID       string             `json:"sender_id"`
}

// PostgresChangeFeed shares one LISTEN connection between all subscribers
// and re-reads the affected row for inserts and updates.
type PostgresChangeFeed struct {
	store *PostgresStore

	mu      sync.Mutex
	subs    map[int]*memorySubscription
	nextSub int
	cancel  context.CancelFunc
	done    chan struct{}
}

func NewPostgresChangeFeed(store *PostgresStore) *PostgresChangeFeed {
	return &PostgresChangeFeed{
		store: store,
		subs:  make(map[int]*memorySubscription),
	}
}

func (f *PostgresChangeFeed) Subscribe(ctx context.Context, filter repository.ChangeFilter, handler repository.ChangeHandler) (func(), error) {
	switch filter.Table {
	case entity.TableMessages, entity.TableConversations, entity.TableReadStates:
	default:
		return nil, errUnsupportedTable(filter.Table)
	}

	f.mu.Lock()
	if f.cancel == nil && f.store != nil {
		listenCtx, cancel := context.WithCancel(context.Background())
		f.cancel = cancel
		f.done = make(chan struct{})
		go f.listen(listenCtx, f.done)
	}
	id := f.nextSub
	f.nextSub++
	f.subs[id] = &memorySubscription{ctx: ctx, filter: filter, handler: handler}
	f.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			f.mu.Lock()
			delete(f.subs, id)
			f.mu.Unlock()
		})
	}, nil
}

// Close stops the listener goroutine and waits for it.
func (f *PostgresChangeFeed) Close() {
	f.mu.Lock()
	cancel, done := f.cancel, f.done
	f.cancel = nil
	f.mu.Unlock()

	if cancel != nil {
		cancel()
		<-done
	}
}

func (f *PostgresChangeFeed) listen(ctx context.Context, done chan struct{}) {
	defer close(done)

	backoff := time.Second
	for ctx.Err() == nil {
		err := f.listenOnce(ctx, f.store.pool)
		if ctx.Err() != nil {
			return
		}
		logger.Warn("Postgres change listener dropped, retrying in %s: %v", backoff, err)

		select {
		case <-ctx.Done():
			return
		case <-time.After(backoff):
		}
		if backoff < 30*time.Second {
			backoff *= 2
		}
	}
}

func (f *PostgresChangeFeed) listenOnce(ctx context.Context, pool *pgxpool.Pool) error {
	conn, err := pool.Acquire(ctx)
	if err != nil {
		return err
	}
	defer conn.Release()

	if _, err := conn.Exec(ctx, "LISTEN "+notifyChannel); err != nil {
		return err
	}

	for {
		n, err := conn.Conn().WaitForNotification(ctx)
		if err != nil {
			return err
		}

		var payload notifyPayload
		if err := json.Unmarshal([]byte(n.Payload), &payload); err != nil {
			logger.Warn("Ignoring malformed change notification: %v", err)
			continue
		}

		change, ok := f.resolve(ctx, payload)
		if !ok {
			continue
		}
		f.dispatch(change)
	}
}

func (f *PostgresChangeFeed) resolve(ctx context.Context, p notifyPayload) (entity.Change, bool) {
	change := entity.Change{Table: p.Table, Kind: p.Kind}

	switch p.Table {
	case entity.TableMessages:
		if p.Kind == entity.ChangeDelete {
			change.Message = &entity.Message{ID: p.ID, ConversationID: p.ConversationID, SenderID: p.SenderID}
			return change, true
		}
		m, err := f.store.Messages().GetByID(ctx, p.ID)
		if err != nil {
			if !errors.Is(err, errors.CodeNotFound) {
				logger.Warn("Failed to load changed message %s: %v", p.ID, err)
			}
			return change, false
		}
		change.Message = m
	case entity.TableConversations:
		if p.Kind == entity.ChangeDelete {
			change.Conversation = &entity.Conversation{ID: p.ID}
			return change, true
		}
		c, err := f.store.Conversations().GetByID(ctx, p.ID)
		if err != nil {
			return change, false
		}
		change.Conversation = c
	case entity.TableReadStates:
		change.ReadState = &entity.ReadState{ConversationID: p.ConversationID, UserID: p.ID}
		if p.Kind != entity.ChangeDelete {
			rs, err := f.store.ReadStates().Get(ctx, p.ConversationID, p.ID)
			if err != nil || rs == nil {
				return change, false
			}
			change.ReadState = rs
		}
	default:
		return change, false
	}
	return change, true
}

func (f *PostgresChangeFeed) dispatch(change entity.Change) {
	f.mu.Lock()
	targets := make([]*memorySubscription, 0, len(f.subs))
	for _, sub := range f.subs {
		if sub.ctx.Err() == nil && sub.filter.Matches(change) {
			targets = append(targets, sub)
		}
	}
	f.mu.Unlock()

	for _, sub := range targets {
		sub.handler(cloneChange(change))
	}
}
