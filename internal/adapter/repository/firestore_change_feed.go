package repository

import (
	"context"
	"sync"

	"cloud.google.com/go/firestore"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"marketchat/internal/domain/entity"
	"marketchat/internal/domain/repository"
	"marketchat/pkg/logger"
)

// Firestore caps "in" filters at 30 values.
const firestoreInLimit = 30

type firestoreChangeFeed struct {
	client *firestore.Client
}

// NewFirestoreChangeFeed turns query snapshot listeners into row changes.
// The first snapshot of every listener is the current state and is skipped.
func NewFirestoreChangeFeed(client *firestore.Client) repository.ChangeFeed {
	return &firestoreChangeFeed{client: client}
}

func (f *firestoreChangeFeed) Subscribe(ctx context.Context, filter repository.ChangeFilter, handler repository.ChangeHandler) (func(), error) {
	queries, err := f.queries(filter)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(ctx)
	var wg sync.WaitGroup
	for _, query := range queries {
		wg.Add(1)
		go func(query firestore.Query) {
			defer wg.Done()
			f.listen(ctx, query, filter, handler)
		}(query)
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			cancel()
			wg.Wait()
		})
	}, nil
}

func (f *firestoreChangeFeed) listen(ctx context.Context, query firestore.Query, filter repository.ChangeFilter, handler repository.ChangeHandler) {
	iter := query.Snapshots(ctx)
	defer iter.Stop()

	first := true
	for {
		snap, err := iter.Next()
		if err != nil {
			if ctx.Err() == nil && status.Code(err) != codes.Canceled {
				logger.Error("Firestore listener for %s stopped: %v", filter.Table, err)
			}
			return
		}
		if first {
			first = false
			continue
		}

		for _, dc := range snap.Changes {
			change, ok := decodeDocumentChange(filter.Table, dc)
			if !ok || !filter.Matches(change) {
				continue
			}
			handler(change)
		}
	}
}

// queries narrows the listener server side. Conversation ids are split
// into "in" chunks with one listener each; conversations can also be
// narrowed to a participant.
func (f *firestoreChangeFeed) queries(filter repository.ChangeFilter) ([]firestore.Query, error) {
	var collection string
	var field string
	switch filter.Table {
	case entity.TableMessages:
		collection, field = messagesCollection, "conversationId"
	case entity.TableConversations:
		collection, field = conversationsCollection, "id"
	case entity.TableReadStates:
		collection, field = readStatesCollection, "conversationId"
	default:
		return nil, errUnsupportedTable(filter.Table)
	}

	base := f.client.Collection(collection).Query
	if filter.ParticipantID != "" && filter.Table == entity.TableConversations {
		base = base.Where("participants", "array-contains", filter.ParticipantID)
	}

	chunks := chunkIDs(filter.ConversationIDs, firestoreInLimit)
	if len(chunks) == 0 {
		return []firestore.Query{base}, nil
	}
	queries := make([]firestore.Query, 0, len(chunks))
	for _, chunk := range chunks {
		queries = append(queries, base.Where(field, "in", chunk))
	}
	return queries, nil
}

func chunkIDs(ids []string, size int) [][]string {
	var chunks [][]string
	for len(ids) > size {
		chunks = append(chunks, ids[:size:size])
		ids = ids[size:]
	}
	if len(ids) > 0 {
		chunks = append(chunks, ids)
	}
	return chunks
}

func decodeDocumentChange(table entity.ChangeTable, dc firestore.DocumentChange) (entity.Change, bool) {
	change := entity.Change{Table: table}
	switch dc.Kind {
	case firestore.DocumentAdded:
		change.Kind = entity.ChangeInsert
	case firestore.DocumentModified:
		change.Kind = entity.ChangeUpdate
	case firestore.DocumentRemoved:
		change.Kind = entity.ChangeDelete
	default:
		return change, false
	}

	var err error
	switch table {
	case entity.TableMessages:
		var m entity.Message
		err = dc.Doc.DataTo(&m)
		change.Message = &m
	case entity.TableConversations:
		var c entity.Conversation
		err = dc.Doc.DataTo(&c)
		change.Conversation = &c
	case entity.TableReadStates:
		var rs entity.ReadState
		err = dc.Doc.DataTo(&rs)
		change.ReadState = &rs
	}
	if err != nil {
		logger.Warn("Skipping undecodable %s document %s: %v", table, dc.Doc.Ref.ID, err)
		return change, false
	}
	return change, true
}
