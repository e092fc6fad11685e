package repository

import (
	"testing"
	"time"

	"cloud.google.com/go/firestore"
	"github.com/stretchr/testify/assert"
)

func updatePaths(updates []firestore.Update) map[string]interface{} {
	out := make(map[string]interface{}, len(updates))
	for _, u := range updates {
		out[u.Path] = u.Value
	}
	return out
}

func TestTouchUpdatesOnlyMovesUpdatedAtForward(t *testing.T) {
	stored := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)

	later := updatePaths(touchUpdates(stored, "newer", stored.Add(time.Minute)))
	assert.Equal(t, "newer", later["lastMessage"])
	assert.Equal(t, stored.Add(time.Minute), later["updatedAt"])

	earlier := updatePaths(touchUpdates(stored, "older", stored.Add(-time.Minute)))
	assert.Equal(t, "older", earlier["lastMessage"])
	assert.Equal(t, stored.Add(-time.Minute), earlier["lastMessageAt"])
	assert.NotContains(t, earlier, "updatedAt")

	same := updatePaths(touchUpdates(stored, "same", stored))
	assert.NotContains(t, same, "updatedAt")
}
