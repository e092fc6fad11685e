package repository

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestChunkIDsRespectsFirestoreInLimit(t *testing.T) {
	ids := make([]string, 65)
	for i := range ids {
		ids[i] = fmt.Sprintf("c%d", i)
	}

	chunks := chunkIDs(ids, firestoreInLimit)
	if assert.Len(t, chunks, 3) {
		assert.Len(t, chunks[0], 30)
		assert.Len(t, chunks[1], 30)
		assert.Equal(t, []string{"c60", "c61", "c62", "c63", "c64"}, chunks[2])
	}

	chunks[0] = append(chunks[0], "extra")
	assert.Equal(t, "c30", ids[30], "chunks must not share spare capacity with the input")

	assert.Empty(t, chunkIDs(nil, firestoreInLimit))
	assert.Len(t, chunkIDs(ids[:30], firestoreInLimit), 1)
}
