package usecase

import (
	"time"

	"marketchat/internal/domain/entity"
)

const DefaultGroupGap = 5 * time.Minute

// StartsGroup reports whether cur opens a new visual group after prev.
func StartsGroup(prev, cur *entity.Message, gap time.Duration) bool {
	if prev == nil {
		return true
	}
	if prev.SenderID != cur.SenderID {
		return true
	}
	return cur.CreatedAt.Sub(prev.CreatedAt) > gap
}

func GroupStarts(messages []*entity.Message, gap time.Duration) []bool {
	starts := make([]bool, len(messages))
	var prev *entity.Message
	for i, m := range messages {
		starts[i] = StartsGroup(prev, m, gap)
		prev = m
	}
	return starts
}
