package usecase

import (
	"time"

	"marketchat/internal/domain/entity"
)

// CanTransition reports whether a message may move from current to target.
// Only forward steps along sent, delivered, read are allowed; repeating a
// step is a no-op rather than a transition.
func CanTransition(current, target entity.MessageStatus) bool {
	return current.CanAdvanceTo(target)
}

// ApplyStatus advances msg in place and reports whether anything changed.
func ApplyStatus(msg *entity.Message, target entity.MessageStatus) bool {
	if msg == nil || !CanTransition(msg.Status, target) {
		return false
	}
	msg.Status = target
	return true
}

// UnreadCount counts messages the viewer has not seen: sent by the other
// party, newer than the watermark and not yet read. A nil watermark means
// the viewer never opened the conversation.
func UnreadCount(messages []*entity.Message, viewerID string, lastReadAt *time.Time) int {
	n := 0
	for _, m := range messages {
		if m.SenderID == viewerID || m.Status == entity.StatusRead {
			continue
		}
		if lastReadAt != nil && !m.CreatedAt.After(*lastReadAt) {
			continue
		}
		n++
	}
	return n
}

// LatestMessage picks the message with the greatest creation time. Ties go
// to the later element.
func LatestMessage(messages []*entity.Message) *entity.Message {
	var latest *entity.Message
	for _, m := range messages {
		if latest == nil || !m.CreatedAt.Before(latest.CreatedAt) {
			latest = m
		}
	}
	return latest
}

// ReadCandidates returns the messages the viewer should mark read when the
// conversation is open.
func ReadCandidates(messages []*entity.Message, viewerID string) []*entity.Message {
	var out []*entity.Message
	for _, m := range messages {
		if m.SenderID != viewerID && m.Status != entity.StatusRead {
			out = append(out, m)
		}
	}
	return out
}
