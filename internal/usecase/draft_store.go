package usecase

import "sync"

// DraftStore holds unsent input per conversation for one session. Drafts
// never leave the process.
type DraftStore struct {
	mu     sync.RWMutex
	drafts map[string]string
}

func NewDraftStore() *DraftStore {
	return &DraftStore{drafts: make(map[string]string)}
}

// Save overwrites the draft. Saving an empty string removes the entry.
func (d *DraftStore) Save(conversationID, text string) {
	if conversationID == "" {
		return
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if text == "" {
		delete(d.drafts, conversationID)
		return
	}
	d.drafts[conversationID] = text
}

func (d *DraftStore) Get(conversationID string) string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.drafts[conversationID]
}

func (d *DraftStore) Clear(conversationID string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.drafts, conversationID)
}

func (d *DraftStore) Snapshot() map[string]string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make(map[string]string, len(d.drafts))
	for k, v := range d.drafts {
		out[k] = v
	}
	return out
}

func (d *DraftStore) Reset() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.drafts = make(map[string]string)
}
