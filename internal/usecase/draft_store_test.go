package usecase

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDraftStore(t *testing.T) {
	d := NewDraftStore()

	d.Save("c1", "hello")
	d.Save("c2", "quote please")
	assert.Equal(t, "hello", d.Get("c1"))
	assert.Equal(t, "quote please", d.Get("c2"))
	assert.Equal(t, "", d.Get("c3"))

	d.Save("c1", "")
	assert.NotContains(t, d.Snapshot(), "c1")

	d.Clear("c2")
	assert.Empty(t, d.Snapshot())

	d.Save("", "ignored")
	assert.Empty(t, d.Snapshot())
}

func TestDraftStoreReset(t *testing.T) {
	d := NewDraftStore()
	d.Save("c1", "a")
	d.Save("c2", "b")

	d.Reset()

	assert.Empty(t, d.Snapshot())
}
