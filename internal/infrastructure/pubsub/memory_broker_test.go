package pubsub

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryBrokerDeliversToChannelSubscribersOnly(t *testing.T) {
	ctx := context.Background()
	b := NewMemoryBroker()

	a, cancelA, err := b.Subscribe(ctx, "typing:c1")
	require.NoError(t, err)
	defer cancelA()
	other, cancelOther, err := b.Subscribe(ctx, "typing:c2")
	require.NoError(t, err)
	defer cancelOther()

	require.NoError(t, b.Publish(ctx, "typing:c1", []byte("hello")))

	select {
	case msg := <-a:
		assert.Equal(t, "hello", string(msg))
	case <-time.After(time.Second):
		t.Fatal("expected delivery")
	}

	select {
	case <-other:
		t.Fatal("unexpected delivery on other channel")
	default:
	}
}

func TestMemoryBrokerPublishWithoutSubscribersIsDropped(t *testing.T) {
	b := NewMemoryBroker()
	require.NoError(t, b.Publish(context.Background(), "typing:none", []byte("x")))

	ch, cancel, err := b.Subscribe(context.Background(), "typing:none")
	require.NoError(t, err)
	defer cancel()

	select {
	case <-ch:
		t.Fatal("broker must not replay history")
	default:
	}
}

func TestMemoryBrokerCancelClosesChannel(t *testing.T) {
	ctx, cancelCtx := context.WithCancel(context.Background())
	b := NewMemoryBroker()

	ch, _, err := b.Subscribe(ctx, "typing:c1")
	require.NoError(t, err)
	cancelCtx()

	assert.Eventually(t, func() bool {
		select {
		case _, ok := <-ch:
			return !ok
		default:
			return false
		}
	}, time.Second, 10*time.Millisecond)
	assert.Zero(t, b.Subscribers("typing:c1"))
}
