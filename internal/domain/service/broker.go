package service

import "context"

// ChannelBroker is a named, ephemeral broadcast channel service. Delivery is
// at-most-once and unordered.
type ChannelBroker interface {
	Publish(ctx context.Context, channel string, payload []byte) error
	Subscribe(ctx context.Context, channel string) (<-chan []byte, func(), error)
}

type TokenVerifier interface {
	VerifyToken(ctx context.Context, token string) (string, error)
}
