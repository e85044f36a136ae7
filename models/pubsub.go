package models

import "context"

// Publisher is the producer half of the fan-out broker. Implementations
// must tolerate concurrent callers across process instances.
type Publisher interface {
	PublishToUser(ctx context.Context, userID string, kind EventKind, data []byte) error
	PublishToAll(ctx context.Context, kind EventKind, data []byte) error
}

// SubscriberSink receives broker deliveries on the owning process. A
// per-user delivery is dropped silently when the identity is not locally
// registered; another instance holding the connection will deliver it.
type SubscriberSink interface {
	DeliverToUser(msg UserMessage)
	DeliverToAll(msg BroadcastMessage)
}
