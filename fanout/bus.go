// Package fanout is the cross-instance publish/subscribe layer. It delivers
// sequenced envelopes to every subscribed instance at least once; it makes no
// ordering guarantee across publishers. Per-room total order is produced
// upstream by routing all writes through the room's single owning sequencer,
// so only one publisher per room exists at any time.
package fanout

import (
	"context"
)

// Channel name helpers. Rooms, the per-instance forward channel and the
// cluster control channel all live in one prefixed namespace.
func RoomChannel(prefix, roomId string) string { return prefix + ":room:" + roomId }

func InstanceChannel(prefix, instance string) string { return prefix + ":instance:" + instance }

func ClusterChannel(prefix string) string { return prefix + ":cluster" }

// Bus is the transport. Implementations: RedisBus for multi-instance
// deployments, MemoryBus for single-instance runs and tests.
type Bus interface {
	// Publish sends the raw envelope to all current subscribers of the
	// channel. Delivery failures are retried with backoff and logged; they
	// are never fatal to a room.
	Publish(ctx context.Context, channel string, payload []byte) error
	// Subscribe starts receiving envelopes published on the channel.
	Subscribe(ctx context.Context, channel string) (Subscription, error)
	Close() error
}

// Subscription is one channel subscription. C is closed when the
// subscription ends.
type Subscription interface {
	C() <-chan []byte
	Close() error
}
