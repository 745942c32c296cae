package fanout

import (
	"context"
	"encoding/json"

	"github.com/studyhall/collab/types"
)

// PublishEnvelope marshals and publishes an envelope on the channel.
func PublishEnvelope(ctx context.Context, bus Bus, channel string, env *types.Envelope) error {
	payload, err := json.Marshal(env)
	if err != nil {
		return err
	}
	return bus.Publish(ctx, channel, payload)
}

// DecodeEnvelope parses an envelope received from the bus.
func DecodeEnvelope(payload []byte) (*types.Envelope, error) {
	env := &types.Envelope{}
	if err := json.Unmarshal(payload, env); err != nil {
		return nil, err
	}
	return env, nil
}
