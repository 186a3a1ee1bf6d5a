package pubsub

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// ErrRequestTimeout is returned when a request's deadline expires before the
// responder finished. A late reply is discarded.
var ErrRequestTimeout = errors.New("pubsub: request timed out")

const claimTTL = time.Minute

type requestEnvelope struct {
	Version      int             `json:"version"`
	RequestID    string          `json:"request_id"`
	ReplyChannel string          `json:"reply_channel"`
	Payload      json.RawMessage `json:"payload"`
}

type replyEnvelope struct {
	Version   int             `json:"version"`
	RequestID string          `json:"request_id"`
	Type      string          `json:"type"` // "delivery", "item", "end", "error"
	Payload   json.RawMessage `json:"payload,omitempty"`
	Error     string          `json:"error,omitempty"`
}

// Reply is the outcome of a request conversation.
type Reply struct {
	Delivered bool
	Items     [][]byte
}

// Request publishes a payload on a channel and waits for at most one
// responder to acknowledge delivery and stream a bounded sequence of reply
// items. The context's deadline bounds the whole conversation; expiration
// yields ErrRequestTimeout whether or not delivery was acknowledged.
func (b *Bus) Request(ctx context.Context, channel string, payload []byte) (*Reply, error) {
	requestID := uuid.NewString()
	replyChannel := "reply/" + requestID

	sub := b.client.Subscribe(ctx, replyChannel)
	defer sub.Close()
	// Wait for the subscription to be live before publishing, or the reply
	// can race past us.
	if _, err := sub.Receive(ctx); err != nil {
		return nil, fmt.Errorf("subscribe reply channel: %w", err)
	}
	replies := sub.Channel()

	envelope, err := json.Marshal(requestEnvelope{
		Version:      1,
		RequestID:    requestID,
		ReplyChannel: replyChannel,
		Payload:      payload,
	})
	if err != nil {
		return nil, err
	}
	if err := b.Publish(ctx, channel, envelope); err != nil {
		return nil, err
	}

	reply := &Reply{}
	for {
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("%w: %s", ErrRequestTimeout, channel)
		case msg, ok := <-replies:
			if !ok {
				return nil, fmt.Errorf("%w: %s", ErrRequestTimeout, channel)
			}
			var env replyEnvelope
			if err := json.Unmarshal([]byte(msg.Payload), &env); err != nil {
				b.logger.Warn("malformed reply discarded", "channel", channel, "error", err)
				continue
			}
			if env.RequestID != requestID {
				continue
			}
			switch env.Type {
			case "delivery":
				reply.Delivered = true
			case "item":
				reply.Items = append(reply.Items, []byte(env.Payload))
			case "end":
				return reply, nil
			case "error":
				return reply, fmt.Errorf("request %s failed: %s", channel, env.Error)
			}
		}
	}
}

// Responder produces the reply items for one request payload.
type Responder func(ctx context.Context, payload []byte) ([][]byte, error)

// Respond registers a responder on a request channel. When several bus
// clients respond on the same channel, a claim key ensures at most one of
// them handles each request.
func (b *Bus) Respond(ctx context.Context, channel string, responder Responder) error {
	return b.Subscribe(ctx, channel, func(_ string, raw []byte) {
		var env requestEnvelope
		if err := json.Unmarshal(raw, &env); err != nil || env.RequestID == "" {
			return
		}
		handlerCtx := context.Background()
		claimed, err := b.client.SetNX(handlerCtx, "pubsub/claim/"+env.RequestID, "1", claimTTL).Result()
		if err != nil || !claimed {
			return
		}
		b.reply(handlerCtx, env.ReplyChannel, replyEnvelope{Version: 1, RequestID: env.RequestID, Type: "delivery"})
		items, err := responder(handlerCtx, env.Payload)
		if err != nil {
			b.reply(handlerCtx, env.ReplyChannel, replyEnvelope{Version: 1, RequestID: env.RequestID, Type: "error", Error: err.Error()})
			return
		}
		for _, item := range items {
			b.reply(handlerCtx, env.ReplyChannel, replyEnvelope{Version: 1, RequestID: env.RequestID, Type: "item", Payload: item})
		}
		b.reply(handlerCtx, env.ReplyChannel, replyEnvelope{Version: 1, RequestID: env.RequestID, Type: "end"})
	})
}

func (b *Bus) reply(ctx context.Context, channel string, env replyEnvelope) {
	payload, err := json.Marshal(env)
	if err != nil {
		return
	}
	if err := b.Publish(ctx, channel, payload); err != nil {
		b.logger.Warn("reply publish failed", "channel", channel, "error", err)
	}
}
