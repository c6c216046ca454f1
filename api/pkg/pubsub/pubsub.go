// Package pubsub is the teacher's NATS collaborator, narrowed to the
// capability the visual streaming subsystem's Log Hub (spec C4) actually
// needs: publish bytes to a subject, subscribe a handler to a subject,
// backed by either an embedded or an external NATS server. Spec §9 asks
// for exactly this: "an optional collaborator with a narrow interface
// {publish(channel, bytes), subscribe(channel) -> stream of bytes}; the
// core must function with it absent."
package pubsub

import "context"

// PubSub is the cross-process fan-out collaborator the Log Hub's peer
// channel uses. The core functions with it absent (pass NewNoop()).
type PubSub interface {
	Publish(ctx context.Context, topic string, payload []byte) error
	Subscribe(ctx context.Context, topic string, handler func(payload []byte) error) (Subscription, error)
}

// Subscription can be cancelled.
type Subscription interface {
	Unsubscribe() error
}

// PeerLogSubject is the spec's `logs:{execution-id}` cross-process fan-out
// channel name for the Log Hub (spec §4.4, §6.3 REDIS_URL).
func PeerLogSubject(executionID string) string {
	return "logs:" + executionID
}
