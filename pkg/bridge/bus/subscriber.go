package bus

import (
	"context"

	"github.com/amir-yaghoubi/mqttpattern"
)

// Subscriber receives events for the topic patterns it is subscribed to.
type Subscriber interface {
	OnSubscribe(ctx context.Context, topic string) error
	OnUnsubscribe(ctx context.Context, topic string) error
	OnEvent(ctx context.Context, topic string, message any, fields map[string]string) error
}

// BaseSubscriber provides no-op implementations of the Subscriber methods
// for embedding.
type BaseSubscriber struct{}

func (b *BaseSubscriber) OnSubscribe(ctx context.Context, topic string) error {
	return nil
}

func (b *BaseSubscriber) OnUnsubscribe(ctx context.Context, topic string) error {
	return nil
}

func (b *BaseSubscriber) OnEvent(ctx context.Context, topic string, message any, fields map[string]string) error {
	return nil
}

type matcher func(topic string) (bool, map[string]string)

// makeMatcher builds a matcher for an MQTT-style pattern. Exact topics are
// compared directly; patterns with named wildcards (+name, #name) also
// extract the matched segments.
func makeMatcher(pattern string) matcher {
	switch {
	case mqttpattern.HasExtractions(pattern):
		return func(topic string) (bool, map[string]string) {
			if mqttpattern.Matches(pattern, topic) {
				return true, mqttpattern.Extract(pattern, topic)
			}
			return false, nil
		}
	case isWildcard(pattern):
		return func(topic string) (bool, map[string]string) {
			return mqttpattern.Matches(pattern, topic), nil
		}
	default:
		return func(topic string) (bool, map[string]string) {
			return topic == pattern, nil
		}
	}
}

func isWildcard(pattern string) bool {
	for _, r := range pattern {
		if r == '+' || r == '#' {
			return true
		}
	}
	return false
}
