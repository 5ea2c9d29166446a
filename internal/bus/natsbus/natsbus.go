// Package natsbus adapts a NATS connection to the feed bus contract for
// multi-node deployments.
package natsbus

import (
	"github.com/nats-io/nats.go"

	"github.com/MarkoPoloResearchLab/tradementor/pkg/feed"
)

// Bus publishes and subscribes over a NATS connection.
type Bus struct {
	conn *nats.Conn
}

// New returns a Bus over an established connection.
func New(conn *nats.Conn) *Bus {
	return &Bus{conn: conn}
}

// Publish sends the payload on the subject.
func (bus *Bus) Publish(subject string, payload []byte) error {
	return bus.conn.Publish(subject, payload)
}

// Subscribe registers a handler for the subject.
func (bus *Bus) Subscribe(subject string, handler func(payload []byte)) (feed.Subscription, error) {
	subscription, err := bus.conn.Subscribe(subject, func(message *nats.Msg) {
		handler(message.Data)
	})
	if err != nil {
		return nil, err
	}
	return subscription, nil
}
