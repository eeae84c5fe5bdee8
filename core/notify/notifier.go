package notify

import (
	"context"
	"fmt"

	"github.com/picturas/orchestrator/core/protocol"
)

// Publisher sends a JSON payload on a subject. Satisfied by bus.NatsBus.
type Publisher interface {
	Publish(subject string, v any) error
}

// BusNotifier routes client notes onto the user's live update subject. Any
// orchestrator instance can publish; whichever instance holds the user's
// websocket relays it.
type BusNotifier struct {
	pub Publisher
}

// NewBusNotifier builds a notifier on a bus publisher.
func NewBusNotifier(pub Publisher) *BusNotifier {
	return &BusNotifier{pub: pub}
}

// Notify publishes one note to the user's update subject.
func (n *BusNotifier) Notify(_ context.Context, userID string, note any) error {
	subject := protocol.ClientSubject(userID)
	if subject == "" {
		return fmt.Errorf("user id required")
	}
	return n.pub.Publish(subject, note)
}
