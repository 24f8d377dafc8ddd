package messaging

import "context"

// Bus abstracts the message transport. Messages sharing a key are delivered
// in publish order; delivery is at least once.
type Bus interface {
	Publish(ctx context.Context, topic, key string, payload []byte) error
}

// HandlerFunc processes one delivered message. Returning an error leaves the
// message unacknowledged so the transport redelivers it.
type HandlerFunc func(ctx context.Context, key string, payload []byte) error

// Subscriber consumes a topic until the context ends.
type Subscriber interface {
	Subscribe(ctx context.Context, topic string, fn HandlerFunc) error
}

// Topic names. One command stream per participant, one shared reply stream
// consumed only by the coordinator, and fan-out event streams per aggregate.
const (
	TopicOrderCommands     = "order_commands"
	TopicPaymentCommands   = "payment_commands"
	TopicInventoryCommands = "inventory_commands"
	TopicSagaReplies       = "saga_replies"
	TopicOrderEvents       = "order_events"
	TopicPaymentEvents     = "payment_events"
	TopicInventoryEvents   = "inventory_events"
	TopicDomainEvents      = "domain_events"
)

// CommandTopic maps a participant service name to its command stream.
func CommandTopic(service string) string {
	return service + "_commands"
}

// EventTopic maps an event type to its fan-out stream.
func EventTopic(eventType string) string {
	switch eventType {
	case "OrderCreated", "OrderApproved", "OrderCancelled":
		return TopicOrderEvents
	case "PaymentProcessed", "PaymentRefunded":
		return TopicPaymentEvents
	case "InventoryReserved", "InventoryReleased":
		return TopicInventoryEvents
	default:
		return TopicDomainEvents
	}
}
