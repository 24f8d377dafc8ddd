package messaging

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// CommandType identifies a forward or compensating action a participant can run.
type CommandType string

const (
	CommandCreateOrder         CommandType = "create-order"
	CommandProcessPayment      CommandType = "process-payment"
	CommandReserveInventory    CommandType = "reserve-inventory"
	CommandApproveOrder        CommandType = "approve-order"
	CommandCompensatePayment   CommandType = "compensate-payment"
	CommandCompensateInventory CommandType = "compensate-inventory"
	CommandCancelOrder         CommandType = "cancel-order"
)

// Command is the message a coordinator sends to a participant's command topic.
// IdempotencyKey, not ID, is the deduplication key: redeliveries of the same
// logical command carry a fresh ID but collide on the same key.
type Command struct {
	ID             uuid.UUID       `json:"command_id"`
	SagaID         uuid.UUID       `json:"saga_id"`
	Type           CommandType     `json:"command_type"`
	Payload        json.RawMessage `json:"payload"`
	IdempotencyKey string          `json:"idempotency_key"`
	CreatedAt      time.Time       `json:"created_at"`
}

// NewCommand constructs a command addressed at one saga step.
func NewCommand(sagaID uuid.UUID, commandType CommandType, payload json.RawMessage, idempotencyKey string) Command {
	return Command{
		ID:             uuid.New(),
		SagaID:         sagaID,
		Type:           commandType,
		Payload:        payload,
		IdempotencyKey: idempotencyKey,
		CreatedAt:      time.Now().UTC(),
	}
}

// Outcome is the terminal result of handling one command.
type Outcome string

const (
	OutcomeSuccess Outcome = "success"
	OutcomeFailure Outcome = "failure"
)

// Reply correlates back to a command and carries its outcome.
type Reply struct {
	ID        uuid.UUID       `json:"reply_id"`
	CommandID uuid.UUID       `json:"command_id"`
	SagaID    uuid.UUID       `json:"saga_id"`
	Outcome   Outcome         `json:"outcome"`
	Result    json.RawMessage `json:"result,omitempty"`
	Error     string          `json:"error,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
}

// SuccessReply builds a success reply for the given command.
func SuccessReply(commandID, sagaID uuid.UUID, result json.RawMessage) Reply {
	return Reply{
		ID:        uuid.New(),
		CommandID: commandID,
		SagaID:    sagaID,
		Outcome:   OutcomeSuccess,
		Result:    result,
		CreatedAt: time.Now().UTC(),
	}
}

// FailureReply builds a failure reply for the given command.
func FailureReply(commandID, sagaID uuid.UUID, reason string) Reply {
	return Reply{
		ID:        uuid.New(),
		CommandID: commandID,
		SagaID:    sagaID,
		Outcome:   OutcomeFailure,
		Error:     reason,
		CreatedAt: time.Now().UTC(),
	}
}

// DomainEvent is the fan-out message produced by the outbox relay for
// consumers outside the saga core.
type DomainEvent struct {
	ID          uuid.UUID       `json:"event_id"`
	AggregateID uuid.UUID       `json:"aggregate_id"`
	Type        string          `json:"event_type"`
	Payload     json.RawMessage `json:"payload"`
	CreatedAt   time.Time       `json:"created_at"`
}

// OrderData is the context payload seeded at saga creation and used to build
// order-service command payloads.
type OrderData struct {
	OrderID     uuid.UUID `json:"order_id"`
	CustomerID  uuid.UUID `json:"customer_id"`
	ProductID   uuid.UUID `json:"product_id"`
	Quantity    int       `json:"quantity"`
	TotalAmount float64   `json:"total_amount"`
}

// PaymentData is the payload for payment commands.
type PaymentData struct {
	OrderID       uuid.UUID `json:"order_id"`
	Amount        float64   `json:"amount"`
	PaymentMethod string    `json:"payment_method"`
}

// InventoryData is the payload for inventory commands.
type InventoryData struct {
	OrderID   uuid.UUID `json:"order_id"`
	ProductID uuid.UUID `json:"product_id"`
	Quantity  int       `json:"quantity"`
}

// EncodeCommand serializes a command for transport.
func EncodeCommand(cmd Command) ([]byte, error) {
	return json.Marshal(cmd)
}

// DecodeCommand parses a command off the wire.
func DecodeCommand(data []byte) (Command, error) {
	var cmd Command
	if err := json.Unmarshal(data, &cmd); err != nil {
		return Command{}, fmt.Errorf("decode command: %w", err)
	}
	return cmd, nil
}

// EncodeReply serializes a reply for transport.
func EncodeReply(reply Reply) ([]byte, error) {
	return json.Marshal(reply)
}

// DecodeReply parses a reply off the wire.
func DecodeReply(data []byte) (Reply, error) {
	var reply Reply
	if err := json.Unmarshal(data, &reply); err != nil {
		return Reply{}, fmt.Errorf("decode reply: %w", err)
	}
	return reply, nil
}
