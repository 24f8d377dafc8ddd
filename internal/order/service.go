package order

import (
	"context"
	"database/sql"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"caravel/internal/messaging"
	"caravel/internal/participant"
)

// Service wires the order effects into a participant handler.
type Service struct {
	store *Store
	log   *slog.Logger
}

// NewService constructs the order service over its store.
func NewService(store *Store, log *slog.Logger) *Service {
	if log == nil {
		log = slog.Default()
	}
	return &Service{store: store, log: log}
}

// Register binds the order command types to their effects.
func (s *Service) Register(h *participant.Handler) {
	h.Register(messaging.CommandCreateOrder, s.createOrder)
	h.Register(messaging.CommandApproveOrder, s.approveOrder)
	h.Register(messaging.CommandCancelOrder, s.cancelOrder)
}

type orderResult struct {
	OrderID uuid.UUID `json:"order_id"`
	Status  string    `json:"order_status"`
}

func (s *Service) createOrder(ctx context.Context, tx *sql.Tx, cmd messaging.Command) (participant.Result, error) {
	var data messaging.OrderData
	if err := json.Unmarshal(cmd.Payload, &data); err != nil {
		return participant.Result{}, participant.Reject("invalid order payload: %v", err)
	}
	if data.Quantity <= 0 {
		return participant.Result{}, participant.Reject("quantity must be positive")
	}
	if data.TotalAmount <= 0 {
		return participant.Result{}, participant.Reject("total amount must be positive")
	}

	created, status, err := s.store.CreateTx(ctx, tx, data)
	if err != nil {
		return participant.Result{}, err
	}
	if status == StatusCancelled {
		return participant.Result{}, participant.Reject("order %s already cancelled", data.OrderID)
	}

	result := participant.Result{Payload: mustResult(orderResult{OrderID: data.OrderID, Status: status})}
	if created {
		result.Events = []messaging.DomainEvent{domainEvent(cmd.SagaID, "OrderCreated", orderResult{OrderID: data.OrderID, Status: status})}
	}
	return result, nil
}

func (s *Service) approveOrder(ctx context.Context, tx *sql.Tx, cmd messaging.Command) (participant.Result, error) {
	var data messaging.OrderData
	if err := json.Unmarshal(cmd.Payload, &data); err != nil {
		return participant.Result{}, participant.Reject("invalid order payload: %v", err)
	}

	ok, err := s.store.ApproveTx(ctx, tx, data.OrderID)
	if err != nil {
		return participant.Result{}, err
	}
	if ok {
		return participant.Result{
			Payload: mustResult(orderResult{OrderID: data.OrderID, Status: StatusApproved}),
			Events:  []messaging.DomainEvent{domainEvent(cmd.SagaID, "OrderApproved", orderResult{OrderID: data.OrderID, Status: StatusApproved})},
		}, nil
	}

	status, err := s.store.StatusTx(ctx, tx, data.OrderID)
	if err == ErrNotFound {
		return participant.Result{}, participant.Reject("order %s not found", data.OrderID)
	}
	if err != nil {
		return participant.Result{}, err
	}
	if status == StatusApproved {
		return participant.Result{Payload: mustResult(orderResult{OrderID: data.OrderID, Status: status})}, nil
	}
	return participant.Result{}, participant.Reject("order %s is %s, cannot approve", data.OrderID, status)
}

func (s *Service) cancelOrder(ctx context.Context, tx *sql.Tx, cmd messaging.Command) (participant.Result, error) {
	var data messaging.OrderData
	if err := json.Unmarshal(cmd.Payload, &data); err != nil {
		return participant.Result{}, participant.Reject("invalid order payload: %v", err)
	}

	ok, err := s.store.CancelTx(ctx, tx, data.OrderID)
	if err != nil {
		return participant.Result{}, err
	}
	if !ok {
		// Already cancelled or never created; undoing nothing succeeds.
		s.log.Info("cancel order no-op", "order_id", data.OrderID, "saga_id", cmd.SagaID)
		return participant.Result{Payload: mustResult(orderResult{OrderID: data.OrderID, Status: StatusCancelled})}, nil
	}
	return participant.Result{
		Payload: mustResult(orderResult{OrderID: data.OrderID, Status: StatusCancelled}),
		Events:  []messaging.DomainEvent{domainEvent(cmd.SagaID, "OrderCancelled", orderResult{OrderID: data.OrderID, Status: StatusCancelled})},
	}, nil
}

func domainEvent(aggregateID uuid.UUID, eventType string, body any) messaging.DomainEvent {
	payload, _ := json.Marshal(body)
	return messaging.DomainEvent{
		ID:          uuid.New(),
		AggregateID: aggregateID,
		Type:        eventType,
		Payload:     payload,
		CreatedAt:   time.Now().UTC(),
	}
}

func mustResult(body any) json.RawMessage {
	payload, _ := json.Marshal(body)
	return payload
}
