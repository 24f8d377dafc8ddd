package inventory

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"caravel/internal/messaging"
	"caravel/internal/participant"
)

// Service wires the inventory effects into a participant handler.
type Service struct {
	store *Store
	log   *slog.Logger
}

// NewService constructs the inventory service over its store.
func NewService(store *Store, log *slog.Logger) *Service {
	if log == nil {
		log = slog.Default()
	}
	return &Service{store: store, log: log}
}

// Register binds the inventory command types to their effects.
func (s *Service) Register(h *participant.Handler) {
	h.Register(messaging.CommandReserveInventory, s.reserve)
	h.Register(messaging.CommandCompensateInventory, s.release)
}

type reservationResult struct {
	OrderID   uuid.UUID `json:"order_id"`
	ProductID uuid.UUID `json:"product_id"`
	Quantity  int       `json:"quantity"`
	Status    string    `json:"reservation_status"`
}

func (s *Service) reserve(ctx context.Context, tx *sql.Tx, cmd messaging.Command) (participant.Result, error) {
	var data messaging.InventoryData
	if err := json.Unmarshal(cmd.Payload, &data); err != nil {
		return participant.Result{}, participant.Reject("invalid inventory payload: %v", err)
	}
	if data.Quantity <= 0 {
		return participant.Result{}, participant.Reject("quantity must be positive")
	}

	// Deduct first: when stock is short no rows change and the rejection
	// commits a clean transaction.
	ok, err := s.store.DeductTx(ctx, tx, data.ProductID, data.Quantity)
	if err != nil {
		return participant.Result{}, err
	}
	if !ok {
		return participant.Result{}, participant.Reject("insufficient stock for product %s", data.ProductID)
	}

	inserted, err := s.store.ReserveTx(ctx, tx, data.OrderID, data.ProductID, data.Quantity)
	if err != nil {
		return participant.Result{}, err
	}
	if !inserted {
		// The order already holds a reservation; give the deduction back.
		if err := s.store.RestoreTx(ctx, tx, data.ProductID, data.Quantity); err != nil {
			return participant.Result{}, err
		}
		s.log.Info("reservation already held", "order_id", data.OrderID, "saga_id", cmd.SagaID)
		return participant.Result{Payload: resultJSON(reservationResult{OrderID: data.OrderID, ProductID: data.ProductID, Quantity: data.Quantity, Status: StatusReserved})}, nil
	}

	return participant.Result{
		Payload: resultJSON(reservationResult{OrderID: data.OrderID, ProductID: data.ProductID, Quantity: data.Quantity, Status: StatusReserved}),
		Events:  []messaging.DomainEvent{inventoryEvent(cmd.SagaID, "InventoryReserved", data.OrderID, data.ProductID, data.Quantity, StatusReserved)},
	}, nil
}

func (s *Service) release(ctx context.Context, tx *sql.Tx, cmd messaging.Command) (participant.Result, error) {
	var data messaging.InventoryData
	if err := json.Unmarshal(cmd.Payload, &data); err != nil {
		return participant.Result{}, participant.Reject("invalid inventory payload: %v", err)
	}

	productID, quantity, err := s.store.ReleaseTx(ctx, tx, data.OrderID)
	if errors.Is(err, ErrNoReservation) {
		// Nothing reserved, or already released; undoing nothing succeeds.
		s.log.Info("release no-op", "order_id", data.OrderID, "saga_id", cmd.SagaID)
		return participant.Result{Payload: resultJSON(reservationResult{OrderID: data.OrderID, ProductID: data.ProductID, Status: StatusReleased})}, nil
	}
	if err != nil {
		return participant.Result{}, err
	}
	if err := s.store.RestoreTx(ctx, tx, productID, quantity); err != nil {
		return participant.Result{}, err
	}

	return participant.Result{
		Payload: resultJSON(reservationResult{OrderID: data.OrderID, ProductID: productID, Quantity: quantity, Status: StatusReleased}),
		Events:  []messaging.DomainEvent{inventoryEvent(cmd.SagaID, "InventoryReleased", data.OrderID, productID, quantity, StatusReleased)},
	}, nil
}

func inventoryEvent(sagaID uuid.UUID, eventType string, orderID, productID uuid.UUID, quantity int, status string) messaging.DomainEvent {
	payload, _ := json.Marshal(reservationResult{OrderID: orderID, ProductID: productID, Quantity: quantity, Status: status})
	return messaging.DomainEvent{
		ID:          uuid.New(),
		AggregateID: sagaID,
		Type:        eventType,
		Payload:     payload,
		CreatedAt:   time.Now().UTC(),
	}
}

func resultJSON(body any) json.RawMessage {
	payload, _ := json.Marshal(body)
	return payload
}
