package payment

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

// Config tunes the charge decision.
type Config struct {
	// MaxAmount declines any charge above this value. Zero means the
	// default limit.
	MaxAmount float64
}

const defaultMaxAmount = 1000

// Service wires the payment effects into a participant handler.
type Service struct {
	store     *Store
	maxAmount float64
	log       *slog.Logger
}

// NewService constructs the payment service over its store.
func NewService(store *Store, cfg Config, log *slog.Logger) *Service {
	if cfg.MaxAmount <= 0 {
		cfg.MaxAmount = defaultMaxAmount
	}
	if log == nil {
		log = slog.Default()
	}
	return &Service{store: store, maxAmount: cfg.MaxAmount, log: log}
}

// Register binds the payment command types to their effects.
func (s *Service) Register(h *participant.Handler) {
	h.Register(messaging.CommandProcessPayment, s.processPayment)
	h.Register(messaging.CommandCompensatePayment, s.refundPayment)
}

type paymentResult struct {
	OrderID uuid.UUID `json:"order_id"`
	Amount  float64   `json:"amount"`
	Status  string    `json:"payment_status"`
}

func (s *Service) processPayment(ctx context.Context, tx *sql.Tx, cmd messaging.Command) (participant.Result, error) {
	var data messaging.PaymentData
	if err := json.Unmarshal(cmd.Payload, &data); err != nil {
		return participant.Result{}, participant.Reject("invalid payment payload: %v", err)
	}
	if data.Amount <= 0 {
		return participant.Result{}, participant.Reject("payment amount must be positive")
	}
	if data.Amount > s.maxAmount {
		return participant.Result{}, participant.Reject("payment declined: amount %.2f exceeds limit %.2f", data.Amount, s.maxAmount)
	}

	charged, err := s.store.ChargeTx(ctx, tx, data.OrderID, data.Amount)
	if err != nil {
		return participant.Result{}, err
	}
	result := participant.Result{Payload: resultJSON(paymentResult{OrderID: data.OrderID, Amount: data.Amount, Status: StatusCharged})}
	if charged {
		result.Events = []messaging.DomainEvent{paymentEvent(cmd.SagaID, "PaymentProcessed", data.OrderID, data.Amount, StatusCharged)}
	}
	return result, nil
}

func (s *Service) refundPayment(ctx context.Context, tx *sql.Tx, cmd messaging.Command) (participant.Result, error) {
	var data messaging.PaymentData
	if err := json.Unmarshal(cmd.Payload, &data); err != nil {
		return participant.Result{}, participant.Reject("invalid payment payload: %v", err)
	}

	refunded, err := s.store.RefundTx(ctx, tx, data.OrderID)
	if err != nil {
		return participant.Result{}, err
	}
	if !refunded {
		// Nothing charged, or already refunded; undoing nothing succeeds.
		s.log.Info("refund no-op", "order_id", data.OrderID, "saga_id", cmd.SagaID)
		return participant.Result{Payload: resultJSON(paymentResult{OrderID: data.OrderID, Status: StatusRefunded})}, nil
	}
	return participant.Result{
		Payload: resultJSON(paymentResult{OrderID: data.OrderID, Amount: data.Amount, Status: StatusRefunded}),
		Events:  []messaging.DomainEvent{paymentEvent(cmd.SagaID, "PaymentRefunded", data.OrderID, data.Amount, StatusRefunded)},
	}, nil
}

func paymentEvent(sagaID uuid.UUID, eventType string, orderID uuid.UUID, amount float64, status string) messaging.DomainEvent {
	payload, _ := json.Marshal(paymentResult{OrderID: orderID, Amount: amount, Status: status})
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
