package saga

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"caravel/internal/messaging"
	"caravel/internal/observability"
	"caravel/internal/outbox"
)

// ErrUnknownSaga means a reply referenced a saga id that was never created.
// The reply consumer logs and drops these instead of redelivering forever.
var ErrUnknownSaga = errors.New("unknown saga")

// CompensationFailurePolicy decides what the coordinator does when a
// compensation command itself comes back failed.
type CompensationFailurePolicy string

const (
	// PolicyProceed logs the failure and moves on to the next compensation.
	PolicyProceed CompensationFailurePolicy = "proceed"
	// PolicyHalt stops the saga at the failed compensation for operator
	// intervention; the stall monitor will surface it.
	PolicyHalt CompensationFailurePolicy = "halt"
)

const defaultPaymentMethod = "credit_card"

// CoordinatorConfig tunes coordinator behavior.
type CoordinatorConfig struct {
	Policy CompensationFailurePolicy
	// OnTransition, when set, observes every persisted state change. Used
	// to fan status updates out to websocket subscribers.
	OnTransition func(*Transaction)
}

// Coordinator owns saga state transitions. Participants only ever see
// commands and produce replies; every decision about what happens next is
// made here, persisted together with the outgoing command through the
// repository.
type Coordinator struct {
	repo    Repository
	policy  CompensationFailurePolicy
	onNext  func(*Transaction)
	log     *slog.Logger
	metrics *observability.Metrics
}

// NewCoordinator constructs a coordinator over the given repository.
func NewCoordinator(repo Repository, cfg CoordinatorConfig, log *slog.Logger, metrics *observability.Metrics) *Coordinator {
	if cfg.Policy == "" {
		cfg.Policy = PolicyProceed
	}
	if log == nil {
		log = slog.Default()
	}
	return &Coordinator{
		repo:    repo,
		policy:  cfg.Policy,
		onNext:  cfg.OnTransition,
		log:     log,
		metrics: metrics,
	}
}

// Create starts a saga for the given order. The returned bool reports
// whether a new saga was created; when the external key already owns one,
// the existing saga is returned with false and no state changes.
func (c *Coordinator) Create(ctx context.Context, externalKey string, order messaging.OrderData) (*Transaction, bool, error) {
	txn, err := NewTransaction(externalKey, order)
	if err != nil {
		return nil, false, err
	}
	ev, err := c.forwardEvent(txn, 0)
	if err != nil {
		return nil, false, err
	}
	if err := c.repo.Create(ctx, txn, []outbox.Event{ev}); err != nil {
		if errors.Is(err, ErrDuplicateRequest) {
			existing, lerr := c.repo.LoadByExternalKey(ctx, externalKey)
			if lerr != nil {
				return nil, false, lerr
			}
			return existing, false, nil
		}
		return nil, false, err
	}
	c.metrics.AddSagaStarted()
	c.log.Info("saga started",
		"saga_id", txn.ID,
		"external_key", externalKey,
		"order_id", order.OrderID)
	c.notify(txn)
	return txn, true, nil
}

// HandleReply applies one participant reply to its saga. Replies that do not
// match the saga's pending command are stale redeliveries and are dropped
// without touching state.
func (c *Coordinator) HandleReply(ctx context.Context, reply messaging.Reply) error {
	txn, err := c.repo.Load(ctx, reply.SagaID)
	if errors.Is(err, ErrNotFound) {
		c.metrics.AddReplyDropped()
		return fmt.Errorf("%w: %s", ErrUnknownSaga, reply.SagaID)
	}
	if err != nil {
		return err
	}
	if txn.Status.Terminal() || reply.CommandID != txn.PendingCommandID {
		c.metrics.AddReplyDropped()
		c.log.Debug("stale reply dropped",
			"saga_id", txn.ID,
			"command_id", reply.CommandID,
			"status", txn.Status)
		return nil
	}
	if txn.Status == StatusCompensating {
		return c.advanceCompensation(ctx, txn, reply)
	}
	return c.advanceForward(ctx, txn, reply)
}

// ReplyHandler adapts the coordinator to a bus subscription. Malformed
// replies and replies for unknown sagas are logged and acknowledged so they
// do not wedge the stream; everything else redelivers on error.
func (c *Coordinator) ReplyHandler() messaging.HandlerFunc {
	return func(ctx context.Context, _ string, payload []byte) error {
		reply, err := messaging.DecodeReply(payload)
		if err != nil {
			c.log.Error("malformed reply dropped", "error", err)
			return nil
		}
		err = c.HandleReply(ctx, reply)
		if errors.Is(err, ErrUnknownSaga) {
			c.log.Warn("reply for unknown saga dropped",
				"saga_id", reply.SagaID,
				"command_id", reply.CommandID)
			return nil
		}
		return err
	}
}

func (c *Coordinator) advanceForward(ctx context.Context, txn *Transaction, reply messaging.Reply) error {
	step := &txn.Steps[txn.CurrentStep]
	if reply.Outcome == messaging.OutcomeFailure {
		step.Status = StepFailed
		return c.beginCompensation(ctx, txn, reply.Error)
	}

	step.Status = StepSucceeded
	if len(reply.Result) > 0 {
		txn.Context[string(step.Command)] = reply.Result
	}
	txn.CurrentStep++

	if txn.CurrentStep == len(txn.Steps) {
		txn.Status = StatusCompleted
		txn.PendingCommandID = uuid.Nil
		ev, err := c.lifecycleEvent(txn, "SagaCompleted")
		if err != nil {
			return err
		}
		if err := c.repo.Update(ctx, txn, []outbox.Event{ev}); err != nil {
			return err
		}
		c.metrics.AddSagaCompleted()
		c.log.Info("saga completed", "saga_id", txn.ID)
		c.notify(txn)
		return nil
	}

	txn.Status = StatusInProgress
	ev, err := c.forwardEvent(txn, txn.CurrentStep)
	if err != nil {
		return err
	}
	if err := c.repo.Update(ctx, txn, []outbox.Event{ev}); err != nil {
		return err
	}
	c.notify(txn)
	return nil
}

func (c *Coordinator) beginCompensation(ctx context.Context, txn *Transaction, reason string) error {
	txn.Status = StatusCompensating
	txn.CompensationPlan = txn.BuildCompensationPlan()
	txn.CompensationCursor = 0
	c.log.Warn("saga step failed, compensating",
		"saga_id", txn.ID,
		"step", txn.CurrentStep,
		"reason", reason,
		"plan_len", len(txn.CompensationPlan))

	if len(txn.CompensationPlan) == 0 {
		return c.finishCompensated(ctx, txn)
	}
	ev, err := c.compensationEvent(txn, txn.CompensationPlan[0])
	if err != nil {
		return err
	}
	if err := c.repo.Update(ctx, txn, []outbox.Event{ev}); err != nil {
		return err
	}
	c.notify(txn)
	return nil
}

func (c *Coordinator) advanceCompensation(ctx context.Context, txn *Transaction, reply messaging.Reply) error {
	stepIndex := txn.CompensationPlan[txn.CompensationCursor]
	if reply.Outcome == messaging.OutcomeFailure {
		if c.policy == PolicyHalt {
			c.log.Error("compensation failed, halted for intervention",
				"saga_id", txn.ID,
				"step", stepIndex,
				"reason", reply.Error)
			return nil
		}
		c.log.Error("compensation failed, proceeding",
			"saga_id", txn.ID,
			"step", stepIndex,
			"reason", reply.Error)
	}

	if reply.Outcome == messaging.OutcomeSuccess {
		txn.Steps[stepIndex].Status = StepCompensated
	}
	txn.CompensationCursor++
	if txn.CompensationCursor >= len(txn.CompensationPlan) {
		return c.finishCompensated(ctx, txn)
	}

	ev, err := c.compensationEvent(txn, txn.CompensationPlan[txn.CompensationCursor])
	if err != nil {
		return err
	}
	if err := c.repo.Update(ctx, txn, []outbox.Event{ev}); err != nil {
		return err
	}
	c.notify(txn)
	return nil
}

func (c *Coordinator) finishCompensated(ctx context.Context, txn *Transaction) error {
	txn.Status = StatusCompensated
	txn.PendingCommandID = uuid.Nil
	ev, err := c.lifecycleEvent(txn, "SagaCompensated")
	if err != nil {
		return err
	}
	if err := c.repo.Update(ctx, txn, []outbox.Event{ev}); err != nil {
		return err
	}
	c.metrics.AddSagaCompensated()
	c.log.Info("saga compensated", "saga_id", txn.ID)
	c.notify(txn)
	return nil
}

// forwardEvent builds the outbox event for a step's forward command and
// marks the step sent with the new command pending.
func (c *Coordinator) forwardEvent(txn *Transaction, stepIndex int) (outbox.Event, error) {
	step := &txn.Steps[stepIndex]
	payload, err := commandPayload(txn, step.Command)
	if err != nil {
		return outbox.Event{}, err
	}
	cmd := messaging.NewCommand(txn.ID, step.Command, payload, txn.ForwardKey(stepIndex))
	data, err := messaging.EncodeCommand(cmd)
	if err != nil {
		return outbox.Event{}, err
	}
	step.Status = StepSent
	txn.PendingCommandID = cmd.ID
	return outbox.NewEvent(txn.ID, messaging.CommandTopic(step.Service), string(step.Command), data), nil
}

// compensationEvent builds the outbox event for a step's compensation.
func (c *Coordinator) compensationEvent(txn *Transaction, stepIndex int) (outbox.Event, error) {
	step := txn.Steps[stepIndex]
	payload, err := commandPayload(txn, step.Compensation)
	if err != nil {
		return outbox.Event{}, err
	}
	cmd := messaging.NewCommand(txn.ID, step.Compensation, payload, txn.CompensationKey(stepIndex))
	data, err := messaging.EncodeCommand(cmd)
	if err != nil {
		return outbox.Event{}, err
	}
	txn.PendingCommandID = cmd.ID
	return outbox.NewEvent(txn.ID, messaging.CommandTopic(step.Service), string(step.Compensation), data), nil
}

func (c *Coordinator) lifecycleEvent(txn *Transaction, eventType string) (outbox.Event, error) {
	order, err := txn.OrderData()
	if err != nil {
		return outbox.Event{}, err
	}
	body, err := json.Marshal(struct {
		SagaID  uuid.UUID `json:"saga_id"`
		OrderID uuid.UUID `json:"order_id"`
		Status  Status    `json:"status"`
	}{SagaID: txn.ID, OrderID: order.OrderID, Status: txn.Status})
	if err != nil {
		return outbox.Event{}, err
	}
	env := messaging.DomainEvent{
		ID:          uuid.New(),
		AggregateID: txn.ID,
		Type:        eventType,
		Payload:     body,
		CreatedAt:   time.Now().UTC(),
	}
	data, err := json.Marshal(env)
	if err != nil {
		return outbox.Event{}, err
	}
	return outbox.NewEvent(txn.ID, messaging.EventTopic(eventType), eventType, data), nil
}

func (c *Coordinator) notify(txn *Transaction) {
	if c.onNext != nil {
		c.onNext(txn.Clone())
	}
}

// commandPayload builds the service payload for a command type out of the
// saga context.
func commandPayload(txn *Transaction, ct messaging.CommandType) (json.RawMessage, error) {
	order, err := txn.OrderData()
	if err != nil {
		return nil, err
	}
	switch ct {
	case messaging.CommandCreateOrder, messaging.CommandApproveOrder, messaging.CommandCancelOrder:
		return json.Marshal(order)
	case messaging.CommandProcessPayment, messaging.CommandCompensatePayment:
		return json.Marshal(messaging.PaymentData{
			OrderID:       order.OrderID,
			Amount:        order.TotalAmount,
			PaymentMethod: defaultPaymentMethod,
		})
	case messaging.CommandReserveInventory, messaging.CommandCompensateInventory:
		return json.Marshal(messaging.InventoryData{
			OrderID:   order.OrderID,
			ProductID: order.ProductID,
			Quantity:  order.Quantity,
		})
	default:
		return nil, fmt.Errorf("no payload for command type %q", ct)
	}
}
