// Package saga holds the orchestration core: the transaction state machine,
// the coordinator that drives it from command replies, and the repository
// contract its state is persisted through.
package saga

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"caravel/internal/messaging"
)

// Status captures the lifecycle state of a saga transaction.
type Status string

const (
	StatusStarted      Status = "started"
	StatusInProgress   Status = "in_progress"
	StatusCompleted    Status = "completed"
	StatusCompensating Status = "compensating"
	StatusCompensated  Status = "compensated"
)

// Terminal reports whether the status admits no further transitions.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusCompensated
}

// StepStatus captures the progress of a single step.
type StepStatus string

const (
	StepPending     StepStatus = "pending"
	StepSent        StepStatus = "sent"
	StepSucceeded   StepStatus = "succeeded"
	StepFailed      StepStatus = "failed"
	StepCompensated StepStatus = "compensated"
)

// Step is one unit of the fixed saga topology. A step without a compensation
// command type is not compensable and is skipped during rollback.
type Step struct {
	Service      string                `json:"service"`
	Command      messaging.CommandType `json:"command"`
	Compensation messaging.CommandType `json:"compensation,omitempty"`
	Status       StepStatus            `json:"status"`
}

// Compensable reports whether the step defines a compensation command.
func (s Step) Compensable() bool {
	return s.Compensation != ""
}

// ContextKeyOrder is the context slot seeded from the originating request.
const ContextKeyOrder = "order"

// Transaction is one saga instance. It is owned exclusively by the
// coordinator; participants never mutate it. CurrentStep only moves forward
// while the saga progresses; rollback position is tracked separately by
// CompensationCursor over CompensationPlan.
type Transaction struct {
	ID                 uuid.UUID
	ExternalKey        string
	Steps              []Step
	CurrentStep        int
	CompensationPlan   []int
	CompensationCursor int
	Status             Status
	Context            map[string]json.RawMessage
	PendingCommandID   uuid.UUID
	CreatedAt          time.Time
	UpdatedAt          time.Time
}

// OrderSteps is the fixed topology for the order saga: create the order,
// take payment, reserve stock, then approve. Approval is a pure state flip
// with nothing to undo, so it carries no compensation.
func OrderSteps() []Step {
	return []Step{
		{Service: "order", Command: messaging.CommandCreateOrder, Compensation: messaging.CommandCancelOrder, Status: StepPending},
		{Service: "payment", Command: messaging.CommandProcessPayment, Compensation: messaging.CommandCompensatePayment, Status: StepPending},
		{Service: "inventory", Command: messaging.CommandReserveInventory, Compensation: messaging.CommandCompensateInventory, Status: StepPending},
		{Service: "order", Command: messaging.CommandApproveOrder, Status: StepPending},
	}
}

// NewTransaction constructs a saga for one order request, context seeded
// with the order data.
func NewTransaction(externalKey string, order messaging.OrderData) (*Transaction, error) {
	orderJSON, err := json.Marshal(order)
	if err != nil {
		return nil, fmt.Errorf("encode order data: %w", err)
	}
	now := time.Now().UTC()
	return &Transaction{
		ID:          uuid.New(),
		ExternalKey: externalKey,
		Steps:       OrderSteps(),
		Status:      StatusStarted,
		Context:     map[string]json.RawMessage{ContextKeyOrder: orderJSON},
		CreatedAt:   now,
		UpdatedAt:   now,
	}, nil
}

// OrderData decodes the order seeded into the context at creation.
func (t *Transaction) OrderData() (messaging.OrderData, error) {
	raw, ok := t.Context[ContextKeyOrder]
	if !ok {
		return messaging.OrderData{}, errors.New("saga context missing order data")
	}
	var order messaging.OrderData
	if err := json.Unmarshal(raw, &order); err != nil {
		return messaging.OrderData{}, fmt.Errorf("decode order data: %w", err)
	}
	return order, nil
}

// ForwardKey derives the idempotency key for the forward command of a step.
// The key depends only on saga and step, so every resend of the same logical
// command collides on it.
func (t *Transaction) ForwardKey(stepIndex int) string {
	return fmt.Sprintf("%s/%d/forward", t.ID, stepIndex)
}

// CompensationKey derives the idempotency key for a step's compensation.
func (t *Transaction) CompensationKey(stepIndex int) string {
	return fmt.Sprintf("%s/%d/compensate", t.ID, stepIndex)
}

// BuildCompensationPlan returns the indexes of succeeded compensable steps
// in reverse order of their original success. Computed once on entry to
// StatusCompensating and then consumed one step at a time.
func (t *Transaction) BuildCompensationPlan() []int {
	var plan []int
	for i := len(t.Steps) - 1; i >= 0; i-- {
		if t.Steps[i].Status == StepSucceeded && t.Steps[i].Compensable() {
			plan = append(plan, i)
		}
	}
	return plan
}

// Clone returns a deep copy so repository callers cannot alias stored state.
func (t *Transaction) Clone() *Transaction {
	cp := *t
	cp.Steps = append([]Step(nil), t.Steps...)
	cp.CompensationPlan = append([]int(nil), t.CompensationPlan...)
	cp.Context = make(map[string]json.RawMessage, len(t.Context))
	for k, v := range t.Context {
		cp.Context[k] = append(json.RawMessage(nil), v...)
	}
	return &cp
}
