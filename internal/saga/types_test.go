package saga

import (
	"testing"

	"caravel/internal/messaging"
)

func TestBuildCompensationPlanReversesSucceededSteps(t *testing.T) {
	txn, err := NewTransaction("req-1", testOrder())
	if err != nil {
		t.Fatalf("new transaction: %v", err)
	}
	txn.Steps[0].Status = StepSucceeded
	txn.Steps[1].Status = StepSucceeded
	txn.Steps[2].Status = StepFailed

	plan := txn.BuildCompensationPlan()
	if len(plan) != 2 || plan[0] != 1 || plan[1] != 0 {
		t.Fatalf("plan = %v, want [1 0]", plan)
	}
}

func TestBuildCompensationPlanSkipsNonCompensable(t *testing.T) {
	txn, err := NewTransaction("req-1", testOrder())
	if err != nil {
		t.Fatalf("new transaction: %v", err)
	}
	for i := range txn.Steps {
		txn.Steps[i].Status = StepSucceeded
	}

	// The approval step has no compensation and must not show up.
	plan := txn.BuildCompensationPlan()
	if len(plan) != 3 || plan[0] != 2 || plan[1] != 1 || plan[2] != 0 {
		t.Fatalf("plan = %v, want [2 1 0]", plan)
	}
}

func TestIdempotencyKeysAreStablePerStep(t *testing.T) {
	txn, err := NewTransaction("req-1", testOrder())
	if err != nil {
		t.Fatalf("new transaction: %v", err)
	}
	if txn.ForwardKey(1) != txn.ForwardKey(1) {
		t.Fatalf("forward key not stable")
	}
	if txn.ForwardKey(1) == txn.CompensationKey(1) {
		t.Fatalf("forward and compensation keys must differ")
	}
	if txn.ForwardKey(0) == txn.ForwardKey(1) {
		t.Fatalf("keys for distinct steps must differ")
	}
}

func TestCloneDoesNotAliasState(t *testing.T) {
	txn, err := NewTransaction("req-1", testOrder())
	if err != nil {
		t.Fatalf("new transaction: %v", err)
	}
	cp := txn.Clone()
	cp.Steps[0].Status = StepFailed
	cp.Context["extra"] = []byte(`{}`)

	if txn.Steps[0].Status == StepFailed {
		t.Fatalf("clone aliases steps")
	}
	if _, ok := txn.Context["extra"]; ok {
		t.Fatalf("clone aliases context")
	}
}

func TestOrderDataRoundTrip(t *testing.T) {
	order := testOrder()
	txn, err := NewTransaction("req-1", order)
	if err != nil {
		t.Fatalf("new transaction: %v", err)
	}
	got, err := txn.OrderData()
	if err != nil {
		t.Fatalf("order data: %v", err)
	}
	if got != order {
		t.Fatalf("order data = %+v, want %+v", got, order)
	}
	if txn.Steps[0].Command != messaging.CommandCreateOrder {
		t.Fatalf("first step command = %s", txn.Steps[0].Command)
	}
}
