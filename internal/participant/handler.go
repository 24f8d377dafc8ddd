// Package participant implements the shared command-handling runtime the
// order, payment and inventory services plug their effects into. It owns
// the transaction bracket: ledger check, business effect, ledger record and
// outbox append all commit or roll back as one unit.
package participant

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"caravel/internal/idempotency"
	"caravel/internal/messaging"
	"caravel/internal/observability"
	"caravel/internal/outbox"
)

// Ledger is the transaction-scoped slice of the idempotency store the
// runtime needs.
type Ledger interface {
	LookupTx(ctx context.Context, tx *sql.Tx, key string) (idempotency.Entry, bool, error)
	RecordTx(ctx context.Context, tx *sql.Tx, entry idempotency.Entry) error
}

// Result is what a successful effect hands back: the reply payload for the
// coordinator and the domain events to fan out.
type Result struct {
	Payload json.RawMessage
	Events  []messaging.DomainEvent
}

// Effect runs the business action for one command inside the shared
// transaction. Returning a Rejection records a failure reply; any other
// error rolls the transaction back and leaves the command for redelivery.
type Effect func(ctx context.Context, tx *sql.Tx, cmd messaging.Command) (Result, error)

// Rejection is a business refusal: the command was handled, the answer is
// no. It is recorded in the ledger exactly like a success.
type Rejection struct {
	Reason string
}

func (r Rejection) Error() string { return r.Reason }

// Reject builds a Rejection with a formatted reason.
func Reject(format string, args ...any) error {
	return Rejection{Reason: fmt.Sprintf(format, args...)}
}

// Handler dispatches commands from one service's command topic to the
// registered effects.
type Handler struct {
	service  string
	db       *sql.DB
	ledger   Ledger
	appender outbox.TxAppender
	effects  map[messaging.CommandType]Effect
	log      *slog.Logger
	metrics  *observability.Metrics
}

// New constructs a handler for the named service.
func New(service string, db *sql.DB, ledger Ledger, appender outbox.TxAppender, log *slog.Logger, metrics *observability.Metrics) *Handler {
	if log == nil {
		log = slog.Default()
	}
	return &Handler{
		service:  service,
		db:       db,
		ledger:   ledger,
		appender: appender,
		effects:  make(map[messaging.CommandType]Effect),
		log:      log,
		metrics:  metrics,
	}
}

// Register binds an effect to a command type.
func (h *Handler) Register(ct messaging.CommandType, effect Effect) {
	h.effects[ct] = effect
}

// MessageHandler adapts the handler to a bus subscription. Malformed
// payloads are logged and acknowledged; handler errors redeliver.
func (h *Handler) MessageHandler() messaging.HandlerFunc {
	return func(ctx context.Context, _ string, payload []byte) error {
		cmd, err := messaging.DecodeCommand(payload)
		if err != nil {
			h.log.Error("malformed command dropped", "service", h.service, "error", err)
			return nil
		}
		return h.Handle(ctx, cmd)
	}
}

// Handle processes one command to a committed reply, exactly once per
// idempotency key.
func (h *Handler) Handle(ctx context.Context, cmd messaging.Command) (err error) {
	span := h.metrics.Start(h.service + "." + string(cmd.Type))
	defer func() { span.End(err) }()

	tx, err := h.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback()
		}
	}()

	entry, seen, err := h.ledger.LookupTx(ctx, tx, cmd.IdempotencyKey)
	if err != nil {
		return fmt.Errorf("ledger lookup: %w", err)
	}
	if seen {
		// Redelivery of an already-handled command: replay the recorded
		// outcome without re-running the effect.
		h.metrics.AddLedgerHit()
		if entry.CommandID != cmd.ID {
			h.log.Warn("idempotency key replayed by a different command id",
				"service", h.service,
				"key", cmd.IdempotencyKey,
				"recorded", entry.CommandID,
				"received", cmd.ID)
		}
		if err := h.appendReply(ctx, tx, cmd, replayReply(cmd, entry), nil); err != nil {
			return err
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit replay: %w", err)
		}
		committed = true
		return nil
	}

	effect, ok := h.effects[cmd.Type]
	if !ok {
		// Misrouted command. Answer with a failure so the saga can unwind
		// instead of spinning on redelivery.
		return h.record(ctx, tx, cmd, &committed,
			messaging.FailureReply(cmd.ID, cmd.SagaID, fmt.Sprintf("%s: unsupported command type %q", h.service, cmd.Type)),
			nil, nil)
	}

	result, err := effect(ctx, tx, cmd)
	var rejection Rejection
	if errors.As(err, &rejection) {
		h.metrics.AddBusinessRejection()
		h.log.Info("command rejected",
			"service", h.service,
			"command_type", cmd.Type,
			"saga_id", cmd.SagaID,
			"reason", rejection.Reason)
		return h.record(ctx, tx, cmd, &committed,
			messaging.FailureReply(cmd.ID, cmd.SagaID, rejection.Reason),
			nil, nil)
	}
	if err != nil {
		return fmt.Errorf("%s effect %s: %w", h.service, cmd.Type, err)
	}
	return h.record(ctx, tx, cmd, &committed,
		messaging.SuccessReply(cmd.ID, cmd.SagaID, result.Payload),
		result.Payload, result.Events)
}

// record writes the ledger entry, the reply and the domain events, then
// commits.
func (h *Handler) record(ctx context.Context, tx *sql.Tx, cmd messaging.Command, committed *bool, reply messaging.Reply, result json.RawMessage, events []messaging.DomainEvent) error {
	entry := idempotency.Entry{
		Key:         cmd.IdempotencyKey,
		CommandID:   cmd.ID,
		Outcome:     reply.Outcome,
		Result:      result,
		Error:       reply.Error,
		ProcessedAt: time.Now().UTC(),
	}
	if err := h.ledger.RecordTx(ctx, tx, entry); err != nil {
		return fmt.Errorf("ledger record: %w", err)
	}
	if err := h.appendReply(ctx, tx, cmd, reply, events); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	*committed = true
	return nil
}

func (h *Handler) appendReply(ctx context.Context, tx *sql.Tx, cmd messaging.Command, reply messaging.Reply, events []messaging.DomainEvent) error {
	data, err := messaging.EncodeReply(reply)
	if err != nil {
		return fmt.Errorf("encode reply: %w", err)
	}
	out := []outbox.Event{
		outbox.NewEvent(cmd.SagaID, messaging.TopicSagaReplies, "reply."+string(reply.Outcome), data),
	}
	for _, ev := range events {
		payload, err := json.Marshal(ev)
		if err != nil {
			return fmt.Errorf("encode domain event %s: %w", ev.Type, err)
		}
		out = append(out, outbox.NewEvent(ev.AggregateID, messaging.EventTopic(ev.Type), ev.Type, payload))
	}
	if err := h.appender.AppendTx(ctx, tx, out...); err != nil {
		return fmt.Errorf("append outbox: %w", err)
	}
	return nil
}

// replayReply rebuilds the reply for a redelivered command from its ledger
// entry, correlated to the command id actually received.
func replayReply(cmd messaging.Command, entry idempotency.Entry) messaging.Reply {
	if entry.Outcome == messaging.OutcomeSuccess {
		return messaging.SuccessReply(cmd.ID, cmd.SagaID, entry.Result)
	}
	return messaging.FailureReply(cmd.ID, cmd.SagaID, entry.Error)
}
