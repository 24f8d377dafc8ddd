package messaging

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func TestStreamBus_PublishConsumeAck(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	bus := NewStreamBus(client, StreamBusConfig{
		Group:       "test-group",
		Consumer:    "c1",
		Block:       20 * time.Millisecond,
		ReclaimIdle: time.Minute,
	}, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := bus.Publish(ctx, "payment_commands", "saga-1", []byte("first")); err != nil {
		t.Fatalf("publish: %v", err)
	}
	if err := bus.Publish(ctx, "payment_commands", "saga-1", []byte("second")); err != nil {
		t.Fatalf("publish: %v", err)
	}

	received := make(chan string, 2)
	subCtx, stop := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = bus.Subscribe(subCtx, "payment_commands", func(ctx context.Context, key string, payload []byte) error {
			if key != "saga-1" {
				t.Errorf("unexpected key %q", key)
			}
			received <- string(payload)
			return nil
		})
	}()

	var got []string
	for len(got) < 2 {
		select {
		case msg := <-received:
			got = append(got, msg)
		case <-ctx.Done():
			t.Fatalf("timed out, received %v", got)
		}
	}
	stop()
	<-done

	if got[0] != "first" || got[1] != "second" {
		t.Fatalf("unexpected order: %v", got)
	}

	pending, err := client.XPending(context.Background(), "payment_commands", "test-group").Result()
	if err != nil {
		t.Fatalf("xpending: %v", err)
	}
	if pending.Count != 0 {
		t.Fatalf("expected all messages acked, %d pending", pending.Count)
	}
}

// stubStreamClient scripts the reclaim path without a live server.
type stubStreamClient struct {
	mu      sync.Mutex
	pending []redis.XPendingExt
	claimed []redis.XMessage
	adds    []*redis.XAddArgs
	acked   []string
	stop    context.CancelFunc
}

func (s *stubStreamClient) XAdd(ctx context.Context, a *redis.XAddArgs) *redis.StringCmd {
	s.mu.Lock()
	s.adds = append(s.adds, a)
	s.mu.Unlock()
	cmd := redis.NewStringCmd(ctx)
	cmd.SetVal("1-0")
	return cmd
}

func (s *stubStreamClient) XGroupCreateMkStream(ctx context.Context, stream, group, start string) *redis.StatusCmd {
	cmd := redis.NewStatusCmd(ctx)
	cmd.SetVal("OK")
	return cmd
}

func (s *stubStreamClient) XReadGroup(ctx context.Context, a *redis.XReadGroupArgs) *redis.XStreamSliceCmd {
	// Stop the subscriber once the reclaim pass has run.
	s.stop()
	cmd := redis.NewXStreamSliceCmd(ctx)
	cmd.SetErr(redis.Nil)
	return cmd
}

func (s *stubStreamClient) XAck(ctx context.Context, stream, group string, ids ...string) *redis.IntCmd {
	s.mu.Lock()
	s.acked = append(s.acked, ids...)
	s.mu.Unlock()
	cmd := redis.NewIntCmd(ctx)
	cmd.SetVal(int64(len(ids)))
	return cmd
}

func (s *stubStreamClient) XPendingExt(ctx context.Context, a *redis.XPendingExtArgs) *redis.XPendingExtCmd {
	cmd := redis.NewXPendingExtCmd(ctx)
	s.mu.Lock()
	cmd.SetVal(s.pending)
	s.pending = nil
	s.mu.Unlock()
	return cmd
}

func (s *stubStreamClient) XClaim(ctx context.Context, a *redis.XClaimArgs) *redis.XMessageSliceCmd {
	cmd := redis.NewXMessageSliceCmd(ctx)
	cmd.SetVal(s.claimed)
	return cmd
}

func TestStreamBus_DeadLettersOverDeliveredMessage(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	stub := &stubStreamClient{
		pending: []redis.XPendingExt{{ID: "7-0", Consumer: "dead-worker", RetryCount: 5}},
		claimed: []redis.XMessage{{ID: "7-0", Values: map[string]any{"key": "saga-9", "payload": "poison"}}},
		stop:    cancel,
	}
	bus := NewStreamBus(stub, StreamBusConfig{MaxDeliveries: 3}, nil)

	handled := false
	err := bus.Subscribe(ctx, "order_commands", func(ctx context.Context, key string, payload []byte) error {
		handled = true
		return nil
	})
	if err != context.Canceled {
		t.Fatalf("expected context.Canceled, got %v", err)
	}

	if handled {
		t.Fatalf("over-delivered message must not reach the handler")
	}
	if len(stub.adds) != 1 || stub.adds[0].Stream != DeadLetterTopic("order_commands") {
		t.Fatalf("expected one dead-letter add, got %+v", stub.adds)
	}
	if len(stub.acked) != 1 || stub.acked[0] != "7-0" {
		t.Fatalf("expected original message acked, got %v", stub.acked)
	}
}

func TestStreamBus_ReclaimRedeliversToHandler(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	stub := &stubStreamClient{
		pending: []redis.XPendingExt{{ID: "3-0", Consumer: "gone", RetryCount: 1}},
		claimed: []redis.XMessage{{ID: "3-0", Values: map[string]any{"key": "saga-2", "payload": "retry-me"}}},
		stop:    cancel,
	}
	bus := NewStreamBus(stub, StreamBusConfig{MaxDeliveries: 3}, nil)

	var got string
	err := bus.Subscribe(ctx, "order_commands", func(ctx context.Context, key string, payload []byte) error {
		got = string(payload)
		return nil
	})
	if err != context.Canceled {
		t.Fatalf("expected context.Canceled, got %v", err)
	}

	if got != "retry-me" {
		t.Fatalf("expected reclaimed message handled, got %q", got)
	}
	if len(stub.acked) != 1 || stub.acked[0] != "3-0" {
		t.Fatalf("expected reclaimed message acked, got %v", stub.acked)
	}
}
