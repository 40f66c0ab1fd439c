package comms

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"testing"
)

func makeMsg(typ MessageType, subject string) *Message {
	return &Message{
		Type:    typ,
		Subject: subject,
		Payload: map[string]string{"subject": subject},
	}
}

func TestInMemoryBus_Subscribe_Unsubscribe(t *testing.T) {
	bus := NewInMemoryBus()
	ctx := context.Background()

	var received int32
	unsub := bus.Subscribe(TypeTaskUpdate, func(_ context.Context, _ *Message) error {
		atomic.AddInt32(&received, 1)
		return nil
	})

	msg := makeMsg(TypeTaskUpdate, "t1")
	if err := bus.Publish(ctx, msg); err != nil {
		t.Fatalf("Publish: %v", err)
	}
	if atomic.LoadInt32(&received) != 1 {
		t.Errorf("received = %d, want 1", received)
	}

	// Unsubscribe and verify no more messages
	unsub()
	unsub()
	if err := bus.Publish(ctx, msg); err != nil {
		t.Fatalf("Publish after unsub: %v", err)
	}
	if atomic.LoadInt32(&received) != 1 {
		t.Errorf("received after unsub = %d, want 1", received)
	}
}

func TestInMemoryBus_FillsIDAndTimestamp(t *testing.T) {
	bus := NewInMemoryBus()
	msg := makeMsg(TypeAgentStatus, "analysis")
	if err := bus.Publish(context.Background(), msg); err != nil {
		t.Fatalf("Publish: %v", err)
	}
	if msg.ID == "" {
		t.Error("expected generated ID")
	}
	if msg.Timestamp.IsZero() {
		t.Error("expected timestamp")
	}
}

func TestInMemoryBus_RejectsInvalidType(t *testing.T) {
	bus := NewInMemoryBus()
	for _, typ := range []MessageType{"", TypeAll} {
		if err := bus.Publish(context.Background(), makeMsg(typ, "x")); err == nil {
			t.Errorf("Publish(%q) should fail", typ)
		}
	}
}

func TestInMemoryBus_RoutesByType(t *testing.T) {
	bus := NewInMemoryBus()
	ctx := context.Background()

	var tasks, agents, all int32
	bus.Subscribe(TypeTaskUpdate, func(_ context.Context, _ *Message) error {
		atomic.AddInt32(&tasks, 1)
		return nil
	})
	bus.Subscribe(TypeAgentStatus, func(_ context.Context, _ *Message) error {
		atomic.AddInt32(&agents, 1)
		return nil
	})
	bus.Subscribe(TypeAll, func(_ context.Context, _ *Message) error {
		atomic.AddInt32(&all, 1)
		return nil
	})

	bus.Publish(ctx, makeMsg(TypeTaskUpdate, "t1"))      //nolint:errcheck
	bus.Publish(ctx, makeMsg(TypeSystemHealth, "system")) //nolint:errcheck

	if atomic.LoadInt32(&tasks) != 1 {
		t.Errorf("task handler received %d, want 1", tasks)
	}
	if atomic.LoadInt32(&agents) != 0 {
		t.Errorf("agent handler received %d, want 0", agents)
	}
	if atomic.LoadInt32(&all) != 2 {
		t.Errorf("wildcard handler received %d, want 2", all)
	}
}

func TestInMemoryBus_DeliveryOrder(t *testing.T) {
	bus := NewInMemoryBus()
	var order []string
	for _, name := range []string{"first", "second", "third"} {
		bus.Subscribe(TypeTaskUpdate, func(_ context.Context, _ *Message) error {
			order = append(order, name)
			return nil
		})
	}
	bus.Publish(context.Background(), makeMsg(TypeTaskUpdate, "t1")) //nolint:errcheck

	if fmt.Sprint(order) != "[first second third]" {
		t.Errorf("order = %v", order)
	}
}

func TestInMemoryBus_HandlerErrors(t *testing.T) {
	bus := NewInMemoryBus()
	boom := errors.New("boom")
	var ran int32
	bus.Subscribe(TypeTaskUpdate, func(_ context.Context, _ *Message) error { return boom })
	bus.Subscribe(TypeTaskUpdate, func(_ context.Context, _ *Message) error {
		atomic.AddInt32(&ran, 1)
		return nil
	})

	err := bus.Publish(context.Background(), makeMsg(TypeTaskUpdate, "t1"))
	if !errors.Is(err, boom) {
		t.Errorf("Publish error = %v, want wrapping boom", err)
	}
	if atomic.LoadInt32(&ran) != 1 {
		t.Error("second handler should still run after the first fails")
	}
}

func TestInMemoryBus_History(t *testing.T) {
	bus := NewInMemoryBus()
	ctx := context.Background()

	msgs := []*Message{
		makeMsg(TypeTaskUpdate, "t1"),
		makeMsg(TypeAgentStatus, "generation"),
		makeMsg(TypeTaskUpdate, "t2"),
		makeMsg(TypeSystemHealth, "system"),
	}
	for _, m := range msgs {
		bus.Publish(ctx, m) //nolint:errcheck
	}

	hist, err := bus.History(TypeTaskUpdate, 100)
	if err != nil {
		t.Fatalf("History: %v", err)
	}
	if len(hist) != 2 || hist[0].Subject != "t1" || hist[1].Subject != "t2" {
		t.Errorf("History = %v, want t1 then t2", hist)
	}

	all, _ := bus.History(TypeAll, 0)
	if len(all) != 4 {
		t.Errorf("History(all) len = %d, want 4", len(all))
	}
}

func TestInMemoryBus_History_Limit(t *testing.T) {
	bus := NewInMemoryBus()
	ctx := context.Background()

	for i := 0; i < 10; i++ {
		bus.Publish(ctx, makeMsg(TypeTaskUpdate, fmt.Sprintf("t%d", i))) //nolint:errcheck
	}

	hist, err := bus.History(TypeTaskUpdate, 5)
	if err != nil {
		t.Fatalf("History: %v", err)
	}
	if len(hist) != 5 {
		t.Fatalf("History with limit 5 returned %d messages", len(hist))
	}
	if hist[0].Subject != "t5" || hist[4].Subject != "t9" {
		t.Errorf("History window = %s..%s, want t5..t9", hist[0].Subject, hist[4].Subject)
	}
}

func TestInMemoryBus_HistoryCap(t *testing.T) {
	bus := NewInMemoryBus()
	ctx := context.Background()
	for i := 0; i < 1005; i++ {
		bus.Publish(ctx, makeMsg(TypeTaskUpdate, fmt.Sprintf("t%d", i))) //nolint:errcheck
	}
	hist, _ := bus.History(TypeAll, 0)
	if len(hist) != 1000 {
		t.Errorf("history len = %d, want 1000", len(hist))
	}
	if hist[0].Subject != "t5" {
		t.Errorf("oldest retained = %s, want t5", hist[0].Subject)
	}
}
