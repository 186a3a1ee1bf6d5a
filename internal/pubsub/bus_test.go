package pubsub

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
)

func testBus(t *testing.T) *Bus {
	t.Helper()
	mini, err := miniredis.Run()
	if err != nil {
		t.Fatalf("start miniredis: %v", err)
	}
	t.Cleanup(mini.Close)

	bus, err := Connect(context.Background(), Config{Addr: mini.Addr()}, nil)
	if err != nil {
		t.Fatalf("connect bus: %v", err)
	}
	t.Cleanup(func() { bus.Close() })
	return bus
}

func TestPublishSubscribe(t *testing.T) {
	bus := testBus(t)
	ctx := context.Background()

	received := make(chan []byte, 1)
	if err := bus.Subscribe(ctx, ChannelChangesets, func(_ string, payload []byte) {
		received <- payload
	}); err != nil {
		t.Fatal(err)
	}

	if err := bus.Publish(ctx, ChannelChangesets, []byte(`{"version":1}`)); err != nil {
		t.Fatal(err)
	}
	select {
	case payload := <-received:
		if string(payload) != `{"version":1}` {
			t.Fatalf("unexpected payload %q", payload)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no message received")
	}
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	bus := testBus(t)
	ctx := context.Background()

	received := make(chan []byte, 1)
	if err := bus.Subscribe(ctx, ChannelBranches, func(_ string, payload []byte) {
		received <- payload
	}); err != nil {
		t.Fatal(err)
	}
	if err := bus.Unsubscribe(ctx, ChannelBranches); err != nil {
		t.Fatal(err)
	}
	if err := bus.Publish(ctx, ChannelBranches, []byte("x")); err != nil {
		t.Fatal(err)
	}
	select {
	case <-received:
		t.Fatal("received message after unsubscribe")
	case <-time.After(200 * time.Millisecond):
	}
}

func TestRequestReply(t *testing.T) {
	bus := testBus(t)
	ctx := context.Background()

	err := bus.Respond(ctx, ChannelAnalyzeLines, func(_ context.Context, payload []byte) ([][]byte, error) {
		if string(payload) != `"work"` {
			return nil, errors.New("unexpected payload")
		}
		return [][]byte{[]byte(`"one"`), []byte(`"two"`)}, nil
	})
	if err != nil {
		t.Fatal(err)
	}

	requestCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	reply, err := bus.Request(requestCtx, ChannelAnalyzeLines, []byte(`"work"`))
	if err != nil {
		t.Fatal(err)
	}
	if !reply.Delivered {
		t.Fatal("expected delivery acknowledgement")
	}
	if len(reply.Items) != 2 || string(reply.Items[0]) != `"one"` || string(reply.Items[1]) != `"two"` {
		t.Fatalf("unexpected reply items %q", reply.Items)
	}
}

func TestRequestTimesOutWithoutResponder(t *testing.T) {
	bus := testBus(t)

	requestCtx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	_, err := bus.Request(requestCtx, ChannelSyntaxHighlight, []byte("{}"))
	if !errors.Is(err, ErrRequestTimeout) {
		t.Fatalf("expected timeout error, got %v", err)
	}
}

func TestDeferredPublishesOnFlush(t *testing.T) {
	bus := testBus(t)
	ctx := context.Background()

	received := make(chan []byte, 2)
	if err := bus.Subscribe(ctx, ChannelReviewEvents, func(_ string, payload []byte) {
		received <- payload
	}); err != nil {
		t.Fatal(err)
	}

	deferred := NewDeferred(bus)
	if err := deferred.Publish(ctx, ChannelReviewEvents, []byte("a")); err != nil {
		t.Fatal(err)
	}
	select {
	case <-received:
		t.Fatal("event delivered before flush")
	case <-time.After(100 * time.Millisecond):
	}

	if err := deferred.Flush(ctx); err != nil {
		t.Fatal(err)
	}
	select {
	case payload := <-received:
		if string(payload) != "a" {
			t.Fatalf("unexpected payload %q", payload)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("flushed event not delivered")
	}
}
