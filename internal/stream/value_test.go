package stream

import (
	"context"
	"testing"
	"time"
)

func recv[T any](t *testing.T, ch <-chan T) T {
	t.Helper()
	select {
	case v, ok := <-ch:
		if !ok {
			t.Fatal("channel closed unexpectedly")
		}
		return v
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for value")
	}
	var zero T
	return zero
}

func TestSubscribeReplaysCurrentValue(t *testing.T) {
	v := NewValue("disconnected")
	v.Set("connected")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ch := v.Subscribe(ctx)
	if got := recv(t, ch); got != "connected" {
		t.Errorf("first value = %q, want %q", got, "connected")
	}
}

func TestSubscribeReceivesLaterValues(t *testing.T) {
	v := NewValue(0)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ch := v.Subscribe(ctx)
	recv(t, ch) // initial

	v.Set(1)
	if got := recv(t, ch); got != 1 {
		t.Errorf("got %d, want 1", got)
	}
	v.Update(func(n int) int { return n + 41 })
	if got := recv(t, ch); got != 42 {
		t.Errorf("got %d, want 42", got)
	}
}

func TestSlowSubscriberSeesLatestOnly(t *testing.T) {
	v := NewValue(0)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ch := v.Subscribe(ctx)
	for i := 1; i <= 100; i++ {
		v.Set(i)
	}
	if got := recv(t, ch); got != 100 {
		t.Errorf("conflated value = %d, want 100", got)
	}
	select {
	case extra := <-ch:
		t.Errorf("unexpected extra value %d", extra)
	default:
	}
}

func TestSetWithoutSubscribersDoesNotBlock(t *testing.T) {
	v := NewValue(0)
	done := make(chan struct{})
	go func() {
		for i := 0; i < 1000; i++ {
			v.Set(i)
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Set blocked with zero subscribers")
	}
	if v.Get() != 999 {
		t.Errorf("Get() = %d, want 999", v.Get())
	}
}

func TestUnsubscribeOnContextCancel(t *testing.T) {
	v := NewValue(0)
	ctx, cancel := context.WithCancel(context.Background())
	ch := v.Subscribe(ctx)
	recv(t, ch)

	cancel()

	deadline := time.After(time.Second)
	for {
		select {
		case _, ok := <-ch:
			if !ok {
				if n := v.Subscribers(); n != 0 {
					t.Errorf("Subscribers() = %d after cancel, want 0", n)
				}
				v.Set(5) // must not panic on a closed subscriber
				return
			}
		case <-deadline:
			t.Fatal("subscriber channel not closed after cancel")
		}
	}
}

func TestCloseClosesSubscribersAndKeepsLastValue(t *testing.T) {
	v := NewValue("a")
	ch := v.Subscribe(context.Background())
	recv(t, ch)

	v.Set("b")
	v.Close()
	v.Close() // idempotent

	// The pending value may or may not be drained first; the channel must close.
	for range ch {
	}
	if got := v.Get(); got != "b" {
		t.Errorf("Get() after Close = %q, want %q", got, "b")
	}

	v.Set("c")
	if got := v.Get(); got != "b" {
		t.Errorf("Set after Close changed value to %q", got)
	}

	late := v.Subscribe(context.Background())
	if got := recv(t, late); got != "b" {
		t.Errorf("late subscriber got %q, want %q", got, "b")
	}
	if _, ok := <-late; ok {
		t.Error("late subscriber channel should be closed")
	}
}

func TestMultipleSubscribersIndependent(t *testing.T) {
	v := NewValue(0)
	ctx1, cancel1 := context.WithCancel(context.Background())
	ctx2, cancel2 := context.WithCancel(context.Background())
	defer cancel2()

	a := v.Subscribe(ctx1)
	b := v.Subscribe(ctx2)
	recv(t, a)
	recv(t, b)

	cancel1()
	v.Set(7)
	if got := recv(t, b); got != 7 {
		t.Errorf("second subscriber got %d, want 7", got)
	}
}
