package stream

import (
	"sync"
	"testing"
	"time"
)

func receive[T any](t *testing.T, c <-chan T) T {
	t.Helper()
	select {
	case v, ok := <-c:
		if !ok {
			t.Fatal("channel closed")
		}
		return v
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for value")
	}
	var zero T
	return zero
}

func TestValueSubscribeReceivesCurrent(t *testing.T) {
	v := NewValue(1)
	sub := v.Subscribe()
	defer sub.Unsubscribe()

	if got := receive(t, sub.C); got != 1 {
		t.Errorf("first value = %d, want 1", got)
	}

	v.Set(2)
	if got := receive(t, sub.C); got != 2 {
		t.Errorf("after Set = %d, want 2", got)
	}
}

func TestValueConflates(t *testing.T) {
	v := NewValue(0)
	sub := v.Subscribe()
	defer sub.Unsubscribe()

	for i := 1; i <= 10; i++ {
		v.Set(i)
	}

	if got := receive(t, sub.C); got != 10 {
		t.Errorf("conflated value = %d, want 10", got)
	}
	if v.Get() != 10 {
		t.Errorf("Get() = %d, want 10", v.Get())
	}
}

func TestValueUnsubscribeClosesChannel(t *testing.T) {
	v := NewValue("x")
	sub := v.Subscribe()
	<-sub.C
	sub.Unsubscribe()
	sub.Unsubscribe()

	if _, ok := <-sub.C; ok {
		t.Error("channel should be closed after Unsubscribe")
	}
	v.Set("y")
}

func TestFeedBroadcast(t *testing.T) {
	f := NewFeed[int](4)
	a := f.Subscribe()
	b := f.Subscribe()

	if n := f.Send(7); n != 2 {
		t.Errorf("Send() delivered = %d, want 2", n)
	}
	if receive(t, a.C) != 7 || receive(t, b.C) != 7 {
		t.Error("both subscribers should receive the event")
	}

	b.Unsubscribe()
	if n := f.Send(8); n != 1 {
		t.Errorf("Send() after unsubscribe delivered = %d, want 1", n)
	}
}

func TestFeedDropsWhenFull(t *testing.T) {
	f := NewFeed[int](1)
	sub := f.Subscribe()
	defer sub.Unsubscribe()

	f.Send(1)
	f.Send(2)

	if f.Dropped() != 1 {
		t.Errorf("Dropped() = %d, want 1", f.Dropped())
	}
	if got := receive(t, sub.C); got != 1 {
		t.Errorf("received %d, want 1", got)
	}
}

func TestFeedCloseIdempotent(t *testing.T) {
	f := NewFeed[int](1)
	sub := f.Subscribe()
	f.Close()
	f.Close()

	if _, ok := <-sub.C; ok {
		t.Error("channel should be closed")
	}

	late := f.Subscribe()
	if _, ok := <-late.C; ok {
		t.Error("subscription after Close should be closed")
	}
	late.Unsubscribe()
}

func TestFeedConcurrentSend(t *testing.T) {
	f := NewFeed[int](1000)
	sub := f.Subscribe()

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				f.Send(j)
			}
		}()
	}
	wg.Wait()
	f.Close()

	count := 0
	for range sub.C {
		count++
	}
	if count != 500 {
		t.Errorf("received %d events, want 500", count)
	}
}
