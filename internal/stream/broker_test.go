package stream

import (
	"errors"
	"sync"
	"testing"
)

func TestPublishRoutesByTopic(t *testing.T) {
	t.Parallel()

	b := NewBroker[int]()
	a1, _ := b.Subscribe("a")
	a2, _ := b.Subscribe("a")
	other, _ := b.Subscribe("b")

	delivered, dropped := b.Publish("a", 7)
	if delivered != 2 || dropped != 0 {
		t.Fatalf("Publish = %d, %d", delivered, dropped)
	}
	if got := <-a1.C(); got != 7 {
		t.Fatalf("a1 got %d", got)
	}
	if got := <-a2.C(); got != 7 {
		t.Fatalf("a2 got %d", got)
	}
	select {
	case v := <-other.C():
		t.Fatalf("topic b received %d", v)
	default:
	}
	if a1.ID == a2.ID {
		t.Fatal("subscription ids must differ")
	}
}

func TestPublishDropsWhenFull(t *testing.T) {
	t.Parallel()

	var mu sync.Mutex
	drops := 0
	b := NewBroker[string](WithBuffer(2), WithDropHook(func(topic string) {
		mu.Lock()
		drops++
		mu.Unlock()
	}))
	sub, _ := b.Subscribe("s")

	for i := 0; i < 2; i++ {
		if d, _ := b.Publish("s", "x"); d != 1 {
			t.Fatalf("publish %d delivered %d", i, d)
		}
	}
	delivered, dropped := b.Publish("s", "overflow")
	if delivered != 0 || dropped != 1 {
		t.Fatalf("Publish = %d, %d", delivered, dropped)
	}
	if drops != 1 {
		t.Fatalf("drop hook called %d times", drops)
	}
	if len(sub.C()) != 2 {
		t.Fatalf("queue len = %d", len(sub.C()))
	}
}

func TestCloseSubscription(t *testing.T) {
	t.Parallel()

	b := NewBroker[int]()
	sub, _ := b.Subscribe("s")
	sub.Close()
	sub.Close()

	if _, ok := <-sub.C(); ok {
		t.Fatal("channel should be closed")
	}
	if n := b.Subscribers("s"); n != 0 {
		t.Fatalf("subscribers = %d", n)
	}
	if d, _ := b.Publish("s", 1); d != 0 {
		t.Fatalf("delivered to closed subscription")
	}
}

func TestCloseBroker(t *testing.T) {
	t.Parallel()

	b := NewBroker[int]()
	sub, _ := b.Subscribe("s")
	b.Close()
	b.Close()
	sub.Close()

	if _, ok := <-sub.C(); ok {
		t.Fatal("channel should be closed")
	}
	if _, err := b.Subscribe("s"); !errors.Is(err, ErrClosed) {
		t.Fatalf("Subscribe err = %v", err)
	}
}
